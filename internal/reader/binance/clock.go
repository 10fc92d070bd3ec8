package binance

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/samber/lo"

	"depthflow/internal/metrics"
	"depthflow/logger"
)

// NewRESTClient builds a futures REST client against base, bound to localIP
// when set.
func NewRESTClient(base, localIP string, timeout time.Duration) *futures.Client {
	transport := &http.Transport{
		MaxIdleConns:    4,
		IdleConnTimeout: 90 * time.Second,
	}
	if localIP != "" {
		if ip := net.ParseIP(localIP); ip != nil {
			dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
			transport.DialContext = dialer.DialContext
		}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := futures.NewClient("", "")
	client.HTTPClient = &http.Client{Transport: transport, Timeout: timeout}
	if base != "" {
		client.SetApiEndpoint(base)
	}
	return client
}

// serverTimeFn is swapped in tests.
var serverTimeFn = func(ctx context.Context, client *futures.Client) (int64, error) {
	return client.NewServerTimeService().Do(ctx)
}

// ClockProbe estimates the offset between the exchange clock and the local
// clock. A positive offset means the local clock is behind.
type ClockProbe struct {
	client *futures.Client
	offset atomic.Int64
	valid  atomic.Bool
	log    *logger.Log
	now    func() time.Time
}

func NewClockProbe(client *futures.Client, log *logger.Log) *ClockProbe {
	if log == nil {
		log = logger.GetLogger()
	}
	return &ClockProbe{client: client, log: log, now: time.Now}
}

// Probe queries the server time once and stores the offset measured against
// the midpoint of the request.
func (c *ClockProbe) Probe(ctx context.Context) (time.Duration, error) {
	sent := c.now()
	serverMs, err := serverTimeFn(ctx, c.client)
	if err != nil {
		return 0, fmt.Errorf("server time: %w", err)
	}
	recv := c.now()
	mid := sent.Add(recv.Sub(sent) / 2)
	offset := time.UnixMilli(serverMs).Sub(mid)
	c.offset.Store(int64(offset))
	c.valid.Store(true)
	return offset, nil
}

// Offset returns the last measured offset, zero before the first success.
func (c *ClockProbe) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}

// Run probes every interval until ctx is done.
func (c *ClockProbe) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	log := c.log.WithComponent("clock_probe")
	probe := func() {
		offset, err := c.Probe(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("clock probe failed")
			}
			return
		}
		metrics.EmitMetric(c.log, "clock_probe", "clock_offset_ms", offset.Milliseconds(), "gauge", nil)
		entry := log.WithFields(logger.Fields{"offset_ms": offset.Milliseconds()})
		if offset.Abs() > time.Second {
			entry.Warn("local clock differs from exchange clock")
			return
		}
		entry.Debug("clock probe")
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// exchangeSymbolsFn is swapped in tests.
var exchangeSymbolsFn = func(ctx context.Context, client *futures.Client) ([]string, error) {
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, err
	}
	return lo.FilterMap(info.Symbols, func(s futures.Symbol, _ int) (string, bool) {
		return s.Symbol, s.Status == "TRADING"
	}), nil
}

// ValidateSymbols splits symbols into those listed as trading on the exchange
// and those that are not. When the exchange cannot be reached every symbol is
// returned as valid together with the error.
func ValidateSymbols(ctx context.Context, client *futures.Client, symbols []string) (valid, unknown []string, err error) {
	listed, err := exchangeSymbolsFn(ctx, client)
	if err != nil {
		return symbols, nil, fmt.Errorf("exchange info: %w", err)
	}
	set := lo.SliceToMap(listed, func(s string) (string, struct{}) { return s, struct{}{} })
	listedFn := func(s string, _ int) bool {
		_, ok := set[s]
		return ok
	}
	return lo.Filter(symbols, listedFn), lo.Reject(symbols, listedFn), nil
}
