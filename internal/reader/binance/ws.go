package binance

import (
	"context"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"depthflow/logger"
)

const (
	defaultKeepAlive   = 20 * time.Second
	defaultPingTimeout = 5 * time.Second
	defaultReadTimeout = 30 * time.Second
	handshakeTimeout   = 10 * time.Second
)

// newDialer returns a websocket dialer whose outbound connections originate
// from localIP when it is set.
func newDialer(localIP string) *websocket.Dialer {
	dialer := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: handshakeTimeout,
	}
	if localIP != "" {
		if ip := net.ParseIP(localIP); ip != nil {
			dialer.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
		}
	}
	return dialer
}

// readMessages delivers frames to handler until the connection fails, handler
// returns an error or ctx is done. Every frame and every pong pushes the read
// deadline forward, so a silent peer surfaces as a timeout.
func readMessages(ctx context.Context, conn *websocket.Conn, readTimeout time.Duration, handler func([]byte) error) error {
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	extend := func() { conn.SetReadDeadline(time.Now().Add(readTimeout)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	// unblock ReadMessage on cancellation
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		extend()
		if err := handler(msg); err != nil {
			return err
		}
	}
}

// waitForReconnect sleeps for delay and reports whether ctx ended first.
func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() != nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

// startPingLoop pings every interval. A failed ping closes the connection so
// the read loop returns and the session reconnects.
func startPingLoop(ctx context.Context, conn *websocket.Conn, interval, timeout time.Duration, log *logger.Entry) context.CancelFunc {
	if interval <= 0 {
		interval = defaultKeepAlive
	}
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					conn.Close()
					return
				}
			}
		}
	}()
	return cancel
}
