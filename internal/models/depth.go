package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is one side entry of a depth update. On the wire it is a
// two element array of quoted decimals: ["27000.10","1.532"].
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

func (p PriceLevel) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(32)
	buf.WriteString(`["`)
	buf.WriteString(p.Price.String())
	buf.WriteString(`","`)
	buf.WriteString(p.Quantity.String())
	buf.WriteString(`"]`)
	return buf.Bytes(), nil
}

func (p *PriceLevel) UnmarshalJSON(data []byte) error {
	var pair [2]decimal.Decimal
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("price level: %w", err)
	}
	p.Price, p.Quantity = pair[0], pair[1]
	return nil
}

// DepthEvent mirrors the Binance futures depth payload
// (`<symbol>@depth<levels>@100ms` and `<symbol>@depth@100ms`).
type DepthEvent struct {
	EventType       string       `json:"e"`
	EventTime       int64        `json:"E"`
	TransactionTime int64        `json:"T"`
	Symbol          string       `json:"s"`
	FirstUpdateID   int64        `json:"U"`
	FinalUpdateID   int64        `json:"u"`
	PrevUpdateID    int64        `json:"pu"`
	Bids            []PriceLevel `json:"b"`
	Asks            []PriceLevel `json:"a"`
}

// DepthUpdate is one decoded and locally timestamped depth message. Values are
// passed by copy between the session and the writer and never mutated after
// construction.
type DepthUpdate struct {
	Symbol          string       `json:"s"`
	EventTime       int64        `json:"E"`
	TransactionTime int64        `json:"T"`
	ReceivedTime    int64        `json:"R"`
	FirstUpdateID   int64        `json:"U"`
	FinalUpdateID   int64        `json:"u"`
	PrevUpdateID    int64        `json:"pu"`
	Sequence        uint64       `json:"seq"`
	Bids            []PriceLevel `json:"b"`
	Asks            []PriceLevel `json:"a"`
}

// NewDepthUpdate stamps a decoded event with its receipt time and local
// sequence number.
func NewDepthUpdate(ev DepthEvent, symbol string, received time.Time, seq uint64) DepthUpdate {
	if ev.Symbol != "" {
		symbol = ev.Symbol
	}
	return DepthUpdate{
		Symbol:          symbol,
		EventTime:       ev.EventTime,
		TransactionTime: ev.TransactionTime,
		ReceivedTime:    received.UnixMilli(),
		FirstUpdateID:   ev.FirstUpdateID,
		FinalUpdateID:   ev.FinalUpdateID,
		PrevUpdateID:    ev.PrevUpdateID,
		Sequence:        seq,
		Bids:            ev.Bids,
		Asks:            ev.Asks,
	}
}

// Latency is the receipt delay of the update. It is negative when the local
// clock runs behind the exchange clock.
func (u DepthUpdate) Latency() time.Duration {
	return time.Duration(u.ReceivedTime-u.EventTime) * time.Millisecond
}

// Received returns the local receipt time in UTC.
func (u DepthUpdate) Received() time.Time {
	return time.UnixMilli(u.ReceivedTime).UTC()
}

// DecodeDepthEvent parses one websocket frame. Combined stream frames
// ({"stream":...,"data":{...}}) are unwrapped.
func DecodeDepthEvent(frame []byte) (DepthEvent, error) {
	var ev DepthEvent
	trimmed := bytes.TrimSpace(frame)
	if bytes.HasPrefix(trimmed, []byte(`{"stream"`)) {
		var wrapped struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return ev, fmt.Errorf("decode combined frame: %w", err)
		}
		trimmed = wrapped.Data
	}
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return ev, fmt.Errorf("decode depth event: %w", err)
	}
	if ev.EventTime == 0 {
		return ev, fmt.Errorf("decode depth event: missing event time")
	}
	return ev, nil
}
