package feed

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cexfeed/internal/book"
	"cexfeed/internal/signer"
)

// Kind discriminates inbound message envelopes.
type Kind string

const (
	KindConnected     Kind = "connected"
	KindAuth          Kind = "auth"
	KindPing          Kind = "ping"
	KindPong          Kind = "pong"
	KindDisconnecting Kind = "disconnecting"
	KindBookSnapshot  Kind = "order-book-subscribe"
	KindMDUpdate      Kind = "md_update"
	KindTick          Kind = "tick"
)

// Envelope is the wire envelope of every inbound frame: a discriminated kind,
// an opaque payload and an optional correlation id.
type Envelope struct {
	Kind Kind            `json:"e"`
	Data json.RawMessage `json:"data,omitempty"`
	OID  string          `json:"oid,omitempty"`
	OK   string          `json:"ok,omitempty"`
}

// Level is the wire form of one price level: [price, quantity]. The exchange
// sends both bare and quoted numbers; decimals accept either without
// precision loss.
type Level [2]decimal.Decimal

// BookPayload is the payload of both order-book-subscribe (snapshot) and
// md_update (delta) messages.
type BookPayload struct {
	Pair      string  `json:"pair"`
	ID        int64   `json:"id"`
	Bids      []Level `json:"bids"`
	Asks      []Level `json:"asks"`
	Timestamp int64   `json:"timestamp"`
}

// Levels converts the wire-form sides into book price levels.
func (p *BookPayload) Levels() (bids, asks []book.PriceLevel) {
	return convertSide(p.Bids), convertSide(p.Asks)
}

func convertSide(levels []Level) []book.PriceLevel {
	out := make([]book.PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = book.PriceLevel{Price: l[0], Quantity: l[1]}
	}
	return out
}

// AuthRequest is the outbound authentication frame. The correlation id is the
// fixed string "auth" so the ack needs no bookkeeping to match.
type AuthRequest struct {
	E    string      `json:"e"`
	Auth AuthPayload `json:"auth"`
	OID  string      `json:"oid"`
}

// AuthPayload carries the signed credentials.
type AuthPayload struct {
	Key       string `json:"key"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// NewAuthRequest builds an auth frame for the given credentials, signing
// timestamp+key with the API secret.
func NewAuthRequest(apiKey, secret string, timestamp int64) AuthRequest {
	return AuthRequest{
		E: "auth",
		Auth: AuthPayload{
			Key:       apiKey,
			Signature: signer.Sign(secret, apiKey, timestamp),
			Timestamp: timestamp,
		},
		OID: "auth",
	}
}

// SubscribeData is the payload of order-book subscribe/unsubscribe requests.
type SubscribeData struct {
	Pair      []string `json:"pair"`
	Subscribe bool     `json:"subscribe,omitempty"`
	Depth     int      `json:"depth,omitempty"`
}

// SubscribeRequest is an outbound order-book subscription frame.
type SubscribeRequest struct {
	E    string        `json:"e"`
	Data SubscribeData `json:"data"`
	OID  string        `json:"oid"`
}

// NewSubscribeRequest builds an order-book-subscribe frame for inst at depth.
func NewSubscribeRequest(inst book.Instrument, depth int) SubscribeRequest {
	return SubscribeRequest{
		E: "order-book-subscribe",
		Data: SubscribeData{
			Pair:      []string{inst.Base, inst.Quote},
			Subscribe: true,
			Depth:     depth,
		},
		OID: newOID("order-book-subscribe"),
	}
}

// NewUnsubscribeRequest builds an order-book-unsubscribe frame for inst.
func NewUnsubscribeRequest(inst book.Instrument) SubscribeRequest {
	return SubscribeRequest{
		E: "order-book-unsubscribe",
		Data: SubscribeData{
			Pair: []string{inst.Base, inst.Quote},
		},
		OID: newOID("order-book-unsubscribe"),
	}
}

// TickerRequest subscribes to ticker rooms, e.g. ["tickers"]. Tick messages
// are currently a no-op hook on the inbound side.
type TickerRequest struct {
	E     string   `json:"e"`
	Rooms []string `json:"rooms"`
}

// NewTickerRequest builds a ticker-room subscribe frame.
func NewTickerRequest(rooms []string) TickerRequest {
	return TickerRequest{E: "subscribe", Rooms: rooms}
}

// Pong is the heartbeat reply frame.
type Pong struct {
	E string `json:"e"`
}

// NewPong builds the heartbeat reply.
func NewPong() Pong { return Pong{E: "pong"} }

func newOID(suffix string) string {
	return uuid.NewString()[:8] + "_" + suffix
}
