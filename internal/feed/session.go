package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cexfeed/internal/book"
	"cexfeed/internal/sink"
)

// State is the session lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Authenticated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Conn is the subset of the websocket connection the session needs. Satisfied
// by *websocket.Conn; tests substitute a scripted fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a streaming connection to the exchange.
type Dialer func(ctx context.Context, url string) (Conn, error)

// WebsocketDialer dials with gorilla/websocket.
func WebsocketDialer(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket connection failed: %w", err)
	}
	return conn, nil
}

// Options configures a Session.
type Options struct {
	URL           string
	APIKey        string
	APISecret     string
	TickerRooms   []string
	ReconnectWait time.Duration
	Dial          Dialer
	Now           func() int64 // unix seconds; defaults to time.Now
}

// Session owns one connection to the exchange: the authentication handshake,
// heartbeat replies, message ingestion and the reconnect/resubscribe recovery
// path. Market-data messages are routed through the Dispatcher; only ping is
// answered directly on the read loop, because heartbeat latency must not
// queue behind a market-data backlog or the peer times the connection out.
type Session struct {
	log        *zap.Logger
	opts       Options
	registry   *book.Registry
	dispatcher *Dispatcher
	records    sink.Sink

	mu    sync.Mutex // guards conn and serializes writes
	conn  Conn
	state atomic.Int32

	ctx      context.Context
	closed   atomic.Bool
	messages atomic.Int64
}

// NewSession wires a Session to its registry, dispatcher and record sink, and
// registers its message handlers on the dispatcher.
func NewSession(log *zap.Logger, opts Options, registry *book.Registry, dispatcher *Dispatcher, records sink.Sink) *Session {
	if opts.Dial == nil {
		opts.Dial = WebsocketDialer
	}
	if opts.Now == nil {
		opts.Now = func() int64 { return time.Now().Unix() }
	}
	if opts.ReconnectWait == 0 {
		opts.ReconnectWait = 3 * time.Second
	}

	s := &Session{
		log:        log,
		opts:       opts,
		registry:   registry,
		dispatcher: dispatcher,
		records:    records,
	}

	dispatcher.Handle(KindConnected, s.handleConnected)
	dispatcher.Handle(KindAuth, s.handleAuthAck)
	dispatcher.Handle(KindDisconnecting, s.handleDisconnecting)
	dispatcher.Handle(KindBookSnapshot, s.handleSnapshot)
	dispatcher.Handle(KindMDUpdate, s.handleMDUpdate)
	dispatcher.Handle(KindTick, s.handleTick)
	dispatcher.OnOverflow(s.handleOverflow)

	return s
}

// State returns the current lifecycle state. A session stuck in Connected
// without ever reaching Authenticated indicates rejected credentials; the
// session does not retry those on its own.
func (s *Session) State() State {
	return State(s.state.Load())
}

// MessageCount returns the number of frames read since start.
func (s *Session) MessageCount() int64 { return s.messages.Load() }

// Start opens the transport and begins ingesting frames. Subscriptions
// already present in the registry are replayed once the session
// authenticates, so callers register instruments before starting.
func (s *Session) Start(ctx context.Context) error {
	s.ctx = ctx
	return s.connect()
}

// Close shuts the session down cleanly. No reconnect is attempted.
func (s *Session) Close() error {
	s.closed.Store(true)
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	s.setState(Disconnected)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Subscribe registers inst at depth and, if the session is authenticated,
// sends the subscribe request immediately. Otherwise the request goes out
// with the post-auth replay.
func (s *Session) Subscribe(inst book.Instrument, depth int) {
	s.registry.Subscribe(inst, depth)
	if s.State() == Authenticated {
		s.send(NewSubscribeRequest(inst, depth))
	}
}

// Unsubscribe drops inst from the registry and notifies the peer.
func (s *Session) Unsubscribe(inst book.Instrument) {
	s.registry.Unsubscribe(inst)
	if s.State() == Authenticated {
		s.send(NewUnsubscribeRequest(inst))
	}
}

// Resubscribe tears down and re-requests the book for inst at its recorded
// depth, forcing a fresh snapshot from the peer. This is the sole recovery
// path for a corrupted book; deltas are not sequenced on the wire, so there
// is no partial resync.
func (s *Session) Resubscribe(inst book.Instrument) {
	ob, ok := s.registry.Resubscribe(inst)
	if !ok {
		return
	}
	s.send(NewUnsubscribeRequest(inst))
	s.send(NewSubscribeRequest(inst, ob.Depth()))
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) connect() error {
	s.setState(Connecting)
	conn, err := s.opts.Dial(s.ctx, s.opts.URL)
	if err != nil {
		s.setState(Disconnected)
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.log.Info("websocket connected", zap.String("url", s.opts.URL))
	go s.readLoop(conn)
	return nil
}

// readLoop is the ingestion path: it owns the transport, decodes frames and
// either answers heartbeats directly or enqueues messages. It must never
// block on processing.
func (s *Session) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.closed.Load() || s.ctx.Err() != nil {
				s.setState(Disconnected)
				return
			}
			s.log.Error("websocket read error", zap.Error(err))
			s.reconnect()
			return
		}

		s.messages.Add(1)

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn("undecodable frame, discarding", zap.Error(err))
			continue
		}

		// Heartbeat bypasses the queue: answered before any backlog drains.
		if env.Kind == KindPing {
			s.log.Debug("ping received, sending pong")
			s.send(NewPong())
			continue
		}

		s.dispatcher.Enqueue(&env)
	}
}

// reconnect runs full recovery after a transport error: drop the stale queue,
// re-dial until the transport comes back, then let the auth handshake replay
// every registered subscription.
func (s *Session) reconnect() {
	s.setState(Disconnected)

	// Release the dead transport before redialing, so writes attempted during
	// the reconnect window no-op instead of hitting a closed connection.
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	s.dispatcher.Discard()

	for !s.closed.Load() && s.ctx.Err() == nil {
		s.log.Info("reconnecting", zap.Duration("wait", s.opts.ReconnectWait))
		time.Sleep(s.opts.ReconnectWait)

		if err := s.connect(); err != nil {
			s.log.Error("reconnect failed", zap.Error(err))
			continue
		}
		return
	}
}

// send serializes one outbound frame. Writes are serialized under the session
// lock; gorilla connections permit only one concurrent writer.
func (s *Session) send(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return
	}
	if err := s.conn.WriteJSON(v); err != nil {
		s.log.Error("websocket write failed", zap.Error(err))
	}
}

func (s *Session) handleConnected(*Envelope) {
	s.setState(Connected)
	ts := s.opts.Now()
	s.log.Info("connected, authenticating", zap.Int64("timestamp", ts))
	s.send(NewAuthRequest(s.opts.APIKey, s.opts.APISecret, ts))
}

func (s *Session) handleAuthAck(*Envelope) {
	s.setState(Authenticated)
	s.log.Info("authenticated, replaying subscriptions", zap.Int("count", s.registry.Len()))

	for sub := range s.registry.All() {
		s.send(NewSubscribeRequest(sub.Instrument, sub.Depth))
	}
	if len(s.opts.TickerRooms) > 0 {
		s.send(NewTickerRequest(s.opts.TickerRooms))
	}
}

func (s *Session) handleDisconnecting(*Envelope) {
	s.log.Warn("peer is disconnecting")
	// Closing the transport unblocks the read loop, which runs the normal
	// reconnect path unless the session was closed by the caller.
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Session) handleTick(env *Envelope) {
	// Hook only; ticker data is not consumed yet.
	s.log.Debug("tick received", zap.ByteString("data", env.Data))
}

func (s *Session) handleSnapshot(env *Envelope) {
	p, ob, ok := s.decodeBookMessage(env, "snapshot")
	if !ok {
		return
	}

	bids, asks := p.Levels()
	ob.Build(bids, asks)
	s.log.Info("orderbook built from snapshot",
		zap.String("pair", p.Pair), zap.Int("bids", len(bids)), zap.Int("asks", len(asks)))

	if !s.checkHealth(p.Pair, ob) {
		return
	}
	s.recordBookHistory(ob)
	s.recordTopOfBook(ob)
}

func (s *Session) handleMDUpdate(env *Envelope) {
	p, ob, ok := s.decodeBookMessage(env, "md_update")
	if !ok {
		return
	}

	bids, asks := p.Levels()
	ob.Update(bids, asks)
	s.log.Debug("orderbook updated",
		zap.String("pair", p.Pair), zap.Int64("id", p.ID), zap.Int64("updates", ob.UpdateCount()))

	if !s.checkHealth(p.Pair, ob) {
		return
	}
	s.recordTopOfBook(ob)
}

func (s *Session) decodeBookMessage(env *Envelope, what string) (*BookPayload, *book.OrderBook, bool) {
	var p BookPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		s.log.Warn("undecodable payload, discarding", zap.String("what", what), zap.Error(err))
		return nil, nil, false
	}
	ob, ok := s.registry.Lookup(p.Pair)
	if !ok {
		s.log.Warn("message for untracked pair, discarding",
			zap.String("what", what), zap.String("pair", p.Pair))
		return nil, nil, false
	}
	return &p, ob, true
}

// checkHealth validates the book after every mutation and triggers a targeted
// resubscribe when it is crossed or one-sided. Returns false when recovery
// was triggered.
func (s *Session) checkHealth(pair string, ob *book.OrderBook) bool {
	if ob.IsValid() {
		return true
	}

	s.log.Warn("orderbook invalid, resubscribing",
		zap.String("pair", pair), zap.Bool("crossed", ob.IsCrossed()))

	inst, err := book.ParseInstrument(pair)
	if err != nil {
		s.log.Error("cannot resubscribe malformed pair", zap.String("pair", pair), zap.Error(err))
		return false
	}
	s.Resubscribe(inst)
	return false
}

// handleOverflow runs on the processing path for each pair whose snapshot or
// delta was shed at ingestion. A skipped delta leaves the book stale in a way
// no validity check can see, so the only safe recovery is a fresh snapshot.
func (s *Session) handleOverflow(pair string) {
	inst, err := book.ParseInstrument(pair)
	if err != nil {
		s.log.Error("cannot recover malformed pair", zap.String("pair", pair), zap.Error(err))
		return
	}
	s.log.Warn("book message dropped under backpressure, resubscribing", zap.String("pair", pair))
	s.Resubscribe(inst)
}

func (s *Session) recordTopOfBook(ob *book.OrderBook) {
	bid, ask, ok := ob.Best()
	if !ok {
		return
	}
	s.records.Insert("market_data_histo", map[string]any{
		"mdh_timestamp": time.Now().UnixMilli(),
		"ccy_id":        ob.Pair(),
		"bid_qty":       bid.Quantity.String(),
		"bid":           bid.Price.String(),
		"ask":           ask.Price.String(),
		"ask_qty":       ask.Quantity.String(),
	})
}

func (s *Session) recordBookHistory(ob *book.OrderBook) {
	s.records.Insert("order_book_histo", map[string]any{
		"obh_timestamp": time.Now().UnixMilli(),
		"ccy_id":        ob.Pair(),
		"order_book":    ob.String(),
	})
}
