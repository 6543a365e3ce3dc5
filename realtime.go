package zoesync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Format
// ============================================================================

// feedEnvelope is the wire format for all feed messages.
type feedEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// feedCommand is a client-to-server command.
type feedCommand struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type subscribePayload struct {
	Table  string         `json:"table"`
	Filter map[string]any `json:"filter,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// FeedConfig configures the realtime change feed.
type FeedConfig struct {
	URL                  string // ws:// or wss:// endpoint
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               zerolog.Logger
}

func (c *FeedConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// FeedState represents the connection state.
type FeedState string

const (
	FeedDisconnected FeedState = "disconnected"
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
	FeedReconnecting FeedState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *FeedConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Feed
// ============================================================================

// Feed is the realtime change-notification client. Inbound change events are
// fanned out to table subscriptions; subscriptions survive reconnects.
type Feed struct {
	config *FeedConfig
	recon  *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            FeedState
	intentionalClose bool
	cancelFn         context.CancelFunc
	lastDataTime     time.Time

	subMu   sync.Mutex
	nextSub int
	subs    map[int]*feedSubscription
}

type feedSubscription struct {
	table     string
	predicate map[string]any
	onChange  func(ChangeEvent)
}

// NewFeed creates a feed client. Call Connect to establish the connection.
func NewFeed(config *FeedConfig) *Feed {
	cfg := *config
	cfg.defaults()
	return &Feed{
		config: &cfg,
		state:  FeedDisconnected,
		recon:  newReconnector(&cfg),
		subs:   make(map[int]*feedSubscription),
	}
}

// State returns the current connection state.
func (f *Feed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Connect establishes the websocket connection and replays all current
// subscriptions to the server.
func (f *Feed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.state == FeedConnected || f.state == FeedConnecting {
		f.mu.Unlock()
		return nil
	}
	f.state = FeedConnecting
	f.intentionalClose = false
	f.mu.Unlock()

	feedURL := f.config.URL
	if f.config.Token != "" {
		feedURL += "?token=" + f.config.Token
	}

	conn, _, err := websocket.Dial(ctx, feedURL, nil)
	if err != nil {
		f.mu.Lock()
		f.state = FeedDisconnected
		f.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.state = FeedConnected
	f.lastDataTime = time.Now()
	f.mu.Unlock()
	f.recon.markConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	f.mu.Lock()
	f.cancelFn = cancel
	f.mu.Unlock()

	if err := f.sendSubscriptions(ctx); err != nil {
		f.config.Logger.Warn().Err(err).Msg("feed: failed to replay subscriptions")
	}

	go f.readLoop(connCtx)
	go f.heartbeatLoop(connCtx)

	return nil
}

// Disconnect tears the connection down without reconnecting.
func (f *Feed) Disconnect() error {
	f.mu.Lock()
	f.intentionalClose = true
	if f.cancelFn != nil {
		f.cancelFn()
		f.cancelFn = nil
	}
	conn := f.conn
	f.conn = nil
	f.state = FeedDisconnected
	f.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe registers onChange for events on table whose record matches every
// predicate field. The disposer removes the subscription; it is idempotent.
func (f *Feed) Subscribe(table string, predicate map[string]any, onChange func(ChangeEvent)) (func(), error) {
	f.subMu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = &feedSubscription{table: table, predicate: predicate, onChange: onChange}
	f.subMu.Unlock()

	if f.State() == FeedConnected {
		err := f.send(context.Background(), &feedCommand{
			Type:    "subscribe",
			Payload: subscribePayload{Table: table, Filter: predicate},
		})
		if err != nil {
			f.subMu.Lock()
			delete(f.subs, id)
			f.subMu.Unlock()
			return nil, err
		}
	}

	return func() {
		f.subMu.Lock()
		_, ok := f.subs[id]
		delete(f.subs, id)
		f.subMu.Unlock()
		if ok && f.State() == FeedConnected {
			_ = f.send(context.Background(), &feedCommand{
				Type:    "unsubscribe",
				Payload: subscribePayload{Table: table, Filter: predicate},
			})
		}
	}, nil
}

func (f *Feed) sendSubscriptions(ctx context.Context) error {
	f.subMu.Lock()
	subs := make([]*feedSubscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.subMu.Unlock()

	for _, s := range subs {
		err := f.send(ctx, &feedCommand{
			Type:    "subscribe",
			Payload: subscribePayload{Table: s.table, Filter: s.predicate},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) send(ctx context.Context, cmd *feedCommand) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (f *Feed) readLoop(ctx context.Context) {
	for {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			f.mu.Lock()
			intentional := f.intentionalClose
			f.mu.Unlock()
			if intentional {
				return
			}

			f.mu.Lock()
			f.state = FeedDisconnected
			f.conn = nil
			f.mu.Unlock()
			f.config.Logger.Warn().Err(err).Msg("feed: connection lost")

			if f.config.AutoReconnect && f.recon.shouldReconnect() {
				f.scheduleReconnect()
			}
			return
		}

		f.mu.Lock()
		f.lastDataTime = time.Now()
		f.mu.Unlock()

		var env feedEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type != "change" {
			continue
		}

		var ev ChangeEvent
		if json.Unmarshal(env.Payload, &ev) != nil {
			continue
		}
		f.dispatch(ev)
	}
}

func (f *Feed) dispatch(ev ChangeEvent) {
	f.subMu.Lock()
	handlers := make([]func(ChangeEvent), 0, len(f.subs))
	for _, s := range f.subs {
		if s.table == ev.Table && predicateMatches(s.predicate, ev.Record) {
			handlers = append(handlers, s.onChange)
		}
	}
	f.subMu.Unlock()

	for _, h := range handlers {
		go h(ev)
	}
}

// predicateMatches reports whether record carries every predicate field with
// an equal value. Values are compared by their string form since feed
// payloads arrive as generic JSON.
func predicateMatches(predicate, record map[string]any) bool {
	for k, want := range predicate {
		got, ok := record[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// heartbeatLoop pings the server and watches for a stale stream. A stream
// with no inbound data for three intervals is force-closed, which hands
// control to the readLoop's reconnect path.
func (f *Feed) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			state := f.state
			stale := time.Since(f.lastDataTime) > 3*f.config.HeartbeatInterval
			conn := f.conn
			f.mu.Unlock()
			if state != FeedConnected {
				return
			}

			if stale {
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}

			if err := f.send(ctx, &feedCommand{Type: "ping"}); err != nil {
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				}
				return
			}
		}
	}
}

func (f *Feed) scheduleReconnect() {
	delay := f.recon.nextDelay()
	f.mu.Lock()
	f.state = FeedReconnecting
	f.mu.Unlock()
	f.config.Logger.Info().Int("attempt", f.recon.attempt).Dur("delay", delay).Msg("feed: reconnecting")

	time.Sleep(delay)

	if err := f.Connect(context.Background()); err != nil {
		if f.config.AutoReconnect && f.recon.shouldReconnect() {
			f.scheduleReconnect()
		} else {
			f.mu.Lock()
			f.state = FeedDisconnected
			f.mu.Unlock()
		}
	}
}
