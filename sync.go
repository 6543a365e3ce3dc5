// Package zoesync is the offline-first synchronization core of the Zoe
// church app: a durable per-user mutation queue plus a background sync
// engine that replays optimistic writes against the backend once
// connectivity returns, while the realtime change feed invalidates cached
// reads.
//
// Usage:
//
//	store, _ := zoesync.OpenSQLiteStore("queue.db")
//	client := zoesync.NewClient("https://api.example.app", token)
//	engine := zoesync.NewEngine(client, store, zoesync.NewQueryCache(), monitor, feed, nil)
//	engine.Initialize(ctx, userID)
//	defer engine.Cleanup()
//
//	engine.QueueMutation(ctx, "favorite_verses", zoesync.OpInsert,
//		map[string]any{"user_id": userID, "verse_id": "JHN.3.16"}, nil)
package zoesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Engine Configuration
// ============================================================================

// DefaultMaxRetries is the attempt threshold after which a failing mutation
// record is dropped and surfaced to the user.
const DefaultMaxRetries = 5

// DefaultUserTables are the user-owned resources the engine watches on the
// realtime feed.
var DefaultUserTables = []string{
	"favorite_verses",
	"verse_highlights",
	"verse_notes",
	"reading_progress",
}

// DefaultConflictKeys names the uniqueness constraints replayed inserts must
// respect: inserts into these tables go through the upsert path so a retry
// after a partial success never creates duplicate rows. verse_notes has no
// constraint (several notes per verse are allowed) and stays a plain insert.
var DefaultConflictKeys = map[string][]string{
	"favorite_verses":  {"user_id", "verse_id"},
	"verse_highlights": {"user_id", "verse_id"},
	"reading_progress": {"user_id", "book_id", "chapter"},
}

// EngineOptions configures a sync engine. Zero values take the defaults
// above.
type EngineOptions struct {
	MaxRetries   int
	Tables       []string
	ConflictKeys map[string][]string
	Notifier     Notifier
	Logger       zerolog.Logger
}

func (o *EngineOptions) defaults() {
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Tables == nil {
		o.Tables = DefaultUserTables
	}
	if o.ConflictKeys == nil {
		o.ConflictKeys = DefaultConflictKeys
	}
	if o.Notifier == nil {
		o.Notifier = NopNotifier{}
	}
}

// ============================================================================
// Sync Engine
// ============================================================================

// Engine drains the mutation queue against the gateway whenever connectivity
// allows, with a process-wide single-flight guarantee: at most one drain pass
// runs at a time, and a drain requested while one is in flight is dropped.
// Construct one per process and pass it by reference.
type Engine struct {
	gateway Gateway
	store   MutationStore
	cache   *QueryCache
	network *NetworkMonitor
	feed    ChangeFeed // may be nil in headless or test setups
	opts    EngineOptions
	logger  zerolog.Logger

	mu          sync.Mutex
	syncing     bool
	initialized bool
	userID      string
	disposers   []func()

	statusMu  sync.Mutex
	status    SyncStatus
	listeners listenerSet[SyncStatus]
}

// NewEngine wires the engine to its collaborators. opts may be nil.
func NewEngine(gateway Gateway, store MutationStore, cache *QueryCache, network *NetworkMonitor, feed ChangeFeed, opts *EngineOptions) *Engine {
	var o EngineOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &Engine{
		gateway: gateway,
		store:   store,
		cache:   cache,
		network: network,
		feed:    feed,
		opts:    o,
		logger:  o.Logger,
		status:  SyncStatus{State: StateIdle},
	}
}

// Initialize binds the engine to a user: it starts listening for network
// restores, subscribes to the change feed for every user-owned table, and
// runs an initial drain if already online.
func (e *Engine) Initialize(ctx context.Context, userID string) error {
	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		return fmt.Errorf("engine already initialized")
	}
	e.initialized = true
	e.userID = userID
	e.mu.Unlock()

	unsub := e.network.AddListener(func(online bool) {
		if online {
			go e.drain(context.Background())
		}
	})
	e.addDisposer(unsub)

	if e.feed != nil {
		predicate := map[string]any{"user_id": userID}
		for _, table := range e.opts.Tables {
			t := table
			dispose, err := e.feed.Subscribe(t, predicate, func(ev ChangeEvent) {
				// Inbound changes, including this client's own just-synced
				// writes, evict only that table's entries.
				e.logger.Debug().Str("table", ev.Table).Str("type", string(ev.Type)).Msg("realtime invalidation")
				e.cache.InvalidateTable(ev.Table)
			})
			if err != nil {
				e.Cleanup()
				return fmt.Errorf("subscribe %s: %w", t, err)
			}
			e.addDisposer(dispose)
		}
	}

	if pending, err := e.store.PendingCount(ctx); err == nil {
		e.setStatus(StateIdle, pending)
	}

	if e.network.IsOnline() {
		go e.drain(context.Background())
	}
	return nil
}

// Cleanup tears down feed subscriptions and listeners. Safe to call twice.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	disposers := e.disposers
	e.disposers = nil
	e.initialized = false
	e.userID = ""
	e.mu.Unlock()

	for _, dispose := range disposers {
		dispose()
	}
	e.listeners.clear()
}

func (e *Engine) addDisposer(dispose func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disposers = append(e.disposers, dispose)
}

// Status returns the last emitted sync status.
func (e *Engine) Status() SyncStatus {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.status
}

// AddStatusListener registers a status callback and returns its disposer.
// Delivery is synchronous, in registration order.
func (e *Engine) AddStatusListener(cb func(SyncStatus)) func() {
	return e.listeners.add(cb)
}

func (e *Engine) setStatus(state SyncState, pending int) {
	e.statusMu.Lock()
	e.status = SyncStatus{State: state, Pending: pending}
	status := e.status
	e.statusMu.Unlock()
	e.listeners.notify(status)
}

// ============================================================================
// Write Path
// ============================================================================

// QueueMutation records a write for deferred replay. It always queues,
// regardless of current connectivity, so every write takes the same path;
// when online it also kicks off a drain. An enqueue error is fatal to the
// calling write: the caller must roll back its optimistic cache update.
//
// matchKeys may be nil for updates and deletes, in which case the
// conventional identity keys present in data are recorded.
func (e *Engine) QueueMutation(ctx context.Context, table string, op Operation, data map[string]any, matchKeys []string) (*Mutation, error) {
	e.mu.Lock()
	userID := e.userID
	initialized := e.initialized
	e.mu.Unlock()
	if !initialized {
		return nil, fmt.Errorf("engine not initialized")
	}

	if matchKeys == nil && op != OpInsert {
		matchKeys = DefaultMatchKeys(data)
	}
	fields := make(map[string]any, len(data))
	for k, v := range data {
		fields[k] = v
	}

	m := &Mutation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Table:     table,
		Op:        op,
		Data:      fields,
		MatchKeys: matchKeys,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.Enqueue(ctx, m); err != nil {
		return nil, fmt.Errorf("enqueue mutation: %w", err)
	}

	if pending, err := e.store.PendingCount(ctx); err == nil {
		e.setStatus(e.Status().State, pending)
	}

	if e.network.IsOnline() {
		go e.drain(context.Background())
	}
	return m, nil
}

// ============================================================================
// Drain
// ============================================================================

// SyncNow is the user-initiated manual trigger. It is rejected immediately
// when offline; a drain already in flight makes it a silent no-op.
func (e *Engine) SyncNow(ctx context.Context) error {
	e.mu.Lock()
	initialized := e.initialized
	e.mu.Unlock()
	if !initialized {
		return fmt.Errorf("engine not initialized")
	}
	if !e.network.IsOnline() {
		return fmt.Errorf("cannot sync while offline")
	}
	e.drain(ctx)
	return nil
}

// drain runs one pass over the current snapshot of the user's queue, in FIFO
// order. There is no mid-pass cancellation; a pass runs to completion.
func (e *Engine) drain(ctx context.Context) {
	// Check-and-set under one lock so two callers can never both enter.
	e.mu.Lock()
	if e.syncing || !e.initialized || !e.network.IsOnline() {
		e.mu.Unlock()
		return
	}
	e.syncing = true
	userID := e.userID
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	e.setStatus(StateSyncing, 0)

	mutations, err := e.store.MutationsByUser(ctx, userID)
	if err != nil {
		// Pass-level failure: the queue is left untouched for the next trigger.
		e.logger.Error().Err(err).Msg("sync: failed to list queue")
		e.setStatus(StateError, e.Status().Pending)
		return
	}
	if len(mutations) == 0 {
		e.setStatus(StateIdle, 0)
		return
	}

	e.logger.Info().Int("pending", len(mutations)).Str("user", userID).Msg("sync: drain started")

	remaining := len(mutations)
	succeeded, failed := 0, 0

	for _, m := range mutations {
		if err := e.apply(ctx, m); err != nil {
			failed++
			retries := m.RetryCount + 1
			if retries >= e.opts.MaxRetries {
				// Permanent data loss risk: each dropped record gets its own
				// notice naming the resource.
				_ = e.store.RemoveMutation(ctx, m.ID)
				remaining--
				e.logger.Error().Err(err).Str("table", m.Table).Str("id", m.ID).Msg("sync: mutation dropped")
				e.opts.Notifier.Error(fmt.Sprintf(
					"A change to %s could not be synced after %d attempts and was discarded.", m.Table, retries))
			} else {
				msg := err.Error()
				_ = e.store.UpdateMutation(ctx, m.ID, MutationPatch{RetryCount: &retries, Error: &msg})
				e.logger.Warn().Err(err).Str("table", m.Table).Int("retry", retries).Msg("sync: mutation failed")
			}
			continue
		}

		_ = e.store.RemoveMutation(ctx, m.ID)
		remaining--
		succeeded++
		e.setStatus(StateSyncing, remaining)
	}

	switch {
	case succeeded > 0:
		e.setStatus(StateSuccess, remaining)
		note := fmt.Sprintf("Synced %d offline change(s).", succeeded)
		if failed > 0 {
			note = fmt.Sprintf("Synced %d offline change(s); %d could not be applied yet.", succeeded, failed)
		}
		e.opts.Notifier.Info(note)
	case failed > 0:
		e.setStatus(StateError, remaining)
	default:
		e.setStatus(StateIdle, 0)
	}

	// Broad invalidation: anything reading synced data refetches.
	e.cache.InvalidateAll()
	e.logger.Info().Int("succeeded", succeeded).Int("failed", failed).Msg("sync: drain finished")
}

// apply replays one mutation record against the gateway.
func (e *Engine) apply(ctx context.Context, m *Mutation) error {
	ctx = WithIdempotencyKey(ctx, m.ID)

	switch m.Op {
	case OpInsert:
		data := make(map[string]any, len(m.Data))
		for k, v := range m.Data {
			data[k] = v
		}
		// Locally-generated temporary ids never reach the backend.
		if id, ok := data["id"].(string); ok && len(id) >= len(LocalIDPrefix) && id[:len(LocalIDPrefix)] == LocalIDPrefix {
			delete(data, "id")
		}
		if keys := e.opts.ConflictKeys[m.Table]; len(keys) > 0 {
			_, err := e.gateway.Upsert(ctx, m.Table, data, keys)
			return err
		}
		_, err := e.gateway.Insert(ctx, m.Table, data)
		return err

	case OpUpdate:
		keys := m.MatchKeys
		if len(keys) == 0 {
			keys = DefaultMatchKeys(m.Data)
		}
		predicate := make(map[string]any, len(keys))
		payload := make(map[string]any, len(m.Data))
		for k, v := range m.Data {
			payload[k] = v
		}
		for _, k := range keys {
			if v, ok := payload[k]; ok {
				predicate[k] = v
				delete(payload, k)
			}
		}
		if len(payload) == 0 {
			// All fields were identity keys; nothing to write.
			return nil
		}
		_, err := e.gateway.Update(ctx, m.Table, payload, predicate)
		return err

	case OpDelete:
		return e.gateway.Delete(ctx, m.Table, m.Data)

	default:
		return fmt.Errorf("unknown operation %q", m.Op)
	}
}
