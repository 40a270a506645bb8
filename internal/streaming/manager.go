// Package streaming fans research run events out to live subscribers. Events
// are kept in a per-run ring buffer for replay (SSE Last-Event-ID) and mirrored
// to a Redis stream so other processes can tail a run in flight.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event is one run progress notification.
type Event struct {
	RunID     string                 `json:"run_id"`
	Stage     string                 `json:"stage,omitempty"`
	Type      string                 `json:"type"`
	TaskID    string                 `json:"task_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Iteration int                    `json:"iteration,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for SSE payloads and the Redis mirror.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager provides in-memory pub/sub for run events with optional Redis
// mirroring. A nil Redis client keeps everything process-local.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
	rdb         *redis.Client
	logger      *zap.Logger
}

var (
	defaultMgr      *Manager
	defaultMu       sync.Mutex
	defaultCapacity = 256
)

// NewManager builds a manager mirroring events to rdb. rdb may be nil.
func NewManager(rdb *redis.Client, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    defaultCapacity,
		rdb:         rdb,
		logger:      logger,
	}
}

// Get returns the global streaming manager, initializing a local-only one
// lazily if SetDefault was never called.
func Get() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultMgr == nil {
		defaultMgr = NewManager(nil, nil)
	}
	return defaultMgr
}

// SetDefault installs the process-wide manager. Called once at startup.
func SetDefault(m *Manager) {
	defaultMu.Lock()
	defaultMgr = m
	defaultMu.Unlock()
}

// Configure sets the ring capacity used for new runs.
func Configure(capacity int) {
	if capacity <= 0 {
		return
	}
	defaultCapacity = capacity
	defaultMu.Lock()
	if defaultMgr != nil {
		defaultMgr.mu.Lock()
		defaultMgr.capacity = capacity
		defaultMgr.mu.Unlock()
	}
	defaultMu.Unlock()
}

func streamKey(runID string) string { return "fathom:run:" + runID + ":events" }

// Subscribe adds a subscriber channel for runID; caller must drain and call
// Unsubscribe.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[runID]; ok {
		if _, present := subs[ch]; !present {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, runID)
		}
	}
}

// Publish assigns a sequence number, records the event for replay, notifies
// local subscribers without blocking, and mirrors to Redis when configured.
func (m *Manager) Publish(runID string, evt Event) {
	evt.RunID = runID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	rg := m.history[runID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[runID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	subs := m.subscribers[runID]
	m.mu.Unlock()

	for ch := range subs {
		select {
		case ch <- evt:
		default:
			// drop for slow subscribers
		}
	}

	if m.rdb != nil {
		m.mirror(runID, evt)
	}
}

func (m *Manager) mirror(runID string, evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(runID),
		MaxLen: int64(m.capacity),
		Approx: true,
		Values: map[string]interface{}{"event": string(evt.Marshal())},
	}).Err()
	if err != nil {
		m.logger.Warn("Redis event mirror failed",
			zap.String("run_id", runID),
			zap.Error(err),
		)
		return
	}
	m.rdb.Expire(ctx, streamKey(runID), 24*time.Hour)
}

// ReplaySince returns events with Seq > since, best effort within ring capacity.
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[runID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Tail follows a run's Redis event stream until ctx is done, sending decoded
// events to out. Events already in the stream are delivered first. Used by
// out-of-process consumers; requires a Redis-backed manager.
func (m *Manager) Tail(ctx context.Context, runID string, out chan<- Event) error {
	if m.rdb == nil {
		return fmt.Errorf("tail requires a redis-backed manager")
	}
	lastID := "0"
	for {
		res, err := m.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey(runID), lastID},
			Block:   2 * time.Second,
			Count:   64,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event stream: %w", err)
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				raw, ok := msg.Values["event"].(string)
				if !ok {
					continue
				}
				var evt Event
				if err := json.Unmarshal([]byte(raw), &evt); err != nil {
					m.logger.Warn("undecodable mirrored event", zap.String("id", msg.ID), zap.Error(err))
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// CloseStreams deletes a run's mirrored stream and replay history once the run
// is finished and drained.
func (m *Manager) CloseStreams(runID string) {
	m.mu.Lock()
	delete(m.history, runID)
	m.mu.Unlock()
	if m.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.rdb.Del(ctx, streamKey(runID))
	}
}

// ring is a fixed-capacity buffer of recent events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
