package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/trackerd/internal/metrics"
)

// DefaultHistoryLimit is the number of events kept in the local history.
const DefaultHistoryLimit = 100

// DefaultFlushInterval is the periodic flush cadence.
const DefaultFlushInterval = 30 * time.Second

// Storage is the durable key/value store used for the user id and the local history.
type Storage interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) (bool, error)
}

// SendResult is the response of a sink delivery.
type SendResult struct {
	Success bool
}

// Sink delivers a batch of events to a remote store.
// An unsuccessful result and a returned error are both delivery failures.
type Sink interface {
	Send(ctx context.Context, events []Event) (SendResult, error)
}

// Clearer is implemented by sinks whose stored data can be erased.
type Clearer interface {
	Clear(ctx context.Context) error
}

// FlushOutcome describes what a flush did.
type FlushOutcome string

const (
	FlushSkipped   FlushOutcome = "skipped"   // nothing pending
	FlushDelivered FlushOutcome = "delivered" // batch accepted by the sink
	FlushRequeued  FlushOutcome = "requeued"  // delivery failed, batch put back in front
)

// Options configures a Collector. Zero values select defaults.
type Options struct {
	HistoryLimit int
	Page         PageContext
	Now          func() time.Time
	OnRecord     func(Event) // called after each event is recorded; must not block
}

// Collector buffers events and flushes them to a sink.
// It is created once per process; all methods are safe for concurrent use.
type Collector struct {
	store        Storage
	sink         Sink
	identity     Identity
	page         PageContext
	historyLimit int
	now          func() time.Time
	onRecord     func(Event)

	mu      sync.Mutex
	pending []Event

	// serializes read-modify-write of the stored history
	historyMu sync.Mutex
}

// NewCollector creates a collector and resolves its identity from store.
func NewCollector(store Storage, sink Sink, opts Options) *Collector {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Collector{
		store:        store,
		sink:         sink,
		page:         opts.Page,
		historyLimit: opts.HistoryLimit,
		now:          opts.Now,
		onRecord:     opts.OnRecord,
	}
	c.identity = resolveIdentity(store, c.now())

	log.Info().
		Str("session_id", c.identity.SessionID).
		Str("user_id", c.identity.UserID).
		Int("history_limit", c.historyLimit).
		Msg("Collector initialized")

	return c
}

// Identity returns the session and user ids stamped on every event.
func (c *Collector) Identity() Identity {
	return c.identity
}

// Record records an event using the collector's default page context.
func (c *Collector) Record(eventType string, eventData any, props map[string]any) Event {
	return c.RecordWithContext(c.page, eventType, eventData, props)
}

// RecordWithContext records an event with an explicit page context. Empty
// fields of pc fall back to the collector's default context.
// It never fails: history persistence errors are logged and swallowed.
// Data that can't be JSON-encoded is replaced by null before queueing.
func (c *Collector) RecordWithContext(pc PageContext, eventType string, eventData any, props map[string]any) Event {
	if pc.URL == "" {
		pc.URL = c.page.URL
	}
	if pc.UserAgent == "" {
		pc.UserAgent = c.page.UserAgent
	}
	if pc.Referrer == "" {
		pc.Referrer = c.page.Referrer
	}

	event := Event{
		SessionID:  c.identity.SessionID,
		UserID:     c.identity.UserID,
		Timestamp:  c.now().UTC().Format(TimestampFormat),
		EventType:  eventType,
		EventData:  eventData,
		URL:        pc.URL,
		UserAgent:  pc.UserAgent,
		Referrer:   pc.Referrer,
		Properties: copyProperties(props),
	}

	// An event that can't be encoded would fail every delivery of its batch
	if !normalize(&event) {
		log.Error().Str("event_type", eventType).Msg("Dropping event that cannot be encoded")
		return event
	}

	c.mu.Lock()
	c.pending = append(c.pending, event)
	pending := len(c.pending)
	c.mu.Unlock()

	metrics.IncRecorded(eventType)
	metrics.SetPending(pending)

	log.Debug().
		Str("event_type", eventType).
		Interface("event_data", eventData).
		Int("pending", pending).
		Msg("Event recorded")

	c.appendHistory(event)
	if c.onRecord != nil {
		c.onRecord(event)
	}
	return event
}

// appendHistory adds event to the stored history, keeping the most recent entries.
func (c *Collector) appendHistory(event Event) {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()

	history := c.readHistory()
	history = append(history, event)
	if len(history) > c.historyLimit {
		history = history[len(history)-c.historyLimit:]
	}

	data, err := json.Marshal(history)
	if err != nil {
		metrics.IncHistoryWriteFailure()
		log.Warn().Err(err).Msg("Failed to encode local history")
		return
	}
	if err := c.store.Set(KeyHistory, string(data)); err != nil {
		metrics.IncHistoryWriteFailure()
		log.Warn().Err(err).Msg("Failed to store local history")
	}
}

// readHistory loads the stored history. Missing or malformed data yields an empty history.
func (c *Collector) readHistory() []Event {
	raw, ok, err := c.store.Get(KeyHistory)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read local history")
		return nil
	}
	if !ok || raw == "" {
		return nil
	}

	var history []Event
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		log.Warn().Err(err).Msg("Malformed local history, starting over")
		return nil
	}
	return history
}

// History returns the stored local history, oldest first.
func (c *Collector) History() []Event {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	return c.readHistory()
}

// Pending returns a copy of the events waiting for the next flush, oldest first.
func (c *Collector) Pending() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Event, len(c.pending))
	copy(out, c.pending)
	return out
}

// Flush delivers everything pending to the sink.
//
// The pending queue is detached before delivery starts, so events recorded
// during delivery land in a fresh queue. On failure the detached batch is
// put back in front of the queue in its original order. Flush never
// returns an error; failures are logged and retried by the next flush.
func (c *Collector) Flush(ctx context.Context) FlushOutcome {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		metrics.IncFlush(string(FlushSkipped))
		return FlushSkipped
	}
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	metrics.SetPending(0)
	metrics.ObserveBatchSize(len(batch))
	log.Debug().Int("events", len(batch)).Msg("Sending events to sink")

	result, err := c.send(ctx, batch)
	if err == nil && result.Success {
		metrics.IncFlush(string(FlushDelivered))
		log.Info().Int("events", len(batch)).Msg("Events delivered to sink")
		return FlushDelivered
	}

	pending := c.requeue(batch)
	metrics.IncFlush(string(FlushRequeued))
	metrics.SetPending(pending)

	entry := log.Error().Int("events", len(batch)).Int("pending", pending)
	if err != nil {
		entry = entry.Err(err)
	}
	entry.Msg("Failed to deliver events, re-queued for next flush")

	return FlushRequeued
}

// send calls the sink, converting a panic into a delivery failure.
func (c *Collector) send(ctx context.Context, batch []Event) (result SendResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = SendResult{}
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return c.sink.Send(ctx, batch)
}

// requeue puts batch in front of the live queue and returns the new queue length.
func (c *Collector) requeue(batch []Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := make([]Event, 0, len(batch)+len(c.pending))
	merged = append(merged, batch...)
	merged = append(merged, c.pending...)
	c.pending = merged
	return len(c.pending)
}

// Run flushes every interval until ctx is cancelled, then makes one final
// best-effort flush bounded by finalTimeout.
func (c *Collector) Run(ctx context.Context, interval, finalTimeout time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Debug().Dur("interval", interval).Msg("Periodic flush started")

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), finalTimeout)
			outcome := c.Flush(finalCtx)
			cancel()
			log.Info().Str("outcome", string(outcome)).Msg("Final flush finished")
			return
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}

// ClearAllData erases the stored history, the stored user id and, when the
// sink supports it, everything the sink has stored. The in-memory identity
// and pending queue are left alone.
func (c *Collector) ClearAllData(ctx context.Context) error {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()

	if err := ClearStorage(c.store); err != nil {
		return err
	}

	if clearer, ok := c.sink.(Clearer); ok {
		if err := clearer.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear sink: %w", err)
		}
	}

	log.Info().Msg("All tracker data cleared")
	return nil
}

// ClearStorage deletes the stored history and user id from store. It needs
// no Collector, so maintenance commands can use it without recording anything.
func ClearStorage(store Storage) error {
	for _, key := range []string{KeyHistory, KeyUserID} {
		if _, err := store.Delete(key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	return nil
}
