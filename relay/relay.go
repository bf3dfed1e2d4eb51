package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/vole/docstore"
	"github.com/maxpert/vole/encoding"
	"github.com/maxpert/vole/feed"
	"github.com/maxpert/vole/telemetry"
)

const (
	// Default bounded queue size between the feed listener and the drain loop
	DefaultQueueSize = 1024
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Default number of retry attempts before an event is dropped
	DefaultMaxRetries = 10
)

// Event is the wire form of one change, msgpack-encoded for sinks.
type Event struct {
	Store   string            `msgpack:"store"`
	ID      string            `msgpack:"id"`
	Rev     string            `msgpack:"rev"`
	Seq     uint64            `msgpack:"seq"`
	Deleted bool              `msgpack:"del,omitempty"`
	Doc     docstore.Document `msgpack:"doc,omitempty"`
}

// Sink is a destination for relayed change events.
type Sink interface {
	// Publish sends one message. A nil value is a tombstone marker.
	Publish(subject string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Filter decides whether a change event is relayed.
type Filter interface {
	Match(ev docstore.ChangeEvent) bool
}

// Config configures a changes relay.
type Config struct {
	Name     string         // Relay name (logs and metric labels)
	Store    docstore.Store // Source store
	Registry *feed.Registry // Shared feed registry (nil = feed.Default)
	Sink     Sink           // Destination sink; closed by Stop
	Filter   Filter         // Event filter (nil = relay everything)

	SubjectPrefix string // Prepended to the store name to form the subject
	IncludeDocs   bool   // Attach full document bodies to payloads
	Tombstones    bool   // Follow deletions with a nil-value tombstone message

	QueueSize       int           // Queue capacity between feed and sink
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Retry attempts before dropping an event
}

// Relay pumps change events from a store's shared feed into a sink.
type Relay struct {
	config  Config
	subject string

	registry *feed.Registry
	handle   *feed.Handle
	remove   func()

	queue  chan docstore.ChangeEvent
	stopCh chan struct{}
	doneCh chan struct{}

	running     atomic.Bool
	lifecycleMu sync.Mutex

	errMu   sync.Mutex
	feedErr error
}

// NewRelay validates the configuration and creates a relay. The relay does
// not touch the store until Start.
func NewRelay(config Config) (*Relay, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("relay name is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}

	if config.Registry == nil {
		config.Registry = feed.Default
	}
	if config.Filter == nil {
		config.Filter = matchAll{}
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Relay{
		config:   config,
		subject:  buildSubject(config.SubjectPrefix, config.Store.Name()),
		registry: config.Registry,
	}, nil
}

// Subject returns the subject the relay publishes to.
func (r *Relay) Subject() string { return r.subject }

// Err returns the feed error that detached the relay from the store, or nil
// while the feed is healthy. A relay with a dead feed drains its queue and
// then idles; it needs a Stop and a fresh Start to reattach.
func (r *Relay) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.feedErr
}

// Start attaches the relay to the store's shared change feed and launches
// the drain loop.
func (r *Relay) Start() error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.running.Load() {
		return nil
	}

	handle, err := r.registry.Acquire(r.config.Store)
	if err != nil {
		return fmt.Errorf("failed to acquire change feed: %w", err)
	}

	r.handle = handle
	r.queue = make(chan docstore.ChangeEvent, r.config.QueueSize)
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.errMu.Lock()
	r.feedErr = nil
	r.errMu.Unlock()
	r.remove = handle.Listen(feed.Funcs{OnChange: r.enqueue, OnError: r.onFeedError})
	r.running.Store(true)

	log.Info().
		Str("relay", r.config.Name).
		Str("store", r.config.Store.Name()).
		Str("subject", r.subject).
		Msg("Starting changes relay")

	go r.drainLoop()
	return nil
}

// Stop detaches from the feed, flushes already-queued events without
// retrying, closes the sink and returns.
func (r *Relay) Stop() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if !r.running.Load() {
		return
	}

	r.remove()
	r.handle.Release()
	close(r.stopCh)
	<-r.doneCh
	r.running.Store(false)

	if err := r.config.Sink.Close(); err != nil {
		log.Warn().Err(err).Str("relay", r.config.Name).Msg("Failed to close sink")
	}
	log.Info().Str("relay", r.config.Name).Msg("Changes relay stopped")
}

// enqueue runs on the feed goroutine: never block, prefer the newest event.
func (r *Relay) enqueue(ev docstore.ChangeEvent) {
	if !r.config.Filter.Match(ev) {
		return
	}
	if !r.config.IncludeDocs {
		ev.Doc = nil
	}

	select {
	case r.queue <- ev:
		telemetry.RelayQueueDepth.Inc()
		return
	default:
	}

	// Queue full: drop the oldest. The feed goroutine is the only producer,
	// so after one receive the send cannot block.
	select {
	case <-r.queue:
		telemetry.RelayDroppedTotal.Inc()
		telemetry.RelayQueueDepth.Dec()
	default:
	}
	r.queue <- ev
	telemetry.RelayQueueDepth.Inc()
}

func (r *Relay) onFeedError(err error) {
	r.errMu.Lock()
	r.feedErr = err
	r.errMu.Unlock()
	log.Error().
		Err(err).
		Str("relay", r.config.Name).
		Str("store", r.config.Store.Name()).
		Msg("Relay change feed failed")
}

func (r *Relay) drainLoop() {
	defer close(r.doneCh)

	for {
		select {
		case <-r.stopCh:
			r.flush()
			return
		case ev := <-r.queue:
			telemetry.RelayQueueDepth.Dec()
			if err := r.deliver(ev); err != nil {
				telemetry.RelayDroppedTotal.Inc()
				log.Error().
					Err(err).
					Str("relay", r.config.Name).
					Str("doc_id", ev.ID).
					Uint64("seq", ev.Seq).
					Msg("Dropping change after failed delivery")
			}
		}
	}
}

// flush publishes whatever is already queued, one attempt each.
func (r *Relay) flush() {
	for {
		select {
		case ev := <-r.queue:
			telemetry.RelayQueueDepth.Dec()
			if err := r.publishEvent(ev); err != nil {
				telemetry.RelayDroppedTotal.Inc()
				log.Warn().
					Err(err).
					Str("relay", r.config.Name).
					Str("doc_id", ev.ID).
					Msg("Dropped change during shutdown flush")
			}
		default:
			return
		}
	}
}

func (r *Relay) deliver(ev docstore.ChangeEvent) error {
	payload, err := r.encode(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := r.publishWithRetry(r.subject, ev.ID, payload); err != nil {
		return err
	}
	if ev.Deleted && r.config.Tombstones {
		return r.publishWithRetry(r.subject, ev.ID, nil)
	}
	return nil
}

func (r *Relay) publishEvent(ev docstore.ChangeEvent) error {
	payload, err := r.encode(ev)
	if err != nil {
		return err
	}
	return r.publish(r.subject, ev.ID, payload)
}

func (r *Relay) encode(ev docstore.ChangeEvent) ([]byte, error) {
	return encoding.Marshal(Event{
		Store:   r.config.Store.Name(),
		ID:      ev.ID,
		Rev:     ev.Rev,
		Seq:     ev.Seq,
		Deleted: ev.Deleted,
		Doc:     ev.Doc,
	})
}

func (r *Relay) publish(subject, key string, payload []byte) error {
	start := time.Now()
	err := r.config.Sink.Publish(subject, key, payload)
	telemetry.RelayPublishSeconds.With(r.config.Name).Observe(time.Since(start).Seconds())
	if err == nil {
		telemetry.RelayPublishedTotal.With(r.config.Name, "success").Inc()
	}
	return err
}

// publishWithRetry publishes with exponential backoff. Returns an error
// when retries are exhausted or the relay is stopped mid-retry.
func (r *Relay) publishWithRetry(subject, key string, payload []byte) error {
	delay := r.config.RetryInitial
	attempts := 0

	for {
		err := r.publish(subject, key, payload)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= r.config.MaxRetries {
			telemetry.RelayPublishedTotal.With(r.config.Name, "error").Inc()
			return fmt.Errorf("exhausted max retries (%d) for %s: %w", r.config.MaxRetries, subject, err)
		}

		telemetry.RelayRetriesTotal.Inc()
		log.Warn().
			Err(err).
			Str("relay", r.config.Name).
			Str("subject", subject).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish change, retrying")

		if !r.sleep(delay) {
			return fmt.Errorf("relay stopped during retry")
		}

		delay = time.Duration(float64(delay) * r.config.RetryMultiplier)
		if delay > r.config.RetryMax {
			delay = r.config.RetryMax
		}
	}
}

// sleep waits for d, returning false if the relay stops first.
func (r *Relay) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-r.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func buildSubject(prefix, store string) string {
	if prefix == "" {
		return store
	}
	return fmt.Sprintf("%s.%s", prefix, store)
}

type matchAll struct{}

func (matchAll) Match(docstore.ChangeEvent) bool { return true }
