// Package query implements the keyed query cache: in-flight deduplication,
// retry with backoff, and consumer-scoped result retention.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"geoquery/internal/domain"
	"geoquery/internal/telemetry"
)

var (
	// ErrClosed is returned when the cache has been shut down
	ErrClosed = errors.New("query cache closed")
	// ErrDiscarded is returned when an awaited query was dropped before it settled
	ErrDiscarded = errors.New("query discarded before completion")
)

// Producer runs one attempt of a query
type Producer func(ctx context.Context) (*domain.AnalysisResult, error)

// Policy decides whether and when failed attempts are retried.
// *resilience.RetryPolicy satisfies it.
type Policy interface {
	ShouldRetry(failureCount int, err error) bool
	BackoffDelay(attempt int) time.Duration
}

// AfterFunc schedules f after d and returns a function that cancels it
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

// Options configures a Cache
type Options struct {
	Policy          Policy
	EntryTTL        time.Duration // Lifetime of unreferenced settled entries, 0 keeps them forever
	CleanupInterval time.Duration
	Metrics         *telemetry.Metrics
	Logger          *slog.Logger
	AfterFunc       AfterFunc // Defaults to time.AfterFunc
}

// entry is the per-key record. All fields are guarded by Cache.mu.
type entry struct {
	key       domain.QueryKey
	state     domain.QueryState
	attemptID string
	producer  Producer
	cancel    context.CancelFunc
	stopRetry func() bool
	refs      int
	dropped   bool
}

// Cache maps query keys to entries and owns every attempt it starts
type Cache struct {
	mu      sync.Mutex
	entries *gocache.Cache
	subs    map[string]map[uint64]chan domain.QueryState
	nextSub uint64

	policy    Policy
	ttl       time.Duration
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	afterFunc AfterFunc

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// New creates a query cache
func New(opts Options) *Cache {
	if opts.Policy == nil {
		opts.Policy = noRetry{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Cache{
		entries:   gocache.New(gocache.NoExpiration, opts.CleanupInterval),
		subs:      make(map[string]map[uint64]chan domain.QueryState),
		policy:    opts.Policy,
		ttl:       opts.EntryTTL,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		afterFunc: opts.AfterFunc,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.entries.OnEvicted(c.evicted)
	return c
}

// Observe returns the current state for key without blocking. A disabled
// query is idle and never runs. A missing entry starts an attempt; a loading
// entry is joined. A terminal error restarts only if the policy allows it;
// with *resilience.RetryPolicy that decision was already made when the error
// settled, so terminal errors stay stable until the key is invalidated.
func (c *Cache) Observe(key domain.QueryKey, enabled bool, producer Producer) domain.QueryState {
	state, _ := c.observe(key, enabled, producer, false)
	return state
}

// Acquire is Observe plus Retain under a single lock, so the entry cannot be
// dropped between the two. It reports whether a reference was taken; the
// caller must Release it.
func (c *Cache) Acquire(key domain.QueryKey, enabled bool, producer Producer) (domain.QueryState, bool) {
	return c.observe(key, enabled, producer, true)
}

func (c *Cache) observe(key domain.QueryKey, enabled bool, producer Producer, retain bool) (domain.QueryState, bool) {
	if !enabled {
		c.metrics.RecordObservation("idle")
		return domain.IdleState(), false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return closedState(), false
	}

	e, ok := c.lookup(key)
	if !ok {
		e = &entry{key: key, producer: producer}
		if retain {
			e.refs++
		}
		c.startAttempt(e)
		c.metrics.RecordObservation("started")
		c.metrics.SetCacheEntries(c.entries.ItemCount())
		return e.state, retain
	}

	switch e.state.Status {
	case domain.StatusLoading:
		c.metrics.RecordObservation("joined")
	case domain.StatusError:
		if c.policy.ShouldRetry(e.state.RetryCount, e.state.Error) {
			e.producer = producer
			c.startAttempt(e)
			c.metrics.RecordObservation("restarted")
		} else {
			c.metrics.RecordObservation("hit")
		}
	default:
		c.metrics.RecordObservation("hit")
	}

	if retain {
		e.refs++
		c.persist(e)
	}
	return e.state, retain
}

// Await observes key and blocks until the query settles or ctx is done.
// The caller holds a reference for the duration of the wait.
func (c *Cache) Await(ctx context.Context, key domain.QueryKey, enabled bool, producer Producer) (domain.QueryState, error) {
	state, retained := c.Acquire(key, enabled, producer)
	if retained {
		defer c.Release(key)
	}
	if state.Status != domain.StatusLoading {
		if state.Error != nil && errors.Is(state.Error, ErrClosed) {
			return state, ErrClosed
		}
		return state, nil
	}

	updates, cancel := c.Subscribe(key)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return c.Get(key), ctx.Err()
		case s, ok := <-updates:
			if !ok {
				return s, ErrClosed
			}
			switch s.Status {
			case domain.StatusLoading:
				continue
			case domain.StatusIdle:
				return s, ErrDiscarded
			default:
				return s, nil
			}
		}
	}
}

// Get returns the current state for key, or idle if there is no entry
func (c *Cache) Get(key domain.QueryKey) domain.QueryState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lookup(key); ok {
		return e.state
	}
	return domain.IdleState()
}

// Subscribe returns a channel carrying the latest state of key. The current
// state is delivered immediately. Intermediate states may be skipped when the
// reader falls behind. cancel closes the channel.
func (c *Cache) Subscribe(key domain.QueryKey) (<-chan domain.QueryState, func()) {
	ch := make(chan domain.QueryState, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(ch)
		return ch, func() {}
	}

	k := key.String()
	c.nextSub++
	id := c.nextSub
	if c.subs[k] == nil {
		c.subs[k] = make(map[uint64]chan domain.QueryState)
	}
	c.subs[k][id] = ch

	current := domain.IdleState()
	if e, ok := c.lookup(key); ok {
		current = e.state
	}
	ch <- current

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if subs, ok := c.subs[k]; ok {
				if sub, ok := subs[id]; ok {
					delete(subs, id)
					close(sub)
				}
				if len(subs) == 0 {
					delete(c.subs, k)
				}
			}
		})
	}
}

// Retain registers a consumer reference on key. Referenced entries never
// expire. It reports whether an entry existed.
func (c *Cache) Retain(key domain.QueryKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lookup(key)
	if !ok {
		return false
	}
	e.refs++
	c.persist(e)
	return true
}

// Release drops a consumer reference. When the last reference goes away
// while the query is still loading, the attempt is cancelled and the entry
// removed so its result is discarded. Settled entries start their TTL.
// Releasing an entry nobody holds is a no-op.
func (c *Cache) Release(key domain.QueryKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lookup(key)
	if !ok || e.refs == 0 {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}

	if e.state.Status == domain.StatusLoading {
		c.logger.Debug("Abandoning in-flight query", "key", key.LogValue(), "attempt_id", e.attemptID)
		c.drop(e)
		return
	}
	c.persist(e)
}

// Invalidate removes the entry for key, cancelling any attempt in flight
func (c *Cache) Invalidate(key domain.QueryKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lookup(key); ok {
		c.drop(e)
	}
}

// Len returns the number of entries, including expired ones not yet swept
func (c *Cache) Len() int {
	return c.entries.ItemCount()
}

// Close cancels all attempts and pending retries and closes every subscription
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.cancel()

	for _, item := range c.entries.Items() {
		if e, ok := item.Object.(*entry); ok && e.stopRetry != nil {
			e.stopRetry()
		}
	}
	c.entries.Flush()

	for k, subs := range c.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(c.subs, k)
	}
	c.metrics.SetCacheEntries(0)
}

// ============================================================================
// Attempt lifecycle (callers hold c.mu)
// ============================================================================

func (c *Cache) lookup(key domain.QueryKey) (*entry, bool) {
	v, ok := c.entries.Get(key.String())
	if !ok {
		return nil, false
	}
	e, ok := v.(*entry)
	return e, ok
}

// persist stores e with an expiration matching its lifecycle
func (c *Cache) persist(e *entry) {
	expiration := gocache.NoExpiration
	if e.refs == 0 && e.state.Settled() && c.ttl > 0 {
		expiration = c.ttl
	}
	c.entries.Set(e.key.String(), e, expiration)
}

func (c *Cache) drop(e *entry) {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.stopRetry != nil {
		e.stopRetry()
		e.stopRetry = nil
	}
	e.attemptID = ""
	e.dropped = true
	c.entries.Delete(e.key.String())
	c.metrics.SetCacheEntries(c.entries.ItemCount())
	c.notify(e.key, domain.IdleState())
}

// evicted runs when go-cache removes an item, either through drop or when
// the janitor sweeps an expired entry. It may be called with c.mu held.
func (c *Cache) evicted(_ string, v interface{}) {
	e, ok := v.(*entry)
	if !ok {
		return
	}
	go c.expire(e)
}

// expire publishes the removal of an entry the janitor swept
func (c *Cache) expire(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || e.dropped {
		return
	}
	e.dropped = true
	c.metrics.SetCacheEntries(c.entries.ItemCount())

	if current, ok := c.lookup(e.key); ok && current != e {
		return
	}
	c.logger.Debug("Query entry expired", "key", e.key.LogValue())
	c.notify(e.key, domain.IdleState())
}

func (c *Cache) startAttempt(e *entry) {
	ctx, cancel := context.WithCancel(c.ctx)
	id := uuid.NewString()

	e.attemptID = id
	e.cancel = cancel
	e.stopRetry = nil
	e.state.Status = domain.StatusLoading
	e.state.IsLoading = true
	e.state.Error = nil
	e.state.UpdatedAt = time.Now()

	c.persist(e)
	c.notify(e.key, e.state)

	c.logger.Debug("Query attempt started",
		"key", e.key.LogValue(),
		"attempt_id", id,
		"retry_count", e.state.RetryCount,
	)

	c.metrics.AttemptStarted()
	go c.run(ctx, e.key, id, e.producer)
}

func (c *Cache) run(ctx context.Context, key domain.QueryKey, attemptID string, producer Producer) {
	defer c.metrics.AttemptFinished()

	result, err := invoke(ctx, producer)
	c.complete(key, attemptID, result, err)
}

// invoke runs the producer, turning panics and incomplete results into errors
func invoke(ctx context.Context, producer Producer) (result *domain.AnalysisResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = domain.NewUnknownError(fmt.Errorf("producer panic: %v", r))
		}
	}()

	if producer == nil {
		return nil, domain.NewUnknownError(errors.New("no producer"))
	}

	result, err = producer(ctx)
	if err != nil {
		return nil, err
	}
	if result == nil || result.CitationAnalysis == nil || result.KnowledgeGraph == nil {
		return nil, domain.NewValidationError(errors.New("producer returned an incomplete result"))
	}
	return result, nil
}

// complete commits an attempt outcome if the attempt is still current
func (c *Cache) complete(key domain.QueryKey, attemptID string, result *domain.AnalysisResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lookup(key)
	if !ok || e.attemptID != attemptID {
		c.metrics.RecordDiscarded()
		c.logger.Debug("Discarding superseded query result", "key", key.LogValue(), "attempt_id", attemptID)
		return
	}

	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	if err == nil {
		e.state = domain.QueryState{
			Status:    domain.StatusSuccess,
			Data:      result,
			UpdatedAt: time.Now(),
		}
		c.metrics.RecordAttempt("success")
		c.persist(e)
		c.notify(key, e.state)
		return
	}

	ae := domain.Classify(err)
	c.metrics.RecordAttempt(string(ae.Kind))

	if c.policy.ShouldRetry(e.state.RetryCount, ae) {
		delay := c.policy.BackoffDelay(e.state.RetryCount)
		e.state.RetryCount++
		e.state.Retrying = true
		e.state.Error = nil
		e.state.UpdatedAt = time.Now()

		c.logger.Info("Retrying query",
			"key", key.LogValue(),
			"attempt_id", attemptID,
			"retry_count", e.state.RetryCount,
			"delay", delay,
			"error", err,
		)
		c.metrics.RecordRetry(string(ae.Kind))

		e.stopRetry = c.afterFunc(delay, func() {
			c.retry(key, attemptID)
		})
		c.persist(e)
		c.notify(key, e.state)
		return
	}

	e.state.Status = domain.StatusError
	e.state.Error = ae
	e.state.IsLoading = false
	e.state.Retrying = false
	e.state.UpdatedAt = time.Now()

	c.logger.Warn("Query failed",
		"key", key.LogValue(),
		"attempt_id", attemptID,
		"kind", ae.Kind,
		"retry_count", e.state.RetryCount,
		"error", err,
	)

	c.persist(e)
	c.notify(key, e.state)
}

// retry starts the next attempt once backoff has elapsed, unless the failed
// attempt was superseded in the meantime
func (c *Cache) retry(key domain.QueryKey, failedAttemptID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	e, ok := c.lookup(key)
	if !ok || e.attemptID != failedAttemptID {
		return
	}
	c.startAttempt(e)
}

func (c *Cache) notify(key domain.QueryKey, state domain.QueryState) {
	for _, ch := range c.subs[key.String()] {
		sendLatest(ch, state)
	}
}

// sendLatest replaces any unread value in ch with state
func sendLatest(ch chan domain.QueryState, state domain.QueryState) {
	select {
	case ch <- state:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- state:
	default:
	}
}

func closedState() domain.QueryState {
	return domain.QueryState{
		Status:    domain.StatusError,
		Error:     domain.NewUnknownError(ErrClosed),
		UpdatedAt: time.Now(),
	}
}

type noRetry struct{}

func (noRetry) ShouldRetry(int, error) bool    { return false }
func (noRetry) BackoffDelay(int) time.Duration { return 0 }
