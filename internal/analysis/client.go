package analysis

import (
	"context"
	"sync"

	"geoquery/internal/domain"
	"geoquery/internal/query"
)

// Client is the consumer-facing entry point. Many consumers may share one
// Client; identical requests share a single cache entry.
type Client struct {
	cache    *query.Cache
	pipeline *Pipeline
}

// NewClient creates a client over a shared cache and pipeline
func NewClient(cache *query.Cache, pipeline *Pipeline) *Client {
	return &Client{cache: cache, pipeline: pipeline}
}

func (c *Client) producer(key domain.QueryKey) query.Producer {
	return func(ctx context.Context) (*domain.AnalysisResult, error) {
		return c.pipeline.Run(ctx, key)
	}
}

// UseAnalysis returns the current state of the analysis for the given input
// and starts it if needed. It never blocks. Empty content yields idle.
func (c *Client) UseAnalysis(content, contentType string, isURL bool) domain.QueryState {
	key := domain.BuildKey(content, contentType, isURL)
	return c.cache.Observe(key, key.Enabled(), c.producer(key))
}

// Analyze runs the analysis and waits for the terminal state
func (c *Client) Analyze(ctx context.Context, content, contentType string, isURL bool) (domain.QueryState, error) {
	key := domain.BuildKey(content, contentType, isURL)
	return c.cache.Await(ctx, key, key.Enabled(), c.producer(key))
}

// Invalidate drops the cached state for the given input, including any
// result in the shared store, so the next observation starts a fresh attempt
func (c *Client) Invalidate(ctx context.Context, content, contentType string, isURL bool) error {
	key := domain.BuildKey(content, contentType, isURL)
	err := c.pipeline.Forget(ctx, key)
	c.cache.Invalidate(key)
	return err
}

// ============================================================================
// Observer
// ============================================================================

// Observer follows one query whose parameters can change over time. It holds
// a reference on its current key; switching keys releases the previous one,
// discarding its result if it was still loading.
type Observer struct {
	client *Client
	out    chan domain.QueryState

	mu          sync.Mutex
	key         domain.QueryKey
	retained    bool
	unsubscribe func()
	generation  uint64
	closed      bool
}

// NewObserver creates an observer with no active query
func (c *Client) NewObserver() *Observer {
	return &Observer{
		client: c,
		out:    make(chan domain.QueryState, 1),
	}
}

// Set points the observer at new parameters and returns the current state
func (o *Observer) Set(content, contentType string, isURL bool) domain.QueryState {
	key := domain.BuildKey(content, contentType, isURL)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return domain.IdleState()
	}

	cache := o.client.cache
	if o.retained && key == o.key {
		return cache.Observe(key, true, o.client.producer(key))
	}

	o.detach()
	o.key = key

	state, retained := cache.Acquire(key, key.Enabled(), o.client.producer(key))
	o.retained = retained
	if !retained {
		sendLatest(o.out, state)
		return state
	}

	updates, cancel := cache.Subscribe(key)
	o.unsubscribe = cancel
	go o.forward(o.generation, updates)

	return state
}

// Updates delivers the latest state of the current query. Intermediate
// states may be skipped. The channel closes when the observer closes.
func (o *Observer) Updates() <-chan domain.QueryState {
	return o.out
}

// Current returns the current state without starting anything
func (o *Observer) Current() domain.QueryState {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.retained {
		return domain.IdleState()
	}
	return o.client.cache.Get(o.key)
}

// Close releases the current query and closes Updates
func (o *Observer) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.detach()
	o.closed = true
	close(o.out)
}

// detach drops the subscription and reference on the current key.
// Callers hold o.mu.
func (o *Observer) detach() {
	o.generation++
	if o.unsubscribe != nil {
		o.unsubscribe()
		o.unsubscribe = nil
	}
	if o.retained {
		o.client.cache.Release(o.key)
		o.retained = false
	}
}

func (o *Observer) forward(generation uint64, updates <-chan domain.QueryState) {
	for s := range updates {
		o.mu.Lock()
		if !o.closed && o.generation == generation {
			sendLatest(o.out, s)
		}
		o.mu.Unlock()
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
