package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"geoquery/internal/domain"
	"geoquery/internal/resilience"
	"geoquery/internal/telemetry"
)

// fakeScheduler records backoff delays and fires retries on demand
type fakeScheduler struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []func()
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	s.pending = append(s.pending, f)
	return func() bool { return true }
}

func (s *fakeScheduler) fire() int {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, f := range pending {
		f()
	}
	return len(pending)
}

func (s *fakeScheduler) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func sampleResult() *domain.AnalysisResult {
	return &domain.AnalysisResult{
		CitationAnalysis: &domain.CitationAnalysis{OverallScore: 72},
		KnowledgeGraph:   &domain.KnowledgeGraph{},
	}
}

func newTestCache(t *testing.T, policy Policy, sched *fakeScheduler) (*Cache, *telemetry.Metrics) {
	t.Helper()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	opts := Options{
		Policy:   policy,
		EntryTTL: time.Minute,
		Metrics:  metrics,
	}
	if sched != nil {
		opts.AfterFunc = sched.AfterFunc
	}
	c := New(opts)
	t.Cleanup(c.Close)
	return c, metrics
}

func defaultPolicy() *resilience.RetryPolicy {
	return resilience.NewRetryPolicy(resilience.DefaultRetryConfig())
}

// waitFor polls the state of key until cond holds
func waitFor(t *testing.T, c *Cache, key domain.QueryKey, cond func(domain.QueryState) bool) domain.QueryState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := c.Get(key)
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for state, last: %+v", s)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func settled(s domain.QueryState) bool { return s.Settled() }

func TestObserveDisabledIsIdle(t *testing.T) {
	c, _ := newTestCache(t, defaultPolicy(), nil)

	var calls int32
	producer := func(ctx context.Context) (*domain.AnalysisResult, error) {
		atomic.AddInt32(&calls, 1)
		return sampleResult(), nil
	}

	key := domain.BuildKey("", "article", false)
	state := c.Observe(key, key.Enabled(), producer)

	if state.Status != domain.StatusIdle || state.IsLoading || state.Data != nil || state.Error != nil {
		t.Errorf("Expected idle state, got %+v", state)
	}
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("Expected producer not to run, got %d calls", calls)
	}
	if c.Len() != 0 {
		t.Errorf("Expected no entries, got %d", c.Len())
	}
}

func TestObserveSuccess(t *testing.T) {
	c, _ := newTestCache(t, defaultPolicy(), nil)
	key := domain.BuildKey("Some article text about solar panels.", "article", false)

	state := c.Observe(key, true, func(ctx context.Context) (*domain.AnalysisResult, error) {
		return sampleResult(), nil
	})
	if state.Status != domain.StatusLoading || !state.IsLoading {
		t.Errorf("Expected loading on first observe, got %+v", state)
	}

	state = waitFor(t, c, key, settled)
	if state.Status != domain.StatusSuccess {
		t.Fatalf("Expected success, got %+v", state)
	}
	if state.Data == nil || state.Data.CitationAnalysis.OverallScore != 72 {
		t.Errorf("Unexpected data %+v", state.Data)
	}
	if state.Error != nil || state.IsLoading || state.RetryCount != 0 {
		t.Errorf("Unexpected success state %+v", state)
	}
}

func TestObserveDeduplicatesInFlight(t *testing.T) {
	c, metrics := newTestCache(t, defaultPolicy(), nil)
	key := domain.BuildKey("shared content", "article", false)

	var calls int32
	release := make(chan struct{})
	producer := func(ctx context.Context) (*domain.AnalysisResult, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return sampleResult(), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s := c.Observe(key, true, producer); s.Status != domain.StatusLoading {
				t.Errorf("Expected loading, got %s", s.Status)
			}
		}()
	}
	wg.Wait()
	close(release)

	waitFor(t, c, key, settled)

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected 1 producer call, got %d", got)
	}
	if got := testutil.ToFloat64(metrics.Observations.WithLabelValues("joined")); got != 19 {
		t.Errorf("Expected 19 joined observations, got %v", got)
	}

	// A settled entry is served without another call
	c.Observe(key, true, producer)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected cached result, got %d calls", got)
	}
}

func TestContentFetchFailureIsTerminal(t *testing.T) {
	sched := &fakeScheduler{}
	c, _ := newTestCache(t, defaultPolicy(), sched)
	key := domain.BuildKey("http://bad.example", "article", true)

	var calls int32
	producer := func(ctx context.Context) (*domain.AnalysisResult, error) {
		atomic.AddInt32(&calls, 1)
		return nil, domain.NewContentFetchError(errors.New("upstream returned 404"))
	}

	c.Observe(key, true, producer)
	state := waitFor(t, c, key, settled)

	if state.Status != domain.StatusError {
		t.Fatalf("Expected error, got %+v", state)
	}
	if state.ErrorMessage() != domain.MsgContentFetch {
		t.Errorf("Unexpected message %q", state.ErrorMessage())
	}
	if state.IsLoading || state.Data != nil {
		t.Errorf("Unexpected error state %+v", state)
	}
	if len(sched.recorded()) != 0 {
		t.Errorf("Expected no retries, got delays %v", sched.recorded())
	}

	// The terminal error is stable under the default policy
	again := c.Observe(key, true, producer)
	if again.Status != domain.StatusError {
		t.Errorf("Expected stable error, got %s", again.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected 1 producer call, got %d", got)
	}
}

func TestTransientFailuresThenSuccess(t *testing.T) {
	sched := &fakeScheduler{}
	c, metrics := newTestCache(t, defaultPolicy(), sched)
	key := domain.BuildKey("content that scores eventually", "article", false)

	var calls int32
	producer := func(ctx context.Context) (*domain.AnalysisResult, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return nil, domain.NewAnalysisRequestError(errors.New("503 service unavailable"))
		}
		return sampleResult(), nil
	}

	c.Observe(key, true, producer)

	state := waitFor(t, c, key, func(s domain.QueryState) bool { return s.RetryCount == 1 })
	if state.Status != domain.StatusLoading || !state.IsLoading || !state.Retrying || state.Error != nil {
		t.Errorf("Expected retrying loading state without error, got %+v", state)
	}
	sched.fire()

	waitFor(t, c, key, func(s domain.QueryState) bool { return s.RetryCount == 2 })
	sched.fire()

	state = waitFor(t, c, key, settled)
	if state.Status != domain.StatusSuccess {
		t.Fatalf("Expected success, got %+v", state)
	}
	if state.RetryCount != 0 || state.Retrying {
		t.Errorf("Expected retry count reset, got %+v", state)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}

	delays := sched.recorded()
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("Expected delays %v, got %v", want, delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("Delay %d = %v, want %v", i, delays[i], want[i])
		}
	}
	if got := testutil.ToFloat64(metrics.RetriesTotal.WithLabelValues(string(domain.ErrAnalysisRequest))); got != 2 {
		t.Errorf("Expected 2 retries recorded, got %v", got)
	}
}

func TestRetriesExhausted(t *testing.T) {
	sched := &fakeScheduler{}
	c, _ := newTestCache(t, defaultPolicy(), sched)
	key := domain.BuildKey("content the backend rejects", "article", false)

	var calls int32
	producer := func(ctx context.Context) (*domain.AnalysisResult, error) {
		atomic.AddInt32(&calls, 1)
		return nil, domain.NewAnalysisRequestError(errors.New("500 internal server error"))
	}

	c.Observe(key, true, producer)
	waitFor(t, c, key, func(s domain.QueryState) bool { return s.RetryCount == 1 })
	sched.fire()
	waitFor(t, c, key, func(s domain.QueryState) bool { return s.RetryCount == 2 })
	sched.fire()

	state := waitFor(t, c, key, settled)
	if state.Status != domain.StatusError {
		t.Fatalf("Expected error, got %+v", state)
	}
	if state.ErrorMessage() != domain.MsgAnalysisRequest {
		t.Errorf("Unexpected message %q", state.ErrorMessage())
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
	if sched.fire() != 0 {
		t.Error("Expected no retry scheduled after exhaustion")
	}
}

func TestValidationFailureSurfacesAfterRetries(t *testing.T) {
	c, _ := newTestCache(t, resilience.NewRetryPolicy(resilience.RetryConfig{MaxRetries: 0}), nil)
	key := domain.BuildKey("content", "article", false)

	c.Observe(key, true, func(ctx context.Context) (*domain.AnalysisResult, error) {
		return &domain.AnalysisResult{CitationAnalysis: &domain.CitationAnalysis{}}, nil
	})

	state := waitFor(t, c, key, settled)
	if state.Status != domain.StatusError || state.ErrorMessage() != domain.MsgValidation {
		t.Errorf("Expected validation failure, got %+v", state)
	}
	if state.Data != nil {
		t.Error("Expected incomplete result not to be stored")
	}
}

func TestProducerPanicBecomesUnknownFailure(t *testing.T) {
	c, _ := newTestCache(t, resilience.NewRetryPolicy(resilience.RetryConfig{MaxRetries: 0}), nil)
	key := domain.BuildKey("content", "article", false)

	c.Observe(key, true, func(ctx context.Context) (*domain.AnalysisResult, error) {
		panic("boom")
	})

	state := waitFor(t, c, key, settled)
	if state.Error == nil || state.Error.Kind != domain.ErrUnknown {
		t.Fatalf("Expected unknown failure, got %+v", state)
	}
	if state.ErrorMessage() != domain.MsgUnknown {
		t.Errorf("Unexpected message %q", state.ErrorMessage())
	}
}

func TestReleaseWhileLoadingDiscardsResult(t *testing.T) {
	c, metrics := newTestCache(t, defaultPolicy(), nil)
	key := domain.BuildKey("content the consumer abandons", "article", false)

	started := make(chan struct{})
	unblock := make(chan struct{})
	c.Observe(key, true, func(ctx context.Context) (*domain.AnalysisResult, error) {
		close(started)
		<-unblock
		return sampleResult(), nil
	})
	<-started

	if !c.Retain(key) {
		t.Fatal("Expected entry to exist")
	}
	c.Release(key)

	if c.Len() != 0 {
		t.Errorf("Expected entry dropped, got %d entries", c.Len())
	}
	close(unblock)

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(metrics.Discarded) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for discarded result")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s := c.Get(key); s.Status != domain.StatusIdle {
		t.Errorf("Expected no stored result, got %+v", s)
	}
}

func TestReleaseCancelsAttemptContext(t *testing.T) {
	c, _ := newTestCache(t, defaultPolicy(), nil)
	key := domain.BuildKey("content", "article", false)

	cancelled := make(chan struct{})
	started := make(chan struct{})
	c.Observe(key, true, func(ctx context.Context) (*domain.AnalysisResult, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	<-started

	c.Retain(key)
	c.Release(key)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected attempt context to be cancelled")
	}
}

func TestReleaseDuringBackoffStopsRetry(t *testing.T) {
	sched := &fakeScheduler{}
	c, _ := newTestCache(t, defaultPolicy(), sched)
	key := domain.BuildKey("content", "article", false)

	var calls int32
	c.Observe(key, true, func(ctx context.Context) (*domain.AnalysisResult, error) {
		atomic.AddInt32(&calls, 1)
		return nil, domain.NewAnalysisRequestError(errors.New("timeout"))
	})
	waitFor(t, c, key, func(s domain.QueryState) bool { return s.Retrying })

	c.Retain(key)
	c.Release(key)
	sched.fire()

	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected no attempt after release, got %d calls", got)
	}
	if s := c.Get(key); s.Status != domain.StatusIdle {
		t.Errorf("Expected entry dropped, got %+v", s)
	}
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache(t, defaultPolicy(), nil)
	key := domain.BuildKey("content", "article", false)

	var calls int32
	producer := func(ctx context.Context) (*domain.AnalysisResult, error) {
		atomic.AddInt32(&calls, 1)
		return sampleResult(), nil
	}

	c.Observe(key, true, producer)
	waitFor(t, c, key, settled)

	c.Invalidate(key)
	if s := c.Get(key); s.Status != domain.StatusIdle {
		t.Errorf("Expected idle after invalidate, got %s", s.Status)
	}

	c.Observe(key, true, producer)
	waitFor(t, c, key, settled)
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("Expected 2 producer calls, got %d", got)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	c, _ := newTestCache(t, resilience.NewRetryPolicy(resilience.RetryConfig{MaxRetries: 0}), nil)
	good := domain.BuildKey("good", "article", false)
	bad := domain.BuildKey("bad", "article", false)

	c.Observe(good, true, func(ctx context.Context) (*domain.AnalysisResult, error) {
		return sampleResult(), nil
	})
	c.Observe(bad, true, func(ctx context.Context) (*domain.AnalysisResult, error) {
		return nil, errors.New("connection reset")
	})

	if s := waitFor(t, c, good, settled); s.Status != domain.StatusSuccess {
		t.Errorf("Expected success for good key, got %s", s.Status)
	}
	if s := waitFor(t, c, bad, settled); s.Status != domain.StatusError {
		t.Errorf("Expected error for bad key, got %s", s.Status)
	}
}

func TestSubscribe(t *testing.T) {
	c, _ := newTestCache(t, defaultPolicy(), nil)
	key := domain.BuildKey("content", "article", false)

	updates, cancel := c.Subscribe(key)
	defer cancel()

	if s := <-updates; s.Status != domain.StatusIdle {
		t.Errorf("Expected initial idle state, got %s", s.Status)
	}

	unblock := make(chan struct{})
	c.Observe(key, true, func(ctx context.Context) (*domain.AnalysisResult, error) {
		<-unblock
		return sampleResult(), nil
	})
	close(unblock)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-updates:
			if s.Status == domain.StatusSuccess {
				return
			}
		case <-timeout:
			t.Fatal("Timed out waiting for success update")
		}
	}
}

func TestAwait(t *testing.T) {
	c, _ := newTestCache(t, defaultPolicy(), nil)

	t.Run("returns settled state", func(t *testing.T) {
		key := domain.BuildKey("await me", "article", false)
		state, err := c.Await(context.Background(), key, true, func(ctx context.Context) (*domain.AnalysisResult, error) {
			time.Sleep(10 * time.Millisecond)
			return sampleResult(), nil
		})
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if state.Status != domain.StatusSuccess {
			t.Errorf("Expected success, got %s", state.Status)
		}
	})

	t.Run("disabled returns idle", func(t *testing.T) {
		state, err := c.Await(context.Background(), domain.BuildKey("", "article", false), false, nil)
		if err != nil || state.Status != domain.StatusIdle {
			t.Errorf("Expected idle without error, got %s / %v", state.Status, err)
		}
	})

	t.Run("context deadline", func(t *testing.T) {
		key := domain.BuildKey("slow", "article", false)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := c.Await(ctx, key, true, func(ctx context.Context) (*domain.AnalysisResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Expected deadline exceeded, got %v", err)
		}
	})
}

func TestEntryTTL(t *testing.T) {
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	c := New(Options{
		Policy:          defaultPolicy(),
		EntryTTL:        30 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
		Metrics:         metrics,
	})
	defer c.Close()

	var calls int32
	producer := func(ctx context.Context) (*domain.AnalysisResult, error) {
		atomic.AddInt32(&calls, 1)
		return sampleResult(), nil
	}

	retained := domain.BuildKey("retained", "article", false)
	c.Observe(retained, true, producer)
	c.Retain(retained)
	waitFor(t, c, retained, settled)

	expiring := domain.BuildKey("expiring", "article", false)
	c.Observe(expiring, true, producer)
	waitFor(t, c, expiring, settled)

	time.Sleep(80 * time.Millisecond)

	if s := c.Get(expiring); s.Status != domain.StatusIdle {
		t.Errorf("Expected unreferenced entry to expire, got %s", s.Status)
	}
	if s := c.Get(retained); s.Status != domain.StatusSuccess {
		t.Errorf("Expected referenced entry to survive, got %s", s.Status)
	}

	c.Observe(expiring, true, producer)
	waitFor(t, c, expiring, settled)
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected expired entry to be refetched, got %d calls", got)
	}
}

func TestClose(t *testing.T) {
	c := New(Options{Policy: defaultPolicy()})
	key := domain.BuildKey("content", "article", false)

	updates, _ := c.Subscribe(key)
	<-updates

	c.Close()

	if _, ok := <-updates; ok {
		t.Error("Expected subscription channel to be closed")
	}
	if s := c.Observe(key, true, nil); s.Status != domain.StatusError {
		t.Errorf("Expected error state after close, got %s", s.Status)
	}
	if _, err := c.Await(context.Background(), key, true, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestAcquireSurvivesOtherRelease(t *testing.T) {
	c, _ := newTestCache(t, defaultPolicy(), nil)
	key := domain.BuildKey("shared draft", "article", false)

	var calls int32
	unblock := make(chan struct{})
	producer := func(ctx context.Context) (*domain.AnalysisResult, error) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-unblock:
			return sampleResult(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	first, ok := c.Acquire(key, true, producer)
	if !ok || first.Status != domain.StatusLoading {
		t.Fatalf("Expected loading with a reference, got %s / %v", first.Status, ok)
	}
	second, ok := c.Acquire(key, true, producer)
	if !ok || second.Status != domain.StatusLoading {
		t.Fatalf("Expected second consumer to join, got %s / %v", second.Status, ok)
	}

	// The first consumer moves on; the second still holds the attempt
	c.Release(key)
	if s := c.Get(key); s.Status != domain.StatusLoading {
		t.Fatalf("Expected attempt to keep running, got %s", s.Status)
	}

	close(unblock)
	if s := waitFor(t, c, key, settled); s.Status != domain.StatusSuccess {
		t.Errorf("Expected success, got %s", s.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected 1 producer call, got %d", got)
	}
}

func TestAcquireDisabledTakesNoReference(t *testing.T) {
	c, _ := newTestCache(t, defaultPolicy(), nil)

	state, ok := c.Acquire(domain.BuildKey("", "article", false), false, nil)
	if ok || state.Status != domain.StatusIdle {
		t.Errorf("Expected idle without reference, got %s / %v", state.Status, ok)
	}
}

func TestReleaseWithoutReferenceIsNoop(t *testing.T) {
	c, _ := newTestCache(t, defaultPolicy(), nil)
	key := domain.BuildKey("unretained", "article", false)

	cancelled := make(chan struct{})
	unblock := make(chan struct{})
	c.Observe(key, true, func(ctx context.Context) (*domain.AnalysisResult, error) {
		select {
		case <-unblock:
			return sampleResult(), nil
		case <-ctx.Done():
			close(cancelled)
			return nil, ctx.Err()
		}
	})

	c.Release(key)
	c.Release(key)

	if s := c.Get(key); s.Status != domain.StatusLoading {
		t.Fatalf("Expected unreferenced attempt to keep running, got %s", s.Status)
	}
	close(unblock)
	if s := waitFor(t, c, key, settled); s.Status != domain.StatusSuccess {
		t.Errorf("Expected success, got %s", s.Status)
	}
	select {
	case <-cancelled:
		t.Error("Expected attempt context not to be cancelled")
	default:
	}
}

// switchPolicy lets a test change the retry decision after an error settles
type switchPolicy struct {
	allow atomic.Bool
}

func (p *switchPolicy) ShouldRetry(int, error) bool    { return p.allow.Load() }
func (p *switchPolicy) BackoffDelay(int) time.Duration { return time.Second }

func TestTerminalErrorRestartsWhenPolicyAllows(t *testing.T) {
	policy := &switchPolicy{}
	c, metrics := newTestCache(t, policy, &fakeScheduler{})
	key := domain.BuildKey("content", "article", false)

	var calls int32
	c.Observe(key, true, func(ctx context.Context) (*domain.AnalysisResult, error) {
		atomic.AddInt32(&calls, 1)
		return nil, domain.NewAnalysisRequestError(errors.New("bad gateway"))
	})
	if s := waitFor(t, c, key, settled); s.Status != domain.StatusError {
		t.Fatalf("Expected terminal error, got %s", s.Status)
	}

	t.Run("stable while policy refuses", func(t *testing.T) {
		s := c.Observe(key, true, nil)
		if s.Status != domain.StatusError {
			t.Errorf("Expected error to stay, got %s", s.Status)
		}
		if got := atomic.LoadInt32(&calls); got != 1 {
			t.Errorf("Expected 1 producer call, got %d", got)
		}
	})

	t.Run("restarts once policy allows", func(t *testing.T) {
		policy.allow.Store(true)
		s := c.Observe(key, true, func(ctx context.Context) (*domain.AnalysisResult, error) {
			atomic.AddInt32(&calls, 1)
			return sampleResult(), nil
		})
		if s.Status != domain.StatusLoading {
			t.Errorf("Expected restart, got %s", s.Status)
		}
		if s := waitFor(t, c, key, settled); s.Status != domain.StatusSuccess {
			t.Errorf("Expected success after restart, got %s", s.Status)
		}
		if got := atomic.LoadInt32(&calls); got != 2 {
			t.Errorf("Expected 2 producer calls, got %d", got)
		}
		if got := testutil.ToFloat64(metrics.Observations.WithLabelValues("restarted")); got != 1 {
			t.Errorf("Expected 1 restarted observation, got %v", got)
		}
	})
}

func TestExpiredEntryNotifiesSubscribers(t *testing.T) {
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	c := New(Options{
		Policy:          defaultPolicy(),
		EntryTTL:        200 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
		Metrics:         metrics,
	})
	defer c.Close()

	key := domain.BuildKey("short lived", "article", false)
	c.Observe(key, true, func(ctx context.Context) (*domain.AnalysisResult, error) {
		return sampleResult(), nil
	})
	waitFor(t, c, key, settled)

	updates, cancel := c.Subscribe(key)
	defer cancel()
	if s := <-updates; s.Status != domain.StatusSuccess {
		t.Fatalf("Expected current success first, got %s", s.Status)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-updates:
			if s.Status != domain.StatusIdle {
				continue
			}
			if got := testutil.ToFloat64(metrics.CacheEntries); got != 0 {
				t.Errorf("Expected entries gauge 0 after expiry, got %v", got)
			}
			return
		case <-timeout:
			t.Fatal("Timed out waiting for expiry notification")
		}
	}
}
