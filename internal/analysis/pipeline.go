// Package analysis wires content resolution, scoring and validation into a
// single producer and exposes the query-state facade consumers use.
package analysis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"geoquery/internal/domain"
	"geoquery/internal/telemetry"
)

// Pipeline stage names, used for metrics and logs
const (
	StageStore    = "store"
	StageResolve  = "resolve"
	StageAnalyze  = "analyze"
	StageValidate = "validate"
)

// ContentResolver turns a URL into article text
type ContentResolver interface {
	Resolve(ctx context.Context, url string) (string, error)
}

// Analyzer submits content to the scoring backend and returns the raw payload
type Analyzer interface {
	Analyze(ctx context.Context, content, contentType string) ([]byte, error)
}

// ResponseValidator checks a raw payload and decodes it
type ResponseValidator interface {
	Validate(payload []byte) (*domain.AnalysisResult, error)
}

// ResultStore is an optional shared store for validated results
type ResultStore interface {
	Get(ctx context.Context, key domain.QueryKey) (*domain.AnalysisResult, bool, error)
	Set(ctx context.Context, key domain.QueryKey, result *domain.AnalysisResult) error
	Delete(ctx context.Context, key domain.QueryKey) error
}

// Breaker guards the scoring backend. *resilience.CircuitBreaker satisfies it.
type Breaker interface {
	Allow() error
	RecordSuccess()
	RecordFailure()
}

// Pipeline runs one analysis attempt: store lookup, resolve, analyze,
// validate, store write. Stages run strictly in order.
type Pipeline struct {
	resolver  ContentResolver
	analyzer  Analyzer
	validator ResponseValidator
	store     ResultStore
	breaker   Breaker
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

// PipelineOption configures a Pipeline
type PipelineOption func(*Pipeline)

// WithStore enables the shared result store
func WithStore(store ResultStore) PipelineOption {
	return func(p *Pipeline) { p.store = store }
}

// WithBreaker fails fast while the scoring backend is unhealthy
func WithBreaker(breaker Breaker) PipelineOption {
	return func(p *Pipeline) { p.breaker = breaker }
}

// WithMetrics records stage metrics
func WithMetrics(metrics *telemetry.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = metrics }
}

// WithLogger sets the pipeline logger
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

// NewPipeline creates a pipeline
func NewPipeline(resolver ContentResolver, analyzer Analyzer, validator ResponseValidator, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		resolver:  resolver,
		analyzer:  analyzer,
		validator: validator,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the pipeline for key. Every failure is returned as a
// classified *domain.AnalysisError.
func (p *Pipeline) Run(ctx context.Context, key domain.QueryKey) (*domain.AnalysisResult, error) {
	if !key.Enabled() {
		return nil, domain.NewUnknownError(errors.New("empty content"))
	}

	if result, ok := p.lookup(ctx, key); ok {
		return result, nil
	}

	content := key.Content
	if key.IsURL {
		resolved, err := p.resolve(ctx, key.Content)
		if err != nil {
			return nil, err
		}
		content = resolved
	}

	start := time.Now()
	if p.analyzer == nil {
		return nil, p.fail(StageAnalyze, start, domain.NewAnalysisRequestError(errors.New("no analyzer configured")))
	}
	payload, err := p.analyze(ctx, content, key.ContentType)
	if err != nil {
		return nil, p.fail(StageAnalyze, start, err)
	}
	p.metrics.RecordStage(StageAnalyze, time.Since(start), "")

	start = time.Now()
	if p.validator == nil {
		return nil, p.fail(StageValidate, start, domain.NewValidationError(errors.New("no validator configured")))
	}
	result, err := p.validator.Validate(payload)
	if err != nil {
		if _, ok := domain.AsAnalysisError(err); !ok {
			err = domain.NewValidationError(err)
		}
		return nil, p.fail(StageValidate, start, err)
	}
	p.metrics.RecordStage(StageValidate, time.Since(start), "")

	p.save(ctx, key, result)

	p.logger.Debug("Analysis completed",
		"key", key.LogValue(),
		"overall_score", result.CitationAnalysis.OverallScore,
		"nodes", len(result.KnowledgeGraph.Nodes),
	)

	return result, nil
}

func (p *Pipeline) resolve(ctx context.Context, target string) (string, error) {
	start := time.Now()
	if p.resolver == nil {
		return "", p.fail(StageResolve, start, domain.NewContentFetchError(errors.New("no content resolver configured")))
	}

	content, err := p.resolver.Resolve(ctx, target)
	if err != nil {
		if _, ok := domain.AsAnalysisError(err); !ok {
			err = domain.NewContentFetchError(err)
		}
		return "", p.fail(StageResolve, start, err)
	}
	if content == "" {
		return "", p.fail(StageResolve, start, domain.NewContentFetchError(errors.New("resolved content is empty")))
	}

	p.metrics.RecordStage(StageResolve, time.Since(start), "")
	return content, nil
}

// analyze calls the scoring backend through the breaker
func (p *Pipeline) analyze(ctx context.Context, content, contentType string) ([]byte, error) {
	if p.breaker != nil {
		if err := p.breaker.Allow(); err != nil {
			return nil, domain.NewAnalysisRequestError(err)
		}
	}

	payload, err := p.analyzer.Analyze(ctx, content, contentType)
	if err != nil {
		// Cancellation says nothing about backend health
		if p.breaker != nil && ctx.Err() == nil {
			p.breaker.RecordFailure()
		}
		if _, ok := domain.AsAnalysisError(err); !ok {
			err = domain.NewAnalysisRequestError(err)
		}
		return nil, err
	}

	if p.breaker != nil {
		p.breaker.RecordSuccess()
	}
	return payload, nil
}

// fail records a stage failure and returns err classified
func (p *Pipeline) fail(stage string, start time.Time, err error) error {
	ae := domain.Classify(err)
	p.metrics.RecordStage(stage, time.Since(start), string(ae.Kind))
	p.logger.Debug("Pipeline stage failed", "stage", stage, "kind", ae.Kind, "error", ae.Err)
	return ae
}

// lookup consults the shared store. Store errors never fail the attempt.
func (p *Pipeline) lookup(ctx context.Context, key domain.QueryKey) (*domain.AnalysisResult, bool) {
	if p.store == nil {
		return nil, false
	}

	start := time.Now()
	result, found, err := p.store.Get(ctx, key)
	p.metrics.RecordStage(StageStore, time.Since(start), "")
	switch {
	case err != nil:
		p.metrics.RecordStoreLookup("error")
		p.logger.Warn("Result store lookup failed", "key", key.LogValue(), "error", err)
		return nil, false
	case !found || result == nil || result.CitationAnalysis == nil || result.KnowledgeGraph == nil:
		p.metrics.RecordStoreLookup("miss")
		return nil, false
	default:
		p.metrics.RecordStoreLookup("hit")
		p.logger.Debug("Result store hit", "key", key.LogValue())
		return result, true
	}
}

// Forget removes any stored result for key so the next run reaches the backend
func (p *Pipeline) Forget(ctx context.Context, key domain.QueryKey) error {
	if p.store == nil {
		return nil
	}
	if err := p.store.Delete(ctx, key); err != nil {
		p.logger.Warn("Result store delete failed", "key", key.LogValue(), "error", err)
		return err
	}
	return nil
}

func (p *Pipeline) save(ctx context.Context, key domain.QueryKey, result *domain.AnalysisResult) {
	if p.store == nil {
		return
	}
	if err := p.store.Set(ctx, key, result); err != nil {
		p.logger.Warn("Result store write failed", "key", key.LogValue(), "error", err)
	}
}
