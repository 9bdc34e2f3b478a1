package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"encore.app/pkg/cache"
	"encore.app/pkg/cachekey"
	"encore.app/pkg/cachemetrics"
	"encore.app/pkg/models"
	"encore.app/pkg/optimizer"
)

// Stage identifies one pipeline step. Every request walks the same stage
// sequence; a cache hit short-circuits from lookup straight to metrics.
type Stage string

const (
	StageValidate       Stage = "validate"
	StageDetectLanguage Stage = "detect_language"
	StageCacheLookup    Stage = "cache_lookup"
	StageClassify       Stage = "classify"
	StageRoute          Stage = "route"
	StageInvoke         Stage = "invoke"
	StagePostProcess    Stage = "post_process"
	StageCacheWrite     Stage = "cache_write"
	StageRecordMetrics  Stage = "record_metrics"

	stageDone Stage = "done"
)

// BackendInvoker executes one generation call against a routed backend.
// Implementations must honor ctx cancellation.
type BackendInvoker interface {
	Invoke(ctx context.Context, decision *models.RouteDecision, req *models.ContentRequest) (*models.ContentResponse, error)
}

// Pipeline runs requests through the fixed stage sequence. It owns no
// mutable state of its own; configuration is read once per request through
// the config provider so an in-flight request never sees a half-applied
// update.
type Pipeline struct {
	config     func() Config
	detector   LanguageDetector
	classifier *Classifier
	router     *Router
	orch       *cache.Orchestrator
	recorder   *cachemetrics.Recorder
	events     *Dispatcher
	invoker    BackendInvoker

	// observe folds a processed request into the pattern table. Nil when
	// the optimizer is not wired (tests).
	observe func(req *models.ContentRequest, generationMs float64)
	// priority reports the tracked pattern priority for a request, which
	// decides the cache tiers a fresh generation is written to. Nil means
	// every shape is low priority.
	priority func(req *models.ContentRequest) models.PatternPriority
	// onGenerated fires after a fresh generation is cached. Nil-safe.
	onGenerated func(key string, resp *models.ContentResponse)
}

// PipelineDeps wires a Pipeline.
type PipelineDeps struct {
	Config      func() Config
	Detector    LanguageDetector
	Classifier  *Classifier
	Router      *Router
	Orch        *cache.Orchestrator
	Recorder    *cachemetrics.Recorder
	Events      *Dispatcher
	Invoker     BackendInvoker
	Observe     func(req *models.ContentRequest, generationMs float64)
	Priority    func(req *models.ContentRequest) models.PatternPriority
	OnGenerated func(key string, resp *models.ContentResponse)
}

// NewPipeline builds the stage machine. Detector and Events default when nil.
func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.Detector == nil {
		deps.Detector = NewHeuristicDetector()
	}
	if deps.Events == nil {
		deps.Events = NewDispatcher()
	}
	return &Pipeline{
		config:      deps.Config,
		detector:    deps.Detector,
		classifier:  deps.Classifier,
		router:      deps.Router,
		orch:        deps.Orch,
		recorder:    deps.Recorder,
		events:      deps.Events,
		invoker:     deps.Invoker,
		observe:     deps.Observe,
		priority:    deps.Priority,
		onGenerated: deps.OnGenerated,
	}
}

// run carries one request's state across stages.
type run struct {
	req   *models.ContentRequest
	cfg   Config
	start time.Time

	key  string
	tags []string

	class    models.Classification
	decision *models.RouteDecision

	resp      *models.ContentResponse
	cacheHit  bool
	generated bool // this run executed the backend call itself
	annotated bool
	genMs     float64
}

// Process walks the request through the stage sequence and returns its
// response. All failures carry a gateway Error code.
func (p *Pipeline) Process(ctx context.Context, req *models.ContentRequest) (*models.ContentResponse, error) {
	cfg := p.config()
	ctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	r := &run{req: req.Clone(), cfg: cfg, start: time.Now()}
	p.events.Emit(Event{Type: EventReceived, RequestID: req.ID})

	for stage := StageValidate; stage != stageDone; {
		next, err := p.step(ctx, r, stage)
		if err != nil {
			p.events.Emit(Event{
				Type:      EventFailed,
				RequestID: req.ID,
				Stage:     string(stage),
				Detail:    string(CodeOf(err)),
			})
			return nil, err
		}
		stage = next
	}
	return r.resp, nil
}

// step executes one stage and names the next.
func (p *Pipeline) step(ctx context.Context, r *run, stage Stage) (Stage, error) {
	switch stage {
	case StageValidate:
		return StageDetectLanguage, p.validate(r)
	case StageDetectLanguage:
		p.detectLanguage(r)
		return StageCacheLookup, nil
	case StageCacheLookup:
		if p.cacheLookup(ctx, r) {
			return StageRecordMetrics, nil
		}
		return StageClassify, nil
	case StageClassify:
		p.classify(r)
		return StageRoute, nil
	case StageRoute:
		return StageInvoke, p.route(r)
	case StageInvoke:
		return StagePostProcess, p.invoke(ctx, r)
	case StagePostProcess:
		p.postProcess(r)
		return StageCacheWrite, nil
	case StageCacheWrite:
		p.cacheWrite(r)
		return StageRecordMetrics, nil
	case StageRecordMetrics:
		p.recordMetrics(r)
		return stageDone, nil
	default:
		return stageDone, failf(CodeGenerationFailed, "unknown pipeline stage %q", stage)
	}
}

func (p *Pipeline) validate(r *run) error {
	req := r.req
	if req != nil && req.OutputLanguage != "" && !models.SupportedLanguages[req.OutputLanguage] {
		if !r.cfg.FallbackToDefaultLanguage {
			return failf(CodeUnsupportedLanguage, "output language %q is not supported", req.OutputLanguage)
		}
		req.OutputLanguage = r.cfg.DefaultLanguage
	}
	if err := req.Validate(); err != nil {
		return &Error{Code: CodeValidationFailed, Message: err.Error(), Err: err}
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	if req.Cultural == nil {
		if def := r.cfg.CulturalDefaults[req.OutputLanguage]; def != nil {
			req.Cultural = def.Clone()
		}
	}
	return nil
}

// detectLanguage fills in a missing source language from the request text.
// Low-confidence guesses are discarded; translation is never forced on a
// hunch.
func (p *Pipeline) detectLanguage(r *run) {
	if r.req.SourceLanguage != "" || !r.cfg.AutoDetectLanguage {
		return
	}
	text := r.req.Topic
	if len(r.req.Keywords) > 0 {
		text += " " + strings.Join(r.req.Keywords, " ")
	}
	if lang, confidence := p.detector.Detect(text); lang != "" && confidence >= 0.5 {
		r.req.SourceLanguage = lang
	}
}

// cacheLookup probes the tiers. Returns true on a hit, with the response
// already assembled.
func (p *Pipeline) cacheLookup(ctx context.Context, r *run) bool {
	r.key, r.tags = cachekey.Derive(r.req)
	if !r.cfg.CacheEnabled {
		return false
	}
	entry, layer, ok := p.orch.Lookup(ctx, r.key, r.req.OutputLanguage)
	if !ok {
		return false
	}

	resp := entry.Response.Clone()
	resp.RequestID = r.req.ID
	resp.CacheHit = true
	resp.CacheLayer = layer
	r.resp = resp
	r.cacheHit = true
	return true
}

func (p *Pipeline) classify(r *run) {
	r.class = p.classifier.Classify(r.req)
	p.events.Emit(Event{
		Type:      EventClassified,
		RequestID: r.req.ID,
		Detail:    string(r.class.Complexity),
	})
}

func (p *Pipeline) route(r *run) error {
	decision, err := p.router.Select(r.req, r.class, r.cfg.BackendAllowList, r.cfg.CostCriticalThreshold)
	if err != nil {
		return err
	}
	r.decision = decision
	p.events.Emit(Event{
		Type:      EventRouted,
		RequestID: r.req.ID,
		BackendID: decision.BackendID,
	})
	if r.cfg.CostWarningThreshold > 0 && decision.EstimatedCost >= r.cfg.CostWarningThreshold {
		p.events.Emit(Event{
			Type:      EventCostWarning,
			RequestID: r.req.ID,
			BackendID: decision.BackendID,
			Detail:    decision.Endpoint,
		})
	}
	return nil
}

// invoke produces the response. With caching on, the generation runs inside
// the orchestrator's fill coalescer: one of N concurrent identical misses
// calls the backend and stores the entry into the tiers its pattern priority
// targets; the rest share the result.
func (p *Pipeline) invoke(ctx context.Context, r *run) error {
	if !r.cfg.CacheEnabled {
		return p.generate(ctx, r)
	}

	placement := optimizer.PlacementFor(p.priorityOf(r.req))
	ttl := placement.TTL
	if ttl <= 0 {
		ttl = r.cfg.CacheTTL
	}

	entry, _, err := p.orch.Fill(ctx, r.key, placement.FromTier, func(ctx context.Context) (*models.CacheEntry, error) {
		if err := p.generate(ctx, r); err != nil {
			return nil, err
		}
		p.annotate(r)
		return models.NewCacheEntry(r.key, r.req, r.resp, ttl, r.tags), nil
	})
	if err != nil {
		return err
	}

	if !r.generated {
		// A concurrent fill for the same key produced the response. Serve a
		// copy; the spend stays attributed to the run that generated.
		resp := entry.Response.Clone()
		resp.RequestID = r.req.ID
		resp.CacheHit = false
		resp.Cost = 0
		r.resp = resp
		r.annotated = true
	}
	return nil
}

func (p *Pipeline) priorityOf(req *models.ContentRequest) models.PatternPriority {
	if p.priority == nil {
		return models.PriorityLow
	}
	return p.priority(req)
}

// generate calls the primary backend, falling back at most once on a
// retryable failure.
func (p *Pipeline) generate(ctx context.Context, r *run) error {
	resp, err := p.invokeOne(ctx, r, r.decision)
	if err != nil {
		if ctx.Err() != nil || r.decision.Fallback == nil || r.cfg.MaxRetries < 1 || !isTemporary(err) {
			return err
		}
		p.events.Emit(Event{
			Type:      EventFallback,
			RequestID: r.req.ID,
			BackendID: r.decision.Fallback.BackendID,
			Detail:    string(CodeOf(err)),
		})
		resp, err = p.invokeOne(ctx, r, r.decision.Fallback)
		if err != nil {
			return err
		}
		resp.FallbackUsed = true
	}
	r.resp = resp
	r.generated = true
	return nil
}

func (p *Pipeline) invokeOne(ctx context.Context, r *run, decision *models.RouteDecision) (*models.ContentResponse, error) {
	start := time.Now()
	resp, err := p.invoker.Invoke(ctx, decision, r.req)
	elapsed := time.Since(start)
	p.recorder.Generation(r.req.OutputLanguage, elapsed, err != nil)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, transientf(CodeGenerationTimeout, err,
				"backend %s exceeded the request deadline", decision.BackendID)
		}
		if CodeOf(err) != "" {
			return nil, err
		}
		return nil, transientf(CodeGenerationFailed, err, "backend %s failed", decision.BackendID)
	}

	r.genMs = float64(elapsed.Milliseconds())
	resp.RequestID = r.req.ID
	resp.Language = r.req.OutputLanguage
	resp.BackendID = decision.BackendID
	resp.CacheHit = false
	resp.GeneratedAt = time.Now()
	if resp.Cost == 0 && resp.Tokens.Total > 0 && r.class.EstimatedTokens > 0 {
		perToken := decision.EstimatedCost / float64(r.class.EstimatedTokens)
		resp.Cost = float64(resp.Tokens.Total) * perToken
	}
	return resp, nil
}

// postProcess annotates the response unless the fill closure already did so
// before building the cache entry.
func (p *Pipeline) postProcess(r *run) {
	if !r.annotated {
		p.annotate(r)
	}
}

// annotate attaches the decision's post steps to the response.
func (p *Pipeline) annotate(r *run) {
	r.annotated = true
	if len(r.decision.PostProcess) == 0 {
		return
	}
	if r.resp.Metadata == nil {
		r.resp.Metadata = make(map[string]string)
	}
	r.resp.Metadata["post_process"] = strings.Join(r.decision.PostProcess, ",")
	if r.req.Cultural != nil && r.req.Cultural.Market != "" {
		r.resp.Metadata["market"] = r.req.Cultural.Market
	}
}

// cacheWrite fires the post-store hook. The store itself happens inside the
// fill, and only for the run that generated.
func (p *Pipeline) cacheWrite(r *run) {
	if !r.cfg.CacheEnabled || !r.generated {
		return
	}
	if p.onGenerated != nil {
		p.onGenerated(r.key, r.resp)
	}
}

func (p *Pipeline) recordMetrics(r *run) {
	r.resp.DurationMs = time.Since(r.start).Milliseconds()
	if p.observe != nil {
		p.observe(r.req, r.genMs)
	}
	p.events.Emit(Event{
		Type:      EventCompleted,
		RequestID: r.req.ID,
		BackendID: r.resp.BackendID,
		Detail:    r.resp.CacheLayer,
	})
}

func isTemporary(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Temporary
	}
	return true // unknown failures are worth one fallback
}
