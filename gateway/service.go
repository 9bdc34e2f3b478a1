// Package gateway is the content-generation gateway: it validates and
// classifies incoming requests, routes them to model backends by capability
// and cost, and serves repeat requests from a three-tier cache (private L1,
// shared L2, zoned L3 with stale-while-revalidate).
//
// Design Choices:
// - The pipeline is an explicit stage machine, so every request follows the
//   same observable path and failures carry the stage they died in.
// - Cache tiers hide behind one orchestrator; the pipeline never talks to a
//   tier directly.
// - Cross-instance cache invalidation rides Pub/Sub; each instance drops its
//   private L1 on notification while TTLs reconcile the rest.
package gateway

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/rlog"
	"encore.dev/storage/sqldb"
	"github.com/google/uuid"

	"encore.app/pkg/cache"
	"encore.app/pkg/cachekey"
	"encore.app/pkg/cachemetrics"
	"encore.app/pkg/models"
	"encore.app/pkg/optimizer"
	"encore.app/pkg/throttle"
)

var db = sqldb.Named("gateway")

// Service is the gateway. One instance per process; Encore manages its
// lifecycle.
//
//encore:service
type Service struct {
	instanceID string
	startedAt  time.Time

	mu  sync.RWMutex
	cfg Config

	l1   *cache.L1Cache
	l2   *cache.L2Cache
	l3   *cache.L3Cache
	orch *cache.Orchestrator

	recorder *cachemetrics.Recorder
	alerts   *cachemetrics.AlertEngine

	router     *Router
	classifier *Classifier
	pipeline   *Pipeline
	events     *Dispatcher
	invoker    BackendInvoker

	table *optimizer.Table
	warm  *optimizer.Warmer
	opt   *optimizer.Optimizer

	limiter *throttle.Limiter
	audit   AuditStore

	inflightMu sync.Mutex
	inflight   map[string]int // request ID -> active count

	totalCostMicro atomic.Int64 // dollars * 1e6, actual backend spend

	warmMu   sync.Mutex
	lastWarm time.Time
}

// running is read by the cron endpoints and the pubsub handler, which Encore
// requires to be package level.
var running *Service

// initService wires the gateway. Called by Encore at startup.
func initService() (*Service, error) {
	audit, err := NewClearAudit(db)
	if err != nil {
		return nil, err
	}
	s, err := newService(DefaultConfig(), NewHTTPInvoker(nil), audit)
	if err != nil {
		return nil, err
	}
	running = s
	return s, nil
}

// newService builds a gateway from explicit dependencies. Tests call this
// directly with a mock invoker and a nil audit store.
func newService(cfg Config, invoker BackendInvoker, audit AuditStore) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	limiter, err := throttle.New(cfg.RateLimitPerSec, cfg.RateLimitBurst)
	if err != nil {
		return nil, err
	}

	s := &Service{
		instanceID: uuid.NewString(),
		startedAt:  time.Now(),
		cfg:        cfg,
		invoker:    invoker,
		limiter:    limiter,
		audit:      audit,
		inflight:   make(map[string]int),
	}

	s.l1 = cache.NewL1Cache(cfg.L1MaxEntries)
	s.l2 = cache.NewL2Cache(cache.NewMemoryStore(), 0)
	s.l3 = cache.NewL3Cache(nil, 0, nil)

	s.recorder = cachemetrics.NewRecorder(0)
	s.alerts = cachemetrics.NewAlertEngine(s.recorder, cfg.HitRateTarget, 50, 0.05)

	s.orch = cache.NewOrchestrator(cache.Options{
		Layers:   []cache.Layer{s.l1, s.l2, s.l3},
		Observer: s.recorder,
		Policy:   cache.WriteBehind,
	})
	s.l3.SetRefresh(s.refreshStale)

	s.router = NewRouter(nil)
	s.classifier = NewClassifier()
	s.events = NewDispatcher()

	s.table = optimizer.NewTable(0)
	s.warm = optimizer.NewWarmer(&warmGenerator{svc: s}, []cache.Layer{s.l1, s.l2, s.l3}, optimizer.WarmerConfig{})
	s.opt = optimizer.New(s.table, s.warm, s.recorder, s.orch, optimizer.Config{
		HitRateTarget: cfg.HitRateTarget,
	})

	s.pipeline = NewPipeline(PipelineDeps{
		Config:      s.config,
		Classifier:  s.classifier,
		Router:      s.router,
		Orch:        s.orch,
		Recorder:    s.recorder,
		Events:      s.events,
		Invoker:     invoker,
		Observe:     s.opt.Observe,
		Priority:    s.table.PriorityOf,
		OnGenerated: s.publishGenerated,
	})
	return s, nil
}

// Shutdown drains the write-behind queue and stops the warming pool.
func (s *Service) Shutdown(force context.Context) {
	s.warm.Shutdown()
	s.orch.Stop()
}

// config returns a copy of the live configuration.
func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ProcessContentRequest wraps a generation request with its caller identity
// for per-client throttling.
type ProcessContentRequest struct {
	ClientID string                 `json:"client_id,omitempty"`
	Request  *models.ContentRequest `json:"request"`
}

// ProcessContent runs one request through the pipeline.
//
//encore:api public method=POST path=/v1/content
func (s *Service) ProcessContent(ctx context.Context, p *ProcessContentRequest) (*models.ContentResponse, error) {
	if p.Request == nil {
		return nil, failf(CodeValidationFailed, "request body is required")
	}
	if !s.limiter.AllowGlobal() {
		return nil, transientf(CodeRateLimited, nil, "request rate exceeded")
	}
	if p.ClientID != "" && !s.limiter.Allow(p.ClientID) {
		return nil, transientf(CodeRateLimited, nil, "client %s rate exceeded", p.ClientID)
	}

	s.trackInflight(p.Request.ID)
	defer s.untrackInflight(p.Request.ID)

	resp, err := s.pipeline.Process(ctx, p.Request)
	if err != nil {
		return nil, err
	}
	if !resp.CacheHit && resp.Cost > 0 {
		s.totalCostMicro.Add(int64(resp.Cost * 1e6))
	}
	return resp, nil
}

func (s *Service) trackInflight(id string) {
	s.inflightMu.Lock()
	s.inflight[id]++
	s.inflightMu.Unlock()
}

func (s *Service) untrackInflight(id string) {
	s.inflightMu.Lock()
	if s.inflight[id] <= 1 {
		delete(s.inflight, id)
	} else {
		s.inflight[id]--
	}
	s.inflightMu.Unlock()
}

// inflightIDs returns the IDs currently being processed (sorted) and the
// total in-flight count, which can exceed the ID count when one ID is
// submitted concurrently.
func (s *Service) inflightIDs() ([]string, int) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	ids := make([]string, 0, len(s.inflight))
	total := 0
	for id, n := range s.inflight {
		ids = append(ids, id)
		total += n
	}
	sort.Strings(ids)
	return ids, total
}

// MetricsParams filters the metrics report.
type MetricsParams struct {
	Language string `json:"language,omitempty"`
}

// MetricsResponse is the gateway's performance report.
type MetricsResponse struct {
	Overall   models.MetricSnapshot     `json:"overall"`
	Rolling   cachemetrics.RollingStats `json:"rolling"`
	PerSeries []models.MetricSnapshot   `json:"per_series"`
	Languages []string                  `json:"languages"`
}

// GetMetrics reports hit rates and latency per tier and language.
//
//encore:api public method=GET path=/v1/metrics
func (s *Service) GetMetrics(ctx context.Context, p *MetricsParams) (*MetricsResponse, error) {
	resp := &MetricsResponse{
		Overall:   s.recorder.Snapshot("", p.Language),
		Rolling:   s.recorder.Rolling(""),
		Languages: s.recorder.Languages(),
	}
	for _, snap := range s.recorder.Snapshots() {
		if p.Language != "" && snap.Language != p.Language {
			continue
		}
		resp.PerSeries = append(resp.PerSeries, snap)
	}
	return resp, nil
}

// CostResponse reports accumulated backend spend.
type CostResponse struct {
	TotalCost   float64 `json:"total_cost"` // dollars
	Generations uint64  `json:"generations"`
	Failures    uint64  `json:"failures"`
}

// GetTotalCost reports the actual spend across all backends. Cache hits add
// nothing.
//
//encore:api public method=GET path=/v1/cost
func (s *Service) GetTotalCost(ctx context.Context) (*CostResponse, error) {
	origin := s.recorder.Snapshot(cachemetrics.GenerationLayer, "")
	return &CostResponse{
		TotalCost:   float64(s.totalCostMicro.Load()) / 1e6,
		Generations: origin.Hits,
		Failures:    origin.Errors,
	}, nil
}

// ClearCacheRequest selects entries to drop. Empty fields widen the clear;
// all empty drops everything.
type ClearCacheRequest struct {
	Language    string `json:"language,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Tag         string `json:"tag,omitempty"`
	TriggeredBy string `json:"triggered_by,omitempty"`
}

// ClearCacheResponse reports the clear outcome.
type ClearCacheResponse struct {
	Removed int  `json:"removed"`
	Success bool `json:"success"`
}

// ClearCache drops matching entries from every tier, audits the clear, and
// notifies peer instances to drop their private L1s.
//
//encore:api public method=POST path=/v1/cache/clear
func (s *Service) ClearCache(ctx context.Context, req *ClearCacheRequest) (*ClearCacheResponse, error) {
	filter := cache.Filter{
		Language:    req.Language,
		ContentType: req.ContentType,
		Tag:         req.Tag,
	}
	removed, err := s.orch.Invalidate(ctx, filter)
	if err != nil {
		rlog.Error("cache clear incomplete", "error", err, "removed", removed)
	}

	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "admin"
	}
	requestID := uuid.NewString()
	if s.audit != nil {
		if err := s.audit.Insert(ctx, ClearRecord{
			Language:       req.Language,
			ContentType:    req.ContentType,
			Tag:            req.Tag,
			EntriesRemoved: removed,
			TriggeredBy:    triggeredBy,
			RequestID:      requestID,
		}); err != nil {
			rlog.Error("clear audit insert failed", "error", err)
		}
	}

	if _, err := CacheInvalidations.Publish(ctx, &CacheInvalidationEvent{
		Language:    req.Language,
		ContentType: req.ContentType,
		Tag:         req.Tag,
		Origin:      s.instanceID,
		TriggeredBy: triggeredBy,
		Timestamp:   time.Now(),
	}); err != nil {
		rlog.Error("invalidation publish failed", "error", err)
	}

	return &ClearCacheResponse{Removed: removed, Success: err == nil}, nil
}

// CacheStatsResponse reports total and per-tier occupancy, hit rate, and
// health.
type CacheStatsResponse struct {
	Size              int                `json:"size"` // entries across all tiers
	HitRate           float64            `json:"hit_rate"`
	PerLanguageCounts map[string]int     `json:"per_language_counts"`
	Tiers             []cache.LayerStats `json:"tiers"`
	ZoneSizes         map[string]int     `json:"zone_sizes"`
	StaleServed       uint64             `json:"stale_served"`
	WriteBehindDepth  int                `json:"write_behind_depth"`
	ParallelLookups   bool               `json:"parallel_lookups"`
	L2Degraded        bool               `json:"l2_degraded"`
}

// GetCacheStats reports the state of every tier.
//
//encore:api public method=GET path=/v1/cache/stats
func (s *Service) GetCacheStats(ctx context.Context) (*CacheStatsResponse, error) {
	tiers := s.orch.Stats()
	size := 0
	for _, t := range tiers {
		size += t.Entries
	}
	counts := make(map[string]int)
	for _, perTier := range []map[string]int{
		s.l1.LanguageCounts(), s.l2.LanguageCounts(), s.l3.LanguageCounts(),
	} {
		for lang, n := range perTier {
			counts[lang] += n
		}
	}
	return &CacheStatsResponse{
		Size:              size,
		HitRate:           s.lookupHitRate(),
		PerLanguageCounts: counts,
		Tiers:             tiers,
		ZoneSizes:         s.l3.ZoneSizes(),
		StaleServed:       s.l3.StaleServed(),
		WriteBehindDepth:  s.orch.QueueDepth(),
		ParallelLookups:   s.orch.ParallelLookups(),
		L2Degraded:        s.l2.Degraded(),
	}, nil
}

// lookupHitRate aggregates the rolling hit rate across the cache tiers,
// leaving origin generations out of the denominator.
func (s *Service) lookupHitRate() float64 {
	var hits, misses uint64
	for _, layer := range []string{"l1", "l2", "l3"} {
		r := s.recorder.Rolling(layer)
		hits += r.Hits
		misses += r.Misses
	}
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// UpdateConfig merges a partial update into the live configuration. The
// merged result must validate as a whole or nothing changes.
//
//encore:api public method=PATCH path=/v1/config
func (s *Service) UpdateConfig(ctx context.Context, p *PartialConfig) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := p.Merge(s.cfg)
	if err := merged.Validate(); err != nil {
		return nil, &Error{Code: CodeValidationFailed, Message: err.Error(), Err: err}
	}
	s.cfg = merged
	out := merged
	return &out, nil
}

// QueueStatusResponse reports requests in flight and background queues.
type QueueStatusResponse struct {
	Size             int              `json:"size"` // total in-flight requests
	InFlightIDs      []string         `json:"in_flight_ids"`
	WriteBehindDepth int              `json:"write_behind_depth"`
	Optimizer        optimizer.Status `json:"optimizer"`
	ThrottleAllowed  uint64           `json:"throttle_allowed"`
	ThrottleBlocked  uint64           `json:"throttle_blocked"`
}

// GetQueueStatus reports in-flight requests and background queues.
//
//encore:api public method=GET path=/v1/queue
func (s *Service) GetQueueStatus(ctx context.Context) (*QueueStatusResponse, error) {
	ids, total := s.inflightIDs()
	allowed, blocked := s.limiter.Counts()
	return &QueueStatusResponse{
		Size:             total,
		InFlightIDs:      ids,
		WriteBehindDepth: s.orch.QueueDepth(),
		Optimizer:        s.opt.Status(),
		ThrottleAllowed:  allowed,
		ThrottleBlocked:  blocked,
	}, nil
}

// HealthResponse is the liveness report.
type HealthResponse struct {
	Status        string  `json:"status"` // "healthy", "degraded", or "unhealthy"
	InstanceID    string  `json:"instance_id"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	L2Degraded    bool    `json:"l2_degraded"`
	ActiveAlerts  int     `json:"active_alerts"`
}

// HealthCheck reports instance health: degraded when a tier is impaired or
// any alert is firing, unhealthy when a critical alert is firing.
//
//encore:api public method=GET path=/v1/health
func (s *Service) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	active := s.alerts.Active()
	status := "healthy"
	if s.l2.Degraded() || len(active) > 0 {
		status = "degraded"
	}
	for _, alert := range active {
		if alert.Severity == cachemetrics.SeverityCritical {
			status = "unhealthy"
			break
		}
	}
	return &HealthResponse{
		Status:        status,
		InstanceID:    s.instanceID,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		L2Degraded:    s.l2.Degraded(),
		ActiveAlerts:  len(active),
	}, nil
}

// AlertsResponse lists firing and recently resolved alerts.
type AlertsResponse struct {
	Active   []cachemetrics.Alert `json:"active"`
	Resolved []cachemetrics.Alert `json:"resolved"`
}

// GetAlerts reports alert state. Evaluation runs on the metrics cron; this
// endpoint only reads.
//
//encore:api public method=GET path=/v1/alerts
func (s *Service) GetAlerts(ctx context.Context) (*AlertsResponse, error) {
	return &AlertsResponse{
		Active:   s.alerts.Active(),
		Resolved: s.alerts.Recent(),
	}, nil
}

// AuditLogParams pages through the clear audit.
type AuditLogParams struct {
	Limit    int    `json:"limit,omitempty"`
	Language string `json:"language,omitempty"`
}

// AuditLogResponse lists audited cache clears plus a 24h clear count, a
// quick signal for runaway invalidation.
type AuditLogResponse struct {
	Records       []ClearRecord `json:"records"`
	ClearsLastDay int           `json:"clears_last_day"`
}

// GetAuditLog returns recent audited cache clears.
//
//encore:api public method=GET path=/v1/audit
func (s *Service) GetAuditLog(ctx context.Context, p *AuditLogParams) (*AuditLogResponse, error) {
	if s.audit == nil {
		return &AuditLogResponse{Records: []ClearRecord{}}, nil
	}
	records, err := s.audit.Recent(ctx, p.Limit, p.Language)
	if err != nil {
		return nil, err
	}
	lastDay, err := s.audit.CountSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	return &AuditLogResponse{Records: records, ClearsLastDay: lastDay}, nil
}

// publishGenerated announces a fresh generation on the analytics topic.
// Detached from the request so publishing latency never shows up in
// response times.
func (s *Service) publishGenerated(key string, resp *models.ContentResponse) {
	ev := &ContentGeneratedEvent{
		RequestID: resp.RequestID,
		CacheKey:  key,
		Language:  resp.Language,
		BackendID: resp.BackendID,
		Tokens:    resp.Tokens.Total,
		Cost:      resp.Cost,
		Timestamp: time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := ContentGenerated.Publish(ctx, ev); err != nil {
			rlog.Error("content-generated publish failed", "error", err, "request_id", ev.RequestID)
		}
	}()
}

// refreshStale regenerates an expired L3 entry in the background. The stale
// copy keeps serving until the fresh one lands.
func (s *Service) refreshStale(ctx context.Context, stale *models.CacheEntry) {
	cfg := s.config()
	req := stale.Request.Clone()

	class := s.classifier.Classify(req)
	decision, err := s.router.Select(req, class, cfg.BackendAllowList, cfg.CostCriticalThreshold)
	if err != nil {
		return
	}

	start := time.Now()
	resp, err := s.invoker.Invoke(ctx, decision, req)
	s.recorder.Generation(req.OutputLanguage, time.Since(start), err != nil)
	if err != nil {
		rlog.Warn("stale refresh failed", "key", stale.Key, "backend", decision.BackendID, "error", err)
		return
	}

	resp.RequestID = req.ID
	resp.Language = req.OutputLanguage
	resp.BackendID = decision.BackendID
	if resp.Cost == 0 && resp.Tokens.Total > 0 && class.EstimatedTokens > 0 {
		resp.Cost = float64(resp.Tokens.Total) * decision.EstimatedCost / float64(class.EstimatedTokens)
	}
	if resp.Cost > 0 {
		s.totalCostMicro.Add(int64(resp.Cost * 1e6))
	}

	placement := optimizer.PlacementFor(s.table.PriorityOf(req))
	ttl := placement.TTL
	if ttl <= 0 {
		ttl = cfg.CacheTTL
	}
	entry := models.NewCacheEntry(stale.Key, req, resp, ttl, stale.Tags)
	_ = s.orch.StoreFrom(ctx, entry, placement.FromTier)
}

// warmGenerator adapts the service's generation path to the warmer.
type warmGenerator struct {
	svc *Service
}

// representativeRequest synthesizes the request a pattern stands for. The
// topic is deterministic per shape so repeated warming reuses one key.
func (g *warmGenerator) representativeRequest(p models.CachePattern) *models.ContentRequest {
	return &models.ContentRequest{
		ID:             "warm-" + p.Shape,
		ContentType:    p.ContentType,
		Topic:          "evergreen " + strings.ReplaceAll(p.ContentType, "-", " "),
		Tone:           p.Tone,
		Audience:       p.Audience,
		OutputLanguage: p.Language,
		WordCount:      500,
	}
}

func (g *warmGenerator) Key(p models.CachePattern) string {
	key, _ := cachekey.Derive(g.representativeRequest(p))
	return key
}

func (g *warmGenerator) Warm(ctx context.Context, p models.CachePattern, ttl time.Duration) (*models.CacheEntry, error) {
	cfg := g.svc.config()
	req := g.representativeRequest(p)
	key, tags := cachekey.Derive(req)

	class := g.svc.classifier.Classify(req)
	decision, err := g.svc.router.Select(req, class, cfg.BackendAllowList, cfg.CostCriticalThreshold)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := g.svc.invoker.Invoke(ctx, decision, req)
	g.svc.recorder.Generation(req.OutputLanguage, time.Since(start), err != nil)
	if err != nil {
		return nil, err
	}

	resp.RequestID = req.ID
	resp.Language = req.OutputLanguage
	resp.BackendID = decision.BackendID
	if resp.Cost == 0 && resp.Tokens.Total > 0 && class.EstimatedTokens > 0 {
		resp.Cost = float64(resp.Tokens.Total) * decision.EstimatedCost / float64(class.EstimatedTokens)
	}
	if resp.Cost > 0 {
		g.svc.totalCostMicro.Add(int64(resp.Cost * 1e6))
	}
	return models.NewCacheEntry(key, req, resp, ttl, tags), nil
}
