package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"encore.app/pkg/models"
)

func newTestService(t *testing.T, cfg Config, inv BackendInvoker) *Service {
	t.Helper()
	s, err := newService(cfg, inv, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func process(t *testing.T, s *Service, req *models.ContentRequest) (*models.ContentResponse, error) {
	t.Helper()
	return s.ProcessContent(context.Background(), &ProcessContentRequest{Request: req})
}

// A simple English article generates once, then repeats serve from cache at
// a fraction of the latency and no extra cost.
func TestServiceSimpleRequestMissThenHit(t *testing.T) {
	inv := &mockInvoker{}
	s := newTestService(t, DefaultConfig(), inv)

	first, err := process(t, s, simpleRequest())
	if err != nil {
		t.Fatal(err)
	}
	if first.CacheHit {
		t.Error("first request reported a cache hit")
	}
	if first.BackendID != "swift-gen-small" {
		t.Errorf("backend = %s, want swift-gen-small", first.BackendID)
	}
	if first.Tokens.Total != 450 {
		t.Errorf("tokens = %d, want 450", first.Tokens.Total)
	}

	second, err := process(t, s, simpleRequest())
	if err != nil {
		t.Fatal(err)
	}
	// A first-seen shape ranks low, so the entry lands in the warm tier.
	if !second.CacheHit || second.CacheLayer != "l3" {
		t.Errorf("repeat request: hit=%v layer=%s, want l3 hit", second.CacheHit, second.CacheLayer)
	}
	if inv.callCount() != 1 {
		t.Errorf("backend invoked %d times, want 1", inv.callCount())
	}

	cost, err := s.GetTotalCost(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := 450 * 0.00001
	if diff := cost.TotalCost - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("total cost = %f, want %f (the cache hit must add nothing)", cost.TotalCost, want)
	}
	if cost.Generations != 1 {
		t.Errorf("generations = %d, want 1", cost.Generations)
	}
}

// A huge request whose cheapest capable backend still exceeds the critical
// cost threshold is rejected before any backend is called.
func TestServiceCostGateRejectsWithoutSpend(t *testing.T) {
	inv := &mockInvoker{}
	s := newTestService(t, DefaultConfig(), inv)

	req := simpleRequest()
	req.WordCount = 50000

	_, err := process(t, s, req)
	if CodeOf(err) != CodeCostThresholdExceeded {
		t.Fatalf("code = %s, want cost_threshold_exceeded", CodeOf(err))
	}
	if inv.callCount() != 0 {
		t.Errorf("backend invoked %d times, want 0", inv.callCount())
	}

	cost, _ := s.GetTotalCost(context.Background())
	if cost.TotalCost != 0 {
		t.Errorf("total cost = %f, want 0", cost.TotalCost)
	}
}

// Norwegian output routes past the small backend; when the primary large
// model fails, the translation specialist serves the request and exactly one
// fallback event fires.
func TestServiceNorwegianFallback(t *testing.T) {
	inv := &mockInvoker{fail: map[string]error{"atlas-large": errors.New("capacity exhausted")}}
	s := newTestService(t, DefaultConfig(), inv)

	log := &eventLog{}
	s.events.Subscribe(log.record)

	req := simpleRequest()
	req.OutputLanguage = "no"

	resp, err := process(t, s, req)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.FallbackUsed {
		t.Error("fallback not flagged on the response")
	}
	if resp.BackendID != "polyglot-medium" {
		t.Errorf("backend = %s, want polyglot-medium", resp.BackendID)
	}
	if resp.Language != "no" {
		t.Errorf("language = %s, want no", resp.Language)
	}
	if got := log.ofType(EventFallback); len(got) != 1 {
		t.Errorf("fallback events = %d, want exactly 1", len(got))
	}
	if got := inv.backends(); len(got) != 2 || got[0] != "atlas-large" || got[1] != "polyglot-medium" {
		t.Errorf("invocation order = %v", got)
	}
}

func TestServiceRateLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitPerSec = 0.001 // effectively no refill during the test
	cfg.RateLimitBurst = 1
	s := newTestService(t, cfg, &mockInvoker{})

	if _, err := process(t, s, simpleRequest()); err != nil {
		t.Fatal(err)
	}
	_, err := process(t, s, simpleRequest())
	if CodeOf(err) != CodeRateLimited {
		t.Errorf("code = %s, want rate_limited", CodeOf(err))
	}
}

func TestServiceUpdateConfig(t *testing.T) {
	inv := &mockInvoker{}
	s := newTestService(t, DefaultConfig(), inv)
	ctx := context.Background()

	disabled := false
	if _, err := s.UpdateConfig(ctx, &PartialConfig{CacheEnabled: &disabled}); err != nil {
		t.Fatal(err)
	}

	process(t, s, simpleRequest())
	process(t, s, simpleRequest())
	if inv.callCount() != 2 {
		t.Errorf("invocations = %d, want 2 after disabling the cache", inv.callCount())
	}
}

func TestServiceUpdateConfigRejectsInvalidMerge(t *testing.T) {
	s := newTestService(t, DefaultConfig(), &mockInvoker{})

	bad := -1
	_, err := s.UpdateConfig(context.Background(), &PartialConfig{MaxRetries: &bad})
	if CodeOf(err) != CodeValidationFailed {
		t.Errorf("code = %s, want validation_failed", CodeOf(err))
	}
	if s.config().MaxRetries != DefaultConfig().MaxRetries {
		t.Error("rejected update still changed the config")
	}
}

func TestServiceCacheStatsReflectTraffic(t *testing.T) {
	s := newTestService(t, DefaultConfig(), &mockInvoker{})
	ctx := context.Background()

	process(t, s, simpleRequest())

	stats, err := s.GetCacheStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats.Tiers) != 3 {
		t.Fatalf("got %d tiers, want 3", len(stats.Tiers))
	}
	// The cold shape is low priority; its entry belongs to the warm tier.
	if stats.Tiers[2].Layer != "l3" || stats.Tiers[2].Entries != 1 {
		t.Errorf("l3 stats = %+v, want 1 entry", stats.Tiers[2])
	}
	if stats.Size != 1 {
		t.Errorf("size = %d, want 1", stats.Size)
	}
	if stats.PerLanguageCounts["en"] != 1 {
		t.Errorf("per-language counts = %v, want en:1", stats.PerLanguageCounts)
	}
	if stats.L2Degraded {
		t.Error("l2 reported degraded with a live store")
	}

	process(t, s, simpleRequest()) // hit
	stats, err = s.GetCacheStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.HitRate <= 0 {
		t.Errorf("hit rate = %f after a cache hit, want > 0", stats.HitRate)
	}
}

func TestServiceMetricsPerLanguage(t *testing.T) {
	s := newTestService(t, DefaultConfig(), &mockInvoker{})
	ctx := context.Background()

	process(t, s, simpleRequest()) // miss, en
	process(t, s, simpleRequest()) // hit, en

	metrics, err := s.GetMetrics(ctx, &MetricsParams{Language: "en"})
	if err != nil {
		t.Fatal(err)
	}
	if metrics.Overall.Hits == 0 {
		t.Error("no hits recorded for en")
	}
	if len(metrics.Languages) != 1 || metrics.Languages[0] != "en" {
		t.Errorf("languages = %v, want [en]", metrics.Languages)
	}

	other, err := s.GetMetrics(ctx, &MetricsParams{Language: "fr"})
	if err != nil {
		t.Fatal(err)
	}
	if other.Overall.TotalRequests() != 0 {
		t.Error("fr metrics counted en traffic")
	}
}

func TestServiceHealthCheck(t *testing.T) {
	s := newTestService(t, DefaultConfig(), &mockInvoker{})

	health, err := s.HealthCheck(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if health.Status != "healthy" {
		t.Errorf("status = %s, want healthy", health.Status)
	}
	if health.InstanceID == "" {
		t.Error("instance ID missing")
	}
}

// A warning-grade alert marks the instance degraded, not unhealthy.
func TestServiceHealthDegradedOnWarningAlert(t *testing.T) {
	s := newTestService(t, DefaultConfig(), &mockInvoker{})

	// Hit rate under target but above half of it grades as a warning.
	for i := 0; i < 65; i++ {
		s.recorder.Lookup("l1", "en", true, time.Millisecond)
	}
	for i := 0; i < 35; i++ {
		s.recorder.Lookup("l1", "en", false, time.Millisecond)
	}
	s.alerts.Evaluate()

	health, err := s.HealthCheck(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if health.Status != "degraded" {
		t.Errorf("status = %s, want degraded", health.Status)
	}
	if health.ActiveAlerts == 0 {
		t.Error("no active alerts reported")
	}
}

// A critical alert (sustained backend failures) marks the instance
// unhealthy.
func TestServiceHealthUnhealthyOnCriticalAlert(t *testing.T) {
	s := newTestService(t, DefaultConfig(), &mockInvoker{})

	for i := 0; i < 20; i++ {
		s.recorder.Generation("en", time.Millisecond, true)
	}
	s.alerts.Evaluate()

	health, err := s.HealthCheck(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if health.Status != "unhealthy" {
		t.Errorf("status = %s, want unhealthy", health.Status)
	}
}

// memoryAudit is an in-memory AuditStore for tests.
type memoryAudit struct {
	mu      sync.Mutex
	records []ClearRecord
}

func (a *memoryAudit) Insert(_ context.Context, rec ClearRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec.ID = int64(len(a.records) + 1)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	a.records = append(a.records, rec)
	return nil
}

func (a *memoryAudit) Recent(_ context.Context, limit int, language string) ([]ClearRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]ClearRecord, 0, limit)
	for i := len(a.records) - 1; i >= 0 && len(out) < limit; i-- {
		if language == "" || a.records[i].Language == language {
			out = append(out, a.records[i])
		}
	}
	return out, nil
}

func (a *memoryAudit) CountSince(_ context.Context, since time.Time) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, rec := range a.records {
		if !rec.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (a *memoryAudit) Cleanup(_ context.Context, retention time.Duration) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := time.Now().Add(-retention)
	kept := a.records[:0]
	var pruned int64
	for _, rec := range a.records {
		if rec.Timestamp.After(cutoff) {
			kept = append(kept, rec)
		} else {
			pruned++
		}
	}
	a.records = kept
	return pruned, nil
}

func TestServiceAuditLogCountsRecentClears(t *testing.T) {
	inv := &mockInvoker{}
	audit := &memoryAudit{}
	s, err := newService(DefaultConfig(), inv, audit)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	ctx := context.Background()

	if _, err := s.ClearCache(ctx, &ClearCacheRequest{Language: "en"}); err != nil {
		t.Fatal(err)
	}

	log, err := s.GetAuditLog(ctx, &AuditLogParams{})
	if err != nil {
		t.Fatal(err)
	}
	if len(log.Records) != 1 || log.Records[0].Language != "en" {
		t.Fatalf("records = %+v, want one en clear", log.Records)
	}
	if log.Records[0].TriggeredBy != "admin" {
		t.Errorf("triggered by = %s, want admin", log.Records[0].TriggeredBy)
	}
	if log.ClearsLastDay != 1 {
		t.Errorf("clears last day = %d, want 1", log.ClearsLastDay)
	}
}

func TestServiceAuditLogWithoutStore(t *testing.T) {
	s := newTestService(t, DefaultConfig(), &mockInvoker{})

	log, err := s.GetAuditLog(context.Background(), &AuditLogParams{})
	if err != nil {
		t.Fatal(err)
	}
	if len(log.Records) != 0 || log.ClearsLastDay != 0 {
		t.Errorf("audit log = %+v, want empty without a store", log)
	}
}

func TestServiceQueueStatus(t *testing.T) {
	s := newTestService(t, DefaultConfig(), &mockInvoker{})

	process(t, s, simpleRequest())

	status, err := s.GetQueueStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status.Size != 0 {
		t.Errorf("inflight size = %d after requests finished, want 0", status.Size)
	}
	if len(status.InFlightIDs) != 0 {
		t.Errorf("in-flight IDs = %v after requests finished, want none", status.InFlightIDs)
	}
	if status.ThrottleAllowed == 0 {
		t.Error("throttle counters did not move")
	}
	if status.Optimizer.PatternCount != 1 {
		t.Errorf("pattern count = %d, want 1", status.Optimizer.PatternCount)
	}
}
