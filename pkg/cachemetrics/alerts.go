package cachemetrics

import (
	"fmt"
	"sync"
	"time"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one triggered rule, active until its condition clears.
type Alert struct {
	ID           string     `json:"id"`
	Rule         string     `json:"rule"`
	Severity     Severity   `json:"severity"`
	Metric       string     `json:"metric"`
	CurrentValue float64    `json:"current_value"`
	Threshold    float64    `json:"threshold"`
	Message      string     `json:"message"`
	TriggeredAt  time.Time  `json:"triggered_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	Resolved     bool       `json:"resolved"`
}

// Rule is one alert condition, evaluated against rolling stats. Returning
// nil means the condition is clear.
type Rule interface {
	ID() string
	Evaluate(stats RollingStats) *Alert
}

// AlertEngine evaluates rules on demand (the cron-driven metrics sweep
// calls Evaluate) and tracks active and recently resolved alerts.
type AlertEngine struct {
	recorder *Recorder
	rules    []Rule

	mu        sync.RWMutex
	active    map[string]*Alert
	resolved  []Alert
	retention time.Duration
}

// NewAlertEngine builds an engine with the gateway's default rules: hit
// rate below target, latency drifting above its own baseline, and error
// rate above threshold.
func NewAlertEngine(recorder *Recorder, hitRateTarget, latencyDriftPct, errorRateLimit float64) *AlertEngine {
	return &AlertEngine{
		recorder: recorder,
		rules: []Rule{
			NewHitRateRule(hitRateTarget),
			NewLatencyDriftRule(latencyDriftPct),
			NewErrorRateRule(errorRateLimit),
		},
		active:    make(map[string]*Alert),
		retention: time.Hour,
	}
}

// AddRule registers an extra rule. Not safe to call after evaluation starts.
func (e *AlertEngine) AddRule(rule Rule) { e.rules = append(e.rules, rule) }

// Evaluate runs every rule against the current rolling stats, triggering
// new alerts and resolving cleared ones.
func (e *AlertEngine) Evaluate() {
	stats := e.recorder.Rolling("")
	for _, rule := range e.rules {
		if alert := rule.Evaluate(stats); alert != nil {
			e.trigger(alert)
		} else {
			e.resolve(rule.ID())
		}
	}
	e.prune()
}

// Active returns all currently firing alerts.
func (e *AlertEngine) Active() []Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, *a)
	}
	return out
}

// Recent returns resolved alerts still inside the retention window, newest
// first.
func (e *AlertEngine) Recent() []Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Alert, 0, len(e.resolved))
	for i := len(e.resolved) - 1; i >= 0; i-- {
		out = append(out, e.resolved[i])
	}
	return out
}

func (e *AlertEngine) trigger(alert *Alert) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, firing := e.active[alert.ID]; firing {
		existing.CurrentValue = alert.CurrentValue
		existing.Severity = alert.Severity
		existing.Message = alert.Message
		return
	}
	alert.TriggeredAt = time.Now()
	e.active[alert.ID] = alert
}

func (e *AlertEngine) resolve(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert, firing := e.active[id]
	if !firing {
		return
	}
	now := time.Now()
	alert.ResolvedAt = &now
	alert.Resolved = true
	e.resolved = append(e.resolved, *alert)
	delete(e.active, id)
}

// prune drops resolved alerts older than the retention window.
func (e *AlertEngine) prune() {
	cutoff := time.Now().Add(-e.retention)

	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.resolved[:0]
	for _, a := range e.resolved {
		if a.ResolvedAt != nil && a.ResolvedAt.After(cutoff) {
			kept = append(kept, a)
		}
	}
	e.resolved = kept
}

// HitRateRule fires when the rolling hit rate drops below target. Quiet
// until the window holds enough traffic to be meaningful.
type HitRateRule struct {
	target float64
}

func NewHitRateRule(target float64) *HitRateRule {
	if target <= 0 || target > 1 {
		target = 0.70
	}
	return &HitRateRule{target: target}
}

func (r *HitRateRule) ID() string { return "hit_rate_below_target" }

func (r *HitRateRule) Evaluate(stats RollingStats) *Alert {
	total := stats.Hits + stats.Misses
	if total < 100 || stats.HitRate >= r.target {
		return nil
	}
	severity := SeverityWarning
	if stats.HitRate < r.target/2 {
		severity = SeverityCritical
	}
	return &Alert{
		ID:           r.ID(),
		Rule:         r.ID(),
		Severity:     severity,
		Metric:       "hit_rate",
		CurrentValue: stats.HitRate,
		Threshold:    r.target,
		Message:      fmt.Sprintf("cache hit rate %.1f%% below target %.1f%%", stats.HitRate*100, r.target*100),
	}
}

// LatencyDriftRule fires when average latency runs the given percentage
// above its own historical mean. The baseline self-updates each evaluation,
// so sustained regressions eventually become the new normal and re-arm the
// rule at the higher level.
type LatencyDriftRule struct {
	driftPct float64
	baseline *runningStats
}

func NewLatencyDriftRule(driftPct float64) *LatencyDriftRule {
	if driftPct <= 0 {
		driftPct = 50
	}
	return &LatencyDriftRule{
		driftPct: driftPct,
		baseline: newRunningStats(120),
	}
}

func (r *LatencyDriftRule) ID() string { return "latency_above_baseline" }

func (r *LatencyDriftRule) Evaluate(stats RollingStats) *Alert {
	current := stats.AvgLatencyMs
	defer r.baseline.add(current)

	if r.baseline.count() < 10 || current == 0 {
		return nil
	}
	mean := r.baseline.mean()
	if mean == 0 {
		return nil
	}
	limit := mean * (1 + r.driftPct/100)
	if current <= limit {
		return nil
	}
	severity := SeverityWarning
	if current > mean*(1+r.driftPct/50) {
		severity = SeverityCritical
	}
	return &Alert{
		ID:           r.ID(),
		Rule:         r.ID(),
		Severity:     severity,
		Metric:       "avg_latency_ms",
		CurrentValue: current,
		Threshold:    limit,
		Message:      fmt.Sprintf("average latency %.1fms is %.0f%% above baseline %.1fms", current, (current/mean-1)*100, mean),
	}
}

// ErrorRateRule fires when the rolling error rate crosses the limit.
type ErrorRateRule struct {
	limit float64
}

func NewErrorRateRule(limit float64) *ErrorRateRule {
	if limit <= 0 || limit > 1 {
		limit = 0.05
	}
	return &ErrorRateRule{limit: limit}
}

func (r *ErrorRateRule) ID() string { return "error_rate_above_limit" }

func (r *ErrorRateRule) Evaluate(stats RollingStats) *Alert {
	total := stats.Hits + stats.Misses + stats.Errors
	if total < 20 {
		return nil
	}
	rate := float64(stats.Errors) / float64(total)
	if rate <= r.limit {
		return nil
	}
	return &Alert{
		ID:           r.ID(),
		Rule:         r.ID(),
		Severity:     SeverityCritical,
		Metric:       "error_rate",
		CurrentValue: rate,
		Threshold:    r.limit,
		Message:      fmt.Sprintf("error rate %.2f%% above limit %.2f%%", rate*100, r.limit*100),
	}
}

// runningStats keeps a bounded history for baseline comparisons.
type runningStats struct {
	mu     sync.Mutex
	values []float64
	next   int
	full   bool
}

func newRunningStats(capacity int) *runningStats {
	return &runningStats{values: make([]float64, 0, capacity)}
}

func (s *runningStats) add(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		s.values[s.next] = v
		s.next = (s.next + 1) % cap(s.values)
		return
	}
	s.values = append(s.values, v)
	if len(s.values) == cap(s.values) {
		s.full = true
	}
}

func (s *runningStats) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

func (s *runningStats) mean() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range s.values {
		sum += v
	}
	return sum / float64(len(s.values))
}
