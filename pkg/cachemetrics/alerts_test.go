package cachemetrics

import (
	"testing"
	"time"
)

func TestHitRateRuleFiresBelowTarget(t *testing.T) {
	rule := NewHitRateRule(0.70)

	if a := rule.Evaluate(RollingStats{Hits: 10, Misses: 5, HitRate: 0.66}); a != nil {
		t.Error("rule fired below the minimum traffic floor")
	}

	alert := rule.Evaluate(RollingStats{Hits: 60, Misses: 40, HitRate: 0.60})
	if alert == nil {
		t.Fatal("rule did not fire at 60% against a 70% target")
	}
	if alert.Severity != SeverityWarning {
		t.Errorf("severity = %s, want warning", alert.Severity)
	}

	alert = rule.Evaluate(RollingStats{Hits: 20, Misses: 80, HitRate: 0.20})
	if alert == nil || alert.Severity != SeverityCritical {
		t.Error("deep miss rate did not escalate to critical")
	}

	if a := rule.Evaluate(RollingStats{Hits: 80, Misses: 20, HitRate: 0.80}); a != nil {
		t.Error("rule fired above target")
	}
}

func TestErrorRateRule(t *testing.T) {
	rule := NewErrorRateRule(0.05)

	if a := rule.Evaluate(RollingStats{Hits: 85, Misses: 5, Errors: 10}); a == nil {
		t.Error("10% error rate did not fire a 5% limit")
	}
	if a := rule.Evaluate(RollingStats{Hits: 98, Misses: 1, Errors: 1}); a != nil {
		t.Error("rule fired at 1% errors")
	}
}

func TestLatencyDriftRule(t *testing.T) {
	rule := NewLatencyDriftRule(50)

	// Build a ~10ms baseline.
	for i := 0; i < 15; i++ {
		if a := rule.Evaluate(RollingStats{AvgLatencyMs: 10}); a != nil {
			t.Fatalf("rule fired while establishing baseline: %v", a.Message)
		}
	}

	alert := rule.Evaluate(RollingStats{AvgLatencyMs: 20})
	if alert == nil {
		t.Fatal("2x baseline latency did not fire a 50% drift rule")
	}
	if alert.Metric != "avg_latency_ms" {
		t.Errorf("metric = %q", alert.Metric)
	}

	rule2 := NewLatencyDriftRule(50)
	for i := 0; i < 15; i++ {
		rule2.Evaluate(RollingStats{AvgLatencyMs: 10})
	}
	if a := rule2.Evaluate(RollingStats{AvgLatencyMs: 12}); a != nil {
		t.Error("20% drift fired a 50% drift rule")
	}
}

func TestAlertEngineLifecycle(t *testing.T) {
	r := NewRecorder(time.Hour)
	engine := NewAlertEngine(r, 0.70, 50, 0.05)

	// Drive the hit rate below target with enough traffic.
	for i := 0; i < 30; i++ {
		r.Lookup("l1", "en", true, time.Millisecond)
	}
	for i := 0; i < 70; i++ {
		r.Lookup("l1", "en", false, time.Millisecond)
	}

	engine.Evaluate()
	active := engine.Active()
	if len(active) != 1 || active[0].Rule != "hit_rate_below_target" {
		t.Fatalf("active alerts = %+v, want one hit-rate alert", active)
	}

	// Recover the hit rate; the alert must resolve.
	for i := 0; i < 400; i++ {
		r.Lookup("l1", "en", true, time.Millisecond)
	}

	engine.Evaluate()
	if len(engine.Active()) != 0 {
		t.Error("alert still active after recovery")
	}
	recent := engine.Recent()
	if len(recent) != 1 || !recent[0].Resolved {
		t.Errorf("recent = %+v, want one resolved alert", recent)
	}
}

func TestAlertEngineUpdatesFiringAlert(t *testing.T) {
	r := NewRecorder(time.Hour)
	engine := NewAlertEngine(r, 0.70, 50, 0.05)

	for i := 0; i < 40; i++ {
		r.Lookup("l1", "en", true, time.Millisecond)
	}
	for i := 0; i < 60; i++ {
		r.Lookup("l1", "en", false, time.Millisecond)
	}

	engine.Evaluate()
	first := engine.Active()[0]

	// More misses worsen the value; the alert updates in place.
	for i := 0; i < 100; i++ {
		r.Lookup("l1", "en", false, time.Millisecond)
	}
	engine.Evaluate()

	active := engine.Active()
	if len(active) != 1 {
		t.Fatalf("expected one active alert, got %d", len(active))
	}
	if active[0].CurrentValue >= first.CurrentValue {
		t.Error("firing alert value not updated")
	}
	if !active[0].TriggeredAt.Equal(first.TriggeredAt) {
		t.Error("re-trigger reset the original trigger time")
	}
}
