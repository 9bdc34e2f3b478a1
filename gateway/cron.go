package gateway

import (
	"context"
	"time"

	"encore.dev/cron"
	"encore.dev/rlog"
)

// auditRetention is how long clear audit rows are kept.
const auditRetention = 30 * 24 * time.Hour

// WarmingCycle runs every two minutes (the escalation floor); the handler
// skips cycles until the optimizer's current interval has elapsed.
var _ = cron.NewJob("warming-cycle", cron.JobConfig{
	Title:    "Cache warming cycle",
	Every:    2 * cron.Minute,
	Endpoint: RunWarmingCycle,
})

//encore:api private
func RunWarmingCycle(ctx context.Context) error {
	s := running
	if s == nil {
		return nil
	}

	s.warmMu.Lock()
	due := time.Since(s.lastWarm) >= s.opt.Interval()
	if due {
		s.lastWarm = time.Now()
	}
	s.warmMu.Unlock()
	if !due {
		return nil
	}

	queued := s.opt.WarmCycle(ctx)
	if queued > 0 {
		rlog.Info("warming cycle queued patterns", "queued", queued)
	}
	return nil
}

// MetricsSweep expires dead cache entries and evaluates alert rules.
var _ = cron.NewJob("metrics-sweep", cron.JobConfig{
	Title:    "Cache sweep and alert evaluation",
	Every:    5 * cron.Minute,
	Endpoint: RunMetricsSweep,
})

//encore:api private
func RunMetricsSweep(ctx context.Context) error {
	s := running
	if s == nil {
		return nil
	}

	swept := s.orch.Sweep(ctx)
	if swept > 0 {
		rlog.Info("swept expired cache entries", "swept", swept)
	}
	s.alerts.Evaluate()
	return nil
}

// Reoptimization adjusts warming aggressiveness against the rolling hit rate.
var _ = cron.NewJob("reoptimize", cron.JobConfig{
	Title:    "Hit rate reoptimization",
	Every:    10 * cron.Minute,
	Endpoint: RunReoptimization,
})

//encore:api private
func RunReoptimization(ctx context.Context) error {
	s := running
	if s == nil {
		return nil
	}
	s.opt.Reoptimize()
	return nil
}

// Housekeeping prunes old audit rows and idle throttle buckets nightly.
var _ = cron.NewJob("housekeeping", cron.JobConfig{
	Title:    "Audit and throttle housekeeping",
	Schedule: "0 3 * * *",
	Endpoint: RunHousekeeping,
})

//encore:api private
func RunHousekeeping(ctx context.Context) error {
	s := running
	if s == nil {
		return nil
	}

	if s.audit != nil {
		pruned, err := s.audit.Cleanup(ctx, auditRetention)
		if err != nil {
			rlog.Error("audit cleanup failed", "error", err)
		} else if pruned > 0 {
			rlog.Info("pruned audit rows", "pruned", pruned)
		}
	}
	s.limiter.EvictStale(time.Hour)
	return nil
}
