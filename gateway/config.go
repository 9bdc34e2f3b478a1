package gateway

import (
	"fmt"
	"time"

	"encore.app/pkg/models"
)

// Config is the gateway's runtime configuration. A copy is held behind the
// service mutex; UpdateConfig merges a PartialConfig into it atomically.
type Config struct {
	// Language handling.
	DefaultLanguage           string `json:"default_language"`
	AutoDetectLanguage        bool   `json:"auto_detect_language"`
	FallbackToDefaultLanguage bool   `json:"fallback_to_default_language"`

	// Caching.
	CacheEnabled bool          `json:"cache_enabled"`
	CacheTTL     time.Duration `json:"cache_ttl"`
	L1MaxEntries int           `json:"l1_max_entries"`

	// Generation.
	MaxRetries     int           `json:"max_retries"` // fallback attempts after the primary
	RequestTimeout time.Duration `json:"request_timeout"`

	// Cost gates, in dollars per request. Warning is observational; critical
	// rejects before any backend spend.
	CostWarningThreshold  float64 `json:"cost_warning_threshold"`
	CostCriticalThreshold float64 `json:"cost_critical_threshold"`

	// Optimization.
	HitRateTarget float64 `json:"hit_rate_target"`

	// Intake throttling.
	RateLimitPerSec float64 `json:"rate_limit_per_sec"`
	RateLimitBurst  int64   `json:"rate_limit_burst"`

	// BackendAllowList restricts which backends may serve a language. An
	// absent language means no restriction.
	BackendAllowList map[string][]string `json:"backend_allow_list,omitempty"`

	// CulturalDefaults fills in market hints for requests that omit them.
	CulturalDefaults map[string]*models.CulturalContext `json:"cultural_defaults,omitempty"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultLanguage:           "en",
		AutoDetectLanguage:        true,
		FallbackToDefaultLanguage: false,
		CacheEnabled:              true,
		CacheTTL:                  time.Hour,
		L1MaxEntries:              10000,
		MaxRetries:                1,
		RequestTimeout:            30 * time.Second,
		CostWarningThreshold:      0.5,
		CostCriticalThreshold:     1.0,
		HitRateTarget:             0.70,
		RateLimitPerSec:           100,
		RateLimitBurst:            200,
		CulturalDefaults: map[string]*models.CulturalContext{
			"de": {Market: "de-DE", Formality: "formal"},
			"ja": {Market: "ja-JP", Formality: "formal"},
			"pt": {Market: "pt-BR", Formality: "informal"},
		},
	}
}

// Validate rejects configurations that would wedge the pipeline.
func (c *Config) Validate() error {
	if c.DefaultLanguage == "" || !models.SupportedLanguages[c.DefaultLanguage] {
		return fmt.Errorf("default language %q is not supported", c.DefaultLanguage)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive, got %v", c.CacheTTL)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative, got %d", c.MaxRetries)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", c.RequestTimeout)
	}
	if c.CostCriticalThreshold < c.CostWarningThreshold {
		return fmt.Errorf("critical cost threshold %.4f below warning threshold %.4f",
			c.CostCriticalThreshold, c.CostWarningThreshold)
	}
	if c.HitRateTarget <= 0 || c.HitRateTarget > 1 {
		return fmt.Errorf("hit rate target must be in (0,1], got %.2f", c.HitRateTarget)
	}
	return nil
}

// PartialConfig carries an update; nil fields keep their current value.
type PartialConfig struct {
	DefaultLanguage           *string        `json:"default_language,omitempty"`
	AutoDetectLanguage        *bool          `json:"auto_detect_language,omitempty"`
	FallbackToDefaultLanguage *bool          `json:"fallback_to_default_language,omitempty"`
	CacheEnabled              *bool          `json:"cache_enabled,omitempty"`
	CacheTTL                  *time.Duration `json:"cache_ttl,omitempty"`
	MaxRetries                *int           `json:"max_retries,omitempty"`
	RequestTimeout            *time.Duration `json:"request_timeout,omitempty"`
	CostWarningThreshold      *float64       `json:"cost_warning_threshold,omitempty"`
	CostCriticalThreshold     *float64       `json:"cost_critical_threshold,omitempty"`
	HitRateTarget             *float64       `json:"hit_rate_target,omitempty"`

	BackendAllowList map[string][]string                `json:"backend_allow_list,omitempty"`
	CulturalDefaults map[string]*models.CulturalContext `json:"cultural_defaults,omitempty"`
}

// Merge applies the partial update to a copy of base and returns it. The
// result must still pass Validate before being installed.
func (p *PartialConfig) Merge(base Config) Config {
	out := base
	if p.DefaultLanguage != nil {
		out.DefaultLanguage = *p.DefaultLanguage
	}
	if p.AutoDetectLanguage != nil {
		out.AutoDetectLanguage = *p.AutoDetectLanguage
	}
	if p.FallbackToDefaultLanguage != nil {
		out.FallbackToDefaultLanguage = *p.FallbackToDefaultLanguage
	}
	if p.CacheEnabled != nil {
		out.CacheEnabled = *p.CacheEnabled
	}
	if p.CacheTTL != nil {
		out.CacheTTL = *p.CacheTTL
	}
	if p.MaxRetries != nil {
		out.MaxRetries = *p.MaxRetries
	}
	if p.RequestTimeout != nil {
		out.RequestTimeout = *p.RequestTimeout
	}
	if p.CostWarningThreshold != nil {
		out.CostWarningThreshold = *p.CostWarningThreshold
	}
	if p.CostCriticalThreshold != nil {
		out.CostCriticalThreshold = *p.CostCriticalThreshold
	}
	if p.HitRateTarget != nil {
		out.HitRateTarget = *p.HitRateTarget
	}
	if p.BackendAllowList != nil {
		out.BackendAllowList = p.BackendAllowList
	}
	if p.CulturalDefaults != nil {
		out.CulturalDefaults = p.CulturalDefaults
	}
	return out
}
