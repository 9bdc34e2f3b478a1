package models

import "time"

// Complexity is the classifier's tier for a request.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Capability names a feature a backend must support to serve a request.
const (
	CapGeneration         = "generation"
	CapTranslation        = "translation"
	CapCulturalAdaptation = "cultural-adaptation"
	CapComplexReasoning   = "complex-reasoning"
)

// Classification is derived once per request and never stored. It is the
// input contract between the classifier and the router.
type Classification struct {
	Complexity           Complexity `json:"complexity"`
	Score                int        `json:"score"`
	EstimatedTokens      int        `json:"estimated_tokens"`
	RequiredCapabilities []string   `json:"required_capabilities"`
	SuggestedBackend     string     `json:"suggested_backend,omitempty"`
	Priority             int        `json:"priority"` // 1 (highest) .. 3
}

// Requires reports whether the classification demands the given capability.
func (c *Classification) Requires(cap string) bool {
	for _, have := range c.RequiredCapabilities {
		if have == cap {
			return true
		}
	}
	return false
}

// RouteDecision is the router's choice of backend for a request. Fallback,
// when set, is consulted only after the primary invocation fails.
type RouteDecision struct {
	BackendID     string         `json:"backend_id"`
	Endpoint      string         `json:"endpoint"`
	PreProcess    []string       `json:"pre_process,omitempty"`
	PostProcess   []string       `json:"post_process,omitempty"`
	EstimatedCost float64        `json:"estimated_cost"`
	EstimatedTime time.Duration  `json:"estimated_time"`
	Fallback      *RouteDecision `json:"fallback,omitempty"`
}
