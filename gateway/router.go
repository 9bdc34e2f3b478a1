package gateway

import (
	"sort"
	"sync"
	"time"

	"encore.app/pkg/models"
)

// Backend describes one generation model endpoint.
type Backend struct {
	ID           string        `json:"id"`
	Endpoint     string        `json:"endpoint"`
	Languages    []string      `json:"languages,omitempty"` // empty = every supported language
	Capabilities []string      `json:"capabilities"`
	Priority     int           `json:"priority"` // 1 = preferred
	CostPerToken float64       `json:"cost_per_token"`
	AvgLatency   time.Duration `json:"avg_latency"`
	MaxTokens    int           `json:"max_tokens,omitempty"` // 0 = unlimited
}

func (b *Backend) supportsLanguage(lang string) bool {
	if len(b.Languages) == 0 {
		return true
	}
	for _, l := range b.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

func (b *Backend) supportsCapabilities(required []string) bool {
	for _, need := range required {
		found := false
		for _, have := range b.Capabilities {
			if have == need {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (b *Backend) fitsTokens(estimated int) bool {
	return b.MaxTokens == 0 || estimated <= b.MaxTokens
}

// DefaultBackends is the standard model fleet: a fast cheap generalist, a
// large do-everything model, and a mid-size translation specialist.
func DefaultBackends() []Backend {
	return []Backend{
		{
			ID:           "swift-gen-small",
			Endpoint:     "https://models.internal/swift-gen-small/v1/generate",
			Languages:    []string{"en", "es", "fr", "de", "it", "pt", "nl"},
			Capabilities: []string{models.CapGeneration},
			Priority:     1,
			CostPerToken: 0.00001,
			AvgLatency:   800 * time.Millisecond,
			MaxTokens:    4000,
		},
		{
			ID:       "atlas-large",
			Endpoint: "https://models.internal/atlas-large/v1/generate",
			Capabilities: []string{
				models.CapGeneration, models.CapTranslation,
				models.CapCulturalAdaptation, models.CapComplexReasoning,
			},
			Priority:     2,
			CostPerToken: 0.00003,
			AvgLatency:   2500 * time.Millisecond,
		},
		{
			ID:           "polyglot-medium",
			Endpoint:     "https://models.internal/polyglot-medium/v1/generate",
			Capabilities: []string{models.CapGeneration, models.CapTranslation},
			Priority:     3,
			CostPerToken: 0.00002,
			AvgLatency:   1500 * time.Millisecond,
			MaxTokens:    8000,
		},
	}
}

// Router selects a backend for a classified request. Eligible backends are
// ordered by priority then cost; the runner-up becomes the fallback. The
// critical cost gate rejects before any backend spend.
type Router struct {
	mu       sync.RWMutex
	backends []Backend
}

// NewRouter creates a router over the given fleet. An empty fleet gets the
// defaults.
func NewRouter(backends []Backend) *Router {
	if len(backends) == 0 {
		backends = DefaultBackends()
	}
	return &Router{backends: append([]Backend(nil), backends...)}
}

// Backends returns a copy of the fleet.
func (r *Router) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Backend(nil), r.backends...)
}

// Select picks the backend for a request. allowList (per output language)
// and the critical cost threshold come from the live config.
func (r *Router) Select(req *models.ContentRequest, class models.Classification, allowList map[string][]string, criticalCost float64) (*models.RouteDecision, error) {
	allowed := allowList[req.OutputLanguage]

	r.mu.RLock()
	eligible := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		if !b.supportsLanguage(req.OutputLanguage) {
			continue
		}
		if !b.supportsCapabilities(class.RequiredCapabilities) {
			continue
		}
		if !b.fitsTokens(class.EstimatedTokens) {
			continue
		}
		if len(allowed) > 0 && !contains(allowed, b.ID) {
			continue
		}
		eligible = append(eligible, b)
	}
	r.mu.RUnlock()

	if len(eligible) == 0 {
		return nil, failf(CodeRoutingFailed,
			"no backend supports language %q with capabilities %v",
			req.OutputLanguage, class.RequiredCapabilities)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].CostPerToken < eligible[j].CostPerToken
	})

	decision := r.decisionFor(eligible[0], req, class)
	if criticalCost > 0 && decision.EstimatedCost >= criticalCost {
		return nil, failf(CodeCostThresholdExceeded,
			"estimated cost $%.4f on %s meets the critical threshold $%.4f",
			decision.EstimatedCost, decision.BackendID, criticalCost)
	}

	if len(eligible) > 1 {
		fb := r.decisionFor(eligible[1], req, class)
		if criticalCost <= 0 || fb.EstimatedCost < criticalCost {
			decision.Fallback = fb
		}
	}
	return decision, nil
}

func (r *Router) decisionFor(b Backend, req *models.ContentRequest, class models.Classification) *models.RouteDecision {
	d := &models.RouteDecision{
		BackendID:     b.ID,
		Endpoint:      b.Endpoint,
		EstimatedCost: float64(class.EstimatedTokens) * b.CostPerToken,
		EstimatedTime: b.AvgLatency,
	}
	if class.Requires(models.CapTranslation) {
		d.PreProcess = append(d.PreProcess, "extract-terminology")
	}
	if class.Requires(models.CapCulturalAdaptation) {
		d.PostProcess = append(d.PostProcess, "cultural-review")
	}
	if req.SEO != nil {
		d.PostProcess = append(d.PostProcess, "seo-optimize")
	}
	return d
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
