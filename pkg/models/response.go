package models

import "time"

// TokenUsage reports backend token consumption for one generation call.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// ContentResponse is the gateway's result for one request. Cache hits reuse
// the cached text but carry fresh per-call metadata (CacheHit, CacheLayer,
// DurationMs), so those fields are always rewritten by the pipeline.
type ContentResponse struct {
	RequestID    string            `json:"request_id"`
	Text         string            `json:"text"`
	Language     string            `json:"language"`
	BackendID    string            `json:"backend_id"`
	Tokens       TokenUsage        `json:"tokens"`
	Cost         float64           `json:"cost"`
	CacheHit     bool              `json:"cache_hit"`
	CacheLayer   string            `json:"cache_layer,omitempty"` // "l1", "l2", "l3"
	FallbackUsed bool              `json:"fallback_used"`
	GeneratedAt  time.Time         `json:"generated_at"`
	DurationMs   int64             `json:"duration_ms"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the response.
func (r *ContentResponse) Clone() *ContentResponse {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
