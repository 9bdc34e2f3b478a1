package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"encore.app/pkg/models"
)

// generatePayload is the wire request sent to a model backend.
type generatePayload struct {
	RequestID      string                  `json:"request_id"`
	ContentType    string                  `json:"content_type"`
	Topic          string                  `json:"topic"`
	Keywords       []string                `json:"keywords,omitempty"`
	Tone           string                  `json:"tone,omitempty"`
	Audience       string                  `json:"audience,omitempty"`
	OutputLanguage string                  `json:"output_language"`
	SourceLanguage string                  `json:"source_language,omitempty"`
	WordCount      int                     `json:"word_count"`
	Cultural       *models.CulturalContext `json:"cultural,omitempty"`
	SEO            *models.SEOConstraints  `json:"seo,omitempty"`
	PreProcess     []string                `json:"pre_process,omitempty"`
}

// generateResult is the wire response from a model backend.
type generateResult struct {
	Text   string            `json:"text"`
	Tokens models.TokenUsage `json:"tokens"`
}

// HTTPInvoker calls model backends over JSON/HTTP.
type HTTPInvoker struct {
	client *http.Client
}

// NewHTTPInvoker creates the production invoker. client may be nil.
func NewHTTPInvoker(client *http.Client) *HTTPInvoker {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPInvoker{client: client}
}

// Invoke posts the generation request to the decided endpoint. Per-request
// deadlines come from ctx; the client timeout is only a last-resort bound.
func (h *HTTPInvoker) Invoke(ctx context.Context, decision *models.RouteDecision, req *models.ContentRequest) (*models.ContentResponse, error) {
	payload := generatePayload{
		RequestID:      req.ID,
		ContentType:    req.ContentType,
		Topic:          req.Topic,
		Keywords:       req.Keywords,
		Tone:           req.Tone,
		Audience:       req.Audience,
		OutputLanguage: req.OutputLanguage,
		SourceLanguage: req.SourceLanguage,
		WordCount:      req.WordCount,
		Cultural:       req.Cultural,
		SEO:            req.SEO,
		PreProcess:     decision.PreProcess,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, failf(CodeGenerationFailed, "encoding request for %s: %v", decision.BackendID, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, decision.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, failf(CodeGenerationFailed, "building request for %s: %v", decision.BackendID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transientf(CodeModelUnavailable, err, "backend %s unreachable", decision.BackendID)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusOK:
	case httpResp.StatusCode == http.StatusTooManyRequests,
		httpResp.StatusCode >= http.StatusInternalServerError:
		return nil, transientf(CodeModelUnavailable,
			fmt.Errorf("status %d", httpResp.StatusCode),
			"backend %s rejected the request", decision.BackendID)
	default:
		return nil, failf(CodeGenerationFailed,
			"backend %s returned status %d", decision.BackendID, httpResp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, transientf(CodeGenerationFailed, err, "reading response from %s", decision.BackendID)
	}
	var result generateResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, failf(CodeGenerationFailed, "decoding response from %s: %v", decision.BackendID, err)
	}

	return &models.ContentResponse{
		Text:   result.Text,
		Tokens: result.Tokens,
	}, nil
}
