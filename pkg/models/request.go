// Package models provides the canonical value types shared by the gateway
// pipeline and the cache layers.
//
// Design Philosophy:
// - Value semantics: everything that crosses a cache boundary is cloned,
//   never aliased, so a cached entry cannot be mutated through a caller's
//   reference to the original.
// - Validation lives on the type, not in the pipeline, so tests can assert
//   invariants without constructing a service.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SupportedLanguages is the set of output languages the gateway accepts.
var SupportedLanguages = map[string]bool{
	"en": true, "es": true, "fr": true, "de": true, "it": true,
	"pt": true, "nl": true, "sv": true, "no": true, "da": true,
	"fi": true, "pl": true, "ja": true, "zh": true, "ko": true,
	"ar": true,
}

// CulturalContext carries optional market-adaptation hints for a request.
type CulturalContext struct {
	Market       string `json:"market,omitempty"`        // e.g. "de-DE", "pt-BR"
	BusinessType string `json:"business_type,omitempty"` // e.g. "b2b", "retail"
	Dialect      string `json:"dialect,omitempty"`
	Formality    string `json:"formality,omitempty"` // "formal", "informal"
}

// Clone returns an independent copy.
func (c *CulturalContext) Clone() *CulturalContext {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// SEOConstraints carries optional search-optimization requirements.
type SEOConstraints struct {
	PrimaryKeyword    string   `json:"primary_keyword,omitempty"`
	SecondaryKeywords []string `json:"secondary_keywords,omitempty"`
	MetaDescription   bool     `json:"meta_description,omitempty"`
}

// Clone returns an independent copy (secondary keyword slice included).
func (s *SEOConstraints) Clone() *SEOConstraints {
	if s == nil {
		return nil
	}
	cp := *s
	cp.SecondaryKeywords = append([]string(nil), s.SecondaryKeywords...)
	return &cp
}

// ContentRequest is an immutable generation request. ID, ContentType, Topic
// and OutputLanguage are always present; OutputLanguage must be in
// SupportedLanguages.
type ContentRequest struct {
	ID             string           `json:"id"`
	ContentType    string           `json:"content_type"` // "article", "product-description", ...
	Topic          string           `json:"topic"`
	Keywords       []string         `json:"keywords,omitempty"`
	Tone           string           `json:"tone,omitempty"`
	Audience       string           `json:"audience,omitempty"`
	OutputLanguage string           `json:"output_language"`
	SourceLanguage string           `json:"source_language,omitempty"`
	Cultural       *CulturalContext `json:"cultural,omitempty"`
	SEO            *SEOConstraints  `json:"seo,omitempty"`
	WordCount      int              `json:"word_count"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Validate checks the request invariants. Returns the first violation found.
func (r *ContentRequest) Validate() error {
	if r == nil {
		return errors.New("request cannot be nil")
	}
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("request id is required")
	}
	if strings.TrimSpace(r.ContentType) == "" {
		return errors.New("content type is required")
	}
	if strings.TrimSpace(r.Topic) == "" {
		return errors.New("topic is required")
	}
	if r.OutputLanguage == "" {
		return errors.New("output language is required")
	}
	if !SupportedLanguages[r.OutputLanguage] {
		return fmt.Errorf("unsupported output language: %q", r.OutputLanguage)
	}
	if r.WordCount < 0 {
		return errors.New("word count cannot be negative")
	}
	return nil
}

// RequiresTranslation reports whether the request has a source language
// different from its output language.
func (r *ContentRequest) RequiresTranslation() bool {
	return r.SourceLanguage != "" && r.SourceLanguage != r.OutputLanguage
}

// Clone returns a deep copy of the request.
func (r *ContentRequest) Clone() *ContentRequest {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Keywords = append([]string(nil), r.Keywords...)
	cp.Cultural = r.Cultural.Clone()
	cp.SEO = r.SEO.Clone()
	return &cp
}
