package cachekey

import (
	"strings"
	"testing"

	"encore.app/pkg/models"
)

func sampleRequest() *models.ContentRequest {
	return &models.ContentRequest{
		ID:             "req-1",
		ContentType:    "article",
		Topic:          "AI trends",
		Keywords:       []string{"machine learning", "automation", "AI"},
		Tone:           "professional",
		Audience:       "developers",
		OutputLanguage: "en",
		WordCount:      300,
	}
}

func TestDeriveDeterministic(t *testing.T) {
	a, _ := Derive(sampleRequest())
	b, _ := Derive(sampleRequest())
	if a != b {
		t.Errorf("same request produced different keys: %q vs %q", a, b)
	}
}

func TestDeriveKeywordOrderInvariant(t *testing.T) {
	r1 := sampleRequest()
	r2 := sampleRequest()
	r2.Keywords = []string{"AI", "machine learning", "automation"}

	k1, _ := Derive(r1)
	k2, _ := Derive(r2)
	if k1 != k2 {
		t.Errorf("keyword order changed key: %q vs %q", k1, k2)
	}
}

func TestDeriveWordCountRounding(t *testing.T) {
	r1 := sampleRequest()
	r1.WordCount = 280
	r2 := sampleRequest()
	r2.WordCount = 320

	k1, _ := Derive(r1)
	k2, _ := Derive(r2)
	if k1 != k2 {
		t.Errorf("word counts rounding to same hundred produced different keys")
	}

	r3 := sampleRequest()
	r3.WordCount = 360
	k3, _ := Derive(r3)
	if k3 == k1 {
		t.Errorf("word counts rounding to different hundreds produced same key")
	}
}

func TestDeriveDistinguishesSemanticFields(t *testing.T) {
	base, _ := Derive(sampleRequest())

	mutations := map[string]func(*models.ContentRequest){
		"content type": func(r *models.ContentRequest) { r.ContentType = "blog" },
		"topic":        func(r *models.ContentRequest) { r.Topic = "Cloud costs" },
		"tone":         func(r *models.ContentRequest) { r.Tone = "casual" },
		"language":     func(r *models.ContentRequest) { r.OutputLanguage = "fr" },
		"audience":     func(r *models.ContentRequest) { r.Audience = "executives" },
		"translation":  func(r *models.ContentRequest) { r.SourceLanguage = "de" },
		"keywords":     func(r *models.ContentRequest) { r.Keywords = []string{"serverless"} },
		"cultural": func(r *models.ContentRequest) {
			r.Cultural = &models.CulturalContext{Market: "Japan", Formality: "formal"}
		},
	}

	for name, mutate := range mutations {
		r := sampleRequest()
		mutate(r)
		key, _ := Derive(r)
		if key == base {
			t.Errorf("changing %s did not change the key", name)
		}
	}
}

func TestDeriveTruncatesLongKeys(t *testing.T) {
	r := sampleRequest()
	r.Topic = strings.Repeat("very long topic segment ", 40)

	key, _ := Derive(r)
	if len(key) > MaxKeyLength {
		t.Errorf("key length %d exceeds max %d", len(key), MaxKeyLength)
	}

	// A different long topic must still derive a different key.
	r2 := sampleRequest()
	r2.Topic = strings.Repeat("another long topic segment ", 40)
	key2, _ := Derive(r2)
	if key == key2 {
		t.Errorf("distinct long topics collided after truncation")
	}
}

func TestDeriveSanitizesSeparators(t *testing.T) {
	r := sampleRequest()
	r.Topic = "AI: trends * 2026"
	key, _ := Derive(r)
	body := strings.TrimPrefix(key, "v1:")
	if strings.Contains(body, "*") {
		t.Errorf("key contains unsanitized wildcard: %q", key)
	}
}

func TestTags(t *testing.T) {
	r := sampleRequest()
	r.SourceLanguage = "de"
	r.Cultural = &models.CulturalContext{Market: "Germany"}

	_, tags := Derive(r)
	want := map[string]bool{
		"lang:en":        false,
		"type:article":   false,
		"market:germany": false,
		"translated":     false,
	}
	for _, tag := range tags {
		if _, ok := want[tag]; !ok {
			t.Errorf("unexpected tag %q", tag)
			continue
		}
		want[tag] = true
	}
	for tag, seen := range want {
		if !seen {
			t.Errorf("missing tag %q", tag)
		}
	}
}
