package gateway

import (
	"testing"

	"encore.app/pkg/models"
)

func simpleRequest() *models.ContentRequest {
	return &models.ContentRequest{
		ID:             "req-1",
		ContentType:    "article",
		Topic:          "AI trends",
		OutputLanguage: "en",
		WordCount:      300,
	}
}

func TestClassifySimpleRequest(t *testing.T) {
	class := NewClassifier().Classify(simpleRequest())

	if class.Complexity != models.ComplexitySimple {
		t.Errorf("complexity = %s, want simple", class.Complexity)
	}
	if class.Score != 0 {
		t.Errorf("score = %d, want 0", class.Score)
	}
	if class.EstimatedTokens != 450 {
		t.Errorf("estimated tokens = %d, want 450", class.EstimatedTokens)
	}
	if class.Priority != 3 {
		t.Errorf("priority = %d, want 3", class.Priority)
	}
	if len(class.RequiredCapabilities) != 1 || class.RequiredCapabilities[0] != models.CapGeneration {
		t.Errorf("capabilities = %v, want [generation]", class.RequiredCapabilities)
	}
}

func TestClassifyWordCountWeights(t *testing.T) {
	cases := []struct {
		words int
		score int
	}{
		{300, 0},
		{501, 1},
		{1000, 1},
		{1001, 2},
	}
	c := NewClassifier()
	for _, tc := range cases {
		req := simpleRequest()
		req.WordCount = tc.words
		if got := c.Classify(req).Score; got != tc.score {
			t.Errorf("%d words scored %d, want %d", tc.words, got, tc.score)
		}
	}
}

func TestClassifyTranslationDoublesTokens(t *testing.T) {
	req := simpleRequest()
	req.SourceLanguage = "de"
	class := NewClassifier().Classify(req)

	if class.EstimatedTokens != 900 {
		t.Errorf("estimated tokens = %d, want 900", class.EstimatedTokens)
	}
	if !class.Requires(models.CapTranslation) {
		t.Error("translation capability missing")
	}
}

func TestClassifySameSourceLanguageIsNotTranslation(t *testing.T) {
	req := simpleRequest()
	req.SourceLanguage = "en"
	class := NewClassifier().Classify(req)

	if class.Requires(models.CapTranslation) {
		t.Error("same-language request flagged for translation")
	}
	if class.EstimatedTokens != 450 {
		t.Errorf("estimated tokens = %d, want 450", class.EstimatedTokens)
	}
}

func TestClassifyComplexRequest(t *testing.T) {
	req := &models.ContentRequest{
		ID:             "req-2",
		ContentType:    "whitepaper",
		Topic:          "zero trust architecture",
		OutputLanguage: "de",
		SourceLanguage: "en",
		WordCount:      2000,
		Cultural:       &models.CulturalContext{Market: "de-DE"},
		SEO:            &models.SEOConstraints{PrimaryKeyword: "zero trust"},
	}
	class := NewClassifier().Classify(req)

	// 2 (words) + 1 (translation) + 2 (cultural) + 1 (seo) + 1 (type)
	if class.Score != 7 {
		t.Errorf("score = %d, want 7", class.Score)
	}
	if class.Complexity != models.ComplexityComplex {
		t.Errorf("complexity = %s, want complex", class.Complexity)
	}
	if class.Priority != 1 {
		t.Errorf("priority = %d, want 1", class.Priority)
	}
	for _, cap := range []string{
		models.CapGeneration, models.CapTranslation,
		models.CapCulturalAdaptation, models.CapComplexReasoning,
	} {
		if !class.Requires(cap) {
			t.Errorf("capability %s missing", cap)
		}
	}
}

func TestClassifyModerateBoundary(t *testing.T) {
	req := simpleRequest()
	req.WordCount = 800
	req.SourceLanguage = "fr"
	class := NewClassifier().Classify(req)

	// 1 (words) + 1 (translation) = 2
	if class.Complexity != models.ComplexityModerate {
		t.Errorf("complexity = %s, want moderate", class.Complexity)
	}
	if class.Priority != 2 {
		t.Errorf("priority = %d, want 2", class.Priority)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := NewClassifier()
	req := simpleRequest()
	first := c.Classify(req)
	for i := 0; i < 10; i++ {
		if got := c.Classify(req); got.Score != first.Score || got.Complexity != first.Complexity {
			t.Fatal("classification varied across identical requests")
		}
	}
}
