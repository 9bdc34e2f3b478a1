package gateway

import "encore.app/pkg/models"

// complexContentTypes are shapes that need structured reasoning regardless
// of their other attributes.
var complexContentTypes = map[string]bool{
	"whitepaper":    true,
	"technical-doc": true,
	"legal":         true,
	"report":        true,
}

// tokenFactor approximates tokens per requested word.
const tokenFactor = 1.5

// Classifier scores requests into complexity tiers with fixed additive
// weights. Deterministic: the same request always classifies identically,
// which keeps routing (and therefore cache keys per backend) stable.
type Classifier struct{}

// NewClassifier returns the scoring classifier.
func NewClassifier() *Classifier { return &Classifier{} }

// Classify derives the complexity tier, token estimate and required
// capabilities for a request.
func (c *Classifier) Classify(req *models.ContentRequest) models.Classification {
	score := 0
	caps := []string{models.CapGeneration}

	switch {
	case req.WordCount > 1000:
		score += 2
	case req.WordCount > 500:
		score++
	}

	if req.RequiresTranslation() {
		score++
		caps = append(caps, models.CapTranslation)
	}
	if req.Cultural != nil {
		score += 2
		caps = append(caps, models.CapCulturalAdaptation)
	}
	if req.SEO != nil {
		score++
	}
	if complexContentTypes[req.ContentType] {
		score++
		caps = append(caps, models.CapComplexReasoning)
	}

	var complexity models.Complexity
	var priority int
	switch {
	case score <= 1:
		complexity, priority = models.ComplexitySimple, 3
	case score <= 3:
		complexity, priority = models.ComplexityModerate, 2
	default:
		complexity, priority = models.ComplexityComplex, 1
	}

	tokens := int(float64(req.WordCount) * tokenFactor)
	if req.RequiresTranslation() {
		tokens *= 2 // source pass plus target pass
	}

	return models.Classification{
		Complexity:           complexity,
		Score:                score,
		EstimatedTokens:      tokens,
		RequiredCapabilities: caps,
		Priority:             priority,
	}
}
