package gateway

import "strings"

// LanguageDetector guesses the language of free text. The default is a
// stopword heuristic; deployments with a detection service plug their own in.
type LanguageDetector interface {
	// Detect returns an ISO 639-1 code and a confidence in [0,1].
	Detect(text string) (string, float64)
}

// stopwords per language, lowercase. Small on purpose: the detector only has
// to beat "assume English" on the request topic, not classify documents.
var stopwords = map[string][]string{
	"en": {"the", "and", "for", "with", "about", "how"},
	"es": {"el", "la", "los", "las", "para", "con", "sobre", "cómo"},
	"fr": {"le", "la", "les", "pour", "avec", "sur", "comment"},
	"de": {"der", "die", "das", "für", "mit", "über", "und", "wie"},
	"it": {"il", "la", "per", "con", "sul", "come", "della"},
	"pt": {"o", "a", "os", "as", "para", "com", "sobre", "como"},
	"nl": {"de", "het", "voor", "met", "over", "hoe", "een"},
	"no": {"og", "for", "med", "om", "hvordan", "på", "det"},
	"sv": {"och", "för", "med", "om", "hur", "på", "det", "att"},
	"da": {"og", "for", "med", "om", "hvordan", "på", "det", "at"},
}

// heuristicDetector counts stopword matches per language.
type heuristicDetector struct{}

// NewHeuristicDetector returns the built-in stopword detector.
func NewHeuristicDetector() LanguageDetector { return heuristicDetector{} }

func (heuristicDetector) Detect(text string) (string, float64) {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return "", 0
	}
	present := make(map[string]bool, len(words))
	for _, w := range words {
		present[strings.Trim(w, ".,!?;:\"'()")] = true
	}

	best, bestScore := "", 0
	for lang, markers := range stopwords {
		score := 0
		for _, m := range markers {
			if present[m] {
				score++
			}
		}
		if score > bestScore || (score == bestScore && score > 0 && lang < best) {
			best, bestScore = lang, score
		}
	}
	if bestScore == 0 {
		return "", 0
	}

	confidence := float64(bestScore) / float64(len(stopwords[best]))
	if confidence > 1 {
		confidence = 1
	}
	return best, confidence
}
