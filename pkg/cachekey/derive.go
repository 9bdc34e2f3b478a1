// Package cachekey derives stable cache keys and invalidation tags from the
// semantic fields of a content request.
//
// Design Notes:
//   - Keys are built from normalized fields only, so two semantically equal
//     requests (regardless of field declaration order or keyword order)
//     always derive the same key.
//   - Keywords are sorted before hashing; the key is invariant to their
//     input order.
//   - FNV-1a 64-bit hashing (stdlib, fast, good distribution) for keyword
//     and audience digests and for the truncation suffix.
package cachekey

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"encore.app/pkg/models"
)

// MaxKeyLength is the longest key emitted. Longer keys are truncated and
// suffixed with a hash of the removed remainder so distinct long keys stay
// distinct.
const MaxKeyLength = 200

// Derive maps a request to its cache key and invalidation tags.
// Deterministic and side-effect free.
func Derive(req *models.ContentRequest) (string, []string) {
	parts := []string{
		"v1",
		sanitize(req.ContentType),
		sanitize(req.Topic),
		sanitize(req.Tone),
		fmt.Sprintf("wc%d", roundWordCount(req.WordCount)),
		req.OutputLanguage,
		sourceComponent(req),
		fmt.Sprintf("kw%x", hashKeywords(req.Keywords)),
		fmt.Sprintf("aud%x", hashString(strings.ToLower(strings.TrimSpace(req.Audience)))),
	}

	if c := req.Cultural; c != nil {
		parts = append(parts,
			sanitize(c.Market),
			sanitize(c.BusinessType),
			sanitize(c.Dialect),
			sanitize(c.Formality),
		)
	}

	key := strings.Join(parts, ":")
	if len(key) > MaxKeyLength {
		key = truncate(key)
	}

	return key, Tags(req)
}

// Tags returns the invalidation tags for a request. Tags group entries for
// selective clears without scanning every key.
func Tags(req *models.ContentRequest) []string {
	tags := []string{
		"lang:" + req.OutputLanguage,
		"type:" + sanitize(req.ContentType),
	}
	if req.Cultural != nil && req.Cultural.Market != "" {
		tags = append(tags, "market:"+sanitize(req.Cultural.Market))
	}
	if req.RequiresTranslation() {
		tags = append(tags, "translated")
	}
	return tags
}

// roundWordCount rounds to the nearest hundred so near-identical requests
// share a key.
func roundWordCount(wc int) int {
	if wc <= 0 {
		return 0
	}
	return ((wc + 50) / 100) * 100
}

func sourceComponent(req *models.ContentRequest) string {
	if req.RequiresTranslation() {
		return "src-" + req.SourceLanguage
	}
	return "nosrc"
}

// sanitize normalizes a free-text field for use in a key: lowercase,
// whitespace collapsed to single hyphens, key separators stripped.
func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "-"
	}
	var b strings.Builder
	b.Grow(len(s))
	lastHyphen := false
	for _, r := range s {
		switch {
		case r == ':' || r == '*':
			// reserved for key structure and pattern matching
		case r == ' ' || r == '\t' || r == '\n' || r == '_' || r == '/':
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		default:
			b.WriteRune(r)
			lastHyphen = false
		}
	}
	return strings.Trim(b.String(), "-")
}

// hashKeywords digests the keyword set order-independently: sort a copy,
// then hash the joined result.
func hashKeywords(keywords []string) uint64 {
	if len(keywords) == 0 {
		return 0
	}
	sorted := make([]string, 0, len(keywords))
	for _, k := range keywords {
		sorted = append(sorted, strings.ToLower(strings.TrimSpace(k)))
	}
	sort.Strings(sorted)
	return hashString(strings.Join(sorted, "\x00"))
}

func hashString(s string) uint64 {
	if s == "" {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// truncate shortens an over-length key, replacing the tail with a hash of
// everything that was cut so the result remains collision-resistant.
func truncate(key string) string {
	suffix := fmt.Sprintf(":h%x", hashString(key[MaxKeyLength-20:]))
	return key[:MaxKeyLength-20] + suffix
}
