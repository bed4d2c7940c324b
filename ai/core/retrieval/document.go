// Package retrieval implements the datasource adapters: SQL, vector, and
// file retrievers behind one interface, plus the registry that binds them
// to adapter names.
package retrieval

import "math"

// Document is one retrieved context item. Score is the adapter-normalized
// confidence in [0,1]; Metadata carries source attribution and, for QA
// adapters, the matched question/answer pair.
type Document struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float64        `json:"score"`
}

// Answer returns the direct-answer payload when the document carries one.
func (d *Document) Answer() (string, bool) {
	if d.Metadata == nil {
		return "", false
	}
	a, ok := d.Metadata["answer"].(string)
	return a, ok && a != ""
}

// DirectAnswer reports whether the top-ranked document can short-circuit
// inference: it must carry an answer payload and clear the threshold.
func DirectAnswer(docs []Document, threshold float64) (string, bool) {
	if len(docs) == 0 {
		return "", false
	}
	answer, ok := docs[0].Answer()
	if !ok || docs[0].Score < threshold {
		return "", false
	}
	return answer, true
}

// MapConfidence converts a distance into a confidence score.
//   - cosine: 1 − distance, clamped to [0,1]
//   - exp_scale: exp(−distance/scale), for distance metrics that are not
//     bounded by 2 (e.g. L2 over unnormalized embeddings)
func MapConfidence(distance float64, mapping string, scale float64) float64 {
	switch mapping {
	case "exp_scale":
		if scale <= 0 {
			scale = 1
		}
		return math.Exp(-distance / scale)
	default: // cosine
		c := 1 - distance
		if c < 0 {
			return 0
		}
		if c > 1 {
			return 1
		}
		return c
	}
}
