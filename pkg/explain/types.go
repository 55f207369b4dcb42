// Package explain produces explanations of mathematical notation, caching
// generated responses and metering each served explanation against the
// caller's daily quota.
package explain

import (
	"strings"
	"time"
)

// Explanation is one generated explanation, as stored in the cache.
type Explanation struct {
	Symbol      string    `json:"symbol"`
	Explanation string    `json:"explanation"`
	Category    string    `json:"category"`
	GeneratedAt time.Time `json:"timestamp"`
}

// Result is an Explanation as served to one caller, with per-request state
// the cache never stores.
type Result struct {
	Explanation

	// Cached reports whether the explanation came from the cache.
	Cached bool `json:"cached"`

	// RemainingToday is the caller's quota remainder after this request.
	RemainingToday int `json:"remainingToday"`
}

const (
	CategoryGreekLetter = "Greek Letter"
	CategoryCalculus    = "Calculus"
	CategorySetTheory   = "Set Theory"
	CategoryMathematics = "Mathematics"
)

// InferCategory classifies a symbol by its notation. The buckets are coarse;
// anything unrecognized is plain mathematics.
func InferCategory(symbol string) string {
	for _, r := range symbol {
		if (r >= 'α' && r <= 'ω') || (r >= 'Α' && r <= 'Ω') {
			return CategoryGreekLetter
		}
	}
	if strings.ContainsAny(symbol, "∫∂∇") {
		return CategoryCalculus
	}
	if strings.ContainsAny(symbol, "∈∉⊂∪∩") {
		return CategorySetTheory
	}
	return CategoryMathematics
}
