// Package dataset discovers, validates and caches real tabular datasets for
// field runners.
package dataset

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/odvcencio/hypogate/pkg/config"
	"github.com/odvcencio/hypogate/pkg/contract"
)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "with": true, "this": true,
	"from": true, "are": true, "was": true, "were": true, "will": true, "have": true,
	"has": true, "had": true, "not": true, "but": true, "can": true, "its": true,
	"into": true, "than": true, "then": true, "when": true, "which": true, "while": true,
	"more": true, "less": true, "most": true, "over": true, "under": true, "between": true,
	"does": true, "did": true, "each": true, "any": true, "all": true, "also": true,
	"such": true, "their": true, "there": true, "these": true, "those": true, "they": true,
	"them": true, "our": true, "you": true, "your": true, "should": true, "would": true,
	"could": true, "may": true, "might": true, "must": true, "being": true, "been": true,
	"increase": true, "increases": true, "decrease": true, "decreases": true,
	"effect": true, "effects": true, "leads": true, "cause": true, "causes": true,
	"higher": true, "lower": true, "hypothesis": true, "claim": true, "data": true,
	"dataset": true, "using": true, "based": true, "study": true, "result": true,
}

// Tokenize splits text into lower-case content tokens of three or more
// characters with stopwords and pure numbers removed. Simple plurals are
// folded so "rates" matches "rate".
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] || isNumber(f) {
			continue
		}
		out = append(out, stem(f))
	}
	return out
}

func stem(tok string) string {
	if len(tok) > 4 && strings.HasSuffix(tok, "s") && !strings.HasSuffix(tok, "ss") {
		return strings.TrimSuffix(tok, "s")
	}
	return tok
}

func isNumber(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// Unique returns tokens in first-seen order without duplicates.
func Unique(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// ClaimTokens derives the semantic vocabulary of a claim. A complete
// normalization document is preferred; otherwise the hypothesis text is
// used directly.
func ClaimTokens(hypothesis, normalization string) []string {
	var parts []string
	if norm := contract.ParseNormalization(normalization); norm != nil {
		c := norm.Claim
		parts = append(parts, c.Statement, c.Subject, c.Outcome, c.Domain)
		parts = append(parts, c.Variables.Keys()...)
		parts = append(parts, c.Variables.Values()...)
		parts = append(parts, norm.VariableProxies.Values()...)
		parts = append(parts, norm.Keywords...)
	}
	if len(parts) == 0 || strings.TrimSpace(strings.Join(parts, "")) == "" {
		parts = []string{hypothesis}
	}
	return Unique(Tokenize(strings.Join(parts, " ")))
}

// SemanticFit is the token-overlap score of some text against a claim.
type SemanticFit struct {
	Vocabulary int      `json:"vocabulary"`
	Required   int      `json:"required"`
	Matches    []string `json:"matches,omitempty"`
	Passed     bool     `json:"passed"`
}

// RequiredMatches scales the minimum match count with vocabulary size and
// clamps it to the configured bounds. It never exceeds the vocabulary.
func RequiredMatches(vocabulary int, fit config.FitConfig) int {
	if vocabulary <= 0 {
		return 1
	}
	req := int(math.Ceil(fit.Ratio * float64(vocabulary)))
	if req < fit.Min {
		req = fit.Min
	}
	if fit.Max > 0 && req > fit.Max {
		req = fit.Max
	}
	if req > vocabulary {
		req = vocabulary
	}
	if req < 1 {
		req = 1
	}
	return req
}

// ComputeFit counts claim tokens that appear in text.
func ComputeFit(claim []string, text string, fit config.FitConfig) SemanticFit {
	claim = Unique(claim)
	have := make(map[string]bool)
	for _, t := range Tokenize(text) {
		have[t] = true
	}
	var matches []string
	for _, t := range claim {
		if have[t] {
			matches = append(matches, t)
		}
	}
	sort.Strings(matches)
	required := RequiredMatches(len(claim), fit)
	return SemanticFit{
		Vocabulary: len(claim),
		Required:   required,
		Matches:    matches,
		Passed:     len(claim) > 0 && len(matches) >= required,
	}
}
