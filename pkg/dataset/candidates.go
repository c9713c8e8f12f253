package dataset

import (
	"path/filepath"
	"sort"
	"strings"
)

// Kind distinguishes remote from local candidates.
type Kind string

const (
	KindURL   Kind = "url"
	KindLocal Kind = "local"
)

// Origin records where a candidate was found.
type Origin string

const (
	OriginHint        Origin = "hint"
	OriginDataRequest Origin = "data_request"
	OriginPlanInput   Origin = "plan_input"
	OriginAffinity    Origin = "affinity"
	OriginLocalScan   Origin = "local_scan"
	OriginDiscovery   Origin = "discovery"
	OriginSearch      Origin = "web_search"
)

// Scoring weights.
const (
	scoreTokenMatch   = 2
	maxScoredMatches  = 5
	scoreTabularExt   = 3
	scoreLocalPath    = 2
	scoreKnownRepo    = 2
	scoreHint         = 5
	scorePlanDeclared = 3
	penaltySynthetic  = -5
	penaltyDisallowed = -10
)

// Candidate is a possible dataset source before validation.
type Candidate struct {
	Source      string   `json:"source"`
	Kind        Kind     `json:"kind"`
	Origin      Origin   `json:"origin"`
	Format      string   `json:"format,omitempty"`
	Description string   `json:"description,omitempty"`
	Score       int      `json:"score"`
	Matches     []string `json:"matches,omitempty"`
	Synthetic   bool     `json:"synthetic,omitempty"`
	Disallowed  bool     `json:"disallowed,omitempty"`
}

// NewCandidate classifies source. Relative local paths resolve against
// workspace.
func NewCandidate(source string, origin Origin, workspace string) Candidate {
	source = strings.TrimSpace(source)
	c := Candidate{Source: source, Origin: origin, Kind: KindLocal}
	if IsURL(source) {
		c.Kind = KindURL
	} else if workspace != "" && !filepath.IsAbs(source) {
		c.Source = filepath.Join(workspace, source)
	}
	c.Format = FormatFromName(c.Source)
	return c
}

// label is the part of the source that describes its content. Local
// candidates use the file name so parent directories do not leak tokens.
func (c *Candidate) label() string {
	if c.Kind == KindLocal {
		return filepath.Base(c.Source)
	}
	return c.Source
}

// score fills the candidate's score against the claim vocabulary.
func (c *Candidate) score(claim []string) {
	have := make(map[string]bool)
	for _, t := range Tokenize(c.label() + " " + c.Description) {
		have[t] = true
	}
	c.Matches = nil
	for _, t := range Unique(claim) {
		if have[t] {
			c.Matches = append(c.Matches, t)
		}
	}
	c.Synthetic = IsSynthetic(c.label())
	c.Disallowed = c.Kind == KindURL && IsDisallowedURL(c.Source)

	s := scoreTokenMatch * min(len(c.Matches), maxScoredMatches)
	if c.Format != "" {
		s += scoreTabularExt
	}
	if c.Kind == KindLocal {
		s += scoreLocalPath
	}
	if c.Kind == KindURL && IsKnownRepository(c.Source) {
		s += scoreKnownRepo
	}
	switch c.Origin {
	case OriginHint:
		s += scoreHint
	case OriginDataRequest, OriginPlanInput:
		s += scorePlanDeclared
	}
	if c.Synthetic {
		s += penaltySynthetic
	}
	if c.Disallowed {
		s += penaltyDisallowed
	}
	c.Score = s
}

// Rank scores candidates and orders them best first. Ties keep discovery
// order.
func Rank(cands []Candidate, claim []string) []Candidate {
	out := make([]Candidate, len(cands))
	copy(out, cands)
	for i := range out {
		out[i].score(claim)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// candidateSet collects candidates without duplicate sources.
type candidateSet struct {
	seen  map[string]bool
	items []Candidate
}

func (s *candidateSet) add(c Candidate) {
	if c.Source == "" {
		return
	}
	key := strings.TrimRight(strings.ToLower(c.Source), "/")
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	s.items = append(s.items, c)
}
