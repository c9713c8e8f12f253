package dataset

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/hypogate/pkg/config"
	"github.com/odvcencio/hypogate/pkg/contract"
	"github.com/odvcencio/hypogate/pkg/logging"
)

const (
	maxAffinityQueries = 3
	maxKeywordHints    = 12
	maxDatasetLinks    = 10
	fitSampleRows      = 5
)

// Discoverer produces an LLM-authored discovery plan for a claim.
type Discoverer interface {
	Discover(ctx context.Context, req DiscoveryRequest) (*contract.DatasetDiscovery, error)
}

// DiscoveryRequest is the input to a Discoverer.
type DiscoveryRequest struct {
	Hypothesis    string
	Normalization string
	Tokens        []string
	Affinity      *Affinity
}

// Options configures a Resolver.
type Options struct {
	Config config.DatasetConfig
	// DatasetsDir receives accepted datasets.
	DatasetsDir string
	// Workspace is scanned for local files and anchors relative paths.
	Workspace  string
	Searcher   Searcher
	Fetcher    *Fetcher
	Discoverer Discoverer
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Resolver finds a real dataset for a claim.
type Resolver struct {
	cfg        config.DatasetConfig
	dir        string
	workspace  string
	searcher   Searcher
	fetcher    *Fetcher
	discoverer Discoverer
	logger     *slog.Logger
}

// NewResolver builds a resolver. Web search is only used when
// Config.WebDiscovery is set; an HTTPSearcher is created if none is given.
func NewResolver(opts Options) *Resolver {
	r := &Resolver{
		cfg:        opts.Config,
		dir:        opts.DatasetsDir,
		workspace:  opts.Workspace,
		searcher:   opts.Searcher,
		fetcher:    opts.Fetcher,
		discoverer: opts.Discoverer,
		logger:     logging.OrDiscard(opts.Logger, logging.CategoryDataset),
	}
	if r.fetcher == nil {
		r.fetcher = NewFetcher(opts.Config, opts.HTTPClient)
	}
	if r.searcher == nil && opts.Config.WebDiscovery {
		r.searcher = NewHTTPSearcher(opts.Config, opts.HTTPClient)
	}
	if !opts.Config.WebDiscovery {
		r.searcher = nil
	}
	if r.cfg.TopK <= 0 {
		r.cfg.TopK = config.DefaultDatasetTopK
	}
	return r
}

// AffinityRequest is the input to pass 1.
type AffinityRequest struct {
	Hypothesis    string
	Normalization string
}

// Affinity is the non-blocking first pass: claim vocabulary plus whatever
// literature search turned up.
type Affinity struct {
	Tokens       []string    `json:"tokens"`
	Queries      []string    `json:"queries,omitempty"`
	KeywordHints []string    `json:"keyword_hints,omitempty"`
	DatasetLinks []string    `json:"dataset_links,omitempty"`
	Fit          SemanticFit `json:"fit"`
	Hits         int         `json:"hits"`
	SearchErrors int         `json:"search_errors,omitempty"`
}

// Judged reports whether search returned any text to measure fit against.
// Without it the fit is empty rather than failed.
func (a *Affinity) Judged() bool {
	return a != nil && a.Hits > 0
}

// Affinity runs pass 1. Search failures are logged and counted, never
// returned.
func (r *Resolver) Affinity(ctx context.Context, req AffinityRequest) Affinity {
	tokens := ClaimTokens(req.Hypothesis, req.Normalization)
	aff := Affinity{Tokens: tokens, Queries: buildQueries(req, tokens)}
	if r.searcher == nil || len(aff.Queries) == 0 {
		aff.Fit = ComputeFit(tokens, "", r.cfg.Fit)
		return aff
	}

	hits, failures := r.searchAll(ctx, aff.Queries)
	aff.Hits = len(hits)
	aff.SearchErrors = failures

	claim := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		claim[t] = true
	}
	freq := make(map[string]int)
	var corpus strings.Builder
	links := candidateSet{}
	for _, h := range hits {
		corpus.WriteString(h.Title + " " + h.Snippet + " " + strings.Join(h.Keywords, " ") + "\n")
		for _, kw := range h.Keywords {
			for _, t := range Tokenize(kw) {
				freq[t] += 2
			}
		}
		for _, t := range Unique(Tokenize(h.Title)) {
			freq[t]++
		}
		for _, link := range append([]string{h.URL}, h.Links...) {
			if IsURL(link) && !IsDisallowedURL(link) && (FormatFromName(link) != "" || IsKnownRepository(link)) {
				links.add(Candidate{Source: link})
			}
		}
	}
	for t, n := range freq {
		if n >= 2 && !claim[t] {
			aff.KeywordHints = append(aff.KeywordHints, t)
		}
	}
	sort.Slice(aff.KeywordHints, func(i, j int) bool {
		a, b := aff.KeywordHints[i], aff.KeywordHints[j]
		if freq[a] != freq[b] {
			return freq[a] > freq[b]
		}
		return a < b
	})
	if len(aff.KeywordHints) > maxKeywordHints {
		aff.KeywordHints = aff.KeywordHints[:maxKeywordHints]
	}
	for _, c := range links.items {
		if len(aff.DatasetLinks) == maxDatasetLinks {
			break
		}
		aff.DatasetLinks = append(aff.DatasetLinks, c.Source)
	}
	aff.Fit = ComputeFit(tokens, corpus.String(), r.cfg.Fit)
	r.logger.Info("affinity computed",
		"tokens", len(tokens),
		"queries", len(aff.Queries),
		"hits", len(hits),
		"links", len(aff.DatasetLinks),
		"fit_matches", len(aff.Fit.Matches),
		"search_errors", failures,
	)
	return aff
}

func (r *Resolver) searchAll(ctx context.Context, queries []string) ([]SearchHit, int) {
	results := make([][]SearchHit, len(queries))
	var failures atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxAffinityQueries)
	for i, q := range queries {
		g.Go(func() error {
			hits, err := r.searcher.Search(gctx, q)
			if err != nil {
				failures.Add(1)
				metricSearches.WithLabelValues("error").Inc()
				r.logger.Warn("dataset search failed", "query", q, "error", err)
				return nil
			}
			metricSearches.WithLabelValues("ok").Inc()
			results[i] = hits
			return nil
		})
	}
	_ = g.Wait()

	var all []SearchHit
	for _, hits := range results {
		all = append(all, hits...)
	}
	return all, int(failures.Load())
}

func buildQueries(req AffinityRequest, tokens []string) []string {
	var qs []string
	if len(tokens) > 0 {
		qs = append(qs, strings.Join(tokens[:min(len(tokens), 6)], " "))
	}
	if norm := contract.ParseNormalization(req.Normalization); norm != nil {
		if s := strings.TrimSpace(norm.Claim.Subject + " " + norm.Claim.Outcome); s != "" {
			qs = append(qs, s+" dataset")
		}
		if len(norm.Keywords) > 0 {
			qs = append(qs, strings.Join(norm.Keywords[:min(len(norm.Keywords), 4)], " ")+" data")
		}
	}
	if len(tokens) > 2 {
		qs = append(qs, strings.Join(tokens[:min(len(tokens), 3)], " ")+" csv")
	}
	qs = Unique(qs)
	if len(qs) > maxAffinityQueries {
		qs = qs[:maxAffinityQueries]
	}
	return qs
}

// ResolveRequest is the input to pass 2.
type ResolveRequest struct {
	Hypothesis    string
	Normalization string
	Plan          *contract.ExperimentPlan
	// Hint is a caller-supplied path or URL tried first.
	Hint     string
	Affinity *Affinity
}

// ResolvedDataset describes an accepted dataset.
type ResolvedDataset struct {
	Source      string      `json:"source"`
	Type        Kind        `json:"type"`
	Origin      Origin      `json:"origin"`
	Format      string      `json:"format"`
	MIME        string      `json:"mime,omitempty"`
	MIMEValid   bool        `json:"mime_valid"`
	ParseValid  bool        `json:"parse_valid"`
	RowCount    int         `json:"row_count"`
	ColCount    int         `json:"col_count"`
	HasHeader   bool        `json:"has_header"`
	Checksum    string      `json:"checksum,omitempty"`
	LocalPath   string      `json:"local_path,omitempty"`
	ColumnHints []string    `json:"column_hints,omitempty"`
	Synthetic   bool        `json:"synthetic"`
	Disallowed  bool        `json:"disallowed"`
	Fit         SemanticFit `json:"semantic_fit"`
}

// Real reports whether the dataset passed validation and is neither
// synthetic nor from a disallowed source.
func (d *ResolvedDataset) Real() bool {
	return d != nil && d.MIMEValid && d.ParseValid && !d.Synthetic && !d.Disallowed
}

// Relevant reports whether the dataset is real and fits the claim.
func (d *ResolvedDataset) Relevant() bool {
	return d.Real() && d.Fit.Passed
}

// Attempt records one validation try.
type Attempt struct {
	Source   string `json:"source"`
	Origin   Origin `json:"origin"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Resolution is the outcome of pass 2.
type Resolution struct {
	Dataset              *ResolvedDataset           `json:"dataset,omitempty"`
	Candidates           []Candidate                `json:"candidates,omitempty"`
	Attempts             []Attempt                  `json:"attempts,omitempty"`
	Discovery            *contract.DatasetDiscovery `json:"discovery,omitempty"`
	UserDecisionRequired bool                       `json:"user_decision_required"`
	Reason               string                     `json:"reason,omitempty"`
}

// Resolution reasons.
const (
	ReasonResolved   = "resolved a real dataset that fits the claim"
	ReasonIrrelevant = "found a real dataset but it does not fit the claim"
	ReasonExhausted  = "no real dataset could be resolved"
)

// Resolve runs pass 2. Declared, local and discovered candidates are ranked
// and the top K validated; web search is the fallback when none is
// accepted. Exhaustion never errors: it asks for a user decision.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) Resolution {
	tokens := ClaimTokens(req.Hypothesis, req.Normalization)
	aliases := proxyAliases(nil, req.Normalization)
	res := Resolution{}
	set := candidateSet{}

	if req.Hint != "" {
		set.add(NewCandidate(req.Hint, OriginHint, r.workspace))
	}
	r.planCandidates(&set, req.Plan)
	if req.Affinity != nil {
		for _, link := range req.Affinity.DatasetLinks {
			set.add(NewCandidate(link, OriginAffinity, r.workspace))
		}
	}
	for _, c := range ScanLocal(ctx, r.workspace, tokens, ScanOptions{
		MaxDepth: r.cfg.MaxScanDepth,
		MaxFiles: r.cfg.MaxScanFiles,
	}) {
		set.add(c)
	}

	if r.discoverer != nil {
		disc, err := r.discoverer.Discover(ctx, DiscoveryRequest{
			Hypothesis:    req.Hypothesis,
			Normalization: req.Normalization,
			Tokens:        tokens,
			Affinity:      req.Affinity,
		})
		if err != nil {
			r.logger.Warn("dataset discovery failed", "error", err)
		} else if disc != nil {
			res.Discovery = disc
			for _, p := range disc.VariableProxies {
				aliases = append(aliases, alias{variable: p.Key, proxy: p.Value})
			}
			for _, seed := range disc.SeedURLs {
				set.add(NewCandidate(seed, OriginDiscovery, r.workspace))
			}
			r.searchCandidates(ctx, &set, disc.Queries, OriginDiscovery)
		}
	}

	dataset, fallback := r.validateTop(ctx, &res, set.items, tokens, aliases)
	if dataset == nil && r.searcher != nil {
		before := len(set.items)
		r.searchCandidates(ctx, &set, webQueries(tokens, req.Affinity), OriginSearch)
		if extra := set.items[before:]; len(extra) > 0 {
			var fb *ResolvedDataset
			dataset, fb = r.validateTop(ctx, &res, extra, tokens, aliases)
			if fallback == nil {
				fallback = fb
			}
		}
	}

	switch {
	case dataset != nil:
		res.Dataset = dataset
		res.Reason = ReasonResolved
	case fallback != nil:
		res.Dataset = fallback
		res.UserDecisionRequired = true
		res.Reason = ReasonIrrelevant
	default:
		res.UserDecisionRequired = true
		res.Reason = ReasonExhausted
	}
	metricResolutions.WithLabelValues(resolutionLabel(res)).Inc()
	r.logger.Info("dataset resolution finished",
		"candidates", len(res.Candidates),
		"attempts", len(res.Attempts),
		"resolved", res.Dataset != nil,
		"user_decision_required", res.UserDecisionRequired,
	)
	return res
}

func resolutionLabel(res Resolution) string {
	switch {
	case res.Dataset != nil && !res.UserDecisionRequired:
		return "resolved"
	case res.Dataset != nil:
		return "irrelevant"
	default:
		return "exhausted"
	}
}

func (r *Resolver) planCandidates(set *candidateSet, plan *contract.ExperimentPlan) {
	if plan == nil {
		return
	}
	for _, dr := range plan.DataRequests {
		for _, src := range []string{dr.URL, dr.Path} {
			if src == "" {
				continue
			}
			c := NewCandidate(src, OriginDataRequest, r.workspace)
			c.Description = dr.Description
			if c.Format == "" {
				c.Format = dr.Format
			}
			set.add(c)
		}
	}
	for _, runner := range plan.OrderedRunners() {
		if !runner.IsField() {
			continue
		}
		for _, in := range runner.RequiredInputs {
			if IsURL(in) || FormatFromName(in) != "" {
				set.add(NewCandidate(in, OriginPlanInput, r.workspace))
			}
		}
	}
}

func (r *Resolver) searchCandidates(ctx context.Context, set *candidateSet, queries []string, origin Origin) {
	if r.searcher == nil || len(queries) == 0 {
		return
	}
	if len(queries) > maxAffinityQueries {
		queries = queries[:maxAffinityQueries]
	}
	hits, _ := r.searchAll(ctx, queries)
	for _, h := range hits {
		for _, link := range append([]string{h.URL}, h.Links...) {
			if !IsURL(link) {
				continue
			}
			c := NewCandidate(link, origin, r.workspace)
			c.Description = h.Title + " " + strings.Join(h.Keywords, " ")
			set.add(c)
		}
	}
}

func webQueries(tokens []string, aff *Affinity) []string {
	var qs []string
	if len(tokens) > 0 {
		qs = append(qs, strings.Join(tokens[:min(len(tokens), 5)], " ")+" dataset csv")
	}
	if aff != nil && len(aff.KeywordHints) > 0 {
		qs = append(qs, strings.Join(aff.KeywordHints[:min(len(aff.KeywordHints), 4)], " ")+" dataset")
	}
	return Unique(qs)
}

// validateTop ranks cands, validates the best K and returns the first
// relevant dataset, plus the first real one as a fallback.
func (r *Resolver) validateTop(ctx context.Context, res *Resolution, cands []Candidate, tokens []string, aliases []alias) (*ResolvedDataset, *ResolvedDataset) {
	ranked := Rank(cands, tokens)
	res.Candidates = append(res.Candidates, ranked...)
	for _, c := range ranked {
		metricCandidates.WithLabelValues(string(c.Origin)).Inc()
	}

	var fallback *ResolvedDataset
	tried := 0
	for _, c := range ranked {
		if tried >= r.cfg.TopK || ctx.Err() != nil {
			break
		}
		if c.Disallowed {
			res.Attempts = append(res.Attempts, Attempt{Source: c.Source, Origin: c.Origin, Reason: "disallowed url pattern"})
			metricValidations.WithLabelValues("skipped").Inc()
			continue
		}
		if c.Synthetic {
			res.Attempts = append(res.Attempts, Attempt{Source: c.Source, Origin: c.Origin, Reason: "synthetic source"})
			metricValidations.WithLabelValues("skipped").Inc()
			continue
		}
		tried++
		ds, reason := r.accept(ctx, c, tokens, aliases)
		att := Attempt{Source: c.Source, Origin: c.Origin, Accepted: ds != nil, Reason: reason}
		res.Attempts = append(res.Attempts, att)
		if ds == nil {
			metricValidations.WithLabelValues("rejected").Inc()
			r.logger.Debug("dataset candidate rejected", "source", c.Source, "reason", reason)
			continue
		}
		metricValidations.WithLabelValues("accepted").Inc()
		if ds.Relevant() {
			return ds, fallback
		}
		if fallback == nil {
			fallback = ds
		}
	}
	return nil, fallback
}

func (r *Resolver) accept(ctx context.Context, c Candidate, tokens []string, aliases []alias) (*ResolvedDataset, string) {
	data, declared, err := r.fetcher.Fetch(ctx, c.Source)
	if err != nil {
		return nil, err.Error()
	}
	v := Validate(data, declared, c.Source)
	if !v.Accepted() {
		return nil, v.Reason
	}

	content := data
	if v.Format == FormatHTMLTable {
		content = encodeCSV(v.table)
	}
	ds := &ResolvedDataset{
		Source:      c.Source,
		Type:        c.Kind,
		Origin:      c.Origin,
		Format:      v.Format,
		MIME:        v.MIME,
		MIMEValid:   v.MIMEValid,
		ParseValid:  v.ParseValid,
		RowCount:    v.RowCount,
		ColCount:    v.ColCount,
		HasHeader:   v.HasHeader,
		ColumnHints: v.Columns,
		Synthetic:   c.Synthetic || IsSynthetic(strings.Join(v.Columns, " ")),
		Disallowed:  c.Disallowed,
	}
	fitText := c.label() + " " + c.Description + " " + v.Sample(fitSampleRows)
	ds.Fit = ComputeFit(tokens, expandAliases(fitText, aliases), r.cfg.Fit)

	if r.dir != "" {
		sum, path, err := Store(r.dir, content, v.Format)
		if err != nil {
			r.logger.Warn("dataset cache write failed", "source", c.Source, "error", err)
			ds.Checksum = Checksum(content)
		} else {
			ds.Checksum, ds.LocalPath = sum, path
		}
	} else {
		ds.Checksum = Checksum(content)
	}
	if ds.LocalPath == "" && c.Kind == KindLocal && v.Format != FormatHTMLTable {
		ds.LocalPath, _ = filepath.Abs(c.Source)
	}
	if !ds.Fit.Passed {
		return ds, "semantic fit below threshold"
	}
	return ds, ""
}

// alias maps a claim variable to the name a dataset uses for it.
type alias struct {
	variable string
	proxy    string
}

func proxyAliases(base []alias, normalization string) []alias {
	if norm := contract.ParseNormalization(normalization); norm != nil {
		for _, p := range norm.VariableProxies {
			base = append(base, alias{variable: p.Key, proxy: p.Value})
		}
	}
	return base
}

// expandAliases appends claim variables whose proxy appears in text so a
// dataset naming the proxy column counts as matching the variable.
func expandAliases(text string, aliases []alias) string {
	if len(aliases) == 0 {
		return text
	}
	have := make(map[string]bool)
	for _, t := range Tokenize(text) {
		have[t] = true
	}
	var extra []string
	for _, a := range aliases {
		for _, t := range Tokenize(a.proxy) {
			if have[t] {
				extra = append(extra, a.variable)
				break
			}
		}
	}
	if len(extra) == 0 {
		return text
	}
	return text + " " + strings.Join(extra, " ")
}
