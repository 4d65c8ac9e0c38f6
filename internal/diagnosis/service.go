// Package diagnosis wires the catalog, matcher, upstream model and
// normalizer into the operations exposed by the HTTP API and the CLI.
package diagnosis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/joelkehle/symptomatch/internal/cache"
	"github.com/joelkehle/symptomatch/internal/catalog"
	"github.com/joelkehle/symptomatch/internal/matcher"
	"github.com/joelkehle/symptomatch/internal/normalizer"
	"github.com/joelkehle/symptomatch/internal/observability"
	"github.com/joelkehle/symptomatch/internal/report"
	"github.com/joelkehle/symptomatch/internal/upstream"
)

type Rerank string

const (
	// RerankUpstream keeps the model's ordering.
	RerankUpstream Rerank = "upstream"
	// RerankLocal moves candidates the local matcher also found to the
	// front, in catalog order.
	RerankLocal Rerank = "local"
)

const (
	DefaultTopN            = 3
	DefaultSuggestionLimit = 8
	maxChatMessage         = 4000
)

type Options struct {
	TopN   int
	Rerank Rerank
	Schema normalizer.Schema
	Match  matcher.Options
}

type Deps struct {
	Catalog   *catalog.Catalog
	Generator upstream.Generator
	Cache     cache.Store
	Renderer  report.Renderer
	Logger    zerolog.Logger
}

type Service struct {
	cat      *catalog.Catalog
	matcher  *matcher.Matcher
	gen      upstream.Generator
	cache    cache.Store
	renderer report.Renderer
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

// New validates opts and fills defaults. A nil Generator disables the AI
// operations; a nil Cache disables caching.
func New(deps Deps, opts Options) (*Service, error) {
	if deps.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	m, err := matcher.New(opts.Match)
	if err != nil {
		return nil, err
	}
	opts.Match = m.Options()
	if opts.TopN <= 0 {
		opts.TopN = DefaultTopN
	}
	switch opts.Rerank {
	case "":
		opts.Rerank = RerankUpstream
	case RerankUpstream, RerankLocal:
	default:
		return nil, fmt.Errorf("unknown rerank policy %q", opts.Rerank)
	}
	if len(opts.Schema.Fields) == 0 {
		opts.Schema = normalizer.DefaultSchema()
	}
	store := deps.Cache
	if store == nil {
		store = cache.Noop{}
	}
	return &Service{
		cat:      deps.Catalog,
		matcher:  m,
		gen:      deps.Generator,
		cache:    store,
		renderer: deps.Renderer,
		opts:     opts,
		logger:   deps.Logger.With().Str("component", "diagnosis").Logger(),
		now:      time.Now,
	}, nil
}

func (s *Service) Catalog() *catalog.Catalog { return s.cat }

func (s *Service) Options() Options { return s.opts }

func (s *Service) UpstreamConfigured() bool { return s.gen != nil }

// Match runs the local matcher. override replaces the configured matcher
// options for this call when non-nil.
func (s *Service) Match(query string, override *matcher.Options) ([]catalog.Candidate, error) {
	m := s.matcher
	if override != nil {
		var err error
		if m, err = matcher.New(*override); err != nil {
			return nil, NewInvalidInputError(err.Error())
		}
	}
	if len(m.Tokens(query)) == 0 {
		return nil, NewInvalidInputError("symptoms are required")
	}
	return m.Match(query, s.cat), nil
}

// Search matches the whole query against names, synonyms and codes.
func (s *Service) Search(query string) ([]*catalog.Record, error) {
	if matcher.NormalizeText(query) == "" {
		return nil, NewInvalidInputError("query is required")
	}
	return s.matcher.SearchNames(query, s.cat), nil
}

// Disease looks a record up by id, then by primary name or synonym.
func (s *Service) Disease(id string) (*catalog.Record, error) {
	if strings.TrimSpace(id) == "" {
		return nil, NewInvalidInputError("id is required")
	}
	if rec, ok := s.cat.Get(id); ok {
		return rec, nil
	}
	if rec, ok := s.cat.FindByName(id); ok {
		return rec, nil
	}
	return nil, NewNotFoundError(fmt.Sprintf("no catalog entry with id or name %q", id))
}

func (s *Service) List(kind catalog.Kind, page, perPage int) (catalog.Page, error) {
	switch kind {
	case "":
		kind = catalog.KindAll
	case catalog.KindAll, catalog.KindDisease, catalog.KindProcedure:
	default:
		return catalog.Page{}, NewInvalidInputError(fmt.Sprintf("unknown kind %q", kind))
	}
	if page < 0 || perPage < 0 {
		return catalog.Page{}, NewInvalidInputError("page and per_page must not be negative")
	}
	return catalog.Paginate(s.cat.Filter(kind), page, perPage), nil
}

type Diagnosis struct {
	Symptoms   []string            `json:"symptoms"`
	Candidates []catalog.Candidate `json:"candidates"`
	Cached     bool                `json:"cached"`
}

// Diagnose asks the model for the topN most likely catalog entries. topN <= 0
// uses the configured default.
func (s *Service) Diagnose(ctx context.Context, symptoms string, topN int) (*Diagnosis, error) {
	terms := s.matcher.Tokens(symptoms)
	if len(terms) == 0 {
		return nil, NewInvalidInputError("symptoms are required")
	}
	if s.gen == nil {
		return nil, errUnavailable()
	}
	if topN <= 0 {
		topN = s.opts.TopN
	}
	logger := observability.LoggerFromContext(ctx)

	key := cache.Key("diagnosis", strconv.Itoa(topN)+"|"+strings.Join(terms, ","))
	var cands []catalog.Candidate
	if s.cacheGetJSON(ctx, key, &cands) {
		s.linkAll(cands)
		return &Diagnosis{Symptoms: terms, Candidates: cands, Cached: true}, nil
	}

	hint := &upstream.FormatHint{JSON: true, Schema: "- a JSON array of objects with these fields:\n" + s.opts.Schema.Describe()}
	raw, err := s.gen.Generate(ctx, diagnosisPrompt(s.cat.PromptJSON(), terms, topN), hint)
	if err != nil {
		return nil, fromUpstream(err)
	}
	cands, err = normalizer.Normalize(raw, s.opts.Schema, topN)
	if err != nil {
		logger.Warn().Err(err).Int("raw_chars", len(raw)).Msg("diagnosis response rejected")
		return nil, fromNormalizer(err, raw)
	}
	s.linkAll(cands)
	s.attachMatches(symptoms, cands)
	if s.opts.Rerank == RerankLocal {
		rerankLocal(cands)
	}
	s.cacheSetJSON(ctx, key, cands)
	logger.Info().Strs("symptoms", terms).Int("candidates", len(cands)).Msg("diagnosis complete")
	return &Diagnosis{Symptoms: terms, Candidates: cands}, nil
}

// linkAll attaches catalog records by ID, falling back to name.
func (s *Service) linkAll(cands []catalog.Candidate) {
	for i := range cands {
		c := &cands[i]
		if rec, ok := s.cat.Get(c.ID); ok {
			c.Link(rec)
			continue
		}
		if rec, ok := s.cat.FindByName(c.PrimaryName); ok {
			c.Link(rec)
			continue
		}
		// an ID the catalog does not know is model invention
		c.ID = ""
	}
}

func (s *Service) attachMatches(symptoms string, cands []catalog.Candidate) {
	local := s.matcher.Match(symptoms, s.cat)
	byID := make(map[string][]string, len(local))
	for _, l := range local {
		byID[l.ID] = l.MatchedTerms
	}
	for i := range cands {
		if cands[i].Record != nil {
			cands[i].MatchedTerms = byID[cands[i].ID]
		}
	}
}

// rerankLocal stable-sorts locally matched candidates ahead of the rest,
// in catalog order.
func rerankLocal(cands []catalog.Candidate) {
	rank := func(c catalog.Candidate) int {
		if c.Record == nil || len(c.MatchedTerms) == 0 {
			return -1
		}
		return c.Record.Position()
	}
	sort.SliceStable(cands, func(i, j int) bool {
		ri, rj := rank(cands[i]), rank(cands[j])
		switch {
		case ri < 0:
			return false
		case rj < 0:
			return true
		default:
			return ri < rj
		}
	})
}

type Analysis struct {
	ID          string `json:"key_id"`
	PrimaryName string `json:"primary_name"`
	Markdown    string `json:"markdown"`
	HTML        string `json:"html"`
	Cached      bool   `json:"cached"`
}

// Analyze asks the model for a markdown overview of one catalog entry.
func (s *Service) Analyze(ctx context.Context, id string) (*Analysis, error) {
	rec, err := s.Disease(id)
	if err != nil {
		return nil, err
	}
	if s.gen == nil {
		return nil, errUnavailable()
	}
	out := &Analysis{ID: rec.ID, PrimaryName: rec.PrimaryName}

	key := cache.Key("analysis", rec.ID)
	if body, ok := s.cacheGet(ctx, key); ok {
		out.Markdown = string(body)
		out.Cached = true
	} else {
		raw, err := s.gen.Generate(ctx, analysisPrompt(rec), nil)
		if err != nil {
			return nil, fromUpstream(err)
		}
		out.Markdown = normalizer.StripFences(raw)
		if out.Markdown == "" {
			return nil, fromNormalizer(&normalizer.Error{Kind: normalizer.KindEmpty, Raw: raw}, raw)
		}
		s.cacheSet(ctx, key, []byte(out.Markdown))
	}

	html, err := report.MarkdownToHTML(out.Markdown)
	if err != nil {
		return nil, NewInternalError("render analysis", err)
	}
	out.HTML = html
	return out, nil
}

// SuggestSymptoms asks the model for symptom names related to a partial
// query. limit <= 0 uses DefaultSuggestionLimit.
func (s *Service) SuggestSymptoms(ctx context.Context, query string, limit int) ([]string, error) {
	q := matcher.NormalizeText(query)
	if q == "" {
		return nil, NewInvalidInputError("query is required")
	}
	if s.gen == nil {
		return nil, errUnavailable()
	}
	if limit <= 0 {
		limit = DefaultSuggestionLimit
	}

	key := cache.Key("suggestions", strconv.Itoa(limit)+"|"+q)
	var out []string
	if s.cacheGetJSON(ctx, key, &out) {
		return out, nil
	}
	raw, err := s.gen.Generate(ctx, suggestionPrompt(q, limit), &upstream.FormatHint{JSON: true, Schema: suggestionSchema})
	if err != nil {
		return nil, fromUpstream(err)
	}
	out, err = normalizer.NormalizeStrings(raw, limit)
	if err != nil {
		return nil, fromNormalizer(err, raw)
	}
	s.cacheSetJSON(ctx, key, out)
	return out, nil
}

// Chat returns a free-text reply. Replies are not cached.
func (s *Service) Chat(ctx context.Context, message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", NewInvalidInputError("message is required")
	}
	if len(message) > maxChatMessage {
		return "", NewInvalidInputError(fmt.Sprintf("message exceeds %d bytes", maxChatMessage))
	}
	if s.gen == nil {
		return "", errUnavailable()
	}
	names := make([]string, 0, s.cat.Len())
	for _, rec := range s.cat.Records() {
		names = append(names, rec.PrimaryName)
	}
	raw, err := s.gen.Generate(ctx, chatPrompt(names, message), nil)
	if err != nil {
		return "", fromUpstream(err)
	}
	reply := strings.TrimSpace(raw)
	if reply == "" {
		return "", fromNormalizer(&normalizer.Error{Kind: normalizer.KindEmpty, Raw: raw}, raw)
	}
	return reply, nil
}

type Report struct {
	Diagnosis *Diagnosis
	Markdown  string
	PDF       []byte
}

// Report diagnoses symptoms and lays the result out as a document. The PDF
// is rendered only when withPDF is set.
func (s *Service) Report(ctx context.Context, symptoms string, topN int, withPDF bool) (*Report, error) {
	if withPDF && s.renderer == nil {
		return nil, newError(CodeUnavailable, "PDF rendering is not configured", false, nil)
	}
	d, err := s.Diagnose(ctx, symptoms, topN)
	if err != nil {
		return nil, err
	}
	out := &Report{
		Diagnosis: d,
		Markdown:  report.BuildMarkdown(strings.Join(d.Symptoms, ", "), d.Candidates, s.now()),
	}
	if !withPDF {
		return out, nil
	}
	pdf, err := s.renderer.Render(ctx, "Symptom Report", out.Markdown)
	if err != nil {
		return nil, NewInternalError("render pdf", err)
	}
	out.PDF = pdf
	return out, nil
}

func (s *Service) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	v, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Str("key", key).Msg("cache get failed")
		return nil, false
	}
	return v, ok
}

func (s *Service) cacheSet(ctx context.Context, key string, v []byte) {
	if err := s.cache.Set(ctx, key, v); err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

func (s *Service) cacheGetJSON(ctx context.Context, key string, dst any) bool {
	v, ok := s.cacheGet(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(v, dst); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("discarding unreadable cache entry")
		return false
	}
	return true
}

func (s *Service) cacheSetJSON(ctx context.Context, key string, v any) {
	blob, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return
	}
	s.cacheSet(ctx, key, blob)
}
