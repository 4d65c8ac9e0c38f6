package diagnosis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/symptomatch/internal/cache"
	"github.com/joelkehle/symptomatch/internal/catalog"
	"github.com/joelkehle/symptomatch/internal/matcher"
	"github.com/joelkehle/symptomatch/internal/upstream"
)

type fakeGenerator struct {
	mu    sync.Mutex
	out   string
	err   error
	calls int
	parts [][]string
	hints []*upstream.FormatHint
}

func (f *fakeGenerator) Generate(_ context.Context, parts []string, hint *upstream.FormatHint) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.parts = append(f.parts, parts)
	f.hints = append(f.hints, hint)
	return f.out, f.err
}

type fakeRenderer struct {
	markdown string
	err      error
}

func (f *fakeRenderer) Render(_ context.Context, _ string, markdown string) ([]byte, error) {
	f.markdown = markdown
	if f.err != nil {
		return nil, f.err
	}
	return []byte("%PDF-1.4"), nil
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Load("../catalog/testdata/diseases.json")
	require.NoError(t, err)
	return cat
}

func newTestService(t *testing.T, gen upstream.Generator, opts Options) *Service {
	t.Helper()
	svc, err := New(Deps{
		Catalog:   testCatalog(t),
		Generator: gen,
		Cache:     cache.NewMemoryStore(16, time.Minute),
		Renderer:  &fakeRenderer{},
		Logger:    zerolog.Nop(),
	}, opts)
	require.NoError(t, err)
	return svc
}

func requireCode(t *testing.T, err error, code string) *Error {
	t.Helper()
	require.Error(t, err)
	var e *Error
	require.True(t, errors.As(err, &e), "got %T: %v", err, err)
	assert.Equal(t, code, e.Code)
	assert.Equal(t, statusForCode(code), e.Status)
	return e
}

const diagnosisReply = "```json\n[" +
	`{"primaryName":"Migraine","description":"Recurring headaches","remedies":["rest"]},` +
	`{"primary_name":"Influenza","key_id":"2","confidence":0.4},` +
	`{"primaryName":"Dengue"}` +
	"]\n```"

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)

	_, err = New(Deps{Catalog: testCatalog(t)}, Options{Rerank: "shuffle"})
	assert.Error(t, err)

	_, err = New(Deps{Catalog: testCatalog(t)}, Options{Match: matcher.Options{Mode: "fuzzy"}})
	assert.Error(t, err)

	svc, err := New(Deps{Catalog: testCatalog(t)}, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultTopN, svc.Options().TopN)
	assert.Equal(t, RerankUpstream, svc.Options().Rerank)
	assert.False(t, svc.UpstreamConfigured())
}

func TestMatch(t *testing.T) {
	svc := newTestService(t, nil, Options{})

	got, err := svc.Match("mala", nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Malaria", got[0].PrimaryName)

	got, err = svc.Match("zzz-no-match", nil)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	_, err = svc.Match(" , ", nil)
	requireCode(t, err, CodeInvalidInput)

	_, err = svc.Match("flu", &matcher.Options{Mode: "fuzzy"})
	requireCode(t, err, CodeInvalidInput)

	got, err = svc.Match("fever", &matcher.Options{Mode: matcher.ModeExact})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Influenza", got[0].PrimaryName)
}

func TestSearchAndLookup(t *testing.T) {
	svc := newTestService(t, nil, Options{})

	recs, err := svc.Search("flu")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "2", recs[0].ID)

	_, err = svc.Search("  ")
	requireCode(t, err, CodeInvalidInput)

	rec, err := svc.Disease("3")
	require.NoError(t, err)
	assert.Equal(t, "Migraine", rec.PrimaryName)

	_, err = svc.Disease("99")
	requireCode(t, err, CodeNotFound)

	rec, err = svc.Disease("Sick  Headache")
	require.NoError(t, err)
	assert.Equal(t, "3", rec.ID)

	rec, err = svc.Disease("malaria")
	require.NoError(t, err)
	assert.Equal(t, "1", rec.ID)
}

func TestList(t *testing.T) {
	svc := newTestService(t, nil, Options{})

	page, err := svc.List("", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)

	page, err = svc.List(catalog.KindProcedure, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Appendectomy", page.Items[0].PrimaryName)

	page, err = svc.List(catalog.KindDisease, 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 2, page.TotalPages)

	_, err = svc.List("symptom", 1, 10)
	requireCode(t, err, CodeInvalidInput)

	_, err = svc.List(catalog.KindAll, -1, 10)
	requireCode(t, err, CodeInvalidInput)
}

func TestDiagnoseLinksCandidatesToCatalog(t *testing.T) {
	gen := &fakeGenerator{out: diagnosisReply}
	svc := newTestService(t, gen, Options{})

	d, err := svc.Diagnose(context.Background(), "Fever, HEADACHE", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"fever", "headache"}, d.Symptoms)
	assert.False(t, d.Cached)
	require.Len(t, d.Candidates, 3)

	mig := d.Candidates[0]
	assert.Equal(t, "Migraine", mig.PrimaryName)
	assert.Equal(t, "3", mig.ID)
	assert.Equal(t, "Migraine headache", mig.ConsumerName)
	require.Len(t, mig.InfoLinks, 1)
	assert.Equal(t, "https://medlineplus.gov/migraine.html", mig.InfoLinks[0].URL)
	assert.Equal(t, []string{"headache"}, mig.MatchedTerms)

	flu := d.Candidates[1]
	assert.Equal(t, "2", flu.ID)
	assert.Equal(t, []string{"fever"}, flu.MatchedTerms)
	assert.Equal(t, "No description available.", flu.Description)

	dengue := d.Candidates[2]
	assert.Empty(t, dengue.ID)
	assert.Nil(t, dengue.Record)

	require.Len(t, gen.parts, 1)
	prompt := strings.Join(gen.parts[0], "\n")
	assert.Contains(t, prompt, `"primary_name":"Malaria"`)
	assert.Contains(t, prompt, "fever, headache")
	assert.Contains(t, prompt, "3 most likely")
	require.NotNil(t, gen.hints[0])
	assert.True(t, gen.hints[0].JSON)
	assert.Contains(t, gen.hints[0].Schema, "primaryName")
}

func TestDiagnosePromptIsDeterministic(t *testing.T) {
	gen := &fakeGenerator{out: "[]"}
	svc, err := New(Deps{Catalog: testCatalog(t), Generator: gen, Logger: zerolog.Nop()}, Options{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := svc.Diagnose(context.Background(), "fever", 2)
		require.NoError(t, err)
	}
	require.Len(t, gen.parts, 2)
	assert.Equal(t, gen.parts[0], gen.parts[1])
}

func TestDiagnoseTruncatesToTopN(t *testing.T) {
	gen := &fakeGenerator{out: diagnosisReply}
	svc := newTestService(t, gen, Options{})

	d, err := svc.Diagnose(context.Background(), "fever", 2)
	require.NoError(t, err)
	require.Len(t, d.Candidates, 2)
	assert.Equal(t, "Migraine", d.Candidates[0].PrimaryName)
	assert.Equal(t, "Influenza", d.Candidates[1].PrimaryName)
}

func TestDiagnoseLocalRerank(t *testing.T) {
	gen := &fakeGenerator{out: `[{"primaryName":"Dengue"},{"primaryName":"Migraine"},{"primaryName":"Influenza"}]`}
	svc := newTestService(t, gen, Options{Rerank: RerankLocal})

	d, err := svc.Diagnose(context.Background(), "cough, headache", 3)
	require.NoError(t, err)
	names := make([]string, 0, len(d.Candidates))
	for _, c := range d.Candidates {
		names = append(names, c.PrimaryName)
	}
	assert.Equal(t, []string{"Influenza", "Migraine", "Dengue"}, names)
}

func TestDiagnoseUsesCache(t *testing.T) {
	gen := &fakeGenerator{out: diagnosisReply}
	svc := newTestService(t, gen, Options{})

	_, err := svc.Diagnose(context.Background(), "fever, headache", 3)
	require.NoError(t, err)
	d, err := svc.Diagnose(context.Background(), " FEVER ,headache ", 3)
	require.NoError(t, err)
	assert.True(t, d.Cached)
	assert.Equal(t, 1, gen.calls)
	require.Len(t, d.Candidates, 3)
	assert.NotNil(t, d.Candidates[0].Record)
	assert.Equal(t, []string{"headache"}, d.Candidates[0].MatchedTerms)

	// a different topN is a different question
	_, err = svc.Diagnose(context.Background(), "fever, headache", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, gen.calls)
}

func TestDiagnoseErrors(t *testing.T) {
	ctx := context.Background()

	_, err := newTestService(t, &fakeGenerator{}, Options{}).Diagnose(ctx, " ", 3)
	requireCode(t, err, CodeInvalidInput)

	_, err = newTestService(t, nil, Options{}).Diagnose(ctx, "fever", 3)
	requireCode(t, err, CodeUnavailable)

	raw := "Sorry, I cannot help with that."
	_, err = newTestService(t, &fakeGenerator{out: raw}, Options{}).Diagnose(ctx, "fever", 3)
	e := requireCode(t, err, CodeNormalization)
	assert.Equal(t, raw, e.RawResponse)

	timeout := &upstream.Error{Kind: upstream.ErrTimeout, Class: upstream.FailureTimeout, Err: context.DeadlineExceeded}
	_, err = newTestService(t, &fakeGenerator{err: timeout}, Options{}).Diagnose(ctx, "fever", 3)
	e = requireCode(t, err, CodeUpstreamTimeout)
	assert.True(t, e.Transient)
	assert.True(t, errors.Is(err, upstream.ErrTimeout))

	_, err = newTestService(t, &fakeGenerator{err: context.DeadlineExceeded}, Options{}).Diagnose(ctx, "fever", 3)
	requireCode(t, err, CodeUpstreamTimeout)

	_, err = newTestService(t, &fakeGenerator{err: errors.New("status 500")}, Options{}).Diagnose(ctx, "fever", 3)
	requireCode(t, err, CodeUpstreamFailure)
}

func TestDiagnoseDoesNotCacheFailures(t *testing.T) {
	gen := &fakeGenerator{out: "not json"}
	svc := newTestService(t, gen, Options{})
	_, err := svc.Diagnose(context.Background(), "fever", 3)
	require.Error(t, err)

	gen.out = diagnosisReply
	d, err := svc.Diagnose(context.Background(), "fever", 3)
	require.NoError(t, err)
	assert.False(t, d.Cached)
}

func TestDiagnoseThroughPoolTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	slow := generatorFunc(func(ctx context.Context) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-block:
			return "[]", nil
		}
	})
	pool := upstream.NewPool(slow, upstream.PoolConfig{Workers: 1, Timeout: 20 * time.Millisecond, BaseDelay: time.Millisecond}, zerolog.Nop())
	svc := newTestService(t, pool, Options{})

	_, err := svc.Diagnose(context.Background(), "fever", 3)
	requireCode(t, err, CodeUpstreamTimeout)
}

type generatorFunc func(ctx context.Context) (string, error)

func (f generatorFunc) Generate(ctx context.Context, _ []string, _ *upstream.FormatHint) (string, error) {
	return f(ctx)
}

func TestAnalyze(t *testing.T) {
	gen := &fakeGenerator{out: "```markdown\n## Overview\n\nMigraine is a headache disorder.\n```"}
	svc := newTestService(t, gen, Options{})

	a, err := svc.Analyze(context.Background(), "3")
	require.NoError(t, err)
	assert.Equal(t, "Migraine", a.PrimaryName)
	assert.Equal(t, "## Overview\n\nMigraine is a headache disorder.", a.Markdown)
	assert.Contains(t, a.HTML, "<h2>Overview</h2>")
	assert.Contains(t, strings.Join(gen.parts[0], " "), "Migraine (also called Migraine headache)")
	assert.Nil(t, gen.hints[0])

	a, err = svc.Analyze(context.Background(), "3")
	require.NoError(t, err)
	assert.True(t, a.Cached)
	assert.Equal(t, 1, gen.calls)

	_, err = svc.Analyze(context.Background(), "404")
	requireCode(t, err, CodeNotFound)

	_, err = newTestService(t, &fakeGenerator{out: "```\n```"}, Options{}).Analyze(context.Background(), "1")
	requireCode(t, err, CodeNormalization)
}

func TestSuggestSymptoms(t *testing.T) {
	gen := &fakeGenerator{out: `["fever", "Fever", "fever with chills", "night sweats"]`}
	svc := newTestService(t, gen, Options{})

	got, err := svc.SuggestSymptoms(context.Background(), "  Fev ", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"fever", "fever with chills"}, got)
	assert.Contains(t, strings.Join(gen.parts[0], " "), "fev")

	got, err = svc.SuggestSymptoms(context.Background(), "fev", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, gen.calls)

	_, err = svc.SuggestSymptoms(context.Background(), "", 0)
	requireCode(t, err, CodeInvalidInput)

	_, err = newTestService(t, &fakeGenerator{out: `{"a":1}`}, Options{}).SuggestSymptoms(context.Background(), "fev", 0)
	requireCode(t, err, CodeNormalization)
}

func TestChat(t *testing.T) {
	gen := &fakeGenerator{out: "  Rest and drink fluids.  "}
	svc := newTestService(t, gen, Options{})

	reply, err := svc.Chat(context.Background(), "What helps with the flu?")
	require.NoError(t, err)
	assert.Equal(t, "Rest and drink fluids.", reply)
	prompt := strings.Join(gen.parts[0], "\n")
	assert.Contains(t, prompt, "Malaria; Influenza; Migraine; Appendectomy")
	assert.Contains(t, prompt, "User: What helps with the flu?")

	_, err = svc.Chat(context.Background(), "   ")
	requireCode(t, err, CodeInvalidInput)

	_, err = svc.Chat(context.Background(), strings.Repeat("a", maxChatMessage+1))
	requireCode(t, err, CodeInvalidInput)

	_, err = newTestService(t, nil, Options{}).Chat(context.Background(), "hi")
	requireCode(t, err, CodeUnavailable)
}

func TestReport(t *testing.T) {
	gen := &fakeGenerator{out: diagnosisReply}
	renderer := &fakeRenderer{}
	svc, err := New(Deps{Catalog: testCatalog(t), Generator: gen, Renderer: renderer, Logger: zerolog.Nop()}, Options{})
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }

	r, err := svc.Report(context.Background(), "fever, headache", 2, true)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(r.PDF))
	assert.Equal(t, r.Markdown, renderer.markdown)
	assert.Contains(t, r.Markdown, "**Symptoms:** fever, headache")
	assert.Contains(t, r.Markdown, "## 1. Migraine")
	assert.Contains(t, r.Markdown, "May 1, 2026")

	r, err = svc.Report(context.Background(), "fever", 2, false)
	require.NoError(t, err)
	assert.Nil(t, r.PDF)

	renderer.err = errors.New("chrome crashed")
	_, err = svc.Report(context.Background(), "cough", 2, true)
	requireCode(t, err, CodeInternal)

	noPDF, err := New(Deps{Catalog: testCatalog(t), Generator: gen, Logger: zerolog.Nop()}, Options{})
	require.NoError(t, err)
	_, err = noPDF.Report(context.Background(), "fever", 2, true)
	requireCode(t, err, CodeUnavailable)
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))

	e := AsError(errors.New("boom"))
	assert.Equal(t, CodeInternal, e.Code)
	assert.Equal(t, 500, e.Status)

	nf := NewNotFoundError("gone")
	assert.Same(t, nf, AsError(nf))
}
