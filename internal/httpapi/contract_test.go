package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/symptomatch/internal/cache"
	"github.com/joelkehle/symptomatch/internal/catalog"
	"github.com/joelkehle/symptomatch/internal/diagnosis"
)

func newContractServer(t *testing.T, store cache.Store) *httptest.Server {
	t.Helper()
	cat, err := catalog.Load("../catalog/testdata/diseases.json")
	require.NoError(t, err)
	svc, err := diagnosis.New(diagnosis.Deps{
		Catalog:   cat,
		Generator: &scriptedGenerator{},
		Cache:     store,
		Renderer:  stubRenderer{},
		Logger:    zerolog.Nop(),
	}, diagnosis.Options{Rerank: diagnosis.RerankLocal})
	require.NoError(t, err)
	srv := httptest.NewServer(NewServer(svc, Config{}, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, c *http.Client, method, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(blob)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	require.NoError(t, err)
	return resp
}

func mustStatus(t *testing.T, resp *http.Response, want int) []byte {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, want, resp.StatusCode, string(b))
	return b
}

func runContractAllEndpoints(t *testing.T, base string) {
	c := &http.Client{Timeout: 5 * time.Second}

	mustStatus(t, doJSON(t, c, http.MethodGet, base+"/v1/health", nil), http.StatusOK)
	mustStatus(t, doJSON(t, c, http.MethodGet, base+"/v1/diseases?page=1&per_page=2", nil), http.StatusOK)
	mustStatus(t, doJSON(t, c, http.MethodGet, base+"/v1/diseases/1", nil), http.StatusOK)
	mustStatus(t, doJSON(t, c, http.MethodGet, base+"/v1/diseases/1/analysis", nil), http.StatusOK)
	mustStatus(t, doJSON(t, c, http.MethodGet, base+"/v1/search?q=ague", nil), http.StatusOK)
	mustStatus(t, doJSON(t, c, http.MethodGet, base+"/v1/match?symptoms=fever,headache&sort=matched_count&limit=2", nil), http.StatusOK)
	mustStatus(t, doJSON(t, c, http.MethodGet, base+"/v1/symptom-suggestions?q=fev", nil), http.StatusOK)
	mustStatus(t, doJSON(t, c, http.MethodPost, base+"/v1/chat", map[string]any{"message": "hello"}), http.StatusOK)
	mustStatus(t, doJSON(t, c, http.MethodGet, base+"/v1/diagnosis/report?symptoms=cough", nil), http.StatusOK)

	var first, second struct {
		OK         bool                `json:"ok"`
		Candidates []catalog.Candidate `json:"candidates"`
		Cached     bool                `json:"cached"`
	}
	b := mustStatus(t, doJSON(t, c, http.MethodPost, base+"/v1/diagnosis", map[string]any{"symptoms": "ague, cough", "top_n": 3}), http.StatusOK)
	require.NoError(t, json.Unmarshal(b, &first))
	b = mustStatus(t, doJSON(t, c, http.MethodGet, base+"/v1/diagnosis?symptoms=AGUE,cough&top_n=3", nil), http.StatusOK)
	require.NoError(t, json.Unmarshal(b, &second))

	assert.True(t, first.OK)
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	require.Len(t, first.Candidates, 2)
	// local rerank puts catalog order first: Malaria precedes Influenza
	assert.Equal(t, "Malaria", first.Candidates[0].PrimaryName)
	assert.Equal(t, []string{"ague"}, first.Candidates[0].MatchedTerms)
	assert.Equal(t, first.Candidates, second.Candidates)
}

func TestContractAllEndpoints(t *testing.T) {
	srv := newContractServer(t, cache.NewMemoryStore(32, time.Minute))
	runContractAllEndpoints(t, srv.URL)
}

func TestContractAllEndpointsSQLiteCache(t *testing.T) {
	store, err := cache.NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	srv := newContractServer(t, store)
	runContractAllEndpoints(t, srv.URL)
}
