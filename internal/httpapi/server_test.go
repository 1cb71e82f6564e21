package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caredirect/medrank/internal/metrics"
	"github.com/caredirect/medrank/pkg/medrank"
	"github.com/caredirect/medrank/pkg/medrank/practitioner"
)

func testEngine(t *testing.T) *medrank.Engine {
	t.Helper()
	corpus := `{"records": [
		{"id": "ep1", "name": "EP Doctor", "specialty": "Cardiology",
		 "subspecialties": ["Electrophysiology"],
		 "clinical_expertise": "Procedure: Catheter Ablation; Condition: Supraventricular Tachycardia"},
		{"id": "gc1", "name": "GC Doctor", "specialty": "Cardiology",
		 "clinical_expertise": "General cardiology"},
		{"id": "bl1", "name": "Blocked", "specialty": "Cardiology", "blacklisted": true,
		 "clinical_expertise": "Procedure: Catheter Ablation"}
	]}`
	path := filepath.Join(t.TempDir(), "corpus.json")
	if err := os.WriteFile(path, []byte(corpus), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := practitioner.LoadCorpus(path)
	if err != nil {
		t.Fatal(err)
	}
	// nil completer: degraded but deterministic
	e, err := medrank.New(medrank.Options{Corpus: c})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func testServer(t *testing.T) (*httptest.Server, *metrics.Recorder) {
	t.Helper()
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	s := New(Options{
		Engine:   testEngine(t),
		Recorder: rec,
		Version:  "test",
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return ts, rec
}

func postRank(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/rank", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRankEndpoint(t *testing.T) {
	ts, rec := testServer(t)

	resp := postRank(t, ts, `{"query": "SVT ablation", "shortlistSize": 5}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out medrank.RankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.TotalResults != 2 {
		t.Errorf("response = %+v", out)
	}
	for _, r := range out.Results {
		if r.ID == "bl1" {
			t.Error("blacklisted practitioner surfaced")
		}
	}
	if out.Results[0].ID != "ep1" {
		t.Errorf("top result = %s, want ep1", out.Results[0].ID)
	}

	stats := rec.Snapshot()
	if stats.Requests["v2"] != 1 {
		t.Errorf("request not recorded: %v", stats.Requests)
	}
}

func TestRankValidation(t *testing.T) {
	ts, _ := testServer(t)

	cases := map[string]string{
		"no query or specialty": `{}`,
		"bad variant":           `{"query": "q", "variant": "v9"}`,
		"oversized shortlist":   `{"query": "q", "shortlistSize": 500}`,
		"malformed json":        `{"query": `,
	}
	for name, body := range cases {
		if resp := postRank(t, ts, body); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}

	// manual specialty without a query is valid
	if resp := postRank(t, ts, `{"specialty": "Cardiology"}`); resp.StatusCode != http.StatusOK {
		t.Errorf("specialty-only request: status = %d, want 200", resp.StatusCode)
	}
}

func TestSearchEndpoint(t *testing.T) {
	ts, _ := testServer(t)

	resp, err := http.Get(ts.URL + "/api/search?q=ablation&limit=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out medrank.RankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.TotalResults != 1 {
		t.Errorf("limit ignored: %d results", out.TotalResults)
	}

	if resp, err = http.Get(ts.URL + "/api/search"); err != nil {
		t.Fatal(err)
	} else {
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("missing q: status = %d, want 400", resp.StatusCode)
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts, _ := testServer(t)

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Corpus  struct {
			Total       int `json:"total"`
			Blacklisted int `json:"blacklisted"`
		} `json:"corpus"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "ok" || out.Version != "test" {
		t.Errorf("status body = %+v", out)
	}
	if out.Corpus.Total != 3 || out.Corpus.Blacklisted != 1 {
		t.Errorf("corpus stats = %+v", out.Corpus)
	}
}

func TestStatsAndMetricsEndpoints(t *testing.T) {
	ts, _ := testServer(t)
	postRank(t, ts, `{"query": "SVT ablation"}`)

	resp, err := http.Get(ts.URL + "/api/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var stats metrics.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Requests["v2"] != 1 {
		t.Errorf("stats = %+v", stats)
	}

	mresp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer mresp.Body.Close()
	if mresp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", mresp.StatusCode)
	}
}
