package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shpitdev/property-enrichment/internal/api"
	"github.com/shpitdev/property-enrichment/internal/bulk"
	"github.com/shpitdev/property-enrichment/internal/cache"
	"github.com/shpitdev/property-enrichment/internal/enrich"
	"github.com/shpitdev/property-enrichment/internal/store/memory"
)

type fixture struct {
	srv   *httptest.Server
	calls *int
	mu    *sync.Mutex
}

func okEnricher(calls *int, mu *sync.Mutex) enrich.Enricher {
	return enrich.EnricherFunc(func(_ context.Context, req enrich.Request) (enrich.Record, error) {
		mu.Lock()
		*calls++
		mu.Unlock()
		if req.Target.Name == "Broken" {
			return enrich.Record{}, errors.New("model refused")
		}
		return enrich.Record{
			Payload:         map[string]any{"overview": req.Target.Name},
			ConfidenceScore: 0.8,
			DataSource:      "fake",
		}, nil
	})
}

func newFixture(t *testing.T, store cache.Store, fwd api.Forwarder) fixture {
	t.Helper()

	calls := 0
	mu := &sync.Mutex{}
	gw := cache.NewGateway(store, nil)
	orch := bulk.New(bulk.Config{Gateway: gw, Enricher: okEnricher(&calls, mu)})
	s, err := api.New(api.Config{
		Orchestrator:   orch,
		Gateway:        gw,
		Forwarder:      fwd,
		DefaultMaxWait: 10 * time.Second,
		MaxWaitCap:     30 * time.Second,
	})
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return fixture{srv: ts, calls: &calls, mu: mu}
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

type fakeForwarder struct {
	delivered bool
	err       error
	got       []string
}

func (f *fakeForwarder) Forward(_ context.Context, id string) (bool, error) {
	f.got = append(f.got, id)
	return f.delivered, f.err
}

func TestResume_Validation(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, memory.New(), nil)

	resp, out := postJSON(t, fx.srv.URL+"/bulk/resume", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest || out["kind"] != "validation" {
		t.Fatalf("missing id: status=%d body=%v", resp.StatusCode, out)
	}

	resp, out = postJSON(t, fx.srv.URL+"/bulk/resume", map[string]any{"requestId": "nope"})
	if resp.StatusCode != http.StatusNotFound || out["status"] != "not_found" {
		t.Fatalf("unknown id: status=%d body=%v", resp.StatusCode, out)
	}

	get, err := http.Get(fx.srv.URL + "/bulk/resume")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	get.Body.Close()
	if get.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status=%d", get.StatusCode)
	}
}

func TestResume_ForwardsToPeers(t *testing.T) {
	t.Parallel()

	fwd := &fakeForwarder{delivered: true}
	fx := newFixture(t, memory.New(), fwd)

	resp, out := postJSON(t, fx.srv.URL+"/bulk/resume", map[string]any{"requestId": "held-elsewhere"})
	if resp.StatusCode != http.StatusAccepted || out["status"] != "forwarded" {
		t.Fatalf("status=%d body=%v", resp.StatusCode, out)
	}
	if len(fwd.got) != 1 || fwd.got[0] != "held-elsewhere" {
		t.Fatalf("forwarded ids: %v", fwd.got)
	}

	fwd.delivered = false
	fwd.err = errors.New("redis down")
	resp, out = postJSON(t, fx.srv.URL+"/bulk/resume", map[string]any{"requestId": "held-elsewhere"})
	if resp.StatusCode != http.StatusNotFound || out["status"] != "not_found" {
		t.Fatalf("bus failure should not surface as 5xx: status=%d body=%v", resp.StatusCode, out)
	}
}

func TestBulkRun_StreamsAndResumes(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, memory.New(), nil)
	body := `{"items":[{"targetId":"Hebbal|Bangalore"},{"targetId":"Whitefield|Bangalore"}],"maxWaitSeconds":20}`
	resp, err := http.Post(fx.srv.URL+"/bulk/run", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content-type=%q", ct)
	}

	start := time.Now()
	var types []string
	var done map[string]any
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var ev map[string]any
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		typ, _ := ev["type"].(string)
		types = append(types, typ)
		switch typ {
		case "cooldown":
			if ev["nextTargetId"] != "Whitefield|Bangalore" {
				t.Fatalf("cooldown event: %v", ev)
			}
			id, _ := ev["requestId"].(string)
			r, out := postJSON(t, fx.srv.URL+"/bulk/resume", map[string]any{"requestId": id})
			if r.StatusCode != http.StatusOK || out["status"] != "resumed" {
				t.Fatalf("resume: status=%d body=%v", r.StatusCode, out)
			}
		case "cooldown_end":
			if ev["outcome"] != "resumed" {
				t.Fatalf("cooldown_end: %v", ev)
			}
		case "done":
			done = ev
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("resume did not shorten the cooldown")
	}

	want := []string{"result", "cooldown", "cooldown_end", "result", "done"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("events=%v want %v", types, want)
	}
	if done["enriched"] != float64(2) {
		t.Fatalf("done=%v", done)
	}
}

func TestBulkRun_RejectsInvalidItems(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, memory.New(), nil)
	resp, out := postJSON(t, fx.srv.URL+"/bulk/run", map[string]any{
		"items": []map[string]any{{"targetId": "Hebbal|Bangalore"}, {"targetId": "no-parent"}},
	})
	if resp.StatusCode != http.StatusBadRequest || out["kind"] != "validation" {
		t.Fatalf("status=%d body=%v", resp.StatusCode, out)
	}
	if *fx.calls != 0 {
		t.Fatalf("enricher called for invalid batch")
	}
}

func TestSearch(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, memory.New(), nil)
	url := fx.srv.URL + "/enrich/search"

	resp, out := postJSON(t, url, map[string]any{"targetName": "Koramangala", "parentName": "Bangalore"})
	if resp.StatusCode != http.StatusOK || out["fromCache"] != false {
		t.Fatalf("first: status=%d body=%v", resp.StatusCode, out)
	}
	rec, _ := out["record"].(map[string]any)
	if slug, _ := rec["slug"].(string); slug != (enrich.Target{Name: "Koramangala", Parent: "Bangalore"}).Slug() {
		t.Fatalf("record=%v", rec)
	}

	resp, out = postJSON(t, url, map[string]any{"targetName": "koramangala", "parentName": "bangalore"})
	if resp.StatusCode != http.StatusOK || out["fromCache"] != true {
		t.Fatalf("second: status=%d body=%v", resp.StatusCode, out)
	}

	resp, out = postJSON(t, url, map[string]any{"targetName": "Koramangala"})
	if resp.StatusCode != http.StatusBadRequest || out["kind"] != "validation" {
		t.Fatalf("validation: status=%d body=%v", resp.StatusCode, out)
	}

	resp, out = postJSON(t, url, map[string]any{"targetName": "Broken", "parentName": "Bangalore"})
	if resp.StatusCode != http.StatusBadGateway || out["kind"] != "upstream" {
		t.Fatalf("upstream: status=%d body=%v", resp.StatusCode, out)
	}
}

type brokenStore struct {
	cache.Store
}

func (brokenStore) UpsertTarget(context.Context, int64, enrich.Record) (enrich.Record, error) {
	return enrich.Record{}, errors.New("connection refused")
}

func (brokenStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func TestSearch_PersistenceFailure(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, brokenStore{Store: memory.New()}, nil)
	resp, out := postJSON(t, fx.srv.URL+"/enrich/search", map[string]any{"targetName": "Hebbal", "parentName": "Bangalore"})
	if resp.StatusCode != http.StatusInternalServerError || out["kind"] != "persistence" {
		t.Fatalf("status=%d body=%v", resp.StatusCode, out)
	}

	h, err := http.Get(fx.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	h.Body.Close()
	if h.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("healthz status=%d", h.StatusCode)
	}
}

func TestAnalyzeAndHealth(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, memory.New(), nil)

	resp, out := postJSON(t, fx.srv.URL+"/query/analyze", map[string]any{"query": "Embassy Lake Terraces"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%v", resp.StatusCode, out)
	}
	analysis, _ := out["analysis"].(map[string]any)
	if analysis["category"] != "property-specific" || analysis["optimizedQuery"] != "embassy lake terraces" {
		t.Fatalf("analysis=%v", analysis)
	}

	resp, _ = postJSON(t, fx.srv.URL+"/query/analyze", map[string]any{"query": "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty query status=%d", resp.StatusCode)
	}

	h, err := http.Get(fx.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer h.Body.Close()
	var health map[string]any
	if err := json.NewDecoder(h.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.StatusCode != http.StatusOK || health["status"] != "ok" || health["pendingWaits"] != float64(0) {
		t.Fatalf("healthz status=%d body=%v", h.StatusCode, health)
	}
}
