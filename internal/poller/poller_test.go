package poller

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alertops/dataminr-relay/internal/dataminr"
	"github.com/alertops/dataminr-relay/internal/store"
)

// feedStub is a scriptable vendor: each alerts request pops the next page
// script entry; the from cursors of all requests are recorded.
type feedStub struct {
	mu      sync.Mutex
	cursors []string
	pages   []feedPage
}

type feedPage struct {
	status   int
	alerts   int    // number of alerts to fabricate
	nextFrom string // value embedded in the nextPage URL, "" for none
}

func (f *feedStub) handler(t *testing.T) http.Handler {
	var alertSeq int
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"dmaToken": "tok", "expire": time.Now().Add(time.Hour).UnixMilli(),
		})
	})
	mux.HandleFunc("/v1/alerts", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.cursors = append(f.cursors, r.URL.Query().Get("from"))
		if len(f.pages) == 0 {
			f.mu.Unlock()
			t.Errorf("unexpected extra alerts request")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		page := f.pages[0]
		f.pages = f.pages[1:]
		f.mu.Unlock()

		if page.status != 0 && page.status != http.StatusOK {
			w.Header().Set("X-RateLimit-Reset", "1")
			w.WriteHeader(page.status)
			return
		}

		alerts := make([]map[string]any, 0, page.alerts)
		now := time.Now().UnixMilli()
		for i := 0; i < page.alerts; i++ {
			alertSeq++
			alerts = append(alerts, map[string]any{
				"alertId":        fmt.Sprintf("a-%d", alertSeq),
				"alertTimestamp": now - int64(alertSeq),
				"alertType":      map[string]string{"name": "flash"},
			})
		}
		resp := map[string]any{"alerts": alerts}
		if page.nextFrom != "" {
			resp["nextPage"] = "https://feed.example.com/v1/alerts?from=" + page.nextFrom
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func (f *feedStub) seenCursors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cursors))
	copy(out, f.cursors)
	return out
}

// newFeedPoller wires a poller to the stub with test-friendly settings.
func newFeedPoller(t *testing.T, srv *httptest.Server, st *store.Store, pageSize, maxPages int) *Poller {
	t.Helper()
	client := dataminr.New(dataminr.Config{
		BaseURL:      srv.URL,
		ClientID:     "id",
		ClientSecret: "secret",
		MaxRetries:   1,
	})
	client.Start(context.Background())
	t.Cleanup(client.Stop)

	p := New(Config{
		Client:   client,
		Store:    st,
		PageSize: pageSize,
		MaxPages: maxPages,
	})
	p.pagePause = func() time.Duration { return 0 }
	return p
}

// ---- feed cycles ------------------------------------------------------------

func TestFeedCycle_CursorResumption(t *testing.T) {
	stub := &feedStub{pages: []feedPage{
		{alerts: 2, nextFrom: "c1"}, // full page, keep paging
		{alerts: 1},                 // short page, cycle ends
		{alerts: 0},                 // next cycle's single page
	}}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	st := store.New(store.Config{})
	p := newFeedPoller(t, srv, st, 2, 10)

	if err := p.runAlertsCycle(context.Background()); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	if err := p.runAlertsCycle(context.Background()); err != nil {
		t.Fatalf("cycle 2: %v", err)
	}

	got := stub.seenCursors()
	want := []string{"", "c1", "c1"}
	if len(got) != len(want) {
		t.Fatalf("expected %d requests, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request %d cursor = %q, want %q", i, got[i], want[i])
		}
	}

	state := p.Snapshot()
	if state.LastCursor != "c1" {
		t.Errorf("state.LastCursor = %q, want c1", state.LastCursor)
	}
	if state.TotalAlertsProcessed != 3 {
		t.Errorf("total processed = %d, want 3", state.TotalAlertsProcessed)
	}
	if st.Len() != 3 {
		t.Errorf("store should hold 3 alerts, has %d", st.Len())
	}
}

func TestFeedCycle_ShortPageStopsPagination(t *testing.T) {
	stub := &feedStub{pages: []feedPage{{alerts: 1}}}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	p := newFeedPoller(t, srv, store.New(store.Config{}), 5, 10)

	if err := p.runAlertsCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if n := len(stub.seenCursors()); n != 1 {
		t.Errorf("short page must end the cycle after 1 request, saw %d", n)
	}
}

func TestFeedCycle_MaxPagesBoundsCycle(t *testing.T) {
	stub := &feedStub{pages: []feedPage{
		{alerts: 2, nextFrom: "c1"},
		{alerts: 2, nextFrom: "c2"},
		{alerts: 2, nextFrom: "c3"},
		{alerts: 2, nextFrom: "c4"}, // never requested: maxPages = 3
	}}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	p := newFeedPoller(t, srv, store.New(store.Config{}), 2, 3)

	if err := p.runAlertsCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if n := len(stub.seenCursors()); n != 3 {
		t.Errorf("expected exactly maxPages=3 requests, saw %d", n)
	}
}

func TestFeedCycle_RateLimitAbortsCleanlyPreservingCursor(t *testing.T) {
	stub := &feedStub{pages: []feedPage{
		{alerts: 2, nextFrom: "c1"},
		{status: http.StatusTooManyRequests}, // page 2, first attempt
		{status: http.StatusTooManyRequests}, // page 2, client-level retry
		{alerts: 0},                          // next cycle resumes from c1
	}}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	p := newFeedPoller(t, srv, store.New(store.Config{}), 2, 10)

	// A rate-limited cycle is not an error: the next tick retries.
	if err := p.runAlertsCycle(context.Background()); err != nil {
		t.Fatalf("rate-limited cycle must end cleanly, got %v", err)
	}
	if state := p.Snapshot(); state.LastCursor != "c1" {
		t.Fatalf("cursor must survive a rate-limited cycle, got %q", state.LastCursor)
	}

	if err := p.runAlertsCycle(context.Background()); err != nil {
		t.Fatalf("follow-up cycle: %v", err)
	}
	got := stub.seenCursors()
	if got[len(got)-1] != "c1" {
		t.Errorf("follow-up cycle must resume from c1, got %q", got[len(got)-1])
	}
}

func TestAlertsCycle_BusyFlagSuppressesReentry(t *testing.T) {
	p := New(Config{Store: store.New(store.Config{})})
	p.alertsBusy.Store(true)

	// With the busy flag held, the cycle is a no-op even though no client
	// is wired; reaching into the nil client would panic.
	if err := p.runAlertsCycle(context.Background()); err != nil {
		t.Fatalf("suppressed cycle must be clean, got %v", err)
	}
}

// ---- bulk cycles ------------------------------------------------------------

func TestBulkCycle_AdvancesWatermark(t *testing.T) {
	var sinceSeen []string
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sinceSeen = append(sinceSeen, r.URL.Query().Get("since"))
		mu.Unlock()

		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		f, _ := zw.Create("305.json")
		_, _ = f.Write([]byte(`{"alerts":[{"alertId":"b1","alertTimestamp":` +
			fmt.Sprint(time.Now().UnixMilli()) + `}]}`))
		_ = zw.Close()
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	st := store.New(store.Config{})
	p := New(Config{
		Bulk: dataminr.NewBulk(dataminr.BulkConfig{
			DownloadURL: srv.URL + "/bulk", ClientID: "c", ClientSecret: "s",
		}),
		Store: st,
	})

	if err := p.runAlertsCycle(context.Background()); err != nil {
		t.Fatalf("bulk cycle 1: %v", err)
	}
	if state := p.Snapshot(); state.LastSince != 305 {
		t.Fatalf("watermark = %d, want 305", state.LastSince)
	}
	if _, ok := st.ByID("b1"); !ok {
		t.Error("bulk alert not admitted into the store")
	}

	if err := p.runAlertsCycle(context.Background()); err != nil {
		t.Fatalf("bulk cycle 2: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sinceSeen) != 2 || sinceSeen[0] != "0" || sinceSeen[1] != "305" {
		t.Errorf("since progression = %v, want [0 305]", sinceSeen)
	}
}

// ---- lists cycles -----------------------------------------------------------

func TestListsCycle_RefreshAndFailurePreservesCatalog(t *testing.T) {
	var fail bool
	var mu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"dmaToken": "tok", "expire": time.Now().Add(time.Hour).UnixMilli(),
		})
	})
	mux.HandleFunc("/v1/lists", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		f := fail
		mu.Unlock()
		if f {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"lists":{"TOPIC":[{"id":"1","name":"Cyber"}]}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := dataminr.New(dataminr.Config{BaseURL: srv.URL, ClientID: "id", ClientSecret: "s", MaxRetries: 1})
	client.Start(context.Background())
	defer client.Stop()

	st := store.New(store.Config{})
	p := New(Config{Client: client, Store: st})

	p.runListsCycle(context.Background())
	if got := st.Lists(); len(got) != 1 || got[0].Name != "Cyber" {
		t.Fatalf("unexpected catalog after refresh: %v", got)
	}

	mu.Lock()
	fail = true
	mu.Unlock()

	p.runListsCycle(context.Background())
	if got := st.Lists(); len(got) != 1 {
		t.Fatalf("failed refresh must preserve the catalog, got %v", got)
	}
}

// ---- lifecycle --------------------------------------------------------------

func TestInitShutdown_Lifecycle(t *testing.T) {
	stub := &feedStub{pages: []feedPage{{alerts: 0}}}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	mux := srv.Config.Handler.(*http.ServeMux)
	mux.HandleFunc("/v1/lists", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"lists":{}}`))
	})

	p := newFeedPoller(t, srv, store.New(store.Config{}), 2, 10)

	p.Init(context.Background())
	if !p.Initialized() {
		t.Fatal("poller must report initialized after Init")
	}
	// Second Init is a no-op.
	p.Init(context.Background())

	// Wait for the immediate alerts cycle to land.
	deadline := time.Now().Add(2 * time.Second)
	for p.Snapshot().LastPollTime.IsZero() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.Snapshot().LastPollTime.IsZero() {
		t.Fatal("immediate poll never ran")
	}

	p.Shutdown()
	if p.Initialized() {
		t.Fatal("poller must report uninitialized after Shutdown")
	}
}
