package push

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pgonotify/internal/encounter"
	"pgonotify/internal/observability/metrics"
	logx "pgonotify/pkg/logx"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type captureSink struct {
	mu      sync.Mutex
	batches []encounter.Batch
}

func (c *captureSink) Process(_ context.Context, b encounter.Batch) {
	c.mu.Lock()
	c.batches = append(c.batches, b)
	c.mu.Unlock()
}

func (c *captureSink) all() []encounter.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]encounter.Batch(nil), c.batches...)
}

const pidgeyBody = `{"type":"pokemon","message":{"encounter_id":"abc","pokemon_id":16,"latitude":52.52,"longitude":13.405,"disappear_time":1700000000}}`

func newTestServer(m *metrics.Metrics) *Server {
	return NewServer(Config{MaxBodyBytes: 1024}, testParser(), logx.Nop(), m)
}

func TestHandlerAcceptsEncounter(t *testing.T) {
	m := metrics.New()
	sink := &captureSink{}
	h := newTestServer(m).Handler(sink)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/any/path", strings.NewReader(pidgeyBody)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := sink.all()
	if len(got) != 1 || len(got[0].Encounters) != 1 {
		t.Fatalf("expected one batch with one encounter, got %+v", got)
	}
	b := got[0]
	if b.Source != encounter.SourcePush || b.Dedup || b.ID == "" {
		t.Fatalf("unexpected batch header: %+v", b)
	}
	if b.Encounters[0].SpeciesLabel != "Pidgey" {
		t.Fatalf("label = %q", b.Encounters[0].SpeciesLabel)
	}
	if v := testutil.ToFloat64(m.Ingested.WithLabelValues("push")); v != 1 {
		t.Fatalf("ingested = %v", v)
	}
}

func TestHandlerAlwaysOKForPost(t *testing.T) {
	m := metrics.New()
	sink := &captureSink{}
	h := newTestServer(m).Handler(sink)

	for _, body := range []string{`{`, `{"type":"gym"}`, ``, `{"type":"pokemon","message":{"encounter_id":"a"}}`} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
		if rec.Code != http.StatusOK {
			t.Fatalf("body %q: status = %d", body, rec.Code)
		}
	}
	if n := len(sink.all()); n != 0 {
		t.Fatalf("expected no batches, got %d", n)
	}
	if v := testutil.ToFloat64(m.Malformed.WithLabelValues("push")); v != 3 {
		t.Fatalf("malformed = %v, want 3", v)
	}
}

func TestHandlerRejectsNonPost(t *testing.T) {
	h := newTestServer(nil).Handler(&captureSink{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("Allow = %q", rec.Header().Get("Allow"))
	}
}

func TestHandlerBodyLimit(t *testing.T) {
	sink := &captureSink{}
	h := newTestServer(nil).Handler(sink)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 2048))))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(sink.all()) != 0 {
		t.Fatalf("oversized body must not reach the sink")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := newTestServer(nil)
	sink := &captureSink{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln, sink) }()

	url := "http://" + ln.Addr().String() + "/"
	resp, err := http.Post(url, "application/json", strings.NewReader(pidgeyBody))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(sink.all()) != 1 {
		t.Fatalf("expected one batch")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not stop")
	}
	if s.Addr() != "" {
		t.Fatalf("Addr should be cleared after stop")
	}
}
