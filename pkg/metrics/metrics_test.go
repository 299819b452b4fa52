package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCounter(t *testing.T) {
	r := New()
	c := r.Counter("jobs_total", "Jobs handled")
	c.Inc()
	c.Add(4)
	if c.Value() != 5 {
		t.Fatalf("expected 5, got %d", c.Value())
	}
	// Same name returns the same counter.
	if r.Counter("jobs_total", "").Value() != 5 {
		t.Fatal("expected the existing counter")
	}
}

func TestGauge(t *testing.T) {
	r := New()
	g := r.Gauge("in_flight", "Jobs in flight")
	g.Set(3)
	g.Inc()
	g.Dec()
	if g.Value() != 3 {
		t.Fatalf("expected 3, got %d", g.Value())
	}
}

func TestHistogram(t *testing.T) {
	r := New()
	h := r.Histogram("latency_seconds", "Latency", []float64{0.1, 1, 10})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(100)
	h.Since(time.Now())

	out := r.Render()
	if !strings.Contains(out, `latency_seconds_bucket{le="+Inf"} 4`) {
		t.Errorf("missing +Inf bucket:\n%s", out)
	}
	if !strings.Contains(out, "latency_seconds_count 4") {
		t.Errorf("missing count:\n%s", out)
	}
}

func TestWithLabels(t *testing.T) {
	got := WithLabels("jobs_total", "outcome", "failed")
	if got != `jobs_total{outcome="failed"}` {
		t.Fatalf("unexpected name: %s", got)
	}
	if WithLabels("plain") != "plain" {
		t.Fatal("no labels should return the name unchanged")
	}
	if WithLabels("odd", "k") != "odd" {
		t.Fatal("odd label pairs should return the name unchanged")
	}
}

func TestRenderLabeledSeries(t *testing.T) {
	r := New()
	r.Counter(WithLabels("jobs_total", "outcome", "processed"), "Jobs by outcome").Add(7)
	r.Counter(WithLabels("jobs_total", "outcome", "failed"), "Jobs by outcome").Inc()

	out := r.Render()
	if strings.Count(out, "# TYPE jobs_total counter") != 1 {
		t.Errorf("expected one TYPE line for the family:\n%s", out)
	}
	if !strings.Contains(out, `jobs_total{outcome="processed"} 7`) {
		t.Errorf("missing processed series:\n%s", out)
	}
	if !strings.Contains(out, `jobs_total{outcome="failed"} 1`) {
		t.Errorf("missing failed series:\n%s", out)
	}
}

func TestHandler(t *testing.T) {
	r := New()
	r.Counter("hits_total", "Hits").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type: %s", ct)
	}
	if !strings.Contains(rec.Body.String(), "hits_total 1") {
		t.Errorf("body missing metric:\n%s", rec.Body.String())
	}
}
