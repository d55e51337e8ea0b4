package metrics

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestCounter_SameSeriesShared(t *testing.T) {
	r := NewCollector()
	a := r.Counter("relay_total", "help", `source="chat"`)
	b := r.Counter("relay_total", "help", `source="chat"`)
	c := r.Counter("relay_total", "help", `source="http"`)
	a.Inc()
	b.Add(2)
	c.Inc()
	if a.Value() != 3 {
		t.Errorf("expected 3, got %d", a.Value())
	}
	if c.Value() != 1 {
		t.Errorf("expected 1, got %d", c.Value())
	}
}

func TestCounter_Concurrent(t *testing.T) {
	r := NewCollector()
	ctr := r.Counter("c", "", "")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ctr.Inc()
			}
		}()
	}
	wg.Wait()
	if ctr.Value() != 2000 {
		t.Errorf("expected 2000, got %d", ctr.Value())
	}
}

func TestHistogram_Buckets(t *testing.T) {
	r := NewCollector()
	h := r.Histogram("lat", "latency", "", []float64{1, 0.5})
	h.Observe(0.2)
	h.Observe(0.7)
	h.Observe(3)

	out := r.Render()
	for _, want := range []string{
		`lat_bucket{le="0.5"} 1`,
		`lat_bucket{le="1"} 2`,
		`lat_count 3`,
		`# TYPE lat histogram`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
}

func TestRender_Format(t *testing.T) {
	r := NewCollector()
	r.Counter("b_total", "B things", `source="http"`).Inc()
	r.Counter("b_total", "B things", `source="chat"`).Add(4)
	r.Gauge("offset", "Next offset", "").Set(42)

	out := r.Render()
	if strings.Count(out, "# HELP b_total") != 1 {
		t.Errorf("help line should be written once:\n%s", out)
	}
	chat := strings.Index(out, `b_total{source="chat"} 4`)
	http := strings.Index(out, `b_total{source="http"} 1`)
	if chat < 0 || http < 0 || chat > http {
		t.Errorf("series should be present and sorted:\n%s", out)
	}
	if !strings.Contains(out, "offset 42") {
		t.Errorf("gauge missing:\n%s", out)
	}
	if !strings.Contains(out, "notibot_uptime_seconds") {
		t.Errorf("uptime missing:\n%s", out)
	}
}

func TestHandler(t *testing.T) {
	r := NewCollector()
	r.Counter("x_total", "x", "").Inc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "x_total 1") {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestMessagesRelayed_Labels(t *testing.T) {
	before := MessagesRelayed("http").Value()
	MessagesRelayed("http").Inc()
	if got := MessagesRelayed("http").Value(); got != before+1 {
		t.Errorf("expected %d, got %d", before+1, got)
	}
	if !strings.Contains(Collector.Render(), `notibot_messages_relayed_total{source="http"}`) {
		t.Error("labelled series missing from render")
	}
}
