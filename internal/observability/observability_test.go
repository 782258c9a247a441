package observability

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCacheExpiryUsesInjectedClock(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCache[int](2, time.Minute, func() time.Time { return now })
	c.Set("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected hit, got %v %v", v, ok)
	}
	now = now.Add(time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("entry must expire at ttl")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry must be removed")
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache[string](2, time.Hour, nil)
	c.Set("a", "1")
	c.Set("b", "2")
	c.Get("a")
	c.Set("c", "3")
	if _, ok := c.Get("b"); ok {
		t.Fatalf("b should have been evicted")
	}
	if v, ok := c.Take("a"); !ok || v != "1" {
		t.Fatalf("take a: %v %v", v, ok)
	}
	if _, ok := c.Get("a"); ok {
		t.Fatalf("take must remove the entry")
	}
}

func TestLoggerComponentTarget(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LogConfig{Level: "info", Format: "json"}, &buf)
	l.ForComponent("ingest").Info("hello")
	if !strings.Contains(buf.String(), `"target":"pepeunit::ingest"`) {
		t.Fatalf("missing target field: %s", buf.String())
	}
}

func TestMetricsRegisterOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Accepted("LastValue")
	m.Dropped("filtered")
	m.Imported("NRecords", 3)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	// import failures is a plain counter and always reports.
	if len(families) != 4 {
		t.Fatalf("expected 4 metric families with samples, got %d", len(families))
	}
	var nilMetrics *Metrics
	nilMetrics.Dropped("noop")
}
