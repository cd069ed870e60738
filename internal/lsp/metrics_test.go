package lsp

import (
	"testing"
	"time"
)

func TestSampleRingTrimsToSize(t *testing.T) {
	r := &sampleRing{}
	for i := 0; i < metricRingSize+30; i++ {
		r.add(RequestSample{Duration: time.Duration(i) * time.Millisecond})
	}

	if r.len() != metricRingSize {
		t.Fatalf("len() = %d, want %d", r.len(), metricRingSize)
	}

	// The survivors are the newest samples, iterated oldest first.
	var first, last RequestSample
	i := 0
	r.each(func(s RequestSample) {
		if i == 0 {
			first = s
		}
		last = s
		i++
	})
	if first.Duration != 30*time.Millisecond {
		t.Errorf("oldest retained sample = %v, want 30ms", first.Duration)
	}
	if last.Duration != time.Duration(metricRingSize+29)*time.Millisecond {
		t.Errorf("newest retained sample = %v", last.Duration)
	}
}

func TestMetricsMethodStats(t *testing.T) {
	m := NewMetrics()

	m.RecordRequest(LangPython, "textDocument/hover", 10*time.Millisecond, false, false)
	m.RecordRequest(LangPython, "textDocument/hover", 30*time.Millisecond, false, true)
	m.RecordRequest(LangPython, "textDocument/hover", 0, true, false)
	m.RecordRequest(LangGo, "textDocument/definition", 20*time.Millisecond, false, false)

	stats := m.MethodStats()
	if len(stats) != 2 {
		t.Fatalf("MethodStats() = %d entries, want 2", len(stats))
	}

	// Sorted by language then method: go first.
	if stats[0].Language != LangGo || stats[1].Language != LangPython {
		t.Errorf("stats order = %s, %s; want go then python", stats[0].Language, stats[1].Language)
	}

	hover := stats[1]
	if hover.Count != 3 {
		t.Errorf("Count = %d, want 3", hover.Count)
	}
	if want := 40.0 / 3; hover.AverageMS < want-0.01 || hover.AverageMS > want+0.01 {
		t.Errorf("AverageMS = %v, want %v", hover.AverageMS, want)
	}
	if hover.MaxMS != 30 {
		t.Errorf("MaxMS = %v, want 30", hover.MaxMS)
	}
	if want := 1.0 / 3; hover.CacheHitRate < want-0.01 || hover.CacheHitRate > want+0.01 {
		t.Errorf("CacheHitRate = %v, want %v", hover.CacheHitRate, want)
	}
	if want := 1.0 / 3; hover.ErrorRate < want-0.01 || hover.ErrorRate > want+0.01 {
		t.Errorf("ErrorRate = %v, want %v", hover.ErrorRate, want)
	}
}

func TestMetricsAverageUsage(t *testing.T) {
	m := NewMetrics()

	// 30 recent requests over a one-minute window is 0.5 rps; against one
	// connection at the 1 rps target that is 50% utilization.
	for i := 0; i < 30; i++ {
		m.RecordRequest(LangPython, "textDocument/hover", time.Millisecond, false, false)
	}

	got := m.AverageUsage(LangPython, 1)
	if got < 0.49 || got > 0.51 {
		t.Errorf("AverageUsage(1 conn) = %v, want 0.5", got)
	}

	// Two connections halve it.
	got = m.AverageUsage(LangPython, 2)
	if got < 0.24 || got > 0.26 {
		t.Errorf("AverageUsage(2 conns) = %v, want 0.25", got)
	}

	// Other languages do not bleed in.
	if got := m.AverageUsage(LangGo, 1); got != 0 {
		t.Errorf("AverageUsage(go) = %v, want 0", got)
	}
	if got := m.AverageUsage(LangPython, 0); got != 0 {
		t.Errorf("AverageUsage(0 conns) = %v, want 0", got)
	}
}

func TestMetricsAverageUsageClamped(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 100; i++ {
		m.RecordRequest(LangPython, "textDocument/hover", time.Millisecond, false, false)
	}
	if got := m.AverageUsage(LangPython, 1); got != 1 {
		t.Errorf("AverageUsage() = %v under overload, want clamp to 1", got)
	}
}

func TestMetricsSnapshotAndReset(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest(LangPython, "textDocument/hover", time.Millisecond, false, false)
	m.RecordNotifyFailure(LangPython)
	m.RecordNotifyFailure(LangPython)
	m.RecordNotifyFailure(LangGo)

	snap := m.Snapshot()
	if len(snap.Methods) != 1 {
		t.Errorf("Methods = %d entries, want 1", len(snap.Methods))
	}
	if snap.NotifyFailures != 3 {
		t.Errorf("NotifyFailures = %d, want 3", snap.NotifyFailures)
	}
	if snap.NotifyFailuresByLanguage[LangPython] != 2 || snap.NotifyFailuresByLanguage[LangGo] != 1 {
		t.Errorf("NotifyFailuresByLanguage = %v, want python 2 and go 1", snap.NotifyFailuresByLanguage)
	}
	if snap.Timestamp.IsZero() {
		t.Error("Timestamp is zero")
	}

	m.Reset()
	snap = m.Snapshot()
	if len(snap.Methods) != 0 || snap.NotifyFailures != 0 || snap.NotifyFailuresByLanguage != nil {
		t.Errorf("snapshot after reset = %+v, want empty", snap)
	}
}

func TestMetricsRegistryGathers(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest(LangPython, "textDocument/hover", time.Millisecond, false, false)
	m.RecordNotifyFailure(LangPython)
	m.SetPoolSize(LangPython, 2)
	m.SetCacheEntries(7)
	m.ObserveEvent(Event{Type: EventStarted, Language: LangPython})

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	exported := make(map[string]bool, len(families))
	for _, mf := range families {
		exported[mf.GetName()] = true
	}
	for _, name := range []string{
		"lexicore_lsp_requests_total",
		"lexicore_lsp_request_duration_seconds",
		"lexicore_lsp_pool_connections",
		"lexicore_lsp_lifecycle_events_total",
		"lexicore_lsp_notify_failures_total",
		"lexicore_cache_entries",
	} {
		if !exported[name] {
			t.Errorf("metric family %s not exported", name)
		}
	}
}
