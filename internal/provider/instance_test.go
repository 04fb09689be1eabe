package provider

import (
	"testing"
	"time"
)

func TestParseSelector(t *testing.T) {
	cases := []struct {
		input string
		want  Selector
		ok    bool
	}{
		{"managed:mainnet-fork", Selector{Kind: KindManaged, Name: "mainnet-fork"}, true},
		{"external:base", Selector{Kind: KindExternal, Name: "base"}, true},
		{"EXTERNAL: base ", Selector{Kind: KindExternal, Name: "base"}, true},
		{"mainnet", Selector{Name: "mainnet"}, true},
		{"simulated:foo", Selector{}, false},
		{"managed:", Selector{}, false},
		{"", Selector{}, false},
		{"   ", Selector{}, false},
	}
	for _, tc := range cases {
		got, ok := ParseSelector(tc.input)
		if ok != tc.ok {
			t.Fatalf("ParseSelector(%q): ok = %v, want %v", tc.input, ok, tc.ok)
		}
		if got != tc.want {
			t.Fatalf("ParseSelector(%q) = %+v, want %+v", tc.input, got, tc.want)
		}
	}
}

func TestMetricsRingBound(t *testing.T) {
	var m Metrics
	for i := 0; i < maxLatencySamples*2; i++ {
		m.Record(time.Millisecond)
	}
	snapshot := m.Snapshot()
	if snapshot.Requests != uint64(maxLatencySamples*2) {
		t.Fatalf("expected %d requests, got %d", maxLatencySamples*2, snapshot.Requests)
	}
	if len(snapshot.LatencySamples) != maxLatencySamples {
		t.Fatalf("expected ring capped at %d samples, got %d", maxLatencySamples, len(snapshot.LatencySamples))
	}
	if snapshot.AverageLatency != time.Millisecond {
		t.Fatalf("expected 1ms average, got %s", snapshot.AverageLatency)
	}
}

func TestInstanceIdentityDistinct(t *testing.T) {
	a := newInstance("one", 1, KindExternal)
	b := newInstance("two", 2, KindManaged)
	if a.ID() == b.ID() {
		t.Fatal("instance identities must be globally unique")
	}
	if a.Kind() != KindExternal || b.Kind() != KindManaged {
		t.Fatal("kind not preserved")
	}
}
