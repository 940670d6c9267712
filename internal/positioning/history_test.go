package positioning

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func mkMeasurement(anchor string, dist float64, ts time.Time) Measurement {
	return Measurement{
		AnchorID:           anchor,
		CorrectedDistance:  dist,
		DistanceConfidence: 0.8,
		PacketCount:        5,
		ChannelConsistency: 1.0,
		Timestamp:          ts,
	}
}

func TestHistoryRingEviction(t *testing.T) {
	var h History
	base := time.Unix(1000, 0)

	for i := 0; i < measurementCapacity+5; i++ {
		h.Append(mkMeasurement(fmt.Sprintf("a%d", i), float64(i), base.Add(time.Duration(i)*time.Second)))
	}

	if h.Len() != measurementCapacity {
		t.Fatalf("Len() = %d, want %d", h.Len(), measurementCapacity)
	}

	all := h.All()
	if all[0].AnchorID != "a5" {
		t.Fatalf("oldest surviving entry = %s, want a5 (ring eviction)", all[0].AnchorID)
	}
	if all[len(all)-1].AnchorID != "a14" {
		t.Fatalf("newest entry = %s, want a14", all[len(all)-1].AnchorID)
	}
}

func TestHistoryDropOlderThan(t *testing.T) {
	var h History
	base := time.Unix(1000, 0)
	for i := 0; i < 6; i++ {
		h.Append(mkMeasurement("a1", 1, base.Add(time.Duration(i)*time.Second)))
	}

	remaining := h.DropOlderThan(base.Add(3 * time.Second))
	if remaining != 3 {
		t.Fatalf("DropOlderThan left %d entries, want 3", remaining)
	}
	for _, m := range h.All() {
		if m.Timestamp.Before(base.Add(3 * time.Second)) {
			t.Fatalf("expired measurement survived: %v", m.Timestamp)
		}
	}
}

func TestLatestByAnchorNewestWins(t *testing.T) {
	var h History
	base := time.Unix(1000, 0)
	h.Append(mkMeasurement("a1", 5.0, base))
	h.Append(mkMeasurement("a1", 6.0, base.Add(2*time.Second)))
	h.Append(mkMeasurement("a2", 9.0, base.Add(time.Second)))
	h.Append(mkMeasurement("a3", 3.0, base.Add(-30*time.Second))) // stale

	got := h.LatestByAnchor(base.Add(3*time.Second), 10*time.Second)

	want := map[string]Measurement{
		"a1": mkMeasurement("a1", 6.0, base.Add(2*time.Second)),
		"a2": mkMeasurement("a2", 9.0, base.Add(time.Second)),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("LatestByAnchor mismatch (-want +got):\n%s", diff)
	}
}

func TestAverageDistances(t *testing.T) {
	var h History
	base := time.Unix(1000, 0)
	h.Append(mkMeasurement("a1", 4.0, base))
	h.Append(mkMeasurement("a1", 6.0, base.Add(time.Second)))
	h.Append(mkMeasurement("a2", 10.0, base.Add(time.Second)))

	got := h.AverageDistances(base.Add(2*time.Second), 10*time.Second)
	want := map[string]float64{"a1": 5.0, "a2": 10.0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("AverageDistances mismatch (-want +got):\n%s", diff)
	}
}

func TestChannelConsistency(t *testing.T) {
	var c ChannelStats

	// Under two observations: insufficient evidence.
	if got := c.Consistency(); got != 0.5 {
		t.Fatalf("empty stats consistency = %.2f, want 0.5", got)
	}
	c.Observe(6)
	if got := c.Consistency(); got != 0.5 {
		t.Fatalf("single observation consistency = %.2f, want 0.5", got)
	}

	// Stable channel: 1 unique over many observations approaches 1.
	for i := 0; i < 9; i++ {
		c.Observe(6)
	}
	if got := c.Consistency(); got != 1-0.1*0.5 {
		t.Fatalf("stable channel consistency = %.3f, want 0.95", got)
	}

	// Heavy switching drags consistency down but never below 0.1.
	var hopper ChannelStats
	for ch := 1; ch <= 12; ch++ {
		hopper.Observe(ch)
	}
	got := hopper.Consistency()
	if got != 0.5 {
		// 12 unique / 12 total -> 1 - 0.5 = 0.5
		t.Fatalf("hopper consistency = %.3f, want 0.5", got)
	}
}

func TestAnchorWeights(t *testing.T) {
	base := time.Unix(1000, 0)
	latest := map[string]Measurement{
		"a1": {AnchorID: "a1", DistanceConfidence: 1.0, PacketCount: 10, ChannelConsistency: 1.0, Timestamp: base},
		"a2": {AnchorID: "a2", DistanceConfidence: 0.5, PacketCount: 1, ChannelConsistency: 0.5, Timestamp: base},
	}

	w := AnchorWeights(latest)

	// Full-confidence anchor saturates at 1.0 (0.6 + 0.3 + 0.1).
	if w["a1"] != 1.0 {
		t.Fatalf("w[a1] = %.3f, want 1.0", w["a1"])
	}
	want := 0.6*0.5 + 0.3*0.2 + 0.1*0.5
	if diff := w["a2"] - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("w[a2] = %.3f, want %.3f", w["a2"], want)
	}
	for id, v := range w {
		if v < 0 || v > 1 {
			t.Fatalf("weight %s out of [0,1]: %.3f", id, v)
		}
	}
}
