package positioning

import "time"

// measurementCapacity bounds the per-device measurement history. Overflow
// evicts the oldest entry regardless of age; time-based expiry is handled by
// the lifecycle tick.
const measurementCapacity = 10

// Measurement is one enriched anchor observation of a device: the raw report
// plus everything the filtering and correction stages derived from it.
type Measurement struct {
	AnchorID           string    `json:"anchor_id"`
	RawDistance        float64   `json:"raw_distance"`
	FilteredDistance   float64   `json:"filtered_distance"`
	CorrectedDistance  float64   `json:"corrected_distance"`
	RawSignal          float64   `json:"raw_signal"`
	FilteredSignal     float64   `json:"filtered_signal"`
	Channel            int       `json:"channel"`
	PacketCount        int       `json:"packet_count"`
	DistanceConfidence float64   `json:"distance_confidence"`
	ChannelConsistency float64   `json:"channel_consistency"`
	Timestamp          time.Time `json:"timestamp"`
}

// History is a bounded ring of a device's recent measurements, oldest first.
// Zero value is ready to use. Not safe for concurrent use; the engine
// serialises access.
type History struct {
	buf   [measurementCapacity]Measurement
	start int
	n     int
}

// Append adds a measurement, evicting the oldest when full.
func (h *History) Append(m Measurement) {
	if h.n < measurementCapacity {
		h.buf[(h.start+h.n)%measurementCapacity] = m
		h.n++
		return
	}
	h.buf[h.start] = m
	h.start = (h.start + 1) % measurementCapacity
}

// Len returns the number of stored measurements.
func (h *History) Len() int { return h.n }

// All returns the stored measurements oldest first.
func (h *History) All() []Measurement {
	out := make([]Measurement, 0, h.n)
	for i := 0; i < h.n; i++ {
		out = append(out, h.buf[(h.start+i)%measurementCapacity])
	}
	return out
}

// DropOlderThan removes measurements with Timestamp before cutoff and
// reports how many remain.
func (h *History) DropOlderThan(cutoff time.Time) int {
	kept := h.All()
	h.start, h.n = 0, 0
	for _, m := range kept {
		if !m.Timestamp.Before(cutoff) {
			h.Append(m)
		}
	}
	return h.n
}

// LatestByAnchor groups the in-window measurements by anchor, keeping only
// the most recent per anchor. This is the solver's enriched input: newest
// wins, no averaging.
func (h *History) LatestByAnchor(now time.Time, window time.Duration) map[string]Measurement {
	out := make(map[string]Measurement)
	for i := 0; i < h.n; i++ {
		m := h.buf[(h.start+i)%measurementCapacity]
		if now.Sub(m.Timestamp) > window {
			continue
		}
		if prev, ok := out[m.AnchorID]; !ok || m.Timestamp.After(prev.Timestamp) {
			out[m.AnchorID] = m
		}
	}
	return out
}

// AverageDistances groups the in-window measurements by anchor and averages
// the corrected distances. This feeds the distance-only fallback path.
func (h *History) AverageDistances(now time.Time, window time.Duration) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for i := 0; i < h.n; i++ {
		m := h.buf[(h.start+i)%measurementCapacity]
		if now.Sub(m.Timestamp) > window {
			continue
		}
		sums[m.AnchorID] += m.CorrectedDistance
		counts[m.AnchorID]++
	}
	out := make(map[string]float64, len(sums))
	for id, sum := range sums {
		out[id] = sum / float64(counts[id])
	}
	return out
}

// ChannelStats tracks which radio channels a device has been observed on.
// Frequent channel switching lowers trust in its distance estimates.
type ChannelStats struct {
	counts map[int]int
	total  int
}

// Observe records one observation on the given channel.
func (c *ChannelStats) Observe(channel int) {
	if c.counts == nil {
		c.counts = make(map[int]int)
	}
	c.counts[channel]++
	c.total++
}

// Channels returns the distinct channels observed.
func (c *ChannelStats) Channels() []int {
	out := make([]int, 0, len(c.counts))
	for ch := range c.counts {
		out = append(out, ch)
	}
	return out
}

// Total returns the total channel observation count.
func (c *ChannelStats) Total() int { return c.total }

// Consistency scores channel stability in [0.1, 1.0]. Fewer than two
// observations is insufficient evidence and scores a neutral 0.5.
func (c *ChannelStats) Consistency() float64 {
	if c.total < 2 {
		return 0.5
	}
	v := 1 - float64(len(c.counts))/float64(c.total)*0.5
	return clamp(v, 0.1, 1.0)
}

// AnchorWeights derives the per-anchor solver weight from each anchor's most
// recent measurement: distance confidence dominates, packet volume and
// channel consistency refine. Anchors absent from the map contributed no
// valid in-window measurement and are simply not represented (dropped, not
// zero-weighted).
func AnchorWeights(latest map[string]Measurement) map[string]float64 {
	out := make(map[string]float64, len(latest))
	for id, m := range latest {
		packets := float64(m.PacketCount) / 5
		if packets > 1 {
			packets = 1
		}
		w := 0.6*m.DistanceConfidence + 0.3*packets + 0.1*m.ChannelConsistency
		out[id] = clamp(w, 0, 1)
	}
	return out
}
