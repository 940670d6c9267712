package positioning

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/roomsense/internal/config"
	"github.com/banshee-data/roomsense/internal/timeutil"
)

func newTestEngine(t *testing.T) (*Engine, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	e, err := NewEngine(DefaultEngineConfig(), clock)
	require.NoError(t, err)
	return e, clock
}

// reportFromTruth builds a report whose distance is the true range from the
// given anchor to the truth point.
func reportFromTruth(mac string, anchor Point3, truth Point3) Report {
	dx, dy, dz := truth.X-anchor.X, truth.Y-anchor.Y, truth.Z-anchor.Z
	return Report{
		MAC:         mac,
		Distance:    math.Sqrt(dx*dx + dy*dy + dz*dz),
		Signal:      -60,
		Channel:     6,
		PacketCount: 5,
	}
}

func TestIngestUnknownAnchor(t *testing.T) {
	e, _ := newTestEngine(t)

	n, err := e.Ingest("anchor_99", []Report{{MAC: "aa:bb:cc:00:00:01", Distance: 5, Signal: -60}})
	assert.Equal(t, 0, n)
	var ierr *IngestError
	require.ErrorAs(t, err, &ierr)
	assert.Contains(t, ierr.Error(), "unknown anchor")
}

func TestIngestDisabledAnchor(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.Anchors["anchor_5"] = config.AnchorSpec{X: 10, Y: 7, Z: 2, Enabled: false}
	e, err := NewEngine(cfg, timeutil.NewMockClock(time.Now()))
	require.NoError(t, err)

	n, err := e.Ingest("anchor_5", []Report{{MAC: "aa:bb:cc:00:00:01", Distance: 5, Signal: -60}})
	assert.Equal(t, 0, n)
	var ierr *IngestError
	require.ErrorAs(t, err, &ierr)
	assert.Contains(t, ierr.Error(), "disabled")
}

func TestIngestSkipsMalformedReports(t *testing.T) {
	e, _ := newTestEngine(t)

	n, err := e.Ingest("anchor_1", []Report{
		{MAC: "aa:bb:cc:00:00:01", Distance: 5, Signal: -60, Channel: 6, PacketCount: 3},
		{MAC: "", Distance: 5, Signal: -60},
		{MAC: "aa:bb:cc:00:00:02", Distance: -3, Signal: -60},
		{MAC: "aa:bb:cc:00:00:03", Distance: math.NaN(), Signal: -60},
	})
	assert.Equal(t, 1, n)
	var ierr *IngestError
	require.ErrorAs(t, err, &ierr)
	assert.Len(t, ierr.Reasons, 3)
	assert.Contains(t, ierr.Reasons[0], "report 1")

	// The valid report still went through.
	devices := e.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "aa:bb:cc:00:00:01", devices[0].MAC)

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.ReportsAccepted)
	assert.Equal(t, int64(3), stats.ReportsRejected)
}

func TestIngestDerivesDistanceFromSignal(t *testing.T) {
	e, _ := newTestEngine(t)

	// No anchor-side distance estimate: path loss model takes over.
	n, err := e.Ingest("anchor_1", []Report{{MAC: "aa:bb:cc:00:00:01", Signal: -60, Channel: 6, PacketCount: 1}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ms, ok := e.Measurements("aa:bb:cc:00:00:01")
	require.True(t, ok)
	require.Len(t, ms, 1)
	// -60 dBm at the default model (-60 @ 1 m, exponent 3) is exactly 1 m.
	assert.InDelta(t, 1.0, ms[0].RawDistance, 1e-9)
}

func TestIngestNormalizesMAC(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Ingest("anchor_1", []Report{{MAC: " AA:BB:CC:11:22:33 ", Distance: 5, Signal: -60, Channel: 6}})
	require.NoError(t, err)
	_, err = e.Ingest("anchor_2", []Report{{MAC: "aa:bb:cc:11:22:33", Distance: 7, Signal: -62, Channel: 6}})
	require.NoError(t, err)

	devices := e.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "aa:bb:cc:11:22:33", devices[0].MAC)
	assert.Equal(t, 2, devices[0].Measurements)
}

func TestDeviceColorStable(t *testing.T) {
	c1 := deviceColor("aa:bb:cc:11:22:33")
	c2 := deviceColor("aa:bb:cc:11:22:33")
	assert.Equal(t, c1, c2)
	assert.Len(t, c1, 7)
	assert.Equal(t, byte('#'), c1[0])
	assert.NotEqual(t, c1, deviceColor("aa:bb:cc:11:22:34"))
}

func TestSolveAllFourAnchors(t *testing.T) {
	e, _ := newTestEngine(t)
	truth := Point3{X: 6, Y: 5, Z: 1.5}
	mac := "aa:bb:cc:00:00:01"

	for id, spec := range defaultAnchorPoints() {
		_, err := e.Ingest(id, []Report{reportFromTruth(mac, spec, truth)})
		require.NoError(t, err)
	}

	solved := e.SolveAll()
	require.Len(t, solved, 1)
	pos := solved[0]
	assert.Equal(t, mac, pos.MAC)
	assert.Equal(t, 4, pos.AnchorsUsed)
	assert.InDelta(t, truth.X, pos.Position.X, 0.75)
	assert.InDelta(t, truth.Y, pos.Position.Y, 0.75)
	assert.GreaterOrEqual(t, pos.Confidence, 0.7)
	assert.Equal(t, DefaultDeviceClass, pos.Class)

	// Snapshot getters agree with the solve result.
	positions := e.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, pos, positions[0])

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.PositionUpdates)
	assert.Equal(t, int64(4), stats.AnchorBatches)
}

// defaultAnchorPoints mirrors the default anchor layout as solver points.
func defaultAnchorPoints() map[string]Point3 {
	out := make(map[string]Point3)
	for id, a := range config.DefaultAnchorsConfig() {
		out[id] = Point3{X: a.X, Y: a.Y, Z: a.Z}
	}
	return out
}

func TestSolveAllTwoAnchorPenalty(t *testing.T) {
	e, _ := newTestEngine(t)
	mac := "aa:bb:cc:00:00:02"

	// Tangent circles meeting at (10, 0): two anchors 20 m apart, 10 m each.
	_, err := e.Ingest("anchor_1", []Report{{MAC: mac, Distance: 10, Signal: -60, Channel: 6, PacketCount: 5}})
	require.NoError(t, err)
	_, err = e.Ingest("anchor_2", []Report{{MAC: mac, Distance: 10, Signal: -60, Channel: 6, PacketCount: 5}})
	require.NoError(t, err)

	solved := e.SolveAll()
	require.Len(t, solved, 1)
	pos := solved[0]
	assert.Equal(t, 2, pos.AnchorsUsed)
	assert.InDelta(t, 10.0, pos.Position.X, 0.5)
	assert.LessOrEqual(t, pos.Confidence, 0.5)
	assert.GreaterOrEqual(t, pos.Confidence, 0.1)
}

func TestSolveAllTwoAnchorConfidenceCeiling(t *testing.T) {
	e, _ := newTestEngine(t)
	mac := "aa:bb:cc:00:00:07"

	// Excellent measurements on both anchors must not lift a two-anchor
	// solve above the ceiling.
	_, err := e.Ingest("anchor_1", []Report{{MAC: mac, Distance: 12, Signal: -40, Channel: 6, PacketCount: 10}})
	require.NoError(t, err)
	_, err = e.Ingest("anchor_2", []Report{{MAC: mac, Distance: 12, Signal: -40, Channel: 6, PacketCount: 10}})
	require.NoError(t, err)

	solved := e.SolveAll()
	require.Len(t, solved, 1)
	pos := solved[0]
	assert.Equal(t, 2, pos.AnchorsUsed)
	assert.LessOrEqual(t, pos.Confidence, 0.5)
}

func TestSolveAllSkipsSingleAnchorDevices(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Ingest("anchor_1", []Report{{MAC: "aa:bb:cc:00:00:03", Distance: 5, Signal: -60, Channel: 6}})
	require.NoError(t, err)

	assert.Empty(t, e.SolveAll())
	assert.Empty(t, e.Positions())
}

func TestTickAnchorLifecycle(t *testing.T) {
	e, clock := newTestEngine(t)

	_, err := e.Ingest("anchor_1", nil)
	require.NoError(t, err)
	_, err = e.Ingest("anchor_2", nil)
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	events := e.Tick()
	inactive := eventsOfType(events, EventAnchorInactive)
	require.Len(t, inactive, 2)
	assert.NotEmpty(t, inactive[0].ID)
	assert.NotEqual(t, inactive[0].ID, inactive[1].ID)

	// The inactive transition fires only once.
	events = e.Tick()
	assert.Empty(t, eventsOfType(events, EventAnchorInactive))

	clock.Advance(30 * time.Second)
	events = e.Tick()
	removed := eventsOfType(events, EventAnchorRemoved)
	require.Len(t, removed, 2)
	assert.Empty(t, e.Anchors())
	assert.Equal(t, 0, e.Stats().ActiveAnchors)
}

func TestTickRemovalTakesPrecedence(t *testing.T) {
	e, clock := newTestEngine(t)

	_, err := e.Ingest("anchor_1", nil)
	require.NoError(t, err)

	// Jump straight past the removal threshold: one removed event, no
	// inactive event on the way out.
	clock.Advance(61 * time.Second)
	events := e.Tick()
	assert.Len(t, eventsOfType(events, EventAnchorRemoved), 1)
	assert.Empty(t, eventsOfType(events, EventAnchorInactive))
}

func TestTickExpiresPositionsAndDevices(t *testing.T) {
	e, clock := newTestEngine(t)
	truth := Point3{X: 6, Y: 5, Z: 1.5}
	mac := "aa:bb:cc:00:00:04"

	for id, spec := range defaultAnchorPoints() {
		_, err := e.Ingest(id, []Report{reportFromTruth(mac, spec, truth)})
		require.NoError(t, err)
	}
	require.Len(t, e.SolveAll(), 1)

	clock.Advance(11 * time.Second)
	events := e.Tick()
	assert.Len(t, eventsOfType(events, EventPositionExpired), 1)
	assert.Len(t, eventsOfType(events, EventDeviceRemoved), 1)
	assert.Empty(t, e.Positions())
	assert.Empty(t, e.Devices())

	// Anchors are only 11 s quiet and stay active.
	assert.Equal(t, 4, e.Stats().ActiveAnchors)
	assert.Equal(t, 0, e.Stats().TrackedDevices)
}

func TestSetRoomConfigRejectsInvalid(t *testing.T) {
	e, _ := newTestEngine(t)

	// Default anchors sit at x=20; a 5 m room strands them outside.
	err := e.SetRoomConfig(config.RoomConfig{Width: 5, Height: 5, Depth: 5})
	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, config.DefaultRoomConfig(), e.RoomConfig())
}

func TestSetRoomConfigApplies(t *testing.T) {
	e, _ := newTestEngine(t)

	room := config.RoomConfig{Width: 25, Height: 20, Depth: 6}
	require.NoError(t, e.SetRoomConfig(room))
	assert.Equal(t, room, e.RoomConfig())
}

func TestSetAnchorConfigReconciles(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Ingest("anchor_1", nil)
	require.NoError(t, err)
	_, err = e.Ingest("anchor_2", nil)
	require.NoError(t, err)

	next := config.AnchorsConfig{
		"anchor_1": {X: 1, Y: 1, Z: 2, Enabled: true},
		"anchor_3": {X: 20, Y: 15, Z: 2.5, Enabled: true},
	}
	require.NoError(t, e.SetAnchorConfig(next))

	anchors := e.Anchors()
	require.Len(t, anchors, 1)
	assert.Equal(t, "anchor_1", anchors[0].ID)
	assert.Equal(t, Point3{X: 1, Y: 1, Z: 2}, anchors[0].Position)
}

func TestSetAnchorConfigRejectsInvalid(t *testing.T) {
	e, _ := newTestEngine(t)

	err := e.SetAnchorConfig(config.AnchorsConfig{
		"only": {X: 1, Y: 1, Z: 1, Enabled: true},
	})
	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	// Nothing mutated.
	assert.Len(t, e.AnchorConfig(), len(config.DefaultAnchorsConfig()))
}

func eventsOfType(events []Event, t EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
