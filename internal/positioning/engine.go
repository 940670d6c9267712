package positioning

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/roomsense/internal/config"
	"github.com/banshee-data/roomsense/internal/monitoring"
	"github.com/banshee-data/roomsense/internal/timeutil"
)

// Lifecycle timing defaults.
const (
	defaultWindow        = 10 * time.Second
	defaultInactiveAfter = 30 * time.Second
	defaultRemoveAfter   = 60 * time.Second
	defaultPositionTTL   = 10 * time.Second
)

// DefaultDeviceClass is assumed when an anchor reports no classification.
const DefaultDeviceClass = "mobile_device"

// EngineConfig carries everything the engine needs at construction.
type EngineConfig struct {
	Room     config.RoomConfig
	Anchors  config.AnchorsConfig
	Solver   SolverConfig
	PathLoss PathLossModel

	// Window bounds how old a measurement may be and still feed a solve.
	Window time.Duration
	// AnchorInactiveAfter is the silence before an anchor is flagged inactive.
	AnchorInactiveAfter time.Duration
	// AnchorRemoveAfter is the silence before an anchor is dropped entirely.
	AnchorRemoveAfter time.Duration
	// PositionTTL is how long a computed position stays valid without a
	// fresh solve.
	PositionTTL time.Duration
}

// DefaultEngineConfig returns the production configuration with the demo
// room layout.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Room:                config.DefaultRoomConfig(),
		Anchors:             config.DefaultAnchorsConfig(),
		Solver:              DefaultSolverConfig(),
		PathLoss:            DefaultPathLossModel(),
		Window:              defaultWindow,
		AnchorInactiveAfter: defaultInactiveAfter,
		AnchorRemoveAfter:   defaultRemoveAfter,
		PositionTTL:         defaultPositionTTL,
	}
}

// AnchorStatus tracks whether an anchor has reported recently.
type AnchorStatus string

const (
	AnchorActive   AnchorStatus = "active"
	AnchorInactive AnchorStatus = "inactive"
)

// AnchorState is the live view of one reporting anchor. Coordinates always
// mirror the current anchor configuration.
type AnchorState struct {
	ID           string       `json:"id"`
	Position     Point3       `json:"position"`
	Status       AnchorStatus `json:"status"`
	LastUpdate   time.Time    `json:"last_update"`
	Measurements int64        `json:"measurements"`
}

// DeviceInfo is the live view of one observed device.
type DeviceInfo struct {
	MAC          string    `json:"mac"`
	Class        string    `json:"device_class"`
	Color        string    `json:"color"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	PacketCount  int       `json:"packet_count"`
	Channels     []int     `json:"channels"`
	Measurements int       `json:"measurements"`
}

// DevicePosition is one solved position, annotated for display and storage.
type DevicePosition struct {
	MAC         string    `json:"mac"`
	Position    Point3    `json:"position"`
	Confidence  float64   `json:"confidence"`
	AnchorsUsed int       `json:"anchors_used"`
	Strategy    string    `json:"strategy"`
	Class       string    `json:"device_class"`
	Color       string    `json:"color"`
	Timestamp   time.Time `json:"timestamp"`
}

// Report is one device sighting inside an anchor's batch upload.
type Report struct {
	MAC         string    `json:"mac"`
	Distance    float64   `json:"distance"`
	Signal      float64   `json:"signal"`
	Channel     int       `json:"channel"`
	PacketCount int       `json:"packet_count"`
	DeviceClass string    `json:"device_class,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
}

// IngestError reports why a batch, or individual reports within it, were
// rejected. Accepted reports in the same batch are still processed.
type IngestError struct {
	AnchorID string
	Reasons  []string
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest from %s: %s", e.AnchorID, strings.Join(e.Reasons, "; "))
}

// EventType classifies lifecycle events.
type EventType string

const (
	EventAnchorInactive  EventType = "anchor_inactive"
	EventAnchorRemoved   EventType = "anchor_removed"
	EventPositionExpired EventType = "position_expired"
	EventDeviceRemoved   EventType = "device_removed"
)

// Event is one lifecycle transition. The ID is unique per emission so
// downstream consumers can forward at most once.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Subject   string    `json:"subject"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	AnchorBatches     int64     `json:"anchor_batches"`
	ReportsAccepted   int64     `json:"reports_accepted"`
	ReportsRejected   int64     `json:"reports_rejected"`
	PositionUpdates   int64     `json:"position_updates"`
	SolveFailures     int64     `json:"solve_failures"`
	CalculationErrors int64     `json:"calculation_errors"`
	ActiveAnchors     int       `json:"active_anchors"`
	TrackedDevices    int       `json:"tracked_devices"`
	LastSolve         time.Time `json:"last_solve"`
}

// deviceState bundles everything the engine tracks per device: the public
// info, the measurement ring, the channel observations and the two Kalman
// filters that smooth its signal and distance streams.
type deviceState struct {
	info     DeviceInfo
	history  History
	channels ChannelStats
	rssi     *SignalFilter
	dist     *SignalFilter
}

// Engine owns all positioning state under a single mutex: anchors, devices,
// filters, measurement histories and solved positions. All methods are safe
// for concurrent use.
type Engine struct {
	mu        sync.Mutex
	clock     timeutil.Clock
	cfg       EngineConfig
	solver    *Solver
	anchors   map[string]*AnchorState
	devices   map[string]*deviceState
	positions map[string]DevicePosition
	stats     Stats
}

// NewEngine validates the configuration and builds an engine. Zero durations
// fall back to the production defaults.
func NewEngine(cfg EngineConfig, clock timeutil.Clock) (*Engine, error) {
	if verr := config.Validate(cfg.Room, cfg.Anchors); verr != nil {
		return nil, verr
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.AnchorInactiveAfter <= 0 {
		cfg.AnchorInactiveAfter = defaultInactiveAfter
	}
	if cfg.AnchorRemoveAfter <= 0 {
		cfg.AnchorRemoveAfter = defaultRemoveAfter
	}
	if cfg.PositionTTL <= 0 {
		cfg.PositionTTL = defaultPositionTTL
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	cfg.Anchors = cloneAnchors(cfg.Anchors)
	return &Engine{
		clock:     clock,
		cfg:       cfg,
		solver:    NewSolver(roomFromConfig(cfg.Room), cfg.Solver),
		anchors:   make(map[string]*AnchorState),
		devices:   make(map[string]*deviceState),
		positions: make(map[string]DevicePosition),
	}, nil
}

// Ingest processes one anchor's batch of device reports. The batch is
// rejected outright for unknown or disabled anchors; malformed reports are
// skipped individually without affecting the rest of the batch. Returns the
// number of reports accepted and an *IngestError describing anything
// rejected.
func (e *Engine) Ingest(anchorID string, reports []Report) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	e.stats.AnchorBatches++

	spec, ok := e.cfg.Anchors[anchorID]
	if !ok {
		e.stats.ReportsRejected += int64(len(reports))
		return 0, &IngestError{AnchorID: anchorID, Reasons: []string{"unknown anchor"}}
	}
	if !spec.Enabled {
		e.stats.ReportsRejected += int64(len(reports))
		return 0, &IngestError{AnchorID: anchorID, Reasons: []string{"anchor disabled"}}
	}

	anchor := e.anchors[anchorID]
	if anchor == nil {
		anchor = &AnchorState{ID: anchorID}
		e.anchors[anchorID] = anchor
		monitoring.Logf("engine: anchor %s online", anchorID)
	} else if anchor.Status == AnchorInactive {
		monitoring.Logf("engine: anchor %s active again", anchorID)
	}
	anchor.Position = Point3{X: spec.X, Y: spec.Y, Z: spec.Z}
	anchor.Status = AnchorActive
	anchor.LastUpdate = now

	accepted := 0
	var reasons []string
	for i, r := range reports {
		mac := normalizeMAC(r.MAC)
		if reason := validateReport(mac, r); reason != "" {
			reasons = append(reasons, fmt.Sprintf("report %d: %s", i, reason))
			continue
		}
		e.observe(anchorID, mac, r, now)
		accepted++
	}

	anchor.Measurements += int64(accepted)
	e.stats.ReportsAccepted += int64(accepted)
	e.stats.ReportsRejected += int64(len(reasons))

	if len(reasons) > 0 {
		return accepted, &IngestError{AnchorID: anchorID, Reasons: reasons}
	}
	return accepted, nil
}

func validateReport(mac string, r Report) string {
	if mac == "" {
		return "empty mac"
	}
	if !isFinite(r.Signal) || !isFinite(r.Distance) {
		return "non-finite values"
	}
	if r.Distance < 0 {
		return "negative distance"
	}
	if r.Distance == 0 && r.Signal >= 0 {
		return "no usable range"
	}
	if r.PacketCount < 0 {
		return "negative packet count"
	}
	return ""
}

// observe runs one valid report through the enrichment pipeline and records
// the resulting measurement.
func (e *Engine) observe(anchorID, mac string, r Report, now time.Time) {
	dev := e.devices[mac]
	if dev == nil {
		class := r.DeviceClass
		if class == "" {
			class = DefaultDeviceClass
		}
		dev = &deviceState{
			info: DeviceInfo{
				MAC:       mac,
				Class:     class,
				Color:     deviceColor(mac),
				FirstSeen: now,
			},
			rssi: NewRSSIFilter(),
			dist: NewDistanceFilter(),
		}
		e.devices[mac] = dev
		monitoring.Debugf("engine: new device %s (%s)", mac, class)
	}

	obs := r.PacketCount
	if obs < 1 {
		obs = 1
	}

	filteredSignal := dev.rssi.Update(r.Signal, obs)

	raw := r.Distance
	if raw <= 0 {
		raw = e.cfg.PathLoss.Distance(filteredSignal)
	}
	filteredDistance := dev.dist.Update(raw, obs)

	dev.channels.Observe(r.Channel)
	consistency := dev.channels.Consistency()
	corrected := ApplyCorrection(filteredDistance, r.Channel, filteredSignal)

	dev.history.Append(Measurement{
		AnchorID:           anchorID,
		RawDistance:        raw,
		FilteredDistance:   filteredDistance,
		CorrectedDistance:  corrected,
		RawSignal:          r.Signal,
		FilteredSignal:     filteredSignal,
		Channel:            r.Channel,
		PacketCount:        obs,
		DistanceConfidence: DistanceConfidence(filteredSignal, obs, consistency),
		ChannelConsistency: consistency,
		Timestamp:          now,
	})

	dev.info.LastSeen = now
	dev.info.PacketCount += obs
	dev.info.Channels = dev.channels.Channels()
	dev.info.Measurements++
}

// SolveAll recomputes positions for every device with enough recent
// measurements and returns the positions produced by this pass. A failure
// for one device never prevents solving the others.
func (e *Engine) SolveAll() []DevicePosition {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	var solved []DevicePosition
	for mac, dev := range e.devices {
		pos, ok := e.solveDevice(mac, dev, now)
		if !ok {
			continue
		}
		e.positions[mac] = pos
		e.stats.PositionUpdates++
		e.stats.LastSolve = now
		solved = append(solved, pos)
	}
	sort.Slice(solved, func(i, j int) bool { return solved[i].MAC < solved[j].MAC })
	return solved
}

func (e *Engine) solveDevice(mac string, dev *deviceState, now time.Time) (pos DevicePosition, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.stats.CalculationErrors++
			monitoring.Logf("engine: solve panic for %s: %v", mac, r)
			ok = false
		}
	}()

	latest := dev.history.LatestByAnchor(now, e.cfg.Window)
	inputs, confidences := e.rangeInputs(latest)
	if len(inputs) < 2 {
		return DevicePosition{}, false
	}

	sol, err := e.solver.Solve(inputs)
	confidence := ScorePosition(len(inputs), confidences)
	if err == ErrNoSolution {
		// Newest-per-anchor geometry was inconsistent; retry on smoothed
		// averages before giving up on this device.
		sol, confidence, err = e.solveAveraged(dev, now)
	}
	if err != nil {
		e.stats.SolveFailures++
		monitoring.Debugf("engine: no position for %s: %v", mac, err)
		return DevicePosition{}, false
	}
	if sol.AnchorsUsed == 2 {
		confidence = clamp(confidence*twoAnchorPenalty, 0.1, twoAnchorCeiling)
	}

	return DevicePosition{
		MAC:         mac,
		Position:    sol.Position,
		Confidence:  confidence,
		AnchorsUsed: sol.AnchorsUsed,
		Strategy:    sol.Strategy,
		Class:       dev.info.Class,
		Color:       dev.info.Color,
		Timestamp:   now,
	}, true
}

// rangeInputs turns the newest-per-anchor measurements into solver inputs,
// dropping anchors that are no longer configured and enabled.
func (e *Engine) rangeInputs(latest map[string]Measurement) ([]RangeInput, []float64) {
	weights := AnchorWeights(latest)
	inputs := make([]RangeInput, 0, len(latest))
	confidences := make([]float64, 0, len(latest))
	for id, m := range latest {
		spec, ok := e.cfg.Anchors[id]
		if !ok || !spec.Enabled {
			continue
		}
		inputs = append(inputs, RangeInput{
			AnchorID: id,
			Anchor:   Point3{X: spec.X, Y: spec.Y, Z: spec.Z},
			Distance: m.CorrectedDistance,
			Weight:   weights[id],
		})
		confidences = append(confidences, m.DistanceConfidence)
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].AnchorID < inputs[j].AnchorID })
	return inputs, confidences
}

// solveAveraged is the distance-only fallback: per-anchor averaged distances
// with unit weights, scored on distance variance alone.
func (e *Engine) solveAveraged(dev *deviceState, now time.Time) (Solution, float64, error) {
	averages := dev.history.AverageDistances(now, e.cfg.Window)
	inputs := make([]RangeInput, 0, len(averages))
	distances := make([]float64, 0, len(averages))
	for id, d := range averages {
		spec, ok := e.cfg.Anchors[id]
		if !ok || !spec.Enabled {
			continue
		}
		inputs = append(inputs, RangeInput{
			AnchorID: id,
			Anchor:   Point3{X: spec.X, Y: spec.Y, Z: spec.Z},
			Distance: d,
			Weight:   1,
		})
		distances = append(distances, d)
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].AnchorID < inputs[j].AnchorID })

	sol, err := e.solver.Solve(inputs)
	if err != nil {
		return Solution{}, 0, err
	}
	return sol, ScoreFromDistances(distances), nil
}

// Tick runs one lifecycle sweep: anchors past the removal threshold are
// dropped (removal takes precedence over the inactive flag), quiet anchors
// are flagged inactive exactly once, stale positions expire, out-of-window
// measurements are dropped and devices left with none are removed together
// with their filter and channel state. Returns the lifecycle events this
// sweep produced.
func (e *Engine) Tick() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	var events []Event
	emit := func(t EventType, subject string) {
		events = append(events, Event{
			ID:        uuid.New().String(),
			Type:      t,
			Subject:   subject,
			Timestamp: now,
		})
	}

	for id, a := range e.anchors {
		age := now.Sub(a.LastUpdate)
		switch {
		case age > e.cfg.AnchorRemoveAfter:
			delete(e.anchors, id)
			emit(EventAnchorRemoved, id)
			monitoring.Logf("engine: anchor %s removed after %v silence", id, age.Round(time.Second))
		case age > e.cfg.AnchorInactiveAfter && a.Status == AnchorActive:
			a.Status = AnchorInactive
			emit(EventAnchorInactive, id)
			monitoring.Logf("engine: anchor %s inactive", id)
		}
	}

	for mac, p := range e.positions {
		if now.Sub(p.Timestamp) > e.cfg.PositionTTL {
			delete(e.positions, mac)
			emit(EventPositionExpired, mac)
		}
	}

	cutoff := now.Add(-e.cfg.Window)
	for mac, dev := range e.devices {
		if dev.history.DropOlderThan(cutoff) == 0 {
			delete(e.devices, mac)
			delete(e.positions, mac)
			emit(EventDeviceRemoved, mac)
			monitoring.Debugf("engine: device %s removed", mac)
		}
	}

	active := 0
	for _, a := range e.anchors {
		if a.Status == AnchorActive {
			active++
		}
	}
	e.stats.ActiveAnchors = active
	e.stats.TrackedDevices = len(e.devices)

	sort.Slice(events, func(i, j int) bool {
		if events[i].Type != events[j].Type {
			return events[i].Type < events[j].Type
		}
		return events[i].Subject < events[j].Subject
	})
	return events
}

// SetRoomConfig replaces the room bounds. The new bounds are validated
// against the current anchor layout before anything is mutated.
func (e *Engine) SetRoomConfig(room config.RoomConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if verr := config.Validate(room, e.cfg.Anchors); verr != nil {
		return verr
	}
	e.cfg.Room = room
	e.solver = NewSolver(roomFromConfig(room), e.cfg.Solver)
	monitoring.Logf("engine: room set to %.1fx%.1fx%.1f", room.Width, room.Height, room.Depth)
	return nil
}

// SetAnchorConfig replaces the anchor layout. The new layout is validated
// against the current room before anything is mutated; live anchor state is
// reconciled so coordinates always mirror the configuration.
func (e *Engine) SetAnchorConfig(anchors config.AnchorsConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if verr := config.Validate(e.cfg.Room, anchors); verr != nil {
		return verr
	}
	e.cfg.Anchors = cloneAnchors(anchors)

	for id, a := range e.anchors {
		spec, ok := e.cfg.Anchors[id]
		if !ok || !spec.Enabled {
			delete(e.anchors, id)
			continue
		}
		a.Position = Point3{X: spec.X, Y: spec.Y, Z: spec.Z}
	}
	monitoring.Logf("engine: anchor config replaced, %d anchors", len(anchors))
	return nil
}

// RoomConfig returns the current room bounds.
func (e *Engine) RoomConfig() config.RoomConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Room
}

// AnchorConfig returns a copy of the current anchor layout.
func (e *Engine) AnchorConfig() config.AnchorsConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneAnchors(e.cfg.Anchors)
}

// Anchors returns the live anchor states sorted by id.
func (e *Engine) Anchors() []AnchorState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AnchorState, 0, len(e.anchors))
	for _, a := range e.anchors {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Devices returns the tracked devices sorted by MAC.
func (e *Engine) Devices() []DeviceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]DeviceInfo, 0, len(e.devices))
	for _, d := range e.devices {
		info := d.info
		info.Channels = append([]int(nil), d.info.Channels...)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

// Positions returns the current positions sorted by MAC.
func (e *Engine) Positions() []DevicePosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]DevicePosition, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

// Measurements returns a device's measurement history, oldest first.
func (e *Engine) Measurements(mac string) ([]Measurement, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dev, ok := e.devices[normalizeMAC(mac)]
	if !ok {
		return nil, false
	}
	return dev.history.All(), true
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func roomFromConfig(rc config.RoomConfig) Room {
	return Room{Width: rc.Width, Height: rc.Height, Depth: rc.Depth}
}

func cloneAnchors(in config.AnchorsConfig) config.AnchorsConfig {
	out := make(config.AnchorsConfig, len(in))
	for id, a := range in {
		out[id] = a
	}
	return out
}

func normalizeMAC(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}

// deviceColor derives a stable display colour from the MAC.
func deviceColor(mac string) string {
	sum := md5.Sum([]byte(mac))
	return "#" + hex.EncodeToString(sum[:])[:6]
}
