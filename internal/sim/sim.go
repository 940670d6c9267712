// Package sim generates synthetic anchor traffic: devices on a bounded
// random walk, ranged by every enabled anchor with noisy distances and
// matching RSSI, posted to a running server. Useful for demos and load
// checks without hardware.
package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/banshee-data/roomsense/internal/config"
	"github.com/banshee-data/roomsense/internal/monitoring"
	"github.com/banshee-data/roomsense/internal/positioning"
)

type Config struct {
	ServerURL string
	Room      config.RoomConfig
	Anchors   config.AnchorsConfig
	PathLoss  positioning.PathLossModel

	// Devices is the number of simulated devices.
	Devices int
	// Interval between anchor batches.
	Interval time.Duration
	// NoiseSigma is the std dev of the distance noise in metres.
	NoiseSigma float64
	// Seed for the random source; 0 seeds from the clock.
	Seed int64
}

// Payload matches the ingest endpoint's request body.
type Payload struct {
	AnchorID string               `json:"anchor_id"`
	Devices  []positioning.Report `json:"devices"`
}

type simDevice struct {
	mac  string
	pos  positioning.Point3
	vx   float64
	vy   float64
}

type Simulator struct {
	cfg     Config
	rng     *rand.Rand
	devices []*simDevice
	client  *http.Client
}

func New(cfg Config) *Simulator {
	if cfg.Devices < 1 {
		cfg.Devices = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.NoiseSigma <= 0 {
		cfg.NoiseSigma = 0.5
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	s := &Simulator{
		cfg:    cfg,
		rng:    rng,
		client: &http.Client{Timeout: 5 * time.Second},
	}
	for i := 0; i < cfg.Devices; i++ {
		s.devices = append(s.devices, &simDevice{
			mac: fmt.Sprintf("02:00:00:00:00:%02x", i+1),
			pos: positioning.Point3{
				X: rng.Float64() * cfg.Room.Width,
				Y: rng.Float64() * cfg.Room.Height,
				Z: 1.0 + rng.Float64()*0.8,
			},
			vx: (rng.Float64() - 0.5) * 0.6,
			vy: (rng.Float64() - 0.5) * 0.6,
		})
	}
	return s
}

// Run posts one batch per enabled anchor every interval until the context is
// cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	monitoring.Logf("sim: %d devices against %s every %v",
		len(s.devices), s.cfg.ServerURL, s.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, payload := range s.Step() {
				if err := s.post(ctx, payload); err != nil {
					monitoring.Logf("sim: post from %s: %v", payload.AnchorID, err)
				}
			}
		}
	}
}

// Step advances every device one walk step and builds the per-anchor
// payloads for the new positions.
func (s *Simulator) Step() []Payload {
	for _, d := range s.devices {
		s.walk(d)
	}

	var payloads []Payload
	for id, a := range s.cfg.Anchors {
		if !a.Enabled {
			continue
		}
		anchor := positioning.Point3{X: a.X, Y: a.Y, Z: a.Z}
		reports := make([]positioning.Report, 0, len(s.devices))
		for _, d := range s.devices {
			dist := distance(d.pos, anchor) + s.rng.NormFloat64()*s.cfg.NoiseSigma
			if dist < 0.1 {
				dist = 0.1
			}
			reports = append(reports, positioning.Report{
				MAC:         d.mac,
				Distance:    dist,
				Signal:      s.rssiAt(dist),
				Channel:     6,
				PacketCount: 1 + s.rng.Intn(5),
			})
		}
		payloads = append(payloads, Payload{AnchorID: id, Devices: reports})
	}
	return payloads
}

// walk jitters the velocity and reflects off the walls.
func (s *Simulator) walk(d *simDevice) {
	d.vx += (s.rng.Float64() - 0.5) * 0.2
	d.vy += (s.rng.Float64() - 0.5) * 0.2
	d.vx = clampF(d.vx, -1, 1)
	d.vy = clampF(d.vy, -1, 1)

	d.pos.X += d.vx
	d.pos.Y += d.vy
	if d.pos.X < 0 || d.pos.X > s.cfg.Room.Width {
		d.vx = -d.vx
		d.pos.X = clampF(d.pos.X, 0, s.cfg.Room.Width)
	}
	if d.pos.Y < 0 || d.pos.Y > s.cfg.Room.Height {
		d.vy = -d.vy
		d.pos.Y = clampF(d.pos.Y, 0, s.cfg.Room.Height)
	}
}

// rssiAt inverts the path-loss model so the reported signal agrees with the
// reported distance.
func (s *Simulator) rssiAt(dist float64) float64 {
	m := s.cfg.PathLoss
	return m.MeasuredPower - 10*m.Exponent*math.Log10(dist)
}

func (s *Simulator) post(ctx context.Context, payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.ServerURL+"/api/anchor_data", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func distance(a, b positioning.Point3) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
