// Package config owns the on-disk room and anchor configuration: two JSON
// documents loaded at startup, validated before acceptance and written back
// on every successful update.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/roomsense/internal/monitoring"
)

// Config file names within the config directory.
const (
	RoomFile    = "room_config.json"
	AnchorsFile = "anchors_config.json"
)

// MinEnabledAnchors is the minimum number of enabled anchors the system
// needs to produce positions at all.
const MinEnabledAnchors = 2

// RoomConfig bounds the valid solve volume in metres.
type RoomConfig struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Depth  float64 `json:"depth"`
}

// AnchorSpec is one configured anchor: fixed coordinates plus whether it may
// contribute measurements.
type AnchorSpec struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Z       float64 `json:"z"`
	Enabled bool    `json:"enabled"`
}

// AnchorsConfig maps anchor id to its spec.
type AnchorsConfig map[string]AnchorSpec

// DefaultRoomConfig returns the demo room.
func DefaultRoomConfig() RoomConfig {
	return RoomConfig{Width: 20, Height: 15, Depth: 5}
}

// DefaultAnchorsConfig returns the demo four-corner anchor layout.
func DefaultAnchorsConfig() AnchorsConfig {
	return AnchorsConfig{
		"anchor_1": {X: 0, Y: 0, Z: 2.5, Enabled: true},
		"anchor_2": {X: 20, Y: 0, Z: 2.5, Enabled: true},
		"anchor_3": {X: 20, Y: 15, Z: 2.5, Enabled: true},
		"anchor_4": {X: 0, Y: 15, Z: 1.0, Enabled: true},
	}
}

// ValidationError reports every problem found in a proposed configuration.
// Nothing is mutated when validation fails.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: %s", strings.Join(e.Problems, "; "))
}

// Validate checks a room/anchor configuration pair: every enabled anchor must
// sit inside the room volume and at least MinEnabledAnchors must be enabled.
// Returns nil when the configuration is acceptable.
func Validate(room RoomConfig, anchors AnchorsConfig) *ValidationError {
	var problems []string

	if room.Width <= 0 || room.Height <= 0 || room.Depth <= 0 {
		problems = append(problems, fmt.Sprintf(
			"room dimensions must be positive, got %.2fx%.2fx%.2f", room.Width, room.Height, room.Depth))
	}

	enabled := 0
	for id, a := range anchors {
		if !a.Enabled {
			continue
		}
		enabled++
		if a.X < 0 || a.X > room.Width {
			problems = append(problems, fmt.Sprintf(
				"anchor %s: x=%.2f outside room (0-%.2f)", id, a.X, room.Width))
		}
		if a.Y < 0 || a.Y > room.Height {
			problems = append(problems, fmt.Sprintf(
				"anchor %s: y=%.2f outside room (0-%.2f)", id, a.Y, room.Height))
		}
		if a.Z < 0 || a.Z > room.Depth {
			problems = append(problems, fmt.Sprintf(
				"anchor %s: z=%.2f outside room (0-%.2f)", id, a.Z, room.Depth))
		}
	}

	if enabled < MinEnabledAnchors {
		problems = append(problems, fmt.Sprintf(
			"at least %d enabled anchors required, got %d", MinEnabledAnchors, enabled))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Store loads and persists the configuration documents under one directory.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// LoadRoom reads the room document, writing and returning the default when
// the file does not exist yet.
func (s *Store) LoadRoom() (RoomConfig, error) {
	var room RoomConfig
	path := filepath.Join(s.dir, RoomFile)
	if err := loadJSON(path, &room); err != nil {
		if !os.IsNotExist(err) {
			return RoomConfig{}, fmt.Errorf("load room config: %w", err)
		}
		room = DefaultRoomConfig()
		if err := s.SaveRoom(room); err != nil {
			return RoomConfig{}, err
		}
		monitoring.Logf("config: default room config created at %s", path)
	}
	return room, nil
}

// LoadAnchors reads the anchors document, writing and returning the default
// when the file does not exist yet.
func (s *Store) LoadAnchors() (AnchorsConfig, error) {
	anchors := AnchorsConfig{}
	path := filepath.Join(s.dir, AnchorsFile)
	if err := loadJSON(path, &anchors); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load anchors config: %w", err)
		}
		anchors = DefaultAnchorsConfig()
		if err := s.SaveAnchors(anchors); err != nil {
			return nil, err
		}
		monitoring.Logf("config: default anchors config created at %s", path)
	}
	return anchors, nil
}

// SaveRoom writes the room document.
func (s *Store) SaveRoom(room RoomConfig) error {
	return saveJSON(filepath.Join(s.dir, RoomFile), room)
}

// SaveAnchors writes the anchors document.
func (s *Store) SaveAnchors(anchors AnchorsConfig) error {
	return saveJSON(filepath.Join(s.dir, AnchorsFile), anchors)
}

func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func saveJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
