// Package storage persists solved positions and lifecycle events to sqlite
// so trails survive restarts and can be replayed or plotted.
package storage

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/roomsense/internal/positioning"
)

type DB struct {
	*sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			mac TEXT NOT NULL,
			x DOUBLE NOT NULL,
			y DOUBLE NOT NULL,
			z DOUBLE NOT NULL,
			confidence DOUBLE NOT NULL,
			anchors_used INT NOT NULL,
			strategy TEXT NOT NULL,
			device_class TEXT,
			color TEXT,
			timestamp TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_positions_mac_ts ON positions(mac, timestamp);
		CREATE TABLE IF NOT EXISTS lifecycle_events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			subject TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db}, nil
}

// RecordPosition appends one solved position.
func (db *DB) RecordPosition(p positioning.DevicePosition) error {
	_, err := db.Exec(
		`INSERT INTO positions (mac, x, y, z, confidence, anchors_used, strategy, device_class, color, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.MAC, p.Position.X, p.Position.Y, p.Position.Z,
		p.Confidence, p.AnchorsUsed, p.Strategy, p.Class, p.Color, p.Timestamp,
	)
	return err
}

// RecordEvent appends one lifecycle event. Event IDs are unique per emission,
// so replays of the same event are ignored.
func (db *DB) RecordEvent(ev positioning.Event) error {
	_, err := db.Exec(
		`INSERT OR IGNORE INTO lifecycle_events (event_id, event_type, subject, timestamp)
		 VALUES (?, ?, ?, ?)`,
		ev.ID, ev.Type, ev.Subject, ev.Timestamp,
	)
	return err
}

// Trail returns a device's most recent positions, newest first.
func (db *DB) Trail(mac string, limit int) ([]positioning.DevicePosition, error) {
	rows, err := db.Query(
		`SELECT mac, x, y, z, confidence, anchors_used, strategy, device_class, color, timestamp
		 FROM positions WHERE mac = ? ORDER BY timestamp DESC LIMIT ?`,
		mac, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanPositions(rows)
}

// RecentPositions returns every position recorded since the given time,
// newest first.
func (db *DB) RecentPositions(since time.Time) ([]positioning.DevicePosition, error) {
	rows, err := db.Query(
		`SELECT mac, x, y, z, confidence, anchors_used, strategy, device_class, color, timestamp
		 FROM positions WHERE timestamp >= ? ORDER BY timestamp DESC`,
		since,
	)
	if err != nil {
		return nil, err
	}
	return scanPositions(rows)
}

// Events returns the most recent lifecycle events, newest first.
func (db *DB) Events(limit int) ([]positioning.Event, error) {
	rows, err := db.Query(
		`SELECT event_id, event_type, subject, timestamp
		 FROM lifecycle_events ORDER BY timestamp DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []positioning.Event
	for rows.Next() {
		var ev positioning.Event
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Subject, &ev.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanPositions(rows *sql.Rows) ([]positioning.DevicePosition, error) {
	defer rows.Close()

	var positions []positioning.DevicePosition
	for rows.Next() {
		var p positioning.DevicePosition
		err := rows.Scan(
			&p.MAC, &p.Position.X, &p.Position.Y, &p.Position.Z,
			&p.Confidence, &p.AnchorsUsed, &p.Strategy, &p.Class, &p.Color, &p.Timestamp,
		)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
