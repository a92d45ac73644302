// Package store persists the inspection log: one row per capture or
// inference with its verdict, so shift statistics survive restarts.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"
	_ "modernc.org/sqlite"
)

// DB wraps the inspection log database.
type DB struct {
	*sql.DB
}

// NewDB opens (creating if needed) the inspection log at path. Use ":memory:"
// for an ephemeral database in tests.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS inspections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			detection_filename TEXT,
			num_detections INTEGER NOT NULL DEFAULT 0,
			has_ng BOOLEAN NOT NULL DEFAULT 0,
			max_confidence DOUBLE,
			duration_ms DOUBLE NOT NULL,
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_inspections_timestamp ON inspections(timestamp);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db}, nil
}

// Inspection is one recorded capture or inference.
type Inspection struct {
	ID                int64     `json:"id"`
	SessionID         string    `json:"session_id"`
	Filename          string    `json:"filename"`
	DetectionFilename string    `json:"detection_filename,omitempty"`
	NumDetections     int       `json:"num_detections"`
	HasNG             bool      `json:"has_ng"`
	MaxConfidence     float64   `json:"max_confidence"`
	DurationMS        float64   `json:"duration_ms"`
	Timestamp         time.Time `json:"timestamp"`
}

// RecordInspection appends one inspection row.
func (db *DB) RecordInspection(ins Inspection) error {
	var detName sql.NullString
	if ins.DetectionFilename != "" {
		detName = sql.NullString{String: ins.DetectionFilename, Valid: true}
	}
	_, err := db.Exec(
		`INSERT INTO inspections (session_id, filename, detection_filename, num_detections, has_ng, max_confidence, duration_ms, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ins.SessionID, ins.Filename, detName, ins.NumDetections, ins.HasNG, ins.MaxConfidence, ins.DurationMS, ins.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record inspection: %w", err)
	}
	return nil
}

// Recent returns up to limit inspections, newest first.
func (db *DB) Recent(limit int) ([]Inspection, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT id, session_id, filename, detection_filename, num_detections, has_ng, max_confidence, duration_ms, timestamp
		 FROM inspections ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Inspection
	for rows.Next() {
		var ins Inspection
		var detName sql.NullString
		if err := rows.Scan(&ins.ID, &ins.SessionID, &ins.Filename, &detName, &ins.NumDetections, &ins.HasNG, &ins.MaxConfidence, &ins.DurationMS, &ins.Timestamp); err != nil {
			return nil, err
		}
		ins.DetectionFilename = detName.String
		out = append(out, ins)
	}
	return out, rows.Err()
}

// Stats summarises the inspection log for the dashboard and reports.
type Stats struct {
	Total          int     `json:"total"`
	NGCount        int     `json:"ng_count"`
	NGRate         float64 `json:"ng_rate"`
	MeanDurationMS float64 `json:"mean_duration_ms"`
	StdDurationMS  float64 `json:"std_duration_ms"`
}

// Stats computes counts, the NG rate, and the mean and standard deviation
// of the processing duration over the whole log.
func (db *DB) Stats() (Stats, error) {
	rows, err := db.Query(`SELECT has_ng, duration_ms FROM inspections`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var s Stats
	var durations []float64
	for rows.Next() {
		var hasNG bool
		var dur float64
		if err := rows.Scan(&hasNG, &dur); err != nil {
			return Stats{}, err
		}
		s.Total++
		if hasNG {
			s.NGCount++
		}
		durations = append(durations, dur)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	if s.Total > 0 {
		s.NGRate = float64(s.NGCount) / float64(s.Total)
		s.MeanDurationMS = stat.Mean(durations, nil)
	}
	if s.Total > 1 {
		s.StdDurationMS = stat.StdDev(durations, nil)
	}
	return s, nil
}
