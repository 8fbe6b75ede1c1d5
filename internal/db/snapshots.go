package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/waggle-sensor/opcn2/internal/protocol"
)

// ConfigSnapshot is a raw configuration block read from a device, kept so it
// can be inspected or written back later.
type ConfigSnapshot struct {
	ID        int64     `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	PortPath  string    `json:"port_path"`
	Firmware  string    `json:"firmware"`
	Raw       []byte    `json:"raw"`
	Note      string    `json:"note"`
	TakenAt   time.Time `json:"taken_at"`
}

// Config decodes the stored block.
func (s *ConfigSnapshot) Config() (*protocol.DeviceConfig, error) {
	return protocol.DecodeConfig(s.Raw)
}

// RecordConfigSnapshot stores s and sets its ID.
func (db *DB) RecordConfigSnapshot(s *ConfigSnapshot) (int64, error) {
	if len(s.Raw) != protocol.ConfigSize {
		return 0, fmt.Errorf("%w: snapshot is %d bytes, want %d", protocol.ErrPayloadLength, len(s.Raw), protocol.ConfigSize)
	}
	if s.TakenAt.IsZero() {
		s.TakenAt = time.Now()
	}
	result, err := db.Exec(`INSERT INTO config_snapshots (session_id, port_path, firmware, raw, note, taken_at_ns)
	          VALUES (?, ?, ?, ?, ?, ?)`,
		s.SessionID.String(), s.PortPath, s.Firmware, s.Raw, s.Note, s.TakenAt.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to record config snapshot: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	s.ID = id
	return id, nil
}

const snapshotColumns = `id, session_id, port_path, firmware, raw, note, taken_at_ns`

func scanSnapshot(r rowScanner) (*ConfigSnapshot, error) {
	var s ConfigSnapshot
	var sessionID string
	var takenAt int64
	if err := r.Scan(&s.ID, &sessionID, &s.PortPath, &s.Firmware, &s.Raw, &s.Note, &takenAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, fmt.Errorf("snapshot %d: bad session id: %w", s.ID, err)
	}
	s.SessionID = id
	s.TakenAt = time.Unix(0, takenAt)
	return &s, nil
}

// GetConfigSnapshot returns a snapshot by ID, or nil if there is none.
func (db *DB) GetConfigSnapshot(id int64) (*ConfigSnapshot, error) {
	s, err := scanSnapshot(db.QueryRow(`SELECT `+snapshotColumns+` FROM config_snapshots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config snapshot: %w", err)
	}
	return s, nil
}

// LatestConfigSnapshot returns the newest snapshot for portPath, or nil.
func (db *DB) LatestConfigSnapshot(portPath string) (*ConfigSnapshot, error) {
	s, err := scanSnapshot(db.QueryRow(`SELECT `+snapshotColumns+` FROM config_snapshots
	          WHERE port_path = ? ORDER BY taken_at_ns DESC, id DESC LIMIT 1`, portPath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest config snapshot: %w", err)
	}
	return s, nil
}

// ConfigSnapshots lists snapshots newest first. An empty portPath lists all
// ports; limit <= 0 means 100.
func (db *DB) ConfigSnapshots(portPath string, limit int) ([]ConfigSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + snapshotColumns + ` FROM config_snapshots`
	args := []any{}
	if portPath != "" {
		query += ` WHERE port_path = ?`
		args = append(args, portPath)
	}
	query += ` ORDER BY taken_at_ns DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query config snapshots: %w", err)
	}
	defer rows.Close()

	var out []ConfigSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan config snapshot: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// DeleteConfigSnapshotsBefore removes snapshots older than t and returns how
// many were removed.
func (db *DB) DeleteConfigSnapshotsBefore(t time.Time) (int64, error) {
	result, err := db.Exec(`DELETE FROM config_snapshots WHERE taken_at_ns < ?`, t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune config snapshots: %w", err)
	}
	return result.RowsAffected()
}
