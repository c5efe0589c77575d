package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"presencehub/go-presence-hub/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a referenced beacon config does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS beacon_configs (
			minor INTEGER PRIMARY KEY,
			room TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS proximity_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			minor INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			source TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			duration_seconds REAL,
			received_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_proximity_events_minor_time ON proximity_events(minor, occurred_at);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// DB exposes the underlying sql.DB for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpsertBeaconConfig inserts a provisioned sensor or overwrites the existing
// row for the same minor, which keeps minors unique by construction.
func (s *Store) UpsertBeaconConfig(ctx context.Context, cfg model.BeaconConfig) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO beacon_configs (minor, room, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'), strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(minor) DO UPDATE SET room = excluded.room,
				 is_active = excluded.is_active,
				 updated_at = excluded.updated_at;`,
		cfg.Minor,
		cfg.Room,
		boolToInt(cfg.IsActive),
	)
	if err != nil {
		return fmt.Errorf("upsert beacon config: %w", err)
	}
	return nil
}

// BeaconConfigExists reports whether a config row exists for the minor.
func (s *Store) BeaconConfigExists(ctx context.Context, minor uint16) (bool, error) {
	if s.db == nil {
		return false, fmt.Errorf("store not initialized")
	}

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM beacon_configs WHERE minor = ?;`, minor).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check beacon config: %w", err)
	}
	return true, nil
}

// SetSensorActive toggles the isActive flag for one provisioned sensor.
func (s *Store) SetSensorActive(ctx context.Context, minor uint16, active bool) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE beacon_configs SET is_active = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now') WHERE minor = ?;`,
		boolToInt(active),
		minor,
	)
	if err != nil {
		return fmt.Errorf("set sensor active: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set sensor active: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBeaconConfig removes a sensor. Removal is always an explicit user
// action; nothing in the pipeline deletes configs on its own.
func (s *Store) DeleteBeaconConfig(ctx context.Context, minor uint16) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM beacon_configs WHERE minor = ?;`, minor)
	if err != nil {
		return fmt.Errorf("delete beacon config: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete beacon config: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBeaconConfigs returns a consistent snapshot of every configured sensor.
func (s *Store) ListBeaconConfigs(ctx context.Context) ([]model.BeaconConfig, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT minor, room, is_active, created_at, updated_at FROM beacon_configs ORDER BY minor ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query beacon configs: %w", err)
	}
	defer rows.Close()

	var configs []model.BeaconConfig
	for rows.Next() {
		var (
			minor        int64
			room         string
			isActive     int
			createdAtStr string
			updatedAtStr string
		)
		if err := rows.Scan(&minor, &room, &isActive, &createdAtStr, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scan beacon config: %w", err)
		}

		configs = append(configs, model.BeaconConfig{
			Minor:     uint16(minor),
			Room:      room,
			IsActive:  isActive != 0,
			CreatedAt: parseStoredTime(createdAtStr),
			UpdatedAt: parseStoredTime(updatedAtStr),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate beacon configs: %w", err)
	}

	return configs, nil
}

// InsertProximityEvent persists one enter or exit transition.
func (s *Store) InsertProximityEvent(ctx context.Context, ev model.ProximityEvent) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	occurredAt := ev.Timestamp
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	var duration sql.NullFloat64
	if ev.DurationSeconds != nil {
		duration = sql.NullFloat64{Float64: *ev.DurationSeconds, Valid: true}
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO proximity_events (minor, event_type, source, occurred_at, duration_seconds) VALUES (?, ?, ?, ?, ?);`,
		ev.Minor,
		string(ev.Type),
		string(ev.Source),
		occurredAt.UTC().Format(time.RFC3339Nano),
		duration,
	)
	if err != nil {
		return fmt.Errorf("insert proximity event: %w", err)
	}
	return nil
}

// RecentProximityEvents returns the most recent events ordered newest first.
func (s *Store) RecentProximityEvents(ctx context.Context, limit int) ([]model.ProximityEvent, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT minor, event_type, source, occurred_at, duration_seconds
		 FROM proximity_events
		 ORDER BY occurred_at DESC
		 LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query proximity events: %w", err)
	}
	defer rows.Close()

	var events []model.ProximityEvent
	for rows.Next() {
		var (
			minor         int64
			eventType     string
			source        string
			occurredAtStr string
			duration      sql.NullFloat64
		)
		if err := rows.Scan(&minor, &eventType, &source, &occurredAtStr, &duration); err != nil {
			return nil, fmt.Errorf("scan proximity event: %w", err)
		}

		ev := model.ProximityEvent{
			Minor:     uint16(minor),
			Type:      model.EventType(eventType),
			Source:    model.Source(source),
			Timestamp: parseStoredTime(occurredAtStr),
		}
		if duration.Valid {
			d := duration.Float64
			ev.DurationSeconds = &d
		}

		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proximity events: %w", err)
	}

	return events, nil
}

func parseStoredTime(value string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		ts, _ = time.Parse("2006-01-02T15:04:05Z07:00", value)
	}
	return ts
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
