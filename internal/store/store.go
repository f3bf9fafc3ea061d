// Package store persists the device registration in a local sqlite file.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mossy-p/device-agent/internal/device"
)

const schema = `
CREATE TABLE IF NOT EXISTS registration (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	device_id TEXT NOT NULL,
	name TEXT NOT NULL,
	key TEXT NOT NULL,
	created_at INTEGER NOT NULL
);`

// Store wraps the sqlite database holding the single device registration
// row.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Load returns the stored registration, or nil when the device has never
// been registered.
func (s *Store) Load() (*device.Registration, error) {
	row := s.db.QueryRow(`SELECT device_id, name, key, created_at FROM registration WHERE id = 1`)

	var reg device.Registration
	var createdAt int64
	err := row.Scan(&reg.DeviceID, &reg.Name, &reg.Key, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load registration: %w", err)
	}
	reg.CreatedAt = time.UnixMilli(createdAt)
	return &reg, nil
}

// Save stores the registration, replacing any previous one.
func (s *Store) Save(reg device.Registration) error {
	_, err := s.db.Exec(`
		INSERT INTO registration (id, device_id, name, key, created_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			device_id = excluded.device_id,
			name = excluded.name,
			key = excluded.key,
			created_at = excluded.created_at`,
		reg.DeviceID, reg.Name, reg.Key, reg.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save registration: %w", err)
	}
	return nil
}

// Delete removes the stored registration. Not an error when absent.
func (s *Store) Delete() error {
	if _, err := s.db.Exec(`DELETE FROM registration WHERE id = 1`); err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
