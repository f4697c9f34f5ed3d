package store

import (
	"database/sql"
	"errors"
	"time"
)

// SaveProfile stores the local user record, replacing any previous one.
func (db *DB) SaveProfile(p Profile) error {
	_, err := db.Exec(`
		INSERT INTO profile (id, name, phone, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			updated_at = excluded.updated_at`,
		p.Name, p.Phone, time.Now().UnixMilli())
	return err
}

// LoadProfile returns the local user record, or ErrNoProfile.
func (db *DB) LoadProfile() (*Profile, error) {
	var p Profile
	err := db.QueryRow(`SELECT name, phone FROM profile WHERE id = 1`).Scan(&p.Name, &p.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoProfile
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ClearProfile removes the local user record (logout).
func (db *DB) ClearProfile() error {
	_, err := db.Exec(`DELETE FROM profile`)
	return err
}
