package store

import (
	"database/sql"
	"errors"
	"time"
)

// Preference is a stored key/value pair. A zero ExpiresAt never expires.
type Preference struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// PreferenceRepository provides access to durable preferences.
type PreferenceRepository struct {
	db  *sql.DB
	now func() time.Time
}

// Preferences returns the preference repository for this store.
func (s *Store) Preferences() *PreferenceRepository {
	return &PreferenceRepository{db: s.db, now: time.Now}
}

// Get returns the value stored under key. It returns ErrNotFound when the key is missing
// or its expiry has passed.
func (r *PreferenceRepository) Get(key string) (string, error) {
	var value string
	var expiresAt int64
	err := r.db.QueryRow(
		`SELECT value, expires_at FROM preferences WHERE key = ?`,
		key,
	).Scan(&value, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}

	if expiresAt != 0 && r.now().UnixMilli() >= expiresAt {
		return "", ErrNotFound
	}
	return value, nil
}

// Set stores value under key. A positive ttl sets the expiry relative to now; zero or
// negative means the value never expires.
func (r *PreferenceRepository) Set(key, value string, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = r.now().Add(ttl).UnixMilli()
	}

	_, err := r.db.Exec(
		`INSERT INTO preferences (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value,
			expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		key, value, expiresAt, r.now().UTC(),
	)
	return err
}

// Delete removes key. Deleting a missing key returns ErrNotFound.
func (r *PreferenceRepository) Delete(key string) error {
	result, err := r.db.Exec(`DELETE FROM preferences WHERE key = ?`, key)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every unexpired preference ordered by key.
func (r *PreferenceRepository) List() ([]Preference, error) {
	rows, err := r.db.Query(
		`SELECT key, value, expires_at FROM preferences
		 WHERE expires_at = 0 OR expires_at > ?
		 ORDER BY key`,
		r.now().UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prefs []Preference
	for rows.Next() {
		var p Preference
		var expiresAt int64
		if err := rows.Scan(&p.Key, &p.Value, &expiresAt); err != nil {
			return nil, err
		}
		if expiresAt != 0 {
			p.ExpiresAt = time.UnixMilli(expiresAt)
		}
		prefs = append(prefs, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return prefs, nil
}

// PurgeExpired deletes expired preferences and returns how many were removed.
func (r *PreferenceRepository) PurgeExpired() (int64, error) {
	result, err := r.db.Exec(
		`DELETE FROM preferences WHERE expires_at != 0 AND expires_at <= ?`,
		r.now().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
