package store

import (
	"errors"
	"testing"
	"time"
)

const prefKey = "preferred_camera"

func TestPreferenceRepository_GetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Preferences().Get(prefKey)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestPreferenceRepository_SetAndGet(t *testing.T) {
	s := newTestStore(t)
	repo := s.Preferences()

	if err := repo.Set(prefKey, "1", 30*24*time.Hour); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := repo.Get(prefKey)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "1" {
		t.Errorf("Get() = %q, want %q", got, "1")
	}

	// Overwrite replaces the value.
	if err := repo.Set(prefKey, "0", 30*24*time.Hour); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}
	got, _ = repo.Get(prefKey)
	if got != "0" {
		t.Errorf("Get() after overwrite = %q, want %q", got, "0")
	}
}

func TestPreferenceRepository_Expiry(t *testing.T) {
	s := newTestStore(t)
	repo := s.Preferences()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	if err := repo.Set(prefKey, "2", 30*24*time.Hour); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	tests := []struct {
		name    string
		advance time.Duration
		wantErr error
	}{
		{"fresh", 0, nil},
		{"day 29", 29 * 24 * time.Hour, nil},
		{"exactly 30 days", 30 * 24 * time.Hour, ErrNotFound},
		{"day 31", 31 * 24 * time.Hour, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo.now = func() time.Time { return now.Add(tt.advance) }

			got, err := repo.Get(prefKey)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Get() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && got != "2" {
				t.Errorf("Get() = %q, want %q", got, "2")
			}
		})
	}
}

func TestPreferenceRepository_NoTTLNeverExpires(t *testing.T) {
	s := newTestStore(t)
	repo := s.Preferences()

	if err := repo.Set("theme", "dark", 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	repo.now = func() time.Time { return time.Now().Add(10 * 365 * 24 * time.Hour) }
	if got, err := repo.Get("theme"); err != nil || got != "dark" {
		t.Errorf("Get() = %q, %v; want %q", got, err, "dark")
	}
}

func TestPreferenceRepository_Delete(t *testing.T) {
	s := newTestStore(t)
	repo := s.Preferences()

	if err := repo.Delete(prefKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() missing error = %v, want ErrNotFound", err)
	}

	repo.Set(prefKey, "1", time.Hour)
	if err := repo.Delete(prefKey); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.Get(prefKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
}

func TestPreferenceRepository_ListAndPurge(t *testing.T) {
	s := newTestStore(t)
	repo := s.Preferences()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	repo.Set("a", "1", time.Hour)
	repo.Set("b", "2", 0)
	repo.Set("c", "3", time.Minute)

	repo.now = func() time.Time { return now.Add(30 * time.Minute) }

	prefs, err := repo.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(prefs) != 2 || prefs[0].Key != "a" || prefs[1].Key != "b" {
		t.Fatalf("List() = %+v, want keys [a b]", prefs)
	}
	if prefs[0].ExpiresAt.IsZero() {
		t.Error("a should carry its expiry")
	}
	if !prefs[1].ExpiresAt.IsZero() {
		t.Error("b should never expire")
	}

	n, err := repo.PurgeExpired()
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeExpired() = %d, want 1", n)
	}

	var count int
	s.DB().QueryRow("SELECT COUNT(*) FROM preferences").Scan(&count)
	if count != 2 {
		t.Errorf("rows after purge = %d, want 2", count)
	}
}
