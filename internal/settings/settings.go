// Package settings is the small durable side store kept apart from
// the financial data: it caches the last-granted database file grant
// so later sessions can reopen the same file without re-prompting,
// and remembers the active account selection.
package settings

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

const (
	handlesBucket  = "handles"
	settingsBucket = "settings"

	// handleKey is the fixed key under which the single granted
	// database file path is cached.
	handleKey = "dbFileHandle"

	// activeAccountKey holds the active account id.
	activeAccountKey = "mybudgetpro.activeAccount"
)

// PromptFunc asks the user to choose a database file, returning its
// path. It stands in for a file picker: granting access requires a
// user gesture, so the store never invents paths on its own.
type PromptFunc func(ctx context.Context) (string, error)

// Store is the side settings database.
type Store struct {
	db  *bolt.DB
	log *slog.Logger
}

// Open opens (creating if absent) the settings store at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("could not open settings store at %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{handlesBucket, settingsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, log: logger}, nil
}

// Close closes the settings store.
func (s *Store) Close() error {
	return s.db.Close()
}

// ObtainDatabaseFile returns the path of the granted database file,
// reusing a cached grant that is still usable. With no usable cached
// grant it runs the open prompt, falling back to the create prompt if
// the user dismisses it, then caches the result.
func (s *Store) ObtainDatabaseFile(ctx context.Context, open, create PromptFunc) (string, error) {
	if cached, err := s.cachedHandle(); err != nil {
		return "", err
	} else if cached != "" {
		if usable(cached) {
			return cached, nil
		}
		s.log.Warn("cached database file grant no longer usable", "path", cached)
	}

	path, err := open(ctx)
	if err != nil {
		s.log.Debug("open prompt dismissed, offering create", "error", err)
		path, err = create(ctx)
		if err != nil {
			return "", fmt.Errorf("no database file granted: %w", err)
		}
	}
	if err := s.saveHandle(path); err != nil {
		return "", err
	}
	return path, nil
}

// cachedHandle returns the cached grant path, or "" if none.
func (s *Store) cachedHandle() (string, error) {
	var path string
	err := s.db.View(func(tx *bolt.Tx) error {
		path = string(tx.Bucket([]byte(handlesBucket)).Get([]byte(handleKey)))
		return nil
	})
	return path, err
}

// saveHandle caches the grant path under the fixed handle key.
func (s *Store) saveHandle(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(handlesBucket)).Put([]byte(handleKey), []byte(path))
	})
}

// usable reports whether the granted file can still be written: the
// file itself if it exists, else its directory for a file yet to be
// created on first flush.
func usable(path string) bool {
	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			return false
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return false
		}
		_ = f.Close()
		return true
	}
	info, err := os.Stat(filepath.Dir(path))
	return err == nil && info.IsDir()
}

// ActiveAccount returns the remembered active account id, or "" if
// none has been selected yet.
func (s *Store) ActiveAccount() (string, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		id = string(tx.Bucket([]byte(settingsBucket)).Get([]byte(activeAccountKey)))
		return nil
	})
	return id, err
}

// SetActiveAccount remembers id as the active account.
func (s *Store) SetActiveAccount(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(settingsBucket)).Put([]byte(activeAccountKey), []byte(id))
	})
}
