package sqlstore

// Image persistence. The in-memory database is serialized to the
// granted file as a whole: a debounced timer coalesces bursts of
// writes into one VACUUM INTO a temporary file which is then renamed
// over the image, so the on-disk file is always a complete database.
// A crash inside the debounce window loses at most the writes made
// since the last flush; callers needing durability before shutdown
// use Flush or Close.

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// watchGrace suppresses watcher reloads for events raised by our own
// flushes.
const watchGrace = 2 * time.Second

// loadImage copies every table of the on-disk image into the
// in-memory engine. An absent or empty image file leaves the engine
// fresh.
func (s *Store) loadImage(ctx context.Context) error {
	info, err := os.Stat(s.imagePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not stat database image %q: %w", s.imagePath, err)
	}
	if info.Size() == 0 {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, "ATTACH DATABASE ? AS disk;", s.imagePath); err != nil {
		return fmt.Errorf("could not attach database image %q: %w", s.imagePath, err)
	}
	defer func() {
		if _, err := s.db.Exec("DETACH DATABASE disk;"); err != nil {
			s.log.Error("could not detach database image", "error", err)
		}
	}()

	type table struct {
		Name string `db:"name"`
		SQL  string `db:"sql"`
	}
	var tables []table
	err = s.db.SelectContext(ctx, &tables,
		`SELECT name, sql FROM disk.sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND sql IS NOT NULL;`)
	if err != nil {
		return fmt.Errorf("could not read image schema: %w", err)
	}

	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, t.SQL); err != nil {
			return fmt.Errorf("could not recreate table %q: %w", t.Name, err)
		}
		copyStmt := fmt.Sprintf("INSERT INTO main.%s SELECT * FROM disk.%s;",
			quoteIdent(t.Name), quoteIdent(t.Name))
		if _, err := s.db.ExecContext(ctx, copyStmt); err != nil {
			return fmt.Errorf("could not copy table %q from image: %w", t.Name, err)
		}
	}
	s.log.Debug("database image loaded", "path", s.imagePath, "tables", len(tables))
	return nil
}

// scheduleFlush marks the engine dirty and (re)starts the debounce
// timer, coalescing bursts of writes into one disk write.
func (s *Store) scheduleFlush() {
	s.dirty.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.Flush(context.Background()); err != nil {
			s.log.Error("debounced flush failed", "error", err)
		}
	})
}

// Flush writes the image to disk now, cancelling any pending
// debounced flush. Flushing a clean engine is a no-op.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	if !s.dirty.Swap(false) {
		return nil
	}
	return s.writeImage(ctx)
}

// writeImage serializes the in-memory database over the image file.
func (s *Store) writeImage(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	tmp := fmt.Sprintf("%s.tmp-%d", s.imagePath, time.Now().UnixNano())
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?;", tmp); err != nil {
		return fmt.Errorf("could not serialize database image: %w", err)
	}
	if err := os.Rename(tmp, s.imagePath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("could not replace database image %q: %w", s.imagePath, err)
	}
	s.flushes.Add(1)
	s.lastFlush.Store(time.Now().UnixNano())
	s.log.Debug("database image flushed", "path", s.imagePath)
	return nil
}

// ImagePath returns the granted file the image is persisted to.
func (s *Store) ImagePath() string {
	return s.imagePath
}

// flushCount reports completed image writes; used by tests to verify
// flush coalescing.
func (s *Store) flushCount() int64 {
	return s.flushes.Load()
}

// Close flushes any pending writes and shuts the engine down.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	var flushErr error
	if s.dirty.Swap(false) {
		flushErr = s.writeImage(context.Background())
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	return flushErr
}

// Watch reloads the in-memory engine when the image file is modified
// by another process, for images kept on a shared drive. Events
// raised within watchGrace of our own flush are ignored. Watch blocks
// until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify new watcher error: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.imagePath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("fsnotify add error for dir %q: %w", dir, err)
	}
	basename := filepath.Base(s.imagePath)

	eventChan := make(chan bool)
	g, ctx := errgroup.WithContext(ctx)

	// This goroutine filters watcher events down to writes against
	// the image file.
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err, ok := <-watcher.Errors:
				if !ok {
					return errors.New("unexpected close from watcher.Errors")
				}
				return fmt.Errorf("unexpected notify error: %w", err)
			case e, ok := <-watcher.Events:
				if !ok {
					return errors.New("unexpected close from watcher.Events")
				}
				if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
					continue
				}
				if filepath.Base(e.Name) != basename {
					continue
				}
				since := time.Since(time.Unix(0, s.lastFlush.Load()))
				if since < watchGrace {
					continue
				}
				eventChan <- true
			}
		}
	})

	// Buffer rapid successive writes into a single reload.
	g.Go(func() error {
		reload := false
		ticker := time.NewTicker(s.debounce)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-eventChan:
				reload = true
			case <-ticker.C:
				if !reload {
					continue
				}
				reload = false
				s.log.Info("database image changed externally, reloading")
				if err := s.reload(ctx); err != nil {
					return fmt.Errorf("image reload failed: %w", err)
				}
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reload drops the in-memory tables and reloads them from the image.
func (s *Store) reload(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	var names []string
	err := s.db.SelectContext(ctx, &names,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%';`)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s;", quoteIdent(name))); err != nil {
			return err
		}
	}
	if err := s.loadImage(ctx); err != nil {
		return err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	return s.patchSchema(ctx)
}
