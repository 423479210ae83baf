// Package sqlstore implements the storage.Backend contract over an
// in-memory SQLite database whose image is persisted to a single
// caller-granted file. Every mutation executes synchronously against
// the in-memory engine and schedules a debounced flush of the whole
// image to disk, so reads always observe the latest writes while
// durability lags by up to the debounce window.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	sqlite "modernc.org/sqlite" // pure go sqlite driver

	"github.com/euroneural/budgetpro/storage"
)

// DefaultDebounce is the flush coalescing window used when the
// options leave it unset.
const DefaultDebounce = time.Second

// memSeq distinguishes the shared-cache names of concurrently open
// stores (each store has its own private in-memory database).
var memSeq atomic.Int64

// Options configures a Store.
type Options struct {
	// Debounce is the window within which successive writes coalesce
	// into a single disk flush.
	Debounce time.Duration
	Logger   *slog.Logger
}

// Store is the file-backed relational storage backend.
type Store struct {
	db        *sqlx.DB
	log       *slog.Logger
	imagePath string
	debounce  time.Duration

	// mu guards the debounce timer and the closed flag. flushMu
	// serializes image writes and reloads.
	mu      sync.Mutex
	timer   *time.Timer
	closed  bool
	flushMu sync.Mutex

	dirty     atomic.Bool
	flushes   atomic.Int64
	lastFlush atomic.Int64 // unix nanoseconds of the last completed flush
}

// Open loads the database image at imagePath (an empty or absent file
// yields a fresh database), creates the base schema idempotently and
// patches any missing columns. The caller obtains imagePath through a
// granted file handle; see the settings package.
func Open(ctx context.Context, imagePath string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	// The engine lives in memory; cache=shared with a single pooled
	// connection keeps one image alive for the store's lifetime.
	dsn := fmt.Sprintf("file:budgetpro-%d?mode=memory&cache=shared", memSeq.Add(1))
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open in-memory engine: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("could not ping in-memory engine: %w", err)
	}

	s := &Store{
		db:        sqlx.NewDb(sqlDB, "sqlite"),
		log:       logger,
		imagePath: imagePath,
		debounce:  debounce,
	}

	if err := s.loadImage(ctx); err != nil {
		_ = s.db.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		_ = s.db.Close()
		return nil, err
	}
	if err := s.patchSchema(ctx); err != nil {
		_ = s.db.Close()
		return nil, err
	}
	return s, nil
}

// ensureSchema creates the base tables if they don't already exist.
func (s *Store) ensureSchema(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // no-op after Commit
	for _, name := range []string{
		storage.Transactions, storage.Categories, storage.Budgets, storage.Accounts,
	} {
		ddl, err := createTableSQL(name)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("could not create table %q: %w", name, err)
		}
	}
	return tx.Commit()
}

// patchSchema brings existing tables up to the expected column shape.
func (s *Store) patchSchema(ctx context.Context) error {
	for _, table := range []string{storage.Transactions, storage.Accounts} {
		if err := s.ensureColumns(ctx, table, patchColumns[table]); err != nil {
			return err
		}
	}
	return nil
}

// ensureColumns adds any of the needed columns missing from table.
func (s *Store) ensureColumns(ctx context.Context, table string, needed map[string]string) error {
	existing, err := s.tableColumns(ctx, table)
	if err != nil {
		return err
	}
	cols := make([]string, 0, len(needed))
	for col := range needed {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		if existing[col] {
			continue
		}
		s.log.Info("adding missing column", "table", table, "column", col)
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;",
			quoteIdent(table), quoteIdent(col), needed[col])
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("could not add column %q to %q: %w", col, table, err)
		}
	}
	return nil
}

// tableColumns returns the set of column names currently on table.
func (s *Store) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryxContext(ctx, fmt.Sprintf("PRAGMA table_info(%s);", quoteIdent(table)))
	if err != nil {
		return nil, classify(err, table)
	}
	defer rows.Close()
	cols := map[string]bool{}
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		if name, ok := row["name"].(string); ok {
			cols[name] = true
		}
	}
	return cols, rows.Err()
}

// EnsureCollections idempotently creates the per-account tables for
// accountID with the same column shape as the base tables.
func (s *Store) EnsureCollections(ctx context.Context, accountID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, base := range []string{storage.Transactions, storage.Categories, storage.Budgets} {
		ddl, err := createTableSQL(storage.Suffixed(base, accountID))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("could not create account table: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.scheduleFlush()
	return nil
}

// AddItem inserts item, assigning a UUID key unless the record
// carries its own id. An insert that fails because a referenced
// column does not exist triggers one column-patch pass and one retry
// before the error propagates.
func (s *Store) AddItem(ctx context.Context, collection string, item storage.Item) (string, error) {
	record := storage.StampCreated(item.Clone())
	key := fmt.Sprintf("%v", record[storage.FieldID])
	if record[storage.FieldID] == nil || key == "" {
		key = uuid.NewString()
		record[storage.FieldID] = key
	}

	insert := func() error {
		cols := sortedFields(record)
		placeholders := make([]string, len(cols))
		quoted := make([]string, len(cols))
		values := make([]any, len(cols))
		for i, col := range cols {
			placeholders[i] = "?"
			quoted[i] = quoteIdent(col)
			values[i] = normalizeValue(record[col])
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
			quoteIdent(collection), strings.Join(quoted, ","), strings.Join(placeholders, ","))
		_, err := s.db.ExecContext(ctx, stmt, values...)
		return err
	}

	err := insert()
	if err != nil && isMissingColumn(err) {
		s.log.Warn("auto-patching schema after missing column error",
			"collection", collection)
		needed := map[string]string{}
		for _, col := range sortedFields(record) {
			needed[col] = columnType(record[col])
		}
		if perr := s.ensureColumns(ctx, collection, needed); perr != nil {
			return "", perr
		}
		err = insert()
	}
	if err != nil {
		return "", classify(err, collection)
	}
	s.scheduleFlush()
	return key, nil
}

// GetItem returns the record at key, or (nil, nil) if absent.
func (s *Store) GetItem(ctx context.Context, collection, key string) (storage.Item, error) {
	stmt := fmt.Sprintf("SELECT * FROM %s WHERE %s = ? LIMIT 1;",
		quoteIdent(collection), quoteIdent(storage.FieldID))
	items, err := s.selectItems(ctx, collection, stmt, key)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

// GetAllItems returns all records, or the records matching query. A
// read against a missing account-suffixed table propagates its
// schema-missing error so the account-scoped facade can ensure the
// account's tables and retry; swallowing it here would surface the
// base table's rows inside a fresh account instead.
func (s *Store) GetAllItems(ctx context.Context, collection string, query *storage.Query) ([]storage.Item, error) {
	return s.selectAll(ctx, collection, query)
}

func (s *Store) selectAll(ctx context.Context, collection string, query *storage.Query) ([]storage.Item, error) {
	stmt := fmt.Sprintf("SELECT * FROM %s", quoteIdent(collection))
	var args []any
	switch {
	case query == nil:
	case query.Where != "":
		stmt += " WHERE " + query.Where
		args = query.Args
	case query.Index != "":
		stmt += fmt.Sprintf(" WHERE %s = ?", quoteIdent(query.Index))
		args = []any{normalizeValue(query.Value)}
	}
	return s.selectItems(ctx, collection, stmt+";", args...)
}

// UpdateItem merges updates into the record at key and writes all
// fields back, restamping updatedAt.
func (s *Store) UpdateItem(ctx context.Context, collection, key string, updates storage.Item) (storage.Item, error) {
	existing, err := s.GetItem(ctx, collection, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, storage.NewError(storage.KindNotFound, collection,
			fmt.Errorf("no record with key %q", key))
	}
	merged := existing.Clone()
	for k, v := range updates {
		merged[k] = v
	}
	storage.StampUpdated(merged)

	cols := sortedFields(merged)
	assignments := make([]string, 0, len(cols))
	values := make([]any, 0, len(cols)+1)
	for _, col := range cols {
		if col == storage.FieldID {
			continue
		}
		assignments = append(assignments, quoteIdent(col)+" = ?")
		values = append(values, normalizeValue(merged[col]))
	}
	values = append(values, key)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?;",
		quoteIdent(collection), strings.Join(assignments, ","), quoteIdent(storage.FieldID))
	if _, err := s.db.ExecContext(ctx, stmt, values...); err != nil {
		return nil, classify(err, collection)
	}
	s.scheduleFlush()
	return merged, nil
}

// DeleteItem removes the record at key. Deleting an absent key is a
// no-op.
func (s *Store) DeleteItem(ctx context.Context, collection, key string) error {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?;",
		quoteIdent(collection), quoteIdent(storage.FieldID))
	if _, err := s.db.ExecContext(ctx, stmt, key); err != nil {
		return classify(err, collection)
	}
	s.scheduleFlush()
	return nil
}

// Clear removes every record in the collection.
func (s *Store) Clear(ctx context.Context, collection string) error {
	stmt := fmt.Sprintf("DELETE FROM %s;", quoteIdent(collection))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return classify(err, collection)
	}
	s.scheduleFlush()
	return nil
}

// selectItems runs stmt and converts each row to an Item.
func (s *Store) selectItems(ctx context.Context, collection, stmt string, args ...any) ([]storage.Item, error) {
	rows, err := s.db.QueryxContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify(err, collection)
	}
	defer rows.Close()
	var items []storage.Item
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		item := make(storage.Item, len(row))
		for col, value := range row {
			if raw, ok := value.([]byte); ok {
				value = string(raw)
			}
			item[col] = value
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, collection)
	}
	return items, nil
}

// sortedFields returns the record's field names in a deterministic
// order.
func sortedFields(record storage.Item) []string {
	cols := make([]string, 0, len(record))
	for col := range record {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// normalizeValue maps generic record values onto SQLite storage
// classes. Structured values are stored as JSON text.
func normalizeValue(value any) any {
	switch v := value.(type) {
	case nil, string, int, int64, float64, []byte:
		return v
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

// Error classification. Driver message inspection is confined to this
// boundary; everything above matches on storage.Kind.

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func isMissingColumn(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no column named") ||
		strings.Contains(msg, "no such column")
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		// primary and extended constraint codes share the low byte
		return se.Code()&0xff == 19
	}
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

func classify(err error, collection string) error {
	switch {
	case err == nil:
		return nil
	case isMissingTable(err), isMissingColumn(err):
		return storage.NewError(storage.KindSchemaMissing, collection, err)
	case isConstraint(err):
		return storage.NewError(storage.KindConstraint, collection, err)
	}
	return err
}
