// Package kvstore implements the storage.Backend contract over a
// bbolt key/value database. Each collection is a bucket of
// JSON-encoded records keyed by primary key, with secondary indexes
// maintained in companion buckets. A monotonically increasing schema
// version governs collection creation: opening at a higher version
// than the stored one runs the supplied upgrade exactly once.
package kvstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"github.com/euroneural/budgetpro/storage"
)

const (
	metaBucket  = "meta"
	versionKey  = "schemaVersion"
	dataPrefix  = "data:"
	indexPrefix = "index:"
	indexKeySep = 0x00
	baseVersion = 1
	fileMode    = 0o600
)

// UpgradeFunc is invoked inside the schema upgrade transaction when
// the requested version exceeds the stored version. Collection
// creation within it is idempotent.
type UpgradeFunc func(tx *SchemaTx, oldVersion, newVersion uint64) error

// SchemaTx exposes schema operations during an upgrade.
type SchemaTx struct {
	tx *bolt.Tx
}

// CreateCollection creates the collection and its index buckets,
// skipping anything already present.
func (s *SchemaTx) CreateCollection(spec CollectionSpec) error {
	if _, err := s.tx.CreateBucketIfNotExists(dataBucketName(spec.Name)); err != nil {
		return fmt.Errorf("could not create collection %q: %w", spec.Name, err)
	}
	for _, idx := range spec.Indexes {
		if _, err := s.tx.CreateBucketIfNotExists(indexBucketName(spec.Name, idx.Field)); err != nil {
			return fmt.Errorf("could not create index %q on %q: %w", idx.Field, spec.Name, err)
		}
	}
	return nil
}

// Store is the bbolt-backed storage backend.
type Store struct {
	db  *bolt.DB
	log *slog.Logger
}

// Open opens (creating if absent) the store at path, running upgrade
// once if version exceeds the stored schema version.
func Open(path string, version uint64, upgrade UpgradeFunc, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	db, err := bolt.Open(path, fileMode, nil)
	if err != nil {
		return nil, fmt.Errorf("could not open key/value store at %q: %w", path, err)
	}
	store := &Store{db: db, log: logger}

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return fmt.Errorf("could not create meta bucket: %w", err)
		}
		stored := readVersion(meta)
		if stored >= version {
			return nil
		}
		if upgrade != nil {
			if err := upgrade(&SchemaTx{tx: tx}, stored, version); err != nil {
				return fmt.Errorf("schema upgrade from %d to %d failed: %w", stored, version, err)
			}
		}
		return writeVersion(meta, version)
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// OpenDefault opens the store with the base collection set.
func OpenDefault(path string, logger *slog.Logger) (*Store, error) {
	return Open(path, baseVersion, func(tx *SchemaTx, _, _ uint64) error {
		for _, spec := range baseSpecs {
			if err := tx.CreateCollection(spec); err != nil {
				return err
			}
		}
		return nil
	}, logger)
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Version returns the current schema version.
func (s *Store) Version() (uint64, error) {
	var version uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		if meta == nil {
			return storage.NewError(storage.KindSchemaMissing, metaBucket, nil)
		}
		version = readVersion(meta)
		return nil
	})
	return version, err
}

// EnsureCollections creates any missing per-account collections for
// accountID, bumping the schema version when something was created.
// Safe to invoke repeatedly.
func (s *Store) EnsureCollections(ctx context.Context, accountID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		if meta == nil {
			return storage.NewError(storage.KindSchemaMissing, metaBucket, nil)
		}
		created := false
		stx := &SchemaTx{tx: tx}
		for _, spec := range accountSpecs(accountID) {
			if tx.Bucket(dataBucketName(spec.Name)) == nil {
				created = true
			}
			if err := stx.CreateCollection(spec); err != nil {
				return err
			}
		}
		if !created {
			return nil
		}
		version := readVersion(meta) + 1
		s.log.Debug("schema upgraded for account collections",
			"account", accountID, "version", version)
		return writeVersion(meta, version)
	})
}

// AddItem inserts item, assigning the next sequence number as key
// unless the record carries its own id. Unique index violations
// return a KindConstraint error.
func (s *Store) AddItem(ctx context.Context, collection string, item storage.Item) (string, error) {
	record := storage.StampCreated(item.Clone())
	var key string
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(dataBucketName(collection))
		if bucket == nil {
			return storage.NewError(storage.KindSchemaMissing, collection, nil)
		}
		if id, ok := record[storage.FieldID]; ok && id != nil && id != "" {
			key = fmt.Sprintf("%v", id)
		} else {
			seq, err := bucket.NextSequence()
			if err != nil {
				return fmt.Errorf("could not generate key: %w", err)
			}
			key = strconv.FormatUint(seq, 10)
			record[storage.FieldID] = key
		}
		if bucket.Get([]byte(key)) != nil {
			return storage.NewError(storage.KindConstraint, collection,
				fmt.Errorf("duplicate key %q", key))
		}
		if err := s.indexPut(tx, collection, key, record, nil); err != nil {
			return err
		}
		return putRecord(bucket, key, record)
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// GetItem returns the record at key, or (nil, nil) if absent.
func (s *Store) GetItem(ctx context.Context, collection, key string) (storage.Item, error) {
	var item storage.Item
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(dataBucketName(collection))
		if bucket == nil {
			return storage.NewError(storage.KindSchemaMissing, collection, nil)
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// GetAllItems returns all records in the collection, or an
// index-filtered subset when query names an index and value.
func (s *Store) GetAllItems(ctx context.Context, collection string, query *storage.Query) ([]storage.Item, error) {
	var items []storage.Item
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(dataBucketName(collection))
		if bucket == nil {
			return storage.NewError(storage.KindSchemaMissing, collection, nil)
		}
		if query != nil && query.Index != "" {
			keys, err := s.indexLookup(tx, collection, query.Index, query.Value)
			if err != nil {
				return err
			}
			for _, key := range keys {
				raw := bucket.Get(key)
				if raw == nil {
					continue
				}
				var item storage.Item
				if err := json.Unmarshal(raw, &item); err != nil {
					return err
				}
				items = append(items, item)
			}
			return nil
		}
		return bucket.ForEach(func(_, raw []byte) error {
			var item storage.Item
			if err := json.Unmarshal(raw, &item); err != nil {
				return err
			}
			items = append(items, item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// UpdateItem merges updates into the record at key, restamping
// updatedAt and refreshing any affected index entries.
func (s *Store) UpdateItem(ctx context.Context, collection, key string, updates storage.Item) (storage.Item, error) {
	var merged storage.Item
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(dataBucketName(collection))
		if bucket == nil {
			return storage.NewError(storage.KindSchemaMissing, collection, nil)
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return storage.NewError(storage.KindNotFound, collection,
				fmt.Errorf("no record with key %q", key))
		}
		var existing storage.Item
		if err := json.Unmarshal(raw, &existing); err != nil {
			return err
		}
		merged = existing.Clone()
		for k, v := range updates {
			merged[k] = v
		}
		storage.StampUpdated(merged)
		if err := s.indexPut(tx, collection, key, merged, existing); err != nil {
			return err
		}
		return putRecord(bucket, key, merged)
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// DeleteItem removes the record at key. Deleting an absent key is a
// no-op.
func (s *Store) DeleteItem(ctx context.Context, collection, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(dataBucketName(collection))
		if bucket == nil {
			return storage.NewError(storage.KindSchemaMissing, collection, nil)
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var existing storage.Item
		if err := json.Unmarshal(raw, &existing); err != nil {
			return err
		}
		if err := s.indexDelete(tx, collection, key, existing); err != nil {
			return err
		}
		return bucket.Delete([]byte(key))
	})
}

// Clear removes every record in the collection, retaining the
// collection and its indexes.
func (s *Store) Clear(ctx context.Context, collection string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(dataBucketName(collection))
		if bucket == nil {
			return storage.NewError(storage.KindSchemaMissing, collection, nil)
		}
		if err := tx.DeleteBucket(dataBucketName(collection)); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(dataBucketName(collection)); err != nil {
			return err
		}
		for _, idx := range specFor(collection).Indexes {
			name := indexBucketName(collection, idx.Field)
			if tx.Bucket(name) == nil {
				continue
			}
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// indexPut refreshes the index entries for record at key, removing
// the entries of the previous record state when one is given.
func (s *Store) indexPut(tx *bolt.Tx, collection, key string, record, previous storage.Item) error {
	for _, idx := range specFor(collection).Indexes {
		bucket := tx.Bucket(indexBucketName(collection, idx.Field))
		if bucket == nil {
			continue
		}
		if previous != nil {
			if err := deleteIndexEntry(bucket, idx, key, previous[idx.Field]); err != nil {
				return err
			}
		}
		value, ok := record[idx.Field]
		if !ok || value == nil {
			continue
		}
		encoded := encodeIndexValue(value)
		if idx.Unique {
			if existing := bucket.Get(encoded); existing != nil && string(existing) != key {
				return storage.NewError(storage.KindConstraint, collection,
					fmt.Errorf("duplicate value for unique index %q", idx.Field))
			}
			if err := bucket.Put(encoded, []byte(key)); err != nil {
				return err
			}
			continue
		}
		if err := bucket.Put(multiIndexKey(encoded, key), []byte(key)); err != nil {
			return err
		}
	}
	return nil
}

// indexDelete removes the index entries for record at key.
func (s *Store) indexDelete(tx *bolt.Tx, collection, key string, record storage.Item) error {
	for _, idx := range specFor(collection).Indexes {
		bucket := tx.Bucket(indexBucketName(collection, idx.Field))
		if bucket == nil {
			continue
		}
		if err := deleteIndexEntry(bucket, idx, key, record[idx.Field]); err != nil {
			return err
		}
	}
	return nil
}

// indexLookup resolves primary keys through the named index.
func (s *Store) indexLookup(tx *bolt.Tx, collection, index string, value any) ([][]byte, error) {
	var spec *IndexSpec
	for _, idx := range specFor(collection).Indexes {
		if idx.Field == index {
			spec = &idx
			break
		}
	}
	bucket := tx.Bucket(indexBucketName(collection, index))
	if spec == nil || bucket == nil {
		return nil, storage.NewError(storage.KindSchemaMissing, collection,
			fmt.Errorf("no index %q", index))
	}
	encoded := encodeIndexValue(value)
	if spec.Unique {
		key := bucket.Get(encoded)
		if key == nil {
			return nil, nil
		}
		return [][]byte{key}, nil
	}
	var keys [][]byte
	prefix := append(encoded, indexKeySep)
	cursor := bucket.Cursor()
	for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
		keys = append(keys, append([]byte(nil), v...))
	}
	return keys, nil
}

func deleteIndexEntry(bucket *bolt.Bucket, idx IndexSpec, key string, value any) error {
	if value == nil {
		return nil
	}
	encoded := encodeIndexValue(value)
	if idx.Unique {
		if existing := bucket.Get(encoded); string(existing) == key {
			return bucket.Delete(encoded)
		}
		return nil
	}
	return bucket.Delete(multiIndexKey(encoded, key))
}

func putRecord(bucket *bolt.Bucket, key string, record storage.Item) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("could not encode record: %w", err)
	}
	return bucket.Put([]byte(key), raw)
}

func dataBucketName(collection string) []byte {
	return []byte(dataPrefix + collection)
}

func indexBucketName(collection, field string) []byte {
	return []byte(indexPrefix + collection + ":" + field)
}

// encodeIndexValue renders an index value as bytes. Values round-trip
// through JSON on storage, so numbers are normalised to float64 before
// formatting to keep add-time and query-time encodings aligned.
func encodeIndexValue(value any) []byte {
	switch n := value.(type) {
	case int:
		return []byte(strconv.FormatFloat(float64(n), 'g', -1, 64))
	case int64:
		return []byte(strconv.FormatFloat(float64(n), 'g', -1, 64))
	case float64:
		return []byte(strconv.FormatFloat(n, 'g', -1, 64))
	default:
		return []byte(fmt.Sprintf("%v", value))
	}
}

func multiIndexKey(encoded []byte, key string) []byte {
	out := make([]byte, 0, len(encoded)+1+len(key))
	out = append(out, encoded...)
	out = append(out, indexKeySep)
	out = append(out, key...)
	return out
}

func readVersion(meta *bolt.Bucket) uint64 {
	raw := meta.Get([]byte(versionKey))
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func writeVersion(meta *bolt.Bucket, version uint64) error {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, version)
	return meta.Put([]byte(versionKey), raw)
}
