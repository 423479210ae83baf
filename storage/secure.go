package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// sensitiveFields lists, per base collection name, the fields whose
// values are encrypted at rest. Keys such as id and date stay in
// plaintext so the relational backend can index and sort on them.
var sensitiveFields = map[string][]string{
	Transactions: {"description", "notes", "amount", "category", "account"},
	Categories:   {"name", "description"},
	Budgets:      {"category", "amount", "notes"},
}

// Cryptor is the field-encryption contract consumed by SecureStore.
// Ready reports whether a key has been derived; before that point the
// store passes values through in plaintext rather than failing.
type Cryptor interface {
	Ready() bool
	Encrypt(value any) (string, error)
	Decrypt(token string) (any, error)
}

// SecureStore wraps a Backend, transparently encrypting the sensitive
// fields of each record on write and decrypting them on read. Each
// field is its own ciphertext with its own nonce, so a decryption
// failure on one field leaves the others readable.
//
// SecureStore itself implements Backend so account-scoped facades can
// stack on top of it.
type SecureStore struct {
	backend Backend
	cipher  Cryptor
	log     *slog.Logger
}

// NewSecureStore wraps backend with field encryption via cipher.
func NewSecureStore(backend Backend, cipher Cryptor, logger *slog.Logger) *SecureStore {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SecureStore{backend: backend, cipher: cipher, log: logger}
}

// encryptItem returns a copy of item with its sensitive fields
// encrypted. Before the cipher is initialized the item is returned
// unmodified: the first-run-before-password degraded mode, not an
// error.
func (s *SecureStore) encryptItem(collection string, item Item) (Item, error) {
	if !s.cipher.Ready() {
		return item, nil
	}
	fields := sensitiveFields[BaseName(collection)]
	if len(fields) == 0 {
		return item, nil
	}
	out := item.Clone()
	for _, field := range fields {
		value, ok := out[field]
		if !ok || value == nil {
			continue
		}
		token, err := s.cipher.Encrypt(value)
		if err != nil {
			return nil, fmt.Errorf("could not encrypt field %q: %w", field, err)
		}
		out[field] = token
	}
	return out, nil
}

// decryptItem returns a copy of item with its sensitive fields
// decrypted. A field that fails to decrypt is kept in its encrypted
// form and the failure logged: degraded data beats dropped data.
func (s *SecureStore) decryptItem(collection string, item Item) Item {
	if item == nil || !s.cipher.Ready() {
		return item
	}
	fields := sensitiveFields[BaseName(collection)]
	if len(fields) == 0 {
		return item
	}
	out := item.Clone()
	for _, field := range fields {
		token, ok := out[field].(string)
		if !ok || token == "" {
			continue
		}
		value, err := s.cipher.Decrypt(token)
		if err != nil {
			s.log.Warn("field decryption failed, keeping stored form",
				"collection", collection, "field", field, "error", err)
			continue
		}
		out[field] = value
	}
	return out
}

// AddItem encrypts the sensitive fields of item and inserts it.
func (s *SecureStore) AddItem(ctx context.Context, collection string, item Item) (string, error) {
	enc, err := s.encryptItem(collection, item)
	if err != nil {
		return "", err
	}
	return s.backend.AddItem(ctx, collection, enc)
}

// GetItem fetches and decrypts the record at key.
func (s *SecureStore) GetItem(ctx context.Context, collection, key string) (Item, error) {
	item, err := s.backend.GetItem(ctx, collection, key)
	if err != nil {
		return nil, err
	}
	return s.decryptItem(collection, item), nil
}

// GetAllItems fetches and decrypts all matching records.
func (s *SecureStore) GetAllItems(ctx context.Context, collection string, query *Query) ([]Item, error) {
	items, err := s.backend.GetAllItems(ctx, collection, query)
	if err != nil {
		return nil, err
	}
	for i, item := range items {
		items[i] = s.decryptItem(collection, item)
	}
	return items, nil
}

// UpdateItem merges updates into the decrypted form of the existing
// record, re-encrypts the merged record's sensitive fields and writes
// it back.
func (s *SecureStore) UpdateItem(ctx context.Context, collection, key string, updates Item) (Item, error) {
	existing, err := s.backend.GetItem(ctx, collection, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, NewError(KindNotFound, collection, fmt.Errorf("no record with key %q", key))
	}
	merged := s.decryptItem(collection, existing)
	for k, v := range updates {
		merged[k] = v
	}
	enc, err := s.encryptItem(collection, merged)
	if err != nil {
		return nil, err
	}
	if _, err := s.backend.UpdateItem(ctx, collection, key, enc); err != nil {
		return nil, err
	}
	return StampUpdated(merged), nil
}

// DeleteItem removes the record at key.
func (s *SecureStore) DeleteItem(ctx context.Context, collection, key string) error {
	return s.backend.DeleteItem(ctx, collection, key)
}

// Clear removes every record in the collection.
func (s *SecureStore) Clear(ctx context.Context, collection string) error {
	return s.backend.Clear(ctx, collection)
}

// EnsureCollections delegates schema creation to the backend.
func (s *SecureStore) EnsureCollections(ctx context.Context, accountID string) error {
	return s.backend.EnsureCollections(ctx, accountID)
}

// Close closes the underlying backend.
func (s *SecureStore) Close() error {
	return s.backend.Close()
}
