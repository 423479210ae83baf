package kvstore

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/euroneural/budgetpro/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.kv.db")
	store, err := OpenDefault(path, nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var ignoreStamps = cmpopts.IgnoreMapEntries(func(k string, _ any) bool {
	return k == storage.FieldCreatedAt || k == storage.FieldUpdatedAt
})

func TestAddAndGet(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	key, err := store.AddItem(ctx, storage.Transactions, storage.Item{
		"date":        "2024-01-05",
		"description": "Coffee",
		"amount":      -4.5,
	})
	if err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	if key == "" {
		t.Fatal("expected a generated key")
	}

	item, err := store.GetItem(ctx, storage.Transactions, key)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	want := storage.Item{
		"id":          key,
		"date":        "2024-01-05",
		"description": "Coffee",
		"amount":      -4.5,
	}
	if diff := cmp.Diff(want, item, ignoreStamps); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
	if item[storage.FieldCreatedAt] == nil {
		t.Error("expected a createdAt stamp")
	}
}

func TestGetMissing(t *testing.T) {
	store := testStore(t)

	item, err := store.GetItem(context.Background(), storage.Transactions, "42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item != nil {
		t.Errorf("expected nil item for a missing key, got %v", item)
	}
}

func TestMissingCollectionKind(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.AddItem(ctx, "transactions-no-such-account", storage.Item{"date": "2024-01-01"})
	if got, want := storage.KindOf(err), storage.KindSchemaMissing; got != want {
		t.Errorf("error kind got %v want %v", got, want)
	}
	_, err = store.GetAllItems(ctx, "transactions-no-such-account", nil)
	if got, want := storage.KindOf(err), storage.KindSchemaMissing; got != want {
		t.Errorf("error kind got %v want %v", got, want)
	}
}

func TestUniqueIndexConstraint(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if _, err := store.AddItem(ctx, storage.Categories, storage.Item{"name": "Dining"}); err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	_, err := store.AddItem(ctx, storage.Categories, storage.Item{"name": "Dining"})
	if got, want := storage.KindOf(err), storage.KindConstraint; got != want {
		t.Errorf("error kind got %v want %v", got, want)
	}
}

func TestIndexQuery(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, item := range []storage.Item{
		{"date": "2024-01-05", "category": "Dining", "amount": -4.5},
		{"date": "2024-01-06", "category": "Shopping", "amount": -20.0},
		{"date": "2024-01-07", "category": "Dining", "amount": -12.0},
	} {
		if _, err := store.AddItem(ctx, storage.Transactions, item); err != nil {
			t.Fatalf("unexpected add error: %v", err)
		}
	}

	items, err := store.GetAllItems(ctx, storage.Transactions,
		&storage.Query{Index: "category", Value: "Dining"})
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	var dates []string
	for _, item := range items {
		dates = append(dates, item["date"].(string))
	}
	sort.Strings(dates)
	if diff := cmp.Diff([]string{"2024-01-05", "2024-01-07"}, dates); diff != "" {
		t.Errorf("query result mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateItem(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	key, err := store.AddItem(ctx, storage.Transactions, storage.Item{
		"date": "2024-01-05", "category": "Dining", "amount": -4.5,
	})
	if err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}

	merged, err := store.UpdateItem(ctx, storage.Transactions, key, storage.Item{
		"category": "Groceries",
	})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if got, want := merged["category"], any("Groceries"); got != want {
		t.Errorf("category got %v want %v", got, want)
	}
	if got, want := merged["amount"], any(-4.5); got != want {
		t.Errorf("amount got %v want %v", got, want)
	}
	if merged[storage.FieldUpdatedAt] == nil {
		t.Error("expected an updatedAt stamp")
	}

	// The index follows the update: the old entry is gone, the new one
	// resolves.
	items, err := store.GetAllItems(ctx, storage.Transactions,
		&storage.Query{Index: "category", Value: "Dining"})
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("stale index entry: got %d items for old value", len(items))
	}
	items, err = store.GetAllItems(ctx, storage.Transactions,
		&storage.Query{Index: "category", Value: "Groceries"})
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("expected 1 item for new value, got %d", len(items))
	}
}

func TestUpdateMissing(t *testing.T) {
	store := testStore(t)

	_, err := store.UpdateItem(context.Background(), storage.Transactions, "42",
		storage.Item{"amount": 1.0})
	if got, want := storage.KindOf(err), storage.KindNotFound; got != want {
		t.Errorf("error kind got %v want %v", got, want)
	}
}

func TestDeleteItem(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	key, err := store.AddItem(ctx, storage.Categories, storage.Item{"name": "Dining"})
	if err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	if err := store.DeleteItem(ctx, storage.Categories, key); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	item, err := store.GetItem(ctx, storage.Categories, key)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if item != nil {
		t.Errorf("record survived delete: %v", item)
	}

	// The unique index entry must go with it, freeing the name.
	if _, err := store.AddItem(ctx, storage.Categories, storage.Item{"name": "Dining"}); err != nil {
		t.Errorf("unique index entry survived delete: %v", err)
	}

	// Deleting an absent key is a no-op.
	if err := store.DeleteItem(ctx, storage.Categories, "999"); err != nil {
		t.Errorf("unexpected error deleting absent key: %v", err)
	}
}

func TestClear(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, name := range []string{"Dining", "Shopping"} {
		if _, err := store.AddItem(ctx, storage.Categories, storage.Item{"name": name}); err != nil {
			t.Fatalf("unexpected add error: %v", err)
		}
	}
	if err := store.Clear(ctx, storage.Categories); err != nil {
		t.Fatalf("unexpected clear error: %v", err)
	}
	items, err := store.GetAllItems(ctx, storage.Categories, nil)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected an empty collection, got %d items", len(items))
	}
	// Indexes are cleared too.
	if _, err := store.AddItem(ctx, storage.Categories, storage.Item{"name": "Dining"}); err != nil {
		t.Errorf("index entry survived clear: %v", err)
	}
}

func TestEnsureCollections(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	const accountID = "2f9c0a1e"

	before, err := store.Version()
	if err != nil {
		t.Fatalf("unexpected version error: %v", err)
	}

	if err := store.EnsureCollections(ctx, accountID); err != nil {
		t.Fatalf("unexpected ensure error: %v", err)
	}
	after, err := store.Version()
	if err != nil {
		t.Fatalf("unexpected version error: %v", err)
	}
	if after != before+1 {
		t.Errorf("version got %d want %d", after, before+1)
	}

	// The suffixed collections are usable.
	scoped := storage.Suffixed(storage.Transactions, accountID)
	if _, err := store.AddItem(ctx, scoped, storage.Item{"date": "2024-01-05"}); err != nil {
		t.Errorf("unexpected add error on scoped collection: %v", err)
	}

	// A second ensure is a no-op and does not bump the version.
	if err := store.EnsureCollections(ctx, accountID); err != nil {
		t.Fatalf("unexpected ensure error: %v", err)
	}
	again, err := store.Version()
	if err != nil {
		t.Fatalf("unexpected version error: %v", err)
	}
	if again != after {
		t.Errorf("version bumped by idempotent ensure: got %d want %d", again, after)
	}
}

func TestReopenKeepsVersionAndData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.kv.db")
	ctx := context.Background()

	store, err := OpenDefault(path, nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	key, err := store.AddItem(ctx, storage.Categories, storage.Item{"name": "Dining"})
	if err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	reopened, err := OpenDefault(path, nil)
	if err != nil {
		t.Fatalf("unexpected reopen error: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	item, err := reopened.GetItem(ctx, storage.Categories, key)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if item == nil || item["name"] != "Dining" {
		t.Errorf("record lost on reopen: %v", item)
	}
	version, err := reopened.Version()
	if err != nil {
		t.Fatalf("unexpected version error: %v", err)
	}
	if version != baseVersion {
		t.Errorf("version got %d want %d", version, baseVersion)
	}
}
