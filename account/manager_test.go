package account

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"github.com/euroneural/budgetpro/crypt"
	"github.com/euroneural/budgetpro/kvstore"
	"github.com/euroneural/budgetpro/sqlstore"
	"github.com/euroneural/budgetpro/storage"
)

// memSelector is an in-memory Selector for tests.
type memSelector struct {
	id string
}

func (m *memSelector) ActiveAccount() (string, error) { return m.id, nil }

func (m *memSelector) SetActiveAccount(id string) error {
	m.id = id
	return nil
}

func testBackend(t *testing.T) storage.Backend {
	t.Helper()
	store, err := kvstore.OpenDefault(filepath.Join(t.TempDir(), "test.kv.db"), nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testManager(t *testing.T) (*Manager, *memSelector) {
	t.Helper()
	selector := &memSelector{}
	return NewManager(testBackend(t), selector, nil), selector
}

func TestCreateSwitchesAndPersists(t *testing.T) {
	manager, selector := testManager(t)
	ctx := context.Background()

	personal, err := manager.Create(ctx, "Personal", "personal")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if got, want := manager.Active(), personal.ID; got != want {
		t.Errorf("active got %q want %q", got, want)
	}

	business, err := manager.Create(ctx, "Business", "business")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if got, want := manager.Active(), business.ID; got != want {
		t.Errorf("active got %q want %q", got, want)
	}
	if got, want := selector.id, business.ID; got != want {
		t.Errorf("persisted selection got %q want %q", got, want)
	}

	accounts, err := manager.List(ctx)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	var names []string
	for _, acc := range accounts {
		names = append(names, acc.Name)
	}
	sort.Strings(names)
	if diff := cmp.Diff([]string{"Business", "Personal"}, names); diff != "" {
		t.Errorf("account names mismatch (-want +got):\n%s", diff)
	}
}

// Data added under one account never shows under another, and
// switching back shows the first account's data again.
func TestAccountIsolation(t *testing.T) {
	manager, _ := testManager(t)
	ctx := context.Background()

	personal, err := manager.Create(ctx, "Personal", "personal")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	scoped, err := manager.Scoped()
	if err != nil {
		t.Fatalf("unexpected scoped error: %v", err)
	}
	if _, err := scoped.AddTransaction(ctx, storage.Transaction{
		Date: "2024-01-05", Description: "Coffee", Amount: decimal.NewFromFloat(-4.5),
	}); err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}

	business, err := manager.Create(ctx, "Business", "business")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	scoped, err = manager.Scoped()
	if err != nil {
		t.Fatalf("unexpected scoped error: %v", err)
	}
	if got, want := scoped.AccountID(), business.ID; got != want {
		t.Fatalf("scoped account got %q want %q", got, want)
	}
	txs, err := scoped.Transactions(ctx, storage.TransactionFilter{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(txs) != 0 {
		t.Errorf("expected an empty account, got %d transactions", len(txs))
	}

	if err := manager.Switch(ctx, personal.ID); err != nil {
		t.Fatalf("unexpected switch error: %v", err)
	}
	scoped, err = manager.Scoped()
	if err != nil {
		t.Fatalf("unexpected scoped error: %v", err)
	}
	txs, err = scoped.Transactions(ctx, storage.TransactionFilter{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(txs) != 1 || txs[0].Description != "Coffee" {
		t.Errorf("expected the original transaction back, got %v", txs)
	}
}

// failingSelector rejects writes after a set number of successes.
type failingSelector struct {
	memSelector
	allowed int
}

func (f *failingSelector) SetActiveAccount(id string) error {
	if f.allowed <= 0 {
		return errors.New("selector write failed")
	}
	f.allowed--
	return f.memSelector.SetActiveAccount(id)
}

// A failed selection write leaves the manager on the old account, so
// the in-memory and durable selections never diverge.
func TestSwitchPersistFailureKeepsOldAccount(t *testing.T) {
	backend := testBackend(t)
	selector := &failingSelector{allowed: 1}
	manager := NewManager(backend, selector, nil)
	ctx := context.Background()

	personal, err := manager.Create(ctx, "Personal", "personal")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	events, release := manager.Subscribe()
	defer release()

	_, err = manager.Create(ctx, "Business", "business")
	if err == nil {
		t.Fatal("expected the switch to fail when persisting fails")
	}
	if got, want := manager.Active(), personal.ID; got != want {
		t.Errorf("active got %q want %q", got, want)
	}
	if got, want := selector.id, personal.ID; got != want {
		t.Errorf("persisted selection got %q want %q", got, want)
	}
	select {
	case event := <-events:
		t.Errorf("unexpected event for a failed switch: %v", event)
	default:
	}
}

func TestDeleteActiveRefused(t *testing.T) {
	manager, _ := testManager(t)
	ctx := context.Background()

	personal, err := manager.Create(ctx, "Personal", "personal")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	err = manager.Delete(ctx, personal.ID)
	if got, want := storage.KindOf(err), storage.KindInvalidOperation; got != want {
		t.Errorf("error kind got %v want %v", got, want)
	}

	if _, err := manager.Create(ctx, "Business", "business"); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	// Personal is no longer active and can go.
	if err := manager.Delete(ctx, personal.ID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	accounts, err := manager.List(ctx)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(accounts) != 1 || accounts[0].Name != "Business" {
		t.Errorf("expected only the business account, got %v", accounts)
	}
}

// Deleting an account leaves its collections and data behind.
func TestDeleteLeavesDataBehind(t *testing.T) {
	manager, _ := testManager(t)
	ctx := context.Background()

	personal, err := manager.Create(ctx, "Personal", "personal")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	scoped := manager.ScopedFor(personal.ID)
	if _, err := scoped.AddTransaction(ctx, storage.Transaction{
		Date: "2024-01-05", Description: "Coffee", Amount: decimal.NewFromFloat(-4.5),
	}); err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}

	if _, err := manager.Create(ctx, "Business", "business"); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if err := manager.Delete(ctx, personal.ID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	txs, err := manager.ScopedFor(personal.ID).Transactions(ctx, storage.TransactionFilter{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(txs) != 1 {
		t.Errorf("orphaned data should remain, got %d transactions", len(txs))
	}
}

func TestInitReselectsRemembered(t *testing.T) {
	backend := testBackend(t)
	selector := &memSelector{}
	ctx := context.Background()

	manager := NewManager(backend, selector, nil)
	if _, err := manager.Create(ctx, "Personal", "personal"); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	business, err := manager.Create(ctx, "Business", "business")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	// A fresh manager over the same stores restores the selection.
	restarted := NewManager(backend, selector, nil)
	if err := restarted.Init(ctx); err != nil {
		t.Fatalf("unexpected init error: %v", err)
	}
	if got, want := restarted.Active(), business.ID; got != want {
		t.Errorf("active after restart got %q want %q", got, want)
	}
}

func TestInitFallsBackToFirstAccount(t *testing.T) {
	backend := testBackend(t)
	selector := &memSelector{id: "no-such-account"}
	ctx := context.Background()

	seeded := NewManager(backend, &memSelector{}, nil)
	personal, err := seeded.Create(ctx, "Personal", "personal")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	manager := NewManager(backend, selector, nil)
	if err := manager.Init(ctx); err != nil {
		t.Fatalf("unexpected init error: %v", err)
	}
	if got, want := manager.Active(), personal.ID; got != want {
		t.Errorf("active got %q want %q", got, want)
	}
}

func TestInitWithNoAccounts(t *testing.T) {
	manager, _ := testManager(t)

	if err := manager.Init(context.Background()); err != nil {
		t.Fatalf("unexpected init error: %v", err)
	}
	if got := manager.Active(); got != "" {
		t.Errorf("expected no active account, got %q", got)
	}
	_, err := manager.Scoped()
	if got, want := storage.KindOf(err), storage.KindInvalidOperation; got != want {
		t.Errorf("error kind got %v want %v", got, want)
	}
}

func TestSubscribe(t *testing.T) {
	manager, _ := testManager(t)
	ctx := context.Background()

	events, release := manager.Subscribe()

	personal, err := manager.Create(ctx, "Personal", "personal")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	select {
	case event := <-events:
		if got, want := event.AccountID, personal.ID; got != want {
			t.Errorf("event account got %q want %q", got, want)
		}
	default:
		t.Fatal("expected a switch event")
	}

	// Switching to the already-active account emits nothing.
	if err := manager.Switch(ctx, personal.ID); err != nil {
		t.Fatalf("unexpected switch error: %v", err)
	}
	select {
	case event := <-events:
		t.Errorf("unexpected event for a no-op switch: %v", event)
	default:
	}

	// A released subscriber receives nothing further.
	release()
	if _, err := manager.Create(ctx, "Business", "business"); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	select {
	case event := <-events:
		t.Errorf("unexpected event after release: %v", event)
	default:
	}
}

// A fresh account's first read over the sqlite backend must not
// surface the base table's rows: the missing suffixed table triggers
// the schema ensure, after which the account reads its own (empty)
// table and can write to it.
func TestSqliteScopedReadEnsuresAndIsolates(t *testing.T) {
	backend, err := sqlstore.Open(context.Background(),
		filepath.Join(t.TempDir(), "budget.db"), sqlstore.Options{})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	manager := NewManager(backend, &memSelector{}, nil)
	ctx := context.Background()

	// A row in the base table, as left by pre-account-era data.
	if _, err := backend.AddItem(ctx, storage.Transactions, storage.Item{
		"date": "2024-01-05", "description": "Legacy",
	}); err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}

	scoped := manager.ScopedFor("2f9c0a1e")
	items, err := scoped.GetAllItems(ctx, storage.Transactions, nil)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("base-table rows leaked into a fresh account: %v", items)
	}

	// The read ensured the account's tables, so a write lands in them.
	if _, err := scoped.AddItem(ctx, storage.Transactions, storage.Item{
		"date": "2024-02-01", "description": "Scoped",
	}); err != nil {
		t.Fatalf("unexpected scoped add error: %v", err)
	}
	items, err = scoped.GetAllItems(ctx, storage.Transactions, nil)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(items) != 1 || items[0]["description"] != "Scoped" {
		t.Errorf("expected only the account's own row, got %v", items)
	}
}

// Transactions written through the full stack land encrypted in the
// backend and read back decrypted.
func TestEncryptedEndToEnd(t *testing.T) {
	backend := testBackend(t)
	cipher := crypt.New()
	if err := cipher.Initialize("correct-horse"); err != nil {
		t.Fatalf("unexpected initialize error: %v", err)
	}
	secure := storage.NewSecureStore(backend, cipher, nil)
	manager := NewManager(secure, &memSelector{}, nil)
	ctx := context.Background()

	personal, err := manager.Create(ctx, "Personal", "personal")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	scoped, err := manager.Scoped()
	if err != nil {
		t.Fatalf("unexpected scoped error: %v", err)
	}
	key, err := scoped.AddTransaction(ctx, storage.Transaction{
		Date: "2024-01-05", Description: "Coffee", Amount: decimal.NewFromFloat(-4.5),
		Category: "Dining", Type: "expense",
	})
	if err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}

	// Raw backend record is ciphertext.
	collection := storage.Suffixed(storage.Transactions, personal.ID)
	raw, err := backend.GetItem(ctx, collection, key)
	if err != nil {
		t.Fatalf("unexpected raw get error: %v", err)
	}
	if raw["description"] == "Coffee" {
		t.Error("description stored in plaintext")
	}

	// The scoped view decrypts transparently.
	txs, err := scoped.Transactions(ctx, storage.TransactionFilter{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("transaction count got %d want 1", len(txs))
	}
	if got, want := txs[0].Description, "Coffee"; got != want {
		t.Errorf("description got %q want %q", got, want)
	}
	if !txs[0].Amount.Equal(decimal.NewFromFloat(-4.5)) {
		t.Errorf("amount got %v want -4.5", txs[0].Amount)
	}
}
