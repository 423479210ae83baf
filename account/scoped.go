package account

import (
	"context"
	"encoding/json"

	"github.com/euroneural/budgetpro/storage"
)

// Scoped is a per-account view over the storage facade: every call
// rewrites the collection name with the account suffix, and a call
// failing because the collection does not exist yet triggers one
// schema-ensure and one retry before the error propagates.
type Scoped struct {
	manager   *Manager
	accountID string
}

// AccountID returns the account this view is scoped to.
func (s *Scoped) AccountID() string {
	return s.accountID
}

func (s *Scoped) collection(base string) string {
	return storage.Suffixed(base, s.accountID)
}

// retry runs op, and on a schema-missing failure ensures the
// account's collections and retries exactly once. The ensure is
// shared with any other ensure already in flight for this account.
func (s *Scoped) retry(ctx context.Context, op func() error) error {
	err := op()
	if storage.KindOf(err) != storage.KindSchemaMissing {
		return err
	}
	if err := s.manager.ensure(ctx, s.accountID); err != nil {
		return err
	}
	return op()
}

// AddItem inserts item into the account's collection.
func (s *Scoped) AddItem(ctx context.Context, base string, item storage.Item) (string, error) {
	var key string
	err := s.retry(ctx, func() error {
		var err error
		key, err = s.manager.store.AddItem(ctx, s.collection(base), item)
		return err
	})
	return key, err
}

// GetItem returns the record at key, or (nil, nil) if absent.
func (s *Scoped) GetItem(ctx context.Context, base, key string) (storage.Item, error) {
	var item storage.Item
	err := s.retry(ctx, func() error {
		var err error
		item, err = s.manager.store.GetItem(ctx, s.collection(base), key)
		return err
	})
	return item, err
}

// GetAllItems returns all records, or those matching query.
func (s *Scoped) GetAllItems(ctx context.Context, base string, query *storage.Query) ([]storage.Item, error) {
	var items []storage.Item
	err := s.retry(ctx, func() error {
		var err error
		items, err = s.manager.store.GetAllItems(ctx, s.collection(base), query)
		return err
	})
	return items, err
}

// UpdateItem merges updates into the record at key.
func (s *Scoped) UpdateItem(ctx context.Context, base, key string, updates storage.Item) (storage.Item, error) {
	var item storage.Item
	err := s.retry(ctx, func() error {
		var err error
		item, err = s.manager.store.UpdateItem(ctx, s.collection(base), key, updates)
		return err
	})
	return item, err
}

// DeleteItem removes the record at key.
func (s *Scoped) DeleteItem(ctx context.Context, base, key string) error {
	return s.retry(ctx, func() error {
		return s.manager.store.DeleteItem(ctx, s.collection(base), key)
	})
}

// Clear removes every record in the account's collection.
func (s *Scoped) Clear(ctx context.Context, base string) error {
	return s.retry(ctx, func() error {
		return s.manager.store.Clear(ctx, s.collection(base))
	})
}

// AddTransaction inserts a typed transaction.
func (s *Scoped) AddTransaction(ctx context.Context, t storage.Transaction) (string, error) {
	return s.AddItem(ctx, storage.Transactions, t.Item())
}

// Transactions lists the account's transactions matching filter, in
// descending date order.
func (s *Scoped) Transactions(ctx context.Context, filter storage.TransactionFilter) ([]storage.Transaction, error) {
	items, err := s.GetAllItems(ctx, storage.Transactions, nil)
	if err != nil {
		return nil, err
	}
	return storage.TransactionsFromItems(items, filter)
}

// ClearTransactions removes every transaction in the account.
func (s *Scoped) ClearTransactions(ctx context.Context) error {
	return s.Clear(ctx, storage.Transactions)
}

// Categories lists the account's categories.
func (s *Scoped) Categories(ctx context.Context) ([]storage.Category, error) {
	items, err := s.GetAllItems(ctx, storage.Categories, nil)
	if err != nil {
		return nil, err
	}
	categories := make([]storage.Category, 0, len(items))
	for _, item := range items {
		categories = append(categories, storage.CategoryFromItem(item))
	}
	return categories, nil
}

// defaultCategories is the stock category set for new accounts.
var defaultCategories = []string{
	"Food & Dining",
	"Shopping",
	"Transportation",
	"Bills & Utilities",
	"Entertainment",
	"Income",
}

// SeedDefaultCategories inserts the stock category set if the
// account has no categories yet.
func (s *Scoped) SeedDefaultCategories(ctx context.Context) error {
	existing, err := s.Categories(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, name := range defaultCategories {
		if _, err := s.AddItem(ctx, storage.Categories, storage.Category{Name: name}.Item()); err != nil {
			return err
		}
	}
	return nil
}

// SetBudget stores the budget payload for month, replacing any
// existing record for that month.
func (s *Scoped) SetBudget(ctx context.Context, month string, data json.RawMessage) error {
	items, err := s.GetAllItems(ctx, storage.Budgets, &storage.Query{Index: "month", Value: month})
	if err != nil {
		return err
	}
	if len(items) > 0 {
		b := storage.BudgetFromItem(items[0])
		_, err := s.UpdateItem(ctx, storage.Budgets, b.ID, storage.Item{"data": string(data)})
		return err
	}
	_, err = s.AddItem(ctx, storage.Budgets, storage.Budget{Month: month, Data: data}.Item())
	return err
}

// Budget returns the budget record for month, or a zero Budget if
// none exists.
func (s *Scoped) Budget(ctx context.Context, month string) (storage.Budget, error) {
	items, err := s.GetAllItems(ctx, storage.Budgets, &storage.Query{Index: "month", Value: month})
	if err != nil {
		return storage.Budget{}, err
	}
	if len(items) == 0 {
		return storage.Budget{}, nil
	}
	return storage.BudgetFromItem(items[0]), nil
}
