// Package account owns the multi-tenancy layer: isolated accounts,
// each with its own suffixed set of collections, the persisted active
// account selection, and the account-scoped store facade used by the
// rest of the application.
package account

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/euroneural/budgetpro/storage"
)

// Selector persists the active account id between sessions.
type Selector interface {
	ActiveAccount() (string, error)
	SetActiveAccount(id string) error
}

// SwitchEvent notifies subscribers that the active account changed.
type SwitchEvent struct {
	AccountID string
}

// subscriberBuffer bounds each subscriber channel; a subscriber that
// falls this far behind misses events rather than blocking switches.
const subscriberBuffer = 4

// Manager owns account records and the active account selection.
type Manager struct {
	store    storage.Backend
	selector Selector
	log      *slog.Logger

	mu      sync.Mutex
	current string
	subs    map[int]chan SwitchEvent
	nextSub int

	// ensures collapses concurrent schema-ensure calls for the same
	// account into one in-flight operation.
	ensures singleflight.Group
}

// NewManager builds a Manager over store (normally the encrypting
// facade) and the persisted selector.
func NewManager(store storage.Backend, selector Selector, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		store:    store,
		selector: selector,
		log:      logger,
		subs:     map[int]chan SwitchEvent{},
	}
}

// Init restores the account state on startup: if a remembered active
// account still exists it is re-selected, otherwise the first listed
// account is. With no accounts at all the manager stays inactive
// until one is created.
func (m *Manager) Init(ctx context.Context) error {
	accounts, err := m.List(ctx)
	if err != nil {
		return fmt.Errorf("could not list accounts: %w", err)
	}
	remembered, err := m.selector.ActiveAccount()
	if err != nil {
		return fmt.Errorf("could not read active account selection: %w", err)
	}
	for _, acc := range accounts {
		if acc.ID == remembered {
			return m.Switch(ctx, remembered)
		}
	}
	if len(accounts) > 0 {
		return m.Switch(ctx, accounts[0].ID)
	}
	m.log.Debug("no accounts yet, staying inactive")
	return nil
}

// List returns all account records.
func (m *Manager) List(ctx context.Context) ([]storage.Account, error) {
	items, err := m.store.GetAllItems(ctx, storage.Accounts, nil)
	if err != nil {
		return nil, err
	}
	accounts := make([]storage.Account, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		accounts = append(accounts, storage.AccountFromItem(item))
	}
	return accounts, nil
}

// Create makes a new account, ensures its collections exist and
// switches to it.
func (m *Manager) Create(ctx context.Context, name, accountType string) (storage.Account, error) {
	acc := storage.Account{
		ID:      uuid.NewString(),
		Name:    name,
		Type:    accountType,
		Created: time.Now().UnixMilli(),
	}
	if _, err := m.store.AddItem(ctx, storage.Accounts, acc.Item()); err != nil {
		return storage.Account{}, fmt.Errorf("could not create account %q: %w", name, err)
	}
	if err := m.ensure(ctx, acc.ID); err != nil {
		return storage.Account{}, err
	}
	if err := m.Switch(ctx, acc.ID); err != nil {
		return storage.Account{}, err
	}
	return acc, nil
}

// Switch makes id the active account, lazily ensuring its collections
// exist, persisting the selection and notifying subscribers.
// Switching to the already-active account is a no-op.
func (m *Manager) Switch(ctx context.Context, id string) error {
	if err := m.ensure(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	if m.current == id {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	// Persist first: a failed write must leave the manager on the old
	// account rather than diverging from the durable selection.
	if err := m.selector.SetActiveAccount(id); err != nil {
		return fmt.Errorf("could not persist active account: %w", err)
	}

	m.mu.Lock()
	m.current = id
	subs := make([]chan SwitchEvent, 0, len(m.subs))
	for _, ch := range m.subs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	m.log.Info("switched account", "account", id)
	event := SwitchEvent{AccountID: id}
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			m.log.Warn("dropping account-switch event for slow subscriber")
		}
	}
	return nil
}

// Delete removes the account record. The active account cannot be
// deleted; switch away first. The account's collections are left
// behind rather than reaped, so the data remains recoverable.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	active := m.current
	m.mu.Unlock()
	if id == active {
		return storage.NewError(storage.KindInvalidOperation, storage.Accounts,
			fmt.Errorf("cannot delete the active account %q", id))
	}
	return m.store.DeleteItem(ctx, storage.Accounts, id)
}

// Active returns the active account id, or "" if none is selected.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Subscribe registers for account-switch events, returning the event
// channel and a release function.
func (m *Manager) Subscribe() (<-chan SwitchEvent, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan SwitchEvent, subscriberBuffer)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Scoped returns the store facade for the active account.
func (m *Manager) Scoped() (*Scoped, error) {
	m.mu.Lock()
	id := m.current
	m.mu.Unlock()
	if id == "" {
		return nil, storage.NewError(storage.KindInvalidOperation, "",
			fmt.Errorf("no active account"))
	}
	return m.ScopedFor(id), nil
}

// ScopedFor returns the store facade for the given account.
func (m *Manager) ScopedFor(accountID string) *Scoped {
	return &Scoped{manager: m, accountID: accountID}
}

// ensure runs the idempotent schema-ensure for accountID, collapsing
// concurrent calls for the same account into one in-flight operation.
func (m *Manager) ensure(ctx context.Context, accountID string) error {
	_, err, _ := m.ensures.Do(accountID, func() (any, error) {
		return nil, m.store.EnsureCollections(ctx, accountID)
	})
	return err
}
