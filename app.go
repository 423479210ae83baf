package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/euroneural/budgetpro/account"
	"github.com/euroneural/budgetpro/config"
	"github.com/euroneural/budgetpro/crypt"
	"github.com/euroneural/budgetpro/internal/settings"
	"github.com/euroneural/budgetpro/kvstore"
	"github.com/euroneural/budgetpro/sqlstore"
	"github.com/euroneural/budgetpro/storage"
)

// App implements the Applicator consumed by the CLI. Each operation
// opens the storage stack for the configured backend, runs, and
// closes it again (flushing the relational backend's image).
type App struct {
	log *slog.Logger
}

// engine bundles the opened storage stack for one command run.
type engine struct {
	cfg      *config.Config
	settings *settings.Store
	sqlStore *sqlstore.Store // non-nil when the sqlite backend is active
	secure   *storage.SecureStore
	manager  *account.Manager
}

func (a *App) open(ctx context.Context, cfgPath, password string) (*engine, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	set, err := settings.Open(cfg.SettingsPath(), a.log)
	if err != nil {
		return nil, err
	}

	var backend storage.Backend
	var sqlStore *sqlstore.Store
	switch cfg.Backend {
	case config.BackendSQLite:
		// The configured database_file stands in for an interactive
		// open prompt; the default image path for the save-new-file
		// fallback.
		imagePath, err := set.ObtainDatabaseFile(ctx,
			func(context.Context) (string, error) {
				if cfg.DatabaseFile == "" {
					return "", errors.New("no database_file configured")
				}
				return cfg.DatabaseFile, nil
			},
			func(context.Context) (string, error) {
				return cfg.DefaultImagePath(), nil
			},
		)
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		sqlStore, err = sqlstore.Open(ctx, imagePath, sqlstore.Options{
			Debounce: cfg.FlushDebounce(),
			Logger:   a.log,
		})
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		backend = sqlStore
	default:
		kv, err := kvstore.OpenDefault(cfg.KVPath(), a.log)
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		backend = kv
	}

	cipher := crypt.New()
	if password == "" {
		a.log.Warn("no password supplied, sensitive fields will be stored in plaintext")
	} else if err := cipher.Initialize(password); err != nil {
		_ = backend.Close()
		_ = set.Close()
		return nil, fmt.Errorf("could not derive encryption key: %w", err)
	}

	secure := storage.NewSecureStore(backend, cipher, a.log)
	manager := account.NewManager(secure, set, a.log)
	if err := manager.Init(ctx); err != nil {
		_ = secure.Close()
		_ = set.Close()
		return nil, err
	}

	return &engine{
		cfg:      cfg,
		settings: set,
		sqlStore: sqlStore,
		secure:   secure,
		manager:  manager,
	}, nil
}

func (e *engine) close() error {
	err := e.secure.Close()
	if serr := e.settings.Close(); err == nil {
		err = serr
	}
	return err
}

// run opens the engine, runs fn and closes the engine again,
// preferring fn's error over any close error.
func (a *App) run(ctx context.Context, cfgPath, password string, fn func(ctx context.Context, e *engine) error) error {
	e, err := a.open(ctx, cfgPath, password)
	if err != nil {
		return err
	}
	ferr := fn(ctx, e)
	cerr := e.close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

// scoped returns the active account's store view with a friendlier
// error for the fresh-install state.
func (e *engine) scoped() (*account.Scoped, error) {
	scoped, err := e.manager.Scoped()
	if storage.KindOf(err) == storage.KindInvalidOperation {
		return nil, errors.New("no active account: create one with 'accounts create'")
	}
	return scoped, err
}

func (a *App) AccountsList(ctx context.Context, cfgPath, password string) error {
	return a.run(ctx, cfgPath, password, func(ctx context.Context, e *engine) error {
		accounts, err := e.manager.List(ctx)
		if err != nil {
			return err
		}
		active := e.manager.Active()
		for _, acc := range accounts {
			marker := " "
			if acc.ID == active {
				marker = "*"
			}
			fmt.Printf("%s %s  %s\n", marker, acc.ID, acc.Name)
		}
		return nil
	})
}

func (a *App) AccountCreate(ctx context.Context, cfgPath, password, name, accountType string) error {
	return a.run(ctx, cfgPath, password, func(ctx context.Context, e *engine) error {
		acc, err := e.manager.Create(ctx, name, accountType)
		if err != nil {
			return err
		}
		if err := e.manager.ScopedFor(acc.ID).SeedDefaultCategories(ctx); err != nil {
			return err
		}
		fmt.Printf("created and switched to account %s (%s)\n", acc.Name, acc.ID)
		return nil
	})
}

func (a *App) AccountSwitch(ctx context.Context, cfgPath, password, id string) error {
	return a.run(ctx, cfgPath, password, func(ctx context.Context, e *engine) error {
		return e.manager.Switch(ctx, id)
	})
}

func (a *App) AccountDelete(ctx context.Context, cfgPath, password, id string) error {
	return a.run(ctx, cfgPath, password, func(ctx context.Context, e *engine) error {
		return e.manager.Delete(ctx, id)
	})
}

func (a *App) TransactionAdd(ctx context.Context, cfgPath, password string, t storage.Transaction) error {
	return a.run(ctx, cfgPath, password, func(ctx context.Context, e *engine) error {
		scoped, err := e.scoped()
		if err != nil {
			return err
		}
		key, err := scoped.AddTransaction(ctx, t)
		if err != nil {
			return err
		}
		fmt.Printf("added transaction %s\n", key)
		return nil
	})
}

func (a *App) TransactionsList(ctx context.Context, cfgPath, password string, filter storage.TransactionFilter) error {
	return a.run(ctx, cfgPath, password, func(ctx context.Context, e *engine) error {
		scoped, err := e.scoped()
		if err != nil {
			return err
		}
		transactions, err := scoped.Transactions(ctx, filter)
		if err != nil {
			return err
		}
		for _, t := range transactions {
			fmt.Printf("%s  %10s  %-12s  %s\n",
				t.Date, t.Amount.StringFixed(2), t.Category, t.Description)
		}
		return nil
	})
}

func (a *App) TransactionsClear(ctx context.Context, cfgPath, password string) error {
	return a.run(ctx, cfgPath, password, func(ctx context.Context, e *engine) error {
		scoped, err := e.scoped()
		if err != nil {
			return err
		}
		return scoped.ClearTransactions(ctx)
	})
}

func (a *App) CategoriesList(ctx context.Context, cfgPath, password string) error {
	return a.run(ctx, cfgPath, password, func(ctx context.Context, e *engine) error {
		scoped, err := e.scoped()
		if err != nil {
			return err
		}
		categories, err := scoped.Categories(ctx)
		if err != nil {
			return err
		}
		for _, c := range categories {
			fmt.Printf("%s  %s\n", c.ID, c.Name)
		}
		return nil
	})
}

func (a *App) BudgetSet(ctx context.Context, cfgPath, password, month, data string) error {
	return a.run(ctx, cfgPath, password, func(ctx context.Context, e *engine) error {
		if !json.Valid([]byte(data)) {
			return fmt.Errorf("budget data is not valid JSON")
		}
		scoped, err := e.scoped()
		if err != nil {
			return err
		}
		return scoped.SetBudget(ctx, month, json.RawMessage(data))
	})
}

func (a *App) BudgetShow(ctx context.Context, cfgPath, password, month string) error {
	return a.run(ctx, cfgPath, password, func(ctx context.Context, e *engine) error {
		scoped, err := e.scoped()
		if err != nil {
			return err
		}
		budget, err := scoped.Budget(ctx, month)
		if err != nil {
			return err
		}
		if budget.ID == "" {
			fmt.Printf("no budget for %s\n", month)
			return nil
		}
		fmt.Printf("%s\n", budget.Data)
		return nil
	})
}

func (a *App) Flush(ctx context.Context, cfgPath string) error {
	return a.run(ctx, cfgPath, "", func(ctx context.Context, e *engine) error {
		if e.sqlStore == nil {
			return errors.New("flush applies to the sqlite backend only")
		}
		return e.sqlStore.Flush(ctx)
	})
}

// Watch blocks, reloading the relational backend whenever its image
// file is modified by another process, until ctx is cancelled.
func (a *App) Watch(ctx context.Context, cfgPath string) error {
	return a.run(ctx, cfgPath, "", func(ctx context.Context, e *engine) error {
		if e.sqlStore == nil {
			return errors.New("watch applies to the sqlite backend only")
		}
		if !e.cfg.WatchDatabaseFile {
			return errors.New("watch_database_file is disabled in the configuration")
		}
		a.log.Info("watching database image", "path", e.sqlStore.ImagePath())
		return e.sqlStore.Watch(ctx)
	})
}
