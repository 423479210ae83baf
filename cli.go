package main

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v3"

	"github.com/euroneural/budgetpro/storage"
)

// Applicator defines the interface for the core application logic.
// This allows the CLI to be tested independently of the main app
// implementation.
type Applicator interface {
	AccountsList(ctx context.Context, cfgPath, password string) error
	AccountCreate(ctx context.Context, cfgPath, password, name, accountType string) error
	AccountSwitch(ctx context.Context, cfgPath, password, id string) error
	AccountDelete(ctx context.Context, cfgPath, password, id string) error
	TransactionAdd(ctx context.Context, cfgPath, password string, t storage.Transaction) error
	TransactionsList(ctx context.Context, cfgPath, password string, filter storage.TransactionFilter) error
	TransactionsClear(ctx context.Context, cfgPath, password string) error
	CategoriesList(ctx context.Context, cfgPath, password string) error
	BudgetSet(ctx context.Context, cfgPath, password, month, data string) error
	BudgetShow(ctx context.Context, cfgPath, password, month string) error
	Flush(ctx context.Context, cfgPath string) error
	Watch(ctx context.Context, cfgPath string) error
}

// BuildCLI creates the full CLI command structure for the
// application, injecting the core application logic.
func BuildCLI(app Applicator) *cli.Command {
	// Flags common across commands.
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "config.yaml",
		Usage:   "path to the configuration file",
	}
	passwordFlag := &cli.StringFlag{
		Name:    "password",
		Aliases: []string{"p"},
		Sources: cli.EnvVars("BUDGETPRO_PASSWORD"),
		Usage:   "password protecting sensitive fields (omit for plaintext mode)",
	}
	common := []cli.Flag{configFlag, passwordFlag}

	accountsCmd := &cli.Command{
		Name:  "accounts",
		Usage: "Manage isolated accounts",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List accounts; the active account is starred",
				Flags: common,
				Action: func(ctx context.Context, c *cli.Command) error {
					return app.AccountsList(ctx, c.String("config"), c.String("password"))
				},
			},
			{
				Name:  "create",
				Usage: "Create an account and switch to it",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "account name", Required: true},
					&cli.StringFlag{Name: "type", Usage: "account type, e.g. personal or business"},
				}, common...),
				Action: func(ctx context.Context, c *cli.Command) error {
					return app.AccountCreate(ctx, c.String("config"), c.String("password"),
						c.String("name"), c.String("type"))
				},
			},
			{
				Name:  "switch",
				Usage: "Switch the active account",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "account id", Required: true},
				}, common...),
				Action: func(ctx context.Context, c *cli.Command) error {
					return app.AccountSwitch(ctx, c.String("config"), c.String("password"), c.String("id"))
				},
			},
			{
				Name:  "delete",
				Usage: "Delete an account record (its data is left in place)",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "account id", Required: true},
				}, common...),
				Action: func(ctx context.Context, c *cli.Command) error {
					return app.AccountDelete(ctx, c.String("config"), c.String("password"), c.String("id"))
				},
			},
		},
	}

	txCmd := &cli.Command{
		Name:    "transactions",
		Aliases: []string{"tx"},
		Usage:   "Manage the active account's transactions",
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Add a transaction (negative amount = expense)",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "date", Usage: "date (2006-01-02)", Required: true},
					&cli.StringFlag{Name: "description", Aliases: []string{"d"}, Required: true},
					&cli.StringFlag{Name: "amount", Aliases: []string{"a"}, Required: true},
					&cli.StringFlag{Name: "category"},
					&cli.StringFlag{Name: "notes"},
					&cli.StringFlag{Name: "type"},
				}, common...),
				Action: func(ctx context.Context, c *cli.Command) error {
					amount, err := decimal.NewFromString(c.String("amount"))
					if err != nil {
						return fmt.Errorf("invalid amount %q: %w", c.String("amount"), err)
					}
					t := storage.Transaction{
						Date:        c.String("date"),
						Description: c.String("description"),
						Amount:      amount,
						Category:    c.String("category"),
						Notes:       c.String("notes"),
						Type:        c.String("type"),
					}
					return app.TransactionAdd(ctx, c.String("config"), c.String("password"), t)
				},
			},
			{
				Name:  "list",
				Usage: "List transactions in descending date order",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "start", Usage: "start date filter (2006-01-02)"},
					&cli.StringFlag{Name: "end", Usage: "end date filter (2006-01-02)"},
					&cli.StringFlag{Name: "category", Usage: "category filter"},
					&cli.StringFlag{Name: "type", Usage: "type filter"},
				}, common...),
				Action: func(ctx context.Context, c *cli.Command) error {
					filter := storage.TransactionFilter{
						StartDate: c.String("start"),
						EndDate:   c.String("end"),
						Category:  c.String("category"),
						Type:      c.String("type"),
					}
					return app.TransactionsList(ctx, c.String("config"), c.String("password"), filter)
				},
			},
			{
				Name:  "clear",
				Usage: "Delete all of the active account's transactions",
				Flags: common,
				Action: func(ctx context.Context, c *cli.Command) error {
					return app.TransactionsClear(ctx, c.String("config"), c.String("password"))
				},
			},
		},
	}

	categoriesCmd := &cli.Command{
		Name:  "categories",
		Usage: "List the active account's categories",
		Flags: common,
		Action: func(ctx context.Context, c *cli.Command) error {
			return app.CategoriesList(ctx, c.String("config"), c.String("password"))
		},
	}

	budgetCmd := &cli.Command{
		Name:  "budget",
		Usage: "Manage monthly budgets",
		Commands: []*cli.Command{
			{
				Name:  "set",
				Usage: "Store the budget JSON payload for a month",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "month", Usage: "month (2006-01)", Required: true},
					&cli.StringFlag{Name: "data", Usage: "budget payload as JSON", Required: true},
				}, common...),
				Action: func(ctx context.Context, c *cli.Command) error {
					return app.BudgetSet(ctx, c.String("config"), c.String("password"),
						c.String("month"), c.String("data"))
				},
			},
			{
				Name:  "show",
				Usage: "Print the budget payload for a month",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "month", Usage: "month (2006-01)", Required: true},
				}, common...),
				Action: func(ctx context.Context, c *cli.Command) error {
					return app.BudgetShow(ctx, c.String("config"), c.String("password"), c.String("month"))
				},
			},
		},
	}

	flushCmd := &cli.Command{
		Name:  "flush",
		Usage: "Force the sqlite backend to write its image to disk now",
		Flags: []cli.Flag{configFlag},
		Action: func(ctx context.Context, c *cli.Command) error {
			return app.Flush(ctx, c.String("config"))
		},
	}

	watchCmd := &cli.Command{
		Name:  "watch",
		Usage: "Follow external modifications to the sqlite database image",
		Flags: []cli.Flag{configFlag},
		Action: func(ctx context.Context, c *cli.Command) error {
			return app.Watch(ctx, c.String("config"))
		},
	}

	// Assemble the root command.
	rootCmd := &cli.Command{
		Name:     "budgetpro",
		Usage:    "Encrypted multi-account personal finance storage",
		Commands: []*cli.Command{accountsCmd, txCmd, categoriesCmd, budgetCmd, flushCmd, watchCmd},
	}

	return rootCmd
}
