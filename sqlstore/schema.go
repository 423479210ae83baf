package sqlstore

import (
	"fmt"
	"strings"

	"github.com/euroneural/budgetpro/storage"
)

// transactionColumns is the column shape shared by the base
// transactions table and its per-account variants.
const transactionColumns = `
	id TEXT PRIMARY KEY,
	date TEXT,
	description TEXT,
	amount REAL,
	type TEXT,
	category TEXT,
	account TEXT,
	notes TEXT,
	recurring INTEGER DEFAULT 0,
	imported INTEGER DEFAULT 0,
	status TEXT,
	createdAt TEXT,
	updatedAt TEXT,
	originalRow TEXT`

const categoryColumns = `
	id TEXT PRIMARY KEY,
	name TEXT UNIQUE`

const budgetColumns = `
	id TEXT PRIMARY KEY,
	month TEXT UNIQUE,
	data TEXT`

const accountColumns = `
	id TEXT PRIMARY KEY,
	name TEXT UNIQUE,
	type TEXT,
	created INTEGER`

// columnShapes maps base collection names to their DDL column lists.
var columnShapes = map[string]string{
	storage.Transactions: transactionColumns,
	storage.Categories:   categoryColumns,
	storage.Budgets:      budgetColumns,
	storage.Accounts:     accountColumns,
}

// patchColumns lists, per base collection, the columns the current
// code expects. Tables created by older versions are brought up to
// shape with ALTER TABLE ADD COLUMN rather than destructive
// migration.
var patchColumns = map[string]map[string]string{
	storage.Transactions: {
		"description": "TEXT",
		"amount":      "REAL",
		"type":        "TEXT",
		"account":     "TEXT",
		"notes":       "TEXT",
		"recurring":   "INTEGER",
		"imported":    "INTEGER",
		"status":      "TEXT",
		"createdAt":   "TEXT",
		"updatedAt":   "TEXT",
		"originalRow": "TEXT",
	},
	storage.Accounts: {
		"type":    "TEXT",
		"created": "INTEGER",
	},
}

// createTableSQL builds the idempotent creation statement for a
// collection, resolving suffixed names to their base shape.
func createTableSQL(collection string) (string, error) {
	shape, ok := columnShapes[storage.BaseName(collection)]
	if !ok {
		return "", fmt.Errorf("no column shape for collection %q", collection)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);", quoteIdent(collection), shape), nil
}

// quoteIdent quotes a table or column identifier so that names
// containing hyphens (account suffixes) or reserved words are safe to
// embed in statements.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, "") + `"`
}

// columnType infers a column affinity for a value arriving through
// the generic record contract.
func columnType(value any) string {
	switch value.(type) {
	case float64, float32:
		return "REAL"
	case bool, int, int64:
		return "INTEGER"
	default:
		return "TEXT"
	}
}
