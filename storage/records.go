package storage

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Typed views over the generic Item records. The storage engine itself
// is schemaless so that the relational backend's column auto-patching
// can carry fields it has never seen; these types give the layers
// above a concrete shape to work with, with Extra as the escape hatch
// for unrecognized fields.

// Transaction is a single financial transaction. A negative amount is
// an expense, a positive amount income or a credit.
type Transaction struct {
	ID          string
	Date        string // ISO date, yyyy-mm-dd
	Description string
	Amount      decimal.Decimal
	Type        string
	Category    string
	Account     string
	Notes       string
	Recurring   bool
	Imported    bool
	Status      string
	OriginalRow string
	CreatedAt   string
	UpdatedAt   string
	Extra       map[string]any
}

// Category names a budget category. Name is unique per account.
type Category struct {
	ID   string
	Name string
}

// Budget holds one month's budget allocations as an opaque JSON
// payload. Month is unique per account, format yyyy-mm.
type Budget struct {
	ID    string
	Month string
	Data  json.RawMessage
}

// Account is one isolated partition of financial data.
type Account struct {
	ID      string
	Name    string
	Type    string
	Created int64 // unix milliseconds
}

// transactionKnownFields guards the Extra escape hatch.
var transactionKnownFields = map[string]bool{
	FieldID: true, "date": true, "description": true, "amount": true,
	"type": true, "category": true, "account": true, "notes": true,
	"recurring": true, "imported": true, "status": true,
	"originalRow": true, FieldCreatedAt: true, FieldUpdatedAt: true,
}

// Item converts the transaction to its generic record form.
func (t Transaction) Item() Item {
	item := Item{
		"date":        t.Date,
		"description": t.Description,
		"amount":      t.Amount.InexactFloat64(),
		"type":        t.Type,
		"category":    t.Category,
		"account":     t.Account,
		"notes":       t.Notes,
		"recurring":   t.Recurring,
		"imported":    t.Imported,
		"status":      t.Status,
	}
	if t.ID != "" {
		item[FieldID] = t.ID
	}
	if t.OriginalRow != "" {
		item["originalRow"] = t.OriginalRow
	}
	for k, v := range t.Extra {
		item[k] = v
	}
	return item
}

// TransactionFromItem builds a typed transaction from a generic
// record, putting unrecognized fields in Extra.
func TransactionFromItem(item Item) (Transaction, error) {
	amount, err := toDecimal(item["amount"])
	if err != nil {
		return Transaction{}, fmt.Errorf("transaction %v amount: %w", item[FieldID], err)
	}
	t := Transaction{
		ID:          toString(item[FieldID]),
		Date:        toString(item["date"]),
		Description: toString(item["description"]),
		Amount:      amount,
		Type:        toString(item["type"]),
		Category:    toString(item["category"]),
		Account:     toString(item["account"]),
		Notes:       toString(item["notes"]),
		Recurring:   toBool(item["recurring"]),
		Imported:    toBool(item["imported"]),
		Status:      toString(item["status"]),
		OriginalRow: toString(item["originalRow"]),
		CreatedAt:   toString(item[FieldCreatedAt]),
		UpdatedAt:   toString(item[FieldUpdatedAt]),
	}
	for k, v := range item {
		if !transactionKnownFields[k] {
			if t.Extra == nil {
				t.Extra = map[string]any{}
			}
			t.Extra[k] = v
		}
	}
	return t, nil
}

// TransactionFilter narrows a transaction listing. Zero values match
// everything.
type TransactionFilter struct {
	StartDate string
	EndDate   string
	Category  string
	Type      string
}

// TransactionsFromItems converts and filters a record listing,
// returning transactions in descending date order.
func TransactionsFromItems(items []Item, filter TransactionFilter) ([]Transaction, error) {
	out := make([]Transaction, 0, len(items))
	for _, item := range items {
		t, err := TransactionFromItem(item)
		if err != nil {
			return nil, err
		}
		if filter.StartDate != "" && filter.EndDate != "" &&
			(t.Date < filter.StartDate || t.Date > filter.EndDate) {
			continue
		}
		if filter.Category != "" && t.Category != filter.Category {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date > out[j].Date
	})
	return out, nil
}

// Item converts the category to its generic record form.
func (c Category) Item() Item {
	item := Item{"name": c.Name}
	if c.ID != "" {
		item[FieldID] = c.ID
	}
	return item
}

// CategoryFromItem builds a typed category from a generic record.
func CategoryFromItem(item Item) Category {
	return Category{ID: toString(item[FieldID]), Name: toString(item["name"])}
}

// Item converts the budget to its generic record form.
func (b Budget) Item() Item {
	item := Item{"month": b.Month, "data": string(b.Data)}
	if b.ID != "" {
		item[FieldID] = b.ID
	}
	return item
}

// BudgetFromItem builds a typed budget from a generic record.
func BudgetFromItem(item Item) Budget {
	return Budget{
		ID:    toString(item[FieldID]),
		Month: toString(item["month"]),
		Data:  json.RawMessage(toString(item["data"])),
	}
}

// Item converts the account to its generic record form.
func (a Account) Item() Item {
	return Item{
		FieldID:   a.ID,
		"name":    a.Name,
		"type":    a.Type,
		"created": a.Created,
	}
}

// AccountFromItem builds a typed account from a generic record.
func AccountFromItem(item Item) Account {
	created, _ := toDecimal(item["created"])
	return Account{
		ID:      toString(item[FieldID]),
		Name:    toString(item["name"]),
		Type:    toString(item["type"]),
		Created: created.IntPart(),
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case float64:
		return b != 0
	default:
		return false
	}
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case nil:
		return decimal.Zero, nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		return decimal.NewFromString(n)
	default:
		return decimal.Zero, fmt.Errorf("unsupported numeric value %T", v)
	}
}
