package kvstore

import "github.com/euroneural/budgetpro/storage"

// IndexSpec declares a secondary index on a record field.
type IndexSpec struct {
	Field  string
	Unique bool
}

// CollectionSpec declares a collection and its indexes. Collections
// use an auto-incrementing integer primary key unless the inserted
// record carries its own id.
type CollectionSpec struct {
	Name    string
	Indexes []IndexSpec
}

// baseSpecs are the collections created on first open.
var baseSpecs = []CollectionSpec{
	{
		Name: storage.Transactions,
		Indexes: []IndexSpec{
			{Field: "date"},
			{Field: "category"},
			{Field: "type"},
		},
	},
	{
		Name:    storage.Categories,
		Indexes: []IndexSpec{{Field: "name", Unique: true}},
	},
	{
		Name:    storage.Accounts,
		Indexes: []IndexSpec{{Field: "name", Unique: true}},
	},
	{
		Name:    storage.Budgets,
		Indexes: []IndexSpec{{Field: "month", Unique: true}},
	},
}

// accountSpecs returns the per-account collection set for accountID.
func accountSpecs(accountID string) []CollectionSpec {
	return []CollectionSpec{
		{
			Name: storage.Suffixed(storage.Transactions, accountID),
			Indexes: []IndexSpec{
				{Field: "date"},
				{Field: "category"},
			},
		},
		{
			Name:    storage.Suffixed(storage.Categories, accountID),
			Indexes: []IndexSpec{{Field: "name", Unique: true}},
		},
		{
			Name:    storage.Suffixed(storage.Budgets, accountID),
			Indexes: []IndexSpec{{Field: "month", Unique: true}},
		},
	}
}

// specFor resolves the collection spec for name, falling back to the
// base collection's spec for account-suffixed names.
func specFor(name string) CollectionSpec {
	base := storage.BaseName(name)
	for _, spec := range baseSpecs {
		if spec.Name == base {
			spec.Name = name
			return spec
		}
	}
	return CollectionSpec{Name: name}
}
