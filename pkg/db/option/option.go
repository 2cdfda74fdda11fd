package option

import (
	"gorm.io/gorm"
)

// QueryOption narrows or decorates a repository query.
type QueryOption func(*gorm.DB) *gorm.DB

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

type Operator string

const (
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
	NE  Operator = "<>"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

func WithSortBy(sort QuerySortBy) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		col := sort.SortBy
		if col == "" {
			col = "created_at"
		}
		if sort.Allow != nil && !sort.Allow[col] {
			return tx
		}
		dir := "ASC"
		if sort.OrderBy == "desc" || sort.OrderBy == "DESC" {
			dir = "DESC"
		}
		return tx.Order(col + " " + dir)
	}
}

func ApplyOperator(cond Condition) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Where(cond.Field+" "+string(cond.Operator)+" ?", cond.Value)
	}
}

func WithLimit(n int) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Limit(n)
	}
}

