// Package promo evaluates promo codes against a static rule table.
package promo

import (
	"strings"
	"time"

	"github.com/Shivanand-hulikatti/halloween-slots/internal/model"
)

type Kind string

const (
	KindPercent Kind = "percent"
	KindFixed   Kind = "fixed"
)

// Rule is one promo code. Value is a percentage for KindPercent and an amount
// in minor units for KindFixed. Zero ValidFrom/ValidUntil are open-ended.
type Rule struct {
	Code         string
	Kind         Kind
	Value        int64
	MinGroupSize int
	ValidFrom    time.Time
	ValidUntil   time.Time
}

func (r Rule) activeAt(at time.Time) bool {
	if !r.ValidFrom.IsZero() && at.Before(r.ValidFrom) {
		return false
	}
	if !r.ValidUntil.IsZero() && !at.Before(r.ValidUntil) {
		return false
	}
	return true
}

// Table looks rules up by case-insensitive code.
type Table struct {
	rules map[string]Rule
}

func NewTable(rules ...Rule) *Table {
	t := &Table{rules: make(map[string]Rule, len(rules))}
	for _, r := range rules {
		t.rules[normalize(r.Code)] = r
	}
	return t
}

// DefaultRules is the promo table of the event.
func DefaultRules(year int, loc *time.Location) []Rule {
	return []Rule{
		{Code: "EARLYBIRD", Kind: KindPercent, Value: 15, ValidUntil: time.Date(year, time.October, 1, 0, 0, 0, 0, loc)},
		{Code: "FULLHOUSE", Kind: KindPercent, Value: 10, MinGroupSize: 7},
		{Code: "BOO100", Kind: KindFixed, Value: 10000},
	}
}

// Apply returns the discount code gives on subtotal for a group of groupSize
// at instant at. The discount never exceeds the subtotal.
func (t *Table) Apply(code string, subtotal int64, groupSize int, at time.Time) (model.Promo, error) {
	r, ok := t.rules[normalize(code)]
	if !ok || !r.activeAt(at) || groupSize < r.MinGroupSize {
		return model.Promo{}, model.ErrInvalidPromo
	}

	var discount int64
	switch r.Kind {
	case KindPercent:
		discount = subtotal * r.Value / 100
	case KindFixed:
		discount = r.Value
	default:
		return model.Promo{}, model.ErrInvalidPromo
	}
	if discount > subtotal {
		discount = subtotal
	}
	return model.Promo{Code: r.Code, Discount: discount}, nil
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
