package memstore

import (
	"reflect"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/livequery/internal/domain/query"
	"github.com/coachpo/livequery/internal/domain/schema"
)

// Apply filters, orders and caps records the way the hosted store would.
func Apply(cs query.ConstraintSet, records []schema.Record) []schema.Record {
	filters := cs.Filters()
	out := make([]schema.Record, 0, len(records))
	for _, record := range records {
		if Matches(record, filters) {
			out = append(out, record.Clone())
		}
	}

	ordering, ordered := cs.Ordering()
	sort.SliceStable(out, func(i, j int) bool {
		if ordered {
			a, _ := lookup(out[i], ordering.Field)
			b, _ := lookup(out[j], ordering.Field)
			if c := compare(a, b); c != 0 {
				if ordering.Direction == query.Descending {
					return c > 0
				}
				return c < 0
			}
		}
		return out[i].ID < out[j].ID
	})

	if limit, ok := cs.Cap(); ok && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Matches reports whether record satisfies every filter. A missing field never matches.
func Matches(record schema.Record, filters []query.Filter) bool {
	for _, f := range filters {
		value, ok := lookup(record, f.Field)
		if !ok || !matchOne(value, f.Op, f.Value) {
			return false
		}
	}
	return true
}

func lookup(record schema.Record, field string) (any, bool) {
	if value, ok := record.Field(field); ok {
		return value, true
	}
	if field == "id" {
		return record.ID, true
	}
	return nil, false
}

func matchOne(value any, op query.Operator, operand any) bool {
	switch op {
	case query.OpEqual:
		return equal(value, operand)
	case query.OpNotEqual:
		return !equal(value, operand)
	case query.OpLess:
		return orderable(value, operand) && compare(value, operand) < 0
	case query.OpLessEqual:
		return orderable(value, operand) && compare(value, operand) <= 0
	case query.OpGreater:
		return orderable(value, operand) && compare(value, operand) > 0
	case query.OpGreaterEqual:
		return orderable(value, operand) && compare(value, operand) >= 0
	case query.OpIn:
		return containsEqual(operand, value)
	case query.OpNotIn:
		return !containsEqual(operand, value)
	case query.OpArrayContains:
		return containsEqual(value, operand)
	default:
		return false
	}
}

func containsEqual(list any, value any) bool {
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equal(rv.Index(i).Interface(), value) {
			return true
		}
	}
	return false
}

func equal(a, b any) bool {
	if da, ok := toDecimal(a); ok {
		if db, ok := toDecimal(b); ok {
			return da.Equal(db)
		}
	}
	return reflect.DeepEqual(a, b)
}

func orderable(a, b any) bool {
	_, aNum := toDecimal(a)
	_, bNum := toDecimal(b)
	if aNum && bNum {
		return true
	}
	_, aStr := a.(string)
	_, bStr := b.(string)
	return aStr && bStr
}

// compare orders numbers numerically, strings lexically and nil first.
func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if da, ok := toDecimal(a); ok {
		if db, ok := toDecimal(b); ok {
			return da.Cmp(db)
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	return strings.Compare(encode(a), encode(b))
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch typed := v.(type) {
	case decimal.Decimal:
		return typed, true
	case float64:
		return decimal.NewFromFloat(typed), true
	case float32:
		return decimal.NewFromFloat32(typed), true
	case int:
		return decimal.NewFromInt(int64(typed)), true
	case int32:
		return decimal.NewFromInt32(typed), true
	case int64:
		return decimal.NewFromInt(typed), true
	case json.Number:
		d, err := decimal.NewFromString(typed.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(typed))
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

func encode(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
