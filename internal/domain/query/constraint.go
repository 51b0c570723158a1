// Package query defines the immutable constraint model used to describe remote-store reads.
package query

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Operator identifies a filter comparison understood by the remote store.
type Operator string

const (
	OpEqual         Operator = "=="
	OpNotEqual      Operator = "!="
	OpLess          Operator = "<"
	OpLessEqual     Operator = "<="
	OpGreater       Operator = ">"
	OpGreaterEqual  Operator = ">="
	OpIn            Operator = "in"
	OpNotIn         Operator = "not-in"
	OpArrayContains Operator = "array-contains"
)

// ParseOperator normalises a textual operator.
func ParseOperator(raw string) (Operator, error) {
	op := Operator(strings.ToLower(strings.TrimSpace(raw)))
	switch op {
	case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpIn, OpNotIn, OpArrayContains:
		return op, nil
	case "=":
		return OpEqual, nil
	default:
		return "", fmt.Errorf("unsupported operator %q", raw)
	}
}

// Direction controls result ordering.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// ParseDirection normalises a textual direction, defaulting to ascending.
func ParseDirection(raw string) Direction {
	if strings.EqualFold(strings.TrimSpace(raw), string(Descending)) {
		return Descending
	}
	return Ascending
}

// Filter restricts results to documents whose field compares to Value under Op.
type Filter struct {
	Field string
	Op    Operator
	Value any
}

// Ordering sorts results by a single field.
type Ordering struct {
	Field     string
	Direction Direction
}

// ConstraintSet is an immutable description of a query against one collection.
// Builder methods return new values; the receiver is never modified.
type ConstraintSet struct {
	collection string
	filters    []Filter
	ordering   *Ordering
	limit      int
	key        string
}

// FilterBuilder refines a base constraint set, typically supplied by a consumer page.
type FilterBuilder func(ConstraintSet) ConstraintSet

// New returns an unconstrained query over the collection.
func New(collection string) ConstraintSet {
	cs := ConstraintSet{collection: strings.TrimSpace(collection)}
	cs.key = cs.canonical()
	return cs
}

// Build applies the builder, if any, to an unconstrained query over the collection.
func Build(collection string, builder FilterBuilder) ConstraintSet {
	cs := New(collection)
	if builder == nil {
		return cs
	}
	return builder(cs)
}

// WithFilter returns a copy with an additional filter.
func (cs ConstraintSet) WithFilter(field string, op Operator, value any) ConstraintSet {
	next := cs.clone()
	next.filters = append(next.filters, Filter{Field: strings.TrimSpace(field), Op: op, Value: value})
	next.key = next.canonical()
	return next
}

// WithOrdering returns a copy ordered by field.
func (cs ConstraintSet) WithOrdering(field string, direction Direction) ConstraintSet {
	next := cs.clone()
	if direction == "" {
		direction = Ascending
	}
	next.ordering = &Ordering{Field: strings.TrimSpace(field), Direction: direction}
	next.key = next.canonical()
	return next
}

// WithCap returns a copy limited to n results. A non-positive n removes the cap.
func (cs ConstraintSet) WithCap(n int) ConstraintSet {
	next := cs.clone()
	if n < 0 {
		n = 0
	}
	next.limit = n
	next.key = next.canonical()
	return next
}

// Collection returns the targeted collection name.
func (cs ConstraintSet) Collection() string { return cs.collection }

// Filters returns the filters in application order.
func (cs ConstraintSet) Filters() []Filter {
	if len(cs.filters) == 0 {
		return nil
	}
	out := make([]Filter, len(cs.filters))
	copy(out, cs.filters)
	return out
}

// Ordering returns the ordering, if one was set.
func (cs ConstraintSet) Ordering() (Ordering, bool) {
	if cs.ordering == nil {
		return Ordering{}, false
	}
	return *cs.ordering, true
}

// Cap returns the result-count cap, if one was set.
func (cs ConstraintSet) Cap() (int, bool) {
	return cs.limit, cs.limit > 0
}

// CanonicalKey returns the deterministic serialization used for cache lookups.
// Filters are sorted by field so application order does not matter.
func (cs ConstraintSet) CanonicalKey() string {
	if cs.key == "" {
		return cs.canonical()
	}
	return cs.key
}

// Equal reports whether both sets describe the same query.
func (cs ConstraintSet) Equal(other ConstraintSet) bool {
	return cs.CanonicalKey() == other.CanonicalKey()
}

func (cs ConstraintSet) String() string { return cs.CanonicalKey() }

func (cs ConstraintSet) clone() ConstraintSet {
	next := cs
	if len(cs.filters) > 0 {
		next.filters = make([]Filter, len(cs.filters), len(cs.filters)+1)
		copy(next.filters, cs.filters)
	}
	if cs.ordering != nil {
		ordering := *cs.ordering
		next.ordering = &ordering
	}
	return next
}

type encodedFilter struct {
	field string
	op    Operator
	value string
}

func (cs ConstraintSet) canonical() string {
	encoded := make([]encodedFilter, 0, len(cs.filters))
	for _, f := range cs.filters {
		encoded = append(encoded, encodedFilter{field: f.Field, op: f.Op, value: encodeValue(f.Value)})
	}
	sort.SliceStable(encoded, func(i, j int) bool {
		if encoded[i].field != encoded[j].field {
			return encoded[i].field < encoded[j].field
		}
		if encoded[i].op != encoded[j].op {
			return encoded[i].op < encoded[j].op
		}
		return encoded[i].value < encoded[j].value
	})

	var b strings.Builder
	b.WriteString(url.QueryEscape(cs.collection))
	b.WriteString("|f:")
	for i, f := range encoded {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(url.QueryEscape(f.field))
		b.WriteByte(' ')
		b.WriteString(string(f.op))
		b.WriteByte(' ')
		b.WriteString(f.value)
	}
	b.WriteString("|o:")
	if cs.ordering != nil {
		b.WriteString(url.QueryEscape(cs.ordering.Field))
		b.WriteByte(' ')
		b.WriteString(string(cs.ordering.Direction))
	}
	b.WriteString("|c:")
	if cs.limit > 0 {
		b.WriteString(strconv.Itoa(cs.limit))
	}
	return b.String()
}

func encodeValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return strconv.Quote(fmt.Sprint(v))
	}
	return string(data)
}

// CollectionOfKey extracts the collection segment from a canonical key.
func CollectionOfKey(key string) string {
	segment := key
	if idx := strings.IndexByte(key, '|'); idx >= 0 {
		segment = key[:idx]
	}
	collection, err := url.QueryUnescape(segment)
	if err != nil {
		return segment
	}
	return collection
}
