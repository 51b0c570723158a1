package main

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/livequery/internal/domain/query"
)

type clause struct {
	field string
	op    query.Operator
	value any
}

// parseWhere reads field:op:value. The value is JSON when it decodes as such and a raw
// string otherwise, so amount:<:0 compares numerically and kind:==:checking matches text.
func parseWhere(raw string) (clause, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return clause{}, fmt.Errorf("filter %q: want field:op:value", raw)
	}
	field := strings.TrimSpace(parts[0])
	if field == "" {
		return clause{}, fmt.Errorf("filter %q: field required", raw)
	}
	op, err := query.ParseOperator(parts[1])
	if err != nil {
		return clause{}, fmt.Errorf("filter %q: %w", raw, err)
	}
	return clause{field: field, op: op, value: decodeValue(parts[2])}, nil
}

func decodeValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// filterBuilder folds parsed filters, an optional ordering and an optional cap into a
// constraint builder.
func filterBuilder(where []string, orderBy string, desc bool, limit int) (query.FilterBuilder, error) {
	clauses := make([]clause, 0, len(where))
	for _, raw := range where {
		c, err := parseWhere(raw)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, c)
	}
	if limit < 0 {
		return nil, fmt.Errorf("limit must be >= 0")
	}
	direction := query.Ascending
	if desc {
		direction = query.Descending
	}
	orderBy = strings.TrimSpace(orderBy)
	return func(cs query.ConstraintSet) query.ConstraintSet {
		for _, c := range clauses {
			cs = cs.WithFilter(c.field, c.op, c.value)
		}
		if orderBy != "" {
			cs = cs.WithOrdering(orderBy, direction)
		}
		if limit > 0 {
			cs = cs.WithCap(limit)
		}
		return cs
	}, nil
}
