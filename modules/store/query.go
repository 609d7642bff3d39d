// Package store provides the query model shared by the storage adapters:
// parsing of query parameter bags into equality terms plus the $limit,
// $skip, $sort, and $select modifiers, and in-memory evaluation of parsed
// queries over entity maps.
package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/GoCodeAlone/plume"
)

// Reserved query keys. Anything else in a query bag is an equality term.
const (
	KeyLimit  = "$limit"
	KeySkip   = "$skip"
	KeySort   = "$sort"
	KeySelect = "$select"
)

// SortField is one $sort entry.
type SortField struct {
	Field      string
	Descending bool
}

// Query is a parsed query bag: equality terms plus result modifiers.
type Query struct {
	// Terms maps field names to the values entities must carry.
	Terms map[string]any
	// Limit caps the result set; negative means unlimited.
	Limit int
	// Skip drops the first n matches.
	Skip int
	// Sort orders matches before skip and limit apply.
	Sort []SortField
	// Select projects the result down to these fields; the id field always
	// survives projection.
	Select []string
}

// ParseQuery interprets a raw query bag. Modifier values arrive as numbers
// from JSON transports and as strings from query strings; both are accepted.
func ParseQuery(raw map[string]any) (Query, error) {
	q := Query{Terms: make(map[string]any), Limit: -1}
	for key, value := range raw {
		switch key {
		case KeyLimit:
			n, err := toInt(value)
			if err != nil {
				return Query{}, plume.NewBadRequest(fmt.Sprintf("invalid %s: %v", KeyLimit, value))
			}
			q.Limit = n
		case KeySkip:
			n, err := toInt(value)
			if err != nil || n < 0 {
				return Query{}, plume.NewBadRequest(fmt.Sprintf("invalid %s: %v", KeySkip, value))
			}
			q.Skip = n
		case KeySort:
			fields, err := parseSort(value)
			if err != nil {
				return Query{}, err
			}
			q.Sort = fields
		case KeySelect:
			q.Select = parseSelect(value)
		default:
			q.Terms[key] = value
		}
	}
	return q, nil
}

// ParseParams parses the query bag carried by request params.
func ParseParams(params plume.Params) (Query, error) {
	if params == nil {
		return ParseQuery(nil)
	}
	return ParseQuery(params.Query())
}

// Match reports whether an entity satisfies every equality term.
func (q Query) Match(entity map[string]any) bool {
	for field, want := range q.Terms {
		if !looseEquals(entity[field], want) {
			return false
		}
	}
	return true
}

// Apply sorts, pages, and projects a matched result set. The input slice is
// not modified.
func (q Query) Apply(items []map[string]any) []map[string]any {
	result := append([]map[string]any(nil), items...)

	if len(q.Sort) > 0 {
		sort.SliceStable(result, func(i, j int) bool {
			for _, f := range q.Sort {
				c := compareValues(result[i][f.Field], result[j][f.Field])
				if c == 0 {
					continue
				}
				if f.Descending {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	if q.Skip > 0 {
		if q.Skip >= len(result) {
			result = result[:0]
		} else {
			result = result[q.Skip:]
		}
	}
	if q.Limit >= 0 && q.Limit < len(result) {
		result = result[:q.Limit]
	}

	if len(q.Select) > 0 {
		projected := make([]map[string]any, len(result))
		for i, item := range result {
			projected[i] = q.project(item)
		}
		result = projected
	}
	return result
}

func (q Query) project(entity map[string]any) map[string]any {
	out := make(map[string]any, len(q.Select)+1)
	if id, ok := entity["id"]; ok {
		out["id"] = id
	}
	for _, field := range q.Select {
		if v, ok := entity[field]; ok {
			out[field] = v
		}
	}
	return out
}

func parseSort(value any) ([]SortField, error) {
	switch v := value.(type) {
	case map[string]any:
		// JSON form: {"name": 1, "age": -1}. Iterate sorted for stable
		// multi-field ordering.
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]SortField, 0, len(keys))
		for _, k := range keys {
			dir, err := toInt(v[k])
			if err != nil {
				return nil, plume.NewBadRequest(fmt.Sprintf("invalid %s direction for %q: %v", KeySort, k, v[k]))
			}
			fields = append(fields, SortField{Field: k, Descending: dir < 0})
		}
		return fields, nil
	case string:
		// Query-string form: "name" or "-createdAt", comma separated.
		var fields []SortField
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			fields = append(fields, SortField{
				Field:      strings.TrimPrefix(part, "-"),
				Descending: strings.HasPrefix(part, "-"),
			})
		}
		return fields, nil
	case []string:
		var fields []SortField
		for _, part := range v {
			sub, err := parseSort(part)
			if err != nil {
				return nil, err
			}
			fields = append(fields, sub...)
		}
		return fields, nil
	default:
		return nil, plume.NewBadRequest(fmt.Sprintf("invalid %s: %v", KeySort, value))
	}
}

func parseSelect(value any) []string {
	switch v := value.(type) {
	case string:
		var fields []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				fields = append(fields, part)
			}
		}
		return fields
	case []string:
		return append([]string(nil), v...)
	case []any:
		fields := make([]string, 0, len(v))
		for _, item := range v {
			fields = append(fields, fmt.Sprint(item))
		}
		return fields
	default:
		return nil
	}
}

func toInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(v))
	default:
		return 0, fmt.Errorf("not an integer: %T", value)
	}
}

// looseEquals compares an entity value against a query term by canonical
// string form, so "7" from a query string matches the number 7 stored by a
// JSON body. String comparison also sidesteps the == panic on uncomparable
// values when both sides hold a slice or map.
func looseEquals(have, want any) bool {
	if have == nil || want == nil {
		return have == want
	}
	return canonical(have) == canonical(want)
}

func canonical(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}

// compareValues orders two entity values: numbers numerically, everything
// else by canonical string. Nil sorts first.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(canonical(a), canonical(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
