// Package query implements the filter/sort/limit evaluator used by
// POST /cells/{key}/query.
// Field lookups round-trip each item through JSON and resolve dotted paths
// with a JSON-path-capable library, so a nested field behaves identically
// whether the item came from a decrypted map or an encrypted-domain
// compute result.
package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/r3e-cellvault/cellserver/pkg/errors"
)

// Query is a filter/sort/limit request against a materialized item list.
type Query struct {
	Filter map[string]interface{} `json:"filter,omitempty"`
	Sort   []string               `json:"sort,omitempty"`
	Limit  *int                   `json:"limit,omitempty"`
}

var validOperators = map[string]bool{
	"eq": true, "ne": true, "gt": true, "gte": true, "lt": true, "lte": true, "in": true, "nin": true,
}

// Evaluate applies q.Filter, then q.Sort, then q.Limit to items, in that
// order, and is deterministic for the same (query, items).
func Evaluate(items []map[string]interface{}, q Query) ([]map[string]interface{}, error) {
	filtered, err := applyFilter(items, q.Filter)
	if err != nil {
		return nil, err
	}

	sorted, err := applySort(filtered, q.Sort)
	if err != nil {
		return nil, err
	}

	return applyLimit(sorted, q.Limit), nil
}

func applyFilter(items []map[string]interface{}, filter map[string]interface{}) ([]map[string]interface{}, error) {
	if len(filter) == 0 {
		return items, nil
	}

	result := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		doc, err := json.Marshal(item)
		if err != nil {
			return nil, errors.InvalidInput("item", "not JSON-serializable")
		}

		matchesAll := true
		for field, condition := range filter {
			res := gjson.GetBytes(doc, field)
			if !res.Exists() {
				matchesAll = false
				break
			}
			ok, err := matchesCondition(res, condition)
			if err != nil {
				return nil, err
			}
			if !ok {
				matchesAll = false
				break
			}
		}
		if matchesAll {
			result = append(result, item)
		}
	}
	return result, nil
}

func matchesCondition(field gjson.Result, condition interface{}) (bool, error) {
	conditionMap, isMap := condition.(map[string]interface{})
	if !isMap {
		return compareEqual(field, condition), nil
	}
	if len(conditionMap) != 1 {
		return false, errors.InvalidInput("filter", "condition map must have exactly one operator key")
	}

	for op, target := range conditionMap {
		if !validOperators[op] {
			return false, errors.InvalidInput("filter", fmt.Sprintf("unknown operator %q", op))
		}
		switch op {
		case "eq":
			return compareEqual(field, target), nil
		case "ne":
			return !compareEqual(field, target), nil
		case "gt", "gte", "lt", "lte":
			return compareOrdered(field, op, target)
		case "in":
			return compareMembership(field, target, true)
		case "nin":
			return compareMembership(field, target, false)
		}
	}
	return false, nil
}

func compareEqual(field gjson.Result, target interface{}) bool {
	return fmt.Sprint(scalarValue(field)) == fmt.Sprint(target)
}

func compareOrdered(field gjson.Result, op string, target interface{}) (bool, error) {
	a, aOk := toFloat(scalarValue(field))
	b, bOk := toFloat(target)
	if !aOk || !bOk {
		return false, errors.InvalidInput("filter", fmt.Sprintf("operator %q requires numeric operands", op))
	}
	switch op {
	case "gt":
		return a > b, nil
	case "gte":
		return a >= b, nil
	case "lt":
		return a < b, nil
	default:
		return a <= b, nil
	}
}

func compareMembership(field gjson.Result, target interface{}, wantMember bool) (bool, error) {
	list, ok := target.([]interface{})
	if !ok {
		return false, errors.InvalidInput("filter", "in/nin requires a list operand")
	}
	value := fmt.Sprint(scalarValue(field))
	isMember := false
	for _, v := range list {
		if fmt.Sprint(v) == value {
			isMember = true
			break
		}
	}
	return isMember == wantMember, nil
}

func scalarValue(field gjson.Result) interface{} {
	switch field.Type {
	case gjson.Number:
		return field.Num
	case gjson.True, gjson.False:
		return field.Bool()
	case gjson.Null:
		return nil
	default:
		return field.String()
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// applySort implements stable multi-field sort where the last listed field
// is primary: the comparator checks fields starting from the rightmost
// (primary) and falls through leftward as tie-breakers, then sort.Stable
// preserves the original order for any fields left unspecified.
func applySort(items []map[string]interface{}, fields []string) ([]map[string]interface{}, error) {
	if len(fields) == 0 {
		return items, nil
	}

	type sortKey struct {
		field      string
		descending bool
	}
	keys := make([]sortKey, len(fields))
	for i, f := range fields {
		switch {
		case strings.HasPrefix(f, "-"):
			keys[i] = sortKey{field: f[1:], descending: true}
		case strings.HasPrefix(f, "+"):
			keys[i] = sortKey{field: f[1:], descending: false}
		default:
			keys[i] = sortKey{field: f, descending: false}
		}
	}

	docs := make([][]byte, len(items))
	for i, item := range items {
		doc, err := json.Marshal(item)
		if err != nil {
			return nil, errors.InvalidInput("item", "not JSON-serializable")
		}
		docs[i] = doc
	}

	idx := make([]int, len(items))
	for i := range items {
		idx[i] = i
	}

	sort.SliceStable(idx, func(a, b int) bool {
		ia, ib := idx[a], idx[b]
		for i := len(keys) - 1; i >= 0; i-- {
			k := keys[i]
			va := scalarValue(gjson.GetBytes(docs[ia], k.field))
			vb := scalarValue(gjson.GetBytes(docs[ib], k.field))
			cmp := compareScalars(va, vb)
			if cmp == 0 {
				continue
			}
			if k.descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})

	sorted := make([]map[string]interface{}, len(items))
	for i, j := range idx {
		sorted[i] = items[j]
	}
	return sorted, nil
}

func compareScalars(a, b interface{}) int {
	af, aOk := toFloat(a)
	bf, bOk := toFloat(b)
	if aOk && bOk {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	return strings.Compare(as, bs)
}

func applyLimit(items []map[string]interface{}, limit *int) []map[string]interface{} {
	if limit == nil || *limit < 0 || *limit >= len(items) {
		return items
	}
	return items[:*limit]
}
