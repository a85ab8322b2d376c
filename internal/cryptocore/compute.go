package cryptocore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ComputeResult is the stable envelope-free response shape for
// POST /secure/compute. Errors are reported inline as {"error": "..."}
// rather than as a Go error, so callers always get 200 with a
// descriptive body for a recognized-but-malformed request.
type ComputeResult map[string]interface{}

func computeError(reason string) ComputeResult {
	return ComputeResult{"error": reason}
}

// Compute evaluates op against the plaintext of env without returning the
// plaintext itself to the caller. Supported ops: search, aggregate, filter.
func (c *Core) Compute(op string, env Envelope, params map[string]interface{}) (ComputeResult, error) {
	plaintext, err := c.Decrypt(env)
	if err != nil {
		return nil, err
	}

	switch op {
	case "search":
		return computeSearch(plaintext, params), nil
	case "aggregate":
		return computeAggregate(plaintext, params), nil
	case "filter":
		return computeFilter(plaintext, params), nil
	default:
		return computeError("unsupported operation"), nil
	}
}

func computeSearch(plaintext []byte, params map[string]interface{}) ComputeResult {
	query, ok := params["query"].(string)
	if !ok || query == "" {
		return computeError("missing or invalid query")
	}

	var doc interface{}
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return computeError("malformed plaintext")
	}

	type match struct {
		Key   string      `json:"key"`
		Value interface{} `json:"value"`
	}
	var matches []match
	needle := strings.ToLower(query)

	walkLeaves(doc, "", func(path string, leaf interface{}) {
		switch v := leaf.(type) {
		case string:
			if strings.Contains(strings.ToLower(v), needle) {
				matches = append(matches, match{Key: path, Value: v})
			}
		case float64:
			if strconv.FormatFloat(v, 'f', -1, 64) == query {
				matches = append(matches, match{Key: path, Value: v})
			}
		}
	})

	return ComputeResult{"count": len(matches), "matches": matches}
}

func computeAggregate(plaintext []byte, params map[string]interface{}) ComputeResult {
	field, _ := params["field"].(string)
	operation, _ := params["operation"].(string)
	if field == "" || operation == "" {
		return computeError("missing field or operation")
	}

	items, err := asItems(plaintext)
	if err != nil {
		return computeError(err.Error())
	}

	var values []float64
	for _, item := range items {
		if n, ok := numericField(item, field); ok {
			values = append(values, n)
		}
	}

	switch operation {
	case "count":
		return ComputeResult{"result": len(values)}
	case "sum":
		return ComputeResult{"result": sumFloats(values)}
	case "avg":
		if len(values) == 0 {
			return ComputeResult{"result": 0}
		}
		return ComputeResult{"result": sumFloats(values) / float64(len(values))}
	case "max":
		if len(values) == 0 {
			return computeError("no numeric values for field")
		}
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return ComputeResult{"result": m}
	case "min":
		if len(values) == 0 {
			return computeError("no numeric values for field")
		}
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return ComputeResult{"result": m}
	default:
		return computeError("unsupported operation")
	}
}

func computeFilter(plaintext []byte, params map[string]interface{}) ComputeResult {
	field, _ := params["field"].(string)
	operator, _ := params["operator"].(string)
	if field == "" || operator == "" {
		return computeError("missing field or operator")
	}
	target := params["value"]

	items, err := asItems(plaintext)
	if err != nil {
		return computeError(err.Error())
	}

	var matched []map[string]interface{}
	for _, item := range items {
		leaf, ok := item[field]
		if !ok {
			continue
		}
		ok, cmpErr := compareLeaf(leaf, operator, target)
		if cmpErr != nil {
			return computeError(cmpErr.Error())
		}
		if ok {
			matched = append(matched, item)
		}
	}

	return ComputeResult{"count": len(matched), "matches": matched}
}

// asItems normalizes the decrypted plaintext into a list of map-valued
// items. A top-level JSON array of objects maps directly; a top-level JSON
// object is treated as a single-item collection of its own fields, and a
// map of objects (e.g. {"n": {...}, "m": {...}}) is flattened into a list
// sorted by key for determinism.
func asItems(plaintext []byte) ([]map[string]interface{}, error) {
	var asList []map[string]interface{}
	if err := json.Unmarshal(plaintext, &asList); err == nil {
		return asList, nil
	}

	var asMapOfMaps map[string]map[string]interface{}
	if err := json.Unmarshal(plaintext, &asMapOfMaps); err == nil {
		keys := make([]string, 0, len(asMapOfMaps))
		for k := range asMapOfMaps {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]map[string]interface{}, 0, len(keys))
		for _, k := range keys {
			items = append(items, asMapOfMaps[k])
		}
		return items, nil
	}

	var single map[string]interface{}
	if err := json.Unmarshal(plaintext, &single); err == nil {
		return []map[string]interface{}{single}, nil
	}

	return nil, fmt.Errorf("plaintext is not a map-valued item or list of items")
}

func numericField(item map[string]interface{}, field string) (float64, bool) {
	v, ok := item[field]
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)
	return n, ok
}

func sumFloats(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

func compareLeaf(leaf interface{}, operator string, target interface{}) (bool, error) {
	leafNum, leafIsNum := leaf.(float64)
	targetNum, targetIsNum := toFloat(target)

	switch operator {
	case "eq":
		return fmt.Sprint(leaf) == fmt.Sprint(target), nil
	case "neq":
		return fmt.Sprint(leaf) != fmt.Sprint(target), nil
	case "gt", "gte", "lt", "lte":
		if !leafIsNum || !targetIsNum {
			return false, fmt.Errorf("operator %q requires numeric operands", operator)
		}
		switch operator {
		case "gt":
			return leafNum > targetNum, nil
		case "gte":
			return leafNum >= targetNum, nil
		case "lt":
			return leafNum < targetNum, nil
		default:
			return leafNum <= targetNum, nil
		}
	default:
		return false, fmt.Errorf("unsupported operator %q", operator)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// walkLeaves visits every scalar leaf in doc, calling fn with a dotted path
// built from map keys and list indices.
func walkLeaves(doc interface{}, path string, fn func(path string, leaf interface{})) {
	switch v := doc.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := k
			if path != "" {
				child = path + "." + k
			}
			walkLeaves(v[k], child, fn)
		}
	case []interface{}:
		for i, item := range v {
			child := fmt.Sprintf("%s[%d]", path, i)
			walkLeaves(item, child, fn)
		}
	default:
		fn(path, v)
	}
}
