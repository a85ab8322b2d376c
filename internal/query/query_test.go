package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

func TestFilterSortLimitScenario(t *testing.T) {
	items := []map[string]interface{}{
		{"k": "n", "count": float64(3), "active": true},
		{"k": "m", "count": float64(7), "active": true},
		{"k": "o", "count": float64(5), "active": false},
	}

	result, err := Evaluate(items, Query{
		Filter: map[string]interface{}{"active": true},
		Sort:   []string{"-count"},
		Limit:  intPtr(1),
	})
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "m", result[0]["k"])
	assert.Equal(t, float64(7), result[0]["count"])
}

func TestFilterMissingFieldExcludesItem(t *testing.T) {
	items := []map[string]interface{}{
		{"a": 1},
		{"b": 2},
	}
	result, err := Evaluate(items, Query{Filter: map[string]interface{}{"a": float64(1)}})
	require.NoError(t, err)
	assert.Len(t, result, 1)
}

func TestFilterOperators(t *testing.T) {
	items := []map[string]interface{}{
		{"n": float64(1)},
		{"n": float64(5)},
		{"n": float64(10)},
	}

	gte5, err := Evaluate(items, Query{Filter: map[string]interface{}{
		"n": map[string]interface{}{"gte": float64(5)},
	}})
	require.NoError(t, err)
	assert.Len(t, gte5, 2)

	in, err := Evaluate(items, Query{Filter: map[string]interface{}{
		"n": map[string]interface{}{"in": []interface{}{float64(1), float64(10)}},
	}})
	require.NoError(t, err)
	assert.Len(t, in, 2)
}

func TestSortDeterminismAcrossRuns(t *testing.T) {
	items := []map[string]interface{}{
		{"a": float64(2), "b": float64(1)},
		{"a": float64(1), "b": float64(2)},
		{"a": float64(1), "b": float64(1)},
	}
	q := Query{Sort: []string{"b", "a"}}

	first, err := Evaluate(items, q)
	require.NoError(t, err)
	second, err := Evaluate(items, q)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// "a" is primary (last listed); within equal "a" values, "b" breaks ties.
	assert.Equal(t, float64(1), first[0]["a"])
	assert.Equal(t, float64(1), first[0]["b"])
	assert.Equal(t, float64(1), first[1]["a"])
	assert.Equal(t, float64(2), first[1]["b"])
	assert.Equal(t, float64(2), first[2]["a"])
}

func TestResultCardinalityNeverExceedsInput(t *testing.T) {
	items := []map[string]interface{}{
		{"x": float64(1)}, {"x": float64(2)}, {"x": float64(3)},
	}
	result, err := Evaluate(items, Query{Limit: intPtr(100)})
	require.NoError(t, err)
	assert.Len(t, result, 3)
}

func TestUnknownOperatorIsInvalidInput(t *testing.T) {
	items := []map[string]interface{}{{"x": float64(1)}}
	_, err := Evaluate(items, Query{Filter: map[string]interface{}{
		"x": map[string]interface{}{"bogus": float64(1)},
	}})
	require.Error(t, err)
}
