package cellstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-cellvault/cellserver/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustPut(t *testing.T, s *Store, cellKey, itemKey, value string) {
	t.Helper()
	_, err := s.Put(cellKey, itemKey, value)
	require.NoError(t, err)
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	mustPut(t, s, "cellA", "greet", "hello")

	row, err := s.Get("cellA", "greet")
	require.NoError(t, err)
	assert.Equal(t, "hello", row.Value)
	assert.False(t, row.CreatedAt.IsZero())
	assert.Equal(t, row.CreatedAt, row.UpdatedAt)
}

func TestPutIsIdempotentAndPreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Put("cellA", "k", "v1")
	require.NoError(t, err)
	assert.True(t, created)
	first, err := s.Get("cellA", "k")
	require.NoError(t, err)

	created, err = s.Put("cellA", "k", "v2")
	require.NoError(t, err)
	assert.False(t, created)
	second, err := s.Get("cellA", "k")
	require.NoError(t, err)

	assert.Equal(t, "v2", second.Value)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, !second.UpdatedAt.Before(first.UpdatedAt))
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("cellA", "missing")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.Code(err))
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	mustPut(t, s, "cellA", "k", "v")

	require.NoError(t, s.Delete("cellA", "k"))
	require.NoError(t, s.Delete("cellA", "k"))

	_, err := s.Get("cellA", "k")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.Code(err))
}

func TestListKeysAndScan(t *testing.T) {
	s := newTestStore(t)
	mustPut(t, s, "cellA", "a", "1")
	mustPut(t, s, "cellA", "b", "2")

	keys, err := s.ListKeys("cellA")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	rows, err := s.Scan("cellA")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestCellsAreIndependent(t *testing.T) {
	s := newTestStore(t)
	mustPut(t, s, "cellA", "k", "a-value")
	mustPut(t, s, "cellB", "k", "b-value")

	rowA, err := s.Get("cellA", "k")
	require.NoError(t, err)
	rowB, err := s.Get("cellB", "k")
	require.NoError(t, err)

	assert.Equal(t, "a-value", rowA.Value)
	assert.Equal(t, "b-value", rowB.Value)
}

func TestDropCellRemovesAllItems(t *testing.T) {
	s := newTestStore(t)
	mustPut(t, s, "cellA", "k", "v")
	require.NoError(t, s.DropCell("cellA"))

	_, err := s.Get("cellA", "k")
	assert.Error(t, err, "a dropped cell reopens empty")
}
