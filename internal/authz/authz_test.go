package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-cellvault/cellserver/internal/catalog"
	"github.com/r3e-cellvault/cellserver/pkg/errors"
)

func TestRequireAccessAllowsOwner(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMemory(catalog.MemoryConfig{})
	az := New(cat)

	owner, err := cat.RegisterUser(ctx, "owner@x.com", "owner", "Abcdefg1")
	require.NoError(t, err)
	cell, err := cat.CreateCell(ctx, owner.ID, "cellpw")
	require.NoError(t, err)

	err = az.RequireAccess(ctx, Identity{UserID: owner.ID}, cell.Key, catalog.AccessWrite)
	assert.NoError(t, err)
}

func TestRequireAccessDeniesNonOwner(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMemory(catalog.MemoryConfig{})
	az := New(cat)

	owner, err := cat.RegisterUser(ctx, "owner@x.com", "owner", "Abcdefg1")
	require.NoError(t, err)
	other, err := cat.RegisterUser(ctx, "other@x.com", "other", "Abcdefg1")
	require.NoError(t, err)
	cell, err := cat.CreateCell(ctx, owner.ID, "cellpw")
	require.NoError(t, err)

	err = az.RequireAccess(ctx, Identity{UserID: other.ID}, cell.Key, catalog.AccessRead)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeForbidden, errors.Code(err))
}

func TestRequireAccessAdminBypassesOwnership(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMemory(catalog.MemoryConfig{})
	az := New(cat)

	owner, err := cat.RegisterUser(ctx, "owner@x.com", "owner", "Abcdefg1")
	require.NoError(t, err)
	cell, err := cat.CreateCell(ctx, owner.ID, "cellpw")
	require.NoError(t, err)

	err = az.RequireAccess(ctx, Identity{UserID: "admin-1", IsAdmin: true}, cell.Key, catalog.AccessWrite)
	assert.NoError(t, err)
}

func TestRequireAdmin(t *testing.T) {
	cat := catalog.NewMemory(catalog.MemoryConfig{})
	az := New(cat)

	assert.NoError(t, az.RequireAdmin(Identity{IsAdmin: true}))

	err := az.RequireAdmin(Identity{IsAdmin: false})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeForbidden, errors.Code(err))
}
