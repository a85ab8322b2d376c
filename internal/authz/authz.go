// Package authz answers "may this user do this to this cell" by
// combining a validated token identity with the Catalog's ownership
// records. It holds no state of its own.
package authz

import (
	"context"

	"github.com/r3e-cellvault/cellserver/internal/authn"
	"github.com/r3e-cellvault/cellserver/internal/catalog"
	"github.com/r3e-cellvault/cellserver/pkg/errors"
)

// Authorizer checks cell-level permissions for an already-authenticated
// request.
type Authorizer struct {
	catalog catalog.Catalog
}

// New builds an Authorizer over cat.
func New(cat catalog.Catalog) *Authorizer {
	return &Authorizer{catalog: cat}
}

// Identity is the authenticated caller a request is acting as.
type Identity struct {
	UserID  string
	Email   string
	IsAdmin bool
}

// FromClaims adapts validated token claims into an Identity.
func FromClaims(claims *authn.Claims) Identity {
	return Identity{UserID: claims.UserID, Email: claims.Email, IsAdmin: claims.IsAdmin}
}

// RequireAccess returns nil if identity may perform level against
// cellKey, or a Forbidden ServiceError otherwise. Admins bypass
// per-cell ownership checks entirely.
func (a *Authorizer) RequireAccess(ctx context.Context, identity Identity, cellKey string, level catalog.AccessLevel) error {
	if identity.IsAdmin {
		return nil
	}

	allowed, err := a.catalog.CheckAccess(ctx, identity.UserID, cellKey, level)
	if err != nil {
		return err
	}
	if !allowed {
		return errors.Forbidden("you do not have the required permission on this cell")
	}
	return nil
}

// RequireAdmin returns nil only if identity is an administrator,
// gating the /admin/* routes.
func (a *Authorizer) RequireAdmin(identity Identity) error {
	if !identity.IsAdmin {
		return errors.Forbidden("administrator privileges required")
	}
	return nil
}
