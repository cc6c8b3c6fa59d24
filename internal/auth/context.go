package auth

import (
	"context"

	"github.com/google/uuid"

	"github.com/acgh213/repairdesk/internal/store"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	Role     string    `json:"role"`
}

func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey).(*Identity)
	return id
}

// Role checks
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == store.RoleAdmin
}

func (i *Identity) IsTechnician() bool {
	return i != nil && (i.Role == store.RoleAdmin || i.Role == store.RoleTechnician)
}

func (i *Identity) IsRequester() bool {
	return i != nil // every role can file requests
}
