package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// RoleAuthorizer решает authorize(user, action) по роли из таблицы профилей.
// Любой вошедший пользователь создаёт и читает свои заказы;
// чтение всех заказов доступно только admin.
type RoleAuthorizer struct {
	profiles domain.ProfileRepository
}

// NewRoleAuthorizer создаёт Authorizer.
func NewRoleAuthorizer(profiles domain.ProfileRepository) *RoleAuthorizer {
	return &RoleAuthorizer{profiles: profiles}
}

func (a *RoleAuthorizer) Authorize(ctx context.Context, principal domain.Principal, action domain.Action) error {
	if principal.UserID == "" {
		return domain.ErrUnauthenticated
	}

	switch action {
	case domain.ActionCreateOrder, domain.ActionReadOwnOrder:
		return nil
	case domain.ActionReadAllOrder:
		role, err := a.profiles.Role(ctx, principal.UserID)
		if err != nil {
			if errors.Is(err, domain.ErrProfileNotFound) {
				return domain.ErrForbidden
			}
			return fmt.Errorf("resolve role for %s: %w", principal.UserID, err)
		}
		if role != domain.RoleAdmin {
			return domain.ErrForbidden
		}
		return nil
	default:
		return domain.ErrForbidden
	}
}

var _ domain.Authorizer = (*RoleAuthorizer)(nil)
