package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// ProfileRepository хранит роли пользователей в памяти.
type ProfileRepository struct {
	mu    sync.RWMutex
	roles map[string]domain.Role
}

// NewProfileRepository создаёт пустое хранилище профилей.
func NewProfileRepository() *ProfileRepository {
	return &ProfileRepository{roles: make(map[string]domain.Role)}
}

// SetRole назначает роль пользователю.
func (r *ProfileRepository) SetRole(userID string, role domain.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[userID] = role
}

func (r *ProfileRepository) Role(_ context.Context, userID string) (domain.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	role, ok := r.roles[userID]
	if !ok {
		return "", domain.ErrProfileNotFound
	}
	return role, nil
}

var _ domain.ProfileRepository = (*ProfileRepository)(nil)
