package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// UserStore persists staff accounts. Emails are unique and compared case-insensitively.
type UserStore interface {
	CreateUser(ctx context.Context, u User) error
	FindUser(ctx context.Context, id string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	// ListUsers returns users with the given role ordered by full name.
	// RoleUnknown lists everybody.
	ListUsers(ctx context.Context, role Role) ([]User, error)
	UpdateUser(ctx context.Context, u User) error
	DeleteUser(ctx context.Context, id string) error
}

// NormalizeEmail is the canonical form used for uniqueness checks.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// InMemoryUsers is a UserStore for tests and the memory storage driver.
type InMemoryUsers struct {
	mu      sync.RWMutex
	byID    map[string]User
	byEmail map[string]string
}

var _ UserStore = (*InMemoryUsers)(nil)

func NewInMemoryUsers() *InMemoryUsers {
	return &InMemoryUsers{
		byID:    make(map[string]User),
		byEmail: make(map[string]string),
	}
}

func (s *InMemoryUsers) CreateUser(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := NormalizeEmail(u.Email)
	if _, ok := s.byEmail[email]; ok {
		return ErrConflict
	}
	if _, ok := s.byID[u.ID]; ok {
		return ErrConflict
	}
	u.Email = email
	s.byID[u.ID] = u
	s.byEmail[email] = u.ID
	return nil
}

func (s *InMemoryUsers) FindUser(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *InMemoryUsers) FindUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.byID[id], nil
}

func (s *InMemoryUsers) ListUsers(_ context.Context, role Role) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.byID))
	for _, u := range s.byID {
		if role == RoleUnknown || u.Role == role {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FullName == out[j].FullName {
			return out[i].ID < out[j].ID
		}
		return out[i].FullName < out[j].FullName
	})
	return out, nil
}

func (s *InMemoryUsers) UpdateUser(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.byID[u.ID]
	if !ok {
		return ErrNotFound
	}
	email := NormalizeEmail(u.Email)
	if owner, taken := s.byEmail[email]; taken && owner != u.ID {
		return ErrConflict
	}
	delete(s.byEmail, prev.Email)
	u.Email = email
	s.byID[u.ID] = u
	s.byEmail[email] = u.ID
	return nil
}

func (s *InMemoryUsers) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	delete(s.byEmail, u.Email)
	return nil
}
