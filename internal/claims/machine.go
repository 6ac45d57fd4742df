package claims

import (
	"context"
	"errors"
	"fmt"
	"time"

	"claimdesk.org/internal/auth"
)

type move struct {
	from, to Status
}

// transitions maps every legal move to the only role allowed to make it.
var transitions = map[move]auth.Role{
	{StatusPending, StatusVerified}:  auth.RoleCoordinator,
	{StatusPending, StatusRejected}:  auth.RoleCoordinator,
	{StatusVerified, StatusApproved}: auth.RoleManager,
	{StatusVerified, StatusRejected}: auth.RoleManager,
}

// CheckTransition reports ErrInvalidTransition for a pair outside the table
// and ErrForbidden when role may not make a legal move.
func CheckTransition(from, to Status, role auth.Role) error {
	want, ok := transitions[move{from, to}]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if role != want {
		return fmt.Errorf("%w: %s may not move a claim from %s to %s", ErrForbidden, role, from, to)
	}
	return nil
}

// Moves lists the targets role may choose for a claim in from.
func Moves(from Status, role auth.Role) []Status {
	var out []Status
	for _, to := range []Status{StatusVerified, StatusApproved, StatusRejected} {
		if CheckTransition(from, to, role) == nil {
			out = append(out, to)
		}
	}
	return out
}

// Machine applies status transitions against a Repository.
type Machine struct {
	repo Repository
	now  func() time.Time
}

// NewMachine returns a Machine. A nil clock selects time.Now.
func NewMachine(repo Repository, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{repo: repo, now: now}
}

// Transition moves claim id to target on behalf of by and returns the updated
// claim with the status it left. The stored status is only replaced if it still
// equals the one the decision was made against.
func (m *Machine) Transition(ctx context.Context, id string, by auth.Principal, target Status) (Claim, Status, error) {
	c, err := m.repo.FindClaim(ctx, id)
	if err != nil {
		return Claim{}, StatusUnknown, err
	}
	from := c.Status
	if err := CheckTransition(from, target, by.Role); err != nil {
		return c, from, err
	}
	at := m.now().UTC()
	if err := m.repo.UpdateStatus(ctx, id, from, target, at); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return c, from, fmt.Errorf("%w: claim changed concurrently", err)
		}
		return c, from, err
	}
	c.Status = target
	c.UpdatedAt = at
	return c, from, nil
}
