package claims

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimdesk.org/internal/auth"
)

var allStatuses = []Status{StatusPending, StatusVerified, StatusApproved, StatusRejected}
var allRoles = []auth.Role{auth.RoleLecturer, auth.RoleCoordinator, auth.RoleManager, auth.RoleHR}

func lecturer(rate float64) auth.User {
	return auth.User{
		ID:         "lec-1",
		FullName:   "Thandi Mokoena",
		Email:      "thandi@university.ac.za",
		Role:       auth.RoleLecturer,
		HourlyRate: rate,
	}
}

func seedClaim(t *testing.T, repo *InMemory, id string, status Status) Claim {
	t.Helper()
	c, err := NewClaim(id, lecturer(50), Submission{Subject: "PROG6212", HoursWorked: 8}, time.Now())
	require.NoError(t, err)
	c.Status = status
	require.NoError(t, repo.CreateClaim(context.Background(), c, nil))
	return c
}

func TestCheckTransitionTable(t *testing.T) {
	legal := map[move]auth.Role{
		{StatusPending, StatusVerified}:  auth.RoleCoordinator,
		{StatusPending, StatusRejected}:  auth.RoleCoordinator,
		{StatusVerified, StatusApproved}: auth.RoleManager,
		{StatusVerified, StatusRejected}: auth.RoleManager,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			for _, role := range allRoles {
				err := CheckTransition(from, to, role)
				want, isLegal := legal[move{from, to}]
				switch {
				case !isLegal:
					require.ErrorIs(t, err, ErrInvalidTransition, "%s->%s by %s", from, to, role)
				case role != want:
					require.ErrorIs(t, err, ErrForbidden, "%s->%s by %s", from, to, role)
				default:
					require.NoError(t, err, "%s->%s by %s", from, to, role)
				}
			}
		}
	}
}

func TestMoves(t *testing.T) {
	assert.Equal(t, []Status{StatusVerified, StatusRejected}, Moves(StatusPending, auth.RoleCoordinator))
	assert.Empty(t, Moves(StatusPending, auth.RoleManager))
	assert.Empty(t, Moves(StatusApproved, auth.RoleManager), "approved is terminal")
}

func TestMachineFullPipeline(t *testing.T) {
	repo := NewInMemory()
	ctx := context.Background()
	c := seedClaim(t, repo, "c-1", StatusPending)
	m := NewMachine(repo, nil)

	pc := auth.Principal{UserID: "pc-1", Role: auth.RoleCoordinator}
	am := auth.Principal{UserID: "am-1", Role: auth.RoleManager}

	_, _, err := m.Transition(ctx, c.ID, am, StatusApproved)
	require.ErrorIs(t, err, ErrInvalidTransition)

	got, from, err := m.Transition(ctx, c.ID, pc, StatusVerified)
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, got.Status)
	assert.Equal(t, StatusPending, from)

	_, _, err = m.Transition(ctx, c.ID, pc, StatusPending)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, _, err = m.Transition(ctx, c.ID, pc, StatusApproved)
	require.ErrorIs(t, err, ErrForbidden)
	_, _, err = m.Transition(ctx, c.ID, am, StatusApproved)
	require.NoError(t, err)

	stored, err := repo.FindClaim(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, stored.Status)
	assert.Equal(t, c.Total, stored.Total)
	assert.Equal(t, c.HourlyRate, stored.HourlyRate)

	_, _, err = m.Transition(ctx, c.ID, am, StatusRejected)
	require.ErrorIs(t, err, ErrInvalidTransition, "approved is terminal")
}

func TestMachineFailuresLeaveStatus(t *testing.T) {
	repo := NewInMemory()
	ctx := context.Background()
	c := seedClaim(t, repo, "c-2", StatusPending)
	m := NewMachine(repo, nil)

	lec := auth.Principal{UserID: c.OwnerID, Role: auth.RoleLecturer}
	_, _, err := m.Transition(ctx, c.ID, lec, StatusVerified)
	require.ErrorIs(t, err, ErrForbidden)

	hr := auth.Principal{UserID: "hr-1", Role: auth.RoleHR}
	_, _, err = m.Transition(ctx, c.ID, hr, StatusRejected)
	require.ErrorIs(t, err, ErrForbidden)

	stored, err := repo.FindClaim(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
}

func TestMachineMissingClaim(t *testing.T) {
	m := NewMachine(NewInMemory(), nil)
	pc := auth.Principal{UserID: "pc-1", Role: auth.RoleCoordinator}
	_, _, err := m.Transition(context.Background(), "absent", pc, StatusVerified)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMachineConcurrentDecisionsOneWins(t *testing.T) {
	repo := NewInMemory()
	ctx := context.Background()
	c := seedClaim(t, repo, "c-3", StatusPending)
	m := NewMachine(repo, nil)
	pc := auth.Principal{UserID: "pc-1", Role: auth.RoleCoordinator}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, lost int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := m.Transition(ctx, c.ID, pc, StatusVerified)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInvalidTransition):
				lost++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok, "exactly one winner")
	assert.Equal(t, 19, lost)
}
