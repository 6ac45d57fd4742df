package claims

import (
	"strings"

	"claimdesk.org/internal/auth"
)

// View selects which claims a listing shows.
type View string

const (
	// ViewQueue is the role's work queue: own claims for lecturers, pending
	// for coordinators, verified for managers, everything for HR.
	ViewQueue View = ""
	// ViewAll shows every claim regardless of status. Reviewers only.
	ViewAll View = "all"
)

// ParseView accepts "", "queue", "all" or a status name.
func ParseView(s string) (View, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "queue":
		return ViewQueue, nil
	case string(ViewAll):
		return ViewAll, nil
	}
	if _, err := ParseStatus(s); err != nil {
		return "", Invalid("view", "must be queue, all or a status name")
	}
	return View(s), nil
}

// QueueFor builds the listing filter for p. Lecturers are always confined to
// their own claims, whatever view they ask for.
func QueueFor(p auth.Principal, v View) (Filter, error) {
	switch p.Role {
	case auth.RoleLecturer:
		f := Filter{OwnerID: p.UserID}
		if st, err := ParseStatus(string(v)); err == nil {
			f.Statuses = []Status{st}
		}
		return f, nil
	case auth.RoleCoordinator, auth.RoleManager, auth.RoleHR:
	default:
		return Filter{}, ErrForbidden
	}

	switch v {
	case ViewAll:
		return Filter{}, nil
	case ViewQueue:
		switch p.Role {
		case auth.RoleCoordinator:
			return Filter{Statuses: []Status{StatusPending}}, nil
		case auth.RoleManager:
			return Filter{Statuses: []Status{StatusVerified}}, nil
		default:
			return Filter{}, nil
		}
	}
	st, err := ParseStatus(string(v))
	if err != nil {
		return Filter{}, err
	}
	return Filter{Statuses: []Status{st}}, nil
}
