package claims

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Repository persists claims and their document records.
type Repository interface {
	// CreateClaim stores c and docs atomically.
	CreateClaim(ctx context.Context, c Claim, docs []Document) error
	// FindClaim returns the claim with its documents attached.
	FindClaim(ctx context.Context, id string) (Claim, error)
	// UpdateStatus sets the status to `to` only if it currently equals `from`;
	// otherwise it returns ErrInvalidTransition.
	UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) error
	// ListClaims returns matching claims ordered by SortClaims, without documents.
	ListClaims(ctx context.Context, f Filter) ([]Claim, error)
	FindDocument(ctx context.Context, id string) (Document, error)
	// SaveDocument registers d against an existing claim. The claim must still
	// pass CheckAttach when d is stored.
	SaveDocument(ctx context.Context, d Document) error
	DocumentsForClaim(ctx context.Context, claimID string) ([]Document, error)
}

// Filter narrows ListClaims. Zero fields match everything.
type Filter struct {
	OwnerID  string
	Statuses []Status
	// Search is matched case-insensitively against owner name, owner email and subject.
	Search string
	Limit  int
}

// Matches reports whether c passes f, ignoring Limit.
func (f Filter) Matches(c Claim) bool {
	if f.OwnerID != "" && c.OwnerID != f.OwnerID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if s == c.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		return strings.Contains(strings.ToLower(c.OwnerName), q) ||
			strings.Contains(strings.ToLower(c.OwnerEmail), q) ||
			strings.Contains(strings.ToLower(c.Subject), q)
	}
	return true
}

// SortClaims orders newest claim date first, then newest id.
func SortClaims(cs []Claim) {
	sort.SliceStable(cs, func(i, j int) bool {
		if !cs[i].ClaimDate.Equal(cs[j].ClaimDate) {
			return cs[i].ClaimDate.After(cs[j].ClaimDate)
		}
		return cs[i].ID > cs[j].ID
	})
}

// ApplyLimit truncates cs to f.Limit when it is positive.
func (f Filter) ApplyLimit(cs []Claim) []Claim {
	if f.Limit > 0 && len(cs) > f.Limit {
		return cs[:f.Limit]
	}
	return cs
}
