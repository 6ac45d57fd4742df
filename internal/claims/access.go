package claims

import (
	"fmt"

	"claimdesk.org/internal/auth"
)

// Grant is proof that a principal was authorized to read one document's
// plaintext. Only Authorize produces a usable Grant.
type Grant struct {
	doc Document
	by  auth.Principal
}

// Valid reports whether g was minted by Authorize.
func (g Grant) Valid() bool {
	return g.doc.ID != "" && g.by.UserID != ""
}

// Document returns the authorized document record.
func (g Grant) Document() Document { return g.doc }

// Principal returns the caller the grant was issued to.
func (g Grant) Principal() auth.Principal { return g.by }

// CanView permits the claim's owner and any reviewing role, whatever the status.
func CanView(p auth.Principal, c Claim) error {
	if p.UserID == "" {
		return ErrForbidden
	}
	if p.UserID == c.OwnerID || p.Role.Reviewer() {
		return nil
	}
	return fmt.Errorf("%w: claim %s", ErrForbidden, c.ID)
}

// Authorize decides whether p may receive the plaintext of d, which must
// belong to c.
func Authorize(p auth.Principal, c Claim, d Document) (Grant, error) {
	if d.ClaimID != c.ID {
		return Grant{}, ErrNotFound
	}
	if err := CanView(p, c); err != nil {
		return Grant{}, err
	}
	return Grant{doc: d, by: p}, nil
}
