package claims

import (
	"math"
	"strings"
	"time"

	"claimdesk.org/internal/auth"
)

// Claim is a lecturer's request for payment of hours worked.
// HourlyRate and Total are fixed at creation; only Status and UpdatedAt change afterwards.
type Claim struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	OwnerName   string     `json:"owner_name"`
	OwnerEmail  string     `json:"owner_email"`
	Subject     string     `json:"subject"`
	ClaimDate   time.Time  `json:"claim_date"`
	HoursWorked float64    `json:"hours_worked"`
	HourlyRate  float64    `json:"hourly_rate"`
	Total       float64    `json:"total"`
	Notes       string     `json:"notes,omitempty"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Documents   []Document `json:"documents"`
}

// Document is the metadata of one encrypted supporting file.
type Document struct {
	ID          string    `json:"id"`
	ClaimID     string    `json:"claim_id"`
	FileName    string    `json:"file_name"`
	StorageName string    `json:"-"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Submission is the lecturer-supplied part of a new claim. The rate is never
// taken from here; it comes from the lecturer's profile.
type Submission struct {
	Subject     string    `json:"subject"`
	ClaimDate   time.Time `json:"claim_date"`
	HoursWorked float64   `json:"hours_worked"`
	Notes       string    `json:"notes"`
}

const (
	maxSubjectLen = 200
	maxNotesLen   = 2000
)

// MaxHours caps a single claim at the hours in a 31-day month.
const MaxHours = 744

// MaxDocuments caps the files attached to one claim.
const MaxDocuments = 10

// CheckAttach reports whether one more document may join a claim in status st
// that already holds have documents. Repositories call it inside the same
// critical section that stores the document.
func CheckAttach(st Status, have int) error {
	if st != StatusPending {
		return Invalid("status", "documents can only be added while the claim is pending")
	}
	if have >= MaxDocuments {
		return Invalid("files", "at most %d files per claim", MaxDocuments)
	}
	return nil
}

// Amount returns hours * rate after checking both are finite, non-negative
// and that hours fit in one claim. The product is checked too.
func Amount(hours, rate float64) (float64, error) {
	if math.IsNaN(hours) || math.IsInf(hours, 0) || hours < 0 {
		return 0, Invalid("hours_worked", "must be a finite number >= 0")
	}
	if hours > MaxHours {
		return 0, Invalid("hours_worked", "must be at most %d", MaxHours)
	}
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 0 {
		return 0, Invalid("hourly_rate", "must be a finite number >= 0")
	}
	total := hours * rate
	if math.IsInf(total, 0) {
		return 0, Invalid("hourly_rate", "total is out of range")
	}
	return total, nil
}

// NewClaim builds a Pending claim for owner. The owner's current rate is
// copied and the total computed once.
func NewClaim(id string, owner auth.User, sub Submission, now time.Time) (Claim, error) {
	if owner.Role != auth.RoleLecturer {
		return Claim{}, ErrForbidden
	}
	subject := strings.TrimSpace(sub.Subject)
	switch {
	case subject == "":
		return Claim{}, Invalid("subject", "is required")
	case len(subject) > maxSubjectLen:
		return Claim{}, Invalid("subject", "must be at most %d characters", maxSubjectLen)
	case len(sub.Notes) > maxNotesLen:
		return Claim{}, Invalid("notes", "must be at most %d characters", maxNotesLen)
	}
	total, err := Amount(sub.HoursWorked, owner.HourlyRate)
	if err != nil {
		return Claim{}, err
	}
	now = now.UTC()
	date := sub.ClaimDate
	if date.IsZero() {
		date = now
	}
	return Claim{
		ID:          id,
		OwnerID:     owner.ID,
		OwnerName:   owner.FullName,
		OwnerEmail:  owner.Email,
		Subject:     subject,
		ClaimDate:   date.UTC(),
		HoursWorked: sub.HoursWorked,
		HourlyRate:  owner.HourlyRate,
		Total:       total,
		Notes:       strings.TrimSpace(sub.Notes),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
