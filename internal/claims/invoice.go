package claims

import "time"

// Invoice is the payable summary of an approved claim.
type Invoice struct {
	Number       string    `json:"number"`
	ClaimID      string    `json:"claim_id"`
	IssuedAt     time.Time `json:"issued_at"`
	ApprovedAt   time.Time `json:"approved_at"`
	LecturerName string    `json:"lecturer_name"`
	LecturerMail string    `json:"lecturer_email"`
	Subject      string    `json:"subject"`
	ClaimDate    time.Time `json:"claim_date"`
	HoursWorked  float64   `json:"hours_worked"`
	HourlyRate   float64   `json:"hourly_rate"`
	Total        float64   `json:"total"`
	Documents    int       `json:"documents"`
}

// NewInvoice summarises c. Only approved claims are payable.
func NewInvoice(c Claim, issued time.Time) (Invoice, error) {
	if c.Status != StatusApproved {
		return Invoice{}, Invalid("status", "claim is %s, only approved claims can be invoiced", c.Status)
	}
	return Invoice{
		Number:       "INV-" + c.ClaimDate.Format("200601") + "-" + c.ID,
		ClaimID:      c.ID,
		IssuedAt:     issued.UTC(),
		ApprovedAt:   c.UpdatedAt,
		LecturerName: c.OwnerName,
		LecturerMail: c.OwnerEmail,
		Subject:      c.Subject,
		ClaimDate:    c.ClaimDate,
		HoursWorked:  c.HoursWorked,
		HourlyRate:   c.HourlyRate,
		Total:        c.Total,
		Documents:    len(c.Documents),
	}, nil
}
