package auth

import "time"

// User is a staff account. HourlyRate only matters for lecturers; it is copied
// into each claim at submission.
type User struct {
	ID           string    `json:"id"`
	FullName     string    `json:"full_name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	HourlyRate   float64   `json:"hourly_rate"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Principal is the authenticated caller passed explicitly into core operations.
type Principal struct {
	UserID string
	Role   Role
}

// Principal returns the identity used for authorization decisions.
func (u User) Principal() Principal {
	return Principal{UserID: u.ID, Role: u.Role}
}

// Account describes a staff member to create, either by HR or at bootstrap.
type Account struct {
	FullName   string  `json:"full_name" yaml:"full_name" validate:"required,max=200"`
	Email      string  `json:"email" yaml:"email" validate:"required,email,max=254"`
	Password   string  `json:"password" yaml:"password" validate:"required,min=8,max=72"`
	Role       Role    `json:"role" yaml:"role"`
	HourlyRate float64 `json:"hourly_rate" yaml:"hourly_rate" validate:"gte=0,lte=100000"`
}

// ProfileUpdate changes a lecturer's profile. Nil fields are left untouched.
type ProfileUpdate struct {
	FullName   *string  `json:"full_name" validate:"omitempty,min=1,max=200"`
	Email      *string  `json:"email" validate:"omitempty,email,max=254"`
	HourlyRate *float64 `json:"hourly_rate" validate:"omitempty,gte=0,lte=100000"`
}

// Token is an issued bearer credential.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
