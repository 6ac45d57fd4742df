package auth

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"claimdesk.org/internal/ids"
)

// Service authenticates staff and lets HR manage lecturer profiles.
type Service struct {
	users    UserStore
	tokens   *Tokens
	now      func() time.Time
	validate *validator.Validate
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithTokens enables login and bearer token authentication.
func WithTokens(t *Tokens) ServiceOption {
	return func(s *Service) error {
		if t == nil {
			return errors.New("auth: nil token signer")
		}
		s.tokens = t
		return nil
	}
}

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) error {
		if now != nil {
			s.now = now
		}
		return nil
	}
}

// NewService wires the user store and options.
func NewService(users UserStore, opts ...ServiceOption) (*Service, error) {
	if users == nil {
		return nil, errors.New("auth: user store is required")
	}
	s := &Service{
		users:    users,
		now:      time.Now,
		validate: NewValidator(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SupportsTokens reports whether bearer authentication is configured.
func (s *Service) SupportsTokens() bool {
	return s != nil && s.tokens != nil
}

// Login checks email and password and issues a bearer token.
func (s *Service) Login(ctx context.Context, email, password string) (Token, User, error) {
	if !s.SupportsTokens() {
		return Token{}, User{}, errors.New("auth: tokens not configured")
	}
	u, err := s.users.FindUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		// Burn comparable time so unknown emails are not distinguishable.
		_ = VerifyPassword(dummyHash, password)
		return Token{}, User{}, ErrUnauthorized
	}
	if err != nil {
		return Token{}, User{}, err
	}
	if err := VerifyPassword(u.PasswordHash, password); err != nil {
		return Token{}, User{}, err
	}
	tok, err := s.tokens.Issue(u)
	if err != nil {
		return Token{}, User{}, err
	}
	return tok, u, nil
}

// dummyHash is a bcrypt hash of a random string.
const dummyHash = "$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z7TmRUTzQoS1Xp1B7Dd0CDlm"

// Authenticate resolves a bearer token to the caller's current identity and role.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	if !s.SupportsTokens() {
		return Principal{}, ErrInvalidToken
	}
	userID, err := s.tokens.Parse(token)
	if err != nil {
		return Principal{}, err
	}
	u, err := s.users.FindUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return Principal{}, ErrInvalidToken
	}
	if err != nil {
		return Principal{}, err
	}
	return u.Principal(), nil
}

// Profile returns the user behind id.
func (s *Service) Profile(ctx context.Context, id string) (User, error) {
	return s.users.FindUser(ctx, id)
}

// EnsureUser creates the account unless its email is already registered, in
// which case the existing user is returned unchanged.
func (s *Service) EnsureUser(ctx context.Context, in Account) (User, error) {
	existing, err := s.users.FindUserByEmail(ctx, in.Email)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return User{}, err
	}
	return s.create(ctx, in)
}

// CreateLecturer registers a lecturer. Only HR may call it.
func (s *Service) CreateLecturer(ctx context.Context, by Principal, in Account) (User, error) {
	if by.Role != RoleHR {
		return User{}, ErrForbidden
	}
	in.Role = RoleLecturer
	return s.create(ctx, in)
}

// ListLecturers returns every lecturer. Only HR may call it.
func (s *Service) ListLecturers(ctx context.Context, by Principal) ([]User, error) {
	if by.Role != RoleHR {
		return nil, ErrForbidden
	}
	return s.users.ListUsers(ctx, RoleLecturer)
}

// UpdateLecturer changes a lecturer's profile. Claims already submitted keep
// the rate they were created with.
func (s *Service) UpdateLecturer(ctx context.Context, by Principal, id string, upd ProfileUpdate) (User, error) {
	if by.Role != RoleHR {
		return User{}, ErrForbidden
	}
	if err := s.check(upd); err != nil {
		return User{}, err
	}
	u, err := s.lecturer(ctx, id)
	if err != nil {
		return User{}, err
	}
	if upd.FullName != nil {
		u.FullName = strings.TrimSpace(*upd.FullName)
	}
	if upd.Email != nil {
		u.Email = NormalizeEmail(*upd.Email)
	}
	if upd.HourlyRate != nil {
		u.HourlyRate = *upd.HourlyRate
	}
	u.UpdatedAt = s.now().UTC()
	if err := s.users.UpdateUser(ctx, u); err != nil {
		return User{}, err
	}
	return u, nil
}

// DeleteLecturer removes a lecturer account. Their claims remain.
func (s *Service) DeleteLecturer(ctx context.Context, by Principal, id string) error {
	if by.Role != RoleHR {
		return ErrForbidden
	}
	if _, err := s.lecturer(ctx, id); err != nil {
		return err
	}
	return s.users.DeleteUser(ctx, id)
}

func (s *Service) lecturer(ctx context.Context, id string) (User, error) {
	u, err := s.users.FindUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	if u.Role != RoleLecturer {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *Service) create(ctx context.Context, in Account) (User, error) {
	if !in.Role.Valid() {
		return User{}, fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	if err := s.check(in); err != nil {
		return User{}, err
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return User{}, err
	}
	now := s.now().UTC()
	u := User{
		ID:           ids.At(now),
		FullName:     strings.TrimSpace(in.FullName),
		Email:        NormalizeEmail(in.Email),
		PasswordHash: hash,
		Role:         in.Role,
		HourlyRate:   in.HourlyRate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return User{}, err
	}
	return u, nil
}

// NewValidator returns a validator that reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *Service) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%w: %s failed %q", ErrInvalidInput, fe.Field(), fe.Tag())
	}
	return fmt.Errorf("%w: %v", ErrInvalidInput, err)
}
