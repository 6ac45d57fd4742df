// Package workflow exposes the operations the presentation layer calls:
// submitting claims, moving them through review, listing work queues and
// handing out decrypted documents.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"claimdesk.org/internal/audit"
	"claimdesk.org/internal/auth"
	"claimdesk.org/internal/claims"
	"claimdesk.org/internal/docstore"
	"claimdesk.org/internal/events"
	"claimdesk.org/internal/ids"
	"claimdesk.org/internal/obs"
)

const (
	// MaxDocuments caps the files attached to one claim.
	MaxDocuments     = claims.MaxDocuments
	defaultListLimit = 500
)

// Documents is the encrypted document store.
type Documents interface {
	Validate(name string, size int64) error
	Seal(ctx context.Context, claimID, name string, r io.Reader) (claims.Document, error)
	Store(ctx context.Context, claimID, name string, r io.Reader) (claims.Document, error)
	Discard(docs ...claims.Document) error
	Retrieve(ctx context.Context, g claims.Grant) (docstore.Payload, error)
}

// Profiles resolves staff accounts.
type Profiles interface {
	Profile(ctx context.Context, id string) (auth.User, error)
}

// Upload is one file attached to a submission. Size may be -1 when unknown.
type Upload struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// Quote is a total preview computed with the caller's current rate.
type Quote struct {
	HoursWorked float64 `json:"hours_worked"`
	HourlyRate  float64 `json:"hourly_rate"`
	Total       float64 `json:"total"`
}

// Service implements the claim workflow.
type Service struct {
	repo      claims.Repository
	docs      Documents
	profiles  Profiles
	machine   *claims.Machine
	hub       *events.Hub
	now       func() time.Time
	log       *zap.Logger
	listLimit int
}

// Option configures Service.
type Option func(*Service)

// WithEvents publishes claim events to hub.
func WithEvents(hub *events.Hub) Option {
	return func(s *Service) { s.hub = hub }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger; the default is obs.Logger().
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithListLimit caps the number of claims a listing returns.
func WithListLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.listLimit = n
		}
	}
}

// New wires the workflow.
func New(repo claims.Repository, docs Documents, profiles Profiles, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		docs:      docs,
		profiles:  profiles,
		now:       time.Now,
		log:       obs.Logger(),
		listLimit: defaultListLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.machine = claims.NewMachine(repo, s.now)
	return s
}

// Submit creates a Pending claim for the calling lecturer. The rate comes from
// the lecturer's profile. Every upload is sealed before the claim is stored;
// any failure removes the artifacts already produced and stores nothing.
func (s *Service) Submit(ctx context.Context, p auth.Principal, sub claims.Submission, uploads []Upload) (claims.Claim, error) {
	if p.Role != auth.RoleLecturer {
		return claims.Claim{}, fmt.Errorf("%w: only lecturers submit claims", claims.ErrForbidden)
	}
	owner, err := s.owner(ctx, p)
	if err != nil {
		return claims.Claim{}, err
	}
	c, err := claims.NewClaim(ids.At(s.now()), owner, sub, s.now())
	if err != nil {
		return claims.Claim{}, err
	}
	if len(uploads) > MaxDocuments {
		return claims.Claim{}, claims.Invalid("files", "at most %d files per claim", MaxDocuments)
	}
	for _, u := range uploads {
		if err := s.docs.Validate(u.Name, u.Size); err != nil {
			return claims.Claim{}, err
		}
	}

	sealed := make([]claims.Document, 0, len(uploads))
	for _, u := range uploads {
		doc, err := s.seal(ctx, c.ID, u)
		if err != nil {
			return claims.Claim{}, multierr.Append(err, s.docs.Discard(sealed...))
		}
		sealed = append(sealed, doc)
	}
	if err := s.repo.CreateClaim(ctx, c, sealed); err != nil {
		return claims.Claim{}, multierr.Append(fmt.Errorf("store claim: %w", err), s.docs.Discard(sealed...))
	}
	c.Documents = sealed

	s.audit(ctx, "claim.submit", map[string]any{
		"claim_id":  c.ID,
		"hours":     c.HoursWorked,
		"rate":      c.HourlyRate,
		"total":     c.Total,
		"documents": len(sealed),
	})
	s.hub.Publish(events.ClaimEvent{
		Kind:      events.KindSubmitted,
		ClaimID:   c.ID,
		OwnerID:   c.OwnerID,
		To:        c.Status.String(),
		ActorID:   p.UserID,
		Timestamp: c.CreatedAt,
	})
	return c, nil
}

func (s *Service) seal(ctx context.Context, claimID string, u Upload) (claims.Document, error) {
	if u.Open == nil {
		return claims.Document{}, claims.Invalid("file", "%s has no content", u.Name)
	}
	rc, err := u.Open()
	if err != nil {
		return claims.Document{}, fmt.Errorf("open upload %s: %w", u.Name, err)
	}
	defer rc.Close()
	return s.docs.Seal(ctx, claimID, u.Name, rc)
}

// Transition moves a claim to target on behalf of p.
func (s *Service) Transition(ctx context.Context, p auth.Principal, claimID string, target claims.Status) (claims.Claim, error) {
	c, from, err := s.machine.Transition(ctx, claimID, p, target)
	obs.ObserveTransition(from.String(), target.String(), err)
	if err != nil {
		if errors.Is(err, claims.ErrForbidden) || errors.Is(err, claims.ErrInvalidTransition) {
			s.audit(ctx, "claim.transition_denied", map[string]any{
				"claim_id": claimID,
				"from":     from.String(),
				"to":       target.String(),
				"reason":   err.Error(),
			})
		}
		return claims.Claim{}, err
	}
	s.audit(ctx, "claim.transition", map[string]any{
		"claim_id": c.ID,
		"from":     from.String(),
		"to":       c.Status.String(),
	})
	s.hub.Publish(events.ClaimEvent{
		Kind:      events.KindStatus,
		ClaimID:   c.ID,
		OwnerID:   c.OwnerID,
		From:      from.String(),
		To:        c.Status.String(),
		ActorID:   p.UserID,
		Timestamp: c.UpdatedAt,
	})
	return c, nil
}

// Retrieve returns the plaintext of a document if p may see it.
func (s *Service) Retrieve(ctx context.Context, p auth.Principal, documentID string) (docstore.Payload, error) {
	doc, err := s.repo.FindDocument(ctx, documentID)
	if err != nil {
		return docstore.Payload{}, err
	}
	c, err := s.repo.FindClaim(ctx, doc.ClaimID)
	if err != nil {
		return docstore.Payload{}, err
	}
	g, err := claims.Authorize(p, c, doc)
	if err != nil {
		s.audit(ctx, "document.retrieve_denied", map[string]any{
			"claim_id":    c.ID,
			"document_id": doc.ID,
		})
		return docstore.Payload{}, err
	}
	payload, err := s.docs.Retrieve(ctx, g)
	if err != nil {
		s.log.Error("document retrieve failed",
			zap.String("document_id", doc.ID),
			zap.String("claim_id", c.ID),
			zap.Error(err),
		)
		return docstore.Payload{}, err
	}
	s.audit(ctx, "document.retrieve", map[string]any{
		"claim_id":    c.ID,
		"document_id": doc.ID,
		"bytes":       len(payload.Data),
	})
	return payload, nil
}

// ListByRole returns the claims p should see for view, optionally narrowed by search.
func (s *Service) ListByRole(ctx context.Context, p auth.Principal, view claims.View, search string) ([]claims.Claim, error) {
	f, err := claims.QueueFor(p, view)
	if err != nil {
		return nil, err
	}
	f.Search = search
	f.Limit = s.listLimit
	return s.repo.ListClaims(ctx, f)
}

// Claim returns one claim with its documents if p may see it.
func (s *Service) Claim(ctx context.Context, p auth.Principal, id string) (claims.Claim, error) {
	c, err := s.repo.FindClaim(ctx, id)
	if err != nil {
		return claims.Claim{}, err
	}
	if err := claims.CanView(p, c); err != nil {
		return claims.Claim{}, err
	}
	return c, nil
}

// Attach adds a document to the caller's own Pending claim.
func (s *Service) Attach(ctx context.Context, p auth.Principal, claimID string, u Upload) (claims.Document, error) {
	c, err := s.repo.FindClaim(ctx, claimID)
	if err != nil {
		return claims.Document{}, err
	}
	if p.Role != auth.RoleLecturer || c.OwnerID != p.UserID {
		return claims.Document{}, fmt.Errorf("%w: only the owner may add documents", claims.ErrForbidden)
	}
	// Early rejection only; the repository re-checks when the document is registered.
	if err := claims.CheckAttach(c.Status, len(c.Documents)); err != nil {
		return claims.Document{}, err
	}
	if err := s.docs.Validate(u.Name, u.Size); err != nil {
		return claims.Document{}, err
	}
	if u.Open == nil {
		return claims.Document{}, claims.Invalid("file", "%s has no content", u.Name)
	}
	rc, err := u.Open()
	if err != nil {
		return claims.Document{}, fmt.Errorf("open upload %s: %w", u.Name, err)
	}
	defer rc.Close()
	doc, err := s.docs.Store(ctx, c.ID, u.Name, rc)
	if err != nil {
		return claims.Document{}, err
	}
	s.audit(ctx, "claim.document_attach", map[string]any{
		"claim_id":    c.ID,
		"document_id": doc.ID,
	})
	s.hub.Publish(events.ClaimEvent{
		Kind:      events.KindDocument,
		ClaimID:   c.ID,
		OwnerID:   c.OwnerID,
		ActorID:   p.UserID,
		Timestamp: doc.CreatedAt,
	})
	return doc, nil
}

// Quote previews the total for hours at the caller's current rate without storing anything.
func (s *Service) Quote(ctx context.Context, p auth.Principal, hours float64) (Quote, error) {
	if p.Role != auth.RoleLecturer {
		return Quote{}, fmt.Errorf("%w: only lecturers have an hourly rate", claims.ErrForbidden)
	}
	owner, err := s.owner(ctx, p)
	if err != nil {
		return Quote{}, err
	}
	total, err := claims.Amount(hours, owner.HourlyRate)
	if err != nil {
		return Quote{}, err
	}
	return Quote{HoursWorked: hours, HourlyRate: owner.HourlyRate, Total: total}, nil
}

// Invoice summarises an approved claim for HR or a manager.
func (s *Service) Invoice(ctx context.Context, p auth.Principal, claimID string) (claims.Invoice, error) {
	if p.Role != auth.RoleHR && p.Role != auth.RoleManager {
		return claims.Invoice{}, fmt.Errorf("%w: invoices are for HR and managers", claims.ErrForbidden)
	}
	c, err := s.repo.FindClaim(ctx, claimID)
	if err != nil {
		return claims.Invoice{}, err
	}
	inv, err := claims.NewInvoice(c, s.now())
	if err != nil {
		return claims.Invoice{}, err
	}
	s.audit(ctx, "claim.invoice", map[string]any{"claim_id": c.ID, "number": inv.Number})
	return inv, nil
}

// Subscribe streams claim events visible to p until ctx ends. Lecturers only
// see events about their own claims.
func (s *Service) Subscribe(ctx context.Context, p auth.Principal) (<-chan events.ClaimEvent, error) {
	if s.hub == nil {
		return nil, errors.New("event stream disabled")
	}
	switch {
	case p.Role == auth.RoleLecturer:
		owner := p.UserID
		return s.hub.Subscribe(ctx, func(e events.ClaimEvent) bool { return e.OwnerID == owner }), nil
	case p.Role.Reviewer():
		return s.hub.Subscribe(ctx, nil), nil
	}
	return nil, claims.ErrForbidden
}

func (s *Service) owner(ctx context.Context, p auth.Principal) (auth.User, error) {
	u, err := s.profiles.Profile(ctx, p.UserID)
	if errors.Is(err, auth.ErrNotFound) {
		return auth.User{}, fmt.Errorf("%w: profile %s", claims.ErrNotFound, p.UserID)
	}
	return u, err
}

func (s *Service) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		s.log.Warn("audit log failed", zap.String("event", event), zap.Error(err))
	}
}
