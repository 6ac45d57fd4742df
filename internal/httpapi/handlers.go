// Package httpapi exposes the claim workflow over HTTP/JSON.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"claimdesk.org/internal/auth"
	"claimdesk.org/internal/claims"
	"claimdesk.org/internal/docstore"
	"claimdesk.org/internal/events"
	"claimdesk.org/internal/obs"
	"claimdesk.org/internal/workflow"
)

const serviceName = "claimdesk-api"

// ClaimService is the workflow the handlers drive.
type ClaimService interface {
	Submit(ctx context.Context, p auth.Principal, sub claims.Submission, uploads []workflow.Upload) (claims.Claim, error)
	Transition(ctx context.Context, p auth.Principal, claimID string, target claims.Status) (claims.Claim, error)
	Retrieve(ctx context.Context, p auth.Principal, documentID string) (docstore.Payload, error)
	ListByRole(ctx context.Context, p auth.Principal, view claims.View, search string) ([]claims.Claim, error)
	Claim(ctx context.Context, p auth.Principal, id string) (claims.Claim, error)
	Attach(ctx context.Context, p auth.Principal, claimID string, u workflow.Upload) (claims.Document, error)
	Quote(ctx context.Context, p auth.Principal, hours float64) (workflow.Quote, error)
	Invoice(ctx context.Context, p auth.Principal, claimID string) (claims.Invoice, error)
	Subscribe(ctx context.Context, p auth.Principal) (<-chan events.ClaimEvent, error)
}

// AccountService handles login and lecturer administration.
type AccountService interface {
	SupportsTokens() bool
	Login(ctx context.Context, email, password string) (auth.Token, auth.User, error)
	Authenticate(ctx context.Context, token string) (auth.Principal, error)
	CreateLecturer(ctx context.Context, by auth.Principal, in auth.Account) (auth.User, error)
	ListLecturers(ctx context.Context, by auth.Principal) ([]auth.User, error)
	UpdateLecturer(ctx context.Context, by auth.Principal, id string, upd auth.ProfileUpdate) (auth.User, error)
	DeleteLecturer(ctx context.Context, by auth.Principal, id string) error
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Readiness checks the store and the documents volume.
type Readiness struct {
	Store interface{ Ping(ctx context.Context) error }
	Disk  interface{ CheckDisk(ctx context.Context) error }
}

func (rp Readiness) Check(ctx context.Context) error {
	if rp.Store != nil {
		if err := rp.Store.Ping(ctx); err != nil {
			return err
		}
	}
	if rp.Disk != nil {
		return rp.Disk.CheckDisk(ctx)
	}
	return nil
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	claims     ClaimService
	auth       AccountService
	readiness readinessChecker
	version    string
	log        *zap.Logger

	rateBurst  int
	ratePerSec float64
	trustProxy bool
	maxUpload  int64
	keepAlive  time.Duration
}

// Option configures API.
type Option func(*API)

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithRateLimit sets the per-client token bucket. perSecond 0 disables it.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.ratePerSec = perSecond
		a.rateBurst = burst
	}
}

// WithTrustProxy makes client addresses come from X-Forwarded-For. Enable it
// only behind a proxy that sets the header.
func WithTrustProxy(trust bool) Option {
	return func(a *API) { a.trustProxy = trust }
}

// WithMaxUpload sets the per-file upload limit used to bound request bodies.
func WithMaxUpload(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxUpload = n
		}
	}
}

// WithLogger sets the logger; the default is obs.Logger().
func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

// WithKeepAlive sets the comment interval on event streams.
func WithKeepAlive(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.keepAlive = d
		}
	}
}

func New(cs ClaimService, as AccountService, rp readinessChecker, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		claims:     cs,
		auth:       as,
		readiness: rp,
		version:    "dev",
		log:        obs.Logger(),
		rateBurst:  40,
		ratePerSec: 20,
		maxUpload:  docstore.DefaultMaxSize,
		keepAlive:  25 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.readiness == nil {
		a.readiness = Readiness{}
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("GET /v1/claims", a.listClaims)
	a.mux.HandleFunc("POST /v1/claims", a.submitClaim)
	a.mux.HandleFunc("GET /v1/claims/quote", a.quote)
	a.mux.HandleFunc("GET /v1/claims/{id}", a.getClaim)
	a.mux.HandleFunc("POST /v1/claims/{id}/transitions", a.transition)
	a.mux.HandleFunc("POST /v1/claims/{id}/documents", a.attachDocument)
	a.mux.HandleFunc("GET /v1/claims/{id}/invoice", a.invoice)
	a.mux.HandleFunc("GET /v1/documents/{id}", a.downloadDocument)

	a.mux.HandleFunc("GET /v1/lecturers", a.listLecturers)
	a.mux.HandleFunc("POST /v1/lecturers", a.createLecturer)
	a.mux.HandleFunc("PUT /v1/lecturers/{id}", a.updateLecturer)
	a.mux.HandleFunc("DELETE /v1/lecturers/{id}", a.deleteLecturer)

	a.mux.HandleFunc("GET /v1/events", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	return a
}

// Handler returns the full middleware chain around the routes.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	h = obs.Instrument(h)
	if a.ratePerSec > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	h = SecurityHeaders(h)
	h = LoggingJSON(a.log, h)
	h = ClientAddress(a.trustProxy, h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readiness.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		obs.Logger().Error("encode response", zap.Error(err))
		code = http.StatusInternalServerError
		buf.Reset()
		buf.WriteString(`{"error":"internal error"}` + "\n")
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
