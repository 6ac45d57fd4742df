package httpapi

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"claimdesk.org/internal/claims"
	"claimdesk.org/internal/workflow"
)

// multipartMemory is how much of a multipart body is kept in memory; the rest
// spills to temp files that are removed when the handler returns.
const multipartMemory = 1 << 20

type transitionRequest struct {
	Status string `json:"status"`
}

type listClaimsResponse struct {
	Items []claims.Claim `json:"items"`
	View  string         `json:"view"`
	AsOf  time.Time      `json:"as_of"`
}

func (a *API) listClaims(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	view, err := claims.ParseView(q.Get("view"))
	if err != nil {
		handleError(w, r, a.log, err)
		return
	}
	items, err := a.claims.ListByRole(r.Context(), p, view, q.Get("search"))
	if err != nil {
		handleError(w, r, a.log, err)
		return
	}
	name := string(view)
	if view == claims.ViewQueue {
		name = "queue"
	}
	writeJSON(w, http.StatusOK, listClaimsResponse{Items: items, View: name, AsOf: time.Now().UTC()})
}

func (a *API) submitClaim(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	form, err := a.parseMultipart(w, r, workflow.MaxDocuments)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	defer form.RemoveAll()

	sub, err := submissionFromForm(form)
	if err != nil {
		handleError(w, r, a.log, err)
		return
	}
	c, err := a.claims.Submit(r.Context(), p, sub, uploadsFromForm(form, "documents"))
	if err != nil {
		handleError(w, r, a.log, err)
		return
	}
	w.Header().Set("Location", "/v1/claims/"+c.ID)
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) quote(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	hours, err := strconv.ParseFloat(strings.TrimSpace(r.URL.Query().Get("hours")), 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "hours must be a number")
		return
	}
	q, err := a.claims.Quote(r.Context(), p, hours)
	if err != nil {
		handleError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (a *API) getClaim(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	c, err := a.claims.Claim(r.Context(), p, r.PathValue("id"))
	if err != nil {
		handleError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) transition(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	target, err := claims.ParseStatus(req.Status)
	if err != nil {
		handleError(w, r, a.log, err)
		return
	}
	c, err := a.claims.Transition(r.Context(), p, r.PathValue("id"), target)
	if err != nil {
		handleError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) attachDocument(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	form, err := a.parseMultipart(w, r, 1)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	defer form.RemoveAll()

	uploads := uploadsFromForm(form, "document")
	if len(uploads) != 1 {
		writeError(w, r, http.StatusBadRequest, "exactly one document is required")
		return
	}
	doc, err := a.claims.Attach(r.Context(), p, r.PathValue("id"), uploads[0])
	if err != nil {
		handleError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (a *API) invoice(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	inv, err := a.claims.Invoice(r.Context(), p, r.PathValue("id"))
	if err != nil {
		handleError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (a *API) downloadDocument(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	payload, err := a.claims.Retrieve(r.Context(), p, r.PathValue("id"))
	if err != nil {
		handleError(w, r, a.log, err)
		return
	}
	ct := payload.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(payload.Data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": payload.Name}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload.Data)
}

// parseMultipart bounds the body to files uploads of the configured size plus
// room for form fields.
func (a *API) parseMultipart(w http.ResponseWriter, r *http.Request, files int) (*multipart.Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(files)*a.maxUpload+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, errors.New("request body too large")
		}
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, errors.New("expected multipart/form-data")
		}
		return nil, err
	}
	return r.MultipartForm, nil
}

func submissionFromForm(form *multipart.Form) (claims.Submission, error) {
	field := func(name string) string {
		if v := form.Value[name]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}
	sub := claims.Submission{
		Subject: field("subject"),
		Notes:   field("notes"),
	}
	hours, err := strconv.ParseFloat(field("hours_worked"), 64)
	if err != nil {
		return claims.Submission{}, claims.Invalid("hours_worked", "must be a number")
	}
	sub.HoursWorked = hours
	if raw := field("claim_date"); raw != "" {
		d, err := parseDate(raw)
		if err != nil {
			return claims.Submission{}, claims.Invalid("claim_date", "use YYYY-MM-DD or RFC 3339")
		}
		sub.ClaimDate = d
	}
	return sub, nil
}

func parseDate(raw string) (time.Time, error) {
	if d, err := time.Parse(time.DateOnly, raw); err == nil {
		return d, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func uploadsFromForm(form *multipart.Form, field string) []workflow.Upload {
	files := form.File[field]
	out := make([]workflow.Upload, 0, len(files))
	for _, fh := range files {
		fh := fh
		out = append(out, workflow.Upload{
			Name: fh.Filename,
			Size: fh.Size,
			Open: func() (io.ReadCloser, error) { return fh.Open() },
		})
	}
	return out
}
