package httpapi

import (
	"net/http"

	"claimdesk.org/internal/audit"
	"claimdesk.org/internal/auth"
)

type lecturerRequest struct {
	FullName   string  `json:"full_name"`
	Email      string  `json:"email"`
	Password   string  `json:"password"`
	HourlyRate float64 `json:"hourly_rate"`
}

func (a *API) listLecturers(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	users, err := a.auth.ListLecturers(r.Context(), p)
	if err != nil {
		handleError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users})
}

func (a *API) createLecturer(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req lecturerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.auth.CreateLecturer(r.Context(), p, auth.Account{
		FullName:   req.FullName,
		Email:      req.Email,
		Password:   req.Password,
		HourlyRate: req.HourlyRate,
	})
	if err != nil {
		handleError(w, r, a.log, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "lecturer.create", map[string]any{"lecturer_id": u.ID, "hourly_rate": u.HourlyRate})
	w.Header().Set("Location", "/v1/lecturers/"+u.ID)
	writeJSON(w, http.StatusCreated, u)
}

func (a *API) updateLecturer(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var upd auth.ProfileUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.auth.UpdateLecturer(r.Context(), p, r.PathValue("id"), upd)
	if err != nil {
		handleError(w, r, a.log, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "lecturer.update", map[string]any{"lecturer_id": u.ID, "hourly_rate": u.HourlyRate})
	writeJSON(w, http.StatusOK, u)
}

func (a *API) deleteLecturer(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := a.auth.DeleteLecturer(r.Context(), p, id); err != nil {
		handleError(w, r, a.log, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "lecturer.delete", map[string]any{"lecturer_id": id})
	w.WriteHeader(http.StatusNoContent)
}
