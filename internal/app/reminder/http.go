package reminder

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	Service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{Service: service}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/reminders", h.handleCreate)
	r.Get("/api/v1/reminders/{reminderID}", h.handleGet)
	r.Patch("/api/v1/reminders/{reminderID}", h.handleUpdate)
	r.Delete("/api/v1/reminders/{reminderID}", h.handleCancel)

	// Inbound callback from the job scheduling service, at-least-once.
	r.Post("/internal/v1/jobs/due", h.handleDue)
	return r
}

func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rem, err := h.Service.Create(r.Context(), userID(r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rem)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	rem, err := h.Service.Get(r.Context(), userID(r), chi.URLParam(r, "reminderID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RemindAt time.Time `json:"remind_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rem, err := h.Service.Update(r.Context(), userID(r), chi.URLParam(r, "reminderID"), req.RemindAt)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Cancel(r.Context(), userID(r), chi.URLParam(r, "reminderID")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDue(w http.ResponseWriter, r *http.Request) {
	var payload DuePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid callback payload", http.StatusBadRequest)
		return
	}
	if payload.ReminderID == "" {
		http.Error(w, "reminder_id is required", http.StatusBadRequest)
		return
	}

	final := r.Header.Get("X-Scheduler-Final-Attempt") == "true"
	if err := h.Service.HandleDue(r.Context(), payload, final); err != nil {
		// Non-2xx makes the scheduler retry the callback.
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrNotPending):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrRemindAtPast), errors.Is(err, ErrTaskIDRequired):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrUserRequired):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
