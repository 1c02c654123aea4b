package taskapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

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
	r.Post("/api/v1/mutations", h.handleMutation)
	return r
}

func (h *Handler) handleMutation(w http.ResponseWriter, r *http.Request) {
	actor := Actor{UserID: strings.TrimSpace(r.Header.Get("X-User-ID"))}

	var req MutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := h.Service.Accept(actor, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrUserRequired):
			http.Error(w, err.Error(), http.StatusUnauthorized)
		case errors.Is(err, ErrTitleRequired),
			errors.Is(err, ErrTaskIDRequired),
			errors.Is(err, ErrUnsupportedAction),
			errors.Is(err, ErrInvalidRecurrence):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}
