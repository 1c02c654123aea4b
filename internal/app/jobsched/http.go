package jobsched

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// HTTPInvoker POSTs a due job's payload back to its callback URL. Attempt
// bookkeeping travels in headers so the callee can distinguish the final
// delivery attempt.
func HTTPInvoker(client *http.Client) InvokeFunc {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context, job Job, attempt int, final bool) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.CallbackURL, bytes.NewReader(job.Payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Scheduler-Job-ID", job.ID)
		req.Header.Set("X-Scheduler-Attempt", strconv.Itoa(attempt))
		if final {
			req.Header.Set("X-Scheduler-Final-Attempt", "true")
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("callback returned status %d: %s", resp.StatusCode, msg)
		}
		return nil
	}
}

type Handler struct {
	Service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{Service: service}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/jobs", h.handleSchedule)
	r.Get("/api/v1/jobs/{name}", h.handleLookup)
	r.Delete("/api/v1/jobs/{name}", h.handleCancel)
	return r
}

func (h *Handler) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	job, err := h.Service.Schedule(req)
	if err != nil {
		switch {
		case errors.Is(err, ErrNameRequired),
			errors.Is(err, ErrCallbackRequired),
			errors.Is(err, ErrDueInPast),
			errors.Is(err, ErrRepeatsUnsupported):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "scheduled",
		"job_id": job.ID,
	})
}

func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	job, ok := h.Service.Lookup(chi.URLParam(r, "name"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(job)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !h.Service.Cancel(chi.URLParam(r, "name")) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
