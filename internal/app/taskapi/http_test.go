package taskapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandleMutation_Accepted(t *testing.T) {
	svc := NewService(func(_ string, _ []byte) error { return nil }, ModeBestEffort)
	svc.NewID = func() string { return "task-1" }
	handler := NewHandler(svc)

	body := `{"action":"create-task","task":{"title":"Buy Milk"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mutations", strings.NewReader(body))
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()

	handler.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var resp MutationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if resp.TaskID != "task-1" || resp.CorrelationID == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleMutation_MissingUser(t *testing.T) {
	handler := NewHandler(NewService(func(_ string, _ []byte) error { return nil }, ModeBestEffort))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/mutations", strings.NewReader(`{"action":"create-task","task":{"title":"x"}}`))
	rec := httptest.NewRecorder()
	handler.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleMutation_BadBody(t *testing.T) {
	handler := NewHandler(NewService(func(_ string, _ []byte) error { return nil }, ModeBestEffort))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/mutations", strings.NewReader("{broken"))
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	handler.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
