package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tasklane/platform/internal/platform/env"
	"github.com/tasklane/platform/internal/platform/metrics"
)

type config struct {
	TaskAPIBase             string
	ReminderBase            string
	StreamerBase            string
	Users                   int
	StartupWait             time.Duration
	Duration                time.Duration
	RampUp                  time.Duration
	ActionsPerUserPerSecond float64
	RequestTimeout          time.Duration
	MetricsAddr             string
	EnableSSE               bool
}

type mutationResponse struct {
	TaskID string `json:"task_id"`
}

type reminderResponse struct {
	ReminderID string `json:"reminder_id"`
}

// trackedTask keeps the snapshot fields a mutation must repeat: the
// mutation API is stateless, so a completion that drops recurrence would
// strip it from the published event.
type trackedTask struct {
	ID         string
	Title      string
	Priority   string
	Recurrence string
	DueAt      time.Time
}

func (tk trackedTask) snapshot() map[string]any {
	task := map[string]any{
		"task_id":  tk.ID,
		"title":    tk.Title,
		"priority": tk.Priority,
		"due_at":   tk.DueAt,
	}
	if tk.Recurrence != "" {
		task["recurrence"] = tk.Recurrence
	}
	return task
}

type simulatedUser struct {
	Index  int
	UserID string

	mu    sync.Mutex
	tasks []trackedTask
}

type runner struct {
	cfg       config
	runID     string
	apiClient *http.Client
	sseClient *http.Client

	requestsSuccess atomic.Int64
	requestsError   atomic.Int64
	activeVUs       atomic.Int64
	activeSSE       atomic.Int64
}

var (
	requestsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "tasklane_loadgen_requests_total",
		Help: "Total HTTP requests sent by load generator.",
	}, []string{"endpoint", "method", "status", "outcome"})

	actionsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "tasklane_loadgen_actions_total",
		Help: "User actions executed by load generator.",
	}, []string{"action", "outcome"})

	virtualUsersGauge = metrics.NewGauge(metrics.Opts{
		Name: "tasklane_loadgen_virtual_users",
		Help: "Current number of active virtual users sending actions.",
	})

	sseConnectedUsersGauge = metrics.NewGauge(metrics.Opts{
		Name: "tasklane_loadgen_sse_connected_users",
		Help: "Current number of load-generated users with active SSE connections.",
	})
)

func init() {
	metrics.Default.MustRegister(requestsTotal, actionsTotal, virtualUsersGauge, sseConnectedUsersGauge)
}

func main() {
	cfg := loadConfig()
	if cfg.Users <= 0 {
		log.Fatal("LOADGEN_USERS must be > 0")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	go runMetricsServer(cfg.MetricsAddr)

	transport := &http.Transport{
		MaxIdleConns:        cfg.Users * 4,
		MaxIdleConnsPerHost: cfg.Users * 4,
		IdleConnTimeout:     90 * time.Second,
	}

	r := &runner{
		cfg:   cfg,
		runID: strconv.FormatInt(time.Now().UTC().UnixNano(), 10),
		apiClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		sseClient: &http.Client{
			Transport: transport,
		},
	}

	if err := r.waitForDependencies(ctx); err != nil {
		log.Fatalf("dependency readiness failed: %v", err)
	}

	users := make([]*simulatedUser, 0, cfg.Users)
	for i := 0; i < cfg.Users; i++ {
		users = append(users, &simulatedUser{
			Index:  i,
			UserID: fmt.Sprintf("load-%s-%04d", r.runID, i),
		})
	}
	log.Printf("load generator initialized: users=%d duration=%s sse=%v rate_per_user=%.2f req/s",
		len(users), cfg.Duration.String(), cfg.EnableSSE, cfg.ActionsPerUserPerSecond)

	go r.logProgress(ctx)

	var wg sync.WaitGroup
	for idx := range users {
		user := users[idx]
		wg.Add(1)
		go func(u *simulatedUser) {
			defer wg.Done()
			r.runUser(ctx, u)
		}(user)
	}

	<-ctx.Done()
	wg.Wait()

	log.Printf("load test complete: success_requests=%d error_requests=%d",
		r.requestsSuccess.Load(), r.requestsError.Load())
}

func loadConfig() config {
	return config{
		TaskAPIBase:             trimRightSlash(env.String("LOADGEN_TASK_API_BASE", "http://task-api:8080")),
		ReminderBase:            trimRightSlash(env.String("LOADGEN_REMINDER_BASE", "http://reminder-scheduler:8082")),
		StreamerBase:            trimRightSlash(env.String("LOADGEN_STREAMER_BASE", "http://sync-streamer:8084")),
		Users:                   env.Int("LOADGEN_USERS", 200),
		StartupWait:             env.Duration("LOADGEN_STARTUP_WAIT", 2*time.Minute),
		Duration:                env.Duration("LOADGEN_DURATION", 10*time.Minute),
		RampUp:                  env.Duration("LOADGEN_RAMP_UP", 30*time.Second),
		ActionsPerUserPerSecond: floatEnv("LOADGEN_ACTIONS_PER_USER_PER_SECOND", 0.3),
		RequestTimeout:          env.Duration("LOADGEN_REQUEST_TIMEOUT", 10*time.Second),
		MetricsAddr:             env.String("LOADGEN_METRICS_ADDR", ":9099"),
		EnableSSE:               boolEnv("LOADGEN_ENABLE_SSE", true),
	}
}

func (r *runner) waitForDependencies(ctx context.Context) error {
	wait := r.cfg.StartupWait
	if wait <= 0 {
		wait = 2 * time.Minute
	}

	if err := r.waitForHTTPStatus(ctx, r.cfg.TaskAPIBase+"/readyz", http.StatusOK, wait); err != nil {
		return fmt.Errorf("task-api not ready: %w", err)
	}
	if err := r.waitForHTTPStatus(ctx, r.cfg.ReminderBase+"/readyz", http.StatusOK, wait); err != nil {
		return fmt.Errorf("reminder-scheduler not ready: %w", err)
	}
	if r.cfg.EnableSSE {
		if err := r.waitForHTTPStatus(ctx, r.cfg.StreamerBase+"/readyz", http.StatusOK, wait); err != nil {
			return fmt.Errorf("sync-streamer not ready: %w", err)
		}
	}
	return nil
}

func (r *runner) waitForHTTPStatus(ctx context.Context, requestURL string, expectedStatus int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			lastErr = err
			time.Sleep(1200 * time.Millisecond)
			continue
		}
		resp, err := r.apiClient.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(1200 * time.Millisecond)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode == expectedStatus {
			return nil
		}
		lastErr = fmt.Errorf("status=%d", resp.StatusCode)
		time.Sleep(1200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout")
	}
	return lastErr
}

func (r *runner) runUser(ctx context.Context, user *simulatedUser) {
	if r.cfg.RampUp > 0 {
		delay := time.Duration((float64(r.cfg.RampUp) / float64(maxInt(r.cfg.Users, 1))) * float64(user.Index))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	if r.cfg.EnableSSE {
		go r.runSSELoop(ctx, user)
	}

	virtualUsersGauge.Inc()
	r.activeVUs.Add(1)
	defer virtualUsersGauge.Dec()
	defer r.activeVUs.Add(-1)

	interval := time.Second
	if r.cfg.ActionsPerUserPerSecond > 0 {
		interval = time.Duration(float64(time.Second) / r.cfg.ActionsPerUserPerSecond)
		if interval < 25*time.Millisecond {
			interval = 25 * time.Millisecond
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(user.Index*7)))
	initialJitter := time.Duration(rng.Int63n(int64(interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initialJitter):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAction(ctx, user, rng)
		}
	}
}

func (r *runner) runAction(ctx context.Context, user *simulatedUser, rng *rand.Rand) {
	task, hasTask := user.randomTask(rng)

	choice := rng.Float64()
	switch {
	case !hasTask || choice < 0.45:
		r.createTask(ctx, user, rng)
	case choice < 0.60:
		r.updateTask(ctx, user, rng, task)
	case choice < 0.75:
		r.completeTask(ctx, user, task)
	case choice < 0.90:
		r.createReminder(ctx, user, rng, task.ID)
	default:
		r.deleteTask(ctx, user, task.ID)
	}
}

func (r *runner) createTask(ctx context.Context, user *simulatedUser, rng *rand.Rand) {
	task := trackedTask{
		Title:    fmt.Sprintf("Load Task %d", rng.Intn(1_000_000)),
		Priority: []string{"low", "medium", "high"}[rng.Intn(3)],
		DueAt:    time.Now().UTC().Add(time.Duration(1+rng.Intn(72)) * time.Hour),
	}
	// A slice of tasks recur so the recurrence engine sees traffic.
	if rng.Float64() < 0.2 {
		task.Recurrence = []string{"daily", "weekly", "monthly"}[rng.Intn(3)]
	}

	var resp mutationResponse
	_, err := r.requestJSON(ctx, user, "mutation_create", http.MethodPost, r.cfg.TaskAPIBase+"/api/v1/mutations", map[string]any{
		"action": "create-task",
		"task":   task.snapshot(),
	}, &resp, http.StatusAccepted)
	if err != nil {
		actionsTotal.WithLabelValues("create", "error").Inc()
		return
	}
	if strings.TrimSpace(resp.TaskID) != "" {
		task.ID = resp.TaskID
		user.addTask(task)
	}
	actionsTotal.WithLabelValues("create", "success").Inc()
}

func (r *runner) updateTask(ctx context.Context, user *simulatedUser, rng *rand.Rand, task trackedTask) {
	if strings.TrimSpace(task.ID) == "" {
		r.createTask(ctx, user, rng)
		return
	}

	task.Title = fmt.Sprintf("Updated Load Task %d", rng.Intn(1_000_000))
	_, err := r.requestJSON(ctx, user, "mutation_update", http.MethodPost, r.cfg.TaskAPIBase+"/api/v1/mutations", map[string]any{
		"action": "update-task",
		"task":   task.snapshot(),
	}, nil, http.StatusAccepted)
	if err != nil {
		actionsTotal.WithLabelValues("update", "error").Inc()
		return
	}
	user.replaceTask(task)
	actionsTotal.WithLabelValues("update", "success").Inc()
}

func (r *runner) completeTask(ctx context.Context, user *simulatedUser, task trackedTask) {
	if strings.TrimSpace(task.ID) == "" {
		actionsTotal.WithLabelValues("complete", "error").Inc()
		return
	}

	_, err := r.requestJSON(ctx, user, "mutation_complete", http.MethodPost, r.cfg.TaskAPIBase+"/api/v1/mutations", map[string]any{
		"action": "complete-task",
		"task":   task.snapshot(),
	}, nil, http.StatusAccepted)
	if err != nil {
		actionsTotal.WithLabelValues("complete", "error").Inc()
		return
	}
	user.removeTask(task.ID)
	actionsTotal.WithLabelValues("complete", "success").Inc()
}

func (r *runner) createReminder(ctx context.Context, user *simulatedUser, rng *rand.Rand, taskID string) {
	if strings.TrimSpace(taskID) == "" {
		actionsTotal.WithLabelValues("reminder", "error").Inc()
		return
	}

	var resp reminderResponse
	_, err := r.requestJSON(ctx, user, "reminder_create", http.MethodPost, r.cfg.ReminderBase+"/api/v1/reminders", map[string]any{
		"task_id":   taskID,
		"title":     fmt.Sprintf("Load Reminder %d", rng.Intn(1_000_000)),
		"remind_at": time.Now().UTC().Add(time.Duration(5+rng.Intn(55)) * time.Second),
	}, &resp, http.StatusCreated)
	if err != nil {
		actionsTotal.WithLabelValues("reminder", "error").Inc()
		return
	}
	actionsTotal.WithLabelValues("reminder", "success").Inc()
}

func (r *runner) deleteTask(ctx context.Context, user *simulatedUser, taskID string) {
	if strings.TrimSpace(taskID) == "" {
		actionsTotal.WithLabelValues("delete", "error").Inc()
		return
	}

	_, err := r.requestJSON(ctx, user, "mutation_delete", http.MethodPost, r.cfg.TaskAPIBase+"/api/v1/mutations", map[string]any{
		"action": "delete-task",
		"task": map[string]any{
			"task_id": taskID,
		},
	}, nil, http.StatusAccepted)
	if err != nil {
		actionsTotal.WithLabelValues("delete", "error").Inc()
		return
	}
	user.removeTask(taskID)
	actionsTotal.WithLabelValues("delete", "success").Inc()
}

func (r *runner) runSSELoop(ctx context.Context, user *simulatedUser) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := r.connectAndReadSSE(ctx, user)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("sse reconnect user=%s err=%v", user.UserID, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(1200 * time.Millisecond):
		}
	}
}

func (r *runner) connectAndReadSSE(ctx context.Context, user *simulatedUser) error {
	sseURL := r.cfg.StreamerBase + "/events?user_id=" + url.QueryEscape(user.UserID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sseURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.sseClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues("events_stream_open", http.MethodGet, "0", "error").Inc()
		r.requestsError.Add(1)
		return err
	}
	defer resp.Body.Close()

	statusText := strconv.Itoa(resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		requestsTotal.WithLabelValues("events_stream_open", http.MethodGet, statusText, "error").Inc()
		r.requestsError.Add(1)
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected SSE status: %d", resp.StatusCode)
	}

	requestsTotal.WithLabelValues("events_stream_open", http.MethodGet, statusText, "success").Inc()
	r.requestsSuccess.Add(1)

	sseConnectedUsersGauge.Inc()
	r.activeSSE.Add(1)
	defer sseConnectedUsersGauge.Dec()
	defer r.activeSSE.Add(-1)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	return nil
}

func (r *runner) requestJSON(
	ctx context.Context,
	user *simulatedUser,
	endpoint, method, requestURL string,
	payload any,
	out any,
	expectedStatuses ...int,
) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-User-ID", user.UserID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.apiClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, method, "0", "error").Inc()
		r.requestsError.Add(1)
		return 0, err
	}
	defer resp.Body.Close()

	responseBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		requestsTotal.WithLabelValues(endpoint, method, strconv.Itoa(resp.StatusCode), "error").Inc()
		r.requestsError.Add(1)
		return resp.StatusCode, readErr
	}

	statusText := strconv.Itoa(resp.StatusCode)
	if isExpectedStatus(resp.StatusCode, expectedStatuses) {
		requestsTotal.WithLabelValues(endpoint, method, statusText, "success").Inc()
		r.requestsSuccess.Add(1)
		if out != nil && len(responseBody) > 0 {
			if err := json.Unmarshal(responseBody, out); err != nil {
				return resp.StatusCode, err
			}
		}
		return resp.StatusCode, nil
	}

	requestsTotal.WithLabelValues(endpoint, method, statusText, "error").Inc()
	r.requestsError.Add(1)
	return resp.StatusCode, fmt.Errorf("unexpected status=%d body=%s", resp.StatusCode, truncate(string(responseBody), 240))
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("progress: success_requests=%d error_requests=%d active_vus=%d active_sse=%d",
				r.requestsSuccess.Load(),
				r.requestsError.Load(),
				r.activeVUs.Load(),
				r.activeSSE.Load(),
			)
		}
	}
}

func runMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("load generator metrics endpoint listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("load generator metrics server failed: %v", err)
	}
}

func (u *simulatedUser) addTask(task trackedTask) {
	if strings.TrimSpace(task.ID) == "" {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tasks = append(u.tasks, task)
}

func (u *simulatedUser) randomTask(rng *rand.Rand) (trackedTask, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.tasks) == 0 {
		return trackedTask{}, false
	}
	return u.tasks[rng.Intn(len(u.tasks))], true
}

func (u *simulatedUser) replaceTask(task trackedTask) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for idx, existing := range u.tasks {
		if existing.ID == task.ID {
			u.tasks[idx] = task
			return
		}
	}
}

func (u *simulatedUser) removeTask(taskID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for idx, existing := range u.tasks {
		if existing.ID != taskID {
			continue
		}
		u.tasks[idx] = u.tasks[len(u.tasks)-1]
		u.tasks = u.tasks[:len(u.tasks)-1]
		return
	}
}

func trimRightSlash(v string) string {
	return strings.TrimRight(strings.TrimSpace(v), "/")
}

func isExpectedStatus(status int, expected []int) bool {
	for _, candidate := range expected {
		if status == candidate {
			return true
		}
	}
	return false
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func floatEnv(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func boolEnv(key string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
