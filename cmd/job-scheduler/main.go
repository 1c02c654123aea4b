package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tasklane/platform/internal/app/jobsched"
	"github.com/tasklane/platform/internal/platform/env"
	"github.com/tasklane/platform/internal/platform/metrics"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := env.String("SCHEDULER_ADDR", env.DefaultSchedulerAddr)
	tick := env.Duration("SCHEDULER_TICK", time.Second)
	deadRetention := env.Duration("SCHEDULER_DEAD_RETENTION", time.Hour)
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	service := jobsched.NewService(jobsched.HTTPInvoker(nil))
	handler := jobsched.NewHandler(service)

	go service.Run(runCtx, tick)

	janitor := cron.New()
	if _, err := janitor.AddFunc("@every 5m", func() {
		if purged := service.PurgeDead(deadRetention); purged > 0 {
			log.Printf("janitor purged %d dead jobs", purged)
		}
	}); err != nil {
		log.Fatal(err)
	}
	janitor.Start()
	defer janitor.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	fmt.Printf("Job Scheduler listening on %s\n", addr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("job-scheduler graceful shutdown failed: %v", err)
	}
}
