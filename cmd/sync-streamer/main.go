package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/tasklane/platform/internal/app/realtime"
	"github.com/tasklane/platform/internal/contracts"
	"github.com/tasklane/platform/internal/platform/env"
	"github.com/tasklane/platform/internal/platform/metrics"
	"github.com/tasklane/platform/internal/platform/natsutil"
)

var updatesReceived = metrics.NewCounterVec(metrics.Opts{
	Name: "sync_updates_received_total",
	Help: "Update envelopes received from the stream, by outcome.",
}, []string{"outcome"})

var sseConnections *metrics.GaugeFunc

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	streamerAddr := env.String("SYNC_STREAMER_ADDR", env.DefaultStreamerAddr)
	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	registry := realtime.NewRegistry()
	sseConnections = metrics.NewGaugeFunc(metrics.Opts{
		Name: "sync_sse_connections",
		Help: "Currently open SSE connections.",
	}, func() float64 {
		return float64(registry.Total())
	})
	metrics.Default.MustRegister(updatesReceived, sseConnections)

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, env.Duration("NATS_CONNECT_TIMEOUT", 90*time.Second))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	// Every streamer instance sees every update; consumers are scoped by
	// user at broadcast time, not by queue group.
	sub, err := client.JS.Subscribe("task.update.>", func(msg *nats.Msg) {
		var envlp contracts.Envelope
		if err := json.Unmarshal(msg.Data, &envlp); err != nil {
			updatesReceived.WithLabelValues("invalid").Inc()
			return
		}
		if envlp.UserID == "" {
			updatesReceived.WithLabelValues("invalid").Inc()
			return
		}
		registry.Broadcast(envlp.UserID, envlp)
		updatesReceived.WithLabelValues("delivered").Inc()
	}, nats.DeliverNew())
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkStreamerReadiness(client.Conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
		}
		if userID == "" {
			http.Error(w, "user is required", http.StatusUnauthorized)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		updates, release := registry.Add(userID)
		defer release()

		fmt.Fprint(w, "event: connected\ndata: {}\n\n")
		flusher.Flush()

		heartbeat := time.NewTicker(25 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case envlp, ok := <-updates:
				if !ok {
					return
				}
				data, err := json.Marshal(envlp)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", envlp.EventType, data)
				flusher.Flush()
			}
		}
	})

	server := &http.Server{
		Addr:              streamerAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Keep WriteTimeout unset for long-lived SSE streams.
		IdleTimeout: 120 * time.Second,
	}

	fmt.Printf("Sync Streamer listening on %s\n", streamerAddr)
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
		log.Printf("sync-streamer graceful shutdown failed: %v", err)
	}
}

func checkStreamerReadiness(conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}
	return nil
}
