package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mindloop/internal/types"
	"mindloop/internal/webhook"
)

var listenAddr string

// serveCmd runs the long-lived runtime: webhook listener, nudge scheduler,
// and the metrics endpoint.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook listener, nudge scheduler, and metrics endpoint",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8486", "HTTP listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if rt.watcher != nil {
		if err := rt.watcher.Start(ctx); err != nil {
			logger.Warn("Safety rule watcher failed to start", zap.Error(err))
		} else {
			defer rt.watcher.Stop()
		}
	}

	registerDefaultTriggers(rt)
	rt.webhooks.Start(ctx)
	defer rt.webhooks.Stop()

	if n, err := rt.nudges.Restore(); err != nil {
		logger.Warn("Could not restore drained nudges", zap.Error(err))
	} else if n > 0 {
		logger.Info("Restored drained nudges", zap.Int("count", n))
	}
	rt.nudges.Start(ctx)
	defer rt.nudges.Stop()

	go runRetentionSweep(ctx, rt)

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", rt.handleWebhook)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", rt.metrics.Handler())

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mindloop serving", zap.String("addr", listenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	return nil
}

// registerDefaultTriggers maps task lifecycle events to proactive
// check-ins. The payload names the user and task; events without both
// are recorded but fire nothing.
func registerDefaultTriggers(rt *app) {
	extract := func(ev *types.WebhookEvent) (string, string, bool) {
		var p struct {
			UserID string `json:"user_id"`
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.UserID == "" || p.TaskID == "" {
			return "", "", false
		}
		return p.UserID, p.TaskID, true
	}
	rt.webhooks.AddTrigger("task.due", "", extract)
	rt.webhooks.AddTrigger("task.stalled", "", extract)
}

// runRetentionSweep deletes whole trace records past the retention
// threshold, once at startup and then daily.
func runRetentionSweep(ctx context.Context, rt *app) {
	days := rt.cfg.Store.RetentionDays
	if days <= 0 {
		return
	}

	sweep := func() {
		if n, err := rt.store.Prune(days); err != nil {
			logger.Warn("Retention sweep failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("Retention sweep", zap.Int64("deleted", n), zap.Int("days", days))
		}
	}
	sweep()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// handleWebhook adapts one HTTP delivery to the webhook router.
func (rt *app) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	// The router matches headers by exact name, so copy the configured ones
	// rather than relying on net/http's canonicalization.
	headers := map[string]string{
		rt.cfg.Webhook.SignatureHeader:  r.Header.Get(rt.cfg.Webhook.SignatureHeader),
		rt.cfg.Webhook.DeliveryIDHeader: r.Header.Get(rt.cfg.Webhook.DeliveryIDHeader),
		rt.cfg.Webhook.EventTypeHeader:  r.Header.Get(rt.cfg.Webhook.EventTypeHeader),
		"User-Agent":                    r.UserAgent(),
	}

	res := rt.webhooks.Process(r.Context(), body, headers)

	w.Header().Set("Content-Type", "application/json")
	if res.Status == webhook.StatusRateLimited {
		secs := int(res.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.WriteHeader(httpStatusFor(res.Status))
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         string(res.Status),
		"delivery_id":    res.DeliveryID,
		"handlers_run":   res.HandlersRun,
		"handler_errors": res.HandlerErrors,
		"actions_fired":  res.ActionsFired,
		"duration_ms":    res.Duration.Milliseconds(),
	})
}

func httpStatusFor(s webhook.Status) int {
	switch s {
	case webhook.StatusProcessed, webhook.StatusAlreadyProcessed:
		return http.StatusOK
	case webhook.StatusUnauthorized:
		return http.StatusUnauthorized
	case webhook.StatusBadRequest:
		return http.StatusBadRequest
	case webhook.StatusRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
