package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/renderstack/render-sentinel/internal/utils"
)

var (
	mockAddr      string
	mockFailEvery int
)

var mockAggregatorCmd = &cobra.Command{
	Use:   "mock-aggregator",
	Short: "Run a local aggregator endpoint for development",
	Long: `Accepts report batches on POST /api/v1/reports and logs what arrives.
Use --fail-every to reject every Nth batch with a 503, which exercises the
delivery client's requeue and circuit-breaker paths.`,
	RunE: runMockAggregator,
}

func init() {
	mockAggregatorCmd.Flags().StringVar(&mockAddr, "address", ":8081", "Listen address")
	mockAggregatorCmd.Flags().IntVar(&mockFailEvery, "fail-every", 0, "Reject every Nth batch (0 disables failure injection)")
}

type ingestBatch struct {
	Environment string `json:"environment"`
	Release     string `json:"release"`
	Reports     []struct {
		Fingerprint string    `json:"fingerprint"`
		Kind        string    `json:"kind"`
		Message     string    `json:"message"`
		Severity    string    `json:"severity"`
		Count       int       `json:"count"`
		FirstSeen   time.Time `json:"first_seen"`
		LastSeen    time.Time `json:"last_seen"`
		Boundary    string    `json:"boundary"`
	} `json:"reports"`
}

func runMockAggregator(cmd *cobra.Command, _ []string) error {
	logger := utils.NewLogger("info", false)

	var received atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/v1/reports", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		n := received.Add(1)
		if mockFailEvery > 0 && n%int64(mockFailEvery) == 0 {
			logger.Warn("injected failure", slog.Int64("batch", n))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		var batch ingestBatch
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			logger.Warn("bad batch payload", slog.Any("error", err))
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		for _, report := range batch.Reports {
			logger.Info("report received",
				slog.String("fingerprint", report.Fingerprint),
				slog.String("kind", report.Kind),
				slog.String("boundary", report.Boundary),
				slog.String("severity", report.Severity),
				slog.Int("count", report.Count))
		}
		w.WriteHeader(http.StatusAccepted)
	})

	srv := &http.Server{
		Addr:         mockAddr,
		Handler:      logRequests(logger, mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logger.Info("mock aggregator listening", slog.String("address", mockAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rw.status),
			slog.Duration("elapsed", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
