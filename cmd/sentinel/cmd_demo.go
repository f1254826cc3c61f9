package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/renderstack/render-sentinel/internal/boundary"
	"github.com/renderstack/render-sentinel/internal/config"
	"github.com/renderstack/render-sentinel/internal/telemetry"
	"github.com/renderstack/render-sentinel/internal/utils"
)

var (
	demoConfigPath  string
	demoFailRate    float64
	demoRenderEvery time.Duration
	demoResetAfter  time.Duration
	demoMetricsAddr string
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a simulated render host exercising the reporting pipeline",
	Long: `Renders a small fake page tree on an interval. One component is flaky and
faults at the configured rate; its boundary degrades, reports the fault and
is reset after a fixed delay to simulate a user retry. Pair with the
mock-aggregator subcommand to watch batches arrive.`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().StringVar(&demoConfigPath, "config", "", "Path to configuration file")
	demoCmd.Flags().Float64Var(&demoFailRate, "fail-rate", 0.2, "Probability that the flaky component faults per render")
	demoCmd.Flags().DurationVar(&demoRenderEvery, "render-every", time.Second, "Render pass interval")
	demoCmd.Flags().DurationVar(&demoResetAfter, "reset-after", 5*time.Second, "Delay before a degraded boundary is reset")
	demoCmd.Flags().StringVar(&demoMetricsAddr, "metrics-address", ":2112", "Prometheus metrics listen address (empty to disable)")
}

func runDemo(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(demoConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)

	handle, err := telemetry.Init(cfg, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if demoMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:         demoMetricsAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("address", demoMetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return metricsServer.Close()
		})
	}

	g.Go(func() error {
		runRenderLoop(gctx, logger, handle)
		return nil
	})

	err = g.Wait()
	handle.Close(context.Background())
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// runRenderLoop simulates the interactive client: an app shell wrapping two
// page panels, each behind its own containment boundary. The episode panel
// is flaky; its faults degrade only its own boundary while the rest of the
// page keeps rendering.
func runRenderLoop(ctx context.Context, logger *slog.Logger, handle *telemetry.Handle) {
	shell := handle.NewBoundary("app-shell")
	episodes := handle.NewBoundary("episode-list", boundary.Recoverable())
	characters := handle.NewBoundary("character-panel")

	degradedSince := map[*boundary.Boundary]time.Time{}
	panels := []*boundary.Boundary{episodes, characters}

	ticker := time.NewTicker(demoRenderEvery)
	defer ticker.Stop()

	for pass := 1; ; pass++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		page := shell.Render(func() (string, error) {
			left := episodes.Render(renderEpisodePanel)
			right := characters.Render(renderCharacterPanel)
			return left + " | " + right, nil
		})

		logger.Debug("render pass", slog.Int("pass", pass), slog.String("page", page))

		now := time.Now()
		for _, panel := range panels {
			switch panel.State() {
			case boundary.Degraded:
				since, seen := degradedSince[panel]
				if !seen {
					degradedSince[panel] = now
				} else if now.Sub(since) >= demoResetAfter {
					panel.Reset()
					delete(degradedSince, panel)
					logger.Info("boundary reset", slog.String("boundary", panel.ID()))
				}
			default:
				delete(degradedSince, panel)
			}
		}
	}
}

var errEpisodeFetch = errors.New("episode fetch failed: upstream query error")

func renderEpisodePanel() (string, error) {
	if rand.Float64() < demoFailRate {
		if rand.Intn(3) == 0 {
			panic("episode template exploded")
		}
		return "", errEpisodeFetch
	}
	return "episodes[1..20]", nil
}

func renderCharacterPanel() (string, error) {
	return "characters[rick,morty]", nil
}
