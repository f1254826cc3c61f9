// Package telemetry wires the reporting subsystem together behind an
// explicit lifecycle: Init builds the session, queue, classifier and
// delivery client and starts the delivery loop; Close stops the loop and
// runs a best-effort final flush. There is no package-level state and no
// import-time side effect; the returned Handle owns everything.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/renderstack/render-sentinel/internal/boundary"
	"github.com/renderstack/render-sentinel/internal/classify"
	"github.com/renderstack/render-sentinel/internal/config"
	"github.com/renderstack/render-sentinel/internal/delivery"
	"github.com/renderstack/render-sentinel/internal/metrics"
	"github.com/renderstack/render-sentinel/internal/queue"
)

// Handle owns the running reporting subsystem.
type Handle struct {
	cfg        *config.Config
	logger     *slog.Logger
	queue      *queue.Queue
	classifier *classify.Classifier
	client     *delivery.Client
	scope      *boundary.Scope

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Init validates the configuration, registers metrics collectors and starts
// the delivery loop. The caller must Close the handle at shutdown.
func Init(cfg *config.Config, logger *slog.Logger) (*Handle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	q := queue.New(cfg.Queue.MaxSize)
	classifier := classify.New(cfg.Session, logger)

	client, err := delivery.New(cfg.Aggregator, cfg.Session, cfg.Delivery, q, logger)
	if err != nil {
		return nil, fmt.Errorf("build delivery client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		cfg:        cfg,
		logger:     logger,
		queue:      q,
		classifier: classifier,
		client:     client,
		scope:      boundary.NewScope(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		client.Run(ctx)
	}()

	logger.Info("telemetry initialised",
		slog.String("environment", cfg.Session.Environment),
		slog.String("release", cfg.Session.Release),
		slog.String("aggregator", cfg.Aggregator.Endpoint))
	return h, nil
}

// NewBoundary builds a containment boundary wired to this handle's
// classifier, queue and shared render scope.
func (h *Handle) NewBoundary(id string, opts ...boundary.Option) *boundary.Boundary {
	wired := append([]boundary.Option{boundary.WithScope(h.scope)}, opts...)
	return boundary.New(id, h.classifier, h.queue, h.logger, wired...)
}

// Pending returns the number of distinct fault fingerprints awaiting delivery.
func (h *Handle) Pending() int {
	return h.queue.Len()
}

// Close stops the delivery loop and attempts one final flush bounded by the
// configured shutdown timeout. Flush failures are swallowed; shutdown never
// blocks on a dead aggregator. Idempotent.
func (h *Handle) Close(ctx context.Context) {
	h.closeOnce.Do(func() {
		h.cancel()
		<-h.done

		if ctx == nil {
			ctx = context.Background()
		}
		flushCtx, cancel := context.WithTimeout(ctx, h.cfg.Delivery.ShutdownTimeout)
		defer cancel()
		h.client.Flush(flushCtx)

		h.logger.Info("telemetry stopped", slog.Int("unsent", h.queue.Len()))
	})
}
