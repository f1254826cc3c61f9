package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/renderstack/render-sentinel/internal/config"
	"github.com/renderstack/render-sentinel/internal/metrics"
	"github.com/renderstack/render-sentinel/internal/models"
	"github.com/renderstack/render-sentinel/internal/queue"
	"github.com/renderstack/render-sentinel/internal/utils"
)

// Client periodically drains the report queue and ships batches to the
// aggregator. It runs on a fixed interval rather than reacting to enqueue
// events, which bounds outbound call volume no matter how fast faults occur.
// Repeated consecutive failures open a circuit that suppresses sends for an
// exponentially growing cooldown, capped, then probes with a single batch.
type Client struct {
	endpoint   string
	session    config.SessionConfig
	cfg        config.DeliveryConfig
	queue      *queue.Queue
	httpClient *http.Client
	logger     *slog.Logger
	latencies  *utils.LatencyTracker

	consecutiveFailures int
	circuitOpen         bool
	cooldown            time.Duration
	reopenAt            time.Time

	now func() time.Time
}

// New constructs a delivery client. The queue is shared with the containment
// boundaries; the client only touches it through Drain and Merge.
func New(aggregator config.AggregatorConfig, session config.SessionConfig, cfg config.DeliveryConfig, q *queue.Queue, logger *slog.Logger) (*Client, error) {
	if aggregator.Endpoint == "" {
		return nil, fmt.Errorf("aggregator endpoint not configured")
	}
	if q == nil {
		return nil, fmt.Errorf("report queue is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: aggregator.Endpoint,
		session:  session,
		cfg:      cfg,
		queue:    q,
		httpClient: &http.Client{
			Timeout: aggregator.Timeout,
		},
		logger:    logger,
		latencies: utils.NewLatencyTracker(1024),
		now:       time.Now,
	}, nil
}

// Run drives delivery ticks until the context is cancelled. It never returns
// an error: aggregator trouble is absorbed by requeue and the circuit
// breaker, invisible to the host application.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick performs at most one delivery attempt. While the circuit is open and
// the cooldown has not elapsed, the queue is left untouched.
func (c *Client) Tick(ctx context.Context) {
	if c.circuitOpen && c.now().Before(c.reopenAt) {
		return
	}

	batch := c.queue.Drain(c.cfg.BatchSize)
	if len(batch) == 0 {
		return
	}

	start := c.now()
	err := c.send(ctx, batch)
	elapsed := c.now().Sub(start)

	if err != nil {
		c.onFailure(batch, elapsed, err)
		return
	}
	c.onSuccess(batch, elapsed)
}

// Flush attempts one best-effort final drain-and-send, used at shutdown.
// Failures are swallowed: observability must never block or crash the host.
func (c *Client) Flush(ctx context.Context) {
	for {
		batch := c.queue.Drain(c.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		if err := c.send(ctx, batch); err != nil {
			c.logger.Debug("final flush abandoned", slog.Any("error", err), slog.Int("pending", len(batch)))
			return
		}
		metrics.AddShipped(occurrences(batch))
	}
}

// CircuitOpen reports whether delivery attempts are currently suppressed.
func (c *Client) CircuitOpen() bool {
	return c.circuitOpen && c.now().Before(c.reopenAt)
}

func (c *Client) onSuccess(batch []models.QueueEntry, elapsed time.Duration) {
	if c.circuitOpen {
		c.logger.Info("delivery circuit closed", slog.Int("failures", c.consecutiveFailures))
	}
	c.circuitOpen = false
	c.consecutiveFailures = 0
	c.cooldown = 0
	metrics.SetCircuitOpen(false)
	metrics.ObserveDelivery(elapsed, metrics.OutcomeSuccess)
	metrics.AddShipped(occurrences(batch))

	c.latencies.Observe(elapsed)
	if count := c.latencies.Count(); count >= 20 && count%20 == 0 {
		c.logger.Info("delivery latency", slog.Duration("p95", c.latencies.Percentile(95)), slog.Int("samples", count))
	}
}

func (c *Client) onFailure(batch []models.QueueEntry, elapsed time.Duration, err error) {
	for _, entry := range batch {
		c.queue.Merge(entry)
	}
	c.consecutiveFailures++
	metrics.ObserveDelivery(elapsed, metrics.OutcomeError)

	switch {
	case c.circuitOpen:
		// Failed probe: extend the cooldown.
		c.cooldown *= 2
		if c.cooldown > c.cfg.BackoffMax {
			c.cooldown = c.cfg.BackoffMax
		}
		c.reopenAt = c.now().Add(c.cooldown)
		c.logger.Warn("delivery probe failed, extending cooldown",
			slog.Duration("cooldown", c.cooldown), slog.Any("error", err))
	case c.consecutiveFailures >= c.cfg.FailureThreshold:
		c.circuitOpen = true
		c.cooldown = c.cfg.BackoffInitial
		c.reopenAt = c.now().Add(c.cooldown)
		metrics.SetCircuitOpen(true)
		c.logger.Warn("delivery circuit opened",
			slog.Int("failures", c.consecutiveFailures),
			slog.Duration("cooldown", c.cooldown), slog.Any("error", err))
	default:
		c.logger.Warn("delivery failed, batch requeued",
			slog.Int("failures", c.consecutiveFailures),
			slog.Int("batch", len(batch)), slog.Any("error", err))
	}
}

func (c *Client) send(ctx context.Context, batch []models.QueueEntry) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("delivery client not initialised")
	}

	body, err := json.Marshal(newBatchPayload(c.session, batch))
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("aggregator returned %s", resp.Status)
	}
	return nil
}

func occurrences(batch []models.QueueEntry) int {
	total := 0
	for _, entry := range batch {
		total += entry.Count
	}
	return total
}

// batchPayload is the aggregator wire format: an ordered sequence of
// report-derived entries under the session identity.
type batchPayload struct {
	Environment string          `json:"environment"`
	Release     string          `json:"release"`
	Reports     []reportPayload `json:"reports"`
}

type reportPayload struct {
	Fingerprint string    `json:"fingerprint"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	Severity    string    `json:"severity"`
	Count       int       `json:"count"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Boundary    string    `json:"boundary"`
	Stack       []string  `json:"stack,omitempty"`
}

func newBatchPayload(session config.SessionConfig, batch []models.QueueEntry) batchPayload {
	reports := make([]reportPayload, 0, len(batch))
	for _, entry := range batch {
		reports = append(reports, reportPayload{
			Fingerprint: strconv.FormatUint(entry.Report.Fingerprint, 16),
			Kind:        entry.Report.Kind,
			Message:     entry.Report.Message,
			Severity:    string(entry.Report.Severity),
			Count:       entry.Count,
			FirstSeen:   entry.FirstSeen,
			LastSeen:    entry.LastSeen,
			Boundary:    entry.Report.Boundary,
			Stack:       entry.Report.Stack,
		})
	}
	return batchPayload{
		Environment: session.Environment,
		Release:     session.Release,
		Reports:     reports,
	}
}
