package classify

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cespare/xxhash/v2"

	"github.com/renderstack/render-sentinel/internal/config"
	"github.com/renderstack/render-sentinel/internal/models"
)

// maxMessageLen bounds report messages so a pathological error string cannot
// bloat queue memory or the wire payload.
const maxMessageLen = 1024

// KindCarrier lets a fault value override the type-derived kind. The
// containment boundary uses it to tag recovered panics.
type KindCarrier interface {
	FaultKind() string
}

// Classifier maps raw fault records to transmittable reports. Pure with
// respect to its inputs plus the read-only session configuration.
type Classifier struct {
	session config.SessionConfig
	logger  *slog.Logger
}

// New constructs a Classifier bound to the process session.
func New(session config.SessionConfig, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{session: session, logger: logger}
}

// Classify builds a ReportRecord from a captured fault. The second return
// value is false when the deterministic sampler drops the fault. A defect
// inside classification itself must never reach the render path, so any
// internal panic degrades to a fallback fingerprint instead of propagating.
func (c *Classifier) Classify(fault models.FaultRecord, severity models.Severity) (report models.ReportRecord, keep bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("classification failed, using fallback fingerprint",
				slog.String("boundary", fault.Boundary), slog.Any("panic", r))
			report = c.fallbackReport(fault, severity)
			keep = true
		}
	}()

	kind := faultKind(fault.Err)
	fp := fingerprint(kind, firstFrame(fault.Stack), fault.Boundary)

	if !c.sampled(fp) {
		return models.ReportRecord{}, false
	}

	return models.ReportRecord{
		Fingerprint: fp,
		Kind:        kind,
		Message:     truncate(faultMessage(fault.Err), maxMessageLen),
		Severity:    severity,
		Environment: c.session.Environment,
		Release:     c.session.Release,
		Boundary:    fault.Boundary,
		Stack:       fault.Stack,
		CapturedAt:  fault.CapturedAt,
	}, true
}

// sampled draws the keep/drop decision from the fingerprint itself, so a
// given fault class is consistently in or out for the whole process lifetime
// rather than flickering per occurrence.
func (c *Classifier) sampled(fp uint64) bool {
	rate := c.session.SampleRate
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(fp >> (8 * i))
	}
	draw := float64(xxhash.Sum64(buf[:])>>11) / float64(uint64(1)<<53)
	return draw < rate
}

func (c *Classifier) fallbackReport(fault models.FaultRecord, severity models.Severity) models.ReportRecord {
	return models.ReportRecord{
		Fingerprint: fingerprint("classification_failure", "", fault.Boundary),
		Kind:        "classification_failure",
		Message:     "report classification failed",
		Severity:    severity,
		Environment: c.session.Environment,
		Release:     c.session.Release,
		Boundary:    fault.Boundary,
		CapturedAt:  fault.CapturedAt,
	}
}

// fingerprint hashes the normalized fault signature. Timestamps and
// occurrence counts are deliberately excluded so repeats collapse.
func fingerprint(kind, frame, boundary string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(kind)
	_, _ = h.WriteString("\n")
	_, _ = h.WriteString(frame)
	_, _ = h.WriteString("\n")
	_, _ = h.WriteString(boundary)
	return h.Sum64()
}

// faultKind normalizes a fault to a stable type name. Wrapped errors unwrap
// to the innermost cause so decoration added along the way does not split
// one defect into many fingerprints.
func faultKind(err error) string {
	if err == nil {
		return "unknown"
	}
	if carrier, ok := err.(KindCarrier); ok {
		return carrier.FaultKind()
	}
	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	if carrier, ok := inner.(KindCarrier); ok {
		return carrier.FaultKind()
	}
	return fmt.Sprintf("%T", inner)
}

func faultMessage(err error) string {
	if err == nil {
		return "unknown fault"
	}
	return err.Error()
}

func firstFrame(stack []string) string {
	if len(stack) == 0 {
		return ""
	}
	return stack[len(stack)-1]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
