package boundary

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/renderstack/render-sentinel/internal/metrics"
	"github.com/renderstack/render-sentinel/internal/models"
)

// State describes a boundary's position in its containment state machine.
type State int

const (
	// Healthy boundaries render their wrapped subtree normally.
	Healthy State = iota
	// Degraded boundaries render the fallback instead of the subtree.
	Degraded
	// Recovering boundaries re-attempt the subtree on the next render pass.
	Recovering
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Recovering:
		return "recovering"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RenderFunc produces the wrapped subtree's output. A panic or a returned
// error is a fault for the enclosing boundary.
type RenderFunc func() (string, error)

// FallbackFunc produces the degraded view shown in place of a failed
// subtree. It runs outside the boundary's interception scope: a faulty
// fallback must not be able to mask its own failures forever.
type FallbackFunc func(err error) string

// Classifier turns captured faults into transmittable reports.
type Classifier interface {
	Classify(fault models.FaultRecord, severity models.Severity) (models.ReportRecord, bool)
}

// Sink accepts classified reports. Satisfied by *queue.Queue.
type Sink interface {
	Enqueue(report models.ReportRecord)
}

// Option configures a Boundary.
type Option func(*Boundary)

// Recoverable marks the boundary's catches as recoverable instead of fatal.
func Recoverable() Option {
	return func(b *Boundary) { b.recoverable = true }
}

// WithFallback overrides the default degraded view.
func WithFallback(f FallbackFunc) Option {
	return func(b *Boundary) {
		if f != nil {
			b.fallback = f
		}
	}
}

// WithScope threads a shared ancestor-chain tracker through the boundary so
// captured faults carry the active boundary stack.
func WithScope(scope *Scope) Option {
	return func(b *Boundary) { b.scope = scope }
}

// Boundary isolates failures raised while rendering the subtree it wraps.
// It owns its state exclusively; nesting works by construction because the
// innermost Render call recovers first.
type Boundary struct {
	id          string
	classifier  Classifier
	sink        Sink
	fallback    FallbackFunc
	scope       *Scope
	recoverable bool
	logger      *slog.Logger
	now         func() time.Time

	mu          sync.Mutex
	state       State
	lastErr     error
	fingerprint uint64
}

// New constructs a boundary identified by id. Classifier and sink are
// required; a nil fallback gets a plain degraded-view default.
func New(id string, classifier Classifier, sink Sink, logger *slog.Logger, opts ...Option) *Boundary {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Boundary{
		id:         id,
		classifier: classifier,
		sink:       sink,
		logger:     logger,
		now:        time.Now,
		fallback: func(err error) string {
			return fmt.Sprintf("[%s unavailable: %v]", id, err)
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Render runs the wrapped subtree, intercepting any synchronous fault. A
// degraded boundary returns the fallback without touching the subtree; the
// fault may have left it inconsistent, so its prior output is discarded.
// Fallback rendering happens outside the interception scope and propagates
// to the nearest enclosing boundary if it faults itself.
func (b *Boundary) Render(render RenderFunc) string {
	b.mu.Lock()
	state := b.state
	lastErr := b.lastErr
	b.mu.Unlock()

	if state == Degraded {
		return b.fallback(lastErr)
	}

	out, stack, err := b.renderContained(render)
	if err != nil {
		b.OnFault(err, stack)
		b.mu.Lock()
		lastErr = b.lastErr
		b.mu.Unlock()
		return b.fallback(lastErr)
	}

	if state == Recovering {
		b.mu.Lock()
		b.state = Healthy
		b.lastErr = nil
		b.fingerprint = 0
		b.mu.Unlock()
		b.logger.Info("boundary recovered", slog.String("boundary", b.id))
	}
	return out
}

// OnFault records an intercepted fault and flips the boundary to Degraded.
// Exposed for render hosts that do their own interception.
func (b *Boundary) OnFault(err error, stack []string) {
	fault := models.FaultRecord{
		Err:        err,
		Boundary:   b.id,
		Stack:      stack,
		CapturedAt: b.now(),
	}

	severity := models.SeverityFatal
	if b.recoverable {
		severity = models.SeverityRecoverable
	}

	var fp uint64
	if b.classifier != nil {
		if report, keep := b.classifier.Classify(fault, severity); keep {
			fp = report.Fingerprint
			if b.sink != nil {
				b.sink.Enqueue(report)
			}
		}
	}

	b.mu.Lock()
	b.state = Degraded
	b.lastErr = err
	b.fingerprint = fp
	b.mu.Unlock()

	metrics.IncBoundaryFault(b.id)
	b.logger.Error("fault contained",
		slog.String("boundary", b.id), slog.Any("error", err))
}

// ID returns the boundary's identifier.
func (b *Boundary) ID() string {
	return b.id
}

// State returns the boundary's current containment state.
func (b *Boundary) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Fingerprint returns the report fingerprint the boundary degraded on, or
// zero when healthy or when sampling dropped the report.
func (b *Boundary) Fingerprint() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fingerprint
}

// Reset moves a degraded boundary to Recovering so the next render pass
// re-attempts the subtree. Recovery is always an explicit external signal; a
// fault recurring immediately after reset is caught and reported again under
// the same fingerprint.
func (b *Boundary) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Degraded {
		b.state = Recovering
	}
}

// renderContained invokes the subtree under this boundary's interception
// scope, converting panics to errors and snapshotting the active ancestor
// chain at fault time.
func (b *Boundary) renderContained(render RenderFunc) (out string, stack []string, err error) {
	if b.scope != nil {
		b.scope.push(b.id)
		defer b.scope.pop()
	}
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
			stack = b.stackSnapshot()
		}
	}()

	out, err = render()
	if err != nil {
		stack = b.stackSnapshot()
	}
	return out, stack, err
}

func (b *Boundary) stackSnapshot() []string {
	if b.scope == nil {
		return []string{b.id}
	}
	return b.scope.Snapshot()
}

// panicError adapts a recovered panic value to the fault contract, keeping
// the panic value's type visible to fingerprinting.
type panicError struct {
	value any
}

func newPanicError(value any) *panicError {
	return &panicError{value: value}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// FaultKind tags the fault with the panic value's type so distinct panic
// classes get distinct fingerprints.
func (e *panicError) FaultKind() string {
	if err, ok := e.value.(error); ok {
		return fmt.Sprintf("panic:%T", err)
	}
	return fmt.Sprintf("panic:%T", e.value)
}
