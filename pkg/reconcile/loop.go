// Package reconcile drives the level-triggered reconciliation loop: it
// snapshots the dependency registry, synthesizes configuration, pushes it
// through the admission gate and the workload controller, observes health
// and publishes facts once the workload is active. Every external event
// funnels into the same trigger entry point; passes run strictly one at a
// time and errors degrade to a reported status instead of propagating.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rangerd/rangerd/pkg/gate"
	"github.com/rangerd/rangerd/pkg/options"
	"github.com/rangerd/rangerd/pkg/publish"
	"github.com/rangerd/rangerd/pkg/registry"
	"github.com/rangerd/rangerd/pkg/synth"
	"github.com/rangerd/rangerd/pkg/telemetry"
	"github.com/rangerd/rangerd/pkg/workload"
)

// Trigger reasons callers map their event taxonomy onto.
const (
	TriggerStartup           = "startup"
	TriggerDependencyChanged = "dependency-changed"
	TriggerConfigChanged     = "config-changed"
	TriggerPeriodic          = "periodic"
)

// Synthesizer renders a bundle from a snapshot.
type Synthesizer interface {
	Synthesize(snap registry.Snapshot, opts options.StaticOptions) (synth.Bundle, error)
}

// Applier converges the workload onto a bundle and observes its health.
type Applier interface {
	Apply(ctx context.Context, bundle synth.Bundle) (workload.ApplyResult, error)
	CheckHealth(ctx context.Context, bundle synth.Bundle) workload.Health
}

// Publisher delivers facts to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, snap registry.Snapshot, facts map[string]string) ([]publish.Result, error)
}

// Admitter evaluates a bundle before it is applied.
type Admitter interface {
	Admit(ctx context.Context, bundle synth.Bundle) (gate.Decision, error)
}

// Outcome is the result of one reconciliation pass.
type Outcome struct {
	// PassID identifies the pass in logs and history.
	PassID string `json:"pass_id"`

	// Trigger is the reason the pass ran.
	Trigger string `json:"trigger"`

	// Status is the externally reported status.
	Status Status `json:"status"`

	// Phase is the state machine position after the pass.
	Phase Phase `json:"phase"`

	// Mutated is true when the pass re-applied the bundle.
	Mutated bool `json:"mutated"`

	// Published is true when at least one consumer received new facts.
	Published bool `json:"published"`

	// Fingerprint is the bundle fingerprint in effect, when known.
	Fingerprint string `json:"fingerprint,omitempty"`

	// StartedAt is when the pass began.
	StartedAt time.Time `json:"started_at"`

	// Duration is how long the pass took.
	Duration time.Duration `json:"duration"`
}

// Config holds the loop collaborators.
type Config struct {
	// Registry is the dependency registry. Required.
	Registry *registry.Registry

	// Synthesizer renders bundles. Required.
	Synthesizer Synthesizer

	// Workload applies bundles and probes health. Required.
	Workload Applier

	// Publisher delivers facts when the workload is active. Optional.
	Publisher Publisher

	// Gate admits bundles before apply. Optional; nil admits everything.
	Gate Admitter

	// Options is the static configuration snapshot for this process.
	Options options.StaticOptions

	// PassTimeout bounds one pass. Defaults to Options.PassTimeoutDuration().
	PassTimeout time.Duration

	// Observer is called after every pass with its outcome. Optional.
	Observer func(Outcome)

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics

	// Tracer wraps each pass in a span with phase events. Optional.
	Tracer *telemetry.Tracer
}

// Loop owns reconciliation sequencing. It is the only writer of the
// reported status.
type Loop struct {
	registry    *registry.Registry
	synthesizer Synthesizer
	workload    Applier
	publisher   Publisher
	gate        Admitter
	opts        options.StaticOptions
	passTimeout time.Duration
	observer    func(Outcome)
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer

	// notify carries at most one pending trigger; extra triggers coalesce.
	notify chan string

	// passMu serializes passes.
	passMu sync.Mutex

	mu      sync.Mutex
	phase   Phase
	last    Outcome
	hasLast bool
}

// New creates a reconcile loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Synthesizer == nil {
		return nil, fmt.Errorf("synthesizer is required")
	}
	if cfg.Workload == nil {
		return nil, fmt.Errorf("workload controller is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	passTimeout := cfg.PassTimeout
	if passTimeout <= 0 {
		passTimeout = cfg.Options.PassTimeoutDuration()
	}

	return &Loop{
		registry:    cfg.Registry,
		synthesizer: cfg.Synthesizer,
		workload:    cfg.Workload,
		publisher:   cfg.Publisher,
		gate:        cfg.Gate,
		opts:        cfg.Options,
		passTimeout: passTimeout,
		observer:    cfg.Observer,
		logger:      logger.NewComponentLogger("reconcile"),
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		notify:      make(chan string, 1),
		phase:       PhaseBlocked,
	}, nil
}

// Trigger requests a reconciliation pass. It never blocks: while a pass is
// in flight at most one further pass is queued, no matter how many
// triggers arrive.
func (l *Loop) Trigger(reason string) {
	select {
	case l.notify <- reason:
	default:
		if l.metrics != nil {
			l.metrics.RecordTriggerCoalesced()
		}
		l.logger.WithTrigger(reason).Debug("trigger coalesced into pending pass")
	}
}

// Run executes queued passes until the context is done.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("reconcile loop running")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("reconcile loop stopped")
			return ctx.Err()
		case reason := <-l.notify:
			l.RunOnce(ctx, reason)
		}
	}
}

// RunOnce executes one full pass synchronously. Errors degrade into the
// outcome's status; RunOnce itself never fails.
func (l *Loop) RunOnce(ctx context.Context, reason string) Outcome {
	l.passMu.Lock()
	defer l.passMu.Unlock()

	passID := uuid.New().String()
	started := time.Now()
	logger := l.logger.WithPassID(passID).WithTrigger(reason)

	if l.metrics != nil {
		l.metrics.RecordPassStarted(reason)
	}
	logger.Debug("pass started")

	passCtx, cancel := context.WithTimeout(ctx, l.passTimeout)
	defer cancel()
	if l.tracer != nil {
		passCtx, _ = l.tracer.StartPassSpan(passCtx, passID, reason)
	}

	outcome := l.pass(passCtx, logger)
	outcome.PassID = passID
	outcome.Trigger = reason
	outcome.StartedAt = started
	outcome.Duration = time.Since(started)
	l.finishPassSpan(passCtx, outcome)

	l.mu.Lock()
	l.phase = outcome.Phase
	l.last = outcome
	l.hasLast = true
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.RecordPassCompleted(string(outcome.Status.Kind), outcome.Duration)
		if outcome.Status.Kind == StatusError {
			l.metrics.RecordError("reconcile")
		}
	}

	logger.WithFields(map[string]interface{}{
		"status":    string(outcome.Status.Kind),
		"phase":     string(outcome.Phase),
		"mutated":   outcome.Mutated,
		"published": outcome.Published,
		"duration":  outcome.Duration.String(),
	}).Info("pass completed")

	if l.observer != nil {
		l.observer(outcome)
	}
	return outcome
}

// Status returns the outcome of the most recent pass. Before the first
// pass it reports a blocked placeholder.
func (l *Loop) Status() Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.hasLast {
		return Outcome{
			Phase:  PhaseBlocked,
			Status: Blocked("no reconciliation pass has run yet"),
		}
	}
	return l.last
}

// Phase returns the current state machine position, including transient
// mid-pass phases.
func (l *Loop) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// pass runs the state machine once against a fresh snapshot.
func (l *Loop) pass(ctx context.Context, logger *telemetry.Logger) Outcome {
	snap := l.registry.Snapshot()

	if !snap.Satisfied() {
		l.setPhase(ctx, logger, PhaseBlocked)
		reason := fmt.Sprintf("missing mandatory dependency: %s", joinKinds(snap.MissingMandatory()))
		return Outcome{Phase: PhaseBlocked, Status: Blocked(reason)}
	}

	l.setPhase(ctx, logger, PhaseConfiguring)
	bundle, err := l.synthesizer.Synthesize(snap, l.opts)
	if err != nil {
		var cfgErr *synth.InvalidConfigurationError
		if errors.As(err, &cfgErr) {
			return Outcome{Phase: PhaseError, Status: Errored(cfgErr.Error())}
		}
		return Outcome{Phase: PhaseError, Status: Errored(fmt.Sprintf("synthesis failed: %v", err))}
	}

	if l.gate != nil {
		decision, err := l.gate.Admit(ctx, bundle)
		if err != nil {
			return l.failed(ctx, fmt.Sprintf("admission evaluation failed: %v", err))
		}
		for _, w := range decision.Warnings {
			logger.WithField("policy", w.Policy).Warn(w.Message)
		}
		if denial := decision.Denial(); denial != nil {
			cfgErr := &synth.InvalidConfigurationError{
				Field: "policy",
				Rule:  fmt.Sprintf("%s: %s", denial.Rule, denial.Message),
			}
			return Outcome{Phase: PhaseError, Status: Errored(cfgErr.Error())}
		}
	}

	l.setPhase(ctx, logger, PhaseStarting)
	result, err := l.workload.Apply(ctx, bundle)
	if err != nil {
		return l.failed(ctx, err.Error())
	}

	outcome := Outcome{
		Mutated:     result.Changed,
		Fingerprint: result.Fingerprint,
	}

	health := l.workload.CheckHealth(ctx, bundle)
	switch health.State {
	case workload.HealthHealthy:
		outcome.Phase = PhaseActive
		outcome.Status = Active()
	case workload.HealthUnhealthy:
		outcome.Phase = PhaseError
		outcome.Status = Errored(fmt.Sprintf("workload unhealthy: %s", health.Reason))
		return outcome
	default:
		// Indeterminate probes keep the pass in Starting; the next
		// trigger checks again.
		outcome.Phase = PhaseStarting
		outcome.Status = Maintenance("waiting for workload health")
		return outcome
	}

	if l.publisher != nil && len(bundle.Facts) > 0 {
		results, err := l.publisher.Publish(ctx, snap, bundle.Facts)
		if err != nil {
			outcome.Phase = PhaseError
			outcome.Status = Errored(fmt.Sprintf("publishing facts: %v", err))
			return outcome
		}
		for _, r := range results {
			if r.Written {
				outcome.Published = true
				break
			}
		}
	}

	return outcome
}

// failed builds the error outcome for an aborted step, distinguishing a
// pass that ran out of budget.
func (l *Loop) failed(ctx context.Context, detail string) Outcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Outcome{
			Phase:  PhaseError,
			Status: Errored(fmt.Sprintf("timeout: pass exceeded %s", l.passTimeout)),
		}
	}
	return Outcome{Phase: PhaseError, Status: Errored(detail)}
}

// setPhase publishes a transient phase so status readers can observe the
// pass progressing.
func (l *Loop) setPhase(ctx context.Context, logger *telemetry.Logger, phase Phase) {
	l.mu.Lock()
	previous := l.phase
	l.phase = phase
	l.mu.Unlock()

	if previous != phase {
		telemetry.AddPhaseEvent(telemetry.SpanFromContext(ctx), string(phase))
		logger.WithFields(map[string]interface{}{
			"from": string(previous),
			"to":   string(phase),
		}).Debug("phase transition")
	}
}

// finishPassSpan annotates and ends the pass span when tracing is on.
func (l *Loop) finishPassSpan(ctx context.Context, outcome Outcome) {
	if l.tracer == nil {
		return
	}
	span := telemetry.SpanFromContext(ctx)
	telemetry.SetAttributes(span,
		telemetry.AttrStatus.String(string(outcome.Status.Kind)),
		telemetry.AttrPhase.String(string(outcome.Phase)),
	)
	if outcome.Status.Kind == StatusError {
		telemetry.RecordError(span, errors.New(outcome.Status.Message))
	} else {
		telemetry.RecordSuccess(span)
	}
	span.End()
}

func joinKinds(kinds []registry.Kind) string {
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, string(k))
	}
	return strings.Join(names, ", ")
}
