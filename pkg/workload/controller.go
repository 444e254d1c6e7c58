// Package workload converges the managed Ranger service onto synthesized
// configuration bundles. The controller compares bundle fingerprints with
// the last applied one, writes rendered files and restarts the service
// through a pluggable transport, and probes service health without ever
// turning an indeterminate probe into a failure.
package workload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"time"

	"github.com/rangerd/rangerd/pkg/synth"
	"github.com/rangerd/rangerd/pkg/telemetry"
)

// configFileMode is used for every rendered file; bundles carry
// credentials.
const configFileMode = 0o640

// FingerprintStore persists the fingerprint of the last successfully
// applied bundle per service.
type FingerprintStore interface {
	// LoadFingerprint returns the stored fingerprint, or "" when no
	// bundle was applied yet.
	LoadFingerprint(ctx context.Context, service string) (string, error)

	// SaveFingerprint records the fingerprint of an applied bundle.
	SaveFingerprint(ctx context.Context, service, fingerprint string) error
}

// ApplyResult reports what an apply did.
type ApplyResult struct {
	// Changed is false when the bundle fingerprint matched the stored
	// one and nothing was written.
	Changed bool

	// Restarted is true when the service restart command was issued.
	Restarted bool

	// Fingerprint is the fingerprint now in effect.
	Fingerprint string
}

// ApplyError reports a failed apply. The stored fingerprint is left at
// its previous value so the next pass retries the full apply.
type ApplyError struct {
	Detail string
	Cause  error
}

func (e *ApplyError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("apply failed: %s", e.Detail)
	}
	return fmt.Sprintf("apply failed: %s: %v", e.Detail, e.Cause)
}

func (e *ApplyError) Unwrap() error {
	return e.Cause
}

// Config holds the controller dependencies.
type Config struct {
	// Transport performs writes and command execution. Required.
	Transport Transport

	// Store persists applied fingerprints. Required.
	Store FingerprintStore

	// Root is the directory rendered files are written under.
	Root string

	// Logger is the structured logger. A no-op logger is used when nil.
	Logger *telemetry.Logger

	// Metrics records apply and health check outcomes. Optional.
	Metrics *telemetry.Metrics

	// HTTPClient performs health probes. A client with ProbeTimeout is
	// built when nil.
	HTTPClient *http.Client

	// ProbeTimeout bounds a single HTTP health probe.
	ProbeTimeout time.Duration
}

// Controller applies bundles to the managed service and observes its
// health.
type Controller struct {
	transport  Transport
	store      FingerprintStore
	root       string
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	httpClient *http.Client
}

// NewController creates a workload controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("fingerprint store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	root := cfg.Root
	if root == "" {
		root = "/opt/ranger"
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: probeTimeout}
	}

	return &Controller{
		transport:  cfg.Transport,
		store:      cfg.Store,
		root:       root,
		logger:     logger.NewComponentLogger("workload"),
		metrics:    cfg.Metrics,
		httpClient: httpClient,
	}, nil
}

// Apply converges the service onto the bundle. An unchanged fingerprint
// is a no-op; otherwise every rendered file is written and the service is
// restarted before the new fingerprint is stored. Apply performs no
// retries of its own: a failed apply returns *ApplyError and leaves the
// stored fingerprint untouched, so the next pass runs the full apply
// again.
func (c *Controller) Apply(ctx context.Context, bundle synth.Bundle) (ApplyResult, error) {
	previous, err := c.store.LoadFingerprint(ctx, bundle.Service)
	if err != nil {
		c.recordApply("failed")
		return ApplyResult{}, &ApplyError{Detail: "loading stored fingerprint", Cause: err}
	}

	if previous == bundle.Fingerprint {
		c.logger.WithFields(map[string]interface{}{
			"service":     bundle.Service,
			"fingerprint": bundle.Fingerprint,
		}).Debug("bundle unchanged, skipping apply")
		c.recordApply("skipped")
		return ApplyResult{Changed: false, Fingerprint: previous}, nil
	}

	names := make([]string, 0, len(bundle.Files))
	for name := range bundle.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		target := path.Join(c.root, name)
		if err := c.transport.WriteFile(ctx, target, []byte(bundle.Files[name]), configFileMode); err != nil {
			c.recordApply("failed")
			return ApplyResult{}, &ApplyError{Detail: fmt.Sprintf("writing %s", name), Cause: err}
		}
	}

	if _, stderr, err := c.transport.Execute(ctx, "systemctl", "restart", bundle.Service); err != nil {
		c.recordApply("failed")
		detail := fmt.Sprintf("restarting %s", bundle.Service)
		if stderr != "" {
			detail = fmt.Sprintf("restarting %s: %s", bundle.Service, stderr)
		}
		return ApplyResult{}, &ApplyError{Detail: detail, Cause: err}
	}
	if c.metrics != nil {
		c.metrics.RecordRestart(bundle.Service)
	}

	if err := c.store.SaveFingerprint(ctx, bundle.Service, bundle.Fingerprint); err != nil {
		c.recordApply("failed")
		return ApplyResult{}, &ApplyError{Detail: "storing fingerprint", Cause: err}
	}

	c.logger.WithFields(map[string]interface{}{
		"service":     bundle.Service,
		"fingerprint": bundle.Fingerprint,
		"files":       len(names),
	}).Info("bundle applied")
	c.recordApply("applied")

	return ApplyResult{Changed: true, Restarted: true, Fingerprint: bundle.Fingerprint}, nil
}

// CheckHealth observes the service. Bundles carrying a health URL are
// probed over HTTP; the rest are checked through the service manager.
func (c *Controller) CheckHealth(ctx context.Context, bundle synth.Bundle) Health {
	var health Health
	if bundle.HealthURL != "" {
		health = c.probeHTTP(ctx, bundle.HealthURL)
	} else {
		health = c.probeService(ctx, bundle.Service)
	}

	if c.metrics != nil {
		c.metrics.RecordHealthCheck(string(health.State))
	}
	c.logger.WithFields(map[string]interface{}{
		"service": bundle.Service,
		"state":   string(health.State),
		"reason":  health.Reason,
	}).Debug("health checked")

	return health
}

// probeHTTP reports healthy on a 2xx answer, unhealthy on any other
// answer, and unknown when no answer arrived at all.
func (c *Controller) probeHTTP(ctx context.Context, url string) Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Unknown(fmt.Sprintf("building probe request: %v", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Unknown(fmt.Sprintf("probe failed: %v", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Healthy()
	}
	return Unhealthy(fmt.Sprintf("probe returned status %d", resp.StatusCode))
}

// probeService asks the service manager. A non-zero exit with output
// still counts as an answer; only a transport failure is indeterminate.
func (c *Controller) probeService(ctx context.Context, service string) Health {
	stdout, _, err := c.transport.Execute(ctx, "systemctl", "is-active", service)
	if err == nil {
		if stdout == "active" {
			return Healthy()
		}
		return Unhealthy(fmt.Sprintf("service state %s", stdout))
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		state := stdout
		if state == "" {
			state = "inactive"
		}
		return Unhealthy(fmt.Sprintf("service state %s", state))
	}
	return Unknown(fmt.Sprintf("service state check failed: %v", err))
}

func (c *Controller) recordApply(result string) {
	if c.metrics != nil {
		c.metrics.RecordApply(result)
	}
}
