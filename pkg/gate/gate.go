// Package gate evaluates synthesized bundles against Rego admission
// policies before they reach the workload. Built-in policies guard
// credential egress and rendering budgets; operators add their own
// .rego files through the policy directory.
package gate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/rangerd/rangerd/pkg/synth"
	"github.com/rangerd/rangerd/pkg/telemetry"
)

const (
	defaultMaxFiles = 16
	defaultFileMode = os.FileMode(0o640)
)

// Config holds the gate construction parameters.
type Config struct {
	// PolicyDir holds additional .rego policies. Optional.
	PolicyDir string

	// RequireSecureLDAP arms the built-in secure-ldap policy.
	RequireSecureLDAP bool

	// FileMode is the mode the controller writes rendered files with.
	// The built-in file-secrets policy fires when it is world-readable.
	FileMode os.FileMode

	// MaxFiles caps rendered files per bundle. Defaults to 16.
	MaxFiles int

	Logger *telemetry.Logger
}

// Gate holds compiled admission policies.
type Gate struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy

	requireSecureLDAP bool
	worldReadable     bool
	maxFiles          int

	logger *telemetry.Logger
}

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy     Policy
	query      rego.PreparedEvalQuery
	compiledAt time.Time
}

// admissionInput is the document policies evaluate against.
type admissionInput struct {
	Bundle      bundleInput      `json:"bundle"`
	Constraints constraintsInput `json:"constraints"`
}

type bundleInput struct {
	Role    string            `json:"role"`
	Service string            `json:"service"`
	Env     map[string]string `json:"env"`
	Files   map[string]string `json:"files"`
	Facts   map[string]string `json:"facts,omitempty"`
}

type constraintsInput struct {
	RequireSecureLDAP bool `json:"require_secure_ldap"`
	WorldReadable     bool `json:"world_readable"`
	MaxFiles          int  `json:"max_files"`
}

// NewGate compiles the built-in policies plus any .rego files found under
// cfg.PolicyDir. A policy that does not compile fails construction.
func NewGate(ctx context.Context, cfg Config) (*Gate, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	mode := cfg.FileMode
	if mode == 0 {
		mode = defaultFileMode
	}
	maxFiles := cfg.MaxFiles
	if maxFiles == 0 {
		maxFiles = defaultMaxFiles
	}

	g := &Gate{
		policies:          make(map[string]*compiledPolicy),
		requireSecureLDAP: cfg.RequireSecureLDAP,
		worldReadable:     mode&0o004 != 0,
		maxFiles:          maxFiles,
		logger:            logger.NewComponentLogger("gate"),
	}

	for _, p := range builtinPolicies() {
		if err := g.compile(ctx, p); err != nil {
			return nil, fmt.Errorf("compiling built-in policy %s: %w", p.Name, err)
		}
	}

	if cfg.PolicyDir != "" {
		loaded, err := g.loadDir(ctx, cfg.PolicyDir)
		if err != nil {
			return nil, err
		}
		g.logger.WithFields(map[string]interface{}{
			"dir":   cfg.PolicyDir,
			"count": loaded,
		}).Info("admission policies loaded")
	}

	return g, nil
}

// Admit evaluates the bundle against every enabled policy. Blocking
// violations deny the bundle; a policy that fails to evaluate is reported
// as a warning and does not block.
func (g *Gate) Admit(ctx context.Context, bundle synth.Bundle) (Decision, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	input := admissionInput{
		Bundle: bundleInput{
			Role:    string(bundle.Role),
			Service: bundle.Service,
			Env:     bundle.Env,
			Files:   bundle.Files,
			Facts:   bundle.Facts,
		},
		Constraints: constraintsInput{
			RequireSecureLDAP: g.requireSecureLDAP,
			WorldReadable:     g.worldReadable,
			MaxFiles:          g.maxFiles,
		},
	}

	decision := Decision{EvaluatedAt: time.Now()}

	for _, name := range g.policyNames() {
		cp := g.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		findings, err := g.evaluate(ctx, cp, input)
		if err != nil {
			g.logger.WithField("policy", name).WithError(err).Warn("policy evaluation failed")
			decision.Warnings = append(decision.Warnings, Violation{
				Policy:   name,
				Rule:     "evaluation",
				Message:  err.Error(),
				Severity: SeverityWarning,
			})
			continue
		}

		for _, v := range findings {
			if v.Severity.Blocking() {
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
	}

	decision.Allowed = len(decision.Violations) == 0
	if !decision.Allowed {
		g.logger.WithFields(map[string]interface{}{
			"service":    bundle.Service,
			"violations": len(decision.Violations),
		}).Warn("bundle denied admission")
	}

	return decision, nil
}

// Policies returns the loaded policies sorted by name.
func (g *Gate) Policies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Policy, 0, len(g.policies))
	for _, name := range g.policyNames() {
		out = append(out, g.policies[name].policy)
	}
	return out
}

// policyNames returns policy names in stable order. Callers hold the lock.
func (g *Gate) policyNames() []string {
	names := make([]string, 0, len(g.policies))
	for name := range g.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// compile prepares the policy's deny query for reuse.
func (g *Gate) compile(ctx context.Context, p Policy) error {
	query, err := rego.New(
		rego.Query(fmt.Sprintf("data.%s.deny", extractPackageName(p.Rego))),
		rego.Module(p.Name+".rego", p.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return err
	}

	g.policies[p.Name] = &compiledPolicy{
		policy:     p,
		query:      query,
		compiledAt: time.Now(),
	}
	return nil
}

// loadDir compiles every .rego file under dir. Loaded policies default to
// blocking severity; individual violations may soften themselves.
func (g *Gate) loadDir(ctx context.Context, dir string) (int, error) {
	loaded := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading policy %s: %w", path, err)
		}

		p := Policy{
			Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
			Description: extractDescription(string(data)),
			Rego:        string(data),
			Severity:    SeverityError,
			Enabled:     true,
		}
		if err := g.compile(ctx, p); err != nil {
			return fmt.Errorf("compiling policy %s: %w", path, err)
		}
		loaded++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return loaded, nil
}

// evaluate runs one policy's deny query and converts the results.
func (g *Gate) evaluate(ctx context.Context, cp *compiledPolicy, input admissionInput) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, toViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// toViolation converts a deny result into a Violation. String results
// become the message; object results may carry rule and severity.
func toViolation(p Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   p.Name,
		Severity: p.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if rule, ok := v["rule"].(string); ok {
			violation.Rule = rule
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	if violation.Rule == "" {
		violation.Rule = p.Name
	}
	return violation
}

// extractPackageName reads the package declaration from Rego source.
func extractPackageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "rangerd.gate"
}

// extractDescription collects the leading comment block of a policy file.
func extractDescription(src string) string {
	var b strings.Builder
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			if comment != "" {
				if b.Len() > 0 {
					b.WriteString(" ")
				}
				b.WriteString(comment)
			}
			continue
		}
		if trimmed != "" {
			break
		}
	}
	return b.String()
}
