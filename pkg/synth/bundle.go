package synth

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/rangerd/rangerd/pkg/options"
)

// Bundle is the immutable configuration produced by one synthesis run.
// Two bundles with equal Fingerprint are semantically interchangeable.
type Bundle struct {
	// Role is the workload role the bundle was synthesized for.
	Role options.Role `json:"role"`

	// Service is the managed service unit the bundle targets.
	Service string `json:"service"`

	// HealthURL is the liveness probe endpoint, or "" for service-status
	// probing.
	HealthURL string `json:"health_url,omitempty"`

	// Env is the workload process environment.
	Env map[string]string `json:"env"`

	// Files maps logical file names to rendered content.
	Files map[string]string `json:"files"`

	// Facts is the consumer-facing data published once the workload is
	// active. Not part of the fingerprint; publication idempotency is
	// tracked per consumer by the publisher.
	Facts map[string]string `json:"facts,omitempty"`

	// Fingerprint identifies the semantic content of Files + Env.
	Fingerprint string `json:"fingerprint"`
}

// fingerprintInput is the canonical form hashed into a fingerprint.
// JSON marshaling sorts map keys, which makes the hash deterministic.
type fingerprintInput struct {
	Role    options.Role      `json:"role"`
	Service string            `json:"service"`
	Env     map[string]string `json:"env"`
	Files   map[string]string `json:"files"`
}

// ComputeFingerprint hashes the semantic content of a bundle.
func ComputeFingerprint(role options.Role, service string, env, files map[string]string) (string, error) {
	canonical, err := json.Marshal(fingerprintInput{
		Role:    role,
		Service: service,
		Env:     env,
		Files:   files,
	})
	if err != nil {
		return "", fmt.Errorf("encoding fingerprint input: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
