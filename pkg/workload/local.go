package workload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rangerd/rangerd/pkg/telemetry"
)

// Local runs the workload on the same host as the agent.
type Local struct {
	logger *telemetry.Logger
}

// NewLocal creates a local transport.
func NewLocal(logger *telemetry.Logger) *Local {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Local{logger: logger.NewComponentLogger("transport-local")}
}

// Name implements Transport.
func (l *Local) Name() string { return "local" }

// WriteFile implements Transport. The mode is applied explicitly because
// os.WriteFile honors it only when creating the file.
func (l *Local) WriteFile(ctx context.Context, path string, content []byte, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("setting mode on %s: %w", path, err)
	}

	l.logger.WithFields(map[string]interface{}{
		"path":  path,
		"bytes": len(content),
	}).Debug("wrote file")

	return nil
}

// Execute implements Transport.
func (l *Local) Execute(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	stdout := strings.TrimSpace(stdoutBuf.String())
	stderr := strings.TrimSpace(stderrBuf.String())

	l.logger.WithFields(map[string]interface{}{
		"command": name,
		"args":    args,
	}).Debug("command completed")

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout, stderr, &ExitError{Command: name, Code: exitErr.ExitCode(), Stderr: stderr}
		}
		return stdout, stderr, fmt.Errorf("executing %s: %w", name, err)
	}
	return stdout, stderr, nil
}

// Close implements Transport.
func (l *Local) Close() error { return nil }
