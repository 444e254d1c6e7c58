package workload

import (
	"context"
	"fmt"
	"os"

	"github.com/rangerd/rangerd/pkg/options"
	"github.com/rangerd/rangerd/pkg/telemetry"
)

// Transport performs file writes and command execution on the host that
// runs the managed service. Implementations are used sequentially by the
// controller; they do not need to be safe for concurrent use.
type Transport interface {
	// Name identifies the transport in logs and errors.
	Name() string

	// WriteFile writes content to path with the given mode, creating
	// parent directories as needed.
	WriteFile(ctx context.Context, path string, content []byte, mode os.FileMode) error

	// Execute runs a command and returns its trimmed stdout and stderr.
	// A command that ran to completion with a non-zero status returns
	// *ExitError; any other error means the command could not be run.
	Execute(ctx context.Context, name string, args ...string) (stdout string, stderr string, err error)

	// Close releases transport resources.
	Close() error
}

// ExitError reports a command that ran and exited non-zero. Callers use
// it to tell a failing command apart from a transport that could not
// reach the host at all.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.Code, e.Stderr)
}

// TransportFor builds the transport selected by the options. The ssh
// transport dials eagerly so a bad target fails at startup instead of on
// the first pass.
func TransportFor(ctx context.Context, opts options.StaticOptions, logger *telemetry.Logger) (Transport, error) {
	switch opts.Transport {
	case "", "local":
		return NewLocal(logger), nil
	case "ssh":
		cfg := DefaultSSHConfig(opts.SSHHost, opts.SSHUser)
		if opts.SSHPort != 0 {
			cfg.Port = opts.SSHPort
		}
		if opts.SSHKeyPath != "" {
			cfg.PrivateKeyPath = opts.SSHKeyPath
		}
		return DialSSH(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown transport: %s", opts.Transport)
	}
}
