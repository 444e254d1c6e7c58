package workload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/rangerd/rangerd/pkg/telemetry"
)

// SSHAuthMethod selects how the ssh transport authenticates.
type SSHAuthMethod string

const (
	// SSHAuthPassword uses password authentication.
	SSHAuthPassword SSHAuthMethod = "password"

	// SSHAuthKey uses private key authentication.
	SSHAuthKey SSHAuthMethod = "key"
)

// SSHConfig holds the connection settings for the ssh transport.
type SSHConfig struct {
	// Host is the remote hostname or IP address.
	Host string

	// Port is the SSH port.
	Port int

	// User is the SSH username.
	User string

	// AuthMethod selects password or key authentication.
	AuthMethod SSHAuthMethod

	// Password for password authentication.
	Password string

	// PrivateKeyPath is the path to the private key file.
	PrivateKeyPath string

	// PrivateKeyPassphrase unlocks an encrypted private key.
	PrivateKeyPassphrase string

	// KnownHostsPath is the known_hosts file used for host key checks.
	// Host keys are not verified when empty or when StrictHostKeyChecking
	// is off.
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts absent from known_hosts.
	StrictHostKeyChecking bool

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
}

// DefaultSSHConfig returns an SSHConfig with the usual defaults.
func DefaultSSHConfig(host, user string) *SSHConfig {
	return &SSHConfig{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            SSHAuthKey,
		KnownHostsPath:        os.Getenv("HOME") + "/.ssh/known_hosts",
		StrictHostKeyChecking: true,
		ConnectTimeout:        30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *SSHConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	switch c.AuthMethod {
	case SSHAuthPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case SSHAuthKey:
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("private key path is required for key authentication")
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	return nil
}

// address returns host:port.
func (c *SSHConfig) address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// clientConfig builds the underlying ssh.ClientConfig.
func (c *SSHConfig) clientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case SSHAuthPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))
		// Many servers present password prompts through keyboard-interactive.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))
	case SSHAuthKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("loading known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}

// SSH runs the workload on a remote host over SSH, writing files through
// SFTP and executing commands through sessions.
type SSH struct {
	config *SSHConfig
	logger *telemetry.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// DialSSH validates the config and establishes the connection.
func DialSSH(ctx context.Context, config *SSHConfig, logger *telemetry.Logger) (*SSH, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	t := &SSH{
		config: config,
		logger: logger.NewComponentLogger("transport-ssh"),
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Name implements Transport.
func (t *SSH) Name() string { return "ssh" }

// connect dials the remote host, honoring context cancellation. ssh.Dial
// has no context support so the dial runs in a goroutine.
func (t *SSH) connect(ctx context.Context) error {
	clientConfig, err := t.config.clientConfig()
	if err != nil {
		return err
	}

	address := t.config.address()
	t.logger.WithField("address", address).Debug("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("connecting to %s: %w", address, ctx.Err())
	case err := <-errChan:
		return fmt.Errorf("connecting to %s: %w", address, err)
	case client := <-connChan:
		t.mu.Lock()
		t.client = client
		t.mu.Unlock()
		t.logger.WithField("address", address).Info("SSH connection established")
		return nil
	}
}

// conn returns the live client, reconnecting when the previous connection
// was closed.
func (t *SSH) conn(ctx context.Context) (*ssh.Client, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client != nil {
		return client, nil
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client, nil
}

// WriteFile implements Transport using SFTP.
func (t *SSH) WriteFile(ctx context.Context, filePath string, content []byte, mode os.FileMode) error {
	client, err := t.conn(ctx)
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		t.dropConnection()
		return fmt.Errorf("creating sftp client: %w", err)
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(filePath)); err != nil {
		return fmt.Errorf("creating directory for %s: %w", filePath, err)
	}

	remote, err := sftpClient.Create(filePath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filePath, err)
	}
	if _, err := remote.Write(content); err != nil {
		_ = remote.Close()
		return fmt.Errorf("writing %s: %w", filePath, err)
	}
	if err := remote.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", filePath, err)
	}
	if err := sftpClient.Chmod(filePath, mode); err != nil {
		return fmt.Errorf("setting mode on %s: %w", filePath, err)
	}

	t.logger.WithFields(map[string]interface{}{
		"path":  filePath,
		"bytes": len(content),
	}).Debug("wrote remote file")

	return nil
}

// Execute implements Transport.
func (t *SSH) Execute(ctx context.Context, name string, args ...string) (string, string, error) {
	client, err := t.conn(ctx)
	if err != nil {
		return "", "", err
	}

	session, err := client.NewSession()
	if err != nil {
		t.dropConnection()
		return "", "", fmt.Errorf("creating session: %w", err)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	cmd := shellJoin(name, args)

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case runErr = <-doneChan:
	}

	stdout := strings.TrimSpace(stdoutBuf.String())
	stderr := strings.TrimSpace(stderrBuf.String())

	t.logger.WithFields(map[string]interface{}{
		"command": name,
		"args":    args,
	}).Debug("remote command completed")

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return stdout, stderr, &ExitError{Command: name, Code: exitErr.ExitStatus(), Stderr: stderr}
		}
		return stdout, stderr, fmt.Errorf("executing %s: %w", name, runErr)
	}
	return stdout, stderr, nil
}

// Close implements Transport.
func (t *SSH) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	if err != nil {
		return fmt.Errorf("closing connection: %w", err)
	}
	return nil
}

// dropConnection discards a connection that produced a transport-level
// failure so the next call redials.
func (t *SSH) dropConnection() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		_ = t.client.Close()
		t.client = nil
	}
}

// shellJoin renders a command line with each argument single-quoted.
func shellJoin(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$&|;<>(){}*?#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
