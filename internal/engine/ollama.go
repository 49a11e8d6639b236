package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrEngineNotInstalled is returned when an engine binary cannot be
// found on the host.
var ErrEngineNotInstalled = fmt.Errorf("engine binary not installed")

const (
	// daemonReadyTimeout bounds how long we wait for a freshly launched
	// daemon to answer its health endpoint.
	daemonReadyTimeout = 10 * time.Second
	daemonPollInterval = 500 * time.Millisecond
)

// Daemon manages the shared Ollama-style daemon. Model-serving records
// backed by this engine all talk to the one daemon; the manager only
// makes sure it is up and that the requested model exists in it.
type Daemon struct {
	binary  string
	baseURL string
	client  *http.Client

	lookPath func(string) (string, error)
}

// NewDaemon creates a daemon handle. binary is the daemon executable
// name or path; baseURL is where the daemon listens.
func NewDaemon(binary, baseURL string) *Daemon {
	return &Daemon{
		binary:   binary,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: 5 * time.Second},
		lookPath: exec.LookPath,
	}
}

// BaseURL returns the daemon's base URL.
func (d *Daemon) BaseURL() string { return d.baseURL }

// EnsureRunning probes the daemon and launches it when absent. Fails
// fast with ErrEngineNotInstalled when the binary is missing; otherwise
// starts the daemon detached and polls readiness for up to 10 seconds.
func (d *Daemon) EnsureRunning(ctx context.Context) error {
	if d.alive(ctx) {
		return nil
	}

	bin, err := d.lookPath(d.binary)
	if err != nil {
		return fmt.Errorf("%w: %s not found in PATH", ErrEngineNotInstalled, d.binary)
	}

	slog.Info("launching shared engine daemon", "binary", bin, "url", d.baseURL)
	cmd := exec.Command(bin, "serve")
	cmd.Env = append(os.Environ(), "OLLAMA_HOST="+hostPortOf(d.baseURL))
	// New session: the daemon outlives the manager process.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	devnull, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch daemon: %w", err)
	}
	go func() { _ = cmd.Wait() }()

	deadline := time.Now().Add(daemonReadyTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(daemonPollInterval):
		}
		if d.alive(ctx) {
			return nil
		}
	}
	return fmt.Errorf("daemon did not become ready within %s", daemonReadyTimeout)
}

// alive probes the daemon root endpoint; any 2xx means healthy.
func (d *Daemon) alive(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// CreateModel registers a GGUF file with the daemon under the given
// model name, via a generated model-definition file.
func (d *Daemon) CreateModel(ctx context.Context, modelName, ggufPath string) error {
	bin, err := d.lookPath(d.binary)
	if err != nil {
		return fmt.Errorf("%w: %s not found in PATH", ErrEngineNotInstalled, d.binary)
	}

	modelfile, err := writeModelfile(modelName, ggufPath)
	if err != nil {
		return err
	}
	defer os.Remove(modelfile)

	cmd := exec.CommandContext(ctx, bin, "create", modelName, "-f", modelfile)
	cmd.Env = append(os.Environ(), "OLLAMA_HOST="+hostPortOf(d.baseURL))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("model create failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	slog.Info("registered model with daemon", "model", modelName, "gguf", ggufPath)
	return nil
}

// writeModelfile generates the model-definition file pointing at the
// GGUF weights.
func writeModelfile(modelName, ggufPath string) (string, error) {
	f, err := os.CreateTemp("", fmt.Sprintf("Modelfile.%s.*", filepath.Base(modelName)))
	if err != nil {
		return "", fmt.Errorf("failed to create model definition: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "FROM %s\n", ggufPath); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write model definition: %w", err)
	}
	return f.Name(), nil
}

// hostPortOf strips the scheme from a base URL for OLLAMA_HOST.
func hostPortOf(baseURL string) string {
	s := strings.TrimPrefix(baseURL, "http://")
	return strings.TrimPrefix(s, "https://")
}
