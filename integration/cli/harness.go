//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/bundlesync/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness builds the bundlesync binary and runs it against a local publish
// directory served over HTTP
type Harness struct {
	t          *testing.T
	root       string
	workDir    string
	binary     string
	PublishDir string
	Server     *httptest.Server
}

// NewHarness creates a harness with an empty publish directory
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	root, err := testutil.FindProjectRoot()
	if err != nil {
		t.Fatalf("get project root: %v", err)
	}

	workDir := t.TempDir()
	publishDir := filepath.Join(workDir, "publish")
	if err := os.MkdirAll(filepath.Join(publishDir, "bundles"), 0o755); err != nil {
		t.Fatalf("create publish dir: %v", err)
	}

	srv := httptest.NewServer(http.FileServer(http.Dir(publishDir)))
	t.Cleanup(srv.Close)

	return &Harness{
		t:          t,
		root:       root,
		workDir:    workDir,
		binary:     filepath.Join(workDir, "bundlesync"),
		PublishDir: publishDir,
		Server:     srv,
	}
}

// Build compiles the CLI into the work directory
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/bundlesync")
	cmd.Dir = h.root
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build failed: %w", err)
	}
	return nil
}

// Testdata returns the path of a file below integration/testdata
func (h *Harness) Testdata(elem ...string) string {
	h.t.Helper()
	return testutil.Testdata(h.t, elem...)
}

// WriteConfig writes a config file for sandbox and returns its path
func (h *Harness) WriteConfig(sandbox, extra string) string {
	h.t.Helper()

	content := fmt.Sprintf(`product:
  name: skyfall
server:
  manifest_url: %q
  bundle_base_url: %q
  timeout: 10s
paths:
  sandbox_dir: %q
download:
  max_retries: 1
  backoff_initial: 10ms
  backoff_max: 50ms
%s`, h.Server.URL+"/version.json", h.Server.URL+"/bundles/", sandbox, extra)

	path := filepath.Join(h.workDir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
	return path
}

// Run executes the binary and returns its output and exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = append(os.Environ(), "LISTEN_PID=", "LISTEN_FDS=")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes the binary and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// PublishBundle encrypts src with the configured cipher into the publish
// directory under name
func (h *Harness) PublishBundle(ctx context.Context, cfgPath, src, name string) {
	h.t.Helper()
	dst := filepath.Join(h.PublishDir, "bundles", filepath.FromSlash(name))
	h.MustRun(ctx, "--config", cfgPath, "--log-level", "error", "encrypt", src, dst)
}

// PublishManifest scans the published bundles into version.json
func (h *Harness) PublishManifest(ctx context.Context, appVersion string) {
	h.t.Helper()
	h.MustRun(ctx, "--log-level", "error", "manifest", "build", filepath.Join(h.PublishDir, "bundles"),
		"--product", "skyfall",
		"--app-version", appVersion,
		"-o", filepath.Join(h.PublishDir, "version.json"))
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
