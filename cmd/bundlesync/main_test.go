package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/schaermu/bundlesync/internal/config"
	"github.com/schaermu/bundlesync/internal/lifecycle"
	"github.com/schaermu/bundlesync/internal/manifest"
	"github.com/schaermu/bundlesync/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// useConfig points the global --config flag at a file with content
func useConfig(t *testing.T, content string) string {
	t.Helper()

	origCfgFile := cfgFile
	origLevel := logLevel
	t.Cleanup(func() {
		cfgFile = origCfgFile
		logLevel = origLevel
	})

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	cfgFile = cfgPath
	logLevel = "error"
	return cfgPath
}

func configFor(srv *testutil.BundleServer, sandbox, extra string) string {
	return fmt.Sprintf(`product:
  name: skyfall
server:
  manifest_url: %q
  bundle_base_url: %q
  timeout: 5s
paths:
  sandbox_dir: %q
download:
  max_retries: 1
  backoff_initial: 1ms
  backoff_max: 5ms
  check_disk_space: false
%s`, srv.ManifestURL(), srv.BaseURL(), sandbox, extra)
}

func TestSetupLogger(t *testing.T) {
	// Save original globals.
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	srv := testutil.NewBundleServer(t)
	useConfig(t, configFor(srv, filepath.Join(t.TempDir(), "sandbox"), ""))

	cfg, err := loadConfig(testLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Product.Name != "skyfall" {
		t.Errorf("expected product skyfall, got %q", cfg.Product.Name)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")

	_, err := loadConfig(testLogger())
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	origCfgFile := cfgFile
	defer func() { cfgFile = origCfgFile }()
	cfgFile = ""

	home := t.TempDir()
	t.Setenv("HOME", home)

	path, err := resolveConfigPath()
	if err != nil {
		t.Fatalf("resolveConfigPath returned error: %v", err)
	}
	if want := filepath.Join(home, ".config", "bundlesync", "config.yaml"); path != want {
		t.Errorf("expected default path %s, got %s", want, path)
	}

	// Expect error because the default config file doesn't exist
	if _, err := loadConfig(testLogger()); err == nil {
		t.Error("expected error when default config file doesn't exist")
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	t.Helper()
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}

func TestFinish(t *testing.T) {
	tests := []struct {
		name    string
		status  lifecycle.Status
		err     error
		wantErr bool
	}{
		{name: "done", status: lifecycle.StatusDone},
		{name: "up to date", status: lifecycle.StatusNoNeedToUpdate},
		{name: "app outdated", status: lifecycle.StatusAppVersionInconsistent, err: lifecycle.ErrAppVersionMismatch, wantErr: true},
		{name: "cancelled", status: lifecycle.StatusCancelled, err: context.Canceled, wantErr: true},
		{name: "retry required without error", status: lifecycle.StatusRetryRequired, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := finish(testLogger(), tt.status, tt.err)
			if (err != nil) != tt.wantErr {
				t.Fatalf("finish() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !strings.Contains(err.Error(), tt.status.String()) {
				t.Errorf("expected error to name status %s, got %v", tt.status, err)
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Errorf("expected error to wrap %v, got %v", tt.err, err)
			}
		})
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"yes", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"maybe\n", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.input), func(t *testing.T) {
			var out bytes.Buffer
			got, err := confirm(strings.NewReader(tt.input), &out, "Continue?")
			if err != nil {
				t.Fatalf("confirm returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("confirm() = %v, want %v", got, tt.want)
			}
			if !strings.Contains(out.String(), "Continue? [y/N]") {
				t.Errorf("expected prompt, got %q", out.String())
			}
		})
	}
}

func TestProgressBar(t *testing.T) {
	var out bytes.Buffer
	bar := newProgressBar(&out, 60)

	bar.update(0.5, 3, "1.0 MiB / 2.0 MiB", "512.0 KiB/s")
	line := out.String()
	if !strings.HasPrefix(line, "\r[") {
		t.Errorf("expected carriage return and bar, got %q", line)
	}
	if !strings.Contains(line, " 50% 3 files") {
		t.Errorf("expected percentage and file count, got %q", line)
	}

	bar.done()
	if !strings.HasSuffix(out.String(), "\n") {
		t.Error("expected done to end the progress line")
	}

	narrow := newProgressBar(&out, 10)
	if got := narrow.render(2, 1, "a", "b"); strings.Contains(got, "[") {
		t.Errorf("expected text-only rendering on narrow terminals, got %q", got)
	}
	if got := narrow.render(2, 1, "a", "b"); !strings.HasPrefix(got, "100%") {
		t.Errorf("expected progress clamped to 100%%, got %q", got)
	}
}

func TestRunCheck(t *testing.T) {
	srv := testutil.NewBundleServer(t)
	files := map[string][]byte{
		"ui/atlas.bundle":   bytes.Repeat([]byte("a"), 64),
		"maps/world.bundle": []byte("world"),
	}
	srv.Publish(t, testutil.BuildManifest("skyfall", "1.0", "1.01700000000", files), files)

	sandbox := filepath.Join(t.TempDir(), "sandbox")
	useConfig(t, configFor(srv, sandbox, ""))

	if err := runCheck(checkCmd, nil); err != nil {
		t.Fatalf("runCheck returned error: %v", err)
	}

	local, err := manifest.Load(filepath.Join(sandbox, "version.json"))
	if err != nil {
		t.Fatalf("failed to load local manifest: %v", err)
	}
	if local.ResourceVersion != "1.01700000000" {
		t.Errorf("expected committed resource version, got %q", local.ResourceVersion)
	}
	got, err := os.ReadFile(filepath.Join(sandbox, "bundles", "maps", "world.bundle"))
	if err != nil || string(got) != "world" {
		t.Errorf("expected downloaded bundle, got %q (%v)", got, err)
	}
}

func TestRunCheck_AppVersionMismatch(t *testing.T) {
	srv := testutil.NewBundleServer(t)
	srv.Publish(t, testutil.BuildManifest("skyfall", "2.0", "2.01700000000", nil), nil)

	sandbox := filepath.Join(t.TempDir(), "sandbox")
	builtin := filepath.Join(t.TempDir(), "builtin.json")
	if err := manifest.Save(builtin, manifest.New("skyfall", "1.0", "1.01600000000")); err != nil {
		t.Fatal(err)
	}
	useConfig(t, strings.Replace(configFor(srv, sandbox, ""),
		"  name: skyfall\n", fmt.Sprintf("  name: skyfall\n  builtin_manifest: %q\n", builtin), 1))

	err := runCheck(checkCmd, nil)
	if !errors.Is(err, lifecycle.ErrAppVersionMismatch) {
		t.Fatalf("expected ErrAppVersionMismatch, got %v", err)
	}
}

func TestRunRepair_RequiresConfirmation(t *testing.T) {
	srv := testutil.NewBundleServer(t)
	useConfig(t, configFor(srv, filepath.Join(t.TempDir(), "sandbox"), ""))

	origYes := assumeYes
	t.Cleanup(func() { assumeYes = origYes })
	assumeYes = false

	if isTerminal(os.Stdin) {
		t.Skip("stdin is a terminal")
	}
	if err := runRepair(repairCmd, nil); err == nil {
		t.Fatal("expected repair without --yes to be refused on a non-interactive stdin")
	}
}

func TestRunRepair(t *testing.T) {
	srv := testutil.NewBundleServer(t)
	files := map[string][]byte{"ui/atlas.bundle": []byte("atlas")}
	srv.Publish(t, testutil.BuildManifest("skyfall", "1.0", "1.01700000000", files), files)

	sandbox := filepath.Join(t.TempDir(), "sandbox")
	useConfig(t, configFor(srv, sandbox, ""))

	junk := filepath.Join(sandbox, "bundles", "junk.bundle")
	if err := os.MkdirAll(filepath.Dir(junk), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(junk, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}

	origYes := assumeYes
	t.Cleanup(func() { assumeYes = origYes })
	assumeYes = true

	if err := runRepair(repairCmd, nil); err != nil {
		t.Fatalf("runRepair returned error: %v", err)
	}
	if _, err := os.Stat(junk); !os.IsNotExist(err) {
		t.Errorf("expected repair to remove unlisted files, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(sandbox, "bundles", "ui", "atlas.bundle")); err != nil {
		t.Errorf("expected bundle to be downloaded again: %v", err)
	}
}

func TestManifestBuild(t *testing.T) {
	origProduct, origApp, origOut := buildProduct, buildAppVersion, buildOutput
	t.Cleanup(func() {
		buildProduct, buildAppVersion, buildOutput = origProduct, origApp, origOut
	})

	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "ui"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ui", "atlas.bundle"), []byte("atlas"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "root.bundle"), []byte("root"), 0o644); err != nil {
		t.Fatal(err)
	}

	buildProduct = "skyfall"
	buildAppVersion = "1.0"
	buildOutput = filepath.Join(t.TempDir(), "version.json")

	if err := runManifestBuild(manifestBuildCmd, []string{dir}); err != nil {
		t.Fatalf("runManifestBuild returned error: %v", err)
	}

	m, err := manifest.Load(buildOutput)
	if err != nil {
		t.Fatalf("failed to load built manifest: %v", err)
	}
	if m.ProductName != "skyfall" || m.AppVersion != "1.0" {
		t.Errorf("unexpected manifest header: %s %s", m.ProductName, m.AppVersion)
	}
	rec, ok := m.GetFile("ui/atlas.bundle")
	if !ok {
		t.Fatalf("expected ui/atlas.bundle in manifest, got %v", m.Names())
	}
	if rec.MD5 != manifest.HashBytes([]byte("atlas")) || rec.Size != 5 {
		t.Errorf("unexpected record %+v", rec)
	}
	if !m.HasFile("root.bundle") {
		t.Error("expected root.bundle in manifest")
	}
}

func TestEncryptDecryptCat(t *testing.T) {
	srv := testutil.NewBundleServer(t)
	sandbox := filepath.Join(t.TempDir(), "sandbox")
	useConfig(t, configFor(srv, sandbox, `cipher:
  scheme: aes
  passphrase: hunter2
`))

	dir := t.TempDir()
	plain := filepath.Join(dir, "plain.bin")
	if err := os.WriteFile(plain, []byte("secret bundle"), 0o644); err != nil {
		t.Fatal(err)
	}

	sealed := filepath.Join(sandbox, "bundles", "ui", "atlas.bundle")
	if err := encryptCmd.RunE(encryptCmd, []string{plain, sealed}); err != nil {
		t.Fatalf("encrypt returned error: %v", err)
	}
	raw, err := os.ReadFile(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("secret bundle")) {
		t.Error("expected ciphertext on disk")
	}

	opened := filepath.Join(dir, "opened.bin")
	if err := decryptCmd.RunE(decryptCmd, []string{sealed, opened}); err != nil {
		t.Fatalf("decrypt returned error: %v", err)
	}
	if got, _ := os.ReadFile(opened); string(got) != "secret bundle" {
		t.Errorf("expected round trip, got %q", got)
	}

	var out bytes.Buffer
	catCmd.SetOut(&out)
	t.Cleanup(func() { catCmd.SetOut(nil) })
	if err := runCat(catCmd, []string{"ui/atlas.bundle"}); err != nil {
		t.Fatalf("cat returned error: %v", err)
	}
	if out.String() != "secret bundle" {
		t.Errorf("expected plaintext from cat, got %q", out.String())
	}

	if err := runCat(catCmd, []string{"../escape"}); err == nil {
		t.Error("expected error for unsafe bundle name")
	}
}

// mockChecker counts checks triggered by serve
type mockChecker struct {
	mu    sync.Mutex
	calls int
}

func (m *mockChecker) Check(ctx context.Context) (lifecycle.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return lifecycle.StatusNoNeedToUpdate, nil
}

func (m *mockChecker) Status() lifecycle.Status { return lifecycle.StatusNoNeedToUpdate }

func (m *mockChecker) LastError() error { return nil }

func TestServe_InitialCheck(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	secret := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(secret, []byte("s3cret"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Product: config.ProductConfig{Name: "skyfall"},
		Serve: config.ServeConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:0",
			SecretFile: secret,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	checker := &mockChecker{}
	if err := serve(ctx, cfg, checker, testLogger()); err != nil {
		t.Fatalf("serve returned error: %v", err)
	}
	if checker.calls != 1 {
		t.Errorf("expected one initial check, got %d", checker.calls)
	}
}

func TestServe_MissingSecret(t *testing.T) {
	cfg := &config.Config{
		Product: config.ProductConfig{Name: "skyfall"},
		Serve: config.ServeConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:0",
			SecretFile: filepath.Join(t.TempDir(), "missing"),
		},
	}

	if err := serve(context.Background(), cfg, &mockChecker{}, testLogger()); err == nil {
		t.Fatal("expected error for missing secret file")
	}
}
