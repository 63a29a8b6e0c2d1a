package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/schaermu/bundlesync/internal/cipher"
)

const yamlConfig = `
product:
  name: "skyfall"
  builtin_manifest: "/opt/skyfall/version.json"

server:
  manifest_url: "https://cdn.example.com/skyfall/version.json"
  bundle_base_url: "https://cdn.example.com/skyfall/bundles/"
  timeout: 10s

paths:
  sandbox_dir: "/var/lib/skyfall"

download:
  concurrency: 4
  progress_interval: 500ms
  check_disk_space: false

cipher:
  scheme: "head-tail-xor-2"
  keys: [90, 165]

serve:
  enabled: false
`

const tomlConfig = `
[product]
name = "skyfall"

[server]
manifest_url = "https://cdn.example.com/skyfall/version.json"
bundle_base_url = "https://cdn.example.com/skyfall/bundles/"

[paths]
sandbox_dir = "/var/lib/skyfall"

[cipher]
scheme = "aes"
passphrase = "hunter2"
kdf = "hkdf"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func validConfig() Config {
	return Config{
		Product: ProductConfig{Name: "skyfall"},
		Server: ServerConfig{
			ManifestURL:   "https://cdn.example.com/version.json",
			BundleBaseURL: "https://cdn.example.com/bundles/",
		},
		Paths:    PathsConfig{SandboxDir: "/absolute/sandbox"},
		Download: DownloadConfig{Concurrency: 1},
		Cipher:   CipherConfig{Scheme: "none"},
	}
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "bundlesync.yaml", yamlConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Product.Name != "skyfall" {
		t.Errorf("expected product skyfall, got %s", cfg.Product.Name)
	}
	if cfg.Server.Timeout != 10*time.Second {
		t.Errorf("expected timeout 10s, got %s", cfg.Server.Timeout)
	}
	if cfg.Download.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", cfg.Download.Concurrency)
	}

	dl := cfg.DownloaderConfig()
	if dl.CheckDiskSpace {
		t.Error("expected disk space check to be disabled")
	}
	if dl.ProgressInterval != 500*time.Millisecond {
		t.Errorf("expected progress interval 500ms, got %s", dl.ProgressInterval)
	}
	if dl.Dir != "/var/lib/skyfall/bundles" {
		t.Errorf("unexpected bundle dir %s", dl.Dir)
	}
	if err := dl.Validate(); err != nil {
		t.Errorf("downloader config invalid: %v", err)
	}

	params, err := cfg.CipherParams()
	if err != nil {
		t.Fatal(err)
	}
	if params.Scheme != cipher.SchemeHeadTailXOR2 {
		t.Errorf("expected head-tail-xor-2, got %s", params.Scheme)
	}
	if diff := cmp.Diff([]byte{90, 165}, params.Keys); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadTOML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "bundlesync.toml", tomlConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	params, err := cfg.CipherParams()
	if err != nil {
		t.Fatal(err)
	}
	want := cipher.Params{Scheme: cipher.SchemeAES, Passphrase: "hunter2", Keys: []byte{}, KDF: "hkdf"}
	if diff := cmp.Diff(want, params); diff != "" {
		t.Errorf("cipher params mismatch (-want +got):\n%s", diff)
	}
	if _, err := cipher.New(params); err != nil {
		t.Errorf("cipher params rejected: %v", err)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("BUNDLESYNC_TEST_SANDBOX", "/srv/sandbox")

	content := `
product: {name: skyfall}
server:
  manifest_url: "https://cdn.example.com/version.json"
  bundle_base_url: "https://cdn.example.com/bundles/"
paths:
  sandbox_dir: "${BUNDLESYNC_TEST_SANDBOX}"
`
	cfg, err := Load(writeConfig(t, "bundlesync.yml", content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Paths.SandboxDir != "/srv/sandbox" {
		t.Errorf("expected expanded sandbox dir, got %s", cfg.Paths.SandboxDir)
	}
}

func TestLoadPassphraseFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "passphrase"), []byte("s3cret\n"), 0600); err != nil {
		t.Fatal(err)
	}
	content := `
product: {name: skyfall}
server:
  manifest_url: "https://cdn.example.com/version.json"
  bundle_base_url: "https://cdn.example.com/bundles/"
paths:
  sandbox_dir: "/var/lib/skyfall"
cipher:
  scheme: chacha20
  passphrase_file: passphrase
`
	path := filepath.Join(dir, "bundlesync.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Cipher.Passphrase != "s3cret" {
		t.Errorf("expected passphrase from file, got %q", cfg.Cipher.Passphrase)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "bad.yaml", "product: [")); err == nil {
		t.Error("expected error for malformed yaml")
	}
	if _, err := Load(writeConfig(t, "bad.toml", "[product\n")); err == nil {
		t.Error("expected error for malformed toml")
	}
	if _, err := Load(writeConfig(t, "empty.yaml", "")); err == nil {
		t.Error("expected validation error for empty config")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing product", mutate: func(c *Config) { c.Product.Name = "" }, wantErr: true},
		{name: "missing manifest url", mutate: func(c *Config) { c.Server.ManifestURL = "" }, wantErr: true},
		{name: "manifest url not http", mutate: func(c *Config) { c.Server.ManifestURL = "ftp://cdn/version.json" }, wantErr: true},
		{name: "bundle url without host", mutate: func(c *Config) { c.Server.BundleBaseURL = "https:///bundles" }, wantErr: true},
		{name: "missing sandbox", mutate: func(c *Config) { c.Paths.SandboxDir = "" }, wantErr: true},
		{name: "relative sandbox", mutate: func(c *Config) { c.Paths.SandboxDir = "relative/sandbox" }, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.Download.MaxRetries = -1 }, wantErr: true},
		{name: "zero concurrency", mutate: func(c *Config) { c.Download.Concurrency = 0 }, wantErr: true},
		{name: "progress slower than 1s", mutate: func(c *Config) { c.Download.ProgressInterval = 5 * time.Second }, wantErr: true},
		{name: "unknown cipher scheme", mutate: func(c *Config) { c.Cipher.Scheme = "rot13" }, wantErr: true},
		{name: "key out of byte range", mutate: func(c *Config) { c.Cipher.Keys = []int{256} }, wantErr: true},
		{
			name: "passphrase and passphrase file",
			mutate: func(c *Config) {
				c.Cipher.Passphrase = "a"
				c.Cipher.PassphraseFile = "/b"
			},
			wantErr: true,
		},
		{
			name: "serve enabled missing listen_addr",
			mutate: func(c *Config) {
				c.Serve = ServeConfig{Enabled: true, SecretFile: "/secret"}
			},
			wantErr: true,
		},
		{
			name: "serve enabled missing secret file",
			mutate: func(c *Config) {
				c.Serve = ServeConfig{Enabled: true, ListenAddr: "127.0.0.1:8080"}
			},
			wantErr: true,
		},
		{
			name: "serve enabled",
			mutate: func(c *Config) {
				c.Serve = ServeConfig{Enabled: true, ListenAddr: "127.0.0.1:8080", SecretFile: "/secret"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigHelpers(t *testing.T) {
	cfg := Config{Paths: PathsConfig{SandboxDir: "/var/lib/skyfall"}}

	tests := []struct {
		got, want string
	}{
		{cfg.LocalManifestPath(), "/var/lib/skyfall/version.json"},
		{cfg.RecordManifestPath(), "/var/lib/skyfall/record.json"},
		{cfg.StateDBPath(), "/var/lib/skyfall/state.db"},
		{cfg.BundleDir(), "/var/lib/skyfall/bundles"},
	}
	for _, tt := range tests {
		if tt.got != filepath.FromSlash(tt.want) {
			t.Errorf("got %s, want %s", tt.got, tt.want)
		}
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	if cfg.Cipher.Scheme != "none" {
		t.Errorf("applyDefaults() did not set cipher scheme, got %q", cfg.Cipher.Scheme)
	}
	if cfg.Download.Concurrency != 1 {
		t.Errorf("expected default concurrency 1, got %d", cfg.Download.Concurrency)
	}
	if cfg.Download.CheckDiskSpace == nil || !*cfg.Download.CheckDiskSpace {
		t.Error("expected disk space check enabled by default")
	}
	if cfg.Download.ProgressInterval != time.Second {
		t.Errorf("expected default progress interval 1s, got %s", cfg.Download.ProgressInterval)
	}

	// Explicit values must not be overwritten
	off := false
	cfg2 := Config{
		Cipher:   CipherConfig{Scheme: "xor"},
		Download: DownloadConfig{Concurrency: 8, CheckDiskSpace: &off},
	}
	cfg2.applyDefaults()

	if cfg2.Cipher.Scheme != "xor" {
		t.Errorf("applyDefaults() overwrote explicit scheme, got %q", cfg2.Cipher.Scheme)
	}
	if cfg2.Download.Concurrency != 8 {
		t.Errorf("applyDefaults() overwrote explicit concurrency, got %d", cfg2.Download.Concurrency)
	}
	if *cfg2.Download.CheckDiskSpace {
		t.Error("applyDefaults() overwrote explicit disk space setting")
	}
}

func TestWatchReloads(t *testing.T) {
	WatchDebounce = 10 * time.Millisecond
	path := writeConfig(t, "bundlesync.yaml", yamlConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, logger, func(c *Config) { changes <- c })
	}()

	// Give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	// An invalid revision is skipped
	if err := os.WriteFile(path, []byte("product: {}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(
		"product: {name: moonfall}\n"+
			"server: {manifest_url: \"https://cdn.example.com/v.json\", bundle_base_url: \"https://cdn.example.com/b/\"}\n"+
			"paths: {sandbox_dir: /var/lib/moonfall}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changes:
		if cfg.Product.Name != "moonfall" {
			t.Errorf("expected reloaded product moonfall, got %s", cfg.Product.Name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned error: %v", err)
	}
}
