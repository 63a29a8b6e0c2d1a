package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/bundlesync/internal/cipher"
	"github.com/schaermu/bundlesync/internal/download"
)

// Config represents the complete bundlesync configuration
type Config struct {
	Product  ProductConfig  `yaml:"product" toml:"product"`
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Paths    PathsConfig    `yaml:"paths" toml:"paths"`
	Download DownloadConfig `yaml:"download" toml:"download"`
	Cipher   CipherConfig   `yaml:"cipher" toml:"cipher"`
	Serve    ServeConfig    `yaml:"serve" toml:"serve"`
}

// ProductConfig identifies the content product being kept in sync
type ProductConfig struct {
	Name string `yaml:"name" toml:"name"`
	// BuiltinManifest is the manifest shipped with the application build
	BuiltinManifest string `yaml:"builtin_manifest" toml:"builtin_manifest"`
}

// ServerConfig configures where manifests and bundles are published
type ServerConfig struct {
	ManifestURL   string        `yaml:"manifest_url" toml:"manifest_url"`
	BundleBaseURL string        `yaml:"bundle_base_url" toml:"bundle_base_url"`
	Timeout       time.Duration `yaml:"timeout" toml:"timeout"`
	UserAgent     string        `yaml:"user_agent" toml:"user_agent"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	SandboxDir string `yaml:"sandbox_dir" toml:"sandbox_dir"`
}

// DownloadConfig configures bundle transfers
type DownloadConfig struct {
	MaxRetries       int           `yaml:"max_retries" toml:"max_retries"`
	Concurrency      int           `yaml:"concurrency" toml:"concurrency"`
	BackoffInitial   time.Duration `yaml:"backoff_initial" toml:"backoff_initial"`
	BackoffMax       time.Duration `yaml:"backoff_max" toml:"backoff_max"`
	ProgressInterval time.Duration `yaml:"progress_interval" toml:"progress_interval"`
	CheckDiskSpace   *bool         `yaml:"check_disk_space" toml:"check_disk_space"`
}

// CipherConfig configures how bundles are obfuscated at rest
type CipherConfig struct {
	Scheme         string `yaml:"scheme" toml:"scheme"`
	Passphrase     string `yaml:"passphrase" toml:"passphrase"`
	PassphraseFile string `yaml:"passphrase_file" toml:"passphrase_file"`
	Keys           []int  `yaml:"keys" toml:"keys"`
	DummySize      int    `yaml:"dummy_size" toml:"dummy_size"`
	Seed           int64  `yaml:"seed" toml:"seed"`
	Counter        uint32 `yaml:"counter" toml:"counter"`
	KDF            string `yaml:"kdf" toml:"kdf"`
}

// ServeConfig configures the publish notification server
type ServeConfig struct {
	Enabled         bool          `yaml:"enabled" toml:"enabled"`
	ListenAddr      string        `yaml:"listen_addr" toml:"listen_addr"`
	SecretFile      string        `yaml:"secret_file" toml:"secret_file"`
	AllowedProducts []string      `yaml:"allowed_products" toml:"allowed_products"`
	Debounce        time.Duration `yaml:"debounce" toml:"debounce"`
	WatchConfig     bool          `yaml:"watch_config" toml:"watch_config"`
}

// Load reads and parses the configuration file. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := parse(path, data)
	if err != nil {
		return nil, err
	}

	if err := cfg.resolve(filepath.Dir(path)); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parse(path string, data []byte) (*Config, error) {
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	return &cfg, nil
}

// resolve runs the post-decode pipeline shared by Load and Watch
func (c *Config) resolve(baseDir string) error {
	c.expandEnv()
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Cipher.PassphraseFile != "" && c.Cipher.Passphrase == "" {
		p := c.Cipher.PassphraseFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read cipher passphrase file: %w", err)
		}
		c.Cipher.Passphrase = strings.TrimSpace(string(data))
	}
	return nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Product.Name = os.ExpandEnv(c.Product.Name)
	c.Product.BuiltinManifest = os.ExpandEnv(c.Product.BuiltinManifest)
	c.Server.ManifestURL = os.ExpandEnv(c.Server.ManifestURL)
	c.Server.BundleBaseURL = os.ExpandEnv(c.Server.BundleBaseURL)
	c.Paths.SandboxDir = os.ExpandEnv(c.Paths.SandboxDir)
	c.Cipher.Passphrase = os.ExpandEnv(c.Cipher.Passphrase)
	c.Cipher.PassphraseFile = os.ExpandEnv(c.Cipher.PassphraseFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	def := download.DefaultConfig()

	if c.Server.Timeout == 0 {
		c.Server.Timeout = 30 * time.Second
	}
	if c.Server.UserAgent == "" {
		c.Server.UserAgent = "bundlesync"
	}
	if c.Download.Concurrency == 0 {
		c.Download.Concurrency = def.Concurrency
	}
	if c.Download.MaxRetries == 0 {
		c.Download.MaxRetries = def.MaxRetries
	}
	if c.Download.BackoffInitial == 0 {
		c.Download.BackoffInitial = def.BackoffInitial
	}
	if c.Download.BackoffMax == 0 {
		c.Download.BackoffMax = def.BackoffMax
	}
	if c.Download.ProgressInterval == 0 {
		c.Download.ProgressInterval = def.ProgressInterval
	}
	if c.Download.CheckDiskSpace == nil {
		v := def.CheckDiskSpace
		c.Download.CheckDiskSpace = &v
	}
	if c.Cipher.Scheme == "" {
		c.Cipher.Scheme = cipher.SchemeNone.String()
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = 2 * time.Second
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Product.Name == "" {
		return fmt.Errorf("product.name is required")
	}

	// Validate server
	if c.Server.ManifestURL == "" {
		return fmt.Errorf("server.manifest_url is required")
	}
	if err := validateHTTPURL(c.Server.ManifestURL); err != nil {
		return fmt.Errorf("server.manifest_url: %w", err)
	}
	if c.Server.BundleBaseURL == "" {
		return fmt.Errorf("server.bundle_base_url is required")
	}
	if err := validateHTTPURL(c.Server.BundleBaseURL); err != nil {
		return fmt.Errorf("server.bundle_base_url: %w", err)
	}
	if c.Server.Timeout < 0 {
		return fmt.Errorf("server.timeout must not be negative")
	}

	// Validate paths
	if c.Paths.SandboxDir == "" {
		return fmt.Errorf("paths.sandbox_dir is required")
	}
	if !filepath.IsAbs(c.Paths.SandboxDir) {
		return fmt.Errorf("paths.sandbox_dir must be an absolute path: %s", c.Paths.SandboxDir)
	}

	// Validate download
	if c.Download.MaxRetries < 0 {
		return fmt.Errorf("download.max_retries must not be negative")
	}
	if c.Download.Concurrency < 1 {
		return fmt.Errorf("download.concurrency must be at least 1")
	}
	if c.Download.ProgressInterval < 0 || c.Download.ProgressInterval > time.Second {
		return fmt.Errorf("download.progress_interval must be at most 1s")
	}

	// Validate cipher
	if _, err := cipher.ParseScheme(c.Cipher.Scheme); err != nil {
		return fmt.Errorf("cipher.scheme: %w", err)
	}
	for _, k := range c.Cipher.Keys {
		if k < 0 || k > 255 {
			return fmt.Errorf("cipher.keys: %d is not a byte value", k)
		}
	}
	if c.Cipher.Passphrase != "" && c.Cipher.PassphraseFile != "" {
		return fmt.Errorf("cipher: only one of passphrase or passphrase_file may be set")
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.SecretFile == "" {
			return fmt.Errorf("serve.secret_file is required when serve is enabled")
		}
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

// LocalManifestPath returns the path of the mutable local manifest copy
func (c *Config) LocalManifestPath() string {
	return filepath.Join(c.Paths.SandboxDir, "version.json")
}

// RecordManifestPath returns the path of the cumulative record manifest
func (c *Config) RecordManifestPath() string {
	return filepath.Join(c.Paths.SandboxDir, "record.json")
}

// StateDBPath returns the path of the per-file hash store
func (c *Config) StateDBPath() string {
	return filepath.Join(c.Paths.SandboxDir, "state.db")
}

// BundleDir returns the directory bundles are downloaded into
func (c *Config) BundleDir() string {
	return filepath.Join(c.Paths.SandboxDir, "bundles")
}

// CipherParams converts the cipher section into codec parameters
func (c *Config) CipherParams() (cipher.Params, error) {
	scheme, err := cipher.ParseScheme(c.Cipher.Scheme)
	if err != nil {
		return cipher.Params{}, err
	}
	keys := make([]byte, len(c.Cipher.Keys))
	for i, k := range c.Cipher.Keys {
		keys[i] = byte(k)
	}
	return cipher.Params{
		Scheme:     scheme,
		Passphrase: c.Cipher.Passphrase,
		Keys:       keys,
		DummySize:  c.Cipher.DummySize,
		Seed:       c.Cipher.Seed,
		Counter:    c.Cipher.Counter,
		KDF:        c.Cipher.KDF,
	}, nil
}

// DownloaderConfig returns the downloader settings for the sandbox
func (c *Config) DownloaderConfig() download.Config {
	checkSpace := true
	if c.Download.CheckDiskSpace != nil {
		checkSpace = *c.Download.CheckDiskSpace
	}
	return download.Config{
		BaseURL:          c.Server.BundleBaseURL,
		Dir:              c.BundleDir(),
		MaxRetries:       c.Download.MaxRetries,
		Concurrency:      c.Download.Concurrency,
		BackoffInitial:   c.Download.BackoffInitial,
		BackoffMax:       c.Download.BackoffMax,
		ProgressInterval: c.Download.ProgressInterval,
		CheckDiskSpace:   checkSpace,
	}
}
