package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/schaermu/bundlesync/internal/bundle"
	"github.com/schaermu/bundlesync/internal/cipher"
	"github.com/schaermu/bundlesync/internal/config"
	"github.com/schaermu/bundlesync/internal/manifest"
)

var (
	// Manifest build flags
	buildProduct    string
	buildAppVersion string
	buildOutput     string
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Manifest authoring helpers",
}

var manifestBuildCmd = &cobra.Command{
	Use:   "build <dir>",
	Short: "Scan a bundle directory into a manifest",
	Long: `Build hashes every file below dir and writes a manifest that lists them by
their slash-separated path relative to dir. The resource version is derived
from the app version and the current time.`,
	Args: cobra.ExactArgs(1),
	RunE: runManifestBuild,
}

var encryptCmd = &cobra.Command{
	Use:   "encrypt <in> <out>",
	Short: "Encrypt a file with the configured cipher scheme",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transform(args[0], args[1], bundle.EncryptFile)
	},
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt <in> <out>",
	Short: "Decrypt a file with the configured cipher scheme",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transform(args[0], args[1], bundle.DecryptFile)
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <name>",
	Short: "Write the plaintext of a downloaded bundle to stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  runCat,
}

func init() {
	manifestBuildCmd.Flags().StringVar(&buildProduct, "product", "", "product name (required)")
	manifestBuildCmd.Flags().StringVar(&buildAppVersion, "app-version", "", "application version (required)")
	manifestBuildCmd.Flags().StringVarP(&buildOutput, "output", "o", "", "output file (default stdout)")
	_ = manifestBuildCmd.MarkFlagRequired("product")
	_ = manifestBuildCmd.MarkFlagRequired("app-version")

	manifestCmd.AddCommand(manifestBuildCmd)
}

func runManifestBuild(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	m, err := manifest.Scan(args[0], buildProduct, buildAppVersion, time.Now())
	if err != nil {
		return err
	}
	logger.Info("manifest built",
		"files", m.FileCount(),
		"total_size", m.TotalSize(),
		"res_version", m.ResourceVersion)

	if buildOutput != "" {
		return manifest.Save(buildOutput, m)
	}

	data, err := manifest.Marshal(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func transform(in, out string, fn func(src, dst string, codec cipher.Codec) error) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}
	return fn(in, out, codec)
}

func runCat(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}

	rc, err := bundle.NewDir(cfg.BundleDir(), codec).Open(args[0])
	if err != nil {
		return err
	}
	defer func() {
		_ = rc.Close()
	}()

	_, err = io.Copy(cmd.OutOrStdout(), rc)
	return err
}

func newCodec(cfg *config.Config) (cipher.Codec, error) {
	params, err := cfg.CipherParams()
	if err != nil {
		return nil, err
	}
	codec, err := cipher.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to set up cipher %q: %w", cfg.Cipher.Scheme, err)
	}
	return codec, nil
}
