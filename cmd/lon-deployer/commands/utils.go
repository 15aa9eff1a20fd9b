package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"

	"github.com/nabu-linux/lon-deployer/internal/config"
	"github.com/nabu-linux/lon-deployer/pkg/adb"
	"github.com/nabu-linux/lon-deployer/pkg/artifact"
	"github.com/nabu-linux/lon-deployer/pkg/db"
	"github.com/nabu-linux/lon-deployer/pkg/device"
	"github.com/nabu-linux/lon-deployer/pkg/errors"
	"github.com/nabu-linux/lon-deployer/pkg/progress"
	"github.com/nabu-linux/lon-deployer/pkg/storage"
)

var (
	infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	promptStyle = lipgloss.NewStyle().Bold(true)
)

func printInfo(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, infoStyle.Render(fmt.Sprintf(format, args...)))
}

func printWarn(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf(format, args...)))
}

func printErr(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, errStyle.Render(fmt.Sprintf(format, args...)))
}

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(dbPath, fsmDBPath, outputDir string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Create FSM database directory (only needed for deploy)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	// Create output directory (only needed for deploy)
	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create output directory")
		}
	}

	return nil
}

// loadConfig loads and validates configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, exitWith(ExitUsage, errors.Wrap(err, "invalid config"))
	}
	return cfg, nil
}

// newSource picks the S3 bucket when one is configured, the HTTP host otherwise.
func newSource(ctx context.Context, cfg *config.Config) (artifact.Source, error) {
	if cfg.ArtifactS3Bucket != "" {
		client, err := storage.NewClient(ctx, cfg.ArtifactS3Bucket, cfg.ArtifactS3Region)
		if err != nil {
			return nil, errors.Wrap(err, "s3 client init failed")
		}
		return client, nil
	}
	return artifact.NewHTTPSource(http.DefaultClient, cfg.ArtifactInfoURL), nil
}

// newCache builds the artifact cache backed by the configured source, with
// fetches recorded in repo and progress drawn on out.
func newCache(ctx context.Context, cfg *config.Config, repo *db.Repository, out io.Writer) (*artifact.Cache, error) {
	source, err := newSource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return artifact.NewCache(cfg.CacheDir, source,
		artifact.WithIndex(repo),
		artifact.WithMaxAttempts(cfg.ArtifactMaxAttempts),
		artifact.WithProgress(artifactProgress(out)),
	), nil
}

// artifactProgress draws one bar per download and closes it when the
// declared size is reached.
func artifactProgress(out io.Writer) func(a artifact.Artifact) progress.Func {
	return func(a artifact.Artifact) progress.Func {
		bar := progress.NewBar(out, "Downloading "+a.Name)
		return func(done, total int64) {
			bar.Update(done, total)
			if total > 0 && done >= total {
				bar.Done(done, total)
			}
		}
	}
}

func manifest(cfg *config.Config) artifact.Manifest {
	return artifact.DefaultManifest(cfg.ArtifactBaseURL)
}

func deviceOptions(cfg *config.Config) device.Options {
	return device.Options{
		Product:         cfg.DeviceProduct,
		WaitAttempts:    cfg.BootloaderWaitAttempts,
		PollInterval:    device.DefaultOptions().PollInterval,
		Settle:          cfg.ListenerSettle,
		TransferTimeout: cfg.TransferTimeout,
		FreePort:        adb.FreePort,
	}
}
