package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nabu-linux/lon-deployer/internal/session"
	"github.com/nabu-linux/lon-deployer/pkg/db"
	"github.com/nabu-linux/lon-deployer/pkg/errors"
	"github.com/nabu-linux/lon-deployer/pkg/mirror"
	"github.com/nabu-linux/lon-deployer/pkg/progress"
	"github.com/nabu-linux/lon-deployer/pkg/storage"
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Manage the local artifact cache",
}

var artifactsFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download and verify every artifact a deployment needs",
	Args:  cobra.NoArgs,
	RunE:  runArtifactsFetch,
}

var artifactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached artifacts and their integrity",
	Args:  cobra.NoArgs,
	RunE:  runArtifactsList,
}

var artifactsServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the artifact cache to other deployers",
	Args:  cobra.NoArgs,
	RunE:  runArtifactsServe,
}

func init() {
	artifactsListCmd.Flags().StringP("output", "o", "table", "Output format: table, json or yaml")
	artifactsListCmd.Flags().Bool("remote", false, "List the objects in the configured S3 bucket instead")
	artifactsServeCmd.Flags().String("addr", ":8080", "Listen address")

	artifactsCmd.AddCommand(artifactsFetchCmd, artifactsListCmd, artifactsServeCmd)
	rootCmd.AddCommand(artifactsCmd)
}

func runArtifactsFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := ensureDirectories(cfg.DBPath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	sess := session.New(cmd.ErrOrStderr())
	ctx, stop := sess.Watch(cmd.Context())
	defer stop()

	cache, err := newCache(ctx, cfg, repo, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var failed error
	for _, a := range manifest(cfg).All() {
		res, err := cache.Fetch(ctx, a)
		switch {
		case err == nil:
			fmt.Fprintf(out, "%-28s %-10s %s\n", a.Name, res.Integrity, progress.FormatBytes(res.Size))
		case errors.Is(err, errors.ErrIntegrityUnverifiable) && cfg.AcceptUnverified:
			fmt.Fprintf(out, "%-28s %-10s %s\n", a.Name, res.Integrity, progress.FormatBytes(res.Size))
		default:
			printErr(cmd.ErrOrStderr(), "%s: %v", a.Name, err)
			if failed == nil {
				failed = err
			}
		}
	}
	return failed
}

type artifactView struct {
	Name      string `json:"name" yaml:"name"`
	URL       string `json:"url" yaml:"url"`
	MD5       string `json:"md5" yaml:"md5"`
	Size      int64  `json:"size" yaml:"size"`
	Integrity string `json:"integrity" yaml:"integrity"`
	FetchedAt string `json:"fetched_at" yaml:"fetched_at"`
}

func runArtifactsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("output")
	out := cmd.OutOrStdout()

	if remote, _ := cmd.Flags().GetBool("remote"); remote {
		if cfg.ArtifactS3Bucket == "" {
			return exitWith(ExitUsage, errors.New("--remote needs artifact-s3-bucket"))
		}
		client, err := storage.NewClient(cmd.Context(), cfg.ArtifactS3Bucket, cfg.ArtifactS3Region)
		if err != nil {
			return errors.Wrap(err, "s3 client init failed")
		}
		keys, err := client.ListObjects(cmd.Context(), strings.TrimPrefix(mirror.SharePrefix, "/"))
		if err != nil {
			return exitWith(ExitArtifact, err)
		}
		if done, err := writeStructured(out, format, keys); done {
			return err
		}
		for _, k := range keys {
			fmt.Fprintln(out, k)
		}
		return nil
	}

	if err := ensureDirectories(cfg.DBPath, "", ""); err != nil {
		return err
	}
	repo, err := db.NewRepository(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	records, err := repo.ListArtifacts()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	views := make([]artifactView, 0, len(records))
	for _, r := range records {
		views = append(views, artifactView{
			Name: r.Name, URL: r.URL, MD5: r.MD5, Size: r.Size,
			Integrity: r.Integrity, FetchedAt: r.FetchedAt,
		})
	}
	if done, err := writeStructured(out, format, views); done {
		return err
	}

	if len(views) == 0 {
		fmt.Fprintln(out, "No artifacts cached")
		return nil
	}

	fmt.Fprintf(out, "%-28s %-10s %-10s %-32s %s\n", "NAME", "INTEGRITY", "SIZE", "MD5", "FETCHED")
	fmt.Fprintln(out, strings.Repeat("-", 100))
	for _, v := range views {
		fmt.Fprintf(out, "%-28s %-10s %-10s %-32s %s\n",
			v.Name, v.Integrity, progress.FormatBytes(v.Size), v.MD5, v.FetchedAt)
	}
	return nil
}

func runArtifactsServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr, _ := cmd.Flags().GetString("addr")

	sess := session.New(cmd.ErrOrStderr())
	ctx, stop := sess.Watch(cmd.Context())
	defer stop()

	printInfo(cmd.ErrOrStderr(), "Serving %s on %s", cfg.CacheDir, addr)
	return mirror.NewServer(cfg.CacheDir, manifest(cfg)).ListenAndServe(ctx, addr)
}
