package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nabu-linux/lon-deployer/pkg/artifact"
	"github.com/nabu-linux/lon-deployer/pkg/db"
	"github.com/nabu-linux/lon-deployer/pkg/errors"
)

var (
	cleanupAll      bool
	cleanupArtifact string
	cleanupOrphaned bool
	cleanupKeepRuns int
	cleanupFSM      bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up local state (cached artifacts, run history, workflow store)",
	Long: `Clean up local state left behind by deployments:
  --all               Remove every cached artifact and the workflow store
  --artifact <name>   Remove one cached artifact
  --orphaned          Remove cache files that are not in the manifest
  --keep-runs <n>     Keep only the n most recent runs in history
  --fsm               Remove the workflow store`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Clean all cached artifacts and the workflow store")
	cleanupCmd.Flags().StringVar(&cleanupArtifact, "artifact", "", "Clean a specific cached artifact by name")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Clean cache files not in the manifest")
	cleanupCmd.Flags().IntVar(&cleanupKeepRuns, "keep-runs", -1, "Prune run history down to the n most recent runs")
	cleanupCmd.Flags().BoolVar(&cleanupFSM, "fsm", false, "Clean the workflow store")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if !cleanupAll && cleanupArtifact == "" && !cleanupOrphaned && cleanupKeepRuns < 0 && !cleanupFSM {
		return exitWith(ExitUsage, fmt.Errorf("must specify --all, --artifact, --orphaned, --keep-runs or --fsm"))
	}

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

	out := cmd.OutOrStdout()
	m := manifest(cfg)

	switch {
	case cleanupAll:
		cleanupAllArtifacts(out, repo, cfg.CacheDir, m)
	case cleanupArtifact != "":
		a, ok := m.Lookup(cleanupArtifact)
		if !ok {
			return exitWith(ExitUsage, fmt.Errorf("unknown artifact %q", cleanupArtifact))
		}
		if err := cleanupCachedArtifact(repo, cfg.CacheDir, a); err != nil {
			return errors.Wrap(err, "cleanup failed")
		}
		printInfo(out, "Cleaned: %s", a.Name)
	}

	if cleanupOrphaned {
		n := cleanupOrphanedFiles(out, cfg.CacheDir, m)
		printInfo(out, "Removed %d orphaned files", n)
	}

	if cleanupKeepRuns >= 0 {
		n, err := repo.PruneRuns(cleanupKeepRuns)
		if err != nil {
			return err
		}
		printInfo(out, "Pruned %d runs", n)
	}

	if cleanupAll || cleanupFSM {
		if err := os.RemoveAll(cfg.FSMDBPath); err != nil {
			return errors.Wrap(err, "failed to remove workflow store")
		}
		printInfo(out, "Cleaned workflow store: %s", cfg.FSMDBPath)
	}
	return nil
}

func cleanupAllArtifacts(out io.Writer, repo *db.Repository, cacheDir string, m artifact.Manifest) {
	all := m.All()
	printInfo(out, "Cleaning up %d artifacts...", len(all))
	for _, a := range all {
		if err := cleanupCachedArtifact(repo, cacheDir, a); err != nil {
			printWarn(out, "Failed to clean %s: %v", a.Name, err)
			continue
		}
		printInfo(out, "Cleaned: %s", a.Name)
	}
}

// cleanupCachedArtifact removes the cached file and its index record. A
// missing file is not an error.
func cleanupCachedArtifact(repo *db.Repository, cacheDir string, a artifact.Artifact) error {
	path := filepath.Join(cacheDir, a.Name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove cached file")
	}
	if err := repo.DeleteArtifact(a.Name); err != nil {
		return errors.Wrap(err, "failed to update database")
	}
	return nil
}

// cleanupOrphanedFiles removes cache entries the manifest does not name,
// including partial downloads.
func cleanupOrphanedFiles(out io.Writer, cacheDir string, m artifact.Manifest) int {
	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := m.Lookup(entry.Name()); ok {
			continue
		}
		orphanPath := filepath.Join(cacheDir, entry.Name())
		if err := os.Remove(orphanPath); err != nil {
			printWarn(out, "Failed to remove orphaned file %s: %v", entry.Name(), err)
			continue
		}
		printInfo(out, "Removed orphaned file: %s", entry.Name())
		removed++
	}
	return removed
}
