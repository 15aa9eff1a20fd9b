package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nabu-linux/lon-deployer/pkg/db"
	"github.com/nabu-linux/lon-deployer/pkg/errors"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past deployments",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "Number of runs to show, 0 for all")
	historyCmd.Flags().StringP("output", "o", "table", "Output format: table, json or yaml")
	rootCmd.AddCommand(historyCmd)
}

type runView struct {
	ID               string `json:"id" yaml:"id"`
	Serial           string `json:"serial" yaml:"serial"`
	RootFS           string `json:"rootfs" yaml:"rootfs"`
	RootFSBlake3     string `json:"rootfs_blake3,omitempty" yaml:"rootfs_blake3,omitempty"`
	PartitionPercent int    `json:"partition_percent" yaml:"partition_percent"`
	State            string `json:"state" yaml:"state"`
	Status           string `json:"status" yaml:"status"`
	ExitCode         int    `json:"exit_code" yaml:"exit_code"`
	Error            string `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt        string `json:"created_at" yaml:"created_at"`
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	format, _ := cmd.Flags().GetString("output")

	// Ensure database directory exists
	if err := ensureDirectories(cfg.DBPath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	runs, err := repo.ListRuns(limit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	views := make([]runView, 0, len(runs))
	for _, r := range runs {
		views = append(views, runView{
			ID: r.ID, Serial: r.Serial, RootFS: r.RootFS, RootFSBlake3: r.RootFSBlake3,
			PartitionPercent: r.PartitionPercent, State: r.State, Status: r.Status,
			ExitCode: r.ExitCode, Error: r.ErrorMessage, CreatedAt: r.CreatedAt,
		})
	}
	out := cmd.OutOrStdout()
	if done, err := writeStructured(out, format, views); done {
		return err
	}

	if len(views) == 0 {
		fmt.Fprintln(out, "No deployments found")
		return nil
	}

	fmt.Fprintf(out, "%-36s %-16s %-18s %-10s %-5s %s\n", "RUN", "SERIAL", "STATE", "STATUS", "EXIT", "STARTED")
	fmt.Fprintln(out, strings.Repeat("-", 110))
	for _, v := range views {
		fmt.Fprintf(out, "%-36s %-16s %-18s %-10s %-5d %s\n",
			v.ID, v.Serial, v.State, v.Status, v.ExitCode, v.CreatedAt)
	}
	return nil
}
