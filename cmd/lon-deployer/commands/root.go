package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X ...commands.Version=...".
var Version = "dev"

var logLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:   "lon-deployer [flags] <rootfs>",
	Short: "Linux on Nabu deployer",
	Long: `Provisions a Linux root filesystem onto a Xiaomi Pad 5 (nabu): optionally
repartitions the tablet, streams the rootfs image, creates the user account
and installs the UEFI boot image.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			logLevel.Set(slog.LevelDebug)
		}
	},
	RunE: runDeploy,
}

// Execute runs the CLI and exits with the code chosen for the failure.
// level is the default logger's level, lowered by --debug.
func Execute(level *slog.LevelVar) {
	if level != nil {
		logLevel = level
	}
	if err := rootCmd.Execute(); err != nil {
		if !isReported(err) {
			printErr(os.Stderr, "Error: %v", err)
		}
		os.Exit(exitCode(err, nil))
	}
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "show version and exit")
	rootCmd.Flags().StringP("device-serial", "d", "", "device serial")
	rootCmd.Flags().StringP("username", "u", "", "linux user name")
	rootCmd.Flags().StringP("password", "p", "", "linux user password")
	rootCmd.Flags().StringP("part-size", "S", "", "linux partition size in percents")

	rootCmd.PersistentFlags().Bool("debug", false, "enable debug output")
	rootCmd.PersistentFlags().String("cache-dir", "files", "Artifact cache directory")
	rootCmd.PersistentFlags().String("db-path", ".lon-deployer/lon.db", "SQLite database path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".lon-deployer/fsm", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("output-dir", ".", "Directory for the patched and backup boot images")
	rootCmd.PersistentFlags().String("artifact-base-url", "https://timoxa0.su", "Artifact host")
	rootCmd.PersistentFlags().String("artifact-s3-bucket", "", "S3 bucket mirroring the artifact host")
	rootCmd.PersistentFlags().Bool("accept-unverified", false, "Use artifacts whose checksum never matched")
	rootCmd.PersistentFlags().String("adb-addr", "127.0.0.1:5037", "adb server address")
	rootCmd.PersistentFlags().String("nats-url", "", "NATS server for workflow events")

	viper.BindPFlag("cache-dir", rootCmd.PersistentFlags().Lookup("cache-dir"))
	viper.BindPFlag("db-path", rootCmd.PersistentFlags().Lookup("db-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("output-dir", rootCmd.PersistentFlags().Lookup("output-dir"))
	viper.BindPFlag("artifact-base-url", rootCmd.PersistentFlags().Lookup("artifact-base-url"))
	viper.BindPFlag("artifact-s3-bucket", rootCmd.PersistentFlags().Lookup("artifact-s3-bucket"))
	viper.BindPFlag("accept-unverified", rootCmd.PersistentFlags().Lookup("accept-unverified"))
	viper.BindPFlag("adb-addr", rootCmd.PersistentFlags().Lookup("adb-addr"))
	viper.BindPFlag("nats-url", rootCmd.PersistentFlags().Lookup("nats-url"))
}

func printVersion(cmd *cobra.Command) {
	fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", Version)
}
