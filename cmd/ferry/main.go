package main

import (
	"fmt"
	"os"

	"github.com/cuemby/ferry/pkg/config"
	"github.com/cuemby/ferry/pkg/log"
	"github.com/cuemby/ferry/pkg/security"
	"github.com/cuemby/ferry/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded before any subcommand runs
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ferry",
	Short: "Ferry - scheduled backup shipping for replicated block storage",
	Long: `Ferry snapshots replicated volumes on a cron schedule and ships them
to S3 compatible object stores or to a second storage cluster.

Run "ferry run" to start the control plane. The schedule, remote, resource
and backup commands edit the state of a stopped control plane; it arms
everything it finds when it starts.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Ferry version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory, overrides the configuration")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log in JSON format")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(remoteCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(resourceCmd)
	rootCmd.AddCommand(backupCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	loaded, err := config.Load(path)
	if err != nil {
		return err
	}

	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		loaded.DataDir = dataDir
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		loaded.Log.Level = level
	}
	if cmd.Flags().Changed("log-json") {
		loaded.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}
	if err := loaded.Validate(); err != nil {
		return err
	}

	logging := loaded.Logging()
	// stdout belongs to the command output
	logging.Output = os.Stderr
	log.Init(logging)

	cfg = loaded
	return nil
}

func openStore() (*storage.BoltStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("%w (is ferry run holding %s?)", err, cfg.DataDir)
	}
	return store, nil
}

func newSealer() (*security.Sealer, error) {
	if cfg.MasterPassphrase == "" {
		return nil, fmt.Errorf("no master passphrase, set master_passphrase or %s", config.PassphraseEnv)
	}
	return security.NewSealerFromPassphrase(cfg.MasterPassphrase)
}
