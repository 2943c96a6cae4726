// Package cli wires the convoscore commands: the long-running serve
// process plus administrative job maintenance commands.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"convoscore/internal/common"
	"convoscore/internal/config"
	"convoscore/internal/jobs"
)

var rootCmd = &cobra.Command{
	Use:           "convoscore",
	Short:         "Async evaluation service for call transcripts",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	// Optional .env for local development; missing file is fine.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().String("config", "", "path to config file (default: $CONVOSCORE_CONFIG or config.yaml)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(reportCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func openStore(logger *slog.Logger, cfg *config.Config) (jobs.Store, error) {
	switch cfg.Storage.Backend {
	case common.StorageBackendSQLite:
		return jobs.NewSQLiteStore(logger, cfg.Storage.DatabasePath, cfg.Storage.MaxAge)
	default:
		return jobs.NewFileStore(logger, filepath.Join(cfg.Storage.Dir, common.JobsDirName), cfg.Storage.MaxAge)
	}
}
