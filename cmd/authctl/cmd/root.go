package cmd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/BradenHooton/bastion/internal/app"
	"github.com/BradenHooton/bastion/internal/config"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "authctl",
	Short: "Operator tooling for the bastion authentication service",
	Long: `authctl generates codec keys, revokes sessions and inspects rate limit
buckets. Commands that touch Postgres or Redis read the same environment
as the API server.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log connection details to stderr")
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openInfra loads configuration and connects to both stores. The caller
// must Close the result.
func openInfra(ctx context.Context) (*app.Infra, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return app.Open(ctx, cfg, newLogger())
}
