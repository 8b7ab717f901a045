package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	config "tenderhub/configs"
	"tenderhub/pkg/logger"
)

var (
	cfg         *config.Config
	flagVerbose bool
)

func main() {
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentPreRunE = initJobctl

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newEnqueueCmd())
	rootCmd.AddCommand(newSmokeCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		logger.Error("jobctl failed", zap.Error(err))
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "jobctl",
	Short:         "Run and queue tenderhub worker jobs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func initJobctl(_ *cobra.Command, _ []string) error {
	cfg = config.LoadConfig()

	// stdout carries command output; logs go to stderr.
	lc := logger.DefaultConfig("jobctl")
	lc.Encoding = "console"
	lc.OutputPath = "stderr"
	if flagVerbose {
		lc.Level = "debug"
	}
	_, err := logger.Init(lc)
	return err
}
