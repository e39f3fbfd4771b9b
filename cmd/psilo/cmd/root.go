package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"psilo/internal/app"
	"psilo/internal/config"
	"psilo/internal/logging"
)

const stopTimeout = 15 * time.Second

var (
	cfgFile string

	v         *viper.Viper
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	initErr   error
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "psilo",
	Short: "nostr relay client with NIP-57 zaps over Nostr Wallet Connect",
	Long: `psilo

keeps connections to a set of nostr relays, follows the note feed, caches
relay information documents and sends zaps through a Lightning address
and a Nostr Wallet Connect wallet.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initErr
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	v = config.New()
	rootCmd.PersistentFlags().StringVarP(&cfgFile,
		"config", "c", "", "config file (default ./psilo.yaml or $HOME/.config/psilo/psilo.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-file", "", "write logs to this file with rotation")
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.file", rootCmd.PersistentFlags().Lookup("log-file"))
	cobra.OnInitialize(initConfig)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if initErr = config.Read(v, cfgFile); initErr != nil {
		return
	}
	if cfg, initErr = config.Load(v); initErr != nil {
		return
	}
	logger, logCloser = logging.Init(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if used := v.ConfigFileUsed(); used != "" {
		logger.Debug("using config file", "path", used)
	}
}

// withCore starts the component graph, runs fn and stops the graph again
func withCore(cmd *cobra.Command, fn func(ctx context.Context, core app.Core) error) error {
	var core app.Core
	a := app.New(cfg, logger, fx.Populate(&core))
	if err := a.Err(); err != nil {
		return err
	}

	ctx := cmd.Context()
	startCtx, cancel := context.WithTimeout(ctx, a.StartTimeout())
	defer cancel()
	if err := a.Start(startCtx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := a.Stop(stopCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	return fn(ctx, core)
}
