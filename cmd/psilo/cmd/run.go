package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"psilo/internal/app"
	"psilo/internal/types"
)

var feedLimit int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "connect to the configured relays and follow the note feed",
	Long: `run connects to every configured relay, follows kind-1 notes into the
feed repository and keeps going until interrupted. SIGHUP forces a reconnect
of every relay that dropped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, runFeed)
	},
}

func init() {
	runCmd.Flags().IntVar(&feedLimit, "limit", 200, "notes requested per relay on connect")
	rootCmd.AddCommand(runCmd)
}

func runFeed(ctx context.Context, core app.Core) error {
	log := core.Logger

	go func() {
		for change := range core.Pool.WatchStatus(ctx) {
			attrs := []any{"relay", change.URL, "status", change.Status.String()}
			if change.Err != nil {
				attrs = append(attrs, "error", change.Err)
			}
			log.Info("relay status", attrs...)
		}
	}()

	if addr := core.Config.Metrics.Addr; addr != "" {
		srv := serveMetrics(addr, core)
		defer srv.Close()
	}

	for _, url := range core.Config.Relays {
		if _, err := core.Pool.ConnectToRelay(ctx, url); err != nil {
			log.Warn("relay connect failed", "relay", url, "error", err)
		}
		go func(url string) {
			info, err := core.RelayInfo.Get(ctx, url)
			if err != nil {
				log.Debug("relay info unavailable", "relay", url, "error", err)
				return
			}
			log.Info("relay info", "relay", url, "name", info.Name, "software", info.Software)
		}(url)
	}

	sub := core.Feed.Follow(core.Pool, core.Config.Relays, []types.Filter{{
		Kinds: []int{types.KindTextNote},
		Limit: feedLimit,
	}})
	defer sub.Close()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down", "notes", core.Feed.Len())
			return nil
		case <-hup:
			log.Info("reconnecting dropped relays")
			if err := core.Pool.RequestReconnectOnResume(ctx); err != nil {
				log.Warn("reconnect failed", "error", err)
			}
		case <-ticker.C:
			log.Info("feed", "notes", core.Feed.Len(), "connected", len(core.Pool.ConnectedRelays()))
		}
	}
}

func serveMetrics(addr string, core app.Core) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(core.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			core.Logger.Error("metrics server stopped", "error", err)
		}
	}()
	core.Logger.Info("serving metrics", "addr", addr)
	return srv
}
