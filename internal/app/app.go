// Package app is the composition root: it builds every long-lived component
// from the resolved config and ties their shutdown to the fx lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"psilo/internal/cache"
	"psilo/internal/config"
	"psilo/internal/feed"
	"psilo/internal/metrics"
	"psilo/internal/nwc"
	"psilo/internal/relay"
	"psilo/internal/relayinfo"
	"psilo/internal/services"
	"psilo/internal/signer"
	"psilo/internal/zap"
)

// Module provides the core components
var Module = fx.Module("psilo",
	fx.Provide(
		ProvideMetrics,
		ProvideStore,
		ProvideSigner,
		ProvidePool,
		ProvideRelayInfoManager,
		ProvideRelayInfoRetriever,
		ProvideFeed,
		ProvideLNURL,
		ProvideWalletConfig,
		ProvideWalletClient,
		ProvideZapHandler,
	),
)

// Core is the set of components a command works with
type Core struct {
	fx.In

	Config       *config.Config
	Logger       *slog.Logger
	Registry     *prometheus.Registry
	Store        cache.Store
	Signer       signer.Signer
	Pool         *relay.Pool
	RelayInfo    *relayinfo.Manager
	Retriever    *relayinfo.Retriever
	Feed         *feed.Repository
	LNURL        *services.LNURLClient
	Wallet       *nwc.Client
	WalletConfig *nwc.Config
	Zaps         *zap.Handler
}

// Options supplies cfg and logger and installs Module
func Options(cfg *config.Config, logger *slog.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, logger),
		fx.WithLogger(func() fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		Module,
	)
}

// New builds the application. Extra options typically invoke a command.
func New(cfg *config.Config, logger *slog.Logger, opts ...fx.Option) *fx.App {
	return fx.New(Options(cfg, logger), fx.Options(opts...))
}

func ProvideMetrics() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.New(reg)
}

func ProvideStore(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger) (cache.Store, error) {
	store, err := cache.Open(cache.Config{
		Backend:  cfg.Cache.Backend,
		Path:     cfg.Cache.Path,
		RedisURL: cfg.Cache.RedisURL,
		Prefix:   cfg.Cache.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	log.Debug("cache opened", "backend", cfg.Cache.Backend)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return store.Close() },
	})
	return store, nil
}

// ProvideSigner picks the identity: a private key, then an external signer,
// then a read-only public key, and finally an ephemeral key.
func ProvideSigner(cfg *config.Config, log *slog.Logger) (signer.Signer, error) {
	sc := cfg.Signer
	switch {
	case sc.PrivateKey != "":
		priv, err := signer.ParsePrivateKey(sc.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("signer.private_key: %w", err)
		}
		var pub []byte
		if sc.PublicKey != "" {
			if pub, err = signer.ParsePublicKey(sc.PublicKey); err != nil {
				return nil, fmt.Errorf("signer.public_key: %w", err)
			}
		}
		keys, err := signer.NewKeyPair(priv, pub)
		if err != nil {
			return nil, err
		}
		return signer.NewLocalSigner(keys), nil

	case sc.ExternalPackage != "":
		return signer.NewExternalSigner(sc.PublicKey, sc.ExternalPackage,
			&signer.ExecResolver{Path: sc.ExternalCommand})

	case sc.PublicKey != "":
		pub, err := signer.ParsePublicKey(sc.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("signer.public_key: %w", err)
		}
		keys, err := signer.NewKeyPair(nil, pub)
		if err != nil {
			return nil, err
		}
		log.Info("read-only identity, signing disabled", "pubkey", keys.PubKeyHex())
		return signer.NewLocalSigner(keys), nil

	default:
		s, err := signer.NewThrowawaySigner()
		if err != nil {
			return nil, err
		}
		log.Warn("no signer configured, using an ephemeral key", "pubkey", s.PubKey())
		return s, nil
	}
}

func ProvidePool(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger, m *metrics.Metrics, s signer.Signer) *relay.Pool {
	opts := []relay.Option{
		relay.WithLogger(log.With("component", "relay")),
		relay.WithMetrics(m),
		relay.WithAutoReconnect(cfg.Relay.AutoReconnect),
		relay.WithDialTimeout(cfg.Relay.DialTimeout),
	}
	if s.IsWriteable() {
		opts = append(opts, relay.WithAuthSigner(s))
	}
	if cfg.Relay.AllowPrivate {
		opts = append(opts, relay.WithURLCheck(anyWebsocketURL))
	}
	pool := relay.NewPool(opts...)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return pool.Close() },
	})
	return pool
}

func anyWebsocketURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "ws" || u.Scheme == "wss") && u.Host != ""
}

func ProvideRelayInfoManager(lc fx.Lifecycle, store cache.Store, log *slog.Logger, m *metrics.Metrics) *relayinfo.Manager {
	mgr := relayinfo.NewManager(context.Background(), relayinfo.NewHTTPFetcher(), store,
		relayinfo.WithLogger(log.With("component", "relayinfo")),
		relayinfo.WithMetrics(m),
	)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			mgr.Flush(ctx)
			return nil
		},
	})
	return mgr
}

func ProvideRelayInfoRetriever(lc fx.Lifecycle, log *slog.Logger, m *metrics.Metrics) *relayinfo.Retriever {
	r := relayinfo.NewRetriever(relayinfo.NewHTTPFetcher(),
		relayinfo.WithLogger(log.With("component", "relayinfo")),
		relayinfo.WithMetrics(m),
	)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			r.Close()
			return nil
		},
	})
	return r
}

func ProvideFeed(lc fx.Lifecycle, cfg *config.Config, store cache.Store, log *slog.Logger) (*feed.Repository, error) {
	repo, err := feed.NewRepository(store,
		feed.WithMaxNotes(cfg.Feed.MaxNotes),
		feed.WithThreadCacheSize(cfg.Feed.ThreadCache),
		feed.WithLogger(log.With("component", "feed")),
	)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			n, err := repo.Load(ctx)
			if err != nil {
				log.Warn("feed snapshot not restored", "error", err)
				return nil
			}
			log.Debug("feed snapshot restored", "notes", n)
			return nil
		},
		OnStop: func(ctx context.Context) error { return repo.Save(ctx) },
	})
	return repo, nil
}

func ProvideLNURL(cfg *config.Config, log *slog.Logger) *services.LNURLClient {
	c := services.NewLNURLClient()
	c.AllowPrivateHosts = cfg.Relay.AllowPrivate
	c.Logger = log.With("component", "lnurl")
	return c
}

// ProvideWalletConfig returns nil when no wallet connection is configured
func ProvideWalletConfig(cfg *config.Config) (*nwc.Config, error) {
	if cfg.NWC.URI == "" {
		return nil, nil
	}
	wc, err := nwc.ParseURI(cfg.NWC.URI)
	if err != nil {
		return nil, fmt.Errorf("nwc.uri: %w", err)
	}
	return wc, nil
}

func ProvideWalletClient(cfg *config.Config, pool *relay.Pool, log *slog.Logger, m *metrics.Metrics) *nwc.Client {
	c := nwc.NewClient(pool, log.With("component", "nwc"), m)
	c.Timeout = cfg.Zap.Timeout
	return c
}

func ProvideZapHandler(cfg *config.Config, ln *services.LNURLClient, wallet *nwc.Client, s signer.Signer, wc *nwc.Config, repo *feed.Repository, log *slog.Logger, m *metrics.Metrics) *zap.Handler {
	return zap.NewHandler(ln, wallet, s, wc,
		zap.WithLogger(log.With("component", "zap")),
		zap.WithMetrics(m),
		zap.WithProfiles(repo),
		zap.WithPaymentTimeout(cfg.Zap.Timeout),
	)
}
