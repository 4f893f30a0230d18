// Command dexproxy wires a DEX Core instance to its configured adapter
// and exposes it over the HTTP/WS transport (spec §9 "one DEX Core
// instance is constructed at startup and passed by reference").
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dexproxy/core"
	"dexproxy/internal/config"
	"dexproxy/transport"
)

var buildVersion = "dev"

func main() {
	root := &cobra.Command{Use: "dexproxy"}
	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildVersion)
		},
	}
}

func serveCmd() *cobra.Command {
	var adapterName string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the DEX proxy HTTP/WS gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(adapterName)
		},
	}
	cmd.Flags().StringVar(&adapterName, "adapter", "", "adapter name, overrides config adapter.name")
	return cmd
}

func runServe(adapterFlag string) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg.Logging.Level, cfg.Logging.Format)

	name := cfg.Adapter.Name
	if adapterFlag != "" {
		name = adapterFlag
	}
	if name == "" {
		name = "noop"
	}
	ctor, ok := adapterByName[name]
	if !ok {
		return fmt.Errorf("unknown adapter %q", name)
	}
	pool := core.NewConnPool(core.NewDialer(5*time.Second, 30*time.Second), 16, 90*time.Second)
	defer pool.Close()
	adapter := ctor(core.NewAdapterHTTPClient(pool, cfg.Transport.RequestTimeout))

	store, err := newStore(cfg, log)
	if err != nil {
		return fmt.Errorf("init persistence: %w", err)
	}

	cache := core.NewRequestCache(store, cfg.Policy.FinalisedWindowSize, log)
	if err := cache.ReloadFromStore(context.Background()); err != nil {
		log.WithError(err).Warn("startup reload scan failed, continuing with an empty cache")
	}

	metrics := core.NewMetrics()
	subs := core.NewSubscriptionRegistry(adapter.Channels(), log)
	go subs.RunReaper()
	defer subs.Stop()

	var nonceSource core.ChainNonceSource
	if src, ok := adapter.(core.ChainNonceSource); ok {
		nonceSource = src
	}

	dexCore := core.NewDEXCore(core.DEXCoreConfig{
		Adapter:     adapter,
		Cache:       cache,
		Subs:        subs,
		Metrics:     metrics,
		GasCapWei:   cfg.Policy.GasCapWei,
		NonceSource: nonceSource,
	}, log)

	pollerCfg := core.PollerConfig{
		OrderRecordsInterval:  time.Duration(cfg.Poller.OrderRecordsIntervalMs) * time.Millisecond,
		DelayAfterSubmit:      time.Duration(cfg.Poller.DelayAfterSubmitS) * time.Second,
		OrderActionsInterval:  time.Duration(cfg.Poller.OrderActionsIntervalMs) * time.Millisecond,
		RefreshAfter:          time.Duration(cfg.Poller.RefreshAfterS) * time.Second,
		PlaceTxInterval:       time.Duration(cfg.Poller.PlaceTxIntervalMs) * time.Millisecond,
		MarkInsertFailedAfter: time.Duration(cfg.Poller.MarkInsertFailedAfterS) * time.Second,
		PollWindowSlots:       cfg.Poller.PollWindowSlots,
	}
	poller := core.NewStatusPoller(cache, adapter, subs, metrics, nil, pollerCfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go poller.Run(ctx)
	go pool.RunMetricsReporter(ctx, metrics, 15*time.Second)
	if nonceSource != nil {
		go runNonceSyncLoops(ctx, dexCore, cache, cfg.Nonce.SyncInterval)
	}

	srv := transport.NewServer(transport.Config{
		ListenAddr:     cfg.Transport.ListenAddr,
		WSPath:         cfg.Transport.WSPath,
		SendQueueSize:  cfg.Transport.SendQueueSize,
		RequestTimeout: cfg.Transport.RequestTimeout,
	}, dexCore, subs, metrics, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.WithField("listen_addr", cfg.Transport.ListenAddr).WithField("adapter", adapter.Name()).Info("dexproxy serving")

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutdown requested, draining in-flight requests")
		cancel()
		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Transport.ShutdownDrain)
		defer drainCancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			log.WithError(err).Warn("graceful shutdown did not complete within the drain window")
		}
	}
	return nil
}

// runNonceSyncLoops runs the 5s nonce reconciliation loop of spec §4.4
// for every account with an in-flight on-chain Request, starting each
// account's loop exactly once as it is first observed. Accounts first
// seen after startup pick up their sync loop on the next tick.
func runNonceSyncLoops(ctx context.Context, dexCore *core.DEXCore, cache *core.RequestCache, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	started := make(map[string]bool)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, req := range cache.Iter("") {
				if !req.HasNonce || req.Account == "" || started[req.Account] {
					continue
				}
				started[req.Account] = true
				nm := dexCore.NonceManagerFor(req.Account)
				go nm.RunSyncLoop(ctx, interval)
			}
		}
	}
}

func newStore(cfg *config.Config, log *logrus.Logger) (core.StorageWriter, error) {
	switch cfg.Persistence.Backend {
	case "redis":
		opts, err := redis.ParseURL(cfg.Persistence.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis_url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		log.Info("persistence backend: redis")
		return core.NewRedisStore(client, "dexproxy:requests"), nil
	default:
		log.Info("persistence backend: memory")
		return core.NewMemoryStore(), nil
	}
}

func newLogger(level, format string) *logrus.Logger {
	log := logrus.New()
	if format == "text" {
		log.SetFormatter(&logrus.TextFormatter{})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return log
}
