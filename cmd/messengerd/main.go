package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/twbeatles/intranet-messenger/pkg/cache"
	"github.com/twbeatles/intranet-messenger/pkg/config"
	"github.com/twbeatles/intranet-messenger/pkg/engine"
	"github.com/twbeatles/intranet-messenger/pkg/metrics"
	"github.com/twbeatles/intranet-messenger/pkg/transport"
)

func main() {
	app := &cli.App{
		Name:    "messengerd",
		Usage:   "Headless sync engine for the intranet messenger",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "config.yaml",
			},
			&cli.BoolFlag{
				Name:  "example-config",
				Usage: "Print the example config and exit",
			},
			&cli.Int64Flag{
				Name:  "user-id",
				Usage: "Local user id",
			},
			&cli.StringFlag{
				Name:  "user-name",
				Usage: "Local user display name, used for mention detection",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	if ctx.Bool("example-config") {
		fmt.Print(config.ExampleConfig)
		return nil
	}
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to configure logger: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.Listen != "" {
		go serveMetrics(*log, cfg.Metrics.Listen, reg)
	}

	var store *cache.Cache
	if cfg.Cache.Path != "" {
		store, err = cache.New(cfg.Cache.Path, *log)
		if err != nil {
			// Degraded, not broken: the client just starts cold.
			log.Warn().Err(err).Msg("Offline cache unavailable, continuing without it")
			store = nil
		} else {
			defer func() {
				_ = store.Close()
			}()
		}
	}

	fetcher := transport.NewBackfillClient(*log, cfg.Server.URL, cfg.Server.Token)

	var session *transport.Session
	eng := engine.New(engine.Options{
		Log:      *log,
		SelfID:   ctx.Int64("user-id"),
		SelfName: ctx.String("user-name"),
		Sender:   senderFunc(func(cmd string, payload any) bool { return session.Send(cmd, payload) }),
		Fetcher:  fetcher,
		Cache:    cacheOrNil(store),
		Metrics:  m,

		PageSize:       cfg.Sync.PageSize,
		ResyncPageSize: cfg.Sync.ResyncPageSize,
		DecryptBudget:  cfg.Sync.DecryptBudget,
	})

	session = transport.NewSession(transport.Config{
		Log:         *log,
		URL:         websocketURL(cfg.Server.URL),
		Token:       cfg.Server.Token,
		BaseDelay:   cfg.Server.ReconnectBaseDelay,
		MaxDelay:    cfg.Server.ReconnectMaxDelay,
		MaxAttempts: cfg.Server.ReconnectAttempts,
		OnEvent:     eng.HandleEvent,
		OnStatus: func(status transport.Status) {
			eng.SetConnectivity(string(status.State), status.Attempt)
		},
		OnConnect: func(reconnect bool) {
			if reconnect {
				eng.Resync()
			}
		},
		RoomIDs: eng.RoomIDs,
	})

	eng.Start()
	defer eng.Stop()
	eng.Bootstrap()
	session.Connect(ctx.Context)
	defer session.Disconnect()

	if store != nil {
		go sweepCache(ctx.Context, *log, store, cfg.Cache.RetentionDays)
	}
	go watchConfig(ctx.Context, *log, ctx.String("config"))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.Info().Stringer("signal", sig).Msg("Shutting down")
	case <-ctx.Context.Done():
	}
	return nil
}

type senderFunc func(cmd string, payload any) bool

func (f senderFunc) Send(cmd string, payload any) bool {
	return f(cmd, payload)
}

// cacheOrNil avoids handing the engine a non-nil interface wrapping a nil
// pointer.
func cacheOrNil(store *cache.Cache) engine.Cache {
	if store == nil {
		return nil
	}
	return store
}

func websocketURL(base string) string {
	url := strings.Replace(base, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	return strings.TrimRight(url, "/") + "/ws"
}

func serveMetrics(log zerolog.Logger, listen string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info().Str("listen", listen).Msg("Serving metrics")
	if err := http.ListenAndServe(listen, mux); err != nil {
		log.Err(err).Msg("Metrics listener failed")
	}
}

// sweepCache removes cached messages past the retention window, once at
// startup and then daily.
func sweepCache(ctx context.Context, log zerolog.Logger, store *cache.Cache, retentionDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		if swept, err := store.DeleteOlderThan(ctx, cutoff); err != nil {
			log.Warn().Err(err).Msg("Cache sweep failed")
		} else if swept > 0 {
			log.Info().Int64("messages", swept).Msg("Swept expired cached messages")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// watchConfig logs config file changes so operators notice that a restart is
// needed to apply them.
func watchConfig(ctx context.Context, log zerolog.Logger, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debug().Err(err).Msg("Config watcher unavailable")
		return
	}
	defer watcher.Close()
	if err = watcher.Add(path); err != nil {
		log.Debug().Err(err).Msg("Failed to watch config file")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Write) {
				log.Info().Str("path", path).Msg("Config file changed, restart to apply")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Debug().Err(err).Msg("Config watcher error")
		}
	}
}
