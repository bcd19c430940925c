// Command wot-mcp serves Web of Things devices to MCP clients, either over
// Streamable HTTP (many sessions) or over stdio (one session).
//
// Configuration is read from WOT_MCP_* environment variables; see
// internal/config. Logs go to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/macc-n/wot-mcp/admin"
	"github.com/macc-n/wot-mcp/device"
	"github.com/macc-n/wot-mcp/device/httpbinding"
	"github.com/macc-n/wot-mcp/device/simulated"
	"github.com/macc-n/wot-mcp/eventbuffer"
	"github.com/macc-n/wot-mcp/eventsource/mqtt"
	"github.com/macc-n/wot-mcp/eventsource/redisstream"
	"github.com/macc-n/wot-mcp/internal/config"
	"github.com/macc-n/wot-mcp/internal/logctx"
	"github.com/macc-n/wot-mcp/mcp"
	"github.com/macc-n/wot-mcp/session"
	"github.com/macc-n/wot-mcp/stdio"
	"github.com/macc-n/wot-mcp/streaminghttp"
	"github.com/macc-n/wot-mcp/thingdir"
	"github.com/macc-n/wot-mcp/tools"
	"github.com/macc-n/wot-mcp/wot"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "wot-mcp:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	lvl, _ := cfg.Level()
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return logctx.New(slog.New(h))
}

// deviceLayer picks the client the tools talk to. The simulated layer also
// emits events, so it is returned as a settable source too.
func deviceLayer(cfg *config.Config, log *slog.Logger) (device.Client, device.Binder, *simulated.Device) {
	if cfg.Device == "simulated" {
		sim := simulated.New(simulated.WithLogger(log))
		return sim, sim, sim
	}
	c := httpbinding.New(httpbinding.WithTimeout(cfg.DeviceTimeout), httpbinding.WithLogger(log))
	return c, c, nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	buf := eventbuffer.New(
		eventbuffer.WithMaxEventsPerResource(cfg.MaxEvents),
		eventbuffer.WithTTL(cfg.EventTTL),
	)
	reg := wot.NewRegistry()
	client, binder, sim := deviceLayer(cfg, log)
	eng := tools.New(tools.Strategy(cfg.Strategy), reg, client, buf, tools.WithLogger(log))
	mgr := session.NewManager(eng, reg, buf,
		session.WithLogger(log),
		session.WithBinder(binder),
		session.WithServerInfo(mcp.ImplementationInfo{Name: "wot-mcp", Version: version}),
	)
	if sim != nil {
		sim.SetSink(mgr)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := mgr.Shutdown(sctx); err != nil {
			log.Warn("shutdown.fail", slog.String("err", err.Error()))
		}
	}()

	log.Info("wot-mcp.start",
		slog.String("version", version),
		slog.String("transport", cfg.Transport),
		slog.String("strategy", cfg.Strategy),
		slog.String("device", cfg.Device),
	)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.ThingsDir != "" {
		ld := thingdir.New(cfg.ThingsDir, mgr, thingdir.WithLogger(log))
		if _, err := ld.LoadAll(gctx); err != nil {
			log.Warn("thingdir.load_all.partial", slog.String("err", err.Error()))
		}
		g.Go(func() error { return ignoreCanceled(ld.Run(gctx)) })
	}

	if cfg.MQTTBroker != "" {
		src, err := mqtt.New(mqtt.Config{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Topic:    cfg.MQTTTopic,
			Logger:   log,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return ignoreCanceled(src.Run(gctx, mgr)) })
	}

	if cfg.RedisAddr != "" {
		src := redisstream.New(redisstream.Config{
			Client: redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
			Stream: cfg.RedisStream,
			Logger: log,
		})
		defer src.Close()
		g.Go(func() error { return ignoreCanceled(src.Run(gctx, mgr)) })
	}

	switch cfg.Transport {
	case "stdio":
		g.Go(func() error {
			// EOF on stdin ends the process.
			defer stop()
			return ignoreCanceled(stdio.NewHandler(mgr, stdio.WithLogger(log)).Serve(gctx))
		})
	default:
		h, err := streaminghttp.New(cfg.Endpoint, mgr, streaminghttp.WithLogger(log))
		if err != nil {
			return err
		}
		srv := &http.Server{
			Addr:              cfg.Addr,
			Handler:           admin.NewRouter(mgr, h, admin.WithLogger(log), admin.WithEndpoint(cfg.Endpoint)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("http.listen", slog.String("addr", cfg.Addr), slog.String("endpoint", cfg.Endpoint))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			// Closing sessions first ends their notification streams, which
			// would otherwise hold Shutdown open.
			if err := mgr.Shutdown(sctx); err != nil {
				log.Warn("shutdown.sessions.fail", slog.String("err", err.Error()))
			}
			return srv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	log.Info("wot-mcp.stop")
	return ignoreCanceled(err)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
