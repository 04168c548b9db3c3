package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"dyno-go/internal/config"
	"dyno-go/internal/constants"
	"dyno-go/internal/events"
	"dyno-go/internal/host"
	"dyno-go/internal/logging"
	tracing "dyno-go/internal/monitoring/tracing"
	srv "dyno-go/internal/server"

	log "github.com/sirupsen/logrus"
)

const usage = `usage: dynoctl [flags] <command>

commands:
  serve      run the pool with its admin server (default)
  ping       send one PING through the pool and print the result
  topology   print the hosts reported by the configured supplier
  version    print build information

flags:
`

func main() {
	fs := flag.NewFlagSet("dynoctl", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	debug := fs.Bool("debug", false, "Enable debug mode")
	adminAddr := fs.String("admin", "", "Admin listen address (overrides admin_addr)")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	cmd := "serve"
	if fs.NArg() > 0 {
		cmd = fs.Arg(0)
	}
	if cmd == "version" {
		fmt.Println(constants.GetFullVersion())
		return
	}

	cm, err := config.NewConfigManager(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	defer cm.Close()
	cfg := cm.GetConfig()
	if *debug {
		cfg.Debug = true
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}

	switch cmd {
	case "serve":
		err = serve(cm, cfg)
	case "ping":
		err = runPing(context.Background(), cm, os.Stdout)
	case "topology":
		err = runTopology(context.Background(), cfg, os.Stdout)
	default:
		fs.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.WithError(err).Fatalf("%s failed", cmd)
	}
}

func serve(cm *config.ConfigManager, cfg *config.FileConfig) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	traceShutdown, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		log.WithError(err).Warn("failed to initialize tracing")
	}
	if traceShutdown != nil {
		defer func() {
			if err := traceShutdown(context.Background()); err != nil {
				log.WithError(err).Warn("failed to shutdown tracing")
			}
		}()
	}
	wsLogs := logging.InstallTail(logTailCapacity)
	cm.OnChange(func(next *config.FileConfig) {
		if err := logging.Setup(next); err != nil {
			log.WithError(err).Warn("failed to apply logging changes")
		}
	})

	rt, err := newRuntime(cm)
	if err != nil {
		return err
	}
	defer rt.Close()
	if cfg.Debug {
		rt.hub.Subscribe(events.TopicAll, func(_ context.Context, evt events.Event) {
			log.WithField("topic", evt.Topic).Debugf("event: %v", evt.Payload)
		})
	}

	log.WithFields(log.Fields{
		"version": constants.Version,
		"config":  cm.Path(),
		"pool":    cfg.PoolName,
	}).Info("starting dyno-go")

	if err := rt.pool.Start(ctx); err != nil {
		return fmt.Errorf("start pool: %w", err)
	}
	if err := rt.watchTopology(ctx); err != nil {
		log.WithError(err).Warn("topology file watch disabled")
	}

	admin := srv.New(srv.Options{
		Addr:     cfg.AdminAddr,
		AdminKey: cfg.AdminKey,
		RPS:      cfg.AdminRPS,
		Debug:    cfg.Debug,
	}, srv.Dependencies{
		Pool:    rt.pool,
		Config:  cm,
		Events:  rt.hub,
		SlowOps: rt.slow,
		Logs:    wsLogs,
	})
	if err := admin.Start(); err != nil {
		return fmt.Errorf("start admin server: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Info("shutdown signal received")
	case err := <-admin.Done():
		if err != nil {
			log.WithError(err).Error("admin server stopped")
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
	defer cancelShutdown()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("admin server shutdown incomplete")
	}
	log.Info("stopped")
	return nil
}

func runPing(ctx context.Context, cm *config.ConfigManager, out io.Writer) error {
	rt, err := newRuntime(cm)
	if err != nil {
		return err
	}
	defer rt.Close()
	if _, err := rt.pool.RefreshTopology(ctx); err != nil {
		return err
	}
	res, err := rt.pool.Ping(ctx)
	if err != nil {
		return err
	}
	return writeJSON(out, map[string]any{
		"result":     res.Value,
		"host":       res.Host.Addr(),
		"attempts":   res.Attempts,
		"latency_us": res.LatencyMicros(),
	})
}

func runTopology(ctx context.Context, cfg *config.FileConfig, out io.Writer) error {
	supplier, err := buildSupplier(cfg)
	if err != nil {
		return err
	}
	up, down, err := supplier.Hosts(ctx)
	if err != nil {
		return err
	}
	view := func(hs []host.Host) []string {
		out := make([]string, 0, len(hs))
		for _, h := range hs {
			out = append(out, h.String())
		}
		return out
	}
	return writeJSON(out, map[string]any{"up": view(up), "down": view(down)})
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
