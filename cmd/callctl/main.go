// Команда callctl запускает движок управления вызовами с симулированными
// контроллерами, экспортом метрик и интерактивной консолью.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/callctl/pkg/callctl"
	"github.com/arzzra/callctl/pkg/config"
	"github.com/arzzra/callctl/pkg/driver/loopback"
	"github.com/arzzra/callctl/pkg/trace"
)

const shutdownTimeout = 5 * time.Second

func main() {
	var (
		configPath = flag.String("config", "callctl.ini", "Path to INI config")
		noConsole  = flag.Bool("no-console", false, "Run without interactive console")
	)
	flag.Parse()

	if err := config.LoadEnv(); err != nil {
		fmt.Printf("failed to load env file: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load settings: %v\n", err)
		os.Exit(1)
	}
	if *noConsole {
		cfg.Console.Enabled = false
	}

	logs, err := initLogging(cfg.Logging)
	if err != nil {
		fmt.Printf("failed to init logging: %v\n", err)
		os.Exit(1)
	}
	defer logs.close()

	if err := run(cfg, logs); err != nil {
		logs.logger.WithError(err).Error("callctl stopped with error")
		logs.close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logs *logging) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := callctl.NewLogrusLogger(logs.logger)
	log := logger.WithComponent("daemon")

	engCfg := cfg.EngineConfig()
	engCfg.Logger = logger
	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		engCfg.Metrics = &callctl.MetricsConfig{
			Enabled:    true,
			Namespace:  cfg.Metrics.Namespace,
			Subsystem:  cfg.Metrics.Subsystem,
			Registerer: registry,
			Logger:     logger.WithComponent("metrics"),
		}
	}

	var rec *trace.Recorder
	tracePath := ""
	if cfg.Trace.Enabled {
		var err error
		rec, err = trace.NewFileRecorder(cfg.Trace.File)
		if err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer func() {
			if err := rec.Close(); err != nil {
				log.LogError(context.Background(), err, "Failed to close trace")
			}
		}()
		engCfg.Tracer = rec
		tracePath = cfg.Trace.File
		log.Info(ctx, "Trace enabled", callctl.String("file", tracePath), callctl.String("session", rec.Session()))
	}

	reg, err := callctl.NewRegistry(engCfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := reg.Shutdown(sctx); err != nil {
			log.LogError(sctx, err, "Engine shutdown failed")
		}
	}()

	net, err := setupControllers(ctx, cfg, reg, logger)
	if err != nil {
		return err
	}
	if err := setupConnections(ctx, cfg, reg, logger); err != nil {
		return err
	}
	log.Info(ctx, "Engine ready",
		callctl.Int("controllers", len(cfg.Controllers)),
		callctl.Int("connections", len(cfg.Connections)),
	)

	g, gctx := errgroup.WithContext(ctx)

	if registry != nil {
		srv := newMetricsServer(cfg.Metrics, registry)
		g.Go(func() error {
			log.Info(gctx, "Metrics endpoint", callctl.String("listen", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if cfg.Console.Enabled {
		con := newConsole(reg, net, tracePath, os.Stdout)
		if err := con.attach(cfg.Console.Prompt, cfg.Console.HistoryFile); err != nil {
			return err
		}
		logs.console.SetWriter(con.out)
		g.Go(func() error {
			defer stop()
			return con.Run(gctx)
		})
	} else {
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	}

	err = g.Wait()
	log.Info(context.Background(), "Performing a graceful shutdown")
	return err
}

func newMetricsServer(cfg config.MetricsSection, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// setupControllers создает симулированные контроллеры из секций [controller.*]
func setupControllers(ctx context.Context, cfg *config.Config, reg *callctl.Registry, logger callctl.StructuredLogger) (*loopback.Network, error) {
	net := loopback.NewNetwork(logger.WithComponent("loopback"))
	for _, sec := range cfg.Controllers {
		ctrl, err := net.Add(loopback.Config{
			ID:       sec.ID,
			Channels: sec.Channels,
			Caps:     sec.Caps,
			MSNs:     sec.MSNs,
			Answer:   sec.Answer,
			Echo:     sec.Echo,
		})
		if err != nil {
			return nil, fmt.Errorf("controller %s: %w", sec.ID, err)
		}
		if err := ctrl.Register(ctx, reg); err != nil {
			return nil, fmt.Errorf("register controller %s: %w", sec.ID, err)
		}
		for _, ch := range sec.Disabled {
			if err := reg.DisableChannel(ctx, sec.ID, ch, true); err != nil {
				return nil, err
			}
		}
	}
	return net, nil
}

// setupConnections создает соединения из секций [connection.*]
func setupConnections(ctx context.Context, cfg *config.Config, reg *callctl.Registry, logger callctl.StructuredLogger) error {
	for _, sec := range cfg.Connections {
		if _, err := reg.AddConnection(ctx, sec.Name, sec.Config); err != nil {
			return fmt.Errorf("connection %s: %w", sec.Name, err)
		}
		if err := reg.SetReceiver(sec.Name, newReceiver(reg, sec.Receiver, logger.WithConnection(sec.Name))); err != nil {
			return err
		}
	}
	return nil
}

// newReceiver получатель данных соединения по имени из конфигурации
func newReceiver(reg *callctl.Registry, kind string, logger callctl.StructuredLogger) callctl.Receiver {
	ctx := context.Background()
	rcv := callctl.ReceiverFuncs{
		OnLinkUp: func(conn string) {
			logger.Info(ctx, "Link up")
		},
		OnLinkDown: func(conn string) {
			logger.Info(ctx, "Link down")
		},
	}
	switch kind {
	case "echo":
		rcv.OnReceive = func(conn string, payload []byte) {
			data := append([]byte(nil), payload...)
			go func() {
				if _, err := reg.Submit(ctx, conn, data); err != nil {
					logger.LogError(ctx, err, "Echo failed")
				}
			}()
		}
	case "log":
		rcv.OnReceive = func(conn string, payload []byte) {
			logger.Info(ctx, "Data received", callctl.Int("bytes", len(payload)), callctl.String("data", string(payload)))
		}
	}
	return rcv
}
