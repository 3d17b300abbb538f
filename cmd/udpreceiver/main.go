package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/wjake/udp-receiver/internal/config"
	"github.com/wjake/udp-receiver/internal/metrics"
	"github.com/wjake/udp-receiver/internal/peers"
	"github.com/wjake/udp-receiver/internal/receiver"
	"github.com/wjake/udp-receiver/internal/relay"
	"github.com/wjake/udp-receiver/internal/server"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "udp-receiver"
	serviceVersion    = "1.0.0"
)

type flags struct {
	configPath  string
	bindAddress string
	port        int
	logLevel    string
	noHTTP      bool
	version     bool
}

func parseFlags(args []string) (*flags, *pflag.FlagSet, error) {
	f := &flags{}
	fs := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	fs.StringVar(&f.bindAddress, "bind", "", "Override endpoint.bind_address")
	fs.IntVarP(&f.port, "port", "p", -1, "Override endpoint.port")
	fs.StringVar(&f.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	fs.BoolVar(&f.noHTTP, "no-http", false, "Disable the HTTP API")
	fs.BoolVarP(&f.version, "version", "v", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return f, fs, nil
}

// loadConfig reads the config file. A missing default file falls back to
// built-in defaults; a missing file named on the command line is an error.
func loadConfig(f *flags, fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		if fs.Changed("config") || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
	}

	if f.bindAddress != "" {
		cfg.Endpoint.BindAddress = f.bindAddress
	}
	if f.port >= 0 {
		cfg.Endpoint.Port = f.port
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.noHTTP {
		cfg.HTTP.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func main() {
	f, fs, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Invalid arguments: %v\n", err)
		os.Exit(2)
	}
	if f.version {
		fmt.Printf("%s %s\n", serviceName, serviceVersion)
		return
	}

	cfg, err := loadConfig(f, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", f.configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("socket_name", cfg.Endpoint.SocketName),
		slog.String("bind_address", cfg.Endpoint.BindAddress),
		slog.Int("port", cfg.Endpoint.Port),
		slog.Int("buffer_size", cfg.Endpoint.BufferSize),
		slog.Int("queue_size", cfg.Endpoint.QueueSize),
		slog.Bool("http_enabled", cfg.HTTP.Enabled),
		slog.Bool("peers_enabled", cfg.Peers.Enabled),
		slog.Bool("relay_enabled", cfg.Relay.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	ep := receiver.New(cfg.Endpoint.Receiver(), receiver.Options{
		Logger:          logger,
		Metrics:         appMetrics,
		PollInterval:    cfg.Endpoint.GetPollInterval(),
		ShutdownTimeout: cfg.Endpoint.GetShutdownTimeout(),
		QueueSize:       cfg.Endpoint.QueueSize,
		BindAttempts:    cfg.Endpoint.BindAttempts,
	})

	// The host's own handling of incoming messages
	ep.Subscribe(func(ev receiver.MessageEvent) {
		logger.Info("Received message",
			slog.String("sender_ip", ev.SenderIP),
			slog.String("sender", ev.Sender.String()),
			slog.String("message", ev.Message),
		)
	})

	var tracker *peers.Tracker
	if cfg.Peers.Enabled {
		tracker = peers.NewTracker(logger, appMetrics, cfg.Peers.Tracker())
		defer tracker.Stop()
		ep.Subscribe(tracker.Observe)
		logger.Info("Peer tracker initialized",
			slog.Int("idle_timeout_seconds", cfg.Peers.IdleTimeout),
		)
	}

	var rl *relay.Relay
	if cfg.Relay.Enabled {
		var err error
		rl, err = relay.Connect(ctx, cfg.Relay.Connection(), logger, appMetrics)
		if err != nil {
			return err
		}
		defer rl.Close()
		ep.Subscribe(rl.Forward)
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(server.HTTPServerConfig{
			Port:    cfg.HTTP.Port,
			Address: cfg.HTTP.Address,
			Enabled: cfg.HTTP.Enabled,
		}, logger, ep, tracker, rl, appMetrics)
		logger.Info("HTTP API server initialized", slog.String("address", httpServer.Addr()))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := ep.Dispatcher().Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if httpServer != nil {
		g.Go(func() error {
			return httpServer.Run(gctx)
		})
	}

	if cfg.Endpoint.AutoStart {
		if _, err := ep.Start(ctx); err != nil {
			// With the API available the receiver can still be started later
			if httpServer == nil {
				stop()
				_ = g.Wait()
				return fmt.Errorf("failed to start UDP receiver: %w", err)
			}
			logger.Error("Failed to start UDP receiver", slog.String("error", err.Error()))
		}
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("state", ep.State().String()),
		slog.String("udp_address", ep.LocalAddr().String()),
	)

	<-gctx.Done()
	logger.Info("Starting graceful shutdown...")

	groupErr := g.Wait()

	ep.Stop()

	// Events still queued after the consumer stopped
	if n := ep.Dispatcher().Drain(); n > 0 {
		logger.Info("Delivered pending events", slog.Int("count", n))
	}

	stats := ep.Statistics()
	logger.Info("Final receiver statistics",
		slog.Uint64("datagrams_received", stats.DatagramsReceived),
		slog.Uint64("decode_failures", stats.DecodeFailures),
		slog.Uint64("messages_sent", stats.MessagesSent),
		slog.Uint64("events_delivered", stats.Dispatch.EventsDelivered),
		slog.Uint64("events_dropped", stats.Dispatch.EventsDropped),
		slog.Uint64("acks_sent", stats.Dispatch.AcksSent),
	)

	return groupErr
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
