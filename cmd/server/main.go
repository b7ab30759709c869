// Command server runs basichttpd: a small HTTP/1.1 file server with Basic-Auth,
// keep-alive connections and directory listings.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"example.com/basichttpd/internal/auth"
	"example.com/basichttpd/internal/config"
	"example.com/basichttpd/internal/logger"
	"example.com/basichttpd/internal/metrics"
	"example.com/basichttpd/internal/resource"
	"example.com/basichttpd/internal/router"
	"example.com/basichttpd/internal/server"
)

// Build information, set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

const shutdownGrace = 5 * time.Second

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "basichttpd",
		Usage:   "Serve a document root over HTTP/1.1 with Basic-Auth",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
		Flags:   flags(),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to a TOML or JSON configuration file",
			EnvVars: []string{"BASICHTTPD_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "ip",
			Usage: "Address to bind",
			Value: config.DefaultAddress,
		},
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "TCP port to listen on",
			Value:   config.DefaultPort,
		},
		&cli.StringFlag{
			Name:  "root",
			Usage: "Document root directory",
			Value: config.DefaultDocumentRoot,
		},
		&cli.StringFlag{
			Name:  "users",
			Usage: "Credential file with one username:password per line",
			Value: config.DefaultUsersFile,
		},
		&cli.BoolFlag{
			Name:  "strict",
			Usage: "Answer unsupported methods with 405 and report missing resources on HEAD",
		},
		&cli.IntFlag{
			Name:  "max-conns",
			Usage: "Maximum simultaneous connections (0 = unbounded)",
		},
		&cli.StringFlag{
			Name:  "read-mode",
			Usage: "Request framing: framed or single",
			Value: string(config.DefaultReadMode),
		},
		&cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "Address for the Prometheus /metrics endpoint (empty disables)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "DEBUG, INFO, WARNING or ERROR",
		},
	}
}

// loadConfig reads --config when given, otherwise starts from defaults, then
// applies every flag the user set explicitly.
func loadConfig(c *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	if path := c.String("config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &config.Config{}
	}

	if cfg.Server == nil {
		cfg.Server = &config.ServerConfig{}
	}
	if cfg.Auth == nil {
		cfg.Auth = &config.AuthConfig{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &config.LoggingConfig{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &config.MetricsConfig{}
	}

	// Flag defaults apply only when neither the flag nor the file set a value.
	setString := func(name string, dst **string) {
		if c.IsSet(name) || *dst == nil {
			v := c.String(name)
			*dst = &v
		}
	}
	setInt := func(name string, dst **int) {
		if c.IsSet(name) || *dst == nil {
			v := c.Int(name)
			*dst = &v
		}
	}
	setString("ip", &cfg.Server.Address)
	setInt("port", &cfg.Server.Port)
	setString("root", &cfg.Server.DocumentRoot)
	setString("users", &cfg.Auth.UsersFile)
	setInt("max-conns", &cfg.Server.MaxConnections)
	if c.IsSet("strict") {
		v := c.Bool("strict")
		cfg.Server.StrictMethods = &v
	}
	if c.IsSet("read-mode") || cfg.Server.ReadMode == "" {
		cfg.Server.ReadMode = config.ReadMode(strings.ToLower(c.String("read-mode")))
	}
	if c.IsSet("metrics-addr") {
		v := c.String("metrics-addr")
		cfg.Metrics.Address = &v
	}
	if c.IsSet("log-level") {
		cfg.Logging.LogLevel = config.LogLevel(strings.ToUpper(c.String("log-level")))
	}

	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// app holds the wired components of a running server.
type app struct {
	log     *logger.Logger
	server  *server.Server
	metrics *metrics.Registry
	creds   *auth.Store
}

// setup builds every component from cfg. Any error here is fatal.
func setup(cfg *config.Config, lg *logger.Logger) (*app, error) {
	creds, err := auth.Load(*cfg.Auth.UsersFile)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if creds.Skipped() > 0 {
		lg.Warn("Ignored credential lines without a colon", logger.LogFields{"file": *cfg.Auth.UsersFile, "lines": creds.Skipped()})
	}
	lg.Info("Credentials loaded", logger.LogFields{"file": *cfg.Auth.UsersFile, "users": creds.Len()})

	resolver, err := resource.NewResolver(*cfg.Server.DocumentRoot)
	if err != nil {
		return nil, fmt.Errorf("open document root: %w", err)
	}

	mimePath := ""
	if cfg.Server.MimeTypesPath != nil {
		mimePath = *cfg.Server.MimeTypesPath
	}
	types, err := resource.NewMimeTypeResolver(cfg.Server.MimeTypes, mimePath)
	if err != nil {
		return nil, fmt.Errorf("load mime types: %w", err)
	}

	rtr, err := router.NewRouter(router.Options{
		Auth:     creds,
		Resolver: resolver,
		Types:    types,
		Logger:   lg,
		Strict:   *cfg.Server.StrictMethods,
	})
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	var reg *metrics.Registry
	if *cfg.Metrics.Address != "" {
		reg = metrics.NewRegistry()
	}
	srv, err := server.NewServer(cfg, lg, rtr, server.WithMetrics(reg))
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}
	return &app{log: lg, server: srv, metrics: reg, creds: creds}, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		if err := lg.CloseLogFiles(); err != nil {
			fmt.Fprintf(os.Stderr, "error closing log files: %v\n", err)
		}
	}()

	a, err := setup(cfg, lg)
	if err != nil {
		lg.Error("Startup failed", logger.LogFields{"error": err.Error()})
		return err
	}
	lg.Info("Starting basichttpd", logger.LogFields{
		"version":       version,
		"config":        cfg.FilePath(),
		"document_root": *cfg.Server.DocumentRoot,
	})

	if a.metrics != nil {
		metricsSrv := &http.Server{
			Addr:              *cfg.Metrics.Address,
			Handler:           metricsMux(a.metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			lg.Info("Metrics endpoint listening", logger.LogFields{"address": metricsSrv.Addr})
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Error("Metrics endpoint failed", logger.LogFields{"error": err.Error()})
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	if err := a.server.ListenAndServe(ctx); err != nil {
		lg.Error("Server exited with an error", logger.LogFields{"error": err.Error()})
		return err
	}

	lg.Info("Stopped accepting connections, waiting for open connections", logger.LogFields{"grace": shutdownGrace.String()})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	lg.Info("Server has shut down", nil)
	return nil
}

func metricsMux(reg *metrics.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	return mux
}
