// Command flydns serves DNS answers produced by a JavaScript entry script.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/cryguy/flydns"
	"github.com/cryguy/flydns/internal/core"
	"github.com/cryguy/flydns/internal/settings"
	"github.com/cryguy/flydns/internal/store"
	"github.com/cryguy/flydns/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// exitError carries a process exit code.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Environ, os.Stderr); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(code)
	}
}

type options struct {
	entry      string
	port       int
	configPath string
}

// parseArgs accepts flags before or after the entry script argument.
// It returns nil options when help was requested.
func parseArgs(args []string, out io.Writer) (*options, error) {
	var opts options
	fs := flag.NewFlagSet("flydns", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprint(out, `
flydns - a DNS server scripted in JavaScript.

Usage:
  flydns [options] <entry.js|entry.ts>

Options:
`)
		fs.PrintDefaults()
	}
	fs.IntVar(&opts.port, "p", 0, "DNS port (shorthand)")
	fs.IntVar(&opts.port, "port", 0, fmt.Sprintf("DNS port (default %d, or server.port from config)", settings.DefaultPort))
	fs.StringVar(&opts.configPath, "c", "", "config file (shorthand)")
	fs.StringVar(&opts.configPath, "config", "", "config file (default .fly.yml in the working directory, when present)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, nil
		}
		return nil, &exitError{code: 2, msg: err.Error()}
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return nil, &exitError{code: 2, msg: "missing entry script"}
	}
	opts.entry = fs.Arg(0)
	if rest := fs.Args()[1:]; len(rest) > 0 {
		if err := fs.Parse(rest); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return nil, nil
			}
			return nil, &exitError{code: 2, msg: err.Error()}
		}
		if fs.NArg() > 0 {
			return nil, &exitError{code: 2, msg: fmt.Sprintf("unexpected argument %q", fs.Arg(0))}
		}
	}
	if opts.port < 0 || opts.port > 65535 {
		return nil, &exitError{code: 2, msg: fmt.Sprintf("port %d out of range", opts.port)}
	}
	return &opts, nil
}

// resolvePort picks the listening port: flag, then config, then the default.
func resolvePort(flagPort, configPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	if configPort != 0 {
		return configPort
	}
	return settings.DefaultPort
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(levelStr, formatStr string, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(formatStr) == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(handler)
}

func run(ctx context.Context, args []string, getenv func(string) string, environ func() []string, errW io.Writer) error {
	logger := newLogger(getenv("LOG_LEVEL"), getenv("LOG_FORMAT"), errW)
	slog.SetDefault(logger)

	opts, err := parseArgs(args, errW)
	if err != nil || opts == nil {
		return err
	}

	loadOpts := []settings.Option{settings.WithEnviron(environ)}
	if opts.configPath != "" {
		loadOpts = append(loadOpts, settings.WithFile(opts.configPath))
	}
	cfg, err := settings.Load(loadOpts...)
	if err != nil {
		return err
	}

	mp, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()
	metrics, err := telemetry.NewMetrics(mp)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	data, err := store.OpenData(ctx, cfg.DataStore, logger)
	if err != nil {
		return fmt.Errorf("data store: %w", err)
	}
	if data != nil {
		defer data.Close()
	}
	cache, err := store.OpenCache(ctx, cfg.CacheStore, logger)
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	if cache != nil {
		defer cache.Close()
	}

	rt, err := flydns.StartRuntime(ctx, opts.entry, flydns.RuntimeOptions{
		Engine: core.EngineConfig{
			MemoryLimitMB:  cfg.Engine.MemoryLimitMB,
			StoreTimeout:   cfg.Engine.StoreTimeout,
			Upstream:       cfg.Resolver.Upstream,
			ResolveTimeout: cfg.Resolver.Timeout,
		},
		Bindings: core.Bindings{
			Data:   data,
			Cache:  cache,
			Logger: logger,
		},
		QueueSize:        cfg.Engine.QueueSize,
		ExecutionTimeout: cfg.Engine.ExecutionTimeout,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	logger.Info("entry script loaded", "entry", opts.entry)

	srv := flydns.NewServer(flydns.ServerConfig{
		Addr:           net.JoinHostPort(cfg.Server.Bind, strconv.Itoa(resolvePort(opts.port, cfg.Server.Port))),
		MaxInFlight:    cfg.Server.MaxInFlight,
		MaxQPS:         cfg.Server.MaxQPS,
		QueryTimeout:   cfg.Server.QueryTimeout,
		TCPIdleTimeout: cfg.Server.TCPIdleTimeout,
		Logger:         logger,
		Metrics:        metrics,
	}, flydns.NewFixedSelector(rt))

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		lifecycle conc.WaitGroup
		serveErr  error
	)
	lifecycle.Go(func() {
		serveErr = srv.ListenAndServe(serveCtx)
		cancel()
	})
	select {
	case <-serveCtx.Done():
	case <-rt.Done():
		cancel()
	}
	lifecycle.Wait()

	if err := rt.Err(); err != nil {
		logger.Error("script runtime failed", "error", err)
		return fmt.Errorf("script runtime: %w", err)
	}
	if serveErr != nil {
		return serveErr
	}
	logger.Info("shut down")
	return nil
}
