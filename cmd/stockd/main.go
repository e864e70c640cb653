package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-idemlock/v1/config"
	"github.com/mirkobrombin/go-idemlock/v1/metrics"
	"github.com/mirkobrombin/go-idemlock/v1/presets"
)

var (
	configPath = flag.String("config", "", "Path to a YAML config file")
	listen     = flag.String("listen", "", "Address to listen on (overrides config)")
	work       = flag.Duration("work", 3*time.Second, "Duration of the guarded sayNoDuplication operation")
	verbose    = flag.Bool("v", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatalf("failed to create trace exporter: %v", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	stack, err := presets.FromConfig(cfg, presets.WithLogger(logger), presets.WithRegistry(reg))
	if err != nil {
		log.Fatalf("failed to build stack: %v", err)
	}
	defer stack.Close()

	srv, err := newServer(stack, cfg.Guard.TTL, *work, logger)
	if err != nil {
		log.Fatalf("failed to register endpoints: %v", err)
	}
	mux := srv.routes()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("stockd listening on %s (store=%s bus=%s strategy=%s)", cfg.Listen, cfg.Store.Backend, cfg.Bus.Backend, stack.Strategy)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}
