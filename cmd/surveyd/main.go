package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/joelkehle/surveyforge/internal/app"
	"github.com/joelkehle/surveyforge/internal/config"
	"github.com/joelkehle/surveyforge/internal/logging"
	"github.com/joelkehle/surveyforge/internal/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "surveyforge.yaml", "Path to the YAML config file")
		addr       = flag.String("addr", "", "Listen address (overrides server.addr)")
		styleDir   = flag.String("style-dir", "", "Directory containing style.css for PDF reports (overrides server.style_dir)")
		verbose    = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *styleDir != "" {
		cfg.Server.StyleDir = *styleDir
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, *verbose)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Fatal("telemetry setup failed", zap.Error(err))
	}

	a, err := app.New(ctx, cfg, logger, app.Overrides{})
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
		_ = shutdownTracing(sctx)
	}()

	logger.Info("surveyd listening", zap.String("addr", cfg.Server.Addr), zap.String("db", cfg.Storage.DatabasePath), zap.String("embedder", cfg.Embedding.Provider))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
