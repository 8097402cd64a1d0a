package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/daviddao/tagrti/pkg/config"
	"github.com/daviddao/tagrti/pkg/metrics"
	"github.com/daviddao/tagrti/pkg/model"
	"github.com/daviddao/tagrti/pkg/rti"
	"github.com/daviddao/tagrti/pkg/store"
)

// app holds what one RTI run needs.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector
	reg     *prometheus.Registry
	store   *store.Store   // nil without tracing
	journal *store.Journal // nil without tracing
}

// newApp builds the logger, metrics and, when tracing, opens the journal
// and records a new run.
func newApp(cfg *config.Config) (*app, error) {
	logger := initLogger(cfg.Log)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a := &app{
		cfg:     cfg,
		logger:  logger,
		reg:     reg,
		metrics: metrics.NewCollector(cfg.Metrics.Namespace, reg, logger),
	}
	if !cfg.Journal.Enabled {
		return a, nil
	}

	s, err := store.New(cfg.Journal.Path)
	if err != nil {
		return nil, fmt.Errorf("cannot open journal %q: %w", cfg.Journal.Path, err)
	}
	run := &model.Run{
		ID:           uuid.NewString(),
		FederationID: cfg.Federation.ID,
		NumFederates: cfg.Federation.NumFederates,
		CreatedAt:    time.Now(),
	}
	if err := s.CreateRun(run); err != nil {
		s.Close()
		return nil, fmt.Errorf("record run: %w", err)
	}
	a.store = s
	a.journal = store.NewJournal(s, run.ID, cfg.Journal.BufferSize, logger)
	logger.Info("journal enabled", zap.String("path", cfg.Journal.Path), zap.String("run_id", run.ID))
	return a, nil
}

// Close flushes the journal and releases the database and the logger.
func (a *app) Close() {
	if a.journal != nil {
		a.journal.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	_ = a.logger.Sync()
}

// run coordinates one federation until every federate has left or ctx is
// cancelled.
func (a *app) run(ctx context.Context) error {
	opts := []rti.Option{rti.WithMetrics(a.metrics)}
	if a.journal != nil {
		opts = append(opts, rti.WithJournal(a.journal))
	}
	c, err := rti.New(a.cfg, a.logger, opts...)
	if err != nil {
		return err
	}
	if err := c.Listen(); err != nil {
		return err
	}

	if a.cfg.Metrics.Addr != "" {
		srv := a.metricsServer()
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		a.logger.Info("serving metrics", zap.String("addr", a.cfg.Metrics.Addr))
	}

	a.logger.Info("starting RTI",
		zap.String("version", version),
		zap.String("federation", a.cfg.Federation.ID),
		zap.Int("federates", a.cfg.Federation.NumFederates),
		zap.String("clock_sync", a.cfg.ClockSync.Mode))
	return c.Run(ctx)
}

func (a *app) metricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// serve is the default command.
func serve(opts *options) int {
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rti: %v\n", err)
		printUsage()
		return 1
	}
	a, err := newApp(cfg)
	if err != nil {
		fatal("%v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			a.logger.Info("interrupted")
			return 0
		}
		a.logger.Error("rti failed", zap.Error(err))
		return 1
	}
	a.logger.Info("all federates finished")
	return 0
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format != "console" {
		zapConfig.Encoding = "json"
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
