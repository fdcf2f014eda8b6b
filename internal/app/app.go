// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package app wires the crew components together.
// This is the composition root: every dependency is created and connected here.
package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/jllopis/crew/pkg/config"
	"github.com/jllopis/crew/pkg/core"
	"github.com/jllopis/crew/pkg/gateway"
	"github.com/jllopis/crew/pkg/guardrails"
	"github.com/jllopis/crew/pkg/llm"
	"github.com/jllopis/crew/pkg/pipeline"
	"github.com/jllopis/crew/pkg/telemetry"
)

// Version is reported by telemetry and `crew version`.
var Version = "dev"

const (
	serviceName = "crew"
	hostCheck   = "ollama"
)

// App holds the application state and components.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	level    *slog.LevelVar
	provider llm.Provider
	pipeline *pipeline.Pipeline
	gateway  *gateway.Gateway
	server   *gateway.Server
	health   *core.HealthRegistry
	audit    pipeline.AuditStore
	watcher  *config.Watcher

	closers []func(context.Context) error
}

// Option configures an App.
type Option func(*options)

type options struct {
	provider llm.Provider
	output   io.Writer
	reload   config.LoaderFunc
	global   bool
}

// WithProvider replaces the Ollama provider built from the configuration.
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithLogOutput sets where logs are written (stderr by default).
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.output = w }
}

// WithReloader enables hot reload of the configuration files using load.
func WithReloader(load config.LoaderFunc) Option {
	return func(o *options) { o.reload = load }
}

// WithGlobalLogger also installs the app logger as the slog default.
func WithGlobalLogger() Option {
	return func(o *options) { o.global = true }
}

// New creates a new application with all components wired.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, stderrors.New("config is nil")
	}
	o := options{output: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLogLevel(cfg.Log.Level))
	var logger *slog.Logger
	if o.global {
		logger = telemetry.ConfigureSlog(o.output, level, cfg.Log.Format)
	} else {
		logger = telemetry.NewLeveledLogger(o.output, level, cfg.Log.Format)
	}

	a := &App{cfg: cfg, logger: logger, level: level}
	if err := a.init(o); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) init(o options) error {
	var registry *prometheus.Registry
	if a.cfg.Telemetry.Exporter == "prometheus" {
		registry = prometheus.NewRegistry()
	}
	telCfg := telemetry.Config{
		Exporter:     a.cfg.Telemetry.Exporter,
		OTLPEndpoint: a.cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: a.cfg.Telemetry.OTLPInsecure,
	}
	if registry != nil {
		telCfg.Registerer = registry
	}
	shutdown, err := telemetry.InitWithConfig(serviceName, Version, telCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	metrics, err := telemetry.NewPipelineMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	a.provider = o.provider
	if a.provider == nil {
		a.provider = llm.NewOllama(a.cfg.Ollama.Host)
	}

	if err := a.openAudit(); err != nil {
		return err
	}

	steps, err := BuildSteps(DefaultCrew, a.cfg, a.provider)
	if err != nil {
		return err
	}
	plOpts := []pipeline.Option{
		pipeline.WithLogger(a.logger),
		pipeline.WithEmitter(telemetry.NewLogEmitter(a.logger)),
		pipeline.WithMetrics(metrics),
		pipeline.WithTracer(otel.Tracer("crew/pipeline")),
	}
	if a.audit != nil {
		plOpts = append(plOpts, pipeline.WithAuditStore(a.audit))
	}
	a.pipeline, err = pipeline.New(steps, plOpts...)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	guard, err := buildGuard(a.cfg.Guardrails)
	if err != nil {
		return err
	}
	if !guard.Empty() {
		a.logger.Info("guardrails enabled",
			slog.Bool("prompt_injection", a.cfg.Guardrails.PromptInjection),
			slog.String("pii", a.cfg.Guardrails.PII),
		)
	}
	a.gateway, err = gateway.New(a.pipeline, execConfig(a.cfg), gateway.WithGuard(guard))
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	a.health = core.NewHealthRegistry(0)
	if lister, ok := a.provider.(llm.ModelLister); ok {
		a.health.Register(hostCheck, core.NewHostHealthChecker(lister, CrewModels(DefaultCrew, a.cfg), a.cfg.Ollama.CheckTimeout))
	}

	srvOpts := []gateway.ServerOption{
		gateway.WithMaxConcurrent(a.cfg.Server.MaxConcurrent),
		gateway.WithMaxBodyBytes(a.cfg.Server.MaxBodyBytes),
		gateway.WithHealthRegistry(a.health),
		gateway.WithServerMetrics(metrics),
		gateway.WithServerLogger(a.logger),
	}
	if a.audit != nil {
		srvOpts = append(srvOpts, gateway.WithAuditStore(a.audit))
	}
	if registry != nil {
		srvOpts = append(srvOpts, gateway.WithMetricsHandler(telemetry.MetricsHandler(registry)))
	}
	a.server = gateway.NewServer(a.gateway, srvOpts...)

	if o.reload != nil && len(a.cfg.Sources) > 0 {
		a.watcher, err = config.NewWatcher(a.cfg, o.reload, config.WithWatchLogger(a.logger))
		if err != nil {
			return fmt.Errorf("create config watcher: %w", err)
		}
		a.watcher.OnChange(a.applyConfig)
	}
	return nil
}

func (a *App) openAudit() error {
	switch a.cfg.Audit.Driver {
	case "memory":
		a.audit = pipeline.NewMemoryAuditStore(a.cfg.Audit.MaxRecords)
	case "sqlite":
		store, err := pipeline.OpenSQLiteAuditStore(context.Background(), a.cfg.Audit.DSN)
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		a.audit = store
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	}
	return nil
}

func buildGuard(cfg config.GuardrailsConfig) (*guardrails.Guard, error) {
	var opts []guardrails.Option
	if cfg.PromptInjection {
		detector, err := guardrails.NewInjectionDetector(cfg.Patterns, guardrails.WithMinMatches(cfg.MinMatches))
		if err != nil {
			return nil, fmt.Errorf("guardrails: %w", err)
		}
		opts = append(opts, guardrails.WithInputChecker(detector))
	}
	if cfg.PII != "" && cfg.PII != "none" {
		filter, err := guardrails.NewPIIFilter(guardrails.PIIMode(cfg.PII))
		if err != nil {
			return nil, fmt.Errorf("guardrails: %w", err)
		}
		opts = append(opts, guardrails.WithOutputFilter(filter))
	}
	return guardrails.New(opts...), nil
}

func execConfig(cfg *config.Config) pipeline.ExecConfig {
	return pipeline.ExecConfig{
		StepTimeout: cfg.Pipeline.StepTimeout,
		MaxRetries:  cfg.Pipeline.MaxRetries,
		RetryDelay:  cfg.Pipeline.RetryDelay,
	}
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Pipeline returns the crew pipeline.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Gateway returns the request gateway.
func (a *App) Gateway() *gateway.Gateway { return a.gateway }

// Handler returns the HTTP handler serving the gateway.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Run listens on the configured address and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is done, then shuts down gracefully.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	if a.cfg.Ollama.CheckOnStart {
		a.checkOnStart(ctx)
	}

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("crew gateway listening",
			slog.String("addr", ln.Addr().String()),
			slog.Int("steps", len(a.pipeline.Steps())),
		)
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down crew gateway")
		return srv.Shutdown(shutdownCtx)
	})
	if a.watcher != nil {
		g.Go(func() error {
			a.watcher.Run(gctx)
			return nil
		})
	}
	return g.Wait()
}

// Close releases the audit store and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return stderrors.Join(errs...)
}

// CheckHost lists the models installed on the completion host and reports the
// crew models missing from it.
func (a *App) CheckHost(ctx context.Context) ([]llm.ModelInfo, []string, error) {
	lister, ok := a.provider.(llm.ModelLister)
	if !ok {
		return nil, nil, fmt.Errorf("provider %T cannot list models", a.provider)
	}
	return CheckModels(ctx, lister, CrewModels(DefaultCrew, a.cfg), a.cfg.Ollama.CheckTimeout)
}

// CheckModels lists the models served by lister, bounded by timeout, and
// returns which of models are missing.
func CheckModels(ctx context.Context, lister llm.ModelLister, models []string, timeout time.Duration) ([]llm.ModelInfo, []string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	installed, err := lister.ListModels(ctx)
	if err != nil {
		return nil, nil, err
	}
	return installed, core.MissingModels(models, installed), nil
}

func (a *App) checkOnStart(ctx context.Context) {
	res, err := a.health.Check(ctx, hostCheck)
	if err != nil {
		return
	}
	host := slog.String("host", a.cfg.Ollama.Host)
	switch res.Status {
	case core.HealthHealthy:
		a.logger.Info("connected to completion host", host, slog.String("detail", res.Message))
	case core.HealthDegraded:
		a.logger.Warn("crew models not installed", host, slog.String("detail", res.Message))
	default:
		a.logger.Warn("completion host check failed", host, slog.Any("error", res.Error))
	}
}

// applyConfig applies the reloadable settings of cfg: pipeline limits and the
// log level. Everything else needs a restart.
func (a *App) applyConfig(cfg *config.Config) {
	if err := a.gateway.SetExecConfig(execConfig(cfg)); err != nil {
		a.logger.Warn("reloaded pipeline settings rejected", slog.String("error", err.Error()))
		return
	}
	a.level.Set(telemetry.ParseLogLevel(cfg.Log.Level))

	var pending []string
	if cfg.Server != a.cfg.Server {
		pending = append(pending, "server")
	}
	if cfg.Ollama.Host != a.cfg.Ollama.Host {
		pending = append(pending, "ollama.host")
	}
	for _, key := range config.RoleKeys {
		if cfg.RoleModel(key) != a.cfg.RoleModel(key) {
			pending = append(pending, "roles."+key)
		}
	}
	if cfg.Audit != a.cfg.Audit {
		pending = append(pending, "audit")
	}
	if cfg.Telemetry != a.cfg.Telemetry {
		pending = append(pending, "telemetry")
	}
	if !reflect.DeepEqual(cfg.Guardrails, a.cfg.Guardrails) {
		pending = append(pending, "guardrails")
	}

	a.logger.Info("configuration applied",
		slog.String("log_level", a.level.Level().String()),
		slog.Duration("step_timeout", cfg.Pipeline.StepTimeout),
		slog.Int("max_retries", cfg.Pipeline.MaxRetries),
		slog.Duration("retry_delay", cfg.Pipeline.RetryDelay),
	)
	if len(pending) > 0 {
		a.logger.Warn("changed settings take effect after restart", slog.String("keys", strings.Join(pending, ", ")))
	}
}
