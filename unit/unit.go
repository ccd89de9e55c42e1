// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package unit runs a service: it loads the configuration, starts the
// metrics server and the trace exporter, runs the main Runnable and
// shuts everything down on SIGINT or SIGTERM.
package unit

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	traceSdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"sigs.k8s.io/yaml"
)

type (
	Unit struct {
		name        string
		version     string
		environment string

		config *Config
		main   Runnable
		stdout io.Writer
	}

	Runnable interface {
		Run(context.Context, *log.Logger, prometheus.Registerer, trace.TracerProvider) error
	}

	// Configurable is implemented by a Runnable reading its own
	// section of the configuration file, keyed by the unit name.
	Configurable interface {
		GetConfiguration() any
	}

	// EnvConfigurable is implemented by a Runnable accepting
	// environment overrides. lookup already carries the unit prefix:
	// lookup("STORAGE_ADDR") reads THROTTLED_STORAGE_ADDR for a unit
	// named "throttled".
	EnvConfigurable interface {
		ApplyEnv(lookup func(string) (string, bool)) error
	}

	Config struct {
		Log     LogConfig     `json:"log"`
		Metrics MetricsConfig `json:"metrics"`
		Tracing TracingConfig `json:"tracing"`
	}

	LogConfig struct {
		Level  string `json:"level"`
		Format string `json:"format"`
	}

	MetricsConfig struct {
		Addr string `json:"addr"`
	}

	TracingConfig struct {
		Addr          string `json:"addr"`
		Insecure      bool   `json:"insecure"`
		MaxBatchSize  int    `json:"max-batch-size"`
		BatchTimeout  int    `json:"batch-timeout"`
		ExportTimeout int    `json:"export-timeout"`
		MaxQueueSize  int    `json:"max-queue-size"`
	}
)

func NewUnit(name, version, environment string, main Runnable) *Unit {
	return &Unit{
		name:        name,
		version:     version,
		environment: environment,
		main:        main,
		stdout:      os.Stdout,
		config: &Config{
			Log: LogConfig{
				Level:  "info",
				Format: string(log.FormatJSON),
			},
			Metrics: MetricsConfig{
				Addr: ":9090",
			},
			Tracing: TracingConfig{
				Addr:          "localhost:4318",
				MaxBatchSize:  1024,
				BatchTimeout:  10,
				ExportTimeout: 15,
				MaxQueueSize:  5000,
			},
		},
	}
}

func (u *Unit) Run() error {
	return u.RunContext(context.Background(), os.Args[1:])
}

func (u *Unit) RunContext(parentCtx context.Context, args []string) error {
	flags := flag.NewFlagSet(u.name, flag.ContinueOnError)
	flags.SetOutput(u.stdout)

	filename := flags.String("cfg-file", "", "the path of the configuration file")
	envFile := flags.String("env-file", ".env", "the path of an optional dotenv file")
	printCfg := flags.Bool("print-cfg", false, "print the loaded cfg and exit")
	help := flags.Bool("help", false, "show this help message")
	version := flags.Bool("version", false, "show the service version")

	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("cannot parse flags: %w", err)
	}

	if *help {
		flags.PrintDefaults()
		return nil
	}

	if *version {
		fmt.Fprintf(u.stdout, "version: %s\n", u.version)
		return nil
	}

	if *filename != "" {
		if err := u.loadConfigurationFromFile(*filename); err != nil {
			return fmt.Errorf("cannot load configuration from %q file: %w", *filename, err)
		}
	}

	if err := loadEnvFile(*envFile); err != nil {
		return fmt.Errorf("cannot load %q env file: %w", *envFile, err)
	}

	if err := u.applyEnv(os.LookupEnv); err != nil {
		return fmt.Errorf("cannot apply environment: %w", err)
	}

	if *printCfg {
		return u.printConfiguration()
	}

	rootLogger, err := u.newLogger()
	if err != nil {
		return err
	}

	logger := rootLogger.Named("unit")

	ctx, cancel := context.WithCancelCause(parentCtx)
	defer cancel(context.Canceled)

	otel.SetErrorHandler(&otelErrorHandler{ctx: ctx, logger: rootLogger.Named("otel")})

	wg := sync.WaitGroup{}
	metricsInitialized := make(chan prometheus.Registerer)
	tracingInitialized := make(chan trace.TracerProvider)

	metricsServerCtx, stopMetricsServer := context.WithCancel(context.Background())
	defer stopMetricsServer()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := u.runMetricsServer(metricsServerCtx, rootLogger, metricsInitialized); err != nil && !errors.Is(err, context.Canceled) {
			cancel(fmt.Errorf("metrics server crashed: %w", err))
		}

		logger.Info("metrics server shutdown")
	}()

	tracingExporterCtx, stopTracingExporter := context.WithCancel(context.Background())
	defer stopTracingExporter()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := u.runTracingExporter(tracingExporterCtx, rootLogger, tracingInitialized); err != nil && !errors.Is(err, context.Canceled) {
			cancel(fmt.Errorf("traces exporter crashed: %w", err))
		}

		logger.Info("traces exporter shutdown")
	}()

	var (
		registry      prometheus.Registerer
		traceProvider trace.TracerProvider
	)

	select {
	case registry = <-metricsInitialized:
	case <-ctx.Done():
		stopMetricsServer()
		stopTracingExporter()
		wg.Wait()
		return context.Cause(ctx)
	}

	select {
	case traceProvider = <-tracingInitialized:
	case <-ctx.Done():
		stopMetricsServer()
		stopTracingExporter()
		wg.Wait()
		return context.Cause(ctx)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()

		if err := u.main.Run(ctx, rootLogger, registry, traceProvider); err != nil {
			cancel(err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", log.Error(context.Cause(ctx)))

	stopMetricsServer()
	stopTracingExporter()

	wg.Wait()

	err = context.Cause(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (u *Unit) newLogger() (*log.Logger, error) {
	var level log.Level
	if err := level.UnmarshalText([]byte(u.config.Log.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", u.config.Log.Level, err)
	}

	return log.NewLogger(
		log.WithName(u.name),
		log.WithLevel(level),
		log.WithFormat(log.ParseFormat(u.config.Log.Format)),
		log.WithAttributes(
			log.String("version", u.version),
			log.String("environment", u.environment),
		),
	), nil
}

func (u *Unit) printConfiguration() error {
	config := map[string]any{"unit": u.config}
	if configurable, ok := u.main.(Configurable); ok {
		config[u.name] = configurable.GetConfiguration()
	}

	encoder := json.NewEncoder(u.stdout)
	encoder.SetIndent("", "\t")

	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("cannot encode configuration: %w", err)
	}

	return nil
}

func (u *Unit) runMetricsServer(ctx context.Context, rootLogger *log.Logger, initialized chan<- prometheus.Registerer) error {
	logger := rootLogger.Named("unit.metrics")

	registry := prometheus.NewPedanticRegistry()
	metricsHandler := promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics:   true,
			MaxRequestsInFlight: 10,
			ErrorHandling:       promhttp.ContinueOnError,
			ErrorLog:            stdlog.New(logger.NewWriter(log.LevelError), "", 0),
		},
	)

	httpServer := &http.Server{
		Addr: u.config.Metrics.Addr,
		Handler: http.TimeoutHandler(
			metricsHandler,
			5*time.Second,
			"request timed out",
		),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		ErrorLog:     stdlog.New(logger.NewWriter(log.LevelError), "", 0),
	}

	logger.Info("starting metrics server", log.String("addr", httpServer.Addr))
	listener, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", httpServer.Addr, err)
	}
	defer listener.Close()

	initialized <- registry

	serverErrCh := make(chan error, 1)
	go func() {
		err := httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("cannot serve http request: %w", err)
		}
		close(serverErrCh)
	}()

	logger.Info("metrics server started")

	select {
	case err := <-serverErrCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down metrics server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown http server: %w", err)
	}

	return ctx.Err()
}

func (u *Unit) runTracingExporter(ctx context.Context, rootLogger *log.Logger, initialized chan<- trace.TracerProvider) error {
	logger := rootLogger.Named("unit.tracing")
	config := u.config.Tracing

	logger.Info("starting traces exporter", log.String("addr", config.Addr))

	options := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.Addr),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		otlptracehttp.WithRetry(
			otlptracehttp.RetryConfig{
				Enabled:         true,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
				MaxElapsedTime:  5 * time.Minute,
			},
		),
		otlptracehttp.WithTimeout(15 * time.Second),
	}
	if config.Insecure {
		options = append(options, otlptracehttp.WithInsecure())
	}

	exporter := otlptracehttp.NewUnstarted(options...)
	if err := exporter.Start(ctx); err != nil {
		return fmt.Errorf("cannot create otel exporter: %w", err)
	}

	traceProvider := traceSdk.NewTracerProvider(
		traceSdk.WithBatcher(
			exporter,
			traceSdk.WithMaxExportBatchSize(config.MaxBatchSize),
			traceSdk.WithBatchTimeout(time.Duration(config.BatchTimeout)*time.Second),
			traceSdk.WithExportTimeout(time.Duration(config.ExportTimeout)*time.Second),
			traceSdk.WithMaxQueueSize(config.MaxQueueSize),
		),
		traceSdk.WithResource(
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(u.name),
				semconv.ServiceVersion(u.version),
				semconv.DeploymentEnvironment(u.environment),
			),
		),
	)

	initialized <- traceProvider

	logger.Info("trace exporter started")

	<-ctx.Done()

	logger.Info("shutting down traces exporter")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	if err := traceProvider.ForceFlush(shutdownCtx); err != nil {
		return fmt.Errorf("cannot flush remaining spans: %w", err)
	}

	if err := traceProvider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown provider: %w", err)
	}

	return ctx.Err()
}

func (u *Unit) loadConfigurationFromFile(filename string) error {
	blob, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("cannot read file: %w", err)
	}

	return u.loadConfiguration(blob)
}

func (u *Unit) loadConfiguration(blob []byte) error {
	blob, err := yaml.YAMLToJSON(blob)
	if err != nil {
		return fmt.Errorf("cannot convert yaml to json: %w", err)
	}

	config := map[string]json.RawMessage{}
	if err := json.Unmarshal(blob, &config); err != nil {
		return fmt.Errorf("cannot decode file: %w", err)
	}

	if section, ok := config["unit"]; ok {
		if err := json.Unmarshal(section, u.config); err != nil {
			return fmt.Errorf("cannot decode %q config section: %w", "unit", err)
		}
	}

	if configurable, ok := u.main.(Configurable); ok {
		if section, ok := config[u.name]; ok {
			if err := json.Unmarshal(section, configurable.GetConfiguration()); err != nil {
				return fmt.Errorf("cannot decode %q config section: %w", u.name, err)
			}
		}
	}

	return nil
}

// loadEnvFile loads filename into the environment without overriding
// variables already set. A missing file is not an error.
func loadEnvFile(filename string) error {
	if filename == "" {
		return nil
	}

	if err := godotenv.Load(filename); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return err
	}

	return nil
}

func (u *Unit) envPrefix() string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(u.name)) + "_"
}

func (u *Unit) applyEnv(lookupEnv func(string) (string, bool)) error {
	prefix := u.envPrefix()
	lookup := func(key string) (string, bool) {
		return lookupEnv(prefix + key)
	}

	for key, dst := range map[string]*string{
		"LOG_LEVEL":    &u.config.Log.Level,
		"LOG_FORMAT":   &u.config.Log.Format,
		"METRICS_ADDR": &u.config.Metrics.Addr,
		"TRACING_ADDR": &u.config.Tracing.Addr,
	} {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	if configurable, ok := u.main.(EnvConfigurable); ok {
		if err := configurable.ApplyEnv(lookup); err != nil {
			return err
		}
	}

	return nil
}
