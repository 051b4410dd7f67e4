// Package cmd provides utilities that underlie the specific commands: strict
// config loading, and the logging, metrics and tracing every command sets up
// before doing any work.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/syslog"
	"net"
	"net/http"
	"os"
	"path"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vaultca/vaultca/core"
	blog "github.com/vaultca/vaultca/log"
)

// FailOnError exits and prints an error message if we encountered a problem.
func FailOnError(err error, msg string) {
	if err == nil {
		return
	}
	logger := blog.Get()
	logger.AuditErrf("%s: %s", msg, err)
	fmt.Fprintf(os.Stderr, "%s: %s\n", msg, err)
	os.Exit(1)
}

// Fail exits with msg, audit-logging it first.
func Fail(msg string) {
	logger := blog.Get()
	logger.AuditErr(msg)
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

// AuditPanic catches and logs panics, then exits. It belongs in a defer at
// the top of main.
func AuditPanic() {
	err := recover()
	if err == nil {
		return
	}
	blog.Get().AuditErrf("Panic caused by err: %s", err)
	os.Exit(1)
}

// VersionString produces a friendly application version string.
func VersionString() string {
	name := path.Base(os.Args[0])
	return fmt.Sprintf("Versions: %s=(%s %s) Golang=(%s) BuildHost=(%s)", name, core.GetBuildID(), core.GetBuildTime(), runtime.Version(), core.GetBuildHost())
}

// StatsAndLogging sets up the logger, the metrics registry and the tracer
// provider shared by a command's components. The returned function flushes
// and stops the tracer provider and must be called before exiting.
func StatsAndLogging(logConf SyslogConfig, otConf OpenTelemetryConfig, addr string) (prometheus.Registerer, blog.Logger, trace.TracerProvider, func(context.Context)) {
	logger := NewLogger(logConf)
	blog.InitAdapters(logger)
	logger.Info(VersionString())

	tp, shutdown, err := newOpenTelemetry(context.Background(), otConf, logger)
	FailOnError(err, "setting up OpenTelemetry")

	return newStatsRegistry(addr, logger), logger, tp, shutdown
}

// NewLogger builds the process logger from logConf and installs it as the
// package default. Without a reachable syslog daemon it logs to stdout only.
func NewLogger(logConf SyslogConfig) blog.Logger {
	stdoutLevel := logConf.StdoutLevel
	if stdoutLevel == 0 {
		stdoutLevel = int(syslog.LOG_INFO)
	}
	var logger blog.Logger
	if logConf.SyslogLevel >= 0 {
		syslogger, err := syslog.Dial("", "", syslog.LOG_INFO|syslog.LOG_LOCAL0, path.Base(os.Args[0]))
		if err == nil {
			syslogLevel := logConf.SyslogLevel
			if syslogLevel == 0 {
				syslogLevel = int(syslog.LOG_INFO)
			}
			logger, err = blog.New(syslogger, stdoutLevel, syslogLevel)
			FailOnError(err, "Could not connect to Syslog")
		}
	}
	if logger == nil {
		logger = blog.StdoutLogger(stdoutLevel)
	}
	_ = blog.Set(logger)
	return logger
}

// newStatsRegistry returns a registry carrying the Go and process
// collectors. When addr is set, the registry is also served on /metrics.
func newStatsRegistry(addr string, logger blog.Logger) prometheus.Registerer {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if addr == "" {
		return registry
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorLog: promLogger{logger},
	}))

	ln, err := net.Listen("tcp", addr)
	FailOnError(err, "unable to boot debug server")
	logger.Infof("Debug server listening on %s", ln.Addr())

	server := http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}
	go func() {
		err := server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errf("debug server stopped: %s", err)
		}
	}()
	return registry
}

// promLogger adapts blog.Logger for promhttp's error reporting.
type promLogger struct {
	blog.Logger
}

func (log promLogger) Println(args ...any) {
	log.AuditErr(fmt.Sprint(args...))
}

// newOpenTelemetry returns a tracer provider exporting to otConf.Endpoint
// over OTLP/gRPC, and installs it globally. Without an endpoint spans are
// dropped.
func newOpenTelemetry(ctx context.Context, otConf OpenTelemetryConfig, logger blog.Logger) (trace.TracerProvider, func(context.Context), error) {
	if otConf.Endpoint == "" {
		return noop.NewTracerProvider(), func(context.Context) {}, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(otConf.Endpoint)}
	if otConf.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", path.Base(os.Args[0])),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(otConf.SampleRatio))),
	)
	otel.SetTracerProvider(tp)

	shutdown := func(ctx context.Context) {
		err := tp.Shutdown(ctx)
		if err != nil {
			logger.Warningf("flushing spans: %s", err)
		}
	}
	return tp, shutdown, nil
}
