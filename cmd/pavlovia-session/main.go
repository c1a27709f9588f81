// Command pavlovia-session runs one experiment session from the command line:
// it opens a session, uploads a results file and closes the session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	pavlovia "github.com/st-keller/pavlovia-client"
	"github.com/st-keller/pavlovia-client/logging"
	"github.com/st-keller/pavlovia-client/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stderr io.Writer) int {
	fs := flag.NewFlagSet("pavlovia-session", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "host config file (.toml, .yaml)")
	pageURL := fs.String("page-url", "", "URL of the experiment page; __ query parameters are sent to the server")
	manifestURL := fs.String("manifest", "", "manifest URL, relative to the page URL")
	participant := fs.String("participant", "", "participant ID")
	results := fs.String("results", "", "results file to upload, - for stdin; empty waits for an interrupt")
	traceOut := fs.Bool("trace", false, "print spans to stderr")
	metricsOut := fs.Bool("metrics", false, "print client metrics to stderr on exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadHostConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "pavlovia-session: %v\n", err)
		return 2
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "page-url":
			cfg.PageURL = *pageURL
		case "manifest":
			cfg.ConfigURL = *manifestURL
		case "participant":
			cfg.Participant = *participant
		case "results":
			cfg.ResultsPath = *results
		}
	})

	logger := logging.New(logging.ProfileRuntime, stderr)
	if cfg.LogLevelSet {
		logger = logger.Level(cfg.LogLevel)
	}

	var tp trace.TracerProvider
	if *traceOut {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			logger.Error().Err(err).Msg("failed to create trace exporter")
			return 2
		}
		sdkTP := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
		defer func() { _ = sdkTP.Shutdown(context.Background()) }()
		tp = sdkTP
	}

	page := &processPage{url: cfg.PageURL, out: stderr}
	reg := prometheus.NewRegistry()
	ctrl, err := pavlovia.New(pavlovia.Config{
		ConfigURL:      cfg.ConfigURL,
		Page:           page,
		Transport:      cfg.Transport,
		Logger:         &logger,
		Registerer:     reg,
		TracerProvider: tp,
		DefaultBaseURL: cfg.DefaultBaseURL,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to create controller")
		return 2
	}

	var reported atomic.Bool
	onError := func(err error) {
		reported.Store(true)
		ctrl.DefaultErrorCallback()(err)
	}

	// A signal means the participant is leaving the page.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			page.leave()
		case <-stopWatch:
		}
	}()

	<-ctrl.Trial(ctx, pavlovia.Trial{Command: pavlovia.CommandInit, ParticipantID: cfg.Participant, OnError: onError})

	if !reported.Load() {
		if cfg.ResultsPath == "" {
			logger.Info().Msg("session open, waiting for interrupt")
			<-ctx.Done()
		} else if data, err := readResults(cfg.ResultsPath, stdin); err != nil {
			reported.Store(true)
			logger.Error().Err(err).Str("path", cfg.ResultsPath).Msg("failed to read results")
		} else if ctx.Err() == nil {
			<-ctrl.Trial(ctx, pavlovia.Trial{
				Command:       pavlovia.CommandFinish,
				ParticipantID: cfg.Participant,
				Results:       data,
				OnError:       onError,
			})
		}
	}

	if ctx.Err() != nil {
		page.leave()
	}
	page.exit()

	if *metricsOut {
		if err := writeMetrics(stderr, reg, ctrl.Connectivity()); err != nil {
			logger.Warn().Err(err).Msg("failed to write metrics")
		}
	}
	if reported.Load() {
		return 1
	}
	return 0
}

func readResults(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		if stdin == nil {
			return nil, errors.New("no stdin")
		}
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func writeMetrics(w io.Writer, g prometheus.Gatherer, tracker *telemetry.Tracker) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
	}

	ye := yaml.NewEncoder(w)
	defer ye.Close()
	return ye.Encode(map[string]any{"connectivity": tracker.Snapshot()})
}
