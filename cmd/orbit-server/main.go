// Command orbit-server starts the Orbit Engine simulation and its HTTP
// and WebSocket surface: the tick loop that advances planetary state
// and active missions, the journal writer that logs it, and the
// session server that streams it to observers and answers planner
// queries.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/orbitengine/backend/internal/bodies"
	"github.com/orbitengine/backend/internal/journal"
	"github.com/orbitengine/backend/internal/logging"
	"github.com/orbitengine/backend/internal/observability"
	"github.com/orbitengine/backend/internal/session"
	"github.com/orbitengine/backend/internal/simulation"
)

// Exit codes: 0 clean shutdown, 2 configuration error, 1 runtime error.
const (
	exitOK           = 0
	exitConfigError  = 2
	exitRuntimeError = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	port := flag.Int("port", 8080, "TCP port the HTTP/WebSocket server listens on")
	tickHz := flag.Int("tick-hz", simulation.DefaultTickHz, "simulation tick rate in Hz")
	logDir := flag.String("log-dir", "simulation_logs", "directory for batched journal files")
	noLog := flag.Bool("no-log", false, "disable the journal writer")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	if *port <= 0 || *port > 65535 {
		log.Error(ctx, "invalid --port", logging.Int("port", *port))
		return exitConfigError
	}
	if *tickHz <= 0 {
		log.Error(ctx, "invalid --tick-hz", logging.Int("tick_hz", *tickHz))
		return exitConfigError
	}

	collector, err := observability.NewCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialize metrics collector", logging.String("error", err.Error()))
		return exitConfigError
	}

	tracingShutdown, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(*tickHz), log)
	if err != nil {
		log.Error(ctx, "failed to initialize tracing", logging.String("error", err.Error()))
		return exitConfigError
	}
	defer observability.ShutdownWithTimeout(context.Background(), tracingShutdown, log)

	engineOpts := []simulation.Option{
		simulation.WithTickRate(*tickHz),
		simulation.WithLogger(log),
		simulation.WithMetrics(collector),
	}
	engine := simulation.NewEngine(bodies.Epoch, engineOpts...)

	serverOpts := []session.ServerOption{
		session.WithServerLogger(log),
		session.WithMetricsCollector(collector),
	}

	var journalWriter *journal.Writer
	if !*noLog {
		journalWriter, err = journal.New(*logDir, bodies.Epoch, journal.WithLogger(log), journal.WithOnFlush(collector.JournalBatchesFlushed.Inc))
		if err != nil {
			log.Error(ctx, "failed to initialize journal writer", logging.String("log_dir", *logDir), logging.String("error", err.Error()))
			return exitConfigError
		}
		serverOpts = append(serverOpts, session.WithJournalWriter(journalWriter))
	}

	srv := session.NewServer(engine, serverOpts...)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: srv.Routes(),
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go engine.Run(runCtx)
	if journalWriter != nil {
		go journalWriter.Run(runCtx)
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "orbit-server listening", logging.Int("port", *port), logging.Int("tick_hz", *tickHz))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-runCtx.Done():
		log.Info(ctx, "shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "http server exited unexpectedly", logging.String("error", err.Error()))
			return exitRuntimeError
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "http server shutdown error", logging.String("error", err.Error()))
	}

	if journalWriter != nil {
		journalWriter.Wait()
	}

	log.Info(ctx, "orbit-server stopped")
	return exitOK
}
