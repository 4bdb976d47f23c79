package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"chatvault/internal/archive"
	"chatvault/internal/broker"
	"chatvault/internal/frameparser"
	"chatvault/internal/ircsession"
	"chatvault/internal/livestatus"
	"chatvault/internal/registry"
	"chatvault/internal/bus"
	"chatvault/internal/webhook"
	"chatvault/pkg/logging"
)

// components holds every wired collaborator runAndWaitForShutdown needs to
// start and, later, stop in this order: IRC session closes its connection
// (no PART is sent) -> parser drains -> archive buffer runs a final
// flushNow -> broker closes all client connections -> dispatcher stops and
// drops whatever is still queued.
type components struct {
	logger logging.Logger
	cfg    appConfig

	registry          *registry.Registry
	archiveBuffer     *archive.Buffer
	ircSession        *ircsession.Session
	parser            *frameparser.Parser
	hub               *broker.Hub
	webhookDispatcher *webhook.Dispatcher
	liveFeed          livestatus.Feed
	eventBus          *bus.Bus
	router            *gin.Engine
}

// runAndWaitForShutdown starts every component, blocks until a termination
// signal or a fatal HTTP listener error, drives the staged shutdown, and
// returns the process exit code (spec.md §6).
func runAndWaitForShutdown(c *components) int {
	ircCtx, ircCancel := context.WithCancel(context.Background())
	parserCtx, parserCancel := context.WithCancel(context.Background())
	archiveCtx, archiveCancel := context.WithCancel(context.Background())
	brokerCtx, brokerCancel := context.WithCancel(context.Background())
	webhookCtx, webhookCancel := context.WithCancel(context.Background())
	liveCtx, liveCancel := context.WithCancel(context.Background())
	defer ircCancel()
	defer parserCancel()
	defer archiveCancel()
	defer brokerCancel()
	defer webhookCancel()
	defer liveCancel()

	ircDone := make(chan struct{})
	parserDone := make(chan struct{})
	archiveDone := make(chan struct{})
	brokerDone := make(chan struct{})
	webhookDone := make(chan struct{})
	liveDone := make(chan struct{})

	go func() {
		defer close(ircDone)
		if err := c.ircSession.Run(ircCtx); err != nil && ircCtx.Err() == nil {
			c.logger.WithFields(logging.Fields{"error": err}).Error("irc session exited")
		}
	}()
	go func() {
		defer close(parserDone)
		c.parser.Run(parserCtx, c.ircSession.Frames())
	}()
	go func() {
		defer close(archiveDone)
		c.archiveBuffer.Run(archiveCtx)
	}()
	go func() {
		defer close(brokerDone)
		c.hub.Run(brokerCtx)
	}()
	go func() {
		defer close(webhookDone)
		c.webhookDispatcher.Run(webhookCtx)
	}()
	go func() {
		defer close(liveDone)
		if err := c.liveFeed.Run(liveCtx, c.eventBus); err != nil && liveCtx.Err() == nil {
			c.logger.WithFields(logging.Fields{"error": err}).Warn("live status feed exited")
		}
	}()

	srv := &http.Server{
		Addr:    ":" + c.cfg.httpPort,
		Handler: c.router,
	}
	serverErr := make(chan error, 1)
	go func() {
		c.logger.WithFields(logging.Fields{"port": c.cfg.httpPort}).Info("HTTP server listening")
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		c.logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			c.logger.WithFields(logging.Fields{"error": err}).Error("HTTP server failed")
			return exitFatalRuntime
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), c.cfg.shutdownDeadline)
	defer shutdownCancel()

	// Registry stops emitting intents implicitly once the IRC session that
	// watches it is cancelled below; it has no goroutine of its own to stop.

	// IRC session closes its connection; no PART is sent for joined channels.
	ircCancel()
	waitStage(shutdownCtx, ircDone)

	// Parser drains whatever the session already handed off, then stops.
	waitStage(shortGrace(shutdownCtx, 2*time.Second), parserDone)
	parserCancel()
	waitStage(shutdownCtx, parserDone)

	// Archive buffer runs a final flush before its own loop stops.
	if err := c.archiveBuffer.FlushNow(shutdownCtx); err != nil {
		c.logger.WithFields(logging.Fields{"error": err}).Warn("final archive flush failed")
	}
	archiveCancel()
	waitStage(shutdownCtx, archiveDone)

	// Bus drains: it owns no goroutine, so there is nothing further to stop
	// once every producer above has already stopped.

	// Broker closes all client connections with a clean code.
	brokerCancel()
	waitStage(shutdownCtx, brokerDone)

	// Dispatcher stops its per-registration workers at once; events still
	// queued for delivery are dropped, not drained.
	webhookCancel()
	waitStage(shutdownCtx, webhookDone)

	liveCancel()
	waitStage(shutdownCtx, liveDone)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.logger.WithFields(logging.Fields{"error": err}).Warn("HTTP server forced to shut down")
	}
	<-serverErr

	c.logger.Info("chatvaultd stopped cleanly")
	return exitClean
}

// waitStage blocks until done closes or ctx's deadline passes, whichever
// comes first -- the overall shutdown deadline still forces the process to
// exit even if a stage is slow (spec.md §5).
func waitStage(ctx context.Context, done <-chan struct{}) {
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// shortGrace returns a context that expires after d or when parent expires,
// whichever is sooner -- used to give the parser a brief window to drain
// already-buffered frames before it is cancelled outright.
func shortGrace(parent context.Context, d time.Duration) context.Context {
	ctx, _ := context.WithTimeout(parent, d)
	return ctx
}
