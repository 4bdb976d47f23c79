// Command chatvaultd runs the chatvault ingest-and-fan-out engine: it
// joins a configured set of Twitch IRC channels, archives chat messages and
// moderator actions durably, and fans the same events out to WebSocket
// subscribers and outbound webhooks (spec.md §2).
package main

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"chatvault/internal/archive"
	"chatvault/internal/broker"
	"chatvault/internal/bus"
	"chatvault/internal/frameparser"
	"chatvault/internal/identity"
	"chatvault/internal/ircsession"
	"chatvault/internal/livestatus"
	"chatvault/internal/registry"
	"chatvault/internal/webhook"
	"chatvault/pkg/config"
	"chatvault/pkg/database"
	"chatvault/pkg/logging"
	"chatvault/pkg/monitoring"
	"chatvault/pkg/server"
	"chatvault/pkg/version"
)

// Exit codes per spec.md §6.
const (
	exitClean        = 0
	exitInitError    = 1
	exitFatalRuntime = 2
)

func main() {
	logger := logging.NewLoggerWithService("chatvaultd")
	config.LoadEnv(logger)
	logger.Info("Starting chatvaultd")

	cfg := loadConfig()

	db, err := database.Connect(cfg.database, logger)
	if err != nil {
		logger.WithError(err).Error("database connection failed")
		os.Exit(exitInitError)
	}
	defer db.Close()

	if err := database.Migrate(context.Background(), db, logger); err != nil {
		logger.WithError(err).Error("schema migration failed")
		os.Exit(exitInitError)
	}

	healthChecker := monitoring.NewHealthChecker("chatvaultd", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("chatvaultd", version.Version, version.GitCommit)
	metrics := buildMetrics(metricsCollector)

	eventBus := bus.New(cfg.busBufferSize, logger, metrics.bus)

	identityResolver, err := identity.New(identity.NewPostgresStore(db), cfg.identityCacheSize)
	if err != nil {
		logger.WithError(err).Error("identity resolver init failed")
		os.Exit(exitInitError)
	}

	channelRegistry := registry.New(identityResolver)
	seedRegistry(channelRegistry, cfg.initialChannels, logger)

	archiveBuffer := archive.New(archive.NewPostgresStore(db), archiveBusPublisher{eventBus}, logger, metrics.archive, cfg.archive)

	ircSession := ircsession.New(cfg.irc, channelRegistry, logger, metrics.ircsession, nil)

	parser := frameparser.New(identityResolver, archiveBuffer, eventBus, logger, metrics.parser)

	hub := broker.New(eventBus, identityResolver, logger, metrics.broker)

	webhookDispatcher := webhook.New(
		webhook.NewPostgresStore(db),
		webhook.NewHTTPDeliverer(cfg.webhook.Attempts, logger),
		eventBus,
		logger,
		metrics.webhook,
		cfg.webhook,
	)
	webhookDispatcher.Subscribe(eventBus)

	liveFeed := livestatus.NoopFeed{}

	healthChecker.AddCheck("postgres", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("irc", monitoring.IRCSessionHealthCheck(ircSession.Connected, ircSession.BackingOff))
	healthChecker.AddCheck("archive_backlog", monitoring.ArchiveBacklogHealthCheck(
		func() int { return archiveBuffer.Stats().Buffered },
		cfg.archiveDegradedAt,
	))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":    cfg.database.URL,
		"TWITCH_USERNAME": cfg.ircUsername,
		"TWITCH_IRC_HOST": cfg.irc.Host,
	}))

	router := server.SetupServiceRouter(logger, "chatvaultd", healthChecker, metricsCollector)
	router.GET("/ws", func(c *gin.Context) {
		if err := hub.ServeWS(c.Writer, c.Request); err != nil {
			logger.WithFields(logging.Fields{"error": err}).Warn("websocket upgrade failed")
		}
	})

	rt := &components{
		logger:            logger,
		cfg:               cfg,
		registry:          channelRegistry,
		archiveBuffer:     archiveBuffer,
		ircSession:        ircSession,
		parser:            parser,
		hub:               hub,
		webhookDispatcher: webhookDispatcher,
		liveFeed:          liveFeed,
		eventBus:          eventBus,
		router:            router,
	}

	os.Exit(runAndWaitForShutdown(rt))
}

func seedRegistry(reg *registry.Registry, channels []string, logger logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, name := range channels {
		if _, err := reg.Add(ctx, name); err != nil {
			logger.WithFields(logging.Fields{"channel": name, "error": err}).Error("failed to seed initial channel")
			continue
		}
		reg.SetActive(name, true)
	}
}
