package main

import (
	"strconv"
	"strings"
	"time"

	"chatvault/internal/archive"
	"chatvault/internal/bus"
	"chatvault/internal/ircsession"
	"chatvault/internal/webhook"
	"chatvault/pkg/config"
	"chatvault/pkg/database"
)

// appConfig collects every environment-backed tunable named in spec.md §6's
// "Configuration surface" note, one sub-config per component.
type appConfig struct {
	database database.Config

	ircUsername string
	irc         ircsession.Config

	initialChannels []string

	busBufferSize int

	archive archive.Config

	identityCacheSize int

	webhook webhook.Config

	httpPort         string
	shutdownDeadline time.Duration
	archiveDegradedAt int
}

func loadConfig() appConfig {
	dbCfg := database.DefaultConfig()
	dbCfg.URL = config.RequireEnv("DATABASE_URL")

	ircCfg := ircsession.DefaultConfig()
	ircCfg.Host = config.GetEnv("TWITCH_IRC_HOST", ircCfg.Host)
	ircCfg.Username = config.RequireEnv("TWITCH_USERNAME")
	ircCfg.OAuthToken = config.RequireEnv("TWITCH_OAUTH_TOKEN")
	ircCfg.BackoffMin = durationEnv("IRC_BACKOFF_MIN", ircCfg.BackoffMin)
	ircCfg.BackoffMax = durationEnv("IRC_BACKOFF_MAX", ircCfg.BackoffMax)
	ircCfg.HandoffBufferSize = config.GetEnvInt("IRC_HANDOFF_BUFFER_SIZE", ircCfg.HandoffBufferSize)

	archiveCfg := archive.DefaultConfig()
	archiveCfg.MaxBatchSize = config.GetEnvInt("ARCHIVE_MAX_BATCH_SIZE", archiveCfg.MaxBatchSize)
	archiveCfg.MaxBatchAge = durationEnv("ARCHIVE_MAX_BATCH_AGE", archiveCfg.MaxBatchAge)
	archiveCfg.BacklogCap = config.GetEnvInt("ARCHIVE_BACKLOG_CAP", archiveCfg.BacklogCap)
	archiveCfg.BlockTimeout = durationEnv("ARCHIVE_BLOCK_TIMEOUT", archiveCfg.BlockTimeout)
	archiveCfg.BackoffMin = durationEnv("ARCHIVE_BACKOFF_MIN", archiveCfg.BackoffMin)
	archiveCfg.BackoffMax = durationEnv("ARCHIVE_BACKOFF_MAX", archiveCfg.BackoffMax)
	archiveCfg.CommitTimeout = durationEnv("ARCHIVE_COMMIT_TIMEOUT", archiveCfg.CommitTimeout)
	if config.GetEnv("ARCHIVE_OVERFLOW_POLICY", string(archive.OverflowDrop)) == string(archive.OverflowSpill) {
		archiveCfg.OverflowPolicy = archive.OverflowSpill
		archiveCfg.SpillDir = config.GetEnv("ARCHIVE_SPILL_DIR", "./chatvault-spill")
	}

	webhookCfg := webhook.DefaultConfig()
	webhookCfg.QueueBound = config.GetEnvInt("WEBHOOK_QUEUE_BOUND", webhookCfg.QueueBound)
	webhookCfg.AutoMuteThreshold = config.GetEnvInt("WEBHOOK_AUTO_MUTE_THRESHOLD", webhookCfg.AutoMuteThreshold)
	webhookCfg.Attempts = config.GetEnvInt("WEBHOOK_MAX_ATTEMPTS", webhookCfg.Attempts)
	webhookCfg.RatePerSecond = floatEnv("WEBHOOK_RATE_PER_SECOND", webhookCfg.RatePerSecond)
	webhookCfg.RefreshInterval = durationEnv("WEBHOOK_REFRESH_INTERVAL", webhookCfg.RefreshInterval)

	return appConfig{
		database:          dbCfg,
		ircUsername:       ircCfg.Username,
		irc:               ircCfg,
		initialChannels:   splitChannels(config.GetEnv("CHATVAULT_CHANNELS", "")),
		busBufferSize:     config.GetEnvInt("BUS_BUFFER_SIZE", bus.DefaultBufferSize),
		archive:           archiveCfg,
		identityCacheSize: config.GetEnvInt("IDENTITY_CACHE_SIZE", 0),
		webhook:           webhookCfg,
		httpPort:          config.GetEnv("PORT", "18080"),
		shutdownDeadline:  durationEnv("SHUTDOWN_DEADLINE", 30*time.Second),
		archiveDegradedAt: config.GetEnvInt("ARCHIVE_DEGRADED_AT", archiveCfg.BacklogCap/2),
	}
}

func splitChannels(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationEnv(key string, def time.Duration) time.Duration {
	raw := config.GetEnv(key, "")
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}

func floatEnv(key string, def float64) float64 {
	raw := config.GetEnv(key, "")
	if raw == "" {
		return def
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return def
}
