package main

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"chatvault/internal/archive"
	"chatvault/internal/broker"
	"chatvault/internal/bus"
	"chatvault/internal/frameparser"
	"chatvault/internal/ircsession"
	"chatvault/internal/webhook"
	"chatvault/pkg/monitoring"
)

// labelCounter adapts a label-less *prometheus.CounterVec to the narrow
// Counter{ Inc() } seam every component package defines for itself.
type labelCounter struct{ vec *prometheus.CounterVec }

func (c labelCounter) Inc() { c.vec.WithLabelValues().Inc() }

type labelGauge struct{ vec *prometheus.GaugeVec }

func (g labelGauge) Set(v float64) { g.vec.WithLabelValues().Set(v) }

type labelObserver struct{ vec *prometheus.HistogramVec }

func (o labelObserver) Observe(v float64) { o.vec.WithLabelValues().Observe(v) }

// busCounterAdapter satisfies bus.PublishCounter/bus.DropCounter, whose Inc
// takes the (kind, channelID) pair the label-less adapters above can't
// carry.
type busCounterAdapter struct{ vec *prometheus.CounterVec }

func (a busCounterAdapter) Inc(kind string, channelID int64) {
	a.vec.WithLabelValues(kind, strconv.FormatInt(channelID, 10)).Inc()
}

// componentMetrics bundles every package-level Metrics struct this process
// wires into its own MetricsCollector, one label-less vec per component
// counter via the collector's NewCounter/NewGauge/NewHistogram constructors.
type componentMetrics struct {
	bus        *bus.Metrics
	archive    *archive.Metrics
	ircsession *ircsession.Metrics
	parser     *frameparser.Metrics
	webhook    *webhook.Metrics
	broker     *broker.Metrics
}

func buildMetrics(mc *monitoring.MetricsCollector) *componentMetrics {
	published, dropped := mc.CreateBusMetrics()

	return &componentMetrics{
		bus: &bus.Metrics{
			Published: busCounterAdapter{published},
			Dropped:   busCounterAdapter{dropped},
		},
		archive: &archive.Metrics{
			Flushes:       labelCounter{mc.NewCounter("archive_flushes_total", "Archive Buffer commit attempts", nil)},
			FlushErrors:   labelCounter{mc.NewCounter("archive_flush_errors_total", "Archive Buffer failed commits", nil)},
			FlushDuration: labelObserver{mc.NewHistogram("archive_flush_duration_seconds", "Archive Buffer commit duration", nil, nil)},
			Dropped:       labelCounter{mc.NewCounter("archive_dropped_total", "Archive Buffer items dropped under backpressure", nil)},
			Buffered:      labelGauge{mc.NewGauge("archive_buffered", "Archive Buffer pending item count", nil)},
			Inflight:      labelGauge{mc.NewGauge("archive_inflight", "Archive Buffer commit in progress (0/1)", nil)},
		},
		ircsession: &ircsession.Metrics{
			DroppedFrames: labelCounter{mc.NewCounter("irc_dropped_frames_total", "IRC frames dropped on a full hand-off queue", nil)},
			Reconnects:    labelCounter{mc.NewCounter("irc_reconnects_total", "IRC session reconnect attempts", nil)},
		},
		parser: &frameparser.Metrics{
			Unparsed: labelCounter{mc.NewCounter("parser_unparsed_frames_total", "IRC frames the parser could not recognize", nil)},
		},
		webhook: &webhook.Metrics{
			Delivered:  labelCounter{mc.NewCounter("webhook_delivered_total", "Webhook deliveries that succeeded", nil)},
			Failed:     labelCounter{mc.NewCounter("webhook_failed_total", "Webhook deliveries that failed", nil)},
			AutoMuted:  labelCounter{mc.NewCounter("webhook_auto_muted_total", "Webhook registrations auto-muted", nil)},
			QueueDrops: labelCounter{mc.NewCounter("webhook_queue_drops_total", "Webhook events dropped on a full per-registration queue", nil)},
			QueueDepth: labelGauge{mc.NewGauge("webhook_queue_depth", "Webhook per-registration queue depth", nil)},
		},
		broker: &broker.Metrics{
			ActiveConnections: labelGauge{mc.NewGauge("broker_active_connections", "Subscription Broker active WebSocket connections", nil)},
			ForceClosed:       labelCounter{mc.NewCounter("broker_force_closed_total", "Subscription Broker clients force-closed on a full outbound queue", nil)},
		},
	}
}
