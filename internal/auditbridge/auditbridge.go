// Package auditbridge mirrors the registry's lifecycle, feature-flag, and
// resource-violation publications onto NATS under the "pluginhost.events."
// subject namespace for an external audit sink to consume (subscribe to
// "pluginhost.events.>").
package auditbridge

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/forgekit/pluginhost/internal/bus"
)

// auditedPatterns is the closed set of bus topics mirrored to NATS. Anything
// a plugin publishes on its own namespace is intentionally excluded: the
// audit trail covers the host's own lifecycle and governance events, not
// plugin-to-plugin traffic.
var auditedPatterns = []string{
	"plugins.*",
	"featureFlags.*",
	"resource-limit-exceeded",
}

// Config configures the NATS connection the bridge publishes over.
type Config struct {
	URL      string
	User     string
	Password string
}

// Bridge forwards bus publications to NATS. A Bridge with no reachable NATS
// server is not an error: it runs disabled and every event is silently
// dropped, so a missing audit sink never blocks plugin activity.
type Bridge struct {
	conn    *nats.Conn
	bus     *bus.Bus
	logger  zerolog.Logger
	enabled bool
	subIDs  []string
}

// New connects to NATS per cfg and returns a Bridge. Connection failure is
// logged and degrades to a disabled bridge rather than returning an error.
func New(cfg Config, b *bus.Bus, logger zerolog.Logger) *Bridge {
	logger = logger.With().Str("component", "auditbridge").Logger()

	if cfg.URL == "" {
		logger.Warn().Msg("no NATS URL configured, audit bridge disabled")
		return &Bridge{bus: b, logger: logger}
	}

	opts := []nats.Option{
		nats.Name("pluginhost-auditbridge"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("audit bridge disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("audit bridge reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn().Err(err).Msg("audit bridge NATS error")
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		logger.Warn().Err(err).Str("url", cfg.URL).Msg("failed to connect audit bridge to NATS, running disabled")
		return &Bridge{bus: b, logger: logger}
	}

	logger.Info().Str("url", conn.ConnectedUrl()).Msg("audit bridge connected to NATS")
	return &Bridge{conn: conn, bus: b, logger: logger, enabled: true}
}

// Start subscribes the bridge to every audited bus pattern. A disabled
// bridge returns nil immediately; there is nothing to subscribe.
func (br *Bridge) Start() error {
	if !br.enabled {
		return nil
	}
	for _, pattern := range auditedPatterns {
		id, err := br.bus.SubscribePattern(pattern, br.forward, bus.SubscribeOptions{
			Metadata: map[string]interface{}{"component": "auditbridge"},
		})
		if err != nil {
			return err
		}
		br.subIDs = append(br.subIDs, id)
	}
	return nil
}

// forward publishes one bus event to NATS under "pluginhost.events.<topic>".
// Encoding or publish failures are logged and never propagated back to the
// bus; a broken audit sink must never affect plugin lifecycle operations.
func (br *Bridge) forward(topic string, payload interface{}, meta bus.Metadata) error {
	body, err := json.Marshal(struct {
		Topic   string      `json:"topic"`
		Source  string      `json:"source"`
		Payload interface{} `json:"payload"`
	}{Topic: topic, Source: meta.Source, Payload: payload})
	if err != nil {
		br.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal audit event")
		return nil
	}
	if err := br.conn.Publish("pluginhost.events."+topic, body); err != nil {
		br.logger.Warn().Err(err).Str("topic", topic).Msg("failed to publish audit event")
	}
	return nil
}

// IsEnabled reports whether the bridge is actually forwarding to NATS.
func (br *Bridge) IsEnabled() bool {
	return br.enabled
}

// Close unsubscribes from the bus and drains the NATS connection.
func (br *Bridge) Close() {
	for _, id := range br.subIDs {
		br.bus.Unsubscribe(id)
	}
	if br.conn != nil {
		br.conn.Drain()
		br.conn.Close()
	}
}
