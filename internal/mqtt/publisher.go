package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/almanac/internal/config"
	"github.com/nugget/almanac/internal/events"
)

// StatsSource provides runtime data for the status summary. The
// concrete adapter is wired in main.go to avoid coupling this package
// to the router or build metadata.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// DefaultModel returns the configured default model name.
	DefaultModel() string
	// ActiveSessions returns the count of live session workers.
	ActiveSessions() int
}

// Router delivers inbound text to a session. *router.Router
// implements it.
type Router interface {
	Route(ctx context.Context, sessionID, userID, text string) (string, error)
}

// Publisher manages the MQTT connection, forwards bus events, publishes
// the periodic status summary and serves inbound session messages.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	bus      *events.Bus
	stats    StatsSource
	router   Router
	logger   *slog.Logger
	limiter  *messageRateLimiter
	inbound  inboundQueues

	mu sync.RWMutex
	cm *autopaho.ConnectionManager
	// send publishes one message. It is the connection manager in
	// production and a recorder in tests.
	send func(ctx context.Context, pb *paho.Publish) error
}

// errNotStarted is returned before Start has a connection manager.
var errNotStarted = errors.New("mqtt publisher not started")

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. router may be nil, which
// disables inbound messages.
func New(cfg config.MQTTConfig, clientID string, bus *events.Bus, stats StatsSource, router Router, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	return &Publisher{
		cfg:      cfg,
		clientID: clientID,
		bus:      bus,
		stats:    stats,
		router:   router,
		logger:   logger,
		limiter:  newMessageRateLimiter(defaultInboundLimit, time.Minute, logger),
	}
}

// Start connects to the MQTT broker and runs until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			// May fire before NewConnection returns.
			p.setConn(cm)
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, "online")
			p.subscribeInbound(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.onMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.setConn(cm)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.start(ctx)
	p.runLoop(ctx)
	return nil
}

func (p *Publisher) setConn(cm *autopaho.ConnectionManager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cm == cm {
		return
	}
	p.cm = cm
	p.send = func(ctx context.Context, pb *paho.Publish) error {
		_, err := cm.Publish(ctx, pb)
		return err
	}
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cm
}

// AwaitConnection blocks until the broker connection is up or ctx ends.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return errNotStarted
	}
	return cm.AwaitConnection(ctx)
}

// Stop publishes "offline" and disconnects. ctx bounds how long to wait.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, "offline")
	return cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) topic(parts ...string) string {
	return strings.TrimSuffix(p.cfg.TopicPrefix, "/") + "/" + strings.Join(parts, "/")
}

func (p *Publisher) availabilityTopic() string { return p.topic("availability") }
func (p *Publisher) statusTopic() string       { return p.topic("status") }

func (p *Publisher) eventTopic(e events.Event) string {
	return p.topic("events", topicSegment(e.Source), topicSegment(e.Kind))
}

func (p *Publisher) inboundFilter() string { return p.topic("sessions", "+", "in") }

func (p *Publisher) replyTopic(sessionID string) string {
	return p.topic("sessions", sessionID, "out")
}

// topicSegment keeps a value from introducing levels or wildcards.
func topicSegment(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// --- Outbound ---

func (p *Publisher) publish(ctx context.Context, pb *paho.Publish) error {
	p.mu.RLock()
	send := p.send
	p.mu.RUnlock()
	if send == nil {
		return errNotStarted
	}
	return send(ctx, pb)
}

func (p *Publisher) publishAvailability(ctx context.Context, status string) {
	if err := p.publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

// Status is the retained summary published on the status topic.
type Status struct {
	Version        string `json:"version"`
	Uptime         string `json:"uptime"`
	DefaultModel   string `json:"default_model"`
	ActiveSessions int    `json:"active_sessions"`
	Timestamp      string `json:"ts"`
}

func (p *Publisher) publishStatus(ctx context.Context) {
	if p.stats == nil {
		return
	}
	payload, err := json.Marshal(Status{
		Version:        p.stats.Version(),
		Uptime:         p.stats.Uptime().Truncate(time.Second).String(),
		DefaultModel:   p.stats.DefaultModel(),
		ActiveSessions: p.stats.ActiveSessions(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		p.logger.Error("mqtt marshal status", "error", err)
		return
	}
	if err := p.publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt status publish failed", "error", err)
	}
}

func (p *Publisher) forwardEvent(ctx context.Context, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Debug("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	if err := p.publish(ctx, &paho.Publish{
		Topic:   p.eventTopic(e),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
	}
}

// runLoop forwards bus events and publishes the status summary on the
// configured interval until ctx is cancelled.
func (p *Publisher) runLoop(ctx context.Context) {
	interval := p.cfg.PublishInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sub := p.bus.Subscribe(128)
	defer p.bus.Unsubscribe(sub)

	// Publish immediately on start.
	p.publishStatus(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStatus(ctx)
		case e, ok := <-sub:
			if !ok {
				return
			}
			p.forwardEvent(ctx, e)
		}
	}
}
