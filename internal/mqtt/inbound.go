package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

// defaultInboundLimit caps inbound session messages per minute.
const defaultInboundLimit = 60

// inboundTimeout bounds one inbound turn once it reaches the router.
const inboundTimeout = 5 * time.Minute

// inboundMessage is the JSON form of a session message. A payload that
// is not a JSON object is taken as the text itself.
type inboundMessage struct {
	Content string `json:"content"`
}

// Reply is published on a session's out topic after each inbound turn.
type Reply struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
}

// subscriber is the part of the connection manager used to subscribe.
type subscriber interface {
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
}

func (p *Publisher) subscribeInbound(ctx context.Context, cm subscriber) {
	if p.router == nil {
		return
	}
	filter := p.inboundFilter()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		p.logger.Error("mqtt subscribe failed", "topic", filter, "error", err)
		return
	}
	p.logger.Info("mqtt subscribed", "topic", filter)
}

// onMessage accepts a received publish. Turns run off the client's
// receive loop, one session at a time in arrival order.
func (p *Publisher) onMessage(ctx context.Context, topic string, payload []byte) {
	if p.router == nil {
		return
	}
	sessionID, ok := sessionFromTopic(p.cfg.TopicPrefix, topic)
	if !ok {
		p.logger.Debug("mqtt message on unexpected topic", "topic", topic)
		return
	}
	if !p.limiter.allow() {
		return
	}
	text := parseInbound(payload)
	if text == "" {
		p.logger.Debug("mqtt empty session message ignored", "session", sessionID)
		return
	}
	p.enqueueInbound(ctx, sessionID, text)
}

// inboundQueues holds texts received for a session while an earlier
// one is still being routed. A session has a drainer goroutine exactly
// while it has an entry in pending.
type inboundQueues struct {
	mu      sync.Mutex
	pending map[string][]string
}

func (p *Publisher) enqueueInbound(ctx context.Context, sessionID, text string) {
	q := &p.inbound
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == nil {
		q.pending = make(map[string][]string)
	}
	texts, draining := q.pending[sessionID]
	q.pending[sessionID] = append(texts, text)
	if !draining {
		go p.drainInbound(ctx, sessionID)
	}
}

func (p *Publisher) drainInbound(ctx context.Context, sessionID string) {
	q := &p.inbound
	for {
		q.mu.Lock()
		texts := q.pending[sessionID]
		if len(texts) == 0 {
			delete(q.pending, sessionID)
			q.mu.Unlock()
			return
		}
		text := texts[0]
		q.pending[sessionID] = texts[1:]
		q.mu.Unlock()

		p.handleInbound(ctx, sessionID, text)
	}
}

func (p *Publisher) handleInbound(ctx context.Context, sessionID, text string) {
	ctx, cancel := context.WithTimeout(ctx, inboundTimeout)
	defer cancel()

	p.logger.Debug("mqtt session message", "session", sessionID, "user", p.cfg.User, "len", len(text))

	reply := Reply{SessionID: sessionID}
	answer, err := p.router.Route(ctx, sessionID, p.cfg.User, text)
	if err != nil {
		p.logger.Warn("mqtt session turn failed", "session", sessionID, "error", err)
		reply.Error = err.Error()
	} else {
		reply.Content = answer
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		p.logger.Error("mqtt marshal reply", "error", err)
		return
	}
	if err := p.publish(context.WithoutCancel(ctx), &paho.Publish{
		Topic:   p.replyTopic(sessionID),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		p.logger.Warn("mqtt reply publish failed", "session", sessionID, "error", err)
	}
}

// sessionFromTopic extracts the session ID from <prefix>/sessions/<id>/in.
func sessionFromTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, strings.TrimSuffix(prefix, "/")+"/sessions/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/in")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func parseInbound(payload []byte) string {
	var msg inboundMessage
	if err := json.Unmarshal(payload, &msg); err == nil {
		return strings.TrimSpace(msg.Content)
	}
	return strings.TrimSpace(string(payload))
}

// messageRateLimiter drops inbound messages once more than limit arrive
// within one interval. Counters are atomic so the receive path never
// takes a lock.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled,
// warning when anything was dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			if dropped := r.dropped.Swap(0); dropped > 0 {
				r.logger.Warn("mqtt session messages dropped by rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
