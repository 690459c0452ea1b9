// ABOUTME: NATS ingress that lets out-of-process services publish to connected clients
// ABOUTME: Messages are de-duplicated by id and routed through the dispatch facade

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nats-io/nats.go"

	"github.com/2389/pulse-gateway/internal/dispatch"
	"github.com/2389/pulse-gateway/internal/protocol"
	"github.com/2389/pulse-gateway/internal/store"
)

// Results reported to the metrics recorder and to request/reply publishers.
const (
	ResultRouted    = "routed"
	ResultDuplicate = "duplicate"
	ResultInvalid   = "invalid"
	ResultFailed    = "failed"
)

// ErrInvalidMessage is returned for a message that can never be routed.
var ErrInvalidMessage = errors.New("invalid bridge message")

// publishable lists the events external publishers may send. Connection
// lifecycle events are the gateway's own.
var publishable = map[string]bool{
	protocol.EventNotification:          true,
	protocol.EventUnreadCount:           true,
	protocol.EventMetricsUpdate:         true,
	protocol.EventSessionUpdate:         true,
	protocol.EventServiceAlert:          true,
	protocol.EventBackupProgress:        true,
	protocol.EventBulkOperationProgress: true,
}

// Message is one ingress message.
//
// A notification event addressed to a single user is stored before it is
// delivered, and its payload is a NotificationBody. The message id becomes
// the notification id. Every other event is routed as is.
type Message struct {
	ID      string          `json:"id"`
	Target  dispatch.Target `json:"target"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NotificationBody is the payload of a stored notification.
type NotificationBody struct {
	Kind  string `json:"kind"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Publisher routes an event to a target.
type Publisher interface {
	Publish(t dispatch.Target, event string, payload any) error
}

// Notifier stores and delivers a user notification.
type Notifier interface {
	Notify(ctx context.Context, n *store.Notification) error
}

// Recorder counts handled messages by result.
type Recorder interface {
	BridgeMessage(result string)
}

// Config configures a Bridge.
type Config struct {
	URL        string
	Subject    string
	QueueGroup string
	Name       string

	// DedupeSize and DedupeTTL bound the set of recently seen message ids.
	DedupeSize int
	DedupeTTL  time.Duration
}

func (c *Config) normalize() {
	if c.Subject == "" {
		c.Subject = "pulse.dispatch"
	}
	if c.Name == "" {
		c.Name = "pulse-gateway"
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = 10000
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = 5 * time.Minute
	}
}

// Bridge consumes ingress messages from NATS.
type Bridge struct {
	cfg       Config
	publisher Publisher
	notifier  Notifier
	recorder  Recorder
	seen      *expirable.LRU[string, struct{}]
	logger    *slog.Logger

	conn *nats.Conn
}

// New creates a Bridge. notifier and recorder may be nil.
func New(cfg Config, publisher Publisher, notifier Notifier, recorder Recorder, logger *slog.Logger) *Bridge {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:       cfg,
		publisher: publisher,
		notifier:  notifier,
		recorder:  recorder,
		seen:      expirable.NewLRU[string, struct{}](cfg.DedupeSize, nil, cfg.DedupeTTL),
		logger:    logger.With("component", "bridge"),
	}
}

// Connect dials the NATS server. It keeps reconnecting in the background
// after the first successful connection.
func (b *Bridge) Connect() error {
	nc, err := nats.Connect(b.cfg.URL,
		nats.Name(b.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to nats at %s: %w", b.cfg.URL, err)
	}
	b.conn = nc
	return nil
}

// Run subscribes to the configured subject and handles messages until ctx
// is done. Connect must have succeeded first.
func (b *Bridge) Run(ctx context.Context) error {
	if b.conn == nil {
		return errors.New("bridge not connected")
	}

	var (
		sub *nats.Subscription
		err error
	)
	if b.cfg.QueueGroup != "" {
		sub, err = b.conn.QueueSubscribe(b.cfg.Subject, b.cfg.QueueGroup, b.onMessage)
	} else {
		sub, err = b.conn.Subscribe(b.cfg.Subject, b.onMessage)
	}
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", b.cfg.Subject, err)
	}
	b.logger.Info("bridge subscribed", "subject", b.cfg.Subject, "queue_group", b.cfg.QueueGroup)

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		b.logger.Warn("draining subscription", "error", err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (b *Bridge) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Drain()
}

func (b *Bridge) onMessage(msg *nats.Msg) {
	result, err := b.Handle(context.Background(), msg.Data)
	if err != nil {
		b.logger.Warn("bridge message not routed", "subject", msg.Subject, "result", result, "error", err)
	}
	if msg.Reply != "" {
		if err := msg.Respond([]byte(result)); err != nil {
			b.logger.Debug("bridge reply failed", "error", err)
		}
	}
}

// Handle decodes and routes one message and returns its result. A message
// whose id was already routed is ignored. An id is remembered only after
// routing succeeds, so a failed message may be retried.
func (b *Bridge) Handle(ctx context.Context, data []byte) (string, error) {
	result, err := b.handle(ctx, data)
	if b.recorder != nil {
		b.recorder.BridgeMessage(result)
	}
	return result, err
}

func (b *Bridge) handle(ctx context.Context, data []byte) (string, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return ResultInvalid, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := validate(msg); err != nil {
		return ResultInvalid, err
	}

	if msg.ID != "" && b.seen.Contains(msg.ID) {
		b.logger.Debug("duplicate bridge message ignored", "id", msg.ID)
		return ResultDuplicate, nil
	}

	if err := b.route(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicateNotification) {
			// stored by an earlier delivery, possibly on another instance
			b.seen.Add(msg.ID, struct{}{})
			return ResultDuplicate, nil
		}
		if errors.Is(err, ErrInvalidMessage) || errors.Is(err, dispatch.ErrInvalidTarget) {
			return ResultInvalid, err
		}
		return ResultFailed, err
	}

	if msg.ID != "" {
		b.seen.Add(msg.ID, struct{}{})
	}
	b.logger.Debug("bridge message routed",
		"id", msg.ID,
		"event", msg.Event,
		"target", msg.Target.Kind,
	)
	return ResultRouted, nil
}

func validate(msg Message) error {
	if !publishable[msg.Event] {
		return fmt.Errorf("%w: event %q may not be published", ErrInvalidMessage, msg.Event)
	}
	if err := msg.Target.Validate(); err != nil {
		return err
	}
	return nil
}

func (b *Bridge) route(ctx context.Context, msg Message) error {
	if msg.Event == protocol.EventNotification && msg.Target.Kind == dispatch.TargetUser && b.notifier != nil {
		var body NotificationBody
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			return fmt.Errorf("%w: notification payload: %v", ErrInvalidMessage, err)
		}
		return b.notifier.Notify(ctx, &store.Notification{
			ID:     msg.ID,
			UserID: msg.Target.UserID,
			Kind:   body.Kind,
			Title:  body.Title,
			Body:   body.Body,
		})
	}

	var payload any = msg.Payload
	if len(msg.Payload) == 0 {
		payload = struct{}{}
	}
	return b.publisher.Publish(msg.Target, msg.Event, payload)
}
