// Package natsfeed adapts a nats.go subscription into a feed.Source,
// grounded on the donor's go-server/pkg/nats/client.go: same connection
// option set (bounded reconnects, reconnect wait/jitter, ping interval)
// and the same connect/reconnect/error handler wiring for visibility.
// What differs is the sink: the donor's Subscribe takes a free-form
// per-subject handler; this adapter owns a fixed subject->topic map and
// routes every message through feed.Publish.
package natsfeed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/msgbroker/internal/feed"
)

// Config configures one NATS subscription bridge.
type Config struct {
	URL string
	// SubjectMap maps a NATS subject (may be a wildcard pattern) to the
	// broker topic integer subscribers key off of.
	SubjectMap map[string]int32
}

// ParseSubjectMap parses the --nats-subjects flag's
// "subject:123,subject2:456" form into a SubjectMap. A bare subject
// with no ":" is assigned a topic number by its position in the list.
func ParseSubjectMap(spec string) (map[string]int32, error) {
	out := map[string]int32{}
	for i, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		subject, numStr, hasNum := strings.Cut(part, ":")
		if !hasNum {
			out[subject] = int32(i + 1)
			continue
		}
		n, err := strconv.ParseInt(numStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("natsfeed: bad subject mapping %q: %w", part, err)
		}
		out[subject] = int32(n)
	}
	return out, nil
}

// Bridge owns one NATS connection and a fixed set of subject
// subscriptions, each routed to a broker topic.
type Bridge struct {
	conn    *nats.Conn
	subs    []*nats.Subscription
	subject map[string]int32
	publish feed.Publish
	logger  zerolog.Logger
	url     string
}

// New connects to NATS eagerly (unlike kafkafeed, whose client dials
// lazily on first poll). It does not subscribe; Start subscribes to
// every configured subject.
func New(cfg Config, publish feed.Publish, logger zerolog.Logger) (*Bridge, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("natsfeed: url is required")
	}
	if len(cfg.SubjectMap) == 0 {
		return nil, fmt.Errorf("natsfeed: at least one subject is required")
	}
	if publish == nil {
		return nil, fmt.Errorf("natsfeed: publish callback is required")
	}

	b := &Bridge{
		subject: cfg.SubjectMap,
		publish: publish,
		logger:  logger.With().Str("component", "natsfeed").Logger(),
		url:     cfg.URL,
	}

	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(60),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.MaxPingsOutstanding(3),
		nats.PingInterval(20*time.Second),
		nats.ConnectHandler(b.onConnect),
		nats.DisconnectErrHandler(b.onDisconnect),
		nats.ReconnectHandler(b.onReconnect),
		nats.ErrorHandler(b.onError),
	)
	if err != nil {
		return nil, fmt.Errorf("natsfeed: connect %s: %w", cfg.URL, err)
	}
	b.conn = conn
	return b, nil
}

func (b *Bridge) onConnect(c *nats.Conn) {
	b.logger.Info().Str("url", c.ConnectedUrl()).Msg("connected to nats")
}

func (b *Bridge) onDisconnect(_ *nats.Conn, err error) {
	b.logger.Warn().Err(err).Msg("disconnected from nats")
}

func (b *Bridge) onReconnect(c *nats.Conn) {
	b.logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to nats")
}

func (b *Bridge) onError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	b.logger.Error().Err(err).Str("subject", subject).Msg("nats error")
}

// Start subscribes to every configured subject. Implements
// feed.Source.
func (b *Bridge) Start(ctx context.Context) error {
	for subject, topic := range b.subject {
		topic := topic
		sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
			n := b.publish(topic, msg.Data)
			b.logger.Debug().Str("subject", msg.Subject).Int32("broker_topic", topic).Int("delivered", n).Msg("ingested nats message")
		})
		if err != nil {
			return fmt.Errorf("natsfeed: subscribe %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
	}
	return nil
}

// Stop unsubscribes everything and closes the connection. Implements
// feed.Source.
func (b *Bridge) Stop() error {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Str("subject", sub.Subject).Msg("unsubscribe failed")
		}
	}
	b.conn.Close()
	return nil
}
