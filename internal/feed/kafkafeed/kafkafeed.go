// Package kafkafeed adapts a franz-go consumer group into a
// feed.Source, grounded on the donor's ws/kafka/consumer.go Redpanda
// consumer: same client construction (seed brokers, consumer group,
// reset-to-latest, bounded fetch wait/size), same poll loop shape. What
// differs is the sink: the donor calls a BroadcastFunc keyed by token
// ID; this calls feed.Publish keyed by an integer broker topic, since
// the broker's fan-out path addresses subscribers by topic number, not
// by a free-form string.
package kafkafeed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/adred-codev/msgbroker/internal/feed"
)

// Config configures one Kafka consumer bridge.
type Config struct {
	Brokers []string
	// TopicMap maps a Kafka topic name to the broker topic integer
	// subscribers key off of.
	TopicMap      map[string]int32
	ConsumerGroup string
}

// ParseTopicMap parses the --kafka-topics flag's "name:123,name2:456"
// form into a TopicMap, and "name,name2" into Kafka topic names keyed
// by their position in seq starting at 1 if no ":" is present.
func ParseTopicMap(spec string) (map[string]int32, []string, error) {
	out := map[string]int32{}
	var names []string
	for i, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, numStr, hasNum := strings.Cut(part, ":")
		names = append(names, name)
		if !hasNum {
			out[name] = int32(i + 1)
			continue
		}
		n, err := strconv.ParseInt(numStr, 10, 32)
		if err != nil {
			return nil, nil, fmt.Errorf("kafkafeed: bad topic mapping %q: %w", part, err)
		}
		out[name] = int32(n)
	}
	return out, names, nil
}

// Consumer wraps a franz-go client polling a fixed set of Kafka topics
// and publishing each record into the broker.
type Consumer struct {
	client  *kgo.Client
	publish feed.Publish
	topics  map[string]int32
	brokers []string
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Consumer without connecting. Call Start to dial and
// begin polling.
func New(cfg Config, publish feed.Publish, logger zerolog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafkafeed: at least one broker is required")
	}
	if len(cfg.TopicMap) == 0 {
		return nil, fmt.Errorf("kafkafeed: at least one topic is required")
	}
	if publish == nil {
		return nil, fmt.Errorf("kafkafeed: publish callback is required")
	}

	topicNames := make([]string, 0, len(cfg.TopicMap))
	for name := range cfg.TopicMap {
		topicNames = append(topicNames, name)
	}

	group := cfg.ConsumerGroup
	if group == "" {
		group = "msgbroker-feed"
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topicNames...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafkafeed: create client: %w", err)
	}

	return &Consumer{
		client:  client,
		publish: publish,
		topics:  cfg.TopicMap,
		brokers: cfg.Brokers,
		logger:  logger.With().Str("component", "kafkafeed").Logger(),
	}, nil
}

// Start spawns the poll loop. Implements feed.Source.
func (c *Consumer) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.pollLoop()
	c.logger.Info().Strs("brokers", c.brokers).Msg("kafka feed started")
	return nil
}

// Stop cancels the poll loop and closes the client. Implements
// feed.Source.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.client.Close()
	c.logger.Info().Msg("kafka feed stopped")
	return nil
}

func (c *Consumer) pollLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		fetches := c.client.PollFetches(c.ctx)
		if c.ctx.Err() != nil {
			return
		}
		for _, err := range fetches.Errors() {
			c.logger.Error().Err(err.Err).Str("topic", err.Topic).Int32("partition", err.Partition).Msg("kafka fetch error")
		}
		fetches.EachRecord(c.processRecord)
	}
}

func (c *Consumer) processRecord(rec *kgo.Record) {
	topic, ok := c.topics[rec.Topic]
	if !ok {
		c.logger.Warn().Str("topic", rec.Topic).Msg("record on unmapped topic, dropping")
		return
	}
	n := c.publish(topic, rec.Value)
	c.logger.Debug().Str("kafka_topic", rec.Topic).Int32("broker_topic", topic).Int("delivered", n).Msg("ingested kafka record")
}
