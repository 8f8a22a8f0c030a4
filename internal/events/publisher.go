// Package events publishes recognition results and engine status events.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"speech-recognition-bridge/internal/models"
	"speech-recognition-bridge/internal/observability/metrics"
)

// Event types carried in the eventType header.
const (
	EventResult = "recognition.result"
	EventStatus = "engine.status"
)

// messageWriter is the part of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes results and engine status to separate Kafka topics.
// Safe for concurrent use.
type Publisher struct {
	writerResults messageWriter
	writerStatus  messageWriter
	principal     string
	topicResults  string
	topicStatus   string
	enabled       bool
	metrics       *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers      []string
	TopicResults string
	TopicStatus  string
	Principal    string
	Enabled      bool
}

// New creates a publisher. A nil or disabled config, or one without
// brokers, gives a log-only publisher.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{metrics: m}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{
			principal:    cfg.Principal,
			topicResults: cfg.TopicResults,
			topicStatus:  cfg.TopicStatus,
			metrics:      m,
		}
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicResults", cfg.TopicResults).
		Str("topicStatus", cfg.TopicStatus).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return newWithWriters(cfg, newWriter(cfg.TopicResults), newWriter(cfg.TopicStatus))
}

func newWithWriters(cfg *Config, results, status messageWriter) *Publisher {
	return &Publisher{
		writerResults: results,
		writerStatus:  status,
		principal:     cfg.Principal,
		topicResults:  cfg.TopicResults,
		topicStatus:   cfg.TopicStatus,
		enabled:       true,
		metrics:       metrics.DefaultMetrics,
	}
}

// Enabled reports whether events reach Kafka.
func (p *Publisher) Enabled() bool {
	return p.enabled
}

// PublishResult publishes one recognition result keyed by session, so the
// results of a session stay ordered within a partition.
func (p *Publisher) PublishResult(ctx context.Context, r models.RecognitionResult) error {
	return p.publish(ctx, p.writerResults, p.topicResults, EventResult, r.SessionID, r)
}

// PublishStatus publishes an engine status event.
func (p *Publisher) PublishStatus(ctx context.Context, s models.EngineStatus) error {
	key := s.SessionID
	if key == "" {
		key = "engine"
	}
	if s.EventType == "" {
		s.EventType = EventStatus
	}
	if s.Timestamp == 0 {
		s.Timestamp = time.Now().UnixMilli()
	}
	return p.publish(ctx, p.writerStatus, p.topicStatus, EventStatus, key, s)
}

func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	// If Kafka is disabled, just log
	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerResults != nil {
		if e := p.writerResults.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing results writer")
			err = e
		}
	}
	if p.writerStatus != nil {
		if e := p.writerStatus.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing status writer")
			err = e
		}
	}
	return err
}
