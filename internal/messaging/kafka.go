// Package messaging publishes shares and miner statistics to Kafka for
// pool-side processing.
package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/qminer/pkg/circuit"
	"github.com/bardlex/qminer/pkg/errors"
	"github.com/bardlex/qminer/pkg/log"
	"github.com/bardlex/qminer/pkg/retry"
)

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ MessageWriter = (*kafka.Writer)(nil)

// Producer keeps one writer per topic behind a shared circuit breaker.
type Producer struct {
	brokers   []string
	logger    *log.Logger
	writers   map[string]MessageWriter
	writersMu sync.RWMutex

	newWriter      func(topic string) MessageWriter
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Option customizes a Producer.
type Option func(*Producer)

// WithWriterFactory replaces the kafka.Writer constructor.
func WithWriterFactory(fn func(topic string) MessageWriter) Option {
	return func(p *Producer) { p.newWriter = fn }
}

// WithRetry replaces the retry policy used by PublishJSON and PublishProto.
func WithRetry(cfg *retry.Config) Option {
	return func(p *Producer) { p.retryConfig = cfg }
}

// NewProducer creates a producer for brokers. Writers are created lazily.
func NewProducer(brokers []string, logger *log.Logger, opts ...Option) *Producer {
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent("kafka")

	cbConfig := &circuit.Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(from, to circuit.State) {
			logger.Warn("kafka circuit breaker changed state", "from", from.String(), "to", to.String())
		},
	}

	p := &Producer{
		brokers:        brokers,
		logger:         logger,
		writers:        make(map[string]MessageWriter),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}
	p.newWriter = p.kafkaWriter
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Producer) kafkaWriter(topic string) MessageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
}

// writer gets or creates the writer for topic.
func (p *Producer) writer(topic string) MessageWriter {
	p.writersMu.RLock()
	if w, ok := p.writers[topic]; ok {
		p.writersMu.RUnlock()
		return w
	}
	p.writersMu.RUnlock()

	p.writersMu.Lock()
	defer p.writersMu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}

	w := p.newWriter(topic)
	p.writers[topic] = w
	p.logger.Info("created Kafka producer", "topic", topic)
	return w
}

// Write sends one message through the circuit breaker without retrying.
// Callers that retry on their own use this directly.
func (p *Producer) Write(ctx context.Context, topic, key string, data []byte) error {
	return p.circuitBreaker.Execute(ctx, func() error {
		msg := kafka.Message{
			Key:   []byte(key),
			Value: data,
			Time:  time.Now(),
		}

		if err := p.writer(topic).WriteMessages(ctx, msg); err != nil {
			return errors.Wrap(err, errors.ErrorTypeKafka, "publish_message",
				"failed to publish message to Kafka").
				WithContext("topic", topic).
				WithContext("key", key).
				WithContext("message_size", len(data))
		}

		p.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
		return nil
	})
}

// PublishJSON marshals v as JSON and publishes it with retries.
func (p *Producer) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "json_marshal",
			"failed to marshal JSON message").
			WithContext("topic", topic)
	}
	return retry.Do(ctx, p.retryConfig, func() error {
		return p.Write(ctx, topic, key, data)
	})
}

// PublishProto marshals msg as protobuf and publishes it with retries.
func (p *Producer) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return retry.Do(ctx, p.retryConfig, func() error {
		return p.Write(ctx, topic, key, data)
	})
}

// Close closes every writer.
func (p *Producer) Close() error {
	p.writersMu.Lock()
	defer p.writersMu.Unlock()

	var lastErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			p.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}
	p.writers = make(map[string]MessageWriter)
	return lastErr
}
