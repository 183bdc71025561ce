// Package amqp publishes notifications to a RabbitMQ exchange.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

const (
	defaultExchangeType   = "topic"
	defaultPublishRetries = 3
	defaultRetryDelay     = 100 * time.Millisecond
)

// Config holds the RabbitMQ connection and exchange settings.
type Config struct {
	URL               string        `mapstructure:"url"`
	Exchange          string        `mapstructure:"exchange"`
	ExchangeType      string        `mapstructure:"exchange_type"`
	Heartbeat         time.Duration `mapstructure:"heartbeat"`
	PublishRetries    int           `mapstructure:"publish_retries"`
	PublishRetryDelay time.Duration `mapstructure:"publish_retry_delay"`
}

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends JSON payloads to an exchange, using the topic as routing key.
type Publisher struct {
	cfg     Config
	conn    *amqp.Connection
	channel channel
	logger  *zap.Logger
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
}

// Dial connects to RabbitMQ and declares the exchange.
func Dial(cfg Config, logger *zap.Logger) (*Publisher, error) {
	cfg = withDefaults(cfg)
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	if cfg.Exchange == "" {
		return nil, fmt.Errorf("amqp exchange is required")
	}
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: cfg.Heartbeat, Locale: "en_US"})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	pub := newPublisher(cfg, ch, logger)
	pub.conn = conn
	return pub, nil
}

func newPublisher(cfg Config, ch channel, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		cfg:     withDefaults(cfg),
		channel: ch,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

func withDefaults(cfg Config) Config {
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = defaultExchangeType
	}
	if cfg.PublishRetries <= 0 {
		cfg.PublishRetries = defaultPublishRetries
	}
	if cfg.PublishRetryDelay <= 0 {
		cfg.PublishRetryDelay = defaultRetryDelay
	}
	return cfg
}

// Publish marshals payload and publishes it persistently, retrying with
// exponential backoff. RabbitMQ assigns no IDs, so the returned ID is the
// message ID set on the publishing.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.channel == nil {
		return "", fmt.Errorf("amqp publisher is not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	now := p.now()
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		MessageId:    fmt.Sprintf("%s-%d", topic, now.UnixNano()),
		Headers:      amqp.Table{},
	}
	otel.GetTextMapPropagator().Inject(ctx, tableCarrier(msg.Headers))

	delay := p.cfg.PublishRetryDelay
	var lastErr error
	for attempt := 0; attempt <= p.cfg.PublishRetries; attempt++ {
		if attempt > 0 {
			p.logger.Warn("amqp publish failed, retrying",
				zap.String("routing_key", topic),
				zap.Int("attempt", attempt),
				zap.Duration("retry_after", delay),
				zap.Error(lastErr),
			)
			if err := p.sleep(ctx, delay); err != nil {
				return "", fmt.Errorf("publish to %s: %w", topic, err)
			}
			delay *= 2
		}
		lastErr = p.channel.PublishWithContext(ctx, p.cfg.Exchange, topic, false, false, msg)
		if lastErr == nil {
			return msg.MessageId, nil
		}
	}
	return "", fmt.Errorf("publish to %s after %d attempts: %w", topic, p.cfg.PublishRetries+1, lastErr)
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	var firstErr error
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			firstErr = fmt.Errorf("close channel: %w", err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close connection: %w", err)
		}
	}
	return firstErr
}

// tableCarrier implements propagation.TextMapCarrier for AMQP headers.
type tableCarrier amqp.Table

func (c tableCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

func (c tableCarrier) Set(key, value string) {
	c[key] = value
}

func (c tableCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
