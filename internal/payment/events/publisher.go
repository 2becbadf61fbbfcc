package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/smallbiznis/netbill/internal/config"
	"github.com/smallbiznis/netbill/internal/payment/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// KafkaPublisher emits payment.recorded events keyed by transaction id so all
// events of one payment land on the same partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
}

func NewKafkaPublisher(producer sarama.SyncProducer, topic string, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		topic:    strings.TrimSpace(topic),
		log:      log.Named("payment.events"),
	}
}

func (p *KafkaPublisher) PublishPaymentRecorded(ctx context.Context, payment *domain.Payment) error {
	if payment == nil {
		return domain.ErrInvalidPayload
	}

	event := domain.PaymentRecorded{
		EventType:     domain.EventTypePaymentRecorded,
		PaymentID:     payment.ID.String(),
		TransactionID: payment.TransactionID,
		Status:        payment.Status,
		Amount:        payment.Amount,
		CustomerID:    payment.CustomerID,
		ServiceID:     payment.ServiceID,
		Source:        payment.Source,
		RecordedAt:    payment.CreatedAt,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	carrier := make(headerCarrier, 0, 2)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	carrier.Set("event_type", domain.EventTypePaymentRecorded)

	msg := &sarama.ProducerMessage{
		Topic:   p.topic,
		Key:     sarama.StringEncoder(payment.TransactionID),
		Value:   sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader(carrier),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	traceID := ""
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
	}
	p.log.Info("payment event published",
		zap.String("topic", p.topic),
		zap.String("transaction_id", payment.TransactionID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("trace_id", traceID),
	)
	return nil
}

// NoopPublisher drops events when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishPaymentRecorded(context.Context, *domain.Payment) error { return nil }

// NewProducer builds a sync producer that waits for all in-sync replicas.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Cfg       config.Config
	Log       *zap.Logger
}

// Provide returns a Kafka publisher when brokers are configured and a no-op
// publisher otherwise.
func Provide(p Params) (domain.EventPublisher, error) {
	if !p.Cfg.Kafka.Enabled() {
		p.Log.Info("kafka brokers not configured, payment events disabled")
		return NoopPublisher{}, nil
	}

	producer, err := NewProducer(p.Cfg.Kafka.Brokers)
	if err != nil {
		return nil, err
	}
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return producer.Close()
		},
	})
	p.Log.Info("kafka producer initialized", zap.Strings("brokers", p.Cfg.Kafka.Brokers))

	return NewKafkaPublisher(producer, p.Cfg.Kafka.PaymentTopic, p.Log), nil
}

type headerCarrier []sarama.RecordHeader

func (c headerCarrier) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	*c = append(*c, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
