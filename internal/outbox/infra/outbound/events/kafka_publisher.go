package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/segmentio/kafka-go"

	outboxDomain "github.com/davicafu/relaylab/internal/outbox/domain"
)

// KafkaEventPublisher adapta un kafka.Writer al port EventPublisher. El
// writer se configura sin topic fijo: el topic se deriva de la aplicación
// destino por mensaje, y la key es el stream_key para preservar el orden
// por stream dentro de la partición.
type KafkaEventPublisher struct {
	writer      *kafka.Writer
	topicPrefix string
	log         *zap.Logger
}

func NewKafkaEventPublisher(writer *kafka.Writer, topicPrefix string, log *zap.Logger) *KafkaEventPublisher {
	if topicPrefix == "" {
		topicPrefix = "interapp"
	}
	return &KafkaEventPublisher{writer: writer, topicPrefix: topicPrefix, log: log}
}

// interAppEnvelope es el sobre que viaja por el broker. El payload y la
// metadata son opacos para este subsistema.
type interAppEnvelope struct {
	EventID           string                 `json:"event_id"`
	EventType         string                 `json:"event_type"`
	TenantID          string                 `json:"tenant_id"`
	EntityID          string                 `json:"entity_id,omitempty"`
	SourceApplication string                 `json:"source_application"`
	TargetApplication string                 `json:"target_application"`
	EventData         map[string]interface{} `json:"event_data"`
	PublishedBy       string                 `json:"published_by"`
	PublishedAt       time.Time              `json:"published_at"`
}

func (p *KafkaEventPublisher) Publish(ctx context.Context, e *outboxDomain.EventRecord) error {
	data, err := json.Marshal(interAppEnvelope{
		EventID:           e.EventID,
		EventType:         e.EventType,
		TenantID:          e.TenantID,
		EntityID:          e.EntityID,
		SourceApplication: e.SourceApplication,
		TargetApplication: e.TargetApplication,
		EventData:         e.EventData,
		PublishedBy:       e.PublishedBy,
		PublishedAt:       e.PublishedAt,
	})
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: p.topicPrefix + "." + e.TargetApplication,
		Key:   []byte(e.StreamKey),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.EventType)},
			{Key: "tenant-id", Value: []byte(e.TenantID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("Error publishing to Kafka",
			zap.String("event_id", e.EventID),
			zap.String("topic", msg.Topic),
			zap.Error(err),
		)
		return err
	}

	p.log.Debug("Event published successfully", zap.String("event_id", e.EventID))
	return nil
}

// Verificación estática
var _ outboxDomain.EventPublisher = (*KafkaEventPublisher)(nil)
