package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DeliveryTracker es el subconjunto del servicio de tracking que necesita
// el consumidor de señales de entrega.
type DeliveryTracker interface {
	MarkEventPublished(ctx context.Context, eventID string, metadata map[string]interface{}) error
	MarkEventFailed(ctx context.Context, eventID, errorMessage string, incrementRetry bool) error
	AcknowledgeEvent(ctx context.Context, eventID string, ackData map[string]interface{}) error
}

// Señales de entrega aceptadas por el canal de confirmaciones.
const (
	SignalPublished    = "published"
	SignalFailed       = "failed"
	SignalAcknowledged = "ack"
)

// deliverySignal es el sobre que publican el broker y las aplicaciones
// consumidoras para confirmar o rechazar una entrega.
type deliverySignal struct {
	EventID      string                 `json:"event_id"`
	Signal       string                 `json:"signal"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// AckConsumer procesa señales de entrega y las traduce a transiciones de
// estado del outbox. Las señales duplicadas o sobre eventos ya limpiados son
// inofensivas: el servicio las trata como no-op.
type AckConsumer struct {
	tracker DeliveryTracker
	log     *zap.Logger
}

func NewAckConsumer(tracker DeliveryTracker, log *zap.Logger) *AckConsumer {
	return &AckConsumer{tracker: tracker, log: log}
}

func (c *AckConsumer) HandleMessage(ctx context.Context, key string, payload []byte) {
	var signal deliverySignal
	if err := json.Unmarshal(payload, &signal); err != nil {
		c.log.Warn("⚠️ Señal de entrega ilegible, descartada",
			zap.String("key", key),
			zap.Error(err),
		)
		return
	}
	if signal.EventID == "" {
		c.log.Warn("⚠️ Señal de entrega sin event_id, descartada", zap.String("key", key))
		return
	}

	sigCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var err error
	switch signal.Signal {
	case SignalPublished:
		err = c.tracker.MarkEventPublished(sigCtx, signal.EventID, signal.Data)
	case SignalFailed:
		err = c.tracker.MarkEventFailed(sigCtx, signal.EventID, signal.ErrorMessage, true)
	case SignalAcknowledged:
		err = c.tracker.AcknowledgeEvent(sigCtx, signal.EventID, signal.Data)
	default:
		c.log.Warn("⚠️ Señal de entrega desconocida",
			zap.String("event_id", signal.EventID),
			zap.String("signal", signal.Signal),
		)
		return
	}

	if err != nil {
		c.log.Warn("⚠️ No se pudo aplicar la señal de entrega",
			zap.String("event_id", signal.EventID),
			zap.String("signal", signal.Signal),
			zap.Error(err),
		)
		return
	}

	c.log.Debug("📨 Señal de entrega aplicada",
		zap.String("event_id", signal.EventID),
		zap.String("signal", signal.Signal),
	)
}

// ------------------ Adaptador de Kafka ------------------

// MessageHandler define la interfaz que debe cumplir cualquier consumidor
// de mensajes entrantes (como AckConsumer).
type MessageHandler interface {
	HandleMessage(ctx context.Context, key string, payload []byte)
}

// ConsumerAdapter escucha el topic de confirmaciones y delega cada mensaje
// en el handler.
type ConsumerAdapter struct {
	reader  *kafka.Reader
	handler MessageHandler
	log     *zap.Logger
}

func NewConsumerAdapter(reader *kafka.Reader, handler MessageHandler, log *zap.Logger) *ConsumerAdapter {
	return &ConsumerAdapter{
		reader:  reader,
		handler: handler,
		log:     log,
	}
}

// Start inicia el bucle de consumo en una goroutine.
func (c *ConsumerAdapter) Start(ctx context.Context) {
	c.log.Info("🎧 Iniciando consumidor de confirmaciones...",
		zap.String("topic", c.reader.Config().Topic),
		zap.Strings("brokers", c.reader.Config().Brokers),
	)

	go func() {
		for {
			// ReadMessage es una llamada bloqueante.
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.log.Info("🛑 Consumidor de confirmaciones detenido.",
						zap.String("topic", c.reader.Config().Topic))
					return
				}
				c.log.Error("❌ Error al leer señal de entrega", zap.Error(err))
				continue
			}

			c.handler.HandleMessage(ctx, string(msg.Key), msg.Value)
		}
	}()
}
