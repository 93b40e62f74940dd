package application

import (
	"context"
	"time"

	"github.com/davicafu/relaylab/internal/outbox/domain"
	"go.uber.org/zap"
)

// TrackEventParams son los campos de identidad y payload de un evento a
// registrar. Todos son inmutables tras la inserción.
type TrackEventParams struct {
	EventID           string
	EventType         string
	TenantID          string
	EntityID          string
	StreamKey         string
	SourceApplication string
	TargetApplication string
	EventData         map[string]interface{}
	PublishedBy       string
	Metadata          map[string]interface{}
}

// TrackingService implementa el registro write-ahead de eventos y sus
// transiciones de estado. Es el único camino de escritura síncrono del
// outbox: TrackPublishedEvent debe completarse antes de cualquier intento
// de publicación en el broker.
type TrackingService struct {
	store      domain.EventStore
	cache      domain.Cache
	log        *zap.Logger
	unackLimit int
	cacheTTL   int
}

// NewTrackingService constructor. unackLimit acota toda consulta de eventos
// sin ack, independientemente del limit pedido por el llamante.
func NewTrackingService(store domain.EventStore, cache domain.Cache, log *zap.Logger, unackLimit int) *TrackingService {
	if unackLimit <= 0 {
		unackLimit = 500
	}
	return &TrackingService{
		store:      store,
		cache:      cache,
		log:        log,
		unackLimit: unackLimit,
		cacheTTL:   60,
	}
}

// TrackPublishedEvent inserta el registro con status=pending ANTES de que el
// llamante intente publicar. Un fallo de almacenamiento es fatal para la ruta
// de publicación y se propaga: publicar sin intención registrada rompería la
// garantía at-least-once.
func (s *TrackingService) TrackPublishedEvent(ctx context.Context, p TrackEventParams) error {
	now := time.Now().UTC()
	record := &domain.EventRecord{
		EventID:           p.EventID,
		EventType:         p.EventType,
		TenantID:          p.TenantID,
		EntityID:          p.EntityID,
		StreamKey:         p.StreamKey,
		SourceApplication: p.SourceApplication,
		TargetApplication: p.TargetApplication,
		EventData:         p.EventData,
		PublishedBy:       p.PublishedBy,
		Status:            domain.StatusPending,
		Metadata:          p.Metadata,
		PublishedAt:       now,
		UpdatedAt:         now,
	}
	if record.Metadata == nil {
		record.Metadata = map[string]interface{}{}
	}
	if err := record.Validate(); err != nil {
		return err
	}

	if err := s.store.Insert(ctx, record); err != nil {
		s.log.Error("❌ Fallo al registrar intención de publicación",
			zap.String("event_id", p.EventID),
			zap.String("tenant_id", p.TenantID),
			zap.Error(err),
		)
		return err
	}

	s.log.Debug("📝 Evento registrado en outbox",
		zap.String("event_id", p.EventID),
		zap.String("event_type", p.EventType),
	)
	return nil
}

// MarkEventPublished transiciona pending|failed → published y fusiona
// metadata. Idempotente: repetir la llamada converge al mismo estado final.
// Un event_id desconocido es un no-op (ack duplicado o posterior al cleanup).
func (s *TrackingService) MarkEventPublished(ctx context.Context, eventID string, metadata map[string]interface{}) error {
	err := s.store.MarkPublished(ctx, eventID, metadata)
	if err == domain.ErrEventNotFound {
		s.log.Warn("⚠️ MarkEventPublished sobre evento desconocido o ya confirmado, ignorado", zap.String("event_id", eventID))
		return nil
	}
	if err != nil {
		return err
	}
	s.invalidate(ctx, eventID)
	return nil
}

// MarkEventFailed transiciona → failed. El incremento de retry_count y el
// last_retry_at van en la misma sentencia atómica que el cambio de estado;
// nunca un par read-then-write, que perdería incrementos bajo reintentos
// concurrentes sobre el mismo id.
func (s *TrackingService) MarkEventFailed(ctx context.Context, eventID, errorMessage string, incrementRetry bool) error {
	err := s.store.MarkFailed(ctx, eventID, errorMessage, incrementRetry)
	if err == domain.ErrEventNotFound {
		s.log.Warn("⚠️ MarkEventFailed sobre evento desconocido o ya confirmado, ignorado", zap.String("event_id", eventID))
		return nil
	}
	if err != nil {
		return err
	}
	s.invalidate(ctx, eventID)
	return nil
}

// AcknowledgeEvent transiciona published → acknowledged y fusiona ackData.
// Idempotente. Sobre un evento failed es un override permitido: el store
// deja constancia en metadata para auditoría.
func (s *TrackingService) AcknowledgeEvent(ctx context.Context, eventID string, ackData map[string]interface{}) error {
	err := s.store.Acknowledge(ctx, eventID, ackData)
	if err == domain.ErrEventNotFound {
		s.log.Warn("⚠️ Ack sobre evento desconocido, ignorado", zap.String("event_id", eventID))
		return nil
	}
	if err != nil {
		return err
	}
	s.invalidate(ctx, eventID)
	return nil
}

// GetEventStatus obtiene un evento (primero intenta desde cache). La
// ausencia no es un error: devuelve (nil, nil).
func (s *TrackingService) GetEventStatus(ctx context.Context, eventID string) (*domain.EventRecord, error) {
	if s.cache != nil {
		var e domain.EventRecord
		if ok, _ := s.cache.Get(ctx, domain.CacheKeyByID(eventID), &e); ok {
			return &e, nil
		}
	}

	record, err := s.store.GetByID(ctx, eventID)
	if err == domain.ErrEventNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Actualizar cache en background sin bloquear la respuesta
	if s.cache != nil {
		go func(e *domain.EventRecord) {
			ctxCache, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_ = s.cache.Set(ctxCache, domain.CacheKeyByID(e.EventID), e, s.cacheTTL)
		}(record)
	}

	return record, nil
}

// GetUnacknowledgedEvents devuelve eventos sin ack anteriores a
// now - hoursOld, ascendentes por published_at. El limit queda acotado por
// la configuración para no depender del tamaño del backlog.
func (s *TrackingService) GetUnacknowledgedEvents(ctx context.Context, tenantID string, hoursOld, limit int) ([]*domain.EventRecord, error) {
	if hoursOld <= 0 {
		hoursOld = 24
	}
	if limit <= 0 || limit > s.unackLimit {
		limit = s.unackLimit
	}
	olderThan := time.Now().UTC().Add(-time.Duration(hoursOld) * time.Hour)
	return s.store.ListUnacknowledged(ctx, tenantID, olderThan, limit)
}

func (s *TrackingService) invalidate(ctx context.Context, eventID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, domain.CacheKeyByID(eventID)); err != nil {
		s.log.Debug("cache invalidation failed", zap.String("event_id", eventID), zap.Error(err))
	}
}
