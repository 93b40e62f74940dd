package application

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/davicafu/relaylab/internal/outbox/domain"
	"github.com/davicafu/relaylab/tests/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTrackingService(store *mocks.InMemoryEventStore) *TrackingService {
	return NewTrackingService(store, mocks.NewDummyCache(), zap.NewNop(), 500)
}

func sampleParams(eventID string) TrackEventParams {
	return TrackEventParams{
		EventID:           eventID,
		EventType:         "credit.config.updated",
		TenantID:          "tenant-1",
		EntityID:          "entity-9",
		StreamKey:         "tenant-1/credit",
		SourceApplication: "billing",
		TargetApplication: "crm",
		EventData:         map[string]interface{}{"limit": float64(5000)},
		PublishedBy:       "user-42",
	}
}

func TestTrackPublishedEvent_RoundTrip(t *testing.T) {
	store := mocks.NewInMemoryEventStore()
	service := newTrackingService(store)

	id := uuid.New().String()
	err := service.TrackPublishedEvent(context.Background(), sampleParams(id))
	require.NoError(t, err)

	record, err := service.GetEventStatus(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, record)

	// ✅ Los campos de identidad se conservan sin transformación.
	assert.Equal(t, domain.StatusPending, record.Status)
	assert.Equal(t, "credit.config.updated", record.EventType)
	assert.Equal(t, "tenant-1", record.TenantID)
	assert.Equal(t, "tenant-1/credit", record.StreamKey)
	assert.Equal(t, "billing", record.SourceApplication)
	assert.Equal(t, "crm", record.TargetApplication)
	assert.Equal(t, "user-42", record.PublishedBy)
	assert.Equal(t, 0, record.RetryCount)
	assert.False(t, record.Acknowledged)
}

func TestTrackPublishedEvent_DuplicateID(t *testing.T) {
	store := mocks.NewInMemoryEventStore()
	service := newTrackingService(store)

	id := uuid.New().String()
	require.NoError(t, service.TrackPublishedEvent(context.Background(), sampleParams(id)))

	// La reinserción del mismo id es un defecto del llamante y se propaga.
	err := service.TrackPublishedEvent(context.Background(), sampleParams(id))
	assert.ErrorIs(t, err, domain.ErrEventAlreadyExists)
}

func TestTrackPublishedEvent_InvalidParams(t *testing.T) {
	store := mocks.NewInMemoryEventStore()
	service := newTrackingService(store)

	params := sampleParams(uuid.New().String())
	params.TenantID = ""
	err := service.TrackPublishedEvent(context.Background(), params)
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
	assert.Empty(t, store.Events)
}

func TestMarkEventPublished_IdempotentMetadataMerge(t *testing.T) {
	store := mocks.NewInMemoryEventStore()
	service := newTrackingService(store)

	id := uuid.New().String()
	require.NoError(t, service.TrackPublishedEvent(context.Background(), sampleParams(id)))

	require.NoError(t, service.MarkEventPublished(context.Background(), id, map[string]interface{}{"broker": "kafka"}))
	require.NoError(t, service.MarkEventPublished(context.Background(), id, map[string]interface{}{"attempt": float64(2)}))

	record, err := service.GetEventStatus(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, record)

	// ✅ Mismo estado final y metadata como unión de todos los merges.
	assert.Equal(t, domain.StatusPublished, record.Status)
	assert.Equal(t, "kafka", record.Metadata["broker"])
	assert.Equal(t, float64(2), record.Metadata["attempt"])
}

func TestMarkEventFailed_ConcurrentIncrements(t *testing.T) {
	store := mocks.NewInMemoryEventStore()
	service := newTrackingService(store)

	id := uuid.New().String()
	require.NoError(t, service.TrackPublishedEvent(context.Background(), sampleParams(id)))

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = service.MarkEventFailed(context.Background(), id, fmt.Sprintf("broker timeout %d", i), true)
		}(i)
	}
	wg.Wait()

	record, err := service.GetEventStatus(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, record)

	// ✅ Sin incrementos perdidos bajo concurrencia.
	assert.Equal(t, n, record.RetryCount)
	assert.Equal(t, domain.StatusFailed, record.Status)
	assert.NotNil(t, record.LastRetryAt)
}

func TestMarkEventFailed_WithoutIncrement(t *testing.T) {
	store := mocks.NewInMemoryEventStore()
	service := newTrackingService(store)

	id := uuid.New().String()
	require.NoError(t, service.TrackPublishedEvent(context.Background(), sampleParams(id)))
	require.NoError(t, service.MarkEventFailed(context.Background(), id, "validation rejected", false))

	record, _ := service.GetEventStatus(context.Background(), id)
	require.NotNil(t, record)
	assert.Equal(t, 0, record.RetryCount)
	assert.Equal(t, "validation rejected", record.ErrorMessage)
}

func TestTransitions_UnknownEventID_NoOp(t *testing.T) {
	store := mocks.NewInMemoryEventStore()
	service := newTrackingService(store)

	// Señales externas duplicadas o posteriores al cleanup: no-op, no error.
	assert.NoError(t, service.MarkEventPublished(context.Background(), "missing", nil))
	assert.NoError(t, service.MarkEventFailed(context.Background(), "missing", "late failure", true))
	assert.NoError(t, service.AcknowledgeEvent(context.Background(), "missing", nil))

	record, err := service.GetEventStatus(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, record)
}

func TestAcknowledgeEvent_FromPublished(t *testing.T) {
	store := mocks.NewInMemoryEventStore()
	service := newTrackingService(store)

	id := uuid.New().String()
	require.NoError(t, service.TrackPublishedEvent(context.Background(), sampleParams(id)))
	require.NoError(t, service.MarkEventPublished(context.Background(), id, nil))
	require.NoError(t, service.AcknowledgeEvent(context.Background(), id, map[string]interface{}{"consumer": "crm-sync"}))

	record, _ := service.GetEventStatus(context.Background(), id)
	require.NotNil(t, record)
	assert.Equal(t, domain.StatusAcknowledged, record.Status)
	assert.True(t, record.Acknowledged)
	assert.NotNil(t, record.AcknowledgedAt)
	assert.Equal(t, "crm-sync", record.Metadata["consumer"])
	assert.NotContains(t, record.Metadata, "acknowledgedFromFailed")
}

func TestAcknowledgeEvent_FromFailed_AuditNote(t *testing.T) {
	store := mocks.NewInMemoryEventStore()
	service := newTrackingService(store)

	id := uuid.New().String()
	require.NoError(t, service.TrackPublishedEvent(context.Background(), sampleParams(id)))
	require.NoError(t, service.MarkEventFailed(context.Background(), id, "broker rejected", true))

	// El broker reportó fallo pero el consumidor lo procesó igualmente:
	// override permitido con nota de auditoría.
	require.NoError(t, service.AcknowledgeEvent(context.Background(), id, nil))

	record, _ := service.GetEventStatus(context.Background(), id)
	require.NotNil(t, record)
	assert.Equal(t, domain.StatusAcknowledged, record.Status)
	assert.Equal(t, true, record.Metadata["acknowledgedFromFailed"])
}

func TestTransitions_AcknowledgedIsFinal(t *testing.T) {
	store := mocks.NewInMemoryEventStore()
	service := newTrackingService(store)

	id := uuid.New().String()
	require.NoError(t, service.TrackPublishedEvent(context.Background(), sampleParams(id)))
	require.NoError(t, service.MarkEventPublished(context.Background(), id, nil))
	require.NoError(t, service.AcknowledgeEvent(context.Background(), id, nil))

	// Señales tardías o duplicadas tras el ack: no-op, sin error.
	require.NoError(t, service.MarkEventPublished(context.Background(), id, map[string]interface{}{"late": true}))
	require.NoError(t, service.MarkEventFailed(context.Background(), id, "late broker nack", true))

	record, err := service.GetEventStatus(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, record)

	// ✅ El trío acoplado sigue consistente: ninguna transición abandona
	// el estado acknowledged.
	assert.Equal(t, domain.StatusAcknowledged, record.Status)
	assert.True(t, record.Acknowledged)
	assert.NotNil(t, record.AcknowledgedAt)
	assert.Equal(t, 0, record.RetryCount)
	assert.Empty(t, record.ErrorMessage)
	assert.NotContains(t, record.Metadata, "late")
}

func TestGetUnacknowledgedEvents_OrderAndCap(t *testing.T) {
	store := mocks.NewInMemoryEventStore()
	service := NewTrackingService(store, mocks.NewDummyCache(), zap.NewNop(), 3)

	base := time.Now().UTC().Add(-48 * time.Hour)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("evt-%d", i)
		require.NoError(t, store.Insert(context.Background(), &domain.EventRecord{
			EventID:           id,
			EventType:         "org.assignment.changed",
			TenantID:          "tenant-1",
			StreamKey:         "tenant-1/org",
			SourceApplication: "hr",
			TargetApplication: "billing",
			PublishedBy:       "system",
			Status:            domain.StatusPublished,
			PublishedAt:       base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:         base,
		}))
	}

	events, err := service.GetUnacknowledgedEvents(context.Background(), "tenant-1", 24, 100)
	require.NoError(t, err)

	// ✅ El límite pedido (100) queda acotado por la configuración (3).
	require.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		assert.True(t, !events[i].PublishedAt.Before(events[i-1].PublishedAt),
			"los eventos deben venir ascendentes por published_at")
	}
	assert.Equal(t, "evt-0", events[0].EventID)
}

func TestGetEventStatus_CacheHitAfterFirstRead(t *testing.T) {
	store := mocks.NewInMemoryEventStore()
	cache := mocks.NewDummyCache()
	service := NewTrackingService(store, cache, zap.NewNop(), 500)

	id := uuid.New().String()
	require.NoError(t, service.TrackPublishedEvent(context.Background(), sampleParams(id)))

	first, err := service.GetEventStatus(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, first)

	// El set de cache va en background; esperamos a que aterrice.
	var hit bool
	for i := 0; i < 50 && !hit; i++ {
		var e domain.EventRecord
		hit, _ = cache.Get(context.Background(), domain.CacheKeyByID(id), &e)
		if !hit {
			time.Sleep(5 * time.Millisecond)
		}
	}
	assert.True(t, hit, "el registro debería estar cacheado tras la primera lectura")
}
