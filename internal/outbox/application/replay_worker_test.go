package application

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/davicafu/relaylab/internal/outbox/domain"
	"github.com/davicafu/relaylab/tests/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seedFailedEvent(t *testing.T, store *mocks.InMemoryEventStore, id string, retryCount int, publishedAt time.Time) {
	t.Helper()
	require.NoError(t, store.Insert(context.Background(), &domain.EventRecord{
		EventID:           id,
		EventType:         "credit.config.updated",
		TenantID:          "tenant-1",
		StreamKey:         "tenant-1/credit",
		SourceApplication: "billing",
		TargetApplication: "crm",
		PublishedBy:       "system",
		Status:            domain.StatusFailed,
		ErrorMessage:      "broker unavailable",
		RetryCount:        retryCount,
		PublishedAt:       publishedAt,
		UpdatedAt:         publishedAt,
	}))
}

func TestReplayPendingEvents_PartialBatch(t *testing.T) {
	store := mocks.NewInMemoryEventStore()
	publisher := mocks.NewStubPublisher()
	worker := NewReplayWorker(store, publisher, time.Minute, 100, 10, time.Second, zap.NewNop())

	base := time.Now().UTC().Add(-time.Hour)
	seedFailedEvent(t, store, "evt-a", 1, base)
	seedFailedEvent(t, store, "evt-b", 2, base.Add(time.Minute))
	seedFailedEvent(t, store, "evt-c", 3, base.Add(2*time.Minute))

	// El broker rechaza uno de los tres.
	publisher.FailFor["evt-b"] = errors.New("partition leader unavailable")

	replayed, err := worker.ReplayPendingEvents(context.Background(), 100, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, replayed)

	a, _ := store.GetByID(context.Background(), "evt-a")
	b, _ := store.GetByID(context.Background(), "evt-b")
	c, _ := store.GetByID(context.Background(), "evt-c")

	// ✅ Publicados con marca de replay y sin error residual.
	assert.Equal(t, domain.StatusPublished, a.Status)
	assert.Empty(t, a.ErrorMessage)
	assert.Contains(t, a.Metadata, "replayedAt")
	assert.Equal(t, domain.StatusPublished, c.Status)

	// ✅ El rechazado consolida como failed con retry_count+1 y el error nuevo.
	assert.Equal(t, domain.StatusFailed, b.Status)
	assert.Equal(t, 3, b.RetryCount)
	assert.Equal(t, "partition leader unavailable", b.ErrorMessage)
	assert.NotNil(t, b.LastRetryAt)

	// ✅ Consolidación en como máximo dos sentencias bulk.
	assert.Equal(t, 1, store.BulkPublishedCalls)
	assert.Equal(t, 1, store.BulkFailedCalls)
}

func TestReplayPendingEvents_SkipsParkedEvents(t *testing.T) {
	store := mocks.NewInMemoryEventStore()
	publisher := mocks.NewStubPublisher()
	worker := NewReplayWorker(store, publisher, time.Minute, 100, 10, time.Second, zap.NewNop())

	base := time.Now().UTC().Add(-time.Hour)
	seedFailedEvent(t, store, "evt-parked", 10, base)
	seedFailedEvent(t, store, "evt-live", 4, base.Add(time.Minute))

	replayed, err := worker.ReplayPendingEvents(context.Background(), 100, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)

	// ✅ El aparcado jamás pasa por el publisher ni cambia de estado.
	assert.NotContains(t, publisher.Published, "evt-parked")
	parked, _ := store.GetByID(context.Background(), "evt-parked")
	assert.Equal(t, domain.StatusFailed, parked.Status)
	assert.Equal(t, 10, parked.RetryCount)
}

func TestReplayPendingEvents_BatchLimitAndOrder(t *testing.T) {
	store := mocks.NewInMemoryEventStore()
	publisher := mocks.NewStubPublisher()
	worker := NewReplayWorker(store, publisher, time.Minute, 100, 10, time.Second, zap.NewNop())

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		seedFailedEvent(t, store, fmt.Sprintf("evt-%d", i), 0, base.Add(time.Duration(i)*time.Minute))
	}

	replayed, err := worker.ReplayPendingEvents(context.Background(), 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, replayed)

	// ✅ Se seleccionan los más antiguos primero.
	assert.ElementsMatch(t, []string{"evt-0", "evt-1", "evt-2"}, publisher.Published)

	newest, _ := store.GetByID(context.Background(), "evt-4")
	assert.Equal(t, domain.StatusFailed, newest.Status)
}

func TestReplayPendingEvents_EmptyBatch(t *testing.T) {
	store := mocks.NewInMemoryEventStore()
	publisher := mocks.NewStubPublisher()
	worker := NewReplayWorker(store, publisher, time.Minute, 100, 10, time.Second, zap.NewNop())

	replayed, err := worker.ReplayPendingEvents(context.Background(), 100, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, replayed)
	assert.Zero(t, store.BulkPublishedCalls)
	assert.Zero(t, store.BulkFailedCalls)
}

func TestReplayPendingEvents_AllFailuresDoNotAbortBatch(t *testing.T) {
	store := mocks.NewInMemoryEventStore()
	publisher := mocks.NewStubPublisher()
	worker := NewReplayWorker(store, publisher, time.Minute, 100, 10, time.Second, zap.NewNop())

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("evt-%d", i)
		seedFailedEvent(t, store, id, i, base.Add(time.Duration(i)*time.Minute))
		publisher.FailFor[id] = errors.New("broker down")
	}

	// El fallo de publicación es dato, no excepción: el lote termina sin error.
	replayed, err := worker.ReplayPendingEvents(context.Background(), 100, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, replayed)
	assert.Equal(t, 0, store.BulkPublishedCalls)
	assert.Equal(t, 1, store.BulkFailedCalls)

	for i := 0; i < 3; i++ {
		e, _ := store.GetByID(context.Background(), fmt.Sprintf("evt-%d", i))
		assert.Equal(t, i+1, e.RetryCount)
		assert.Equal(t, "broker down", e.ErrorMessage)
	}
}
