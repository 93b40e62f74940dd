package integration

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	// --- Importaciones del dominio Outbox ---
	outboxDomain "github.com/davicafu/relaylab/internal/outbox/domain"
	infraSQLite "github.com/davicafu/relaylab/internal/outbox/infra/outbound/db/sqlite"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	// Driver de SQLite
	_ "modernc.org/sqlite"
)

// setupSQLiteTestDB abre una base en memoria y crea el esquema del outbox.
func setupSQLiteTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Una base :memory: vive por conexión; limitamos el pool a una.
	db.SetMaxOpenConns(1)
	require.NoError(t, db.Ping())
	require.NoError(t, infraSQLite.InitSQLite(db))

	t.Cleanup(func() { db.Close() })
	return db
}

func newTestEvent(tenantID string) *outboxDomain.EventRecord {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &outboxDomain.EventRecord{
		EventID:           uuid.New().String(),
		EventType:         "credit.config.updated",
		TenantID:          tenantID,
		EntityID:          uuid.New().String(),
		StreamKey:         tenantID + "/credit",
		SourceApplication: "billing",
		TargetApplication: "crm",
		EventData:         map[string]interface{}{"limit": float64(5000), "currency": "EUR"},
		PublishedBy:       "user-42",
		Status:            outboxDomain.StatusPending,
		Metadata:          map[string]interface{}{"origin": "api"},
		PublishedAt:       now,
		UpdatedAt:         now,
	}
}

func TestSQLiteStore_InsertAndGetByID(t *testing.T) {
	db := setupSQLiteTestDB(t)
	store := infraSQLite.NewEventStoreSQLite(db)
	ctx := context.Background()

	event := newTestEvent("tenant-1")
	require.NoError(t, store.Insert(ctx, event))

	found, err := store.GetByID(ctx, event.EventID)
	require.NoError(t, err)
	require.NotNil(t, found)

	assert.Equal(t, event.EventID, found.EventID)
	assert.Equal(t, event.TenantID, found.TenantID)
	assert.Equal(t, event.StreamKey, found.StreamKey)
	assert.Equal(t, outboxDomain.StatusPending, found.Status)
	assert.Equal(t, float64(5000), found.EventData["limit"])
	assert.Equal(t, "api", found.Metadata["origin"])
	assert.False(t, found.Acknowledged)

	// Id duplicado → conflicto de unicidad.
	assert.ErrorIs(t, store.Insert(ctx, event), outboxDomain.ErrEventAlreadyExists)

	// Id inexistente → not found.
	_, err = store.GetByID(ctx, uuid.New().String())
	assert.ErrorIs(t, err, outboxDomain.ErrEventNotFound)
}

func TestSQLiteStore_StatusTransitionsAndMetadataMerge(t *testing.T) {
	db := setupSQLiteTestDB(t)
	store := infraSQLite.NewEventStoreSQLite(db)
	ctx := context.Background()

	event := newTestEvent("tenant-1")
	require.NoError(t, store.Insert(ctx, event))

	// pending → published con merge de metadata (json_patch).
	require.NoError(t, store.MarkPublished(ctx, event.EventID, map[string]interface{}{"broker": "kafka"}))
	found, err := store.GetByID(ctx, event.EventID)
	require.NoError(t, err)
	assert.Equal(t, outboxDomain.StatusPublished, found.Status)
	assert.Equal(t, "api", found.Metadata["origin"], "la metadata previa se conserva")
	assert.Equal(t, "kafka", found.Metadata["broker"])

	// published → failed con incremento de retry.
	require.NoError(t, store.MarkFailed(ctx, event.EventID, "consumer timeout", true))
	found, err = store.GetByID(ctx, event.EventID)
	require.NoError(t, err)
	assert.Equal(t, outboxDomain.StatusFailed, found.Status)
	assert.Equal(t, 1, found.RetryCount)
	assert.Equal(t, "consumer timeout", found.ErrorMessage)
	require.NotNil(t, found.LastRetryAt)

	// failed → acknowledged: override con nota de auditoría.
	require.NoError(t, store.Acknowledge(ctx, event.EventID, map[string]interface{}{"consumer": "crm-sync"}))
	found, err = store.GetByID(ctx, event.EventID)
	require.NoError(t, err)
	assert.Equal(t, outboxDomain.StatusAcknowledged, found.Status)
	assert.True(t, found.Acknowledged)
	require.NotNil(t, found.AcknowledgedAt)
	assert.Equal(t, "crm-sync", found.Metadata["consumer"])
	assert.Equal(t, true, found.Metadata["acknowledgedFromFailed"])

	// Transiciones sobre id desconocido → not found (el servicio decide el no-op).
	assert.ErrorIs(t, store.MarkPublished(ctx, uuid.New().String(), nil), outboxDomain.ErrEventNotFound)
	assert.ErrorIs(t, store.MarkFailed(ctx, uuid.New().String(), "x", true), outboxDomain.ErrEventNotFound)
	assert.ErrorIs(t, store.Acknowledge(ctx, uuid.New().String(), nil), outboxDomain.ErrEventNotFound)
}

func TestSQLiteStore_AcknowledgedIsFinal(t *testing.T) {
	db := setupSQLiteTestDB(t)
	store := infraSQLite.NewEventStoreSQLite(db)
	ctx := context.Background()

	event := newTestEvent("tenant-1")
	require.NoError(t, store.Insert(ctx, event))
	require.NoError(t, store.MarkPublished(ctx, event.EventID, nil))
	require.NoError(t, store.Acknowledge(ctx, event.EventID, nil))

	// Una señal published duplicada llega después del ack: no encuentra
	// fila y el trío acoplado queda intacto.
	assert.ErrorIs(t, store.MarkPublished(ctx, event.EventID, map[string]interface{}{"late": true}),
		outboxDomain.ErrEventNotFound)
	assert.ErrorIs(t, store.MarkFailed(ctx, event.EventID, "late broker nack", true),
		outboxDomain.ErrEventNotFound)

	// Los updates bulk tampoco tocan un evento confirmado.
	require.NoError(t, store.BulkMarkPublished(ctx, []string{event.EventID}, time.Now().UTC()))
	require.NoError(t, store.BulkMarkFailed(ctx, []outboxDomain.ReplayFailure{
		{EventID: event.EventID, ErrorMessage: "late bulk nack"},
	}, time.Now().UTC()))

	found, err := store.GetByID(ctx, event.EventID)
	require.NoError(t, err)
	assert.Equal(t, outboxDomain.StatusAcknowledged, found.Status)
	assert.True(t, found.Acknowledged)
	require.NotNil(t, found.AcknowledgedAt)
	assert.Equal(t, 0, found.RetryCount)
	assert.Empty(t, found.ErrorMessage)
	assert.NotContains(t, found.Metadata, "late")
	assert.NotContains(t, found.Metadata, "replayedAt")

	// Y nunca vuelve a ser candidato de replay.
	replayable, err := store.FetchReplayable(ctx, 100, 10)
	require.NoError(t, err)
	assert.Empty(t, replayable)
}

func TestSQLiteStore_MarkFailedWithoutIncrement(t *testing.T) {
	db := setupSQLiteTestDB(t)
	store := infraSQLite.NewEventStoreSQLite(db)
	ctx := context.Background()

	event := newTestEvent("tenant-1")
	require.NoError(t, store.Insert(ctx, event))

	require.NoError(t, store.MarkFailed(ctx, event.EventID, "validation rejected", false))
	found, err := store.GetByID(ctx, event.EventID)
	require.NoError(t, err)
	assert.Equal(t, 0, found.RetryCount)
	assert.Equal(t, "validation rejected", found.ErrorMessage)
}

func TestSQLiteStore_BulkUpdates(t *testing.T) {
	db := setupSQLiteTestDB(t)
	store := infraSQLite.NewEventStoreSQLite(db)
	ctx := context.Background()

	ids := make([]string, 4)
	for i := range ids {
		event := newTestEvent("tenant-1")
		event.Status = outboxDomain.StatusFailed
		event.RetryCount = i
		event.ErrorMessage = "previous failure"
		event.PublishedAt = event.PublishedAt.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Insert(ctx, event))
		ids[i] = event.EventID
	}

	replayedAt := time.Now().UTC()
	require.NoError(t, store.BulkMarkPublished(ctx, ids[:2], replayedAt))
	require.NoError(t, store.BulkMarkFailed(ctx, []outboxDomain.ReplayFailure{
		{EventID: ids[2], ErrorMessage: "broker down"},
		{EventID: ids[3], ErrorMessage: "partition unavailable"},
	}, replayedAt))

	for _, id := range ids[:2] {
		found, err := store.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, outboxDomain.StatusPublished, found.Status)
		assert.Empty(t, found.ErrorMessage)
		assert.Contains(t, found.Metadata, "replayedAt")
	}

	// Cada fallo recibe SU mensaje de error, no uno compartido.
	third, err := store.GetByID(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, "broker down", third.ErrorMessage)
	assert.Equal(t, 3, third.RetryCount)

	fourth, err := store.GetByID(ctx, ids[3])
	require.NoError(t, err)
	assert.Equal(t, "partition unavailable", fourth.ErrorMessage)
	assert.Equal(t, 4, fourth.RetryCount)
}

func TestSQLiteStore_FetchReplayableSkipsParked(t *testing.T) {
	db := setupSQLiteTestDB(t)
	store := infraSQLite.NewEventStoreSQLite(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, rc := range []int{0, 5, 10, 12} {
		event := newTestEvent("tenant-1")
		event.EventID = fmt.Sprintf("evt-%d", i)
		event.Status = outboxDomain.StatusFailed
		event.RetryCount = rc
		event.PublishedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Insert(ctx, event))
	}

	replayable, err := store.FetchReplayable(ctx, 100, 10)
	require.NoError(t, err)
	require.Len(t, replayable, 2)
	assert.Equal(t, "evt-0", replayable[0].EventID)
	assert.Equal(t, "evt-1", replayable[1].EventID)
}

func TestSQLiteStore_ListUnacknowledged(t *testing.T) {
	db := setupSQLiteTestDB(t)
	store := infraSQLite.NewEventStoreSQLite(db)
	ctx := context.Background()

	old := newTestEvent("tenant-1")
	old.EventID = "evt-old"
	old.Status = outboxDomain.StatusPublished
	old.PublishedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.Insert(ctx, old))

	recent := newTestEvent("tenant-1")
	recent.EventID = "evt-recent"
	recent.Status = outboxDomain.StatusPublished
	require.NoError(t, store.Insert(ctx, recent))

	acked := newTestEvent("tenant-1")
	acked.EventID = "evt-acked"
	acked.PublishedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.Insert(ctx, acked))
	require.NoError(t, store.Acknowledge(ctx, acked.EventID, nil))

	otherTenant := newTestEvent("tenant-2")
	otherTenant.PublishedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.Insert(ctx, otherTenant))

	events, err := store.ListUnacknowledged(ctx, "tenant-1", time.Now().UTC().Add(-24*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-old", events[0].EventID)
}

func TestSQLiteStore_CountByStatusAndChannel(t *testing.T) {
	db := setupSQLiteTestDB(t)
	store := infraSQLite.NewEventStoreSQLite(db)
	ctx := context.Background()

	seed := func(id, target string, status outboxDomain.EventStatus, retryCount int) {
		event := newTestEvent("tenant-1")
		event.EventID = id
		event.TargetApplication = target
		event.Status = status
		event.RetryCount = retryCount
		require.NoError(t, store.Insert(ctx, event))
	}

	seed("evt-pending", "crm", outboxDomain.StatusPending, 0)
	seed("evt-pub", "crm", outboxDomain.StatusPublished, 0)
	seed("evt-retrying", "crm", outboxDomain.StatusFailed, 3)
	seed("evt-parked", "warehouse", outboxDomain.StatusFailed, 10)

	acked := newTestEvent("tenant-1")
	acked.EventID = "evt-acked"
	require.NoError(t, store.Insert(ctx, acked))
	require.NoError(t, store.Acknowledge(ctx, acked.EventID, nil))

	counts, err := store.CountByStatus(ctx, "tenant-1", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Pending)
	assert.Equal(t, int64(2), counts.Published, "los acknowledged cuentan como entregados")
	assert.Equal(t, int64(2), counts.Failed)
	assert.Equal(t, int64(1), counts.Retrying)
	assert.Equal(t, int64(1), counts.Parked)

	channels, err := store.CountByChannel(ctx, "tenant-1", 10)
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "crm", channels[0].TargetApplication)
	assert.Equal(t, int64(1), channels[0].Counts.Failed)
	assert.Equal(t, "warehouse", channels[1].TargetApplication)
	assert.Equal(t, int64(1), channels[1].Counts.Parked)
}

func TestSQLiteStore_RetentionQueries(t *testing.T) {
	db := setupSQLiteTestDB(t)
	store := infraSQLite.NewEventStoreSQLite(db)
	ctx := context.Background()

	seed := func(id string, status outboxDomain.EventStatus, ageDays int) {
		event := newTestEvent("tenant-1")
		event.EventID = id
		event.Status = status
		event.PublishedAt = time.Now().UTC().AddDate(0, 0, -ageDays)
		require.NoError(t, store.Insert(ctx, event))
	}

	seed("old-published", outboxDomain.StatusPublished, 10)
	seed("old-failed", outboxDomain.StatusFailed, 10)
	seed("ancient-failed", outboxDomain.StatusFailed, 45)
	seed("fresh-published", outboxDomain.StatusPublished, 1)
	seed("old-pending", outboxDomain.StatusPending, 10)

	cutoff := time.Now().UTC().AddDate(0, 0, -7)
	failedCutoff := time.Now().UTC().AddDate(0, 0, -30)

	terminal, err := store.FetchTerminalBefore(ctx, cutoff, time.Time{}, 100)
	require.NoError(t, err)
	require.Len(t, terminal, 1)
	assert.Equal(t, "old-published", terminal[0].EventID)

	deleted, err := store.DeleteTerminalBefore(ctx, cutoff, failedCutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	// Sobreviven: pending, failed en ventana extendida y terminales frescos.
	_, err = store.GetByID(ctx, "old-pending")
	assert.NoError(t, err)
	_, err = store.GetByID(ctx, "old-failed")
	assert.NoError(t, err)
	_, err = store.GetByID(ctx, "fresh-published")
	assert.NoError(t, err)
	_, err = store.GetByID(ctx, "old-published")
	assert.ErrorIs(t, err, outboxDomain.ErrEventNotFound)
	_, err = store.GetByID(ctx, "ancient-failed")
	assert.ErrorIs(t, err, outboxDomain.ErrEventNotFound)
}
