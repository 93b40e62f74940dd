package domain

import (
	"context"
	"time"
)

// ---------- Interfaces (Ports) ----------

// ReplayFailure asocia un evento fallido con el mensaje de error de su
// último intento de publicación.
type ReplayFailure struct {
	EventID      string
	ErrorMessage string
}

// StatusCounts agrega el número de eventos por estado para un tenant.
type StatusCounts struct {
	Pending   int64
	Published int64
	Failed    int64
	Retrying  int64 // failed con retry_count > 0 y por debajo del máximo
	Parked    int64 // failed con retry_count >= máximo
}

// ChannelCounts agrega estados por canal origen→destino.
type ChannelCounts struct {
	SourceApplication string
	TargetApplication string
	Counts            StatusCounts
}

// EventStore define el contrato de persistencia del outbox. Todas las
// mutaciones son de fila única (WHERE event_id = X) o bulk por lista de ids;
// nunca read-modify-write: los incrementos son relativos a columna
// (retry_count = retry_count + 1) para que transiciones concurrentes sobre
// el mismo id no pierdan actualizaciones.
type EventStore interface {
	// Insert persiste un registro nuevo con status=pending.
	// Debe devolver ErrEventAlreadyExists si el event_id ya existe.
	Insert(ctx context.Context, e *EventRecord) error

	// GetByID debe devolver ErrEventNotFound si no existe.
	GetByID(ctx context.Context, eventID string) (*EventRecord, error)

	// MarkPublished transiciona a published y fusiona metadata de forma
	// no destructiva. Debe devolver ErrEventNotFound si no existe o si el
	// evento ya está acknowledged: ese estado es final y ninguna señal
	// tardía o duplicada lo abandona.
	MarkPublished(ctx context.Context, eventID string, metadata map[string]interface{}) error

	// MarkFailed transiciona a failed, registra el error y, si
	// incrementRetry, suma retry_count+1 y fija last_retry_at en la misma
	// sentencia atómica. Misma regla que MarkPublished: los eventos
	// acknowledged no se tocan.
	MarkFailed(ctx context.Context, eventID string, errorMessage string, incrementRetry bool) error

	// Acknowledge transiciona a acknowledged, fija acknowledged_at y
	// fusiona ackData. Un ack sobre un evento failed es un override
	// permitido que deja constancia en metadata.
	Acknowledge(ctx context.Context, eventID string, ackData map[string]interface{}) error

	// ListUnacknowledged devuelve eventos sin ack anteriores a olderThan,
	// ordenados ascendentemente por published_at, hasta limit filas.
	ListUnacknowledged(ctx context.Context, tenantID string, olderThan time.Time, limit int) ([]*EventRecord, error)

	// FetchReplayable devuelve hasta limit eventos pending|failed con
	// retry_count < maxRetries, los candidatos a replay.
	FetchReplayable(ctx context.Context, limit, maxRetries int) ([]*EventRecord, error)

	// BulkMarkPublished marca como published todos los ids en una única
	// sentencia, fusionando {"replayedAt": replayedAt} en metadata. Los
	// ids ya acknowledged se omiten en silencio.
	BulkMarkPublished(ctx context.Context, eventIDs []string, replayedAt time.Time) error

	// BulkMarkFailed marca como failed todos los ids en una única
	// sentencia parametrizada, incrementando retry_count y asignando el
	// error por fila. Los ids ya acknowledged se omiten en silencio.
	BulkMarkFailed(ctx context.Context, failures []ReplayFailure, now time.Time) error

	// CountByStatus agrega estados para un tenant en una sola consulta.
	CountByStatus(ctx context.Context, tenantID string, maxRetries int) (StatusCounts, error)

	// CountByChannel agrega estados por par (source, target).
	CountByChannel(ctx context.Context, tenantID string, maxRetries int) ([]ChannelCounts, error)

	// FetchTerminalBefore devuelve eventos terminales con
	// after < published_at < cutoff, ascendentes por published_at, para
	// archivado paginado previo al borrado.
	FetchTerminalBefore(ctx context.Context, cutoff, after time.Time, limit int) ([]*EventRecord, error)

	// DeleteTerminalBefore borra eventos terminales anteriores a cutoff y,
	// además, eventos failed anteriores a failedCutoff (retención extendida).
	// Devuelve el número de filas borradas.
	DeleteTerminalBefore(ctx context.Context, cutoff, failedCutoff time.Time) (int64, error)
}

// EventPublisher es el colaborador de publicación hacia el broker. El
// reintento externo lo aporta este subsistema; el publisher solo resuelve
// un intento.
type EventPublisher interface {
	Publish(ctx context.Context, e *EventRecord) error
}

// Cache es el port de cache de lectura para consultas puntuales de estado.
// El estado autoritativo vive siempre en el EventStore.
type Cache interface {
	// Get intenta poblar dest (puntero). (true, nil) si hubo hit.
	Get(ctx context.Context, key string, dest interface{}) (bool, error)

	// Set serializa y guarda el valor con TTL en segundos.
	Set(ctx context.Context, key string, val interface{}, ttlSecs int) error

	// Delete elimina la key del cache.
	Delete(ctx context.Context, key string) error
}

// EventArchiver es el sink opcional de archivado de eventos terminales
// previo a su borrado por retención.
type EventArchiver interface {
	ArchiveBatch(ctx context.Context, events []*EventRecord) error
}
