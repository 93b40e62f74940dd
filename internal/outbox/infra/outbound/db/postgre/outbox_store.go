package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	outboxDomain "github.com/davicafu/relaylab/internal/outbox/domain"
	"github.com/jackc/pgx/v5/pgconn"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// EventStorePostgres implementa la interfaz outboxDomain.EventStore.
type EventStorePostgres struct {
	db *sql.DB
}

func NewEventStorePostgres(db *sql.DB) *EventStorePostgres {
	return &EventStorePostgres{db: db}
}

const eventColumns = `event_id, event_type, tenant_id, entity_id, stream_key,
	source_application, target_application, event_data, published_by, status,
	acknowledged, acknowledged_at, error_message, retry_count, last_retry_at,
	metadata, published_at, updated_at`

// ------------------ Escritura de fila única ------------------

// Insert persiste el registro write-ahead. Una colisión de event_id es un
// defecto del llamante, no una operación válida.
func (r *EventStorePostgres) Insert(ctx context.Context, e *outboxDomain.EventRecord) error {
	dataBytes, err := json.Marshal(e.EventData)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	metaBytes, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO outbox_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		e.EventID, e.EventType, e.TenantID, nullString(e.EntityID), e.StreamKey,
		e.SourceApplication, e.TargetApplication, dataBytes, e.PublishedBy, string(e.Status),
		e.Acknowledged, e.AcknowledgedAt, nullString(e.ErrorMessage), e.RetryCount, e.LastRetryAt,
		metaBytes, e.PublishedAt, e.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return outboxDomain.ErrEventAlreadyExists
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// MarkPublished transiciona a published fusionando metadata con el operador
// jsonb de concatenación (merge no destructivo a nivel de claves). El estado
// acknowledged es final: una señal published tardía o duplicada no lo toca.
func (r *EventStorePostgres) MarkPublished(ctx context.Context, eventID string, metadata map[string]interface{}) error {
	metaBytes, err := marshalOrEmpty(metadata)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = 'published',
		     error_message = NULL,
		     metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb,
		     updated_at = $3
		 WHERE event_id = $1 AND status <> 'acknowledged'`,
		eventID, metaBytes, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireRow(res)
}

// MarkFailed incrementa retry_count de forma relativa a columna, en la misma
// sentencia que el cambio de estado. Nunca read-then-write: dos reintentos
// concurrentes sobre el mismo id suman ambos.
func (r *EventStorePostgres) MarkFailed(ctx context.Context, eventID, errorMessage string, incrementRetry bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = 'failed',
		     error_message = $2,
		     retry_count = retry_count + CASE WHEN $3 THEN 1 ELSE 0 END,
		     last_retry_at = CASE WHEN $3 THEN $4 ELSE last_retry_at END,
		     updated_at = $4
		 WHERE event_id = $1 AND status <> 'acknowledged'`,
		eventID, errorMessage, incrementRetry, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireRow(res)
}

// Acknowledge fija el trío acoplado acknowledged/acknowledged_at/status en
// una sentencia. Un ack sobre un evento failed queda auditado en metadata.
func (r *EventStorePostgres) Acknowledge(ctx context.Context, eventID string, ackData map[string]interface{}) error {
	ackBytes, err := marshalOrEmpty(ackData)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET acknowledged = TRUE,
		     acknowledged_at = $3,
		     status = 'acknowledged',
		     metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb
		         || CASE WHEN status = 'failed'
		                 THEN '{"acknowledgedFromFailed": true}'::jsonb
		                 ELSE '{}'::jsonb END,
		     updated_at = $3
		 WHERE event_id = $1`,
		eventID, ackBytes, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireRow(res)
}

// ------------------ Lectura ------------------

func (r *EventStorePostgres) GetByID(ctx context.Context, eventID string) (*outboxDomain.EventRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM outbox_events WHERE event_id = $1`, eventID)

	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, outboxDomain.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return e, nil
}

func (r *EventStorePostgres) ListUnacknowledged(ctx context.Context, tenantID string, olderThan time.Time, limit int) ([]*outboxDomain.EventRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM outbox_events
		 WHERE tenant_id = $1 AND acknowledged = FALSE AND published_at < $2
		 ORDER BY published_at ASC
		 LIMIT $3`,
		tenantID, olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *EventStorePostgres) FetchReplayable(ctx context.Context, limit, maxRetries int) ([]*outboxDomain.EventRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM outbox_events
		 WHERE status IN ('pending', 'failed') AND retry_count < $1
		 ORDER BY published_at ASC
		 LIMIT $2`,
		maxRetries, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ------------------ Consolidación bulk ------------------

// BulkMarkPublished consolida los éxitos de un lote de replay en UNA
// sentencia, con filtro por lista de ids y merge de replayedAt en metadata.
func (r *EventStorePostgres) BulkMarkPublished(ctx context.Context, eventIDs []string, replayedAt time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	metaBytes, err := json.Marshal(map[string]interface{}{
		"replayedAt": replayedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal replay metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = 'published',
		     error_message = NULL,
		     metadata = COALESCE(metadata, '{}'::jsonb) || $1::jsonb,
		     updated_at = $2
		 WHERE event_id = ANY($3) AND status <> 'acknowledged'`,
		metaBytes, replayedAt, eventIDs,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// BulkMarkFailed consolida los fallos de un lote en UNA sentencia. El error
// por fila se asigna con un join de arrays emparejados vía UNNEST, totalmente
// parametrizado (nunca CASE concatenado por fila).
func (r *EventStorePostgres) BulkMarkFailed(ctx context.Context, failures []outboxDomain.ReplayFailure, now time.Time) error {
	if len(failures) == 0 {
		return nil
	}
	ids := make([]string, len(failures))
	msgs := make([]string, len(failures))
	for i, f := range failures {
		ids[i] = f.EventID
		msgs[i] = f.ErrorMessage
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events AS e
		 SET status = 'failed',
		     retry_count = e.retry_count + 1,
		     last_retry_at = $3,
		     error_message = f.error_message,
		     updated_at = $3
		 FROM (SELECT unnest($1::text[]) AS event_id,
		              unnest($2::text[]) AS error_message) AS f
		 WHERE e.event_id = f.event_id AND e.status <> 'acknowledged'`,
		ids, msgs, now,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ------------------ Agregación de salud ------------------

func (r *EventStorePostgres) CountByStatus(ctx context.Context, tenantID string, maxRetries int) (outboxDomain.StatusCounts, error) {
	var c outboxDomain.StatusCounts
	err := r.db.QueryRowContext(ctx,
		`SELECT
		    COUNT(*) FILTER (WHERE status = 'pending'),
		    COUNT(*) FILTER (WHERE status IN ('published', 'acknowledged')),
		    COUNT(*) FILTER (WHERE status = 'failed'),
		    COUNT(*) FILTER (WHERE status = 'failed' AND retry_count > 0 AND retry_count < $2),
		    COUNT(*) FILTER (WHERE status = 'failed' AND retry_count >= $2)
		 FROM outbox_events
		 WHERE tenant_id = $1`,
		tenantID, maxRetries,
	).Scan(&c.Pending, &c.Published, &c.Failed, &c.Retrying, &c.Parked)
	if err != nil {
		return outboxDomain.StatusCounts{}, fmt.Errorf("db error: %w", err)
	}
	return c, nil
}

func (r *EventStorePostgres) CountByChannel(ctx context.Context, tenantID string, maxRetries int) ([]outboxDomain.ChannelCounts, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT source_application, target_application,
		    COUNT(*) FILTER (WHERE status = 'pending'),
		    COUNT(*) FILTER (WHERE status IN ('published', 'acknowledged')),
		    COUNT(*) FILTER (WHERE status = 'failed'),
		    COUNT(*) FILTER (WHERE status = 'failed' AND retry_count > 0 AND retry_count < $2),
		    COUNT(*) FILTER (WHERE status = 'failed' AND retry_count >= $2)
		 FROM outbox_events
		 WHERE tenant_id = $1
		 GROUP BY source_application, target_application
		 ORDER BY source_application, target_application`,
		tenantID, maxRetries,
	)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var channels []outboxDomain.ChannelCounts
	for rows.Next() {
		var ch outboxDomain.ChannelCounts
		if err := rows.Scan(&ch.SourceApplication, &ch.TargetApplication,
			&ch.Counts.Pending, &ch.Counts.Published, &ch.Counts.Failed,
			&ch.Counts.Retrying, &ch.Counts.Parked); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// ------------------ Retención ------------------

func (r *EventStorePostgres) FetchTerminalBefore(ctx context.Context, cutoff, after time.Time, limit int) ([]*outboxDomain.EventRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM outbox_events
		 WHERE status IN ('published', 'acknowledged')
		   AND published_at < $1 AND published_at > $2
		 ORDER BY published_at ASC
		 LIMIT $3`,
		cutoff, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *EventStorePostgres) DeleteTerminalBefore(ctx context.Context, cutoff, failedCutoff time.Time) (int64, error) {
	// Los pending nunca se borran: una entrega sin resolver fuera del
	// barrido anularía la garantía del outbox.
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM outbox_events
		 WHERE (status IN ('published', 'acknowledged') AND published_at < $1)
		    OR (status = 'failed' AND published_at < $2)`,
		cutoff, failedCutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get RowsAffected: %w", err)
	}
	return deleted, nil
}

// ------------------ Helpers ------------------

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*outboxDomain.EventRecord, error) {
	var e outboxDomain.EventRecord
	var entityID, errorMessage sql.NullString
	var acknowledgedAt, lastRetryAt sql.NullTime
	var status string
	var dataBytes, metaBytes []byte

	if err := row.Scan(
		&e.EventID, &e.EventType, &e.TenantID, &entityID, &e.StreamKey,
		&e.SourceApplication, &e.TargetApplication, &dataBytes, &e.PublishedBy, &status,
		&e.Acknowledged, &acknowledgedAt, &errorMessage, &e.RetryCount, &lastRetryAt,
		&metaBytes, &e.PublishedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}

	e.Status = outboxDomain.EventStatus(status)
	e.EntityID = entityID.String
	e.ErrorMessage = errorMessage.String
	if acknowledgedAt.Valid {
		t := acknowledgedAt.Time
		e.AcknowledgedAt = &t
	}
	if lastRetryAt.Valid {
		t := lastRetryAt.Time
		e.LastRetryAt = &t
	}
	if len(dataBytes) > 0 {
		if err := json.Unmarshal(dataBytes, &e.EventData); err != nil {
			return nil, fmt.Errorf("invalid JSON event data in row %s: %w", e.EventID, err)
		}
	}
	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &e.Metadata); err != nil {
			return nil, fmt.Errorf("invalid JSON metadata in row %s: %w", e.EventID, err)
		}
	}
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]*outboxDomain.EventRecord, error) {
	var events []*outboxDomain.EventRecord
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func requireRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get RowsAffected: %w", err)
	}
	if rows == 0 {
		return outboxDomain.ErrEventNotFound
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func marshalOrEmpty(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		m = map[string]interface{}{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return b, nil
}

// ------------------ Inicialización ------------------

func InitPostgres(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS outbox_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		entity_id TEXT,
		stream_key TEXT NOT NULL,
		source_application TEXT NOT NULL,
		target_application TEXT NOT NULL,
		event_data JSONB NOT NULL DEFAULT '{}'::jsonb,
		published_by TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
		acknowledged_at TIMESTAMPTZ,
		error_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_retry_at TIMESTAMPTZ,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		published_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_outbox_events_replayable
		ON outbox_events (status, retry_count, published_at)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_outbox_events_tenant_unacked
		ON outbox_events (tenant_id, acknowledged, published_at)`)
	return err
}

// Verificación en tiempo de compilación.
var _ outboxDomain.EventStore = (*EventStorePostgres)(nil)
