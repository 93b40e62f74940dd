package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	outboxDomain "github.com/davicafu/relaylab/internal/outbox/domain"
)

// EventStoreSQLite implementa la interfaz outboxDomain.EventStore para
// despliegues locales. El merge de metadata usa json_patch y los errores por
// fila de los updates bulk se asignan con json_each sobre un único parámetro
// JSON (construcción parametrizada, nunca CASE concatenado).
type EventStoreSQLite struct {
	db *sql.DB
}

func NewEventStoreSQLite(db *sql.DB) *EventStoreSQLite {
	return &EventStoreSQLite{db: db}
}

const eventColumns = `event_id, event_type, tenant_id, entity_id, stream_key,
	source_application, target_application, event_data, published_by, status,
	acknowledged, acknowledged_at, error_message, retry_count, last_retry_at,
	metadata, published_at, updated_at`

// ------------------ Escritura de fila única ------------------

func (r *EventStoreSQLite) Insert(ctx context.Context, e *outboxDomain.EventRecord) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.EventType, e.TenantID, e.EntityID, e.StreamKey,
		e.SourceApplication, e.TargetApplication, string(dataBytes), e.PublishedBy, string(e.Status),
		e.Acknowledged, e.AcknowledgedAt, e.ErrorMessage, e.RetryCount, e.LastRetryAt,
		string(metaBytes), e.PublishedAt, e.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return outboxDomain.ErrEventAlreadyExists
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *EventStoreSQLite) MarkPublished(ctx context.Context, eventID string, metadata map[string]interface{}) error {
	metaBytes, err := marshalOrEmpty(metadata)
	if err != nil {
		return err
	}

	// El estado acknowledged es final: una señal published tardía o
	// duplicada no lo toca.
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = 'published',
		     error_message = NULL,
		     metadata = json_patch(COALESCE(metadata, '{}'), ?),
		     updated_at = ?
		 WHERE event_id = ? AND status <> 'acknowledged'`,
		string(metaBytes), time.Now().UTC(), eventID,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireRow(res)
}

func (r *EventStoreSQLite) MarkFailed(ctx context.Context, eventID, errorMessage string, incrementRetry bool) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = 'failed',
		     error_message = ?,
		     retry_count = retry_count + (CASE WHEN ? THEN 1 ELSE 0 END),
		     last_retry_at = CASE WHEN ? THEN ? ELSE last_retry_at END,
		     updated_at = ?
		 WHERE event_id = ? AND status <> 'acknowledged'`,
		errorMessage, incrementRetry, incrementRetry, now, now, eventID,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireRow(res)
}

func (r *EventStoreSQLite) Acknowledge(ctx context.Context, eventID string, ackData map[string]interface{}) error {
	ackBytes, err := marshalOrEmpty(ackData)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET acknowledged = 1,
		     acknowledged_at = ?,
		     metadata = json_patch(
		         json_patch(COALESCE(metadata, '{}'), ?),
		         CASE WHEN status = 'failed'
		              THEN '{"acknowledgedFromFailed": true}'
		              ELSE '{}' END),
		     status = 'acknowledged',
		     updated_at = ?
		 WHERE event_id = ?`,
		now, string(ackBytes), now, eventID,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireRow(res)
}

// ------------------ Lectura ------------------

func (r *EventStoreSQLite) GetByID(ctx context.Context, eventID string) (*outboxDomain.EventRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM outbox_events WHERE event_id = ?`, eventID)

	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, outboxDomain.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return e, nil
}

func (r *EventStoreSQLite) ListUnacknowledged(ctx context.Context, tenantID string, olderThan time.Time, limit int) ([]*outboxDomain.EventRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM outbox_events
		 WHERE tenant_id = ? AND acknowledged = 0 AND published_at < ?
		 ORDER BY published_at ASC
		 LIMIT ?`,
		tenantID, olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *EventStoreSQLite) FetchReplayable(ctx context.Context, limit, maxRetries int) ([]*outboxDomain.EventRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM outbox_events
		 WHERE status IN ('pending', 'failed') AND retry_count < ?
		 ORDER BY published_at ASC
		 LIMIT ?`,
		maxRetries, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ------------------ Consolidación bulk ------------------

func (r *EventStoreSQLite) BulkMarkPublished(ctx context.Context, eventIDs []string, replayedAt time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	metaBytes, err := json.Marshal(map[string]interface{}{
		"replayedAt": replayedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal replay metadata: %w", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(eventIDs)), ",")
	args := []interface{}{string(metaBytes), replayedAt}
	for _, id := range eventIDs {
		args = append(args, id)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = 'published',
		     error_message = NULL,
		     metadata = json_patch(COALESCE(metadata, '{}'), ?),
		     updated_at = ?
		 WHERE event_id IN (`+placeholders+`) AND status <> 'acknowledged'`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *EventStoreSQLite) BulkMarkFailed(ctx context.Context, failures []outboxDomain.ReplayFailure, now time.Time) error {
	if len(failures) == 0 {
		return nil
	}
	// Pares id/error como documento JSON; json_each hace el join por fila.
	type pair struct {
		ID  string `json:"id"`
		Err string `json:"err"`
	}
	pairs := make([]pair, len(failures))
	for i, f := range failures {
		pairs[i] = pair{ID: f.EventID, Err: f.ErrorMessage}
	}
	pairsJSON, err := json.Marshal(pairs)
	if err != nil {
		return fmt.Errorf("failed to marshal failure pairs: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = 'failed',
		     retry_count = retry_count + 1,
		     last_retry_at = ?,
		     updated_at = ?,
		     error_message = (
		         SELECT je.value ->> '$.err'
		         FROM json_each(?) AS je
		         WHERE je.value ->> '$.id' = outbox_events.event_id
		     )
		 WHERE event_id IN (SELECT value ->> '$.id' FROM json_each(?))
		   AND status <> 'acknowledged'`,
		now, now, string(pairsJSON), string(pairsJSON),
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ------------------ Agregación de salud ------------------

func (r *EventStoreSQLite) CountByStatus(ctx context.Context, tenantID string, maxRetries int) (outboxDomain.StatusCounts, error) {
	var c outboxDomain.StatusCounts
	err := r.db.QueryRowContext(ctx,
		`SELECT
		    COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
		    COALESCE(SUM(CASE WHEN status IN ('published', 'acknowledged') THEN 1 ELSE 0 END), 0),
		    COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		    COALESCE(SUM(CASE WHEN status = 'failed' AND retry_count > 0 AND retry_count < ? THEN 1 ELSE 0 END), 0),
		    COALESCE(SUM(CASE WHEN status = 'failed' AND retry_count >= ? THEN 1 ELSE 0 END), 0)
		 FROM outbox_events
		 WHERE tenant_id = ?`,
		maxRetries, maxRetries, tenantID,
	).Scan(&c.Pending, &c.Published, &c.Failed, &c.Retrying, &c.Parked)
	if err != nil {
		return outboxDomain.StatusCounts{}, fmt.Errorf("db error: %w", err)
	}
	return c, nil
}

func (r *EventStoreSQLite) CountByChannel(ctx context.Context, tenantID string, maxRetries int) ([]outboxDomain.ChannelCounts, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT source_application, target_application,
		    SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END),
		    SUM(CASE WHEN status IN ('published', 'acknowledged') THEN 1 ELSE 0 END),
		    SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
		    SUM(CASE WHEN status = 'failed' AND retry_count > 0 AND retry_count < ? THEN 1 ELSE 0 END),
		    SUM(CASE WHEN status = 'failed' AND retry_count >= ? THEN 1 ELSE 0 END)
		 FROM outbox_events
		 WHERE tenant_id = ?
		 GROUP BY source_application, target_application
		 ORDER BY source_application, target_application`,
		maxRetries, maxRetries, tenantID,
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

func (r *EventStoreSQLite) FetchTerminalBefore(ctx context.Context, cutoff, after time.Time, limit int) ([]*outboxDomain.EventRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM outbox_events
		 WHERE status IN ('published', 'acknowledged')
		   AND published_at < ? AND published_at > ?
		 ORDER BY published_at ASC
		 LIMIT ?`,
		cutoff, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *EventStoreSQLite) DeleteTerminalBefore(ctx context.Context, cutoff, failedCutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM outbox_events
		 WHERE (status IN ('published', 'acknowledged') AND published_at < ?)
		    OR (status = 'failed' AND published_at < ?)`,
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
	var status, dataStr, metaStr string

	if err := row.Scan(
		&e.EventID, &e.EventType, &e.TenantID, &entityID, &e.StreamKey,
		&e.SourceApplication, &e.TargetApplication, &dataStr, &e.PublishedBy, &status,
		&e.Acknowledged, &acknowledgedAt, &errorMessage, &e.RetryCount, &lastRetryAt,
		&metaStr, &e.PublishedAt, &e.UpdatedAt,
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
	if dataStr != "" {
		if err := json.Unmarshal([]byte(dataStr), &e.EventData); err != nil {
			return nil, fmt.Errorf("invalid JSON event data in row %s: %w", e.EventID, err)
		}
	}
	if metaStr != "" {
		if err := json.Unmarshal([]byte(metaStr), &e.Metadata); err != nil {
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

func InitSQLite(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS outbox_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		entity_id TEXT,
		stream_key TEXT NOT NULL,
		source_application TEXT NOT NULL,
		target_application TEXT NOT NULL,
		event_data TEXT NOT NULL DEFAULT '{}',
		published_by TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		acknowledged INTEGER NOT NULL DEFAULT 0,
		acknowledged_at DATETIME,
		error_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_retry_at DATETIME,
		metadata TEXT NOT NULL DEFAULT '{}',
		published_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
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
var _ outboxDomain.EventStore = (*EventStoreSQLite)(nil)
