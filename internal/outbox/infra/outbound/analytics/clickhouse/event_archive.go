package clickhouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	outboxDomain "github.com/davicafu/relaylab/internal/outbox/domain"
	"github.com/davicafu/relaylab/pkg/utils"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// EventArchive implementa el sink EventArchiver sobre ClickHouse. El sweeper
// copia aquí los eventos terminales antes de borrarlos del outbox, para
// auditoría y analítica de largo plazo.
type EventArchive struct {
	db *sql.DB
}

// NewEventArchive es el constructor.
func NewEventArchive(addr string, dbName string) (*EventArchive, error) {
	conn := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: dbName,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("could not ping clickhouse: %w", err)
	}

	return &EventArchive{db: conn}, nil
}

// ArchiveBatch inserta un lote de eventos en ClickHouse. ClickHouse funciona
// mejor con inserciones en lotes; un blip transitorio del clúster se
// reintenta antes de rendirse al sweeper.
func (r *EventArchive) ArchiveBatch(ctx context.Context, events []*outboxDomain.EventRecord) error {
	return utils.Retry(ctx, 3, 2*time.Second, func() error {
		return r.insertBatch(ctx, events)
	})
}

func (r *EventArchive) insertBatch(ctx context.Context, events []*outboxDomain.EventRecord) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	// No-op tras el Commit; libera la conexión en cualquier salida por error.
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO outbox_events_archive
		(event_id, event_type, tenant_id, entity_id, stream_key,
		 source_application, target_application, event_data, published_by,
		 status, acknowledged, retry_count, metadata, published_at, archived_at)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	archivedAt := time.Now().UTC()
	for _, e := range events {
		dataBytes, err := json.Marshal(e.EventData)
		if err != nil {
			return fmt.Errorf("failed to marshal event data for %s: %w", e.EventID, err)
		}
		metaBytes, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for %s: %w", e.EventID, err)
		}

		if _, err := stmt.ExecContext(
			ctx,
			e.EventID,
			e.EventType,
			e.TenantID,
			e.EntityID,
			e.StreamKey,
			e.SourceApplication,
			e.TargetApplication,
			string(dataBytes),
			e.PublishedBy,
			string(e.Status),
			e.Acknowledged,
			uint32(e.RetryCount),
			string(metaBytes),
			e.PublishedAt,
			archivedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Verificación en tiempo de compilación.
var _ outboxDomain.EventArchiver = (*EventArchive)(nil)
