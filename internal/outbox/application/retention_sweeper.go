package application

import (
	"context"
	"time"

	"github.com/davicafu/relaylab/internal/outbox/domain"
	"go.uber.org/zap"
)

const archiveBatchSize = 500

// RetentionSweeper borra eventos terminales (published/acknowledged) pasada
// la ventana de retención. Los eventos failed conservan valor de diagnóstico
// y se retienen bajo una ventana extendida propia; borrar una entrega sin
// resolver anularía silenciosamente la garantía del outbox.
//
// Es el único componente que destruye registros: TrackingService y
// ReplayWorker solo transicionan estado.
type RetentionSweeper struct {
	store            domain.EventStore
	archiver         domain.EventArchiver // opcional: copia a almacén analítico antes de borrar
	interval         time.Duration
	retentionDays    int
	retainFailedDays int
	log              *zap.Logger
}

func NewRetentionSweeper(
	store domain.EventStore,
	archiver domain.EventArchiver,
	interval time.Duration,
	retentionDays int,
	retainFailedDays int,
	log *zap.Logger,
) *RetentionSweeper {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if retainFailedDays <= retentionDays {
		retainFailedDays = retentionDays * 4
	}
	return &RetentionSweeper{
		store:            store,
		archiver:         archiver,
		interval:         interval,
		retentionDays:    retentionDays,
		retainFailedDays: retainFailedDays,
		log:              log,
	}
}

// Start inicia el bucle periódico de limpieza.
func (s *RetentionSweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info("🚀 Retention sweeper iniciado", zap.Duration("interval", s.interval))

		for {
			select {
			case <-ctx.Done():
				s.log.Info("🛑 Retention sweeper detenido.")
				return
			case <-ticker.C:
				if _, err := s.CleanupOldEvents(ctx, s.retentionDays); err != nil {
					s.log.Warn("⚠️ Error en ciclo de limpieza", zap.Error(err))
				}
			}
		}
	}()
}

// CleanupOldEvents borra eventos terminales con published_at anterior a
// now - daysOld y devuelve cuántas filas se eliminaron. Si hay archiver
// configurado, los terminales se copian al almacén analítico antes del
// borrado.
func (s *RetentionSweeper) CleanupOldEvents(ctx context.Context, daysOld int) (int64, error) {
	if daysOld <= 0 {
		daysOld = s.retentionDays
	}
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -daysOld)
	failedCutoff := now.AddDate(0, 0, -s.retainFailedDays)

	if s.archiver != nil {
		if err := s.archiveTerminal(ctx, cutoff); err != nil {
			// El archivado es best-effort: un almacén analítico caído no
			// debe bloquear la retención del outbox.
			s.log.Warn("⚠️ Archivado de eventos terminales falló", zap.Error(err))
		}
	}

	deleted, err := s.store.DeleteTerminalBefore(ctx, cutoff, failedCutoff)
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		s.log.Info("🧹 Eventos antiguos eliminados",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
	return deleted, nil
}

func (s *RetentionSweeper) archiveTerminal(ctx context.Context, cutoff time.Time) error {
	// Paginación por cursor sobre published_at ascendente.
	var after time.Time
	for {
		batch, err := s.store.FetchTerminalBefore(ctx, cutoff, after, archiveBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := s.archiver.ArchiveBatch(ctx, batch); err != nil {
			return err
		}
		if len(batch) < archiveBatchSize {
			return nil
		}
		after = batch[len(batch)-1].PublishedAt
	}
}
