package application

import (
	"context"
	"sync"
	"time"

	"github.com/davicafu/relaylab/internal/outbox/domain"
	"go.uber.org/zap"
)

// ReplayWorker reintenta eventos pending|failed en lotes acotados. Las
// llamadas al broker se abren en paralelo (trabajo de red) y los resultados
// se consolidan en como máximo dos sentencias bulk por lote, sea cual sea
// el tamaño del lote.
type ReplayWorker struct {
	store          domain.EventStore
	publisher      domain.EventPublisher
	interval       time.Duration
	batchSize      int
	maxRetries     int
	publishTimeout time.Duration
	log            *zap.Logger
}

func NewReplayWorker(
	store domain.EventStore,
	publisher domain.EventPublisher,
	interval time.Duration,
	batchSize int,
	maxRetries int,
	publishTimeout time.Duration,
	log *zap.Logger,
) *ReplayWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxRetries <= 0 {
		maxRetries = 10
	}
	if publishTimeout <= 0 {
		publishTimeout = 10 * time.Second
	}
	return &ReplayWorker{
		store:          store,
		publisher:      publisher,
		interval:       interval,
		batchSize:      batchSize,
		maxRetries:     maxRetries,
		publishTimeout: publishTimeout,
		log:            log,
	}
}

// Start inicia el bucle de polling del worker.
func (w *ReplayWorker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.log.Info("🚀 Replay worker iniciado", zap.Duration("interval", w.interval))

		for {
			select {
			case <-ctx.Done():
				w.log.Info("🛑 Replay worker detenido.")
				return
			case <-ticker.C:
				if _, err := w.ReplayPendingEvents(ctx, w.batchSize, w.maxRetries); err != nil {
					w.log.Warn("⚠️ Error en ciclo de replay", zap.Error(err))
				}
			}
		}
	}()
}

type publishOutcome struct {
	eventID string
	err     error
}

// ReplayPendingEvents ejecuta un lote de replay y devuelve cuántos eventos
// se publicaron con éxito. Los eventos con retry_count >= maxRetries quedan
// aparcados: nunca se vuelven a seleccionar por esta ruta y se exponen vía
// métricas de salud para intervención manual.
//
// Un fallo de publicación individual es dato, no excepción: nunca aborta el
// lote; se consolida como failed con retry_count+1.
func (w *ReplayWorker) ReplayPendingEvents(ctx context.Context, maxBatchSize, maxRetries int) (int, error) {
	if maxBatchSize <= 0 {
		maxBatchSize = w.batchSize
	}
	if maxRetries <= 0 {
		maxRetries = w.maxRetries
	}

	events, err := w.store.FetchReplayable(ctx, maxBatchSize, maxRetries)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	w.log.Info("📬 Lote de replay seleccionado", zap.Int("events", len(events)))

	// Fan-out: una goroutine por evento, esperando TODOS los resultados sin
	// cortocircuitar en el primer fallo.
	outcomes := make([]publishOutcome, len(events))
	var wg sync.WaitGroup
	for i, evt := range events {
		wg.Add(1)
		go func(i int, evt *domain.EventRecord) {
			defer wg.Done()
			pubCtx, cancel := context.WithTimeout(ctx, w.publishTimeout)
			defer cancel()
			// Un timeout cuenta como fallo de publicación, nunca como éxito.
			outcomes[i] = publishOutcome{eventID: evt.EventID, err: w.publisher.Publish(pubCtx, evt)}
		}(i, evt)
	}
	wg.Wait()

	var succeeded []string
	var failed []domain.ReplayFailure
	for _, o := range outcomes {
		if o.err == nil {
			succeeded = append(succeeded, o.eventID)
		} else {
			failed = append(failed, domain.ReplayFailure{EventID: o.eventID, ErrorMessage: o.err.Error()})
		}
	}

	now := time.Now().UTC()

	if len(succeeded) > 0 {
		if err := w.store.BulkMarkPublished(ctx, succeeded, now); err != nil {
			return 0, err
		}
	}
	if len(failed) > 0 {
		if err := w.store.BulkMarkFailed(ctx, failed, now); err != nil {
			return len(succeeded), err
		}
	}

	w.log.Info("✅ Lote de replay consolidado",
		zap.Int("succeeded", len(succeeded)),
		zap.Int("failed", len(failed)),
	)
	return len(succeeded), nil
}
