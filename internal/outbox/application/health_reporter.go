package application

import (
	"context"

	"github.com/davicafu/relaylab/internal/outbox/domain"
	"go.uber.org/zap"
)

// Umbral de degradación por canal origen→destino.
const channelDegradedThreshold = 0.10

// HealthReporter agrega estadísticas de entrega para dashboards y alertas.
// Es puramente observacional: nunca muta estado y nunca falla hacia el
// llamante; ante datos ausentes o errores degrada a valores por defecto.
type HealthReporter struct {
	store      domain.EventStore
	maxRetries int
	log        *zap.Logger
}

func NewHealthReporter(store domain.EventStore, maxRetries int, log *zap.Logger) *HealthReporter {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	return &HealthReporter{store: store, maxRetries: maxRetries, log: log}
}

// GetSyncHealthMetrics devuelve la salud de entrega de un tenant. Un tenant
// sin eventos obtiene el resultado cero bien definido (0.00%, healthy).
func (r *HealthReporter) GetSyncHealthMetrics(ctx context.Context, tenantID string) *domain.SyncHealthMetrics {
	counts, err := r.store.CountByStatus(ctx, tenantID, r.maxRetries)
	if err != nil {
		r.log.Warn("⚠️ No se pudieron agregar métricas de salud, degradando a cero",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		counts = domain.StatusCounts{}
	}

	ratio := counts.FailureRatio()
	return &domain.SyncHealthMetrics{
		TenantID:    tenantID,
		Pending:     counts.Pending,
		Published:   counts.Published,
		Failed:      counts.Failed,
		Retrying:    counts.Retrying,
		Parked:      counts.Parked,
		FailureRate: domain.FormatRate(ratio),
		Status:      domain.ClassifyHealth(ratio),
	}
}

// GetInterAppSyncHealth devuelve la misma agregación por par
// (source_application, target_application). Un canal se marca degraded
// cuando su tasa de fallo supera el 10%.
func (r *HealthReporter) GetInterAppSyncHealth(ctx context.Context, tenantID string) []domain.ChannelHealth {
	channels, err := r.store.CountByChannel(ctx, tenantID, r.maxRetries)
	if err != nil {
		r.log.Warn("⚠️ No se pudo agregar salud por canal, degradando a vacío",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return []domain.ChannelHealth{}
	}

	result := make([]domain.ChannelHealth, 0, len(channels))
	for _, ch := range channels {
		ratio := ch.Counts.FailureRatio()
		result = append(result, domain.ChannelHealth{
			SourceApplication: ch.SourceApplication,
			TargetApplication: ch.TargetApplication,
			Pending:           ch.Counts.Pending,
			Published:         ch.Counts.Published,
			Failed:            ch.Counts.Failed,
			FailureRate:       domain.FormatRate(ratio),
			Degraded:          ratio > channelDegradedThreshold,
		})
	}
	return result
}
