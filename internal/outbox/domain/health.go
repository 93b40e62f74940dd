package domain

import "fmt"

// Clasificación de salud de entrega por tasa de fallo.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthDegraded = "degraded"
)

// SyncHealthMetrics resume la salud de entrega de un tenant.
type SyncHealthMetrics struct {
	TenantID    string `json:"tenant_id"`
	Pending     int64  `json:"pending"`
	Published   int64  `json:"published"`
	Failed      int64  `json:"failed"`
	Retrying    int64  `json:"retrying"`
	Parked      int64  `json:"parked"`
	FailureRate string `json:"failure_rate"`
	Status      string `json:"status"`
}

// ChannelHealth resume la salud de un canal origen→destino.
type ChannelHealth struct {
	SourceApplication string `json:"source_application"`
	TargetApplication string `json:"target_application"`
	Pending           int64  `json:"pending"`
	Published         int64  `json:"published"`
	Failed            int64  `json:"failed"`
	FailureRate       string `json:"failure_rate"`
	Degraded          bool   `json:"degraded"`
}

// FailureRatio calcula la fracción de fallos sobre el total rastreado.
// Con cero eventos devuelve 0: la ausencia de datos nunca es un error.
func (c StatusCounts) FailureRatio() float64 {
	total := c.Pending + c.Published + c.Failed
	if total == 0 {
		return 0
	}
	return float64(c.Failed) / float64(total)
}

// FormatRate formatea una fracción como porcentaje con dos decimales.
func FormatRate(ratio float64) string {
	return fmt.Sprintf("%.2f%%", ratio*100)
}

// ClassifyHealth aplica los umbrales de salud por tenant:
// <5% healthy, 5–20% warning, >20% degraded.
func ClassifyHealth(ratio float64) string {
	switch {
	case ratio < 0.05:
		return HealthHealthy
	case ratio <= 0.20:
		return HealthWarning
	default:
		return HealthDegraded
	}
}
