package domain

import (
	"errors"
	"time"
)

// ---------- Errores de dominio ----------
var (
	ErrEventNotFound      = errors.New("event not found")
	ErrEventAlreadyExists = errors.New("event already exists")
	ErrInvalidEvent       = errors.New("invalid event")
)

// EventStatus representa el estado de entrega de un evento.
type EventStatus string

const (
	StatusPending      EventStatus = "pending"
	StatusPublished    EventStatus = "published"
	StatusFailed       EventStatus = "failed"
	StatusAcknowledged EventStatus = "acknowledged"
)

// EventRecord representa un evento inter-aplicación registrado en el outbox
// antes de intentar su publicación en el broker (write-ahead).
type EventRecord struct {
	EventID           string                 `json:"event_id"`
	EventType         string                 `json:"event_type"`
	TenantID          string                 `json:"tenant_id"`
	EntityID          string                 `json:"entity_id,omitempty"`
	StreamKey         string                 `json:"stream_key"`
	SourceApplication string                 `json:"source_application"`
	TargetApplication string                 `json:"target_application"`
	EventData         map[string]interface{} `json:"event_data"` // payload opaco, schema definido por la aplicación
	PublishedBy       string                 `json:"published_by"`
	Status            EventStatus            `json:"status"`
	Acknowledged      bool                   `json:"acknowledged"`
	AcknowledgedAt    *time.Time             `json:"acknowledged_at,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	RetryCount        int                    `json:"retry_count"`
	LastRetryAt       *time.Time             `json:"last_retry_at,omitempty"`
	Metadata          map[string]interface{} `json:"metadata"` // bolsa JSON de solo-adición: siempre merge, nunca overwrite
	PublishedAt       time.Time              `json:"published_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// Terminal indica si el registro alcanzó un estado final de entrega.
// Los eventos failed no son terminales: conservan valor de diagnóstico
// hasta que se resuelven o se barren con la retención extendida.
func (e *EventRecord) Terminal() bool {
	return e.Status == StatusPublished || e.Status == StatusAcknowledged
}

// Parked indica si el evento agotó su presupuesto de reintentos y quedó
// excluido de la selección automática de replay.
func (e *EventRecord) Parked(maxRetries int) bool {
	return e.Status == StatusFailed && e.RetryCount >= maxRetries
}

// Validate comprueba los campos de identidad obligatorios. El payload y la
// metadata son opacos y no se validan.
func (e *EventRecord) Validate() error {
	if e.EventID == "" || e.EventType == "" || e.TenantID == "" {
		return ErrInvalidEvent
	}
	if e.StreamKey == "" || e.SourceApplication == "" || e.TargetApplication == "" {
		return ErrInvalidEvent
	}
	return nil
}

// CacheKeyByID construye la clave de cache para un evento.
func CacheKeyByID(eventID string) string {
	return "outbox:event:" + eventID
}
