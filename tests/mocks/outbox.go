package mocks

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	outboxDomain "github.com/davicafu/relaylab/internal/outbox/domain"
	"github.com/stretchr/testify/mock"
)

// InMemoryEventStore simula el EventStore con la misma semántica que los
// adaptadores reales: inserciones write-ahead, transiciones atómicas bajo
// mutex y consolidaciones bulk. Cuenta las llamadas bulk para poder verificar
// el presupuesto de sentencias por lote.
type InMemoryEventStore struct {
	Events map[string]*outboxDomain.EventRecord
	mu     sync.Mutex

	// Contadores de sentencias bulk emitidas, para asserts.
	BulkPublishedCalls int
	BulkFailedCalls    int
}

// Verificación estática.
var _ outboxDomain.EventStore = (*InMemoryEventStore)(nil)

func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{Events: make(map[string]*outboxDomain.EventRecord)}
}

func cloneRecord(e *outboxDomain.EventRecord) *outboxDomain.EventRecord {
	c := *e
	c.EventData = cloneMap(e.EventData)
	c.Metadata = cloneMap(e.Metadata)
	return &c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeInto(dst *outboxDomain.EventRecord, metadata map[string]interface{}) {
	if dst.Metadata == nil {
		dst.Metadata = make(map[string]interface{})
	}
	for k, v := range metadata {
		dst.Metadata[k] = v
	}
}

func (s *InMemoryEventStore) Insert(ctx context.Context, e *outboxDomain.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Events[e.EventID]; ok {
		return outboxDomain.ErrEventAlreadyExists
	}
	s.Events[e.EventID] = cloneRecord(e)
	return nil
}

func (s *InMemoryEventStore) GetByID(ctx context.Context, eventID string) (*outboxDomain.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.Events[eventID]
	if !ok {
		return nil, outboxDomain.ErrEventNotFound
	}
	return cloneRecord(e), nil
}

func (s *InMemoryEventStore) MarkPublished(ctx context.Context, eventID string, metadata map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.Events[eventID]
	if !ok || e.Status == outboxDomain.StatusAcknowledged {
		// acknowledged es final: las señales tardías no encuentran fila.
		return outboxDomain.ErrEventNotFound
	}
	e.Status = outboxDomain.StatusPublished
	e.ErrorMessage = ""
	mergeInto(e, metadata)
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryEventStore) MarkFailed(ctx context.Context, eventID, errorMessage string, incrementRetry bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.Events[eventID]
	if !ok || e.Status == outboxDomain.StatusAcknowledged {
		return outboxDomain.ErrEventNotFound
	}
	now := time.Now().UTC()
	e.Status = outboxDomain.StatusFailed
	e.ErrorMessage = errorMessage
	if incrementRetry {
		e.RetryCount++
		e.LastRetryAt = &now
	}
	e.UpdatedAt = now
	return nil
}

func (s *InMemoryEventStore) Acknowledge(ctx context.Context, eventID string, ackData map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.Events[eventID]
	if !ok {
		return outboxDomain.ErrEventNotFound
	}
	if e.Status == outboxDomain.StatusFailed {
		mergeInto(e, map[string]interface{}{"acknowledgedFromFailed": true})
	}
	mergeInto(e, ackData)
	now := time.Now().UTC()
	e.Status = outboxDomain.StatusAcknowledged
	e.Acknowledged = true
	e.AcknowledgedAt = &now
	e.UpdatedAt = now
	return nil
}

func (s *InMemoryEventStore) ListUnacknowledged(ctx context.Context, tenantID string, olderThan time.Time, limit int) ([]*outboxDomain.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*outboxDomain.EventRecord
	for _, e := range s.Events {
		if e.TenantID == tenantID && !e.Acknowledged && e.PublishedAt.Before(olderThan) {
			out = append(out, cloneRecord(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.Before(out[j].PublishedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryEventStore) FetchReplayable(ctx context.Context, limit, maxRetries int) ([]*outboxDomain.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*outboxDomain.EventRecord
	for _, e := range s.Events {
		if (e.Status == outboxDomain.StatusPending || e.Status == outboxDomain.StatusFailed) && e.RetryCount < maxRetries {
			out = append(out, cloneRecord(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.Before(out[j].PublishedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryEventStore) BulkMarkPublished(ctx context.Context, eventIDs []string, replayedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BulkPublishedCalls++
	for _, id := range eventIDs {
		e, ok := s.Events[id]
		if !ok || e.Status == outboxDomain.StatusAcknowledged {
			continue
		}
		e.Status = outboxDomain.StatusPublished
		e.ErrorMessage = ""
		mergeInto(e, map[string]interface{}{"replayedAt": replayedAt.Format(time.RFC3339Nano)})
		e.UpdatedAt = replayedAt
	}
	return nil
}

func (s *InMemoryEventStore) BulkMarkFailed(ctx context.Context, failures []outboxDomain.ReplayFailure, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BulkFailedCalls++
	for _, f := range failures {
		e, ok := s.Events[f.EventID]
		if !ok || e.Status == outboxDomain.StatusAcknowledged {
			continue
		}
		e.Status = outboxDomain.StatusFailed
		e.ErrorMessage = f.ErrorMessage
		e.RetryCount++
		t := now
		e.LastRetryAt = &t
		e.UpdatedAt = now
	}
	return nil
}

func (s *InMemoryEventStore) CountByStatus(ctx context.Context, tenantID string, maxRetries int) (outboxDomain.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c outboxDomain.StatusCounts
	for _, e := range s.Events {
		if e.TenantID != tenantID {
			continue
		}
		switch e.Status {
		case outboxDomain.StatusPending:
			c.Pending++
		case outboxDomain.StatusPublished, outboxDomain.StatusAcknowledged:
			c.Published++
		case outboxDomain.StatusFailed:
			c.Failed++
			if e.RetryCount > 0 && e.RetryCount < maxRetries {
				c.Retrying++
			}
			if e.RetryCount >= maxRetries {
				c.Parked++
			}
		}
	}
	return c, nil
}

func (s *InMemoryEventStore) CountByChannel(ctx context.Context, tenantID string, maxRetries int) ([]outboxDomain.ChannelCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byChannel := make(map[[2]string]*outboxDomain.StatusCounts)
	for _, e := range s.Events {
		if e.TenantID != tenantID {
			continue
		}
		key := [2]string{e.SourceApplication, e.TargetApplication}
		c, ok := byChannel[key]
		if !ok {
			c = &outboxDomain.StatusCounts{}
			byChannel[key] = c
		}
		switch e.Status {
		case outboxDomain.StatusPending:
			c.Pending++
		case outboxDomain.StatusPublished, outboxDomain.StatusAcknowledged:
			c.Published++
		case outboxDomain.StatusFailed:
			c.Failed++
			if e.RetryCount > 0 && e.RetryCount < maxRetries {
				c.Retrying++
			}
			if e.RetryCount >= maxRetries {
				c.Parked++
			}
		}
	}

	var out []outboxDomain.ChannelCounts
	for key, c := range byChannel {
		out = append(out, outboxDomain.ChannelCounts{
			SourceApplication: key[0],
			TargetApplication: key[1],
			Counts:            *c,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceApplication != out[j].SourceApplication {
			return out[i].SourceApplication < out[j].SourceApplication
		}
		return out[i].TargetApplication < out[j].TargetApplication
	})
	return out, nil
}

func (s *InMemoryEventStore) FetchTerminalBefore(ctx context.Context, cutoff, after time.Time, limit int) ([]*outboxDomain.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*outboxDomain.EventRecord
	for _, e := range s.Events {
		if e.Terminal() && e.PublishedAt.Before(cutoff) && e.PublishedAt.After(after) {
			out = append(out, cloneRecord(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.Before(out[j].PublishedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryEventStore) DeleteTerminalBefore(ctx context.Context, cutoff, failedCutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, e := range s.Events {
		if e.Terminal() && e.PublishedAt.Before(cutoff) {
			delete(s.Events, id)
			deleted++
		} else if e.Status == outboxDomain.StatusFailed && e.PublishedAt.Before(failedCutoff) {
			delete(s.Events, id)
			deleted++
		}
	}
	return deleted, nil
}

// ------------------- EventPublisher -------------------

// MockPublisher simula un publisher con expectativas testify.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, e *outboxDomain.EventRecord) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

// StubPublisher resuelve cada publicación según un guion por event_id.
// Registra los ids publicados como evidencia.
type StubPublisher struct {
	FailFor   map[string]error
	Published []string
	mu        sync.Mutex
}

func NewStubPublisher() *StubPublisher {
	return &StubPublisher{FailFor: make(map[string]error)}
}

func (p *StubPublisher) Publish(ctx context.Context, e *outboxDomain.EventRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.FailFor[e.EventID]; ok {
		return err
	}
	p.Published = append(p.Published, e.EventID)
	return nil
}

// ------------------- Cache -------------------

// DummyCache es un mock de cache en memoria, sin TTL, seguro para
// concurrencia.
type DummyCache struct {
	store map[string][]byte
	mu    sync.RWMutex
}

// Verificación estática.
var _ outboxDomain.Cache = (*DummyCache)(nil)

func NewDummyCache() *DummyCache {
	return &DummyCache{store: make(map[string][]byte)}
}

func (c *DummyCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.store[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *DummyCache) Set(ctx context.Context, key string, val interface{}, ttlSecs int) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key] = data
	return nil
}

func (c *DummyCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
	return nil
}

// ------------------- Archiver -------------------

// RecordingArchiver acumula los lotes archivados para inspección.
type RecordingArchiver struct {
	Batches [][]*outboxDomain.EventRecord
	Err     error
	mu      sync.Mutex
}

func (a *RecordingArchiver) ArchiveBatch(ctx context.Context, events []*outboxDomain.EventRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	a.Batches = append(a.Batches, events)
	return nil
}

var _ outboxDomain.EventArchiver = (*RecordingArchiver)(nil)
