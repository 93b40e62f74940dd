package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

type mockTracker struct {
	mock.Mock
}

func (m *mockTracker) MarkEventPublished(ctx context.Context, eventID string, metadata map[string]interface{}) error {
	args := m.Called(ctx, eventID, metadata)
	return args.Error(0)
}

func (m *mockTracker) MarkEventFailed(ctx context.Context, eventID, errorMessage string, incrementRetry bool) error {
	args := m.Called(ctx, eventID, errorMessage, incrementRetry)
	return args.Error(0)
}

func (m *mockTracker) AcknowledgeEvent(ctx context.Context, eventID string, ackData map[string]interface{}) error {
	args := m.Called(ctx, eventID, ackData)
	return args.Error(0)
}

func TestAckConsumer_PublishedSignal(t *testing.T) {
	tracker := new(mockTracker)
	consumer := NewAckConsumer(tracker, zap.NewNop())

	tracker.On("MarkEventPublished", mock.Anything, "evt-1",
		map[string]interface{}{"broker": "kafka"}).Return(nil)

	consumer.HandleMessage(context.Background(), "tenant-1/credit",
		[]byte(`{"event_id":"evt-1","signal":"published","data":{"broker":"kafka"}}`))

	tracker.AssertExpectations(t)
}

func TestAckConsumer_FailedSignalIncrementsRetry(t *testing.T) {
	tracker := new(mockTracker)
	consumer := NewAckConsumer(tracker, zap.NewNop())

	tracker.On("MarkEventFailed", mock.Anything, "evt-2", "consumer crashed", true).Return(nil)

	consumer.HandleMessage(context.Background(), "tenant-1/credit",
		[]byte(`{"event_id":"evt-2","signal":"failed","error_message":"consumer crashed"}`))

	tracker.AssertExpectations(t)
}

func TestAckConsumer_AckSignal(t *testing.T) {
	tracker := new(mockTracker)
	consumer := NewAckConsumer(tracker, zap.NewNop())

	tracker.On("AcknowledgeEvent", mock.Anything, "evt-3",
		map[string]interface{}{"consumer": "crm-sync"}).Return(nil)

	consumer.HandleMessage(context.Background(), "tenant-1/credit",
		[]byte(`{"event_id":"evt-3","signal":"ack","data":{"consumer":"crm-sync"}}`))

	tracker.AssertExpectations(t)
}

func TestAckConsumer_DiscardsMalformedSignals(t *testing.T) {
	tracker := new(mockTracker)
	consumer := NewAckConsumer(tracker, zap.NewNop())

	// JSON ilegible, sin event_id y señal desconocida: descartados sin tocar
	// el servicio de tracking.
	consumer.HandleMessage(context.Background(), "k", []byte(`{not json`))
	consumer.HandleMessage(context.Background(), "k", []byte(`{"signal":"ack"}`))
	consumer.HandleMessage(context.Background(), "k", []byte(`{"event_id":"evt-9","signal":"retried"}`))

	tracker.AssertNotCalled(t, "MarkEventPublished", mock.Anything, mock.Anything, mock.Anything)
	tracker.AssertNotCalled(t, "MarkEventFailed", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	tracker.AssertNotCalled(t, "AcknowledgeEvent", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, tracker.Calls)
}
