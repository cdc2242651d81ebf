package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"keyshop/internal/models"
	"keyshop/internal/util"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestPublishKeysEventsByOrder(t *testing.T) {
	w := &fakeWriter{}
	ep := NewEventPublisher(&Producer{writer: w, logger: util.GetLogger()})

	event := &models.KeyAssignedEvent{
		BaseEvent: models.BaseEvent{EventID: "e1", EventType: models.EventTypeKeyAssigned, Timestamp: time.Now()},
		KeyID:     3,
		OrderID:   42,
		ProductID: 7,
		Mode:      models.AssignModeAuto,
	}
	require.NoError(t, ep.PublishKeyAssigned(context.Background(), event))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "order-42", string(w.msgs[0].Key))

	var decoded models.KeyAssignedEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, models.EventTypeKeyAssigned, decoded.EventType)
	assert.Equal(t, int64(3), decoded.KeyID)
}

func TestPublishWrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	ep := NewEventPublisher(&Producer{writer: &fakeWriter{err: boom}, logger: util.GetLogger()})

	err := ep.PublishOrderCreated(context.Background(), &models.OrderCreatedEvent{OrderID: 1})
	assert.ErrorIs(t, err, boom)
}

func TestHandleMessageRoutesPaymentConfirmed(t *testing.T) {
	eh := NewEventHandler()
	var got *models.PaymentConfirmedEvent
	eh.OnPaymentConfirmed(func(_ context.Context, e *models.PaymentConfirmedEvent) error {
		got = e
		return nil
	})

	body, err := json.Marshal(models.PaymentConfirmedEvent{
		BaseEvent:     models.BaseEvent{EventID: "p1", EventType: models.EventTypePaymentConfirmed},
		OrderID:       9,
		TransactionID: "TX-1",
	})
	require.NoError(t, err)

	require.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: body}))
	require.NotNil(t, got)
	assert.Equal(t, int64(9), got.OrderID)
	assert.Equal(t, "TX-1", got.TransactionID)
}

func TestHandleMessageIgnoresOtherEvents(t *testing.T) {
	eh := NewEventHandler()
	called := false
	eh.OnPaymentConfirmed(func(context.Context, *models.PaymentConfirmedEvent) error {
		called = true
		return nil
	})

	assert.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: []byte(`{"event_type":"KEY_ASSIGNED"}`)}))
	assert.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: []byte(`not json`)}))
	assert.False(t, called)
}

func TestHandleMessagePropagatesHandlerError(t *testing.T) {
	eh := NewEventHandler()
	boom := errors.New("db unavailable")
	eh.OnPaymentConfirmed(func(context.Context, *models.PaymentConfirmedEvent) error { return boom })

	err := eh.HandleMessage(context.Background(), kafka.Message{Value: []byte(`{"event_type":"PAYMENT_CONFIRMED","event_id":"x","order_id":1}`)})
	assert.ErrorIs(t, err, boom)
}
