package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kevin07696/uniform-pay/internal/domain"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafkago.Message
	err      error
	closed   bool
	entered  chan struct{}
	release  chan struct{}
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	if w.release != nil {
		close(w.entered)
		<-w.release
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func testOutcome() domain.Outcome {
	return domain.Outcome{
		SettledAt:           time.Date(2025, 9, 1, 8, 2, 0, 0, time.UTC),
		ClientTransactionID: "sn-20250901-0001",
		SubjectID:           "110101199003078515",
		PaymentMethod:       domain.PaymentMethodWeChat,
		TotalAmount:         "268.50",
		Status:              domain.StatusPaid,
		Source:              domain.SourceRealtime,
	}
}

func TestOutcomePublisher_Publish(t *testing.T) {
	writer := &fakeWriter{}
	pub := newOutcomePublisher(writer, Config{Topic: "payment-outcomes"}, zap.NewNop())

	require.NoError(t, pub.PublishOutcome(context.Background(), testOutcome()))

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "sn-20250901-0001", string(msg.Key))
	assert.Equal(t, testOutcome().SettledAt, msg.Time)
	assert.Contains(t, msg.Headers, kafkago.Header{Key: "event_type", Value: []byte(EventTypeOutcome)})
	assert.Contains(t, msg.Headers, kafkago.Header{Key: "status", Value: []byte("PAID")})

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "PAID", decoded["status"])
	assert.Equal(t, "268.50", decoded["total_amount"])
	assert.Equal(t, "WECHAT", decoded["payment_method"])
}

func TestOutcomePublisher_WriteError(t *testing.T) {
	writer := &fakeWriter{err: errors.New("leader not available")}
	pub := newOutcomePublisher(writer, Config{Topic: "payment-outcomes"}, zap.NewNop())

	err := pub.PublishOutcome(context.Background(), testOutcome())
	require.Error(t, err)
	assert.Equal(t, domain.ErrorCodeTransport, domain.GetErrorCode(err))
}

func TestOutcomePublisher_CloseWaitsForInFlight(t *testing.T) {
	writer := &fakeWriter{entered: make(chan struct{}), release: make(chan struct{})}
	pub := newOutcomePublisher(writer, Config{Topic: "payment-outcomes"}, zap.NewNop())

	published := make(chan error, 1)
	go func() { published <- pub.PublishOutcome(context.Background(), testOutcome()) }()
	<-writer.entered

	closed := make(chan error, 1)
	go func() { closed <- pub.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("Close returned before the in-flight write finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(writer.release)
	require.NoError(t, <-published)
	require.NoError(t, <-closed)
	assert.True(t, writer.closed)

	assert.ErrorIs(t, pub.PublishOutcome(context.Background(), testOutcome()), domain.ErrClosed)
}

func TestNewOutcomePublisher_Validation(t *testing.T) {
	_, err := NewOutcomePublisher(Config{Topic: "payment-outcomes"}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewOutcomePublisher(Config{Brokers: []string{"localhost:9092"}}, zap.NewNop())
	assert.Error(t, err)

	pub, err := NewOutcomePublisher(Config{Brokers: []string{"localhost:9092"}, Topic: "payment-outcomes"}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, pub.Close(context.Background()))
}
