package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, msg Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func TestDispatcher_DeliversInBackground(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// Arrange
	sender := new(MockSender)
	msg := Message{Template: TemplateOrderPlaced, Recipient: "user-1", Data: map[string]any{"order_id": "o-1"}}
	sender.On("Send", mock.Anything, msg).Return(nil).Once()
	dispatcher := NewDispatcher(sender)

	// Act
	dispatcher.Dispatch(context.Background(), msg)
	dispatcher.Close()

	// Assert
	sender.AssertExpectations(t)
}

func TestDispatcher_FailureIsSwallowed(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.Anything).Return(errors.New("smtp down"))
	dispatcher := NewDispatcher(sender)

	assert.NotPanics(t, func() {
		dispatcher.Dispatch(context.Background(), Message{Template: TemplateOrderStatusUpdate, Recipient: "user-2"})
	})
	dispatcher.Close()

	sender.AssertNumberOfCalls(t, "Send", 1)
}

func TestDispatcher_SurvivesCancelledRequestContext(t *testing.T) {
	sender := new(MockSender)
	sender.On("Send", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), mock.Anything).Return(nil)
	dispatcher := NewDispatcher(sender)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dispatcher.Dispatch(ctx, Message{Template: TemplatePaymentConfirmed, Recipient: "user-3"})
	dispatcher.Close()

	sender.AssertExpectations(t)
}

func TestDispatcher_DropsAfterClose(t *testing.T) {
	sender := new(MockSender)
	dispatcher := NewDispatcher(sender)
	dispatcher.Close()

	dispatcher.Dispatch(context.Background(), Message{Template: TemplateOrderPlaced, Recipient: "user-4"})

	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

type countingSender struct {
	started  atomic.Int64
	finished atomic.Int64
}

func (s *countingSender) Send(context.Context, Message) error {
	s.started.Add(1)
	time.Sleep(time.Millisecond)
	s.finished.Add(1)
	return nil
}

func TestDispatcher_CloseWaitsForEveryAcceptedMessage(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// Arrange
	sender := &countingSender{}
	dispatcher := NewDispatcher(sender)
	var producers sync.WaitGroup
	for i := 0; i < 16; i++ {
		producers.Add(1)
		go func() {
			defer producers.Done()
			for j := 0; j < 50; j++ {
				dispatcher.Dispatch(context.Background(), Message{Template: TemplateOrderPlaced, Recipient: "user-6"})
			}
		}()
	}

	// Act
	time.Sleep(2 * time.Millisecond)
	dispatcher.Close()
	atClose := sender.started.Load()

	// Assert
	assert.Equal(t, atClose, sender.finished.Load(), "a delivery was still running after Close returned")
	producers.Wait()
	assert.Equal(t, atClose, sender.started.Load(), "a delivery started after Close returned")
}

func TestHTTPSender_PostsMessage(t *testing.T) {
	var (
		mu       sync.Mutex
		received Message
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/notifications/send", r.URL.Path)
		mu.Lock()
		defer mu.Unlock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewHTTPSender(server.URL)
	err := sender.Send(context.Background(), Message{Template: TemplateOrderPlaced, Recipient: "user-5"})

	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, TemplateOrderPlaced, received.Template)
	assert.Equal(t, "user-5", received.Recipient)
}

func TestHTTPSender_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewHTTPSender(server.URL).Send(context.Background(), Message{Template: TemplateOrderPlaced})

	assert.ErrorContains(t, err, "502")
}

type fakeWriter struct {
	messages []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaSender_KeysByRecipient(t *testing.T) {
	writer := &fakeWriter{}
	sender := &KafkaSender{writer: writer}

	err := sender.Send(context.Background(), Message{Template: TemplateLowStockAlert, Recipient: "inventory-team"})

	require.NoError(t, err)
	require.Len(t, writer.messages, 1)
	assert.Equal(t, "inventory-team", string(writer.messages[0].Key))
	assert.Equal(t, "low_stock_alert", string(writer.messages[0].Headers[0].Value))
}

func TestBreakerSender_OpensAfterConsecutiveFailures(t *testing.T) {
	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.Anything).Return(errors.New("boom"))
	breaker := NewBreakerSender("test", sender)

	for i := 0; i < 5; i++ {
		err := breaker.Send(context.Background(), Message{})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	err := breaker.Send(context.Background(), Message{})

	assert.ErrorIs(t, err, ErrCircuitOpen)
	sender.AssertNumberOfCalls(t, "Send", 5)
}
