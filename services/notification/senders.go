package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker/v2"
)

// HTTPSender posts messages to the email service.
type HTTPSender struct {
	client  *resty.Client
	baseURL string
}

// NewHTTPSender cria um sender HTTP para o serviço de e-mail
func NewHTTPSender(baseURL string) *HTTPSender {
	client := resty.New().
		SetTimeout(defaultSendTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	return &HTTPSender{client: client, baseURL: baseURL}
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(msg).
		Post(s.baseURL + "/api/notifications/send")
	if err != nil {
		return fmt.Errorf("failed to call email service: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("email service returned status %d", resp.StatusCode())
	}
	return nil
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSender publishes messages to a topic consumed by the email workers.
type KafkaSender struct {
	writer kafkaWriter
}

// NewKafkaSender cria um sender que publica no tópico informado
func NewKafkaSender(topic string, brokers ...string) *KafkaSender {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaSender{writer: w}
}

func (s *KafkaSender) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Recipient),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "template", Value: []byte(msg.Template)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

func (s *KafkaSender) Close() error {
	return s.writer.Close()
}

// ErrCircuitOpen is returned while the breaker rejects sends.
var ErrCircuitOpen = errors.New("notification circuit open")

// BreakerSender stops hammering a failing collaborator.
type BreakerSender struct {
	next    Sender
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerSender envolve o sender com um circuit breaker
func NewBreakerSender(name string, next Sender) *BreakerSender {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &BreakerSender{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[struct{}](settings),
	}
}

func (s *BreakerSender) Send(ctx context.Context, msg Message) error {
	_, err := s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, s.next.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	return err
}
