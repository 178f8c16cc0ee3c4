package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/trailcrew/fieldsync/internal/models"
	"github.com/trailcrew/fieldsync/pkg/infra"
)

const eventExchange = "fieldsync.events"

// AMQPSubmitter delivers events to a broker-fronted backend ingest.
// Publisher confirms are enabled so a nil Submit means the broker persisted
// the message, which is the acknowledgment the outbox needs before deleting
// an entry. A lost connection flips the submitter unhealthy and a background
// loop redials with exponential backoff until the broker comes back
type AMQPSubmitter struct {
	url    string
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	closeOnce sync.Once
	healthy   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewAMQPSubmitter initializes a connection and a channel, enabling Publisher Confirms by default
func NewAMQPSubmitter(url string, l *slog.Logger) (*AMQPSubmitter, error) {
	conn, ch, closed, err := dialBroker(url)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &AMQPSubmitter{
		url:     url,
		logger:  l,
		conn:    conn,
		channel: ch,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.healthy.Store(true)

	s.wg.Add(1)
	go s.monitor(closed)

	l.Info("Connected to broker and monitor established", "url", url)
	return s, nil
}

// dialBroker opens a confirmed channel on a fresh connection and declares the
// event exchange. The returned channel fires once when either the connection
// or the channel closes
func dialBroker(url string) (*amqp.Connection, *amqp.Channel, chan *amqp.Error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to broker: %v", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("failed to open broker channel: %v", err)
	}

	if err := ch.ExchangeDeclare(
		eventExchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, nil, fmt.Errorf("failed to declare topic exchange: %v", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, nil, fmt.Errorf("failed to activate Publisher Confirms: %v", err)
	}

	closed := make(chan *amqp.Error, 2)
	conn.NotifyClose(closed)
	ch.NotifyClose(closed)
	return conn, ch, closed, nil
}

// monitor waits for the connection to drop, then redials until it succeeds
// or the submitter is closed
func (s *AMQPSubmitter) monitor(closed chan *amqp.Error) {
	defer s.wg.Done()

	select {
	case <-s.ctx.Done():
		return
	case err := <-closed:
		s.healthy.Store(false)
		s.logger.Warn("Broker connection lost", "error", err)
	}

	backoff := infra.NewBackoff(1*time.Second, 30*time.Second, 2)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff.Next()):
		}

		conn, ch, nextClosed, err := dialBroker(s.url)
		if err != nil {
			s.logger.Warn("Broker reconnect failed", "attempt", backoff.Attempts(), "error", err)
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.channel = ch
		s.mu.Unlock()
		s.healthy.Store(true)
		s.logger.Info("Broker connection restored", "attempts", backoff.Attempts())

		s.wg.Add(1)
		go s.monitor(nextClosed)
		return
	}
}

// Submit publishes the event and blocks until a confirmation (ACK/NACK) is received
func (s *AMQPSubmitter) Submit(ctx context.Context, event models.DomainEvent) error {
	if !s.IsHealthy() {
		return submitErr(ErrorNetwork, fmt.Errorf("broker connection is closed"))
	}

	body, err := json.Marshal(event)
	if err != nil {
		return submitErr(ErrorSerialization, err)
	}

	s.mu.RLock()
	ch := s.channel
	s.mu.RUnlock()

	routingKey := fmt.Sprintf("fieldsync.event.%s", event.Kind)
	l := s.logger.With("event_id", event.ID, "routing_key", routingKey)

	deferred, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		eventExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			Headers: amqp.Table{
				"event_id": event.ID.String(),
			},
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		l.Error("failed to publish event to exchange", "error", err)
		return submitErr(ErrorNetwork, fmt.Errorf("publish call failed: %v", err))
	}

	select {
	case <-ctx.Done():
		return submitErr(ErrorNetwork, ctx.Err())
	case <-deferred.Done():
		if !deferred.Acked() {
			return submitErr(ErrorServer, fmt.Errorf("broker NACK received: event not persisted"))
		}
		return nil
	case <-time.After(10 * time.Second):
		return submitErr(ErrorNetwork, fmt.Errorf("publisher confirm timeout"))
	}
}

// Close gracefully shuts down the broker resources
func (s *AMQPSubmitter) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Info("Terminating broker submitter")
		s.cancel()
		s.wg.Wait()

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.channel != nil {
			s.channel.Close()
		}
		if s.conn != nil {
			s.conn.Close()
		}
	})
	return nil
}

// IsHealthy returns true if the connection and channel are active
func (s *AMQPSubmitter) IsHealthy() bool {
	return s.healthy.Load()
}
