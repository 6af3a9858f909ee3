// Package events publishes committed stock movements to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/odyssey-erp/stockledger/internal/inventory"
)

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MovementEvent is the payload written for every committed ledger entry.
type MovementEvent struct {
	MovementID    int64     `json:"movement_id"`
	InventoryID   int64     `json:"inventory_id"`
	Type          string    `json:"type"`
	Quantity      int       `json:"quantity"`
	SerialNumbers []string  `json:"serial_numbers"`
	Reason        string    `json:"reason"`
	RefModule     string    `json:"ref_module"`
	RefID         string    `json:"ref_id,omitempty"`
	BalanceAfter  int       `json:"balance_after"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher forwards committed movements to a topic. Messages are queued and
// written by a background goroutine, so a slow or unreachable broker never
// delays the request that committed them. Failures and overflow are logged.
type Publisher struct {
	writer  messageWriter
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan []kafka.Message
	done   chan struct{}
}

const defaultQueueSize = 256

// NewKafkaWriter builds a writer for the movement topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
		RequiredAcks: kafka.RequireOne,
	}
}

// NewPublisher wraps writer and starts its delivery goroutine. A nil writer
// yields a no-op publisher.
func NewPublisher(writer messageWriter, logger *slog.Logger) *Publisher {
	return newPublisher(writer, logger, defaultQueueSize)
}

func newPublisher(writer messageWriter, logger *slog.Logger, queueSize int) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		writer:  writer,
		logger:  logger,
		timeout: 5 * time.Second,
		queue:   make(chan []kafka.Message, queueSize),
		done:    make(chan struct{}),
	}
	if writer == nil {
		close(p.done)
		return p
	}
	go p.run()
	return p
}

// MovementsCommitted implements inventory.MovementObserver. It never blocks.
func (p *Publisher) MovementsCommitted(ctx context.Context, movements []inventory.Movement) {
	if p == nil || p.writer == nil || len(movements) == 0 {
		return
	}
	msgs, err := buildMessages(ctx, movements)
	if err != nil {
		p.logger.Error("encode movement events", slog.Any("error", err))
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- msgs:
	default:
		p.logger.Error("movement event queue full, dropping events",
			slog.Int("count", len(msgs)),
			slog.Int64("first_movement_id", movements[0].ID))
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for msgs := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
			p.logger.Error("publish movement events", slog.Int("count", len(msgs)), slog.Any("error", err))
		}
		cancel()
	}
}

// Close drains queued events and closes the underlying writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
	return p.writer.Close()
}

func buildMessages(ctx context.Context, movements []inventory.Movement) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(movements))
	for _, mv := range movements {
		payload, err := json.Marshal(MovementEvent{
			MovementID:    mv.ID,
			InventoryID:   mv.InventoryID,
			Type:          string(mv.Type),
			Quantity:      mv.Quantity,
			SerialNumbers: mv.SerialNumbers,
			Reason:        mv.Reason,
			RefModule:     mv.RefModule,
			RefID:         mv.RefID,
			BalanceAfter:  mv.BalanceAfter,
			Timestamp:     mv.Timestamp,
		})
		if err != nil {
			return nil, fmt.Errorf("events: movement %d: %w", mv.ID, err)
		}
		msg := kafka.Message{
			Key:   []byte(strconv.FormatInt(mv.InventoryID, 10)),
			Value: payload,
		}
		otel.GetTextMapPropagator().Inject(ctx, headerCarrier{msg: &msg})
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// headerCarrier exposes kafka headers to the otel propagator.
type headerCarrier struct {
	msg *kafka.Message
}

var _ propagation.TextMapCarrier = headerCarrier{}

func (c headerCarrier) Get(key string) string {
	for _, h := range c.msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range c.msg.Headers {
		if h.Key == key {
			c.msg.Headers[i].Value = []byte(value)
			return
		}
	}
	c.msg.Headers = append(c.msg.Headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.msg.Headers))
	for _, h := range c.msg.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}
