package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultTopic is the topic instance events are written to.
const DefaultTopic = "instance-events"

// ErrQueueFull is returned when the publisher's buffer is saturated.
var ErrQueueFull = errors.New("events: kafka queue full, event dropped")

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaPublisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
}

// KafkaPublisher writes events to Kafka from a small worker pool. Publish
// only enqueues; events are keyed by instance id so one instance's events
// stay ordered within a partition.
type KafkaPublisher struct {
	writer   messageWriter
	brokers  []string
	topic    string
	timeout  time.Duration
	queue    chan Event
	shutdown chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
	once     sync.Once
}

// NewKafkaPublisher creates a publisher and starts its workers.
func NewKafkaPublisher(cfg KafkaConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("events: at least one kafka broker is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaPublisher(writer, cfg, logger), nil
}

func newKafkaPublisher(w messageWriter, cfg KafkaConfig, logger *slog.Logger) *KafkaPublisher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &KafkaPublisher{
		writer:   w,
		brokers:  cfg.Brokers,
		topic:    cfg.Topic,
		timeout:  cfg.WriteTimeout,
		queue:    make(chan Event, cfg.QueueSize),
		shutdown: make(chan struct{}),
		logger:   logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Publish enqueues ev without blocking.
func (p *KafkaPublisher) Publish(_ context.Context, ev Event) error {
	select {
	case <-p.shutdown:
		return errors.New("events: kafka publisher closed")
	default:
	}
	select {
	case p.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *KafkaPublisher) worker() {
	defer p.wg.Done()
	for {
		select {
		case ev := <-p.queue:
			p.write(ev)
		case <-p.shutdown:
			// Drain what is already queued.
			for {
				select {
				case ev := <-p.queue:
					p.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *KafkaPublisher) write(ev Event) {
	msg, err := encode(ev)
	if err != nil {
		p.logger.Error("encode instance event", "instance_id", ev.InstanceID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("write instance event to kafka",
			"topic", p.topic, "instance_id", ev.InstanceID, "error", err)
	}
}

func encode(ev Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.InstanceID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "account_id", Value: []byte(ev.AccountID)},
		},
		Time: ev.Timestamp,
	}, nil
}

// Ping dials the brokers until one answers. Used as a health check.
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	if len(p.brokers) == 0 {
		return errors.New("events: no kafka brokers configured")
	}
	var lastErr error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("events: no kafka broker reachable: %w", lastErr)
}

// Close stops the workers after draining the queue and closes the writer.
func (p *KafkaPublisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.shutdown)
		p.wg.Wait()
		err = p.writer.Close()
	})
	return err
}
