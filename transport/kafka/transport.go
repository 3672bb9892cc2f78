// Package kafka implements the transport on top of the Confluent Kafka
// client. Every address maps to a kebab-case topic; redelivery of failed
// handlers is attempted in-process with exponential backoff, and messages
// that exhaust their retry budget are republished verbatim to the address's
// dead-letter topic before the offset is committed.
package kafka

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/beehub/beehub-go/logger"
	"github.com/beehub/beehub-go/transport"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/iancoleman/strcase"
)

const (
	topicPrefix     = "bh"
	deadLetterAffix = "dlq"

	readTimeout = 100 * time.Millisecond
)

// producer is a helper interface to work with kafka.Producer.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

// consumer is a helper interface to work with kafka.Consumer.
type consumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Close() error
}

// ConsumerFactory builds one consumer per subscription so every handler gets
// its own consumer group session.
type ConsumerFactory func() (*kafka.Consumer, error)

type subscription struct {
	address string
	handler transport.Handler
}

// Transport publishes and consumes hub messages through Kafka. Without a
// consumer factory the transport is publish-only, which is all the outbox
// dispatcher needs.
type Transport struct {
	producer    producer
	newConsumer func() (consumer, error)
	retry       transport.RetryOptions
	logger      logger.Logger

	mu      sync.Mutex
	subs    []subscription
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)
var _ logger.Loggable = (*Transport)(nil)

// opt allows optional configuration.
type opt func(t *Transport)

// WithConsumerFactory enables the consuming side of the transport.
func WithConsumerFactory(f ConsumerFactory) opt {
	return func(t *Transport) {
		if f != nil {
			t.newConsumer = func() (consumer, error) {
				return f()
			}
		}
	}
}

// WithRetryOptions overrides the default redelivery policy.
func WithRetryOptions(r transport.RetryOptions) opt {
	return func(t *Transport) {
		t.retry = r
	}
}

func New(p producer, options ...opt) *Transport {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("producer is mandatory")
	}

	t := &Transport{
		producer: p,
		retry:    transport.DefaultRetryOptions(),
		logger:   &logger.NopLogger{},
		stop:     make(chan struct{}),
	}
	for _, o := range options {
		o(t)
	}
	transport.ValidateRetryOptions(&t.retry)

	return t
}

// SetLogger sets an optional logger.
func (t *Transport) SetLogger(l logger.Logger) {
	t.logger = l
}

// Publish produces the message to the address's topic and waits for the
// delivery report, so a nil return means the broker acknowledged the write.
func (t *Transport) Publish(ctx context.Context, address string, payload []byte, headers map[string]string) error {
	return t.produce(ctx, buildTopicName(address), payload, headers)
}

func (t *Transport) produce(ctx context.Context, topic string, payload []byte, headers map[string]string) error {
	var internal = make(chan kafka.Event, 1)

	err := t.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(headers[transport.HeaderMessageID]),
		Value:          payload,
		Headers:        toKafkaHeaders(headers),
	}, internal)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-internal:
			switch m := ev.(type) {
			case *kafka.Message:
				return m.TopicPartition.Error
			default:
				t.logger.Debug(fmt.Sprintf("Ignored event: %s", ev))
			}
		}
	}
}

// Subscribe registers a handler for an address. Subscriptions must be in
// place before Start.
func (t *Transport) Subscribe(address string, handler transport.Handler) error {
	if handler == nil {
		panic("handler is mandatory")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("cannot subscribe to '%s': transport already started", address)
	}
	if t.newConsumer == nil {
		return fmt.Errorf("cannot subscribe to '%s': transport is publish-only", address)
	}
	t.subs = append(t.subs, subscription{address: address, handler: handler})

	return nil
}

// Start spawns one consume loop per subscription.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}

	for _, sub := range t.subs {
		c, err := t.newConsumer()
		if err != nil {
			return fmt.Errorf("could not create a consumer for '%s': %w", sub.address, err)
		}
		topic := buildTopicName(sub.address)
		if err := c.SubscribeTopics([]string{topic}, nil); err != nil {
			c.Close() //nolint:all
			return fmt.Errorf("could not subscribe to topic '%s': %w", topic, err)
		}

		t.wg.Add(1)
		go t.consumeLoop(c, sub, t.stop)
	}
	t.started = true

	return nil
}

// Stop terminates the consume loops and waits for in-flight handlers.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	close(t.stop)
	t.mu.Unlock()

	t.wg.Wait()
	t.stop = make(chan struct{})

	return nil
}

func (t *Transport) Close() error {
	return t.Stop()
}

func (t *Transport) consumeLoop(c consumer, sub subscription, stop <-chan struct{}) {
	defer t.wg.Done()
	defer c.Close() //nolint:all

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}

		msg, err := c.ReadMessage(readTimeout)
		if err != nil {
			if kerr, ok := err.(kafka.Error); ok && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			t.logger.Error("a problem occurred reading messages", err)
			continue
		}

		t.deliver(ctx, c, sub, msg)
	}
}

// deliver invokes the handler with in-process redelivery. A message that
// exhausts the retry budget is republished verbatim to the dead-letter topic
// before its offset is committed, so it is never lost and never blocks the
// partition.
func (t *Transport) deliver(ctx context.Context, c consumer, sub subscription, msg *kafka.Message) {
	headers := fromKafkaHeaders(msg.Headers)

	var err error
	delay := t.retry.InitialDelay
	for attempt := 0; attempt <= t.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if serr := transport.Sleep(ctx, delay); serr != nil {
				return
			}
			delay = time.Duration(float64(delay) * t.retry.BackoffFactor)
		}
		if err = sub.handler(ctx, msg.Value, headers); err == nil {
			break
		}
		t.logger.Warn(fmt.Sprintf("handler for '%s' failed (attempt %d): %v", sub.address, attempt+1, err))
	}

	if err != nil {
		dlq := deadLetterTopicName(sub.address)
		if derr := t.produce(ctx, dlq, msg.Value, headers); derr != nil {
			t.logger.Error(fmt.Sprintf("could not dead-letter a message from '%s'", sub.address), derr)
			return
		}
		t.logger.Warn(fmt.Sprintf("a message from '%s' was dead-lettered to '%s'", sub.address, dlq))
	}

	if _, cerr := c.CommitMessage(msg); cerr != nil {
		t.logger.Error("a problem occurred committing an offset", cerr)
	}
}

// buildTopicName builds a topic name from an address (e.g. if
// address="orderPlaced" then the topic name is "bh-order-placed").
func buildTopicName(address string) string {
	address = strings.ReplaceAll(address, "/", ".")

	return fmt.Sprintf("%s-%s", topicPrefix, strcase.ToKebab(address))
}

func deadLetterTopicName(address string) string {
	return fmt.Sprintf("%s-%s", buildTopicName(address), deadLetterAffix)
}

func toKafkaHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	hs := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		hs = append(hs, kafka.Header{Key: k, Value: []byte(v)})
	}

	return hs
}

func fromKafkaHeaders(headers []kafka.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	hs := make(map[string]string, len(headers))
	for _, h := range headers {
		hs[h.Key] = string(h.Value)
	}

	return hs
}
