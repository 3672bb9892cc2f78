// Package rabbitmq implements the transport on top of the RabbitMQ AMQP 0-9-1
// client. Messages flow through a durable topic exchange routed by address;
// failed handlers are retried in-process with exponential backoff, and
// messages that exhaust their retry budget are republished verbatim to a
// fanout dead-letter exchange before being acknowledged.
package rabbitmq

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/beehub/beehub-go/logger"
	"github.com/beehub/beehub-go/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	exchangeName           = "bh.hub"
	deadLetterExchangeName = "bh.hub.dlx"
	deadLetterQueueName    = "bh.hub.dlq"

	queuePrefix = "bh."
)

// channel is a helper interface to work with amqp.Channel.
type channel interface {
	ExchangeDeclare(name string, kind string, durable bool, autoDelete bool, internal bool, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable bool, autoDelete bool, exclusive bool, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name string, key string, exchange string, noWait bool, args amqp.Table) error
	Consume(queue string, consumer string, autoAck bool, exclusive bool, noLocal bool, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange string, key string, mandatory bool, immediate bool, msg amqp.Publishing) error
	Close() error
}

type subscription struct {
	address string
	handler transport.Handler
}

// Transport publishes and consumes hub messages through RabbitMQ.
type Transport struct {
	channel channel
	retry   transport.RetryOptions
	logger  logger.Logger

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

// WithRetryOptions overrides the default redelivery policy.
func WithRetryOptions(r transport.RetryOptions) opt {
	return func(t *Transport) {
		t.retry = r
	}
}

func New(ch channel, options ...opt) *Transport {
	if ch == nil || reflect.ValueOf(ch).IsNil() {
		panic("channel is mandatory")
	}

	t := &Transport{
		channel: ch,
		retry:   transport.DefaultRetryOptions(),
		logger:  &logger.NopLogger{},
		stop:    make(chan struct{}),
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

// Publish routes the message through the hub exchange using the address as
// the routing key. Deliveries are persistent so they survive broker restarts.
func (t *Transport) Publish(ctx context.Context, address string, payload []byte, headers map[string]string) error {
	return t.publishTo(ctx, exchangeName, address, payload, headers)
}

func (t *Transport) publishTo(ctx context.Context, exchange string, address string, payload []byte, headers map[string]string) error {
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}

	return t.channel.PublishWithContext(ctx, exchange, address, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		MessageId:    headers[transport.HeaderMessageID],
		Timestamp:    time.Now().UTC(),
		Headers:      table,
		Body:         payload,
	})
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
	t.subs = append(t.subs, subscription{address: address, handler: handler})

	return nil
}

// Start declares the exchange topology and spawns one consume loop per
// subscription. Declarations are idempotent on the broker side.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}

	if err := t.declareTopology(); err != nil {
		return err
	}

	for _, sub := range t.subs {
		queueName := queuePrefix + sub.address
		if _, err := t.channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
			return fmt.Errorf("could not declare queue '%s': %w", queueName, err)
		}
		if err := t.channel.QueueBind(queueName, sub.address, exchangeName, false, nil); err != nil {
			return fmt.Errorf("could not bind queue '%s': %w", queueName, err)
		}
		deliveries, err := t.channel.Consume(queueName, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("could not consume from queue '%s': %w", queueName, err)
		}

		t.wg.Add(1)
		go t.consumeLoop(sub, deliveries, t.stop)
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

// Close stops the consume loops and closes the underlying channel.
func (t *Transport) Close() error {
	if err := t.Stop(); err != nil {
		return err
	}

	return t.channel.Close()
}

func (t *Transport) declareTopology() error {
	if err := t.channel.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("could not declare exchange '%s': %w", exchangeName, err)
	}
	if err := t.channel.ExchangeDeclare(deadLetterExchangeName, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("could not declare exchange '%s': %w", deadLetterExchangeName, err)
	}
	if _, err := t.channel.QueueDeclare(deadLetterQueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("could not declare queue '%s': %w", deadLetterQueueName, err)
	}
	if err := t.channel.QueueBind(deadLetterQueueName, "", deadLetterExchangeName, false, nil); err != nil {
		return fmt.Errorf("could not bind queue '%s': %w", deadLetterQueueName, err)
	}

	return nil
}

func (t *Transport) consumeLoop(sub subscription, deliveries <-chan amqp.Delivery, stop <-chan struct{}) {
	defer t.wg.Done()

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
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			t.deliver(ctx, sub, d)
		}
	}
}

// deliver invokes the handler with in-process redelivery. A message that
// exhausts the retry budget is republished verbatim to the dead-letter
// exchange before being acknowledged, so it is never lost and never loops
// back to the queue.
func (t *Transport) deliver(ctx context.Context, sub subscription, d amqp.Delivery) {
	headers := fromAmqpHeaders(d)

	var err error
	delay := t.retry.InitialDelay
	for attempt := 0; attempt <= t.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if serr := transport.Sleep(ctx, delay); serr != nil {
				return
			}
			delay = time.Duration(float64(delay) * t.retry.BackoffFactor)
		}
		if err = sub.handler(ctx, d.Body, headers); err == nil {
			break
		}
		t.logger.Warn(fmt.Sprintf("handler for '%s' failed (attempt %d): %v", sub.address, attempt+1, err))
	}

	if err != nil {
		if derr := t.publishTo(ctx, deadLetterExchangeName, sub.address, d.Body, headers); derr != nil {
			t.logger.Error(fmt.Sprintf("could not dead-letter a message from '%s'", sub.address), derr)
			if nerr := d.Nack(false, true); nerr != nil {
				t.logger.Error("a problem occurred nacking a message", nerr)
			}
			return
		}
		t.logger.Warn(fmt.Sprintf("a message from '%s' was dead-lettered", sub.address))
	}

	if aerr := d.Ack(false); aerr != nil {
		t.logger.Error("a problem occurred acknowledging a message", aerr)
	}
}

func fromAmqpHeaders(d amqp.Delivery) map[string]string {
	headers := make(map[string]string, len(d.Headers)+1)
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	if headers[transport.HeaderMessageID] == "" && d.MessageId != "" {
		headers[transport.HeaderMessageID] = d.MessageId
	}

	return headers
}
