package test

import (
	"context"
	"sync"

	"github.com/beehub/beehub-go/transport"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	tally "github.com/uber-go/tally/v4"
)

type MockedTallyCounter struct {
	Ctr    int64
	Output chan int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.Ctr += delta
	c.Output <- c.Ctr
}

type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, internal chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg

	// send a predefined delivery report to the delivery channel.
	internal <- p.MockedReportToSend

	return p.RetVal
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// MockedTransport records every publish and can fail selectively through
// the PublishErr function.
type MockedTransport struct {
	mu         sync.Mutex
	Published  []MockedPublish
	PublishErr func(address string) error
}

type MockedPublish struct {
	Address string
	Payload []byte
	Headers map[string]string
}

var _ transport.Transport = (*MockedTransport)(nil)

func (t *MockedTransport) Start() error { return nil }
func (t *MockedTransport) Stop() error  { return nil }
func (t *MockedTransport) Close() error { return nil }

func (t *MockedTransport) Publish(_ context.Context, address string, payload []byte, headers map[string]string) error {
	if t.PublishErr != nil {
		if err := t.PublishErr(address); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Published = append(t.Published, MockedPublish{Address: address, Payload: payload, Headers: headers})

	return nil
}

func (t *MockedTransport) Subscribe(_ string, _ transport.Handler) error { return nil }

// PublishedTo returns the publishes recorded for an address.
func (t *MockedTransport) PublishedTo(address string) []MockedPublish {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []MockedPublish
	for _, p := range t.Published {
		if p.Address == address {
			out = append(out, p)
		}
	}

	return out
}
