package hub

import (
	"context"

	"github.com/beehub/beehub-go/logger"
	"github.com/beehub/beehub-go/serializer"
	"github.com/beehub/beehub-go/transport"
	"github.com/google/uuid"
)

// Client is a thin facade composing a Serializer and a Transport to expose
// publish/send to application code. Publish is fire-and-forget with respect
// to final delivery: permanently failed messages surface on the dead-letter
// address, never as errors to the publisher.
type Client struct {
	transport  transport.Transport
	serializer serializer.Serializer
	logger     logger.Logger
}

// opt allows optional configuration.
type opt func(c *Client)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Client over the given transport. A nil serializer defaults
// to the JSON implementation.
func New(tr transport.Transport, s serializer.Serializer, options ...opt) *Client {
	if tr == nil {
		panic("transport is mandatory")
	}
	if s == nil {
		s = &serializer.JSON{}
	}

	c := &Client{
		transport:  tr,
		serializer: s,
		logger:     &logger.NopLogger{},
	}
	for _, o := range options {
		o(c)
	}

	if l, ok := tr.(logger.Loggable); ok {
		l.SetLogger(c.logger)
	}

	return c
}

// Publish serializes msg and publishes it to the address derived from its
// type name.
func (c *Client) Publish(ctx context.Context, msg any, headers map[string]string) error {
	return c.Send(ctx, serializer.TypeName(msg), msg, headers)
}

// Send serializes msg and publishes it to an explicit destination. A message
// id header is generated when the caller did not provide one, so consumers
// can deduplicate redeliveries.
func (c *Client) Send(ctx context.Context, destination string, msg any, headers map[string]string) error {
	data, err := c.serializer.Serialize(msg)
	if err != nil {
		return err
	}

	h := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		h[k] = v
	}
	if h[transport.HeaderMessageID] == "" {
		h[transport.HeaderMessageID] = uuid.NewString()
	}

	return c.transport.Publish(ctx, destination, data, h)
}

func (c *Client) Start() error {
	return c.transport.Start()
}

func (c *Client) Stop() error {
	return c.transport.Stop()
}

func (c *Client) Close() error {
	return c.transport.Close()
}

// Subscribe registers a typed handler at the address derived from T's type
// name. The payload is deserialized before the handler is invoked; a
// deserialization failure is returned to the transport, which applies its
// redelivery strategy.
func Subscribe[T any](c *Client, handler func(ctx context.Context, msg T, mc MessageContext) error) error {
	var zero T

	return SubscribeAt(c, serializer.TypeName(zero), handler)
}

// SubscribeAt registers a typed handler at an explicit address.
func SubscribeAt[T any](c *Client, address string, handler func(ctx context.Context, msg T, mc MessageContext) error) error {
	if handler == nil {
		panic("handler is mandatory")
	}

	return c.transport.Subscribe(address, func(ctx context.Context, payload []byte, headers map[string]string) error {
		var msg T
		if err := c.serializer.Deserialize(payload, &msg); err != nil {
			return err
		}

		return handler(ctx, msg, NewMessageContext(headers))
	})
}
