package hub_test

import (
	"context"
	"testing"
	"time"

	"github.com/beehub/beehub-go/hub"
	"github.com/beehub/beehub-go/logger"
	"github.com/beehub/beehub-go/serializer"
	"github.com/beehub/beehub-go/test"
	"github.com/beehub/beehub-go/transport"
	"github.com/beehub/beehub-go/transport/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPlaced struct {
	OrderId string `json:"orderId"`
	Total   int    `json:"total"`
}

func TestNewClient(t *testing.T) {
	assert.Panics(t, func() {
		hub.New(nil, &serializer.JSON{})
	})
	assert.NotPanics(t, func() {
		// A nil serializer falls back to JSON.
		hub.New(&test.MockedTransport{}, nil, hub.WithLogger(&logger.NopLogger{}))
	})
}

func TestPublishAddressesByTypeName(t *testing.T) {
	tr := &test.MockedTransport{}
	c := hub.New(tr, &serializer.JSON{})

	require.NoError(t, c.Publish(context.Background(), orderPlaced{OrderId: "1", Total: 42}, nil))

	require.Len(t, tr.Published, 1)
	p := tr.Published[0]
	assert.Equal(t, serializer.TypeName(orderPlaced{}), p.Address)
	assert.JSONEq(t, `{"orderId":"1","total":42}`, string(p.Payload))
}

func TestSendGeneratesMessageId(t *testing.T) {
	tr := &test.MockedTransport{}
	c := hub.New(tr, nil)
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, "orders", orderPlaced{OrderId: "1"}, nil))
	require.NoError(t, c.Send(ctx, "orders", orderPlaced{OrderId: "2"}, map[string]string{
		transport.HeaderMessageID: "explicit-id",
		"k":                       "v",
	}))

	published := tr.PublishedTo("orders")
	require.Len(t, published, 2)

	// A generated id must be a valid UUID; an explicit one is kept.
	_, err := uuid.Parse(published[0].Headers[transport.HeaderMessageID])
	assert.NoError(t, err)
	assert.Equal(t, "explicit-id", published[1].Headers[transport.HeaderMessageID])
	assert.Equal(t, "v", published[1].Headers["k"])
}

func TestSendSerializationFailure(t *testing.T) {
	tr := &test.MockedTransport{}
	c := hub.New(tr, nil)

	err := c.Send(context.Background(), "orders", func() {}, nil)
	assert.Error(t, err)
	assert.Empty(t, tr.Published)
}

func TestSubscribeRoundTrip(t *testing.T) {
	tr := memory.New()
	c := hub.New(tr, &serializer.JSON{})

	require.NoError(t, c.Start())
	defer c.Close() //nolint:all

	received := make(chan orderPlaced, 1)
	contexts := make(chan hub.MessageContext, 1)
	err := hub.Subscribe(c, func(_ context.Context, msg orderPlaced, mc hub.MessageContext) error {
		received <- msg
		contexts <- mc
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, c.Publish(context.Background(), orderPlaced{OrderId: "1", Total: 42}, nil))

	select {
	case got := <-received:
		assert.Equal(t, orderPlaced{OrderId: "1", Total: 42}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("the subscriber was never invoked")
	}

	mc := <-contexts
	assert.NotEmpty(t, mc.MessageID())
}

func TestSubscribeAtExplicitAddress(t *testing.T) {
	tr := memory.New()
	c := hub.New(tr, nil)

	require.NoError(t, c.Start())
	defer c.Close() //nolint:all

	received := make(chan orderPlaced, 1)
	err := hub.SubscribeAt(c, "orders", func(_ context.Context, msg orderPlaced, _ hub.MessageContext) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, c.Send(context.Background(), "orders", orderPlaced{OrderId: "7"}, nil))

	select {
	case got := <-received:
		assert.Equal(t, "7", got.OrderId)
	case <-time.After(5 * time.Second):
		t.Fatal("the subscriber was never invoked")
	}
}

func TestSubscribeNilHandlerPanics(t *testing.T) {
	c := hub.New(&test.MockedTransport{}, nil)
	assert.Panics(t, func() {
		hub.SubscribeAt[orderPlaced](c, "orders", nil)
	})
}
