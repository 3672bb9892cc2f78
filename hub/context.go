package hub

import "github.com/beehub/beehub-go/transport"

// MessageContext carries the delivery metadata handed to consumer-side
// handlers.
type MessageContext struct {
	Headers map[string]string
}

func NewMessageContext(headers map[string]string) MessageContext {
	if headers == nil {
		headers = map[string]string{}
	}

	return MessageContext{Headers: headers}
}

// MessageID returns the producer-assigned message identifier, or the empty
// string when the producer did not set one.
func (c MessageContext) MessageID() string {
	return c.Headers[transport.HeaderMessageID]
}
