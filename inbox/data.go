package inbox

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an inbox record.
type Status string

const (
	StatusReceived  Status = "Received"
	StatusProcessed Status = "Processed"
)

// Message is the dedup record kept for a consumed external message. At most
// one record exists per external message identifier; the record is never
// mutated after being marked Processed.
type Message struct {
	Id          uuid.UUID
	MessageId   string // external identifier supplied by the producer
	MessageType string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
	Handler     string // name of the consumer that claimed the message
	Status      Status
}
