package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an outbox message. Transitions are
// strictly forward: Pending -> Sent or Pending -> DeadLetter, never back.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusSent       Status = "Sent"
	StatusDeadLetter Status = "DeadLetter"
)

// IsTerminal reports whether the status admits no further transition.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusDeadLetter
}

// CanTransitionTo reports whether a transition from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusPending && next.IsTerminal()
}

// Message is a unit of pending outbound work, persisted in the same
// transaction as the business mutation that produced it.
type Message struct {
	Id                uuid.UUID
	MessageType       string            // logical type name, default transport address
	Payload           []byte            // opaque serialized bytes, immutable once created
	Headers           map[string]string // metadata serialized alongside the payload
	CreatedAt         time.Time
	AvailableAt       time.Time // earliest dispatch eligibility
	AttemptCount      int
	LastAttemptAt     *time.Time
	Status            Status
	TransportMetadata string // set on terminal transitions
}

// NewMessage builds a pending message that is immediately eligible for
// dispatch.
func NewMessage(messageType string, payload []byte, headers map[string]string) *Message {
	if headers == nil {
		headers = map[string]string{}
	}
	now := time.Now().UTC()

	return &Message{
		Id:          uuid.New(),
		MessageType: messageType,
		Payload:     payload,
		Headers:     headers,
		CreatedAt:   now,
		AvailableAt: now,
		Status:      StatusPending,
	}
}
