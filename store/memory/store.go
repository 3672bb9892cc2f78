package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/beehub/beehub-go/inbox"
	"github.com/beehub/beehub-go/outbox"
	"github.com/google/uuid"
)

// Store is an in-memory implementation of the outbox and inbox stores. It is
// intended for tests and for pairing with the in-process transport; it has no
// transaction support, so Enlist behaves like Add.
type Store struct {
	mu        sync.Mutex
	outboxLog []*outbox.Message
	inboxLog  map[string]*inbox.Message
}

var _ outbox.Store = (*Store)(nil)
var _ inbox.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		inboxLog: make(map[string]*inbox.Message),
	}
}

func (s *Store) Enlist(ctx context.Context, m *outbox.Message) error {
	return s.Add(ctx, m)
}

func (s *Store) Add(_ context.Context, m *outbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *m
	s.outboxLog = append(s.outboxLog, &clone)

	return nil
}

// PendingBatch returns eligible messages oldest first; ties on AvailableAt
// keep arrival order thanks to the stable sort.
func (s *Store) PendingBatch(_ context.Context, limit int, now time.Time) ([]*outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*outbox.Message
	for _, m := range s.outboxLog {
		if m.Status == outbox.StatusPending && !m.AvailableAt.After(now) {
			eligible = append(eligible, m)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].AvailableAt.Before(eligible[j].AvailableAt)
	})
	if limit >= 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]*outbox.Message, len(eligible))
	for i, m := range eligible {
		clone := *m
		out[i] = &clone
	}

	return out, nil
}

func (s *Store) MarkSentBatch(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.byIds(ids) {
		m.Status = outbox.StatusSent
	}

	return nil
}

func (s *Store) IncrementAttemptBatch(_ context.Context, ids []uuid.UUID, now time.Time, backoff outbox.Backoff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.byIds(ids) {
		m.AvailableAt = now.Add(backoff.Delay(m.AttemptCount))
		m.AttemptCount++
		attemptedAt := now
		m.LastAttemptAt = &attemptedAt
	}

	return nil
}

func (s *Store) MarkDeadLetterBatch(_ context.Context, entries []outbox.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reasons := make(map[uuid.UUID]string, len(entries))
	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		reasons[e.Id] = e.Reason
		ids = append(ids, e.Id)
	}
	for _, m := range s.byIds(ids) {
		m.Status = outbox.StatusDeadLetter
		m.TransportMetadata = reasons[m.Id]
	}

	return nil
}

// Snapshot returns a copy of all outbox messages, for assertions.
func (s *Store) Snapshot() []*outbox.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*outbox.Message, len(s.outboxLog))
	for i, m := range s.outboxLog {
		clone := *m
		out[i] = &clone
	}

	return out
}

func (s *Store) TryMarkProcessed(_ context.Context, messageId string, handler string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inboxLog[messageId]; ok {
		return false, nil
	}

	now := time.Now().UTC()
	s.inboxLog[messageId] = &inbox.Message{
		Id:          uuid.New(),
		MessageId:   messageId,
		ReceivedAt:  now,
		ProcessedAt: &now,
		Handler:     handler,
		Status:      inbox.StatusProcessed,
	}

	return true, nil
}

func (s *Store) IsProcessed(_ context.Context, messageId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inboxLog[messageId]

	return ok, nil
}

func (s *Store) byIds(ids []uuid.UUID) []*outbox.Message {
	wanted := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var out []*outbox.Message
	for _, m := range s.outboxLog {
		if wanted[m.Id] {
			out = append(out, m)
		}
	}

	return out
}
