package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// MemoryStore is an in-memory CallStore useful for tests and single-process demos.
// It follows the same terminal-state rules as SQLStore.
type MemoryStore struct {
	mu       sync.Mutex
	calls    map[domain.CallID]domain.CallRecord
	profiles map[domain.UserID]domain.Profile
	applied  map[domain.CallID][]domain.CallStatus
	notify   notifier
	failNext map[string]error
}

func NewMemoryStore(t core.Transport) *MemoryStore {
	return &MemoryStore{
		calls:    make(map[domain.CallID]domain.CallRecord),
		profiles: make(map[domain.UserID]domain.Profile),
		applied:  make(map[domain.CallID][]domain.CallStatus),
		notify:   notifier{t: t},
		failNext: make(map[string]error),
	}
}

// WithTransport returns a view of the same data that publishes through t.
// Each participant process owns its own transport client.
func (s *MemoryStore) WithTransport(t core.Transport) core.CallStore {
	return &memoryView{s: s, n: notifier{t: t}}
}

// FailNext makes the next call of op ("create", "update", "profile") return err.
func (s *MemoryStore) FailNext(op string, err error) {
	s.mu.Lock()
	s.failNext[op] = err
	s.mu.Unlock()
}

// Applied returns the statuses written to a record, in order, skipping no-op writes.
func (s *MemoryStore) Applied(id domain.CallID) []domain.CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.CallStatus(nil), s.applied[id]...)
}

func (s *MemoryStore) takeFailure(op string) error {
	err, ok := s.failNext[op]
	if ok {
		delete(s.failNext, op)
	}
	return err
}

func (s *MemoryStore) CreateCall(ctx context.Context, caller, callee domain.UserID) (domain.CallRecord, error) {
	return s.createCall(ctx, s.notify, caller, callee)
}

func (s *MemoryStore) createCall(ctx context.Context, n notifier, caller, callee domain.UserID) (domain.CallRecord, error) {
	if !caller.Valid() || !callee.Valid() {
		return domain.CallRecord{}, domain.ErrUserIDInvalid
	}
	s.mu.Lock()
	if err := s.takeFailure("create"); err != nil {
		s.mu.Unlock()
		return domain.CallRecord{}, err
	}
	rec := domain.CallRecord{
		ID:        domain.NewCallID(),
		CallerID:  caller,
		CalleeID:  callee,
		Status:    domain.StatusInitiated,
		CreatedAt: time.Now().UTC(),
	}
	s.calls[rec.ID] = rec
	s.mu.Unlock()

	n.inserted(ctx, rec)
	return rec, nil
}

func (s *MemoryStore) UpdateCallStatus(ctx context.Context, id domain.CallID, status domain.CallStatus, endedAt *time.Time) error {
	return s.updateCallStatus(ctx, s.notify, id, status, endedAt)
}

func (s *MemoryStore) updateCallStatus(ctx context.Context, n notifier, id domain.CallID, status domain.CallStatus, endedAt *time.Time) error {
	if !status.Valid() || status == domain.StatusInitiated {
		return fmt.Errorf("invalid status transition to %q", status)
	}
	s.mu.Lock()
	if err := s.takeFailure("update"); err != nil {
		s.mu.Unlock()
		return err
	}
	rec, ok := s.calls[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("call %s: %w", id, core.ErrNotFound)
	}
	if rec.Ended() {
		s.mu.Unlock()
		if status.Terminal() {
			return nil
		}
		return core.ErrCallEnded
	}
	rec.Status = status
	if status.Terminal() {
		end := time.Now().UTC()
		if endedAt != nil {
			end = endedAt.UTC()
		}
		rec.EndedAt = &end
	}
	s.calls[id] = rec
	s.applied[id] = append(s.applied[id], status)
	s.mu.Unlock()

	n.updated(ctx, rec)
	return nil
}

func (s *MemoryStore) GetCall(_ context.Context, id domain.CallID) (domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[id]
	if !ok {
		return domain.CallRecord{}, fmt.Errorf("call %s: %w", id, core.ErrNotFound)
	}
	return rec, nil
}

func (s *MemoryStore) GetProfile(_ context.Context, id domain.UserID) (domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("profile"); err != nil {
		return domain.Profile{}, err
	}
	p, ok := s.profiles[id]
	if !ok {
		return domain.Profile{}, fmt.Errorf("profile %s: %w", id, core.ErrNotFound)
	}
	return p, nil
}

func (s *MemoryStore) PutProfile(_ context.Context, p domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p
	return nil
}

// Calls returns every record, for assertions.
func (s *MemoryStore) Calls() []domain.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CallRecord, 0, len(s.calls))
	for _, r := range s.calls {
		out = append(out, r)
	}
	return out
}

type memoryView struct {
	s *MemoryStore
	n notifier
}

func (v *memoryView) CreateCall(ctx context.Context, caller, callee domain.UserID) (domain.CallRecord, error) {
	return v.s.createCall(ctx, v.n, caller, callee)
}

func (v *memoryView) UpdateCallStatus(ctx context.Context, id domain.CallID, status domain.CallStatus, endedAt *time.Time) error {
	return v.s.updateCallStatus(ctx, v.n, id, status, endedAt)
}

func (v *memoryView) GetCall(ctx context.Context, id domain.CallID) (domain.CallRecord, error) {
	return v.s.GetCall(ctx, id)
}

func (v *memoryView) GetProfile(ctx context.Context, id domain.UserID) (domain.Profile, error) {
	return v.s.GetProfile(ctx, id)
}

func (v *memoryView) PutProfile(ctx context.Context, p domain.Profile) error {
	return v.s.PutProfile(ctx, p)
}
