package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/peercall/internal/adapters/pubsub"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T, tr core.Transport) *SQLStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "calls.db")
	s, err := Open(context.Background(), Config{Driver: DriverSQLite, DSN: dsn}, tr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStoreTerminalInvariant(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t, nil)

	rec, err := s.CreateCall(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInitiated, rec.Status)
	assert.Nil(t, rec.EndedAt)

	require.NoError(t, s.UpdateCallStatus(ctx, rec.ID, domain.StatusAnswered, nil))

	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.UpdateCallStatus(ctx, rec.ID, domain.StatusFinished, &first))

	later := first.Add(time.Minute)
	require.NoError(t, s.UpdateCallStatus(ctx, rec.ID, domain.StatusDeclined, &later))
	assert.ErrorIs(t, s.UpdateCallStatus(ctx, rec.ID, domain.StatusAnswered, nil), core.ErrCallEnded)

	got, err := s.GetCall(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, got.Status)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(first))
}

func TestSQLStoreNotFoundAndValidation(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t, nil)

	_, err := s.GetCall(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, s.UpdateCallStatus(ctx, "missing", domain.StatusFinished, nil), core.ErrNotFound)

	rec, err := s.CreateCall(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Error(t, s.UpdateCallStatus(ctx, rec.ID, domain.StatusInitiated, nil))
	assert.Error(t, s.UpdateCallStatus(ctx, rec.ID, "bogus", nil))

	_, err = s.CreateCall(ctx, "", "bob")
	assert.ErrorIs(t, err, domain.ErrUserIDInvalid)
}

func TestSQLStoreProfiles(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t, nil)

	_, err := s.GetProfile(ctx, "alice")
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, s.PutProfile(ctx, domain.Profile{UserID: "alice", DisplayName: "Alice"}))
	require.NoError(t, s.PutProfile(ctx, domain.Profile{UserID: "alice", DisplayName: "Alice L.", AvatarRef: "a.png"}))

	p, err := s.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice L.", p.DisplayName)
	assert.Equal(t, "a.png", p.AvatarRef)
}

func TestSQLStorePublishesRowChanges(t *testing.T) {
	ctx := context.Background()
	hub := pubsub.NewHub()
	writer := hub.Client("writer")
	reader := hub.Client("reader")
	s := openSQLite(t, writer)

	var (
		mu     sync.Mutex
		events []core.Event
	)
	collect := func(ev core.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	inserts, err := reader.Subscribe(ctx, core.UserCallsTopic("bob"), collect)
	require.NoError(t, err)
	defer inserts.Unsubscribe()

	rec, err := s.CreateCall(ctx, "alice", "bob")
	require.NoError(t, err)

	updates, err := reader.Subscribe(ctx, core.CallRecordTopic(rec.ID), collect)
	require.NoError(t, err)
	defer updates.Unsubscribe()

	require.NoError(t, s.UpdateCallStatus(ctx, rec.ID, domain.StatusDeclined, nil))
	// no-op terminal write must not notify
	require.NoError(t, s.UpdateCallStatus(ctx, rec.ID, domain.StatusFinished, nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, core.EventInsert, events[0].Kind)
	assert.Equal(t, core.EventUpdate, events[1].Kind)

	var updated domain.CallRecord
	require.NoError(t, json.Unmarshal(events[1].Payload, &updated))
	assert.Equal(t, domain.StatusDeclined, updated.Status)
	assert.NotNil(t, updated.EndedAt)
}

func TestRebindForPostgres(t *testing.T) {
	s := New(nil, DriverPostgres, nil)
	assert.Equal(t, "UPDATE calls SET status = $1 WHERE id = $2", s.rebind("UPDATE calls SET status = ? WHERE id = ?"))

	lite := New(nil, DriverSQLite, nil)
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}

func TestMemoryStoreMatchesTerminalRules(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	rec, err := s.CreateCall(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, s.UpdateCallStatus(ctx, rec.ID, domain.StatusFinished, nil))
	require.NoError(t, s.UpdateCallStatus(ctx, rec.ID, domain.StatusFinished, nil))
	assert.ErrorIs(t, s.UpdateCallStatus(ctx, rec.ID, domain.StatusAnswered, nil), core.ErrCallEnded)
	assert.Equal(t, []domain.CallStatus{domain.StatusFinished}, s.Applied(rec.ID))
}
