package broadcasts

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestResolveForLabelSuperset(t *testing.T) {
	s := NewStore(clock.NewFake(t0))
	id, err := s.Create(Broadcast{MessageType: "update", RequiredLabels: []string{"linux"}})
	require.NoError(t, err)

	got := s.ResolveFor([]string{"linux", "prod"}, t0)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)

	assert.Empty(t, s.ResolveFor([]string{"prod"}, t0))
	assert.Empty(t, s.ResolveFor(nil, t0))
}

func TestEmptyLabelsMatchEveryone(t *testing.T) {
	s := NewStore(clock.NewFake(t0))
	_, err := s.Create(Broadcast{MessageType: "ping"})
	require.NoError(t, err)

	assert.Len(t, s.ResolveFor(nil, t0), 1)
	assert.Len(t, s.ResolveFor([]string{"anything"}, t0), 1)
}

func TestExpiredBroadcastsAreHidden(t *testing.T) {
	clk := clock.NewFake(t0)
	s := NewStore(clk)
	expires := t0.Add(time.Minute)
	id, err := s.Create(Broadcast{MessageType: "update", ExpiresAt: &expires})
	require.NoError(t, err)
	_, err = s.Create(Broadcast{MessageType: "forever"})
	require.NoError(t, err)

	assert.Len(t, s.ListActive(t0), 2)

	later := clk.Advance(2 * time.Minute)
	active := s.ListActive(later)
	require.Len(t, active, 1)
	assert.Equal(t, "forever", active[0].MessageType)
	assert.Len(t, s.ResolveFor(nil, later), 1)

	_, err = s.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Claim(id))

	assert.Equal(t, 1, s.PurgeExpired(later))
	assert.Equal(t, 0, s.PurgeExpired(later))
}

func TestCreateValidation(t *testing.T) {
	s := NewStore(clock.NewFake(t0))

	_, err := s.Create(Broadcast{})
	assert.ErrorIs(t, err, ErrInvalidBroadcast)

	past := t0.Add(-time.Second)
	_, err = s.Create(Broadcast{MessageType: "x", ExpiresAt: &past})
	assert.ErrorIs(t, err, ErrInvalidBroadcast)

	_, err = s.Create(Broadcast{MessageType: "x", Limit: -1})
	assert.ErrorIs(t, err, ErrInvalidBroadcast)

	id, err := s.Create(Broadcast{MessageType: "x", RequiredLabels: []string{"b", " a ", "b", ""}})
	require.NoError(t, err)
	b, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, b.RequiredLabels)

	_, err = s.Create(Broadcast{ID: id, MessageType: "x"})
	assert.ErrorIs(t, err, ErrInvalidBroadcast)
}

func TestDelete(t *testing.T) {
	s := NewStore(clock.NewFake(t0))
	id, err := s.Create(Broadcast{MessageType: "x"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(id))
	assert.ErrorIs(t, s.Delete(id), ErrNotFound)
	assert.Empty(t, s.ListActive(t0))
}

func TestClaimRespectsLimit(t *testing.T) {
	s := NewStore(clock.NewFake(t0))
	id, err := s.Create(Broadcast{MessageType: "x", Limit: 3})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var claimed int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Claim(id) {
				atomic.AddInt32(&claimed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), claimed)
	assert.Empty(t, s.ResolveFor(nil, t0))
	assert.Len(t, s.ListActive(t0), 1)
}

func TestMessageFor(t *testing.T) {
	b := Broadcast{ID: "bc", Source: "admin", MessageType: "update", Payload: []byte("{}"), Priority: messages.PriorityHigh, CreatedAt: t0}
	m := b.MessageFor("agent-1")
	assert.Equal(t, "bc:agent-1", m.ID)
	assert.Equal(t, "agent-1", m.Destination)
	assert.Equal(t, messages.PriorityHigh, m.Priority)
	assert.NoError(t, m.Validate())
}

func TestReturnedBroadcastsAreCopies(t *testing.T) {
	s := NewStore(clock.NewFake(t0))
	id, err := s.Create(Broadcast{MessageType: "x", RequiredLabels: []string{"linux"}})
	require.NoError(t, err)

	b, err := s.Get(id)
	require.NoError(t, err)
	b.RequiredLabels[0] = "windows"

	again, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"linux"}, again.RequiredLabels)
}
