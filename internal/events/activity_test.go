package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockActivityRepo struct {
	mock.Mock
}

func (m *mockActivityRepo) InsertActivity(ctx context.Context, a Activity) error {
	return m.Called(ctx, a).Error(0)
}

func (m *mockActivityRepo) ListActivity(ctx context.Context, limit int) ([]Activity, error) {
	args := m.Called(ctx, limit)
	out, _ := args.Get(0).([]Activity)
	return out, args.Error(1)
}

func (m *mockActivityRepo) PruneActivity(ctx context.Context, keep int) error {
	return m.Called(ctx, keep).Error(0)
}

func TestFeedKeepsNewestFirst(t *testing.T) {
	f := NewFeed(3, nil)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range 5 {
		f.Notify(Event{Kind: KindAgentEnrolled, ClientID: fmt.Sprintf("agent-%d", i), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	got := f.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, "agent-4", got[0].ClientID)
	assert.Equal(t, "agent-3", got[1].ClientID)
	assert.Equal(t, "agent-2", got[2].ClientID)
	assert.Equal(t, "Agent agent-4 enrolled", got[0].Message)
	assert.NotEmpty(t, got[0].ID)

	assert.Len(t, f.Recent(2), 2)
	assert.Len(t, f.Recent(10), 3)
}

func TestFeedSkipsHeartbeatsAndAcks(t *testing.T) {
	f := NewFeed(10, nil)
	f.Notify(Event{Kind: KindMessageReceived, ClientID: "a", MessageType: "heartbeat"})
	f.Notify(Event{Kind: KindMessageReceived, ClientID: "a", MessageType: "message_ack"})
	f.Notify(Event{Kind: KindMessageReceived, ClientID: "a", MessageType: "resource_usage"})
	f.Notify(Event{Kind: KindStatusChanged, ClientID: "a", OldStatus: "online", NewStatus: "degraded"})

	got := f.Recent(0)
	require.Len(t, got, 2)
	assert.Equal(t, "Agent a: online -> degraded", got[0].Message)
	assert.Equal(t, "Message from a: resource_usage", got[1].Message)
	assert.False(t, got[1].Timestamp.IsZero())
}

func TestFeedPersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	repo := &mockActivityRepo{}
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	stored := []Activity{
		{ID: "2", Kind: KindAgentRemoved, ClientID: "b", Message: "Agent b removed", Timestamp: base.Add(time.Second)},
		{ID: "1", Kind: KindAgentEnrolled, ClientID: "b", Message: "Agent b enrolled", Timestamp: base},
	}
	repo.On("ListActivity", mock.Anything, 2).Return(stored, nil)
	repo.On("PruneActivity", mock.Anything, 2).Return(nil)
	repo.On("InsertActivity", mock.Anything, mock.MatchedBy(func(a Activity) bool {
		return a.Kind == KindBroadcastDeleted && a.Message == "Broadcast bc-1 deleted"
	})).Return(nil).Once()

	f := NewFeed(2, repo)
	require.NoError(t, f.Load(ctx))
	assert.Equal(t, stored, f.Recent(0))

	f.Notify(Event{Kind: KindBroadcastDeleted, BroadcastID: "bc-1", Timestamp: base.Add(2 * time.Second)})
	got := f.Recent(0)
	require.Len(t, got, 2)
	assert.Equal(t, KindBroadcastDeleted, got[0].Kind)
	assert.Equal(t, "2", got[1].ID)
	repo.AssertExpectations(t)
}

func TestFeedLoadError(t *testing.T) {
	repo := &mockActivityRepo{}
	repo.On("ListActivity", mock.Anything, DefaultFeedSize).Return(nil, assert.AnError)
	assert.ErrorIs(t, NewFeed(0, repo).Load(context.Background()), assert.AnError)
}

func TestFeedRunsOnSubscription(t *testing.T) {
	h := NewHub()
	f := NewFeed(5, nil)
	ch, cancel := h.Subscribe(4)
	done := make(chan struct{})
	go func() {
		f.Run(context.Background(), ch)
		close(done)
	}()

	h.Publish(Event{Kind: KindAgentEnrolled, ClientID: "a"})
	assert.Eventually(t, func() bool { return len(f.Recent(0)) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("feed did not stop after the subscription closed")
	}
}
