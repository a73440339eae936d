package provisioning

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) InsertToken(ctx context.Context, t Token) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

func (m *MockRepository) RecordTokenUse(ctx context.Context, id string, useCount int) error {
	args := m.Called(ctx, id, useCount)
	return args.Error(0)
}

func (m *MockRepository) RevokeToken(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockRepository) DeleteToken(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockRepository) ListTokens(ctx context.Context) ([]Token, error) {
	args := m.Called(ctx)
	tokens, _ := args.Get(0).([]Token)
	return tokens, args.Error(1)
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore() (*Store, *clock.Fake) {
	clk := clock.NewFake(t0)
	return NewStore(clk, nil), clk
}

func TestCreate(t *testing.T) {
	s, _ := newTestStore()

	tok, secret, err := s.Create(context.Background(), CreateParams{Name: "lab", MaxUses: 3})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(secret, "et_"))
	assert.Equal(t, HashSecret(secret), tok.SecretHash)
	assert.Equal(t, 3, tok.MaxUses)
	assert.True(t, tok.Active)
	assert.Equal(t, StateActive, tok.State(t0))
	assert.Equal(t, 3, tok.Remaining())
}

func TestCreateInvalidParams(t *testing.T) {
	s, _ := newTestStore()

	_, _, err := s.Create(context.Background(), CreateParams{MaxUses: 0})
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, _, err = s.Create(context.Background(), CreateParams{MaxUses: -5})
	assert.ErrorIs(t, err, ErrInvalidParams)

	past := t0.Add(-time.Minute)
	_, _, err = s.Create(context.Background(), CreateParams{MaxUses: 1, ExpiresAt: &past})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestValidateAndConsume(t *testing.T) {
	s, _ := newTestStore()
	_, secret, err := s.Create(context.Background(), CreateParams{MaxUses: 2})
	require.NoError(t, err)

	tok, err := s.ValidateAndConsume(context.Background(), secret)
	require.NoError(t, err)
	assert.Equal(t, 1, tok.UseCount)

	tok, err = s.ValidateAndConsume(context.Background(), secret)
	require.NoError(t, err)
	assert.Equal(t, 2, tok.UseCount)
	assert.Equal(t, StateExhausted, tok.State(t0))

	_, err = s.ValidateAndConsume(context.Background(), secret)
	assert.ErrorIs(t, err, ErrTokenExhausted)

	// Exhaustion is not revocation.
	got, err := s.Get(tok.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.Equal(t, StateExhausted, got.State(t0))
}

func TestValidateUnknown(t *testing.T) {
	s, _ := newTestStore()

	_, err := s.ValidateAndConsume(context.Background(), "et_nope")
	assert.ErrorIs(t, err, ErrTokenUnknown)

	_, err = s.ValidateAndConsume(context.Background(), "")
	assert.ErrorIs(t, err, ErrTokenUnknown)
}

func TestValidateUnlimited(t *testing.T) {
	s, _ := newTestStore()
	_, secret, err := s.Create(context.Background(), CreateParams{MaxUses: Unlimited})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		_, err := s.ValidateAndConsume(context.Background(), secret)
		require.NoError(t, err)
	}
	tok := s.List()[0]
	assert.Equal(t, 50, tok.UseCount)
	assert.Equal(t, Unlimited, tok.Remaining())
}

func TestExpiredRejectedEvenWhenUnused(t *testing.T) {
	s, clk := newTestStore()
	expires := t0.Add(time.Hour)
	_, secret, err := s.Create(context.Background(), CreateParams{MaxUses: 5, ExpiresAt: &expires})
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)

	for i := 0; i < 3; i++ {
		_, err = s.ValidateAndConsume(context.Background(), secret)
		assert.ErrorIs(t, err, ErrTokenExpired)
	}
	assert.Equal(t, 0, s.List()[0].UseCount)
}

func TestRevoke(t *testing.T) {
	s, _ := newTestStore()
	tok, secret, err := s.Create(context.Background(), CreateParams{MaxUses: 5})
	require.NoError(t, err)

	revoked, err := s.Revoke(context.Background(), tok.ID)
	require.NoError(t, err)
	assert.False(t, revoked.Active)
	require.NotNil(t, revoked.RevokedAt)
	assert.Equal(t, StateRevoked, revoked.State(t0))

	again, err := s.Revoke(context.Background(), tok.ID)
	require.NoError(t, err)
	assert.Equal(t, revoked.RevokedAt, again.RevokedAt)

	_, err = s.ValidateAndConsume(context.Background(), secret)
	assert.ErrorIs(t, err, ErrTokenInactive)

	_, err = s.Revoke(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore()
	tok, secret, err := s.Create(context.Background(), CreateParams{MaxUses: 1})
	require.NoError(t, err)

	require.NoError(t, s.Delete(context.Background(), tok.ID))
	assert.ErrorIs(t, s.Delete(context.Background(), tok.ID), ErrTokenNotFound)

	_, err = s.ValidateAndConsume(context.Background(), secret)
	assert.ErrorIs(t, err, ErrTokenUnknown)
}

func TestDeleteKeepsTokenWhenRepositoryFails(t *testing.T) {
	repo := new(MockRepository)
	repo.On("InsertToken", mock.Anything, mock.Anything).Return(nil)
	repo.On("RecordTokenUse", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	s := NewStore(clock.NewFake(t0), repo)
	tok, secret, err := s.Create(context.Background(), CreateParams{MaxUses: 2})
	require.NoError(t, err)

	repo.On("DeleteToken", mock.Anything, tok.ID).Return(errors.New("db down")).Once()
	assert.Error(t, s.Delete(context.Background(), tok.ID))

	_, err = s.Get(tok.ID)
	require.NoError(t, err)
	_, err = s.ValidateAndConsume(context.Background(), secret)
	require.NoError(t, err, "token must stay usable while its row still exists")

	repo.On("DeleteToken", mock.Anything, tok.ID).Return(nil).Once()
	require.NoError(t, s.Delete(context.Background(), tok.ID))
	_, err = s.Get(tok.ID)
	assert.ErrorIs(t, err, ErrTokenNotFound)
	repo.AssertExpectations(t)
}

func TestCheckDoesNotConsume(t *testing.T) {
	s, clk := newTestStore()
	tok, secret, err := s.Create(context.Background(), CreateParams{MaxUses: 1, ExpiresAt: ptr(t0.Add(time.Hour))})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := s.Check(secret)
		require.NoError(t, err)
		assert.Equal(t, tok.ID, got.ID)
		assert.Equal(t, 0, got.UseCount)
	}

	_, err = s.ValidateAndConsume(context.Background(), secret)
	require.NoError(t, err)
	got, err := s.Check(secret)
	assert.ErrorIs(t, err, ErrTokenExhausted)
	assert.Equal(t, tok.ID, got.ID)

	_, err = s.Check("et_nope")
	assert.ErrorIs(t, err, ErrTokenUnknown)
	_, err = s.Check("")
	assert.ErrorIs(t, err, ErrTokenUnknown)

	other, otherSecret, err := s.Create(context.Background(), CreateParams{MaxUses: Unlimited, ExpiresAt: ptr(t0.Add(time.Minute))})
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	got, err = s.Check(otherSecret)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.Equal(t, other.ID, got.ID)

	_, err = s.Revoke(context.Background(), other.ID)
	require.NoError(t, err)
	_, err = s.Check(otherSecret)
	assert.ErrorIs(t, err, ErrTokenInactive)
}

func TestConcurrentLastUse(t *testing.T) {
	s, _ := newTestStore()
	_, secret, err := s.Create(context.Background(), CreateParams{MaxUses: 1})
	require.NoError(t, err)

	const workers = 32
	var wg sync.WaitGroup
	var successes, exhausted int32
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.ValidateAndConsume(context.Background(), secret)
			switch {
			case err == nil:
				atomic.AddInt32(&successes, 1)
			case errors.Is(err, ErrTokenExhausted):
				atomic.AddInt32(&exhausted, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes)
	assert.Equal(t, int32(workers-1), exhausted)
}

func TestPersistenceFailureDoesNotRefund(t *testing.T) {
	repo := new(MockRepository)
	repo.On("InsertToken", mock.Anything, mock.Anything).Return(nil)
	repo.On("RecordTokenUse", mock.Anything, mock.Anything, 1).Return(errors.New("db down"))

	s := NewStore(clock.NewFake(t0), repo)
	_, secret, err := s.Create(context.Background(), CreateParams{MaxUses: 1})
	require.NoError(t, err)

	_, err = s.ValidateAndConsume(context.Background(), secret)
	require.NoError(t, err)

	_, err = s.ValidateAndConsume(context.Background(), secret)
	assert.ErrorIs(t, err, ErrTokenExhausted)
	repo.AssertExpectations(t)
}

func TestCreateFailsWhenRepositoryFails(t *testing.T) {
	repo := new(MockRepository)
	repo.On("InsertToken", mock.Anything, mock.Anything).Return(errors.New("db down"))

	s := NewStore(clock.NewFake(t0), repo)
	_, _, err := s.Create(context.Background(), CreateParams{MaxUses: 1})
	assert.Error(t, err)
	assert.Empty(t, s.List())
}

func TestLoad(t *testing.T) {
	stored := Token{ID: "tok-1", SecretHash: HashSecret("et_secret"), MaxUses: 2, UseCount: 1, Active: true, CreatedAt: t0}
	repo := new(MockRepository)
	repo.On("ListTokens", mock.Anything).Return([]Token{stored}, nil)
	repo.On("RecordTokenUse", mock.Anything, "tok-1", 2).Return(nil)

	s := NewStore(clock.NewFake(t0), repo)
	require.NoError(t, s.Load(context.Background()))

	tok, err := s.ValidateAndConsume(context.Background(), "et_secret")
	require.NoError(t, err)
	assert.Equal(t, 2, tok.UseCount)

	_, err = s.ValidateAndConsume(context.Background(), "et_secret")
	assert.ErrorIs(t, err, ErrTokenExhausted)
	repo.AssertExpectations(t)
}

func ptr[T any](v T) *T {
	return &v
}
