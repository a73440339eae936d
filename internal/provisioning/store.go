package provisioning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/google/uuid"
)

const (
	secretPrefix = "et_"
	secretLength = 32
)

var (
	ErrTokenUnknown   = errors.New("enrollment token unknown")
	ErrTokenInactive  = errors.New("enrollment token inactive")
	ErrTokenExpired   = errors.New("enrollment token expired")
	ErrTokenExhausted = errors.New("enrollment token exhausted")
	ErrTokenNotFound  = errors.New("enrollment token not found")
	ErrInvalidParams  = errors.New("invalid enrollment token parameters")
)

// Repository persists tokens. RecordTokenUse must never lower a stored use count.
type Repository interface {
	InsertToken(ctx context.Context, t Token) error
	RecordTokenUse(ctx context.Context, id string, useCount int) error
	RevokeToken(ctx context.Context, id string, at time.Time) error
	DeleteToken(ctx context.Context, id string) error
	ListTokens(ctx context.Context) ([]Token, error)
}

type Store struct {
	mu     sync.Mutex
	byID   map[string]*Token
	byHash map[string]*Token
	clock  clock.Clock
	repo   Repository
}

// NewStore creates a token store. repo may be nil for a memory-only store.
func NewStore(clk clock.Clock, repo Repository) *Store {
	return &Store{
		byID:   make(map[string]*Token),
		byHash: make(map[string]*Token),
		clock:  clk,
		repo:   repo,
	}
}

// GenerateSecret creates a new enrollment secret with crypto/rand
func GenerateSecret() (string, error) {
	b := make([]byte, secretLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return secretPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashSecret computes the SHA-256 hash of the secret
func HashSecret(secret string) string {
	hash := sha256.Sum256([]byte(secret))
	return fmt.Sprintf("%x", hash)
}

// Load replaces the in-memory state with the tokens held by the repository.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	tokens, err := s.repo.ListTokens(ctx)
	if err != nil {
		return fmt.Errorf("failed to load enrollment tokens: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*Token, len(tokens))
	s.byHash = make(map[string]*Token, len(tokens))
	for i := range tokens {
		t := tokens[i]
		s.byID[t.ID] = &t
		s.byHash[t.SecretHash] = &t
	}
	slog.Info("Enrollment tokens loaded", "count", len(tokens))
	return nil
}

// Create stores a new token and returns it with its plaintext secret. The
// secret is not retrievable afterwards.
func (s *Store) Create(ctx context.Context, p CreateParams) (Token, string, error) {
	if p.MaxUses == 0 || p.MaxUses < Unlimited {
		return Token{}, "", fmt.Errorf("%w: max_uses must be positive or %d", ErrInvalidParams, Unlimited)
	}
	now := s.clock.Now()
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return Token{}, "", fmt.Errorf("%w: expires_at must be in the future", ErrInvalidParams)
	}

	secret, err := GenerateSecret()
	if err != nil {
		return Token{}, "", err
	}

	t := Token{
		ID:         uuid.New().String(),
		Name:       p.Name,
		SecretHash: HashSecret(secret),
		ExpiresAt:  p.ExpiresAt,
		MaxUses:    p.MaxUses,
		Active:     true,
		CreatedAt:  now,
	}

	if s.repo != nil {
		if err := s.repo.InsertToken(ctx, t); err != nil {
			return Token{}, "", fmt.Errorf("failed to store enrollment token: %w", err)
		}
	}

	s.mu.Lock()
	stored := t
	s.byID[t.ID] = &stored
	s.byHash[t.SecretHash] = &stored
	s.mu.Unlock()

	slog.Info("Enrollment token created", "token_id", t.ID, "name", t.Name, "max_uses", t.MaxUses)
	return t, secret, nil
}

// ValidateAndConsume checks the secret and takes one use from the token.
// Validation and the increment happen under one lock, so with a single use
// left exactly one concurrent caller succeeds. A consumed use is never given
// back, even if the caller fails afterwards.
func (s *Store) ValidateAndConsume(ctx context.Context, secret string) (Token, error) {
	if secret == "" {
		return Token{}, ErrTokenUnknown
	}
	hash := HashSecret(secret)
	now := s.clock.Now()

	s.mu.Lock()
	t, err := s.usableLocked(hash, now)
	if err != nil {
		s.mu.Unlock()
		return Token{}, err
	}
	t.UseCount++
	consumed := *t
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.RecordTokenUse(ctx, consumed.ID, consumed.UseCount); err != nil {
			slog.Error("Failed to persist enrollment token use",
				"token_id", consumed.ID,
				"use_count", consumed.UseCount,
				"error", err)
		}
	}

	slog.Debug("Enrollment token consumed", "token_id", consumed.ID, "use_count", consumed.UseCount)
	return consumed, nil
}

// Check reports whether secret would currently be accepted for enrollment,
// without taking a use. The returned token is set whenever the secret is known.
func (s *Store) Check(secret string) (Token, error) {
	if secret == "" {
		return Token{}, ErrTokenUnknown
	}
	hash := HashSecret(secret)
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.usableLocked(hash, now)
	if t == nil {
		return Token{}, err
	}
	return *t, err
}

// usableLocked finds the token for hash and checks it in the order unknown,
// inactive, expired, exhausted. The token is returned alongside any state error.
func (s *Store) usableLocked(hash string, now time.Time) (*Token, error) {
	t, ok := s.byHash[hash]
	if !ok {
		return nil, ErrTokenUnknown
	}
	switch t.State(now) {
	case StateRevoked:
		return t, ErrTokenInactive
	case StateExpired:
		return t, ErrTokenExpired
	case StateExhausted:
		return t, ErrTokenExhausted
	}
	return t, nil
}

// Revoke deactivates a token permanently. Revoking twice is a no-op.
func (s *Store) Revoke(ctx context.Context, id string) (Token, error) {
	now := s.clock.Now()

	s.mu.Lock()
	t, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return Token{}, ErrTokenNotFound
	}
	if !t.Active {
		out := *t
		s.mu.Unlock()
		return out, nil
	}
	t.Active = false
	t.RevokedAt = &now
	out := *t
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.RevokeToken(ctx, id, now); err != nil {
			return out, fmt.Errorf("failed to persist token revocation: %w", err)
		}
	}

	slog.Info("Enrollment token revoked", "token_id", id)
	return out, nil
}

// Delete removes a token. The repository row goes first so a failed delete
// leaves the token in place rather than resurrecting it on the next Load.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return ErrTokenNotFound
	}

	if s.repo != nil {
		if err := s.repo.DeleteToken(ctx, id); err != nil {
			return fmt.Errorf("failed to delete enrollment token: %w", err)
		}
	}

	s.mu.Lock()
	if t, ok := s.byID[id]; ok {
		delete(s.byID, id)
		delete(s.byHash, t.SecretHash)
	}
	s.mu.Unlock()

	slog.Info("Enrollment token deleted", "token_id", id)
	return nil
}

func (s *Store) Get(id string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return Token{}, ErrTokenNotFound
	}
	return *t, nil
}

// List returns copies of all tokens, oldest first.
func (s *Store) List() []Token {
	s.mu.Lock()
	result := make([]Token, 0, len(s.byID))
	for _, t := range s.byID {
		result = append(result, *t)
	}
	s.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (s *Store) Now() time.Time {
	return s.clock.Now()
}
