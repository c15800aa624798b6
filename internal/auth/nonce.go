package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aofiee/chat-view/internal/store"
)

// NonceTTL bounds how long a sign-in attempt may take.
const NonceTTL = 15 * time.Minute

func randomString(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// IssueNonce stores a fresh state value, replacing any outstanding one.
func (s *Session) IssueNonce(ctx context.Context) (string, error) {
	nonce, err := randomString(32)
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	if err := s.RecordNonce(ctx, nonce); err != nil {
		return "", err
	}
	return nonce, nil
}

// RecordNonce stores a state value minted elsewhere (the backend's sign-in
// URL already carries one).
func (s *Session) RecordNonce(ctx context.Context, nonce string) error {
	if strings.TrimSpace(nonce) == "" {
		return errors.New("empty oauth state")
	}
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	if err := s.store.Apply(ctx,
		store.Set(store.KeyOAuthState, nonce),
		store.Set(store.KeyOAuthStateTime, ts),
	); err != nil {
		return fmt.Errorf("store oauth state: %w", err)
	}
	return nil
}

// HasOutstandingNonce reports whether a sign-in attempt is pending.
func (s *Session) HasOutstandingNonce(ctx context.Context) (bool, error) {
	v, err := s.optional(ctx, store.KeyOAuthState)
	if err != nil {
		return false, err
	}
	return v != "", nil
}

// ConsumeAndValidate deletes the stored nonce whatever the outcome, then
// reports whether received matched it within NonceTTL.
func (s *Session) ConsumeAndValidate(ctx context.Context, received string) (bool, error) {
	slots, err := s.store.Take(ctx, store.KeyOAuthState, store.KeyOAuthStateTime)
	if err != nil {
		return false, fmt.Errorf("consume oauth state: %w", err)
	}
	stored, hasState := slots[store.KeyOAuthState]
	rawTS, hasTS := slots[store.KeyOAuthStateTime]
	if !hasState || !hasTS || stored == "" {
		s.log.Warn().Msg("no stored OAuth state found")
		return false, nil
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(received)) != 1 {
		s.log.Warn().Msg("OAuth state mismatch")
		return false, nil
	}
	created, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		s.log.Warn().Str("timestamp", rawTS).Msg("OAuth state timestamp unreadable")
		return false, nil
	}
	if s.now().Sub(time.UnixMilli(created)) > NonceTTL {
		s.log.Warn().Msg("OAuth state too old")
		return false, nil
	}
	return true, nil
}

// PurgeStaleNonce removes an outstanding nonce older than NonceTTL.
func (s *Session) PurgeStaleNonce(ctx context.Context) error {
	rawTS, err := s.optional(ctx, store.KeyOAuthStateTime)
	if err != nil || rawTS == "" {
		return err
	}
	created, perr := strconv.ParseInt(rawTS, 10, 64)
	if perr == nil && s.now().Sub(time.UnixMilli(created)) <= NonceTTL {
		return nil
	}
	return s.store.Apply(ctx, store.Delete(store.KeyOAuthState), store.Delete(store.KeyOAuthStateTime))
}
