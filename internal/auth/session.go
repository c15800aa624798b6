// Package auth owns the console's sign-in session: the token pair and the
// identity derived from it, silent refresh, the single-use OAuth state nonce
// and the authorization-code callback.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/aofiee/chat-view/internal/logger"
	"github.com/aofiee/chat-view/internal/store"
)

var (
	// ErrReauthRequired means the session is gone and the operator must sign
	// in again. Stored auth has already been cleared when it is returned.
	ErrReauthRequired = errors.New("authentication expired; run: chatview auth login")
	ErrNoIdentity     = errors.New("failed to parse user information from token")
)

// Refresher trades a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Session is the explicit session context handed to every component that
// needs credentials. It is safe for concurrent use.
type Session struct {
	store     store.Store
	refresher Refresher
	log       zerolog.Logger
	now       func() time.Time

	// refreshMu serialises EnsureValid so concurrent callers share one
	// refresh.
	refreshMu sync.Mutex
}

type Option func(*Session)

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

func NewSession(st store.Store, refresher Refresher, opts ...Option) *Session {
	s := &Session{
		store:     st,
		refresher: refresher,
		log:       zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetRefresher installs the refresh collaborator after construction; the API
// client and the session depend on each other.
func (s *Session) SetRefresher(r Refresher) {
	s.refreshMu.Lock()
	s.refresher = r
	s.refreshMu.Unlock()
}

// IsExpired is fail-closed: a token that cannot be decoded or has no exp
// claim is expired.
func (s *Session) IsExpired(token string) bool {
	exp, ok := TokenExpiry(token)
	if !ok {
		return true
	}
	return exp.Unix() < s.now().Unix()
}

// Tokens returns the stored pair. Missing slots come back empty.
func (s *Session) Tokens(ctx context.Context) (*oauth2.Token, error) {
	access, err := s.optional(ctx, store.KeyAccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := s.optional(ctx, store.KeyRefreshToken)
	if err != nil {
		return nil, err
	}
	return tokenPair(access, refresh), nil
}

func tokenPair(access, refresh string) *oauth2.Token {
	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, TokenType: "Bearer"}
	if exp, ok := TokenExpiry(access); ok {
		tok.Expiry = exp
	}
	return tok
}

func (s *Session) optional(ctx context.Context, key string) (string, error) {
	v, err := s.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}

// User returns the stored identity, or nil when signed out.
func (s *Session) User(ctx context.Context) (*User, error) {
	raw, err := s.optional(ctx, store.KeyUser)
	if err != nil || raw == "" {
		return nil, err
	}
	var u User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("decode stored user: %w", err)
	}
	return &u, nil
}

// SetTokens replaces the pair and the derived identity in one store batch.
// When the access token carries no identity the stale identity slot is
// removed and ErrNoIdentity is returned alongside the stored tokens.
func (s *Session) SetTokens(ctx context.Context, tok *oauth2.Token) (*User, error) {
	if tok == nil || strings.TrimSpace(tok.AccessToken) == "" {
		return nil, errors.New("refusing to store empty access token")
	}
	changes := []store.Change{
		store.Set(store.KeyAccessToken, tok.AccessToken),
		store.Set(store.KeyRefreshToken, tok.RefreshToken),
	}
	user, uerr := UserFromToken(tok.AccessToken)
	if uerr == nil {
		b, err := json.Marshal(user)
		if err != nil {
			return nil, err
		}
		changes = append(changes, store.Set(store.KeyUser, string(b)))
	} else {
		changes = append(changes, store.Delete(store.KeyUser))
	}
	if err := s.store.Apply(ctx, changes...); err != nil {
		return nil, fmt.Errorf("store tokens: %w", err)
	}
	s.log.Debug().Str("access_token", logger.Redact(tok.AccessToken)).Msg("token pair replaced")
	if uerr != nil {
		return nil, uerr
	}
	return &user, nil
}

// ClearAuth removes every session slot, including any outstanding nonce.
func (s *Session) ClearAuth(ctx context.Context) error {
	if err := s.store.Apply(ctx, store.DeleteAll(store.AllKeys...)...); err != nil {
		return fmt.Errorf("clear auth: %w", err)
	}
	s.log.Info().Msg("session cleared")
	return nil
}

// EnsureValid returns the stored pair when its access token is still valid.
// Otherwise it makes exactly one refresh attempt; any failure clears the
// session and returns ErrReauthRequired.
func (s *Session) EnsureValid(ctx context.Context) (*oauth2.Token, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	current, err := s.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	if !s.IsExpired(current.AccessToken) {
		return current, nil
	}
	if strings.TrimSpace(current.RefreshToken) == "" || s.refresher == nil {
		s.log.Warn().Msg("access token expired and no refresh token stored")
		return nil, s.reauth(ctx)
	}

	next, rerr := s.refresher.Refresh(ctx, current.RefreshToken)
	if rerr == nil && (next == nil || next.AccessToken == "" || next.RefreshToken == "") {
		rerr = errors.New("refresh returned no tokens")
	}
	if rerr != nil {
		s.log.Warn().Err(rerr).Msg("token refresh failed")
		return nil, s.reauth(ctx)
	}
	if _, err := s.SetTokens(ctx, next); err != nil && !errors.Is(err, ErrNoIdentity) {
		return nil, err
	}
	s.log.Info().Msg("access token refreshed")
	return tokenPair(next.AccessToken, next.RefreshToken), nil
}

func (s *Session) reauth(ctx context.Context) error {
	if err := s.ClearAuth(ctx); err != nil {
		return errors.Join(ErrReauthRequired, err)
	}
	return ErrReauthRequired
}

// TokenSource adapts EnsureValid for oauth2.Transport.
func (s *Session) TokenSource(ctx context.Context) oauth2.TokenSource {
	return sessionTokenSource{ctx: ctx, s: s}
}

type sessionTokenSource struct {
	ctx context.Context
	s   *Session
}

func (ts sessionTokenSource) Token() (*oauth2.Token, error) {
	return ts.s.EnsureValid(ts.ctx)
}

// State is the outcome of Restore.
type State struct {
	Authenticated bool
	User          *User
	Refreshed     bool
}

// Restore is the startup check: drop a stale nonce, then keep, refresh or
// clear the stored session.
func (s *Session) Restore(ctx context.Context) (State, error) {
	if err := s.PurgeStaleNonce(ctx); err != nil {
		return State{}, err
	}
	tok, err := s.Tokens(ctx)
	if err != nil {
		return State{}, err
	}
	user, err := s.User(ctx)
	if err != nil {
		return State{}, err
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" || user == nil {
		return State{}, nil
	}
	if !s.IsExpired(tok.AccessToken) {
		return State{Authenticated: true, User: user}, nil
	}
	if _, err := s.EnsureValid(ctx); err != nil {
		if errors.Is(err, ErrReauthRequired) {
			return State{}, nil
		}
		return State{}, err
	}
	user, err = s.User(ctx)
	if err != nil {
		return State{}, err
	}
	if user == nil {
		return State{}, s.ClearAuth(ctx)
	}
	return State{Authenticated: true, User: user, Refreshed: true}, nil
}
