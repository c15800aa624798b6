package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/aofiee/chat-view/internal/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func signToken(t *testing.T, exp time.Time, payload map[string]any) string {
	t.Helper()
	claims := jwt.MapClaims{}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	if payload != nil {
		claims["payload"] = payload
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func operatorPayload(id any) map[string]any {
	return map[string]any{
		"id":          id,
		"email":       "op@example.com",
		"displayName": "Operator",
		"pictureUrl":  "https://example.com/op.png",
		"role":        2,
		"isEmployee":  true,
	}
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	next  *oauth2.Token
	err   error
}

func (f *fakeRefresher) Refresh(_ context.Context, _ string) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.next, f.err
}

func (f *fakeRefresher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestSession(r Refresher) (*Session, *store.Memory, *clock) {
	st := store.NewMemory()
	c := &clock{t: testNow}
	return NewSession(st, r, WithClock(c.Now)), st, c
}

func TestIsExpiredFailsClosed(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSession(nil)
	cases := []struct {
		name   string
		token  string
		expect bool
	}{
		{name: "garbage", token: "not-a-jwt", expect: true},
		{name: "empty", token: "", expect: true},
		{name: "missing-exp", token: signToken(t, time.Time{}, operatorPayload("7")), expect: true},
		{name: "past", token: signToken(t, testNow.Add(-time.Minute), nil), expect: true},
		{name: "future", token: signToken(t, testNow.Add(time.Hour), nil), expect: false},
	}
	for _, tc := range cases {
		if got := s.IsExpired(tc.token); got != tc.expect {
			t.Fatalf("%s: IsExpired = %v, expected %v", tc.name, got, tc.expect)
		}
	}
}

func TestUserFromTokenStringifiesNumericID(t *testing.T) {
	t.Parallel()

	u, err := UserFromToken(signToken(t, testNow.Add(time.Hour), operatorPayload(42)))
	if err != nil {
		t.Fatalf("UserFromToken: %v", err)
	}
	if u.ID != "42" || u.Role != 2 || !u.IsEmployee || u.DisplayName != "Operator" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if _, err := UserFromToken(signToken(t, testNow.Add(time.Hour), nil)); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity without payload claim, got %v", err)
	}
}

func TestEnsureValidReturnsUnexpiredTokenWithoutRefresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := &fakeRefresher{}
	s, _, _ := newTestSession(r)
	access := signToken(t, testNow.Add(time.Hour), operatorPayload("7"))
	if _, err := s.SetTokens(ctx, &oauth2.Token{AccessToken: access, RefreshToken: "r1"}); err != nil {
		t.Fatalf("SetTokens: %v", err)
	}
	tok, err := s.EnsureValid(ctx)
	if err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if tok.AccessToken != access || r.Calls() != 0 {
		t.Fatalf("expected stored token and no refresh, got calls=%d", r.Calls())
	}
}

func TestEnsureValidRefreshesExpiredTokenExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fresh := signToken(t, testNow.Add(time.Hour), operatorPayload("8"))
	r := &fakeRefresher{next: &oauth2.Token{AccessToken: fresh, RefreshToken: "r2"}}
	s, st, _ := newTestSession(r)
	stale := signToken(t, testNow.Add(-time.Second*2), operatorPayload("7"))
	if _, err := s.SetTokens(ctx, &oauth2.Token{AccessToken: stale, RefreshToken: "r1"}); err != nil {
		t.Fatalf("SetTokens: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := s.EnsureValid(ctx)
			if err != nil {
				t.Errorf("EnsureValid: %v", err)
				return
			}
			if tok.AccessToken == stale {
				t.Errorf("stale token returned")
			}
		}()
	}
	wg.Wait()

	if r.Calls() != 1 {
		t.Fatalf("expected exactly one refresh, got %d", r.Calls())
	}
	if got, _ := st.Get(ctx, store.KeyRefreshToken); got != "r2" {
		t.Fatalf("refresh token not replaced: got %q", got)
	}
	u, err := s.User(ctx)
	if err != nil || u == nil || u.ID != "8" {
		t.Fatalf("identity not re-derived: %+v, %v", u, err)
	}
}

func TestEnsureValidClearsSessionWhenRefreshFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := &fakeRefresher{err: errors.New("HTTP error! status: 500")}
	s, st, _ := newTestSession(r)
	stale := signToken(t, testNow.Add(-time.Minute), operatorPayload("7"))
	if _, err := s.SetTokens(ctx, &oauth2.Token{AccessToken: stale, RefreshToken: "r1"}); err != nil {
		t.Fatalf("SetTokens: %v", err)
	}
	if _, err := s.IssueNonce(ctx); err != nil {
		t.Fatalf("IssueNonce: %v", err)
	}

	if _, err := s.EnsureValid(ctx); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired, got %v", err)
	}
	if r.Calls() != 1 {
		t.Fatalf("expected one refresh attempt, got %d", r.Calls())
	}
	for _, key := range store.AllKeys {
		if _, err := st.Get(ctx, key); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("slot %s survived sign-out: %v", key, err)
		}
	}
}

func TestEnsureValidWithoutRefreshTokenDoesNotCallRefresher(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := &fakeRefresher{}
	s, _, _ := newTestSession(r)
	if _, err := s.EnsureValid(ctx); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired for empty session, got %v", err)
	}
	if r.Calls() != 0 {
		t.Fatalf("refresher called without refresh token")
	}
}

func TestTokenSourceAttachesStoredToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, _, _ := newTestSession(nil)
	access := signToken(t, testNow.Add(time.Hour), operatorPayload("7"))
	if _, err := s.SetTokens(ctx, &oauth2.Token{AccessToken: access, RefreshToken: "r1"}); err != nil {
		t.Fatalf("SetTokens: %v", err)
	}
	tok, err := s.TokenSource(ctx).Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.Type() != "Bearer" || !tok.Expiry.Equal(time.Unix(testNow.Add(time.Hour).Unix(), 0)) {
		t.Fatalf("unexpected token: type=%s expiry=%v", tok.Type(), tok.Expiry)
	}
}

func TestRestore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fresh := signToken(t, testNow.Add(time.Hour), operatorPayload("9"))
	r := &fakeRefresher{next: &oauth2.Token{AccessToken: fresh, RefreshToken: "r2"}}
	s, st, c := newTestSession(r)

	state, err := s.Restore(ctx)
	if err != nil || state.Authenticated {
		t.Fatalf("empty store should restore signed out: %+v, %v", state, err)
	}

	if _, err := s.IssueNonce(ctx); err != nil {
		t.Fatalf("IssueNonce: %v", err)
	}
	stale := signToken(t, testNow.Add(time.Minute), operatorPayload("7"))
	if _, err := s.SetTokens(ctx, &oauth2.Token{AccessToken: stale, RefreshToken: "r1"}); err != nil {
		t.Fatalf("SetTokens: %v", err)
	}
	c.Advance(20 * time.Minute)

	state, err = s.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !state.Authenticated || !state.Refreshed || state.User.ID != "9" {
		t.Fatalf("expected refreshed session, got %+v", state)
	}
	if _, err := st.Get(ctx, store.KeyOAuthState); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("stale nonce should be purged, got %v", err)
	}
}
