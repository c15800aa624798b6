package auth

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/aofiee/chat-view/internal/store"
)

type fakeExchanger struct {
	mu    sync.Mutex
	calls int
	tok   *oauth2.Token
	err   error
}

func (f *fakeExchanger) ExchangeCode(_ context.Context, _, _ string) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.tok, f.err
}

func (f *fakeExchanger) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestClassifyOAuthError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input  string
		expect OAuthErrorKind
	}{
		{input: "invalid_grant", expect: OAuthErrGrantExpired},
		{input: "code already used", expect: OAuthErrGrantExpired},
		{input: "the code expired", expect: OAuthErrGrantExpired},
		{input: "invalid_request", expect: OAuthErrInvalidRequest},
		{input: "access_denied", expect: OAuthErrAccessDenied},
		{input: "invalid_client", expect: OAuthErrInvalidClient},
		{input: "server_error", expect: OAuthErrOther},
		// grant problems win over anything else in the same text
		{input: "invalid_request: invalid_grant", expect: OAuthErrGrantExpired},
	}
	for _, tc := range cases {
		if got := ClassifyOAuthError(tc.input); got != tc.expect {
			t.Fatalf("ClassifyOAuthError(%q) = %d, expected %d", tc.input, got, tc.expect)
		}
	}
}

func TestParamsFromQuery(t *testing.T) {
	t.Parallel()

	q, _ := url.ParseQuery("code=abc&state=xyz&error=access_denied&error_description=nope")
	p := ParamsFromQuery(q)
	if p.Code != "abc" || p.State != "xyz" || p.Error != "access_denied" || p.ErrorDescription != "nope" {
		t.Fatalf("unexpected params: %+v", p)
	}
}

func TestCallbackSuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, st, _ := newTestSession(nil)
	nonce, err := s.IssueNonce(ctx)
	if err != nil {
		t.Fatalf("IssueNonce: %v", err)
	}
	access := signToken(t, testNow.Add(time.Hour), operatorPayload("7"))
	x := &fakeExchanger{tok: &oauth2.Token{AccessToken: access, RefreshToken: "r1"}}
	h := NewCallbackHandler(s, x, zerolog.Nop())

	res, err := h.Handle(ctx, CallbackParams{Code: "c1", State: nonce})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Status != CallbackSuccess || res.User == nil || res.User.ID != "7" {
		t.Fatalf("expected success with user, got %+v", res)
	}
	if res.Redirect != "/" || res.RedirectAfter != 1500*time.Millisecond || !res.Scrub {
		t.Fatalf("unexpected redirect: %+v", res)
	}
	if got, _ := st.Get(ctx, store.KeyAccessToken); got != access {
		t.Fatal("access token not stored")
	}
	if pending, _ := s.HasOutstandingNonce(ctx); pending {
		t.Fatal("nonce should be consumed")
	}
}

func TestCallbackProviderDenialSkipsExchange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, _, _ := newTestSession(nil)
	if _, err := s.IssueNonce(ctx); err != nil {
		t.Fatalf("IssueNonce: %v", err)
	}
	x := &fakeExchanger{}
	h := NewCallbackHandler(s, x, zerolog.Nop())

	res, err := h.Handle(ctx, CallbackParams{Error: "access_denied"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Status != CallbackError || res.Kind != OAuthErrAccessDenied {
		t.Fatalf("expected access denied error, got %+v", res)
	}
	if res.Message != OAuthErrAccessDenied.Message("") {
		t.Fatalf("unexpected message %q", res.Message)
	}
	if x.Calls() != 0 {
		t.Fatal("exchange must not be attempted after a provider error")
	}
}

func TestCallbackProviderOtherErrorKeepsDetail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, _, _ := newTestSession(nil)
	h := NewCallbackHandler(s, &fakeExchanger{}, zerolog.Nop())
	res, _ := h.Handle(ctx, CallbackParams{Error: "temporarily_unavailable", ErrorDescription: "try later"})
	if res.Message != "OAuth error: temporarily_unavailable - try later" {
		t.Fatalf("unexpected message %q", res.Message)
	}
}

func TestCallbackReplayedStateFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, _, _ := newTestSession(nil)
	nonce, _ := s.IssueNonce(ctx)
	access := signToken(t, testNow.Add(time.Hour), operatorPayload("7"))
	x := &fakeExchanger{tok: &oauth2.Token{AccessToken: access, RefreshToken: "r1"}}

	first := NewCallbackHandler(s, x, zerolog.Nop())
	if res, _ := first.Handle(ctx, CallbackParams{Code: "c1", State: nonce}); res.Status != CallbackSuccess {
		t.Fatalf("first callback should succeed, got %+v", res)
	}

	second := NewCallbackHandler(s, x, zerolog.Nop())
	res, _ := second.Handle(ctx, CallbackParams{Code: "c1", State: nonce})
	if res.Status != CallbackError || res.Kind != OAuthErrInvalidState {
		t.Fatalf("replayed state should fail validation, got %+v", res)
	}
	if x.Calls() != 1 {
		t.Fatalf("replay must not reach the exchange, calls=%d", x.Calls())
	}
	if tok, _ := s.Tokens(ctx); tok.AccessToken != "" {
		t.Fatal("invalid state should clear the session")
	}
}

func TestCallbackExchangeFailureClearsAuth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, _, _ := newTestSession(nil)
	nonce, _ := s.IssueNonce(ctx)
	x := &fakeExchanger{err: errors.New("HTTP 400: invalid_grant")}
	h := NewCallbackHandler(s, x, zerolog.Nop())

	res, _ := h.Handle(ctx, CallbackParams{Code: "c1", State: nonce})
	if res.Status != CallbackError || res.Kind != OAuthErrGrantExpired {
		t.Fatalf("expected expired grant, got %+v", res)
	}
}

func TestCallbackMissingParameters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, _, _ := newTestSession(nil)
	h := NewCallbackHandler(s, &fakeExchanger{}, zerolog.Nop())
	res, _ := h.Handle(ctx, CallbackParams{Code: "c1"})
	if res.Kind != OAuthErrInterrupted {
		t.Fatalf("expected interrupted flow, got %+v", res)
	}
}

func TestCallbackDirectNavigationRedirectsToSignIn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, _, _ := newTestSession(nil)
	h := NewCallbackHandler(s, &fakeExchanger{}, zerolog.Nop())
	res, err := h.Handle(ctx, CallbackParams{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Status != CallbackLoading || res.Redirect != "/login" {
		t.Fatalf("expected redirect to sign-in, got %+v", res)
	}
}

func TestCallbackRunsOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, _, _ := newTestSession(nil)
	nonce, _ := s.IssueNonce(ctx)
	access := signToken(t, testNow.Add(time.Hour), operatorPayload("7"))
	x := &fakeExchanger{tok: &oauth2.Token{AccessToken: access, RefreshToken: "r1"}}
	h := NewCallbackHandler(s, x, zerolog.Nop())

	if _, err := h.Handle(ctx, CallbackParams{Code: "c1", State: nonce}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	res, err := h.Handle(ctx, CallbackParams{Code: "c1", State: nonce})
	if !errors.Is(err, ErrCallbackProcessed) {
		t.Fatalf("expected ErrCallbackProcessed, got %v", err)
	}
	if res.Status != CallbackSuccess || x.Calls() != 1 {
		t.Fatalf("second Handle should return the first result, got %+v calls=%d", res, x.Calls())
	}
}

func TestCallbackTokenWithoutIdentityFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, _, _ := newTestSession(nil)
	nonce, _ := s.IssueNonce(ctx)
	access := signToken(t, testNow.Add(time.Hour), nil)
	h := NewCallbackHandler(s, &fakeExchanger{tok: &oauth2.Token{AccessToken: access, RefreshToken: "r1"}}, zerolog.Nop())

	res, _ := h.Handle(ctx, CallbackParams{Code: "c1", State: nonce})
	if res.Status != CallbackError || res.Message != ErrNoIdentity.Error() {
		t.Fatalf("expected identity failure, got %+v", res)
	}
}
