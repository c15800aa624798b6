package auth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/aofiee/chat-view/internal/logger"
)

var ErrCallbackProcessed = errors.New("oauth callback already processed")

// CodeExchanger trades an authorization code for a token pair.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code, state string) (*oauth2.Token, error)
}

type OAuthErrorKind int

const (
	OAuthErrOther OAuthErrorKind = iota
	OAuthErrGrantExpired
	OAuthErrInvalidRequest
	OAuthErrAccessDenied
	OAuthErrInvalidClient
	OAuthErrInvalidState
	OAuthErrInterrupted
)

// ClassifyOAuthError maps a provider error code or an exchange failure to a
// kind. Order matters: grant problems are reported before anything else.
func ClassifyOAuthError(text string) OAuthErrorKind {
	switch {
	case strings.Contains(text, "invalid_grant"), strings.Contains(text, "expired"), strings.Contains(text, "used"):
		return OAuthErrGrantExpired
	case strings.Contains(text, "invalid_request"):
		return OAuthErrInvalidRequest
	case strings.Contains(text, "access_denied"):
		return OAuthErrAccessDenied
	case strings.Contains(text, "invalid_client"):
		return OAuthErrInvalidClient
	default:
		return OAuthErrOther
	}
}

// Message is the operator-facing text for a kind. detail is used only for
// kinds without fixed text.
func (k OAuthErrorKind) Message(detail string) string {
	switch k {
	case OAuthErrGrantExpired:
		return "The authorization code has expired or been used. This can happen if you refresh the page or take too long to complete the sign-in process. Please try signing in again."
	case OAuthErrInvalidRequest:
		return "Invalid OAuth request. Please try signing in again."
	case OAuthErrAccessDenied:
		return "You denied access to the application. Please try signing in again and grant the necessary permissions."
	case OAuthErrInvalidClient:
		return "OAuth client configuration error. Please contact support if this problem persists."
	case OAuthErrInvalidState:
		return "Invalid or expired OAuth state. Please try signing in again."
	case OAuthErrInterrupted:
		return "Missing authorization code or state parameter. This may happen if the OAuth flow was interrupted."
	default:
		if strings.TrimSpace(detail) == "" {
			return "Authentication failed for an unknown reason"
		}
		return detail
	}
}

type CallbackStatus int

const (
	CallbackLoading CallbackStatus = iota
	CallbackSuccess
	CallbackError
)

func (s CallbackStatus) String() string {
	switch s {
	case CallbackSuccess:
		return "success"
	case CallbackError:
		return "error"
	default:
		return "loading"
	}
}

type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

func ParamsFromQuery(q url.Values) CallbackParams {
	return CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

func (p CallbackParams) empty() bool {
	return p.Code == "" && p.State == "" && p.Error == ""
}

// CallbackResult is what the hosting surface renders. Redirect, when set, is
// followed after RedirectAfter. Scrub asks the host to drop code and state
// from the visible address.
type CallbackResult struct {
	Status        CallbackStatus
	Message       string
	Kind          OAuthErrorKind
	User          *User
	Redirect      string
	RedirectAfter time.Duration
	Scrub         bool
}

// CallbackHandler processes one authorization callback. Create one per
// sign-in attempt; Handle does its work at most once.
type CallbackHandler struct {
	session   *Session
	exchanger CodeExchanger
	log       zerolog.Logger

	SignInPath   string
	SuccessPath  string
	SuccessDelay time.Duration

	claimed atomic.Bool
	mu      sync.Mutex
	result  CallbackResult
}

func NewCallbackHandler(s *Session, x CodeExchanger, log zerolog.Logger) *CallbackHandler {
	return &CallbackHandler{
		session:      s,
		exchanger:    x,
		log:          log,
		SignInPath:   "/login",
		SuccessPath:  "/",
		SuccessDelay: 1500 * time.Millisecond,
		result:       CallbackResult{Status: CallbackLoading, Message: "Processing authentication..."},
	}
}

// Result returns the latest state; Loading until Handle finishes.
func (h *CallbackHandler) Result() CallbackResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

func (h *CallbackHandler) set(r CallbackResult) CallbackResult {
	h.mu.Lock()
	h.result = r
	h.mu.Unlock()
	return r
}

func (h *CallbackHandler) progress(msg string) {
	h.mu.Lock()
	h.result.Message = msg
	h.mu.Unlock()
}

// Handle runs the callback state machine. Calls after the first return the
// current result and ErrCallbackProcessed.
func (h *CallbackHandler) Handle(ctx context.Context, p CallbackParams) (CallbackResult, error) {
	if !h.claimed.CompareAndSwap(false, true) {
		return h.Result(), ErrCallbackProcessed
	}

	h.log.Info().
		Bool("has_code", p.Code != "").
		Bool("has_state", p.State != "").
		Str("error", p.Error).
		Msg("oauth callback received")

	if p.empty() {
		pending, err := h.session.HasOutstandingNonce(ctx)
		if err != nil {
			return h.fail(OAuthErrOther, err.Error()), err
		}
		if !pending {
			h.log.Info().Msg("no oauth parameters or state found, redirecting to sign-in")
			return h.set(CallbackResult{
				Status:   CallbackLoading,
				Message:  "Redirecting to sign-in...",
				Redirect: h.SignInPath,
			}), nil
		}
	}

	if p.Error != "" {
		detail := "OAuth error: " + p.Error
		if p.ErrorDescription != "" {
			detail += " - " + p.ErrorDescription
		}
		return h.fail(ClassifyOAuthError(p.Error), detail), nil
	}

	if p.Code == "" || p.State == "" {
		return h.fail(OAuthErrInterrupted, ""), nil
	}

	h.progress("Verifying with the identity provider...")
	ok, err := h.session.ConsumeAndValidate(ctx, p.State)
	if err != nil {
		return h.fail(OAuthErrOther, err.Error()), err
	}
	if !ok {
		_ = h.session.ClearAuth(ctx)
		return h.fail(OAuthErrInvalidState, ""), nil
	}

	h.log.Debug().Str("code", logger.Redact(p.Code)).Msg("exchanging authorization code")
	tok, err := h.exchanger.ExchangeCode(ctx, p.Code, p.State)
	if err != nil {
		_ = h.session.ClearAuth(ctx)
		kind := ClassifyOAuthError(err.Error())
		return h.fail(kind, "Authentication failed: "+err.Error()), nil
	}
	if tok == nil || tok.AccessToken == "" || tok.RefreshToken == "" {
		return h.fail(OAuthErrOther, "No tokens received from server"), nil
	}

	h.progress("Setting up your session...")
	if _, err := UserFromToken(tok.AccessToken); err != nil {
		return h.fail(OAuthErrOther, ErrNoIdentity.Error()), nil
	}
	user, err := h.session.SetTokens(ctx, tok)
	if err != nil {
		return h.fail(OAuthErrOther, err.Error()), err
	}

	h.log.Info().Str("user_id", user.ID).Msg("sign-in complete")
	return h.set(CallbackResult{
		Status:        CallbackSuccess,
		Message:       "Authentication successful! Redirecting...",
		User:          user,
		Redirect:      h.SuccessPath,
		RedirectAfter: h.SuccessDelay,
		Scrub:         true,
	}), nil
}

func (h *CallbackHandler) fail(kind OAuthErrorKind, detail string) CallbackResult {
	msg := kind.Message(detail)
	h.log.Warn().Int("kind", int(kind)).Str("message", msg).Msg("oauth callback failed")
	return h.set(CallbackResult{
		Status:  CallbackError,
		Message: msg,
		Kind:    kind,
		Scrub:   true,
	})
}
