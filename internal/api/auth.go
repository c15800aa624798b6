package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/aofiee/chat-view/internal/logger"
)

// AuthClient calls the unauthenticated sign-in endpoints. It implements
// auth.CodeExchanger and auth.Refresher.
type AuthClient struct {
	base        *url.URL
	httpClient  *http.Client
	refreshPath string
	log         zerolog.Logger
}

type AuthOption func(*AuthClient)

func WithHTTPClient(c *http.Client) AuthOption {
	return func(a *AuthClient) { a.httpClient = c }
}

func WithRefreshPath(p string) AuthOption {
	return func(a *AuthClient) {
		if strings.TrimSpace(p) != "" {
			a.refreshPath = p
		}
	}
}

func WithAuthLogger(l zerolog.Logger) AuthOption {
	return func(a *AuthClient) { a.log = l }
}

func NewAuthClient(baseURL string, opts ...AuthOption) (*AuthClient, error) {
	base, err := parseBase(baseURL)
	if err != nil {
		return nil, err
	}
	a := &AuthClient{
		base:        base,
		httpClient:  http.DefaultClient,
		refreshPath: DefaultRefreshPath,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// SigninURL asks the backend for the provider authorization URL. The URL
// usually carries the state the backend minted for this attempt.
func (a *AuthClient) SigninURL(ctx context.Context) (string, error) {
	var env envelope[string]
	resp, body, err := a.post(ctx, EndpointSignin, map[string]string{"r": uuid.NewString()})
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", httpError(resp, nil)
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("decode signin response: %w", err)
	}
	if env.Status == nil || env.Status.Code != http.StatusOK || strings.TrimSpace(env.Data) == "" {
		return "", statusErr(env.Status, "Failed to get OAuth URL")
	}
	return env.Data, nil
}

// ExchangeCode trades an authorization code for a token pair. The envelope
// status decides success even when the HTTP status is not 2xx.
func (a *AuthClient) ExchangeCode(ctx context.Context, code, state string) (*oauth2.Token, error) {
	a.log.Debug().Str("code", logger.Redact(code)).Msg("sending oauth callback")
	return a.tokenCall(ctx, EndpointCallback, map[string]string{"code": code, "state": state}, true)
}

// Refresh trades a refresh token for a new pair.
func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return a.tokenCall(ctx, a.refreshPath, map[string]string{"refreshToken": refreshToken}, false)
}

func (a *AuthClient) tokenCall(ctx context.Context, endpoint string, payload any, envelopeFirst bool) (*oauth2.Token, error) {
	resp, body, err := a.post(ctx, endpoint, payload)
	if err != nil {
		return nil, err
	}
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok && !envelopeFirst {
		return nil, httpError(resp, nil)
	}
	var env envelope[TokenData]
	if jerr := json.Unmarshal(body, &env); jerr != nil {
		if !ok {
			return nil, httpError(resp, nil)
		}
		return nil, fmt.Errorf("decode %s response: %w", endpoint, jerr)
	}
	switch {
	case env.Status != nil && env.Status.Code == http.StatusOK:
	case env.Status != nil && len(env.Status.Message) > 0:
		return nil, statusErr(env.Status, "")
	case !ok:
		return nil, httpError(resp, nil)
	case env.Status != nil:
		return nil, statusErr(env.Status, "")
	}
	if env.Data.AccessToken == "" || env.Data.RefreshToken == "" {
		return nil, errors.New("no tokens received from server")
	}
	return &oauth2.Token{
		AccessToken:  env.Data.AccessToken,
		RefreshToken: env.Data.RefreshToken,
		TokenType:    "Bearer",
	}, nil
}

func (a *AuthClient) post(ctx context.Context, endpoint string, payload any) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resolve(a.base, endpoint), nil)
	if err != nil {
		return nil, nil, err
	}
	if err := jsonRequest(req, payload); err != nil {
		return nil, nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	return resp, body, nil
}

func statusErr(s *Status, fallback string) *StatusError {
	if s == nil {
		return &StatusError{Fallback: fallback}
	}
	return &StatusError{Code: s.Code, Messages: s.Message, Fallback: fallback}
}
