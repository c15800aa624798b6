package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/aofiee/chat-view/internal/auth"
	"github.com/aofiee/chat-view/internal/chat"
	"github.com/aofiee/chat-view/internal/metrics"
)

// DefaultRateLimit is requests per second across all authenticated calls.
const DefaultRateLimit = 10

// Gateway sends authenticated requests. The bearer token comes from the
// session, which refreshes it when expired; a 401 or a failed refresh signs
// the operator out.
type Gateway struct {
	base      *url.URL
	session   *auth.Session
	transport http.RoundTripper
	limiter   *rate.Limiter
	log       zerolog.Logger

	// OnSignOut is called after stored auth has been cleared.
	OnSignOut func(reason string)
}

type GatewayOption func(*Gateway)

func WithTransport(rt http.RoundTripper) GatewayOption {
	return func(g *Gateway) { g.transport = rt }
}

// WithRateLimit sets requests per second; zero or less disables pacing.
func WithRateLimit(perSecond float64) GatewayOption {
	return func(g *Gateway) {
		if perSecond <= 0 {
			g.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithGatewayLogger(l zerolog.Logger) GatewayOption {
	return func(g *Gateway) { g.log = l }
}

func NewGateway(baseURL string, s *auth.Session, opts ...GatewayOption) (*Gateway, error) {
	base, err := parseBase(baseURL)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		base:      base,
		session:   s,
		transport: http.DefaultTransport,
		limiter:   rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Post sends body as JSON to endpoint and decodes a 2xx response into out.
func (g *Gateway) Post(ctx context.Context, endpoint string, body, out any) error {
	if g.limiter.Tokens() < 1 {
		metrics.RateLimitWaits.Inc()
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resolve(g.base, endpoint), nil)
	if err != nil {
		return err
	}
	if err := jsonRequest(req, body); err != nil {
		return err
	}
	client := &http.Client{Transport: &oauth2.Transport{
		Source: g.session.TokenSource(ctx),
		Base:   g.transport,
	}}

	start := time.Now()
	resp, err := client.Do(req)
	metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, auth.ErrReauthRequired) {
			metrics.APIRequestsTotal.WithLabelValues(endpoint, "reauth").Inc()
			g.signedOut("refresh_failed")
			return fmt.Errorf("%w: %w", ErrAuthRequired, err)
		}
		metrics.APIRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	metrics.APIRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	raw, err := readBody(resp)
	if err != nil {
		return fmt.Errorf("read %s response: %w", endpoint, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		g.log.Warn().Str("endpoint", endpoint).Msg("request unauthorized, signing out")
		if cerr := g.session.ClearAuth(ctx); cerr != nil {
			g.log.Error().Err(cerr).Msg("clear auth after 401")
		}
		g.signedOut("unauthorized")
		return ErrAuthRequired
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpError(resp, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func (g *Gateway) signedOut(reason string) {
	metrics.SignOuts.WithLabelValues(reason).Inc()
	if g.OnSignOut != nil {
		g.OnSignOut(reason)
	}
}

type caseRequest struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

type historyRequest struct {
	UserID string `json:"userId"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

type historyResponse struct {
	Status *Status `json:"status,omitempty"`
	chat.HistoryPage
}

// FetchCases loads one page of the case list for menu.
func (g *Gateway) FetchCases(ctx context.Context, menu chat.MenuType, offset, limit int) (chat.CasePage, error) {
	var page chat.CasePage
	if err := g.Post(ctx, "case/"+string(menu), caseRequest{Offset: offset, Limit: limit}, &page); err != nil {
		return chat.CasePage{}, err
	}
	g.log.Debug().
		Str("menu", string(menu)).
		Int("offset", offset).
		Int("items", len(page.Items)).
		Bool("has_more", page.HasMore).
		Msg("case page loaded")
	return page, nil
}

// FetchHistory loads one page of a conversation, oldest message first.
func (g *Gateway) FetchHistory(ctx context.Context, userID string, offset, limit int) (chat.HistoryPage, error) {
	var resp historyResponse
	req := historyRequest{UserID: userID, Offset: offset, Limit: limit}
	if err := g.Post(ctx, EndpointIndividual, req, &resp); err != nil {
		return chat.HistoryPage{}, err
	}
	if resp.Status != nil && resp.Status.Code != 0 && resp.Status.Code != http.StatusOK {
		return chat.HistoryPage{}, statusErr(resp.Status, "")
	}
	g.log.Debug().
		Str("user_id", userID).
		Int("offset", offset).
		Int("messages", len(resp.Messages)).
		Bool("has_more", resp.HasMore).
		Msg("history page loaded")
	return resp.HistoryPage, nil
}
