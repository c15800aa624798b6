// Package api talks to the support backend: the unauthenticated sign-in
// endpoints and the authenticated case and history endpoints.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	DefaultBaseURL     = "http://localhost:8080/v1/api"
	DefaultRefreshPath = "auth/refresh-token"

	EndpointSignin     = "auth/oauth2/signin"
	EndpointCallback   = "auth/oauth2/callback"
	EndpointIndividual = "case/individual"
)

// ErrAuthRequired means the request could not be authenticated. Stored auth
// has been cleared by the time it is returned.
var ErrAuthRequired = errors.New("authentication required; run: chatview auth login")

// HTTPError is a non-2xx response outside the envelope contract.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	detail := strings.TrimSpace(e.Body)
	if detail == "" {
		return fmt.Sprintf("HTTP error! status: %d", e.StatusCode)
	}
	return fmt.Sprintf("chat api request failed (%s): %s", e.Status, detail)
}

// StatusError is an envelope whose status code is not 200.
type StatusError struct {
	Code     int
	Messages []string
	Fallback string
}

func (e *StatusError) Error() string {
	if msg := strings.Join(e.Messages, ", "); msg != "" {
		return msg
	}
	if e.Fallback != "" {
		return e.Fallback
	}
	return fmt.Sprintf("backend returned status %d", e.Code)
}

// Messages accepts either a string or an array of strings.
type Messages []string

func (m *Messages) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte("null")) {
		*m = nil
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*m = Messages{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return err
	}
	*m = list
	return nil
}

type Status struct {
	Code    int      `json:"code"`
	Message Messages `json:"message"`
}

type envelope[T any] struct {
	Status *Status `json:"status,omitempty"`
	Data   T       `json:"data"`
}

// TokenData is the token pair inside the callback and refresh envelopes.
type TokenData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func resolve(base *url.URL, endpoint string) string {
	return base.JoinPath(strings.TrimLeft(endpoint, "/")).String()
}

func parseBase(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		raw = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api base url must be http or https, got %q", raw)
	}
	return u, nil
}

func jsonRequest(req *http.Request, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req.Body = io.NopCloser(bytes.NewReader(b))
	req.ContentLength = int64(len(b))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	return nil
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

func httpError(resp *http.Response, body []byte) *HTTPError {
	return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
}
