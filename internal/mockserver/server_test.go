package mockserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/aofiee/chat-view/internal/auth"
	"github.com/aofiee/chat-view/internal/chat"
)

type envelope struct {
	Status struct {
		Code    int      `json:"code"`
		Message []string `json:"message"`
	} `json:"status"`
	Data json.RawMessage `json:"data"`
}

func do(t *testing.T, s *Server, method, path, bearer string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, out
}

func decodeEnvelope(t *testing.T, raw []byte) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return env
}

// signIn runs signin, authorize and callback and returns the token pair.
func signIn(t *testing.T, s *Server) tokenPair {
	t.Helper()
	_, body := do(t, s, http.MethodPost, "/v1/api/auth/oauth2/signin", "", map[string]string{"r": "req-1"})
	env := decodeEnvelope(t, body)
	var authorizeURL string
	if err := json.Unmarshal(env.Data, &authorizeURL); err != nil || env.Status.Code != 200 {
		t.Fatalf("signin: status=%d data=%s", env.Status.Code, env.Data)
	}
	u, err := url.Parse(authorizeURL)
	if err != nil {
		t.Fatalf("parse authorize url: %v", err)
	}
	state := u.Query().Get("state")

	resp, _ := do(t, s, http.MethodGet, u.RequestURI(), "", nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize status = %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if loc.Query().Get("state") != state || loc.Query().Get("code") == "" {
		t.Fatalf("unexpected redirect %s", loc)
	}

	_, body = do(t, s, http.MethodPost, "/v1/api/auth/oauth2/callback", "",
		map[string]string{"code": loc.Query().Get("code"), "state": state})
	env = decodeEnvelope(t, body)
	var pair tokenPair
	if err := json.Unmarshal(env.Data, &pair); err != nil || pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("callback returned %s", body)
	}
	return pair
}

func TestSignInFlowIssuesOperatorToken(t *testing.T) {
	t.Parallel()

	s := New(Options{Seed: 3})
	pair := signIn(t, s)
	user, err := auth.UserFromToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("UserFromToken: %v", err)
	}
	if user.ID != s.Operator().ID || user.Email != "operator@example.com" {
		t.Fatalf("unexpected identity %+v", user)
	}
	exp, ok := auth.TokenExpiry(pair.AccessToken)
	if !ok || time.Until(exp) <= 0 {
		t.Fatalf("token should carry a future exp, got %v %v", exp, ok)
	}
}

func TestAuthorizationCodeIsSingleUse(t *testing.T) {
	t.Parallel()

	s := New(Options{Seed: 1})
	_, body := do(t, s, http.MethodPost, "/v1/api/auth/oauth2/signin", "", map[string]string{"r": "x"})
	var authorizeURL string
	_ = json.Unmarshal(decodeEnvelope(t, body).Data, &authorizeURL)
	u, _ := url.Parse(authorizeURL)
	resp, _ := do(t, s, http.MethodGet, u.RequestURI(), "", nil)
	loc, _ := url.Parse(resp.Header.Get("Location"))
	exchange := map[string]string{"code": loc.Query().Get("code"), "state": loc.Query().Get("state")}

	if resp, _ := do(t, s, http.MethodPost, "/v1/api/auth/oauth2/callback", "", exchange); resp.StatusCode != http.StatusOK {
		t.Fatalf("first exchange status = %d", resp.StatusCode)
	}
	resp, body = do(t, s, http.MethodPost, "/v1/api/auth/oauth2/callback", "", exchange)
	env := decodeEnvelope(t, body)
	if resp.StatusCode != http.StatusBadRequest || env.Status.Code != 400 || len(env.Status.Message) != 1 || env.Status.Message[0] != "invalid_grant" {
		t.Fatalf("replayed code: status=%d body=%s", resp.StatusCode, body)
	}
}

func TestAuthorizeDenied(t *testing.T) {
	t.Parallel()

	s := New(Options{CallbackURL: "http://127.0.0.1:4000/auth/callback"})
	_, body := do(t, s, http.MethodPost, "/v1/api/auth/oauth2/signin", "", map[string]string{"r": "x"})
	var authorizeURL string
	_ = json.Unmarshal(decodeEnvelope(t, body).Data, &authorizeURL)
	u, _ := url.Parse(authorizeURL)

	resp, _ := do(t, s, http.MethodGet, u.RequestURI()+"&deny=1", "", nil)
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, "http://127.0.0.1:4000/auth/callback?") || !strings.Contains(loc, "error=access_denied") {
		t.Fatalf("unexpected redirect %q", loc)
	}
	if resp, _ := do(t, s, http.MethodGet, "/v1/api/auth/oauth2/authorize?state=forged", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown state should be rejected, got %d", resp.StatusCode)
	}
}

func TestRefreshRotatesTokens(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	pair := signIn(t, s)

	_, body := do(t, s, http.MethodPost, "/v1/api/auth/refresh-token", "", map[string]string{"refreshToken": pair.RefreshToken})
	var next tokenPair
	if err := json.Unmarshal(decodeEnvelope(t, body).Data, &next); err != nil || next.RefreshToken == "" || next.RefreshToken == pair.RefreshToken {
		t.Fatalf("refresh returned %s", body)
	}
	resp, _ := do(t, s, http.MethodPost, "/v1/api/auth/refresh-token", "", map[string]string{"refreshToken": pair.RefreshToken})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("old refresh token reused: status %d", resp.StatusCode)
	}
}

func TestCaseEndpointsRequireValidBearer(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := func() time.Time { return now }
	s := New(Options{Seed: 2, Now: clock, TokenTTL: time.Minute})
	access, err := s.AccessToken()
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}

	if resp, _ := do(t, s, http.MethodPost, "/v1/api/case/all", "", map[string]int{"offset": 0, "limit": 10}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing bearer: status %d", resp.StatusCode)
	}
	if resp, _ := do(t, s, http.MethodPost, "/v1/api/case/all", "not-a-jwt", map[string]int{"offset": 0}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage bearer: status %d", resp.StatusCode)
	}
	if resp, _ := do(t, s, http.MethodPost, "/v1/api/case/all", access, map[string]int{"offset": 0}); resp.StatusCode != http.StatusOK {
		t.Fatalf("valid bearer: status %d", resp.StatusCode)
	}

	later := New(Options{Seed: 2, Now: func() time.Time { return now.Add(2 * time.Minute) }, Secret: []byte("k")})
	expired := New(Options{Seed: 2, Now: clock, TokenTTL: time.Minute, Secret: []byte("k")})
	old, _ := expired.AccessToken()
	if resp, _ := do(t, later, http.MethodPost, "/v1/api/case/all", old, map[string]int{"offset": 0}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expired bearer: status %d", resp.StatusCode)
	}
}

func TestCasePagination(t *testing.T) {
	t.Parallel()

	s := New(Options{Seed: 25})
	access, _ := s.AccessToken()

	var page chat.CasePage
	_, body := do(t, s, http.MethodPost, "/v1/api/case/all", access, map[string]int{"offset": 20, "limit": 10})
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Items) != 5 || page.HasMore {
		t.Fatalf("last page: %d items hasMore=%v", len(page.Items), page.HasMore)
	}

	_, body = do(t, s, http.MethodPost, "/v1/api/case/me", access, map[string]int{"offset": 0, "limit": 50})
	page = chat.CasePage{}
	_ = json.Unmarshal(body, &page)
	if len(page.Items) != 13 {
		t.Fatalf("expected 13 assigned cases, got %d", len(page.Items))
	}
	if resp, _ := do(t, s, http.MethodPost, "/v1/api/case/archived", access, map[string]int{}); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown menu: status %d", resp.StatusCode)
	}
}

func TestHistoryPagesFromNewest(t *testing.T) {
	t.Parallel()

	s := New(Options{Seed: 1})
	access, _ := s.AccessToken()
	userID := s.ConversationIDs()[0]

	fetch := func(offset int) chat.HistoryPage {
		_, body := do(t, s, http.MethodPost, "/v1/api/case/individual", access,
			map[string]any{"userId": userID, "offset": offset, "limit": 5})
		var page chat.HistoryPage
		if err := json.Unmarshal(body, &page); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return page
	}
	newest := fetch(0)
	older := fetch(5)
	oldest := fetch(10)
	if len(newest.Messages) != 5 || !newest.HasMore || len(oldest.Messages) != 2 || oldest.HasMore {
		t.Fatalf("unexpected paging: %d/%v %d/%v", len(newest.Messages), newest.HasMore, len(oldest.Messages), oldest.HasMore)
	}
	if !older.Messages[4].CreatedAt.Before(newest.Messages[0].CreatedAt.Time) {
		t.Fatal("second page should be older than the first")
	}
	if newest.Messages[0].Author() == chat.AuthorSystem {
		t.Fatal("seeded messages carry createdBy")
	}
}

func TestInjectPushesToBothChannels(t *testing.T) {
	t.Parallel()

	s := New(Options{Seed: 2})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = s.Serve(ln) }()
	defer func() { _ = s.Shutdown() }()

	userID := s.ConversationIDs()[1]
	base := "ws://" + ln.Addr().String() + "/v1/api/ws"
	listConn, _, err := websocket.DefaultDialer.Dial(base+"/case?owner=op&category=all", nil)
	if err != nil {
		t.Fatalf("dial list: %v", err)
	}
	defer listConn.Close()
	convConn, _, err := websocket.DefaultDialer.Dial(base+"/individual?owner=op&userId="+userID, nil)
	if err != nil {
		t.Fatalf("dial conversation: %v", err)
	}
	defer convConn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.count(listTopic(chat.MenuAll)) == 0 || s.hub.count(conversationTopic(userID)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscribers never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	msg, err := s.Inject(InjectRequest{UserID: userID, Text: "anyone there?"})
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}

	_ = listConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := listConn.ReadMessage()
	if err != nil {
		t.Fatalf("read list frame: %v", err)
	}
	summary, ok := chat.DecodeSummaryUpdate(raw, time.Now())
	if !ok || summary.ConversationID != userID || summary.Preview != "anyone there?" {
		t.Fatalf("unexpected list frame %s", raw)
	}

	_ = convConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err = convConn.ReadMessage()
	if err != nil {
		t.Fatalf("read conversation frame: %v", err)
	}
	got, ok := chat.DecodeMessageEvent(raw, time.Now())
	if !ok || got.MessageID != msg.MessageID || got.Author() != chat.AuthorVisitor {
		t.Fatalf("unexpected conversation frame %s", raw)
	}
	if ids := s.ConversationIDs(); ids[0] != userID {
		t.Fatalf("injected conversation should move to the front: %v", ids)
	}
}
