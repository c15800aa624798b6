// Package mockserver is an in-process stand-in for the support backend: the
// OAuth sign-in endpoints, the case and history REST endpoints and both
// websocket channels. It is meant for local development and tests.
package mockserver

import (
	"errors"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aofiee/chat-view/internal/auth"
	"github.com/aofiee/chat-view/internal/chat"
)

const (
	DefaultCallbackURL = "http://127.0.0.1:3000/auth/callback"
	DefaultTokenTTL    = 15 * time.Minute
	DefaultSeed        = 25
	prefix             = "/v1/api"
)

type Options struct {
	// CallbackURL receives the simulated provider redirect.
	CallbackURL string
	Seed        int
	TokenTTL    time.Duration
	// Secret signs access tokens; a random one is used when empty.
	Secret   []byte
	Operator auth.User
	Logger   zerolog.Logger
	Now      func() time.Time
}

type conversation struct {
	item     chat.ChatItem
	menus    map[chat.MenuType]bool
	messages []chat.Message
}

// Server holds the mock backend state.
type Server struct {
	opts Options
	log  zerolog.Logger
	app  *fiber.App
	hub  *hub

	mu      sync.Mutex
	states  map[string]bool
	codes   map[string]bool // code -> already used
	refresh map[string]bool
	convs   map[string]*conversation
	order   []string // conversation ids, most recent first
}

func New(opts Options) *Server {
	if opts.CallbackURL == "" {
		opts.CallbackURL = DefaultCallbackURL
	}
	if opts.Seed < 0 {
		opts.Seed = 0
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if len(opts.Secret) == 0 {
		opts.Secret = []byte(uuid.NewString() + uuid.NewString())
	}
	if opts.Operator.ID == "" {
		opts.Operator = auth.User{
			ID:          uuid.NewString(),
			Email:       "operator@example.com",
			DisplayName: "Support Operator",
			Role:        1,
			IsEmployee:  true,
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		opts:    opts,
		log:     opts.Logger,
		hub:     newHub(opts.Logger),
		states:  map[string]bool{},
		codes:   map[string]bool{},
		refresh: map[string]bool{},
		convs:   map[string]*conversation{},
	}
	s.seed(opts.Seed)
	s.app = fiber.New(fiber.Config{DisableStartupMessage: true})
	s.routes()
	return s
}

// App exposes the fiber app, mainly for app.Test in tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Operator() auth.User { return s.opts.Operator }

func (s *Server) Listen(addr string) error {
	s.log.Info().Str("addr", addr).Int("conversations", len(s.order)).Msg("mock backend listening")
	return s.app.Listen(addr)
}

// Serve runs the app on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

func (s *Server) Shutdown() error {
	s.hub.closeAll()
	return s.app.Shutdown()
}

func (s *Server) routes() {
	api := s.app.Group(prefix)
	api.Post("/auth/oauth2/signin", s.handleSignin)
	api.Get("/auth/oauth2/authorize", s.handleAuthorize)
	api.Post("/auth/oauth2/callback", s.handleCallback)
	api.Post("/auth/refresh-token", s.handleRefresh)

	api.Post("/case/individual", s.requireBearer, s.handleHistory)
	api.Post("/case/:menu", s.requireBearer, s.handleCases)

	api.Post("/mock/message", s.handleInject)

	api.Use("/ws", s.requireUpgrade)
	api.Get("/ws/case", s.hub.handler(func(c queryer) (string, error) {
		if c.Query("owner") == "" || c.Query("category") == "" {
			return "", errors.New("owner and category are required")
		}
		return listTopic(chat.MenuType(c.Query("category"))), nil
	}))
	api.Get("/ws/individual", s.hub.handler(func(c queryer) (string, error) {
		if c.Query("owner") == "" || c.Query("userId") == "" {
			return "", errors.New("owner and userId are required")
		}
		return conversationTopic(c.Query("userId")), nil
	}))
}

func ok(c *fiber.Ctx, data any) error {
	return c.JSON(fiber.Map{
		"status": fiber.Map{"code": fiber.StatusOK, "message": []string{}},
		"data":   data,
	})
}

func fail(c *fiber.Ctx, code int, msgs ...string) error {
	return c.Status(code).JSON(fiber.Map{
		"status": fiber.Map{"code": code, "message": msgs},
	})
}

func (s *Server) handleSignin(c *fiber.Ctx) error {
	var req struct {
		R string `json:"r"`
	}
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.R) == "" {
		return fail(c, fiber.StatusBadRequest, "r is required")
	}
	state := uuid.NewString()
	s.mu.Lock()
	s.states[state] = true
	s.mu.Unlock()

	q := url.Values{}
	q.Set("state", state)
	q.Set("redirect_uri", s.opts.CallbackURL)
	return ok(c, c.BaseURL()+prefix+"/auth/oauth2/authorize?"+q.Encode())
}

// handleAuthorize plays the identity provider: it sends the browser back to
// the callback with a fresh code, or with access_denied when deny=1.
func (s *Server) handleAuthorize(c *fiber.Ctx) error {
	state := c.Query("state")
	s.mu.Lock()
	known := s.states[state]
	s.mu.Unlock()
	if !known {
		return c.Status(fiber.StatusBadRequest).SendString("unknown state")
	}

	q := url.Values{}
	q.Set("state", state)
	if c.Query("deny") == "1" {
		q.Set("error", "access_denied")
		q.Set("error_description", "The user denied access")
	} else {
		code := uuid.NewString()
		s.mu.Lock()
		s.codes[code] = false
		s.mu.Unlock()
		q.Set("code", code)
	}
	return c.Redirect(s.opts.CallbackURL+"?"+q.Encode(), fiber.StatusFound)
}

func (s *Server) handleCallback(c *fiber.Ctx) error {
	var req struct {
		Code  string `json:"code"`
		State string `json:"state"`
	}
	if err := c.BodyParser(&req); err != nil || req.Code == "" {
		return fail(c, fiber.StatusBadRequest, "invalid_request")
	}

	s.mu.Lock()
	used, known := s.codes[req.Code]
	if known && !used {
		s.codes[req.Code] = true
		delete(s.states, req.State)
	}
	s.mu.Unlock()
	if !known || used {
		return fail(c, fiber.StatusBadRequest, "invalid_grant")
	}

	pair, err := s.issuePair()
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	return ok(c, pair)
}

func (s *Server) handleRefresh(c *fiber.Ctx) error {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := c.BodyParser(&req); err != nil || req.RefreshToken == "" {
		return fail(c, fiber.StatusBadRequest, "refreshToken is required")
	}
	s.mu.Lock()
	valid := s.refresh[req.RefreshToken]
	delete(s.refresh, req.RefreshToken)
	s.mu.Unlock()
	if !valid {
		return fail(c, fiber.StatusUnauthorized, "invalid refresh token")
	}
	pair, err := s.issuePair()
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	return ok(c, pair)
}
