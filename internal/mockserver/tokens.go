package mockserver

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type tokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// AccessToken mints a signed access token for the operator.
func (s *Server) AccessToken() (string, error) {
	now := s.opts.Now()
	op := s.opts.Operator
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(s.opts.TokenTTL).Unix(),
		"payload": map[string]any{
			"id":          op.ID,
			"email":       op.Email,
			"displayName": op.DisplayName,
			"pictureUrl":  op.PictureURL,
			"role":        op.Role,
			"isEmployee":  op.IsEmployee,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.opts.Secret)
}

func (s *Server) issuePair() (tokenPair, error) {
	access, err := s.AccessToken()
	if err != nil {
		return tokenPair{}, err
	}
	refresh := uuid.NewString()
	s.mu.Lock()
	s.refresh[refresh] = true
	s.mu.Unlock()
	return tokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Server) requireBearer(c *fiber.Ctx) error {
	raw, found := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if !found || raw == "" {
		return fail(c, fiber.StatusUnauthorized, "missing bearer token")
	}
	_, err := jwt.Parse(raw,
		func(*jwt.Token) (any, error) { return s.opts.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.opts.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		s.log.Debug().Err(err).Msg("rejecting bearer token")
		return fail(c, fiber.StatusUnauthorized, "invalid token")
	}
	return c.Next()
}
