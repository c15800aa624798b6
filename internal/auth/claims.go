package auth

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// User is the operator identity carried in the access token's payload claim.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PictureURL  string `json:"pictureUrl"`
	Role        int    `json:"role"`
	IsEmployee  bool   `json:"isEmployee"`
}

// The console never holds the signing key, so tokens are read without
// verification. The backend rejects forged tokens on use.
var claimParser = jwt.NewParser()

func decodeClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("empty token")
	}
	if _, _, err := claimParser.ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// TokenExpiry returns the exp claim. ok is false when the token cannot be
// decoded or carries no exp.
func TokenExpiry(token string) (time.Time, bool) {
	claims, err := decodeClaims(token)
	if err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// UserFromToken derives the identity from the nested payload claim.
func UserFromToken(token string) (User, error) {
	claims, err := decodeClaims(token)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}
	payload, ok := claims["payload"].(map[string]any)
	if !ok {
		return User{}, fmt.Errorf("%w: missing payload claim", ErrNoIdentity)
	}
	u := User{
		ID:          stringClaim(payload["id"]),
		Email:       stringClaim(payload["email"]),
		DisplayName: stringClaim(payload["displayName"]),
		PictureURL:  stringClaim(payload["pictureUrl"]),
	}
	if role, ok := payload["role"].(float64); ok {
		u.Role = int(role)
	}
	if emp, ok := payload["isEmployee"].(bool); ok {
		u.IsEmployee = emp
	}
	return u, nil
}

func stringClaim(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
