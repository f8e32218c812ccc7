package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrEmptyToken   = errors.New("token is empty")
	ErrInvalidToken = errors.New("invalid token")
	ErrInactiveUser = errors.New("user is inactive")
)

// Identity is what the fan-out core knows about a connection's user. Anything
// richer (profile, team membership records) lives in the upstream services.
type Identity struct {
	UserID   string
	Username string
	Active   bool
}

// Authenticator validates a connection credential into an identity. The
// server consumes this at handshake time; tests substitute a stub.
type Authenticator interface {
	Validate(token string) (*Identity, error)
}

type SessionClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Active   *bool  `json:"active,omitempty"`
}

// JWTAuthenticator verifies HMAC-signed session tokens issued by the auth
// service. The secret is injected at construction, never read from a global.
type JWTAuthenticator struct {
	secret []byte
}

func NewJWTAuthenticator(secret []byte) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret}
}

func (a *JWTAuthenticator) Validate(tokenString string) (*Identity, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return nil, ErrEmptyToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}

	active := claims.Active == nil || *claims.Active
	if !active {
		return nil, ErrInactiveUser
	}

	return &Identity{
		UserID:   claims.Subject,
		Username: claims.Username,
		Active:   true,
	}, nil
}

// ExtractToken pulls the credential from a handshake request: query parameter
// first (browser WebSocket clients cannot set headers), then Authorization.
func ExtractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}
