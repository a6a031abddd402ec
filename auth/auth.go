// Package auth provides voxa.Authenticator implementations: a remote HTTP
// service, HMAC signed JWTs and a fixed token table.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/luciancaetano/voxa"
)

// HTTP asks a remote service to validate tokens.
//
// The request is GET <url>?token=<token>&key=<server key>. A 200 response
// carrying {"user_id": "..."} accepts the token; 401 and 403 reject it; any
// other outcome is an error.
type HTTP struct {
	url    string
	key    string
	client *http.Client
}

// NewHTTP creates an HTTP authenticator. A nil client gets one with
// conservative timeouts.
func NewHTTP(endpoint, serverKey string, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   5 * time.Second,
				ResponseHeaderTimeout: 5 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConnsPerHost:   10,
			},
		}
	}
	return &HTTP{url: endpoint, key: serverKey, client: client}
}

type userResponse struct {
	UserID string `json:"user_id"`
}

// Authenticate implements voxa.Authenticator.
func (a *HTTP) Authenticate(ctx context.Context, token string) (string, error) {
	u, err := url.Parse(a.url)
	if err != nil {
		return "", fmt.Errorf("auth url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("key", a.key)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", voxa.ErrUnauthorized
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("auth service returned %d: %s", resp.StatusCode, body)
	}

	var out userResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}
	if out.UserID == "" {
		return "", voxa.ErrUnauthorized
	}
	return out.UserID, nil
}

// Claims are the JWT claims accepted by JWT.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// JWT validates HMAC signed tokens locally.
type JWT struct {
	secret []byte
}

// NewJWT creates a JWT authenticator for tokens signed with secret.
func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret)}
}

// Authenticate implements voxa.Authenticator. The user id is the user_id
// claim, or the subject when user_id is absent.
func (a *JWT) Authenticate(_ context.Context, token string) (string, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", voxa.ErrUnauthorized, err)
	}

	if claims.UserID != "" {
		return claims.UserID, nil
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return "", fmt.Errorf("%w: token has no user", voxa.ErrUnauthorized)
}

// Sign issues a token for userID valid for ttl. A ttl <= 0 means no expiry.
func (a *JWT) Sign(userID string, ttl time.Duration) (string, error) {
	claims := Claims{UserID: userID}
	claims.IssuedAt = jwt.NewNumericDate(time.Now())
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Static maps tokens to user ids.
type Static map[string]string

// Authenticate implements voxa.Authenticator.
func (s Static) Authenticate(_ context.Context, token string) (string, error) {
	if userID, ok := s[token]; ok && userID != "" {
		return userID, nil
	}
	return "", voxa.ErrUnauthorized
}

// IsUnauthorized reports whether err means the token was rejected rather
// than the check failing.
func IsUnauthorized(err error) bool {
	return errors.Is(err, voxa.ErrUnauthorized)
}
