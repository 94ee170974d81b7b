package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/astromechza/notesync/pkg/realtime"
)

// ErrNoCredentials is returned by an Authenticator when the request carries no credentials at all,
// which is the only case where a guest may be admitted.
var ErrNoCredentials = errors.New("no credentials")

// Authenticator resolves the user behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (realtime.User, error)
}

// TokenLookup resolves an opaque session token.
type TokenLookup interface {
	LookupToken(ctx context.Context, token string) (realtime.User, error)
}

// TokenAuthenticator reads a token from the Authorization bearer header, the token query parameter
// or a cookie, in that order.
type TokenAuthenticator struct {
	tokens     TokenLookup
	cookieName string
}

func NewTokenAuthenticator(tokens TokenLookup, cookieName string) *TokenAuthenticator {
	if cookieName == "" {
		cookieName = "notesync_token"
	}
	return &TokenAuthenticator{tokens: tokens, cookieName: cookieName}
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (realtime.User, error) {
	token := a.token(r)
	if token == "" {
		return realtime.User{}, ErrNoCredentials
	}
	user, err := a.tokens.LookupToken(r.Context(), token)
	if err != nil {
		return realtime.User{}, fmt.Errorf("failed to look up token: %w", err)
	}
	return user, nil
}

func (a *TokenAuthenticator) token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if c, err := r.Cookie(a.cookieName); err == nil {
		return c.Value
	}
	return ""
}
