package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	accessTokenCookie  = "access_token"
	refreshTokenCookie = "refresh_token"
)

type contextKey int

const identityKey contextKey = iota

// WithIdentity returns a context carrying the authenticated identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom extracts the request identity installed by RequireAuth or
// OptionalAuth.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// accessTokenFromRequest reads the bearer credential, preferring the
// HttpOnly cookie over the Authorization header. The cookie wins because it
// is inaccessible to page scripts; the header remains for API clients.
func accessTokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(accessTokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.Fields(auth)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// refreshTokenFromRequest reads the refresh credential with the same
// two-source priority: cookie first, then the request-body field the
// handler already decoded.
func refreshTokenFromRequest(r *http.Request, bodyToken string) string {
	if c, err := r.Cookie(refreshTokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return bodyToken
}

// Authenticator verifies extracted access tokens and establishes a
// request-scoped identity.
type Authenticator struct {
	signer *TokenSigner
	logger *logrus.Logger
}

func NewAuthenticator(signer *TokenSigner, logger *logrus.Logger) *Authenticator {
	return &Authenticator{signer: signer, logger: logger}
}

// authenticate runs extraction and verification for one request. It returns
// ErrNoCredential when no token is present and ErrTokenInvalid when
// verification fails; callers decide whether either is fatal.
func (a *Authenticator) authenticate(r *http.Request) (Identity, error) {
	raw := accessTokenFromRequest(r)
	if raw == "" {
		return Identity{}, ErrNoCredential
	}

	claims, err := a.signer.Verify(raw)
	if err != nil {
		return Identity{}, err
	}

	userID, err := claims.UserID()
	if err != nil {
		return Identity{}, ErrTokenInvalid
	}

	return Identity{UserID: userID, Email: claims.Email, Role: claims.Role}, nil
}

// RequireAuth rejects requests without a valid access token.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.authenticate(r)
		if err != nil {
			a.logger.WithFields(logrus.Fields{
				"path":  r.URL.Path,
				"error": err.Error(),
			}).Debug("authentication rejected")
			writeAuthError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// OptionalAuth never rejects: any authentication failure downgrades the
// request to the anonymous identity.
func (a *Authenticator) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.authenticate(r)
		if err != nil {
			if !errors.Is(err, ErrNoCredential) {
				a.logger.WithField("error", err.Error()).Debug("optional auth failed, proceeding anonymous")
			}
			identity = anonymousIdentity
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}
