package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// refreshTokenBytes is the entropy of an opaque refresh credential.
const refreshTokenBytes = 32

// PasswordHasher wraps bcrypt with a fixed cost factor.
type PasswordHasher struct {
	cost int
}

func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordHasher{cost: cost}
}

func (h *PasswordHasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(b), nil
}

// Compare reports whether password matches hash. A mismatch is not an
// error; only unrelated bcrypt faults (e.g. a malformed hash) are.
func (h *PasswordHasher) Compare(hash, password string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, fmt.Errorf("comparing password: %w", err)
}

// AccessClaims is the signed payload of an access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role,omitempty"`
}

// UserID parses the subject claim back into a user id.
func (c *AccessClaims) UserID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

// TokenSigner signs and verifies access tokens with a process-wide shared
// secret (HS256).
type TokenSigner struct {
	secret    []byte
	accessTTL time.Duration
}

func NewTokenSigner(secret []byte, accessTTL time.Duration) *TokenSigner {
	return &TokenSigner{secret: secret, accessTTL: accessTTL}
}

// AccessTTL returns the configured access token lifetime.
func (s *TokenSigner) AccessTTL() time.Duration {
	return s.accessTTL
}

// Sign issues an access token for the user. The expiry is always
// iat + accessTTL.
func (s *TokenSigner) Sign(u *User) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.accessTTL)
	claims := &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(u.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Email: u.Email,
		Role:  u.Role,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify decodes and validates a raw access token. It fails on a bad
// signature, malformed structure, unexpected signing method, or expiry in
// the past.
func (s *TokenSigner) Verify(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// genRefreshToken generates an opaque refresh credential.
func genRefreshToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating refresh token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// TokenPair is the result of issuing credentials for a user.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	ExpiresIn        int64 // access token lifetime in seconds
	RefreshExpiresAt time.Time
}

// TokenIssuer produces access+refresh pairs and persists the refresh slot.
type TokenIssuer struct {
	store      Store
	signer     *TokenSigner
	refreshTTL time.Duration
}

func NewTokenIssuer(store Store, signer *TokenSigner, refreshTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{store: store, signer: signer, refreshTTL: refreshTTL}
}

// IssuePair signs a fresh access token, generates a new refresh credential
// and writes it to the user's slot in a single statement. Overwriting the
// slot is what invalidates any previously issued refresh credential.
func (i *TokenIssuer) IssuePair(ctx context.Context, u *User) (*TokenPair, error) {
	access, _, err := i.signer.Sign(u)
	if err != nil {
		return nil, err
	}

	refresh, err := genRefreshToken()
	if err != nil {
		return nil, err
	}
	refreshExpiresAt := time.Now().Add(i.refreshTTL)

	if err := i.store.UpdateRefreshToken(ctx, u.ID, refresh, refreshExpiresAt); err != nil {
		return nil, fmt.Errorf("persisting refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresIn:        int64(i.signer.AccessTTL().Seconds()),
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}
