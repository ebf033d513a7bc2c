package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

type signupRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (r signupRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Username, validation.Required, validation.Length(3, 32)),
		validation.Field(&r.Password, validation.Required, validation.Length(8, 72)),
		validation.Field(&r.Name, validation.Length(0, 200)),
	)
}

type loginRequest struct {
	EmailOrUsername string `json:"emailOrUsername"`
	Password        string `json:"password"`
}

func (r loginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.EmailOrUsername, validation.Required),
		validation.Field(&r.Password, validation.Required),
	)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type authResponse struct {
	Token        string      `json:"token"`
	RefreshToken string      `json:"refreshToken"`
	ExpiresIn    int64       `json:"expiresIn"`
	User         *PublicUser `json:"user,omitempty"`
}

func (a *App) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}

	hash, err := a.hasher.Hash(req.Password)
	if err != nil {
		a.logger.WithError(err).Error("password hashing failed")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to process password")
		return
	}

	user, err := a.store.CreateUser(r.Context(), &NewUser{
		Email:        req.Email,
		Username:     req.Username,
		PasswordHash: hash,
		DisplayName:  req.Name,
		Role:         RoleUser,
	})
	if err != nil {
		if !errors.Is(err, ErrEmailTaken) && !errors.Is(err, ErrUsernameTaken) {
			a.logger.WithError(err).Error("create user failed")
		}
		writeAuthError(w, err)
		return
	}

	pair, err := a.issuer.IssuePair(r.Context(), user)
	if err != nil {
		a.logger.WithError(err).Error("issuing token pair failed")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to issue tokens")
		return
	}

	a.setAuthCookies(w, pair)
	writeJSON(w, http.StatusCreated, authResponse{
		Token:        pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		User:         user.Public(),
	})
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}

	var (
		user *User
		err  error
	)
	if strings.Contains(req.EmailOrUsername, "@") {
		user, err = a.store.GetUserByEmail(r.Context(), req.EmailOrUsername)
	} else {
		user, err = a.store.GetUserByUsername(r.Context(), req.EmailOrUsername)
	}
	if err != nil {
		a.logger.WithError(err).Error("user lookup failed")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
		return
	}
	if user == nil {
		writeAuthError(w, ErrInvalidCredentials)
		return
	}

	ok, err := a.hasher.Compare(user.PasswordHash, req.Password)
	if err != nil {
		a.logger.WithError(err).Error("password comparison failed")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
		return
	}
	if !ok {
		writeAuthError(w, ErrInvalidCredentials)
		return
	}

	pair, err := a.issuer.IssuePair(r.Context(), user)
	if err != nil {
		a.logger.WithError(err).Error("issuing token pair failed")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to issue tokens")
		return
	}

	a.setAuthCookies(w, pair)
	writeJSON(w, http.StatusOK, authResponse{
		Token:        pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		User:         user.Public(),
	})
}

func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	// Body is optional when the cookie carries the credential.
	var req refreshRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	token := refreshTokenFromRequest(r, req.RefreshToken)
	if token == "" {
		writeAuthError(w, ErrRefreshInvalid)
		return
	}

	user, err := a.store.GetUserByValidRefreshToken(r.Context(), token)
	if err != nil {
		a.logger.WithError(err).Error("refresh token lookup failed")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
		return
	}
	if user == nil {
		writeAuthError(w, ErrRefreshInvalid)
		return
	}

	// IssuePair overwrites the single refresh slot, which is what makes the
	// presented credential unusable from here on.
	pair, err := a.issuer.IssuePair(r.Context(), user)
	if err != nil {
		a.logger.WithError(err).Error("issuing token pair failed")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to issue tokens")
		return
	}

	a.setAuthCookies(w, pair)
	writeJSON(w, http.StatusOK, authResponse{
		Token:        pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	})
}

func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeAuthError(w, ErrNoCredential)
		return
	}

	if err := a.store.ClearRefreshToken(r.Context(), identity.UserID); err != nil {
		a.logger.WithError(err).Error("clearing refresh token failed")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
		return
	}

	a.deleteAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok || identity.IsAnonymous() {
		writeJSON(w, http.StatusOK, map[string]any{"user": nil})
		return
	}

	user, err := a.store.GetUserByID(r.Context(), identity.UserID)
	if err != nil {
		a.logger.WithError(err).Error("user lookup failed")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
		return
	}
	if user == nil {
		// valid token for a since-deleted account; treat as anonymous
		writeJSON(w, http.StatusOK, map[string]any{"user": nil})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"user": user.Public()})
}

func (a *App) setAuthCookies(w http.ResponseWriter, pair *TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessTokenCookie,
		Value:    pair.AccessToken,
		Path:     "/",
		MaxAge:   int(pair.ExpiresIn),
		HttpOnly: true,
		Secure:   a.cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshTokenCookie,
		Value:    pair.RefreshToken,
		Path:     "/",
		Expires:  pair.RefreshExpiresAt,
		MaxAge:   int(a.cfg.RefreshTokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   a.cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *App) deleteAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{accessTokenCookie, refreshTokenCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   a.cfg.IsProduction(),
			SameSite: http.SameSiteLaxMode,
		})
	}
}
