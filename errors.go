package main

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Sentinel errors returned by the service layer. Handlers map them to HTTP
// status codes and machine-readable error codes at the boundary; nothing
// below the boundary knows about HTTP.
var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoCredential       = errors.New("no credential provided")
	ErrTokenInvalid       = errors.New("invalid or expired token")
	ErrRefreshInvalid     = errors.New("invalid or expired refresh token")
)

// Stable error codes exposed in responses.
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeUserExists         = "USER_ALREADY_EXISTS"
	CodeUsernameExists     = "USERNAME_ALREADY_EXISTS"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeAuthRequired       = "AUTH_REQUIRED"
	CodeAuthInvalid        = "AUTH_INVALID"
	CodeAuthRefreshInvalid = "AUTH_REFRESH_INVALID"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeInternalError      = "INTERNAL_ERROR"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

// writeAuthError maps a service-layer error to its HTTP status and code.
func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrEmailTaken):
		writeError(w, http.StatusConflict, CodeUserExists, "User with this email already exists")
	case errors.Is(err, ErrUsernameTaken):
		writeError(w, http.StatusConflict, CodeUsernameExists, "Username is already taken")
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid credentials")
	case errors.Is(err, ErrNoCredential):
		writeError(w, http.StatusUnauthorized, CodeAuthRequired, "Authentication required")
	case errors.Is(err, ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, CodeAuthInvalid, "Invalid or expired token")
	case errors.Is(err, ErrRefreshInvalid):
		writeError(w, http.StatusUnauthorized, CodeAuthRefreshInvalid, "Invalid or expired refresh token")
	default:
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
	}
}
