package main

import "time"

// Role is the coarse authorization level carried in access tokens.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User represents a registered account. The refresh token fields form a
// single slot: writing a new token invalidates the previous one.
type User struct {
	ID                    int64
	Email                 string
	Username              string
	PasswordHash          string
	DisplayName           string
	Role                  Role
	RefreshToken          *string
	RefreshTokenExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// PublicUser is the JSON representation returned to clients. It never
// includes the password hash or refresh token fields.
type PublicUser struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Role        Role   `json:"role"`
}

func (u *User) Public() *PublicUser {
	return &PublicUser{
		ID:          u.ID,
		Email:       u.Email,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Role:        u.Role,
	}
}

// NewUser carries the fields needed to create an account.
type NewUser struct {
	Email        string
	Username     string
	PasswordHash string
	DisplayName  string
	Role         Role
}

// Identity is the request-scoped result of authentication. It lives in the
// request context and is discarded when the request ends.
type Identity struct {
	UserID int64
	Email  string
	Role   Role
}

// anonymousIdentity is installed by optional auth when no valid credential
// is present.
var anonymousIdentity = Identity{UserID: 0, Role: RoleUser}

// IsAnonymous reports whether the identity is the anonymous sentinel.
func (id Identity) IsAnonymous() bool {
	return id.UserID == 0
}
