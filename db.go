package main

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"
)

// Store is the persistence port for user records. Missing rows are
// reported as (nil, nil); every mutation is a single atomic statement.
type Store interface {
	Init() error
	CreateUser(ctx context.Context, nu *NewUser) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	// GetUserByValidRefreshToken matches the stored refresh slot and
	// filters out expired credentials inside the query.
	GetUserByValidRefreshToken(ctx context.Context, token string) (*User, error)
	UpdateRefreshToken(ctx context.Context, id int64, token string, expiresAt time.Time) error
	ClearRefreshToken(ctx context.Context, id int64) error
}

// Memory store
type MemDB struct {
	mu    sync.Mutex
	users map[int64]*User
	seq   int64
}

func NewMemoryDB() *MemDB {
	return &MemDB{users: map[int64]*User{}, seq: 1}
}

func (m *MemDB) Init() error { return nil }

func (m *MemDB) CreateUser(ctx context.Context, nu *NewUser) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == nu.Email {
			return nil, ErrEmailTaken
		}
		if u.Username == nu.Username {
			return nil, ErrUsernameTaken
		}
	}
	now := time.Now()
	u := &User{
		ID:           m.seq,
		Email:        nu.Email,
		Username:     nu.Username,
		PasswordHash: nu.PasswordHash,
		DisplayName:  nu.DisplayName,
		Role:         nu.Role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.seq++
	m.users[u.ID] = u
	return cloneUser(u), nil
}

func (m *MemDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, nil
}

func (m *MemDB) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return cloneUser(u), nil
		}
	}
	return nil, nil
}

func (m *MemDB) GetUserByID(ctx context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return cloneUser(u), nil
	}
	return nil, nil
}

func (m *MemDB) GetUserByValidRefreshToken(ctx context.Context, token string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, u := range m.users {
		if u.RefreshToken != nil && *u.RefreshToken == token &&
			u.RefreshTokenExpiresAt != nil && u.RefreshTokenExpiresAt.After(now) {
			return cloneUser(u), nil
		}
	}
	return nil, nil
}

func (m *MemDB) UpdateRefreshToken(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.RefreshToken = &token
		u.RefreshTokenExpiresAt = &expiresAt
		u.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemDB) ClearRefreshToken(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.RefreshToken = nil
		u.RefreshTokenExpiresAt = nil
		u.UpdatedAt = time.Now()
	}
	return nil
}

func cloneUser(u *User) *User {
	c := *u
	if u.RefreshToken != nil {
		t := *u.RefreshToken
		c.RefreshToken = &t
	}
	if u.RefreshTokenExpiresAt != nil {
		e := *u.RefreshTokenExpiresAt
		c.RefreshTokenExpiresAt = &e
	}
	return &c
}

// SQLite store
type SQLiteDB struct {
	db   *sql.DB
	path string
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteDB{db: d, path: path}
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			refresh_token TEXT,
			refresh_token_expires_at INTEGER,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

const sqliteUserCols = `id,email,username,password_hash,display_name,role,refresh_token,refresh_token_expires_at`

func (s *SQLiteDB) scanUser(row *sql.Row) (*User, error) {
	var u User
	var refresh sql.NullString
	var refreshExp sql.NullInt64
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.DisplayName, &u.Role, &refresh, &refreshExp); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if refresh.Valid {
		u.RefreshToken = &refresh.String
	}
	if refreshExp.Valid {
		exp := time.Unix(refreshExp.Int64, 0)
		u.RefreshTokenExpiresAt = &exp
	}
	return &u, nil
}

func (s *SQLiteDB) CreateUser(ctx context.Context, nu *NewUser) (*User, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(email,username,password_hash,display_name,role) VALUES(?,?,?,?,?)`,
		nu.Email, nu.Username, nu.PasswordHash, nu.DisplayName, nu.Role)
	if err != nil {
		return nil, sqliteConflict(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &User{
		ID:           id,
		Email:        nu.Email,
		Username:     nu.Username,
		PasswordHash: nu.PasswordHash,
		DisplayName:  nu.DisplayName,
		Role:         nu.Role,
	}, nil
}

// sqliteConflict maps unique constraint violations to the sentinel
// conflict errors; other errors pass through.
func sqliteConflict(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "users.email") {
		return ErrEmailTaken
	}
	if strings.Contains(msg, "users.username") {
		return ErrUsernameTaken
	}
	return err
}

func (s *SQLiteDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserCols+` FROM users WHERE email = ?`, email))
}

func (s *SQLiteDB) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserCols+` FROM users WHERE username = ?`, username))
}

func (s *SQLiteDB) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserCols+` FROM users WHERE id = ?`, id))
}

func (s *SQLiteDB) GetUserByValidRefreshToken(ctx context.Context, token string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserCols+` FROM users WHERE refresh_token = ? AND refresh_token_expires_at > ?`,
		token, time.Now().Unix()))
}

func (s *SQLiteDB) UpdateRefreshToken(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET refresh_token = ?, refresh_token_expires_at = ?, updated_at = datetime('now') WHERE id = ?`,
		token, expiresAt.Unix(), id)
	return err
}

func (s *SQLiteDB) ClearRefreshToken(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET refresh_token = NULL, refresh_token_expires_at = NULL, updated_at = datetime('now') WHERE id = ?`, id)
	return err
}

// lifecycle helpers
func (m *MemDB) close() error { return nil }
func (m *MemDB) ping() bool   { return true }

func (s *SQLiteDB) close() error { return s.db.Close() }
func (s *SQLiteDB) ping() bool   { return s.db.Ping() == nil }
