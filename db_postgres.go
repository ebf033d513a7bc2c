package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

type PostgresDB struct {
	db  *sql.DB
	dsn string
}

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresDB{db: d, dsn: dsn}
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) Init() error {
	// rely on migrations to create tables; just verify connectivity
	if err := p.db.Ping(); err != nil {
		return err
	}
	return nil
}

const pgUserCols = `id,email,username,password_hash,display_name,role,refresh_token,refresh_token_expires_at,created_at,updated_at`

func (p *PostgresDB) scanUser(row *sql.Row) (*User, error) {
	var u User
	var refresh sql.NullString
	var refreshExp sql.NullTime
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.DisplayName, &u.Role,
		&refresh, &refreshExp, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if refresh.Valid {
		u.RefreshToken = &refresh.String
	}
	if refreshExp.Valid {
		u.RefreshTokenExpiresAt = &refreshExp.Time
	}
	return &u, nil
}

func (p *PostgresDB) CreateUser(ctx context.Context, nu *NewUser) (*User, error) {
	var u User
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO users(email,username,password_hash,display_name,role,created_at,updated_at)
		 VALUES($1,$2,$3,$4,$5,now(),now()) RETURNING id,created_at,updated_at`,
		nu.Email, nu.Username, nu.PasswordHash, nu.DisplayName, nu.Role).
		Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, pgConflict(err)
	}
	u.Email = nu.Email
	u.Username = nu.Username
	u.PasswordHash = nu.PasswordHash
	u.DisplayName = nu.DisplayName
	u.Role = nu.Role
	return &u, nil
}

// pgConflict maps unique constraint violations to the sentinel conflict
// errors; other errors pass through.
func pgConflict(err error) error {
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		if pqErr.Constraint == "users_username_key" {
			return ErrUsernameTaken
		}
		return ErrEmailTaken
	}
	return err
}

func (p *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx,
		`SELECT `+pgUserCols+` FROM users WHERE email = $1`, email))
}

func (p *PostgresDB) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx,
		`SELECT `+pgUserCols+` FROM users WHERE username = $1`, username))
}

func (p *PostgresDB) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx,
		`SELECT `+pgUserCols+` FROM users WHERE id = $1`, id))
}

func (p *PostgresDB) GetUserByValidRefreshToken(ctx context.Context, token string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx,
		`SELECT `+pgUserCols+` FROM users WHERE refresh_token = $1 AND refresh_token_expires_at > now()`, token))
}

func (p *PostgresDB) UpdateRefreshToken(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE users SET refresh_token = $2, refresh_token_expires_at = $3, updated_at = now() WHERE id = $1`,
		id, token, expiresAt)
	return err
}

func (p *PostgresDB) ClearRefreshToken(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE users SET refresh_token = NULL, refresh_token_expires_at = NULL, updated_at = now() WHERE id = $1`, id)
	return err
}

func (p *PostgresDB) close() error { return p.db.Close() }
func (p *PostgresDB) ping() bool   { return p.db.Ping() == nil }
