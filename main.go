package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cfg "github.com/example/studyauth/internal/config"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// App wires the store, auth primitives and configuration together. All
// dependencies are injected so handlers are testable without a live
// database.
type App struct {
	store       Store
	hasher      *PasswordHasher
	signer      *TokenSigner
	issuer      *TokenIssuer
	auth        *Authenticator
	cfg         *cfg.Config
	logger      *logrus.Logger
	rateLimiter *RateLimiter
}

func NewApp(store Store, c *cfg.Config, logger *logrus.Logger) *App {
	signer := NewTokenSigner([]byte(c.JWTSecret), c.AccessTokenTTL)
	return &App{
		store:       store,
		hasher:      NewPasswordHasher(c.BcryptCost),
		signer:      signer,
		issuer:      NewTokenIssuer(store, signer, c.RefreshTokenTTL),
		auth:        NewAuthenticator(signer, logger),
		cfg:         c,
		logger:      logger,
		rateLimiter: NewRateLimiter(c.RateLimitPerMinute),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("write json")
	}
}

// Routes builds the full router, including the middleware chain.
func (a *App) Routes() *mux.Router {
	r := mux.NewRouter()

	r.Use(SecurityHeaders)
	r.Use(a.RequestLogging)
	r.Use(a.CORS)

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if p, ok := a.store.(interface{ ping() bool }); ok {
			if !p.ping() {
				writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
	}).Methods("GET")

	auth := r.PathPrefix("/api/auth").Subrouter()
	auth.Use(a.RateLimit)

	auth.HandleFunc("/signup", a.HandleSignup).Methods("POST")
	auth.HandleFunc("/login", a.HandleLogin).Methods("POST")
	auth.HandleFunc("/refresh", a.HandleRefresh).Methods("POST")
	auth.Handle("/logout", a.auth.RequireAuth(http.HandlerFunc(a.HandleLogout))).Methods("POST")
	auth.Handle("/me", a.auth.OptionalAuth(http.HandlerFunc(a.HandleMe))).Methods("GET")

	return r
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}

func main() {
	c, err := cfg.New()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}

	logger := newLogger(c.LogLevel)

	var store Store
	switch c.DBAdapter {
	case "sqlite":
		s, err := NewSQLiteDB(c.SQLiteFile)
		if err != nil {
			logger.Fatalf("sqlite init: %v", err)
		}
		store = s
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			logger.Fatalf("postgres config error: %v", err)
		}

		logger.Info("applying database migrations")
		if err := ApplyMigrations("./migrations", dsn); err != nil {
			logger.WithError(err).Warn("migrations")
		}

		p, err := NewPostgresDB(dsn)
		if err != nil {
			logger.Fatalf("postgres init: %v", err)
		}
		store = p
		logger.Info("connected to PostgreSQL database")
	case "memory":
		logger.Warn("using in-memory database (not recommended for production)")
		store = NewMemoryDB()
	default:
		logger.Fatalf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	app := NewApp(store, c, logger)

	srv := &http.Server{
		Handler:      app.Routes(),
		Addr:         ":" + c.Port,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("port", c.Port).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closer, ok := app.store.(interface{ close() error }); ok {
		_ = closer.close()
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatalf("shutdown failed: %v", err)
	}
	logger.Info("server exited properly")
}
