// Command lion-authd runs the Lion Reader OAuth 2.1 authorization server as a
// standalone daemon backed by SQLite.
//
// End-user authentication is normally provided by the embedding application's
// session system. For standalone development this daemon accepts a single
// static session configured through DEV_SESSION_TOKEN and DEV_USER_ID; do not
// expose that mode to the internet.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	oauth "github.com/brendanlong/lion-reader-sub011"
	"github.com/brendanlong/lion-reader-sub011/instrumentation"
	"github.com/brendanlong/lion-reader-sub011/security"
	"github.com/brendanlong/lion-reader-sub011/server"
	"github.com/brendanlong/lion-reader-sub011/session"
	"github.com/brendanlong/lion-reader-sub011/storage/sqlite"
)

type config struct {
	ListenAddr   string `env:"LISTEN_ADDR" envDefault:":8080"`
	Issuer       string `env:"ISSUER" envDefault:"http://localhost:8080"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"lion-oauth.db"`
	LoginURL     string `env:"LOGIN_URL" envDefault:"/login"`

	// TokenEncryptionKey is a hex-encoded 32-byte key enabling encryption at
	// rest for stored tokens. Empty disables encryption.
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`

	TrustProxy        bool `env:"TRUST_PROXY" envDefault:"false"`
	TrustedProxyCount int  `env:"TRUSTED_PROXY_COUNT" envDefault:"1"`

	RateLimitPerSecond int `env:"RATE_LIMIT_PER_SECOND" envDefault:"10"`
	RateLimitBurst     int `env:"RATE_LIMIT_BURST" envDefault:"20"`

	AuditEnabled    bool          `env:"AUDIT_ENABLED" envDefault:"true"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1m"`
	LogLevel        slog.Level    `env:"LOG_LEVEL" envDefault:"info"`

	SessionCookie   string `env:"SESSION_COOKIE" envDefault:"session"`
	DevSessionToken string `env:"DEV_SESSION_TOKEN"`
	DevUserID       string `env:"DEV_USER_ID"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	srv, err := server.New(store, store, store, store, &server.Config{
		Issuer:            cfg.Issuer,
		LoginURL:          cfg.LoginURL,
		TrustProxy:        cfg.TrustProxy,
		TrustedProxyCount: cfg.TrustedProxyCount,
	}, logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	if cfg.TokenEncryptionKey != "" {
		key, err := hex.DecodeString(cfg.TokenEncryptionKey)
		if err != nil {
			return fmt.Errorf("decode TOKEN_ENCRYPTION_KEY: %w", err)
		}
		enc, err := security.NewEncryptor(key)
		if err != nil {
			return fmt.Errorf("create encryptor: %w", err)
		}
		srv.SetEncryptor(enc)
		logger.Info("token encryption at rest enabled")
	}

	srv.SetAuditor(security.NewAuditor(logger, cfg.AuditEnabled))

	limiter := security.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, logger)
	defer limiter.Stop()
	srv.SetRateLimiter(limiter)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: "lion-authd",
		Enabled:     true,
	})
	if err != nil {
		return fmt.Errorf("create instrumentation: %w", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()
	srv.SetInstrumentation(inst)

	handler, err := oauth.NewHandler(srv, oauth.HandlerConfig{
		Sessions: devSessions(cfg),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	mux := http.NewServeMux()
	handler.Routes(mux)
	mux.Handle("GET /userinfo", handler.RequireAccessToken(http.HandlerFunc(serveUserInfo)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage hygiene: expired rows are already invisible to reads, this
	// just keeps the file from growing.
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := store.DeleteExpired(ctx, time.Now()); err != nil {
					logger.Warn("cleanup failed", "error", err)
				} else if n > 0 {
					logger.Debug("cleaned up expired rows", "deleted", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("authorization server listening", "addr", cfg.ListenAddr, "issuer", cfg.Issuer)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// devSessions builds the development session authenticator: one static token
// mapped to one user id.
func devSessions(cfg config) session.Authenticator {
	return &session.CookieAuthenticator{
		CookieName: cfg.SessionCookie,
		Lookup: func(_ context.Context, token string) (string, error) {
			if cfg.DevSessionToken != "" && token == cfg.DevSessionToken {
				return cfg.DevUserID, nil
			}
			return "", nil
		},
	}
}

// serveUserInfo is a minimal protected resource showing bearer middleware
// usage: it echoes the grant attached by RequireAccessToken.
func serveUserInfo(w http.ResponseWriter, r *http.Request) {
	info := oauth.TokenInfoFromContext(r.Context())
	if info == nil {
		http.Error(w, "no token info", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"user_id":%q,"client_id":%q,"scope":%q}`+"\n",
		info.UserID, info.ClientID, strings.Join(info.Scopes, " "))
}
