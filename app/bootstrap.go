package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"authgate/internal/account"
	"authgate/internal/apikey"
	"authgate/internal/audit"
	"authgate/internal/auth"
	"authgate/internal/db"
	"authgate/internal/jobs"
	"authgate/internal/maintenance"
	"authgate/internal/observability"
	"authgate/internal/ratelimit"
	"authgate/internal/session"
	"authgate/internal/token"
	"authgate/internal/twofactor"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler   http.Handler
	Scheduler *jobs.Scheduler
	Close     func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	recorder := audit.NewRecorder(audit.NewPostgresStore(database), logger, envIntOrDefault("AUDIT_BUFFER_SIZE", 1024))

	accounts := account.NewPostgresStore(database)
	sessionStore := session.NewPostgresStore(database)
	keyStore := apikey.NewPostgresStore(database)

	issuer := token.NewIssuer(
		jwtSecret,
		os.Getenv("JWT_ISSUER"),
		os.Getenv("JWT_AUDIENCE"),
		envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
	)

	sessions := session.NewLifecycle(
		sessionStore,
		accounts,
		issuer,
		recorder,
		envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
	)

	twoFactor := twofactor.NewManager(accounts, recorder, envOrDefault("TOTP_ISSUER", "authgate"))

	guard := auth.NewGuard(accounts, sessions, recorder).
		WithLockoutPolicy(
			envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
			envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
		).
		WithTwoFactor(twoFactor)

	limiter := ratelimit.New()
	keyManager := apikey.NewManager(keyStore, limiter, recorder, logger, envOrDefault("API_KEY_PREFIX", "ak"))

	authHandler := auth.NewHandler(guard, sessions)
	twoFactorHandler := twofactor.NewHandler(twoFactor, func(r *http.Request) (string, bool) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		return claims.AccountID, ok
	})
	keyHandler := apikey.NewHandler(keyManager, func(r *http.Request) (apikey.Subject, bool) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		return apikey.Subject{AccountID: claims.AccountID, TenantID: claims.TenantID}, ok
	})

	batchSize := envIntOrDefault("CLEANUP_BATCH_SIZE", 500)
	scheduler := jobs.NewScheduler(logger, envMinutesOrDefault("SECURITY_JOB_INTERVAL_MINUTES", 60))
	scheduler.Register(jobs.NewRefreshTokenCleanup(sessionStore, logger, batchSize))
	scheduler.Register(jobs.NewAPIKeyExpirySweep(keyStore, keyManager, logger, batchSize))
	scheduler.Register(jobs.NewDormantAccountReview(
		accounts,
		logger,
		envDaysOrDefault("DORMANT_ACCOUNT_DAYS", 180),
		batchSize,
	))

	protected := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(issuer, h)
	}
	loginLimited := func(h http.Handler) http.Handler {
		return ratelimit.Middleware(
			limiter,
			"login",
			envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
			envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
			h,
		)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/register", loginLimited(http.HandlerFunc(authHandler.Register)))
	mux.Handle("POST /auth/login", loginLimited(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.Handle("POST /auth/password", protected(authHandler.ChangePassword))

	mux.Handle("POST /auth/2fa/setup", protected(twoFactorHandler.Setup))
	mux.Handle("POST /auth/2fa/enable", protected(twoFactorHandler.Enable))
	mux.Handle("POST /auth/2fa/disable", protected(twoFactorHandler.Disable))
	mux.Handle("POST /auth/2fa/verify", protected(twoFactorHandler.Verify))
	mux.Handle("POST /auth/2fa/backup-codes", protected(twoFactorHandler.RegenerateBackupCodes))

	mux.Handle("POST /accounts/{id}/deactivate",
		auth.Middleware(issuer, auth.RequireRole("admin", http.HandlerFunc(authHandler.Deactivate))))

	mux.Handle("POST /apikeys", protected(keyHandler.Create))
	mux.Handle("GET /apikeys", protected(keyHandler.List))
	mux.Handle("DELETE /apikeys/{id}", protected(keyHandler.Revoke))

	mux.Handle("GET /whoami", apikey.RequireKey(keyManager, http.HandlerFunc(whoamiHandler)))

	sweepHandler := maintenance.NewRunHandler(scheduler, logger, os.Getenv("CRON_SECRET"))
	mux.HandleFunc("GET /internal/maintenance/run", sweepHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/run", sweepHandler.Handle)

	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler:   handler,
		Scheduler: scheduler,
		Close: func() error {
			scheduler.Stop()
			recorder.Close()
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

// whoamiHandler echoes the identity behind a validated API key, mostly for
// integration smoke checks.
func whoamiHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := apikey.FromContext(r.Context())
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "missing api key"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"account_id":  key.AccountID,
		"tenant_id":   key.TenantID,
		"scopes":      key.Scopes,
		"environment": string(key.Environment),
	})
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
