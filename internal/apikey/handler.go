package apikey

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
)

const maxJSONBodyBytes = 1 << 20

type contextKey string

const keyContextKey contextKey = "apikey"

// FromContext returns the API key that authenticated the request, when the
// request passed through RequireKey.
func FromContext(ctx context.Context) (Key, bool) {
	key, ok := ctx.Value(keyContextKey).(Key)
	return key, ok
}

// Subject identifies the authenticated caller for handlers that sit behind
// the bearer middleware.
type Subject struct {
	AccountID string
	TenantID  string
}

// SubjectResolver extracts the caller from a request authenticated upstream.
type SubjectResolver func(r *http.Request) (Subject, bool)

type Handler struct {
	manager *Manager
	subject SubjectResolver
}

func NewHandler(manager *Manager, subject SubjectResolver) *Handler {
	return &Handler{manager: manager, subject: subject}
}

type createKeyRequest struct {
	Name             string     `json:"name"`
	Scopes           []string   `json:"scopes"`
	Environment      string     `json:"environment"`
	RateLimitPerHour int        `json:"rate_limit_per_hour"`
	RateLimitPerDay  int        `json:"rate_limit_per_day"`
	ExpiresAt        *time.Time `json:"expires_at"`
}

type keyResponse struct {
	ID               string     `json:"id"`
	DisplayPrefix    string     `json:"display_prefix"`
	Name             string     `json:"name"`
	Scopes           []string   `json:"scopes"`
	Environment      string     `json:"environment"`
	RateLimitPerHour int        `json:"rate_limit_per_hour,omitempty"`
	RateLimitPerDay  int        `json:"rate_limit_per_day,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Active           bool       `json:"active"`
	Revoked          bool       `json:"revoked"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	UsageCount       int64      `json:"usage_count"`
	CreatedAt        time.Time  `json:"created_at"`
}

type createKeyResponse struct {
	Key     keyResponse `json:"key"`
	APIKey  string      `json:"api_key"`
	Warning string      `json:"warning"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	subject, ok := h.subject(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body createKeyRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" || len(body.Name) > 100 {
		writeError(w, http.StatusBadRequest, "key name is required and must be at most 100 characters")
		return
	}

	generated, err := h.manager.Generate(r.Context(), GenerateInput{
		AccountID:        subject.AccountID,
		TenantID:         subject.TenantID,
		Name:             body.Name,
		Scopes:           body.Scopes,
		Environment:      body.Environment,
		RateLimitPerHour: body.RateLimitPerHour,
		RateLimitPerDay:  body.RateLimitPerDay,
		ExpiresAt:        body.ExpiresAt,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidEnvironment) {
			writeError(w, http.StatusBadRequest, "unknown environment")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to create api key")
		return
	}

	writeJSON(w, http.StatusCreated, createKeyResponse{
		Key:     toResponse(generated.Key),
		APIKey:  generated.Plaintext,
		Warning: generated.Warning,
	})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	subject, ok := h.subject(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	keys, err := h.manager.List(r.Context(), subject.AccountID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list api keys")
		return
	}

	responses := make([]keyResponse, 0, len(keys))
	for _, key := range keys {
		responses = append(responses, toResponse(key))
	}

	writeJSON(w, http.StatusOK, responses)
}

func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	subject, ok := h.subject(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid api key id")
		return
	}

	key, err := h.manager.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "api key not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to revoke api key")
		return
	}
	if key.AccountID != subject.AccountID {
		writeError(w, http.StatusNotFound, "api key not found")
		return
	}

	if err := h.manager.Revoke(r.Context(), id, "revoked_by_owner"); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to revoke api key")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RequireKey authenticates a request with the X-API-Key header and applies
// the key's rate limits before handing off to next.
func RequireKey(manager *Manager, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		plaintext := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if plaintext == "" {
			writeError(w, http.StatusUnauthorized, "missing api key")
			return
		}

		key, err := manager.Validate(r.Context(), plaintext, clientIP(r))
		if err != nil {
			if errors.Is(err, ErrInvalidKey) {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to validate api key")
			return
		}

		if allowed, retryAfter := manager.CheckRateLimit(key); !allowed {
			seconds := int(retryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeError(w, http.StatusTooManyRequests, "api key rate limit exceeded")
			return
		}

		ctx := context.WithValue(r.Context(), keyContextKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func toResponse(key Key) keyResponse {
	return keyResponse{
		ID:               key.ID,
		DisplayPrefix:    key.DisplayPrefix,
		Name:             key.Name,
		Scopes:           key.Scopes,
		Environment:      string(key.Environment),
		RateLimitPerHour: key.RateLimitPerHour,
		RateLimitPerDay:  key.RateLimitPerDay,
		ExpiresAt:        key.ExpiresAt,
		Active:           key.Active,
		Revoked:          key.Revoked,
		LastUsedAt:       key.LastUsedAt,
		UsageCount:       key.UsageCount,
		CreatedAt:        key.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
