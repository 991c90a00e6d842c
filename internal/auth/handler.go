package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"authgate/internal/account"
	"authgate/internal/password"
	"authgate/internal/session"
)

var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	guard    *Guard
	sessions *session.Lifecycle
}

func NewHandler(guard *Guard, sessions *session.Lifecycle) *Handler {
	return &Handler{guard: guard, sessions: sessions}
}

type registerRequest struct {
	Email      string   `json:"email"`
	Password   string   `json:"password"`
	TenantID   string   `json:"tenant_id"`
	TenantCode string   `json:"tenant_code"`
	Roles      []string `json:"roles"`
}

type loginRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	TenantID      string `json:"tenant_id"`
	TenantCode    string `json:"tenant_code"`
	TwoFactorCode string `json:"two_factor_code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body registerRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	body.Email = strings.TrimSpace(body.Email)
	if !emailRegex.MatchString(body.Email) {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}
	if len(body.Password) > 200 {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	bundle, err := h.guard.Register(r.Context(), RegisterInput{
		Email:      body.Email,
		Password:   body.Password,
		TenantID:   body.TenantID,
		TenantCode: body.TenantCode,
		Roles:      body.Roles,
		IP:         clientIP(r),
		Device:     deviceOf(r),
	})
	if err != nil {
		var violation password.Violation
		if errors.As(err, &violation) {
			writeError(w, http.StatusBadRequest, violation.Message)
			return
		}
		if errors.Is(err, account.ErrEmailTaken) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	writeJSON(w, http.StatusCreated, bundle)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body loginRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	body.Email = strings.TrimSpace(body.Email)
	if !emailRegex.MatchString(body.Email) || body.Password == "" {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	bundle, err := h.guard.Login(r.Context(), LoginInput{
		Email:         body.Email,
		Password:      body.Password,
		TenantID:      body.TenantID,
		TenantCode:    body.TenantCode,
		TwoFactorCode: strings.TrimSpace(body.TwoFactorCode),
		IP:            clientIP(r),
		Device:        deviceOf(r),
	})
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		if errors.Is(err, ErrTwoFactorRequired) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error":               "two-factor code required",
				"two_factor_required": true,
			})
			return
		}
		var lockedErr ErrAccountLocked
		if errors.As(err, &lockedErr) {
			retryAfter := int(time.Until(lockedErr.Until).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "account temporarily locked")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to login")
		return
	}

	writeJSON(w, http.StatusOK, bundle)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body refreshRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	body.RefreshToken = strings.TrimSpace(body.RefreshToken)
	if body.RefreshToken == "" {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	bundle, err := h.sessions.Rotate(r.Context(), body.RefreshToken, session.Metadata{
		IP:     clientIP(r),
		Device: deviceOf(r),
	})
	if err != nil {
		// Reuse detection reads the same to the caller as any other
		// invalid token; the fallout is recorded server-side.
		if errors.Is(err, session.ErrInvalidToken) || errors.Is(err, session.ErrReuseDetected) {
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, bundle)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body logoutRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	body.RefreshToken = strings.TrimSpace(body.RefreshToken)
	if body.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid refresh token")
		return
	}

	if err := h.guard.Logout(r.Context(), body.RefreshToken, clientIP(r), deviceOf(r)); err != nil {
		if errors.Is(err, session.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ChangePassword requires a bearer token; the account comes from the claims,
// never from the body.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body changePasswordRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if body.CurrentPassword == "" || len(body.NewPassword) > 200 {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	err := h.guard.ChangePassword(r.Context(), claims.AccountID, body.CurrentPassword, body.NewPassword, clientIP(r), deviceOf(r))
	if err != nil {
		var violation password.Violation
		if errors.As(err, &violation) {
			writeError(w, http.StatusBadRequest, violation.Message)
			return
		}
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "current password is incorrect")
			return
		}
		if errors.Is(err, account.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to change password")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Deactivate soft-disables an account and revokes its sessions. The route
// is admin-scoped in the bootstrap wiring.
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	if err := h.guard.Deactivate(r.Context(), id); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to deactivate account")
		return
	}

	w.WriteHeader(http.StatusNoContent)
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

func deviceOf(r *http.Request) string {
	device := strings.TrimSpace(r.Header.Get("User-Agent"))
	if len(device) > 256 {
		device = device[:256]
	}
	return device
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
