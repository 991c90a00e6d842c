package twofactor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"authgate/internal/account"
)

const maxJSONBodyBytes = 1 << 20

// SubjectResolver extracts the authenticated account from a request that
// passed through the bearer middleware.
type SubjectResolver func(r *http.Request) (accountID string, ok bool)

type Handler struct {
	manager *Manager
	subject SubjectResolver
}

func NewHandler(manager *Manager, subject SubjectResolver) *Handler {
	return &Handler{manager: manager, subject: subject}
}

type codeRequest struct {
	Code string `json:"code"`
}

type setupResponse struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	QRCodePNG       string   `json:"qr_code_png"`
	BackupCodes     []string `json:"backup_codes"`
}

// Setup provisions a TOTP secret and backup codes. The second factor stays
// off until the caller confirms a code via Enable.
func (h *Handler) Setup(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.subject(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	enrollment, err := h.manager.Setup(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, ErrAlreadyEnabled) {
			writeError(w, http.StatusConflict, "two-factor already enabled")
			return
		}
		if errors.Is(err, account.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to set up two-factor")
		return
	}

	writeJSON(w, http.StatusOK, setupResponse{
		Secret:          enrollment.Secret,
		ProvisioningURI: enrollment.ProvisioningURI,
		QRCodePNG:       base64.StdEncoding.EncodeToString(enrollment.QRCodePNG),
		BackupCodes:     enrollment.BackupCodes,
	})
}

func (h *Handler) Enable(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.subject(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	code, ok := parseCode(w, r)
	if !ok {
		return
	}

	if err := h.manager.Enable(r.Context(), accountID, code); err != nil {
		switch {
		case errors.Is(err, ErrNotProvisioned):
			writeError(w, http.StatusBadRequest, "two-factor has not been set up")
		case errors.Is(err, ErrAlreadyEnabled):
			writeError(w, http.StatusConflict, "two-factor already enabled")
		case errors.Is(err, ErrInvalidCode):
			writeError(w, http.StatusUnauthorized, "invalid code")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to enable two-factor")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

func (h *Handler) Disable(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.subject(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := h.manager.Disable(r.Context(), accountID); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to disable two-factor")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
}

// Verify checks a code without side effects, used by clients to confirm the
// authenticator is in sync.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.subject(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	code, ok := parseCode(w, r)
	if !ok {
		return
	}

	valid, err := h.manager.Verify(r.Context(), accountID, code)
	if err != nil {
		if errors.Is(err, ErrNotEnabled) {
			writeError(w, http.StatusBadRequest, "two-factor is not enabled")
			return
		}
		if errors.Is(err, account.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to verify code")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

// RegenerateBackupCodes replaces the full backup-code set and returns the
// new plaintext codes exactly once.
func (h *Handler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.subject(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	codes, err := h.manager.RegenerateBackupCodes(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, ErrNotProvisioned) {
			writeError(w, http.StatusBadRequest, "two-factor has not been set up")
			return
		}
		if errors.Is(err, account.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to regenerate backup codes")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"backup_codes": codes})
}

func parseCode(w http.ResponseWriter, r *http.Request) (string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body codeRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return "", false
	}

	code := strings.TrimSpace(body.Code)
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return "", false
	}
	return code, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
