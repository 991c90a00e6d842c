package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"

	"authgate/internal/credential"
	"authgate/internal/jobs"
	"authgate/internal/observability"
)

// RunHandler lets an external cron trigger a full security-job sweep. In
// serverless deployments the in-process scheduler never ticks, so this is
// the only way the jobs run.
type RunHandler struct {
	scheduler  *jobs.Scheduler
	logger     *observability.Logger
	cronSecret string
}

func NewRunHandler(scheduler *jobs.Scheduler, logger *observability.Logger, cronSecret string) *RunHandler {
	return &RunHandler{
		scheduler:  scheduler,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
	}
}

func (h *RunHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || !credential.ConstantTimeEquals(strings.TrimSpace(parts[1]), h.cronSecret) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	h.scheduler.RunOnce(r.Context())
	h.logger.Info("maintenance_sweep_completed", nil)

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
