package maintenance

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"authgate/internal/jobs"
	"authgate/internal/observability"
)

type countingJob struct {
	runs int
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run(context.Context) error {
	j.runs++
	return nil
}

func newTestHandler(secret string) (*RunHandler, *countingJob) {
	logger := observability.NewLoggerTo(&bytes.Buffer{})
	scheduler := jobs.NewScheduler(logger, time.Hour)
	job := &countingJob{}
	scheduler.Register(job)
	return NewRunHandler(scheduler, logger, secret), job
}

func TestHandleHiddenWithoutSecretConfigured(t *testing.T) {
	handler, job := newTestHandler("")

	rec := httptest.NewRecorder()
	handler.Handle(rec, httptest.NewRequest(http.MethodPost, "/internal/maintenance/run", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, job.runs)
}

func TestHandleRejectsBadSecrets(t *testing.T) {
	handler, job := newTestHandler("cron-secret")

	for _, header := range []string{"", "Bearer wrong", "Bearer cron-secre", "Basic cron-secret"} {
		req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/run", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.Handle(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	assert.Zero(t, job.runs)
}

func TestHandleRunsSweep(t *testing.T) {
	handler, job := newTestHandler("cron-secret")

	req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/run", nil)
	req.Header.Set("Authorization", "Bearer cron-secret")
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, job.runs)
}

func TestHandleRejectsOtherMethods(t *testing.T) {
	handler, job := newTestHandler("cron-secret")

	req := httptest.NewRequest(http.MethodDelete, "/internal/maintenance/run", nil)
	req.Header.Set("Authorization", "Bearer cron-secret")
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Zero(t, job.runs)
}
