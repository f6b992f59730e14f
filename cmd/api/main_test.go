package main

import (
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/paper-scribe/internal/auth"
	"github.com/yourusername/paper-scribe/internal/config"
	"github.com/yourusername/paper-scribe/internal/jobs"
	"github.com/yourusername/paper-scribe/internal/pdf"
)

type stubKickoff struct{}

func (stubKickoff) PrepareJob(context.Context, *multipart.FileHeader, string) (*pdf.JobManifest, error) {
	return &pdf.JobManifest{JobID: "job-1"}, nil
}

func (stubKickoff) DiscardJob(string) error { return nil }

type stubScheduler struct{}

func (stubScheduler) Schedule(context.Context, *pdf.JobManifest) error { return nil }

type stubStatus map[string]*jobs.Record

func (s stubStatus) Status(_ context.Context, jobID string) (*jobs.Record, error) {
	rec, ok := s[jobID]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return rec, nil
}

func newTestRouter(apiKey string, status stubStatus) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	setupRoutes(router, auth.NewManager(&config.Config{APIKey: apiKey}), routeDeps{
		kickoff:   stubKickoff{},
		scheduler: stubScheduler{},
		status:    status,
	})
	return router
}

func get(t *testing.T, router *gin.Engine, path, apiKey string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if apiKey != "" {
		req.Header.Set(auth.HeaderAPIKey, apiKey)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response %q: %v", rec.Body.String(), err)
	}
	return rec, body
}

func TestRootAndHealthArePublic(t *testing.T) {
	router := newTestRouter("secret", stubStatus{})

	rec, body := get(t, router, "/", "")
	if rec.Code != http.StatusOK || body["message"] != "Hello World" {
		t.Fatalf("unexpected root response: %d %v", rec.Code, body)
	}
	rec, body = get(t, router, "/health", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response: %d %v", rec.Code, body)
	}
}

func TestProtectedRoutesRequireAPIKey(t *testing.T) {
	router := newTestRouter("secret", stubStatus{})

	rec, _ := get(t, router, "/status/job-1", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/kickoff", nil)
	kickoffRec := httptest.NewRecorder()
	router.ServeHTTP(kickoffRec, req)
	if kickoffRec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for kickoff, got %d", kickoffRec.Code)
	}
}

func TestStatusPayloads(t *testing.T) {
	router := newTestRouter("secret", stubStatus{
		"running": {Status: jobs.StatusRunning, Progress: &jobs.ProgressInfo{Percent: 30, Stage: pdf.StageConvert}},
		"vision":  {Status: jobs.StatusFinished, Pipeline: config.PipelineVision, Output: "# doc"},
		"dual":    {Status: jobs.StatusFinished, Pipeline: config.PipelineDual, OutputGPT: "gpt", OutputDocument: "di"},
		"failed":  {Status: jobs.StatusFailed, Error: "broken"},
	})

	tests := []struct {
		id   string
		want map[string]any
	}{
		{"running", map[string]any{"status": "running", "progress": map[string]any{"percent": float64(30), "stage": "convert"}}},
		{"vision", map[string]any{"status": "finished", "output": "# doc"}},
		{"dual", map[string]any{"status": "finished", "output_gpt": "gpt", "output_document": "di"}},
		{"failed", map[string]any{"status": "failed", "error": "broken"}},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			rec, body := get(t, router, "/status/"+tt.id, "secret")
			if rec.Code != http.StatusOK {
				t.Fatalf("unexpected status: %d", rec.Code)
			}
			gotJSON, _ := json.Marshal(body)
			wantJSON, _ := json.Marshal(tt.want)
			if string(gotJSON) != string(wantJSON) {
				t.Fatalf("unexpected payload:\n got  %s\n want %s", gotJSON, wantJSON)
			}
		})
	}
}

func TestStatusUnknownJob(t *testing.T) {
	router := newTestRouter("secret", stubStatus{})
	rec, body := get(t, router, "/status/nope", "secret")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body["detail"] != "Job nope not found" {
		t.Fatalf("unexpected detail: %v", body["detail"])
	}
}
