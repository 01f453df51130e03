package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"flipdeploy/internal/deployment"
	"flipdeploy/internal/project"
	"flipdeploy/internal/security"
)

const (
	MaxPayloadBytes = 1_000_000 // 1 MB
	RecentRunsLimit = 10        // runs returned by the status endpoint

	zeroCommitSHA   = "0000000000000000000000000000000000000000"
	pushEventName   = "push"
	jsonContentType = "application/json"
)

// pushEvent is the part of a GitHub push payload the server reads.
type pushEvent struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Deleted bool   `json:"deleted"`
}

// HandleWebhook handles GitHub webhook requests
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")

	if err := security.ValidateAppName(app); err != nil {
		s.Logger.Warn("invalid app name in webhook request", "app", app, "error", err)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid app name: %v", err)})
		return
	}

	proj, err := s.Registry.Get(app)
	if err != nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown app"})
		return
	}

	if r.ContentLength > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return
	}

	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType != jsonContentType {
		s.respondJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Invalid content type"})
		return
	}

	if r.Header.Get("X-GitHub-Event") != pushEventName {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Ignoring non-push event"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes+1))
	if err != nil {
		s.Logger.Error("failed to read request body", "error", err, "app", app)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read payload"})
		return
	}
	if len(body) > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return
	}

	if !VerifySignature(body, r.Header.Get("X-Hub-Signature-256"), proj.Secret) {
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "Invalid signature"})
		return
	}

	var event pushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.Logger.Error("failed to parse JSON payload", "error", err, "app", app)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return
	}

	if event.Ref == "" {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Missing ref, skipping"})
		return
	}
	if !proj.MatchesRef(event.Ref) {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Not target branch, skipping"})
		return
	}
	if event.Deleted || event.After == zeroCommitSHA {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Branch deleted, skipping"})
		return
	}

	req, err := proj.Request()
	if err != nil {
		s.Logger.Error("app is misconfigured", "app", app, "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "App is misconfigured"})
		return
	}
	req.Ref = event.After

	if !s.LockManager.TryLock(app) {
		s.Logger.Warn("deployment already in progress, rejecting", "app", app, "ref", event.After)
		s.respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Deployment already in progress"})
		return
	}

	// GitHub gives up on a webhook after 10 seconds, so the deployment
	// continues after the response.
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"message": "Deployment accepted",
		"app":     app,
	})

	s.deployWg.Add(1)
	go func() {
		defer s.deployWg.Done()
		defer s.LockManager.Unlock(app)
		s.executeDeployment(s.deployCtx, req)
	}()
}

func (s *Server) executeDeployment(ctx context.Context, req project.DeploymentRequest) {
	logger := s.Logger.With("app", req.AppName, "ref", req.Ref)

	run, err := s.Deployer.Deploy(ctx, req)
	if err != nil {
		var stageErr *deployment.StageError
		if errors.As(err, &stageErr) {
			logger.Error("deployment failed", "stage", stageErr.Stage, "error", stageErr.Err)
		} else {
			logger.Error("deployment failed", "error", err)
		}
		return
	}

	logger.Info("deployment completed", "run_id", run.ID, "color", run.Color, "port", run.Port)
}

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"apps":      s.Registry.List(),
		"app_count": s.Registry.Count(),
	})
}

// HandleStatus returns an app's slots and recent runs.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")

	if err := security.ValidateAppName(app); err != nil {
		s.Logger.Warn("invalid app name in status request", "app", app, "error", err)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid app name: %v", err)})
		return
	}

	if _, err := s.Registry.Get(app); err != nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown app"})
		return
	}

	if s.Status == nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "State store not available"})
		return
	}

	status, err := s.Status.Status(r.Context(), app, RecentRunsLimit)
	if err != nil {
		s.Logger.Error("failed to read app status", "error", err, "app", app)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch status"})
		return
	}

	s.respondJSON(w, http.StatusOK, status)
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.Logger.Error("failed to encode JSON response", "error", err)
	}
}
