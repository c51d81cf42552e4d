package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/regcache/internal/engine"
	"github.com/BadgerOps/regcache/internal/registry"
	"github.com/BadgerOps/regcache/internal/store"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// queryInt reads a positive integer query parameter. Missing values yield 0
// so the store applies its defaults.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New("invalid " + name + ": must be a non-negative integer")
	}
	return v, nil
}

// handleHealthz reports whether the cache database answers.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	version, err := s.store.SchemaVersion(r.Context())
	if err != nil {
		s.logger.Error("health check failed", "error", err)
		jsonError(w, http.StatusServiceUnavailable, "cache database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"schemaVersion": version,
	})
}

// ============================================================================
// Browse
// ============================================================================

// handleListRepositories returns one page of repositories.
func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.store.ListRepositories(r.Context(), page, limit, r.URL.Query().Get("search"))
	if err != nil {
		s.logger.Error("failed to list repositories", "error", err)
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGetRepository returns a repository with its images, tags and metadata.
func (s *Server) handleGetRepository(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		jsonError(w, http.StatusBadRequest, "repository name required")
		return
	}

	data, err := s.store.GetRepositoryData(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		jsonError(w, http.StatusNotFound, "repository not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load repository", "repository", name, "error", err)
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// ============================================================================
// Sync
// ============================================================================

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.SyncStatus(r.Context())
	if err != nil {
		s.logger.Error("failed to read sync status", "error", err)
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleSyncProgress streams the current or most recent pass as Server-Sent
// Events: a "progress" event on every update and a final "done" event.
func (s *Server) handleSyncProgress(w http.ResponseWriter, r *http.Request) {
	tracker := s.engine.ActiveProgress()
	if tracker == nil {
		jsonError(w, http.StatusNotFound, "no sync has run yet")
		return
	}

	rc := http.NewResponseController(w)
	// Passes can outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sendEvent := func(event string, data any) bool {
		jsonData, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
		if err := rc.Flush(); err != nil {
			s.logger.Debug("progress stream flush failed", "error", err)
			return false
		}
		return true
	}

	for {
		// Take the wait channel before the snapshot so no update is missed.
		next := tracker.Wait()
		progress := tracker.Snapshot()
		if progress.Finished() {
			sendEvent("done", progress)
			return
		}
		if !sendEvent("progress", progress) {
			return
		}
		select {
		case <-next:
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleSyncRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit == 0 {
		limit = 20
	}
	runs, err := s.store.ListSyncRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list sync runs", "error", err)
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// SyncResponseBody is the response from POST /api/sync.
type SyncResponseBody struct {
	Started bool   `json:"started"`
	Full    bool   `json:"full"`
	Message string `json:"message"`
}

// handleTriggerSync starts a pass in the background. ?full=true forces a
// full pass.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	full := false
	if raw := r.URL.Query().Get("full"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "invalid full: must be true or false")
			return
		}
		full = v
	}

	if err := s.engine.TriggerSyncAsync(full); err != nil {
		if errors.Is(err, engine.ErrSyncInProgress) {
			writeJSON(w, http.StatusConflict, SyncResponseBody{
				Started: false,
				Full:    full,
				Message: "sync already in progress",
			})
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, SyncResponseBody{
		Started: true,
		Full:    full,
		Message: "sync started",
	})
}

// handleDeleteTag deletes one tag of an image on the registry and in the
// cache.
func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	image := strings.Trim(r.PathValue("image"), "/")
	tag := r.URL.Query().Get("tag")
	if image == "" || tag == "" {
		jsonError(w, http.StatusBadRequest, "image path and tag query parameter are required")
		return
	}

	err := s.engine.DeleteTag(r.Context(), image, tag)
	var statusErr *registry.StatusError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"deleted": image + ":" + tag})
	case errors.Is(err, store.ErrNotFound):
		jsonError(w, http.StatusNotFound, "tag not found")
	case errors.Is(err, engine.ErrNoIndexDigest):
		jsonError(w, http.StatusConflict, err.Error())
	case errors.As(err, &statusErr):
		s.logger.Error("registry rejected tag delete", "image", image, "tag", tag, "error", err)
		jsonError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("failed to delete tag", "image", image, "tag", tag, "error", err)
		jsonError(w, http.StatusInternalServerError, err.Error())
	}
}

// ============================================================================
// Settings
// ============================================================================

type settingRequest struct {
	Value *string `json:"value"`
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.ListSettings(r.Context())
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, err := s.store.GetSetting(r.Context(), key, "")
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var req settingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Value == nil {
		jsonError(w, http.StatusBadRequest, "value is required")
		return
	}
	if key == store.SettingSyncInterval {
		if _, err := engine.ParseInterval(*req.Value); err != nil {
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := s.store.SetSetting(r.Context(), key, *req.Value); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("setting updated", "key", key)
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": *req.Value})
}
