package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/regcache/internal/engine"
)

// transferRequest is the body of the export and import endpoints. Paths
// are local to the server host.
type transferRequest struct {
	Path        string `json:"path"`
	Compression string `json:"compression"`
	Full        bool   `json:"full"`
}

type exportResponse struct {
	Path     string                  `json:"path"`
	Size     int64                   `json:"size"`
	SizeText string                  `json:"sizeText"`
	Manifest engine.TransferManifest `json:"manifest"`
	Duration string                  `json:"duration"`
}

type importResponse struct {
	Manifest engine.TransferManifest `json:"manifest"`
	Changes  engine.Changes          `json:"changes"`
	Duration string                  `json:"duration"`
}

func decodeTransferRequest(w http.ResponseWriter, r *http.Request) (*transferRequest, bool) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return nil, false
	}
	if req.Path == "" {
		jsonError(w, http.StatusBadRequest, "path is required")
		return nil, false
	}
	return &req, true
}

// handleTransferExport writes the cache to an archive on the server host.
func (s *Server) handleTransferExport(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTransferRequest(w, r)
	if !ok {
		return
	}
	compression, err := engine.ParseCompression(req.Compression)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	report, err := s.engine.Export(ctx, req.Path, compression)
	if err != nil {
		s.logger.Error("export failed", "path", req.Path, "error", err)
		jsonError(w, http.StatusUnprocessableEntity, "export failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, exportResponse{
		Path:     report.Path,
		Size:     report.Size,
		SizeText: humanize.IBytes(uint64(report.Size)),
		Manifest: report.Manifest,
		Duration: report.Duration.String(),
	})
}

// handleTransferImport reconciles an archive on the server host into the
// cache.
func (s *Server) handleTransferImport(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTransferRequest(w, r)
	if !ok {
		return
	}
	mode := engine.ModeDelta
	if req.Full {
		mode = engine.ModeFull
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	report, err := s.engine.Import(ctx, req.Path, mode)
	if errors.Is(err, engine.ErrSyncInProgress) {
		jsonError(w, http.StatusConflict, "sync already in progress")
		return
	}
	if err != nil {
		s.logger.Error("import failed", "path", req.Path, "error", err)
		jsonError(w, http.StatusUnprocessableEntity, "import failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, importResponse{
		Manifest: report.Manifest,
		Changes:  report.Changes,
		Duration: report.Duration.String(),
	})
}
