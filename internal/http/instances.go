package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/wagate/internal/instance"
	"github.com/nextlevelbuilder/wagate/internal/session"
	"github.com/nextlevelbuilder/wagate/pkg/protocol"
)

type createInstanceRequest struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type updateMetadataRequest struct {
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.ListInstances())
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.manager.CreateInstance(r.Context(), req.ID, req.Metadata)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("instance created", "instance", rec.ID)
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := s.manager.GetInstance(id)
	if !ok {
		writeCode(w, r, protocol.ErrNotFound, "instance %q not found", id)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existed, err := s.manager.DeleteInstance(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !existed {
		writeCode(w, r, protocol.ErrNotFound, "instance %q not found", id)
		return
	}
	slog.Info("instance deleted", "instance", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.manager.UpdateStatus(r.PathValue("id"), instance.Status(req.Status))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	var req updateMetadataRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.manager.UpdateMetadata(r.PathValue("id"), req.Metadata)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleQRCode revives the session of the instance if needed, then returns its
// current pairing code.
func (s *Server) handleQRCode(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("instanceId")
	if id == "" {
		writeCode(w, r, protocol.ErrInvalidArgument, "instanceId query parameter is required")
		return
	}
	if _, ok := s.manager.GetInstance(id); !ok {
		writeCode(w, r, protocol.ErrNotFound, "instance %q not found", id)
		return
	}

	if _, err := s.manager.GetOrCreateSession(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, r, err)
			return
		}
		slog.Warn("session start failed", "instance", id, "error", err)
	}

	qr, ok := s.manager.GetQRCode(id)
	if !ok {
		writeCode(w, r, protocol.ErrNotFound, "no QR code available for instance %q", id)
		return
	}
	writeJSON(w, http.StatusOK, qr)
}
