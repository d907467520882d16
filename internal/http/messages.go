package http

import (
	"encoding/json"
	"net/http"

	"github.com/nextlevelbuilder/wagate/pkg/protocol"
)

type sendMessageRequest struct {
	InstanceID string          `json:"instanceId"`
	To         string          `json:"to"`
	Type       string          `json:"type"`
	Message    json.RawMessage `json:"message"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.InstanceID == "" {
		writeCode(w, r, protocol.ErrInvalidArgument, "instanceId is required")
		return
	}

	receipt, err := s.manager.SendMessage(r.Context(), req.InstanceID, req.To, req.Type, req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}
