package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/visionagent/internal/dispatch"
	"github.com/ent0n29/visionagent/internal/edge"
)

type streamWebhookEvent struct {
	Type    string `json:"type"`
	CallCID string `json:"call_cid"`
	Call    struct {
		Type   string         `json:"type"`
		ID     string         `json:"id"`
		CID    string         `json:"cid"`
		Custom map[string]any `json:"custom"`
	} `json:"call"`
}

func (ev streamWebhookEvent) cid() string {
	if cid := strings.TrimSpace(ev.CallCID); cid != "" {
		return cid
	}
	if cid := strings.TrimSpace(ev.Call.CID); cid != "" {
		return cid
	}
	if ev.Call.Type != "" && ev.Call.ID != "" {
		return edge.CID(ev.Call.Type, ev.Call.ID)
	}
	return ""
}

// handleStreamWebhook reacts to signed call lifecycle events from the edge.
func (s *Server) handleStreamWebhook(w http.ResponseWriter, r *http.Request) {
	signature := strings.TrimSpace(r.Header.Get("X-Signature"))
	apiKey := strings.TrimSpace(r.Header.Get("X-Api-Key"))
	if signature == "" || apiKey == "" {
		s.metrics.ObserveWebhook("unknown", "missing_signature")
		respondError(w, http.StatusBadRequest, "missing_signature", "Missing signature or API key")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !edge.VerifySignature(body, signature, s.cfg.StreamAPISecret) {
		s.metrics.ObserveWebhook("unknown", "invalid_signature")
		respondError(w, http.StatusUnauthorized, "invalid_signature", "Invalid signature")
		return
	}

	var ev streamWebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		s.metrics.ObserveWebhook("unknown", "invalid_json")
		respondError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON")
		return
	}
	logger := s.logger.With(slog.String("event", ev.Type), slog.String("call_cid", ev.cid()))
	logger.Info("webhook received")

	switch ev.Type {
	case "call.session_started":
		if !s.startFromWebhook(w, ev, logger) {
			return
		}
	case "call.session_participant_left":
		callType, callID, ok := edge.SplitCID(ev.cid())
		if !ok {
			s.metrics.ObserveWebhook(ev.Type, "missing_call")
			respondError(w, http.StatusBadRequest, "missing_call", "Call ID not found")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		err := s.edge.EndCall(ctx, callType, callID)
		cancel()
		if err != nil {
			s.metrics.ObserveProviderError(s.edge.Name(), "end_call")
			logger.Error("ending call failed", slog.String("error", err.Error()))
		} else {
			logger.Info("call ended after participant left")
		}
	case "call.session_ended", "call.ended":
		cid := ev.cid()
		if cid == "" {
			s.metrics.ObserveWebhook(ev.Type, "missing_call")
			respondError(w, http.StatusBadRequest, "missing_call", "Call ID not found")
			return
		}
		released := s.edge.NotifyEnded(cid)
		logger.Info("call finished", slog.Int("released_agents", released))
	default:
		s.metrics.ObserveWebhook(ev.Type, "ignored")
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	s.metrics.ObserveWebhook(ev.Type, "ok")
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// startFromWebhook dispatches a join for calls whose custom data names an
// agent. It reports whether a response still needs to be written.
func (s *Server) startFromWebhook(w http.ResponseWriter, ev streamWebhookEvent, logger *slog.Logger) bool {
	callType, callID := ev.Call.Type, ev.Call.ID
	if callType == "" || callID == "" {
		callType, callID, _ = edge.SplitCID(ev.cid())
	}
	req := dispatch.JoinRequest{
		CallID:       callID,
		CallType:     callType,
		AgentID:      customString(ev.Call.Custom, "agent_id"),
		AgentName:    customString(ev.Call.Custom, "agent_name"),
		Instructions: customString(ev.Call.Custom, "instructions"),
	}
	if req.AgentID == "" {
		s.metrics.ObserveWebhook(ev.Type, "missing_agent")
		respondError(w, http.StatusBadRequest, "missing_agent", "Agent ID not found")
		return false
	}
	if _, err := s.submit(req); err != nil {
		s.metrics.ObserveWebhook(ev.Type, "rejected")
		logger.Warn("webhook join rejected", slog.String("error", err.Error()))
		s.respondSubmitError(w, err)
		return false
	}
	return true
}

func customString(custom map[string]any, key string) string {
	v, _ := custom[key].(string)
	return strings.TrimSpace(v)
}
