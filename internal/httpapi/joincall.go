package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ent0n29/visionagent/internal/dispatch"
)

type joinCallResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) defaults() dispatch.Defaults {
	return dispatch.Defaults{
		CallType:     s.cfg.DefaultCallType,
		AgentName:    s.cfg.DefaultAgentName,
		Instructions: s.cfg.DefaultInstructions,
	}
}

// handleJoinCall validates the request, hands it to the dispatcher and
// answers without waiting for the agent to join.
func (s *Server) handleJoinCall(w http.ResponseWriter, r *http.Request) {
	var req dispatch.JoinRequest
	if err := decodeJSON(r, &req); err != nil {
		s.metrics.ObserveJobEvent("rejected")
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	job, err := s.submit(req)
	if err != nil {
		s.respondSubmitError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, joinCallResponse{
		Status:  "processing",
		Message: fmt.Sprintf("Agent joining call %s", job.Request.CallID),
	})
}

func (s *Server) submit(req dispatch.JoinRequest) (dispatch.Job, error) {
	req = req.Normalize(s.defaults())
	if err := req.Validate(); err != nil {
		s.metrics.ObserveJobEvent("rejected")
		return dispatch.Job{}, err
	}
	job, err := s.dispatcher.Submit(req)
	if err != nil {
		return dispatch.Job{}, err
	}
	s.logger.Info("join dispatched",
		slog.String("job_id", job.ID),
		slog.String("call_cid", job.CallCID),
		slog.String("agent_id", req.AgentID),
	)
	return job, nil
}

func (s *Server) respondSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest):
		respondError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
	case errors.Is(err, dispatch.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "dispatch_failed", err.Error())
	}
}
