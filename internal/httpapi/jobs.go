package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/visionagent/internal/dispatch"
	"github.com/ent0n29/visionagent/internal/edge"
)

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cid := strings.TrimSpace(q.Get("call_cid"))
	if callID := strings.TrimSpace(q.Get("call_id")); cid == "" && callID != "" {
		callType := strings.TrimSpace(q.Get("call_type"))
		if callType == "" {
			callType = s.cfg.DefaultCallType
		}
		cid = edge.CID(callType, callID)
	}
	limit := 50
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"jobs": s.dispatcher.List(cid, limit),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	job, err := s.dispatcher.Get(id)
	if err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			respondError(w, http.StatusNotFound, "job_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "job_lookup_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleJobsWS streams job stage transitions until the client goes away.
func (s *Server) handleJobsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, stop := s.dispatcher.Subscribe()
	defer stop()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(s.wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					s.metrics.ObserveWSMessage("ping_error")
					cancel()
					return
				}
			case ev, ok := <-events:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(ev); err != nil {
					s.metrics.ObserveWSMessage("write_error")
					cancel()
					return
				}
				s.metrics.ObserveWSMessage("sent")
			}
		}
	}()

	conn.SetReadLimit(4 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(s.wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.wsReadTimeout))
		return nil
	})
	for {
		// The feed is one-way; reads only detect the client closing.
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	cancel()
	<-writerDone
}
