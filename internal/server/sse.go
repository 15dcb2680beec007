package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"conductor/internal/bus"
	"conductor/internal/hooks"
	"conductor/internal/supervisor"
)

const keepAliveInterval = 15 * time.Second

func mapSupervisorErr(err error) error {
	switch {
	case errors.Is(err, supervisor.ErrAgentNotFound):
		return newAPIError(http.StatusNotFound, "agent not found")
	case errors.Is(err, supervisor.ErrAgentNotInteractive):
		return newAPIError(http.StatusConflict, "agent is not interactive")
	}
	return err
}

// handleGlobalStream streams every bus message as server-sent events.
func (s *server) handleGlobalStream(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, bus.TopicGlobal)
}

// handleAgentStream streams one agent's messages.
func (s *server) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	s.stream(w, r, bus.AgentTopic(agentID))
}

func (s *server) stream(w http.ResponseWriter, r *http.Request, topic string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.app.Bus.Subscribe(topic)
	defer sub.Close()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Kind, data)
			flusher.Flush()
		}
	}
}

// handleCommitHook receives the agent-side hook callback and forwards it to
// the owning supervisor as a synthetic commit event.
func (s *server) handleCommitHook(w http.ResponseWriter, r *http.Request) {
	var payload hooks.CommitCallback
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if payload.AgentID == "" || payload.Kind != "commit" {
		http.Error(w, "agent_id and kind=commit required", http.StatusBadRequest)
		return
	}
	if err := s.app.Supervisor.RecordCommit(payload.AgentID, payload.Branch, payload.Message); err != nil {
		// The agent may already be draining; the hook is best-effort.
		logf("commit hook for %s: %v", payload.AgentID, err)
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"ok":true}`)
}
