package serve

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/everydev1618/relay"
	"github.com/everydev1618/relay/trigger"
)

// StartRunRequest launches a run on an existing thread.
type StartRunRequest struct {
	AgentID string `json:"agent_id"`
	Model   string `json:"model,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
}

// StartRunResponse is returned when a run is launched.
type StartRunResponse struct {
	RunID    string `json:"run_id"`
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if run.Status.Terminal() {
		writeError(w, http.StatusConflict, "run is not running")
		return
	}
	if err := s.worker.StopRun(r.Context(), runID, ""); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		writeError(w, http.StatusNotImplemented, "run execution not configured")
		return
	}
	threadID := r.PathValue("thread_id")
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := s.store.GetThread(r.Context(), threadID); err != nil {
		if errors.Is(err, relay.ErrThreadNotFound) {
			writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if req.Prompt != "" {
		if _, err := s.store.AddMessage(r.Context(), threadID, "user", map[string]any{
			"role":    "user",
			"content": req.Prompt,
		}, true, nil); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	runID, err := s.executor.StartThreadRun(r.Context(), req.AgentID, threadID, req.Model)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, StartRunResponse{
		RunID:    runID,
		ThreadID: threadID,
		Status:   string(relay.RunStatusRunning),
	})
}

// CreateTriggerRequest creates a trigger for an agent.
type CreateTriggerRequest struct {
	ProviderID  string         `json:"provider_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config"`
}

// UpdateTriggerRequest carries partial trigger updates.
type UpdateTriggerRequest struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	IsActive    *bool          `json:"is_active,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var req CreateTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	t, err := s.triggers.Create(r.Context(), r.PathValue("agent_id"), req.ProviderID, req.Name, req.Description, req.Config)
	if err != nil {
		if errors.Is(err, trigger.ErrConfigInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := s.triggers.ListByAgent(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, triggers)
}

func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	t, err := s.triggers.Get(r.Context(), r.PathValue("trigger_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "trigger not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	var req UpdateTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	t, err := s.triggers.Update(r.Context(), r.PathValue("trigger_id"), trigger.UpdateInput{
		Name:        req.Name,
		Description: req.Description,
		IsActive:    req.IsActive,
		Config:      req.Config,
	})
	if err != nil {
		if errors.Is(err, relay.ErrTriggerNotFound) {
			writeError(w, http.StatusNotFound, "trigger not found")
			return
		}
		if errors.Is(err, trigger.ErrConfigInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.triggers.Delete(r.Context(), r.PathValue("trigger_id")); err != nil {
		if errors.Is(err, relay.ErrTriggerNotFound) {
			writeError(w, http.StatusNotFound, "trigger not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleTriggerEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.triggers.EventLogs(r.Context(), r.PathValue("trigger_id"), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleTriggerWebhook is the opaque per-trigger ingress: the scheduler
// and external webhooks deliver events here.
func (s *Server) handleTriggerWebhook(w http.ResponseWriter, r *http.Request) {
	triggerID := r.PathValue("trigger_id")

	var rawData map[string]any
	if err := json.NewDecoder(r.Body).Decode(&rawData); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	result, err := s.triggers.ProcessEvent(r.Context(), triggerID, rawData)
	if err != nil {
		if errors.Is(err, relay.ErrTriggerNotFound) {
			writeError(w, http.StatusNotFound, "trigger not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !result.Success {
		writeError(w, http.StatusBadRequest, result.ErrorMessage)
		return
	}

	t, err := s.triggers.Get(r.Context(), triggerID)
	if err != nil {
		writeError(w, http.StatusNotFound, "trigger not found")
		return
	}

	execution, err := s.executor.Execute(r.Context(), t, result)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{
		"status":       "accepted",
		"execution_id": execution.ExecutionID,
	}
	if execution.WorkflowID != "" {
		resp["workflow_id"] = execution.WorkflowID
	} else {
		resp["agent_id"] = execution.AgentID
	}
	writeJSON(w, http.StatusOK, resp)
}
