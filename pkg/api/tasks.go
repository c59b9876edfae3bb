package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/handoff-labs/handoff/pkg/a2a"
	"github.com/handoff-labs/handoff/pkg/dispatch"
	"github.com/handoff-labs/handoff/pkg/scope"
)

// taskRequest is the JSON body of POST /v1/tasks and of the input
// subroute. The payload is either a full protocol message or, for the
// common case, plain text wrapped into one.
type taskRequest struct {
	TargetAgent  string       `json:"target_agent"`
	SubjectToken string       `json:"subject_token"`
	ActorToken   string       `json:"actor_token,omitempty"`
	Scope        scope.Set    `json:"scope,omitempty"`
	Pattern      string       `json:"pattern,omitempty"`
	SessionID    string       `json:"session_id,omitempty"`
	Message      *a2a.Message `json:"message,omitempty"`
	Text         string       `json:"text,omitempty"`
}

func (req *taskRequest) message() (a2a.Message, bool) {
	switch {
	case req.Message != nil:
		return *req.Message, true
	case req.Text != "":
		return a2a.NewTextMessage(a2a.RoleUser, req.Text), true
	default:
		return a2a.Message{}, false
	}
}

// handleTaskCollection serves POST /v1/tasks: exchange a delegation
// token for the target and dispatch the message under it. The reply is
// the created task snapshot. A snapshot already in state failed means
// routing or the exchange refused the hop, and the failure kind says
// which.
func (s *Server) handleTaskCollection(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		WriteNotFound(w, r, "Task dispatch is not enabled")
		return
	}
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "Malformed JSON body")
		return
	}
	if req.TargetAgent == "" {
		WriteBadRequest(w, r, "target_agent is required")
		return
	}
	if req.SubjectToken == "" {
		WriteBadRequest(w, r, "subject_token is required")
		return
	}
	msg, ok := req.message()
	if !ok {
		WriteBadRequest(w, r, "message or text is required")
		return
	}

	task, err := s.tasks.Dispatch(r.Context(), dispatch.DispatchRequest{
		TargetAgent:  req.TargetAgent,
		SubjectToken: req.SubjectToken,
		ActorToken:   req.ActorToken,
		Scopes:       req.Scope,
		Message:      msg,
		Pattern:      dispatch.Pattern(req.Pattern),
		SessionID:    req.SessionID,
	})
	switch {
	case errors.Is(err, dispatch.ErrClosed):
		WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable", "Task dispatch is shutting down")
		return
	case err != nil:
		WriteBadRequest(w, r, err.Error())
		return
	}
	writeTask(w, http.StatusAccepted, task)
}

// handleTaskItem routes /v1/tasks/{id} plus the cancel and input
// subroutes.
func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		WriteNotFound(w, r, "Task dispatch is not enabled")
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/tasks/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		s.handleTaskGet(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "cancel":
		s.handleTaskCancel(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "input":
		s.handleTaskInput(w, r, parts[0])
	default:
		WriteNotFound(w, r, "Unknown endpoint")
	}
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}
	task, err := s.tasks.Get(id)
	if err != nil {
		WriteNotFound(w, r, "Unknown task")
		return
	}
	writeTask(w, http.StatusOK, task)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}
	if err := s.tasks.Cancel(r.Context(), id); err != nil {
		WriteNotFound(w, r, "Unknown task")
		return
	}
	task, err := s.tasks.Get(id)
	if err != nil {
		WriteNotFound(w, r, "Unknown task")
		return
	}
	writeTask(w, http.StatusOK, task)
}

func (s *Server) handleTaskInput(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "Malformed JSON body")
		return
	}
	msg, ok := req.message()
	if !ok {
		WriteBadRequest(w, r, "message or text is required")
		return
	}

	err := s.tasks.ProvideInput(r.Context(), id, msg)
	switch {
	case errors.Is(err, dispatch.ErrUnknownTask):
		WriteNotFound(w, r, "Unknown task")
		return
	case errors.Is(err, dispatch.ErrNotAwaitingInput):
		WriteConflict(w, r, err.Error())
		return
	case err != nil:
		WriteBadRequest(w, r, err.Error())
		return
	}
	task, err := s.tasks.Get(id)
	if err != nil {
		WriteNotFound(w, r, "Unknown task")
		return
	}
	writeTask(w, http.StatusOK, task)
}

func writeTask(w http.ResponseWriter, status int, task *dispatch.Task) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(task)
}
