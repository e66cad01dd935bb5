package api

import (
	"encoding/json"
	"net/http"

	aoferrors "github.com/randalmurphal/aof/internal/errors"
	"github.com/randalmurphal/aof/internal/task"
	"github.com/randalmurphal/aof/internal/tools"
)

// handleListTasks returns tasks, optionally filtered by ?status= and
// ?agent=.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := task.Filter{
		Agent: r.URL.Query().Get("agent"),
	}
	if st := r.URL.Query().Get("status"); st != "" {
		if !task.IsValidStatus(task.Status(st)) {
			s.writeError(w, aoferrors.ErrValidationFailed("status", st+" is not a valid status"))
			return
		}
		filter.Status = task.Status(st)
	}

	list := s.store.List(filter)
	task.SortForDispatch(list)
	s.jsonResponse(w, map[string]any{
		"tasks": list,
		"count": len(list),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, t)
}

// decodeBody decodes a JSON request body into dst, rejecting unknown
// fields so misspelled tool parameters fail loudly.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) requireTools(w http.ResponseWriter) bool {
	if s.tools == nil {
		s.jsonError(w, "tool surface not attached", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if !s.requireTools(w) {
		return
	}
	var params tools.DispatchParams
	if !s.decodeBody(w, r, &params) {
		return
	}
	t, err := s.tools.Dispatch(params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.status.Invalidate()
	w.WriteHeader(http.StatusCreated)
	s.jsonResponse(w, t)
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.requireTools(w) {
		return
	}
	var params tools.UpdateParams
	if !s.decodeBody(w, r, &params) {
		return
	}
	t, err := s.tools.TaskUpdate(params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.status.Invalidate()
	s.jsonResponse(w, t)
}

func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	if !s.requireTools(w) {
		return
	}
	var params tools.CompleteParams
	if !s.decodeBody(w, r, &params) {
		return
	}
	t, err := s.tools.TaskComplete(params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.status.Invalidate()
	s.jsonResponse(w, t)
}

func (s *Server) handleStatusReport(w http.ResponseWriter, r *http.Request) {
	if !s.requireTools(w) {
		return
	}
	params := tools.ReportParams{
		Agent:   r.URL.Query().Get("agent"),
		Status:  task.Status(r.URL.Query().Get("status")),
		Compact: r.URL.Query().Get("compact") == "true",
	}
	s.jsonResponse(w, s.tools.StatusReport(params))
}
