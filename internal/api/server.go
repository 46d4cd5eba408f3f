// Package api is the inbound surface for the external collaborators that
// submit and remove tasks. Firings flow out through the dispatch queue,
// not through here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tickflow/internal/domain"
	"tickflow/internal/interval"
	"tickflow/internal/master"
	"tickflow/internal/store"
)

type Server struct {
	master *master.Master
	store  store.Store
}

func NewServer(m *master.Master, st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{master: m, store: st}

	r.Get("/health", s.health)
	r.Post("/api/tasks", s.submitTask)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Delete("/api/tasks/{id}", s.deleteTask)
	r.Get("/api/tasks/{id}/history", s.taskHistory)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type submitReq struct {
	TaskID   int64  `json:"task_id"`
	Kind     string `json:"kind"`
	Interval string `json:"interval"`
	Retries  int    `json:"retries"`

	LastRefresh int64 `json:"last_refresh"`

	UserID   string  `json:"user_id"`
	JobID    *string `json:"job_id"`
	Title    *string `json:"title"`
	Company  *string `json:"company"`
	Location *string `json:"location"`
}

type submitResp struct {
	TaskID int64 `json:"task_id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Kind == "" {
		http.Error(w, "kind is required", 400)
		return
	}
	if req.Interval == "" {
		http.Error(w, "interval is required", 400)
		return
	}

	id, err := s.master.AddTask(r.Context(), domain.Task{
		ID:          req.TaskID,
		Kind:        req.Kind,
		Interval:    req.Interval,
		Retries:     req.Retries,
		LastRefresh: req.LastRefresh,
		UserID:      req.UserID,
		JobID:       req.JobID,
		Title:       req.Title,
		Company:     req.Company,
		Location:    req.Location,
	})
	switch {
	case errors.Is(err, domain.ErrUnknownKind), errors.Is(err, interval.ErrInvalidInterval):
		http.Error(w, err.Error(), 400)
		return
	case err != nil:
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, submitResp{TaskID: id})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	t, err := s.master.GetTask(r.Context(), id)
	if errors.Is(err, domain.ErrTaskNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	resp := map[string]any{
		"task_id":  t.ID,
		"kind":     t.Kind,
		"interval": t.Interval,
		"retries":  t.Retries,
		"created":  t.Created,
	}
	switch t.Kind {
	case domain.KindRefresh:
		resp["last_refresh"] = t.LastRefresh
	case domain.KindNotification:
		resp["user_id"] = t.UserID
		if t.JobID != nil {
			resp["job_id"] = *t.JobID
		}
		if t.Title != nil {
			resp["title"] = *t.Title
		}
		if t.Company != nil {
			resp["company"] = *t.Company
		}
		if t.Location != nil {
			resp["location"] = *t.Location
		}
	}
	writeJSON(w, 200, resp)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	err := s.master.DeleteTask(r.Context(), id)
	if errors.Is(err, domain.ErrTaskNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) taskHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.store.HistoryForTask(r.Context(), id, limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, h := range entries {
		out = append(out, map[string]any{
			"task_id":   h.TaskID,
			"exec_time": h.ExecTime,
			"status":    h.Status,
			"retries":   h.Retries,
		})
	}
	writeJSON(w, 200, out)
}

func taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid task id", 400)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
