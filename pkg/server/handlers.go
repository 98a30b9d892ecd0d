package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/cricai/pkg/policy"
	"github.com/m-mizutani/cricai/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

type selectRequest struct {
	URL     string `json:"url"`
	Innings int    `json:"innings"`
}

type askRequest struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
}

type askResponse struct {
	Answer    string `json:"answer"`
	SessionID string `json:"session_id"`
}

type pollerStatus struct {
	Name    policy.Task `json:"name"`
	Running bool        `json:"running"`
}

type sessionResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []*model.Message `json:"messages"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleListMatches(w http.ResponseWriter, r *http.Request) {
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))

	s.matchesMu.Lock()
	defer s.matchesMu.Unlock()

	if s.matches == nil || refresh {
		matches, err := s.tracker.ListMatches(r.Context())
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		s.matches = matches
	}

	writeJSON(w, http.StatusOK, map[string]any{"matches": s.matches})
}

func (s *Server) handleGetSelection(w http.ResponseWriter, r *http.Request) {
	sel, err := s.tracker.Selection()
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}

	sel, err := s.tracker.Select(r.Context(), req.URL, model.Innings(req.Innings))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func (s *Server) handleGetCommentary(w http.ResponseWriter, r *http.Request) {
	c, err := s.tracker.Commentary()
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRefreshCommentary(w http.ResponseWriter, r *http.Request) {
	c, err := s.tracker.RefreshCommentary(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRefreshIndex(w http.ResponseWriter, r *http.Request) {
	sel, err := s.tracker.Selection()
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	n, err := s.tracker.RefreshIndex(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"collection": sel.Match.ID.CollectionName(),
		"passages":   n,
	})
}

func (s *Server) handleListPollers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pollers": []pollerStatus{
			{Name: policy.TaskCommentary, Running: s.tracker.Running(policy.TaskCommentary)},
			{Name: policy.TaskIndex, Running: s.tracker.Running(policy.TaskIndex)},
		},
	})
}

func pollerTask(r *http.Request) (policy.Task, error) {
	switch task := policy.Task(r.PathValue("name")); task {
	case policy.TaskCommentary, policy.TaskIndex:
		return task, nil
	default:
		return "", goerr.New("unknown poller", goerr.V("name", r.PathValue("name")), goerr.T(model.ErrTagNotFound))
	}
}

func (s *Server) handleStartPoller(w http.ResponseWriter, r *http.Request) {
	task, err := pollerTask(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	var started bool
	switch task {
	case policy.TaskCommentary:
		started = s.tracker.StartCommentary(r.Context())
	case policy.TaskIndex:
		started = s.tracker.StartIndexing(r.Context())
	}

	writeJSON(w, http.StatusOK, map[string]any{"name": task, "running": true, "started": started})
}

func (s *Server) handleStopPoller(w http.ResponseWriter, r *http.Request) {
	task, err := pollerTask(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	if err := s.tracker.Stop(r.Context(), task); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pollerStatus{Name: task, Running: false})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	answer, err := s.tracker.Ask(r.Context(), req.SessionID, req.Question)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, askResponse{Answer: answer, SessionID: req.SessionID})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	history, err := s.tracker.Sessions().Get(id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: id, Messages: history.Messages()})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return goerr.Wrap(err, "invalid request body", goerr.T(model.ErrTagInvalidInput))
	}
	return nil
}

// statusOf maps error tags to HTTP status codes
func statusOf(err error) int {
	switch {
	case goerr.HasTag(err, model.ErrTagInvalidInput):
		return http.StatusBadRequest
	case goerr.HasTag(err, model.ErrTagNotFound):
		return http.StatusNotFound
	case goerr.HasTag(err, model.ErrTagNoSelection):
		return http.StatusConflict
	case goerr.HasTag(err, model.ErrTagScrape),
		goerr.HasTag(err, model.ErrTagIndexBackend),
		goerr.HasTag(err, model.ErrTagModelInvocation):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	logger := logging.From(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, logging.ErrAttr(err))
	} else {
		logger.Info("request rejected", "status", status, "error", err.Error())
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
