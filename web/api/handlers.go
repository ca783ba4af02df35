package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/eventproto"
	"github.com/hochfrequenz/pytest-orchestrator/internal/executor"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runner"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runstore"
	"github.com/hochfrequenz/pytest-orchestrator/internal/selection"
)

const defaultRunLimit = 20

// StatusResponse is the API response for the controller state
type StatusResponse struct {
	RunID      string          `json:"run_id,omitempty"`
	Phase      domain.RunPhase `json:"phase"`
	Total      int             `json:"total"`
	Completed  int             `json:"completed"`
	Passed     int             `json:"passed"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	Errors     int             `json:"errors"`
	Current    string          `json:"current,omitempty"`
	Percentage float64         `json:"percentage"`
	Hint       string          `json:"hint,omitempty"`
	ExitCode   int             `json:"exit_code"`
}

// TestResponse is the API response for one catalog test
type TestResponse struct {
	Path     string            `json:"path"`
	Name     string            `json:"name"`
	Line     int               `json:"line,omitempty"`
	Markers  []string          `json:"markers,omitempty"`
	Status   domain.TestStatus `json:"status"`
	Selected bool              `json:"selected"`
}

// RunResponse is the API response for a stored run
type RunResponse struct {
	ID         string           `json:"id"`
	Paths      []string         `json:"paths,omitempty"`
	Args       []string         `json:"args,omitempty"`
	Dir        string           `json:"dir,omitempty"`
	Phase      domain.RunPhase  `json:"phase"`
	ExitCode   int              `json:"exit_code"`
	Total      int              `json:"total"`
	Passed     int              `json:"passed"`
	Failed     int              `json:"failed"`
	Skipped    int              `json:"skipped"`
	Errors     int              `json:"errors"`
	StartedAt  string           `json:"started_at"`
	FinishedAt *string          `json:"finished_at,omitempty"`
	Duration   string           `json:"duration,omitempty"`
	Results    []ResultResponse `json:"results,omitempty"`
}

// ResultResponse is one stored test outcome
type ResultResponse struct {
	Path    string         `json:"path"`
	Outcome domain.Outcome `json:"outcome"`
	Reason  string         `json:"reason,omitempty"`
}

// StartResponse acknowledges a started run
type StartResponse struct {
	RunID string   `json:"run_id"`
	Paths []string `json:"paths,omitempty"`
	Args  []string `json:"args,omitempty"`
}

func runToResponse(r *domain.Run) RunResponse {
	resp := RunResponse{
		ID:        r.ID,
		Paths:     r.Paths,
		Args:      r.Args,
		Dir:       r.Dir,
		Phase:     r.Phase,
		ExitCode:  r.ExitCode,
		Total:     r.Total,
		Passed:    r.Passed,
		Failed:    r.Failed,
		Skipped:   r.Skipped,
		Errors:    r.Errors,
		StartedAt: r.StartedAt.Format(time.RFC3339),
	}
	if r.FinishedAt != nil {
		s := r.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &s
		resp.Duration = r.Duration().Round(time.Millisecond).String()
	}
	return resp
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		snap := s.runner.Snapshot()
		p := snap.Progress
		writeJSON(w, StatusResponse{
			RunID:      snap.RunID,
			Phase:      snap.Phase,
			Total:      p.Total,
			Completed:  p.Completed,
			Passed:     p.Passed,
			Failed:     p.Failed,
			Skipped:    p.Skipped,
			Errors:     p.Errors,
			Current:    p.CurrentTest,
			Percentage: p.Percentage(),
			Hint:       snap.Hint,
			ExitCode:   snap.ExitCode,
		})
	}
}

func (s *Server) listTestsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		cat := s.runner.Catalog()
		if cat == nil {
			writeJSON(w, []TestResponse{})
			return
		}

		var idxs []int
		if markers := r.URL.Query()["marker"]; len(markers) > 0 {
			idxs = cat.FilterByMarkers(markers)
		} else {
			idxs = cat.Leaves()
		}

		statusFilter := domain.TestStatus(r.URL.Query().Get("status"))
		resp := make([]TestResponse, 0, len(idxs))
		for _, idx := range idxs {
			n := cat.Node(idx)
			if !n.IsTest() {
				continue
			}
			if statusFilter != "" && n.Status() != statusFilter {
				continue
			}
			resp = append(resp, TestResponse{
				Path:     n.Path,
				Name:     n.Name,
				Line:     n.LineNumber,
				Markers:  n.Markers,
				Status:   n.Status(),
				Selected: n.Selected(),
			})
		}
		writeJSON(w, resp)
	}
}

func (s *Server) listMarkersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		markers := []string{}
		if cat := s.runner.Catalog(); cat != nil {
			markers = append(markers, cat.Markers()...)
		}
		writeJSON(w, markers)
	}
}

func (s *Server) runsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.listRuns(w, r)
		case http.MethodPost:
			var msg eventproto.StartMessage
			if r.ContentLength != 0 {
				if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
					writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
					return
				}
			}
			resp, code, err := s.startRun(msg)
			if err != nil {
				writeError(w, code, err.Error())
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(resp)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}

	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.history.ListRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := make([]RunResponse, len(runs))
	for i, run := range runs {
		resp[i] = runToResponse(run)
	}
	writeJSON(w, resp)
}

// startRun resolves a start request into a run and launches it. The int is
// the HTTP status to report on error.
func (s *Server) startRun(msg eventproto.StartMessage) (StartResponse, int, error) {
	var plan selection.Plan
	cat := s.runner.Catalog()
	if len(msg.Paths) > 0 || cat == nil {
		plan = selection.ForPaths(msg.Paths, msg.Markers, s.opts.Pytest)
	} else {
		var err error
		plan, err = selection.FromCatalog(cat, msg.Markers, s.opts.Pytest)
		if err != nil {
			return StartResponse{}, http.StatusUnprocessableEntity, err
		}
	}

	env := make(map[string]string, len(s.opts.Env)+len(msg.Env))
	for k, v := range s.opts.Env {
		env[k] = v
	}
	for k, v := range msg.Env {
		env[k] = v
	}

	extra := append(append([]string(nil), s.opts.ExtraArgs...), msg.ExtraArgs...)
	req := plan.Request(s.opts.Dir, env, extra...)
	req.ID = uuid.NewString()
	if err := s.runner.Start(s.baseCtx, req); err != nil {
		var launchErr *executor.LaunchError
		switch {
		case errors.Is(err, runner.ErrNotIdle):
			return StartResponse{}, http.StatusConflict, err
		case errors.As(err, &launchErr):
			return StartResponse{}, http.StatusBadGateway, err
		default:
			return StartResponse{}, http.StatusInternalServerError, err
		}
	}

	s.log.Info("run requested", "paths", len(req.Paths), "markers", strings.Join(msg.Markers, ","))
	return StartResponse{
		RunID: req.ID,
		Paths: req.Paths,
		Args:  req.ExtraArgs,
	}, http.StatusAccepted, nil
}

func (s *Server) stopRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		phase := s.runner.Snapshot().Phase
		if !phase.Active() {
			writeError(w, http.StatusConflict, "no run is active")
			return
		}
		s.runner.Stop()
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.history == nil {
			writeError(w, http.StatusNotFound, "run history is disabled")
			return
		}

		id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusBadRequest, "invalid run id")
			return
		}

		run, err := s.history.GetRun(id)
		if errors.Is(err, runstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		results, err := s.history.ResultsForRun(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := runToResponse(run)
		for _, res := range results {
			resp.Results = append(resp.Results, ResultResponse{
				Path:    res.Path,
				Outcome: res.Outcome,
				Reason:  res.Reason,
			})
		}
		writeJSON(w, resp)
	}
}
