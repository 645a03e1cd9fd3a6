package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/runner"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Run handlers ---

type runRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

type runResponse struct {
	ID         string `json:"id"`
	Language   string `json:"language"`
	ExitCode   int    `json:"exitCode"`
	Output     string `json:"output"`
	DurationMs int64  `json:"durationMs"`
	Truncated  bool   `json:"truncated,omitempty"`
}

type runFailure struct {
	Error    string `json:"error"`
	Kind     string `json:"kind,omitempty"`
	ID       string `json:"id,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Output   string `json:"output,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	TimedOut bool   `json:"timedOut,omitempty"`
}

func newRunResponse(res *runner.Result) runResponse {
	return runResponse{
		ID:         res.ID,
		Language:   res.Language,
		ExitCode:   res.ExitCode,
		Output:     res.Output,
		DurationMs: res.Duration.Milliseconds(),
		Truncated:  res.Truncated,
	}
}

// newRunFailure renders err and returns the HTTP status it maps to.
func newRunFailure(err error) (runFailure, int) {
	var rerr *runner.Error
	if !errors.As(err, &rerr) {
		return runFailure{Error: "Code execution failed: " + err.Error()}, http.StatusInternalServerError
	}
	f := runFailure{Error: rerr.Error(), Kind: string(rerr.Kind)}
	if res := rerr.Result; res != nil {
		code := res.ExitCode
		f.ID = res.ID
		f.ExitCode = &code
		f.Output = res.Output
		f.Stderr = res.Stderr
		f.TimedOut = res.TimedOut
	}
	return f, rerr.Status()
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)

	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s.runs.Add(&ActiveRun{ID: id, Language: req.Language, Transport: "http", Cancel: cancel})
	defer s.runs.Remove(id)

	res, err := s.service.Run(ctx, runner.Request{
		ID:       id,
		Language: req.Language,
		Code:     req.Code,
		Caller:   clientIP(r),
	})
	if err != nil {
		var rerr *runner.Error
		if errors.As(err, &rerr) && rerr.Kind == runner.KindQuotaExceeded {
			secs := int(math.Ceil(rerr.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		}
		f, status := newRunFailure(err)
		writeJSON(w, status, f)
		return
	}

	writeJSON(w, http.StatusOK, newRunResponse(res))
}

// --- Language handlers ---

type languageInfo struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Aliases   []string `json:"aliases,omitempty"`
	Extension string   `json:"extension"`
	Image     string   `json:"image"`
	TimeoutMs int64    `json:"timeoutMs"`
}

func (s *Server) handleListLanguages(w http.ResponseWriter, r *http.Request) {
	defaultTimeout := s.service.Limits().Timeout
	var langs []languageInfo
	for _, c := range s.service.Languages() {
		langs = append(langs, newLanguageInfo(c, defaultTimeout))
	}
	writeJSON(w, http.StatusOK, langs)
}

func newLanguageInfo(c language.Config, defaultTimeout time.Duration) languageInfo {
	timeout := defaultTimeout
	if c.Timeout > 0 {
		timeout = c.Timeout
	}
	return languageInfo{
		ID:        c.ID,
		Name:      c.Name,
		Aliases:   c.Aliases,
		Extension: c.Extension(),
		Image:     c.Image,
		TimeoutMs: timeout.Milliseconds(),
	}
}

// --- In-flight run handlers ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runs.List())
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.runs.Cancel(id) {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.logger.Info().Str("execution_id", id).Msg("run cancelled")
	w.WriteHeader(http.StatusNoContent)
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.opts.Pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Pinger.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
