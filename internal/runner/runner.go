// Package runner is the execution orchestrator: it validates a request,
// materializes the source in a workspace, runs it in a sandbox and turns the
// raw outcome into a Result or a typed Error.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/classify"
	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/metrics"
	"github.com/michaelbrown/runbox/internal/quota"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/workspace"
)

// Request is one code submission.
type Request struct {
	ID       string // optional; generated when empty
	Language string
	Code     string
	Caller   string // quota key, e.g. the client IP
}

// Result is the outcome of a program run.
type Result struct {
	ID           string        `json:"id"`
	Language     string        `json:"language"`
	ExitCode     int           `json:"exitCode"`
	Output       string        `json:"output"`
	Stderr       string        `json:"stderr,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	TimedOut     bool          `json:"timedOut,omitempty"`
	Truncated    bool          `json:"truncated,omitempty"`
	Duration     time.Duration `json:"-"`
}

// Options configures a Service. Zero values select defaults.
type Options struct {
	Limits        sandbox.Limits
	MaxConcurrent int         // concurrent sandboxes; 0 means unbounded
	Quota         quota.Store // nil disables quotas
	Logger        *zerolog.Logger
}

// Service runs code submissions. It is safe for concurrent use.
type Service struct {
	registry   *language.Registry
	workspaces *workspace.Manager
	sandbox    sandbox.Runner
	classifier *classify.Classifier
	limits     sandbox.Limits
	quota      quota.Store
	slots      chan struct{}
	logger     *zerolog.Logger
}

// New wires the orchestrator. When classifier is nil one is built from the
// registry's source file names.
func New(reg *language.Registry, ws *workspace.Manager, sb sandbox.Runner, classifier *classify.Classifier, opts Options) *Service {
	if classifier == nil {
		classifier = classify.New(reg.FileNames()...)
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &Service{
		registry:   reg,
		workspaces: ws,
		sandbox:    sb,
		classifier: classifier,
		limits:     sandbox.DefaultLimits().Merge(opts.Limits),
		quota:      opts.Quota,
		logger:     logger,
	}
	if opts.MaxConcurrent > 0 {
		s.slots = make(chan struct{}, opts.MaxConcurrent)
	}
	return s
}

// Languages lists the supported languages sorted by id.
func (s *Service) Languages() []language.Config {
	return s.registry.List()
}

// Limits returns the default limits applied to every execution.
func (s *Service) Limits() sandbox.Limits {
	return s.limits
}

// Run executes req and returns its result. A program that fails to compile,
// exits non-zero, times out or runs out of memory yields an *Error of kind
// KindExecutionFailed that still carries the Result.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	lang := strings.TrimSpace(req.Language)
	if lang == "" || req.Code == "" {
		return nil, s.reject(s.logger, "", newError(KindInvalidRequest, "Language and code are required"))
	}

	cfg, err := s.registry.Lookup(lang)
	if err != nil {
		return nil, s.reject(s.logger, "", newError(KindUnsupportedLanguage, "Unsupported language: %s", lang).wrap(err))
	}

	if e := s.checkQuota(ctx, req.Caller); e != nil {
		return nil, s.reject(s.logger, cfg.ID, e)
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return nil, s.reject(s.logger, cfg.ID, newError(KindInfrastructure, "execution cancelled").wrap(err))
	}
	defer release()

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	log := s.logger.With().Str("execution_id", id).Str("language", cfg.ID).Logger()

	ws, err := s.workspaces.Provision(req.Code, cfg.FileName)
	if err != nil {
		return nil, s.reject(&log, cfg.ID, newError(KindInfrastructure, "could not prepare workspace").wrap(err))
	}
	defer s.dispose(ws, &log)

	limits := s.limits
	if cfg.Timeout > 0 {
		limits.Timeout = cfg.Timeout
	}

	raw, err := s.sandbox.Run(ctx, sandbox.Spec{
		ID:      id,
		Image:   cfg.Image,
		Command: cfg.RunCommand,
		Dir:     ws.Root,
		Limits:  limits,
	})
	if err != nil {
		return nil, s.reject(&log, cfg.ID, sandboxError(ctx, cfg, err))
	}

	result := &Result{
		ID:        id,
		Language:  cfg.ID,
		ExitCode:  raw.ExitCode,
		Output:    raw.Stdout,
		Stderr:    raw.Stderr,
		TimedOut:  raw.TimedOut,
		Truncated: raw.Truncated,
		Duration:  raw.Duration,
	}
	metrics.ExecutionDuration.WithLabelValues(cfg.ID).Observe(float64(raw.Duration.Milliseconds()))

	switch {
	case raw.TimedOut:
		result.ErrorMessage = fmt.Sprintf("Time Limit Exceeded: execution took longer than %v", limits.Timeout)
	case raw.OOMKilled:
		result.ErrorMessage = fmt.Sprintf("Memory Limit Exceeded: program used more than %s", units.BytesSize(float64(limits.MemoryBytes)))
	case raw.ExitCode != 0:
		text := raw.Stderr
		if strings.TrimSpace(text) == "" {
			text = raw.Stdout
		}
		result.ErrorMessage = s.classifier.Classify(text)
	}

	if result.ErrorMessage != "" {
		log.Info().
			Int("exit_code", raw.ExitCode).
			Dur("duration", raw.Duration).
			Str("error", result.ErrorMessage).
			Msg("program failed")
		metrics.ExecutionsTotal.WithLabelValues(cfg.ID, string(KindExecutionFailed)).Inc()
		return nil, &Error{Kind: KindExecutionFailed, Message: result.ErrorMessage, Result: result}
	}

	log.Info().Int("exit_code", 0).Dur("duration", raw.Duration).Msg("program succeeded")
	metrics.ExecutionsTotal.WithLabelValues(cfg.ID, "ok").Inc()
	return result, nil
}

// Close releases the sandbox engine and the quota store.
func (s *Service) Close() error {
	var errs []error
	if err := s.sandbox.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.quota != nil {
		if err := s.quota.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) checkQuota(ctx context.Context, caller string) *Error {
	if s.quota == nil || caller == "" {
		return nil
	}
	d, err := s.quota.Allow(ctx, caller)
	if err != nil {
		// fail open
		s.logger.Warn().Err(err).Str("caller", caller).Msg("quota check failed, allowing")
		return nil
	}
	if d.Allowed {
		return nil
	}
	metrics.QuotaRejections.Inc()
	e := newError(KindQuotaExceeded, "Too many executions, retry in %v", d.RetryAfter.Round(time.Second))
	e.RetryAfter = d.RetryAfter
	return e
}

func (s *Service) acquire(ctx context.Context) (func(), error) {
	if s.slots == nil {
		metrics.InFlight.Inc()
		return metrics.InFlight.Dec, nil
	}
	start := time.Now()
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	metrics.AdmissionWait.Observe(float64(time.Since(start).Milliseconds()))
	metrics.InFlight.Inc()
	return func() {
		metrics.InFlight.Dec()
		<-s.slots
	}, nil
}

func (s *Service) dispose(ws *workspace.Workspace, log *zerolog.Logger) {
	if err := ws.Dispose(); err != nil {
		metrics.CleanupFailures.Inc()
		log.Error().Err(err).Str("workspace", ws.Root).Msg("removing workspace")
	}
}

func (s *Service) reject(log *zerolog.Logger, lang string, e *Error) *Error {
	if lang == "" {
		lang = "unknown"
	}
	if e.Kind == KindInfrastructure {
		log.Error().Err(e.Err).Str("language", lang).Msg(e.Message)
	} else {
		log.Debug().Str("language", lang).Str("kind", string(e.Kind)).Msg(e.Message)
	}
	metrics.ExecutionsTotal.WithLabelValues(lang, string(e.Kind)).Inc()
	return e
}

func sandboxError(ctx context.Context, cfg language.Config, err error) *Error {
	switch {
	case ctx.Err() != nil:
		return newError(KindInfrastructure, "execution cancelled").wrap(err)
	case errors.Is(err, sandbox.ErrImageNotFound), errors.Is(err, sandbox.ErrImageNotAllowed):
		return newError(KindInfrastructure, "sandbox image %s is not available", cfg.Image).wrap(err)
	default:
		return newError(KindInfrastructure, "sandbox engine unavailable").wrap(err)
	}
}
