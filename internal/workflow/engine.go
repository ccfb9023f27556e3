package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/faults"
	"github.com/JakeFAU/outreach-crawler/internal/metrics"
	"github.com/JakeFAU/outreach-crawler/internal/retry"
	"github.com/JakeFAU/outreach-crawler/internal/session"
	"github.com/JakeFAU/outreach-crawler/internal/throttle"
)

// Status is the outcome of a workflow or step.
type Status string

// Outcomes.
const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// StepResult records one step.
type StepResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result describes one execution.
type Result struct {
	ID         string       `json:"id"`
	Kind       Kind         `json:"kind"`
	Target     string       `json:"target"`
	Status     Status       `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	Steps      []StepResult `json:"steps"`
	Attempts   int          `json:"attempts"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
}

// Sessions is the part of the session manager the engine uses.
type Sessions interface {
	Acquire(ctx context.Context) (*session.Handle, error)
	RecordError(ctx context.Context, err error) error
	Touch()
}

// Gate is the part of the throttle the engine uses.
type Gate interface {
	Gate(ctx context.Context, action string) error
	Record(ctx context.Context, action string, meta map[string]string) error
}

// Config tunes the engine.
type Config struct {
	MaxRetries int
	Timeout    time.Duration
	BatchDelay throttle.Range
	BaseURL    string
	Selectors  automation.Selectors
}

// Deps are the engine's collaborators.
type Deps struct {
	Sessions Sessions
	Retry    *retry.Executor
	Gate     Gate
	Pacing   Pacing
	IDs      automation.IDGenerator
	Clock    automation.Clock
	Sleep    throttle.Sleeper
	Logger   *zap.Logger
}

// Engine executes workflows.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer
}

// NewEngine validates deps and returns an Engine.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Sessions == nil:
		return nil, fmt.Errorf("sessions are required")
	case deps.Retry == nil:
		return nil, fmt.Errorf("retry executor is required")
	case deps.Gate == nil:
		return nil, fmt.Errorf("throttle gate is required")
	case deps.Pacing == nil:
		return nil, fmt.Errorf("pacing is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("workflow timeout must be > 0")
	}
	if deps.Sleep == nil {
		deps.Sleep = throttle.Sleep
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("workflow"),
		tracer: otel.Tracer("github.com/JakeFAU/outreach-crawler/internal/workflow"),
	}, nil
}

// Execute runs wf once through the throttle and retry executor. A failed
// run returns both the partial Result and a categorized error.
func (e *Engine) Execute(ctx context.Context, wf Workflow) (Result, error) {
	res := Result{Kind: wf.Kind(), Target: wf.Target(), StartedAt: e.deps.Clock.Now()}
	id, err := e.deps.IDs.NewID()
	if err != nil {
		return e.finish(res, fmt.Errorf("workflow id: %w", err))
	}
	res.ID = id

	ctx, span := e.tracer.Start(ctx, "workflow."+string(wf.Kind()), trace.WithAttributes(
		attribute.String("workflow.id", id),
		attribute.String("workflow.target", wf.Target()),
	))
	defer span.End()

	if err := wf.Validate(); err != nil {
		return e.finishSpan(span, res, faults.New(faults.Unknown, "validate workflow", err))
	}
	if err := e.deps.Gate.Gate(ctx, string(wf.Kind())); err != nil {
		return e.finishSpan(span, res, fmt.Errorf("throttle gate: %w", err))
	}

	info := map[string]string{"workflow_id": id, "kind": string(wf.Kind()), "target": wf.Target()}
	err = e.deps.Retry.Do(ctx, "workflow "+string(wf.Kind()), e.cfg.MaxRetries, func(ctx context.Context, attempt int) error {
		res.Attempts = attempt
		res.Steps = nil
		res.Status, res.Reason = "", ""
		return e.runSteps(ctx, wf, &res)
	}, info)
	if err != nil {
		return e.finishSpan(span, res, err)
	}

	if res.Status == StatusSkipped {
		return e.finishSpan(span, res, nil)
	}
	if err := e.deps.Gate.Record(ctx, string(wf.Kind()), info); err != nil {
		e.logger.Warn("record activity", zap.Error(err))
	}
	e.deps.Sessions.Touch()
	return e.finishSpan(span, res, nil)
}

func (e *Engine) runSteps(ctx context.Context, wf Workflow, res *Result) error {
	h, err := e.deps.Sessions.Acquire(ctx)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	env := Env{Surface: h, Selectors: e.cfg.Selectors, BaseURL: e.cfg.BaseURL}
	for i, step := range wf.steps() {
		if i > 0 {
			if err := e.deps.Sleep(runCtx, e.deps.Pacing.Think()); err != nil {
				return faults.New(faults.Network, step.Name, err)
			}
		}
		started := e.deps.Clock.Now()
		err := step.Run(runCtx, env)
		sr := StepResult{Name: step.Name, Status: StatusCompleted, Duration: e.deps.Clock.Now().Sub(started)}

		switch {
		case err == nil:
			res.Steps = append(res.Steps, sr)
		case errors.Is(err, errStepNotNeeded):
			sr.Status = StatusSkipped
			res.Steps = append(res.Steps, sr)
		case errors.Is(err, errAlreadySatisfied):
			sr.Status = StatusSkipped
			res.Steps = append(res.Steps, sr)
			res.Status, res.Reason = StatusSkipped, err.Error()
			return nil
		case step.Optional:
			sr.Status, sr.Error = StatusFailed, err.Error()
			res.Steps = append(res.Steps, sr)
			e.logger.Warn("optional step failed", zap.String("step", step.Name), zap.Error(err))
		default:
			sr.Status, sr.Error = StatusFailed, err.Error()
			res.Steps = append(res.Steps, sr)
			category := faults.CategoryOf(err)
			if category == faults.Browser || category == faults.Network {
				if rerr := e.deps.Sessions.RecordError(ctx, err); rerr != nil {
					return rerr
				}
			}
			return faults.New(category, step.Name, err).With("step", step.Name)
		}
	}
	return nil
}

func (e *Engine) finishSpan(span trace.Span, res Result, err error) (Result, error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return e.finish(res, err)
}

func (e *Engine) finish(res Result, err error) (Result, error) {
	res.FinishedAt = e.deps.Clock.Now()
	switch {
	case err != nil:
		res.Status = StatusFailed
		if res.Reason == "" {
			res.Reason = err.Error()
		}
	case res.Status == "":
		res.Status = StatusCompleted
	}
	metrics.ObserveWorkflow(string(res.Kind), string(res.Status), res.FinishedAt.Sub(res.StartedAt))
	e.logger.Info("workflow finished",
		zap.String("workflow_id", res.ID),
		zap.String("kind", string(res.Kind)),
		zap.String("target", res.Target),
		zap.String("status", string(res.Status)),
		zap.Int("attempts", res.Attempts),
	)
	return res, err
}

// BatchOptions controls ExecuteBatch.
type BatchOptions struct {
	// StopOnError aborts the remaining workflows after the first failure.
	StopOnError bool
}

// Failure is a failed workflow within a batch.
type Failure struct {
	Result   Result `json:"result"`
	Error    string `json:"error"`
	Category string `json:"category"`
}

// Summary totals a batch.
type Summary struct {
	Total      int           `json:"total"`
	Successful int           `json:"successCount"`
	Failed     int           `json:"failureCount"`
	Skipped    int           `json:"skipCount"`
	Duration   time.Duration `json:"duration"`
}

// BatchResult groups batch outcomes.
type BatchResult struct {
	Successful []Result  `json:"successful"`
	Failed     []Failure `json:"failed"`
	Skipped    []Result  `json:"skipped"`
	Summary    Summary   `json:"summary"`
}

// ExecuteBatch runs workflows in order with a randomized pause between them.
// With StopOnError the first failure is returned and the rest are reported
// as skipped.
func (e *Engine) ExecuteBatch(ctx context.Context, wfs []Workflow, opts BatchOptions) (BatchResult, error) {
	start := e.deps.Clock.Now()
	out := BatchResult{Summary: Summary{Total: len(wfs)}}

	var stopErr error
	for i, wf := range wfs {
		if stopErr == nil && i > 0 {
			if err := e.deps.Sleep(ctx, e.deps.Pacing.Between(e.cfg.BatchDelay.Min, e.cfg.BatchDelay.Max)); err != nil {
				stopErr = err
			}
		}
		if stopErr != nil {
			out.Skipped = append(out.Skipped, Result{Kind: wf.Kind(), Target: wf.Target(), Status: StatusSkipped, Reason: "batch aborted"})
			continue
		}
		res, err := e.Execute(ctx, wf)
		switch {
		case err != nil:
			out.Failed = append(out.Failed, Failure{Result: res, Error: err.Error(), Category: string(faults.CategoryOf(err))})
			if opts.StopOnError || ctx.Err() != nil {
				stopErr = err
			}
		case res.Status == StatusSkipped:
			out.Skipped = append(out.Skipped, res)
		default:
			out.Successful = append(out.Successful, res)
		}
	}
	out.Summary.Successful = len(out.Successful)
	out.Summary.Failed = len(out.Failed)
	out.Summary.Skipped = len(out.Skipped)
	out.Summary.Duration = e.deps.Clock.Now().Sub(start)
	return out, stopErr
}
