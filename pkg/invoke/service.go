// Package invoke drives a single pipeline stage against the model under a
// timeout, retry and budget policy.
package invoke

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/hypogate/pkg/budget"
	"github.com/odvcencio/hypogate/pkg/config"
	"github.com/odvcencio/hypogate/pkg/contract"
	"github.com/odvcencio/hypogate/pkg/errors"
	"github.com/odvcencio/hypogate/pkg/logging"
	"github.com/odvcencio/hypogate/pkg/model"
	"github.com/odvcencio/hypogate/pkg/statestore"
	"github.com/odvcencio/hypogate/pkg/telemetry"
)

// DefaultRetries asks the service to use its configured retry count.
const DefaultRetries = -1

// ErrCancelled marks an invocation aborted by its caller. Errors wrapping
// it also wrap the parent context's error.
var ErrCancelled = stderrors.New("invocation cancelled")

var (
	errAttemptTimeout = stderrors.New("attempt timeout")
	errGlobalTimeout  = stderrors.New("global timeout")
)

// IsCancelled reports whether err is a caller cancellation.
func IsCancelled(err error) bool {
	return stderrors.Is(err, ErrCancelled)
}

// Request describes one stage call.
type Request struct {
	Stage           string
	Schema          contract.SchemaID
	Namespace       string
	ConversationKey string
	Instruction     string
	Input           string
	// MaxRetries is the number of retries after the first attempt.
	// DefaultRetries (or any negative value) uses the configured count.
	MaxRetries int
	// Limits overrides the configured per-attempt budget.
	Limits *budget.Limits
}

// Output is the result of a successful stage call.
type Output struct {
	Stage     string
	RunID     string
	SessionID string
	Attempts  int
	Text      string
	Document  contract.Document
	ToolCalls []model.ToolCall
	Usage     model.Usage
	Trace     TraceSnapshot
	Duration  time.Duration
}

// Options configures a Service.
type Options struct {
	Source     model.Source
	Store      *statestore.Store
	Parser     *contract.Parser
	Invocation config.InvocationConfig
	Budget     config.BudgetConfig
	Logger     *slog.Logger

	Now   func() time.Time
	Sleep func(context.Context, time.Duration) error
	Rand  func() float64
}

// Service runs stage invocations. It is safe for concurrent use.
type Service struct {
	source  model.Source
	store   *statestore.Store
	parser  *contract.Parser
	cfg     config.InvocationConfig
	limits  budget.Limits
	backoff Backoff
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
}

// New creates a Service.
func New(opts Options) *Service {
	s := &Service{
		source: opts.Source,
		store:  opts.Store,
		parser: opts.Parser,
		cfg:    opts.Invocation,
		limits: budget.Limits{
			WallClock:    opts.Budget.WallClock,
			MaxEvents:    opts.Budget.MaxEvents,
			MaxToolCalls: opts.Budget.MaxToolCalls,
		},
		backoff: NewBackoff(opts.Invocation),
		logger:  logging.OrDiscard(opts.Logger, logging.CategoryInvocation),
		now:     opts.Now,
		sleep:   opts.Sleep,
	}
	s.backoff.Rand = opts.Rand
	if s.parser == nil {
		s.parser = contract.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sleep == nil {
		s.sleep = sleepContext
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Invoke runs req until it succeeds, fails fatally, or exhausts its
// retries. At most MaxRetries+1 attempts are made.
func (s *Service) Invoke(parent context.Context, req Request) (*Output, error) {
	if s.source == nil {
		return nil, errors.New(errors.ErrCodeInternal, "invoke: no model source configured")
	}
	if strings.TrimSpace(req.Stage) == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "invoke: stage is required")
	}
	maxRetries := req.MaxRetries
	if maxRetries < 0 {
		maxRetries = s.cfg.MaxRetries
	}
	limits := s.limits
	if req.Limits != nil {
		limits = *req.Limits
	}

	started := s.now()
	runID := ulid.Make().String()
	logger := s.logger.With("stage", req.Stage, "run_id", runID)
	trace := newTrace(runID, req.Stage, s.cfg.TraceLimit, s.now)

	ctx, span := telemetry.StartSpan(parent, "invoke."+req.Stage,
		telemetry.AttrStage.String(req.Stage),
		telemetry.AttrConversation.String(req.ConversationKey),
	)

	global, cancelGlobal := withTimeoutCause(ctx, s.cfg.GlobalTimeout, errGlobalTimeout)
	defer cancelGlobal()

	prior := s.loadPrior(req, logger)
	trace.mark(MarkStart, 0, fmt.Sprintf("max_retries=%d", maxRetries))

	var (
		lastErr   error
		attempts  int
		sessionID string
	)
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		if attempt > 1 {
			delay := s.backoff.Delay(attempt-1, retryAfter(lastErr))
			class := Classify(lastErr)
			trace.mark(MarkRetry, attempt, fmt.Sprintf("delay=%s reason=%s", delay, class.Reason))
			recordRetry(req.Stage, class.Reason)
			logger.Warn("retrying stage", "attempt", attempt, "delay", delay, "reason", class.Reason, "error", lastErr)
			if err := s.sleep(global, delay); err != nil {
				lastErr = s.loopCause(parent, global, err)
				break
			}
		}

		attempts = attempt
		sessionID = SessionID(req.Namespace, req.ConversationKey, req.Stage, attempt, s.cfg.RetryIsolation)
		recordAttempt(req.Stage)

		out, err := s.attempt(global, parent, req, attempt, sessionID, prior, limits, trace)
		if err == nil {
			out.RunID = runID
			out.Attempts = attempt
			out.Duration = s.now().Sub(started)
			trace.mark(MarkEnd, attempt, "success")
			out.Trace = trace.Snapshot()
			s.persistSuccess(ctx, req, out, logger)
			recordOutcome(req.Stage, "success", out.Duration.Seconds())
			logger.Info("stage completed", "attempts", attempt, "session_id", sessionID, "duration", out.Duration)
			telemetry.EndSpan(span, nil)
			return out, nil
		}

		lastErr = err
		trace.mark(MarkError, attempt, err.Error())

		if parent.Err() != nil || global.Err() != nil {
			lastErr = s.loopCause(parent, global, err)
			break
		}
		if !Classify(err).Retryable {
			break
		}
	}

	final := s.finalError(req, attempts, lastErr)
	trace.mark(MarkEnd, attempts, "failed: "+final.Error())
	s.persistFailure(ctx, req, trace.Snapshot(), logger)

	outcome := "failed"
	if IsCancelled(final) {
		outcome = "cancelled"
		logger.Info("stage cancelled", "attempts", attempts)
	} else {
		logger.Error("stage failed", "attempts", attempts, "session_id", sessionID, "error", final)
	}
	recordOutcome(req.Stage, outcome, s.now().Sub(started).Seconds())
	telemetry.EndSpan(span, final)
	return nil, final
}

// attempt runs one model stream to completion and validates its output.
func (s *Service) attempt(global, parent context.Context, req Request, attempt int, sessionID string, prior map[string]any, limits budget.Limits, trace *Trace) (*Output, error) {
	guard := budget.New(req.Stage, limits, budget.WithClock(s.now))

	actx, cancelAttempt := withTimeoutCause(global, s.cfg.AttemptTimeout, errAttemptTimeout)
	defer cancelAttempt()
	bctx, cancelBudget := guard.Context(actx)
	defer cancelBudget()

	bctx, span := telemetry.StartSpan(bctx, "invoke.attempt",
		telemetry.AttrStage.String(req.Stage),
		telemetry.AttrSessionID.String(sessionID),
		telemetry.AttrAttempt.Int(attempt),
	)
	var spanErr error
	defer func() { telemetry.EndSpan(span, spanErr) }()

	stream, err := s.source.Open(bctx, model.StageRequest{
		Stage:       req.Stage,
		SessionID:   sessionID,
		Attempt:     attempt,
		Instruction: req.Instruction,
		Input:       req.Input,
		State:       prior,
	})
	if err != nil {
		if bctx.Err() != nil {
			err = s.attemptCause(parent, global, actx, guard, err)
		}
		spanErr = err
		return nil, err
	}
	defer stream.Close()

	out := &Output{Stage: req.Stage, SessionID: sessionID}
	var text strings.Builder

	events := stream.Events()
consume:
	for {
		select {
		case <-bctx.Done():
			spanErr = s.attemptCause(parent, global, actx, guard, bctx.Err())
			return nil, spanErr
		case ev, ok := <-events:
			if !ok {
				break consume
			}
			trace.event(attempt, ev)
			if err := guard.Observe(ev.Kind == model.EventToolCall); err != nil {
				spanErr = err
				return nil, err
			}
			switch ev.Kind {
			case model.EventText:
				text.WriteString(ev.Text)
			case model.EventToolCall:
				if ev.ToolCall != nil {
					out.ToolCalls = append(out.ToolCalls, *ev.ToolCall)
				}
			case model.EventUsage:
				if ev.Usage != nil {
					out.Usage = *ev.Usage
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		if bctx.Err() != nil {
			err = s.attemptCause(parent, global, actx, guard, err)
		}
		spanErr = err
		return nil, err
	}

	out.Text = text.String()
	if req.Schema != "" {
		doc, err := s.parser.ParseDetailed(req.Schema, out.Text)
		if err != nil {
			spanErr = err
			return nil, err
		}
		out.Document = doc
	}
	return out, nil
}

// attemptCause names why an attempt's context ended, in precedence order:
// caller cancel, attempt timeout, global timeout, budget wall clock.
func (s *Service) attemptCause(parent, global, actx context.Context, guard *budget.Guard, err error) error {
	if parent.Err() != nil {
		return cancelled(parent)
	}
	if stderrors.Is(context.Cause(actx), errAttemptTimeout) {
		return errors.Wrap(err, errors.ErrCodeModelTimeout, "stage attempt timed out").
			WithContext("timeout", s.cfg.AttemptTimeout.String()).
			WithRetryable(true)
	}
	if global.Err() != nil {
		return globalTimeout(s.cfg.GlobalTimeout, err)
	}
	if gerr := guard.Check(); gerr != nil {
		return gerr
	}
	return err
}

// loopCause maps a context failure seen by the retry loop.
func (s *Service) loopCause(parent, global context.Context, err error) error {
	if parent.Err() != nil {
		if IsCancelled(err) {
			return err
		}
		return cancelled(parent)
	}
	if global.Err() != nil && !isGlobalTimeout(err) {
		return globalTimeout(s.cfg.GlobalTimeout, err)
	}
	return err
}

func isGlobalTimeout(err error) bool {
	e, ok := errors.As(err)
	return ok && e.Code == errors.ErrCodeModelTimeout && !e.Retryable
}

func cancelled(parent context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, parent.Err())
}

func globalTimeout(limit time.Duration, err error) error {
	return errors.Wrap(err, errors.ErrCodeModelTimeout, "stage global timeout exceeded").
		WithContext("timeout", limit.String()).
		WithRetryable(false)
}

// finalError shapes the error returned once no further attempt will run.
func (s *Service) finalError(req Request, attempts int, err error) error {
	if err == nil {
		return errors.New(errors.ErrCodeInternal, "invoke: no attempts were made")
	}
	if IsCancelled(err) {
		return err
	}
	if isGlobalTimeout(err) {
		return err
	}

	switch {
	case errors.IsCode(err, errors.ErrCodeContractViolation):
		return errors.Wrap(err, errors.ErrCodeContractViolation,
			fmt.Sprintf("stage %s did not return a valid %s document after %d attempt(s)", req.Stage, req.Schema, attempts)).
			WithContext("stage", req.Stage).
			WithContext("attempts", attempts).
			WithUserMessage(fmt.Sprintf("The %s stage returned output that does not match its contract.", req.Stage))
	case budget.IsExceeded(err):
		return errors.Wrap(err, errors.ErrCodeBudgetExceeded,
			fmt.Sprintf("stage %s exceeded its budget after %d attempt(s)", req.Stage, attempts)).
			WithContext("stage", req.Stage).
			WithContext("attempts", attempts)
	}

	code := errors.ErrCodeStageFailed
	var apiErr *model.APIError
	if stderrors.As(err, &apiErr) {
		code = errors.ErrCodeModelAPIError
		if apiErr.IsRateLimitError() {
			code = errors.ErrCodeModelRateLimit
		}
	} else if c := errors.GetCode(err); c != errors.ErrCodeInternal && c != "" {
		code = c
	}
	return errors.Wrap(err, code, fmt.Sprintf("stage %s failed after %d attempt(s)", req.Stage, attempts)).
		WithContext("stage", req.Stage).
		WithContext("attempts", attempts)
}

func (s *Service) loadPrior(req Request, logger *slog.Logger) map[string]any {
	if s.store == nil {
		return nil
	}
	rec, err := s.store.Load(req.Namespace, req.ConversationKey)
	if err != nil {
		logger.Warn("failed to load prior state", "error", err)
		return nil
	}
	if rec == nil {
		return nil
	}
	return rec.State
}

// persistSuccess merges this stage's entries into the state current at write
// time, under the record lock, so concurrent stages on one conversation all
// survive. Failures are logged only.
func (s *Service) persistSuccess(ctx context.Context, req Request, out *Output, logger *slog.Logger) {
	if s.store == nil {
		return
	}
	completedAt := s.now().UTC().Format(time.RFC3339Nano)
	artifacts := map[string]any{
		req.Stage + ".trace": out.Trace,
		req.Stage + ".result": map[string]any{
			"run_id":     out.RunID,
			"session_id": out.SessionID,
			"attempts":   out.Attempts,
			"text":       out.Text,
			"output":     outputValue(out),
		},
	}

	_, err := s.store.Update(context.WithoutCancel(ctx), req.Namespace, req.ConversationKey, func(rec *statestore.Record) error {
		state := cloneState(rec.State)
		state["last_stage"] = req.Stage
		subMap(state, "stages")[req.Stage] = map[string]any{
			"session_id":   out.SessionID,
			"run_id":       out.RunID,
			"attempts":     out.Attempts,
			"completed_at": completedAt,
		}
		subMap(state, "outputs")[req.Stage] = outputValue(out)
		rec.State = state
		rec.Artifacts = statestore.MergeArtifacts(rec.Artifacts, artifacts)
		return nil
	})
	if err != nil {
		logger.Warn("failed to persist stage state", "error", err)
	}
}

// persistFailure stores only the trace.
func (s *Service) persistFailure(ctx context.Context, req Request, trace TraceSnapshot, logger *slog.Logger) {
	if s.store == nil {
		return
	}
	artifacts := map[string]any{req.Stage + ".trace": trace}
	if _, err := s.store.SaveArtifacts(context.WithoutCancel(ctx), req.Namespace, req.ConversationKey, artifacts); err != nil {
		logger.Warn("failed to persist stage trace", "error", err)
	}
}

func outputValue(out *Output) any {
	if out.Document == nil {
		return out.Text
	}
	data, err := contract.Canonical(out.Document)
	if err != nil {
		return out.Text
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return out.Text
	}
	return v
}

func cloneState(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// subMap returns a copy of state[key] as a map, installing it in state.
func subMap(state map[string]any, key string) map[string]any {
	next := map[string]any{}
	if prev, ok := state[key].(map[string]any); ok {
		for k, v := range prev {
			next[k] = v
		}
	}
	state[key] = next
	return next
}

func withTimeoutCause(ctx context.Context, d time.Duration, cause error) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, d, cause)
}
