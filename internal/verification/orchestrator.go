package verification

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"verifid/internal/audit"
	"verifid/internal/blobstore"
	"verifid/internal/verification/metrics"
	"verifid/internal/verification/stage"
	id "verifid/pkg/domain"
	dErrors "verifid/pkg/domain-errors"
	"verifid/pkg/platform/sentinel"
	"verifid/pkg/requestcontext"
)

// storeRetries bounds optimistic-concurrency retry loops. Conflicts come
// from the sweeper or sibling stage writers, so a handful of re-reads always
// suffices unless the store itself is unhealthy.
const storeRetries = 5

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	StageDeadlines  map[stage.Stage]time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	InferenceSlots  int64
	SessionLifetime time.Duration
	Decision        DecisionConfig
}

func (c Config) withDefaults() Config {
	if c.StageDeadlines == nil {
		c.StageDeadlines = map[stage.Stage]time.Duration{}
	}
	for _, st := range stage.All {
		if c.StageDeadlines[st] <= 0 {
			c.StageDeadlines[st] = 30 * time.Second
		}
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.InferenceSlots <= 0 {
		c.InferenceSlots = 8
	}
	if c.SessionLifetime <= 0 {
		c.SessionLifetime = 15 * time.Minute
	}
	if c.Decision.FaceMatchThreshold <= 0 {
		c.Decision.FaceMatchThreshold = 0.6
	}
	if c.Decision.LivenessThreshold <= 0 {
		c.Decision.LivenessThreshold = 0.9
	}
	if c.Decision.BorderlineMargin <= 0 {
		c.Decision.BorderlineMargin = 0.1
	}
	return c
}

// TxRunner couples a session write and its audit append into one atomic
// commit where the backing stores support it.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// NoTx runs the function directly, for store pairings without shared
// transactions. The persist-then-append ordering still holds; only
// atomicity is weakened.
type NoTx struct{}

func (NoTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Orchestrator drives sessions from submission to a terminal status: it
// creates sessions idempotently, fans stage work out under backpressure,
// retries transient stage failures, and folds the results into a decision.
type Orchestrator struct {
	store    SessionStore
	recorder *audit.Recorder
	runners  map[stage.Stage]stage.Runner
	guard    IdempotencyGuard
	tx       TxRunner
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	slots    *semaphore.Weighted

	background context.Context
	stop       context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics wires verification metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTxRunner couples session writes and audit appends transactionally.
func WithTxRunner(tx TxRunner) Option {
	return func(o *Orchestrator) {
		if tx != nil {
			o.tx = tx
		}
	}
}

// WithIdempotencyGuard sets the duplicate-submission fast path.
func WithIdempotencyGuard(guard IdempotencyGuard) Option {
	return func(o *Orchestrator) {
		if guard != nil {
			o.guard = guard
		}
	}
}

func New(store SessionStore, recorder *audit.Recorder, runners []stage.Runner, cfg Config, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	background, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:      store,
		recorder:   recorder,
		runners:    make(map[stage.Stage]stage.Runner, len(runners)),
		guard:      NewInMemoryIdempotencyGuard(),
		tx:         NoTx{},
		cfg:        cfg,
		logger:     slog.Default(),
		tracer:     otel.Tracer("verifid/verification"),
		slots:      semaphore.NewWeighted(cfg.InferenceSlots),
		background: background,
		stop:       stop,
	}
	for _, runner := range runners {
		o.runners[runner.Stage()] = runner
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Close cancels outstanding stage work and waits for session goroutines to
// drain.
func (o *Orchestrator) Close() {
	o.stop()
	o.wg.Wait()
}

// CreateSession registers a new submission and starts its pipeline. Creation
// is idempotent per (tenant, fingerprint): resubmitting identical content
// while a session is live returns that session instead of creating another.
// The second return value reports whether a new session was created.
func (o *Orchestrator) CreateSession(ctx context.Context, documentRef, selfieRef blobstore.ContentRef, fingerprint blobstore.Fingerprint) (*Session, bool, error) {
	tenantID := requestcontext.TenantID(ctx)
	if tenantID.IsNil() {
		return nil, false, dErrors.New(dErrors.CodeUnauthorized, "no tenant in request context")
	}
	if documentRef == "" || selfieRef == "" {
		return nil, false, dErrors.New(dErrors.CodeValidation, "document and selfie are required")
	}
	if fingerprint == "" {
		return nil, false, dErrors.New(dErrors.CodeValidation, "submission fingerprint is required")
	}

	if existing, err := o.store.FindByFingerprint(ctx, tenantID, fingerprint); err == nil {
		return existing, false, nil
	}

	now := requestcontext.Now(ctx)
	session := NewSession(tenantID, Inputs{
		DocumentRef: documentRef,
		SelfieRef:   selfieRef,
		Fingerprint: fingerprint,
	}, now, o.cfg.SessionLifetime)
	session.ClientIP = requestcontext.ClientIP(ctx)
	session.UserAgent = requestcontext.UserAgent(ctx)
	if err := session.TransitionTo(StatusInProgress, now); err != nil {
		return nil, false, err
	}

	holder, reserved, err := o.guard.Reserve(ctx, tenantID, fingerprint, session.ID, o.cfg.SessionLifetime)
	if err != nil {
		return nil, false, dErrors.Wrap(err, dErrors.CodeUnavailable, "reserve submission")
	}
	if !reserved {
		existing, getErr := o.store.Get(ctx, tenantID, holder)
		if getErr == nil && !existing.Terminal() {
			return existing, false, nil
		}
		// The claim outlived its session; terminal sessions free the
		// fingerprint for resubmission.
		if err := o.guard.Release(ctx, tenantID, fingerprint); err != nil {
			return nil, false, dErrors.Wrap(err, dErrors.CodeUnavailable, "release stale submission claim")
		}
		if _, reserved, err = o.guard.Reserve(ctx, tenantID, fingerprint, session.ID, o.cfg.SessionLifetime); err != nil {
			return nil, false, dErrors.Wrap(err, dErrors.CodeUnavailable, "reserve submission")
		}
		if !reserved {
			return nil, false, dErrors.New(dErrors.CodeConflict, "submission already in progress")
		}
	}

	err = o.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := o.store.Create(ctx, session); err != nil {
			return err
		}
		return o.recorder.Record(ctx, audit.NewEvent(session.ID, tenantID, audit.EventSessionCreated, now, map[string]any{
			"status":       string(session.Status),
			"document_ref": string(documentRef),
			"selfie_ref":   string(selfieRef),
			"fingerprint":  string(fingerprint),
		}))
	})
	if err != nil {
		releaseErr := o.guard.Release(ctx, tenantID, fingerprint)
		if releaseErr != nil {
			o.logger.WarnContext(ctx, "failed to release submission claim",
				"session_id", session.ID, "error", releaseErr)
		}
		if dErrors.HasCode(err, dErrors.CodeUnavailable) {
			return nil, false, err
		}
		if existing, findErr := o.store.FindByFingerprint(ctx, tenantID, fingerprint); findErr == nil {
			return existing, false, nil
		}
		return nil, false, dErrors.Wrap(err, dErrors.CodeUnavailable, "create session")
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runSession(o.background, tenantID, session.ID)
	}()

	o.logger.InfoContext(ctx, "verification session created",
		"session_id", session.ID,
		"tenant_id", tenantID,
	)
	return session, true, nil
}

// runSession drives one session's stages to completion and finalizes it.
// Document and liveness dispatch concurrently; face waits for the document
// stage's persisted success because it needs the extracted face region.
func (o *Orchestrator) runSession(ctx context.Context, tenantID id.TenantID, sessionID id.SessionID) {
	ctx, span := o.tracer.Start(ctx, "verification.session",
		trace.WithAttributes(attribute.String("session_id", sessionID.String())))
	defer span.End()

	session, err := o.transition(ctx, tenantID, sessionID, StatusAwaitingResult)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to mark session awaiting results",
			"session_id", sessionID, "error", err)
		return
	}

	input := stage.Input{
		SessionID:   sessionID,
		DocumentRef: session.Inputs.DocumentRef,
		SelfieRef:   session.Inputs.SelfieRef,
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		docResult, ok := o.runStage(groupCtx, tenantID, sessionID, stage.Document, input)
		if !ok || docResult.Outcome != stage.OutcomeSuccess {
			return nil
		}
		// Re-read so face consumes the persisted document result, not the
		// in-memory one.
		persisted, err := o.store.Get(groupCtx, tenantID, sessionID)
		if err != nil {
			return nil
		}
		faceRef, ok := stage.FaceRegionRef(persisted.StageResult[stage.Document])
		if !ok {
			return nil
		}
		faceInput := input
		faceInput.FaceRegionRef = faceRef
		o.runStage(groupCtx, tenantID, sessionID, stage.Face, faceInput)
		return nil
	})
	g.Go(func() error {
		o.runStage(groupCtx, tenantID, sessionID, stage.Liveness, input)
		return nil
	})
	_ = g.Wait()

	o.finalize(ctx, tenantID, sessionID)
}

// runStage executes one stage to a final recorded result, including retries.
// It reports the last recorded result and false when the session went
// terminal underneath it.
func (o *Orchestrator) runStage(ctx context.Context, tenantID id.TenantID, sessionID id.SessionID, st stage.Stage, input stage.Input) (stage.Result, bool) {
	for attempt := 1; ; attempt++ {
		token, ok := o.beginAttempt(ctx, tenantID, sessionID, st)
		if !ok {
			return stage.Result{}, false
		}

		result := o.invoke(ctx, st, input)
		final := result.Terminal() || attempt > o.cfg.MaxRetries

		if !o.recordResult(ctx, tenantID, sessionID, token, result, final) {
			return stage.Result{}, false
		}
		if final {
			return result, true
		}

		o.metrics.IncrementRetry(string(st))
		backoff := o.cfg.RetryBackoff << (attempt - 1)
		select {
		case <-ctx.Done():
			return result, false
		case <-time.After(backoff):
		}
	}
}

// beginAttempt registers a fresh attempt token for the stage via a CAS
// read-modify-write. It reports false when the session is terminal or the
// stage already holds a terminal result.
func (o *Orchestrator) beginAttempt(ctx context.Context, tenantID id.TenantID, sessionID id.SessionID, st stage.Stage) (Attempt, bool) {
	for i := 0; i < storeRetries; i++ {
		session, err := o.store.Get(ctx, tenantID, sessionID)
		if err != nil {
			return Attempt{}, false
		}
		attempt, err := session.BeginAttempt(st, time.Now())
		if err != nil {
			return Attempt{}, false
		}
		err = o.store.Update(ctx, session)
		if err == nil {
			return attempt, true
		}
		if !isVersionConflict(err) {
			return Attempt{}, false
		}
	}
	o.logger.ErrorContext(ctx, "could not register stage attempt",
		"session_id", sessionID, "stage", st)
	return Attempt{}, false
}

// invoke runs the stage adapter once under an inference slot and the stage
// deadline. The adapter call is abandoned on timeout; its late completion is
// discarded by the buffered channel and the attempt-token check.
func (o *Orchestrator) invoke(ctx context.Context, st stage.Stage, input stage.Input) stage.Result {
	o.metrics.SlotWaitStarted()
	err := o.slots.Acquire(ctx, 1)
	o.metrics.SlotWaitFinished()
	if err != nil {
		return stage.Result{
			Stage:       st,
			Outcome:     stage.OutcomeTimeout,
			Reason:      "cancelled while waiting for an inference slot",
			CompletedAt: time.Now(),
		}
	}
	defer o.slots.Release(1)

	ctx, span := o.tracer.Start(ctx, "verification.stage",
		trace.WithAttributes(attribute.String("stage", string(st))))
	defer span.End()

	deadline := o.cfg.StageDeadlines[st]
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	results := make(chan stage.Result, 1)
	go func() {
		results <- o.runners[st].Run(runCtx, input)
	}()

	var result stage.Result
	select {
	case result = <-results:
	case <-runCtx.Done():
		result = stage.Result{
			Stage:       st,
			Outcome:     stage.OutcomeTimeout,
			Reason:      "stage deadline exceeded",
			CompletedAt: time.Now(),
		}
	}
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	o.metrics.ObserveStage(string(st), string(result.Outcome), time.Since(start))
	return result
}

// recordResult persists a stage result under its attempt token and, for the
// stage's final result, appends the audit event. It reports false when the
// result was discarded or could not be committed.
func (o *Orchestrator) recordResult(ctx context.Context, tenantID id.TenantID, sessionID id.SessionID, token Attempt, result stage.Result, final bool) bool {
	for i := 0; i < storeRetries; i++ {
		session, err := o.store.Get(ctx, tenantID, sessionID)
		if err != nil {
			return false
		}
		now := time.Now()
		if err := session.RecordStageResult(token.Token, result, now); err != nil {
			if errors.Is(err, sentinel.ErrStaleAttempt) {
				o.metrics.IncrementStaleDiscard(string(result.Stage))
			}
			return false
		}

		err = o.tx.RunInTx(ctx, func(ctx context.Context) error {
			if err := o.store.Update(ctx, session); err != nil {
				return err
			}
			if !final {
				return nil
			}
			return o.recorder.Record(ctx, audit.NewEvent(sessionID, tenantID, audit.EventStageCompleted, now, map[string]any{
				"stage":      string(result.Stage),
				"outcome":    string(result.Outcome),
				"confidence": result.Confidence,
				"attempt":    session.StageResult[result.Stage].Attempt,
				"reason":     result.Reason,
			}))
		})
		if err == nil {
			return true
		}
		if isVersionConflict(err) {
			continue
		}
		o.logger.ErrorContext(ctx, "failed to commit stage result",
			"session_id", sessionID, "stage", result.Stage, "error", err)
		return false
	}
	o.logger.ErrorContext(ctx, "stage result commit exhausted retries",
		"session_id", sessionID, "stage", result.Stage)
	return false
}

// finalize folds the recorded stage results into a decision and moves the
// session to DECIDED, or FAILED when the document stage did not succeed.
func (o *Orchestrator) finalize(ctx context.Context, tenantID id.TenantID, sessionID id.SessionID) {
	for i := 0; i < storeRetries; i++ {
		session, err := o.store.Get(ctx, tenantID, sessionID)
		if err != nil {
			return
		}
		if session.Terminal() {
			return
		}

		now := time.Now()
		decision := Decide(o.cfg.Decision, session.StageResult, now)
		target := StatusDecided
		eventType := audit.EventDecisionMade
		if doc, ok := session.StageResult[stage.Document]; !ok || doc.Outcome != stage.OutcomeSuccess {
			target = StatusFailed
			eventType = audit.EventSessionFailed
		}
		if err := session.SetDecision(decision, target, now); err != nil {
			o.logger.ErrorContext(ctx, "failed to attach decision",
				"session_id", sessionID, "error", err)
			return
		}

		err = o.tx.RunInTx(ctx, func(ctx context.Context) error {
			if err := o.store.Update(ctx, session); err != nil {
				return err
			}
			return o.recorder.Record(ctx, audit.NewEvent(sessionID, tenantID, eventType, now, map[string]any{
				"status":  string(target),
				"verdict": string(decision.Verdict),
				"reasons": decision.Reasons,
			}))
		})
		if err == nil {
			o.metrics.IncrementVerdict(string(decision.Verdict))
			o.metrics.ObserveSessionDuration(string(target), now.Sub(session.CreatedAt))
			o.logger.InfoContext(ctx, "verification session finalized",
				"session_id", sessionID,
				"status", target,
				"verdict", decision.Verdict,
			)
			return
		}
		if isVersionConflict(err) {
			continue
		}
		o.logger.ErrorContext(ctx, "failed to commit decision",
			"session_id", sessionID, "error", err)
		return
	}
	o.logger.ErrorContext(ctx, "decision commit exhausted retries", "session_id", sessionID)
}

// transition moves the session to a new status with audit, via CAS retries.
func (o *Orchestrator) transition(ctx context.Context, tenantID id.TenantID, sessionID id.SessionID, to Status) (*Session, error) {
	var lastErr error
	for i := 0; i < storeRetries; i++ {
		session, err := o.store.Get(ctx, tenantID, sessionID)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		from := session.Status
		if err := session.TransitionTo(to, now); err != nil {
			return nil, err
		}
		err = o.tx.RunInTx(ctx, func(ctx context.Context) error {
			if err := o.store.Update(ctx, session); err != nil {
				return err
			}
			return o.recorder.Record(ctx, audit.NewEvent(sessionID, tenantID, audit.EventStatusChanged, now, map[string]any{
				"from": string(from),
				"to":   string(to),
			}))
		})
		if err == nil {
			return session, nil
		}
		if !isVersionConflict(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, dErrors.Wrap(lastErr, dErrors.CodeUnavailable, "session transition exhausted retries")
}

func isVersionConflict(err error) bool {
	return errors.Is(err, sentinel.ErrVersionConflict)
}
