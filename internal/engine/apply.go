package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/picklr-io/tierctl/internal/logging"
	"github.com/picklr-io/tierctl/internal/state"
	"github.com/picklr-io/tierctl/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrRunTimeout is the cancellation cause when Options.RunTimeout elapses.
var ErrRunTimeout = errors.New("run timeout exceeded")

// ApplyEvent represents a progress event during apply or teardown.
type ApplyEvent struct {
	ID        string
	Kind      ir.Kind
	Direction ir.Direction
	Status    string // "started", "completed", "failed", "skipped"
	Outcome   ir.Outcome
	Attempts  int
	Duration  time.Duration
	Error     error
	BlockedBy string
}

// ApplyCallback is called for each apply event if set.
type ApplyCallback func(event ApplyEvent)

// Options tunes an Engine.
type Options struct {
	Retry RetryPolicy

	// Parallelism > 1 applies independent subtrees concurrently.
	Parallelism int

	// RunTimeout bounds the whole run. It is checked between descriptors.
	RunTimeout time.Duration

	// Owner identifies the run in state locks. Defaults to a fresh uuid.
	Owner string

	Callback ApplyCallback
	Metrics  *telemetry.Metrics
}

// Engine executes plans against a backend and records the outcome of every
// descriptor in a state store.
type Engine struct {
	store state.Store
	opts  Options
}

func NewEngine(store state.Store, opts Options) *Engine {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	return &Engine{store: store, opts: opts}
}

// Apply materializes every descriptor of an apply plan in order.
// The returned results are in plan order and cover every descriptor.
func (e *Engine) Apply(ctx context.Context, plan *ir.Plan, backend ir.Backend) ([]*ir.OperationResult, error) {
	if plan.Direction() != ir.DirectionApply {
		return nil, fmt.Errorf("apply requires an apply plan, got %s", plan.Direction())
	}
	return e.execute(ctx, plan, backend)
}

// Teardown deletes every descriptor of a teardown plan, dependents first.
func (e *Engine) Teardown(ctx context.Context, plan *ir.Plan, backend ir.Backend) ([]*ir.OperationResult, error) {
	if plan.Direction() != ir.DirectionTeardown {
		return nil, fmt.Errorf("teardown requires a teardown plan, got %s", plan.Direction())
	}
	return e.execute(ctx, plan, backend)
}

type run struct {
	e       *Engine
	id      string
	plan    *ir.Plan
	backend ir.Backend

	// ctx carries cancellation and is only checked between descriptors.
	// callCtx is detached from it and used for backend and store calls.
	ctx     context.Context
	callCtx context.Context

	mu      sync.Mutex
	handles map[string]*ir.Handle
	cause   error

	emitMu sync.Mutex
}

func (e *Engine) execute(ctx context.Context, plan *ir.Plan, backend ir.Backend) ([]*ir.OperationResult, error) {
	start := time.Now()
	dir := plan.Direction()
	runID := uuid.NewString()
	owner := e.opts.Owner
	if owner == "" {
		owner = runID
	}

	ctx, span := telemetry.Tracer().Start(ctx, "engine."+string(dir), trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.Int("plan.size", plan.Len()),
	))
	defer span.End()

	if e.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, e.opts.RunTimeout, ErrRunTimeout)
		defer cancel()
	}

	unlock, err := e.store.Lock(ctx, owner, plan.IDs())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer func() {
		if err := unlock(); err != nil {
			logging.Warn("failed to release state lock", "run", runID, "error", err)
		}
	}()

	if dir == ir.DirectionApply {
		if err := e.checkPlanRefs(ctx, plan); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	logging.Info("starting run", "run", runID, "direction", dir, "resources", plan.Len(), "parallelism", e.opts.Parallelism)

	r := &run{
		e:       e,
		id:      runID,
		plan:    plan,
		backend: backend,
		ctx:     ctx,
		callCtx: context.WithoutCancel(ctx),
		handles: make(map[string]*ir.Handle),
	}

	var results []*ir.OperationResult
	if e.opts.Parallelism > 1 && plan.Len() > 1 {
		results = r.executeParallel()
	} else {
		results = r.executeSequential()
	}

	runErr := r.summarize(results)
	e.opts.Metrics.RecordRun(string(dir), runErr == nil, time.Since(start))
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "run failed")
		logging.Error("run failed", "run", runID, "direction", dir, "duration", time.Since(start))
	} else {
		logging.Info("run finished", "run", runID, "direction", dir, "duration", time.Since(start))
	}
	return results, runErr
}

// checkPlanRefs rejects references to ids outside the plan that have no
// handle in the store.
func (e *Engine) checkPlanRefs(ctx context.Context, plan *ir.Plan) error {
	resources := plan.Resources()
	outside := make(map[string]bool)
	for _, res := range resources {
		for _, ref := range ExtractRefs(res.Properties) {
			if target := RefTarget(ref); plan.Position(target) < 0 {
				outside[target] = true
			}
		}
	}
	if len(outside) == 0 {
		return nil
	}
	return checkExternalRefs(resources, outside, func(id string) (*ir.Handle, error) {
		rs, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to read state for %s: %w", id, err)
		}
		if rs == nil {
			return nil, nil
		}
		return rs.Handle, nil
	})
}

// executeSequential processes descriptors strictly in plan order. The
// first failure or cancellation skips everything after it.
func (r *run) executeSequential() []*ir.OperationResult {
	resources := r.plan.Resources()
	results := make([]*ir.OperationResult, len(resources))

	blocked := ""
	for i, res := range resources {
		if blocked == "" {
			blocked = r.checkCancelled()
		}
		if blocked != "" {
			results[i] = r.skip(res, blocked)
			continue
		}
		results[i] = r.step(res)
		if results[i].Outcome == ir.OutcomeFailed {
			blocked = res.ID
		}
	}
	return results
}

// executeParallel starts each descriptor once everything it waits on has
// finished. Only dependents of a failure are skipped.
func (r *run) executeParallel() []*ir.OperationResult {
	resources := r.plan.Resources()
	results := make([]*ir.OperationResult, len(resources))

	done := make(map[string]*ir.OperationResult, len(resources))
	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	sem := make(chan struct{}, r.e.opts.Parallelism)

	var wg sync.WaitGroup
	for i, res := range resources {
		wg.Add(1)
		go func(i int, res *ir.Resource) {
			defer wg.Done()

			waitsOn := r.plan.WaitsOn(res.ID)
			mu.Lock()
			var blockedBy string
			for {
				var ready bool
				blockedBy, ready = blockingDependency(waitsOn, done)
				if blockedBy != "" || ready {
					break
				}
				cond.Wait()
			}
			mu.Unlock()

			var result *ir.OperationResult
			if blockedBy == "" {
				sem <- struct{}{}
				if blockedBy = r.checkCancelled(); blockedBy == "" {
					result = r.step(res)
				}
				<-sem
			}
			if result == nil {
				result = r.skip(res, blockedBy)
			}

			mu.Lock()
			done[res.ID] = result
			results[i] = result
			mu.Unlock()
			cond.Broadcast()
		}(i, res)
	}
	wg.Wait()

	return results
}

// blockingDependency reports the failure blocking a descriptor, or whether
// all of its dependencies finished successfully.
func blockingDependency(waitsOn []string, done map[string]*ir.OperationResult) (string, bool) {
	ready := true
	for _, dep := range waitsOn {
		d, ok := done[dep]
		if !ok {
			ready = false
			continue
		}
		if d.Succeeded() {
			continue
		}
		if d.Outcome == ir.OutcomeSkipped && d.BlockedBy != "" {
			return d.BlockedBy, false
		}
		return dep, false
	}
	return "", ready
}

// checkCancelled returns the cancellation cause once the run context is done.
func (r *run) checkCancelled() string {
	if r.ctx.Err() == nil {
		return ""
	}
	cause := context.Cause(r.ctx)
	r.mu.Lock()
	if r.cause == nil {
		r.cause = cause
		logging.Warn("run cancelled; remaining resources will not be attempted", "run", r.id, "cause", cause)
	}
	r.mu.Unlock()
	return cause.Error()
}

func (r *run) skip(res *ir.Resource, blockedBy string) *ir.OperationResult {
	result := &ir.OperationResult{
		ID:        res.ID,
		Kind:      res.Kind,
		Outcome:   ir.OutcomeSkipped,
		BlockedBy: blockedBy,
	}
	logging.Warn("skipping resource", "run", r.id, "id", res.ID, "kind", res.Kind, "blocked_by", blockedBy)
	r.e.opts.Metrics.RecordOperation(string(r.plan.Direction()), string(res.Kind), string(result.Outcome), 0)
	r.emit(ApplyEvent{ID: res.ID, Kind: res.Kind, Direction: r.plan.Direction(), Status: "skipped", Outcome: result.Outcome, BlockedBy: blockedBy})
	return result
}

// step runs one descriptor to a terminal outcome.
func (r *run) step(res *ir.Resource) *ir.OperationResult {
	dir := r.plan.Direction()
	start := time.Now()

	ctx, span := telemetry.Tracer().Start(r.callCtx, "resource."+string(dir), trace.WithAttributes(
		attribute.String("resource.id", res.ID),
		attribute.String("resource.kind", string(res.Kind)),
	))
	defer span.End()

	r.emit(ApplyEvent{ID: res.ID, Kind: res.Kind, Direction: dir, Status: "started"})
	logging.Debug("processing resource", "run", r.id, "id", res.ID, "kind", res.Kind, "direction", dir)

	var result *ir.OperationResult
	if dir == ir.DirectionTeardown {
		result = r.teardownOne(ctx, res)
	} else {
		result = r.applyOne(ctx, res)
	}
	result.Duration = time.Since(start)

	span.SetAttributes(
		attribute.String("resource.outcome", string(result.Outcome)),
		attribute.Int("resource.attempts", result.Attempts),
	)
	r.e.opts.Metrics.RecordOperation(string(dir), string(res.Kind), string(result.Outcome), result.Duration)

	status := "completed"
	if result.Outcome == ir.OutcomeFailed {
		status = "failed"
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
		logging.Error("resource failed", "run", r.id, "id", res.ID, "kind", res.Kind, "attempts", result.Attempts, "error", result.Err)
	} else {
		logging.Info("resource "+strings.ToLower(string(result.Outcome)), "run", r.id, "id", res.ID, "kind", res.Kind, "attempts", result.Attempts, "duration", result.Duration)
	}

	r.emit(ApplyEvent{
		ID:        res.ID,
		Kind:      res.Kind,
		Direction: dir,
		Status:    status,
		Outcome:   result.Outcome,
		Attempts:  result.Attempts,
		Duration:  result.Duration,
		Error:     result.Err,
	})
	return result
}

// recordFailed stores rs as Failed with err. The last applied properties and
// handle are kept.
func (r *run) recordFailed(ctx context.Context, rs *ir.ResourceState, err error) {
	rs.Status = ir.StatusFailed
	rs.Error = err.Error()
	rs.UpdatedAt = time.Now().UTC()
	if perr := r.e.store.Put(ctx, rs); perr != nil {
		logging.Error("failed to record failed state", "id", rs.ID, "error", perr)
	}
}

func (r *run) applyOne(ctx context.Context, res *ir.Resource) *ir.OperationResult {
	store := r.e.store
	result := &ir.OperationResult{ID: res.ID, Kind: res.Kind}
	fail := func(attempts int, err error) *ir.OperationResult {
		result.Outcome = ir.OutcomeFailed
		result.Attempts = attempts
		result.Err = &ResourceFailedError{ID: res.ID, Kind: res.Kind, Attempts: attempts, Err: err}
		return result
	}

	prior, err := store.Get(ctx, res.ID)
	if err != nil {
		return fail(0, fmt.Errorf("failed to read state: %w", err))
	}

	props, err := r.resolve(ctx, res.Properties)
	if err != nil {
		err = ir.Permanent(err)
		rs := &ir.ResourceState{ID: res.ID, Kind: res.Kind}
		if prior != nil {
			rs = prior.Clone()
		}
		rs.DependsOn = r.plan.WaitsOn(res.ID)
		r.recordFailed(ctx, rs, err)
		return fail(0, err)
	}

	if prior != nil && prior.Status == ir.StatusApplied {
		same, err := sameProperties(props, prior.LastAppliedProperties)
		if err != nil {
			return fail(0, ir.Permanent(err))
		}
		if same {
			r.recordHandle(res.ID, prior.Handle)
			result.Outcome = ir.OutcomeUnchanged
			result.Handle = prior.Handle.Clone()
			return result
		}
	}

	rs := &ir.ResourceState{}
	var priorHandle *ir.Handle
	if prior != nil {
		rs = prior.Clone()
		priorHandle = prior.Handle
	}
	rs.ID = res.ID
	rs.Kind = res.Kind
	rs.DependsOn = r.plan.WaitsOn(res.ID)
	rs.Status = ir.StatusPending
	rs.Error = ""
	rs.UpdatedAt = time.Now().UTC()
	if err := store.Put(ctx, rs); err != nil {
		return fail(0, fmt.Errorf("failed to record pending state: %w", err))
	}

	req := &ir.Request{
		ID:         res.ID,
		Kind:       res.Kind,
		Properties: props,
		Prior:      priorHandle.Clone(),
	}
	var handle *ir.Handle
	attempts, err := Retry(ctx, r.e.opts.Retry, func() error {
		call := *req
		call.Properties = ir.CopyProperties(props)
		h, err := r.backend.CreateOrUpdate(ctx, &call)
		if err != nil {
			return err
		}
		handle = h
		return nil
	}, r.onRetry(res))
	if err != nil {
		r.recordFailed(ctx, rs, err)
		return fail(attempts, err)
	}
	if handle == nil {
		handle = &ir.Handle{ID: res.ID}
	}

	hash, err := inputsHash(props)
	if err != nil {
		return fail(attempts, err)
	}
	rs.Status = ir.StatusApplied
	rs.LastAppliedProperties = props
	rs.InputsHash = hash
	rs.Handle = handle.Clone()
	rs.UpdatedAt = time.Now().UTC()
	if err := store.Put(ctx, rs); err != nil {
		return fail(attempts, fmt.Errorf("failed to record applied state: %w", err))
	}
	r.recordHandle(res.ID, handle)

	result.Outcome = ir.OutcomeCreated
	if priorHandle != nil {
		result.Outcome = ir.OutcomeUpdated
	}
	result.Attempts = attempts
	result.Handle = handle.Clone()
	return result
}

func (r *run) teardownOne(ctx context.Context, res *ir.Resource) *ir.OperationResult {
	store := r.e.store
	result := &ir.OperationResult{ID: res.ID, Kind: res.Kind}
	fail := func(attempts int, err error) *ir.OperationResult {
		result.Outcome = ir.OutcomeFailed
		result.Attempts = attempts
		result.Err = &ResourceFailedError{ID: res.ID, Kind: res.Kind, Attempts: attempts, Err: err}
		return result
	}

	prior, err := store.Get(ctx, res.ID)
	if err != nil {
		return fail(0, fmt.Errorf("failed to read state: %w", err))
	}
	if prior == nil {
		result.Outcome = ir.OutcomeUnchanged
		return result
	}

	rs := prior.Clone()
	rs.Status = ir.StatusPending
	rs.UpdatedAt = time.Now().UTC()
	if err := store.Put(ctx, rs); err != nil {
		return fail(0, fmt.Errorf("failed to record pending state: %w", err))
	}

	req := &ir.Request{
		ID:         prior.ID,
		Kind:       prior.Kind,
		Properties: prior.LastAppliedProperties,
		Prior:      prior.Handle,
	}
	attempts, err := Retry(ctx, r.e.opts.Retry, func() error {
		return r.backend.Delete(ctx, &ir.Request{
			ID:         req.ID,
			Kind:       req.Kind,
			Properties: ir.CopyProperties(req.Properties),
			Prior:      req.Prior.Clone(),
		})
	}, r.onRetry(res))
	if err != nil {
		r.recordFailed(ctx, rs, err)
		return fail(attempts, err)
	}

	if err := store.Delete(ctx, res.ID); err != nil {
		return fail(attempts, fmt.Errorf("failed to remove state: %w", err))
	}
	result.Outcome = ir.OutcomeDeleted
	result.Attempts = attempts
	return result
}

func (r *run) onRetry(res *ir.Resource) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		logging.Warn("transient backend error, retrying", "run", r.id, "id", res.ID, "kind", res.Kind, "wait", wait, "error", err)
		r.e.opts.Metrics.RecordRetry(string(res.Kind))
	}
}

func (r *run) recordHandle(id string, h *ir.Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.handles[id] = h.Clone()
	r.mu.Unlock()
}

// handle returns the handle of id produced earlier in this run, falling
// back to the one recorded in the store.
func (r *run) handle(ctx context.Context, id string) (*ir.Handle, error) {
	r.mu.Lock()
	h, ok := r.handles[id]
	r.mu.Unlock()
	if ok {
		return h, nil
	}

	rs, err := r.e.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read state for %s: %w", id, err)
	}
	if rs == nil || rs.Handle == nil {
		return nil, nil
	}
	return rs.Handle, nil
}

// resolve replaces ref:// values with the referenced handle id or output.
func (r *run) resolve(ctx context.Context, props map[string]any) (map[string]any, error) {
	out, err := ResolveRefs(props, func(id string) (*ir.Handle, error) {
		return r.handle(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HandleLookup returns the handle recorded for id, or nil if there is none.
type HandleLookup func(id string) (*ir.Handle, error)

// ResolveRefs returns a copy of props with every ref:// value replaced.
func ResolveRefs(props map[string]any, lookup HandleLookup) (map[string]any, error) {
	resolved, err := resolveValue(ir.CopyProperties(props), lookup)
	if err != nil {
		return nil, err
	}
	out, _ := resolved.(map[string]any)
	return out, nil
}

func resolveValue(val any, lookup HandleLookup) (any, error) {
	switch v := val.(type) {
	case string:
		if !strings.HasPrefix(v, RefPrefix) {
			return v, nil
		}
		target, output := RefTarget(v), RefOutput(v)
		h, err := lookup(target)
		if err != nil {
			return nil, err
		}
		if h == nil {
			return nil, fmt.Errorf("unresolved reference %s: %s has not been applied", v, target)
		}
		if output == "" {
			return h.ID, nil
		}
		resolved, ok := h.Output(output)
		if !ok {
			return nil, fmt.Errorf("unresolved reference %s: %s has no output %q", v, target, output)
		}
		return resolved, nil
	case map[string]any:
		for k, item := range v {
			resolved, err := resolveValue(item, lookup)
			if err != nil {
				return nil, err
			}
			v[k] = resolved
		}
		return v, nil
	case []any:
		for i, item := range v {
			resolved, err := resolveValue(item, lookup)
			if err != nil {
				return nil, err
			}
			v[i] = resolved
		}
		return v, nil
	default:
		return v, nil
	}
}

func (r *run) emit(event ApplyEvent) {
	if r.e.opts.Callback == nil {
		return
	}
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.e.opts.Callback(event)
}

// summarize builds the aggregate error of a run, or nil if every
// descriptor succeeded.
func (r *run) summarize(results []*ir.OperationResult) error {
	ae := &ApplyError{Direction: r.plan.Direction()}
	for _, res := range results {
		switch res.Outcome {
		case ir.OutcomeFailed:
			ae.Failed = append(ae.Failed, res.ID)
			ae.Errs = append(ae.Errs, res.Err)
		case ir.OutcomeSkipped:
			ae.Skipped = append(ae.Skipped, res.ID)
		}
	}
	if len(ae.Failed) == 0 && len(ae.Skipped) == 0 {
		return nil
	}
	r.mu.Lock()
	ae.Cause = r.cause
	r.mu.Unlock()
	return ae
}

func sameProperties(a, b map[string]any) (bool, error) {
	ca, err := ir.CanonicalJSON(a)
	if err != nil {
		return false, fmt.Errorf("failed to encode properties: %w", err)
	}
	cb, err := ir.CanonicalJSON(b)
	if err != nil {
		return false, fmt.Errorf("failed to encode stored properties: %w", err)
	}
	return bytes.Equal(ca, cb), nil
}

func inputsHash(props map[string]any) (string, error) {
	data, err := ir.CanonicalJSON(props)
	if err != nil {
		return "", fmt.Errorf("failed to encode properties: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
