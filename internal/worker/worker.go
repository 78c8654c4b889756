// Package worker is the worker runtime: the dequeue/claim/bind/dispatch/
// finalize slot loop every stage handler runs inside. There is no separate
// recovery sweep for tasks abandoned by dead workers — reclaim happens on
// every claim attempt via store.ClaimForProcessing's stale-lease clause.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"docpipe/internal/metrics"
	"docpipe/internal/model"
	"docpipe/internal/queue"
	"docpipe/internal/result"
	"docpipe/internal/statemachine"
	"docpipe/internal/store"
)

// Outcome is what a successful handler run produces for the finalize write.
type Outcome struct {
	Results       []byte
	ActualCostUSD *float64
	TokenUsage    *model.TokenUsage

	// Deferred marks a handler run that did genuine, useful work but isn't
	// done yet, such as extraction cleanup waiting on non-terminal children.
	// The worker runtime puts the task back to pending and re-enqueues the
	// same message after DeferredDelay, instead of completing it.
	Deferred      bool
	DeferredDelay time.Duration
}

// HandlerFunc runs one stage's business logic against an already-claimed
// task. ctx carries the per_stage_timeout deadline and is cancelled if the
// runtime decides to abort (e.g. cooperative cancellation checks).
type HandlerFunc func(ctx context.Context, task model.Task, args []byte) result.Result[Outcome]

// Retry backoff: base 60s, doubling per attempt, +/-25% jitter, 600s cap.
const (
	backoffBase   = 60 * time.Second
	backoffFactor = 2.0
	backoffCap    = 600 * time.Second
	backoffJitter = 0.25
)

// Runtime owns the handler registry and the per-stage queues it dispatches
// from.
type Runtime struct {
	Store           *store.Store
	Fabric          *queue.Fabric
	Metrics         *metrics.Recorder
	Logger          *slog.Logger
	PerStageTimeout time.Duration
	MaxRetries      int
	DequeueTimeout  time.Duration

	handlers map[model.TaskType]HandlerFunc
}

// queueNameForType maps a task type to the stage queue it's dispatched from.
var queueNameForType = map[model.TaskType]string{
	model.TaskArchive:   queue.NameArchive,
	model.TaskParse:     queue.NameParse,
	model.TaskVectorize: queue.NameVectorize,
	model.TaskCleanup:   queue.NameCleanup,
}

// New builds a Runtime with the standard defaults for anything not
// explicitly overridden.
func New(st *store.Store, fabric *queue.Fabric, rec *metrics.Recorder, logger *slog.Logger) *Runtime {
	return &Runtime{
		Store:           st,
		Fabric:          fabric,
		Metrics:         rec,
		Logger:          logger,
		PerStageTimeout: 300 * time.Second,
		MaxRetries:      3,
		DequeueTimeout:  30 * time.Second,
		handlers:        make(map[model.TaskType]HandlerFunc),
	}
}

// RegisterHandler binds a stage's handler. Call once per task type before
// starting slots.
func (rt *Runtime) RegisterHandler(t model.TaskType, fn HandlerFunc) {
	rt.handlers[t] = fn
}

// RunSlot runs one logical worker slot's loop against the named queue until
// ctx is cancelled. A process typically starts N goroutines calling RunSlot
// with the same queue name to get N-way concurrency on that stage.
func (rt *Runtime) RunSlot(ctx context.Context, queueName string) {
	q := rt.Fabric.Queue(queueName)
	if q == nil {
		rt.Logger.Error("worker slot: unknown queue", "queue", queueName)
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		env, err := q.Dequeue(ctx, rt.DequeueTimeout)
		if err != nil {
			continue // timeout or ctx cancellation; loop re-checks ctx.Err()
		}
		rt.processOne(ctx, q, env)
	}
}

// processOne runs claim -> bind -> dispatch -> finalize for one dequeued
// envelope.
func (rt *Runtime) processOne(ctx context.Context, q *queue.Queue, env *queue.Envelope) {
	msg := env.Message

	task, err := rt.claim(msg.TaskID)
	if err != nil {
		// Predicate failed: already terminal or claimed by a live worker
		// elsewhere. Ack and skip.
		q.Ack(env.ID)
		return
	}

	handler, ok := rt.handlers[task.Type]
	if !ok {
		rt.Logger.Error("worker: no handler registered", "type", task.Type)
		q.Ack(env.ID)
		return
	}

	stageCtx, cancel := context.WithTimeout(bindContext(ctx, task, msg.CorrelationID), rt.PerStageTimeout)
	outcome := rt.runHandler(stageCtx, handler, task, msg.Args)
	cancel()

	rt.finalize(q, env, task, outcome)
}

type ctxKey string

const (
	ctxTaskID        ctxKey = "task_id"
	ctxUserID        ctxKey = "user_id"
	ctxCorrelationID ctxKey = "correlation_id"
)

func bindContext(ctx context.Context, task model.Task, correlationID string) context.Context {
	ctx = context.WithValue(ctx, ctxTaskID, task.ID)
	ctx = context.WithValue(ctx, ctxUserID, task.UserID)
	ctx = context.WithValue(ctx, ctxCorrelationID, correlationID)
	return ctx
}

// claim takes the processing lease, including the stale-lease reclaim
// clause for tasks abandoned by a dead worker.
func (rt *Runtime) claim(taskID string) (model.Task, error) {
	staleBefore := statemachine.StaleClaimCutoff(time.Now(), rt.PerStageTimeout)
	return rt.Store.ClaimForProcessing(taskID, statemachine.ClaimableFrom(), staleBefore)
}

// runHandler invokes the handler with panic recovery, converting a panic
// into a non-retryable internal error so one bad document can't take down
// the slot.
func (rt *Runtime) runHandler(ctx context.Context, fn HandlerFunc, task model.Task, args []byte) (out result.Result[Outcome]) {
	defer func() {
		if r := recover(); r != nil {
			rt.Logger.Error("worker: handler panic recovered", "task_id", task.ID, "panic", r)
			out = result.Err[Outcome](result.New(result.KindInternal, "HANDLER_PANIC", fmt.Sprintf("recovered panic: %v", r), nil))
		}
	}()
	return fn(ctx, task, args)
}

// finalize maps the handler's result to a task disposition: success,
// deferral, cancellation, retryable failure, or terminal failure.
func (rt *Runtime) finalize(q *queue.Queue, env *queue.Envelope, task model.Task, outcome result.Result[Outcome]) {
	if outcome.IsOk() {
		val := outcome.Value

		if val.Deferred {
			rt.deferAndRequeue(q, env, task, val)
			return
		}

		_, err := rt.Store.UpdateStatus(task.ID, model.StatusCompleted, []model.TaskStatus{model.StatusProcessing}, store.StatusUpdate{
			Results:       val.Results,
			ActualCostUSD: val.ActualCostUSD,
			TokenUsage:    val.TokenUsage,
		})
		if err != nil {
			rt.Logger.Error("worker: finalize completed failed", "task_id", task.ID, "error", err)
		}
		q.Ack(env.ID)
		if rt.Metrics != nil {
			rt.Metrics.RecordTransition(task.Type, model.StatusCompleted)
			if val.ActualCostUSD != nil {
				rt.Metrics.AddCost(*val.ActualCostUSD)
			}
		}
		return
	}

	herr := outcome.Err
	if herr.Kind == result.KindCancelled {
		// Cancellation already flipped the row's status; the handler aborted
		// without further state changes, so all that's left is the ack.
		q.Ack(env.ID)
		return
	}
	if herr.Retryable && task.RetryCount < rt.MaxRetries {
		rt.retry(q, env, task, herr)
		return
	}

	rt.fail(q, env, task, herr)
}

// deferAndRequeue handles a deferred outcome: the task goes back to pending
// (not completed, not retrying — nothing failed) and the same envelope is
// redelivered after DeferredDelay.
func (rt *Runtime) deferAndRequeue(q *queue.Queue, env *queue.Envelope, task model.Task, val Outcome) {
	_, err := rt.Store.ReleaseForRedelivery(task.ID, val.Results)
	if err != nil {
		rt.Logger.Error("worker: finalize deferred failed", "task_id", task.ID, "error", err)
	}
	delay := val.DeferredDelay
	if delay <= 0 {
		delay = 5 * time.Minute
	}
	if _, err := q.EnqueueAfter(env.Message, delay); err != nil {
		rt.Logger.Error("worker: requeue after defer failed", "task_id", task.ID, "error", err)
	}
	q.Ack(env.ID)
}

func (rt *Runtime) retry(q *queue.Queue, env *queue.Envelope, task model.Task, herr *result.Error) {
	_, err := rt.Store.UpdateStatus(task.ID, model.StatusRetrying, []model.TaskStatus{model.StatusProcessing}, store.StatusUpdate{
		ErrorMessage:   herr.Message,
		ErrorCode:      herr.Code,
		IncrementRetry: true,
	})
	if err != nil {
		rt.Logger.Error("worker: finalize retrying failed", "task_id", task.ID, "error", err)
	}

	delay := backoffDelay(task.RetryCount)
	if _, err := q.EnqueueAfter(env.Message, delay); err != nil {
		rt.Logger.Error("worker: requeue after retry failed", "task_id", task.ID, "error", err)
	}
	q.Ack(env.ID)

	if rt.Metrics != nil {
		rt.Metrics.RecordTransition(task.Type, model.StatusRetrying)
	}
}

func (rt *Runtime) fail(q *queue.Queue, env *queue.Envelope, task model.Task, herr *result.Error) {
	_, err := rt.Store.UpdateStatus(task.ID, model.StatusFailed, []model.TaskStatus{model.StatusProcessing}, store.StatusUpdate{
		ErrorMessage: herr.Message,
		ErrorCode:    herr.Code,
		Results:      herr.Results,
	})
	if err != nil {
		rt.Logger.Error("worker: finalize failed-state failed", "task_id", task.ID, "error", err)
	}
	// DeadLetter removes the envelope from the in-flight set itself; an Ack
	// first would make it a no-op.
	q.DeadLetter(env.ID)

	if rt.Metrics != nil {
		rt.Metrics.RecordTransition(task.Type, model.StatusFailed)
	}
}

// backoffDelay computes the exponential-backoff-with-jitter delay for a
// retry following retryCount prior attempts.
func backoffDelay(retryCount int) time.Duration {
	d := float64(backoffBase) * pow(backoffFactor, float64(retryCount))
	if d > float64(backoffCap) {
		d = float64(backoffCap)
	}
	jitter := 1 + (rand.Float64()*2-1)*backoffJitter
	return time.Duration(d * jitter)
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

// QueueNameForType exposes queueNameForType to callers wiring up RunSlot
// against each registered handler's stage.
func QueueNameForType(t model.TaskType) (string, bool) {
	name, ok := queueNameForType[t]
	return name, ok
}
