// Package worker drives project state machines. Work is sharded by
// project name so transitions for one project are strictly ordered while
// different projects advance in parallel. Each accepted task is journaled
// before dispatch and acknowledged once the project reaches a quiescent
// state, so a crash mid-drive resumes where it left off.
package worker

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slipway-dev/slipway/internal/apierror"
	"github.com/slipway-dev/slipway/internal/clock"
	"github.com/slipway-dev/slipway/internal/events"
	"github.com/slipway-dev/slipway/internal/journal"
	"github.com/slipway-dev/slipway/internal/logging"
	"github.com/slipway-dev/slipway/internal/metrics"
	"github.com/slipway-dev/slipway/internal/project"
	"github.com/slipway-dev/slipway/internal/store"
)

const (
	// DrainTimeout bounds how long shutdown waits for in-flight
	// transitions before cancelling them.
	DrainTimeout = 15 * time.Second

	backoffBase       = 500 * time.Millisecond
	backoffCap        = 30 * time.Second
	backoffAttemptCap = 8

	shardQueueSize = 1024
)

// task is one unit of shard work: either an externally submitted intent
// (journaled) or an internal continuation driving a project toward
// quiescence.
type task struct {
	journalID uint64 // 0 once the originating task has been acked
	name      project.Name
	intent    project.Intent // empty for continuations
	attempts  int            // consecutive no-progress retries
}

type shard struct {
	id       int
	mu       sync.Mutex
	queues   map[project.Name][]task
	active   map[project.Name]bool // scheduled or running
	delayed  map[project.Name]delayedTask
	runnable chan project.Name
	depth    int
}

type delayedTask struct {
	task    task
	stopper clock.Stopper
}

// Worker owns the shard pool and the sweeps.
type Worker struct {
	env     project.Env
	store   *store.Store
	journal *journal.Journal
	bus     *events.Bus
	clock   clock.Clock
	log     *logging.Logger

	shards   []*shard
	draining atomic.Bool
	wg       sync.WaitGroup
	stop     chan struct{}
}

// New creates a worker with the given shard count.
func New(env project.Env, st *store.Store, jn *journal.Journal, bus *events.Bus, log *logging.Logger, shardCount int) *Worker {
	if shardCount < 1 {
		shardCount = 1
	}
	w := &Worker{
		env:     env,
		store:   st,
		journal: jn,
		bus:     bus,
		clock:   env.Clock,
		log:     log.Named("worker"),
		stop:    make(chan struct{}),
	}
	for i := 0; i < shardCount; i++ {
		w.shards = append(w.shards, &shard{
			id:       i,
			queues:   make(map[project.Name][]task),
			active:   make(map[project.Name]bool),
			delayed:  make(map[project.Name]delayedTask),
			runnable: make(chan project.Name, shardQueueSize),
		})
	}
	return w
}

func (w *Worker) shardFor(name project.Name) *shard {
	h := fnv.New32a()
	h.Write([]byte(name))
	return w.shards[h.Sum32()%uint32(len(w.shards))]
}

// Submit journals and enqueues an externally requested intent. Returns
// KindServiceUnavailable once the worker is draining.
func (w *Worker) Submit(name project.Name, intent project.Intent) error {
	if w.draining.Load() {
		metrics.TasksRejected.Inc()
		return apierror.New(apierror.KindServiceUnavailable, "gateway is shutting down")
	}
	id, err := w.journal.Append(name, intent, w.clock.Now())
	if err != nil {
		return err
	}
	metrics.TasksSubmitted.WithLabelValues(string(intent)).Inc()
	w.enqueue(w.shardFor(name), task{journalID: id, name: name, intent: intent}, false)
	return nil
}

// Resume re-enqueues journaled tasks and non-terminal projects after a
// restart. Journaled tasks come first so explicit requests outrank the
// implicit drive continuations.
func (w *Worker) Resume(ctx context.Context) error {
	tasks, err := w.journal.Restore()
	if err != nil {
		return err
	}
	seen := make(map[project.Name]bool)
	for _, t := range tasks {
		seen[t.Project] = true
		w.enqueue(w.shardFor(t.Project), task{journalID: t.ID, name: t.Project, intent: t.Intent}, false)
	}

	live, err := w.store.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	resumed := 0
	for _, p := range live {
		if seen[p.Name] || p.State.IsQuiescent() {
			continue
		}
		w.enqueue(w.shardFor(p.Name), task{name: p.Name}, false)
		resumed++
	}
	w.log.Info("resumed interrupted work", "journaled", len(tasks), "continuations", resumed)
	return nil
}

// nudge enqueues a drive continuation for a project unless it is already
// scheduled or awaiting a backoff retry. Used by the refresh sweep to
// recover projects whose tasks were lost.
func (w *Worker) nudge(name project.Name) {
	sh := w.shardFor(name)
	sh.mu.Lock()
	busy := sh.active[name]
	if _, waiting := sh.delayed[name]; waiting {
		busy = true
	}
	sh.mu.Unlock()
	if busy {
		return
	}
	w.enqueue(sh, task{name: name}, false)
}

// enqueue adds a task to its project queue, preempting queued work when
// the task is a destroy, and schedules the project if it is not already.
func (w *Worker) enqueue(sh *shard, t task, atHead bool) {
	sh.mu.Lock()
	q := sh.queues[t.name]
	if t.intent == project.IntentDestroy {
		// Destroy preempts: pending tasks for the project will never
		// run, so retire their journal entries now.
		if d, ok := sh.delayed[t.name]; ok {
			if d.stopper.Stop() {
				w.ack(d.task.journalID)
			}
			delete(sh.delayed, t.name)
		}
		for _, old := range q {
			w.ack(old.journalID)
		}
		sh.depth -= len(q)
		q = nil
	}
	switch {
	case atHead && len(q) > 0 && q[0].intent == project.IntentDestroy:
		// A queued destroy outranks continuations: slot in behind it so
		// the project is torn down on the next dispatch instead of
		// converging first.
		rest := append([]task{t}, q[1:]...)
		q = append(q[:1:1], rest...)
	case atHead:
		q = append([]task{t}, q...)
	default:
		q = append(q, t)
	}
	sh.queues[t.name] = q
	sh.depth++
	metrics.QueueDepth.WithLabelValues(strconv.Itoa(sh.id)).Set(float64(sh.depth))
	scheduled := sh.active[t.name]
	if !scheduled {
		sh.active[t.name] = true
	}
	sh.mu.Unlock()

	if !scheduled {
		sh.runnable <- t.name
	}
}

// pop takes the head task for a project. When the queue is empty the
// project is descheduled.
func (sh *shard) pop(name project.Name) (task, bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	q := sh.queues[name]
	if len(q) == 0 {
		delete(sh.queues, name)
		delete(sh.active, name)
		return task{}, false
	}
	t := q[0]
	if len(q) == 1 {
		delete(sh.queues, name)
	} else {
		sh.queues[name] = q[1:]
	}
	sh.depth--
	metrics.QueueDepth.WithLabelValues(strconv.Itoa(sh.id)).Set(float64(sh.depth))
	return t, true
}

// finish reschedules the project if more tasks arrived while it ran,
// otherwise deschedules it.
func (sh *shard) finish(name project.Name) {
	sh.mu.Lock()
	more := len(sh.queues[name]) > 0
	if !more {
		delete(sh.active, name)
	}
	sh.mu.Unlock()
	if more {
		sh.runnable <- name
	}
}

// Run starts the shard loops and blocks until ctx is cancelled, then
// drains: in-flight transitions get DrainTimeout to finish before being
// cancelled outright.
func (w *Worker) Run(ctx context.Context) error {
	taskCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, sh := range w.shards {
		w.wg.Add(1)
		go func(sh *shard) {
			defer w.wg.Done()
			w.runShard(taskCtx, sh)
		}(sh)
	}

	<-ctx.Done()
	w.draining.Store(true)
	close(w.stop)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.log.Info("worker drained")
	case <-time.After(DrainTimeout):
		w.log.Warn("drain timeout, cancelling in-flight transitions")
		cancel()
		<-done
	}
	return nil
}

func (w *Worker) runShard(ctx context.Context, sh *shard) {
	for {
		select {
		case <-w.stop:
			return
		case name := <-sh.runnable:
			t, ok := sh.pop(name)
			if !ok {
				continue
			}
			w.process(ctx, sh, t)
		}
	}
}

// process executes exactly one step for a project: apply the task's
// intent, or advance the state machine one transition. The resulting
// state is persisted before any further step is dispatched.
func (w *Worker) process(ctx context.Context, sh *shard, t task) {
	p, err := w.store.GetProject(ctx, t.name)
	if err != nil {
		if apierror.IsKind(err, apierror.KindProjectNotFound) || t.attempts >= backoffAttemptCap {
			w.log.Error("dropping task for unloadable project", "project", t.name, "error", err)
			w.ack(t.journalID)
			sh.finish(t.name)
			return
		}
		// Transient store trouble must not lose the task.
		w.log.Warn("project load failed, retrying", "project", t.name, "error", err)
		w.retryLater(sh, task{journalID: t.journalID, name: t.name, intent: t.intent, attempts: t.attempts + 1})
		sh.finish(t.name)
		return
	}
	current := p.State

	if t.intent != "" {
		next, err := project.ApplyIntent(current, t.intent)
		if err != nil {
			w.log.Warn("intent not applicable", "project", t.name, "intent", t.intent,
				"state", current.Kind, "error", err)
			w.ack(t.journalID)
			sh.finish(t.name)
			return
		}
		if next != current {
			if !w.commit(ctx, sh, t, current, next) {
				return
			}
			current = next
		}
		if current.IsQuiescent() {
			w.ack(t.journalID)
			sh.finish(t.name)
			return
		}
		// Drive the rewritten state from here on.
		w.enqueue(sh, task{journalID: t.journalID, name: t.name}, true)
		sh.finish(t.name)
		return
	}

	if current.IsQuiescent() {
		// Stale continuation: the state settled through another path.
		w.ack(t.journalID)
		sh.finish(t.name)
		return
	}

	began := w.clock.Now()
	next := project.Advance(ctx, t.name, current, w.env)
	metrics.TransitionDuration.Observe(w.clock.Since(began).Seconds())

	if next == current {
		// No progress, transient trouble. Retry with backoff until the
		// attempt cap, then give up.
		if t.attempts >= backoffAttemptCap {
			next = project.NewErrored("too many failed attempts", string(current.Kind), current)
			if !w.commit(ctx, sh, t, current, next) {
				return
			}
			w.ack(t.journalID)
			sh.finish(t.name)
			return
		}
		w.retryLater(sh, task{journalID: t.journalID, name: t.name, attempts: t.attempts + 1})
		sh.finish(t.name)
		return
	}

	if !w.commit(ctx, sh, t, current, next) {
		return
	}
	if next.IsQuiescent() {
		w.ack(t.journalID)
		sh.finish(t.name)
		return
	}
	w.enqueue(sh, task{journalID: t.journalID, name: t.name}, true)
	sh.finish(t.name)
}

// commit persists a state change and publishes it. On persistence failure
// the step is retried with backoff; reports whether the commit succeeded.
func (w *Worker) commit(ctx context.Context, sh *shard, t task, from, to project.State) bool {
	if err := w.store.UpdateProjectState(ctx, t.name, to); err != nil {
		w.log.Error("persist failed, retrying", "project", t.name, "error", err)
		if t.attempts >= backoffAttemptCap {
			w.log.Error("giving up on task after repeated persist failures", "project", t.name)
			w.ack(t.journalID)
			sh.finish(t.name)
			return false
		}
		w.retryLater(sh, task{journalID: t.journalID, name: t.name, intent: t.intent, attempts: t.attempts + 1})
		sh.finish(t.name)
		return false
	}
	metrics.Transitions.WithLabelValues(string(from.Kind), string(to.Kind)).Inc()
	if to.Kind == project.Errored {
		metrics.ProjectsErrored.Inc()
		w.log.Error("project errored", "project", t.name, "message", to.Message, "context", to.Context)
	}
	w.bus.Publish(events.StateChange{Project: t.name, Kind: to.Kind, Timestamp: w.clock.Now()})
	return true
}

// retryLater re-enqueues a task at the queue head after an exponential
// backoff delay.
func (w *Worker) retryLater(sh *shard, t task) {
	delay := backoffBase << (t.attempts - 1)
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	stopper := w.clock.AfterFunc(delay, func() {
		sh.mu.Lock()
		delete(sh.delayed, t.name)
		sh.mu.Unlock()
		w.enqueue(sh, t, true)
	})
	sh.mu.Lock()
	sh.delayed[t.name] = delayedTask{task: t, stopper: stopper}
	sh.mu.Unlock()
}

func (w *Worker) ack(journalID uint64) {
	if journalID == 0 {
		return
	}
	if err := w.journal.Ack(journalID); err != nil {
		w.log.Error("journal ack failed", "id", journalID, "error", err)
	}
}
