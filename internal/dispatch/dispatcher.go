package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/visionagent/internal/agent"
	"github.com/ent0n29/visionagent/internal/logging"
	"github.com/ent0n29/visionagent/internal/observability"
)

// Agent is the call participant a background join drives.
type Agent interface {
	CreateCall(ctx context.Context, callType, callID string) (agent.Call, error)
	Join(ctx context.Context, call agent.Call) (Session, error)
	SimpleResponse(ctx context.Context, text string) error
	Finish(ctx context.Context) error
}

// Session is held for the duration of a joined call.
type Session interface {
	Close() error
}

// Factory constructs a fresh Agent for one job.
type Factory func(ctx context.Context, user agent.User, instructions string) (Agent, error)

// AgentFactory adapts an agent.Factory to the dispatcher.
func AgentFactory(f *agent.Factory) Factory {
	return func(ctx context.Context, user agent.User, instructions string) (Agent, error) {
		a, err := f.NewAgent(ctx, user, instructions)
		if err != nil {
			return nil, err
		}
		return runtimeAgent{a}, nil
	}
}

type runtimeAgent struct {
	*agent.Agent
}

func (r runtimeAgent) Join(ctx context.Context, call agent.Call) (Session, error) {
	s, err := r.Agent.Join(ctx, call)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type Config struct {
	Greeting string
	// CallTimeout bounds a whole job. Zero means the job runs until the call ends.
	CallTimeout time.Duration
	// Retention is how long finished jobs stay visible to Get and List.
	Retention time.Duration
}

// Dispatcher runs one supervised goroutine per accepted join request.
type Dispatcher struct {
	cfg     Config
	factory Factory
	logger  *slog.Logger
	metrics *observability.Metrics

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	jobs    map[string]*Job
	subs    map[int]chan Event
	nextSub int
}

func New(cfg Config, factory Factory, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:       cfg,
		factory:   factory,
		logger:    logger,
		metrics:   metrics,
		baseCtx:   ctx,
		cancelAll: cancel,
		jobs:      make(map[string]*Job),
		subs:      make(map[int]chan Event),
	}
}

// Submit registers req and starts it in the background. It never waits for
// the join itself. req must already be normalized and validated.
func (d *Dispatcher) Submit(req JoinRequest) (Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:          uuid.NewString(),
		Request:     req,
		CallCID:     req.CID(),
		Stage:       StageQueued,
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Job{}, ErrClosed
	}
	d.jobs[job.ID] = job
	d.wg.Add(1)
	active := d.activeLocked()
	snapshot := *job
	d.mu.Unlock()

	d.metrics.ObserveJobEvent("submitted")
	d.metrics.SetActiveJobs(active)
	d.publish(snapshot)

	ctx := d.baseCtx
	cancel := context.CancelFunc(func() {})
	if d.cfg.CallTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.cfg.CallTimeout)
	}
	go func() {
		defer d.wg.Done()
		defer cancel()
		d.run(ctx, snapshot)
	}()
	return snapshot, nil
}

func (d *Dispatcher) run(ctx context.Context, job Job) {
	req := job.Request
	logger := d.logger.With(
		slog.String("job_id", job.ID),
		slog.String("call_cid", job.CallCID),
		slog.String("agent_id", req.AgentID),
		slog.String("agent_name", req.AgentName),
	)
	logger.Info("starting agent for call")

	stage := StageQueued
	stageStart := time.Now()
	enter := func(next Stage) {
		if stage != StageQueued {
			d.metrics.ObserveStageLatency(string(stage), time.Since(stageStart))
		}
		stage = next
		stageStart = time.Now()
		d.transition(job.ID, next, "")
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = logging.WrapPanic(string(stage), r, debug.Stack())
			}
		}()
		return d.execute(ctx, req, enter, logger)
	}()
	if stage != StageQueued {
		d.metrics.ObserveStageLatency(string(stage), time.Since(stageStart))
	}
	d.complete(job.ID, err, logger)
}

func (d *Dispatcher) execute(ctx context.Context, req JoinRequest, enter func(Stage), logger *slog.Logger) error {
	enter(StageConstructing)
	a, err := d.factory(ctx, agent.User{ID: req.AgentID, Name: req.AgentName}, req.Instructions)
	if err != nil {
		return logging.WrapStage(string(StageConstructing), err)
	}

	enter(StageJoining)
	call, err := a.CreateCall(ctx, req.CallType, req.CallID)
	if err != nil {
		return logging.WrapStage(string(StageJoining), err)
	}
	session, err := a.Join(ctx, call)
	if err != nil {
		return logging.WrapStage(string(StageJoining), err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.Warn("releasing call session failed", slog.String("error", cerr.Error()))
		}
	}()
	logger.Info("agent joined call")

	enter(StageGreeting)
	if err := a.SimpleResponse(ctx, d.cfg.Greeting); err != nil {
		return logging.WrapStage(string(StageGreeting), err)
	}

	enter(StageActive)
	if err := a.Finish(ctx); err != nil {
		return logging.WrapStage(string(StageActive), err)
	}
	return nil
}

func (d *Dispatcher) complete(jobID string, err error, logger *slog.Logger) {
	switch {
	case err == nil:
		d.transition(jobID, StageFinished, "")
		d.metrics.ObserveJobEvent("finished")
		logger.Info("agent finished call")
	case errors.Is(err, context.Canceled) && d.isClosed():
		d.transition(jobID, StageCancelled, err.Error())
		d.metrics.ObserveJobEvent("cancelled")
		logger.Warn("agent stopped by shutdown", logging.ErrorAttrs(err)...)
	default:
		d.transition(jobID, StageFailed, err.Error())
		d.metrics.ObserveJobEvent("failed")
		logger.Error("error in agent process", logging.ErrorAttrs(err)...)
	}
	d.metrics.SetActiveJobs(d.ActiveCount())
}

func (d *Dispatcher) transition(jobID string, stage Stage, errText string) {
	d.mu.Lock()
	job, ok := d.jobs[jobID]
	if !ok {
		d.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	job.Stage = stage
	job.Error = errText
	job.UpdatedAt = now
	if stage.Terminal() {
		job.EndedAt = &now
	}
	snapshot := *job
	d.mu.Unlock()

	d.publish(snapshot)
}

func (d *Dispatcher) publish(job Job) {
	ev := Event{
		Type:    EventTypeStage,
		JobID:   job.ID,
		CallCID: job.CallCID,
		AgentID: job.Request.AgentID,
		Stage:   job.Stage,
		Error:   job.Error,
		At:      job.UpdatedAt,
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscribers lose events rather than stall a join.
		}
	}
}

// Subscribe returns a feed of stage transitions and a func to stop it.
func (d *Dispatcher) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	d.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
			close(ch)
		})
	}
}

func (d *Dispatcher) Get(jobID string) (Job, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	job, ok := d.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *job, nil
}

// List returns jobs newest first, optionally restricted to one call.
func (d *Dispatcher) List(callCID string, limit int) []Job {
	d.mu.RLock()
	out := make([]Job, 0, len(d.jobs))
	for _, job := range d.jobs {
		if callCID != "" && job.CallCID != callCID {
			continue
		}
		out = append(out, *job)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (d *Dispatcher) ActiveCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.activeLocked()
}

func (d *Dispatcher) activeLocked() int {
	count := 0
	for _, job := range d.jobs {
		if !job.Stage.Terminal() {
			count++
		}
	}
	return count
}

func (d *Dispatcher) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// StartJanitor drops finished jobs once they are older than the retention window.
func (d *Dispatcher) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.pruneFinished(time.Now().UTC())
			}
		}
	}()
}

func (d *Dispatcher) pruneFinished(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	pruned := 0
	for id, job := range d.jobs {
		if job.EndedAt == nil || now.Sub(*job.EndedAt) < d.cfg.Retention {
			continue
		}
		delete(d.jobs, id)
		pruned++
	}
	return pruned
}

// Shutdown stops accepting jobs, cancels the running ones and waits for them
// to exit or ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancelAll()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
