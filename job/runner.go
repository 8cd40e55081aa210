// Package job executes async pipeline work: a worker pool fed either by a
// NATS JetStream queue or an in-process channel, driving the job state
// machine in the store.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/planforge/planforge/store"
)

// Queue topology.
const (
	streamName    = "PLANFORGE_JOBS"
	subjectPrefix = "planforge.jobs.phase"
	consumerName  = "planforge-workers"
)

// Default limits. Soft crossing logs a warning; hard crossing kills the task
// and marks the job timed out.
const (
	DefaultWorkers   = 2
	DefaultSoftLimit = 4 * time.Minute
	DefaultHardLimit = 8 * time.Minute
)

// Handler executes one job and returns the result reference to record on
// completion.
type Handler func(ctx context.Context, task *Task) (resultRef string, err error)

// Task is the worker-side view of a running job.
type Task struct {
	Job    *store.Job
	store  store.Store
	logger *slog.Logger
}

// Progress writes a progress percent. Monotonicity is enforced by the store.
func (t *Task) Progress(ctx context.Context, percent int) {
	if _, err := t.store.UpdateJob(ctx, t.Job.ID, store.JobUpdate{Progress: &percent}); err != nil {
		t.logger.Warn("Progress update failed", "job_id", t.Job.ID, "error", err)
	}
}

// Log appends a job log line.
func (t *Task) Log(ctx context.Context, msg string) {
	if _, err := t.store.UpdateJob(ctx, t.Job.ID, store.JobUpdate{LogMsg: &msg}); err != nil {
		t.logger.Warn("Job log append failed", "job_id", t.Job.ID, "error", err)
	}
}

// Heartbeat starts time-based progress for a call without streaming output.
// The caller must Stop it when the call returns.
func (t *Task) Heartbeat(ctx context.Context) *Heartbeat {
	h := NewHeartbeat(func(percent int) { t.Progress(ctx, percent) })
	h.Start()
	return h
}

// StreamProgress returns a tracker fed by streamed output chunks.
func (t *Task) StreamProgress(ctx context.Context, estimate int) *StreamProgress {
	return NewStreamProgress(estimate, func(percent int) { t.Progress(ctx, percent) })
}

// Runner owns the worker pool and the dispatch path.
type Runner struct {
	store     store.Store
	logger    *slog.Logger
	workers   int
	softLimit time.Duration
	hardLimit time.Duration
	brokerURL string

	handlers map[int]Handler

	tasks    chan string
	nc       *nats.Conn
	consumer jetstream.Consumer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures the runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithWorkers sets pool size. Low by default: jobs are LLM-bound and rate
// limited upstream.
func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithBroker routes dispatch through NATS JetStream at the given URL. Empty
// keeps the in-process channel executor.
func WithBroker(url string) Option {
	return func(r *Runner) { r.brokerURL = url }
}

// WithTimeLimits overrides the soft and hard task limits.
func WithTimeLimits(soft, hard time.Duration) Option {
	return func(r *Runner) {
		if soft > 0 {
			r.softLimit = soft
		}
		if hard > 0 {
			r.hardLimit = hard
		}
	}
}

// NewRunner creates a runner bound to the store.
func NewRunner(s store.Store, opts ...Option) *Runner {
	r := &Runner{
		store:     s,
		logger:    slog.Default(),
		workers:   DefaultWorkers,
		softLimit: DefaultSoftLimit,
		hardLimit: DefaultHardLimit,
		handlers:  make(map[int]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs the handler for a phase. Must be called before Start.
func (r *Runner) Register(phase int, handler Handler) {
	r.handlers[phase] = handler
}

// Start connects the dispatch path and launches the workers.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("runner already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if r.brokerURL != "" {
		if err := r.connectBroker(runCtx); err != nil {
			cancel()
			return err
		}
		for i := 0; i < r.workers; i++ {
			r.wg.Add(1)
			go r.fetchLoop(runCtx)
		}
		r.logger.Info("Job runner started", "mode", "jetstream", "workers", r.workers)
	} else {
		r.tasks = make(chan string, 256)
		for i := 0; i < r.workers; i++ {
			r.wg.Add(1)
			go r.channelLoop(runCtx)
		}
		r.logger.Info("Job runner started", "mode", "in-process", "workers", r.workers)
	}

	r.running = true
	return nil
}

func (r *Runner) connectBroker(ctx context.Context) error {
	nc, err := nats.Connect(r.brokerURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	r.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("get jetstream: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + ".*"},
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", streamName, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:    consumerName,
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    r.hardLimit + 30*time.Second,
		MaxDeliver: 3,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	r.consumer = consumer
	return nil
}

// Stop drains the workers and closes the broker connection.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	if r.nc != nil {
		r.nc.Close()
	}
	r.logger.Info("Job runner stopped")
}

// Dispatch hands a queued job to the execution path. The job record must
// already be persisted; the worker drives the state machine from here.
func (r *Runner) Dispatch(ctx context.Context, j *store.Job) error {
	if r.nc != nil {
		js, err := jetstream.New(r.nc)
		if err != nil {
			return fmt.Errorf("get jetstream: %w", err)
		}
		subject := subjectPrefix + "." + strconv.Itoa(j.Phase)
		if _, err := js.Publish(ctx, subject, []byte(j.ID)); err != nil {
			return fmt.Errorf("publish job %s: %w", j.ID, err)
		}
		return nil
	}
	select {
	case r.tasks <- j.ID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) channelLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-r.tasks:
			r.execute(ctx, jobID)
		}
	}
}

func (r *Runner) fetchLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := r.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}
		for msg := range msgs.Messages() {
			r.execute(ctx, string(msg.Data()))
			if err := msg.Ack(); err != nil {
				r.logger.Warn("Failed to ACK job message", "error", err)
			}
		}
	}
}

// execute runs one job end to end: queued → running → terminal.
func (r *Runner) execute(ctx context.Context, jobID string) {
	j, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		r.logger.Error("Dispatched job not found", "job_id", jobID, "error", err)
		return
	}
	if j.Status.Terminal() {
		r.logger.Warn("Skipping already-terminal job", "job_id", jobID, "status", j.Status)
		return
	}
	handler, ok := r.handlers[j.Phase]
	if !ok {
		r.finish(ctx, j, store.JobFailed, "", fmt.Sprintf("no handler registered for phase %d", j.Phase), time.Now())
		return
	}

	began := time.Now()
	running := store.JobRunning
	startProgress := 5
	startMsg := "Job started"
	if _, err := r.store.UpdateJob(ctx, j.ID, store.JobUpdate{
		Status: &running, Progress: &startProgress, LogMsg: &startMsg,
	}); err != nil {
		r.logger.Error("Failed to mark job running", "job_id", j.ID, "error", err)
		return
	}

	task := &Task{Job: j, store: r.store, logger: r.logger}

	softTimer := time.AfterFunc(r.softLimit, func() {
		r.logger.Warn("Job passed soft time limit", "job_id", j.ID, "phase", j.Phase)
		task.Log(context.WithoutCancel(ctx), "Still running past the expected duration")
	})
	defer softTimer.Stop()

	hardCtx, cancel := context.WithTimeout(ctx, r.hardLimit)
	defer cancel()

	resultRef, err := handler(hardCtx, task)

	// Terminal writes survive runner shutdown.
	finishCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		r.finish(finishCtx, j, store.JobCompleted, resultRef, "", began)
	case errors.Is(err, context.DeadlineExceeded) && hardCtx.Err() != nil:
		r.finish(finishCtx, j, store.JobTimeout, "",
			fmt.Sprintf("phase %d exceeded the hard time limit (%s)", j.Phase, r.hardLimit), began)
	default:
		r.finish(finishCtx, j, store.JobFailed, "", err.Error(), began)
	}
}

func (r *Runner) finish(ctx context.Context, j *store.Job, status store.JobStatus, resultRef, errMsg string, began time.Time) {
	update := store.JobUpdate{Status: &status}
	msg := "Job completed"
	if status == store.JobCompleted {
		full := 100
		update.Progress = &full
		if resultRef != "" {
			update.ResultRef = &resultRef
		}
	} else {
		msg = errMsg
		update.ErrorMsg = &errMsg
	}
	update.LogMsg = &msg

	if _, err := r.store.UpdateJob(ctx, j.ID, update); err != nil {
		r.logger.Error("Failed to finalize job", "job_id", j.ID, "status", status, "error", err)
		return
	}

	phase := strconv.Itoa(j.Phase)
	jobsFinished.WithLabelValues(phase, string(status)).Inc()
	jobDuration.WithLabelValues(phase).Observe(time.Since(began).Seconds())
	r.logger.Info("Job finished", "job_id", j.ID, "phase", j.Phase, "status", status,
		"duration", time.Since(began).Round(time.Millisecond))
}
