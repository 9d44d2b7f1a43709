// Package job implements the Job/Thread Scheduler (§4.I): a
// process-wide job registry, per-job thread tables, the job and
// thread state machines, the startup barrier, and pause/resume/
// stop/cancel semantics.
//
// Grounded on the teacher's backend.go Device/State-machine shape
// (State, atomic transitions, Info snapshot) for the job-level state
// machine, and on internal/queue/runner.go's per-tag state enum for
// the per-thread state machine.
package job

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/behrlich/dtapp/internal/constants"
	"github.com/behrlich/dtapp/internal/iface"
)

// State is the job-level state machine (§4.I).
type State int

const (
	StateStopped State = iota
	StateRunning
	StatePaused
	StateTerminating
	StateCancelled
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateTerminating:
		return "TERMINATING"
	case StateCancelled:
		return "CANCELLED"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// ThreadState is the per-thread state machine (§4.I).
type ThreadState int

const (
	ThreadStopped ThreadState = iota
	ThreadStarting
	ThreadRunning
	ThreadPaused
	ThreadTerminating
	ThreadCancelled
	ThreadFinished
	ThreadJoined
)

// ThreadMain is the worker function a Job runs once per thread. It
// must poll ctx and the PauseGate it's handed, and return the
// thread's terminal exit status.
type ThreadMain func(ctx context.Context, threadNumber int, gate *PauseGate) ThreadResult

// ThreadResult is what a ThreadMain reports back to the scheduler.
type ThreadResult struct {
	Status ThreadState // ThreadFinished or ThreadCancelled
	Err    error
}

// PauseGate is checked at the top of every pass-engine loop
// iteration; a paused job blocks threads here until resumed.
type PauseGate struct {
	mu     sync.Mutex
	paused bool
	cond   *sync.Cond
}

func newPauseGate() *PauseGate {
	g := &PauseGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Wait blocks while the gate is paused.
func (g *PauseGate) Wait() {
	g.mu.Lock()
	for g.paused {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

func (g *PauseGate) setPaused(p bool) {
	g.mu.Lock()
	g.paused = p
	g.cond.Broadcast()
	g.mu.Unlock()
}

// thread is one slot in a job's thread table.
type thread struct {
	number int
	state  ThreadState
	gate   *PauseGate
	cancel context.CancelFunc
	done   chan ThreadResult
}

// Job is one running (or finished) dtapp job.
type Job struct {
	id    uint16
	tag   string
	state State

	mu      sync.Mutex
	threads []*thread

	startedAt, endedAt time.Time

	logSink iface.Logger

	triggerCmd   string
	triggerGrace time.Duration
	triggerOnce  sync.Once

	iolock *ioCoordinator
}

// ioCoordinator implements the optional pass-boundary rendezvous
// (§4.I "wait_for_threads_done"): every thread reports done at the
// end of a pass, and the last one to arrive releases all of them.
type ioCoordinator struct {
	mu        sync.Mutex
	cond      *sync.Cond
	done      int
	running   int
	cursor    int64
	spins     int
}

func newIOCoordinator(running int) *ioCoordinator {
	c := &ioCoordinator{running: running}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// WaitForThreadsDone blocks the calling thread until every running
// thread has reported done for this pass, then resets the shared
// cursor and releases everyone together.
func (c *ioCoordinator) WaitForThreadsDone(logger iface.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()

	generation := c.done / c.running
	c.done++

	if c.done%c.running == 0 {
		c.cursor = 0
		c.cond.Broadcast()
		return
	}

	spins := 0
	for c.done/c.running == generation {
		c.mu.Unlock()
		time.Sleep(constants.IOLockPollInterval)
		c.mu.Lock()
		spins++
		if spins >= constants.IOLockMaxSpins {
			if logger != nil {
				logger.Warnf("iolock: exceeded %d spins waiting for threads_done", constants.IOLockMaxSpins)
			}
			spins = 0
		}
	}
}

// Registry is the process-wide job registry (§4.I, §5 jobs_lock).
type Registry struct {
	mu     sync.Mutex
	nextID uint16
	jobs   map[uint16]*Job
}

// NewRegistry creates an empty registry. One instance is expected per
// process, held at the top of main (§9 "Global state").
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[uint16]*Job), nextID: 1}
}

// CreateJobOptions configures CreateJob.
type CreateJobOptions struct {
	Tag          string
	Threads      int
	Logger       iface.Logger
	TriggerCmd   string
	TriggerGrace time.Duration
	UseIOLock    bool
	Main         ThreadMain
}

// CreateJob registers a new job, starts Threads worker goroutines, and
// blocks (the startup barrier) until every thread has left STARTING.
func (r *Registry) CreateJob(opts CreateJobOptions) (*Job, error) {
	if opts.Threads <= 0 {
		opts.Threads = constants.DefaultThreads
	}
	if opts.Main == nil {
		return nil, fmt.Errorf("job: CreateJobOptions.Main is required")
	}

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.mu.Unlock()

	j := &Job{
		id:           id,
		tag:          opts.Tag,
		state:        StateStopped,
		logSink:      opts.Logger,
		triggerCmd:   opts.TriggerCmd,
		triggerGrace: opts.TriggerGrace,
		startedAt:    time.Now(),
	}
	if j.triggerGrace == 0 {
		j.triggerGrace = constants.DefaultTriggerGrace
	}
	if opts.UseIOLock {
		j.iolock = newIOCoordinator(opts.Threads)
	}

	j.threads = make([]*thread, opts.Threads)
	for i := range j.threads {
		ctx, cancel := context.WithCancel(context.Background())
		th := &thread{number: i, state: ThreadStarting, gate: newPauseGate(), cancel: cancel, done: make(chan ThreadResult, 1)}
		j.threads[i] = th

		go func(i int, th *thread, ctx context.Context) {
			th.state = ThreadRunning
			result := opts.Main(ctx, i, th.gate)
			j.mu.Lock()
			th.state = result.Status
			j.mu.Unlock()
			th.done <- result
		}(i, th, ctx)
	}

	// Startup barrier: hold until every thread has left STARTING.
	for {
		allStarted := true
		j.mu.Lock()
		for _, th := range j.threads {
			if th.state == ThreadStarting {
				allStarted = false
				break
			}
		}
		j.mu.Unlock()
		if allStarted {
			break
		}
		time.Sleep(constants.StartupBarrierPoll)
	}

	j.mu.Lock()
	j.state = StateRunning
	j.mu.Unlock()

	r.mu.Lock()
	r.jobs[id] = j
	r.mu.Unlock()

	return j, nil
}

// ID, Tag, State are read-only accessors.
func (j *Job) ID() uint16   { return j.id }
func (j *Job) Tag() string  { return j.tag }
func (j *Job) State() State { j.mu.Lock(); defer j.mu.Unlock(); return j.state }

// Pause transitions every thread's gate to paused. The job state
// moves RUNNING -> PAUSED.
func (j *Job) Pause() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateRunning {
		return
	}
	j.state = StatePaused
	for _, th := range j.threads {
		th.gate.setPaused(true)
	}
}

// Resume reverses Pause: PAUSED -> RUNNING.
func (j *Job) Resume() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StatePaused {
		return
	}
	j.state = StateRunning
	for _, th := range j.threads {
		th.gate.setPaused(false)
	}
}

// Stop requests cooperative termination: RUNNING -> TERMINATING. Every
// thread's ctx is cancelled; a well-behaved ThreadMain checks ctx.Done
// at its loop head and at the I/O retry boundary and returns cleanly.
func (j *Job) Stop() {
	j.mu.Lock()
	j.state = StateTerminating
	threads := append([]*thread(nil), j.threads...)
	j.mu.Unlock()

	for _, th := range threads {
		th.cancel()
	}
}

// Cancel is the forceful escape hatch: it marks the job CANCELLED,
// waits the cancel grace period, then cancels every worker thread. A
// trigger command that is already running is not cancelled here; only
// its own grace timeout ends it. §5's cooperative-cancellation note
// means "cancel" here is still a ctx.Cancel, just issued without
// waiting for a clean exit from the worker's own loop head check.
func (j *Job) Cancel() {
	j.mu.Lock()
	j.state = StateCancelled
	threads := append([]*thread(nil), j.threads...)
	j.mu.Unlock()

	time.Sleep(constants.DefaultCancelGrace)
	for _, th := range threads {
		th.cancel()
	}
}

// Wait blocks until every thread has finished, marks the job
// FINISHED, removes it from r (when r is non-nil), and fires the
// trigger command if any thread returned an error. It calls no
// job-finish hook; the per-thread results are returned as they are.
func (j *Job) Wait(r *Registry) []ThreadResult {
	j.mu.Lock()
	threads := append([]*thread(nil), j.threads...)
	j.mu.Unlock()

	results := make([]ThreadResult, len(threads))
	for i, th := range threads {
		results[i] = <-th.done
	}

	j.mu.Lock()
	j.state = StateFinished
	j.endedAt = time.Now()
	j.mu.Unlock()

	if r != nil {
		r.mu.Lock()
		delete(r.jobs, j.id)
		r.mu.Unlock()
	}

	for _, res := range results {
		if res.Err != nil && j.triggerCmd != "" {
			j.fireTrigger()
			break
		}
	}

	return results
}

// IOLock returns the job's pass-boundary coordinator, or nil if the
// job was created without UseIOLock.
func (j *Job) IOLock() *ioCoordinator { return j.iolock }

// fireTrigger runs the configured trigger command asynchronously, at
// most once per job. Wait calls it after every thread has ended, when
// at least one returned an error; it is not fired while the job is
// still running. Nothing waits on its result, and it is killed once
// the grace period elapses.
func (j *Job) fireTrigger() {
	j.triggerOnce.Do(func() {
		cmdline := strings.TrimPrefix(j.triggerCmd, "cmd:")
		parts := strings.Fields(cmdline)
		if len(parts) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), j.triggerGrace)
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		go func() {
			defer cancel()
			if err := cmd.Run(); err != nil && j.logSink != nil {
				j.logSink.Warnf("trigger command %q exited: %v", j.triggerCmd, err)
			}
		}()
	})
}

// Modify parses a whitespace-tokenised "key=value key2=value2" string
// and applies it via apply, which the caller supplies since the set
// of mutable fields (delay timers, debug flags, stats flags) is
// specific to the I/O behavior driving the job.
func Modify(spec string, apply func(key, value string) error) error {
	for _, tok := range strings.Fields(spec) {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("job: modify token %q is not key=value", tok)
		}
		if err := apply(kv[0], kv[1]); err != nil {
			return fmt.Errorf("job: modify %q: %w", tok, err)
		}
	}
	return nil
}

// Query formats one line per thread describing the job's state,
// using formatLine to render each thread (typically via the format
// engine so operators can customize the query output the same way
// they customize log prefixes).
func (j *Job) Query(formatLine func(threadNumber int, state ThreadState) string) []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	lines := make([]string, len(j.threads))
	for i, th := range j.threads {
		lines[i] = formatLine(th.number, th.state)
	}
	return lines
}

// FindByID, FindByTag, FindByTagPrefix are the registry's three lookup
// modes (§4.I).
func (r *Registry) FindByID(id uint16) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}

func (r *Registry) FindByTag(tag string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.tag == tag {
			return j, true
		}
	}
	return nil, false
}

func (r *Registry) FindByTagPrefix(prefix string) []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matches []*Job
	for _, j := range r.jobs {
		if strings.HasPrefix(j.tag, prefix) {
			matches = append(matches, j)
		}
	}
	sort.Slice(matches, func(i, k int) bool { return matches[i].id < matches[k].id })
	return matches
}

// List returns every registered job, ordered by id.
func (r *Registry) List() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].id < jobs[k].id })
	return jobs
}

// idString formats a job's numeric id as a decimal string.
func idString(j *Job) string {
	return strconv.FormatUint(uint64(j.id), 10)
}
