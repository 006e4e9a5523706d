package worker

import (
	"math"
	"sync"
	"time"

	"product-analysis-queue/internal/config"
)

// State is a phase of the worker loop.
type State string

const (
	StateIdle        State = "idle"
	StateDequeuing   State = "dequeuing"
	StateDispatching State = "dispatching"
	StateRecording   State = "recording"
	StateBackoff     State = "backoff"
	StateHalted      State = "halted"
)

// Event is the outcome of one loop iteration.
type Event int

const (
	// EventProcessed means a task was taken and its result recorded.
	EventProcessed Event = iota
	// EventEmpty means the dequeue timed out with nothing pending.
	EventEmpty
	// EventStoreError means the task store could not be reached.
	EventStoreError
	// EventFault means an unexpected error escaped the iteration.
	EventFault
)

func (e Event) String() string {
	switch e {
	case EventProcessed:
		return "processed"
	case EventEmpty:
		return "empty"
	case EventStoreError:
		return "store_error"
	case EventFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Decision tells the loop which state it is in next and how long to wait first.
type Decision struct {
	State State
	Delay time.Duration
}

// Scheduler decides pacing and backoff for the worker loop. It holds no timers;
// the caller sleeps for Decision.Delay.
type Scheduler struct {
	mu          sync.Mutex
	state       State
	failures    int
	idleDelay   time.Duration
	paceDelay   time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
	maxFailures int
}

// NewScheduler builds a Scheduler from worker config.
func NewScheduler(cfg config.WorkerConfig) *Scheduler {
	s := &Scheduler{
		state:       StateIdle,
		idleDelay:   cfg.IdleDelay,
		paceDelay:   cfg.PaceDelay,
		backoffBase: cfg.BackoffInitial,
		backoffMax:  cfg.BackoffMax,
		maxFailures: cfg.MaxConsecutiveFailures,
	}
	if s.idleDelay > 5*time.Second {
		s.idleDelay = 5 * time.Second
	}
	if s.backoffBase <= 0 {
		s.backoffBase = 2 * time.Second
	}
	if s.backoffMax < s.backoffBase {
		s.backoffMax = s.backoffBase
	}
	if s.maxFailures <= 0 {
		s.maxFailures = 10
	}
	return s
}

// Next applies an iteration outcome. Processed and empty iterations reset the failure
// count; store errors and faults grow the backoff until maxFailures halts the loop.
// A halted scheduler ignores further events.
func (s *Scheduler) Next(ev Event) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateHalted {
		return Decision{State: StateHalted}
	}
	switch ev {
	case EventProcessed:
		s.failures = 0
		s.state = StateIdle
		return Decision{State: StateIdle, Delay: s.paceDelay}
	case EventEmpty:
		s.failures = 0
		s.state = StateBackoff
		return Decision{State: StateBackoff, Delay: s.idleDelay}
	default:
		s.failures++
		if s.failures >= s.maxFailures {
			s.state = StateHalted
			return Decision{State: StateHalted}
		}
		s.state = StateBackoff
		return Decision{State: StateBackoff, Delay: backoffDelay(s.backoffBase, s.backoffMax, s.failures)}
	}
}

// Enter records an in-iteration phase for health reporting.
func (s *Scheduler) Enter(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateHalted {
		s.state = state
	}
}

// State returns the current phase.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failures returns the number of consecutive failed iterations.
func (s *Scheduler) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// backoffDelay is base × 2^(attempt-1), capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	if exp > float64(max) {
		return max
	}
	return time.Duration(exp)
}
