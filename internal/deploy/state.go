// Package deploy runs deploy commands and streams their output over SSE
// (spec.md §4.6). It serialises deploys per environment, enforces a
// cooldown between runs, and keeps buffered output around so a dropped
// client can reconnect with Last-Event-ID and replay whatever it missed.
package deploy

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fruworg/fde/internal/observability"
)

// Cooldown is the fixed window after a deploy ends during which a new
// deploy for the same environment is rejected (spec.md §4.6.3).
const Cooldown = 5 * time.Second

// Event is one buffered SSE frame body.
type Event struct {
	ID    uint64 `json:"-"`
	Event string `json:"-"`
	Data  any    `json:"data"`
}

// OutputData is the payload of an "output" event.
type OutputData struct {
	Type string `json:"type"` // "stdout" or "stderr"
	Data string `json:"data"`
}

// Result is the terminal outcome of a completed deploy run.
type Result struct {
	Success   bool      `json:"success"`
	ExitCode  int       `json:"exitCode"`
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
}

// envState is the per-environment deploy state machine (spec.md §5): one
// mutex guards running, nextID, buffer, and lastResult, and is held only
// around small non-blocking operations, never across a network write.
type envState struct {
	mu sync.Mutex

	running   bool
	startTime time.Time
	nextID    uint64
	buffer    []Event
	lastResult *Result
}

// Executor owns one envState per environment name, created lazily.
type Executor struct {
	resolver CommandResolver

	statesMu sync.Mutex
	states   map[string]*envState

	// outputLogger throttles the server-side log.Printf mirror of each
	// streamed output line, so a chatty deploy command can't flood the
	// process log the way an untamed per-line Printf would.
	outputLogger *observability.ThrottledLogger
}

// NewExecutor constructs an Executor that prepares commands via resolver.
func NewExecutor(resolver CommandResolver) *Executor {
	return &Executor{
		resolver:     resolver,
		states:       make(map[string]*envState),
		outputLogger: observability.NewThrottledLogger(rate.Limit(5)),
	}
}

func (x *Executor) stateFor(env string) *envState {
	x.statesMu.Lock()
	defer x.statesMu.Unlock()
	s, ok := x.states[env]
	if !ok {
		s = &envState{}
		x.states[env] = s
	}
	return s
}

// StatusSnapshot is the data returned by GET /deploy/status (spec.md §4.6.6).
type StatusSnapshot struct {
	Env           string     `json:"env"`
	Running       bool       `json:"running"`
	StartTime     *time.Time `json:"startTime,omitempty"`
	BufferedCount int        `json:"bufferedCount"`
	LastResult    *Result    `json:"lastResult,omitempty"`
}

// Status reports the current state of env without mutating it.
func (x *Executor) Status(env string) StatusSnapshot {
	s := x.stateFor(env)
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatusSnapshot{
		Env:           env,
		Running:       s.running,
		BufferedCount: len(s.buffer),
		LastResult:    s.lastResult,
	}
	if s.running {
		st := s.startTime
		snap.StartTime = &st
	}
	return snap
}

// gate applies the cooldown/concurrency check and, if it passes,
// transitions the state to running (spec.md §4.6.2/§4.6.3). Returns false
// with a human-readable reason if the deploy is rejected.
func (s *envState) gate() (ok bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return false, "deploy already in progress for this environment"
	}
	if s.lastResult != nil {
		if remaining := Cooldown - time.Since(s.lastResult.EndTime); remaining > 0 {
			return false, "cooldown active, retry shortly"
		}
	}

	s.running = true
	s.startTime = time.Now()
	s.buffer = nil
	s.nextID = 1
	s.lastResult = nil
	return true, ""
}

func (s *envState) appendEvent(name string, data any) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := Event{ID: s.nextID, Event: name, Data: data}
	s.nextID++
	s.buffer = append(s.buffer, ev)
	return ev
}

func (s *envState) finish(result Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	s.lastResult = &result
	s.buffer = nil
}

func (s *envState) snapshotBuffer() (running bool, events []Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.buffer))
	copy(out, s.buffer)
	return s.running, out
}

func (s *envState) snapshotAfter(lastID uint64) (running bool, events []Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.buffer {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return s.running, out
}

func (s *envState) snapshotLastResult() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}
