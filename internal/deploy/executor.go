package deploy

import (
	"context"
	"strings"
	"time"

	"github.com/fruworg/fde/internal/config"
)

// pollInterval is the fixed resume-path poll cadence (spec.md §4.6.4).
const pollInterval = 100 * time.Millisecond

// TerminalData is the payload of a "done" or "error" terminal event, and
// also the body of the non-streamed synchronous response.
type TerminalData struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RunSync executes a deploy command to completion without engaging the
// state machine at all (spec.md §4.6.1, stream falsy). Concurrent calls
// for the same environment are not serialised against each other or
// against streamed deploys — only streamed deploys are gated.
func (x *Executor) RunSync(ctx context.Context, env config.Environment, uploadPath string, pathCtx config.PathContext, sshCfg SSHConfig) TerminalData {
	runner, err := x.resolver.Prepare(env, uploadPath, pathCtx, sshCfg)
	if err != nil {
		return TerminalData{Success: false, ExitCode: -1, Error: err.Error()}
	}

	var stdout, stderr strings.Builder
	onLine := func(stream, line string) {
		if stream == "stdout" {
			stdout.WriteString(line)
			stdout.WriteString("\n")
		} else {
			stderr.WriteString(line)
			stderr.WriteString("\n")
		}
	}

	exitCode, runErr := runner.Run(ctx, onLine)
	if runErr != nil {
		return TerminalData{Success: false, ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String(), Error: runErr.Error()}
	}
	return TerminalData{Success: exitCode == 0, ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}
}

// TryStart applies the cooldown/concurrency gate for envName (spec.md
// §4.6.3) and, if it passes, transitions that environment to running. The
// caller MUST follow a true result with exactly one RunGated call for the
// same envName. Splitting gate-then-run lets an HTTP handler decide
// between a 409 JSON response and committing to a text/event-stream
// response before writing anything.
func (x *Executor) TryStart(envName string) (ok bool, reason string) {
	return x.stateFor(envName).gate()
}

// StartFresh is the combined gate-and-run convenience used directly by
// tests and by callers that don't need to separate the two steps.
func (x *Executor) StartFresh(envName string, env config.Environment, uploadPath string, pathCtx config.PathContext, sshCfg SSHConfig, emit func(Event)) (ok bool, reason string) {
	gated, reason := x.TryStart(envName)
	if !gated {
		return false, reason
	}
	x.RunGated(envName, env, uploadPath, pathCtx, sshCfg, emit)
	return true, ""
}

// RunGated runs a deploy for envName, which must already be in the
// running state via a prior successful TryStart. It blocks for the
// lifetime of the deploy, calling emit for every buffered event as it is
// produced — emit errors (a dropped client) are the caller's concern and
// never abort the deploy, since the subprocess runs against
// context.Background(), not the request context (spec.md §5).
func (x *Executor) RunGated(envName string, env config.Environment, uploadPath string, pathCtx config.PathContext, sshCfg SSHConfig, emit func(Event)) {
	s := x.stateFor(envName)

	runner, err := x.resolver.Prepare(env, uploadPath, pathCtx, sshCfg)
	if err != nil {
		ev := s.appendEvent("error", TerminalData{Success: false, ExitCode: -1, Error: err.Error()})
		emit(ev)
		s.finish(Result{Success: false, ExitCode: -1, Stderr: err.Error(), StartTime: time.Now(), EndTime: time.Now()})
		return
	}

	var stdoutBuf, stderrBuf strings.Builder
	onLine := func(stream, line string) {
		if stream == "stdout" {
			stdoutBuf.WriteString(line)
			stdoutBuf.WriteString("\n")
		} else {
			stderrBuf.WriteString(line)
			stderrBuf.WriteString("\n")
		}
		// pumpStreams funnels both the stdout and stderr drainers through
		// one channel and calls onLine from a single goroutine, so
		// appendEvent (id assignment) and emit (the SSE write) stay in
		// lockstep here without needing their own lock.
		ev := s.appendEvent("output", OutputData{Type: stream, Data: line + "\n"})
		x.outputLogger.Printf("[deploy] %s %s: %s", envName, stream, line)
		emit(ev)
	}

	startTime := time.Now()
	exitCode, runErr := runner.Run(context.Background(), onLine)
	endTime := time.Now()

	success := runErr == nil && exitCode == 0
	stderrOut := stderrBuf.String()
	if runErr != nil {
		if stderrOut != "" {
			stderrOut += "\n"
		}
		stderrOut += runErr.Error()
	}

	name := "done"
	if !success {
		name = "error"
	}
	terminal := TerminalData{Success: success, ExitCode: exitCode, Stdout: stdoutBuf.String(), Stderr: stderrOut}
	ev := s.appendEvent(name, terminal)
	emit(ev)

	s.finish(Result{
		Success:   success,
		ExitCode:  exitCode,
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrOut,
		StartTime: startTime,
		EndTime:   endTime,
	})
}

// Resume replays buffered events after lastID and, if the deploy is still
// running, tails new events until it ends (spec.md §4.6.4). It never
// mutates running, nextID, or the buffer — it is strictly a replay. emit
// is called for every event found; stopped is polled between ticks so the
// caller can abandon a dropped connection without leaking this goroutine.
func (x *Executor) Resume(envName string, lastID uint64, emit func(Event), stopped func() bool) {
	s := x.stateFor(envName)

	runningAtStart, events := s.snapshotAfter(lastID)

	if !runningAtStart {
		x.emitSynthesizedTerminal(s, lastID, emit)
		return
	}

	localLast := lastID
	sawTerminal := false
	for _, ev := range events {
		emit(ev)
		localLast = ev.ID
		if ev.Event == "done" || ev.Event == "error" {
			sawTerminal = true
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for !sawTerminal {
		if stopped != nil && stopped() {
			return
		}
		<-ticker.C

		running, newEvents := s.snapshotAfter(localLast)
		for _, ev := range newEvents {
			emit(ev)
			localLast = ev.ID
			if ev.Event == "done" || ev.Event == "error" {
				sawTerminal = true
			}
		}
		if !running && !sawTerminal {
			// The terminal event was appended and then the buffer was
			// cleared by finish() in between two of our polls; synthesize
			// it from lastResult instead of leaving the client hanging.
			x.emitSynthesizedTerminal(s, localLast, emit)
			return
		}
	}
}

func (x *Executor) emitSynthesizedTerminal(s *envState, lastID uint64, emit func(Event)) {
	result := s.snapshotLastResult()
	if result == nil {
		emit(Event{ID: lastID, Event: "error", Data: TerminalData{Success: false, ExitCode: -1, Error: "No deployment in progress"}})
		return
	}
	name := "done"
	if !result.Success {
		name = "error"
	}
	emit(Event{ID: lastID, Event: name, Data: TerminalData{Success: result.Success, ExitCode: result.ExitCode}})
}
