// Package claudecli implements the agent invoker port by spawning the Claude
// CLI as a subprocess and consuming its stream-json output incrementally.
// Logical completion is detected from process exit or from a polled
// filesystem marker, whichever comes first: agent process lifetime does not
// always align with logical task completion.
package claudecli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sethvargo/go-retry"

	"github.com/Strob0t/PipeForge/internal/config"
	"github.com/Strob0t/PipeForge/internal/domain/failure"
	"github.com/Strob0t/PipeForge/internal/port/agent"
)

const invokerName = "claude-cli"

var errMarkerAbsent = errors.New("completion marker not present")

// Invoker runs phases on the Claude CLI.
type Invoker struct {
	cfg config.Agent

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // sessionID -> cancel
}

// New creates a claude-cli invoker from agent configuration.
func New(cfg config.Agent) *Invoker {
	return &Invoker{
		cfg:     cfg,
		cancels: make(map[string]context.CancelFunc),
	}
}

func init() {
	agent.Register(invokerName, func(cfg config.Agent) (agent.Invoker, error) {
		return New(cfg), nil
	})
}

// Name returns "claude-cli".
func (inv *Invoker) Name() string { return invokerName }

// Invoke runs one phase. The transcript is persisted to req.TranscriptPath
// for every outcome; returned errors are typed for classification.
func (inv *Invoker) Invoke(ctx context.Context, req *agent.Request) (*agent.Result, error) {
	deadline := req.Timeout
	if deadline <= 0 || deadline > inv.cfg.SafetyCeiling {
		deadline = inv.cfg.SafetyCeiling
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()

	transcript, err := openTranscript(req.TranscriptPath)
	if err != nil {
		return nil, &failure.InvocationError{Stage: "spawn", Err: err}
	}
	defer transcript.Close()

	args := append([]string{
		"-p", buildPrompt(req),
		"--output-format", "stream-json",
		"--verbose",
	}, inv.cfg.ExtraArgs...)

	cmd := exec.CommandContext(runCtx, inv.cfg.Command, args...)
	cmd.Dir = req.WorkDir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &failure.InvocationError{Stage: "spawn", Err: err}
	}
	cmd.Stderr = transcript

	if err := cmd.Start(); err != nil {
		return nil, &failure.InvocationError{Stage: "spawn", Err: err}
	}

	var prog progress
	defer func() { inv.untrackSession(prog.sessionID) }()

	streamDone := make(chan error, 1)
	go func() {
		streamDone <- consumeStream(stdout, transcript, &prog, func(sessionID string) {
			inv.trackSession(sessionID, cancel)
		})
	}()

	markerDone := make(chan error, 1)
	if req.CompletionMarker != "" {
		go func() {
			markerDone <- inv.awaitMarker(runCtx, req.CompletionMarker)
		}()
	}

	// cmd.Wait must run before draining streamDone: Wait closes the stdout
	// pipe, which unblocks the stream reader even when an orphaned child of
	// the agent still holds the write end open.
	select {
	case err := <-markerDone:
		if err != nil {
			// The marker waiter only fails on context end.
			waitErr := cmd.Wait()
			streamErr := <-streamDone
			return inv.finish(runCtx, req, &prog, start, streamErr, waitErr)
		}
		// Logical completion: stop the process, drain the stream.
		cancel()
		_ = cmd.Wait()
		<-streamDone
		return inv.result(req, &prog, agent.CompletedMarker, start), nil
	case streamErr := <-streamDone:
		waitErr := cmd.Wait()
		return inv.finish(runCtx, req, &prog, start, streamErr, waitErr)
	case <-runCtx.Done():
		waitErr := cmd.Wait()
		streamErr := <-streamDone
		return inv.finish(runCtx, req, &prog, start, streamErr, waitErr)
	}
}

// finish resolves the outcome of a process-exit completion.
func (inv *Invoker) finish(
	runCtx context.Context,
	req *agent.Request,
	prog *progress,
	start time.Time,
	streamErr, waitErr error,
) (*agent.Result, error) {
	res := inv.result(req, prog, agent.CompletedExit, start)

	if runCtx.Err() != nil {
		res.Status = agent.TimedOut
		return res, &failure.TimeoutError{Phase: req.Phase, Err: runCtx.Err()}
	}
	if waitErr != nil {
		res.Status = agent.Crashed
		return res, &failure.InvocationError{Stage: "wait", Err: waitErr}
	}
	if streamErr != nil {
		res.Status = agent.Crashed
		return res, &failure.InvocationError{Stage: "stream", Err: streamErr}
	}
	if prog.parsed == 0 {
		res.Status = agent.Crashed
		return res, &failure.InvocationError{Stage: "empty-output", Err: errors.New("agent produced no parseable events")}
	}

	return res, nil
}

func (inv *Invoker) result(req *agent.Request, prog *progress, status agent.CompletionStatus, start time.Time) *agent.Result {
	dur := prog.elapsed
	if dur == 0 {
		dur = time.Since(start)
	}
	return &agent.Result{
		SessionID:      prog.sessionID,
		Status:         status,
		Output:         prog.output,
		TranscriptPath: req.TranscriptPath,
		CostUSD:        prog.costUSD,
		Duration:       dur,
		NumTurns:       prog.numTurns,
	}
}

// Stop cancels a running session.
func (inv *Invoker) Stop(_ context.Context, sessionID string) error {
	inv.mu.Lock()
	cancel, ok := inv.cancels[sessionID]
	inv.mu.Unlock()
	if !ok {
		return fmt.Errorf("claudecli: no running session %q", sessionID)
	}
	cancel()
	return nil
}

func (inv *Invoker) trackSession(sessionID string, cancel context.CancelFunc) {
	if sessionID == "" {
		return
	}
	inv.mu.Lock()
	inv.cancels[sessionID] = cancel
	inv.mu.Unlock()
}

func (inv *Invoker) untrackSession(sessionID string) {
	if sessionID == "" {
		return
	}
	inv.mu.Lock()
	delete(inv.cancels, sessionID)
	inv.mu.Unlock()
}

// consumeStream reads newline-delimited events from r, copying every raw line
// to the transcript and folding parseable events into prog. Malformed lines
// are preserved in the transcript but do not abort the stream; a partial
// stream still yields useful progress.
func consumeStream(r io.Reader, transcript io.Writer, prog *progress, onInit func(sessionID string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		_, _ = transcript.Write(line)
		_, _ = transcript.Write([]byte("\n"))

		ev, ok, err := parseLine(line)
		if err != nil || !ok {
			continue
		}
		hadSession := prog.sessionID != ""
		prog.apply(ev)
		if !hadSession && prog.sessionID != "" && onInit != nil {
			onInit(prog.sessionID)
		}
	}
	return scanner.Err()
}

// awaitMarker blocks until the completion marker exists, combining an
// fsnotify watch on the marker's directory with an adaptive-backoff poll
// (poll intervals grow by the configured multiplier up to the cap). Returns
// ctx.Err() when the context ends first.
func (inv *Invoker) awaitMarker(ctx context.Context, path string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan struct{}, 2)

	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		if err := w.Add(filepath.Dir(path)); err == nil {
			go func() {
				for {
					select {
					case ev, ok := <-w.Events:
						if !ok {
							return
						}
						if ev.Name == path && ev.Op.Has(fsnotify.Create|fsnotify.Write) {
							select {
							case found <- struct{}{}:
							default:
							}
							return
						}
					case <-w.Errors:
					case <-ctx.Done():
						return
					}
				}
			}()
		}
	}

	go func() {
		err := retry.Do(ctx, inv.markerBackoff(), func(context.Context) error {
			if _, statErr := os.Stat(path); statErr != nil {
				return retry.RetryableError(errMarkerAbsent)
			}
			return nil
		})
		if err == nil {
			select {
			case found <- struct{}{}:
			default:
			}
		}
	}()

	select {
	case <-found:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// markerBackoff grows the poll interval by the configured multiplier, capped.
func (inv *Invoker) markerBackoff() retry.Backoff {
	next := inv.cfg.MarkerInitialPoll
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d := next
		grown := time.Duration(float64(next) * inv.cfg.MarkerMultiplier)
		if grown > inv.cfg.MarkerMaxPoll {
			grown = inv.cfg.MarkerMaxPoll
		}
		next = grown
		return d, false
	})
}

func buildPrompt(req *agent.Request) string {
	if req.Context == "" {
		return req.Instructions
	}
	return req.Instructions + "\n\n" + req.Context
}

func openTranscript(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:gosec // G304: path built by the executor
}
