// Package subprocess implements the Subprocess Supervisor: it launches a
// validated generated script, concurrently drains stdout (final textual
// result) and stderr (structured __PROGRESS__ lines), and enforces a
// wall-clock timeout with graceful-then-forced termination.
package subprocess

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/fctr-id/queryengine/execerrors"
	"github.com/fctr-id/queryengine/plan"
	"github.com/fctr-id/queryengine/steps"
)

const (
	progressPrefix     = "__PROGRESS__"
	defaultTimeout     = 180 * time.Second
	defaultKillGrace   = 5 * time.Second
	maxStderrTailBytes = 2 * 1024
)

// progressLine is the JSON shape a script writes to stderr after the
// __PROGRESS__ prefix.
type progressLine struct {
	Type        string   `json:"type"`
	Message     string   `json:"message"`
	Entity      string   `json:"entity"`
	Current     *int     `json:"current"`
	Total       *int     `json:"total"`
	Percent     *float64 `json:"percent"`
	WaitSeconds *int     `json:"wait_seconds"`
	Status      string   `json:"status"`
}

// Validator is the Code Validator collaborator: the supervisor must
// refuse to execute a script that has not been validated.
type Validator interface {
	Validate(code string) (ok bool, violations []string)
}

// Options configures one script execution.
type Options struct {
	Validator Validator
	ScriptDir string // directory new temp script files are written under
	Timeout   time.Duration
	KillGrace time.Duration
	Command   func(scriptPath string) *exec.Cmd // defaults to `python3 scriptPath`
}

// Run validates, writes, executes, and cleans up one generated script. It
// returns the normalized Outcome the script_execution step hands back,
// and reports events through emit as they are parsed off stderr.
func Run(ctx context.Context, opts Options, code string, emit steps.Emitter) (steps.Outcome, error) {
	if opts.Validator == nil {
		return steps.Outcome{}, execerrors.New(execerrors.KindInternal, "subprocess: no validator configured")
	}
	ok, violations := opts.Validator.Validate(code)
	if !ok {
		return steps.Outcome{}, execerrors.New(execerrors.KindSecurityViolation, strings.Join(violations, "; "))
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	killGrace := opts.KillGrace
	if killGrace <= 0 {
		killGrace = defaultKillGrace
	}

	scriptPath, err := writeScript(opts.ScriptDir, code)
	if err != nil {
		return steps.Outcome{}, execerrors.New(execerrors.KindInternal, "subprocess: failed to stage script: "+err.Error())
	}
	defer os.Remove(scriptPath)

	cmdFn := opts.Command
	if cmdFn == nil {
		cmdFn = func(p string) *exec.Cmd { return exec.Command("python3", p) }
	}

	cmd := cmdFn(scriptPath)
	cmd.Stdin = nil

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return steps.Outcome{}, execerrors.New(execerrors.KindInternal, err.Error())
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return steps.Outcome{}, execerrors.New(execerrors.KindInternal, err.Error())
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := cmd.Start(); err != nil {
		return steps.Outcome{}, execerrors.New(execerrors.KindInternal, "subprocess: failed to start: "+err.Error())
	}

	var (
		wg          sync.WaitGroup
		stdout      strings.Builder
		stderrTail  []string
		recordCount int
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		drainStdout(stdoutPipe, &stdout)
	}()
	go func() {
		defer wg.Done()
		recordCount = drainStderr(stderrPipe, emit, &stderrTail)
	}()

	// cmd.Wait closes the pipes once the process exits, so it runs only
	// after both drains have read them to EOF.
	waitDone := make(chan error, 1)
	go func() {
		wg.Wait()
		waitDone <- cmd.Wait()
	}()

	select {
	case waitErr := <-waitDone:
		wg.Wait()
		if waitErr != nil {
			return steps.Outcome{}, execerrors.New(execerrors.KindInternal, "script exited with error").
				WithDetails(tail(stderrTail))
		}
		return steps.Outcome{
			RecordCount: recordCount,
			Artifact:    &plan.Artifact{DisplayType: "text", Content: stdout.String()},
		}, nil

	case <-runCtx.Done():
		terminate(cmd, waitDone, killGrace)
		wg.Wait()
		kind := execerrors.KindTimeout
		msg := "script execution timed out after " + timeout.String()
		if ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
			kind = execerrors.KindCancelled
			msg = "cancelled"
		}
		return steps.Outcome{}, execerrors.New(kind, msg).WithDetails(tail(stderrTail))
	}
}

// Handler adapts Run into a steps.Handler for plan.StepScriptExecution,
// reading the generated script from the step's Operation field -- the
// carrier a Planner (e.g. planner/react) uses to pass a generated script
// through the otherwise code-free plan.Step shape.
func Handler(opts Options) steps.Handler {
	return func(ctx context.Context, step plan.Step, summary []map[string]any, emit steps.Emitter) (steps.Outcome, error) {
		if step.Operation == "" {
			return steps.Outcome{}, execerrors.New(execerrors.KindInvalidInput, "script_execution: step has no generated script")
		}
		return Run(ctx, opts, step.Operation, emit)
	}
}

func writeScript(dir, code string) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "qe-script-*.py")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(code); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func drainStdout(r io.Reader, out *strings.Builder) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	first := true
	for scanner.Scan() {
		if !first {
			out.WriteByte('\n')
		}
		out.WriteString(scanner.Text())
		first = false
	}
}

// drainStderr reads __PROGRESS__ lines, forwards them through emit, and
// returns the last entity_complete total seen (used as RecordCount).
func drainStderr(r io.Reader, emit steps.Emitter, tail *[]string) int {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	recordCount := 0
	for scanner.Scan() {
		line := scanner.Text()
		appendTail(tail, line)
		if !strings.HasPrefix(line, progressPrefix) {
			continue
		}
		raw := strings.TrimPrefix(line, progressPrefix)
		var pl progressLine
		if err := json.Unmarshal([]byte(raw), &pl); err != nil {
			emit.Progress(steps.Progress{Type: "generic", Message: raw})
			continue
		}
		forward(pl, raw, emit)
		if pl.Type == "entity_complete" && pl.Total != nil {
			recordCount = *pl.Total
		}
	}
	return recordCount
}

func forward(pl progressLine, raw string, emit steps.Emitter) {
	switch pl.Type {
	case "entity_start", "entity_progress", "entity_complete":
		emit.Progress(steps.Progress{
			Type:       "generic",
			Current:    pl.Current,
			Total:      pl.Total,
			Percentage: pl.Percent,
			Message:    describeEntityEvent(pl),
		})
	case "rate_limit_wait":
		emit.Progress(steps.Progress{
			Type:        "rate_limit_wait",
			Message:     pl.Message,
			WaitSeconds: pl.WaitSeconds,
		})
	case "api_call_limit":
		emit.Progress(steps.Progress{
			Type:    "rate_limit",
			Message: pl.Message,
		})
	default:
		// Unknown types are forwarded verbatim as generic progress with
		// the raw payload as the message.
		emit.Progress(steps.Progress{Type: "generic", Message: raw})
	}
}

func describeEntityEvent(pl progressLine) string {
	if pl.Message != "" {
		return pl.Message
	}
	return fmt.Sprintf("%s %s", pl.Type, pl.Entity)
}

func appendTail(tail *[]string, line string) {
	*tail = append(*tail, line)
	// Bound the retained tail to a handful of lines; the byte cap is
	// applied again in tail() before surfacing to the caller.
	if len(*tail) > 64 {
		*tail = (*tail)[len(*tail)-64:]
	}
}

func tail(lines []string) string {
	joined := strings.Join(lines, "\n")
	if len(joined) > maxStderrTailBytes {
		return joined[len(joined)-maxStderrTailBytes:]
	}
	return joined
}

// terminate sends an interrupt, then force-kills if the process has not
// exited by the time grace elapses. waitDone is the single channel fed by
// the one cmd.Wait() goroutine in Run; terminate never calls Wait itself.
func terminate(cmd *exec.Cmd, waitDone <-chan error, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-waitDone:
	case <-timer.C:
		_ = cmd.Process.Kill()
	}
}
