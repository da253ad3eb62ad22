package subprocess_test

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fctr-id/queryengine/steps"
	"github.com/fctr-id/queryengine/subprocess"
)

type okValidator struct{}

func (okValidator) Validate(code string) (bool, []string) { return true, nil }

type rejectValidator struct{ violations []string }

func (r rejectValidator) Validate(code string) (bool, []string) { return false, r.violations }

type recordingEmitter struct {
	progress []steps.Progress
}

func (e *recordingEmitter) Progress(p steps.Progress)              { e.progress = append(e.progress, p) }
func (e *recordingEmitter) Tokens(in, out int, agent string)       {}
func (e *recordingEmitter) Count(recordCount int, opType string)   {}

func shCommand(script string) func(string) *exec.Cmd {
	return func(scriptPath string) *exec.Cmd {
		return exec.Command("sh", "-c", script)
	}
}

func TestRunRejectsUnvalidatedScript(t *testing.T) {
	emit := &recordingEmitter{}
	_, err := subprocess.Run(context.Background(), subprocess.Options{
		Validator: rejectValidator{violations: []string{"forbidden import: os"}},
	}, "import os", emit)
	require.Error(t, err)
}

func TestRunSuccessCapturesStdoutAndProgress(t *testing.T) {
	emit := &recordingEmitter{}
	script := `echo '__PROGRESS__{"type":"entity_start","entity":"users","total":15}' >&2
echo '__PROGRESS__{"type":"entity_complete","entity":"users","status":"success","total":15}' >&2
echo done
exit 0`
	outcome, err := subprocess.Run(context.Background(), subprocess.Options{
		Validator: okValidator{},
		Command:   shCommand(script),
	}, "print('done')", emit)

	require.NoError(t, err)
	assert.Equal(t, 15, outcome.RecordCount)
	require.NotNil(t, outcome.Artifact)
	assert.Equal(t, "done", outcome.Artifact.Content)
	assert.GreaterOrEqual(t, len(emit.progress), 2)
}

func TestRunNonZeroExitIsInternalFailure(t *testing.T) {
	emit := &recordingEmitter{}
	_, err := subprocess.Run(context.Background(), subprocess.Options{
		Validator: okValidator{},
		Command:   shCommand("echo oops >&2; exit 1"),
	}, "raise SystemExit(1)", emit)
	require.Error(t, err)
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	emit := &recordingEmitter{}
	_, err := subprocess.Run(context.Background(), subprocess.Options{
		Validator: okValidator{},
		Command:   shCommand("sleep 5"),
		Timeout:   50 * time.Millisecond,
		KillGrace: 20 * time.Millisecond,
	}, "time.sleep(5)", emit)
	require.Error(t, err)
}

func TestRunForwardsRateLimitWait(t *testing.T) {
	emit := &recordingEmitter{}
	script := `echo '__PROGRESS__{"type":"rate_limit_wait","wait_seconds":30,"message":"retry-after"}' >&2
echo done`
	_, err := subprocess.Run(context.Background(), subprocess.Options{
		Validator: okValidator{},
		Command:   shCommand(script),
	}, "print('done')", emit)
	require.NoError(t, err)

	require.Len(t, emit.progress, 1)
	assert.Equal(t, "rate_limit_wait", emit.progress[0].Type)
	require.NotNil(t, emit.progress[0].WaitSeconds)
	assert.Equal(t, 30, *emit.progress[0].WaitSeconds)
	assert.Equal(t, "retry-after", emit.progress[0].Message)
}

func TestRunUnknownProgressTypeForwardedAsGeneric(t *testing.T) {
	emit := &recordingEmitter{}
	script := `echo '__PROGRESS__{"type":"mystery","message":"something new"}' >&2
echo done`
	_, err := subprocess.Run(context.Background(), subprocess.Options{
		Validator: okValidator{},
		Command:   shCommand(script),
	}, "print('done')", emit)
	require.NoError(t, err)

	require.Len(t, emit.progress, 1)
	assert.Equal(t, "generic", emit.progress[0].Type)
}

func TestRunCleansUpScriptFile(t *testing.T) {
	dir := t.TempDir()
	_, err := subprocess.Run(context.Background(), subprocess.Options{
		Validator: okValidator{},
		ScriptDir: dir,
		Command:   shCommand("exit 0"),
	}, "pass", &recordingEmitter{})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staged script must be removed on exit")
}

func TestRunCleansUpScriptFileOnTimeout(t *testing.T) {
	dir := t.TempDir()
	_, err := subprocess.Run(context.Background(), subprocess.Options{
		Validator: okValidator{},
		ScriptDir: dir,
		Command:   shCommand("sleep 5"),
		Timeout:   50 * time.Millisecond,
		KillGrace: 20 * time.Millisecond,
	}, "time.sleep(5)", &recordingEmitter{})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staged script must be removed even on the kill path")
}

func TestRejectedScriptNeverSpawns(t *testing.T) {
	spawned := false
	_, err := subprocess.Run(context.Background(), subprocess.Options{
		Validator: rejectValidator{violations: []string{"forbidden import: subprocess"}},
		Command: func(p string) *exec.Cmd {
			spawned = true
			return exec.Command("true")
		},
	}, "import subprocess", &recordingEmitter{})
	require.Error(t, err)
	assert.False(t, spawned, "validator rejection must happen before any process launch")
}
