package verify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
)

type recordingExecutor struct {
	mu       sync.Mutex
	commands []engine.Command
	results  map[string]*engine.Result
	err      error
}

func (r *recordingExecutor) Execute(ctx context.Context, cmd engine.Command) (*engine.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	if r.err != nil {
		return nil, r.err
	}
	if res, ok := r.results[strings.Join(cmd.Args, " ")]; ok {
		return res, nil
	}
	return &engine.Result{}, nil
}

var facts = map[string]interface{}{
	"user":         "django",
	"server_name":  "example.com",
	"service_name": "gunicorn",
	"packages":     []string{"python-dev"},
}

func TestVerify_Passes(t *testing.T) {
	exec := &recordingExecutor{results: map[string]*engine.Result{
		"curl -s -o /dev/null -w %{http_code} http://localhost/": {Stdout: "200"},
	}}

	script := `
r = run("curl", "-s", "-o", "/dev/null", "-w", "%{http_code}", "http://localhost/")
check(r.stdout == "200", "site answers")
check(config["user"] == "django", "identity")
run("nginx", "-t", sudo=True)
run("test", "-x", "manage.py", user=config["user"])
`
	v := New(exec, "smoke.star", script, time.Second)
	require.NoError(t, v.Verify(context.Background(), facts))

	require.Len(t, exec.commands, 3)
	assert.Equal(t, engine.AsLogin(), exec.commands[0].As)
	assert.Equal(t, engine.AsRoot(), exec.commands[1].As)
	assert.Equal(t, engine.AsUser("django"), exec.commands[2].As)
	for _, c := range exec.commands {
		assert.True(t, c.Tolerant, "script commands never raise in the executor")
	}
}

func TestVerify_FailedCheck(t *testing.T) {
	exec := &recordingExecutor{}
	v := New(exec, "smoke.star", `check(False, "gunicorn is listening")`, time.Second)

	err := v.Verify(context.Background(), facts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVerificationFailed))
	assert.Contains(t, err.Error(), "gunicorn is listening")
}

func TestVerify_RunRaisesOnNonZeroExit(t *testing.T) {
	exec := &recordingExecutor{results: map[string]*engine.Result{
		"service gunicorn status": {ExitCode: 3, Stderr: "unknown job"},
	}}
	v := New(exec, "smoke.star", `run("service", config["service_name"], "status")`, time.Second)

	err := v.Verify(context.Background(), facts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited 3")
	assert.Contains(t, err.Error(), "unknown job")
}

func TestVerify_CheckFalseReturnsResult(t *testing.T) {
	exec := &recordingExecutor{results: map[string]*engine.Result{
		"pgrep gunicorn": {ExitCode: 1},
	}}
	script := `
r = run("pgrep", "gunicorn", check=False)
exit_code = r.exit_code
`
	res, err := New(exec, "smoke.star", script, time.Second).Evaluate(context.Background(), facts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Output["exit_code"])
	assert.Equal(t, 1, res.Commands)
}

func TestVerify_TransportError(t *testing.T) {
	exec := &recordingExecutor{err: errors.New("connection reset")}
	v := New(exec, "smoke.star", `run("true")`, time.Second)

	err := v.Verify(context.Background(), facts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestVerify_Timeout(t *testing.T) {
	v := New(&recordingExecutor{}, "loop.star", `
def spin():
    for i in range(100000000):
        pass
spin()
`, 50*time.Millisecond)

	err := v.Verify(context.Background(), facts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestVerify_SyntaxError(t *testing.T) {
	v := New(&recordingExecutor{}, "bad.star", `run(`, time.Second)
	err := v.Verify(context.Background(), facts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.star")
}

func TestConversions(t *testing.T) {
	val, err := toStarlarkValue(map[string]interface{}{
		"name":  "django",
		"ports": []interface{}{80, int64(443)},
		"tags":  map[string]string{"env": "prod"},
	})
	require.NoError(t, err)

	back, err := fromStarlarkValue(val)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"name":  "django",
		"ports": []interface{}{int64(80), int64(443)},
		"tags":  map[string]interface{}{"env": "prod"},
	}, back)

	_, err = toStarlarkValue(struct{}{})
	assert.Error(t, err)
}
