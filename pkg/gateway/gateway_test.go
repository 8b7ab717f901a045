package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tenderhub/pkg/gateway"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	return gateway.New(gateway.Options{
		Logger:    zap.NewNop(),
		KillGrace: 2 * time.Second,
	})
}

func shell(t *testing.T, script string) gateway.JobSpec {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return gateway.JobSpec{
		Name:    "test",
		Command: sh,
		Args:    []string{"-c", script},
	}
}

// processGone reports whether pid no longer runs. Zombies count as gone:
// orphaned grandchildren may wait a while for init to reap them.
func processGone(pid int) bool {
	if errors.Is(syscall.Kill(pid, 0), syscall.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	i := strings.LastIndexByte(string(stat), ')')
	return i >= 0 && i+2 < len(stat) && stat[i+2] == 'Z'
}

func TestRun_BatchSuccess(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	res := gw.Run(t.Context(), shell(t, "echo done"))

	require.Equal(t, gateway.OutcomeSuccess, res.Outcome)
	require.NotNil(t, res.ExitCode)
	require.Equal(t, 0, *res.ExitCode)
	require.Equal(t, "done", res.Stdout)
	require.Empty(t, res.Stderr)
	require.Nil(t, res.Decoded)
	require.NotEmpty(t, res.ID)
	require.NotZero(t, res.PID)
}

func TestRun_TrimsTrailingWhitespace(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	res := gw.Run(t.Context(), shell(t, `printf '  log line\n\n\t \n'; printf 'warn\n\n' >&2`))

	require.Equal(t, gateway.OutcomeSuccess, res.Outcome)
	require.Equal(t, "  log line", res.Stdout)
	require.Equal(t, "warn", res.Stderr)
}

func TestRun_ProcessError(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	res := gw.Run(t.Context(), shell(t, "echo boom >&2; exit 2"))

	require.Equal(t, gateway.OutcomeProcessError, res.Outcome)
	require.NotNil(t, res.ExitCode)
	require.Equal(t, 2, *res.ExitCode)
	require.Equal(t, "boom", res.Stderr)
	require.Equal(t, "boom", res.Diagnostic())
}

func TestRun_ProcessErrorFallsBackToStdout(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	res := gw.Run(t.Context(), shell(t, "echo only-stdout; exit 7"))

	require.Equal(t, gateway.OutcomeProcessError, res.Outcome)
	require.Equal(t, 7, *res.ExitCode)
	require.Empty(t, res.Stderr)
	require.Equal(t, "only-stdout", res.Diagnostic())
}

func TestRun_ExitCodes(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	for _, code := range []int{0, 1, 3, 42, 126, 255} {
		t.Run(fmt.Sprintf("exit %d", code), func(t *testing.T) {
			res := gw.Run(t.Context(), shell(t, fmt.Sprintf("exit %d", code)))
			require.NotNil(t, res.ExitCode)
			require.Equal(t, code, *res.ExitCode)
			if code == 0 {
				require.Equal(t, gateway.OutcomeSuccess, res.Outcome)
			} else {
				require.Equal(t, gateway.OutcomeProcessError, res.Outcome)
			}
		})
	}
}

func TestRun_SignaledWorkerHasNoExitCode(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	res := gw.Run(t.Context(), shell(t, "kill -TERM $$"))

	require.Equal(t, gateway.OutcomeProcessError, res.Outcome)
	require.Nil(t, res.ExitCode)
	require.Equal(t, "SIGTERM", res.Signal)
}

func TestRun_StructuredEcho(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	spec := shell(t, "cat")
	spec.Input = []byte(`{"a":1}`)
	spec.Deadline = 10 * time.Second
	spec.ExpectStructuredOutput = true

	res := gw.Run(t.Context(), spec)

	require.Equal(t, gateway.OutcomeSuccess, res.Outcome)
	require.Equal(t, map[string]any{"a": json.Number("1")}, res.Decoded)
	require.Empty(t, res.RawOutputOnDecodeFailure)
}

func TestRun_StructuredMultilineOutput(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	spec := shell(t, `printf '{\n  "data": [1, 2],\n  "ok": true\n}\n'`)
	spec.ExpectStructuredOutput = true

	res := gw.Run(t.Context(), spec)

	require.Equal(t, gateway.OutcomeSuccess, res.Outcome)
	out, err := json.Marshal(res.Decoded)
	require.NoError(t, err)
	require.JSONEq(t, `{"data":[1,2],"ok":true}`, string(out))
}

func TestRun_StructuredScalarsAndLargeIntegers(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	cases := map[string]struct {
		out  string
		want any
	}{
		"number":      {`42`, json.Number("42")},
		"string":      {`"ok"`, "ok"},
		"bool":        {` true `, true},
		"large int":   {`{"id":9007199254740993}`, map[string]any{"id": json.Number("9007199254740993")}},
		"nested list": {`[1,[2.5]]`, []any{json.Number("1"), []any{json.Number("2.5")}}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			spec := shell(t, "printf '%s' \"$0\"")
			spec.Args = append(spec.Args, tc.out)
			spec.ExpectStructuredOutput = true

			res := gw.Run(t.Context(), spec)

			require.Equal(t, gateway.OutcomeSuccess, res.Outcome)
			require.Equal(t, tc.want, res.Decoded)
		})
	}

	spec := shell(t, `printf '{"id":9007199254740993}'`)
	spec.ExpectStructuredOutput = true
	res := gw.Run(t.Context(), spec)
	out, err := json.Marshal(res.Decoded)
	require.NoError(t, err)
	require.Equal(t, `{"id":9007199254740993}`, string(out))
}

func TestRun_OutputDecodeFailed(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	cases := map[string]string{
		"not json":      "not-json",
		"empty":         "",
		"trailing data": `{"a":1} tail`,
		"two values":    `{"a":1}{"b":2}`,
	}
	for name, out := range cases {
		t.Run(name, func(t *testing.T) {
			spec := shell(t, "printf '%s' \"$0\"")
			spec.Args = append(spec.Args, out)
			spec.ExpectStructuredOutput = true

			res := gw.Run(t.Context(), spec)

			require.Equal(t, gateway.OutcomeOutputDecodeFailed, res.Outcome)
			require.Equal(t, out, res.RawOutputOnDecodeFailure)
			require.Nil(t, res.Decoded)
			require.Error(t, res.Err)
			require.Equal(t, 0, *res.ExitCode)
		})
	}
}

func TestRun_RawOutputIsVerbatim(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	spec := shell(t, `printf 'not-json\n\n'`)
	spec.ExpectStructuredOutput = true

	res := gw.Run(t.Context(), spec)

	require.Equal(t, gateway.OutcomeOutputDecodeFailed, res.Outcome)
	require.Equal(t, "not-json\n\n", res.RawOutputOnDecodeFailure)
	require.Equal(t, "not-json", res.Stdout)
}

func TestRun_NonzeroExitSkipsDecoding(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	spec := shell(t, `echo '{"ok":false}'; exit 1`)
	spec.ExpectStructuredOutput = true

	res := gw.Run(t.Context(), spec)

	require.Equal(t, gateway.OutcomeProcessError, res.Outcome)
	require.Nil(t, res.Decoded)
	require.Empty(t, res.RawOutputOnDecodeFailure)
	require.Equal(t, `{"ok":false}`, res.Diagnostic())
}

func TestRun_Deadline(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	spec := shell(t, "echo before; sleep 120; echo after")
	spec.Deadline = 300 * time.Millisecond
	spec.ExpectStructuredOutput = true

	start := time.Now()
	res := gw.Run(t.Context(), spec)

	require.Equal(t, gateway.OutcomeTimedOut, res.Outcome)
	require.Less(t, time.Since(start), 10*time.Second)
	require.Nil(t, res.ExitCode)
	require.Nil(t, res.Decoded)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
	require.Equal(t, "before", res.Stdout)
	require.True(t, processGone(res.PID), "worker %d still running", res.PID)
}

func TestRun_DeadlineKillsProcessGroup(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	// The grandchild inherits stdout; without a group kill the pipe would
	// never reach EOF.
	spec := shell(t, "sleep 120 & echo $!; wait")
	spec.Deadline = 300 * time.Millisecond

	res := gw.Run(t.Context(), spec)

	require.Equal(t, gateway.OutcomeTimedOut, res.Outcome)
	var grandchild int
	_, err := fmt.Sscanf(res.Stdout, "%d", &grandchild)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return processGone(grandchild) }, 5*time.Second, 20*time.Millisecond)
}

func TestRun_TimedOutKeepsOutputUpToTermination(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	spec := shell(t, `i=0; while [ $i -lt 5 ]; do echo tick; i=$((i+1)); done; sleep 120`)
	spec.Deadline = 300 * time.Millisecond

	res := gw.Run(t.Context(), spec)

	require.Equal(t, gateway.OutcomeTimedOut, res.Outcome)
	require.Equal(t, strings.Repeat("tick\n", 4)+"tick", res.Stdout)
}

func TestRun_FastExitBeatsDeadline(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	spec := shell(t, "echo quick")
	spec.Deadline = 5 * time.Second

	res := gw.Run(t.Context(), spec)

	require.Equal(t, gateway.OutcomeSuccess, res.Outcome)
	require.Equal(t, "quick", res.Stdout)
}

func TestRun_CallerCancellation(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(200*time.Millisecond, cancel)

	res := gw.Run(ctx, shell(t, "sleep 120"))

	require.Equal(t, gateway.OutcomeTimedOut, res.Outcome)
	require.ErrorIs(t, res.Err, context.Canceled)
	require.True(t, processGone(res.PID))
}

func TestRun_LargeStderrBeforeStdout(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	// Well past the 64KB pipe buffer on stderr before touching stdout.
	spec := shell(t, `head -c 262144 /dev/zero | tr '\0' e >&2; head -c 262144 /dev/zero | tr '\0' o`)
	spec.Deadline = 30 * time.Second

	res := gw.Run(t.Context(), spec)

	require.Equal(t, gateway.OutcomeSuccess, res.Outcome)
	require.Len(t, res.Stderr, 262144)
	require.Len(t, res.Stdout, 262144)
	require.Equal(t, strings.Repeat("e", 16), res.Stderr[:16])
}

func TestRun_LargeStdoutWhileInputPending(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	// The worker floods stdout before reading stdin; the gateway must drain
	// while it is still feeding.
	spec := shell(t, `head -c 200000 /dev/zero | tr '\0' x; cat >/dev/null; echo end >&2`)
	spec.Input = []byte(strings.Repeat("i", 300000))
	spec.Deadline = 30 * time.Second

	res := gw.Run(t.Context(), spec)

	require.Equal(t, gateway.OutcomeSuccess, res.Outcome)
	require.Len(t, res.Stdout, 200000)
	require.Equal(t, "end", res.Stderr)
}

func TestRun_NoInputClosesStdin(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	spec := shell(t, "cat; echo eof")
	spec.Deadline = 10 * time.Second

	res := gw.Run(t.Context(), spec)

	require.Equal(t, gateway.OutcomeSuccess, res.Outcome)
	require.Equal(t, "eof", res.Stdout)
}

func TestRun_LaunchFailed(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	t.Run("missing executable", func(t *testing.T) {
		res := gw.Run(t.Context(), gateway.JobSpec{Command: "/nonexistent/worker-binary"})
		require.Equal(t, gateway.OutcomeLaunchFailed, res.Outcome)
		require.Error(t, res.Err)
		require.Nil(t, res.ExitCode)
		require.Zero(t, res.PID)
		require.NotEmpty(t, res.Diagnostic())
	})
	t.Run("not on path", func(t *testing.T) {
		res := gw.Run(t.Context(), gateway.JobSpec{Command: "does not exist"})
		require.Equal(t, gateway.OutcomeLaunchFailed, res.Outcome)
		var execErr *exec.Error
		require.ErrorAs(t, res.Err, &execErr)
	})
	t.Run("bad working directory", func(t *testing.T) {
		spec := shell(t, "true")
		spec.WorkingDir = "/nonexistent/working/dir"
		res := gw.Run(t.Context(), spec)
		require.Equal(t, gateway.OutcomeLaunchFailed, res.Outcome)
		require.Error(t, res.Err)
	})
	t.Run("empty command", func(t *testing.T) {
		res := gw.Run(t.Context(), gateway.JobSpec{})
		require.Equal(t, gateway.OutcomeLaunchFailed, res.Outcome)
	})
}

func TestRun_InputWriteFailed(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	// The worker closes stdin without reading; a payload larger than the
	// pipe buffer cannot be written.
	spec := shell(t, "exec 0<&-; sleep 0.2")
	spec.Input = []byte(strings.Repeat("x", 1<<20))
	spec.Deadline = 10 * time.Second
	spec.ExpectStructuredOutput = true

	res := gw.Run(t.Context(), spec)

	require.Equal(t, gateway.OutcomeInputWriteFailed, res.Outcome)
	require.ErrorIs(t, res.Err, syscall.EPIPE)
	require.Nil(t, res.Decoded)

	// Not killed: it finishes on its own shortly after.
	require.Eventually(t, func() bool { return processGone(res.PID) }, 5*time.Second, 20*time.Millisecond)
}

func TestRun_WorkingDirAndEnv(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)
	dir := t.TempDir()

	spec := shell(t, `pwd; echo "$TENDERHUB_TEST"`)
	spec.WorkingDir = dir
	spec.Env = []string{"TENDERHUB_TEST=present"}

	res := gw.Run(t.Context(), spec)

	require.Equal(t, gateway.OutcomeSuccess, res.Outcome)
	lines := strings.Split(res.Stdout, "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], dir[strings.LastIndex(dir, "/")+1:])
	assert.Equal(t, "present", lines[1])
}

func TestRun_ConcurrentJobsAreIndependent(t *testing.T) {
	t.Parallel()
	gw := newGateway(t)

	const jobs = 8
	specs := make([]gateway.JobSpec, jobs)
	for i := range jobs - 1 {
		specs[i] = shell(t, fmt.Sprintf("sleep 0.1; echo job-%d; exit %d", i, i%2))
	}
	specs[jobs-1] = shell(t, "sleep 120")
	specs[jobs-1].Deadline = 200 * time.Millisecond

	results := make([]gateway.JobResult, jobs)
	var g errgroup.Group
	for i, spec := range specs {
		g.Go(func() error {
			results[i] = gw.Run(t.Context(), spec)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i, res := range results[:jobs-1] {
		require.Equal(t, fmt.Sprintf("job-%d", i), res.Stdout)
		require.Equal(t, i%2, *res.ExitCode)
	}
	require.Equal(t, gateway.OutcomeTimedOut, results[jobs-1].Outcome)

	ids := map[string]bool{}
	for _, res := range results {
		ids[res.ID] = true
	}
	require.Len(t, ids, jobs)
}
