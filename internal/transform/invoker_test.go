package transform

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/profilekit/enrichd/internal/breaker"
	"github.com/profilekit/enrichd/internal/config"
	"github.com/profilekit/enrichd/pkg/models"
)

// writeScript drops a shell script into a temp dir and returns its path.
// Tests use /bin/sh as the transformer binary so no Python is needed.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transform.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newInvoker(t *testing.T, script string, timeout time.Duration) *Subprocess {
	t.Helper()
	return NewSubprocess(config.TransformConfig{
		Bin:     "/bin/sh",
		Script:  writeScript(t, script),
		Timeout: timeout,
	})
}

func testJob() *models.Job {
	return &models.Job{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		EntityID: "profile-42",
	}
}

func TestRun_Success(t *testing.T) {
	inv := newInvoker(t, `echo '{"name":"Ada","headline":"engineer","model_version":"m1"}'`, 5*time.Second)

	res, err := inv.Run(context.Background(), testJob(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Ada", res.Snapshot.StringField("name"))
	assert.Equal(t, "m1", res.Snapshot.StringField("model_version"))
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))
}

func TestRun_PassesArgsAndEnv(t *testing.T) {
	// Echo the invocation back as JSON so the contract can be asserted.
	inv := newInvoker(t, `printf '{"entity":"%s","flag":"%s","job_id":"%s","attempt":"%s"}' "$2" "$3" "$JOB_ID" "$JOB_ATTEMPT"`, 5*time.Second)

	job := testJob()
	res, err := inv.Run(context.Background(), job, 2)
	require.NoError(t, err)
	assert.Equal(t, "profile-42", res.Snapshot.StringField("entity"))
	assert.Equal(t, "--json", res.Snapshot.StringField("flag"))
	assert.Equal(t, job.ID.String(), res.Snapshot.StringField("job_id"))
	assert.Equal(t, "2", res.Snapshot.StringField("attempt"))
}

func TestRun_NonZeroExitIsGenericError(t *testing.T) {
	inv := newInvoker(t, `echo "boom" >&2; exit 3`, 5*time.Second)

	_, err := inv.Run(context.Background(), testJob(), 1)
	require.Error(t, err)
	assert.False(t, breaker.IsPermanent(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestRun_StderrTimeoutClassified(t *testing.T) {
	inv := newInvoker(t, `echo "upstream fetch timed out" >&2; exit 1`, 5*time.Second)

	_, err := inv.Run(context.Background(), testJob(), 1)
	require.ErrorIs(t, err, ErrTimeout)
	assert.False(t, breaker.IsPermanent(err))
}

func TestRun_StderrKillClassifiedAsSignal(t *testing.T) {
	inv := newInvoker(t, `echo "worker killed by oom" >&2; exit 137`, 5*time.Second)

	_, err := inv.Run(context.Background(), testJob(), 1)
	require.ErrorIs(t, err, ErrSignal)
	assert.False(t, breaker.IsPermanent(err))
}

func TestRun_MalformedOutputIsPermanent(t *testing.T) {
	inv := newInvoker(t, `echo 'not json at all'`, 5*time.Second)

	_, err := inv.Run(context.Background(), testJob(), 1)
	require.ErrorIs(t, err, ErrOutputParse)
	assert.True(t, breaker.IsPermanent(err))
}

func TestRun_MultipleObjectsRejected(t *testing.T) {
	inv := newInvoker(t, `echo '{"a":1}'; echo '{"b":2}'`, 5*time.Second)

	_, err := inv.Run(context.Background(), testJob(), 1)
	require.ErrorIs(t, err, ErrOutputParse)
	assert.True(t, breaker.IsPermanent(err))
}

func TestRun_NonObjectOutputRejected(t *testing.T) {
	inv := newInvoker(t, `echo '[1,2,3]'`, 5*time.Second)

	_, err := inv.Run(context.Background(), testJob(), 1)
	require.ErrorIs(t, err, ErrOutputParse)
}

func TestRun_HardTimeoutKillsProcess(t *testing.T) {
	inv := newInvoker(t, `sleep 30; echo '{"late":true}'`, 200*time.Millisecond)

	start := time.Now()
	_, err := inv.Run(context.Background(), testJob(), 1)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.False(t, breaker.IsPermanent(err))
	assert.Less(t, elapsed, 5*time.Second, "process was not killed promptly")
}

func TestRun_TestingFlagAppended(t *testing.T) {
	inv := NewSubprocess(config.TransformConfig{
		Bin:     "/bin/sh",
		Script:  writeScript(t, `printf '{"last_arg":"%s"}' "$4"`),
		Timeout: 5 * time.Second,
		Testing: true,
	})

	res, err := inv.Run(context.Background(), testJob(), 1)
	require.NoError(t, err)
	assert.Equal(t, "--testing", res.Snapshot.StringField("last_arg"))
}
