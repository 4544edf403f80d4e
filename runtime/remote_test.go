package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedSandboxClient drives the remote adapter without a provider.
type scriptedSandboxClient struct {
	mu sync.Mutex

	sandboxStatus string
	jobCompleted  bool
	jobExitCode   int
	jobStdout     string
	tailStdout    string
	tailStderr    string

	getErr       error
	getErrBudget int

	created  int
	deleted  int
	uploads  []string
	execCmds []string
	jobPolls int
}

func (f *scriptedSandboxClient) Create(ctx context.Context, spec SandboxSpec) (*Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return &Sandbox{ID: "sbx-1", Status: "PENDING"}, nil
}

func (f *scriptedSandboxClient) Get(ctx context.Context, id string) (*Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil && f.getErrBudget != 0 {
		if f.getErrBudget > 0 {
			f.getErrBudget--
		}
		return nil, f.getErr
	}
	status := f.sandboxStatus
	if status == "" {
		status = "READY"
	}
	return &Sandbox{ID: id, Status: status}, nil
}

func (f *scriptedSandboxClient) Exec(ctx context.Context, id, command string, timeout time.Duration) (*ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCmds = append(f.execCmds, command)
	if strings.Contains(command, "stdout.log") {
		return &ExecResult{Stdout: f.tailStdout}, nil
	}
	if strings.Contains(command, "stderr.log") {
		return &ExecResult{Stdout: f.tailStderr}, nil
	}
	return &ExecResult{}, nil
}

func (f *scriptedSandboxClient) UploadFile(ctx context.Context, id, remotePath, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, remotePath)
	return nil
}

func (f *scriptedSandboxClient) Download(ctx context.Context, id, remotePath string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *scriptedSandboxClient) StartJob(ctx context.Context, id, command, workdir string, env map[string]string) (*Job, error) {
	return &Job{ID: "job-1", StdoutLogFile: workdir + "/stdout.log", StderrLogFile: workdir + "/stderr.log"}, nil
}

func (f *scriptedSandboxClient) JobStatus(ctx context.Context, id string, job *Job) (*JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobPolls++
	if !f.jobCompleted {
		return &JobStatus{Completed: false}, nil
	}
	code := f.jobExitCode
	return &JobStatus{Completed: true, ExitCode: &code, Stdout: f.jobStdout}, nil
}

func (f *scriptedSandboxClient) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted++
	return nil
}

func (f *scriptedSandboxClient) Close() error { return nil }

func newRemoteFixture(t *testing.T, client *scriptedSandboxClient) (*RemoteAdapter, *callbackRecorder) {
	t.Helper()
	recorder := newCallbackRecorder()
	adapter := NewRemoteAdapter(RemoteConfig{
		TrainingFile: "/tmp/train.py",
		PollInterval: time.Millisecond,
		WaitAttempts: 5,
	}, recorder.callbacks(), nil, zap.NewNop().Sugar())
	adapter.SetClient(client)
	return adapter, recorder
}

func TestRemoteAdapterCompletion(t *testing.T) {
	client := &scriptedSandboxClient{jobCompleted: true, jobExitCode: 0}
	adapter, recorder := newRemoteFixture(t, client)

	result, err := adapter.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sbx-1", result.RuntimeID)
	assert.NotEmpty(t, result.Metadata["run_tag"])

	recorder.wait(t)
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Equal(t, []string{"completed"}, recorder.completes)
	assert.Empty(t, recorder.failures)
	assert.Contains(t, recorder.logs, "[system] remote job exited with code 0")
	// Cleanup teardown deleted the sandbox.
	assert.Equal(t, 1, client.deleted)
	assert.Contains(t, client.uploads, "/workspace/train.py")
}

func TestRemoteAdapterNonZeroExit(t *testing.T) {
	client := &scriptedSandboxClient{jobCompleted: true, jobExitCode: 2}
	adapter, recorder := newRemoteFixture(t, client)

	_, err := adapter.Start(context.Background())
	require.NoError(t, err)

	recorder.wait(t)
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.Len(t, recorder.failures, 1)
	assert.Equal(t, "REMOTE_EXIT_NONZERO", recorder.failures[0].ErrorType)
	require.NotNil(t, recorder.failures[0].ExitCode)
	assert.Equal(t, 2, *recorder.failures[0].ExitCode)
}

func TestRemoteAdapterOOMClassification(t *testing.T) {
	client := &scriptedSandboxClient{
		jobCompleted: true,
		jobExitCode:  1,
		jobStdout:    "RuntimeError: CUDA out of memory",
	}
	adapter, recorder := newRemoteFixture(t, client)

	_, err := adapter.Start(context.Background())
	require.NoError(t, err)

	recorder.wait(t)
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.Len(t, recorder.failures, 1)
	assert.Equal(t, "REMOTE_OOM", recorder.failures[0].ErrorType)
}

func TestRemoteAdapterBadSandboxStatus(t *testing.T) {
	client := &scriptedSandboxClient{}
	adapter, recorder := newRemoteFixture(t, client)

	_, err := adapter.Start(context.Background())
	require.NoError(t, err)

	client.mu.Lock()
	client.sandboxStatus = "TERMINATED"
	client.mu.Unlock()

	recorder.wait(t)
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.Len(t, recorder.failures, 1)
	assert.Equal(t, "terminated", recorder.failures[0].Status)
	assert.Equal(t, ClassTerminated, Classify(recorder.failures[0]))
}

func TestRemoteAdapterMonitorErrorLimit(t *testing.T) {
	client := &scriptedSandboxClient{}
	adapter, recorder := newRemoteFixture(t, client)

	_, err := adapter.Start(context.Background())
	require.NoError(t, err)

	// Every subsequent poll fails; after three consecutive errors the
	// run is declared failed.
	client.mu.Lock()
	client.getErr = fmt.Errorf("connection refused")
	client.getErrBudget = -1
	client.mu.Unlock()

	recorder.wait(t)
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.Len(t, recorder.failures, 1)
	assert.Equal(t, "REMOTE_MONITOR_ERROR", recorder.failures[0].ErrorType)
}

func TestRemoteAdapterFreshTailLines(t *testing.T) {
	client := &scriptedSandboxClient{tailStdout: "epoch 1\nepoch 2\n"}
	adapter, recorder := newRemoteFixture(t, client)

	_, err := adapter.Start(context.Background())
	require.NoError(t, err)

	// Let a few polls emit the same tail window, then finish.
	time.Sleep(50 * time.Millisecond)
	client.mu.Lock()
	client.jobCompleted = true
	client.mu.Unlock()
	recorder.wait(t)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	emitted := 0
	for _, line := range recorder.logs {
		if line == "[remote] epoch 1" {
			emitted++
		}
	}
	// Overlap trimming collapses repeated windows into one emission.
	assert.Equal(t, 1, emitted)
}

func TestRemoteAdapterStopDeletesSandbox(t *testing.T) {
	client := &scriptedSandboxClient{}
	adapter, _ := newRemoteFixture(t, client)

	ctx := context.Background()
	_, err := adapter.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, adapter.Stop(ctx))
	require.NoError(t, adapter.Stop(ctx))

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 1, client.deleted)
}
