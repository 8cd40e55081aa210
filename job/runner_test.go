package job

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planforge/planforge/store"
)

func newRunnerFixture(t *testing.T, opts ...Option) (*Runner, store.Store, *store.Run) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()

	project, err := s.CreateProject(ctx, "acme-plan", "")
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, project.ID)
	require.NoError(t, err)

	runner := NewRunner(s, opts...)
	return runner, s, run
}

func waitTerminal(t *testing.T, s store.Store, jobID string) *store.Job {
	t.Helper()
	var j *store.Job
	require.Eventually(t, func() bool {
		got, err := s.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		j = got
		return j.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return j
}

func TestRunnerCompletesJob(t *testing.T) {
	ctx := context.Background()
	runner, s, run := newRunnerFixture(t)

	runner.Register(2, func(ctx context.Context, task *Task) (string, error) {
		task.Log(ctx, "Analyzing business model")
		task.Progress(ctx, 60)
		result, err := s.SavePhaseResult(ctx, task.Job.RunID, 2, json.RawMessage(`{"proposals":[]}`))
		if err != nil {
			return "", err
		}
		return result.ID, nil
	})
	require.NoError(t, runner.Start(ctx))
	defer runner.Stop()

	j, err := s.CreateJob(ctx, run.ID, 2, nil)
	require.NoError(t, err)
	require.NoError(t, runner.Dispatch(ctx, j))

	j = waitTerminal(t, s, j.ID)
	assert.Equal(t, store.JobCompleted, j.Status)
	assert.Equal(t, 100, j.Progress)
	assert.NotEmpty(t, j.ResultRef)

	// Logs in issue order: started, handler log, completed.
	require.GreaterOrEqual(t, len(j.Logs), 3)
	assert.Equal(t, "Job started", j.Logs[0].Message)
	assert.Equal(t, "Analyzing business model", j.Logs[1].Message)
	assert.Equal(t, "Job completed", j.Logs[len(j.Logs)-1].Message)

	result, err := s.GetPhaseResultByID(ctx, j.ResultRef)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Phase)
}

func TestRunnerFailsJob(t *testing.T) {
	ctx := context.Background()
	runner, s, run := newRunnerFixture(t)

	runner.Register(5, func(ctx context.Context, task *Task) (string, error) {
		return "", fmt.Errorf("phase 5 returned no extractions")
	})
	require.NoError(t, runner.Start(ctx))
	defer runner.Stop()

	j, err := s.CreateJob(ctx, run.ID, 5, nil)
	require.NoError(t, err)
	require.NoError(t, runner.Dispatch(ctx, j))

	j = waitTerminal(t, s, j.ID)
	assert.Equal(t, store.JobFailed, j.Status)
	assert.Contains(t, j.ErrorMsg, "no extractions")
	// The failure is also the last log line.
	assert.Equal(t, j.ErrorMsg, j.Logs[len(j.Logs)-1].Message)
}

func TestRunnerHardTimeout(t *testing.T) {
	ctx := context.Background()
	runner, s, run := newRunnerFixture(t, WithTimeLimits(10*time.Millisecond, 30*time.Millisecond))

	runner.Register(3, func(ctx context.Context, task *Task) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.NoError(t, runner.Start(ctx))
	defer runner.Stop()

	j, err := s.CreateJob(ctx, run.ID, 3, nil)
	require.NoError(t, err)
	require.NoError(t, runner.Dispatch(ctx, j))

	j = waitTerminal(t, s, j.ID)
	assert.Equal(t, store.JobTimeout, j.Status)
	assert.Contains(t, j.ErrorMsg, "hard time limit")
}

func TestRunnerUnregisteredPhase(t *testing.T) {
	ctx := context.Background()
	runner, s, run := newRunnerFixture(t)
	require.NoError(t, runner.Start(ctx))
	defer runner.Stop()

	j, err := s.CreateJob(ctx, run.ID, 4, nil)
	require.NoError(t, err)
	require.NoError(t, runner.Dispatch(ctx, j))

	j = waitTerminal(t, s, j.ID)
	assert.Equal(t, store.JobFailed, j.Status)
	assert.Contains(t, j.ErrorMsg, "no handler")
}
