package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
	"kubegems.io/jobflow/pkg/model"
	"kubegems.io/jobflow/pkg/sessiondb"
)

// recordingStore remembers the run state seen by every job creation and
// counts the cancellations written per job. failRunWrite fails the first run
// write it matches.
type recordingStore struct {
	*sessiondb.Memory

	mu             sync.Mutex
	statesAtCreate []model.WorkflowState
	cancels        map[string]int
	failRunWrite   func(run *model.WorkflowRun) bool
}

func (r *recordingStore) UpdateWorkflowRun(ctx context.Context, run *model.WorkflowRun) error {
	r.mu.Lock()
	if r.failRunWrite != nil && r.failRunWrite(run) {
		r.failRunWrite = nil
		r.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	r.mu.Unlock()
	return r.Memory.UpdateWorkflowRun(ctx, run)
}

func (r *recordingStore) CreateJob(ctx context.Context, job *model.Job) error {
	if run, err := r.Memory.GetWorkflowRun(ctx, model.NewIdPair(job.SessionID, job.WorkflowRunID)); err == nil {
		r.mu.Lock()
		r.statesAtCreate = append(r.statesAtCreate, run.State)
		r.mu.Unlock()
	}
	return r.Memory.CreateJob(ctx, job)
}

func (r *recordingStore) UpdateJob(ctx context.Context, job *model.Job) error {
	if job.State == model.JobStateCancelled {
		r.mu.Lock()
		r.cancels[job.JobID]++
		r.mu.Unlock()
	}
	return r.Memory.UpdateJob(ctx, job)
}

type testEnv struct {
	ctx       context.Context
	db        *recordingStore
	clock     *clocktesting.FakeClock
	scheduler *Scheduler
}

func newTestEnv(t *testing.T, mutate func(o *Options)) *testEnv {
	options := DefaultOptions()
	if mutate != nil {
		mutate(options)
	}
	env := &testEnv{
		ctx:   context.Background(),
		db:    &recordingStore{Memory: sessiondb.NewMemory(), cancels: map[string]int{}},
		clock: clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	scheduler, err := NewScheduler(options, env.db, env.clock)
	require.NoError(t, err)
	env.scheduler = scheduler
	return env
}

// submit stores a NEW run and delivers its event.
func (e *testEnv) submit(t *testing.T, runID, user string, jobs ...model.WorkflowJob) model.IdPair {
	run := &model.WorkflowRun{
		SessionID:     "s1",
		WorkflowRunID: runID,
		CreatedBy:     user,
		State:         model.WorkflowStateNew,
		Created:       e.clock.Now(),
		Jobs:          jobs,
	}
	require.NoError(t, e.db.CreateWorkflowRun(e.ctx, run))
	e.scheduler.HandleEvent(e.ctx, model.NewWorkflowRunEvent(run, model.EventCreate))
	return run.IdPair()
}

func (e *testEnv) run(t *testing.T, id model.IdPair) *model.WorkflowRun {
	run, err := e.db.GetWorkflowRun(e.ctx, id)
	require.NoError(t, err)
	return run
}

// job returns the job created for a workflow job.
func (e *testEnv) job(t *testing.T, id model.IdPair, workflowJobID string) *model.Job {
	wj := e.run(t, id).FindJob(workflowJobID)
	require.NotNil(t, wj)
	require.NotEmpty(t, wj.JobID, "no job for workflow job %s", workflowJobID)
	job, err := e.db.GetJob(e.ctx, model.NewIdPair(id.SessionID, wj.JobID))
	require.NoError(t, err)
	return job
}

func (e *testEnv) jobCount(t *testing.T) int {
	jobs, err := e.db.GetJobs(e.ctx, "s1")
	require.NoError(t, err)
	return len(jobs)
}

// finish ends a job the way a compute worker does: outputs first, then the state.
func (e *testEnv) finish(t *testing.T, job *model.Job, state model.JobState, outputs ...string) {
	for _, output := range outputs {
		require.NoError(t, e.db.CreateDataset(e.ctx, &model.Dataset{
			SessionID:         job.SessionID,
			DatasetID:         fmt.Sprintf("%s-%s", job.JobID, output),
			Name:              output + ".dat",
			SourceJob:         job.JobID,
			SourceJobOutputID: output,
		}))
	}
	job.State = state
	if state.IsFailure() {
		job.StateDetail = "exit status 1"
	}
	require.NoError(t, e.db.UpdateJob(e.ctx, job))
	e.scheduler.HandleEvent(e.ctx, model.NewJobEvent(job, model.EventUpdate))
}

func step(id, tool string, inputs ...model.WorkflowInput) model.WorkflowJob {
	return model.WorkflowJob{WorkflowJobID: id, ToolID: tool, Slots: 1, Inputs: inputs}
}

func from(inputID, workflowJobID, outputID string) model.WorkflowInput {
	return model.WorkflowInput{InputID: inputID, SourceWorkflowJobID: workflowJobID, SourceJobOutputID: outputID}
}

func TestScheduler_IndependentJobs(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.submit(t, "r1", "alice",
		step("A", "fastqc"),
		step("B", "fastqc", model.WorkflowInput{InputID: "reads", DatasetID: "upload-1"}),
		step("C", "fastqc"),
	)

	assert.Equal(t, model.WorkflowStateRunning, env.run(t, id).State)
	assert.Equal(t, 3, env.jobCount(t))
	assert.Equal(t, []model.WorkflowState{model.WorkflowStateRunning, model.WorkflowStateRunning, model.WorkflowStateRunning}, env.db.statesAtCreate)
	assert.Equal(t, map[model.WorkflowState]int{model.WorkflowStateRunning: 1}, env.scheduler.Counts())

	b := env.job(t, id, "B")
	assert.Equal(t, model.JobStateNew, b.State)
	assert.Equal(t, "r1", b.WorkflowRunID)
	assert.Equal(t, "B", b.WorkflowJobID)
	assert.Equal(t, "alice", b.CreatedBy)
	assert.Equal(t, []model.Input{{InputID: "reads", DatasetID: "upload-1"}}, []model.Input(b.Inputs))

	env.finish(t, env.job(t, id, "A"), model.JobStateCompleted)
	env.finish(t, b, model.JobStateCompleted)
	assert.Equal(t, model.WorkflowStateRunning, env.run(t, id).State)

	env.finish(t, env.job(t, id, "C"), model.JobStateCompleted)
	run := env.run(t, id)
	assert.Equal(t, model.WorkflowStateCompleted, run.State)
	require.NotNil(t, run.EndTime)
	assert.Equal(t, 3, env.jobCount(t))
	assert.Empty(t, env.scheduler.Counts())
}

func TestScheduler_Chain(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.submit(t, "r1", "alice",
		step("A", "align"),
		step("B", "count", from("in", "A", "out1")),
	)
	assert.Equal(t, 1, env.jobCount(t))

	a := env.job(t, id, "A")
	env.finish(t, a, model.JobStateCompleted, "out1", "out2")

	assert.Equal(t, 2, env.jobCount(t))
	b := env.job(t, id, "B")
	assert.Equal(t, []model.Input{{InputID: "in", DatasetID: a.JobID + "-out1", DisplayName: "out1.dat"}}, []model.Input(b.Inputs))
	bound := env.run(t, id).FindJob("B").Inputs[0]
	assert.Equal(t, a.JobID+"-out1", bound.DatasetID)

	// a repeated event changes nothing
	env.scheduler.HandleEvent(env.ctx, model.NewJobEvent(a, model.EventUpdate))
	assert.Equal(t, 2, env.jobCount(t))

	env.finish(t, b, model.JobStateCompleted, "counts")
	assert.Equal(t, model.WorkflowStateCompleted, env.run(t, id).State)
}

func TestScheduler_MissingOutput(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.submit(t, "r1", "alice",
		step("A", "align"),
		step("B", "count", from("in", "A", "out1")),
	)
	env.finish(t, env.job(t, id, "A"), model.JobStateCompleted, "out2")

	run := env.run(t, id)
	assert.Equal(t, model.WorkflowStateFailed, run.State)
	assert.Contains(t, run.StateDetail, "produced no dataset for output out1")
	assert.Equal(t, 1, env.jobCount(t))
}

func TestScheduler_OnError(t *testing.T) {
	// A and B run in parallel, C waits for A; A fails.
	workflow := []model.WorkflowJob{
		step("A", "align"),
		step("B", "align"),
		step("C", "count", from("in", "A", "out")),
	}

	t.Run("DRAIN", func(t *testing.T) {
		env := newTestEnv(t, func(o *Options) { o.OnError = OnErrorDrain })
		id := env.submit(t, "r1", "alice", workflow...)
		a, b := env.job(t, id, "A"), env.job(t, id, "B")

		env.finish(t, a, model.JobStateFailed)
		assert.Equal(t, model.WorkflowStateDraining, env.run(t, id).State)
		assert.Equal(t, model.JobStateNew, env.job(t, id, "B").State)
		assert.Empty(t, env.db.cancels)

		env.finish(t, b, model.JobStateCompleted, "out")
		run := env.run(t, id)
		assert.Equal(t, model.WorkflowStateFailed, run.State)
		assert.Contains(t, run.StateDetail, fmt.Sprintf("job %s of workflow job A ended in FAILED", a.JobID))
		assert.Empty(t, run.FindJob("C").JobID)
		assert.Equal(t, 2, env.jobCount(t))
	})

	t.Run("BAIL_OUT", func(t *testing.T) {
		env := newTestEnv(t, func(o *Options) { o.OnError = OnErrorBailOut })
		id := env.submit(t, "r1", "alice", workflow...)
		a, b := env.job(t, id, "A"), env.job(t, id, "B")

		env.finish(t, a, model.JobStateError)
		run := env.run(t, id)
		assert.Equal(t, model.WorkflowStateCancelling, run.State)
		assert.Equal(t, model.JobStateCancelled, env.job(t, id, "B").State)

		// the echo of our own update does not cancel again
		env.scheduler.HandleEvent(env.ctx, model.NewWorkflowRunEvent(run, model.EventUpdate))
		assert.Equal(t, map[string]int{b.JobID: 1}, env.db.cancels)

		cancelled := env.job(t, id, "B")
		env.scheduler.HandleEvent(env.ctx, model.NewJobEvent(cancelled, model.EventUpdate))
		run = env.run(t, id)
		assert.Equal(t, model.WorkflowStateFailed, run.State)
		assert.Contains(t, run.StateDetail, "ended in ERROR: exit status 1")
		assert.Equal(t, map[string]int{b.JobID: 1}, env.db.cancels)
		assert.Equal(t, 2, env.jobCount(t))
	})

	t.Run("IGNORE", func(t *testing.T) {
		env := newTestEnv(t, func(o *Options) { o.OnError = OnErrorIgnore })
		id := env.submit(t, "r1", "alice", workflow...)

		env.finish(t, env.job(t, id, "A"), model.JobStateFailed)
		assert.Equal(t, model.WorkflowStateRunning, env.run(t, id).State)

		env.finish(t, env.job(t, id, "B"), model.JobStateCompleted, "out")
		run := env.run(t, id)
		assert.Equal(t, model.WorkflowStateFailed, run.State)
		assert.Contains(t, run.StateDetail, "1 workflow jobs wait for inputs")
		assert.Empty(t, env.db.cancels)
	})
}

func TestScheduler_UserCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.submit(t, "r1", "alice", step("A", "align"), step("B", "align"))
	a, b := env.job(t, id, "A"), env.job(t, id, "B")

	run := env.run(t, id)
	run.State = model.WorkflowStateCancelling
	require.NoError(t, env.db.UpdateWorkflowRun(env.ctx, run))
	env.scheduler.HandleEvent(env.ctx, model.NewWorkflowRunEvent(run, model.EventUpdate))
	env.scheduler.HandleEvent(env.ctx, model.NewWorkflowRunEvent(run, model.EventUpdate))

	assert.Equal(t, model.WorkflowStateCancelling, env.run(t, id).State)
	assert.Equal(t, map[string]int{a.JobID: 1, b.JobID: 1}, env.db.cancels)

	env.scheduler.HandleEvent(env.ctx, model.NewJobEvent(env.job(t, id, "A"), model.EventUpdate))
	run = env.run(t, id)
	assert.Equal(t, model.WorkflowStateCancelled, run.State)
	require.NotNil(t, run.EndTime)

	env.scheduler.HandleEvent(env.ctx, model.NewJobEvent(env.job(t, id, "B"), model.EventUpdate))
	assert.Equal(t, map[string]int{a.JobID: 1, b.JobID: 1}, env.db.cancels)
	assert.Empty(t, env.scheduler.Counts())
}

func TestScheduler_CancelBeforeStart(t *testing.T) {
	env := newTestEnv(t, nil)
	run := &model.WorkflowRun{SessionID: "s1", WorkflowRunID: "r1", CreatedBy: "alice", State: model.WorkflowStateCancelling, Jobs: []model.WorkflowJob{step("A", "align")}}
	require.NoError(t, env.db.CreateWorkflowRun(env.ctx, run))
	env.scheduler.HandleEvent(env.ctx, model.NewWorkflowRunEvent(run, model.EventCreate))

	assert.Equal(t, model.WorkflowStateCancelled, env.run(t, run.IdPair()).State)
	assert.Equal(t, 0, env.jobCount(t))
}

func TestScheduler_Timeout(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.RunningTimeout = time.Hour
		o.CancellingTimeout = 10 * time.Minute
	})
	id := env.submit(t, "r1", "alice", step("A", "align"))

	env.clock.Step(59 * time.Minute)
	env.scheduler.Sweep(env.ctx)
	assert.Equal(t, model.WorkflowStateRunning, env.run(t, id).State)

	env.clock.Step(time.Minute)
	env.scheduler.Sweep(env.ctx)
	run := env.run(t, id)
	assert.Equal(t, model.WorkflowStateCancelling, run.State)
	assert.Contains(t, run.StateDetail, "RUNNING")
	assert.Contains(t, run.StateDetail, "1h0m0s")
	assert.Equal(t, model.JobStateCancelled, env.job(t, id, "A").State)

	env.scheduler.HandleEvent(env.ctx, model.NewJobEvent(env.job(t, id, "A"), model.EventUpdate))
	run = env.run(t, id)
	assert.Equal(t, model.WorkflowStateError, run.State)
	assert.Equal(t, "workflow run timed out in state RUNNING after 1h0m0s", run.StateDetail)
}

func TestScheduler_CancellingTimeout(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.CancellingTimeout = 10 * time.Minute })
	id := env.submit(t, "r1", "alice", step("A", "align"))

	run := env.run(t, id)
	run.State = model.WorkflowStateCancelling
	require.NoError(t, env.db.UpdateWorkflowRun(env.ctx, run))
	env.scheduler.HandleEvent(env.ctx, model.NewWorkflowRunEvent(run, model.EventUpdate))
	// the job event never arrives

	env.clock.Step(10 * time.Minute)
	env.scheduler.Sweep(env.ctx)
	run = env.run(t, id)
	assert.Equal(t, model.WorkflowStateError, run.State)
	assert.Contains(t, run.StateDetail, "CANCELLING")
	assert.Empty(t, env.scheduler.Counts())
}

func TestScheduler_DisabledTimeout(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.RunningTimeout = -1 })
	id := env.submit(t, "r1", "alice", step("A", "align"))

	env.clock.Step(365 * 24 * time.Hour)
	env.scheduler.Sweep(env.ctx)
	assert.Equal(t, model.WorkflowStateRunning, env.run(t, id).State)
}

func TestScheduler_Quota(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.MaxRunsPerUser = 1 })
	first := env.submit(t, "r1", "alice", step("A", "align"))
	second := env.submit(t, "r2", "alice", step("A", "align"))
	other := env.submit(t, "r3", "bob", step("A", "align"))

	assert.Equal(t, model.WorkflowStateRunning, env.run(t, first).State)
	run := env.run(t, second)
	assert.Equal(t, model.WorkflowStateFailed, run.State)
	assert.Contains(t, run.StateDetail, "already has 1 active workflow runs")
	assert.Equal(t, model.WorkflowStateRunning, env.run(t, other).State)
	assert.Equal(t, 2, env.jobCount(t))

	// a finished run frees the slot
	env.finish(t, env.job(t, first, "A"), model.JobStateCompleted)
	third := env.submit(t, "r4", "alice", step("A", "align"))
	assert.Equal(t, model.WorkflowStateRunning, env.run(t, third).State)
}

func TestScheduler_InvalidGraph(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.submit(t, "r1", "alice",
		step("A", "align", from("in", "B", "out")),
		step("B", "align", from("in", "A", "out")),
	)
	run := env.run(t, id)
	assert.Equal(t, model.WorkflowStateFailed, run.State)
	assert.Contains(t, run.StateDetail, "cycle")
	assert.Equal(t, 0, env.jobCount(t))
}

func TestScheduler_Restore(t *testing.T) {
	env := newTestEnv(t, nil)
	job := &model.Job{SessionID: "s1", JobID: "j1", State: model.JobStateRunning, WorkflowRunID: "r1", WorkflowJobID: "A"}
	require.NoError(t, env.db.CreateJob(env.ctx, job))
	running := &model.WorkflowRun{
		SessionID:     "s1",
		WorkflowRunID: "r1",
		CreatedBy:     "alice",
		State:         model.WorkflowStateRunning,
		Jobs: []model.WorkflowJob{
			{WorkflowJobID: "A", ToolID: "align", JobID: "j1"},
			step("B", "count", from("in", "A", "out")),
		},
	}
	require.NoError(t, env.db.CreateWorkflowRun(env.ctx, running))
	done := &model.WorkflowRun{SessionID: "s1", WorkflowRunID: "r0", State: model.WorkflowStateCompleted}
	require.NoError(t, env.db.CreateWorkflowRun(env.ctx, done))

	require.NoError(t, env.scheduler.Restore(env.ctx))
	assert.Equal(t, map[model.WorkflowState]int{model.WorkflowStateRunning: 1}, env.scheduler.Counts())
	assert.Equal(t, 1, env.jobCount(t))

	env.finish(t, job, model.JobStateCompleted, "out")
	b := env.job(t, running.IdPair(), "B")
	env.finish(t, b, model.JobStateCompleted)
	assert.Equal(t, model.WorkflowStateCompleted, env.run(t, running.IdPair()).State)
}

func TestScheduler_Delete(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.submit(t, "r1", "alice", step("A", "align"))
	a := env.job(t, id, "A")

	run := env.run(t, id)
	require.NoError(t, env.db.DeleteWorkflowRun(env.ctx, id))
	env.scheduler.HandleEvent(env.ctx, model.NewWorkflowRunEvent(run, model.EventDelete))
	assert.Empty(t, env.scheduler.Counts())

	// events of the orphaned job are ignored
	a.State = model.JobStateFailed
	require.NoError(t, env.db.UpdateJob(env.ctx, a))
	env.scheduler.HandleEvent(env.ctx, model.NewJobEvent(a, model.EventUpdate))
	assert.Empty(t, env.scheduler.Counts())
}

func TestScheduler_RunGoneWhileTracked(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.submit(t, "r1", "alice", step("A", "align"))
	a := env.job(t, id, "A")

	// the delete event is lost; the next drive finds the run missing
	require.NoError(t, env.db.DeleteWorkflowRun(env.ctx, id))
	env.finish(t, a, model.JobStateCompleted)
	assert.Empty(t, env.scheduler.Counts())
}

func TestScheduler_RunWriteFails(t *testing.T) {
	t.Run("after the job was created", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.db.failRunWrite = func(run *model.WorkflowRun) bool { return run.Jobs[0].JobID != "" }
		id := env.submit(t, "r1", "alice", step("A", "align"))

		run := env.run(t, id)
		assert.Equal(t, model.WorkflowStateRunning, run.State)
		assert.Empty(t, run.Jobs[0].JobID)
		assert.Equal(t, 1, env.jobCount(t))

		// the next event records the existing job instead of creating another
		env.scheduler.HandleEvent(env.ctx, model.NewWorkflowRunEvent(run, model.EventUpdate))
		assert.Equal(t, 1, env.jobCount(t))
		jobs, err := env.db.GetJobs(env.ctx, "s1")
		require.NoError(t, err)
		a := env.job(t, id, "A")
		assert.Equal(t, jobs[0].JobID, a.JobID)

		env.finish(t, a, model.JobStateCompleted)
		assert.Equal(t, model.WorkflowStateCompleted, env.run(t, id).State)
		assert.Equal(t, 1, env.jobCount(t))
	})

	t.Run("before the run started", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.db.failRunWrite = func(*model.WorkflowRun) bool { return true }
		id := env.submit(t, "r1", "alice", step("A", "align"))

		run := env.run(t, id)
		assert.Equal(t, model.WorkflowStateNew, run.State)
		assert.Equal(t, 0, env.jobCount(t))

		env.scheduler.HandleEvent(env.ctx, model.NewWorkflowRunEvent(run, model.EventUpdate))
		assert.Equal(t, model.WorkflowStateRunning, env.run(t, id).State)
		assert.Equal(t, 1, env.jobCount(t))
	})

	t.Run("retried by the sweep", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.db.failRunWrite = func(run *model.WorkflowRun) bool { return run.Jobs[0].JobID != "" }
		id := env.submit(t, "r1", "alice", step("A", "align"))
		assert.Empty(t, env.run(t, id).Jobs[0].JobID)

		env.scheduler.Sweep(env.ctx)
		assert.NotEmpty(t, env.run(t, id).Jobs[0].JobID)
		assert.Equal(t, 1, env.jobCount(t))
	})

	t.Run("cancel reaches the unrecorded job", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.db.failRunWrite = func(run *model.WorkflowRun) bool { return run.Jobs[0].JobID != "" }
		id := env.submit(t, "r1", "alice", step("A", "align"))
		jobs, err := env.db.GetJobs(env.ctx, "s1")
		require.NoError(t, err)
		require.Len(t, jobs, 1)

		run := env.run(t, id)
		run.State = model.WorkflowStateCancelling
		require.NoError(t, env.db.UpdateWorkflowRun(env.ctx, run))
		env.scheduler.HandleEvent(env.ctx, model.NewWorkflowRunEvent(run, model.EventUpdate))
		assert.Equal(t, map[string]int{jobs[0].JobID: 1}, env.db.cancels)
		assert.Equal(t, model.WorkflowStateCancelling, env.run(t, id).State)

		env.scheduler.HandleEvent(env.ctx, model.NewJobEvent(env.job(t, id, "A"), model.EventUpdate))
		assert.Equal(t, model.WorkflowStateCancelled, env.run(t, id).State)
		assert.Equal(t, 1, env.jobCount(t))
	})
}

func TestScheduler_JobDeletedOutside(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.submit(t, "r1", "alice", step("A", "align"), step("B", "align"))
	a, b := env.job(t, id, "A"), env.job(t, id, "B")

	require.NoError(t, env.db.DeleteJob(env.ctx, a.IdPair()))
	env.scheduler.HandleEvent(env.ctx, model.NewJobEvent(a, model.EventDelete))
	assert.Equal(t, model.WorkflowStateRunning, env.run(t, id).State)

	env.finish(t, b, model.JobStateCompleted)
	run := env.run(t, id)
	assert.Equal(t, model.WorkflowStateFailed, run.State)
	assert.Equal(t, fmt.Sprintf("job %s of workflow job A was deleted", a.JobID), run.StateDetail)
	assert.Equal(t, 1, env.jobCount(t))
}

func TestNewScheduler_InvalidPolicy(t *testing.T) {
	_, err := NewScheduler(&Options{OnError: "RETRY"}, sessiondb.NewMemory(), clocktesting.NewFakeClock(time.Now()))
	assert.ErrorContains(t, err, "RETRY")
}

func TestOptions(t *testing.T) {
	completed, err := (&Options{MaxRunsPerUser: 3, DrainingTimeout: -1}).Complete()
	require.NoError(t, err)
	assert.Equal(t, 3, completed.MaxRunsPerUser)
	assert.Equal(t, OnErrorDrain, completed.OnError)
	assert.Equal(t, time.Minute, completed.Timeout(model.WorkflowStateNew))
	assert.Equal(t, time.Duration(0), completed.Timeout(model.WorkflowStateDraining))
	assert.Equal(t, time.Duration(0), completed.Timeout(model.WorkflowStateCompleted))
}

func TestRunsCollector(t *testing.T) {
	env := newTestEnv(t, nil)
	env.submit(t, "r1", "alice", step("A", "align"))

	ch := make(chan prometheus.Metric, 10)
	require.NoError(t, NewRunsCollector(env.scheduler).Update(ch))
	close(ch)
	values := map[string]float64{}
	for metric := range ch {
		m := &dto.Metric{}
		require.NoError(t, metric.Write(m))
		values[m.GetLabel()[0].GetValue()] = m.GetGauge().GetValue()
	}
	assert.Equal(t, map[string]float64{"NEW": 0, "RUNNING": 1, "DRAINING": 0, "CANCELLING": 0}, values)
}
