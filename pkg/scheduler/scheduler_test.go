package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
	"kubegems.io/jobflow/pkg/model"
	"kubegems.io/jobflow/pkg/sessiondb"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	scheduled []model.IdPair
	cancelled []model.IdPair
	removed   []model.IdPair
	taken     map[model.IdPair]bool
}

func (d *fakeDispatcher) ScheduleJob(_ context.Context, id model.IdPair) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scheduled = append(d.scheduled, id)
}

func (d *fakeDispatcher) CancelJob(_ context.Context, id model.IdPair) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, id)
}

func (d *fakeDispatcher) RemoveFinishedJob(_ context.Context, id model.IdPair) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, id)
}

func (d *fakeDispatcher) Abandon(_ context.Context, id model.IdPair) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.taken[id]
}

type testEnv struct {
	ctx        context.Context
	db         *sessiondb.Memory
	clock      *clocktesting.FakeClock
	dispatcher *fakeDispatcher
	scheduler  *Scheduler
}

func newTestEnv(t *testing.T, mutate func(o *Options)) *testEnv {
	options := DefaultOptions()
	if mutate != nil {
		mutate(options)
	}
	env := &testEnv{
		ctx:        context.Background(),
		db:         sessiondb.NewMemory(),
		clock:      clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		dispatcher: &fakeDispatcher{taken: map[model.IdPair]bool{}},
	}
	env.scheduler = NewScheduler(options, env.db, NewJobs(), env.dispatcher, env.clock)
	return env
}

// submit creates a job and delivers its event like the subscription would.
func (e *testEnv) submit(t *testing.T, jobID, user string, slots int) model.IdPair {
	job := &model.Job{SessionID: "s1", JobID: jobID, CreatedBy: user, Slots: slots, Created: e.clock.Now()}
	require.NoError(t, e.db.CreateJob(e.ctx, job))
	e.scheduler.HandleEvent(e.ctx, model.NewJobEvent(job, model.EventCreate))
	e.clock.Step(time.Millisecond)
	return job.IdPair()
}

func (e *testEnv) setState(t *testing.T, id model.IdPair, state model.JobState) {
	job, err := e.db.GetJob(e.ctx, id)
	require.NoError(t, err)
	job.State = state
	require.NoError(t, e.db.UpdateJob(e.ctx, job))
	e.scheduler.HandleEvent(e.ctx, model.NewJobEvent(job, model.EventUpdate))
}

func TestScheduler_SlotQuota(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.MaxSlotsPerUser = 2 })

	a1 := env.submit(t, "a1", "alice", 1)
	a2 := env.submit(t, "a2", "alice", 1)
	a3 := env.submit(t, "a3", "alice", 1)
	b1 := env.submit(t, "b1", "bob", 2)
	assert.Equal(t, []model.IdPair{a1, a2, b1}, env.dispatcher.scheduled)
	assert.Equal(t, JobCounts{Queued: 1, Scheduled: 3}, env.scheduler.Jobs().Counts())

	// duplicate delivery of the same event does nothing
	job, _ := env.db.GetJob(env.ctx, a3)
	env.scheduler.HandleEvent(env.ctx, model.NewJobEvent(job, model.EventCreate))
	assert.Len(t, env.dispatcher.scheduled, 3)

	env.setState(t, a1, model.JobStateCompleted)
	assert.Equal(t, []model.IdPair{a1, a2, b1, a3}, env.dispatcher.scheduled)
	assert.Equal(t, []model.IdPair{a1}, env.dispatcher.removed)
}

func TestScheduler_TooManySlots(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.MaxSlotsPerUser = 2 })
	id := env.submit(t, "big", "alice", 3)

	assert.Empty(t, env.dispatcher.scheduled)
	job, err := env.db.GetJob(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateError, job.State)
	assert.Contains(t, job.StateDetail, "3 slots")
}

func TestScheduler_Cancel(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.submit(t, "j1", "alice", 1)
	env.setState(t, id, model.JobStateCancelled)

	assert.Equal(t, []model.IdPair{id}, env.dispatcher.cancelled)
	_, ok := env.scheduler.Jobs().Get(id)
	assert.False(t, ok)

	// cancel is sent even for jobs the scheduler does not know
	other := model.NewIdPair("s1", "unknown")
	env.scheduler.HandleEvent(env.ctx, model.Event{SessionID: "s1", ResourceID: "unknown", ResourceType: model.ResourceJob, EventType: model.EventUpdate, State: "CANCELLED"})
	assert.Equal(t, []model.IdPair{id, other}, env.dispatcher.cancelled)
}

func TestScheduler_Timeouts(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.ScheduleTimeout = time.Minute
		o.HeartbeatLostTimeout = 5 * time.Minute
	})
	unclaimed := env.submit(t, "unclaimed", "alice", 1)
	running := env.submit(t, "running", "alice", 1)
	env.scheduler.Jobs().SetRunning(running, "w1", env.clock.Now())
	env.setState(t, running, model.JobStateRunning)

	env.clock.Step(30 * time.Second)
	env.scheduler.Check(env.ctx)
	job, _ := env.db.GetJob(env.ctx, unclaimed)
	assert.Equal(t, model.JobStateNew, job.State)

	env.clock.Step(time.Minute)
	env.scheduler.Check(env.ctx)
	job, _ = env.db.GetJob(env.ctx, unclaimed)
	assert.Equal(t, model.JobStateError, job.State)
	assert.Equal(t, DetailNoComputeServer, job.StateDetail)
	job, _ = env.db.GetJob(env.ctx, running)
	assert.Equal(t, model.JobStateRunning, job.State)

	env.clock.Step(5 * time.Minute)
	env.scheduler.Check(env.ctx)
	job, _ = env.db.GetJob(env.ctx, running)
	assert.Equal(t, model.JobStateError, job.State)
	assert.Equal(t, DetailHeartbeatLost, job.StateDetail)
	assert.Equal(t, JobCounts{}, env.scheduler.Jobs().Counts())
}

func TestScheduler_TimeoutAfterChoose(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.ScheduleTimeout = time.Minute })
	id := env.submit(t, "j1", "alice", 1)
	// the dispatcher already chose a worker but the table did not see it yet
	env.dispatcher.taken[id] = true

	env.clock.Step(2 * time.Minute)
	env.scheduler.Check(env.ctx)
	job, _ := env.db.GetJob(env.ctx, id)
	assert.Equal(t, model.JobStateNew, job.State)
}

func TestScheduler_Restore(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.MaxSlotsPerUser = 1 })
	now := env.clock.Now()
	require.NoError(t, env.db.CreateJob(env.ctx, &model.Job{SessionID: "s1", JobID: "new", CreatedBy: "alice", Created: now}))
	require.NoError(t, env.db.CreateJob(env.ctx, &model.Job{SessionID: "s1", JobID: "run", CreatedBy: "alice", State: model.JobStateRunning, Created: now}))
	require.NoError(t, env.db.CreateJob(env.ctx, &model.Job{SessionID: "s1", JobID: "done", CreatedBy: "alice", State: model.JobStateCompleted, Created: now}))

	require.NoError(t, env.scheduler.Restore(env.ctx))
	assert.Equal(t, JobCounts{Queued: 1, Running: 1}, env.scheduler.Jobs().Counts())
	assert.Empty(t, env.dispatcher.scheduled)

	env.setState(t, model.NewIdPair("s1", "run"), model.JobStateCompleted)
	assert.Equal(t, []model.IdPair{model.NewIdPair("s1", "new")}, env.dispatcher.scheduled)
}

func TestScheduler_Delete(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.submit(t, "j1", "alice", 1)
	job, _ := env.db.GetJob(env.ctx, id)
	require.NoError(t, env.db.DeleteJob(env.ctx, id))
	env.scheduler.HandleEvent(env.ctx, model.NewJobEvent(job, model.EventDelete))

	assert.Equal(t, []model.IdPair{id}, env.dispatcher.cancelled)
	assert.Equal(t, JobCounts{}, env.scheduler.Jobs().Counts())
}
