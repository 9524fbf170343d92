package sessiondb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"kubegems.io/jobflow/pkg/model"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *eventRecorder) handle(_ context.Context, e model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) list() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

func newTestStore(t *testing.T) *Store {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cli.Close() })

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqldb, err := db.DB()
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	store := NewStore(db, cli)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestClients(t *testing.T) {
	clients := map[string]func(t *testing.T) Admin{
		"memory": func(t *testing.T) Admin { return NewMemory() },
		"store":  func(t *testing.T) Admin { return newTestStore(t) },
	}
	for name, newClient := range clients {
		t.Run(name, func(t *testing.T) {
			testClient(t, newClient(t))
		})
	}
}

func testClient(t *testing.T, cli Admin) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recorder := &eventRecorder{}
	subscribed := make(chan struct{})
	go func() {
		close(subscribed)
		_ = cli.Subscribe(ctx, recorder.handle)
	}()
	<-subscribed
	// give the subscription time to register before changes are made
	time.Sleep(100 * time.Millisecond)

	created := time.Now().Truncate(time.Second)
	job := &model.Job{
		SessionID: "s1",
		JobID:     "j1",
		ToolID:    "wc",
		CreatedBy: "alice",
		Created:   created,
		Inputs:    []model.Input{{InputID: "in", DatasetID: "d1"}},
	}
	require.NoError(t, cli.CreateJob(ctx, job))
	assert.Equal(t, model.JobStateNew, job.State)

	got, err := cli.GetJob(ctx, job.IdPair())
	require.NoError(t, err)
	assert.Equal(t, "wc", got.ToolID)
	assert.Equal(t, "d1", got.Inputs[0].DatasetID)

	got.State = model.JobStateRunning
	require.NoError(t, cli.UpdateJob(ctx, got))

	running, err := cli.ListJobs(ctx, model.JobStateRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)
	none, err := cli.ListJobs(ctx, model.JobStateNew)
	require.NoError(t, err)
	assert.Len(t, none, 0)

	missing := &model.Job{SessionID: "s1", JobID: "nope"}
	err = cli.UpdateJob(ctx, missing)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	_, err = cli.GetJob(ctx, missing.IdPair())
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	require.NoError(t, cli.CreateDataset(ctx, &model.Dataset{
		SessionID: "s1", DatasetID: "d2", Name: "out", SourceJob: "j1", SourceJobOutputID: "out1", Created: created,
	}))
	datasets, err := cli.GetDatasets(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, datasets, 1)
	assert.Equal(t, "out1", datasets[0].SourceJobOutputID)

	run := &model.WorkflowRun{
		SessionID:     "s1",
		WorkflowRunID: "r1",
		CreatedBy:     "alice",
		Created:       created,
		Jobs:          []model.WorkflowJob{{WorkflowJobID: "a", ToolID: "wc"}},
	}
	require.NoError(t, cli.CreateWorkflowRun(ctx, run))
	gotRun, err := cli.GetWorkflowRun(ctx, run.IdPair())
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStateNew, gotRun.State)
	gotRun.State = model.WorkflowStateRunning
	gotRun.Jobs[0].JobID = "j1"
	require.NoError(t, cli.UpdateWorkflowRun(ctx, gotRun))

	active, err := cli.ListWorkflowRuns(ctx, model.ActiveWorkflowStates...)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "j1", active[0].Jobs[0].JobID)

	require.NoError(t, cli.DeleteJob(ctx, job.IdPair()))
	jobs, err := cli.GetJobs(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, jobs, 0)

	require.NoError(t, cli.DeleteWorkflowRun(ctx, run.IdPair()))
	err = cli.UpdateWorkflowRun(ctx, gotRun)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	expected := []model.Event{
		{SessionID: "s1", ResourceType: model.ResourceJob, ResourceID: "j1", EventType: model.EventCreate, State: "NEW"},
		{SessionID: "s1", ResourceType: model.ResourceJob, ResourceID: "j1", EventType: model.EventUpdate, State: "RUNNING"},
		{SessionID: "s1", ResourceType: model.ResourceWorkflowRun, ResourceID: "r1", EventType: model.EventCreate, State: "NEW"},
		{SessionID: "s1", ResourceType: model.ResourceWorkflowRun, ResourceID: "r1", EventType: model.EventUpdate, State: "RUNNING"},
		{SessionID: "s1", ResourceType: model.ResourceJob, ResourceID: "j1", EventType: model.EventDelete, State: "RUNNING"},
		{SessionID: "s1", ResourceType: model.ResourceWorkflowRun, ResourceID: "r1", EventType: model.EventDelete, State: "RUNNING"},
	}
	assert.Eventually(t, func() bool { return len(recorder.list()) == len(expected) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, expected, recorder.list())
}
