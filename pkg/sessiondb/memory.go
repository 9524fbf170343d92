// Copyright 2024 The kubegems.io Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sessiondb

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"kubegems.io/jobflow/pkg/log"
	"kubegems.io/jobflow/pkg/model"
)

// Memory keeps everything in process. Events are queued per subscriber and
// delivered in the order the changes were applied; with no subscribers they
// are dropped.
type Memory struct {
	mu       sync.RWMutex
	jobs     map[model.IdPair]model.Job
	datasets map[model.IdPair]model.Dataset
	runs     map[model.IdPair]*model.WorkflowRun

	sublock sync.Mutex
	subs    map[string]*subscriber
}

func NewMemory() *Memory {
	return &Memory{
		jobs:     map[model.IdPair]model.Job{},
		datasets: map[model.IdPair]model.Dataset{},
		runs:     map[model.IdPair]*model.WorkflowRun{},
		subs:     map[string]*subscriber{},
	}
}

type subscriber struct {
	mu     sync.Mutex
	queue  []model.Event
	notify chan struct{}
}

func (s *subscriber) push(e model.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.queue
	s.queue = nil
	return events
}

func (m *Memory) Subscribe(ctx context.Context, handler EventHandler) error {
	uid := uuid.New().String()
	sub := &subscriber{notify: make(chan struct{}, 1)}
	logger := log.FromContextOrDiscard(ctx).WithName("memory-sessiondb")
	logger.V(5).Info("subscribe", "uid", uid)

	m.sublock.Lock()
	m.subs[uid] = sub
	m.sublock.Unlock()
	defer func() {
		logger.V(5).Info("unsubscribe", "uid", uid)
		m.sublock.Lock()
		delete(m.subs, uid)
		m.sublock.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.notify:
			for _, event := range sub.drain() {
				handler(ctx, event)
			}
		}
	}
}

// publish must be called with m.mu held so that events follow change order.
func (m *Memory) publish(event model.Event) {
	m.sublock.Lock()
	defer m.sublock.Unlock()
	for _, sub := range m.subs {
		sub.push(event)
	}
}

func (m *Memory) GetJob(_ context.Context, id model.IdPair) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return &job, nil
}

func (m *Memory) CreateJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if _, ok := m.jobs[job.IdPair()]; ok {
		return fmt.Errorf("job %s already exists", job.IdPair())
	}
	if job.State == "" {
		job.State = model.JobStateNew
	}
	m.jobs[job.IdPair()] = *job
	m.publish(model.NewJobEvent(job, model.EventCreate))
	return nil
}

func (m *Memory) UpdateJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.IdPair()]; !ok {
		return fmt.Errorf("job %s: %w", job.IdPair(), ErrNotFound)
	}
	m.jobs[job.IdPair()] = *job
	m.publish(model.NewJobEvent(job, model.EventUpdate))
	return nil
}

func (m *Memory) DeleteJob(_ context.Context, id model.IdPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	delete(m.jobs, id)
	m.publish(model.NewJobEvent(&job, model.EventDelete))
	return nil
}

func (m *Memory) GetJobs(_ context.Context, sessionID string) ([]model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ret := []model.Job{}
	for id, job := range m.jobs {
		if id.SessionID == sessionID {
			ret = append(ret, job)
		}
	}
	sortJobs(ret)
	return ret, nil
}

func (m *Memory) ListJobs(_ context.Context, states ...model.JobState) ([]model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ret := []model.Job{}
	for _, job := range m.jobs {
		if len(states) == 0 || containsState(states, job.State) {
			ret = append(ret, job)
		}
	}
	sortJobs(ret)
	return ret, nil
}

func (m *Memory) CreateDataset(_ context.Context, dataset *model.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dataset.DatasetID == "" {
		dataset.DatasetID = uuid.New().String()
	}
	m.datasets[model.NewIdPair(dataset.SessionID, dataset.DatasetID)] = *dataset
	return nil
}

func (m *Memory) GetDatasets(_ context.Context, sessionID string) ([]model.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ret := []model.Dataset{}
	for id, dataset := range m.datasets {
		if id.SessionID == sessionID {
			ret = append(ret, dataset)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].DatasetID < ret[j].DatasetID })
	return ret, nil
}

func (m *Memory) CreateWorkflowRun(_ context.Context, run *model.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.WorkflowRunID == "" {
		run.WorkflowRunID = uuid.New().String()
	}
	if _, ok := m.runs[run.IdPair()]; ok {
		return fmt.Errorf("workflow run %s already exists", run.IdPair())
	}
	if run.State == "" {
		run.State = model.WorkflowStateNew
	}
	m.runs[run.IdPair()] = run.DeepCopy()
	m.publish(model.NewWorkflowRunEvent(run, model.EventCreate))
	return nil
}

func (m *Memory) GetWorkflowRun(_ context.Context, id model.IdPair) (*model.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("workflow run %s: %w", id, ErrNotFound)
	}
	return run.DeepCopy(), nil
}

func (m *Memory) UpdateWorkflowRun(_ context.Context, run *model.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.IdPair()]; !ok {
		return fmt.Errorf("workflow run %s: %w", run.IdPair(), ErrNotFound)
	}
	m.runs[run.IdPair()] = run.DeepCopy()
	m.publish(model.NewWorkflowRunEvent(run, model.EventUpdate))
	return nil
}

func (m *Memory) DeleteWorkflowRun(_ context.Context, id model.IdPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("workflow run %s: %w", id, ErrNotFound)
	}
	delete(m.runs, id)
	m.publish(model.NewWorkflowRunEvent(run, model.EventDelete))
	return nil
}

func (m *Memory) ListWorkflowRuns(_ context.Context, states ...model.WorkflowState) ([]model.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ret := []model.WorkflowRun{}
	for _, run := range m.runs {
		if len(states) == 0 || containsState(states, run.State) {
			ret = append(ret, *run.DeepCopy())
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Created.Before(ret[j].Created) })
	return ret, nil
}

func sortJobs(jobs []model.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].Created.Equal(jobs[j].Created) {
			return jobs[i].Created.Before(jobs[j].Created)
		}
		return jobs[i].JobID < jobs[j].JobID
	})
}

func containsState[T comparable](states []T, state T) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
