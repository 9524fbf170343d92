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

// Package scheduler decides when a job may run and hands it to a worker
// through a JobDispatcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"
	"kubegems.io/jobflow/pkg/log"
	"kubegems.io/jobflow/pkg/model"
	"kubegems.io/jobflow/pkg/sessiondb"
)

const (
	DetailNoComputeServer = "no compute server available"
	DetailHeartbeatLost   = "heartbeat lost"
)

type Scheduler struct {
	options    *Options
	sessiondb  sessiondb.Client
	jobs       *Jobs
	dispatcher JobDispatcher
	clock      clock.PassiveClock

	// mu serializes quota decisions
	mu sync.Mutex
}

func NewScheduler(options *Options, db sessiondb.Client, jobs *Jobs, dispatcher JobDispatcher, clk clock.PassiveClock) *Scheduler {
	return &Scheduler{
		options:    options,
		sessiondb:  db,
		jobs:       jobs,
		dispatcher: dispatcher,
		clock:      clk,
	}
}

func (s *Scheduler) Jobs() *Jobs {
	return s.jobs
}

// Run restores the dispatch table and follows the session store until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := log.FromContextOrDiscard(ctx).WithName("scheduler")
	ctx = log.NewContext(ctx, logger)

	if err := s.Restore(ctx); err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}

	crontab := cron.New()
	if _, err := crontab.AddFunc(fmt.Sprintf("@every %s", s.options.CheckInterval), func() {
		s.Check(ctx)
	}); err != nil {
		return err
	}
	crontab.Start()
	defer crontab.Stop()

	logger.Info("scheduler started", "dispatcher", s.options.Dispatcher, "maxSlotsPerUser", s.options.MaxSlotsPerUser)
	return s.sessiondb.Subscribe(ctx, s.HandleEvent)
}

// Restore loads the jobs that were in flight when the scheduler stopped.
// Running jobs come first so their slots count against the queue.
func (s *Scheduler) Restore(ctx context.Context) error {
	logger := log.FromContextOrDiscard(ctx)
	running, err := s.sessiondb.ListJobs(ctx, model.JobStateRunning)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for _, job := range running {
		s.jobs.AddRunning(job.IdPair(), job.CreatedBy, job.GetSlots(), now)
	}
	pending, err := s.sessiondb.ListJobs(ctx, model.JobStateNew)
	if err != nil {
		return err
	}
	for _, job := range pending {
		s.jobs.AddNew(job.IdPair(), job.CreatedBy, job.GetSlots(), job.Created)
	}
	logger.Info("jobs restored", "running", len(running), "new", len(pending))
	s.scheduleQueued(ctx)
	return nil
}

// HandleEvent reacts to a job change in the session store.
func (s *Scheduler) HandleEvent(ctx context.Context, event model.Event) {
	if event.ResourceType != model.ResourceJob {
		return
	}
	id := event.IdPair()
	state := model.JobState(event.State)
	logger := log.FromContextOrDiscard(ctx).WithValues("job", id.String(), "event", event.EventType, "state", state)
	logger.V(1).Info("job event")

	if event.EventType == model.EventDelete {
		if dispatch, ok := s.jobs.Remove(id); ok && !dispatch.IsQueued() {
			s.dispatcher.CancelJob(ctx, id)
		}
		s.dispatcher.RemoveFinishedJob(ctx, id)
		s.scheduleQueued(ctx)
		return
	}

	switch {
	case state == model.JobStateNew:
		s.newJob(ctx, logger, id)
	case state == model.JobStateCancelled:
		s.jobs.Remove(id)
		s.dispatcher.CancelJob(ctx, id)
		s.scheduleQueued(ctx)
	case state.IsFinished():
		if _, ok := s.jobs.Remove(id); ok {
			logger.V(1).Info("job finished")
		}
		s.dispatcher.RemoveFinishedJob(ctx, id)
		s.scheduleQueued(ctx)
	}
}

func (s *Scheduler) newJob(ctx context.Context, logger logr.Logger, id model.IdPair) {
	if _, ok := s.jobs.Get(id); ok {
		return
	}
	job, err := s.sessiondb.GetJob(ctx, id)
	if err != nil {
		if !errors.Is(err, sessiondb.ErrNotFound) {
			logger.Error(err, "get new job")
		}
		return
	}
	if job.State != model.JobStateNew {
		return
	}
	slots := job.GetSlots()
	if limit := s.options.MaxSlotsPerUser; limit > 0 && slots > limit {
		s.setJobError(ctx, id, "quota", fmt.Sprintf("job needs %d slots but a user may use only %d", slots, limit))
		return
	}
	if !s.jobs.AddNew(id, job.CreatedBy, slots, s.clock.Now()) {
		return
	}
	s.scheduleQueued(ctx)
}

// scheduleQueued schedules every waiting job whose owner has free slots, in
// arrival order. Jobs of a user over quota keep waiting without blocking
// other users.
func (s *Scheduler) scheduleQueued(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logger := log.FromContextOrDiscard(ctx)
	for _, id := range s.jobs.Queued() {
		state, ok := s.jobs.Get(id)
		if !ok {
			continue
		}
		if limit := s.options.MaxSlotsPerUser; limit > 0 && s.jobs.UsedSlots(state.UserID)+state.Slots > limit {
			logger.V(1).Info("job queued, user slots in use", "job", id.String(), "user", state.UserID)
			continue
		}
		if !s.jobs.SetScheduled(id, s.clock.Now()) {
			continue
		}
		logger.Info("schedule job", "job", id.String(), "user", state.UserID, "slots", state.Slots)
		s.dispatcher.ScheduleJob(ctx, id)
	}
}

// Check fails jobs that no worker took in time and running jobs whose
// heartbeat stopped.
func (s *Scheduler) Check(ctx context.Context) {
	now := s.clock.Now()
	for id, state := range s.jobs.Snapshot() {
		switch {
		case state.IsScheduled():
			if s.options.ScheduleTimeout <= 0 || now.Sub(state.ScheduleTimestamp) < s.options.ScheduleTimeout {
				continue
			}
			if !s.dispatcher.Abandon(ctx, id) {
				// chosen in the meantime
				continue
			}
			s.jobs.Remove(id)
			s.setJobError(ctx, id, "schedule-timeout", DetailNoComputeServer)
		case state.IsRunning():
			if s.options.HeartbeatLostTimeout <= 0 || now.Sub(state.LastSeen()) < s.options.HeartbeatLostTimeout {
				continue
			}
			s.jobs.Remove(id)
			s.dispatcher.RemoveFinishedJob(ctx, id)
			s.setJobError(ctx, id, "heartbeat-lost", DetailHeartbeatLost)
		}
	}
	s.scheduleQueued(ctx)
}

func (s *Scheduler) setJobError(ctx context.Context, id model.IdPair, reason, detail string) {
	logger := log.FromContextOrDiscard(ctx).WithValues("job", id.String())
	job, err := s.sessiondb.GetJob(ctx, id)
	if err != nil {
		logger.Error(err, "get job to set error", "detail", detail)
		return
	}
	if job.State.IsFinished() {
		return
	}
	now := s.clock.Now()
	job.State = model.JobStateError
	job.StateDetail = detail
	job.End = &now
	if err := s.sessiondb.UpdateJob(ctx, job); err != nil {
		logger.Error(err, "set job error", "detail", detail)
		return
	}
	jobErrorsTotal.WithLabelValues(reason).Inc()
	logger.Info("job failed by scheduler", "detail", detail)
}
