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

// Package workflow runs multi step workflows: it creates a job for every
// workflow job once its inputs exist, follows the jobs to the end and keeps
// the state of the workflow run.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
	"kubegems.io/jobflow/pkg/log"
	"kubegems.io/jobflow/pkg/model"
	"kubegems.io/jobflow/pkg/sessiondb"
)

// runEntry is the in-memory bookkeeping of an active run. mu is held for
// the whole read, bind, create and persist sequence of the run.
type runEntry struct {
	mu sync.Mutex

	id   model.IdPair
	user string
	// state is written with both mu and Scheduler.mu held
	state        model.WorkflowState
	stateChanged time.Time
	// cancelled holds the jobs a cancel was already issued for
	cancelled map[string]bool
	// a failure or timeout moves the run to pendingState and, once nothing
	// runs anymore, to finalState with finalDetail
	pendingState model.WorkflowState
	finalState   model.WorkflowState
	finalDetail  string
	dropped      bool
	// unsaved is set while the stored run lags behind the last drive
	unsaved bool
}

type Scheduler struct {
	options   *Options
	sessiondb sessiondb.Client
	clock     clock.PassiveClock
	events    chan model.Event

	// mu guards runs and jobIndex only
	mu       sync.Mutex
	runs     map[model.IdPair]*runEntry
	jobIndex map[model.IdPair]model.IdPair
}

func NewScheduler(options *Options, db sessiondb.Client, clk clock.PassiveClock) (*Scheduler, error) {
	completed, err := options.Complete()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		options:   completed,
		sessiondb: db,
		clock:     clk,
		events:    make(chan model.Event, completed.EventBuffer),
		runs:      map[model.IdPair]*runEntry{},
		jobIndex:  map[model.IdPair]model.IdPair{},
	}, nil
}

// Run restores the active runs and processes session events one at a time
// until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := log.FromContextOrDiscard(ctx).WithName("workflow")
	ctx = log.NewContext(ctx, logger)

	if err := s.Restore(ctx); err != nil {
		return fmt.Errorf("restore workflow runs: %w", err)
	}

	crontab := cron.New()
	if _, err := crontab.AddFunc(fmt.Sprintf("@every %s", s.options.SweepInterval), func() {
		s.Sweep(ctx)
	}); err != nil {
		return err
	}
	crontab.Start()
	defer crontab.Stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.sessiondb.Subscribe(ctx, func(ctx context.Context, event model.Event) {
			select {
			case s.events <- event:
			case <-ctx.Done():
			}
		})
	})
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case event := <-s.events:
				s.HandleEvent(ctx, event)
			}
		}
	})
	logger.Info("workflow orchestrator started", "onError", s.options.OnError, "maxRunsPerUser", s.options.MaxRunsPerUser)
	return eg.Wait()
}

// Restore starts tracking the runs that were active when the process stopped.
func (s *Scheduler) Restore(ctx context.Context) error {
	runs, err := s.sessiondb.ListWorkflowRuns(ctx, model.ActiveWorkflowStates...)
	if err != nil {
		return err
	}
	for i := range runs {
		entry, _ := s.track(&runs[i])
		entry.mu.Lock()
		s.drive(ctx, entry)
		entry.mu.Unlock()
	}
	log.FromContextOrDiscard(ctx).Info("workflow runs restored", "count", len(runs))
	return nil
}

// Counts returns the number of tracked runs per state.
func (s *Scheduler) Counts() map[model.WorkflowState]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := map[model.WorkflowState]int{}
	for _, entry := range s.runs {
		ret[entry.state]++
	}
	return ret
}

func (s *Scheduler) track(run *model.WorkflowRun) (*runEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.runs[run.IdPair()]; ok {
		return entry, false
	}
	entry := &runEntry{
		id:           run.IdPair(),
		user:         run.CreatedBy,
		state:        run.State,
		stateChanged: s.clock.Now(),
		cancelled:    map[string]bool{},
	}
	s.runs[entry.id] = entry
	for _, wj := range run.Jobs {
		if wj.JobID != "" {
			s.jobIndex[model.NewIdPair(run.SessionID, wj.JobID)] = entry.id
		}
	}
	return entry, true
}

func (s *Scheduler) lookup(id model.IdPair) *runEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *Scheduler) indexJob(jobID, runID model.IdPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobIndex[jobID] = runID
}

func (s *Scheduler) runOfJob(jobID model.IdPair) *runEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	runID, ok := s.jobIndex[jobID]
	if !ok {
		return nil
	}
	return s.runs[runID]
}

// setState records the state of a run; entry.mu must be held.
func (s *Scheduler) setState(entry *runEntry, state model.WorkflowState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.state != state {
		entry.state = state
		entry.stateChanged = s.clock.Now()
	}
}

// drop forgets a run; entry.mu must be held.
func (s *Scheduler) drop(entry *runEntry) {
	entry.dropped = true
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, entry.id)
	for jobID, runID := range s.jobIndex {
		if runID == entry.id {
			delete(s.jobIndex, jobID)
		}
	}
}

// activeRunsOf counts the user's tracked runs other than except.
func (s *Scheduler) activeRunsOf(user string, except model.IdPair) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, entry := range s.runs {
		if id != except && entry.user == user && !entry.state.IsFinished() && entry.state != model.WorkflowStateNew {
			count++
		}
	}
	return count
}

// HandleEvent applies one session event.
func (s *Scheduler) HandleEvent(ctx context.Context, event model.Event) {
	switch event.ResourceType {
	case model.ResourceWorkflowRun:
		s.handleRunEvent(ctx, event)
	case model.ResourceJob:
		s.handleJobEvent(ctx, event)
	}
}

func (s *Scheduler) handleRunEvent(ctx context.Context, event model.Event) {
	id := event.IdPair()
	state := model.WorkflowState(event.State)
	logger := log.FromContextOrDiscard(ctx).WithValues("run", id.String())

	if event.EventType == model.EventDelete {
		if entry := s.lookup(id); entry != nil {
			entry.mu.Lock()
			s.drop(entry)
			entry.mu.Unlock()
			logger.Info("workflow run deleted")
		}
		return
	}

	entry, created := s.lookup(id), false
	if entry == nil {
		if state.IsFinished() {
			return
		}
		run, err := s.sessiondb.GetWorkflowRun(ctx, id)
		if err != nil {
			if !errors.Is(err, sessiondb.ErrNotFound) {
				logger.Error(err, "get workflow run")
			}
			return
		}
		entry, created = s.track(run)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.dropped || (!created && !entry.unsaved && state == entry.state) {
		// gone, or our own write coming back
		return
	}
	s.drive(ctx, entry)
}

func (s *Scheduler) handleJobEvent(ctx context.Context, event model.Event) {
	jobID := event.IdPair()
	entry := s.runOfJob(jobID)
	if entry == nil {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.dropped {
		return
	}

	logger := log.FromContextOrDiscard(ctx).WithValues("run", entry.id.String(), "job", jobID.ID)
	if event.EventType == model.EventDelete {
		s.mu.Lock()
		delete(s.jobIndex, jobID)
		s.mu.Unlock()
		delete(entry.cancelled, jobID.ID)
		logger.Info("job of workflow run deleted")
		return
	}

	state := model.JobState(event.State)
	if !state.IsFinished() {
		return
	}
	if state.IsFailure() {
		s.onJobFailure(ctx, entry, jobID)
	}
	s.drive(ctx, entry)
}

// onJobFailure records what the policy makes of a failed job. The state
// change itself is done by the following drive.
func (s *Scheduler) onJobFailure(ctx context.Context, entry *runEntry, jobID model.IdPair) {
	if entry.state != model.WorkflowStateRunning || entry.pendingState != "" {
		return
	}
	detail := fmt.Sprintf("job %s failed", jobID.ID)
	if job, err := s.sessiondb.GetJob(ctx, jobID); err == nil {
		detail = fmt.Sprintf("job %s of workflow job %s ended in %s", job.JobID, job.WorkflowJobID, job.State)
		if job.StateDetail != "" {
			detail += ": " + job.StateDetail
		}
	}
	switch s.options.OnError {
	case OnErrorBailOut:
		entry.pendingState = model.WorkflowStateCancelling
	case OnErrorDrain:
		entry.pendingState = model.WorkflowStateDraining
	default:
		return
	}
	entry.finalState, entry.finalDetail = model.WorkflowStateFailed, detail
	log.FromContextOrDiscard(ctx).Info("job of workflow run failed", "run", entry.id.String(), "policy", s.options.OnError, "detail", detail)
}

// Sweep moves runs that stayed too long in one state on towards an end.
func (s *Scheduler) Sweep(ctx context.Context) {
	s.mu.Lock()
	entries := make([]*runEntry, 0, len(s.runs))
	for _, entry := range s.runs {
		entries = append(entries, entry)
	}
	s.mu.Unlock()

	now := s.clock.Now()
	for _, entry := range entries {
		entry.mu.Lock()
		limit := s.options.Timeout(entry.state)
		switch {
		case entry.dropped:
		case limit > 0 && now.Sub(entry.stateChanged) >= limit:
			s.timeout(ctx, entry, limit)
		case entry.unsaved:
			s.drive(ctx, entry)
		}
		entry.mu.Unlock()
	}
}

func (s *Scheduler) timeout(ctx context.Context, entry *runEntry, limit time.Duration) {
	detail := fmt.Sprintf("workflow run timed out in state %s after %s", entry.state, limit)
	log.FromContextOrDiscard(ctx).Info("workflow run timed out", "run", entry.id.String(), "state", entry.state, "limit", limit.String())
	s.driveWith(ctx, entry, func(run *model.WorkflowRun) {
		if run.State == model.WorkflowStateCancelling {
			s.transition(ctx, entry, run, model.WorkflowStateError, detail)
			return
		}
		entry.pendingState = model.WorkflowStateCancelling
		entry.finalState, entry.finalDetail = model.WorkflowStateError, detail
	})
}

// transition is the only place a run changes state.
func (s *Scheduler) transition(ctx context.Context, entry *runEntry, run *model.WorkflowRun, to model.WorkflowState, detail string) bool {
	if run.State == to {
		return false
	}
	if !run.State.CanTransitionTo(to) {
		log.FromContextOrDiscard(ctx).Info("illegal workflow run transition ignored", "run", entry.id.String(), "from", run.State, "to", to)
		return false
	}
	now := s.clock.Now()
	run.State = to
	run.StateDetail = detail
	if to.IsFinished() {
		run.EndTime = &now
	}
	return true
}

// runState is the view of the session a drive works on.
type runState struct {
	jobs     []model.Job
	jobsByID map[string]*model.Job
	datasets []model.Dataset
}

func (r *runState) unfinished(run *model.WorkflowRun) []*model.Job {
	ret := []*model.Job{}
	for _, wj := range run.Jobs {
		if wj.JobID == "" {
			continue
		}
		if job, ok := r.jobsByID[wj.JobID]; ok && !job.State.IsFinished() {
			ret = append(ret, job)
		}
	}
	return ret
}

func (r *runState) allCompleted(run *model.WorkflowRun) bool {
	for _, wj := range run.Jobs {
		job, ok := r.jobsByID[wj.JobID]
		if wj.JobID == "" || !ok || job.State != model.JobStateCompleted {
			return false
		}
	}
	return true
}

// adopt records jobs created for a workflow job whose id never reached the
// stored run, so the workflow job is not created a second time.
func (r *runState) adopt(run *model.WorkflowRun) bool {
	changed := false
	for i := range run.Jobs {
		wj := &run.Jobs[i]
		if wj.JobID != "" {
			continue
		}
		for _, job := range r.jobs {
			if job.WorkflowJobID == wj.WorkflowJobID {
				wj.JobID = job.JobID
				changed = true
				break
			}
		}
	}
	return changed
}

func (r *runState) addJob(job model.Job) {
	r.jobs = append(r.jobs, job)
	r.jobsByID = make(map[string]*model.Job, len(r.jobs))
	for i := range r.jobs {
		r.jobsByID[r.jobs[i].JobID] = &r.jobs[i]
	}
}

func (s *Scheduler) drive(ctx context.Context, entry *runEntry) {
	s.driveWith(ctx, entry, nil)
}

// driveWith reads the run, lets before change it and advances it as far as
// the current jobs and datasets allow. Every state change is persisted
// before the next step acts on it. entry.mu must be held.
func (s *Scheduler) driveWith(ctx context.Context, entry *runEntry, before func(run *model.WorkflowRun)) {
	logger := log.FromContextOrDiscard(ctx).WithValues("run", entry.id.String())
	if entry.dropped {
		return
	}
	stored, err := s.sessiondb.GetWorkflowRun(ctx, entry.id)
	if err != nil {
		if errors.Is(err, sessiondb.ErrNotFound) {
			logger.Info("workflow run gone")
			s.drop(entry)
			return
		}
		logger.Error(err, "get workflow run")
		return
	}
	s.setState(entry, stored.State)
	if stored.State.IsFinished() {
		s.drop(entry)
		return
	}

	jobs, err := s.sessiondb.GetJobs(ctx, entry.id.SessionID)
	if err != nil {
		logger.Error(err, "get jobs of session")
		return
	}
	datasets, err := s.sessiondb.GetDatasets(ctx, entry.id.SessionID)
	if err != nil {
		logger.Error(err, "get datasets of session")
		return
	}
	state := &runState{datasets: datasets, jobsByID: map[string]*model.Job{}}
	for _, job := range jobs {
		if job.WorkflowRunID == entry.id.ID {
			state.addJob(job)
		}
	}

	run := stored.DeepCopy()
	if before != nil {
		before(run)
	}
	if state.adopt(run) {
		logger.Info("adopted jobs created before the last failed write")
		for _, wj := range run.Jobs {
			if wj.JobID != "" {
				s.indexJob(model.NewIdPair(run.SessionID, wj.JobID), entry.id)
			}
		}
	}
	if pending := entry.pendingState; pending != "" && run.State != pending && run.State.CanTransitionTo(pending) {
		s.transition(ctx, entry, run, pending, entry.finalDetail)
	}

	// states only move forward, so the steps end
	for i := 0; i <= len(model.WorkflowStates); i++ {
		if run.State != stored.State {
			if !s.persist(ctx, entry, run, stored) {
				return
			}
			stored = run.DeepCopy()
		}
		if run.State.IsFinished() {
			break
		}
		from := run.State
		if err := s.step(ctx, entry, run, state); err != nil {
			s.fail(ctx, entry, run, state, err)
		}
		if run.State == from {
			break
		}
	}
	if !s.persist(ctx, entry, run, stored) {
		return
	}
	if run.State.IsFinished() {
		s.drop(entry)
	}
}

// persist writes run when it differs from stored.
func (s *Scheduler) persist(ctx context.Context, entry *runEntry, run, stored *model.WorkflowRun) bool {
	if !run.Equal(stored) {
		if err := s.sessiondb.UpdateWorkflowRun(ctx, run); err != nil {
			if errors.Is(err, sessiondb.ErrNotFound) {
				s.drop(entry)
				return false
			}
			log.FromContextOrDiscard(ctx).Error(err, "update workflow run", "run", entry.id.String())
			entry.unsaved = true
			return false
		}
		if run.State != stored.State {
			log.FromContextOrDiscard(ctx).Info("workflow run state changed", "run", entry.id.String(), "from", stored.State, "to", run.State, "detail", run.StateDetail)
		}
	}
	entry.unsaved = false
	s.setState(entry, run.State)
	return true
}

func (s *Scheduler) step(ctx context.Context, entry *runEntry, run *model.WorkflowRun, state *runState) error {
	switch run.State {
	case model.WorkflowStateNew:
		return s.start(ctx, entry, run)
	case model.WorkflowStateCancelling:
		unfinished := state.unfinished(run)
		if len(unfinished) == 0 {
			final, detail := model.WorkflowStateCancelled, run.StateDetail
			if entry.finalState != "" {
				final, detail = entry.finalState, entry.finalDetail
			}
			s.transition(ctx, entry, run, final, detail)
			return nil
		}
		for _, job := range unfinished {
			s.cancelJob(ctx, entry, job)
		}
		return nil
	case model.WorkflowStateRunning, model.WorkflowStateDraining:
		if _, err := Bind(run, state.datasets, state.jobs); err != nil {
			return err
		}
		if run.State == model.WorkflowStateRunning {
			for _, wj := range OperableJobs(run) {
				if err := s.createJob(ctx, entry, run, wj, state); err != nil {
					return err
				}
			}
			if state.allCompleted(run) {
				s.transition(ctx, entry, run, model.WorkflowStateCompleted, "")
				return nil
			}
		}
		if len(state.unfinished(run)) > 0 {
			return nil
		}
		if run.State == model.WorkflowStateDraining {
			detail := entry.finalDetail
			if detail == "" {
				detail = run.StateDetail
			}
			s.transition(ctx, entry, run, model.WorkflowStateFailed, detail)
			return nil
		}
		return stuck(run, state)
	}
	return nil
}

// stuck explains why a run with nothing in flight cannot complete.
func stuck(run *model.WorkflowRun, state *runState) error {
	if err := ValidateGraph(run); err != nil {
		return err
	}
	waiting, failed := 0, 0
	deleted := []string{}
	for _, wj := range run.Jobs {
		job, ok := state.jobsByID[wj.JobID]
		switch {
		case wj.JobID == "":
			waiting++
		case !ok:
			deleted = append(deleted, fmt.Sprintf("job %s of workflow job %s was deleted", wj.JobID, wj.WorkflowJobID))
		case job.State != model.JobStateCompleted:
			failed++
		}
	}
	if len(deleted) > 0 {
		return errors.New(strings.Join(deleted, ", "))
	}
	if waiting == 0 {
		return fmt.Errorf("%d jobs of the workflow run did not complete", failed)
	}
	return fmt.Errorf("workflow run is stuck: %d workflow jobs wait for inputs no job will produce", waiting)
}

// start admits a NEW run: quota first, then the graph.
func (s *Scheduler) start(ctx context.Context, entry *runEntry, run *model.WorkflowRun) error {
	if limit := s.options.MaxRunsPerUser; limit > 0 && s.activeRunsOf(run.CreatedBy, entry.id) >= limit {
		return NewWorkflowError(model.WorkflowStateFailed, "user %s already has %d active workflow runs", run.CreatedBy, limit)
	}
	if err := ValidateGraph(run); err != nil {
		return NewWorkflowError(model.WorkflowStateFailed, "invalid workflow: %v", err)
	}
	s.transition(ctx, entry, run, model.WorkflowStateRunning, "")
	return nil
}

// fail ends the run in the state the error asks for. With jobs still in
// flight the run cancels them first and ends there afterwards.
func (s *Scheduler) fail(ctx context.Context, entry *runEntry, run *model.WorkflowRun, state *runState, err error) {
	target := model.WorkflowStateFailed
	werr := &WorkflowError{}
	if errors.As(err, &werr) {
		target = werr.State
	}
	log.FromContextOrDiscard(ctx).Info("workflow run failed", "run", entry.id.String(), "state", target, "error", err.Error())
	if len(state.unfinished(run)) == 0 {
		s.transition(ctx, entry, run, target, err.Error())
		return
	}
	entry.pendingState = model.WorkflowStateCancelling
	entry.finalState, entry.finalDetail = target, err.Error()
	s.transition(ctx, entry, run, model.WorkflowStateCancelling, err.Error())
}

func (s *Scheduler) createJob(ctx context.Context, entry *runEntry, run *model.WorkflowRun, wj *model.WorkflowJob, state *runState) error {
	job := model.Job{
		SessionID:     run.SessionID,
		JobID:         uuid.NewString(),
		ToolID:        wj.ToolID,
		State:         model.JobStateNew,
		CreatedBy:     run.CreatedBy,
		Slots:         wj.Slots,
		WorkflowRunID: run.WorkflowRunID,
		WorkflowJobID: wj.WorkflowJobID,
		Created:       s.clock.Now(),
	}
	for _, input := range wj.Inputs {
		job.Inputs = append(job.Inputs, model.Input{InputID: input.InputID, DatasetID: input.DatasetID, DisplayName: input.DisplayName})
	}
	job.Parameters = append(job.Parameters, wj.Parameters...)

	s.indexJob(job.IdPair(), entry.id)
	if err := s.sessiondb.CreateJob(ctx, &job); err != nil {
		s.mu.Lock()
		delete(s.jobIndex, job.IdPair())
		s.mu.Unlock()
		return NewWorkflowError(model.WorkflowStateError, "create job for workflow job %s: %v", wj.WorkflowJobID, err)
	}
	wj.JobID = job.JobID
	state.addJob(job)
	log.FromContextOrDiscard(ctx).Info("job created", "run", entry.id.String(), "workflowJob", wj.WorkflowJobID, "job", job.JobID)
	return nil
}

// cancelJob marks an unfinished job CANCELLED, once per job.
func (s *Scheduler) cancelJob(ctx context.Context, entry *runEntry, job *model.Job) {
	if entry.cancelled[job.JobID] {
		return
	}
	entry.cancelled[job.JobID] = true
	logger := log.FromContextOrDiscard(ctx).WithValues("run", entry.id.String(), "job", job.JobID)
	current, err := s.sessiondb.GetJob(ctx, job.IdPair())
	if err != nil {
		logCancelError(logger, err)
		return
	}
	if current.State.IsFinished() {
		return
	}
	now := s.clock.Now()
	current.State = model.JobStateCancelled
	current.StateDetail = "workflow run cancelled"
	current.End = &now
	if err := s.sessiondb.UpdateJob(ctx, current); err != nil {
		logCancelError(logger, err)
		return
	}
	logger.Info("job cancelled")
}

func logCancelError(logger logr.Logger, err error) {
	if errors.Is(err, sessiondb.ErrNotFound) {
		return
	}
	logger.Error(err, "cancel job")
}
