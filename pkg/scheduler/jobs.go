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

package scheduler

import (
	"sort"
	"sync"
	"time"

	"kubegems.io/jobflow/pkg/model"
)

// JobState is the dispatch record of one job: who owns it, how many slots it
// takes and how far the dispatch got.
type JobState struct {
	UserID             string
	Slots              int
	NewTimestamp       time.Time
	ScheduleTimestamp  time.Time
	RunningTimestamp   time.Time
	HeartbeatTimestamp time.Time
	WorkerID           string
}

func (s JobState) IsQueued() bool {
	return s.ScheduleTimestamp.IsZero() && s.RunningTimestamp.IsZero()
}

func (s JobState) IsScheduled() bool {
	return !s.ScheduleTimestamp.IsZero() && s.RunningTimestamp.IsZero()
}

func (s JobState) IsRunning() bool {
	return !s.RunningTimestamp.IsZero()
}

// LastSeen is the last time a worker reported on the job.
func (s JobState) LastSeen() time.Time {
	if s.HeartbeatTimestamp.After(s.RunningTimestamp) {
		return s.HeartbeatTimestamp
	}
	return s.RunningTimestamp
}

// Jobs is the dispatch table of every job between NEW and a final state.
type Jobs struct {
	mu   sync.Mutex
	jobs map[model.IdPair]*JobState
}

func NewJobs() *Jobs {
	return &Jobs{jobs: map[model.IdPair]*JobState{}}
}

// AddNew records a job waiting to be scheduled. It reports false for a job
// that is already known.
func (j *Jobs) AddNew(id model.IdPair, userID string, slots int, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.jobs[id]; ok {
		return false
	}
	j.jobs[id] = &JobState{UserID: userID, Slots: slots, NewTimestamp: now}
	return true
}

// AddRunning records a job that a worker already runs, e.g. on restore.
func (j *Jobs) AddRunning(id model.IdPair, userID string, slots int, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.jobs[id]; ok {
		return false
	}
	j.jobs[id] = &JobState{
		UserID:             userID,
		Slots:              slots,
		NewTimestamp:       now,
		ScheduleTimestamp:  now,
		RunningTimestamp:   now,
		HeartbeatTimestamp: now,
	}
	return true
}

func (j *Jobs) SetScheduled(id model.IdPair, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	state, ok := j.jobs[id]
	if !ok {
		return false
	}
	state.ScheduleTimestamp = now
	return true
}

func (j *Jobs) SetRunning(id model.IdPair, workerID string, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	state, ok := j.jobs[id]
	if !ok {
		return false
	}
	if state.ScheduleTimestamp.IsZero() {
		state.ScheduleTimestamp = now
	}
	state.RunningTimestamp = now
	state.HeartbeatTimestamp = now
	state.WorkerID = workerID
	return true
}

func (j *Jobs) Heartbeat(id model.IdPair, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	state, ok := j.jobs[id]
	if !ok || !state.IsRunning() {
		return false
	}
	state.HeartbeatTimestamp = now
	return true
}

func (j *Jobs) Remove(id model.IdPair) (JobState, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	state, ok := j.jobs[id]
	if !ok {
		return JobState{}, false
	}
	delete(j.jobs, id)
	return *state, true
}

func (j *Jobs) Get(id model.IdPair) (JobState, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	state, ok := j.jobs[id]
	if !ok {
		return JobState{}, false
	}
	return *state, true
}

// Snapshot returns a copy of the table.
func (j *Jobs) Snapshot() map[model.IdPair]JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	ret := make(map[model.IdPair]JobState, len(j.jobs))
	for id, state := range j.jobs {
		ret[id] = *state
	}
	return ret
}

// Queued returns the jobs waiting for slots, oldest first.
func (j *Jobs) Queued() []model.IdPair {
	j.mu.Lock()
	defer j.mu.Unlock()
	ids := []model.IdPair{}
	for id, state := range j.jobs {
		if state.IsQueued() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(a, b int) bool {
		ta, tb := j.jobs[ids[a]].NewTimestamp, j.jobs[ids[b]].NewTimestamp
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return ids[a].String() < ids[b].String()
	})
	return ids
}

// UsedSlots sums the slots of the user's scheduled and running jobs.
func (j *Jobs) UsedSlots(userID string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	used := 0
	for _, state := range j.jobs {
		if state.UserID == userID && !state.IsQueued() {
			used += state.Slots
		}
	}
	return used
}

type JobCounts struct {
	Queued    int `json:"queued"`
	Scheduled int `json:"scheduled"`
	Running   int `json:"running"`
}

func (j *Jobs) Counts() JobCounts {
	j.mu.Lock()
	defer j.mu.Unlock()
	counts := JobCounts{}
	for _, state := range j.jobs {
		switch {
		case state.IsRunning():
			counts.Running++
		case state.IsScheduled():
			counts.Scheduled++
		default:
			counts.Queued++
		}
	}
	return counts
}
