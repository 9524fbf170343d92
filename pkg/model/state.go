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

// Package model holds the session objects the scheduler and the workflow
// orchestrator read from and write to the session store.
package model

import (
	"fmt"
)

// IdPair identifies a job or a workflow run within a session.
type IdPair struct {
	SessionID string `json:"sessionId"`
	ID        string `json:"id"`
}

func NewIdPair(sessionID, id string) IdPair {
	return IdPair{SessionID: sessionID, ID: id}
}

func (p IdPair) String() string {
	return fmt.Sprintf("%s/%s", p.SessionID, p.ID)
}

type JobState string

const (
	JobStateNew       JobState = "NEW"
	JobStateRunning   JobState = "RUNNING"
	JobStateCompleted JobState = "COMPLETED"
	JobStateFailed    JobState = "FAILED"
	JobStateCancelled JobState = "CANCELLED"
	JobStateError     JobState = "ERROR"
)

func (s JobState) IsFinished() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled, JobStateError:
		return true
	}
	return false
}

// IsFailure reports the terminal states that are not a success and not an
// expected cancellation.
func (s JobState) IsFailure() bool {
	return s == JobStateFailed || s == JobStateError
}

type WorkflowState string

const (
	WorkflowStateNew        WorkflowState = "NEW"
	WorkflowStateRunning    WorkflowState = "RUNNING"
	WorkflowStateDraining   WorkflowState = "DRAINING"
	WorkflowStateCancelling WorkflowState = "CANCELLING"
	WorkflowStateCompleted  WorkflowState = "COMPLETED"
	WorkflowStateFailed     WorkflowState = "FAILED"
	WorkflowStateCancelled  WorkflowState = "CANCELLED"
	WorkflowStateError      WorkflowState = "ERROR"
)

var WorkflowStates = []WorkflowState{
	WorkflowStateNew,
	WorkflowStateRunning,
	WorkflowStateDraining,
	WorkflowStateCancelling,
	WorkflowStateCompleted,
	WorkflowStateFailed,
	WorkflowStateCancelled,
	WorkflowStateError,
}

// ActiveWorkflowStates are the states a run is tracked in memory.
var ActiveWorkflowStates = []WorkflowState{
	WorkflowStateNew,
	WorkflowStateRunning,
	WorkflowStateDraining,
	WorkflowStateCancelling,
}

func (s WorkflowState) IsFinished() bool {
	switch s {
	case WorkflowStateCompleted, WorkflowStateFailed, WorkflowStateCancelled, WorkflowStateError:
		return true
	}
	return false
}

// workflowTransitions lists the legal moves of a run. Terminal states are sinks.
var workflowTransitions = map[WorkflowState][]WorkflowState{
	WorkflowStateNew: {
		WorkflowStateRunning, WorkflowStateCancelling, WorkflowStateFailed, WorkflowStateError,
	},
	WorkflowStateRunning: {
		WorkflowStateDraining, WorkflowStateCancelling, WorkflowStateCompleted, WorkflowStateFailed, WorkflowStateError,
	},
	WorkflowStateDraining: {
		WorkflowStateCancelling, WorkflowStateFailed, WorkflowStateError,
	},
	WorkflowStateCancelling: {
		WorkflowStateCancelled, WorkflowStateFailed, WorkflowStateError,
	},
}

func (s WorkflowState) CanTransitionTo(to WorkflowState) bool {
	for _, allowed := range workflowTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}
