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

package model

type ResourceType string

const (
	ResourceJob         ResourceType = "JOB"
	ResourceWorkflowRun ResourceType = "WORKFLOW_RUN"
)

type EventType string

const (
	EventCreate EventType = "CREATE"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is a change notification from the session store.
type Event struct {
	SessionID    string       `json:"sessionId"`
	ResourceType ResourceType `json:"resourceType"`
	ResourceID   string       `json:"resourceId"`
	EventType    EventType    `json:"eventType"`
	State        string       `json:"state,omitempty"`
}

func (e Event) IdPair() IdPair {
	return NewIdPair(e.SessionID, e.ResourceID)
}

func NewJobEvent(job *Job, eventType EventType) Event {
	return Event{
		SessionID:    job.SessionID,
		ResourceType: ResourceJob,
		ResourceID:   job.JobID,
		EventType:    eventType,
		State:        string(job.State),
	}
}

func NewWorkflowRunEvent(run *WorkflowRun, eventType EventType) Event {
	return Event{
		SessionID:    run.SessionID,
		ResourceType: ResourceWorkflowRun,
		ResourceID:   run.WorkflowRunID,
		EventType:    eventType,
		State:        string(run.State),
	}
}
