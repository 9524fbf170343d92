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

import (
	"time"

	"kubegems.io/jobflow/pkg/utils/gormdatatypes"
)

// WorkflowInput is one dependency edge. It is either bound to a dataset or
// points at the output SourceJobOutputID of the workflow job SourceWorkflowJobID.
type WorkflowInput struct {
	InputID             string `json:"inputId"`
	DatasetID           string `json:"datasetId,omitempty"`
	DisplayName         string `json:"displayName,omitempty"`
	SourceWorkflowJobID string `json:"sourceWorkflowJobId,omitempty"`
	SourceJobOutputID   string `json:"sourceJobOutputId,omitempty"`
}

func (i WorkflowInput) IsBound() bool {
	return i.DatasetID != ""
}

// WorkflowJob is one node of the workflow graph. JobID is empty until the
// concrete job has been created.
type WorkflowJob struct {
	WorkflowJobID string          `json:"workflowJobId"`
	ToolID        string          `json:"toolId"`
	Slots         int             `json:"slots,omitempty"`
	Parameters    []Parameter     `json:"parameters,omitempty"`
	Inputs        []WorkflowInput `json:"inputs,omitempty"`
	JobID         string          `json:"jobId,omitempty"`
}

// IsOperable reports whether all inputs are bound and no job was created yet.
func (j *WorkflowJob) IsOperable() bool {
	if j.JobID != "" {
		return false
	}
	for _, input := range j.Inputs {
		if !input.IsBound() {
			return false
		}
	}
	return true
}

type WorkflowRun struct {
	SessionID     string                               `json:"sessionId" gorm:"primaryKey;size:64"`
	WorkflowRunID string                               `json:"workflowRunId" gorm:"primaryKey;size:64"`
	Name          string                               `json:"name" gorm:"size:255"`
	CreatedBy     string                               `json:"createdBy" gorm:"size:255;index"`
	State         WorkflowState                        `json:"state" gorm:"size:32;index"`
	StateDetail   string                               `json:"stateDetail" gorm:"type:text"`
	Created       time.Time                            `json:"created"`
	EndTime       *time.Time                           `json:"endTime,omitempty"`
	Jobs          gormdatatypes.JSONSlice[WorkflowJob] `json:"jobs"`
}

func (r *WorkflowRun) IdPair() IdPair {
	return NewIdPair(r.SessionID, r.WorkflowRunID)
}

// FindJob returns the workflow job with the given id, or nil.
func (r *WorkflowRun) FindJob(workflowJobID string) *WorkflowJob {
	for i := range r.Jobs {
		if r.Jobs[i].WorkflowJobID == workflowJobID {
			return &r.Jobs[i]
		}
	}
	return nil
}

// DeepCopy returns a copy that shares no slices with r.
func (r *WorkflowRun) DeepCopy() *WorkflowRun {
	out := *r
	if r.EndTime != nil {
		end := *r.EndTime
		out.EndTime = &end
	}
	if r.Jobs != nil {
		out.Jobs = make(gormdatatypes.JSONSlice[WorkflowJob], len(r.Jobs))
		for i, job := range r.Jobs {
			job.Parameters = append([]Parameter(nil), job.Parameters...)
			job.Inputs = append([]WorkflowInput(nil), job.Inputs...)
			out.Jobs[i] = job
		}
	}
	return &out
}

// Equal compares the fields the orchestrator owns.
func (r *WorkflowRun) Equal(o *WorkflowRun) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.State != o.State || r.StateDetail != o.StateDetail {
		return false
	}
	if (r.EndTime == nil) != (o.EndTime == nil) {
		return false
	}
	if r.EndTime != nil && !r.EndTime.Equal(*o.EndTime) {
		return false
	}
	if len(r.Jobs) != len(o.Jobs) {
		return false
	}
	for i := range r.Jobs {
		a, b := r.Jobs[i], o.Jobs[i]
		if a.WorkflowJobID != b.WorkflowJobID || a.JobID != b.JobID || len(a.Inputs) != len(b.Inputs) {
			return false
		}
		for k := range a.Inputs {
			if a.Inputs[k] != b.Inputs[k] {
				return false
			}
		}
	}
	return true
}
