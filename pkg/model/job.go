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

type Input struct {
	InputID     string `json:"inputId"`
	DatasetID   string `json:"datasetId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type Parameter struct {
	ParameterID string `json:"parameterId"`
	Value       string `json:"value"`
}

// Job is the unit of executable work.
type Job struct {
	SessionID     string                             `json:"sessionId" gorm:"primaryKey;size:64"`
	JobID         string                             `json:"jobId" gorm:"primaryKey;size:64"`
	ToolID        string                             `json:"toolId" gorm:"size:255"`
	Inputs        gormdatatypes.JSONSlice[Input]     `json:"inputs"`
	Parameters    gormdatatypes.JSONSlice[Parameter] `json:"parameters"`
	State         JobState                           `json:"state" gorm:"size:32;index"`
	StateDetail   string                             `json:"stateDetail" gorm:"type:text"`
	CreatedBy     string                             `json:"createdBy" gorm:"size:255"`
	Slots         int                                `json:"slots"`
	WorkflowRunID string                             `json:"workflowRunId,omitempty" gorm:"size:64"`
	WorkflowJobID string                             `json:"workflowJobId,omitempty" gorm:"size:64"`
	Created       time.Time                          `json:"created"`
	Start         *time.Time                         `json:"start,omitempty"`
	End           *time.Time                         `json:"end,omitempty"`
}

func (j *Job) IdPair() IdPair {
	return NewIdPair(j.SessionID, j.JobID)
}

// GetSlots returns the slot cost of the job, at least one.
func (j *Job) GetSlots() int {
	if j.Slots < 1 {
		return 1
	}
	return j.Slots
}

// Dataset is an output artifact. SourceJob and SourceJobOutputID are set when
// the dataset was produced by a job.
type Dataset struct {
	SessionID         string    `json:"sessionId" gorm:"primaryKey;size:64"`
	DatasetID         string    `json:"datasetId" gorm:"primaryKey;size:64"`
	Name              string    `json:"name" gorm:"size:255"`
	SourceJob         string    `json:"sourceJob,omitempty" gorm:"size:64;index"`
	SourceJobOutputID string    `json:"sourceJobOutputId,omitempty" gorm:"size:255"`
	Size              int64     `json:"size"`
	Created           time.Time `json:"created"`
}
