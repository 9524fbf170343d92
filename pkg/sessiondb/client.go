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

// Package sessiondb is the session store the scheduler and the workflow
// orchestrator work against: jobs, datasets and workflow runs plus their
// change notifications.
package sessiondb

import (
	"context"
	"errors"

	"kubegems.io/jobflow/pkg/model"
)

var ErrNotFound = errors.New("not found")

// EventHandler is called for every change notification, in publish order.
type EventHandler func(ctx context.Context, event model.Event)

type Client interface {
	// Subscribe delivers change events to handler until ctx is done.
	Subscribe(ctx context.Context, handler EventHandler) error

	GetJob(ctx context.Context, id model.IdPair) (*model.Job, error)
	CreateJob(ctx context.Context, job *model.Job) error
	UpdateJob(ctx context.Context, job *model.Job) error
	// GetJobs returns all jobs of a session.
	GetJobs(ctx context.Context, sessionID string) ([]model.Job, error)
	// ListJobs returns jobs of all sessions in any of the given states.
	ListJobs(ctx context.Context, states ...model.JobState) ([]model.Job, error)

	GetDatasets(ctx context.Context, sessionID string) ([]model.Dataset, error)

	GetWorkflowRun(ctx context.Context, id model.IdPair) (*model.WorkflowRun, error)
	UpdateWorkflowRun(ctx context.Context, run *model.WorkflowRun) error
	ListWorkflowRuns(ctx context.Context, states ...model.WorkflowState) ([]model.WorkflowRun, error)
}

// Admin is implemented by stores that also accept the writes normally done by
// the session API: run submission, dataset upload and deletes.
type Admin interface {
	Client
	CreateDataset(ctx context.Context, dataset *model.Dataset) error
	CreateWorkflowRun(ctx context.Context, run *model.WorkflowRun) error
	DeleteJob(ctx context.Context, id model.IdPair) error
	DeleteWorkflowRun(ctx context.Context, id model.IdPair) error
}

var (
	_ Admin = &Memory{}
	_ Admin = &Store{}
)
