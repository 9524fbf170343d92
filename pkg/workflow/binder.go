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

package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"kubegems.io/jobflow/pkg/model"
)

// BindError means an input of a finished upstream job cannot be resolved to
// exactly one dataset.
type BindError struct {
	WorkflowJobID string
	InputID       string
	Reason        string
}

func (e *BindError) Error() string {
	return fmt.Sprintf("input %s of workflow job %s: %s", e.InputID, e.WorkflowJobID, e.Reason)
}

// WorkflowError moves the run to State with the error message as detail.
type WorkflowError struct {
	State   model.WorkflowState
	Message string
}

func (e *WorkflowError) Error() string {
	return e.Message
}

func NewWorkflowError(state model.WorkflowState, format string, args ...interface{}) *WorkflowError {
	return &WorkflowError{State: state, Message: fmt.Sprintf(format, args...)}
}

var ErrCycle = errors.New("workflow has a dependency cycle")

// Bind connects the inputs whose upstream job has completed to the dataset
// that job produced for the referenced output. It reports whether any input
// was bound. Inputs whose upstream job was not created yet or has not
// completed are left for a later call, so Bind may be called any number of
// times.
func Bind(run *model.WorkflowRun, datasets []model.Dataset, jobs []model.Job) (bool, error) {
	jobsByID := make(map[string]*model.Job, len(jobs))
	for i := range jobs {
		jobsByID[jobs[i].JobID] = &jobs[i]
	}
	changed := false
	for i := range run.Jobs {
		wj := &run.Jobs[i]
		for k := range wj.Inputs {
			input := &wj.Inputs[k]
			if input.IsBound() || input.SourceWorkflowJobID == "" {
				continue
			}
			upstream := run.FindJob(input.SourceWorkflowJobID)
			if upstream == nil {
				return changed, &BindError{
					WorkflowJobID: wj.WorkflowJobID,
					InputID:       input.InputID,
					Reason:        fmt.Sprintf("unknown source workflow job %s", input.SourceWorkflowJobID),
				}
			}
			if upstream.JobID == "" {
				continue
			}
			job, ok := jobsByID[upstream.JobID]
			if !ok || job.State != model.JobStateCompleted {
				continue
			}
			matched := []model.Dataset{}
			for _, dataset := range datasets {
				if dataset.SourceJob == job.JobID && dataset.SourceJobOutputID == input.SourceJobOutputID {
					matched = append(matched, dataset)
				}
			}
			switch len(matched) {
			case 1:
				input.DatasetID = matched[0].DatasetID
				input.DisplayName = matched[0].Name
				changed = true
			case 0:
				return changed, &BindError{
					WorkflowJobID: wj.WorkflowJobID,
					InputID:       input.InputID,
					Reason:        fmt.Sprintf("job %s produced no dataset for output %s", job.JobID, input.SourceJobOutputID),
				}
			default:
				return changed, &BindError{
					WorkflowJobID: wj.WorkflowJobID,
					InputID:       input.InputID,
					Reason:        fmt.Sprintf("job %s produced %d datasets for output %s", job.JobID, len(matched), input.SourceJobOutputID),
				}
			}
		}
	}
	return changed, nil
}

// OperableJobs returns the workflow jobs that have every input bound and no
// job yet, in workflow order.
func OperableJobs(run *model.WorkflowRun) []*model.WorkflowJob {
	ret := []*model.WorkflowJob{}
	for i := range run.Jobs {
		if run.Jobs[i].IsOperable() {
			ret = append(ret, &run.Jobs[i])
		}
	}
	return ret
}

// ValidateGraph checks that ids are unique, that every unbound input names an
// existing workflow job and an output, and that the dependencies are acyclic.
func ValidateGraph(run *model.WorkflowRun) error {
	indegree := make(map[string]int, len(run.Jobs))
	downstream := make(map[string][]string, len(run.Jobs))
	for _, wj := range run.Jobs {
		if wj.WorkflowJobID == "" {
			return fmt.Errorf("workflow job without id")
		}
		if _, ok := indegree[wj.WorkflowJobID]; ok {
			return fmt.Errorf("duplicate workflow job %s", wj.WorkflowJobID)
		}
		indegree[wj.WorkflowJobID] = 0
	}
	for _, wj := range run.Jobs {
		for _, input := range wj.Inputs {
			if input.IsBound() {
				continue
			}
			if input.SourceWorkflowJobID == "" {
				return fmt.Errorf("input %s of workflow job %s has neither a dataset nor a source", input.InputID, wj.WorkflowJobID)
			}
			if _, ok := indegree[input.SourceWorkflowJobID]; !ok {
				return fmt.Errorf("input %s of workflow job %s refers to unknown workflow job %s", input.InputID, wj.WorkflowJobID, input.SourceWorkflowJobID)
			}
			if input.SourceJobOutputID == "" {
				return fmt.Errorf("input %s of workflow job %s names no output of %s", input.InputID, wj.WorkflowJobID, input.SourceWorkflowJobID)
			}
			downstream[input.SourceWorkflowJobID] = append(downstream[input.SourceWorkflowJobID], wj.WorkflowJobID)
			indegree[wj.WorkflowJobID]++
		}
	}

	queue := []string{}
	for id, degree := range indegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range downstream[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited == len(run.Jobs) {
		return nil
	}
	inCycle := []string{}
	for id, degree := range indegree {
		if degree > 0 {
			inCycle = append(inCycle, id)
		}
	}
	sort.Strings(inCycle)
	return fmt.Errorf("%w: %s", ErrCycle, strings.Join(inCycle, ", "))
}
