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
	"fmt"
	"time"

	"dario.cat/mergo"
	"github.com/spf13/pflag"
	"kubegems.io/jobflow/pkg/model"
	"kubegems.io/jobflow/pkg/utils"
)

// OnErrorPolicy decides what a failed job does to its workflow run.
type OnErrorPolicy string

const (
	// OnErrorIgnore keeps the run going; jobs depending on the failed one never start.
	OnErrorIgnore OnErrorPolicy = "IGNORE"
	// OnErrorBailOut cancels the jobs in flight and fails the run.
	OnErrorBailOut OnErrorPolicy = "BAIL_OUT"
	// OnErrorDrain starts nothing new, lets the jobs in flight finish and fails the run.
	OnErrorDrain OnErrorPolicy = "DRAIN"
)

// Options of the orchestrator. Zero values take the defaults; a negative
// limit or timeout disables it.
type Options struct {
	MaxRunsPerUser    int           `json:"maxRunsPerUser,omitempty" description:"active workflow runs per user, negative for no limit"`
	OnError           OnErrorPolicy `json:"onError,omitempty" description:"what a failed job does to its run: IGNORE, BAIL_OUT or DRAIN"`
	NewTimeout        time.Duration `json:"newTimeout,omitempty" description:"time a run may stay NEW"`
	RunningTimeout    time.Duration `json:"runningTimeout,omitempty" description:"time a run may stay RUNNING"`
	DrainingTimeout   time.Duration `json:"drainingTimeout,omitempty" description:"time a run may stay DRAINING"`
	CancellingTimeout time.Duration `json:"cancellingTimeout,omitempty" description:"time a run may stay CANCELLING"`
	SweepInterval     time.Duration `json:"sweepInterval,omitempty" description:"interval of the timeout sweep"`
	EventBuffer       int           `json:"eventBuffer,omitempty" description:"session events buffered for the orchestrator"`
}

func DefaultOptions() *Options {
	return &Options{
		MaxRunsPerUser:    10,
		OnError:           OnErrorDrain,
		NewTimeout:        time.Minute,
		RunningTimeout:    7 * 24 * time.Hour,
		DrainingTimeout:   24 * time.Hour,
		CancellingTimeout: 10 * time.Minute,
		SweepInterval:     30 * time.Second,
		EventBuffer:       1024,
	}
}

func (o *Options) RegistFlags(prefix string, fs *pflag.FlagSet) {
	fs.IntVar(&o.MaxRunsPerUser, utils.JoinFlagName(prefix, "max-runs-per-user"), o.MaxRunsPerUser, "active workflow runs per user, negative for no limit")
	fs.StringVar((*string)(&o.OnError), utils.JoinFlagName(prefix, "on-error"), string(o.OnError), "what a failed job does to its run: IGNORE, BAIL_OUT or DRAIN")
	fs.DurationVar(&o.NewTimeout, utils.JoinFlagName(prefix, "new-timeout"), o.NewTimeout, "time a run may stay NEW")
	fs.DurationVar(&o.RunningTimeout, utils.JoinFlagName(prefix, "running-timeout"), o.RunningTimeout, "time a run may stay RUNNING")
	fs.DurationVar(&o.DrainingTimeout, utils.JoinFlagName(prefix, "draining-timeout"), o.DrainingTimeout, "time a run may stay DRAINING")
	fs.DurationVar(&o.CancellingTimeout, utils.JoinFlagName(prefix, "cancelling-timeout"), o.CancellingTimeout, "time a run may stay CANCELLING")
	fs.DurationVar(&o.SweepInterval, utils.JoinFlagName(prefix, "sweep-interval"), o.SweepInterval, "interval of the timeout sweep")
	fs.IntVar(&o.EventBuffer, utils.JoinFlagName(prefix, "event-buffer"), o.EventBuffer, "session events buffered for the orchestrator")
}

// Complete returns a copy with zero values replaced by the defaults.
func (o *Options) Complete() (*Options, error) {
	completed := *o
	if err := mergo.Merge(&completed, DefaultOptions()); err != nil {
		return nil, err
	}
	switch completed.OnError {
	case OnErrorIgnore, OnErrorBailOut, OnErrorDrain:
	default:
		return nil, fmt.Errorf("unknown on-error policy %q", completed.OnError)
	}
	return &completed, nil
}

// Timeout returns the limit for a run in state, 0 when there is none.
func (o *Options) Timeout(state model.WorkflowState) time.Duration {
	var limit time.Duration
	switch state {
	case model.WorkflowStateNew:
		limit = o.NewTimeout
	case model.WorkflowStateRunning:
		limit = o.RunningTimeout
	case model.WorkflowStateDraining:
		limit = o.DrainingTimeout
	case model.WorkflowStateCancelling:
		limit = o.CancellingTimeout
	}
	if limit < 0 {
		return 0
	}
	return limit
}
