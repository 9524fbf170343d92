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

// Package bash dispatches jobs by running shell commands instead of talking
// to workers over the jobs topic, e.g. to submit them to a batch system.
package bash

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"
	"kubegems.io/jobflow/pkg/log"
	"kubegems.io/jobflow/pkg/model"
	"kubegems.io/jobflow/pkg/scheduler"
	"kubegems.io/jobflow/pkg/utils"
	"kubegems.io/jobflow/pkg/utils/set"
)

const maxLoggedOutput = 4096

type Options struct {
	RunCommand        string        `json:"runCommand,omitempty" description:"command that starts a job, gets SESSION_ID, JOB_ID and SLOTS"`
	CancelCommand     string        `json:"cancelCommand,omitempty" description:"command that cancels a job"`
	HeartbeatCommand  string        `json:"heartbeatCommand,omitempty" description:"command that exits 0 while a job is alive"`
	HeartbeatInterval time.Duration `json:"heartbeatInterval,omitempty" description:"interval of the heartbeat command"`
	HeartbeatTimeout  time.Duration `json:"heartbeatTimeout,omitempty" description:"time a heartbeat command may take before the job counts as lost"`
	Concurrency       int           `json:"concurrency,omitempty" description:"run and cancel commands executed at the same time"`
}

func DefaultOptions() *Options {
	return &Options{
		RunCommand:        "jobflow-run.sh",
		CancelCommand:     "jobflow-cancel.sh",
		HeartbeatCommand:  "",
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		Concurrency:       10,
	}
}

func (o *Options) RegistFlags(prefix string, fs *pflag.FlagSet) {
	fs.StringVar(&o.RunCommand, utils.JoinFlagName(prefix, "run-command"), o.RunCommand, "command that starts a job, gets SESSION_ID, JOB_ID and SLOTS")
	fs.StringVar(&o.CancelCommand, utils.JoinFlagName(prefix, "cancel-command"), o.CancelCommand, "command that cancels a job")
	fs.StringVar(&o.HeartbeatCommand, utils.JoinFlagName(prefix, "heartbeat-command"), o.HeartbeatCommand, "command that exits 0 while a job is alive, empty to trust running jobs")
	fs.DurationVar(&o.HeartbeatInterval, utils.JoinFlagName(prefix, "heartbeat-interval"), o.HeartbeatInterval, "interval of the heartbeat command")
	fs.DurationVar(&o.HeartbeatTimeout, utils.JoinFlagName(prefix, "heartbeat-timeout"), o.HeartbeatTimeout, "time a heartbeat command may take, 0 for the heartbeat interval")
	fs.IntVar(&o.Concurrency, utils.JoinFlagName(prefix, "concurrency"), o.Concurrency, "run and cancel commands executed at the same time")
}

// Dispatcher starts jobs with the run command. A job counts as running as soon
// as its run command was launched.
type Dispatcher struct {
	options  *Options
	jobs     *scheduler.Jobs
	clock    clock.PassiveClock
	sem      *semaphore.Weighted
	active   *set.SyncSet[model.IdPair]
	workerID string
	wg       sync.WaitGroup
}

var _ scheduler.JobDispatcher = &Dispatcher{}

func NewDispatcher(options *Options, jobs *scheduler.Jobs, clk clock.PassiveClock) *Dispatcher {
	concurrency := options.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	hostname, _ := os.Hostname()
	return &Dispatcher{
		options:  options,
		jobs:     jobs,
		clock:    clk,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		active:   set.NewSyncSet[model.IdPair](),
		workerID: "bash@" + hostname,
	}
}

// Run drives the heartbeat until ctx is done and waits for launched commands.
func (d *Dispatcher) Run(ctx context.Context) error {
	logger := log.FromContextOrDiscard(ctx).WithName("bash-dispatcher")
	ctx = log.NewContext(ctx, logger)
	crontab := cron.New()
	if _, err := crontab.AddFunc(fmt.Sprintf("@every %s", d.options.HeartbeatInterval), func() {
		d.Heartbeat(ctx)
	}); err != nil {
		return err
	}
	crontab.Start()
	logger.Info("bash dispatcher started", "concurrency", d.options.Concurrency)
	<-ctx.Done()
	<-crontab.Stop().Done()
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) ScheduleJob(ctx context.Context, id model.IdPair) {
	d.jobs.SetRunning(id, d.workerID, d.clock.Now())
	d.active.Add(id)
	d.launch(ctx, "run", d.options.RunCommand, id)
}

func (d *Dispatcher) CancelJob(ctx context.Context, id model.IdPair) {
	d.active.Remove(id)
	d.launch(ctx, "cancel", d.options.CancelCommand, id)
}

func (d *Dispatcher) RemoveFinishedJob(_ context.Context, id model.IdPair) {
	d.active.Remove(id)
}

// Abandon always fails: a launched job is never waiting for a worker.
func (d *Dispatcher) Abandon(context.Context, model.IdPair) bool {
	return false
}

// launch runs command in the background; it waits for a free slot of the pool.
func (d *Dispatcher) launch(ctx context.Context, kind, command string, id model.IdPair) {
	slots := 1
	if state, ok := d.jobs.Get(id); ok && state.Slots > 0 {
		slots = state.Slots
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer d.sem.Release(1)
		if err := d.Exec(ctx, command, id, slots); err != nil {
			log.FromContextOrDiscard(ctx).Error(err, "dispatch command failed", "kind", kind, "job", id.String())
		}
	}()
}

// Heartbeat runs the heartbeat command of every active job on the pool and
// refreshes the jobs that answered in time. It returns when all commands are done.
func (d *Dispatcher) Heartbeat(ctx context.Context) {
	if d.options.HeartbeatCommand == "" {
		for _, id := range d.active.Slice() {
			d.jobs.Heartbeat(id, d.clock.Now())
		}
		return
	}
	timeout := d.options.HeartbeatTimeout
	if timeout <= 0 {
		timeout = d.options.HeartbeatInterval
	}
	logger := log.FromContextOrDiscard(ctx)
	wg := sync.WaitGroup{}
	for _, id := range d.active.Slice() {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(id model.IdPair) {
			defer wg.Done()
			defer d.sem.Release(1)
			hbctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			err := d.Exec(hbctx, d.options.HeartbeatCommand, id, 0)
			if err == nil && hbctx.Err() != nil {
				err = fmt.Errorf("no answer within %s", timeout)
			}
			if err != nil {
				logger.Info("heartbeat lost", "job", id.String(), "error", err.Error())
				return
			}
			d.jobs.Heartbeat(id, d.clock.Now())
		}(id)
	}
	wg.Wait()
}

// Exec runs command with the job in its environment. Termination by SIGTERM
// or SIGKILL counts as success, the job was cancelled.
func (d *Dispatcher) Exec(ctx context.Context, command string, id model.IdPair, slots int) error {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(),
		"SESSION_ID="+id.SessionID,
		"JOB_ID="+id.ID,
		"SLOTS="+strconv.Itoa(slots),
	)
	out, err := cmd.CombinedOutput()
	if err == nil {
		log.FromContextOrDiscard(ctx).V(1).Info("command done", "job", id.String(), "command", command)
		return nil
	}
	exitErr := &exec.ExitError{}
	if !errors.As(err, &exitErr) {
		return err
	}
	if isTerminated(exitErr) {
		log.FromContextOrDiscard(ctx).V(1).Info("command terminated", "job", id.String(), "exitCode", exitErr.ExitCode())
		return nil
	}
	if len(out) > maxLoggedOutput {
		out = out[len(out)-maxLoggedOutput:]
	}
	return fmt.Errorf("%q exited with %d: %s", command, exitErr.ExitCode(), out)
}

func isTerminated(exitErr *exec.ExitError) bool {
	switch exitErr.ExitCode() {
	case 128 + int(syscall.SIGTERM), 128 + int(syscall.SIGKILL):
		return true
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		sig := status.Signal()
		return sig == syscall.SIGTERM || sig == syscall.SIGKILL
	}
	return false
}
