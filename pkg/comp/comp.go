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

// Package comp is the worker side of the jobs topic: it offers to run
// scheduled jobs while it has free slots, runs the jobs it is chosen for and
// writes their results to the session store.
package comp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"
	"kubegems.io/jobflow/pkg/log"
	"kubegems.io/jobflow/pkg/model"
	"kubegems.io/jobflow/pkg/msgbus/client"
	"kubegems.io/jobflow/pkg/scheduler"
	"kubegems.io/jobflow/pkg/sessiondb"
)

var errWorkerStopped = errors.New("worker stopped")

// SessionStore is the part of the session store a worker writes to.
type SessionStore interface {
	GetJob(ctx context.Context, id model.IdPair) (*model.Job, error)
	UpdateJob(ctx context.Context, job *model.Job) error
	CreateDataset(ctx context.Context, dataset *model.Dataset) error
}

type Sender interface {
	Send(data []byte) error
}

type offer struct {
	slots int
	at    time.Time
}

type runningJob struct {
	slots     int
	cancel    context.CancelFunc
	cancelled bool
}

type Comp struct {
	options *Options
	store   SessionStore
	runner  Runner
	clock   clock.PassiveClock
	id      string

	mu      sync.Mutex
	sender  Sender
	offered map[model.IdPair]offer
	running map[model.IdPair]*runningJob
	used    int
	busy    bool
	wg      sync.WaitGroup
}

// Run opens the shared session store and serves the jobs topic with the
// script runner until ctx is done.
func Run(ctx context.Context, options *Options) error {
	ctx = log.NewContext(ctx, log.LogrLogger)
	log.SetLevel(options.LogLevel)
	if options.SessionDB.Driver != sessiondb.DriverMysql {
		return fmt.Errorf("a worker needs the shared mysql session store, not %q", options.SessionDB.Driver)
	}
	store, err := sessiondb.Open(ctx, options.SessionDB)
	if err != nil {
		return fmt.Errorf("init session store failed: %w", err)
	}
	runner := &ScriptRunner{Command: options.Command, WorkDir: options.WorkDir}
	return NewComp(options, store, runner, clock.RealClock{}).Run(ctx)
}

func NewComp(options *Options, store SessionStore, runner Runner, clk clock.PassiveClock) *Comp {
	id := options.Name
	if id == "" {
		id = uuid.NewString()
	}
	return &Comp{
		options: options,
		store:   store,
		runner:  runner,
		clock:   clk,
		id:      id,
		offered: map[model.IdPair]offer{},
		running: map[model.IdPair]*runningJob{},
	}
}

func (c *Comp) ID() string {
	return c.id
}

// Run connects to the jobs topic and serves it until ctx is done or the
// connection cannot be restored. Jobs still running are cancelled on return.
func (c *Comp) Run(ctx context.Context) error {
	logger := log.FromContextOrDiscard(ctx).WithName("comp").WithValues("worker", c.id)
	ctx = log.NewContext(ctx, logger)

	cli := client.NewClient(c.options.Client, c.HandleMessage)
	cli.OnConnect = c.announce
	c.mu.Lock()
	c.sender = cli
	c.mu.Unlock()

	crontab := cron.New()
	if _, err := crontab.AddFunc(fmt.Sprintf("@every %s", c.options.HeartbeatInterval), func() {
		c.Heartbeat(ctx)
	}); err != nil {
		return err
	}
	crontab.Start()
	defer func() {
		<-crontab.Stop().Done()
		c.stopAll()
		c.wg.Wait()
	}()

	logger.Info("comp started", "slots", c.options.Slots, "server", c.options.Client.Server)
	return cli.Run(ctx)
}

// HandleMessage processes one command from the jobs topic.
func (c *Comp) HandleMessage(ctx context.Context, data []byte) {
	cmd, err := scheduler.DecodeCommand(data)
	if err != nil {
		log.FromContextOrDiscard(ctx).Error(err, "invalid command")
		return
	}
	switch cmd.Command {
	case scheduler.CommandSchedule:
		c.offer(ctx, cmd.IdPair())
	case scheduler.CommandChoose:
		c.choose(ctx, cmd)
	case scheduler.CommandCancel:
		c.cancel(ctx, cmd.IdPair())
	}
}

// Heartbeat reports the running jobs and gives up offers nobody answered.
func (c *Comp) Heartbeat(ctx context.Context) {
	now := c.clock.Now()
	c.mu.Lock()
	running := make([]model.IdPair, 0, len(c.running))
	for id := range c.running {
		running = append(running, id)
	}
	available := false
	for id, o := range c.offered {
		if now.Sub(o.at) >= c.options.OfferTimeout {
			delete(c.offered, id)
			available = c.release(o.slots) || available
		}
	}
	c.mu.Unlock()

	for _, id := range running {
		c.send(ctx, scheduler.NewCommand(scheduler.CommandRunning, id, c.id))
	}
	if available {
		c.send(ctx, scheduler.Command{WorkerID: c.id, Command: scheduler.CommandAvailable})
	}
}

func (c *Comp) announce(ctx context.Context) {
	c.mu.Lock()
	free := c.used < c.options.Slots
	c.mu.Unlock()
	if free {
		c.send(ctx, scheduler.Command{WorkerID: c.id, Command: scheduler.CommandAvailable})
	}
}

func (c *Comp) offer(ctx context.Context, id model.IdPair) {
	logger := log.FromContextOrDiscard(ctx).WithValues("job", id.String())
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		if !errors.Is(err, sessiondb.ErrNotFound) {
			logger.Error(err, "get scheduled job")
		}
		return
	}
	if job.State != model.JobStateNew {
		return
	}
	slots := job.GetSlots()

	c.mu.Lock()
	if _, ok := c.offered[id]; ok || c.running[id] != nil {
		c.mu.Unlock()
		return
	}
	if used := c.used; used+slots > c.options.Slots {
		notify := !c.busy
		c.busy = true
		c.mu.Unlock()
		logger.V(1).Info("no free slots", "slots", slots, "used", used)
		if notify {
			c.send(ctx, scheduler.Command{WorkerID: c.id, Command: scheduler.CommandBusy})
		}
		return
	}
	c.offered[id] = offer{slots: slots, at: c.clock.Now()}
	c.used += slots
	c.mu.Unlock()

	logger.V(1).Info("offer", "slots", slots)
	c.send(ctx, scheduler.NewCommand(scheduler.CommandOffer, id, c.id))
}

func (c *Comp) choose(ctx context.Context, cmd scheduler.Command) {
	id := cmd.IdPair()
	c.mu.Lock()
	o, ok := c.offered[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.offered, id)
	if cmd.WorkerID != c.id {
		available := c.release(o.slots)
		c.mu.Unlock()
		if available {
			c.send(ctx, scheduler.Command{WorkerID: c.id, Command: scheduler.CommandAvailable})
		}
		return
	}
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.running[id] = &runningJob{slots: o.slots, cancel: cancel}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer cancel()
		c.execute(jobCtx, id)
	}()
}

func (c *Comp) cancel(ctx context.Context, id model.IdPair) {
	c.mu.Lock()
	available := false
	if o, ok := c.offered[id]; ok {
		delete(c.offered, id)
		available = c.release(o.slots)
	}
	if r, ok := c.running[id]; ok {
		r.cancelled = true
		r.cancel()
	}
	c.mu.Unlock()
	if available {
		c.send(ctx, scheduler.Command{WorkerID: c.id, Command: scheduler.CommandAvailable})
	}
}

func (c *Comp) stopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.running {
		r.cancel()
	}
}

// release frees slots; it reports whether a busy worker became available.
// c.mu must be held.
func (c *Comp) release(slots int) bool {
	c.used -= slots
	if c.busy && c.used < c.options.Slots {
		c.busy = false
		return true
	}
	return false
}

func (c *Comp) execute(ctx context.Context, id model.IdPair) {
	logger := log.FromContextOrDiscard(ctx).WithValues("job", id.String())
	job, err := c.store.GetJob(ctx, id)
	if err == nil && job.State.IsFinished() {
		err = fmt.Errorf("job already %s", job.State)
	}
	if err != nil {
		logger.Error(err, "start job")
		c.finish(ctx, id)
		return
	}
	now := c.clock.Now()
	job.State = model.JobStateRunning
	job.StateDetail = "running on " + c.id
	job.Start = &now
	if err := c.store.UpdateJob(ctx, job); err != nil {
		logger.Error(err, "set job running")
		c.finish(ctx, id)
		return
	}
	c.send(ctx, scheduler.NewCommand(scheduler.CommandRunning, id, c.id))
	logger.Info("job started", "tool", job.ToolID, "slots", job.GetSlots())

	outputs, runErr := c.runner.Run(ctx, job)
	r := c.finish(ctx, id)

	writeCtx := context.WithoutCancel(ctx)
	switch {
	case r.cancelled:
		logger.Info("job cancelled")
		return
	case ctx.Err() != nil:
		runErr = fmt.Errorf("%w: %s", errWorkerStopped, c.id)
	}
	if err := c.writeResult(writeCtx, job, outputs, runErr); err != nil {
		logger.Error(err, "write job result")
		return
	}
	logger.Info("job finished", "state", job.State)
}

// finish removes the job from the running ones and announces free slots.
func (c *Comp) finish(ctx context.Context, id model.IdPair) runningJob {
	c.mu.Lock()
	r := c.running[id]
	delete(c.running, id)
	available := c.release(r.slots)
	c.mu.Unlock()
	if available {
		c.send(context.WithoutCancel(ctx), scheduler.Command{WorkerID: c.id, Command: scheduler.CommandAvailable})
	}
	return *r
}

// writeResult stores the outputs as datasets and then the final job state,
// unless the job was finished by someone else in the meantime.
func (c *Comp) writeResult(ctx context.Context, job *model.Job, outputs []Output, runErr error) error {
	current, err := c.store.GetJob(ctx, job.IdPair())
	if err != nil {
		return err
	}
	if current.State.IsFinished() {
		return nil
	}
	now := c.clock.Now()
	if runErr == nil {
		for _, output := range outputs {
			dataset := &model.Dataset{
				SessionID:         job.SessionID,
				DatasetID:         uuid.NewString(),
				Name:              output.Name,
				SourceJob:         job.JobID,
				SourceJobOutputID: output.OutputID,
				Size:              output.Size,
				Created:           now,
			}
			if err := c.store.CreateDataset(ctx, dataset); err != nil {
				runErr = fmt.Errorf("store output %s: %w", output.OutputID, err)
				break
			}
		}
	}
	current.End = &now
	switch {
	case errors.Is(runErr, errWorkerStopped):
		current.State = model.JobStateError
		current.StateDetail = runErr.Error()
	case runErr != nil:
		current.State = model.JobStateFailed
		current.StateDetail = runErr.Error()
	default:
		current.State = model.JobStateCompleted
		current.StateDetail = ""
	}
	*job = *current
	return c.store.UpdateJob(ctx, current)
}

func (c *Comp) send(ctx context.Context, cmd scheduler.Command) {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender == nil {
		return
	}
	if err := sender.Send(cmd.Encode()); err != nil {
		log.FromContextOrDiscard(ctx).V(1).Info("send command failed", "command", cmd.Command, "error", err.Error())
	}
}
