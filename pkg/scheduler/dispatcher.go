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
	"context"

	"k8s.io/utils/clock"
	"kubegems.io/jobflow/pkg/log"
	"kubegems.io/jobflow/pkg/model"
	"kubegems.io/jobflow/pkg/msgbus"
	"kubegems.io/jobflow/pkg/utils/set"
)

// JobDispatcher hands scheduled jobs to workers.
type JobDispatcher interface {
	ScheduleJob(ctx context.Context, id model.IdPair)
	CancelJob(ctx context.Context, id model.IdPair)
	RemoveFinishedJob(ctx context.Context, id model.IdPair)
	// Abandon withdraws a scheduled job no worker has taken yet. It reports
	// false when a worker was already chosen.
	Abandon(ctx context.Context, id model.IdPair) bool
}

type Publisher interface {
	Publish(ctx context.Context, topic string, msg []byte)
}

// OfferDispatcher broadcasts SCHEDULE and lets the workers compete: the first
// OFFER for a job wins and gets the CHOOSE, later offers are ignored.
type OfferDispatcher struct {
	topic     string
	publisher Publisher
	jobs      *Jobs
	pending   *set.SyncSet[model.IdPair]
	clock     clock.PassiveClock
}

var _ JobDispatcher = &OfferDispatcher{}

func NewOfferDispatcher(topic string, publisher Publisher, jobs *Jobs, clk clock.PassiveClock) *OfferDispatcher {
	return &OfferDispatcher{
		topic:     topic,
		publisher: publisher,
		jobs:      jobs,
		pending:   set.NewSyncSet[model.IdPair](),
		clock:     clk,
	}
}

func (d *OfferDispatcher) send(ctx context.Context, cmd Command) {
	commandsTotal.WithLabelValues(string(cmd.Command), "out").Inc()
	d.publisher.Publish(ctx, d.topic, cmd.Encode())
}

func (d *OfferDispatcher) ScheduleJob(ctx context.Context, id model.IdPair) {
	d.pending.Add(id)
	d.send(ctx, NewCommand(CommandSchedule, id, ""))
}

func (d *OfferDispatcher) CancelJob(ctx context.Context, id model.IdPair) {
	d.pending.Remove(id)
	d.send(ctx, NewCommand(CommandCancel, id, ""))
}

func (d *OfferDispatcher) RemoveFinishedJob(_ context.Context, id model.IdPair) {
	d.pending.Remove(id)
}

func (d *OfferDispatcher) Abandon(_ context.Context, id model.IdPair) bool {
	return d.pending.Remove(id)
}

func (d *OfferDispatcher) Pending() int {
	return d.pending.Len()
}

// HandleMessage processes the commands workers send on the jobs topic.
func (d *OfferDispatcher) HandleMessage(ctx context.Context, principal *msgbus.Principal, data []byte) {
	logger := log.FromContextOrDiscard(ctx).WithName("offer-dispatcher")
	cmd, err := DecodeCommand(data)
	if err != nil {
		logger.Error(err, "invalid message", "principal", principal.String())
		return
	}
	commandsTotal.WithLabelValues(string(cmd.Command), "in").Inc()
	id := cmd.IdPair()

	switch cmd.Command {
	case CommandOffer:
		// the set removal is the single point that decides the winner
		if !d.pending.Remove(id) {
			logger.V(1).Info("offer ignored, job already chosen or gone", "job", id.String(), "worker", cmd.WorkerID)
			return
		}
		if !d.jobs.SetRunning(id, cmd.WorkerID, d.clock.Now()) {
			logger.Info("offer for a job no longer dispatched", "job", id.String(), "worker", cmd.WorkerID)
			return
		}
		logger.Info("job chosen", "job", id.String(), "worker", cmd.WorkerID)
		d.send(ctx, NewCommand(CommandChoose, id, cmd.WorkerID))
	case CommandRunning:
		if !d.jobs.Heartbeat(id, d.clock.Now()) {
			logger.V(1).Info("heartbeat for unknown job", "job", id.String(), "worker", cmd.WorkerID)
		}
	case CommandBusy:
		logger.V(1).Info("worker busy", "worker", cmd.WorkerID)
	case CommandAvailable:
		logger.V(1).Info("worker available", "worker", cmd.WorkerID)
		// a worker that was full may have missed the broadcast
		for _, pending := range d.pending.Slice() {
			d.send(ctx, NewCommand(CommandSchedule, pending, ""))
		}
	default:
		// our own broadcasts echoed by a participant
		logger.V(5).Info("ignoring command", "command", cmd.Command)
	}
}
