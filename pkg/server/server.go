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

// Package server composes the scheduler process: session store, topics,
// job dispatch, workflow orchestration and the HTTP api.
package server

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
	"kubegems.io/jobflow/pkg/api"
	"kubegems.io/jobflow/pkg/log"
	"kubegems.io/jobflow/pkg/msgbus"
	"kubegems.io/jobflow/pkg/scheduler"
	"kubegems.io/jobflow/pkg/scheduler/bash"
	"kubegems.io/jobflow/pkg/sessiondb"
	"kubegems.io/jobflow/pkg/utils/exporter"
	"kubegems.io/jobflow/pkg/utils/pprof"
	"kubegems.io/jobflow/pkg/workflow"
)

func Run(ctx context.Context, options *Options) error {
	ctx = log.NewContext(ctx, log.LogrLogger)
	deps, err := prepareDependencies(ctx, options, clock.RealClock{})
	if err != nil {
		return fmt.Errorf("init dependencies failed: %w", err)
	}
	return deps.Run(ctx)
}

type Dependencies struct {
	SessionDB sessiondb.Admin
	Broker    *msgbus.Broker
	Scheduler *scheduler.Scheduler
	// Bash is set when jobs are dispatched through the bash commands.
	Bash *bash.Dispatcher
	// Workflow is nil when the orchestrator is disabled.
	Workflow *workflow.Scheduler
	API      *api.Server
	// Leader is set when replicas share the session store.
	Leader *Leader
	// Pprof is the listen address of the debug endpoints, empty when disabled.
	Pprof string
}

// Run blocks until ctx is done or one of the loops fails, which stops the
// others.
func (d *Dependencies) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return d.API.Run(ctx)
	})
	eg.Go(func() error {
		return pprof.Run(ctx, d.Pprof)
	})
	eg.Go(func() error {
		if d.Leader == nil {
			return d.runLoops(ctx)
		}
		return d.Leader.Run(ctx, d.runLoops)
	})
	return eg.Wait()
}

// runLoops runs the dispatch and orchestration loops.
func (d *Dependencies) runLoops(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return d.Scheduler.Run(ctx)
	})
	if d.Bash != nil {
		eg.Go(func() error {
			return d.Bash.Run(ctx)
		})
	}
	if d.Workflow != nil {
		eg.Go(func() error {
			return d.Workflow.Run(ctx)
		})
	}
	return eg.Wait()
}

func prepareDependencies(ctx context.Context, options *Options, clk clock.PassiveClock) (*Dependencies, error) {
	log.SetLevel(options.LogLevel)
	db, err := sessiondb.Open(ctx, options.SessionDB)
	if err != nil {
		return nil, err
	}
	return newDependencies(ctx, options, db, clk)
}

func newDependencies(ctx context.Context, options *Options, db sessiondb.Admin, clk clock.PassiveClock) (*Dependencies, error) {
	authenticator, authorizer, err := newAuth(options)
	if err != nil {
		return nil, err
	}
	deps := &Dependencies{
		SessionDB: db,
		Broker:    msgbus.NewBroker(authorizer),
	}
	if store, ok := db.(*sessiondb.Store); ok {
		deps.Leader = NewLeader(store.Redis(), DefaultLockName, DefaultLockTTL)
	}

	jobs := scheduler.NewJobs()
	var dispatcher scheduler.JobDispatcher
	switch options.Scheduler.Dispatcher {
	case scheduler.DispatcherOffer:
		offer := scheduler.NewOfferDispatcher(options.Scheduler.Topic, deps.Broker, jobs, clk)
		deps.Broker.Handle(options.Scheduler.Topic, offer.HandleMessage)
		dispatcher = offer
	case scheduler.DispatcherBash:
		deps.Bash = bash.NewDispatcher(options.Bash, jobs, clk)
		dispatcher = deps.Bash
	default:
		return nil, fmt.Errorf("unknown job dispatcher %q", options.Scheduler.Dispatcher)
	}
	deps.Scheduler = scheduler.NewScheduler(options.Scheduler, db, jobs, dispatcher, clk)

	metrics := exporter.NewExporter("jobflow", log.FromContextOrDiscard(ctx))
	metrics.MustRegister(scheduler.Metrics()...)
	metrics.RegisterCollector("jobs", scheduler.NewJobsCollector(jobs))

	status := &api.StatusHandler{
		Quota: api.Quota{
			MaxSlotsPerUser:   options.Scheduler.MaxSlotsPerUser,
			MaxStoragePerUser: options.Scheduler.MaxStoragePerUser,
		},
		Jobs:   jobs,
		Topics: deps.Broker,
	}
	if options.Workflows {
		if deps.Workflow, err = workflow.NewScheduler(options.Workflow, db, clk); err != nil {
			return nil, err
		}
		metrics.RegisterCollector("workflow_runs", workflow.NewRunsCollector(deps.Workflow))
		status.Runs = deps.Workflow
		status.Quota.MaxRunsPerUser = options.Workflow.MaxRunsPerUser
	}

	deps.API = &api.Server{
		Listen:  options.Listen,
		Status:  status,
		Topics:  &msgbus.Handler{Broker: deps.Broker, Authenticator: authenticator},
		Metrics: metrics,
	}
	deps.Pprof = options.Pprof
	return deps, nil
}

// newAuth requires a token holding the scheduler or comp role on the jobs
// topic when jwt is enabled, and lets anyone in otherwise.
func newAuth(options *Options) (msgbus.Authenticator, msgbus.Authorizer, error) {
	if !options.JWT.Enabled {
		return msgbus.Anonymous{}, nil, nil
	}
	jwt, err := options.JWT.ToJWT()
	if err != nil {
		return nil, nil, fmt.Errorf("load jwt keys: %w", err)
	}
	authorizer := msgbus.RoleAuthorizer{
		TopicRoles: map[string][]string{
			options.Scheduler.Topic: {msgbus.RoleScheduler, msgbus.RoleComp},
		},
	}
	return msgbus.TokenAuthenticator{JWT: jwt}, authorizer, nil
}
