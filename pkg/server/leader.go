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

package server

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"kubegems.io/jobflow/pkg/log"
	"kubegems.io/jobflow/pkg/utils/retry"
)

const (
	DefaultLockName = "jobflow-scheduler-lock"
	DefaultLockTTL  = 15 * time.Second
)

// Leader holds a redis lock while the dispatch loops run, so scheduler
// replicas sharing one session store do not schedule the same job twice.
type Leader struct {
	mutex *redsync.Mutex
	ttl   time.Duration
}

func NewLeader(cli *redis.Client, name string, ttl time.Duration) *Leader {
	rs := redsync.New(goredis.NewPool(cli))
	return &Leader{
		mutex: rs.NewMutex(name, redsync.WithExpiry(ttl)),
		ttl:   ttl,
	}
}

// Run blocks until the lock is held and then runs fn. The ctx given to fn is
// cancelled when the lock cannot be extended; Run then returns an error so
// the process restarts as a standby.
func (l *Leader) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	logger := log.FromContextOrDiscard(ctx).WithName("leader")
	for {
		err := l.mutex.LockContext(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		logger.V(1).Info("lock held by another replica", "error", err.Error())
		if retry.Wait(ctx, l.ttl) != nil {
			return nil
		}
	}
	logger.Info("acquired scheduler lock")
	defer func() {
		if _, err := l.mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			logger.Error(err, "release scheduler lock")
		}
	}()

	leadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := make(chan struct{})
	go func() {
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-leadCtx.Done():
				return
			case <-ticker.C:
				if ok, err := l.mutex.ExtendContext(leadCtx); !ok || err != nil {
					if leadCtx.Err() != nil {
						return
					}
					logger.Error(err, "scheduler lock lost", "extended", ok)
					close(lost)
					cancel()
					return
				}
			}
		}
	}()

	err := fn(leadCtx)
	select {
	case <-lost:
		return errors.New("scheduler lock lost")
	default:
		return err
	}
}
