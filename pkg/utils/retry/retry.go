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

package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

var DefaultBackoff = wait.Backoff{
	Steps:    math.MaxInt32,   // retry forever
	Duration: 5 * time.Second, // base interval
	Factor:   1.1,             // each wait is the previous one * factor
	Jitter:   0.1,
	Cap:      2 * time.Minute,
}

func AlwaysError(error) bool { return true }

func NotContextCancelError(err error) bool {
	return !errors.Is(err, context.Canceled)
}

func Always(fn func() error) error {
	return OnError(DefaultBackoff, AlwaysError, fn)
}

// OnError calls fn until it succeeds, returns an error isRetry rejects, or the
// backoff runs out of steps. The last error from fn is returned.
func OnError(backoff wait.Backoff, isRetry func(error) bool, fn func() error) error {
	var lastErr error
	err := wait.ExponentialBackoff(backoff, func() (bool, error) {
		err := fn()
		switch {
		case err == nil:
			return true, nil
		case isRetry(err):
			lastErr = err
			return false, nil
		default:
			return false, err
		}
	})
	if wait.Interrupted(err) && lastErr != nil {
		err = lastErr
	}
	return err
}

// ReconnectBackoff retries quickly for the first FastSteps attempts and then
// falls back to the slower exponential Slow backoff, giving up after MaxAttempts.
type ReconnectBackoff struct {
	Fast        wait.Backoff
	Slow        wait.Backoff
	MaxAttempts int

	attempts int
}

func NewReconnectBackoff() *ReconnectBackoff {
	return &ReconnectBackoff{
		Fast:        wait.Backoff{Duration: time.Second, Factor: 1.0, Jitter: 0.2, Steps: 10},
		Slow:        wait.Backoff{Duration: 5 * time.Second, Factor: 1.5, Jitter: 0.2, Steps: math.MaxInt32, Cap: time.Minute},
		MaxAttempts: 60,
	}
}

// Next returns how long to wait before the next attempt, or false when the
// attempts are exhausted.
func (b *ReconnectBackoff) Next() (time.Duration, bool) {
	if b.MaxAttempts > 0 && b.attempts >= b.MaxAttempts {
		return 0, false
	}
	b.attempts++
	if b.Fast.Steps > 0 {
		return b.Fast.Step(), true
	}
	return b.Slow.Step(), true
}

func (b *ReconnectBackoff) Attempts() int {
	return b.attempts
}

// Reset is called after a connection was established successfully.
func (b *ReconnectBackoff) Reset() {
	fresh := NewReconnectBackoff()
	fresh.MaxAttempts = b.MaxAttempts
	*b = *fresh
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
