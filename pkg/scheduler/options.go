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
	"time"

	"github.com/spf13/pflag"
	"kubegems.io/jobflow/pkg/utils"
)

const (
	DispatcherOffer = "offer"
	DispatcherBash  = "bash"

	DefaultTopic = "jobs"
)

type Options struct {
	Dispatcher           string        `json:"dispatcher,omitempty" description:"job dispatcher, offer or bash"`
	Topic                string        `json:"topic,omitempty" description:"topic the offer dispatcher talks to workers on"`
	MaxSlotsPerUser      int           `json:"maxSlotsPerUser,omitempty" description:"slots of scheduled and running jobs one user may hold, 0 for no limit"`
	MaxStoragePerUser    int64         `json:"maxStoragePerUser,omitempty" description:"storage quota per user in bytes, reported on the status endpoint"`
	ScheduleTimeout      time.Duration `json:"scheduleTimeout,omitempty" description:"time a scheduled job may wait for a worker"`
	HeartbeatLostTimeout time.Duration `json:"heartbeatLostTimeout,omitempty" description:"time without heartbeat after which a running job is failed, 0 disables"`
	CheckInterval        time.Duration `json:"checkInterval,omitempty" description:"interval of the timeout check"`
}

func DefaultOptions() *Options {
	return &Options{
		Dispatcher:           DispatcherOffer,
		Topic:                DefaultTopic,
		MaxSlotsPerUser:      20,
		MaxStoragePerUser:    1 << 40,
		ScheduleTimeout:      time.Minute,
		HeartbeatLostTimeout: 5 * time.Minute,
		CheckInterval:        5 * time.Second,
	}
}

func (o *Options) RegistFlags(prefix string, fs *pflag.FlagSet) {
	fs.StringVar(&o.Dispatcher, utils.JoinFlagName(prefix, "dispatcher"), o.Dispatcher, "job dispatcher, offer or bash")
	fs.StringVar(&o.Topic, utils.JoinFlagName(prefix, "topic"), o.Topic, "topic the offer dispatcher talks to workers on")
	fs.IntVar(&o.MaxSlotsPerUser, utils.JoinFlagName(prefix, "max-slots-per-user"), o.MaxSlotsPerUser, "slots of scheduled and running jobs one user may hold, 0 for no limit")
	fs.Int64Var(&o.MaxStoragePerUser, utils.JoinFlagName(prefix, "max-storage-per-user"), o.MaxStoragePerUser, "storage quota per user in bytes")
	fs.DurationVar(&o.ScheduleTimeout, utils.JoinFlagName(prefix, "schedule-timeout"), o.ScheduleTimeout, "time a scheduled job may wait for a worker")
	fs.DurationVar(&o.HeartbeatLostTimeout, utils.JoinFlagName(prefix, "heartbeat-lost-timeout"), o.HeartbeatLostTimeout, "time without heartbeat after which a running job is failed, 0 disables")
	fs.DurationVar(&o.CheckInterval, utils.JoinFlagName(prefix, "check-interval"), o.CheckInterval, "interval of the timeout check")
}
