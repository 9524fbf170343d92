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

package comp

import (
	"os"
	"time"

	"github.com/spf13/pflag"
	"kubegems.io/jobflow/pkg/msgbus/client"
	"kubegems.io/jobflow/pkg/sessiondb"
	"kubegems.io/jobflow/pkg/utils"
)

type Options struct {
	Name              string             `json:"name,omitempty" description:"worker id sent with offers, defaults to the hostname"`
	Slots             int                `json:"slots,omitempty" description:"slots this worker runs at the same time"`
	Command           string             `json:"command,omitempty" description:"script that runs a job"`
	WorkDir           string             `json:"workDir,omitempty" description:"directory for job working directories"`
	HeartbeatInterval time.Duration      `json:"heartbeatInterval,omitempty" description:"interval of RUNNING heartbeats"`
	OfferTimeout      time.Duration      `json:"offerTimeout,omitempty" description:"time an offer holds its slots without a CHOOSE"`
	LogLevel          string             `json:"logLevel,omitempty" description:"log level"`
	Client            *client.Options    `json:"client,omitempty"`
	SessionDB         *sessiondb.Options `json:"sessiondb,omitempty"`
}

func DefaultOptions() *Options {
	hostname, _ := os.Hostname()
	options := &Options{
		Name:              hostname,
		Slots:             2,
		Command:           "jobflow-tool.sh",
		WorkDir:           os.TempDir(),
		HeartbeatInterval: 30 * time.Second,
		OfferTimeout:      2 * time.Minute,
		LogLevel:          "info",
		Client:            client.DefaultOptions(),
		SessionDB:         sessiondb.DefaultOptions(),
	}
	options.SessionDB.Driver = sessiondb.DriverMysql
	return options
}

func (o *Options) RegistFlags(prefix string, fs *pflag.FlagSet) {
	fs.StringVar(&o.Name, utils.JoinFlagName(prefix, "name"), o.Name, "worker id sent with offers, defaults to the hostname")
	fs.IntVar(&o.Slots, utils.JoinFlagName(prefix, "slots"), o.Slots, "slots this worker runs at the same time")
	fs.StringVar(&o.Command, utils.JoinFlagName(prefix, "command"), o.Command, "script that runs a job")
	fs.StringVar(&o.WorkDir, utils.JoinFlagName(prefix, "work-dir"), o.WorkDir, "directory for job working directories")
	fs.DurationVar(&o.HeartbeatInterval, utils.JoinFlagName(prefix, "heartbeat-interval"), o.HeartbeatInterval, "interval of RUNNING heartbeats")
	fs.DurationVar(&o.OfferTimeout, utils.JoinFlagName(prefix, "offer-timeout"), o.OfferTimeout, "time an offer holds its slots without a CHOOSE")
	fs.StringVar(&o.LogLevel, utils.JoinFlagName(prefix, "loglevel"), o.LogLevel, "log level")
	o.Client.RegistFlags(utils.JoinFlagName(prefix, "client"), fs)
	o.SessionDB.RegistFlags(utils.JoinFlagName(prefix, "sessiondb"), fs)
}
