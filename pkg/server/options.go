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
	"github.com/spf13/pflag"
	"kubegems.io/jobflow/pkg/scheduler"
	"kubegems.io/jobflow/pkg/scheduler/bash"
	"kubegems.io/jobflow/pkg/sessiondb"
	"kubegems.io/jobflow/pkg/utils/jwt"
	"kubegems.io/jobflow/pkg/workflow"
)

type Options struct {
	Listen    string             `json:"listen,omitempty" description:"listen address of the api, topics and metrics"`
	LogLevel  string             `json:"logLevel,omitempty" description:"log level"`
	Pprof     string             `json:"pprof,omitempty" description:"listen address of the debug endpoints, empty disables them"`
	Workflows bool               `json:"workflows,omitempty" description:"run the workflow orchestrator"`
	SessionDB *sessiondb.Options `json:"sessiondb,omitempty"`
	Scheduler *scheduler.Options `json:"scheduler,omitempty"`
	Workflow  *workflow.Options  `json:"workflow,omitempty"`
	Bash      *bash.Options      `json:"bash,omitempty"`
	JWT       *jwt.Options       `json:"jwt,omitempty"`
}

func DefaultOptions() *Options {
	return &Options{
		Listen:    ":8080",
		LogLevel:  "info",
		Workflows: true,
		SessionDB: sessiondb.DefaultOptions(),
		Scheduler: scheduler.DefaultOptions(),
		Workflow:  workflow.DefaultOptions(),
		Bash:      bash.DefaultOptions(),
		JWT:       jwt.DefaultOptions(),
	}
}

func (o *Options) RegistFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Listen, "listen", o.Listen, "listen address of the api, topics and metrics")
	fs.StringVar(&o.LogLevel, "loglevel", o.LogLevel, "log level")
	fs.StringVar(&o.Pprof, "pprof", o.Pprof, "listen address of the debug endpoints, empty disables them")
	fs.BoolVar(&o.Workflows, "workflows", o.Workflows, "run the workflow orchestrator")
	o.SessionDB.RegistFlags("sessiondb", fs)
	o.Scheduler.RegistFlags("scheduler", fs)
	o.Workflow.RegistFlags("workflow", fs)
	o.Bash.RegistFlags("bash", fs)
	o.JWT.RegistFlags("jwt", fs)
}
