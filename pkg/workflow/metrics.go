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
	"github.com/prometheus/client_golang/prometheus"
	"kubegems.io/jobflow/pkg/model"
)

// RunsCollector reports the tracked workflow runs per state on every scrape.
type RunsCollector struct {
	scheduler *Scheduler
	runsDesc  *prometheus.Desc
}

func NewRunsCollector(scheduler *Scheduler) *RunsCollector {
	return &RunsCollector{
		scheduler: scheduler,
		runsDesc: prometheus.NewDesc(
			prometheus.BuildFQName("jobflow", "workflow", "runs"),
			"Active workflow runs by state.",
			[]string{"state"},
			nil,
		),
	}
}

func (c *RunsCollector) Update(ch chan<- prometheus.Metric) error {
	counts := c.scheduler.Counts()
	for _, state := range model.ActiveWorkflowStates {
		ch <- prometheus.MustNewConstMetric(c.runsDesc, prometheus.GaugeValue, float64(counts[state]), string(state))
	}
	return nil
}
