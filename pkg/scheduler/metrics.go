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
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "jobflow"

var commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: metricsNamespace,
	Subsystem: "scheduler",
	Name:      "commands_total",
	Help:      "Dispatch commands sent and received on the jobs topic.",
}, []string{"command", "direction"})

var jobErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: metricsNamespace,
	Subsystem: "scheduler",
	Name:      "job_errors_total",
	Help:      "Jobs the scheduler set to ERROR.",
}, []string{"reason"})

// Metrics returns the counters to register on the metrics endpoint.
func Metrics() []prometheus.Collector {
	return []prometheus.Collector{commandsTotal, jobErrorsTotal}
}

// JobsCollector reports the dispatch table on every scrape.
type JobsCollector struct {
	jobs      *Jobs
	jobsDesc  *prometheus.Desc
	slotsDesc *prometheus.Desc
}

func NewJobsCollector(jobs *Jobs) *JobsCollector {
	return &JobsCollector{
		jobs: jobs,
		jobsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "scheduler", "jobs"),
			"Jobs in the dispatch table by dispatch state.",
			[]string{"state"},
			nil,
		),
		slotsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "scheduler", "user_slots"),
			"Slots in use per user.",
			[]string{"user"},
			nil,
		),
	}
}

func (c *JobsCollector) Update(ch chan<- prometheus.Metric) error {
	counts := c.jobs.Counts()
	ch <- prometheus.MustNewConstMetric(c.jobsDesc, prometheus.GaugeValue, float64(counts.Queued), "queued")
	ch <- prometheus.MustNewConstMetric(c.jobsDesc, prometheus.GaugeValue, float64(counts.Scheduled), "scheduled")
	ch <- prometheus.MustNewConstMetric(c.jobsDesc, prometheus.GaugeValue, float64(counts.Running), "running")

	slots := map[string]int{}
	for _, state := range c.jobs.Snapshot() {
		if !state.IsQueued() {
			slots[state.UserID] += state.Slots
		}
	}
	for user, used := range slots {
		ch <- prometheus.MustNewConstMetric(c.slotsDesc, prometheus.GaugeValue, float64(used), user)
	}
	return nil
}
