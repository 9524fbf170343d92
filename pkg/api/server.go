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

// Package api serves the scheduler's HTTP surface: the topic websockets,
// the read-only status, health and metrics.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"kubegems.io/jobflow/pkg/log"
	"kubegems.io/jobflow/pkg/model"
	"kubegems.io/jobflow/pkg/msgbus"
	"kubegems.io/jobflow/pkg/scheduler"
	"kubegems.io/jobflow/pkg/utils/exporter"
	"kubegems.io/jobflow/pkg/utils/system"
	"kubegems.io/jobflow/pkg/version"
)

type Quota struct {
	MaxSlotsPerUser   int   `json:"maxSlotsPerUser"`
	MaxRunsPerUser    int   `json:"maxRunsPerUser"`
	MaxStoragePerUser int64 `json:"maxStoragePerUser"`
}

type Status struct {
	Quota        Quota                       `json:"quota"`
	Jobs         scheduler.JobCounts         `json:"jobs"`
	WorkflowRuns map[model.WorkflowState]int `json:"workflowRuns"`
	Topics       map[string]int              `json:"topics"`
}

type JobCounter interface {
	Counts() scheduler.JobCounts
}

type RunCounter interface {
	Counts() map[model.WorkflowState]int
}

type TopicCounter interface {
	Topics() map[string]int
}

// StatusHandler reports limits and what the scheduler currently tracks.
// Runs may be nil when the orchestrator is disabled.
type StatusHandler struct {
	Quota  Quota
	Jobs   JobCounter
	Runs   RunCounter
	Topics TopicCounter
}

func (h *StatusHandler) RegistRouter(rg *gin.RouterGroup) {
	rg.GET("/status", h.Status)
	rg.GET("/version", h.Version)
}

func (h *StatusHandler) Status(c *gin.Context) {
	status := Status{
		Quota:        h.Quota,
		Jobs:         h.Jobs.Counts(),
		WorkflowRuns: map[model.WorkflowState]int{},
		Topics:       h.Topics.Topics(),
	}
	for _, state := range model.ActiveWorkflowStates {
		status.WorkflowRuns[state] = 0
	}
	if h.Runs != nil {
		for state, count := range h.Runs.Counts() {
			status.WorkflowRuns[state] = count
		}
	}
	c.JSON(http.StatusOK, status)
}

func (h *StatusHandler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, version.Get())
}

type Server struct {
	Listen  string
	Status  *StatusHandler
	Topics  *msgbus.Handler
	Metrics *exporter.Exporter
}

func (s *Server) Engine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(log.DefaultGinLoggerMideare(), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if s.Metrics != nil {
		r.GET(exporter.MetricPath, gin.WrapH(s.Metrics.Handler()))
	}
	s.Topics.RegistRouter(&r.RouterGroup)
	s.Status.RegistRouter(r.Group("/api/v1"))
	return r
}

func (s *Server) Run(ctx context.Context) error {
	return system.ListenAndServeContext(ctx, s.Listen, s.Engine())
}
