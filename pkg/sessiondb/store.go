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

package sessiondb

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"kubegems.io/jobflow/pkg/log"
	"kubegems.io/jobflow/pkg/model"
)

const DefaultEventChannel = "jobflow:events"

// Store persists objects with gorm and announces changes on a redis channel,
// so every scheduler replica sees the same event stream.
type Store struct {
	db      *gorm.DB
	redis   *redis.Client
	channel string
}

func NewStore(db *gorm.DB, cli *redis.Client) *Store {
	return &Store{db: db, redis: cli, channel: DefaultEventChannel}
}

// Redis returns the client the events travel on.
func (s *Store) Redis() *redis.Client {
	return s.redis
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&model.Job{}, &model.Dataset{}, &model.WorkflowRun{})
}

func (s *Store) publish(ctx context.Context, event model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := s.redis.Publish(ctx, s.channel, data).Err(); err != nil {
		return errors.Wrapf(err, "publish %s event of %s", event.EventType, event.IdPair())
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, handler EventHandler) error {
	logger := log.FromContextOrDiscard(ctx).WithName("sessiondb")
	pubsub := s.redis.Subscribe(ctx, s.channel)
	defer pubsub.Close()
	// wait for the subscription to be confirmed before returning messages
	if _, err := pubsub.Receive(ctx); err != nil {
		return errors.Wrap(err, "subscribe")
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("event channel closed")
			}
			event := model.Event{}
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Error(err, "decode event", "payload", msg.Payload)
				continue
			}
			handler(ctx, event)
		}
	}
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(ErrNotFound, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}

func (s *Store) GetJob(ctx context.Context, id model.IdPair) (*model.Job, error) {
	job := &model.Job{}
	if err := s.db.WithContext(ctx).Take(job, "session_id = ? AND job_id = ?", id.SessionID, id.ID).Error; err != nil {
		return nil, notFound(err, "get job %s", id)
	}
	return job, nil
}

func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.State == "" {
		job.State = model.JobStateNew
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return errors.Wrapf(err, "create job %s", job.IdPair())
	}
	return s.publish(ctx, model.NewJobEvent(job, model.EventCreate))
}

func (s *Store) UpdateJob(ctx context.Context, job *model.Job) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Select("job_id").Take(&model.Job{}, "session_id = ? AND job_id = ?", job.SessionID, job.JobID).Error; err != nil {
			return err
		}
		return tx.Save(job).Error
	})
	if err != nil {
		return notFound(err, "update job %s", job.IdPair())
	}
	return s.publish(ctx, model.NewJobEvent(job, model.EventUpdate))
}

func (s *Store) DeleteJob(ctx context.Context, id model.IdPair) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(job).Error; err != nil {
		return errors.Wrapf(err, "delete job %s", id)
	}
	return s.publish(ctx, model.NewJobEvent(job, model.EventDelete))
}

func (s *Store) GetJobs(ctx context.Context, sessionID string) ([]model.Job, error) {
	jobs := []model.Job{}
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created, job_id").Find(&jobs).Error; err != nil {
		return nil, errors.Wrapf(err, "list jobs of session %s", sessionID)
	}
	return jobs, nil
}

func (s *Store) ListJobs(ctx context.Context, states ...model.JobState) ([]model.Job, error) {
	jobs := []model.Job{}
	query := s.db.WithContext(ctx).Order("created, job_id")
	if len(states) > 0 {
		query = query.Where("state IN ?", states)
	}
	if err := query.Find(&jobs).Error; err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	return jobs, nil
}

func (s *Store) CreateDataset(ctx context.Context, dataset *model.Dataset) error {
	if dataset.DatasetID == "" {
		dataset.DatasetID = uuid.New().String()
	}
	return errors.Wrapf(s.db.WithContext(ctx).Create(dataset).Error, "create dataset %s", dataset.DatasetID)
}

func (s *Store) GetDatasets(ctx context.Context, sessionID string) ([]model.Dataset, error) {
	datasets := []model.Dataset{}
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("dataset_id").Find(&datasets).Error; err != nil {
		return nil, errors.Wrapf(err, "list datasets of session %s", sessionID)
	}
	return datasets, nil
}

func (s *Store) CreateWorkflowRun(ctx context.Context, run *model.WorkflowRun) error {
	if run.WorkflowRunID == "" {
		run.WorkflowRunID = uuid.New().String()
	}
	if run.State == "" {
		run.State = model.WorkflowStateNew
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return errors.Wrapf(err, "create workflow run %s", run.IdPair())
	}
	return s.publish(ctx, model.NewWorkflowRunEvent(run, model.EventCreate))
}

func (s *Store) GetWorkflowRun(ctx context.Context, id model.IdPair) (*model.WorkflowRun, error) {
	run := &model.WorkflowRun{}
	if err := s.db.WithContext(ctx).Take(run, "session_id = ? AND workflow_run_id = ?", id.SessionID, id.ID).Error; err != nil {
		return nil, notFound(err, "get workflow run %s", id)
	}
	return run, nil
}

func (s *Store) UpdateWorkflowRun(ctx context.Context, run *model.WorkflowRun) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Select("workflow_run_id").Take(&model.WorkflowRun{}, "session_id = ? AND workflow_run_id = ?", run.SessionID, run.WorkflowRunID).Error; err != nil {
			return err
		}
		return tx.Save(run).Error
	})
	if err != nil {
		return notFound(err, "update workflow run %s", run.IdPair())
	}
	return s.publish(ctx, model.NewWorkflowRunEvent(run, model.EventUpdate))
}

func (s *Store) DeleteWorkflowRun(ctx context.Context, id model.IdPair) error {
	run, err := s.GetWorkflowRun(ctx, id)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(run).Error; err != nil {
		return errors.Wrapf(err, "delete workflow run %s", id)
	}
	return s.publish(ctx, model.NewWorkflowRunEvent(run, model.EventDelete))
}

func (s *Store) ListWorkflowRuns(ctx context.Context, states ...model.WorkflowState) ([]model.WorkflowRun, error) {
	runs := []model.WorkflowRun{}
	query := s.db.WithContext(ctx).Order("created")
	if len(states) > 0 {
		query = query.Where("state IN ?", states)
	}
	if err := query.Find(&runs).Error; err != nil {
		return nil, errors.Wrap(err, "list workflow runs")
	}
	return runs, nil
}
