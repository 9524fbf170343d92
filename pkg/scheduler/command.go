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
	"fmt"

	"github.com/goccy/go-json"
	"kubegems.io/jobflow/pkg/model"
)

type CommandType string

const (
	CommandSchedule  CommandType = "SCHEDULE"
	CommandOffer     CommandType = "OFFER"
	CommandChoose    CommandType = "CHOOSE"
	CommandBusy      CommandType = "BUSY"
	CommandAvailable CommandType = "AVAILABLE"
	CommandCancel    CommandType = "CANCEL"
	CommandRunning   CommandType = "RUNNING"
)

// Command is the message exchanged between the scheduler and the workers on
// the jobs topic.
type Command struct {
	SessionID string      `json:"sessionId,omitempty"`
	JobID     string      `json:"jobId,omitempty"`
	WorkerID  string      `json:"workerId,omitempty"`
	Command   CommandType `json:"command"`
}

func NewCommand(command CommandType, id model.IdPair, workerID string) Command {
	return Command{SessionID: id.SessionID, JobID: id.ID, WorkerID: workerID, Command: command}
}

func (c Command) IdPair() model.IdPair {
	return model.NewIdPair(c.SessionID, c.JobID)
}

func (c Command) Encode() []byte {
	// a struct of strings always marshals
	data, _ := json.Marshal(c)
	return data
}

func DecodeCommand(data []byte) (Command, error) {
	cmd := Command{}
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, fmt.Errorf("decode command: %w", err)
	}
	switch cmd.Command {
	case CommandSchedule, CommandOffer, CommandChoose, CommandCancel, CommandRunning:
		if cmd.SessionID == "" || cmd.JobID == "" {
			return cmd, fmt.Errorf("command %s without job", cmd.Command)
		}
	case CommandBusy, CommandAvailable:
	default:
		return cmd, fmt.Errorf("unknown command %q", cmd.Command)
	}
	return cmd, nil
}
