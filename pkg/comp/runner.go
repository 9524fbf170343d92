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
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"kubegems.io/jobflow/pkg/log"
	"kubegems.io/jobflow/pkg/model"
)

const (
	maxOutputInError = 2048
	waitDelay        = 5 * time.Second
)

// Output is a file a job produced for one of its outputs.
type Output struct {
	OutputID string
	Name     string
	Size     int64
}

// Runner executes one job. It returns when the job ended or ctx is done.
type Runner interface {
	Run(ctx context.Context, job *model.Job) ([]Output, error)
}

// ScriptRunner runs a job as a bash script in its own working directory.
// The script finds the job in SESSION_ID, JOB_ID, TOOL_ID and SLOTS, every
// input as INPUT_<id> holding the dataset id and every parameter as
// PARAM_<id>. Each file it writes to OUTPUT_DIR becomes an output, named by
// the file name without extension.
type ScriptRunner struct {
	Command string
	WorkDir string
}

func (r *ScriptRunner) Run(ctx context.Context, job *model.Job) ([]Output, error) {
	dir := filepath.Join(r.WorkDir, job.SessionID, job.JobID)
	outputDir := filepath.Join(dir, "outputs")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", r.Command)
	cmd.Dir = dir
	// children of a killed script may hold the output pipe open
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(),
		"SESSION_ID="+job.SessionID,
		"JOB_ID="+job.JobID,
		"TOOL_ID="+job.ToolID,
		"SLOTS="+strconv.Itoa(job.GetSlots()),
		"OUTPUT_DIR="+outputDir,
	)
	for _, input := range job.Inputs {
		cmd.Env = append(cmd.Env, envName("INPUT_", input.InputID)+"="+input.DatasetID)
	}
	for _, param := range job.Parameters {
		cmd.Env = append(cmd.Env, envName("PARAM_", param.ParameterID)+"="+param.Value)
	}

	log.FromContextOrDiscard(ctx).V(1).Info("running script", "job", job.JobID, "tool", job.ToolID, "dir", dir)
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		exitErr := &exec.ExitError{}
		if !errors.As(err, &exitErr) {
			return nil, err
		}
		if len(out) > maxOutputInError {
			out = out[len(out)-maxOutputInError:]
		}
		return nil, fmt.Errorf("tool %s exited with %d: %s", job.ToolID, exitErr.ExitCode(), strings.TrimSpace(string(out)))
	}
	return collectOutputs(outputDir)
}

func collectOutputs(dir string) ([]Output, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	outputs := []Output{}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		name := entry.Name()
		outputs = append(outputs, Output{
			OutputID: strings.TrimSuffix(name, filepath.Ext(name)),
			Name:     name,
			Size:     info.Size(),
		})
	}
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].Name < outputs[j].Name })
	return outputs, nil
}

// envName upper cases id and replaces what a shell variable cannot hold.
func envName(prefix, id string) string {
	return prefix + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, id)
}
