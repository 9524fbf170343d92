package comp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"kubegems.io/jobflow/pkg/model"
)

func testJob() *model.Job {
	return &model.Job{
		SessionID:  "s1",
		JobID:      "j1",
		ToolID:     "trim",
		Slots:      2,
		Inputs:     []model.Input{{InputID: "reads", DatasetID: "d1"}},
		Parameters: []model.Parameter{{ParameterID: "min-len", Value: "30"}},
	}
}

func TestScriptRunner(t *testing.T) {
	dir := t.TempDir()
	runner := &ScriptRunner{
		WorkDir: dir,
		Command: `printf '%s' "$INPUT_READS" > "$OUTPUT_DIR/trimmed.fq"; printf '%s-%s' "$PARAM_MIN_LEN" "$SLOTS" > "$OUTPUT_DIR/stats"; printf '%s' "$TOOL_ID" > tool`,
	}
	outputs, err := runner.Run(context.Background(), testJob())
	require.NoError(t, err)
	assert.Equal(t, []Output{
		{OutputID: "stats", Name: "stats", Size: 4},
		{OutputID: "trimmed", Name: "trimmed.fq", Size: 2},
	}, outputs)

	// the script runs in the working directory of the job
	tool, err := os.ReadFile(filepath.Join(dir, "s1", "j1", "tool"))
	require.NoError(t, err)
	assert.Equal(t, "trim", string(tool))
}

func TestScriptRunner_Failure(t *testing.T) {
	runner := &ScriptRunner{WorkDir: t.TempDir(), Command: "echo boom; exit 3"}
	_, err := runner.Run(context.Background(), testJob())
	assert.EqualError(t, err, "tool trim exited with 3: boom")
}

func TestScriptRunner_Cancel(t *testing.T) {
	runner := &ScriptRunner{WorkDir: t.TempDir(), Command: "sleep 10"}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := runner.Run(ctx, testJob())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "PARAM_MIN_LEN", envName("PARAM_", "min-len"))
	assert.Equal(t, "INPUT_READS_2", envName("INPUT_", "reads.2"))
}
