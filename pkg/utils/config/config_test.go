package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet() (*pflag.FlagSet, *string, *time.Duration, *int) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	listen := fs.String("listen", ":8080", "listen address")
	timeout := fs.Duration("workflow-running-timeout", time.Hour, "running timeout")
	slots := fs.Int("scheduler-max-slots-per-user", 10, "slots per user")
	return fs, listen, timeout, slots
}

func TestFlagNameToConfigKey(t *testing.T) {
	tests := []struct {
		flag string
		want string
	}{
		{flag: "listen", want: "listen"},
		{flag: "workflow-running-timeout", want: "workflow.running-timeout"},
	}
	for _, tt := range tests {
		if got := FlagNameToConfigKey(tt.flag); got != tt.want {
			t.Errorf("FlagNameToConfigKey(%s) = %s, want %s", tt.flag, got, tt.want)
		}
	}
	assert.Equal(t, "WORKFLOW_RUNNING_TIMEOUT", FlagNameToEnvKey("workflow-running-timeout"))
}

func TestGenerateConfigRoundTrip(t *testing.T) {
	fs, _, _, _ := newFlagSet()
	require.NoError(t, fs.Set("workflow-running-timeout", "2h"))
	require.NoError(t, fs.Set("listen", ":9999"))

	// defaults are written, so reset the flag defaults to the changed values first
	fs.VisitAll(func(f *pflag.Flag) { f.DefValue = f.Value.String() })
	buf := &bytes.Buffer{}
	require.NoError(t, GenerateConfig(buf, fs))

	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(buf))

	target, listen, timeout, slots := newFlagSet()
	LoadFromViper(v, target)
	_ = target
	assert.Equal(t, ":9999", *listen)
	assert.Equal(t, 2*time.Hour, *timeout)
	assert.Equal(t, 10, *slots)
}

func TestLoadEnv(t *testing.T) {
	fs, _, _, slots := newFlagSet()
	t.Setenv("SCHEDULER_MAX_SLOTS_PER_USER", "3")
	LoadEnv(fs)
	assert.Equal(t, 3, *slots)
}
