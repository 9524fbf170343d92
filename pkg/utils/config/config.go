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

package config

import (
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"kubegems.io/jobflow/pkg/log"
)

// Parse loads configuration, later sources overriding earlier ones:
//
//  1. defaults already set on the flags
//  2. config file (config.yaml in . or ./config, or $CONFIG_FILE)
//  3. environment variables
//  4. command line flags
//
// A flag "--workflow-running-timeout" maps to the env "WORKFLOW_RUNNING_TIMEOUT"
// and to the file key "workflow.running-timeout".
func Parse(fs *pflag.FlagSet) error {
	LoadConfigFile(fs)
	LoadEnv(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	Print(fs)
	return nil
}

func Print(fs *pflag.FlagSet) {
	fs.VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			log.Info("config", "flag", flag.Name, "value", flag.Value.String())
		}
	})
}

func FlagNameToEnvKey(fname string) string {
	return strings.ToUpper(strings.ReplaceAll(fname, "-", "_"))
}

// FlagNameToConfigKey splits the component prefix from the rest of the flag name.
func FlagNameToConfigKey(fname string) string {
	prefix, key, found := strings.Cut(fname, "-")
	if !found {
		return fname
	}
	return prefix + "." + key
}

func LoadEnv(fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		envname := FlagNameToEnvKey(f.Name)
		if val, ok := os.LookupEnv(envname); ok {
			log.Info("config from env", "env", envname)
			_ = f.Value.Set(val)
		}
	})
}

func LoadConfigFile(fs *pflag.FlagSet) {
	v := viper.New()
	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
	}
	if err := v.ReadInConfig(); err != nil {
		log.Info("no config file loaded", "reason", err.Error())
		return
	}
	LoadFromViper(v, fs)
}

func LoadFromViper(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		key := FlagNameToConfigKey(f.Name)
		if !v.IsSet(key) {
			return
		}
		val := v.GetString(key)
		log.Info("config from file", "key", key)
		_ = f.Value.Set(val)
	})
}
