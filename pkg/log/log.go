// Copyright 2022 The kubegems.io Authors
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

package log

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const TimeFormat = "2006-01-02 15:04:05.999"

// AtomicLevel is shared by every logger built here so the level can be changed at runtime.
var AtomicLevel = zap.NewAtomicLevel()

var GlobalLogger, LogrLogger = MustNewLogger()

func SetLevel(level string) {
	if level == "" {
		return
	}
	if err := AtomicLevel.UnmarshalText([]byte(level)); err != nil {
		GlobalLogger.Warn("invalid logger level", zap.String("level", level), zap.Error(err))
		return
	}
	GlobalLogger.Info("logger level updated", zap.String("level", level))
}

func MustNewLogger() (*zap.Logger, logr.Logger) {
	logger, err := NewZapLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		panic(err)
	}
	return logger, zapr.NewLogger(logger)
}

func NewZapLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Encoding = "console"
	config.Level = AtomicLevel
	if level != "" {
		_ = AtomicLevel.UnmarshalText([]byte(level))
	}
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(TimeFormat)
	config.DisableCaller = false
	config.DisableStacktrace = true
	config.Sampling = nil
	return config.Build()
}
