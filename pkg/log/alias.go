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

import "github.com/go-logr/logr"

// Components take their logger from the context they run with and fall back
// to discarding. The package level helpers below are for code that runs
// before any context carries a logger, such as flag parsing.

var (
	NewContext           = logr.NewContext
	FromContextOrDiscard = logr.FromContextOrDiscard
)

func Info(msg string, keysAndValues ...any) {
	LogrLogger.WithCallDepth(1).Info(msg, keysAndValues...)
}
