// Copyright 2026 The gVisor Authors.
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

import "fmt"

// prefixedLogger prepends a fixed tag to every message. It is used to
// attribute log lines to a single fault-servicing binding.
type prefixedLogger struct {
	logger Logger
	prefix string
}

// Prefixed returns a Logger that logs to logger with every message prefixed
// by the formatted tag and ": ".
func Prefixed(logger Logger, format string, v ...any) Logger {
	return &prefixedLogger{
		logger: logger,
		prefix: fmt.Sprintf(format, v...) + ": ",
	}
}

func (pl *prefixedLogger) Debugf(format string, v ...any) {
	pl.logger.Debugf(pl.prefix+format, v...)
}

func (pl *prefixedLogger) Infof(format string, v ...any) {
	pl.logger.Infof(pl.prefix+format, v...)
}

func (pl *prefixedLogger) Warningf(format string, v ...any) {
	pl.logger.Warningf(pl.prefix+format, v...)
}

func (pl *prefixedLogger) IsLogging(level Level) bool {
	return pl.logger.IsLogging(level)
}
