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

package svm

import (
	"gvisor.dev/gpusvm/pkg/metric"
)

var (
	drainPasses = metric.MustCreateNewUint64Metric("/svm/drain_passes", "Number of fault-buffer drain passes.")

	windowsResolved = metric.MustCreateNewUint64Metric("/svm/windows", "Number of fault windows resolved.")

	faultsServiced = metric.MustCreateNewUint64Metric("/svm/faults", "Number of valid fault entries consumed, by outcome.",
		metric.NewField("result", "replayed", "cancelled"))

	resolveRetries = metric.MustCreateNewUint64Metric("/svm/resolve_retries", "Number of times CPU page resolution was restarted, by cause.",
		metric.NewField("cause", "invalidated", "busy"))

	replayFlushes = metric.MustCreateNewUint64Metric("/svm/replay_flushes", "Number of replay flush requests issued.")

	malformedEntries = metric.MustCreateNewUint64Metric("/svm/malformed_entries", "Number of fault entries with an unknown access type or an address outside the user address space.")

	bindingEvents = metric.MustCreateNewUint64Metric("/svm/bindings", "Number of binding state transitions.",
		metric.NewField("event", "enabled", "disabled"))
)
