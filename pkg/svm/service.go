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
	"context"
	"time"

	"gvisor.dev/gpusvm/pkg/log"
	"gvisor.dev/gpusvm/pkg/svm/faultbuf"
	"gvisor.dev/gpusvm/pkg/svm/gpu"
)

// rateLimitPeriod is the minimum interval between rate-limited warnings.
const rateLimitPeriod = time.Second

// passStats accumulates the outcome of a drain.
type passStats struct {
	replayed  uint32
	cancelled uint32
}

// handleFaults is the fault-buffer notification handler. It drains the
// entries between the device's GET and PUT indices and returns whether the
// notification should stay armed.
//
// Invocations are serialized by the notifier.
func (b *Binding) handleFaults(ctx context.Context) gpu.NotifyAction {
	drainPasses.Increment()
	get, put := gpu.FaultIndices(b.dev)
	capacity := b.entries.Len()
	if get >= capacity || put >= capacity {
		b.warn.Warningf("fault buffer indices get=%d put=%d out of range for %d entries", get, put, capacity)
		return b.notifyAction()
	}

	var stats passStats
	passes := faultbuf.Passes(get, put, capacity)
	for i, p := range passes {
		next := b.drain(ctx, p, &stats)
		// Disabled or cancelled mid-pass; the rest is abandoned.
		abandoned := next != p.End
		if (abandoned || i == len(passes)-1) && stats.replayed != 0 {
			b.flush(ctx)
		}
		gpu.SetFaultGet(b.dev, next%capacity)
		if abandoned {
			break
		}
	}

	if log.IsLogging(log.Debug) {
		b.log.Debugf("drained get=%d put=%d: %d replayed, %d cancelled", get, put, stats.replayed, stats.cancelled)
	}
	return b.notifyAction()
}

func (b *Binding) notifyAction() gpu.NotifyAction {
	if b.Enabled() {
		return gpu.NotifyKeep
	}
	return gpu.NotifyDrop
}

// drain services the windows of one linear pass and returns the index just
// past the last consumed entry.
func (b *Binding) drain(ctx context.Context, p faultbuf.Pass, stats *passStats) uint32 {
	rd := faultbuf.NewReader(b.entries, p)
	for {
		if !b.Enabled() || ctx.Err() != nil {
			return rd.Pos()
		}
		// Invalid entries between windows are consumed one at a time.
		rd.SkipInvalid()
		if rd.Done() {
			return rd.Pos()
		}
		get := rd.Pos()
		w, next := b.fillWindow(rd)
		b.resolveWindow(ctx, w)
		b.signal(ctx, w, get, next, stats)
	}
}

// signal completes the valid entries in [get, next), all of which lie in w.
// Entries whose page is errored are cancelled on the device; the others are
// replayed by the next flush.
func (b *Binding) signal(ctx context.Context, w *window, get, next uint32, stats *passStats) {
	for i := get; i < next; i++ {
		if !b.entries.Valid(i) {
			continue
		}
		e := b.entries.Entry(i)
		b.entries.ClearValid(i)
		if !w.failed(e.Addr()) {
			stats.replayed++
			faultsServiced.Increment("replayed")
			continue
		}
		stats.cancelled++
		faultsServiced.Increment("cancelled")
		if err := b.replayer.CancelFault(ctx, e.Client(), e.GPC(), e.IsGPC()); err != nil {
			b.warn.Warningf("cancelling fault %v: %v", &e, err)
		}
	}
}

// flush asks the device to replay every pending fault whose page is now
// mapped.
func (b *Binding) flush(ctx context.Context) {
	replayFlushes.Increment()
	if err := b.replayer.ReplayFlush(ctx); err != nil {
		b.warn.Warningf("replay flush: %v", err)
	}
}
