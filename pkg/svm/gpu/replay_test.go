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

package gpu

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gpusvm/pkg/errors/linuxerr"
)

// scriptedPort returns a fixed sequence of RegReplayStatus values and records
// every write.
type scriptedPort struct {
	status []uint32
	reads  int
	writes []uint32
}

func (p *scriptedPort) Read32(off uint32) uint32 {
	if off != RegReplayStatus {
		return 0
	}
	v := p.status[len(p.status)-1]
	if p.reads < len(p.status) {
		v = p.status[p.reads]
	}
	p.reads++
	return v
}

func (p *scriptedPort) Write32(off uint32, v uint32) {
	if off == RegReplay {
		p.writes = append(p.writes, v)
	}
}

func (p *scriptedPort) Mask32(off uint32, mask, v uint32) uint32 {
	old := p.Read32(off)
	p.Write32(off, old&^mask|v&mask)
	return old
}

func TestRequestEncoding(t *testing.T) {
	req := CancelRequest(0x45, 0x13, 1)
	if got, want := req, uint32(0x80000000|3<<3|0x45<<9|0x13<<15|1<<20); got != want {
		t.Errorf("CancelRequest got %#x want %#x", got, want)
	}
	if !IsCancelRequest(req) || IsFlushRequest(req) {
		t.Errorf("cancel request misclassified")
	}
	if got, want := FlushRequest(), uint32(0x8000000b); got != want {
		t.Errorf("FlushRequest got %#x want %#x", got, want)
	}
	if !IsFlushRequest(FlushRequest()) || IsCancelRequest(FlushRequest()) {
		t.Errorf("flush request misclassified")
	}
}

func TestReplayFlushWaitsForSlotAndAck(t *testing.T) {
	p := &scriptedPort{status: []uint32{
		0,                // no slot
		0,                // no slot
		StatusSlotsMask,  // slot available
		StatusSlotsMask,  // not yet queued
		StatusQueued | 1, // queued
	}}
	r := &Replayer{Port: p, PollInterval: time.Microsecond}
	if err := r.ReplayFlush(context.Background()); err != nil {
		t.Fatalf("ReplayFlush failed: %v", err)
	}
	if diff := cmp.Diff([]uint32{FlushRequest()}, p.writes); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
	if p.reads != len(p.status) {
		t.Errorf("status reads got %d want %d", p.reads, len(p.status))
	}
}

func TestReplayCancelledContext(t *testing.T) {
	p := &scriptedPort{status: []uint32{0}}
	r := &Replayer{Port: p, PollInterval: time.Microsecond}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.CancelFault(ctx, 1, 2, 0); err != context.Canceled {
		t.Errorf("CancelFault got err %v want %v", err, context.Canceled)
	}
	if len(p.writes) != 0 {
		t.Errorf("request written without a free slot: %#x", p.writes)
	}
}

func TestCheckVersion(t *testing.T) {
	if err := CheckVersion(1, 1); err != nil {
		t.Errorf("CheckVersion(1, 1) got %v want nil", err)
	}
	if err := CheckVersion(2, 1); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("CheckVersion(2, 1) got %v want EINVAL", err)
	}
}
