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
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gvisor.dev/gpusvm/pkg/errors"
	"gvisor.dev/gpusvm/pkg/errors/linuxerr"
	"gvisor.dev/gpusvm/pkg/gpuarch"
	"gvisor.dev/gpusvm/pkg/svm/gpu"
	"gvisor.dev/gpusvm/pkg/svm/sim"
)

func newTestProcess(t *testing.T) *sim.Process {
	t.Helper()
	p, err := sim.NewProcess(testPID, 16)
	if err != nil {
		t.Fatalf("NewProcess failed: %v", err)
	}
	return p
}

func TestInitTwice(t *testing.T) {
	h := newHarness(t, 16, Options{})
	b, err := h.reg.Init(h.ctx, Key{PID: testPID, Context: 1}, h.deps(Options{}))
	if err != nil {
		t.Fatalf("second Init failed: %v", err)
	}
	if b != h.b {
		t.Errorf("second Init returned a new binding")
	}
	if got := h.reg.Len(); got != 1 {
		t.Errorf("Len got %d want 1", got)
	}
	if got := h.p.AS.Notifiers(); got != 1 {
		t.Errorf("Notifiers got %d want 1", got)
	}
}

func TestInitFailure(t *testing.T) {
	for _, tc := range []struct {
		name   string
		inject func(p *sim.Process)
		want   *errors.Error
	}{
		{
			name:   "allocation",
			inject: func(p *sim.Process) { p.Device.FailNextAlloc(linuxerr.ENOMEM) },
			want:   linuxerr.ENOMEM,
		},
		{
			name:   "version",
			inject: func(p *sim.Process) { p.Device.SetVersion(gpu.MaxwellFaultBufferA.Version + 1) },
			want:   linuxerr.EINVAL,
		},
		{
			name:   "exited",
			inject: func(p *sim.Process) { p.AS.Exit() },
			want:   linuxerr.ESRCH,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			p := newTestProcess(t)
			tc.inject(p)
			reg := NewRegistry()
			key := Key{PID: testPID, Context: 1}
			deps := Deps{Device: p.Device, AddressSpace: p.AS, VMM: p.VMM}
			if _, err := reg.Init(ctx, key, deps); !linuxerr.Equals(tc.want, err) {
				t.Fatalf("Init got error %v want %v", err, tc.want)
			}
			if got := reg.Len(); got != 0 {
				t.Errorf("Len got %d want 0", got)
			}
			if got := p.AS.Notifiers(); got != 0 {
				t.Errorf("Notifiers got %d want 0", got)
			}
			if _, ok := p.Device.FaultBuffer(); ok {
				t.Errorf("fault buffer still allocated")
			}
		})
	}
}

func TestInitRetryAfterFailure(t *testing.T) {
	ctx := context.Background()
	p := newTestProcess(t)
	p.Device.FailNextAlloc(linuxerr.ENOMEM)
	reg := NewRegistry()
	key := Key{PID: testPID, Context: 1}
	deps := Deps{Device: p.Device, AddressSpace: p.AS, VMM: p.VMM}
	if _, err := reg.Init(ctx, key, deps); err == nil {
		t.Fatalf("Init succeeded with failing allocation")
	}
	b, err := reg.Init(ctx, key, deps)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if !b.Enabled() {
		t.Errorf("State got %v want %v", b.State(), StateEnabled)
	}
}

func TestDisableIdempotent(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.reserveHole()
	fb, _ := h.p.Device.FaultBuffer()
	n, _ := fb.Notifier()

	for i := 0; i < 2; i++ {
		h.b.Release(h.ctx)
	}

	if got := h.b.State(); got != StateDisabled {
		t.Errorf("State got %v want %v", got, StateDisabled)
	}
	if !fb.Released() {
		t.Errorf("fault buffer not released")
	}
	if n.Armed() {
		t.Errorf("notifier still armed")
	}
	if got := h.p.AS.Notifiers(); got != 0 {
		t.Errorf("Notifiers got %d want 0", got)
	}
	if h.p.Device.Interrupt(h.ctx) {
		t.Errorf("Interrupt ran a handler after Disable")
	}
	if _, ok := h.p.PageTable.Mirrored(); ok {
		t.Errorf("page table still mirrored")
	}
	if got := h.p.PageTable.Reserved(); got != 0 {
		t.Errorf("Reserved got %d want 0", got)
	}
}

func TestDisableTearsDownMappings(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.reserveHole()
	h.mmap(rng(testBase, testBase+windowSize), gpuarch.ReadWrite, true)
	h.push(read(testBase))
	h.interrupt()
	if _, ok := h.p.PageTable.PTE(testBase); !ok {
		t.Fatalf("no pte at %v", testBase)
	}

	h.b.Disable(h.ctx)
	if got := h.p.PageTable.PTEs(); len(got) != 0 {
		t.Errorf("PTEs got %v want none", got)
	}
}

func TestReinitAfterDisable(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.b.Disable(h.ctx)

	b, err := h.reg.Init(h.ctx, Key{PID: testPID, Context: 1}, h.deps(Options{}))
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if b == h.b {
		t.Errorf("Init returned the disabled binding")
	}
	if !b.Enabled() {
		t.Errorf("State got %v want %v", b.State(), StateEnabled)
	}
	if got := h.p.AS.Notifiers(); got != 1 {
		t.Errorf("Notifiers got %d want 1", got)
	}
}

func TestProcessExit(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.reserveHole()
	h.reg.ProcessExit(h.ctx, testPID+1)
	if got := h.reg.Len(); got != 1 {
		t.Errorf("Len after unrelated exit got %d want 1", got)
	}

	h.reg.ProcessExit(h.ctx, testPID)
	if got := h.reg.Len(); got != 0 {
		t.Errorf("Len got %d want 0", got)
	}
	if got := h.b.State(); got != StateDisabled {
		t.Errorf("State got %v want %v", got, StateDisabled)
	}
}

func TestAddressSpaceExit(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.reserveHole()
	h.p.AS.Exit()
	if got := h.b.State(); got != StateDisabled {
		t.Errorf("State got %v want %v", got, StateDisabled)
	}
	if _, ok := h.p.PageTable.Mirrored(); ok {
		t.Errorf("page table still mirrored")
	}
}

func TestDisableDuringDrain(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.reserveHole()
	h.mmap(rng(testBase, testBase+2*windowSize), gpuarch.ReadWrite, true)

	done := make(chan struct{})
	h.p.AS.InjectDuringFault(func() {
		go func() {
			h.b.Disable(h.ctx)
			close(done)
		}()
		for h.b.State() != StateDisabled {
			runtime.Gosched()
		}
	})

	first, second := read(testBase), read(testBase+windowSize)
	h.push(first, second)
	h.interrupt()
	<-done

	// Only the first window is consumed, and it lost the race.
	h.checkGets(1)
	h.checkRequests(cancel(first))
	if got := h.p.AS.FaultCalls(); got != 1 {
		t.Errorf("FaultCalls got %d want 1", got)
	}
	if got := h.p.PageTable.PTEs(); len(got) != 0 {
		t.Errorf("PTEs got %v want none", got)
	}
}

func TestReserveHoleErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts Options
		hole gpuarch.AddrRange
		want *errors.Error
	}{
		{
			name: "empty",
			hole: rng(testHoleStart, testHoleStart),
			want: linuxerr.EINVAL,
		},
		{
			name: "unaligned",
			hole: rng(testHoleStart+1, testHoleEnd),
			want: linuxerr.EINVAL,
		},
		{
			name: "reversed",
			hole: rng(testHoleEnd, testHoleStart),
			want: linuxerr.EINVAL,
		},
		{
			name: "beyond user space",
			hole: rng(gpuarch.MaxUserAddress-gpuarch.PageSize, gpuarch.MaxUserAddress+gpuarch.PageSize),
			want: linuxerr.EINVAL,
		},
		{
			name: "too large",
			opts: Options{MaxHoleSize: 1 << 20},
			hole: rng(testHoleStart, testHoleStart+2<<20),
			want: linuxerr.EINVAL,
		},
		{
			name: "max size",
			opts: Options{MaxHoleSize: 1 << 20},
			hole: rng(testHoleStart, testHoleStart+1<<20),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 16, tc.opts)
			if err := h.b.ReserveHole(h.ctx, tc.hole); !linuxerr.Equals(tc.want, err) {
				t.Errorf("ReserveHole(%v) got error %v want %v", tc.hole, err, tc.want)
			}
		})
	}
}

func TestReserveHoleTwice(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.reserveHole()
	other := rng(testHoleEnd, testHoleEnd+windowSize)
	if err := h.b.ReserveHole(h.ctx, other); !linuxerr.Equals(linuxerr.EBUSY, err) {
		t.Errorf("second ReserveHole got error %v want %v", err, linuxerr.EBUSY)
	}
	if hole, n := h.b.Hole(); hole != testHole || n != 1 {
		t.Errorf("Hole got (%v, %d) want (%v, 1)", hole, n, testHole)
	}
}

func TestReserveHoleDisabled(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.b.Disable(h.ctx)
	if err := h.b.ReserveHole(h.ctx, testHole); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("ReserveHole got error %v want %v", err, linuxerr.EINVAL)
	}
}

func TestHoleRefcount(t *testing.T) {
	h := newHarness(t, 16, Options{})
	if err := h.b.HoleOpen(); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("HoleOpen without hole got error %v want %v", err, linuxerr.EINVAL)
	}
	h.reserveHole()
	if mirrored, ok := h.p.PageTable.Mirrored(); !ok || mirrored != testHole {
		t.Errorf("Mirrored got (%v, %t) want (%v, true)", mirrored, ok, testHole)
	}

	if err := h.b.HoleOpen(); err != nil {
		t.Fatalf("HoleOpen failed: %v", err)
	}
	if _, n := h.b.Hole(); n != 2 {
		t.Errorf("hole references got %d want 2", n)
	}
	h.b.HoleClose(h.ctx)
	if !h.b.Enabled() {
		t.Errorf("binding disabled with a hole reference left")
	}

	h.b.HoleClose(h.ctx)
	if got := h.b.State(); got != StateDisabled {
		t.Errorf("State got %v want %v", got, StateDisabled)
	}
	if hole, n := h.b.Hole(); hole != (gpuarch.AddrRange{}) || n != 0 {
		t.Errorf("Hole got (%v, %d) want none", hole, n)
	}
	if _, ok := h.p.PageTable.Mirrored(); ok {
		t.Errorf("page table still mirrored")
	}
}

func TestHoleCloseUnderflowPanics(t *testing.T) {
	h := newHarness(t, 16, Options{})
	defer func() {
		if recover() == nil {
			t.Errorf("HoleClose without a hole did not panic")
		}
	}()
	h.b.HoleClose(h.ctx)
}

func TestHoleAccess(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.reserveHole()
	if err := h.b.HoleAccess(testHoleStart + gpuarch.PageSize); !IsHoleAccess(err) {
		t.Errorf("HoleAccess inside hole got error %v want %v", err, ErrHoleAccess)
	}
	if err := h.b.HoleAccess(testHoleEnd); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("HoleAccess outside hole got error %v want %v", err, linuxerr.EFAULT)
	}
}

func TestInvalidateRange(t *testing.T) {
	for _, tc := range []struct {
		name   string
		noHole bool
		ar     gpuarch.AddrRange
		want   []gpuarch.AddrRange
	}{
		{
			name: "outside",
			ar:   rng(testBase, testBase+windowSize),
			want: []gpuarch.AddrRange{rng(testBase, testBase+windowSize)},
		},
		{
			name: "inside hole",
			ar:   rng(testHoleStart+gpuarch.PageSize, testHoleEnd-gpuarch.PageSize),
		},
		{
			name: "straddles hole",
			ar:   rng(testHoleStart-gpuarch.PageSize, testHoleEnd+gpuarch.PageSize),
			want: []gpuarch.AddrRange{
				rng(testHoleStart-gpuarch.PageSize, testHoleStart),
				rng(testHoleEnd, testHoleEnd+gpuarch.PageSize),
			},
		},
		{
			name: "straddles hole start",
			ar:   rng(testHoleStart-gpuarch.PageSize, testHoleStart+gpuarch.PageSize),
			want: []gpuarch.AddrRange{rng(testHoleStart-gpuarch.PageSize, testHoleStart)},
		},
		{
			name: "beyond user space",
			ar:   rng(gpuarch.MaxUserAddress-gpuarch.PageSize, gpuarch.MaxUserAddress+windowSize),
			want: []gpuarch.AddrRange{rng(gpuarch.MaxUserAddress-gpuarch.PageSize, gpuarch.MaxUserAddress)},
		},
		{
			name:   "no hole",
			noHole: true,
			ar:     rng(testBase, testBase+windowSize),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 16, Options{})
			if !tc.noHole {
				h.reserveHole()
			}
			before := len(h.p.PageTable.Invalidated())
			h.b.InvalidateRange(tc.ar)
			got := h.p.PageTable.Invalidated()[before:]
			if diff := cmp.Diff(tc.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("invalidated ranges mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMUnmapInvalidatesDevice(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.reserveHole()
	win := rng(testBase, testBase+windowSize)
	h.mmap(win, gpuarch.ReadWrite, true)
	h.push(read(testBase), read(testBase+gpuarch.PageSize))
	h.interrupt()
	if got := len(h.p.PageTable.PTEs()); got != 2 {
		t.Fatalf("PTEs got %d want 2", got)
	}

	h.p.AS.MUnmap(rng(testBase, testBase+gpuarch.PageSize))
	if p, ok := h.p.PageTable.PTE(testBase); ok {
		t.Errorf("pte at %v got %v want none", testBase, p)
	}
	if _, ok := h.p.PageTable.PTE(testBase + gpuarch.PageSize); !ok {
		t.Errorf("pte at %v was torn down", testBase+gpuarch.PageSize)
	}
}
