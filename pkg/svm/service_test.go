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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gpusvm/pkg/errors/linuxerr"
	"gvisor.dev/gpusvm/pkg/gpuarch"
	"gvisor.dev/gpusvm/pkg/svm/faultbuf"
	"gvisor.dev/gpusvm/pkg/svm/gpu"
	"gvisor.dev/gpusvm/pkg/svm/hmm"
	"gvisor.dev/gpusvm/pkg/svm/sim"
)

const (
	testPID = 100

	// testHole is the device aperture used by most tests.
	testHoleStart = gpuarch.Addr(0x40000000)
	testHoleEnd   = gpuarch.Addr(0x40100000)

	// testBase is a window-aligned address outside the hole.
	testBase = gpuarch.Addr(0x10000000)
)

var testHole = gpuarch.AddrRange{Start: testHoleStart, End: testHoleEnd}

type harness struct {
	t   *testing.T
	ctx context.Context
	p   *sim.Process
	reg *Registry
	b   *Binding
}

func newHarness(t *testing.T, entries uint32, opts Options) *harness {
	t.Helper()
	p, err := sim.NewProcess(testPID, entries)
	if err != nil {
		t.Fatalf("NewProcess failed: %v", err)
	}
	h := &harness{
		t:   t,
		ctx: context.Background(),
		p:   p,
		reg: NewRegistry(),
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Microsecond
	}
	h.b, err = h.reg.Init(h.ctx, Key{PID: testPID, Context: 1}, h.deps(opts))
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return h
}

func (h *harness) deps(opts Options) Deps {
	return Deps{
		Device:       h.p.Device,
		AddressSpace: h.p.AS,
		VMM:          h.p.VMM,
		Options:      opts,
	}
}

func (h *harness) reserveHole() {
	h.t.Helper()
	if err := h.b.ReserveHole(h.ctx, testHole); err != nil {
		h.t.Fatalf("ReserveHole failed: %v", err)
	}
}

func (h *harness) mmap(ar gpuarch.AddrRange, perms gpuarch.AccessType, populate bool) {
	h.t.Helper()
	if err := h.p.AS.MMap(ar, perms, populate); err != nil {
		h.t.Fatalf("MMap(%v) failed: %v", ar, err)
	}
}

func (h *harness) push(entries ...faultbuf.Entry) {
	h.t.Helper()
	if err := h.p.Device.Push(entries...); err != nil {
		h.t.Fatalf("Push failed: %v", err)
	}
}

func (h *harness) interrupt() {
	h.t.Helper()
	if !h.p.Device.Interrupt(h.ctx) {
		h.t.Fatalf("Interrupt did not run the handler")
	}
}

func (h *harness) checkRequests(want ...uint32) {
	h.t.Helper()
	if diff := cmp.Diff(want, h.p.Device.Requests()); diff != "" {
		h.t.Errorf("replay requests mismatch (-want +got):\n%s", diff)
	}
}

func (h *harness) checkGets(want ...uint32) {
	h.t.Helper()
	if diff := cmp.Diff(want, h.p.Device.Gets()); diff != "" {
		h.t.Errorf("GET writes mismatch (-want +got):\n%s", diff)
	}
}

// checkConsumed verifies that every entry of the fault buffer has been
// handed back to hardware.
func (h *harness) checkConsumed() {
	h.t.Helper()
	fb, ok := h.p.Device.FaultBuffer()
	if !ok {
		h.t.Fatalf("no fault buffer")
	}
	entries := fb.Entries()
	for i := uint32(0); i < entries.Len(); i++ {
		if entries.Valid(i) {
			e := entries.Entry(i)
			h.t.Errorf("entry %d still valid: %v", i, &e)
		}
	}
}

func (h *harness) pte(addr gpuarch.Addr) hmm.PFN {
	p, _ := h.p.PageTable.PTE(addr)
	return p
}

func read(addr gpuarch.Addr) faultbuf.Entry {
	return faultbuf.MakeEntry(addr, faultbuf.AccessRead, 1, 2, true)
}

func write(addr gpuarch.Addr) faultbuf.Entry {
	return faultbuf.MakeEntry(addr, faultbuf.AccessWrite, 3, 4, false)
}

func cancel(e faultbuf.Entry) uint32 {
	return gpu.CancelRequest(e.Client(), e.GPC(), e.IsGPC())
}

func TestTwoEntriesOneWindow(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.reserveHole()
	h.mmap(rng(testBase, testBase+windowSize), gpuarch.ReadWrite, true)

	h.push(write(testBase), read(testBase+gpuarch.PageSize))
	h.interrupt()

	if p := h.pte(testBase); !p.Valid() || !p.Writable() {
		t.Errorf("pte at %v got %v want writable", testBase, p)
	}
	if p := h.pte(testBase + gpuarch.PageSize); !p.Valid() || p.Writable() {
		t.Errorf("pte at %v got %v want read-only", testBase+gpuarch.PageSize, p)
	}
	h.checkRequests(gpu.FlushRequest())
	h.checkGets(2)
	h.checkConsumed()
}

func TestReadFaultOnWritablePage(t *testing.T) {
	for _, populate := range []bool{false, true} {
		h := newHarness(t, 16, Options{})
		h.reserveHole()
		h.mmap(rng(testBase, testBase+windowSize), gpuarch.ReadWrite, populate)

		addr := testBase + 5*gpuarch.PageSize
		h.push(read(addr))
		h.interrupt()
		if p := h.pte(addr); !p.Valid() || p.Writable() {
			t.Errorf("populate=%t: pte after read fault got %v want read-only", populate, p)
		}

		h.push(write(addr))
		h.interrupt()
		if p := h.pte(addr); !p.Valid() || !p.Writable() {
			t.Errorf("populate=%t: pte after write fault got %v want writable", populate, p)
		}
		h.checkRequests(gpu.FlushRequest(), gpu.FlushRequest())
		h.checkGets(1, 2)
		h.checkConsumed()
	}
}

func TestTopOfAddressSpace(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.reserveHole()
	h.mmap(rng(testBase, testBase+windowSize), gpuarch.ReadWrite, true)

	// The window of the first two entries ends past the top of the 64-bit
	// address space. The third lies just beyond the user address space.
	top1 := read(gpuarch.Addr(0xfffffffffffff000))
	top2 := write(gpuarch.Addr(0xffffffffffff0000))
	beyond := read(gpuarch.MaxUserAddress + windowSize)
	ok := read(testBase)
	installs := h.p.PageTable.Installs()
	h.push(top1, top2, beyond, ok)
	h.interrupt()

	if p := h.pte(testBase); !p.Valid() {
		t.Errorf("pte at %v got %v want valid", testBase, p)
	}
	if got, want := h.p.PageTable.Installs(), installs+1; got != want {
		t.Errorf("installs got %d want %d", got, want)
	}
	h.checkRequests(cancel(top1), cancel(top2), cancel(beyond), gpu.FlushRequest())
	h.checkGets(4)
	h.checkConsumed()
}

func TestNoRegion(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.reserveHole()
	installs := h.p.PageTable.Installs()

	e1, e2 := read(testBase), write(testBase+3*gpuarch.PageSize)
	h.push(e1, e2)
	h.interrupt()

	if got := h.p.PageTable.Installs(); got != installs {
		t.Errorf("installs got %d want %d", got, installs)
	}
	if got := h.p.AS.FaultCalls(); got != 0 {
		t.Errorf("FaultCalls got %d want 0", got)
	}
	h.checkRequests(cancel(e1), cancel(e2))
	h.checkGets(2)
	h.checkConsumed()
}

func TestFullCoverageSingleFlush(t *testing.T) {
	h := newHarness(t, 32, Options{})
	h.reserveHole()
	h.mmap(rng(testBase, testBase+4*windowSize), gpuarch.ReadWrite, true)

	var entries []faultbuf.Entry
	for w := gpuarch.Addr(0); w < 4; w++ {
		for p := gpuarch.Addr(0); p < windowPages; p += 5 {
			entries = append(entries, read(testBase+w*windowSize+p*gpuarch.PageSize))
		}
	}
	h.push(entries...)
	before := windowsResolved.Value()
	h.interrupt()

	if got := windowsResolved.Value() - before; got != 4 {
		t.Errorf("windows resolved got %d want 4", got)
	}
	for _, e := range entries {
		if p := h.pte(e.Addr()); !p.Valid() {
			t.Errorf("pte at %v got %v want valid", e.Addr(), p)
		}
	}
	h.checkRequests(gpu.FlushRequest())
	h.checkGets(uint32(len(entries)))
	h.checkConsumed()
}

func TestRegionEdge(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.reserveHole()
	// The region covers the first four pages of the window only.
	h.mmap(rng(testBase, testBase+4*gpuarch.PageSize), gpuarch.ReadWrite, true)

	inside, outside := read(testBase+2*gpuarch.PageSize), read(testBase+6*gpuarch.PageSize)
	h.push(inside, outside)
	h.interrupt()

	if p := h.pte(inside.Addr()); !p.Valid() {
		t.Errorf("pte inside region got %v want valid", p)
	}
	if p, ok := h.p.PageTable.PTE(outside.Addr()); ok {
		t.Errorf("pte outside region got %v want none", p)
	}
	h.checkRequests(cancel(outside), gpu.FlushRequest())
	h.checkConsumed()
}

func TestRegionStartsInsideWindow(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.reserveHole()
	h.mmap(rng(testBase+8*gpuarch.PageSize, testBase+2*windowSize), gpuarch.ReadWrite, true)

	before, after := read(testBase+7*gpuarch.PageSize), read(testBase+8*gpuarch.PageSize)
	h.push(before, after)
	h.interrupt()

	if p := h.pte(after.Addr()); !p.Valid() {
		t.Errorf("pte inside region got %v want valid", p)
	}
	h.checkRequests(cancel(before), gpu.FlushRequest())
}

func TestPermissionErrorsOnlyThatPage(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.reserveHole()
	h.mmap(rng(testBase, testBase+windowSize), gpuarch.Read, true)
	h.p.AS.FailAllocation(testBase + 2*gpuarch.PageSize)

	ok, denied, noMem := read(testBase), write(testBase+gpuarch.PageSize), read(testBase+2*gpuarch.PageSize)
	h.push(ok, denied, noMem)
	h.interrupt()

	if p := h.pte(ok.Addr()); !p.Valid() {
		t.Errorf("pte at %v got %v want valid", ok.Addr(), p)
	}
	h.checkRequests(cancel(denied), cancel(noMem), gpu.FlushRequest())
}

func TestWrap(t *testing.T) {
	h := newHarness(t, 8, Options{})
	h.reserveHole()
	h.mmap(rng(testBase, testBase+2*windowSize), gpuarch.ReadWrite, true)
	h.p.Device.SetIndices(6, 6)

	entries := []faultbuf.Entry{
		read(testBase),
		read(testBase + gpuarch.PageSize),
		read(testBase + windowSize),
		read(testBase + windowSize + gpuarch.PageSize),
	}
	h.push(entries...)
	if get, put := gpu.FaultIndices(h.p.Device); get != 6 || put != 2 {
		t.Fatalf("indices got (%d, %d) want (6, 2)", get, put)
	}
	h.interrupt()

	// One GET write per linear run, the first wrapping to zero.
	h.checkGets(0, 2)
	h.checkRequests(gpu.FlushRequest())
	h.checkConsumed()
	for _, e := range entries {
		if p := h.pte(e.Addr()); !p.Valid() {
			t.Errorf("pte at %v got %v want valid", e.Addr(), p)
		}
	}
}

func TestGetMonotonic(t *testing.T) {
	const capacity = 8
	h := newHarness(t, capacity, Options{})
	h.reserveHole()
	h.mmap(rng(testBase, testBase+windowSize), gpuarch.ReadWrite, true)

	get := uint32(0)
	for round := 0; round < 5; round++ {
		n := round%3 + 1
		for i := 0; i < n; i++ {
			h.push(read(testBase + gpuarch.Addr(i)*gpuarch.PageSize))
		}
		h.p.Device.ResetRecords()
		h.interrupt()
		gets := h.p.Device.Gets()
		if len(gets) == 0 {
			t.Fatalf("round %d: no GET write", round)
		}
		want := (get + uint32(n)) % capacity
		if last := gets[len(gets)-1]; last != want {
			t.Errorf("round %d: GET got %d want %d", round, last, want)
		}
		// Advance is measured modulo capacity with at most one wrap.
		if adv := (gets[len(gets)-1] + capacity - get) % capacity; adv != uint32(n) {
			t.Errorf("round %d: GET advanced by %d want %d", round, adv, n)
		}
		get = want
	}
}

func TestInvalidEntriesSkipped(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.reserveHole()
	h.mmap(rng(testBase, testBase+windowSize), gpuarch.ReadWrite, true)

	var invalid faultbuf.Entry
	h.push(invalid, read(testBase), invalid)
	h.interrupt()

	h.checkGets(3)
	h.checkRequests(gpu.FlushRequest())
}

func TestEmptyQueue(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.interrupt()
	h.checkGets()
	h.checkRequests()
}

func TestIndicesOutOfRange(t *testing.T) {
	h := newHarness(t, 8, Options{})
	h.p.Device.SetIndices(3, 9)
	h.interrupt()
	h.checkGets()
	if !h.b.Enabled() {
		t.Errorf("binding disabled by malformed indices")
	}
}

func TestInvalidationRace(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.reserveHole()
	win := rng(testBase, testBase+windowSize)
	h.mmap(win, gpuarch.ReadWrite, true)
	h.p.AS.InjectDuringFault(func() { h.p.AS.Migrate(win) })

	before := resolveRetries.Value("invalidated")
	h.push(write(testBase))
	h.interrupt()

	if got := resolveRetries.Value("invalidated") - before; got != 1 {
		t.Errorf("invalidated retries got %d want 1", got)
	}
	if got := h.p.AS.FaultCalls(); got != 2 {
		t.Errorf("FaultCalls got %d want 2", got)
	}
	frame, _ := h.p.AS.Resident(testBase)
	if p := h.pte(testBase); p.Frame() != frame {
		t.Errorf("pte frame got %d want migrated frame %d", p.Frame(), frame)
	}
	h.checkRequests(gpu.FlushRequest())
}

func TestBusyRetry(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.reserveHole()
	h.mmap(rng(testBase, testBase+windowSize), gpuarch.ReadWrite, true)
	h.p.AS.InjectBusy(2)

	before := resolveRetries.Value("busy")
	h.push(read(testBase))
	h.interrupt()

	if got := resolveRetries.Value("busy") - before; got != 2 {
		t.Errorf("busy retries got %d want 2", got)
	}
	if got := h.p.AS.FaultCalls(); got != 3 {
		t.Errorf("FaultCalls got %d want 3", got)
	}
	h.checkRequests(gpu.FlushRequest())
}

func TestRetryBound(t *testing.T) {
	h := newHarness(t, 16, Options{MaxRetries: 2})
	h.reserveHole()
	h.mmap(rng(testBase, testBase+windowSize), gpuarch.ReadWrite, true)
	h.p.AS.InjectBusy(100)

	e := read(testBase)
	h.push(e)
	h.interrupt()

	if got := h.p.AS.FaultCalls(); got != 3 {
		t.Errorf("FaultCalls got %d want 3", got)
	}
	h.checkRequests(cancel(e))
}

func TestInstallFailure(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.reserveHole()
	h.mmap(rng(testBase, testBase+windowSize), gpuarch.ReadWrite, true)
	h.p.PageTable.FailNextInstall(linuxerr.ENOMEM)

	e1, e2 := read(testBase), read(testBase+gpuarch.PageSize)
	h.push(e1, e2)
	h.interrupt()
	h.checkRequests(cancel(e1), cancel(e2))
}

func TestNoHoleNoInstall(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.mmap(rng(testBase, testBase+windowSize), gpuarch.ReadWrite, true)

	e := read(testBase)
	h.push(e)
	h.interrupt()
	h.checkRequests(cancel(e))
}

func TestFaultInHole(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.reserveHole()
	// The hole is mapped on the CPU side as the device aperture.
	h.mmap(testHole, gpuarch.ReadWrite, false)

	e := read(testHoleStart)
	h.push(e)
	h.interrupt()
	h.checkRequests(cancel(e))
	if got := h.p.AS.FaultCalls(); got != 0 {
		t.Errorf("FaultCalls got %d want 0", got)
	}
}

func TestSlotStalls(t *testing.T) {
	h := newHarness(t, 16, Options{})
	h.reserveHole()
	h.p.Device.SetStalls(3, 2)

	e := read(testBase)
	h.push(e)
	h.interrupt()
	h.checkRequests(cancel(e))
}
