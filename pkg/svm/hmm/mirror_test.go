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

package hmm

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gpusvm/pkg/errors/linuxerr"
	"gvisor.dev/gpusvm/pkg/gpuarch"
	"gvisor.dev/gpusvm/pkg/sync"
)

// fakeAS resolves every requested page to frame (addr >> PageShift) and
// calls duringFault, with the read lock dropped, before returning.
type fakeAS struct {
	mu        sync.RWMutex
	notifiers []Notifier

	duringFault func()
	faultErr    error
}

func (as *fakeAS) RLock()   { as.mu.RLock() }
func (as *fakeAS) RUnlock() { as.mu.RUnlock() }

func (as *fakeAS) FindRegion(ar gpuarch.AddrRange) (Region, bool) {
	return Region{Range: ar, Perms: gpuarch.ReadWrite}, true
}

func (as *fakeAS) FaultPages(ctx context.Context, ar gpuarch.AddrRange, pfns []PFN) error {
	if as.faultErr != nil {
		return as.faultErr
	}
	for i := range pfns {
		if pfns[i] == PFNNone {
			continue
		}
		addr := ar.Start + gpuarch.Addr(i*gpuarch.PageSize)
		pfns[i] = MakePFN(uint64(addr>>gpuarch.PageShift), pfns[i].Writable())
	}
	if as.duringFault != nil {
		as.mu.RUnlock()
		as.duringFault()
		as.mu.RLock()
	}
	return nil
}

func (as *fakeAS) AddNotifier(n Notifier) error {
	as.notifiers = append(as.notifiers, n)
	return nil
}

func (as *fakeAS) RemoveNotifier(n Notifier) {
	for i, o := range as.notifiers {
		if o == n {
			as.notifiers = append(as.notifiers[:i], as.notifiers[i+1:]...)
			return
		}
	}
}

func (as *fakeAS) invalidate(ar gpuarch.AddrRange) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, n := range as.notifiers {
		n.InvalidateRange(ar)
	}
}

type recordingOps struct {
	synced   []gpuarch.AddrRange
	released int
}

func (o *recordingOps) SyncCPUDevicePagetables(ar gpuarch.AddrRange) {
	o.synced = append(o.synced, ar)
}

func (o *recordingOps) Release() {
	o.released++
}

func newRange(start gpuarch.Addr, reqs ...PFN) *Range {
	return &Range{
		Start: start,
		End:   start + gpuarch.Addr(len(reqs)*gpuarch.PageSize),
		PFNs:  reqs,
	}
}

func TestPFN(t *testing.T) {
	for _, tc := range []struct {
		pfn      PFN
		valid    bool
		writable bool
		str      string
	}{
		{pfn: PFNNone, str: "none"},
		{pfn: PFNError, str: "error"},
		{pfn: MakePFN(0x42, false), valid: true, str: "0x42/r--"},
		{pfn: MakePFN(0x42, true), valid: true, writable: true, str: "0x42/rw-"},
	} {
		if got := tc.pfn.Valid(); got != tc.valid {
			t.Errorf("%v.Valid() got %t want %t", tc.pfn, got, tc.valid)
		}
		if got := tc.pfn.Writable(); got != tc.writable {
			t.Errorf("%v.Writable() got %t want %t", tc.pfn, got, tc.writable)
		}
		if got := tc.pfn.String(); got != tc.str {
			t.Errorf("String() got %q want %q", got, tc.str)
		}
	}
	if got := MakePFN(0x42, true).Frame(); got != 0x42 {
		t.Errorf("Frame() got %#x want 0x42", got)
	}
}

func TestRequestPFN(t *testing.T) {
	for _, tc := range []struct {
		at   gpuarch.AccessType
		want PFN
	}{
		{gpuarch.NoAccess, PFNNone},
		{gpuarch.Read, PFNValid},
		{gpuarch.Write, PFNValid | PFNWrite},
		{gpuarch.AccessType{Atomic: true}, PFNValid | PFNWrite},
	} {
		if got := RequestPFN(tc.at); got != tc.want {
			t.Errorf("RequestPFN(%v) got %#x want %#x", tc.at, uint64(got), uint64(tc.want))
		}
	}
}

func TestMirrorFault(t *testing.T) {
	as := &fakeAS{}
	ops := &recordingOps{}
	m, err := Register(as, ops)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	defer m.Unregister()

	r := newRange(0x10000, PFNValid, PFNNone, PFNValid|PFNWrite)
	as.RLock()
	err = m.Fault(context.Background(), r)
	as.RUnlock()
	if err != nil {
		t.Fatalf("Fault failed: %v", err)
	}
	if !m.RangeDone(r) {
		t.Errorf("RangeDone got false want true")
	}
	want := []PFN{MakePFN(0x10, false), PFNNone, MakePFN(0x12, true)}
	if diff := cmp.Diff(want, r.PFNs); diff != "" {
		t.Errorf("PFNs mismatch (-want +got):\n%s", diff)
	}
	if m.RangeDone(r) {
		t.Errorf("second RangeDone got true want false")
	}
}

func TestMirrorInvalidateDuringFault(t *testing.T) {
	as := &fakeAS{}
	ops := &recordingOps{}
	m, err := Register(as, ops)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	defer m.Unregister()

	inv := gpuarch.AddrRange{Start: 0x11000, End: 0x12000}
	as.duringFault = func() { as.invalidate(inv) }
	r := newRange(0x10000, PFNValid, PFNValid)
	as.RLock()
	err = m.Fault(context.Background(), r)
	as.RUnlock()
	if !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Fatalf("Fault got %v want EAGAIN", err)
	}
	if diff := cmp.Diff([]gpuarch.AddrRange{inv}, ops.synced); diff != "" {
		t.Errorf("synced ranges mismatch (-want +got):\n%s", diff)
	}
}

func TestMirrorInvalidateAfterFault(t *testing.T) {
	as := &fakeAS{}
	m, err := Register(as, &recordingOps{})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	defer m.Unregister()

	r := newRange(0x10000, PFNValid)
	as.RLock()
	err = m.Fault(context.Background(), r)
	as.RUnlock()
	if err != nil {
		t.Fatalf("Fault failed: %v", err)
	}

	// Disjoint invalidations leave the range valid.
	as.invalidate(gpuarch.AddrRange{Start: 0x20000, End: 0x21000})
	as.invalidate(gpuarch.AddrRange{Start: 0x11000, End: 0x12000})
	if !m.RangeDone(r) {
		t.Fatalf("RangeDone after disjoint invalidations got false want true")
	}

	r = newRange(0x10000, PFNValid)
	as.RLock()
	err = m.Fault(context.Background(), r)
	as.RUnlock()
	if err != nil {
		t.Fatalf("Fault failed: %v", err)
	}
	as.invalidate(gpuarch.AddrRange{Start: 0, End: 0x10001})
	if m.RangeDone(r) {
		t.Errorf("RangeDone after overlapping invalidation got true want false")
	}
}

func TestMirrorFaultError(t *testing.T) {
	as := &fakeAS{faultErr: linuxerr.ESRCH}
	m, err := Register(as, &recordingOps{})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	r := newRange(0x10000, PFNValid)
	as.RLock()
	err = m.Fault(context.Background(), r)
	as.RUnlock()
	if !linuxerr.Equals(linuxerr.ESRCH, err) {
		t.Fatalf("Fault got %v want ESRCH", err)
	}
	if m.RangeDone(r) {
		t.Errorf("RangeDone after failed Fault got true want false")
	}
}

func TestMirrorUnregister(t *testing.T) {
	as := &fakeAS{}
	ops := &recordingOps{}
	m, err := Register(as, ops)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if got := len(as.notifiers); got != 1 {
		t.Fatalf("notifiers got %d want 1", got)
	}
	for _, n := range as.notifiers {
		n.Release()
	}
	if ops.released != 1 {
		t.Errorf("released got %d want 1", ops.released)
	}
	m.Unregister()
	m.Unregister()
	if got := len(as.notifiers); got != 0 {
		t.Errorf("notifiers after Unregister got %d want 0", got)
	}
	as.invalidate(gpuarch.AddrRange{Start: 0, End: gpuarch.PageSize})
	if len(ops.synced) != 0 {
		t.Errorf("synced after Unregister got %v want none", ops.synced)
	}
}
