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

// Package sim provides in-memory implementations of the collaborators of the
// fault service: a CPU address space, a GPU with a replayable fault buffer,
// and a GPU page-table service.
package sim

import (
	"context"
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/gpusvm/pkg/errors/linuxerr"
	"gvisor.dev/gpusvm/pkg/gpuarch"
	"gvisor.dev/gpusvm/pkg/svm/hmm"
	"gvisor.dev/gpusvm/pkg/sync"
)

// region is a mapped range of an AddressSpace.
type region struct {
	gpuarch.AddrRange
	perms gpuarch.AccessType
}

func regionLess(a, b *region) bool {
	return a.Start < b.Start
}

// page is a resident CPU page.
type page struct {
	frame uint64
	dirty bool
}

// AddressSpace is a CPU address space with demand-allocated pages.
type AddressSpace struct {
	mu sync.RWMutex

	// regions never overlap. Protected by mu.
	regions *btree.BTreeG[*region]

	// pages are the resident pages. Protected by mu.
	pages map[gpuarch.Addr]page

	// nextFrame is the next frame number to allocate. Protected by mu.
	nextFrame uint64

	// notifiers is protected by mu.
	notifiers []hmm.Notifier

	// dead is set by Exit. Protected by mu.
	dead bool

	// injectMu protects the fields below.
	injectMu    sync.Mutex
	busy        int
	duringFault []func()
	failAlloc   map[gpuarch.Addr]struct{}
	faultCalls  int
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{
		regions:   btree.NewG(8, regionLess),
		pages:     make(map[gpuarch.Addr]page),
		nextFrame: 1,
		failAlloc: make(map[gpuarch.Addr]struct{}),
	}
}

// RLock implements hmm.AddressSpace.RLock.
func (as *AddressSpace) RLock() {
	as.mu.RLock()
}

// RUnlock implements hmm.AddressSpace.RUnlock.
func (as *AddressSpace) RUnlock() {
	as.mu.RUnlock()
}

// findLocked returns the lowest region intersecting ar.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) findLocked(ar gpuarch.AddrRange) (*region, bool) {
	var found *region
	as.regions.DescendLessOrEqual(&region{AddrRange: gpuarch.AddrRange{Start: ar.Start}}, func(r *region) bool {
		if r.Overlaps(ar) {
			found = r
		}
		return false
	})
	if found != nil {
		return found, true
	}
	as.regions.AscendRange(&region{AddrRange: gpuarch.AddrRange{Start: ar.Start + 1}}, &region{AddrRange: gpuarch.AddrRange{Start: ar.End}}, func(r *region) bool {
		found = r
		return false
	})
	return found, found != nil
}

// FindRegion implements hmm.AddressSpace.FindRegion.
func (as *AddressSpace) FindRegion(ar gpuarch.AddrRange) (hmm.Region, bool) {
	r, ok := as.findLocked(ar)
	if !ok {
		return hmm.Region{}, false
	}
	return hmm.Region{Range: r.AddrRange, Perms: r.perms}, true
}

// FaultPages implements hmm.AddressSpace.FaultPages.
func (as *AddressSpace) FaultPages(ctx context.Context, ar gpuarch.AddrRange, pfns []hmm.PFN) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if as.dead {
		return linuxerr.ESRCH
	}

	as.injectMu.Lock()
	as.faultCalls++
	if as.busy > 0 {
		as.busy--
		as.injectMu.Unlock()
		return linuxerr.EBUSY
	}
	var hook func()
	if len(as.duringFault) > 0 {
		hook = as.duringFault[0]
		as.duringFault = as.duringFault[1:]
	}
	as.injectMu.Unlock()

	for i := range pfns {
		if pfns[i] == hmm.PFNNone {
			continue
		}
		addr := ar.Start + gpuarch.Addr(i)*gpuarch.PageSize
		pfns[i] = as.faultPageRLocked(addr, pfns[i].Writable())
	}

	if hook != nil {
		// Blocking fault-in drops the lock, letting writers in.
		as.mu.RUnlock()
		hook()
		as.mu.RLock()
	}
	return nil
}

// faultPageRLocked resolves one page.
//
// Preconditions: as.mu is read locked.
func (as *AddressSpace) faultPageRLocked(addr gpuarch.Addr, write bool) hmm.PFN {
	r, ok := as.findLocked(gpuarch.AddrRange{Start: addr, End: addr + gpuarch.PageSize})
	if !ok || !r.Contains(addr) {
		return hmm.PFNError
	}
	if write && !r.perms.Write || !r.perms.Any() {
		return hmm.PFNError
	}

	// Page allocation mutates pages under the read lock; injectMu
	// serializes concurrent faulting readers.
	as.injectMu.Lock()
	defer as.injectMu.Unlock()
	if _, fail := as.failAlloc[addr]; fail {
		return hmm.PFNError
	}
	p, ok := as.pages[addr]
	if !ok {
		p = page{frame: as.nextFrame}
		as.nextFrame++
	}
	if write {
		p.dirty = true
	}
	as.pages[addr] = p
	return hmm.MakePFN(p.frame, p.dirty && r.perms.Write)
}

// AddNotifier implements hmm.AddressSpace.AddNotifier.
func (as *AddressSpace) AddNotifier(n hmm.Notifier) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.dead {
		return linuxerr.ESRCH
	}
	as.notifiers = append(as.notifiers, n)
	return nil
}

// RemoveNotifier implements hmm.AddressSpace.RemoveNotifier.
func (as *AddressSpace) RemoveNotifier(n hmm.Notifier) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for i, o := range as.notifiers {
		if o == n {
			as.notifiers = append(as.notifiers[:i:i], as.notifiers[i+1:]...)
			return
		}
	}
}

// invalidateLocked notifies every notifier that ar changed.
//
// Preconditions: as.mu is write locked.
func (as *AddressSpace) invalidateLocked(ar gpuarch.AddrRange) {
	for _, n := range as.notifiers {
		n.InvalidateRange(ar)
	}
}

// MMap maps ar with the given permissions. If populate is set every page is
// made resident immediately.
func (as *AddressSpace) MMap(ar gpuarch.AddrRange, perms gpuarch.AccessType, populate bool) error {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() || ar.End > gpuarch.MaxUserAddress {
		return fmt.Errorf("invalid range %v: %w", ar, linuxerr.EINVAL)
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.dead {
		return linuxerr.ESRCH
	}
	if r, ok := as.findLocked(ar); ok {
		return fmt.Errorf("%v overlaps %v: %w", ar, r.AddrRange, linuxerr.EEXIST)
	}
	as.regions.ReplaceOrInsert(&region{AddrRange: ar, perms: perms})
	if populate {
		for addr := ar.Start; addr < ar.End; addr += gpuarch.PageSize {
			as.pages[addr] = page{frame: as.nextFrame, dirty: perms.Write}
			as.nextFrame++
		}
	}
	return nil
}

// MUnmap unmaps ar, splitting regions that straddle its ends, and notifies
// the mirrors.
func (as *AddressSpace) MUnmap(ar gpuarch.AddrRange) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for {
		r, ok := as.findLocked(ar)
		if !ok {
			break
		}
		as.regions.Delete(r)
		if r.Start < ar.Start {
			as.regions.ReplaceOrInsert(&region{AddrRange: gpuarch.AddrRange{Start: r.Start, End: ar.Start}, perms: r.perms})
		}
		if r.End > ar.End {
			as.regions.ReplaceOrInsert(&region{AddrRange: gpuarch.AddrRange{Start: ar.End, End: r.End}, perms: r.perms})
		}
	}
	for addr := range as.pages {
		if ar.Contains(addr) {
			delete(as.pages, addr)
		}
	}
	as.invalidateLocked(ar)
}

// Migrate moves every resident page of ar to a new frame and notifies the
// mirrors.
func (as *AddressSpace) Migrate(ar gpuarch.AddrRange) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for addr, p := range as.pages {
		if ar.Contains(addr) {
			p.frame = as.nextFrame
			as.nextFrame++
			as.pages[addr] = p
		}
	}
	as.invalidateLocked(ar)
}

// Exit tears the address space down. Mirrors are released without the lock
// held.
func (as *AddressSpace) Exit() {
	as.mu.Lock()
	if as.dead {
		as.mu.Unlock()
		return
	}
	as.dead = true
	ns := as.notifiers
	as.notifiers = nil
	as.regions.Clear(false)
	as.pages = make(map[gpuarch.Addr]page)
	as.mu.Unlock()

	for _, n := range ns {
		n.Release()
	}
}

// Resident returns the frame backing addr.
func (as *AddressSpace) Resident(addr gpuarch.Addr) (uint64, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	as.injectMu.Lock()
	defer as.injectMu.Unlock()
	p, ok := as.pages[addr.RoundDown()]
	return p.frame, ok
}

// Notifiers returns the number of registered notifiers.
func (as *AddressSpace) Notifiers() int {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return len(as.notifiers)
}

// InjectBusy makes the next n calls to FaultPages fail with EBUSY.
func (as *AddressSpace) InjectBusy(n int) {
	as.injectMu.Lock()
	defer as.injectMu.Unlock()
	as.busy += n
}

// InjectDuringFault runs f, without the address-space lock held, in the
// middle of the next FaultPages call that is not failed by InjectBusy. f may
// change the address space.
func (as *AddressSpace) InjectDuringFault(f func()) {
	as.injectMu.Lock()
	defer as.injectMu.Unlock()
	as.duringFault = append(as.duringFault, f)
}

// FailAllocation makes backing allocation for the page at addr fail.
func (as *AddressSpace) FailAllocation(addr gpuarch.Addr) {
	as.injectMu.Lock()
	defer as.injectMu.Unlock()
	as.failAlloc[addr.RoundDown()] = struct{}{}
}

// FaultCalls returns the number of FaultPages calls so far.
func (as *AddressSpace) FaultCalls() int {
	as.injectMu.Lock()
	defer as.injectMu.Unlock()
	return as.faultCalls
}
