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

// Package vmm implements the GPU mapping context: the device-side virtual
// address window of one client, its page-table reservations, buffer-object
// mappings and the mirrored (HMM) region.
//
// Reservations are reference counted per exact range. Every successful Get
// must be balanced by exactly one Put; installing page-table entries into a
// range that is not reserved fails with EINVAL.
//
// Lock ordering:
//
//	Binding.mu (callers)
//	  Context.mu
package vmm

import (
	"context"
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/gpusvm/pkg/errors/linuxerr"
	"gvisor.dev/gpusvm/pkg/gpuarch"
	"gvisor.dev/gpusvm/pkg/log"
	"gvisor.dev/gpusvm/pkg/svm/hmm"
	"gvisor.dev/gpusvm/pkg/sync"
)

// Service is the low-level GPU address space service that owns the device
// page tables. All calls may block briefly on page-table allocation.
type Service interface {
	// ReserveRange allocates page-table structures covering ar with pages
	// of size 1<<pageShift.
	ReserveRange(ctx context.Context, ar gpuarch.AddrRange, pageShift uint) error

	// ReleaseRange frees structures allocated by ReserveRange.
	ReleaseRange(ar gpuarch.AddrRange)

	// Install writes one page-table entry per element of pfns starting at
	// addr. Elements equal to hmm.PFNNone or hmm.PFNError are not written.
	Install(ctx context.Context, addr gpuarch.Addr, pfns []hmm.PFN) error

	// Invalidate clears npages page-table entries starting at addr.
	Invalidate(addr gpuarch.Addr, npages uint64)

	// HMMInit enables replayable faults for mirrored addresses. Accesses
	// inside hole are never mirrored.
	HMMInit(hole gpuarch.AddrRange) error

	// HMMFini undoes HMMInit.
	HMMFini(hole gpuarch.AddrRange)
}

// reservation is a reserved range of the window.
type reservation struct {
	gpuarch.AddrRange
	pageShift uint

	// refs is the number of Get calls not yet balanced by Put.
	refs int

	// mirror is true for ranges reserved by HMMInit.
	mirror bool
}

func reservationLess(a, b *reservation) bool {
	return a.Start < b.Start
}

// Context is a GPU mapping context.
type Context struct {
	svc Service

	// owner is the id of the owning process. Immutable.
	owner int32

	// window is the device virtual address window. Immutable.
	window gpuarch.AddrRange

	// pageShifts are the page sizes supported by the window, largest
	// first. Immutable.
	pageShifts []uint

	mu sync.Mutex

	// reservations is keyed by start address and never contains
	// overlapping ranges. Protected by mu.
	reservations *btree.BTreeG[*reservation]

	// vmas maps buffer objects to their mappings. Protected by mu.
	vmas map[BufferObject]*VMA

	// hole is the range passed to HMMInit, or empty. Protected by mu.
	hole gpuarch.AddrRange

	// mirrored is true between HMMInit and HMMFini. Protected by mu.
	mirrored bool

	// dead is set by Fini. Protected by mu.
	dead bool
}

// New returns a mapping context over window for process owner. pageShifts
// lists the supported page sizes; the smallest must be gpuarch.PageShift.
func New(svc Service, owner int32, window gpuarch.AddrRange, pageShifts []uint) (*Context, error) {
	if !window.WellFormed() || window.Length() == 0 || !window.IsPageAligned() {
		return nil, fmt.Errorf("invalid window %v: %w", window, linuxerr.EINVAL)
	}
	if len(pageShifts) == 0 {
		pageShifts = []uint{gpuarch.PageShift}
	}
	shifts := append([]uint(nil), pageShifts...)
	smallest := shifts[0]
	for _, s := range shifts {
		if s < gpuarch.PageShift || s >= 64 {
			return nil, fmt.Errorf("invalid page shift %d: %w", s, linuxerr.EINVAL)
		}
		smallest = min(smallest, s)
	}
	if smallest != gpuarch.PageShift {
		return nil, fmt.Errorf("no %d-byte page support: %w", gpuarch.PageSize, linuxerr.EINVAL)
	}
	return &Context{
		svc:          svc,
		owner:        owner,
		window:       window,
		pageShifts:   shifts,
		reservations: btree.NewG(8, reservationLess),
		vmas:         make(map[BufferObject]*VMA),
	}, nil
}

// Owner returns the id of the owning process.
func (c *Context) Owner() int32 {
	return c.owner
}

// Window returns the device virtual address window.
func (c *Context) Window() gpuarch.AddrRange {
	return c.window
}

// Fini releases every remaining reservation. Mappings left behind indicate a
// reference leak and are logged.
func (c *Context) Fini() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return
	}
	c.dead = true
	if c.mirrored {
		c.hmmFiniLocked()
	}
	var leaked []*reservation
	c.reservations.Ascend(func(r *reservation) bool {
		leaked = append(leaked, r)
		return true
	})
	for _, r := range leaked {
		log.Warningf("vmm[%d]: releasing %v with %d outstanding references", c.owner, r.AddrRange, r.refs)
		c.svc.Invalidate(r.Start, r.NumPages())
		c.svc.ReleaseRange(r.AddrRange)
		c.reservations.Delete(r)
	}
	c.vmas = make(map[BufferObject]*VMA)
}

// checkRangeLocked validates ar against the window.
//
// Preconditions: c.mu is locked.
func (c *Context) checkRangeLocked(ar gpuarch.AddrRange) error {
	if c.dead {
		return linuxerr.ENODEV
	}
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() || !c.window.IsSupersetOf(ar) {
		return linuxerr.EINVAL
	}
	return nil
}

// pageShiftFor returns the largest supported page size that evenly divides
// ar.
func (c *Context) pageShiftFor(ar gpuarch.AddrRange) uint {
	best := uint(gpuarch.PageShift)
	for _, s := range c.pageShifts {
		mask := uint64(1)<<s - 1
		if uint64(ar.Start)&mask == 0 && ar.Length()&mask == 0 && s > best {
			best = s
		}
	}
	return best
}

// overlappingLocked returns the reservations intersecting ar in ascending
// order.
//
// Preconditions: c.mu is locked.
func (c *Context) overlappingLocked(ar gpuarch.AddrRange) []*reservation {
	var rs []*reservation
	// The reservation containing ar.Start, if any, starts before it.
	c.reservations.DescendLessOrEqual(&reservation{AddrRange: gpuarch.AddrRange{Start: ar.Start}}, func(r *reservation) bool {
		if r.Overlaps(ar) {
			rs = append(rs, r)
		}
		return false
	})
	c.reservations.AscendRange(&reservation{AddrRange: gpuarch.AddrRange{Start: ar.Start + 1}}, &reservation{AddrRange: gpuarch.AddrRange{Start: ar.End}}, func(r *reservation) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// Get reserves ar. A second Get of exactly the same range takes another
// reference; a Get overlapping a different reservation fails with EEXIST.
func (c *Context) Get(ctx context.Context, ar gpuarch.AddrRange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(ctx, ar, false)
}

// getLocked implements Get.
//
// Preconditions: c.mu is locked.
func (c *Context) getLocked(ctx context.Context, ar gpuarch.AddrRange, mirror bool) error {
	if err := c.checkRangeLocked(ar); err != nil {
		return err
	}
	if r, ok := c.reservations.Get(&reservation{AddrRange: ar}); ok && r.AddrRange == ar && !r.mirror && !mirror {
		r.refs++
		return nil
	}
	if rs := c.overlappingLocked(ar); len(rs) != 0 {
		return fmt.Errorf("%v overlaps reservation %v: %w", ar, rs[0].AddrRange, linuxerr.EEXIST)
	}
	shift := c.pageShiftFor(ar)
	if err := c.svc.ReserveRange(ctx, ar, shift); err != nil {
		return err
	}
	c.reservations.ReplaceOrInsert(&reservation{
		AddrRange: ar,
		pageShift: shift,
		refs:      1,
		mirror:    mirror,
	})
	if log.IsLogging(log.Debug) {
		log.Debugf("vmm[%d]: reserved %v (page shift %d)", c.owner, ar, shift)
	}
	return nil
}

// Put drops a reference taken by Get. The range is invalidated and released
// when its last reference is dropped.
//
// Preconditions: ar was reserved by Get and not yet released.
func (c *Context) Put(ar gpuarch.AddrRange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(ar, false)
}

// putLocked implements Put.
//
// Preconditions: c.mu is locked.
func (c *Context) putLocked(ar gpuarch.AddrRange, mirror bool) {
	r, ok := c.reservations.Get(&reservation{AddrRange: ar})
	if !ok || r.AddrRange != ar || r.mirror != mirror {
		panic(fmt.Sprintf("vmm[%d]: put of unreserved range %v", c.owner, ar))
	}
	if r.refs <= 0 {
		panic(fmt.Sprintf("vmm[%d]: reservation %v has %d references", c.owner, ar, r.refs))
	}
	r.refs--
	if r.refs > 0 {
		return
	}
	c.svc.Invalidate(ar.Start, ar.NumPages())
	c.svc.ReleaseRange(ar)
	c.reservations.Delete(r)
	if log.IsLogging(log.Debug) {
		log.Debugf("vmm[%d]: released %v", c.owner, ar)
	}
}

// reservedLocked returns true if ar lies entirely within one reservation
// that satisfies pred.
//
// Preconditions: c.mu is locked.
func (c *Context) reservedLocked(ar gpuarch.AddrRange, pred func(*reservation) bool) bool {
	found := false
	c.reservations.DescendLessOrEqual(&reservation{AddrRange: gpuarch.AddrRange{Start: ar.Start}}, func(r *reservation) bool {
		found = r.IsSupersetOf(ar) && pred(r)
		return false
	})
	return found
}

// Reserved returns true if ar lies entirely within one reservation.
func (c *Context) Reserved(ar gpuarch.AddrRange) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reservedLocked(ar, func(*reservation) bool { return true })
}

// Map installs pfns at addr within a range reserved by Get.
func (c *Context) Map(ctx context.Context, addr gpuarch.Addr, pfns []hmm.PFN) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ar, ok := addr.ToRange(uint64(len(pfns)) * gpuarch.PageSize)
	if !ok {
		return linuxerr.EINVAL
	}
	if err := c.checkRangeLocked(ar); err != nil {
		return err
	}
	if !c.reservedLocked(ar, func(r *reservation) bool { return !r.mirror }) {
		return fmt.Errorf("map of unreserved range %v: %w", ar, linuxerr.EINVAL)
	}
	return c.svc.Install(ctx, addr, pfns)
}

// Unmap invalidates npages pages at addr.
func (c *Context) Unmap(addr gpuarch.Addr, npages uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead || npages == 0 {
		return
	}
	c.svc.Invalidate(addr, npages)
}
