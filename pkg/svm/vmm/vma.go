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

package vmm

import (
	"context"
	"fmt"

	"gvisor.dev/gpusvm/pkg/errors/linuxerr"
	"gvisor.dev/gpusvm/pkg/gpuarch"
	"gvisor.dev/gpusvm/pkg/svm/hmm"
)

// BufferObject is a device memory allocation that can be mapped into a
// Context.
type BufferObject interface {
	// Size returns the object size in bytes, a multiple of the page size.
	Size() uint64

	// PageShift returns the page size of the object's backing.
	PageShift() uint

	// Resident returns true if the backing is device memory with the
	// object's page size. Resident objects are mapped when their VMA is
	// created; others only get page tables and are mapped on demand.
	Resident() bool

	// PFNs returns one descriptor per backing page.
	PFNs() []hmm.PFN
}

// VMA is the mapping of one buffer object into a Context.
type VMA struct {
	ctx *Context
	obj BufferObject

	// ar is the reserved device range. Immutable.
	ar gpuarch.AddrRange

	// refs and mapped are protected by ctx.mu.
	refs   int
	mapped bool
}

// Range returns the device range of the VMA.
func (v *VMA) Range() gpuarch.AddrRange {
	return v.ar
}

// Mapped returns true if the object's pages are installed.
func (v *VMA) Mapped() bool {
	v.ctx.mu.Lock()
	defer v.ctx.mu.Unlock()
	return v.mapped
}

// findFreeLocked returns the lowest range of size bytes, aligned to
// 1<<shift, within bounds that does not overlap any reservation.
//
// Preconditions: c.mu is locked.
func (c *Context) findFreeLocked(bounds gpuarch.AddrRange, size uint64, shift uint) (gpuarch.AddrRange, error) {
	align := gpuarch.Addr(1) << shift
	cursor, ok := gpuarch.AlignUp(bounds.Start, align)
	if !ok {
		return gpuarch.AddrRange{}, linuxerr.ENOSPC
	}
	var found gpuarch.AddrRange
	fits := func(end gpuarch.Addr) bool {
		if cand, ok := cursor.ToRange(size); ok && cand.End <= end {
			found = cand
			return true
		}
		return false
	}
	done, exhausted := false, false
	c.reservations.Ascend(func(r *reservation) bool {
		if r.End <= cursor {
			return true
		}
		if fits(min(r.Start, bounds.End)) {
			done = true
			return false
		}
		next, ok := gpuarch.AlignUp(r.End, align)
		if !ok || next >= bounds.End {
			exhausted = true
			return false
		}
		cursor = next
		return true
	})
	if done || (!exhausted && fits(bounds.End)) {
		return found, nil
	}
	return gpuarch.AddrRange{}, fmt.Errorf("no room for %#x bytes in %v: %w", size, bounds, linuxerr.ENOSPC)
}

// NewVMA returns the mapping of obj, creating it if this is the first
// reference. Each call must be balanced by VMA.Del.
func (c *Context) NewVMA(ctx context.Context, obj BufferObject) (*VMA, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.vmas[obj]; ok {
		v.refs++
		return v, nil
	}
	if c.dead {
		return nil, linuxerr.ENODEV
	}

	size := obj.Size()
	if size == 0 || size%gpuarch.PageSize != 0 {
		return nil, fmt.Errorf("invalid object size %#x: %w", size, linuxerr.EINVAL)
	}
	bounds := c.window
	if c.mirrored {
		bounds = c.hole.Intersect(c.window)
	}
	ar, err := c.findFreeLocked(bounds, size, obj.PageShift())
	if err != nil {
		return nil, err
	}
	if err := c.getLocked(ctx, ar, false); err != nil {
		return nil, err
	}
	v := &VMA{ctx: c, obj: obj, ar: ar, refs: 1}
	c.vmas[obj] = v
	if obj.Resident() {
		if err := v.mapLocked(ctx); err != nil {
			v.delLocked()
			return nil, err
		}
	}
	return v, nil
}

// Map installs the object's pages.
func (v *VMA) Map(ctx context.Context) error {
	v.ctx.mu.Lock()
	defer v.ctx.mu.Unlock()
	return v.mapLocked(ctx)
}

// mapLocked implements Map.
//
// Preconditions: v.ctx.mu is locked.
func (v *VMA) mapLocked(ctx context.Context) error {
	if v.refs <= 0 {
		return linuxerr.EINVAL
	}
	pfns := v.obj.PFNs()
	if uint64(len(pfns)) != v.ar.NumPages() {
		return fmt.Errorf("object has %d pages, mapping has %d: %w", len(pfns), v.ar.NumPages(), linuxerr.EINVAL)
	}
	if err := v.ctx.svc.Install(ctx, v.ar.Start, pfns); err != nil {
		return err
	}
	v.mapped = true
	return nil
}

// Unmap removes the object's pages, keeping the reservation.
func (v *VMA) Unmap() {
	v.ctx.mu.Lock()
	defer v.ctx.mu.Unlock()
	v.unmapLocked()
}

// unmapLocked implements Unmap.
//
// Preconditions: v.ctx.mu is locked.
func (v *VMA) unmapLocked() {
	if !v.mapped {
		return
	}
	v.ctx.svc.Invalidate(v.ar.Start, v.ar.NumPages())
	v.mapped = false
}

// Del drops a reference taken by NewVMA. The last reference unmaps the
// object and releases its reservation.
func (v *VMA) Del() {
	v.ctx.mu.Lock()
	defer v.ctx.mu.Unlock()
	v.delLocked()
}

// delLocked implements Del.
//
// Preconditions: v.ctx.mu is locked.
func (v *VMA) delLocked() {
	if v.refs <= 0 {
		panic(fmt.Sprintf("vmm[%d]: VMA %v deleted with %d references", v.ctx.owner, v.ar, v.refs))
	}
	v.refs--
	if v.refs > 0 {
		return
	}
	v.unmapLocked()
	if !v.ctx.dead {
		v.ctx.putLocked(v.ar, false)
	}
	delete(v.ctx.vmas, v.obj)
}
