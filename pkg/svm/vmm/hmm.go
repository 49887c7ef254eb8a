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

	"gvisor.dev/gpusvm/pkg/cleanup"
	"gvisor.dev/gpusvm/pkg/errors/linuxerr"
	"gvisor.dev/gpusvm/pkg/gpuarch"
	"gvisor.dev/gpusvm/pkg/log"
	"gvisor.dev/gpusvm/pkg/svm/hmm"
)

// mirrorPieces returns the parts of c.window outside hole.
func (c *Context) mirrorPieces(hole gpuarch.AddrRange) []gpuarch.AddrRange {
	hole = hole.Intersect(c.window)
	if hole.Length() == 0 {
		return []gpuarch.AddrRange{c.window}
	}
	var pieces []gpuarch.AddrRange
	if c.window.Start < hole.Start {
		pieces = append(pieces, gpuarch.AddrRange{Start: c.window.Start, End: hole.Start})
	}
	if hole.End < c.window.End {
		pieces = append(pieces, gpuarch.AddrRange{Start: hole.End, End: c.window.End})
	}
	return pieces
}

// HMMInit reserves every page of the window outside hole for mirrored CPU
// mappings and enables replayable faults. The hole remains available to Get
// and NewVMA.
func (c *Context) HMMInit(ctx context.Context, hole gpuarch.AddrRange) error {
	if !hole.WellFormed() || hole.Length() == 0 || !hole.IsPageAligned() {
		return fmt.Errorf("invalid hole %v: %w", hole, linuxerr.EINVAL)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return linuxerr.ENODEV
	}
	if c.mirrored {
		return fmt.Errorf("mirror already initialized with hole %v: %w", c.hole, linuxerr.EBUSY)
	}

	cu := cleanup.Make(func() {})
	defer cu.Clean()
	for _, ar := range c.mirrorPieces(hole) {
		ar := ar
		if err := c.getLocked(ctx, ar, true); err != nil {
			return fmt.Errorf("reserving mirror range %v: %w", ar, err)
		}
		cu.Add(func() { c.putLocked(ar, true) })
	}
	if err := c.svc.HMMInit(hole); err != nil {
		return err
	}
	cu.Release()

	c.hole = hole
	c.mirrored = true
	log.Infof("vmm[%d]: mirroring %v with hole %v", c.owner, c.window, hole)
	return nil
}

// HMMFini releases the reservations taken by HMMInit. It is a no-op if the
// mirror is not initialized.
func (c *Context) HMMFini(hole gpuarch.AddrRange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mirrored {
		return
	}
	if hole != c.hole {
		log.Warningf("vmm[%d]: HMMFini hole %v does not match %v", c.owner, hole, c.hole)
	}
	c.hmmFiniLocked()
}

// hmmFiniLocked implements HMMFini.
//
// Preconditions: c.mu is locked. c.mirrored is true.
func (c *Context) hmmFiniLocked() {
	for _, ar := range c.mirrorPieces(c.hole) {
		c.putLocked(ar, true)
	}
	c.svc.HMMFini(c.hole)
	c.hole = gpuarch.AddrRange{}
	c.mirrored = false
}

// HMMMap installs mirrored CPU pages at addr. Pages whose descriptor is
// hmm.PFNNone or hmm.PFNError are skipped. Mapping a page that is already
// mapped with the same descriptor has no effect.
//
// It returns EINVAL if the range is not entirely within one mirrored
// reservation.
func (c *Context) HMMMap(ctx context.Context, addr gpuarch.Addr, pfns []hmm.PFN) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ar, ok := addr.ToRange(uint64(len(pfns)) * gpuarch.PageSize)
	if !ok {
		return linuxerr.EINVAL
	}
	if err := c.checkRangeLocked(ar); err != nil {
		return err
	}
	if !c.reservedLocked(ar, func(r *reservation) bool { return r.mirror }) {
		return fmt.Errorf("mirror map of unreserved range %v: %w", ar, linuxerr.EINVAL)
	}
	return c.svc.Install(ctx, addr, pfns)
}

// HMMUnmap invalidates npages mirrored pages at addr. Pages outside the
// mirrored reservations are left alone.
func (c *Context) HMMUnmap(addr gpuarch.Addr, npages uint64) {
	if npages == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mirrored {
		return
	}
	end, ok := addr.AddLength(npages * gpuarch.PageSize)
	if !ok {
		end = c.window.End
	}
	ar := gpuarch.AddrRange{Start: addr, End: end}
	for _, r := range c.overlappingLocked(ar) {
		if !r.mirror {
			continue
		}
		sub := r.Intersect(ar)
		c.svc.Invalidate(sub.Start, sub.NumPages())
	}
}
