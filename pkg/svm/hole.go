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
	"fmt"

	"gvisor.dev/gpusvm/pkg/errors/linuxerr"
	"gvisor.dev/gpusvm/pkg/gpuarch"
)

// ReserveHole establishes ar as the device aperture and enables mirroring of
// every other address. The hole starts with one reference.
//
// The binding must be enabled and must not already have a hole.
func (b *Binding) ReserveHole(ctx context.Context, ar gpuarch.AddrRange) error {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() || ar.End > gpuarch.MaxUserAddress {
		return fmt.Errorf("invalid hole %v: %w", ar, linuxerr.EINVAL)
	}
	if ar.Length() > b.opts.MaxHoleSize {
		return fmt.Errorf("hole %v larger than %#x bytes: %w", ar, b.opts.MaxHoleSize, linuxerr.EINVAL)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateEnabled {
		return fmt.Errorf("binding is %v: %w", b.state, linuxerr.EINVAL)
	}
	b.holeMu.Lock()
	busy := b.holeCount != 0
	b.holeMu.Unlock()
	if busy {
		return linuxerr.EBUSY
	}

	if err := b.vmm.HMMInit(ctx, ar); err != nil {
		return fmt.Errorf("initializing mirror with hole %v: %w", ar, err)
	}

	b.holeMu.Lock()
	b.hole = ar
	b.holeCount = 1
	b.holeMu.Unlock()
	b.log.Infof("reserved hole %v", ar)
	return nil
}

// HoleOpen takes a reference on the hole, as when the CPU mapping of the
// hole is duplicated.
func (b *Binding) HoleOpen() error {
	b.holeMu.Lock()
	defer b.holeMu.Unlock()
	if b.holeCount == 0 {
		return linuxerr.EINVAL
	}
	b.holeCount++
	return nil
}

// HoleClose drops a reference on the hole. Dropping the last reference
// disables the binding and clears the hole.
//
// Preconditions: the CPU address-space lock is not held.
func (b *Binding) HoleClose(ctx context.Context) {
	b.holeMu.Lock()
	if b.holeCount <= 0 {
		b.holeMu.Unlock()
		panic(fmt.Sprintf("svm[%v]: hole closed with %d references", b.key, b.holeCount))
	}
	b.holeCount--
	last := b.holeCount == 0
	b.holeMu.Unlock()
	if !last {
		return
	}

	b.Disable(ctx)

	b.holeMu.Lock()
	b.hole = gpuarch.AddrRange{}
	b.holeMu.Unlock()
}

// Hole returns the hole and its reference count.
func (b *Binding) Hole() (gpuarch.AddrRange, int) {
	b.holeMu.Lock()
	defer b.holeMu.Unlock()
	return b.hole, b.holeCount
}

// holeRange returns the hole, or an empty range if there is none.
func (b *Binding) holeRange() gpuarch.AddrRange {
	b.holeMu.Lock()
	defer b.holeMu.Unlock()
	return b.hole
}

// HoleAccess handles a CPU read or write of addr inside the hole. The hole
// has no CPU backing, so it always fails with ErrHoleAccess.
func (b *Binding) HoleAccess(addr gpuarch.Addr) error {
	if hole := b.holeRange(); !hole.Contains(addr) {
		return fmt.Errorf("%v is outside hole %v: %w", addr, hole, linuxerr.EFAULT)
	}
	return ErrHoleAccess
}
