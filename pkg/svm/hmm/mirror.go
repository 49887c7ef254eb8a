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
	"fmt"

	"gvisor.dev/gpusvm/pkg/errors/linuxerr"
	"gvisor.dev/gpusvm/pkg/gpuarch"
	"gvisor.dev/gpusvm/pkg/sync"
)

// Range is a snapshot of CPU page descriptors for [Start, End).
//
// A Range is tracked by its Mirror from Fault until RangeDone; any
// invalidation overlapping it in between makes it stale.
type Range struct {
	Start gpuarch.Addr
	End   gpuarch.Addr

	// PFNs holds one descriptor per page: requested access on input, the
	// resolved descriptor on output.
	PFNs []PFN

	// stale is protected by Mirror.mu.
	stale bool
}

// AddrRange returns [r.Start, r.End).
func (r *Range) AddrRange() gpuarch.AddrRange {
	return gpuarch.AddrRange{Start: r.Start, End: r.End}
}

// Mirror is a registration of a device consumer with an AddressSpace.
type Mirror struct {
	as  AddressSpace
	ops Ops

	mu         sync.Mutex
	ranges     map[*Range]struct{}
	registered bool
}

// Register links ops to as. The returned Mirror is registered for
// notifications until Unregister is called.
func Register(as AddressSpace, ops Ops) (*Mirror, error) {
	m := &Mirror{
		as:         as,
		ops:        ops,
		ranges:     make(map[*Range]struct{}),
		registered: true,
	}
	if err := as.AddNotifier(m); err != nil {
		return nil, fmt.Errorf("registering mirror: %w", err)
	}
	return m, nil
}

// Unregister stops notifications. It is safe to call more than once.
func (m *Mirror) Unregister() {
	m.mu.Lock()
	registered := m.registered
	m.registered = false
	m.mu.Unlock()
	if registered {
		m.as.RemoveNotifier(m)
	}
}

// AddressSpace returns the mirrored address space.
func (m *Mirror) AddressSpace() AddressSpace {
	return m.as
}

// InvalidateRange implements Notifier.InvalidateRange.
func (m *Mirror) InvalidateRange(ar gpuarch.AddrRange) {
	m.mu.Lock()
	for r := range m.ranges {
		if r.AddrRange().Overlaps(ar) {
			r.stale = true
		}
	}
	m.mu.Unlock()
	m.ops.SyncCPUDevicePagetables(ar)
}

// Release implements Notifier.Release.
func (m *Mirror) Release() {
	m.ops.Release()
}

// Fault faults in r and starts tracking it. On success the caller must call
// RangeDone before trusting r.PFNs.
//
// If r was invalidated while pages were being faulted in, Fault stops
// tracking r and returns EAGAIN; the caller should retry from scratch.
//
// Preconditions: the address-space read lock is held. r is page-aligned and
// len(r.PFNs) == r.AddrRange().NumPages().
func (m *Mirror) Fault(ctx context.Context, r *Range) error {
	ar := r.AddrRange()
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() || uint64(len(r.PFNs)) != ar.NumPages() {
		panic(fmt.Sprintf("invalid range %v with %d pfns", ar, len(r.PFNs)))
	}

	m.mu.Lock()
	r.stale = false
	m.ranges[r] = struct{}{}
	m.mu.Unlock()

	err := m.as.FaultPages(ctx, ar, r.PFNs)

	m.mu.Lock()
	stale := r.stale
	if err != nil || stale {
		delete(m.ranges, r)
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if stale {
		return linuxerr.EAGAIN
	}
	return nil
}

// RangeDone stops tracking r and returns true if no invalidation overlapped
// it since Fault.
func (m *Mirror) RangeDone(r *Range) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ranges[r]; !ok {
		return false
	}
	delete(m.ranges, r)
	return !r.stale
}
