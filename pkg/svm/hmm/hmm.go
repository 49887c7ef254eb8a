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

// Package hmm mirrors a CPU address space into device page tables.
//
// A Mirror links one AddressSpace to a device-side consumer (Ops). The
// address space calls the mirror's Notifier methods whenever CPU mappings
// change; the mirror forwards them to Ops and marks every in-flight Range
// that overlaps the change as stale, so that a consumer which faulted pages
// in concurrently can detect the race and retry.
//
// Lock ordering:
//
//   - AddressSpace lock (read for faults, write for invalidations)
//   - consumer locks taken in Ops
//   - Mirror.mu
package hmm

import (
	"context"
	"fmt"

	"gvisor.dev/gpusvm/pkg/gpuarch"
)

// PFN is a page descriptor exchanged between the CPU mirror and device page
// tables. Before resolution the flag bits hold the requested access; after
// resolution they describe the mapping and the frame number is stored above
// PFNShift.
type PFN uint64

const (
	// PFNValid requests (or reports) a readable mapping.
	PFNValid PFN = 1 << 0

	// PFNWrite requests (or reports) a writable mapping.
	PFNWrite PFN = 1 << 1

	// PFNError marks a page that could not be resolved. It is a value, not
	// a flag: an errored page has no other bits set.
	PFNError PFN = 1 << 2

	// PFNNone is a page for which no access was requested.
	PFNNone PFN = 0

	// PFNShift is the position of the frame number.
	PFNShift = 8

	pfnFlagsMask PFN = 1<<PFNShift - 1
)

// MakePFN returns a resolved descriptor for frame.
func MakePFN(frame uint64, writable bool) PFN {
	p := PFN(frame)<<PFNShift | PFNValid
	if writable {
		p |= PFNWrite
	}
	return p
}

// RequestPFN returns an unresolved descriptor requesting access at.
func RequestPFN(at gpuarch.AccessType) PFN {
	switch {
	case at.NeedsWrite():
		return PFNValid | PFNWrite
	case at.Read:
		return PFNValid
	default:
		return PFNNone
	}
}

// Frame returns the frame number of a resolved descriptor.
func (p PFN) Frame() uint64 {
	return uint64(p >> PFNShift)
}

// IsError returns true if p is the error value.
func (p PFN) IsError() bool {
	return p == PFNError
}

// Valid returns true if p requests or maps read access.
func (p PFN) Valid() bool {
	return p&PFNValid != 0 && !p.IsError()
}

// Writable returns true if p requests or maps write access.
func (p PFN) Writable() bool {
	return p&PFNWrite != 0 && !p.IsError()
}

// Access returns the access types represented by p.
func (p PFN) Access() gpuarch.AccessType {
	switch {
	case p.Writable():
		return gpuarch.ReadWrite
	case p.Valid():
		return gpuarch.Read
	default:
		return gpuarch.NoAccess
	}
}

// String implements fmt.Stringer.String.
func (p PFN) String() string {
	switch {
	case p.IsError():
		return "error"
	case p == PFNNone:
		return "none"
	default:
		return fmt.Sprintf("%#x/%s", p.Frame(), p.Access())
	}
}

// Region is a CPU memory region (a vma).
type Region struct {
	// Range is the region's address range.
	Range gpuarch.AddrRange

	// Perms is the maximum access allowed through the region.
	Perms gpuarch.AccessType
}

// Notifier receives address-space change notifications.
type Notifier interface {
	// InvalidateRange is called with the address-space write lock held
	// after mappings in ar have changed. Implementations must not take the
	// address-space lock.
	InvalidateRange(ar gpuarch.AddrRange)

	// Release is called once when the address space is torn down (process
	// exit), without the address-space lock held.
	Release()
}

// AddressSpace is the CPU address space of a process.
type AddressSpace interface {
	// RLock takes the address-space lock for reading.
	RLock()

	// RUnlock releases a read lock taken by RLock.
	RUnlock()

	// FindRegion returns the lowest region intersecting ar.
	//
	// Preconditions: the read lock is held.
	FindRegion(ar gpuarch.AddrRange) (Region, bool)

	// FaultPages makes resident each page of ar whose descriptor in pfns
	// requests access, and replaces the descriptor with the resolved one.
	// A page that cannot be resolved (no region, insufficient permissions,
	// allocation failure) is set to PFNError without affecting other pages.
	//
	// FaultPages may block. It may drop and retake the read lock while
	// blocked, which lets invalidations run. It returns EBUSY if the
	// address space is transiently unavailable and ESRCH if it is gone.
	//
	// Preconditions: the read lock is held. len(pfns) == ar.NumPages().
	FaultPages(ctx context.Context, ar gpuarch.AddrRange, pfns []PFN) error

	// AddNotifier registers n for change notifications.
	AddNotifier(n Notifier) error

	// RemoveNotifier unregisters n. It is a no-op if n is not registered.
	RemoveNotifier(n Notifier)
}

// Ops is implemented by the device-side consumer of a Mirror.
type Ops interface {
	// SyncCPUDevicePagetables is called when CPU mappings in ar changed and
	// device mappings of ar must be torn down. It runs with the
	// address-space write lock held.
	SyncCPUDevicePagetables(ar gpuarch.AddrRange)

	// Release is called when the address space goes away. It may block
	// until in-flight fault servicing completes.
	Release()
}
