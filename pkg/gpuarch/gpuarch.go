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

// Package gpuarch contains address and page size definitions shared by the
// CPU and the accelerator in a unified address space.
package gpuarch

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

const (
	// PageShift is the binary log of the page size shared by the CPU and the
	// accelerator's mirrored page tables.
	PageShift = 12

	// PageSize is the page size shared by the CPU and the accelerator.
	PageSize = 1 << PageShift

	// PageMask masks the offset within a page.
	PageMask = PageSize - 1

	// MaxUserAddress is the end of the user address space that can be
	// mirrored (TASK_SIZE on x86-64 with 4-level paging).
	MaxUserAddress Addr = (1 << 47) - PageSize
)

// AlignDown rounds v down to a multiple of align.
//
// Preconditions: align is a power of two.
func AlignDown[T constraints.Unsigned](v, align T) T {
	return v &^ (align - 1)
}

// AlignUp rounds v up to a multiple of align. ok is false if rounding wraps.
//
// Preconditions: align is a power of two.
func AlignUp[T constraints.Unsigned](v, align T) (T, bool) {
	r := AlignDown(v+align-1, align)
	return r, r >= v
}

// Addr represents a virtual address in the shared CPU/GPU address space.
type Addr uint64

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return AlignDown(v, PageSize)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	return AlignUp(v, PageSize)
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & PageMask)
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// PagesBetween returns the number of pages in [v, end).
//
// Preconditions: v <= end, both page-aligned.
func (v Addr) PagesBetween(end Addr) uint64 {
	return uint64(end-v) >> PageShift
}

// AddrRange is a range of Addrs, [Start, End).
type AddrRange struct {
	Start Addr
	End   Addr
}

// WellFormed returns true if r.Start <= r.End.
func (r AddrRange) WellFormed() bool {
	return r.Start <= r.End
}

// Length returns the length of the range.
func (r AddrRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

// NumPages returns the number of pages spanned by r.
//
// Preconditions: r is page-aligned.
func (r AddrRange) NumPages() uint64 {
	return r.Length() >> PageShift
}

// Contains returns true if r contains x.
func (r AddrRange) Contains(x Addr) bool {
	return r.Start <= x && x < r.End
}

// Overlaps returns true if r and r2 overlap.
func (r AddrRange) Overlaps(r2 AddrRange) bool {
	return r.Start < r2.End && r2.Start < r.End
}

// IsSupersetOf returns true if r is a superset of r2.
func (r AddrRange) IsSupersetOf(r2 AddrRange) bool {
	return r.Start <= r2.Start && r.End >= r2.End
}

// Intersect returns the intersection of r and r2. If they do not overlap, the
// result has zero length.
func (r AddrRange) Intersect(r2 AddrRange) AddrRange {
	if r.Start < r2.Start {
		r.Start = r2.Start
	}
	if r.End > r2.End {
		r.End = r2.End
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}

// IsPageAligned returns true if both r.Start and r.End are page-aligned.
func (r AddrRange) IsPageAligned() bool {
	return r.Start.IsPageAligned() && r.End.IsPageAligned()
}

// String implements fmt.Stringer.String.
func (r AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}

// AccessType specifies memory access types. This is used for
// setting mapping permissions, as well as communicating faults.
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool

	// Atomic is an atomic read-modify-write access. On the accelerator it
	// requires the same page permissions as Write.
	Atomic bool
}

// Convenient access types.
var (
	NoAccess  = AccessType{}
	Read      = AccessType{Read: true}
	Write     = AccessType{Write: true}
	ReadWrite = AccessType{Read: true, Write: true}
	AnyAccess = AccessType{Read: true, Write: true, Atomic: true}
)

// Any returns true if at.Read || at.Write || at.Atomic.
func (at AccessType) Any() bool {
	return at.Read || at.Write || at.Atomic
}

// NeedsWrite returns true if an access of type at requires a writable page.
func (at AccessType) NeedsWrite() bool {
	return at.Write || at.Atomic
}

// Effective returns the set of effective access types allowed by a mapping
// with the given permissions: writable pages are also readable, and atomic
// accesses are allowed on every writable page.
func (at AccessType) Effective() AccessType {
	e := at
	if e.Write {
		e.Read = true
		e.Atomic = true
	}
	return e
}

// SupersetOf returns true iff the access types in at are a superset of the
// access types in other.
func (at AccessType) SupersetOf(other AccessType) bool {
	if !at.Read && other.Read {
		return false
	}
	if !at.Write && other.Write {
		return false
	}
	if !at.Atomic && other.Atomic {
		return false
	}
	return true
}

// Union returns access types set in either at or other.
func (at AccessType) Union(other AccessType) AccessType {
	return AccessType{
		Read:   at.Read || other.Read,
		Write:  at.Write || other.Write,
		Atomic: at.Atomic || other.Atomic,
	}
}

// String implements fmt.Stringer.String.
func (at AccessType) String() string {
	var buf [3]byte
	buf[0], buf[1], buf[2] = '-', '-', '-'
	if at.Read {
		buf[0] = 'r'
	}
	if at.Write {
		buf[1] = 'w'
	}
	if at.Atomic {
		buf[2] = 'a'
	}
	return string(buf[:])
}
