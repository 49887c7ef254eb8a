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
	"gvisor.dev/gpusvm/pkg/gpuarch"
)

// InvalidateRange tears down the device mappings of ar after the CPU
// mappings of ar changed. Parts of ar inside the hole are ignored.
//
// Preconditions: the CPU address-space write lock is held. The caller does
// not hold b.mu.
func (b *Binding) InvalidateRange(ar gpuarch.AddrRange) {
	b.invalidate(ar)
}

// invalidate implements InvalidateRange. It never takes the CPU
// address-space lock.
func (b *Binding) invalidate(ar gpuarch.AddrRange) {
	// The hole is read once so that both pieces of a straddling range are
	// clipped against the same bounds.
	hole := b.holeRange()
	if hole.Length() == 0 {
		return
	}
	if ar.End > gpuarch.MaxUserAddress {
		ar.End = gpuarch.MaxUserAddress
	}
	pieces := outsideHole(ar, hole)
	if len(pieces) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range pieces {
		b.vmm.HMMUnmap(p.Start, p.NumPages())
	}
}

// outsideHole returns the non-empty parts of ar that lie outside hole, in
// ascending order.
func outsideHole(ar, hole gpuarch.AddrRange) []gpuarch.AddrRange {
	if !ar.WellFormed() || ar.Length() == 0 {
		return nil
	}
	if hole.IsSupersetOf(ar) {
		return nil
	}
	if !ar.Overlaps(hole) {
		return []gpuarch.AddrRange{ar}
	}
	var pieces []gpuarch.AddrRange
	if ar.Start < hole.Start {
		pieces = append(pieces, gpuarch.AddrRange{Start: ar.Start, End: hole.Start})
	}
	if ar.End > hole.End {
		pieces = append(pieces, gpuarch.AddrRange{Start: hole.End, End: ar.End})
	}
	return pieces
}
