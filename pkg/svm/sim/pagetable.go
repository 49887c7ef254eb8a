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

// PageTable is a GPU page-table service. It implements vmm.Service.
type PageTable struct {
	mu sync.Mutex

	// reserved holds the ranges passed to ReserveRange. Protected by mu.
	reserved *btree.BTreeG[gpuarch.AddrRange]

	// ptes maps page addresses to installed descriptors. Protected by mu.
	ptes map[gpuarch.Addr]hmm.PFN

	// hole is set between HMMInit and HMMFini. Protected by mu.
	hole     gpuarch.AddrRange
	mirrored bool

	installs    int
	installErr  error
	invalidated []gpuarch.AddrRange
}

// NewPageTable returns an empty PageTable.
func NewPageTable() *PageTable {
	return &PageTable{
		reserved: btree.NewG(8, func(a, b gpuarch.AddrRange) bool { return a.Start < b.Start }),
		ptes:     make(map[gpuarch.Addr]hmm.PFN),
	}
}

// ReserveRange implements vmm.Service.ReserveRange.
func (pt *PageTable) ReserveRange(ctx context.Context, ar gpuarch.AddrRange, pageShift uint) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if _, ok := pt.reserved.Get(ar); ok {
		return linuxerr.EEXIST
	}
	pt.reserved.ReplaceOrInsert(ar)
	return nil
}

// ReleaseRange implements vmm.Service.ReleaseRange.
func (pt *PageTable) ReleaseRange(ar gpuarch.AddrRange) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if _, ok := pt.reserved.Delete(ar); !ok {
		panic(fmt.Sprintf("release of unreserved range %v", ar))
	}
}

// reservedLocked returns true if ar is within one reserved range.
//
// Preconditions: pt.mu is locked.
func (pt *PageTable) reservedLocked(ar gpuarch.AddrRange) bool {
	found := false
	pt.reserved.DescendLessOrEqual(gpuarch.AddrRange{Start: ar.Start}, func(r gpuarch.AddrRange) bool {
		found = r.IsSupersetOf(ar)
		return false
	})
	return found
}

// Install implements vmm.Service.Install.
func (pt *PageTable) Install(ctx context.Context, addr gpuarch.Addr, pfns []hmm.PFN) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if err := pt.installErr; err != nil {
		pt.installErr = nil
		return err
	}
	ar := gpuarch.AddrRange{Start: addr, End: addr + gpuarch.Addr(len(pfns))*gpuarch.PageSize}
	if !pt.reservedLocked(ar) {
		return fmt.Errorf("install into unreserved range %v: %w", ar, linuxerr.EINVAL)
	}
	pt.installs++
	for i, p := range pfns {
		if p == hmm.PFNNone || p.IsError() {
			continue
		}
		pt.ptes[addr+gpuarch.Addr(i)*gpuarch.PageSize] = p
	}
	return nil
}

// Invalidate implements vmm.Service.Invalidate.
func (pt *PageTable) Invalidate(addr gpuarch.Addr, npages uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	ar := gpuarch.AddrRange{Start: addr, End: addr + gpuarch.Addr(npages)*gpuarch.PageSize}
	pt.invalidated = append(pt.invalidated, ar)
	for a := range pt.ptes {
		if ar.Contains(a) {
			delete(pt.ptes, a)
		}
	}
}

// HMMInit implements vmm.Service.HMMInit.
func (pt *PageTable) HMMInit(hole gpuarch.AddrRange) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.mirrored {
		return linuxerr.EBUSY
	}
	pt.hole = hole
	pt.mirrored = true
	return nil
}

// HMMFini implements vmm.Service.HMMFini.
func (pt *PageTable) HMMFini(hole gpuarch.AddrRange) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.hole = gpuarch.AddrRange{}
	pt.mirrored = false
}

// FailNextInstall makes the next Install fail with err.
func (pt *PageTable) FailNextInstall(err error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.installErr = err
}

// PTE returns the descriptor installed at addr.
func (pt *PageTable) PTE(addr gpuarch.Addr) (hmm.PFN, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p, ok := pt.ptes[addr.RoundDown()]
	return p, ok
}

// PTEs returns a copy of every installed descriptor.
func (pt *PageTable) PTEs() map[gpuarch.Addr]hmm.PFN {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	m := make(map[gpuarch.Addr]hmm.PFN, len(pt.ptes))
	for a, p := range pt.ptes {
		m[a] = p
	}
	return m
}

// Installs returns the number of successful Install calls.
func (pt *PageTable) Installs() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.installs
}

// Invalidated returns the ranges passed to Invalidate.
func (pt *PageTable) Invalidated() []gpuarch.AddrRange {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return append([]gpuarch.AddrRange(nil), pt.invalidated...)
}

// Mirrored returns the hole passed to HMMInit, if mirroring is enabled.
func (pt *PageTable) Mirrored() (gpuarch.AddrRange, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.hole, pt.mirrored
}

// Reserved returns the number of reserved ranges.
func (pt *PageTable) Reserved() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.reserved.Len()
}
