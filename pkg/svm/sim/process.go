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
	"gvisor.dev/gpusvm/pkg/gpuarch"
	"gvisor.dev/gpusvm/pkg/svm/vmm"
)

// DefaultEntries is the default fault-buffer capacity.
const DefaultEntries = 64

// pageShifts are the page sizes of the simulated GPU: 4K, 64K and 2M.
var pageShifts = []uint{gpuarch.PageShift, 16, 21}

// Process bundles the collaborators of one simulated process.
type Process struct {
	PID       int32
	AS        *AddressSpace
	Device    *Device
	PageTable *PageTable
	VMM       *vmm.Context
}

// NewProcess returns a process with an empty address space and a device
// whose fault buffer holds entries records. The GPU window spans the whole
// user address space.
func NewProcess(pid int32, entries uint32) (*Process, error) {
	if entries == 0 {
		entries = DefaultEntries
	}
	pt := NewPageTable()
	window := gpuarch.AddrRange{Start: gpuarch.PageSize, End: gpuarch.MaxUserAddress}
	c, err := vmm.New(pt, pid, window, pageShifts)
	if err != nil {
		return nil, err
	}
	return &Process{
		PID:       pid,
		AS:        NewAddressSpace(),
		Device:    NewDevice(entries),
		PageTable: pt,
		VMM:       c,
	}, nil
}
