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

// Package scenario loads and runs fault-servicing scenarios against
// simulated processes.
//
// A scenario is a TOML file describing one or more processes. Each process
// has CPU regions, a device aperture, a list of GPU faults and optional
// injected races:
//
//	[[process]]
//	pid = 100
//	hole = { start = 0x40000000, end = 0x40100000 }
//
//	  [[process.region]]
//	  start = 0x10000000
//	  end = 0x10010000
//	  perms = "rw"
//	  populate = true
//
//	  [[process.fault]]
//	  addr = 0x10000000
//	  access = "write"
package scenario

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gvisor.dev/gpusvm/pkg/gpuarch"
	"gvisor.dev/gpusvm/pkg/svm/faultbuf"
)

// Scenario is a set of processes whose faults are serviced concurrently.
type Scenario struct {
	Processes []Process `toml:"process"`
}

// Range is an address range in a scenario file.
type Range struct {
	Start uint64 `toml:"start"`
	End   uint64 `toml:"end"`
}

// AddrRange returns r as a gpuarch.AddrRange.
func (r Range) AddrRange() gpuarch.AddrRange {
	return gpuarch.AddrRange{Start: gpuarch.Addr(r.Start), End: gpuarch.Addr(r.End)}
}

// Region is a CPU mapping.
type Region struct {
	Range
	Perms    string `toml:"perms"`
	Populate bool   `toml:"populate"`
}

// Fault is one GPU fault record.
type Fault struct {
	Addr   uint64 `toml:"addr"`
	Access string `toml:"access"`
	Client uint32 `toml:"client"`
	GPC    uint32 `toml:"gpc"`
	IsGPC  bool   `toml:"is_gpc"`
}

// Expect holds the expected outcome of a process.
type Expect struct {
	Replayed  *int `toml:"replayed"`
	Cancelled *int `toml:"cancelled"`
	Mapped    *int `toml:"mapped"`
}

// Process describes one simulated process.
type Process struct {
	PID int32 `toml:"pid"`

	// Entries is the fault-buffer capacity. Zero selects the configured
	// default.
	Entries uint32 `toml:"entries"`

	// Hole is the device aperture. Without a hole no fault can be
	// serviced.
	Hole *Range `toml:"hole"`

	Regions []Region `toml:"region"`
	Faults  []Fault  `toml:"fault"`

	// Busy is the number of CPU fault-in attempts that report contention.
	Busy int `toml:"busy"`

	// Migrate lists ranges whose CPU pages move while the first fault-in
	// attempt has the address-space lock dropped.
	Migrate []Range `toml:"migrate"`

	// Unmap lists ranges unmapped on the CPU after the faults are serviced.
	Unmap []Range `toml:"unmap"`

	Expect Expect `toml:"expect"`
}

// Decode parses a scenario from r.
func Decode(r io.Reader) (*Scenario, error) {
	var s Scenario
	md, err := toml.NewDecoder(r).Decode(&s)
	if err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown scenario keys: %s", strings.Join(keys, ", "))
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// DecodeFile parses the scenario at path.
func DecodeFile(path string) (*Scenario, error) {
	var s Scenario
	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		return nil, fmt.Errorf("parsing scenario %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("scenario %q: unknown key %s", path, undecoded[0])
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", path, err)
	}
	return &s, nil
}

func (s *Scenario) validate() error {
	if len(s.Processes) == 0 {
		return fmt.Errorf("no processes")
	}
	pids := make(map[int32]bool)
	for i := range s.Processes {
		p := &s.Processes[i]
		if pids[p.PID] {
			return fmt.Errorf("duplicate pid %d", p.PID)
		}
		pids[p.PID] = true
		if err := p.validate(); err != nil {
			return fmt.Errorf("process %d: %w", p.PID, err)
		}
	}
	return nil
}

func (p *Process) validate() error {
	if p.Entries == 1 {
		return fmt.Errorf("fault buffer needs at least 2 entries")
	}
	for _, r := range p.Regions {
		if ar := r.AddrRange(); !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() {
			return fmt.Errorf("invalid region %v", ar)
		}
		if _, err := ParsePerms(r.Perms); err != nil {
			return err
		}
	}
	for _, f := range p.Faults {
		if _, err := ParseAccess(f.Access); err != nil {
			return err
		}
	}
	for _, rs := range [][]Range{p.Migrate, p.Unmap} {
		for _, r := range rs {
			if ar := r.AddrRange(); !ar.WellFormed() || !ar.IsPageAligned() {
				return fmt.Errorf("invalid range %v", ar)
			}
		}
	}
	return nil
}

// ParsePerms parses region permissions such as "r" or "rw".
func ParsePerms(s string) (gpuarch.AccessType, error) {
	var at gpuarch.AccessType
	for _, c := range s {
		switch c {
		case 'r':
			at.Read = true
		case 'w':
			at.Write = true
		case '-':
		default:
			return gpuarch.NoAccess, fmt.Errorf("invalid permissions %q", s)
		}
	}
	return at, nil
}

var accessNames = map[string]faultbuf.Access{
	"read":     faultbuf.AccessRead,
	"write":    faultbuf.AccessWrite,
	"atomic":   faultbuf.AccessAtomic,
	"prefetch": faultbuf.AccessPrefetch,
}

// ParseAccess parses a fault access type. Besides the names of the known
// types it accepts a raw 3-bit value, which may name a type hardware does
// not define.
func ParseAccess(s string) (faultbuf.Access, error) {
	if s == "" {
		return faultbuf.AccessRead, nil
	}
	if a, ok := accessNames[s]; ok {
		return a, nil
	}
	if v, err := strconv.ParseUint(s, 0, 3); err == nil {
		return faultbuf.Access(v), nil
	}
	names := make([]string, 0, len(accessNames))
	for n := range accessNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return 0, fmt.Errorf("invalid access %q, must be one of %s or a value in [0, 7]", s, strings.Join(names, ", "))
}

// Entry returns f as a fault-buffer record.
func (f *Fault) Entry() (faultbuf.Entry, error) {
	a, err := ParseAccess(f.Access)
	if err != nil {
		return faultbuf.Entry{}, err
	}
	return faultbuf.MakeEntry(gpuarch.Addr(f.Addr), a, f.Client, f.GPC, f.IsGPC), nil
}
