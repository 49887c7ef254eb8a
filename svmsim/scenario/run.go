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

package scenario

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/gpusvm/pkg/cleanup"
	"gvisor.dev/gpusvm/pkg/log"
	"gvisor.dev/gpusvm/pkg/svm"
	"gvisor.dev/gpusvm/pkg/svm/faultbuf"
	"gvisor.dev/gpusvm/pkg/svm/gpu"
	"gvisor.dev/gpusvm/pkg/svm/sim"
)

// Options configure a run.
type Options struct {
	// SVM holds the fault-servicing options of every binding.
	SVM svm.Options

	// Entries is the fault-buffer capacity of processes that do not set
	// one.
	Entries uint32
}

// Result is the outcome of one process.
type Result struct {
	PID int32 `json:"pid"`

	// Replayed and Cancelled count consumed fault entries by outcome.
	Replayed  int `json:"replayed"`
	Cancelled int `json:"cancelled"`

	// Flushes is the number of replay flushes issued.
	Flushes int `json:"flushes"`

	// Mapped is the number of device pages mapped after the run.
	Mapped int `json:"mapped"`

	// Get is the final GET index.
	Get uint32 `json:"get"`

	// Mismatches lists the expectations that were not met.
	Mismatches []string `json:"mismatches,omitempty"`
}

// OK returns true if every expectation was met.
func (r *Result) OK() bool {
	return len(r.Mismatches) == 0
}

// Run services the faults of every process in s, one goroutine per process.
// Results are returned in the order of s.Processes.
func Run(ctx context.Context, opts Options, s *Scenario) ([]Result, error) {
	reg := svm.NewRegistry()
	results := make([]Result, len(s.Processes))
	g, gctx := errgroup.WithContext(ctx)
	for i := range s.Processes {
		i := i
		p := &s.Processes[i]
		g.Go(func() error {
			r, err := runProcess(gctx, reg, opts, p)
			if err != nil {
				return fmt.Errorf("process %d: %w", p.PID, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func runProcess(ctx context.Context, reg *svm.Registry, opts Options, sp *Process) (Result, error) {
	entries := sp.Entries
	if entries == 0 {
		entries = opts.Entries
	}
	if entries == 0 {
		entries = sim.DefaultEntries
	}
	p, err := sim.NewProcess(sp.PID, entries)
	if err != nil {
		return Result{}, err
	}
	for _, r := range sp.Regions {
		perms, _ := ParsePerms(r.Perms)
		if err := p.AS.MMap(r.AddrRange(), perms, r.Populate); err != nil {
			return Result{}, fmt.Errorf("mapping %v: %w", r.AddrRange(), err)
		}
	}

	key := svm.Key{PID: sp.PID, Context: 1}
	b, err := reg.Init(ctx, key, svm.Deps{
		Device:       p.Device,
		AddressSpace: p.AS,
		VMM:          p.VMM,
		Options:      opts.SVM,
	})
	if err != nil {
		return Result{}, fmt.Errorf("binding: %w", err)
	}
	cu := cleanup.Make(func() { reg.ProcessExit(ctx, sp.PID) })
	defer cu.Clean()

	if sp.Hole != nil {
		if err := b.ReserveHole(ctx, sp.Hole.AddrRange()); err != nil {
			return Result{}, fmt.Errorf("reserving hole: %w", err)
		}
	}

	if sp.Busy > 0 {
		p.AS.InjectBusy(sp.Busy)
	}
	if len(sp.Migrate) > 0 {
		p.AS.InjectDuringFault(func() {
			for _, r := range sp.Migrate {
				p.AS.Migrate(r.AddrRange())
			}
		})
	}

	// The ring holds one entry less than its capacity.
	batch := int(entries) - 1
	for start := 0; start < len(sp.Faults); start += batch {
		end := min(start+batch, len(sp.Faults))
		var es []faultbuf.Entry
		for i := start; i < end; i++ {
			e, err := sp.Faults[i].Entry()
			if err != nil {
				return Result{}, err
			}
			es = append(es, e)
		}
		if err := p.Device.Push(es...); err != nil {
			return Result{}, err
		}
		if !p.Device.Interrupt(ctx) {
			return Result{}, fmt.Errorf("fault notification not delivered, binding is %v", b.State())
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
	}

	for _, r := range sp.Unmap {
		p.AS.MUnmap(r.AddrRange())
	}

	res := Result{
		PID:    sp.PID,
		Mapped: len(p.PageTable.PTEs()),
	}
	res.Get, _ = gpu.FaultIndices(p.Device)
	for _, req := range p.Device.Requests() {
		switch {
		case gpu.IsCancelRequest(req):
			res.Cancelled++
		case gpu.IsFlushRequest(req):
			res.Flushes++
		}
	}
	res.Replayed = len(sp.Faults) - res.Cancelled
	res.check(&sp.Expect)
	log.Infof("process %d: %d replayed, %d cancelled, %d flushes, %d pages mapped", res.PID, res.Replayed, res.Cancelled, res.Flushes, res.Mapped)
	return res, nil
}

func (r *Result) check(e *Expect) {
	for _, c := range []struct {
		name string
		want *int
		got  int
	}{
		{"replayed", e.Replayed, r.Replayed},
		{"cancelled", e.Cancelled, r.Cancelled},
		{"mapped", e.Mapped, r.Mapped},
	} {
		if c.want != nil && *c.want != c.got {
			r.Mismatches = append(r.Mismatches, fmt.Sprintf("%s got %d want %d", c.name, c.got, *c.want))
		}
	}
}

// String implements fmt.Stringer.String.
func (r *Result) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "pid %d: replayed %d cancelled %d flushes %d mapped %d get %d", r.PID, r.Replayed, r.Cancelled, r.Flushes, r.Mapped, r.Get)
	if !r.OK() {
		fmt.Fprintf(&sb, " (%s)", strings.Join(r.Mismatches, "; "))
	}
	return sb.String()
}
