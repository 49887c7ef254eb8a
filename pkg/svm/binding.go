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

	"gvisor.dev/gpusvm/pkg/cleanup"
	"gvisor.dev/gpusvm/pkg/errors/linuxerr"
	"gvisor.dev/gpusvm/pkg/gpuarch"
	"gvisor.dev/gpusvm/pkg/log"
	"gvisor.dev/gpusvm/pkg/svm/faultbuf"
	"gvisor.dev/gpusvm/pkg/svm/gpu"
	"gvisor.dev/gpusvm/pkg/svm/hmm"
	"gvisor.dev/gpusvm/pkg/svm/vmm"
	"gvisor.dev/gpusvm/pkg/sync"
)

// Deps are the collaborators of a Binding.
type Deps struct {
	// Device is the GPU whose faults are serviced.
	Device gpu.Device

	// AddressSpace is the CPU address space of the process.
	AddressSpace hmm.AddressSpace

	// VMM is the process's GPU mapping context.
	VMM *vmm.Context

	// Options configures the binding.
	Options Options
}

// Binding is the per-process link between a CPU address space and a GPU
// mapping context.
type Binding struct {
	// Immutable after construction.
	key      Key
	opts     Options
	dev      gpu.Device
	as       hmm.AddressSpace
	vmm      *vmm.Context
	replayer gpu.Replayer
	log      log.Logger

	// warn is used for messages that hardware can trigger at high rates.
	warn log.Logger

	// Set by init and immutable afterwards.
	mirror   *hmm.Mirror
	buf      gpu.FaultBuffer
	entries  *faultbuf.Buffer
	notifier gpu.Notifier

	// mu is the device mapping mutex. It serializes GPU page-table updates
	// against each other and against the enabled flag.
	mu sync.Mutex

	// state is protected by mu.
	state State

	// holeMu protects hole and holeCount.
	holeMu sync.Mutex

	// hole is the device aperture range, or empty.
	hole gpuarch.AddrRange

	// holeCount is the number of references to the hole.
	holeCount int

	unregisterOnce sync.Once
}

func newBinding(key Key, deps Deps) *Binding {
	opts := deps.Options.withDefaults()
	l := log.Prefixed(log.Log(), "svm[%v]", key)
	return &Binding{
		key:  key,
		opts: opts,
		dev:  deps.Device,
		as:   deps.AddressSpace,
		vmm:  deps.VMM,
		replayer: gpu.Replayer{
			Port:         deps.Device,
			PollInterval: opts.PollInterval,
		},
		log:  l,
		warn: log.RateLimitedLogger(l, rateLimitPeriod),
	}
}

// init registers the address space and arms the fault buffer. On failure
// every acquired resource is released and the binding is left unregistered.
func (b *Binding) init(ctx context.Context) error {
	cu := cleanup.Make(func() {})
	defer cu.Clean()

	m, err := hmm.Register(b.as, mirrorOps{b})
	if err != nil {
		return err
	}
	b.setState(StateRegistered)
	b.mirror = m
	cu.Add(func() {
		m.Unregister()
		b.mirror = nil
		b.setState(StateUnregistered)
	})

	buf, err := b.dev.NewFaultBuffer(ctx, gpu.MaxwellFaultBufferA)
	if err != nil {
		return fmt.Errorf("allocating fault buffer: %w", err)
	}
	cu.Add(buf.Release)

	mem, err := buf.Map()
	if err != nil {
		return fmt.Errorf("mapping fault buffer: %w", err)
	}
	entries := faultbuf.NewBuffer(mem)
	if entries.Len() == 0 {
		return fmt.Errorf("fault buffer of %d bytes holds no entries: %w", len(mem), linuxerr.EINVAL)
	}

	n, err := buf.NewNotifier(b.handleFaults)
	if err != nil {
		return fmt.Errorf("creating fault notifier: %w", err)
	}
	cu.Add(n.Fini)

	b.buf = buf
	b.entries = entries
	b.notifier = n

	// The handler may run as soon as the notifier is armed, and it drops
	// notifications for bindings that are not enabled.
	b.setState(StateEnabled)
	cu.Add(func() { b.setState(StateRegistered) })
	if err := n.Get(); err != nil {
		return fmt.Errorf("arming fault notifier: %w", err)
	}

	cu.Release()
	bindingEvents.Increment("enabled")
	b.log.Infof("enabled with %d-entry fault buffer", entries.Len())
	return nil
}

func (b *Binding) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Key returns the binding's key.
func (b *Binding) Key() Key {
	return b.key
}

// State returns the current lifecycle state.
func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Enabled returns true if the binding services faults.
func (b *Binding) Enabled() bool {
	return b.State() == StateEnabled
}

// Disable stops fault servicing and tears down all device mappings of the
// mirrored range. It is idempotent.
//
// Preconditions: the CPU address-space lock is not held, and the caller is
// not the fault handler.
func (b *Binding) Disable(ctx context.Context) {
	b.mu.Lock()
	if b.state != StateEnabled {
		b.mu.Unlock()
		return
	}
	b.state = StateDisabled
	b.mu.Unlock()

	// Waits for an in-flight drain, which observes the state change at
	// its next window and returns.
	b.notifier.Fini()
	b.buf.Release()

	b.invalidate(gpuarch.AddrRange{Start: gpuarch.PageSize, End: gpuarch.MaxUserAddress})
	if hole := b.holeRange(); hole.Length() != 0 {
		b.vmm.HMMFini(hole)
	}

	bindingEvents.Increment("disabled")
	b.log.Infof("disabled")
}

// Release disables the binding and unregisters it from the mirror service.
// It is idempotent.
func (b *Binding) Release(ctx context.Context) {
	b.Disable(ctx)
	b.unregisterOnce.Do(func() {
		if b.mirror != nil {
			b.mirror.Unregister()
		}
	})
}

// mirrorOps receives mirror callbacks for a Binding.
type mirrorOps struct {
	b *Binding
}

// SyncCPUDevicePagetables implements hmm.Ops.SyncCPUDevicePagetables.
func (o mirrorOps) SyncCPUDevicePagetables(ar gpuarch.AddrRange) {
	o.b.InvalidateRange(ar)
}

// Release implements hmm.Ops.Release.
func (o mirrorOps) Release() {
	o.b.Disable(context.Background())
}
