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

	"gvisor.dev/gpusvm/pkg/errors/linuxerr"
	"gvisor.dev/gpusvm/pkg/svm/faultbuf"
	"gvisor.dev/gpusvm/pkg/svm/gpu"
	"gvisor.dev/gpusvm/pkg/sync"
)

// Device is a GPU with a register file and one replayable fault buffer.
//
// The replay status register reports a free slot except during the first
// SlotStall reads after each replay request, and reports the last request as
// queued after AckStall further reads.
type Device struct {
	mu sync.Mutex

	// regs is the register file. Protected by mu.
	regs map[uint32]uint32

	// entries is the fault buffer capacity. Immutable.
	entries uint32

	// version is the fault-buffer argument version the device speaks.
	// Protected by mu.
	version uint32

	// allocErr fails the next NewFaultBuffer. Protected by mu.
	allocErr error

	// buf is the allocated fault buffer. Protected by mu.
	buf *FaultBuffer

	// Replay engine model. Protected by mu.
	slotStall    int
	ackStall     int
	slotsPending int
	ackPending   int
	queued       bool

	// requests and gets record writes to RegReplay and RegFaultGet.
	// Protected by mu.
	requests []uint32
	gets     []uint32
}

// NewDevice returns a Device whose fault buffer holds entries records.
func NewDevice(entries uint32) *Device {
	return &Device{
		regs:    make(map[uint32]uint32),
		entries: entries,
		version: gpu.MaxwellFaultBufferA.Version,
		queued:  true,
	}
}

// SetStalls configures how many status reads report no free slot before a
// request can be submitted, and how many report it not yet queued after.
func (d *Device) SetStalls(slot, ack int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slotStall = slot
	d.ackStall = ack
	d.slotsPending = slot
}

// SetVersion sets the fault-buffer argument version the device speaks.
func (d *Device) SetVersion(v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = v
}

// FailNextAlloc makes the next NewFaultBuffer fail with err.
func (d *Device) FailNextAlloc(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allocErr = err
}

// Read32 implements gpu.Port.Read32.
func (d *Device) Read32(off uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off != gpu.RegReplayStatus {
		return d.regs[off]
	}
	var v uint32
	if d.slotsPending > 0 {
		d.slotsPending--
	} else {
		v |= gpu.StatusSlotsMask
	}
	if !d.queued {
		if d.ackPending > 0 {
			d.ackPending--
		} else {
			d.queued = true
		}
	}
	if d.queued {
		v |= gpu.StatusQueued
	}
	return v
}

// Write32 implements gpu.Port.Write32.
func (d *Device) Write32(off uint32, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeLocked(off, v)
}

// writeLocked implements Write32.
//
// Preconditions: d.mu is locked.
func (d *Device) writeLocked(off uint32, v uint32) {
	switch off {
	case gpu.RegReplay:
		d.requests = append(d.requests, v)
		d.queued = false
		d.ackPending = d.ackStall
		d.slotsPending = d.slotStall
	case gpu.RegFaultGet:
		d.gets = append(d.gets, v)
	}
	d.regs[off] = v
}

// Mask32 implements gpu.Port.Mask32.
func (d *Device) Mask32(off uint32, mask, v uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.regs[off]
	d.writeLocked(off, old&^mask|v&mask)
	return old
}

// Requests returns the values written to the replay register.
func (d *Device) Requests() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.requests...)
}

// Gets returns the values written to the GET register.
func (d *Device) Gets() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.gets...)
}

// ResetRecords discards recorded register writes.
func (d *Device) ResetRecords() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = nil
	d.gets = nil
}

// NewFaultBuffer implements gpu.Device.NewFaultBuffer.
func (d *Device) NewFaultBuffer(ctx context.Context, class gpu.FaultBufferClass) (gpu.FaultBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.allocErr; err != nil {
		d.allocErr = nil
		return nil, err
	}
	if class.Class != gpu.MaxwellFaultBufferA.Class {
		return nil, fmt.Errorf("unsupported class %#x: %w", class.Class, linuxerr.ENODEV)
	}
	if err := gpu.CheckVersion(class.Version, d.version); err != nil {
		return nil, err
	}
	if d.buf != nil {
		return nil, linuxerr.EBUSY
	}
	d.buf = &FaultBuffer{
		dev: d,
		mem: make([]byte, int(d.entries)*faultbuf.EntrySize),
	}
	d.regs[gpu.RegFaultGet] = 0
	d.regs[gpu.RegFaultPut] = 0
	return d.buf, nil
}

// FaultBuffer returns the allocated fault buffer, if any.
func (d *Device) FaultBuffer() (*FaultBuffer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf, d.buf != nil
}

// Push publishes faults at PUT, as hardware does. It fails with ENOSPC if the
// buffer would overflow.
func (d *Device) Push(entries ...faultbuf.Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buf == nil {
		return linuxerr.ENODEV
	}
	get, put := d.regs[gpu.RegFaultGet], d.regs[gpu.RegFaultPut]
	buf := faultbuf.NewBuffer(d.buf.mem)
	for _, e := range entries {
		next := (put + 1) % d.entries
		if next == get {
			d.regs[gpu.RegFaultPut] = put
			return fmt.Errorf("fault buffer full at put=%d: %w", put, linuxerr.ENOSPC)
		}
		buf.Put(put, e)
		put = next
	}
	d.regs[gpu.RegFaultPut] = put
	return nil
}

// SetIndices sets GET and PUT directly. It is used to start a scenario at an
// arbitrary position in the ring.
func (d *Device) SetIndices(get, put uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs[gpu.RegFaultGet] = get
	d.regs[gpu.RegFaultPut] = put
}

// Interrupt delivers a fault notification and returns true if a handler ran.
func (d *Device) Interrupt(ctx context.Context) bool {
	d.mu.Lock()
	buf := d.buf
	d.mu.Unlock()
	if buf == nil {
		return false
	}
	return buf.notify(ctx)
}

// FaultBuffer is the simulated fault-buffer object.
type FaultBuffer struct {
	dev *Device
	mem []byte

	mu       sync.Mutex
	notifier *Notifier
	released bool
}

// Map implements gpu.FaultBuffer.Map.
func (fb *FaultBuffer) Map() ([]byte, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.released {
		return nil, linuxerr.ENODEV
	}
	return fb.mem, nil
}

// Entries returns a view of the buffer.
func (fb *FaultBuffer) Entries() *faultbuf.Buffer {
	return faultbuf.NewBuffer(fb.mem)
}

// NewNotifier implements gpu.FaultBuffer.NewNotifier.
func (fb *FaultBuffer) NewNotifier(h gpu.NotifyHandler) (gpu.Notifier, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.released {
		return nil, linuxerr.ENODEV
	}
	if fb.notifier != nil {
		return nil, linuxerr.EBUSY
	}
	n := &Notifier{fb: fb, handler: h}
	n.cond = sync.NewCond(&n.mu)
	fb.notifier = n
	return n, nil
}

// Release implements gpu.FaultBuffer.Release.
func (fb *FaultBuffer) Release() {
	fb.mu.Lock()
	fb.released = true
	fb.mu.Unlock()

	d := fb.dev
	d.mu.Lock()
	if d.buf == fb {
		d.buf = nil
	}
	d.mu.Unlock()
}

// Released returns true once Release was called.
func (fb *FaultBuffer) Released() bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.released
}

// Notifier returns the buffer's notifier, if any.
func (fb *FaultBuffer) Notifier() (*Notifier, bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.notifier, fb.notifier != nil
}

func (fb *FaultBuffer) notify(ctx context.Context) bool {
	fb.mu.Lock()
	n := fb.notifier
	fb.mu.Unlock()
	if n == nil {
		return false
	}
	return n.deliver(ctx)
}

// Notifier is the simulated notification channel. Deliveries are
// serialized.
type Notifier struct {
	fb      *FaultBuffer
	handler gpu.NotifyHandler

	mu      sync.Mutex
	cond    *sync.Cond
	armed   bool
	running bool
	dead    bool
}

// Get implements gpu.Notifier.Get.
func (n *Notifier) Get() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dead {
		return linuxerr.ENODEV
	}
	n.armed = true
	return nil
}

// Put implements gpu.Notifier.Put.
func (n *Notifier) Put() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.armed = false
}

// Fini implements gpu.Notifier.Fini.
func (n *Notifier) Fini() {
	n.mu.Lock()
	n.armed = false
	n.dead = true
	for n.running {
		n.cond.Wait()
	}
	n.mu.Unlock()

	fb := n.fb
	fb.mu.Lock()
	if fb.notifier == n {
		fb.notifier = nil
	}
	fb.mu.Unlock()
}

// Armed returns true if a notification would run the handler.
func (n *Notifier) Armed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.armed
}

// deliver runs the handler if the notifier is armed.
func (n *Notifier) deliver(ctx context.Context) bool {
	n.mu.Lock()
	for n.running {
		n.cond.Wait()
	}
	if !n.armed {
		n.mu.Unlock()
		return false
	}
	n.running = true
	n.mu.Unlock()

	action := n.handler(ctx)

	n.mu.Lock()
	n.running = false
	if action == gpu.NotifyDrop {
		n.armed = false
	}
	n.cond.Broadcast()
	n.mu.Unlock()
	return true
}
