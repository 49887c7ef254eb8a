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

// Package gpu defines the device-facing collaborators of the fault service:
// the control/status register port, the replayable fault-buffer object and
// its completion notifier, and the register sequences used to report fault
// completion back to hardware.
package gpu

import (
	"context"
	"fmt"

	"gvisor.dev/gpusvm/pkg/errors/linuxerr"
)

// Register offsets used by the fault service. Their encoding is owned by the
// device; the service treats them as opaque.
const (
	// RegFaultGet is the consumer index of the replayable fault buffer.
	RegFaultGet uint32 = 0x002a7c

	// RegFaultPut is the producer index of the replayable fault buffer.
	RegFaultPut uint32 = 0x002a80

	// RegReplayStatus reports replay slot availability and queue
	// acknowledgement.
	RegReplayStatus uint32 = 0x100c80

	// RegReplay accepts replay and fault-cancel requests.
	RegReplay uint32 = 0x100cbc
)

const (
	// StatusSlotsMask is non-zero while the device can accept a request on
	// RegReplay.
	StatusSlotsMask uint32 = 0x00ff0000

	// StatusQueued is set once the last request has been queued.
	StatusQueued uint32 = 0x00008000
)

// Port is the device control/status register interface.
type Port interface {
	// Read32 reads the 32-bit register at off.
	Read32(off uint32) uint32

	// Write32 writes v to the 32-bit register at off.
	Write32(off uint32, v uint32)

	// Mask32 replaces the bits selected by mask at off with v and returns
	// the previous value.
	Mask32(off uint32, mask, v uint32) uint32
}

// NotifyAction is returned by a notification handler to control whether the
// notification source remains armed.
type NotifyAction int

const (
	// NotifyKeep keeps the notification armed.
	NotifyKeep NotifyAction = iota

	// NotifyDrop disarms the notification.
	NotifyDrop
)

// String implements fmt.Stringer.String.
func (a NotifyAction) String() string {
	switch a {
	case NotifyKeep:
		return "keep"
	case NotifyDrop:
		return "drop"
	default:
		return fmt.Sprintf("NotifyAction(%d)", int(a))
	}
}

// NotifyHandler is invoked by the device when new replayable faults are
// pending. Invocations for one notifier are serialized.
type NotifyHandler func(ctx context.Context) NotifyAction

// Notifier is the completion-notification channel of a fault buffer.
type Notifier interface {
	// Get arms the notifier.
	Get() error

	// Put disarms the notifier. A handler already running is not waited
	// for.
	Put()

	// Fini disarms the notifier, waits for an in-flight handler to return
	// and releases the channel. Fini must not be called from the handler.
	Fini()
}

// FaultBuffer is the device sub-object backing the replayable fault buffer.
type FaultBuffer interface {
	// Map maps the buffer's entries into the caller's address space.
	Map() ([]byte, error)

	// NewNotifier registers h to be called when faults are pending.
	NewNotifier(h NotifyHandler) (Notifier, error)

	// Release destroys the sub-object. The mapping returned by Map must not
	// be used afterwards.
	Release()
}

// FaultBufferClass identifies the fault-buffer object class and the argument
// structure version the service was built against.
type FaultBufferClass struct {
	Class   uint32
	Version uint32
}

// MaxwellFaultBufferA is the replayable fault-buffer class used by the fault
// service.
var MaxwellFaultBufferA = FaultBufferClass{Class: 0xb069, Version: 0}

// Device is a GPU as seen by the fault service.
type Device interface {
	Port

	// NewFaultBuffer allocates the replayable fault-buffer sub-object. The
	// allocation is privileged.
	NewFaultBuffer(ctx context.Context, class FaultBufferClass) (FaultBuffer, error)
}

// CheckVersion validates that a device response carries the expected
// argument-structure version before any of its fields are trusted.
func CheckVersion(got, want uint32) error {
	if got != want {
		return fmt.Errorf("unexpected argument version %d, want %d: %w", got, want, linuxerr.EINVAL)
	}
	return nil
}
