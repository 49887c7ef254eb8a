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

// Package svm services replayable GPU page faults for processes that share
// their CPU address space with an accelerator.
//
// A Binding links one process's CPU address space (through an hmm.Mirror)
// to its GPU mapping context (a vmm.Context). When the device reports
// faults, the binding drains the device's fault buffer in windows of
// windowPages pages, faults the CPU pages in, installs them into the GPU
// page tables and tells the device which faults to replay and which to
// cancel. CPU-side changes reach the binding as invalidations and are
// propagated to the GPU page tables, except inside the hole: the CPU range
// reserved for the device's private aperture.
//
// Lock ordering:
//
//	CPU address-space lock (hmm.AddressSpace)
//	  Binding.mu
//	    vmm.Context.mu
//
// Binding.holeMu is a leaf lock: nothing else is acquired while it is held.
package svm

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/gpusvm/pkg/errors"
	"gvisor.dev/gpusvm/pkg/errors/linuxerr"
	"gvisor.dev/gpusvm/pkg/svm/gpu"
)

const (
	// DefaultMaxHoleSize is the largest hole a binding accepts.
	DefaultMaxHoleSize = 4 << 30

	// DefaultMaxRetries bounds the number of times resolution of one
	// window is restarted after racing with the CPU side.
	DefaultMaxRetries = 1000
)

// ErrHoleAccess is returned for CPU accesses to the hole. The hole has no
// CPU backing; a CPU fault inside it is a bus error.
var ErrHoleAccess = errors.New(unix.EIO, "access to device aperture")

// Options configures a Binding.
type Options struct {
	// PollInterval is the sleep between reads of the replay status
	// register. Zero means gpu.DefaultPollInterval.
	PollInterval time.Duration

	// MaxHoleSize bounds the size of the hole. Zero means
	// DefaultMaxHoleSize.
	MaxHoleSize uint64

	// MaxRetries bounds the restarts of one window's resolution. When it is
	// exceeded the window's requested pages are errored. Zero means
	// DefaultMaxRetries.
	MaxRetries int
}

// withDefaults returns o with zero fields replaced by defaults.
func (o Options) withDefaults() Options {
	if o.PollInterval == 0 {
		o.PollInterval = gpu.DefaultPollInterval
	}
	if o.MaxHoleSize == 0 {
		o.MaxHoleSize = DefaultMaxHoleSize
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	return o
}

// Key identifies a binding: a process and one of its device contexts.
type Key struct {
	PID     int32
	Context uint64
}

// String implements fmt.Stringer.String.
func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.PID, k.Context)
}

// State is the lifecycle state of a Binding.
type State int

const (
	// StateUnregistered is the state of a binding that is not linked to an
	// address space.
	StateUnregistered State = iota

	// StateRegistered is the state of a binding registered with the mirror
	// service whose fault buffer is not armed yet.
	StateRegistered

	// StateEnabled is the state of a binding that services faults.
	StateEnabled

	// StateDisabled is terminal.
	StateDisabled
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsHoleAccess returns true if err reports a CPU access to the hole.
func IsHoleAccess(err error) bool {
	return linuxerr.Equals(ErrHoleAccess, err)
}
