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

// Package faultbuf decodes the accelerator's replayable fault buffer: a
// circular array of fixed-size fault records written by hardware and consumed
// by the fault service.
//
// Entry layout (little-endian 32-bit words):
//
//	0 instlo  1 insthi  2 addrlo  3 addrhi
//	4 timelo  5 timehi  6 rsvd    7 info
//
// info packs:
//
//	bit  31     valid
//	bits 24-28  GPC id
//	bit  20     is-GPC
//	bits 16-18  access type
//	bits 8-14   client id
package faultbuf

import (
	"encoding/binary"
	"fmt"

	"gvisor.dev/gpusvm/pkg/gpuarch"
)

// EntrySize is the size of a fault record in bytes.
const EntrySize = 32

const (
	infoOffset = 7 * 4

	infoValid       = 0x80000000
	infoGPCMask     = 0x1f000000
	infoGPCShift    = 24
	infoIsGPC       = 0x00100000
	infoIsGPCShift  = 20
	infoAccessMask  = 0x00070000
	infoAccessShift = 16
	infoClientMask  = 0x00007f00
	infoClientShift = 8
)

// Access is the type of access that caused a fault.
type Access uint32

// Access types reported by hardware.
const (
	AccessRead     Access = 0
	AccessWrite    Access = 1
	AccessAtomic   Access = 2
	AccessPrefetch Access = 3
)

// String implements fmt.Stringer.String.
func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessAtomic:
		return "atomic"
	case AccessPrefetch:
		return "prefetch"
	default:
		return fmt.Sprintf("access(%d)", uint32(a))
	}
}

// Known returns true if a is one of the four access types defined by
// hardware.
func (a Access) Known() bool {
	return a <= AccessPrefetch
}

// NeedsWrite returns true if servicing a requires a writable mapping.
func (a Access) NeedsWrite() bool {
	return a == AccessWrite || a == AccessAtomic
}

// Entry is a decoded fault record.
type Entry struct {
	InstLo uint32
	InstHi uint32
	AddrLo uint32
	AddrHi uint32
	TimeLo uint32
	TimeHi uint32
	Rsvd   uint32
	Info   uint32
}

// Addr returns the page-aligned faulting address.
func (e *Entry) Addr() gpuarch.Addr {
	return gpuarch.Addr(uint64(e.AddrHi)<<32 | uint64(e.AddrLo&^uint32(gpuarch.PageMask)))
}

// Valid returns true if hardware has published this entry and software has
// not yet consumed it.
func (e *Entry) Valid() bool {
	return e.Info&infoValid != 0
}

// Access returns the access type of the fault.
func (e *Entry) Access() Access {
	return Access((e.Info & infoAccessMask) >> infoAccessShift)
}

// GPC returns the graphics processing cluster id of the faulting unit.
func (e *Entry) GPC() uint32 {
	return (e.Info & infoGPCMask) >> infoGPCShift
}

// IsGPC returns 1 if the faulting unit is inside a GPC, else 0.
func (e *Entry) IsGPC() uint32 {
	return (e.Info & infoIsGPC) >> infoIsGPCShift
}

// Client returns the id of the faulting client unit.
func (e *Entry) Client() uint32 {
	return (e.Info & infoClientMask) >> infoClientShift
}

// Timestamp returns the hardware timestamp of the fault.
func (e *Entry) Timestamp() uint64 {
	return uint64(e.TimeHi)<<32 | uint64(e.TimeLo)
}

// String implements fmt.Stringer.String.
func (e *Entry) String() string {
	return fmt.Sprintf("{addr %v %v client %d gpc %d/%d valid %t}", e.Addr(), e.Access(), e.Client(), e.GPC(), e.IsGPC(), e.Valid())
}

// MakeInfo packs the info word for a valid entry.
func MakeInfo(access Access, client, gpc uint32, isGPC bool) uint32 {
	info := uint32(infoValid)
	info |= (uint32(access) << infoAccessShift) & infoAccessMask
	info |= (client << infoClientShift) & infoClientMask
	info |= (gpc << infoGPCShift) & infoGPCMask
	if isGPC {
		info |= infoIsGPC
	}
	return info
}

// MakeEntry returns a valid Entry for a fault at addr.
func MakeEntry(addr gpuarch.Addr, access Access, client, gpc uint32, isGPC bool) Entry {
	return Entry{
		AddrLo: uint32(addr),
		AddrHi: uint32(uint64(addr) >> 32),
		Info:   MakeInfo(access, client, gpc, isGPC),
	}
}

// Buffer is a view of the mapped fault buffer.
//
// Hardware is the only producer; it never rewrites a slot until the GET
// index has advanced past it, so Buffer needs no locking.
type Buffer struct {
	mem []byte
}

// NewBuffer returns a Buffer over mem. Trailing bytes that do not form a
// complete entry are ignored.
func NewBuffer(mem []byte) *Buffer {
	return &Buffer{mem: mem}
}

// Len returns the number of entries in the circular buffer.
func (b *Buffer) Len() uint32 {
	return uint32(len(b.mem) / EntrySize)
}

func (b *Buffer) slot(i uint32) []byte {
	if i >= b.Len() {
		panic(fmt.Sprintf("fault buffer index %d out of range [0, %d)", i, b.Len()))
	}
	return b.mem[i*EntrySize : (i+1)*EntrySize]
}

// Entry decodes the entry at index i.
func (b *Buffer) Entry(i uint32) Entry {
	s := b.slot(i)
	return Entry{
		InstLo: binary.LittleEndian.Uint32(s[0:]),
		InstHi: binary.LittleEndian.Uint32(s[4:]),
		AddrLo: binary.LittleEndian.Uint32(s[8:]),
		AddrHi: binary.LittleEndian.Uint32(s[12:]),
		TimeLo: binary.LittleEndian.Uint32(s[16:]),
		TimeHi: binary.LittleEndian.Uint32(s[20:]),
		Rsvd:   binary.LittleEndian.Uint32(s[24:]),
		Info:   binary.LittleEndian.Uint32(s[infoOffset:]),
	}
}

// Valid returns true if the entry at index i is valid.
func (b *Buffer) Valid(i uint32) bool {
	return binary.LittleEndian.Uint32(b.slot(i)[infoOffset:])&infoValid != 0
}

// ClearValid hands the entry at index i back to hardware by clearing its
// valid bit. No other field is modified.
func (b *Buffer) ClearValid(i uint32) {
	s := b.slot(i)[infoOffset:]
	binary.LittleEndian.PutUint32(s, binary.LittleEndian.Uint32(s)&^infoValid)
}

// Put encodes e into index i. It is used by device models to publish faults.
func (b *Buffer) Put(i uint32, e Entry) {
	s := b.slot(i)
	binary.LittleEndian.PutUint32(s[0:], e.InstLo)
	binary.LittleEndian.PutUint32(s[4:], e.InstHi)
	binary.LittleEndian.PutUint32(s[8:], e.AddrLo)
	binary.LittleEndian.PutUint32(s[12:], e.AddrHi)
	binary.LittleEndian.PutUint32(s[16:], e.TimeLo)
	binary.LittleEndian.PutUint32(s[20:], e.TimeHi)
	binary.LittleEndian.PutUint32(s[24:], e.Rsvd)
	binary.LittleEndian.PutUint32(s[infoOffset:], e.Info)
}
