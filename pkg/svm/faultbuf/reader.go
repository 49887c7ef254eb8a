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

package faultbuf

import "fmt"

// Pass is a linear run of queue indices [Start, End) consumed in one sweep.
type Pass struct {
	Start uint32
	End   uint32
}

// String implements fmt.Stringer.String.
func (p Pass) String() string {
	return fmt.Sprintf("[%d, %d)", p.Start, p.End)
}

// Passes splits the pending region of a circular queue of the given capacity
// into linear passes. If get > put the queue has wrapped and the drain is
// split into [get, capacity) followed by [0, put).
func Passes(get, put, capacity uint32) []Pass {
	if get > put {
		ps := []Pass{{Start: get, End: capacity}}
		if put > 0 {
			ps = append(ps, Pass{Start: 0, End: put})
		}
		return ps
	}
	if get == put {
		return nil
	}
	return []Pass{{Start: get, End: put}}
}

// Reader iterates over the entries of a single pass. It never modifies the
// buffer.
type Reader struct {
	buf  *Buffer
	pass Pass
	next uint32
}

// NewReader returns a Reader positioned at the start of p.
func NewReader(buf *Buffer, p Pass) *Reader {
	return &Reader{buf: buf, pass: p, next: p.Start}
}

// Pos returns the index of the next entry to be read.
func (r *Reader) Pos() uint32 {
	return r.next
}

// Done returns true once every entry of the pass has been read.
func (r *Reader) Done() bool {
	return r.next >= r.pass.End
}

// Seek moves the reader to index i.
//
// Preconditions: i is within the pass or equal to its end.
func (r *Reader) Seek(i uint32) {
	if i < r.pass.Start || i > r.pass.End {
		panic(fmt.Sprintf("seek to %d outside pass %v", i, r.pass))
	}
	r.next = i
}

// SkipInvalid advances past consecutive entries whose valid bit is clear and
// returns the number skipped. Each is skipped individually; nothing is
// coalesced.
func (r *Reader) SkipInvalid() uint32 {
	var n uint32
	for !r.Done() && !r.buf.Valid(r.next) {
		r.next++
		n++
	}
	return n
}

// Peek decodes the entry at the current position without advancing.
//
// Preconditions: !r.Done().
func (r *Reader) Peek() Entry {
	return r.buf.Entry(r.next)
}

// End returns the end index of the pass.
func (r *Reader) End() uint32 {
	return r.pass.End
}
