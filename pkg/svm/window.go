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
	"fmt"

	"gvisor.dev/gpusvm/pkg/gpuarch"
	"gvisor.dev/gpusvm/pkg/svm/faultbuf"
	"gvisor.dev/gpusvm/pkg/svm/hmm"
)

const (
	// windowPages is the number of pages resolved together.
	windowPages = 16

	// windowSize is the size of a window in bytes.
	windowSize = windowPages * gpuarch.PageSize
)

// window is a naturally aligned range of windowPages pages being serviced.
type window struct {
	start gpuarch.Addr

	// req holds the access requested for each page by the window's
	// entries.
	req [windowPages]hmm.PFN

	// pages holds the resolution of each page: the resolved descriptor,
	// hmm.PFNError, or the request for pages not resolved yet.
	pages [windowPages]hmm.PFN
}

// newWindow returns the empty window containing addr.
func newWindow(addr gpuarch.Addr) *window {
	return &window{start: gpuarch.AlignDown(addr, windowSize)}
}

// userAddressable returns true if w starts below the end of the user address
// space. Windows above it have no user pages, and their end may wrap.
func (w *window) userAddressable() bool {
	return w.start < gpuarch.MaxUserAddress
}

// contains returns true if addr falls in w.
func (w *window) contains(addr gpuarch.Addr) bool {
	return gpuarch.AlignDown(addr, windowSize) == w.start
}

// Range returns the addresses spanned by w.
//
// Preconditions: w.userAddressable().
func (w *window) Range() gpuarch.AddrRange {
	return gpuarch.AddrRange{Start: w.start, End: w.start + windowSize}
}

// index returns the page index of addr in w.
//
// Preconditions: w.Range().Contains(addr).
func (w *window) index(addr gpuarch.Addr) int {
	return int(w.start.PagesBetween(addr.RoundDown()))
}

// request records an access to addr. Requests only widen: a page already
// requested writable stays writable.
func (w *window) request(addr gpuarch.Addr, at gpuarch.AccessType) {
	i := w.index(addr)
	w.req[i] |= hmm.RequestPFN(at)
	w.pages[i] = w.req[i]
}

// restrict drops access the resolved pages in ar grant beyond what was
// requested, so that a read fault never installs a writable mapping.
//
// Preconditions: ar is page-aligned and w.Range().IsSupersetOf(ar).
func (w *window) restrict(ar gpuarch.AddrRange) {
	i := w.index(ar.Start)
	for j, p := range w.slice(ar) {
		if p.Valid() && w.req[i+j]&hmm.PFNWrite == 0 {
			w.pages[i+j] = p &^ hmm.PFNWrite
		}
	}
}

// failAllRequested marks every requested page of w as errored.
func (w *window) failAllRequested() {
	for i := range w.pages {
		if w.req[i] != hmm.PFNNone {
			w.pages[i] = hmm.PFNError
		}
	}
}

// reset discards resolution results.
func (w *window) reset() {
	w.pages = w.req
}

// slice returns the pages of w in ar.
//
// Preconditions: ar is page-aligned and w.Range().IsSupersetOf(ar).
func (w *window) slice(ar gpuarch.AddrRange) []hmm.PFN {
	if !w.Range().IsSupersetOf(ar) {
		panic(fmt.Sprintf("range %v outside window %v", ar, w.Range()))
	}
	i := w.index(ar.Start)
	return w.pages[i : i+int(ar.NumPages())]
}

// requested returns true if any page of ar was requested.
func (w *window) requested(ar gpuarch.AddrRange) bool {
	for _, p := range w.slice(ar) {
		if p != hmm.PFNNone {
			return true
		}
	}
	return false
}

// fail marks every page of w in ar as errored.
func (w *window) fail(ar gpuarch.AddrRange) {
	ar = ar.Intersect(w.Range())
	if ar.Length() == 0 {
		return
	}
	pages := w.slice(ar)
	for i := range pages {
		pages[i] = hmm.PFNError
	}
}

// failRequested marks the requested pages of w in ar as errored.
func (w *window) failRequested(ar gpuarch.AddrRange) {
	ar = ar.Intersect(w.Range())
	if ar.Length() == 0 {
		return
	}
	pages := w.slice(ar)
	for i := range pages {
		if pages[i] != hmm.PFNNone {
			pages[i] = hmm.PFNError
		}
	}
}

// failOutside marks every page of w outside ar as errored.
func (w *window) failOutside(ar gpuarch.AddrRange) {
	wr := w.Range()
	if ar.Start > wr.Start {
		w.fail(gpuarch.AddrRange{Start: wr.Start, End: min(ar.Start, wr.End)})
	}
	if ar.End < wr.End {
		w.fail(gpuarch.AddrRange{Start: max(ar.End, wr.Start), End: wr.End})
	}
}

// failed returns true if the page containing addr is errored.
func (w *window) failed(addr gpuarch.Addr) bool {
	return w.pages[w.index(addr)].IsError()
}

// entryAccess converts the access type of e to the access the mapping must
// allow. Unknown access types are treated as reads.
func (b *Binding) entryAccess(e *faultbuf.Entry) gpuarch.AccessType {
	a := e.Access()
	switch {
	case !a.Known():
		malformedEntries.Increment()
		b.warn.Warningf("fault at %v has unknown access type %d, servicing as read", e.Addr(), uint32(a))
		return gpuarch.Read
	case a == faultbuf.AccessAtomic:
		return gpuarch.AccessType{Read: true, Atomic: true}
	case a.NeedsWrite():
		return gpuarch.ReadWrite
	default:
		return gpuarch.Read
	}
}

// fillWindow builds the window of the valid entry at rd.Pos() and adds every
// following valid entry in the same window, skipping invalid entries. It
// stops at the first valid entry outside the window or at the end of the
// pass, and returns the window and the index where it stopped.
//
// Preconditions: !rd.Done() and the entry at rd.Pos() is valid.
func (b *Binding) fillWindow(rd *faultbuf.Reader) (*window, uint32) {
	first := rd.Peek()
	w := newWindow(first.Addr())
	for {
		rd.SkipInvalid()
		if rd.Done() {
			break
		}
		e := rd.Peek()
		if !w.contains(e.Addr()) {
			break
		}
		w.request(e.Addr(), b.entryAccess(&e))
		rd.Seek(rd.Pos() + 1)
	}
	return w, rd.Pos()
}
