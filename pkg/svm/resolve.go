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

	"gvisor.dev/gpusvm/pkg/errors/linuxerr"
	"gvisor.dev/gpusvm/pkg/gpuarch"
	"gvisor.dev/gpusvm/pkg/log"
	"gvisor.dev/gpusvm/pkg/svm/hmm"
)

// resolveResult is the outcome of one attempt to resolve a window.
type resolveResult int

const (
	// resolveSuccess means every requested page was resolved and
	// installed.
	resolveSuccess resolveResult = iota

	// resolveRetry means the attempt raced with the CPU side and must be
	// restarted. No page was marked errored by the attempt.
	resolveRetry

	// resolvePageError means resolution finished with some pages errored.
	resolvePageError
)

// String implements fmt.Stringer.String.
func (r resolveResult) String() string {
	switch r {
	case resolveSuccess:
		return "success"
	case resolveRetry:
		return "retry"
	default:
		return "page error"
	}
}

// worse returns the more severe of r and o.
func (r resolveResult) worse(o resolveResult) resolveResult {
	return max(r, o)
}

// resolveWindow resolves and installs w, retrying until the attempt does not
// race with the CPU side. When ctx is cancelled or the retry bound is hit the
// requested pages are marked errored.
func (b *Binding) resolveWindow(ctx context.Context, w *window) resolveResult {
	windowsResolved.Increment()
	if !w.userAddressable() {
		w.reset()
		w.failAllRequested()
		malformedEntries.Increment()
		b.warn.Warningf("fault window at %v is outside the user address space", w.start)
		return resolvePageError
	}
	for retries := 0; ; retries++ {
		w.reset()
		res, cause := b.resolveOnce(ctx, w)
		if res != resolveRetry {
			return res
		}
		resolveRetries.Increment(cause)
		if err := ctx.Err(); err != nil {
			return b.abandon(w, err)
		}
		if retries >= b.opts.MaxRetries {
			return b.abandon(w, fmt.Errorf("still %s after %d retries", cause, retries))
		}
		if log.IsLogging(log.Debug) {
			b.log.Debugf("retrying window %v: %s", w.Range(), cause)
		}
	}
}

// abandon errors every requested page of w.
func (b *Binding) abandon(w *window, reason error) resolveResult {
	w.reset()
	w.failRequested(w.Range())
	b.warn.Warningf("abandoning window %v: %v", w.Range(), reason)
	return resolvePageError
}

// resolveOnce makes one attempt at resolving w. For resolveRetry it also
// returns the cause.
//
// The CPU address-space read lock is held for the duration of the attempt
// and released before returning, so retries always start unlocked.
func (b *Binding) resolveOnce(ctx context.Context, w *window) (resolveResult, string) {
	b.as.RLock()
	defer b.as.RUnlock()

	wr := w.Range()
	region, ok := b.as.FindRegion(wr)
	if !ok {
		w.fail(wr)
		return resolvePageError, ""
	}
	res := resolveSuccess
	sub := wr.Intersect(region.Range)
	if sub != wr {
		w.failOutside(sub)
		res = resolvePageError
	}

	// The hole is the device's private aperture; it has no CPU pages to
	// mirror.
	hole := b.holeRange()
	if hole.Overlaps(sub) {
		w.fail(sub.Intersect(hole))
		res = resolvePageError
	}
	for _, ar := range outsideHole(sub, hole) {
		r, cause := b.resolveRange(ctx, w, ar)
		if r == resolveRetry {
			return r, cause
		}
		res = res.worse(r)
	}
	return res, ""
}

// resolveRange faults in and installs the requested pages of w in ar.
//
// Preconditions: the CPU address-space read lock is held. ar is within w and
// within one CPU region.
func (b *Binding) resolveRange(ctx context.Context, w *window, ar gpuarch.AddrRange) (resolveResult, string) {
	if !w.requested(ar) {
		return resolveSuccess, ""
	}
	r := &hmm.Range{Start: ar.Start, End: ar.End, PFNs: w.slice(ar)}
	switch err := b.mirror.Fault(ctx, r); {
	case err == nil:
	case linuxerr.Equals(linuxerr.EAGAIN, err):
		return resolveRetry, "invalidated"
	case linuxerr.Equals(linuxerr.EBUSY, err):
		return resolveRetry, "busy"
	default:
		w.failRequested(ar)
		if log.IsLogging(log.Debug) {
			b.log.Debugf("faulting in %v failed: %v", ar, err)
		}
		return resolvePageError, ""
	}

	w.restrict(ar)
	res := resolveSuccess
	for _, p := range r.PFNs {
		if p.IsError() {
			res = resolvePageError
			break
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.mirror.RangeDone(r) {
		return resolveRetry, "invalidated"
	}
	if b.state != StateEnabled {
		w.failRequested(ar)
		return resolvePageError, ""
	}
	if err := b.vmm.HMMMap(ctx, ar.Start, r.PFNs); err != nil {
		b.warn.Warningf("installing %v failed: %v", ar, err)
		w.failRequested(ar)
		return resolvePageError, ""
	}
	return res, ""
}
