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

package gpu

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// DefaultPollInterval is the sleep between polls of RegReplayStatus.
const DefaultPollInterval = time.Millisecond

const (
	replayValid = 0x80000000

	// replayCancel cancels a single faulting unit's access.
	replayCancel = 3 << 3

	// replayFlush replays all outstanding faults and flushes the whole
	// translation cache.
	replayFlush = 1<<3 | 1<<1 | 1<<0
)

var errNotReady = errors.New("replay status not ready")

// Replayer issues replay and cancel requests on a device port.
//
// The device exposes a small number of request slots. Every request waits for
// a free slot, writes the request and then waits for the device to
// acknowledge that the request is queued. The waits sleep between polls and
// have no timeout; they end early only if ctx is cancelled.
type Replayer struct {
	Port Port

	// PollInterval is the sleep between status polls. If zero,
	// DefaultPollInterval is used.
	PollInterval time.Duration
}

func (r *Replayer) interval() time.Duration {
	if r.PollInterval == 0 {
		return DefaultPollInterval
	}
	return r.PollInterval
}

// waitStatus polls RegReplayStatus until any bit in mask is set.
func (r *Replayer) waitStatus(ctx context.Context, mask uint32) error {
	if r.Port.Read32(RegReplayStatus)&mask != 0 {
		return nil
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(r.interval()), ctx)
	err := backoff.Retry(func() error {
		if r.Port.Read32(RegReplayStatus)&mask != 0 {
			return nil
		}
		return errNotReady
	}, b)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (r *Replayer) submit(ctx context.Context, req uint32) error {
	if err := r.waitStatus(ctx, StatusSlotsMask); err != nil {
		return err
	}
	r.Port.Write32(RegReplay, req)
	return r.waitStatus(ctx, StatusQueued)
}

// CancelFault reports to the device that the fault raised by the given unit
// could not be serviced.
func (r *Replayer) CancelFault(ctx context.Context, client, gpc, isGPC uint32) error {
	return r.submit(ctx, CancelRequest(client, gpc, isGPC))
}

// ReplayFlush asks the device to flush its translation caches and replay all
// faulted accesses.
func (r *Replayer) ReplayFlush(ctx context.Context) error {
	return r.submit(ctx, FlushRequest())
}

// CancelRequest encodes a fault-cancel request for RegReplay.
func CancelRequest(client, gpc, isGPC uint32) uint32 {
	return replayValid | replayCancel | client<<9 | gpc<<15 | isGPC<<20
}

// FlushRequest encodes a replay-and-flush request for RegReplay.
func FlushRequest() uint32 {
	return replayValid | replayFlush
}

// IsCancelRequest returns true if req, written to RegReplay, is a fault
// cancel.
func IsCancelRequest(req uint32) bool {
	return req&replayValid != 0 && req&(7<<3) == replayCancel
}

// IsFlushRequest returns true if req, written to RegReplay, is a replay and
// flush.
func IsFlushRequest(req uint32) bool {
	return req == FlushRequest()
}

// FaultIndices returns the GET and PUT indices of the fault buffer.
func FaultIndices(p Port) (get, put uint32) {
	return p.Read32(RegFaultGet), p.Read32(RegFaultPut)
}

// SetFaultGet publishes the consumer index to the device.
func SetFaultGet(p Port, get uint32) {
	p.Write32(RegFaultGet, get)
}
