/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package publish

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Publish after Close, and resolves the acks of records still in flight
	// when the publisher was closed.
	ErrClosed = errors.New("publisher is closed")
	// ErrDrainIncomplete is returned by Drain when records were still in flight at the timeout.
	ErrDrainIncomplete = errors.New("drain timed out with records still in flight")
)

// Ack is the delivery outcome of one Publish call. It resolves exactly once.
type Ack struct {
	key       string
	done      chan struct{}
	once      sync.Once
	err       error
	partition int32
	offset    int64
	duplicate bool
}

func newAck(key string) *Ack {
	return &Ack{key: key, done: make(chan struct{}), partition: -1, offset: -1}
}

// duplicateAck is returned when the record was already delivered.
func duplicateAck(key string) *Ack {
	a := newAck(key)
	a.duplicate = true
	a.resolve(-1, -1, nil)
	return a
}

func (a *Ack) resolve(partition int32, offset int64, err error) {
	a.once.Do(func() {
		a.partition = partition
		a.offset = offset
		a.err = err
		close(a.done)
	})
}

// Key is the idempotency key of the record.
func (a *Ack) Key() string {
	return a.key
}

// Done is closed once the outcome is known.
func (a *Ack) Done() <-chan struct{} {
	return a.done
}

// Err returns the delivery error, nil while the ack is pending or when the record was delivered.
func (a *Ack) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Wait blocks until the outcome is known or ctx is done.
func (a *Ack) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Partition is the partition the record was written to, -1 if unknown.
func (a *Ack) Partition() int32 {
	select {
	case <-a.done:
		return a.partition
	default:
		return -1
	}
}

// Offset is the offset of the record in its partition, -1 if unknown.
func (a *Ack) Offset() int64 {
	select {
	case <-a.done:
		return a.offset
	default:
		return -1
	}
}

// Duplicate reports that the record had already been delivered and was not sent again.
func (a *Ack) Duplicate() bool {
	return a.duplicate
}
