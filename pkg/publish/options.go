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
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type options struct {
	// bufferSize is the maximum number of records in flight
	bufferSize int
	// maxRetries is how many times a failed delivery is resent
	maxRetries int
	// retryBackoff is the delay before a resend
	retryBackoff time.Duration
	// dedupCapacity is the number of delivered idempotency keys remembered
	dedupCapacity int
	clock         clock.Clock
	logger        *zap.SugaredLogger
}

func defaultOptions() *options {
	return &options{
		bufferSize:    10000,
		maxRetries:    2,
		retryBackoff:  100 * time.Millisecond,
		dedupCapacity: 100000,
		clock:         clock.New(),
	}
}

type Option func(*options) error

// WithBufferSize sets the maximum number of records in flight
func WithBufferSize(n int) Option {
	return func(o *options) error {
		o.bufferSize = n
		return nil
	}
}

// WithMaxRetries sets how many times a failed delivery is resent
func WithMaxRetries(n int) Option {
	return func(o *options) error {
		o.maxRetries = n
		return nil
	}
}

// WithRetryBackoff sets the delay before a resend
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) error {
		o.retryBackoff = d
		return nil
	}
}

// WithDedupCapacity sets how many delivered idempotency keys are remembered
func WithDedupCapacity(n int) Option {
	return func(o *options) error {
		o.dedupCapacity = n
		return nil
	}
}

// WithClock sets the clock used for retry and drain timers
func WithClock(c clock.Clock) Option {
	return func(o *options) error {
		o.clock = c
		return nil
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) error {
		o.logger = l
		return nil
	}
}
