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

package window

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type options struct {
	// size is the length of a tumbling window
	size time.Duration
	// allowedLateness is how far the watermark trails the largest observed event time
	allowedLateness time.Duration
	// shards is the number of independently locked partitions of key state
	shards int
	// idleTimeout force closes the windows of keys without traffic, 0 disables it
	idleTimeout time.Duration
	// sweepInterval is how often Run checks for idle keys
	sweepInterval time.Duration
	clock         clock.Clock
	logger        *zap.SugaredLogger
}

func defaultOptions() *options {
	return &options{
		size:            10 * time.Second,
		allowedLateness: 5 * time.Second,
		shards:          16,
		clock:           clock.New(),
	}
}

type Option func(*options) error

// WithWindowSize sets the window length
func WithWindowSize(d time.Duration) Option {
	return func(o *options) error {
		o.size = d
		return nil
	}
}

// WithAllowedLateness sets how far the watermark trails the largest event time
func WithAllowedLateness(d time.Duration) Option {
	return func(o *options) error {
		o.allowedLateness = d
		return nil
	}
}

// WithShards sets the number of key shards
func WithShards(n int) Option {
	return func(o *options) error {
		o.shards = n
		return nil
	}
}

// WithIdleTimeout enables the idle sweep
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) error {
		o.idleTimeout = d
		return nil
	}
}

// WithSweepInterval sets how often idle keys are looked for, defaults to half the idle timeout
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) error {
		o.sweepInterval = d
		return nil
	}
}

// WithClock sets the clock used for activity tracking and the sweep ticker
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
