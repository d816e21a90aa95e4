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

package feed

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type options struct {
	// pingInterval is how often a ping is sent to keep the connection alive
	pingInterval time.Duration
	// pongTimeout is how long past a ping the connection may stay silent
	pongTimeout time.Duration
	// initialBackoff is the first reconnect delay
	initialBackoff time.Duration
	// maxBackoff caps the reconnect delay
	maxBackoff time.Duration
	// handshakeTimeout bounds the websocket handshake
	handshakeTimeout time.Duration
	userAgent        string
	clock            clock.Clock
	logger           *zap.SugaredLogger
}

func defaultOptions() *options {
	return &options{
		pingInterval:     20 * time.Second,
		pongTimeout:      10 * time.Second,
		initialBackoff:   time.Second,
		maxBackoff:       60 * time.Second,
		handshakeTimeout: 10 * time.Second,
		userAgent:        "tradewatch",
		clock:            clock.New(),
	}
}

type Option func(*options)

// WithPingInterval sets the keep alive ping interval
func WithPingInterval(d time.Duration) Option {
	return func(o *options) {
		o.pingInterval = d
	}
}

// WithPongTimeout sets how long the listener waits for a pong
func WithPongTimeout(d time.Duration) Option {
	return func(o *options) {
		o.pongTimeout = d
	}
}

// WithBackoff sets the reconnect delay bounds
func WithBackoff(initial, max time.Duration) Option {
	return func(o *options) {
		o.initialBackoff = initial
		o.maxBackoff = max
	}
}

// WithHandshakeTimeout sets the websocket handshake timeout
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = d
	}
}

// WithUserAgent sets the User-Agent request header
func WithUserAgent(ua string) Option {
	return func(o *options) {
		o.userAgent = ua
	}
}

// WithClock sets the clock driving the reconnect backoff and keep alive pings
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) {
		o.logger = l
	}
}
