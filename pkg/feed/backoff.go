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
	"github.com/cenkalti/backoff/v4"
)

// reconnectBackoff doubles the delay between consecutive failed connections, without jitter, up to max.
type reconnectBackoff struct {
	b *backoff.ExponentialBackOff
}

func newReconnectBackoff(initial, max time.Duration, clk clock.Clock) *reconnectBackoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	// never give up
	b.MaxElapsedTime = 0
	b.Clock = clk
	b.Reset()
	return &reconnectBackoff{b: b}
}

// Next returns the delay before the next attempt.
func (r *reconnectBackoff) Next() time.Duration {
	return r.b.NextBackOff()
}

// Reset starts the sequence over, called once a connection is established.
func (r *reconnectBackoff) Reset() {
	r.b.Reset()
}
