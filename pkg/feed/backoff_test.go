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
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestReconnectBackoff(t *testing.T) {
	b := newReconnectBackoff(time.Second, 60*time.Second, clock.NewMock())
	var got []time.Duration
	for i := 0; i < 9; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}, got)

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
}

func TestReconnectBackoff_NeverStops(t *testing.T) {
	mock := clock.NewMock()
	b := newReconnectBackoff(time.Second, 60*time.Second, mock)
	mock.Add(24 * time.Hour)
	for i := 0; i < 100; i++ {
		assert.Greater(t, b.Next(), time.Duration(0))
	}
}
