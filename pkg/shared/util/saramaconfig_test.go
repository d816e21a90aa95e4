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

package util

import (
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSaramaConfigFromYAMLString(t *testing.T) {
	t.Run("YAML Config", func(t *testing.T) {
		var yamlExample = string(`
admin:
  retry:
    max: 103
producer:
  maxMessageBytes: 600
consumer:
  fetch: 
    min: 1
net:
  MaxOpenRequests: 5
`)
		conf, err := GetSaramaConfigFromYAMLString(yamlExample)
		assert.NoError(t, err)
		assert.Equal(t, 600, conf.Producer.MaxMessageBytes)
		assert.Equal(t, 103, conf.Admin.Retry.Max)
		assert.Equal(t, int32(1), conf.Consumer.Fetch.Min)
		assert.Equal(t, 5, conf.Net.MaxOpenRequests)
	})
	t.Run("Empty config", func(t *testing.T) {
		conf, err := GetSaramaConfigFromYAMLString("")
		assert.NoError(t, err)
		defaults := sarama.NewConfig()
		assert.Equal(t, defaults.Producer.MaxMessageBytes, conf.Producer.MaxMessageBytes)
		assert.Equal(t, defaults.Admin.Retry.Max, conf.Admin.Retry.Max)
		assert.Equal(t, int32(1), conf.Consumer.Fetch.Min)
		assert.Equal(t, 5, conf.Net.MaxOpenRequests)
	})

	t.Run("NON yaml config", func(t *testing.T) {
		_, err := GetSaramaConfigFromYAMLString("welcome")
		assert.Error(t, err)

	})
}

func TestNewProducerConfig(t *testing.T) {
	t.Run("idempotent defaults", func(t *testing.T) {
		conf, err := NewProducerConfig(KafkaOptions{ClientID: "tradewatch-test"})
		require.NoError(t, err)
		assert.True(t, conf.Producer.Idempotent)
		assert.Equal(t, sarama.WaitForAll, conf.Producer.RequiredAcks)
		assert.Equal(t, 1, conf.Net.MaxOpenRequests)
		assert.True(t, conf.Producer.Return.Successes)
		assert.Equal(t, 20*time.Millisecond, conf.Producer.Flush.Frequency)
		assert.Equal(t, "tradewatch-test", conf.ClientID)
		assert.True(t, conf.Version.IsAtLeast(sarama.V0_11_0_0))
	})

	t.Run("overrides are kept", func(t *testing.T) {
		conf, err := NewProducerConfig(KafkaOptions{Config: "producer:\n  maxMessageBytes: 2048\n", Version: "2.8.0"})
		require.NoError(t, err)
		assert.Equal(t, 2048, conf.Producer.MaxMessageBytes)
		assert.Equal(t, sarama.V2_8_0_0, conf.Version)
	})

	t.Run("old brokers are rejected", func(t *testing.T) {
		_, err := NewProducerConfig(KafkaOptions{Version: "0.10.2.0"})
		assert.Error(t, err)
	})

	t.Run("bad version", func(t *testing.T) {
		_, err := NewProducerConfig(KafkaOptions{Version: "latest"})
		assert.Error(t, err)
	})
}

func TestNewConsumerConfig(t *testing.T) {
	conf, err := NewConsumerConfig(KafkaOptions{}, false)
	require.NoError(t, err)
	assert.Equal(t, sarama.OffsetNewest, conf.Consumer.Offsets.Initial)

	conf, err = NewConsumerConfig(KafkaOptions{}, true)
	require.NoError(t, err)
	assert.Equal(t, sarama.OffsetOldest, conf.Consumer.Offsets.Initial)
}
