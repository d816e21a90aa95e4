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
	"bytes"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/spf13/viper"
)

// KafkaOptions carries what is needed to build a sarama client config for the trade and alert logs.
type KafkaOptions struct {
	// ClientID is reported to the brokers as client.id.
	ClientID string
	// Version is the broker protocol version, e.g. "2.8.0". Empty means sarama.V2_1_0_0.
	Version string
	// Config is a raw YAML document decoded on top of the sarama defaults.
	Config string
	TLS    *TLS
	SASL   *SASL
}

// GetSaramaConfigFromYAMLString parse yaml string to sarama.config
func GetSaramaConfigFromYAMLString(yaml string) (*sarama.Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewBufferString(yaml)); err != nil {
		return nil, err
	}
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed validating sarama config, %w", err)
	}
	return cfg, nil
}

// NewProducerConfig returns an idempotent producer config: the broker de-duplicates the producer's own
// retries, acks are awaited from all in-sync replicas and messages are hash partitioned by key.
func NewProducerConfig(opts KafkaOptions) (*sarama.Config, error) {
	cfg, err := baseConfig(opts)
	if err != nil {
		return nil, err
	}
	cfg.Producer.Idempotent = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.MaxOpenRequests = 1
	if cfg.Producer.Retry.Max < 1 {
		cfg.Producer.Retry.Max = 5
	}
	if cfg.Producer.Flush.Frequency == 0 {
		cfg.Producer.Flush.Frequency = 20 * time.Millisecond
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed validating producer config, %w", err)
	}
	return cfg, nil
}

// NewConsumerConfig returns a consumer group config. Offsets start at the newest message unless oldest is set.
func NewConsumerConfig(opts KafkaOptions, oldest bool) (*sarama.Config, error) {
	cfg, err := baseConfig(opts)
	if err != nil {
		return nil, err
	}
	cfg.Consumer.Return.Errors = true
	if oldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed validating consumer config, %w", err)
	}
	return cfg, nil
}

func baseConfig(opts KafkaOptions) (*sarama.Config, error) {
	cfg, err := GetSaramaConfigFromYAMLString(opts.Config)
	if err != nil {
		return nil, err
	}
	if opts.ClientID != "" {
		cfg.ClientID = opts.ClientID
	}
	cfg.Version = sarama.V2_1_0_0
	if opts.Version != "" {
		v, err := sarama.ParseKafkaVersion(opts.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid kafka version %q, %w", opts.Version, err)
		}
		if !v.IsAtLeast(sarama.V0_11_0_0) {
			return nil, fmt.Errorf("kafka version %q does not support idempotent producers", opts.Version)
		}
		cfg.Version = v
	}
	if opts.TLS != nil && opts.TLS.Enabled {
		c, err := GetTLSConfig(opts.TLS)
		if err != nil {
			return nil, err
		}
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = c
	}
	if err := ApplySASL(cfg, opts.SASL); err != nil {
		return nil, err
	}
	return cfg, nil
}
