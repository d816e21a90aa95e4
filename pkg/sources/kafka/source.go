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

// Package kafka reads trades from a Kafka topic with a consumer group.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/numaproj/tradewatch/pkg/shared/logging"
)

// PendingNotAvailable is returned by Pending when the lag can not be computed.
const PendingNotAvailable = int64(-1)

// TradeSource consumes the raw trades topic.
type TradeSource struct {
	// group name of the consumer group
	groupName string
	// topic to consume messages from
	topic string
	// consumer group client
	group sarama.ConsumerGroup
	// client used to calculate pending messages, optional
	saramaClient sarama.Client
	adminClient  sarama.ClusterAdmin
	// handler for a kafka consumer group
	handler *consumerHandler
	// interval of the pending messages gauge refresh
	pendingInterval time.Duration
	retryInterval   time.Duration
	logger          *zap.SugaredLogger
	cancelFn        context.CancelFunc
	stopCh          chan struct{}
	closeOnce       sync.Once
	lock            sync.Mutex
}

type Option func(*TradeSource) error

// WithLogger is used to return logger information
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *TradeSource) error {
		o.logger = l
		return nil
	}
}

// WithPendingInterval sets how often the pending gauge is refreshed
func WithPendingInterval(d time.Duration) Option {
	return func(o *TradeSource) error {
		o.pendingInterval = d
		return nil
	}
}

// WithRetryInterval sets the pause before a failed consume session is restarted
func WithRetryInterval(d time.Duration) Option {
	return func(o *TradeSource) error {
		o.retryInterval = d
		return nil
	}
}

// NewTradeSource returns a TradeSource reading topic with the consumer group groupName.
func NewTradeSource(brokers []string, topic, groupName string, config *sarama.Config, handler TradeHandler, opts ...Option) (*TradeSource, error) {
	client, err := sarama.NewClient(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create sarama client, %w", err)
	}
	group, err := sarama.NewConsumerGroupFromClient(groupName, client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create consumer group %q, %w", groupName, err)
	}
	s, err := NewTradeSourceFromGroup(group, topic, groupName, handler, opts...)
	if err != nil {
		_ = group.Close()
		_ = client.Close()
		return nil, err
	}
	s.saramaClient = client
	// Does it require any special privileges to create a cluster admin client?
	if admin, err := sarama.NewClusterAdminFromClient(client); err != nil {
		s.logger.Warnw("Failed to create cluster admin client, pending messages are not reported", zap.Error(err))
	} else {
		s.adminClient = admin
	}
	return s, nil
}

// NewTradeSourceFromGroup returns a TradeSource consuming with an existing consumer group, which it owns
// from now on.
func NewTradeSourceFromGroup(group sarama.ConsumerGroup, topic, groupName string, handler TradeHandler, opts ...Option) (*TradeSource, error) {
	if handler == nil {
		return nil, errors.New("trade handler is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	s := &TradeSource{
		groupName:       groupName,
		topic:           topic,
		group:           group,
		pendingInterval: 30 * time.Second,
		retryInterval:   time.Second,
		logger:          logging.NewLogger(),
		stopCh:          make(chan struct{}),
	}
	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.Named("kafka-source").With(zap.String("topic", topic), zap.String("consumerGroupName", groupName))
	s.handler = newConsumerHandler(topic, handler, s.logger)
	return s, nil
}

// Ready is closed once the first consumer group session is set up.
func (s *TradeSource) Ready() <-chan struct{} {
	return s.handler.ready
}

// Start consumes in the background until ctx is done or Close is called. The returned channel is
// closed once consuming has stopped.
func (s *TradeSource) Start(ctx context.Context) <-chan struct{} {
	ctx, cancel := context.WithCancel(ctx)
	s.lock.Lock()
	s.cancelFn = cancel
	s.lock.Unlock()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case cErr, ok := <-s.group.Errors():
				if !ok {
					return
				}
				s.logger.Errorw("Kafka consumer error", zap.Error(cErr))
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			// `Consume` should be called inside an infinite loop; when a
			// server-side re-balance happens, the consumer session will need to be
			// recreated to get the new claims
			if conErr := s.group.Consume(ctx, []string{s.topic}, s.handler); conErr != nil {
				if errors.Is(conErr, sarama.ErrClosedConsumerGroup) {
					return
				}
				s.logger.Errorw("Kafka consumer failed, restarting the session", zap.Error(conErr))
				select {
				case <-ctx.Done():
				case <-time.After(s.retryInterval):
				}
			}
			// check if context was cancelled, signaling that the consumer should stop
			if ctx.Err() != nil {
				return
			}
		}
	}()

	if s.adminClient != nil && s.pendingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.reportPending(ctx)
		}()
	}

	go func() {
		wg.Wait()
		close(s.stopCh)
	}()
	s.logger.Info("Starting kafka trade source...")
	return s.stopCh
}

func (s *TradeSource) reportPending(ctx context.Context) {
	ticker := time.NewTicker(s.pendingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Pending(ctx); err != nil {
				s.logger.Debugw("Failed to compute pending messages", zap.Error(err))
			}
		}
	}
}

// Pending returns the number of messages in the topic not yet consumed by the group.
func (s *TradeSource) Pending(_ context.Context) (int64, error) {
	if s.adminClient == nil || s.saramaClient == nil {
		return PendingNotAvailable, nil
	}
	partitions, err := s.saramaClient.Partitions(s.topic)
	if err != nil {
		return PendingNotAvailable, fmt.Errorf("failed to get partitions, %w", err)
	}
	totalPending := int64(0)
	rep, err := s.adminClient.ListConsumerGroupOffsets(s.groupName, map[string][]int32{s.topic: partitions})
	if err != nil {
		return PendingNotAvailable, fmt.Errorf("failed to list consumer group offsets, %w", err)
	}
	for _, partition := range partitions {
		block := rep.GetBlock(s.topic, partition)
		if block == nil || block.Offset == -1 {
			// no offset committed for the partition yet
			continue
		}
		partitionOffset, err := s.saramaClient.GetOffset(s.topic, partition, sarama.OffsetNewest)
		if err != nil {
			return PendingNotAvailable, fmt.Errorf("failed to get offset of topic %q, partition %v, %w", s.topic, partition, err)
		}
		totalPending += partitionOffset - block.Offset
	}
	pendingGauge.WithLabelValues(s.topic, s.groupName).Set(float64(totalPending))
	return totalPending, nil
}

// Close stops consuming, waits for the running session to end and closes the clients.
func (s *TradeSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.logger.Info("Closing kafka trade source...")
		s.lock.Lock()
		cancel := s.cancelFn
		s.lock.Unlock()
		if cancel != nil {
			cancel()
			<-s.stopCh
		}
		if cErr := s.group.Close(); cErr != nil {
			err = fmt.Errorf("failed to close consumer group, %w", cErr)
		}
		if s.adminClient != nil {
			// closes the underlying sarama client as well.
			if aErr := s.adminClient.Close(); aErr != nil {
				s.logger.Errorw("Error in closing kafka admin client", zap.Error(aErr))
			}
		} else if s.saramaClient != nil && !s.saramaClient.Closed() {
			_ = s.saramaClient.Close()
		}
		s.logger.Info("Kafka trade source closed")
	})
	return err
}
