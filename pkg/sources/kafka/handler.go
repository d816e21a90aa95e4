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

package kafka

import (
	"context"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/numaproj/tradewatch/pkg/records"
)

// TradeHandler processes the trades read from the log.
type TradeHandler interface {
	Handle(ctx context.Context, t records.TradeRecord) error
}

// TradeHandlerFunc adapts a function to TradeHandler.
type TradeHandlerFunc func(ctx context.Context, t records.TradeRecord) error

func (f TradeHandlerFunc) Handle(ctx context.Context, t records.TradeRecord) error {
	return f(ctx, t)
}

// consumerHandler decodes claimed messages and hands them to the trade handler
type consumerHandler struct {
	ready       chan struct{}
	readyCloser sync.Once
	handler     TradeHandler
	topic       string
	logger      *zap.SugaredLogger
}

// new handler initializes the ready channel
func newConsumerHandler(topic string, handler TradeHandler, logger *zap.SugaredLogger) *consumerHandler {
	return &consumerHandler{
		ready:   make(chan struct{}),
		handler: handler,
		topic:   topic,
		logger:  logger,
	}
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (consumer *consumerHandler) Setup(sess sarama.ConsumerGroupSession) error {
	consumer.logger.Infow("Consumer group session started", zap.Any("claims", sess.Claims()), zap.Int32("generation", sess.GenerationID()))
	consumer.readyCloser.Do(func() {
		close(consumer.ready)
	})
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (consumer *consumerHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	sess.Commit()
	return nil
}

// ConsumeClaim must start a consumer loop of ConsumerGroupClaim's Messages().
// Claims of different partitions run on their own goroutines, so trades of different symbols are
// handled concurrently while the order within a partition is kept.
func (consumer *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			readCount.WithLabelValues(consumer.topic).Inc()
			if err := consumer.handle(ctx, msg); err != nil {
				// not marked, the message is read again by the next owner of the partition
				consumer.logger.Infow("Context was canceled while handling a trade", zap.Int32("partition", msg.Partition), zap.Int64("offset", msg.Offset))
				return nil
			}
			session.MarkMessage(msg, "")
		case <-ctx.Done():
			consumer.logger.Info("context was canceled, stopping consumer claim")
			return nil
		}
	}
}

// handle returns an error only when the message must not be marked as consumed.
func (consumer *consumerHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	t, err := records.UnmarshalTrade(msg.Value)
	if err != nil {
		decodeErrorCount.WithLabelValues(consumer.topic).Inc()
		consumer.logger.Warnw("Skipping malformed trade",
			zap.Int32("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}
	if err := consumer.handler.Handle(ctx, t); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		handleErrorCount.WithLabelValues(consumer.topic).Inc()
		consumer.logger.Errorw("Failed to handle trade, skipping", zap.String("key", t.IdempotencyKey()), zap.Error(err))
	}
	return nil
}
