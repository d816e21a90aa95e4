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
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/numaproj/tradewatch/pkg/records"
	"github.com/numaproj/tradewatch/pkg/shared/util"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T) *sarama.Config {
	conf, err := util.NewProducerConfig(util.KafkaOptions{ClientID: "tradewatch-test"})
	require.NoError(t, err)
	return conf
}

func trade(id int) records.TradeRecord {
	return records.NewTrade("binance", "BTCUSDT", strconv.Itoa(id), records.SideBuy,
		decimal.RequireFromString("37000.5"), decimal.RequireFromString("0.4"), 1700000000000, 1700000000100)
}

func waitAck(t *testing.T, ack *Ack) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := ack.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

// stalledProducer only moves messages when the test tells it to.
type stalledProducer struct {
	sarama.AsyncProducer
	input     chan *sarama.ProducerMessage
	successes chan *sarama.ProducerMessage
	errors    chan *sarama.ProducerError
	closeOnce sync.Once
}

func newStalledProducer() *stalledProducer {
	return &stalledProducer{
		input:     make(chan *sarama.ProducerMessage, 100),
		successes: make(chan *sarama.ProducerMessage, 100),
		errors:    make(chan *sarama.ProducerError, 100),
	}
}

func (s *stalledProducer) Input() chan<- *sarama.ProducerMessage     { return s.input }
func (s *stalledProducer) Successes() <-chan *sarama.ProducerMessage { return s.successes }
func (s *stalledProducer) Errors() <-chan *sarama.ProducerError      { return s.errors }

func (s *stalledProducer) AsyncClose() {
	s.closeOnce.Do(func() {
		close(s.successes)
		close(s.errors)
	})
}

func (s *stalledProducer) Close() error {
	s.AsyncClose()
	return nil
}

// deliver confirms the next message handed to the producer.
func (s *stalledProducer) deliver(t *testing.T) {
	select {
	case msg := <-s.input:
		s.successes <- msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message was handed to the producer")
	}
}

func TestNewPublisher_Invalid(t *testing.T) {
	_, err := NewPublisher(newStalledProducer(), "")
	assert.Error(t, err)
	_, err = NewPublisher(newStalledProducer(), "trades.raw", WithBufferSize(0))
	assert.Error(t, err)
	_, err = NewPublisher(newStalledProducer(), "trades.raw", WithMaxRetries(-1))
	assert.Error(t, err)
	_, err = NewPublisher(newStalledProducer(), "trades.raw", WithDedupCapacity(0))
	assert.Error(t, err)
}

func TestPublisher_Publish(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, testConfig(t))
	producer.ExpectInputWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "BTCUSDT" {
			return errors.New("partition key is not the symbol: " + string(key))
		}
		if msg.Topic != "trades.raw" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Key) != HeaderIdempotencyKey ||
			string(msg.Headers[0].Value) != "binance:BTCUSDT:1" {
			return errors.New("missing idempotency key header")
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		tr, err := records.UnmarshalTrade(value)
		if err != nil {
			return err
		}
		if tr.IdempotencyKey() != "binance:BTCUSDT:1" {
			return errors.New("unexpected payload")
		}
		return nil
	})

	p, err := NewPublisher(producer, "trades.raw")
	require.NoError(t, err)
	assert.Equal(t, "trades.raw", p.Topic())

	ack, err := p.Publish(context.Background(), trade(1))
	require.NoError(t, err)
	assert.NoError(t, waitAck(t, ack))
	assert.False(t, ack.Duplicate())
	assert.Equal(t, "binance:BTCUSDT:1", ack.Key())
	assert.GreaterOrEqual(t, ack.Offset(), int64(0))
	assert.Equal(t, 0, p.Inflight())
	assert.NoError(t, p.Close())
}

func TestPublisher_IdempotentRetry(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, testConfig(t))
	producer.ExpectInputAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectInputAndSucceed()

	p, err := NewPublisher(producer, "trades.raw", WithRetryBackoff(0))
	require.NoError(t, err)

	ack, err := p.Publish(context.Background(), trade(1))
	require.NoError(t, err)
	assert.NoError(t, waitAck(t, ack))

	// replaying the same logical send does not reach the producer again
	replay, err := p.Publish(context.Background(), trade(1))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate())
	assert.NoError(t, waitAck(t, replay))

	// closing the mock verifies exactly two inputs were seen
	assert.NoError(t, p.Close())
}

func TestPublisher_RetriesExhausted(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, testConfig(t))
	producer.ExpectInputAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectInputAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectInputAndSucceed()

	p, err := NewPublisher(producer, "trades.raw", WithRetryBackoff(0), WithMaxRetries(1))
	require.NoError(t, err)

	ack, err := p.Publish(context.Background(), trade(1))
	require.NoError(t, err)
	assert.ErrorIs(t, waitAck(t, ack), sarama.ErrOutOfBrokers)
	assert.ErrorIs(t, ack.Err(), sarama.ErrOutOfBrokers)
	assert.Equal(t, int32(-1), ack.Partition())

	// a failed key is not remembered as delivered
	ack, err = p.Publish(context.Background(), trade(1))
	require.NoError(t, err)
	assert.False(t, ack.Duplicate())
	assert.NoError(t, waitAck(t, ack))
	assert.NoError(t, p.Close())
}

func TestPublisher_InflightDuplicate(t *testing.T) {
	producer := newStalledProducer()
	p, err := NewPublisher(producer, "trades.raw")
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	first, err := p.Publish(context.Background(), trade(1))
	require.NoError(t, err)
	second, err := p.Publish(context.Background(), trade(1))
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Len(t, producer.input, 1)
	assert.Nil(t, first.Err())
	assert.Equal(t, int64(-1), first.Offset())

	producer.deliver(t)
	assert.NoError(t, waitAck(t, first))
}

func TestPublisher_Backpressure(t *testing.T) {
	producer := newStalledProducer()
	p, err := NewPublisher(producer, "trades.raw", WithBufferSize(1))
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	first, err := p.Publish(context.Background(), trade(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Publish(ctx, trade(2))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, p.Inflight())

	producer.deliver(t)
	assert.NoError(t, waitAck(t, first))

	third, err := p.Publish(context.Background(), trade(3))
	require.NoError(t, err)
	producer.deliver(t)
	assert.NoError(t, waitAck(t, third))
}

func TestPublisher_Drain(t *testing.T) {
	producer := newStalledProducer()
	p, err := NewPublisher(producer, "trades.raw")
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	left, err := p.Drain(10 * time.Millisecond)
	assert.NoError(t, err)
	assert.Empty(t, left)

	_, err = p.Publish(context.Background(), trade(1))
	require.NoError(t, err)
	_, err = p.Publish(context.Background(), trade(2))
	require.NoError(t, err)

	left, err = p.Drain(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrDrainIncomplete)
	assert.Len(t, left, 2)

	producer.deliver(t)
	producer.deliver(t)
	left, err = p.Drain(5 * time.Second)
	assert.NoError(t, err)
	assert.Empty(t, left)
}

func TestPublisher_Close(t *testing.T) {
	producer := newStalledProducer()
	p, err := NewPublisher(producer, "signals.alerts")
	require.NoError(t, err)

	ack, err := p.Publish(context.Background(), trade(1))
	require.NoError(t, err)
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
	assert.ErrorIs(t, waitAck(t, ack), ErrClosed)

	_, err = p.Publish(context.Background(), trade(2))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPublisher_ConcurrentPublish(t *testing.T) {
	const n = 50
	producer := mocks.NewAsyncProducer(t, testConfig(t))
	for i := 0; i < n; i++ {
		producer.ExpectInputAndSucceed()
	}
	p, err := NewPublisher(producer, "trades.raw")
	require.NoError(t, err)

	acks := make(chan *Ack, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ack, err := p.Publish(context.Background(), trade(id))
			assert.NoError(t, err)
			acks <- ack
		}(i)
	}
	wg.Wait()
	close(acks)
	for ack := range acks {
		assert.NoError(t, waitAck(t, ack))
	}
	assert.NoError(t, p.Close())
}

func TestAck_Wait(t *testing.T) {
	ack := newAck("k")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, ack.Wait(ctx), context.Canceled)
	ack.resolve(3, 42, nil)
	ack.resolve(4, 43, errors.New("ignored"))
	assert.NoError(t, ack.Wait(context.Background()))
	assert.Equal(t, int32(3), ack.Partition())
	assert.Equal(t, int64(42), ack.Offset())
}
