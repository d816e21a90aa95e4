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

package pipeline

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/numaproj/tradewatch/pkg/publish"
	"github.com/numaproj/tradewatch/pkg/records"
	"github.com/numaproj/tradewatch/pkg/shared/util"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// t0 is the start of a 10s window.
const t0 int64 = 1700000000000

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func producerConfig(t *testing.T) *sarama.Config {
	conf, err := util.NewProducerConfig(util.KafkaOptions{ClientID: "tradewatch-test"})
	require.NoError(t, err)
	return conf
}

func newPublisher(t *testing.T, producer sarama.AsyncProducer, topic string) *publish.Publisher {
	p, err := publish.NewPublisher(producer, topic, publish.WithLogger(testLogger()))
	require.NoError(t, err)
	return p
}

func trade(id string, eventTime int64, price, qty string) records.TradeRecord {
	return records.NewTrade("binance", "BTCUSDT", id, records.SideBuy,
		decimal.RequireFromString(price), decimal.RequireFromString(qty), eventTime, eventTime+5)
}

// expectAlerts sets n succeeding expectations on producer and returns the channel the alerts are
// decoded into.
func expectAlerts(producer *mocks.AsyncProducer, n int) <-chan records.AlertRecord {
	alerts := make(chan records.AlertRecord, n)
	for i := 0; i < n; i++ {
		producer.ExpectInputWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			value, err := msg.Value.Encode()
			if err != nil {
				return err
			}
			a, err := records.UnmarshalAlert(value)
			if err != nil {
				return err
			}
			alerts <- a
			return nil
		})
	}
	return alerts
}

// expectTrades sets n succeeding expectations on producer and returns the channel the trades are
// decoded into.
func expectTrades(producer *mocks.AsyncProducer, n int) <-chan records.TradeRecord {
	trades := make(chan records.TradeRecord, n)
	for i := 0; i < n; i++ {
		producer.ExpectInputWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			value, err := msg.Value.Encode()
			if err != nil {
				return err
			}
			tr, err := records.UnmarshalTrade(value)
			if err != nil {
				return err
			}
			trades <- tr
			return nil
		})
	}
	return trades
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		var zero T
		t.Fatal("timed out waiting for a record")
		return zero
	}
}

// stalledProducer accepts messages and never delivers them.
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
		successes: make(chan *sarama.ProducerMessage),
		errors:    make(chan *sarama.ProducerError),
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

func binanceTrade(id int, eventTime int64, price, qty string) []byte {
	return []byte(fmt.Sprintf(`{"stream":"btcusdt@trade","data":{"e":"trade","E":%d,"s":"BTCUSDT","t":%d,"p":%q,"q":%q,"T":%d,"m":false}}`,
		eventTime+1, id, price, qty, eventTime))
}
