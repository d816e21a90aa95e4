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

// Package publish appends records to a Kafka topic.
//
// A Publisher hands records to a sarama AsyncProducer and returns an Ack per record that resolves when the
// broker confirms the write or the delivery finally fails. Delivery is at least once: a failed write is
// resent with the same idempotency key up to a configured number of times, and keys that are in flight or
// were recently delivered are never sent again.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/numaproj/tradewatch/pkg/records"
	"github.com/numaproj/tradewatch/pkg/shared/logging"
)

// HeaderIdempotencyKey carries the idempotency key of a record.
const HeaderIdempotencyKey = "idempotency-key"

// pending is a record waiting for its delivery report.
type pending struct {
	rec      records.Record
	key      string
	payload  []byte
	ack      *Ack
	attempts int
}

// Publisher writes records to one topic.
//
// Publish blocks while bufferSize records are in flight, until one is delivered or the context is done,
// so a slow broker slows producers down instead of dropping records.
type Publisher struct {
	topic    string
	producer sarama.AsyncProducer
	opts     *options
	log      *zap.SugaredLogger

	stateLock sync.Mutex
	inflight  map[string]*pending
	delivered *lru.Cache[string, struct{}]
	// empty is closed whenever nothing is in flight
	empty  chan struct{}
	closed bool

	// sendLock serializes the hand off to the producer
	sendLock    sync.Mutex
	inputClosed bool

	slots     chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPublisher returns a publisher writing to topic through producer, which it owns from now on.
// The producer must be configured to return successes and errors.
func NewPublisher(producer sarama.AsyncProducer, topic string, inputOpts ...Option) (*Publisher, error) {
	opts := defaultOptions()
	for _, o := range inputOpts {
		if err := o(opts); err != nil {
			return nil, err
		}
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if opts.bufferSize <= 0 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", opts.bufferSize)
	}
	if opts.maxRetries < 0 {
		return nil, fmt.Errorf("max retries can not be negative, got %d", opts.maxRetries)
	}
	delivered, err := lru.New[string, struct{}](opts.dedupCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create idempotency key cache, %w", err)
	}
	if opts.logger == nil {
		opts.logger = logging.NewLogger()
	}
	empty := make(chan struct{})
	close(empty)
	p := &Publisher{
		topic:     topic,
		producer:  producer,
		opts:      opts,
		log:       opts.logger.Named("publisher").With("topic", topic),
		inflight:  make(map[string]*pending),
		delivered: delivered,
		empty:     empty,
		slots:     make(chan struct{}, opts.bufferSize),
		closing:   make(chan struct{}),
	}
	p.wg.Add(2)
	go p.handleSuccesses()
	go p.handleErrors()
	return p, nil
}

// NewKafkaPublisher creates an async producer for the brokers and returns a publisher owning it.
func NewKafkaPublisher(brokers []string, topic string, config *sarama.Config, opts ...Option) (*Publisher, error) {
	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer. %w", err)
	}
	p, err := NewPublisher(producer, topic, opts...)
	if err != nil {
		_ = producer.Close()
		return nil, err
	}
	return p, nil
}

// Topic returns the topic written to.
func (p *Publisher) Topic() string {
	return p.topic
}

// Inflight returns the number of records waiting for a delivery report.
func (p *Publisher) Inflight() int {
	p.stateLock.Lock()
	defer p.stateLock.Unlock()
	return len(p.inflight)
}

// lookup returns the ack of a key that is in flight or already delivered. Must hold stateLock.
func (p *Publisher) lookup(key string) (*Ack, bool) {
	if pend, ok := p.inflight[key]; ok {
		return pend.ack, true
	}
	if p.delivered.Contains(key) {
		return duplicateAck(key), true
	}
	return nil, false
}

// Publish sends rec and returns its Ack. Publishing a record whose idempotency key is in flight returns
// the ack of that send; publishing one that was already delivered returns a resolved duplicate ack.
// An error is returned, and nothing is sent, if the record can not be encoded, ctx is done before the
// record could be handed off, or the publisher is closed.
func (p *Publisher) Publish(ctx context.Context, rec records.Record) (*Ack, error) {
	key := rec.IdempotencyKey()
	p.stateLock.Lock()
	if p.closed {
		p.stateLock.Unlock()
		return nil, ErrClosed
	}
	if ack, ok := p.lookup(key); ok {
		p.stateLock.Unlock()
		duplicateCount.WithLabelValues(p.topic).Inc()
		return ack, nil
	}
	p.stateLock.Unlock()

	payload, err := records.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record %s, %w", key, err)
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.stateLock.Lock()
	if p.closed {
		p.stateLock.Unlock()
		<-p.slots
		return nil, ErrClosed
	}
	// another caller may have sent the same key while this one waited for a slot
	if ack, ok := p.lookup(key); ok {
		p.stateLock.Unlock()
		<-p.slots
		duplicateCount.WithLabelValues(p.topic).Inc()
		return ack, nil
	}
	pend := &pending{rec: rec, key: key, payload: payload, ack: newAck(key), attempts: 1}
	if len(p.inflight) == 0 {
		p.empty = make(chan struct{})
	}
	p.inflight[key] = pend
	p.stateLock.Unlock()
	inflightGauge.WithLabelValues(p.topic).Inc()

	if err := p.send(ctx, pend); err != nil {
		p.finish(pend, -1, -1, err)
		return nil, err
	}
	return pend.ack, nil
}

func (p *Publisher) message(pend *pending) *sarama.ProducerMessage {
	return &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(pend.rec.PartitionKey()),
		Value: sarama.ByteEncoder(pend.payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderIdempotencyKey), Value: []byte(pend.key)},
		},
		Metadata: pend,
	}
}

// send hands the record to the producer.
func (p *Publisher) send(ctx context.Context, pend *pending) error {
	p.sendLock.Lock()
	defer p.sendLock.Unlock()
	if p.inputClosed {
		return ErrClosed
	}
	select {
	case p.producer.Input() <- p.message(pend):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resend hands a failed record to the producer again after the retry backoff.
func (p *Publisher) resend(pend *pending) {
	defer p.wg.Done()
	if d := p.opts.retryBackoff; d > 0 {
		timer := p.opts.clock.Timer(d)
		select {
		case <-timer.C:
		case <-p.closing:
			timer.Stop()
			p.finish(pend, -1, -1, ErrClosed)
			return
		}
	}
	p.sendLock.Lock()
	defer p.sendLock.Unlock()
	if p.inputClosed {
		p.finish(pend, -1, -1, ErrClosed)
		return
	}
	p.producer.Input() <- p.message(pend)
}

func (p *Publisher) handleSuccesses() {
	defer p.wg.Done()
	for msg := range p.producer.Successes() {
		pend, ok := msg.Metadata.(*pending)
		if !ok {
			p.log.Errorw("Delivery report for an unknown message", zap.Int32("partition", msg.Partition), zap.Int64("offset", msg.Offset))
			continue
		}
		writeCount.WithLabelValues(p.topic).Inc()
		p.finish(pend, msg.Partition, msg.Offset, nil)
	}
}

func (p *Publisher) handleErrors() {
	defer p.wg.Done()
	for perr := range p.producer.Errors() {
		var pend *pending
		if perr.Msg != nil {
			pend, _ = perr.Msg.Metadata.(*pending)
		}
		if pend == nil {
			p.log.Errorw("Producer error for an unknown message", zap.Error(perr.Err))
			continue
		}
		if pend.attempts <= p.opts.maxRetries && !p.isClosed() {
			pend.attempts++
			retryCount.WithLabelValues(p.topic).Inc()
			p.log.Warnw("Delivery failed, retrying", zap.String("key", pend.key), zap.Int("attempt", pend.attempts), zap.Error(perr.Err))
			// resend asynchronously, the producer may be waiting on this loop to accept more input
			p.wg.Add(1)
			go p.resend(pend)
			continue
		}
		deliveryErrorCount.WithLabelValues(p.topic).Inc()
		p.log.Errorw("Failed to deliver record", zap.String("key", pend.key), zap.Int("attempts", pend.attempts), zap.Error(perr.Err))
		p.finish(pend, -1, -1, perr.Err)
	}
}

func (p *Publisher) isClosed() bool {
	p.stateLock.Lock()
	defer p.stateLock.Unlock()
	return p.closed
}

// finish resolves the ack of a pending record and frees its slot.
func (p *Publisher) finish(pend *pending, partition int32, offset int64, err error) {
	p.stateLock.Lock()
	if p.inflight[pend.key] != pend {
		p.stateLock.Unlock()
		return
	}
	delete(p.inflight, pend.key)
	if err == nil {
		p.delivered.Add(pend.key, struct{}{})
	}
	if len(p.inflight) == 0 {
		close(p.empty)
	}
	p.stateLock.Unlock()
	<-p.slots
	inflightGauge.WithLabelValues(p.topic).Dec()
	pend.ack.resolve(partition, offset, err)
}

// Drain waits until every record in flight has been resolved, or the timeout expires. On timeout it
// returns the records still in flight with ErrDrainIncomplete.
func (p *Publisher) Drain(timeout time.Duration) ([]records.Record, error) {
	p.stateLock.Lock()
	empty := p.empty
	p.stateLock.Unlock()

	timer := p.opts.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case <-empty:
		return nil, nil
	case <-timer.C:
	}

	p.stateLock.Lock()
	defer p.stateLock.Unlock()
	if len(p.inflight) == 0 {
		return nil, nil
	}
	left := make([]records.Record, 0, len(p.inflight))
	for _, pend := range p.inflight {
		left = append(left, pend.rec)
	}
	p.log.Warnw("Drain timed out", zap.Int("inflight", len(left)), zap.Duration("timeout", timeout))
	return left, ErrDrainIncomplete
}

// Close shuts the producer down and resolves the acks of records still in flight with ErrClosed.
// Call Drain first to give them a chance to be delivered. It is safe to call more than once.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		p.log.Info("Closing kafka producer...")
		p.stateLock.Lock()
		p.closed = true
		p.stateLock.Unlock()
		p.sendLock.Lock()
		p.inputClosed = true
		close(p.closing)
		p.sendLock.Unlock()

		p.producer.AsyncClose()
		p.wg.Wait()

		p.stateLock.Lock()
		left := make([]*pending, 0, len(p.inflight))
		for _, pend := range p.inflight {
			left = append(left, pend)
		}
		p.stateLock.Unlock()
		for _, pend := range left {
			p.finish(pend, -1, -1, ErrClosed)
		}
		p.log.Info("Kafka producer closed")
	})
	return nil
}
