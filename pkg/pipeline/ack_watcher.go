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
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/numaproj/tradewatch/pkg/publish"
)

// ackWatcher reports delivery outcomes off the hot path. Acks are reported in the order they were
// watched; a full buffer blocks watch, which slows the producer down to the delivery rate.
type ackWatcher struct {
	topic     string
	acks      chan *publish.Ack
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	log       *zap.SugaredLogger
}

func newAckWatcher(topic string, size int, log *zap.SugaredLogger) *ackWatcher {
	return &ackWatcher{
		topic: topic,
		acks:  make(chan *publish.Ack, size),
		done:  make(chan struct{}),
		log:   log.With(zap.String("topic", topic)),
	}
}

func (w *ackWatcher) start() {
	w.startOnce.Do(func() {
		go func() {
			defer close(w.done)
			for ack := range w.acks {
				<-ack.Done()
				w.report(ack)
			}
		}()
	})
}

// watch queues the ack for reporting. It gives up when ctx is done.
func (w *ackWatcher) watch(ctx context.Context, ack *publish.Ack) {
	select {
	case w.acks <- ack:
	case <-ctx.Done():
	}
}

// stop waits for the watched acks to be reported. The publisher must be closed first, so that every
// ack resolves.
func (w *ackWatcher) stop() {
	w.stopOnce.Do(func() {
		w.start()
		close(w.acks)
		<-w.done
	})
}

func (w *ackWatcher) report(ack *publish.Ack) {
	err := ack.Err()
	switch {
	case err == nil && ack.Duplicate():
		w.log.Debugw("Record already delivered", zap.String("key", ack.Key()))
	case err == nil:
		w.log.Debugw("Record delivered", zap.String("key", ack.Key()), zap.Int32("partition", ack.Partition()), zap.Int64("offset", ack.Offset()))
	case errors.Is(err, publish.ErrClosed):
		ackErrorCount.WithLabelValues(w.topic).Inc()
		w.log.Warnw("Record not delivered before close", zap.String("key", ack.Key()))
	default:
		ackErrorCount.WithLabelValues(w.topic).Inc()
		w.log.Errorw("Record delivery failed", zap.String("key", ack.Key()), zap.Error(err))
	}
}
