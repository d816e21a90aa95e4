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
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/numaproj/tradewatch/pkg/feed"
	"github.com/numaproj/tradewatch/pkg/records"
	"github.com/numaproj/tradewatch/pkg/shared/logging"
)

// IngestPipeline reads trades from the exchange feed and publishes them to the trades topic. The read
// loop never waits for delivery; acks are reported in the background.
type IngestPipeline struct {
	listener *feed.Listener
	trades   Publisher
	detect   *DetectPipeline
	watcher  *ackWatcher
	opts     *options
	log      *zap.SugaredLogger

	runOnce sync.Once
}

// NewIngestPipeline returns an ingest pipeline for the symbols, see feed.NewListener for url and symbols.
// It owns trades and closes it on shutdown.
func NewIngestPipeline(url string, symbols []string, trades Publisher, inputOpts ...Option) (*IngestPipeline, error) {
	if trades == nil {
		return nil, errors.New("trade publisher is required")
	}
	opts := defaultOptions()
	for _, o := range inputOpts {
		if err := o(opts); err != nil {
			return nil, err
		}
	}
	if opts.logger == nil {
		opts.logger = logging.NewLogger()
	}
	log := opts.logger.Named("ingest-pipeline")
	p := &IngestPipeline{
		trades:  trades,
		detect:  opts.detect,
		watcher: newAckWatcher(trades.Topic(), opts.ackBuffer, log),
		opts:    opts,
		log:     log,
	}
	feedOpts := append([]feed.Option{feed.WithLogger(opts.logger)}, opts.feedOpts...)
	listener, err := feed.NewListener(url, symbols, p, feedOpts...)
	if err != nil {
		return nil, err
	}
	p.listener = listener
	return p, nil
}

// Listener returns the feed listener, e.g. for health checks.
func (p *IngestPipeline) Listener() *feed.Listener {
	return p.listener
}

// Accept publishes the trade and hands it to the in-process detect pipeline, if any.
func (p *IngestPipeline) Accept(ctx context.Context, t records.TradeRecord) error {
	ack, err := p.trades.Publish(ctx, t)
	if err != nil {
		publishErrorCount.WithLabelValues(p.trades.Topic()).Inc()
		return fmt.Errorf("failed to publish trade %s, %w", t.IdempotencyKey(), err)
	}
	p.watcher.watch(ctx, ack)
	if p.detect != nil {
		if err := p.detect.Handle(ctx, t); err != nil {
			return fmt.Errorf("failed to route trade %s, %w", t.IdempotencyKey(), err)
		}
	}
	return nil
}

// Run reads the feed until ctx is done, then shuts down. With WithRequireInitialConnection a failed
// first dial is returned, after the publishers have been closed.
func (p *IngestPipeline) Run(ctx context.Context) error {
	var err error
	p.runOnce.Do(func() {
		err = p.run(ctx)
	})
	return err
}

func (p *IngestPipeline) run(ctx context.Context) error {
	p.log.Infow("Starting ingest pipeline", zap.String("url", p.listener.URL()), zap.Strings("symbols", p.listener.Symbols()))
	p.watcher.start()
	if p.detect != nil {
		p.detect.Start()
	}
	var err error
	if p.opts.requireInitialConnection {
		if dErr := p.listener.Dial(ctx); dErr != nil {
			err = fmt.Errorf("initial feed connection failed, %w", dErr)
			p.listener.Stop()
		}
	}
	if err == nil {
		<-p.listener.Start(ctx)
	}
	return multierr.Append(err, p.shutdown())
}

func (p *IngestPipeline) shutdown() error {
	p.log.Info("Shutting down ingest pipeline...")
	var err error
	left, dErr := p.trades.Drain(p.opts.drainTimeout)
	if dErr != nil {
		undeliveredCount.WithLabelValues(p.trades.Topic()).Add(float64(len(left)))
		err = multierr.Append(err, fmt.Errorf("failed to drain trades, %d left, %w", len(left), dErr))
	}
	if cErr := p.trades.Close(); cErr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to close trade publisher, %w", cErr))
	}
	p.watcher.stop()
	if p.detect != nil {
		err = multierr.Append(err, p.detect.Shutdown())
	}
	p.log.Info("Ingest pipeline stopped")
	return err
}
