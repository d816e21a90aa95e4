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
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/numaproj/tradewatch/pkg/detect"
	"github.com/numaproj/tradewatch/pkg/records"
	"github.com/numaproj/tradewatch/pkg/shared/logging"
	"github.com/numaproj/tradewatch/pkg/window"
)

// DetectPipeline turns trades into alerts: router, windowing engine, detector, alert publisher.
type DetectPipeline struct {
	engine   *window.Engine
	detector *detect.Detector
	alerts   Publisher
	router   *router
	watcher  *ackWatcher
	opts     *options
	log      *zap.SugaredLogger

	// ctx bounds alert publishing, it is canceled once shutdown gives up on blocked publishes
	ctx    context.Context
	cancel context.CancelFunc

	workers     *errgroup.Group
	sweeper     *errgroup.Group
	sweepCancel context.CancelFunc
	startOnce   sync.Once

	// lock guards stopping against the queues being closed while a trade is routed
	lock         sync.RWMutex
	stopping     bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewDetectPipeline returns a detect pipeline. It owns alerts and closes it on shutdown.
func NewDetectPipeline(engine *window.Engine, detector *detect.Detector, alerts Publisher, inputOpts ...Option) (*DetectPipeline, error) {
	if engine == nil || detector == nil || alerts == nil {
		return nil, errors.New("engine, detector and alert publisher are required")
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
	log := opts.logger.Named("detect-pipeline")
	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), log))
	p := &DetectPipeline{
		engine:   engine,
		detector: detector,
		alerts:   alerts,
		router:   newRouter(opts.workers, opts.queueSize, engine.ShardOf),
		watcher:  newAckWatcher(alerts.Topic(), opts.ackBuffer, log),
		opts:     opts,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		workers:  new(errgroup.Group),
		sweeper:  new(errgroup.Group),
	}
	return p, nil
}

// Start starts the workers and the idle sweeper. It is safe to call more than once.
func (p *DetectPipeline) Start() {
	p.startOnce.Do(func() {
		p.log.Infow("Starting detect pipeline", zap.Int("workers", len(p.router.queues)), zap.Strings("rules", p.detector.Rules()))
		p.watcher.start()
		for i, q := range p.router.queues {
			i, q := i, q
			p.workers.Go(func() error {
				p.work(i, q)
				return nil
			})
		}
		sweepCtx, cancel := context.WithCancel(p.ctx)
		p.sweepCancel = cancel
		p.sweeper.Go(func() error {
			p.engine.Run(sweepCtx, p.emit)
			return nil
		})
	})
}

// Handle routes the trade to the worker of its instrument. It blocks while that worker's queue is full.
func (p *DetectPipeline) Handle(ctx context.Context, t records.TradeRecord) error {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.stopping {
		return ErrStopped
	}
	i := p.router.route(t)
	select {
	case p.router.queues[i] <- t:
		queueGauge.WithLabelValues(workerLabel(i)).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Accept is Handle, so the pipeline can be used as a feed sink.
func (p *DetectPipeline) Accept(ctx context.Context, t records.TradeRecord) error {
	return p.Handle(ctx, t)
}

func (p *DetectPipeline) work(i int, q <-chan records.TradeRecord) {
	gauge := queueGauge.WithLabelValues(workerLabel(i))
	for t := range q {
		gauge.Dec()
		results, _ := p.engine.Ingest(t)
		p.emit(results)
	}
}

// emit publishes the alerts of the closed windows.
func (p *DetectPipeline) emit(results []records.WindowResult) {
	for _, r := range results {
		p.log.Debugw("Window closed",
			zap.String("symbol", r.Symbol),
			zap.Int64("windowEnd", r.WindowEnd),
			zap.Int64("count", r.Count),
			zap.String("volume", r.Volume.String()))
		for alert := range p.detector.Evaluate(r) {
			alertCount.WithLabelValues(alert.Signal).Inc()
			p.log.Infow("Alert raised",
				zap.String("signal", alert.Signal),
				zap.String("symbol", alert.Symbol),
				zap.Int64("ts", alert.TS),
				zap.String("volume", alert.Volume.String()),
				zap.String("avgPrice", alert.AvgPrice.String()))
			ack, err := p.alerts.Publish(p.ctx, alert)
			if err != nil {
				publishErrorCount.WithLabelValues(p.alerts.Topic()).Inc()
				p.log.Errorw("Failed to publish alert", zap.String("key", alert.IdempotencyKey()), zap.Error(err))
				continue
			}
			p.watcher.watch(p.ctx, ack)
		}
	}
}

// Run starts the pipeline, consumes src until it stops, then shuts down.
func (p *DetectPipeline) Run(ctx context.Context, src Source) error {
	p.Start()
	<-src.Start(ctx)
	var err error
	if cErr := src.Close(); cErr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to close trade source, %w", cErr))
	}
	return multierr.Append(err, p.Shutdown())
}

// Shutdown stops accepting trades, lets the workers finish the queued ones, discards or flushes the open
// windows, drains and closes the alert publisher. The feeding source must be stopped first. It is safe
// to call more than once.
func (p *DetectPipeline) Shutdown() error {
	p.shutdownOnce.Do(func() {
		p.shutdownErr = p.shutdown()
	})
	return p.shutdownErr
}

func (p *DetectPipeline) shutdown() error {
	p.log.Info("Shutting down detect pipeline...")
	// a pipeline that was never started still drains and closes its publisher
	p.Start()
	// alert publishes still blocked after the drain timeout are abandoned
	abandon := time.AfterFunc(p.opts.drainTimeout, p.cancel)

	p.lock.Lock()
	p.stopping = true
	p.router.close()
	p.lock.Unlock()
	_ = p.workers.Wait()
	p.sweepCancel()
	_ = p.sweeper.Wait()

	if p.opts.flushOnShutdown {
		results := p.engine.Flush()
		p.log.Infow("Flushing open windows", zap.Int("windows", len(results)))
		p.emit(results)
	} else {
		n := p.engine.Discard()
		p.log.Infow("Discarded open windows", zap.Int("windows", n))
	}
	abandon.Stop()

	var err error
	left, dErr := p.alerts.Drain(p.opts.drainTimeout)
	if dErr != nil {
		undeliveredCount.WithLabelValues(p.alerts.Topic()).Add(float64(len(left)))
		err = multierr.Append(err, fmt.Errorf("failed to drain alerts, %d left, %w", len(left), dErr))
	}
	if cErr := p.alerts.Close(); cErr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to close alert publisher, %w", cErr))
	}
	p.cancel()
	p.watcher.stop()
	stats := p.engine.Stats()
	p.log.Infow("Detect pipeline stopped",
		zap.Int64("accepted", stats.Accepted),
		zap.Int64("lateDropped", stats.LateDropped),
		zap.Int64("duplicates", stats.Duplicates),
		zap.Int64("windowsEmitted", stats.Emitted))
	return err
}
