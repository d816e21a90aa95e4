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

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/numaproj/tradewatch"
	"github.com/numaproj/tradewatch/pkg/config"
	"github.com/numaproj/tradewatch/pkg/detect"
	"github.com/numaproj/tradewatch/pkg/feed"
	"github.com/numaproj/tradewatch/pkg/metrics"
	"github.com/numaproj/tradewatch/pkg/pipeline"
	"github.com/numaproj/tradewatch/pkg/publish"
	"github.com/numaproj/tradewatch/pkg/shared/logging"
	"github.com/numaproj/tradewatch/pkg/shared/util"
	"github.com/numaproj/tradewatch/pkg/window"
)

// EnvConfig names the configuration file when --config is not given.
const EnvConfig = "TRADEWATCH_CONFIG"

// commonFlags are shared by the commands that run a pipeline.
type commonFlags struct {
	configPath string
	symbols    []string
	brokers    []string
}

func (f *commonFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.configPath, "config", util.LookupEnvStringOr(EnvConfig, ""), "Path of a YAML configuration file, reloaded on change; defaults to $"+EnvConfig)
	cmd.Flags().StringSliceVar(&f.symbols, "symbols", nil, "Instrument symbols to subscribe to, e.g. BTCUSDT,ETHUSDT")
	cmd.Flags().StringSliceVar(&f.brokers, "brokers", nil, "Kafka bootstrap brokers")
}

// load reads the configuration, flags win over the file and the environment.
func (f *commonFlags) load() (*config.Config, error) {
	conf, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if len(f.symbols) > 0 {
		conf.Symbols = util.NormalizeSymbols(f.symbols, feed.DefaultSymbols)
	}
	if len(f.brokers) > 0 {
		conf.Kafka.Brokers = f.brokers
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// watchRules replaces the rules of detector whenever the configuration file changes.
func (f *commonFlags) watchRules(detector *detect.Detector, log *zap.SugaredLogger) error {
	if f.configPath == "" {
		return nil
	}
	_, err := config.Watch(f.configPath, func(conf *config.Config) {
		rules, err := conf.Detector.BuildRules(detect.WithRuleLogger(log))
		if err != nil {
			log.Errorw("Ignoring invalid detector rules", zap.Error(err))
			return
		}
		detector.Replace(rules...)
		log.Infow("Detector rules reloaded", zap.Strings("rules", detector.Rules()))
	}, func(err error) {
		log.Errorw("Failed to reload configuration", zap.Error(err))
	})
	return err
}

// signalContext returns a context canceled on SIGINT or SIGTERM, carrying the logger.
func signalContext(parent context.Context, log *zap.SugaredLogger) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	return logging.WithLogger(ctx, log), stop
}

func newLogger(conf *config.Config, component string) *zap.SugaredLogger {
	v := tradewatch.GetVersion()
	metrics.BuildInfo.WithLabelValues(component, v.Version, v.Platform).Set(1)
	log := logging.NewLoggerWithLevel(conf.Log.Level).Named(component)
	log.Infow("Starting", zap.String("version", v.Version), zap.Strings("symbols", conf.Symbols), zap.Strings("brokers", conf.Kafka.Brokers))
	return log
}

func publisherOptions(conf *config.Config, log *zap.SugaredLogger) []publish.Option {
	return []publish.Option{
		publish.WithBufferSize(conf.Publisher.BufferSize),
		publish.WithMaxRetries(conf.Publisher.MaxRetries),
		publish.WithRetryBackoff(conf.Publisher.RetryBackoff),
		publish.WithDedupCapacity(conf.Publisher.DedupCapacity),
		publish.WithLogger(log),
	}
}

func newPublisher(conf *config.Config, topic string, log *zap.SugaredLogger) (*publish.Publisher, error) {
	producerConfig, err := util.NewProducerConfig(conf.Kafka.Options())
	if err != nil {
		return nil, err
	}
	p, err := publish.NewKafkaPublisher(conf.Kafka.Brokers, topic, producerConfig, publisherOptions(conf, log)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher for topic %q, %w", topic, err)
	}
	return p, nil
}

func pipelineOptions(conf *config.Config, log *zap.SugaredLogger) []pipeline.Option {
	return []pipeline.Option{
		pipeline.WithWorkers(conf.Window.Workers),
		pipeline.WithFlushOnShutdown(conf.Window.FlushOnShutdown),
		pipeline.WithDrainTimeout(conf.Publisher.DrainTimeout),
		pipeline.WithRequireInitialConnection(conf.Feed.RequireInitialConnection),
		pipeline.WithFeedOptions(
			feed.WithPingInterval(conf.Feed.PingInterval),
			feed.WithPongTimeout(conf.Feed.PongTimeout),
			feed.WithBackoff(conf.Feed.Backoff.Initial, conf.Feed.Backoff.Max),
			feed.WithUserAgent(CLIName+"/"+tradewatch.GetVersion().Version),
		),
		pipeline.WithLogger(log),
	}
}

// newDetectPipeline builds the engine, the detector and the alert publisher.
func newDetectPipeline(f *commonFlags, conf *config.Config, log *zap.SugaredLogger) (*pipeline.DetectPipeline, error) {
	engine, err := window.NewEngine(
		window.WithWindowSize(conf.Window.Size),
		window.WithAllowedLateness(conf.Window.AllowedLateness),
		window.WithShards(conf.Window.Shards),
		window.WithIdleTimeout(conf.Window.IdleTimeout),
		window.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	rules, err := conf.Detector.BuildRules(detect.WithRuleLogger(log))
	if err != nil {
		return nil, err
	}
	detector := detect.NewDetector(rules...)
	if err := f.watchRules(detector, log); err != nil {
		return nil, err
	}
	alerts, err := newPublisher(conf, conf.Kafka.AlertsTopic, log)
	if err != nil {
		return nil, err
	}
	p, err := pipeline.NewDetectPipeline(engine, detector, alerts, pipelineOptions(conf, log)...)
	if err != nil {
		_ = alerts.Close()
		return nil, err
	}
	return p, nil
}

// startMetrics starts the metrics server unless it is disabled. The returned function stops it.
func startMetrics(ctx context.Context, conf *config.Config, checkers ...metrics.HealthChecker) (func(), error) {
	if conf.Metrics.Port == 0 {
		return func() {}, nil
	}
	shutdown, err := metrics.NewMetricsServer(
		metrics.WithPort(conf.Metrics.Port),
		metrics.WithTLS(conf.Metrics.TLS),
		metrics.WithHealthCheckers(checkers...),
	).Start(ctx)
	if err != nil {
		return nil, err
	}
	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logging.FromContext(ctx).Warnw("Failed to stop metrics server", zap.Error(err))
		}
	}, nil
}
