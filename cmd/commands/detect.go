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
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/numaproj/tradewatch/pkg/metrics"
	"github.com/numaproj/tradewatch/pkg/shared/util"
	"github.com/numaproj/tradewatch/pkg/sources/kafka"
)

func NewDetectCommand() *cobra.Command {
	flags := &commonFlags{}
	command := &cobra.Command{
		Use:   "detect",
		Short: "Consume the trades topic, window the trades and publish alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := flags.load()
			if err != nil {
				return err
			}
			log := newLogger(conf, "detect")
			defer func() { _ = log.Sync() }()
			ctx, stop := signalContext(context.Background(), log)
			defer stop()

			p, err := newDetectPipeline(flags, conf, log)
			if err != nil {
				return err
			}
			consumerConfig, err := util.NewConsumerConfig(conf.Kafka.Options(), conf.Kafka.FromOldest)
			if err != nil {
				return multierr.Combine(err, p.Shutdown())
			}
			src, err := kafka.NewTradeSource(conf.Kafka.Brokers, conf.Kafka.TradesTopic, conf.Kafka.GroupID, consumerConfig, p, kafka.WithLogger(log))
			if err != nil {
				return multierr.Combine(err, p.Shutdown())
			}
			stopMetrics, err := startMetrics(ctx, conf, metrics.HealthCheckerFunc(func(ctx context.Context) error {
				select {
				case <-src.Ready():
					return nil
				default:
					return errors.New("consumer group session not set up yet")
				}
			}))
			if err != nil {
				return multierr.Combine(err, src.Close(), p.Shutdown())
			}
			defer stopMetrics()
			return p.Run(ctx, src)
		},
	}
	flags.register(command)
	return command
}
