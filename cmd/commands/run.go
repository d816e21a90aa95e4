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

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/numaproj/tradewatch/pkg/pipeline"
)

func NewRunCommand() *cobra.Command {
	flags := &commonFlags{}
	command := &cobra.Command{
		Use:   "run",
		Short: "Ingest, publish and detect in one process",
		Long: "Run reads trades from the exchange feed, publishes them to the trades topic and windows them " +
			"in the same process, without consuming the trades topic back.",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := flags.load()
			if err != nil {
				return err
			}
			log := newLogger(conf, "run")
			defer func() { _ = log.Sync() }()
			ctx, stop := signalContext(context.Background(), log)
			defer stop()

			dp, err := newDetectPipeline(flags, conf, log)
			if err != nil {
				return err
			}
			trades, err := newPublisher(conf, conf.Kafka.TradesTopic, log)
			if err != nil {
				return multierr.Append(err, dp.Shutdown())
			}
			opts := append(pipelineOptions(conf, log), pipeline.WithDetectPipeline(dp))
			p, err := pipeline.NewIngestPipeline(conf.Feed.URL, conf.Symbols, trades, opts...)
			if err != nil {
				_ = trades.Close()
				return multierr.Append(err, dp.Shutdown())
			}
			stopMetrics, err := startMetrics(ctx, conf, p.Listener())
			if err != nil {
				_ = trades.Close()
				return multierr.Append(err, dp.Shutdown())
			}
			defer stopMetrics()
			return p.Run(ctx)
		},
	}
	flags.register(command)
	return command
}
