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

	"github.com/numaproj/tradewatch/pkg/pipeline"
)

func NewIngestCommand() *cobra.Command {
	flags := &commonFlags{}
	command := &cobra.Command{
		Use:   "ingest",
		Short: "Read trades from the exchange feed and publish them to the trades topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := flags.load()
			if err != nil {
				return err
			}
			log := newLogger(conf, "ingest")
			defer func() { _ = log.Sync() }()
			ctx, stop := signalContext(context.Background(), log)
			defer stop()

			trades, err := newPublisher(conf, conf.Kafka.TradesTopic, log)
			if err != nil {
				return err
			}
			p, err := pipeline.NewIngestPipeline(conf.Feed.URL, conf.Symbols, trades, pipelineOptions(conf, log)...)
			if err != nil {
				_ = trades.Close()
				return err
			}
			stopMetrics, err := startMetrics(ctx, conf, p.Listener())
			if err != nil {
				_ = trades.Close()
				return err
			}
			defer stopMetrics()
			return p.Run(ctx)
		},
	}
	flags.register(command)
	return command
}
