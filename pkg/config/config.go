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

// Package config loads the tradewatch configuration from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/numaproj/tradewatch/pkg/detect"
	"github.com/numaproj/tradewatch/pkg/feed"
	"github.com/numaproj/tradewatch/pkg/shared/util"
)

// EnvPrefix prefixes the environment overrides, e.g. TRADEWATCH_WINDOW_SIZE overrides window.size.
const EnvPrefix = "TRADEWATCH"

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid config")

// legacyEnv maps keys to the environment variable names used by earlier deployments.
var legacyEnv = map[string]string{
	"symbols":              "BINANCE_SYMBOLS",
	"feed.url":             "BINANCE_STREAM_URL",
	"kafka.brokers":        "KAFKA_BOOTSTRAP_SERVERS",
	"kafka.tradesTopic":    "KAFKA_TRADES_TOPIC",
	"kafka.alertsTopic":    "KAFKA_ALERTS_TOPIC",
	"kafka.sasl.user":      "KAFKA_USERNAME",
	"kafka.sasl.password":  "KAFKA_PASSWORD",
	"kafka.sasl.mechanism": "KAFKA_SASL_MECHANISM",
}

type Config struct {
	Symbols   []string        `mapstructure:"symbols"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Window    WindowConfig    `mapstructure:"window"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

type FeedConfig struct {
	// URL overrides the stream URL built from the symbols.
	URL          string        `mapstructure:"url"`
	PingInterval time.Duration `mapstructure:"pingInterval"`
	PongTimeout  time.Duration `mapstructure:"pongTimeout"`
	Backoff      BackoffConfig `mapstructure:"backoff"`
	// RequireInitialConnection fails startup when the first dial fails instead of retrying.
	RequireInitialConnection bool `mapstructure:"requireInitialConnection"`
}

type BackoffConfig struct {
	Initial time.Duration `mapstructure:"initial"`
	Max     time.Duration `mapstructure:"max"`
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	ClientID    string   `mapstructure:"clientID"`
	Version     string   `mapstructure:"version"`
	TradesTopic string   `mapstructure:"tradesTopic"`
	AlertsTopic string   `mapstructure:"alertsTopic"`
	GroupID     string   `mapstructure:"groupID"`
	// FromOldest starts a new consumer group at the oldest retained trade.
	FromOldest bool `mapstructure:"fromOldest"`
	// Config is a sarama config YAML document applied before the tradewatch settings.
	Config string     `mapstructure:"config"`
	TLS    *util.TLS  `mapstructure:"tls"`
	SASL   *util.SASL `mapstructure:"sasl"`
}

// Options returns the options used to build sarama configs.
func (k KafkaConfig) Options() util.KafkaOptions {
	return util.KafkaOptions{
		ClientID: k.ClientID,
		Version:  k.Version,
		Config:   k.Config,
		TLS:      k.TLS,
		SASL:     k.SASL,
	}
}

type PublisherConfig struct {
	BufferSize    int           `mapstructure:"bufferSize"`
	MaxRetries    int           `mapstructure:"maxRetries"`
	RetryBackoff  time.Duration `mapstructure:"retryBackoff"`
	DedupCapacity int           `mapstructure:"dedupCapacity"`
	DrainTimeout  time.Duration `mapstructure:"drainTimeout"`
}

type WindowConfig struct {
	Size            time.Duration `mapstructure:"size"`
	AllowedLateness time.Duration `mapstructure:"allowedLateness"`
	Shards          int           `mapstructure:"shards"`
	IdleTimeout     time.Duration `mapstructure:"idleTimeout"`
	// Workers is the number of goroutines trades are routed to, keyed by instrument.
	Workers         int  `mapstructure:"workers"`
	FlushOnShutdown bool `mapstructure:"flushOnShutdown"`
}

type DetectorConfig struct {
	VolumeThreshold string       `mapstructure:"volumeThreshold"`
	Rules           []RuleConfig `mapstructure:"rules"`
}

// RuleConfig is an expression rule, see detect.NewExprRule.
type RuleConfig struct {
	Signal     string `mapstructure:"signal"`
	Expression string `mapstructure:"expression"`
}

// BuildRules returns the volume spike rule followed by the configured expression rules. Signals must be
// unique: alerts of one window are told apart by their signal only.
func (d DetectorConfig) BuildRules(opts ...detect.RuleOption) ([]detect.Rule, error) {
	threshold, err := decimal.NewFromString(d.VolumeThreshold)
	if err != nil {
		return nil, fmt.Errorf("%w: detector.volumeThreshold %q, %v", ErrInvalid, d.VolumeThreshold, err)
	}
	rules := []detect.Rule{detect.VolumeSpike(threshold)}
	signals := map[string]struct{}{detect.SignalVolumeSpike: {}}
	for _, rc := range d.Rules {
		if _, ok := signals[rc.Signal]; ok {
			return nil, fmt.Errorf("%w: detector.rules, duplicate signal %q", ErrInvalid, rc.Signal)
		}
		signals[rc.Signal] = struct{}{}
		r, err := detect.NewExprRule(rc.Signal, rc.Expression, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: detector.rules, %v", ErrInvalid, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

type MetricsConfig struct {
	// Port of the metrics and health server, 0 disables it.
	Port int `mapstructure:"port"`
	// TLS serves the metrics over HTTPS with a self-signed certificate.
	TLS bool `mapstructure:"tls"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// SetDefaults registers the default of every key. Keys must be known to viper for env overrides to
// reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}
	v.SetDefault("symbols", feed.DefaultSymbols)
	v.SetDefault("feed.url", "")
	v.SetDefault("feed.pingInterval", 20*time.Second)
	v.SetDefault("feed.pongTimeout", 10*time.Second)
	v.SetDefault("feed.backoff.initial", time.Second)
	v.SetDefault("feed.backoff.max", time.Minute)
	v.SetDefault("feed.requireInitialConnection", false)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.clientID", "tradewatch-"+host)
	v.SetDefault("kafka.version", "")
	v.SetDefault("kafka.tradesTopic", "trades.raw")
	v.SetDefault("kafka.alertsTopic", "signals.alerts")
	v.SetDefault("kafka.groupID", "tradewatch-detector")
	v.SetDefault("kafka.fromOldest", false)
	v.SetDefault("kafka.config", "")
	v.SetDefault("kafka.tls.enabled", false)
	v.SetDefault("kafka.tls.caCertFile", "")
	v.SetDefault("kafka.tls.certFile", "")
	v.SetDefault("kafka.tls.keyFile", "")
	v.SetDefault("kafka.tls.insecureSkipVerify", false)
	v.SetDefault("kafka.sasl.mechanism", "PLAIN")
	v.SetDefault("kafka.sasl.user", "")
	v.SetDefault("kafka.sasl.password", "")
	v.SetDefault("kafka.sasl.handshake", true)

	v.SetDefault("publisher.bufferSize", 10000)
	v.SetDefault("publisher.maxRetries", 2)
	v.SetDefault("publisher.retryBackoff", 100*time.Millisecond)
	v.SetDefault("publisher.dedupCapacity", 100000)
	v.SetDefault("publisher.drainTimeout", 10*time.Second)

	v.SetDefault("window.size", 10*time.Second)
	v.SetDefault("window.allowedLateness", 5*time.Second)
	v.SetDefault("window.shards", 16)
	v.SetDefault("window.idleTimeout", time.Duration(0))
	v.SetDefault("window.workers", 4)
	v.SetDefault("window.flushOnShutdown", false)

	v.SetDefault("detector.volumeThreshold", detect.DefaultVolumeThreshold.String())
	v.SetDefault("detector.rules", []RuleConfig{})

	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.tls", false)
	v.SetDefault("log.level", "info")
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		// the prefixed name wins over the legacy one
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, err
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load configuration file %s. %w", path, err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("failed unmarshal configuration. %w", err)
	}
	conf.normalize()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Load reads the configuration. An empty path uses defaults and the environment only.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watcher holds a configuration file that is reloaded when it changes.
type Watcher struct {
	conf *Config
	lock *sync.RWMutex
}

// Watch loads the configuration file at path and reloads it on every change. onChange receives each
// valid reloaded config; onErrorReloading receives the reasons a reload was rejected.
func Watch(path string, onChange func(*Config), onErrorReloading func(error)) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("a configuration file is required to watch")
	}
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	conf, err := decode(v)
	if err != nil {
		return nil, err
	}
	w := &Watcher{conf: conf, lock: new(sync.RWMutex)}
	v.OnConfigChange(func(e fsnotify.Event) {
		cf, err := decode(v)
		if err != nil {
			if onErrorReloading != nil {
				onErrorReloading(fmt.Errorf("reloading %s: %w", e.Name, err))
			}
			return
		}
		w.lock.Lock()
		w.conf = cf
		w.lock.Unlock()
		if onChange != nil {
			onChange(cf)
		}
	})
	v.WatchConfig()
	return w, nil
}

// Config returns the latest valid configuration.
func (w *Watcher) Config() *Config {
	w.lock.RLock()
	defer w.lock.RUnlock()
	return w.conf
}

func (c *Config) normalize() {
	c.Symbols = util.NormalizeSymbols(c.Symbols, feed.DefaultSymbols)
	brokers := make([]string, 0, len(c.Kafka.Brokers))
	for _, b := range c.Kafka.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	c.Kafka.Brokers = brokers
	c.Kafka.TradesTopic = strings.TrimSpace(c.Kafka.TradesTopic)
	c.Kafka.AlertsTopic = strings.TrimSpace(c.Kafka.AlertsTopic)
}

// Validate checks the values the components cannot default on their own.
func (c *Config) Validate() error {
	switch {
	case len(c.Kafka.Brokers) == 0:
		return fmt.Errorf("%w: kafka.brokers is empty", ErrInvalid)
	case c.Kafka.TradesTopic == "":
		return fmt.Errorf("%w: kafka.tradesTopic is empty", ErrInvalid)
	case c.Kafka.AlertsTopic == "":
		return fmt.Errorf("%w: kafka.alertsTopic is empty", ErrInvalid)
	case c.Kafka.GroupID == "":
		return fmt.Errorf("%w: kafka.groupID is empty", ErrInvalid)
	case c.Feed.PingInterval <= 0 || c.Feed.PongTimeout <= 0:
		return fmt.Errorf("%w: feed.pingInterval and feed.pongTimeout must be positive", ErrInvalid)
	case c.Feed.Backoff.Initial <= 0 || c.Feed.Backoff.Max < c.Feed.Backoff.Initial:
		return fmt.Errorf("%w: feed.backoff [%v, %v]", ErrInvalid, c.Feed.Backoff.Initial, c.Feed.Backoff.Max)
	case c.Publisher.BufferSize <= 0:
		return fmt.Errorf("%w: publisher.bufferSize must be positive", ErrInvalid)
	case c.Publisher.MaxRetries < 0:
		return fmt.Errorf("%w: publisher.maxRetries must not be negative", ErrInvalid)
	case c.Publisher.DrainTimeout < 0:
		return fmt.Errorf("%w: publisher.drainTimeout must not be negative", ErrInvalid)
	case c.Window.Size <= 0 || c.Window.Size%time.Millisecond != 0:
		return fmt.Errorf("%w: window.size %v must be a positive number of milliseconds", ErrInvalid, c.Window.Size)
	case c.Window.AllowedLateness < 0:
		return fmt.Errorf("%w: window.allowedLateness must not be negative", ErrInvalid)
	case c.Window.Shards <= 0:
		return fmt.Errorf("%w: window.shards must be positive", ErrInvalid)
	case c.Window.Workers <= 0:
		return fmt.Errorf("%w: window.workers must be positive", ErrInvalid)
	case c.Window.IdleTimeout < 0:
		return fmt.Errorf("%w: window.idleTimeout must not be negative", ErrInvalid)
	case c.Metrics.Port < 0 || c.Metrics.Port > 65535:
		return fmt.Errorf("%w: metrics.port %d", ErrInvalid, c.Metrics.Port)
	}
	if _, err := c.Detector.BuildRules(); err != nil {
		return err
	}
	return nil
}
