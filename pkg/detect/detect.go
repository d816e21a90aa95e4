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

// Package detect turns finalized window aggregates into alerts.
//
// A Rule is a pure function from a WindowResult to zero or one AlertRecord. A Detector evaluates an
// ordered list of rules and yields the alerts lazily, so the same window always yields the same alerts
// no matter how many times it is evaluated.
package detect

import (
	"iter"

	"github.com/shopspring/decimal"
	"go.uber.org/atomic"

	"github.com/numaproj/tradewatch/pkg/records"
)

// SignalVolumeSpike is raised when the volume of a window exceeds the threshold.
const SignalVolumeSpike = "volume_spike"

// DefaultVolumeThreshold is the volume above which VolumeSpike fires.
var DefaultVolumeThreshold = decimal.NewFromInt(1)

// Rule decides whether a window raises an alert.
type Rule interface {
	// Signal is the name of the alert the rule raises.
	Signal() string
	// Evaluate returns the alert for the window and true if the rule fires.
	Evaluate(w records.WindowResult) (records.AlertRecord, bool)
}

type volumeSpike struct {
	threshold decimal.Decimal
}

// VolumeSpike fires when the window volume is strictly greater than threshold.
func VolumeSpike(threshold decimal.Decimal) Rule {
	return volumeSpike{threshold: threshold}
}

func (v volumeSpike) Signal() string {
	return SignalVolumeSpike
}

func (v volumeSpike) Evaluate(w records.WindowResult) (records.AlertRecord, bool) {
	if !w.Volume.GreaterThan(v.threshold) {
		return records.AlertRecord{}, false
	}
	return records.NewAlert(w, SignalVolumeSpike), true
}

// Detector evaluates its rules in order. The rule set can be swapped while windows are being evaluated.
type Detector struct {
	rules *atomic.Pointer[[]Rule]
}

// NewDetector returns a detector over rules. Without rules it uses VolumeSpike with the default threshold.
func NewDetector(rules ...Rule) *Detector {
	d := &Detector{rules: atomic.NewPointer[[]Rule](nil)}
	d.Replace(rules...)
	return d
}

// Replace swaps the rule set. Iterations already in progress finish with the rules they started with.
func (d *Detector) Replace(rules ...Rule) {
	if len(rules) == 0 {
		rules = []Rule{VolumeSpike(DefaultVolumeThreshold)}
	}
	rules = append([]Rule(nil), rules...)
	d.rules.Store(&rules)
}

// Rules returns the signals of the rules, in evaluation order.
func (d *Detector) Rules() []string {
	rules := *d.rules.Load()
	signals := make([]string, 0, len(rules))
	for _, r := range rules {
		signals = append(signals, r.Signal())
	}
	return signals
}

// Evaluate yields the alerts raised for w. Rules are evaluated while the sequence is iterated, always
// against the rule set in place when Evaluate was called.
func (d *Detector) Evaluate(w records.WindowResult) iter.Seq[records.AlertRecord] {
	rules := *d.rules.Load()
	return func(yield func(records.AlertRecord) bool) {
		for _, r := range rules {
			alert, ok := r.Evaluate(w)
			if !ok {
				continue
			}
			if !yield(alert) {
				return
			}
		}
	}
}
