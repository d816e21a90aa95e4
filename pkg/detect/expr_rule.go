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

package detect

import (
	"fmt"

	"github.com/antonmedv/expr/vm"
	"go.uber.org/zap"

	"github.com/numaproj/tradewatch/pkg/records"
	"github.com/numaproj/tradewatch/pkg/shared/expr"
	"github.com/numaproj/tradewatch/pkg/shared/logging"
)

// exprRule fires when a boolean expression over the window holds.
type exprRule struct {
	signal     string
	expression string
	program    *vm.Program
	log        *zap.SugaredLogger
}

// RuleOption configures an expression rule.
type RuleOption func(*exprRule)

// WithRuleLogger sets the logger runtime errors of the expression are reported to.
func WithRuleLogger(l *zap.SugaredLogger) RuleOption {
	return func(r *exprRule) {
		r.log = l
	}
}

// NewExprRule compiles a rule from a boolean expression. The expression sees volume, avgPrice (float),
// count, windowStart, windowEnd (int) and symbol, exchange (string), e.g.
//
//	volume > 5 && symbol == "BTCUSDT"
func NewExprRule(signal, expression string, opts ...RuleOption) (Rule, error) {
	if signal == "" {
		return nil, fmt.Errorf("rule %q has no signal", expression)
	}
	program, err := expr.CompileBool(expression, windowEnv(records.WindowResult{}))
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", signal, err)
	}
	r := &exprRule{signal: signal, expression: expression, program: program}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = logging.NewLogger()
	}
	r.log = r.log.With(zap.String("signal", signal))
	return r, nil
}

func (r *exprRule) Signal() string {
	return r.signal
}

// Evaluate treats a runtime error as the rule not firing. The error is counted and logged.
func (r *exprRule) Evaluate(w records.WindowResult) (records.AlertRecord, bool) {
	ok, err := expr.RunBool(r.program, windowEnv(w))
	if err != nil {
		ruleErrorCount.WithLabelValues(r.signal).Inc()
		r.log.Warnw("Failed to evaluate rule", zap.String("window", w.String()), zap.Error(err))
		return records.AlertRecord{}, false
	}
	if !ok {
		return records.AlertRecord{}, false
	}
	return records.NewAlert(w, r.signal), true
}

func (r *exprRule) String() string {
	return r.signal + ": " + r.expression
}

func windowEnv(w records.WindowResult) map[string]interface{} {
	return map[string]interface{}{
		"volume":      w.Volume.InexactFloat64(),
		"avgPrice":    w.AvgPrice.InexactFloat64(),
		"count":       int(w.Count),
		"symbol":      w.Symbol,
		"exchange":    w.Exchange,
		"windowStart": int(w.WindowStart),
		"windowEnd":   int(w.WindowEnd),
	}
}
