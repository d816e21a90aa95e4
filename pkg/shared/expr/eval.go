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

// Package expr compiles boolean expressions evaluated against a flat map of values.
package expr

import (
	"fmt"
	"strconv"

	"github.com/Masterminds/sprig/v3"
	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
)

var sprigFuncMap = sprig.GenericFuncMap()

// Env returns the evaluation environment: the given values plus the helper functions
// sprig, int, float and string.
func Env(values map[string]interface{}) map[string]interface{} {
	env := make(map[string]interface{}, len(values)+4)
	for k, v := range values {
		env[k] = v
	}
	env["sprig"] = sprigFuncMap
	env["int"] = _int
	env["float"] = _float
	env["string"] = _string
	return env
}

// CompileBool compiles an expression that must evaluate to a bool. The prototype values fix the
// types the expression is checked against.
func CompileBool(expression string, prototype map[string]interface{}) (*vm.Program, error) {
	program, err := expr.Compile(expression, expr.Env(Env(prototype)), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("unable to compile expression '%s': %w", expression, err)
	}
	return program, nil
}

// RunBool runs a program compiled by CompileBool against values.
func RunBool(program *vm.Program, values map[string]interface{}) (bool, error) {
	result, err := expr.Run(program, Env(values))
	if err != nil {
		return false, fmt.Errorf("unable to execute compiled program: %w", err)
	}
	resultBool, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("unable to cast expression result '%v' to bool", result)
	}
	return resultBool, nil
}

func _int(v interface{}) int {
	switch w := v.(type) {
	case []byte:
		i, err := strconv.Atoi(string(w))
		if err != nil {
			panic(fmt.Errorf("cannot convert %q an int", v))
		}
		return i
	case string:
		i, err := strconv.Atoi(w)
		if err != nil {
			panic(fmt.Errorf("cannot convert %q to int", v))
		}
		return i
	case float64:
		return int(w)
	case int64:
		return int(w)
	case int:
		return w
	default:
		panic(fmt.Errorf("cannot convert %q to int", v))
	}
}

func _float(v interface{}) float64 {
	switch w := v.(type) {
	case string:
		f, err := strconv.ParseFloat(w, 64)
		if err != nil {
			panic(fmt.Errorf("cannot convert %q to float", v))
		}
		return f
	case float64:
		return w
	case int64:
		return float64(w)
	case int:
		return float64(w)
	default:
		panic(fmt.Errorf("cannot convert %v to float", v))
	}
}

func _string(v interface{}) string {
	switch w := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(w)
	default:
		return fmt.Sprintf("%v", v)
	}
}
