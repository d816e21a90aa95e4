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

package util

import (
	"strings"
)

// NormalizeSymbols trims and upper-cases the given symbols, dropping empty and duplicated entries.
// It returns defaults when nothing usable is left.
func NormalizeSymbols(symbols []string, defaults []string) []string {
	result := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || StringSliceContains(result, s) {
			continue
		}
		result = append(result, s)
	}
	if len(result) == 0 {
		return append([]string(nil), defaults...)
	}
	return result
}

func StringSliceContains(list []string, str string) bool {
	if len(list) == 0 {
		return false
	}
	for _, s := range list {
		if s == str {
			return true
		}
	}
	return false
}

// Truncate shortens s to at most n bytes, used when echoing untrusted payloads into logs.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
