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

package records

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Marshal encodes a record in its wire format.
func Marshal(r Record) ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalTrade decodes and validates a trade in wire format.
func UnmarshalTrade(data []byte) (TradeRecord, error) {
	var t TradeRecord
	if err := json.Unmarshal(data, &t); err != nil {
		return TradeRecord{}, fmt.Errorf("failed to decode trade, %w", err)
	}
	if err := t.Validate(); err != nil {
		return TradeRecord{}, err
	}
	return t, nil
}

// UnmarshalAlert decodes an alert in wire format.
func UnmarshalAlert(data []byte) (AlertRecord, error) {
	var a AlertRecord
	if err := json.Unmarshal(data, &a); err != nil {
		return AlertRecord{}, fmt.Errorf("failed to decode alert, %w", err)
	}
	if a.Symbol == "" || a.Signal == "" {
		return AlertRecord{}, fmt.Errorf("alert is missing symbol or signal")
	}
	return a, nil
}
