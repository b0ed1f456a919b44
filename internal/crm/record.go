// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package crm

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RawRecord is one upstream CRM record: an opaque bag of fields identified
// by an upstream-assigned positive integer id. The rest of the system treats
// it as immutable input for one refresh pass.
type RawRecord struct {
	ID     int64
	Fields map[string]any
}

// UnmarshalJSON keeps the full field bag and lifts out the id.
func (r *RawRecord) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	id, err := numericID(fields["id"])
	if err != nil {
		return fmt.Errorf("record id: %w", err)
	}

	r.ID = id
	r.Fields = fields
	return nil
}

// MarshalJSON emits the field bag unchanged.
func (r RawRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Fields)
}

// Str returns the named field as a string, or "" when absent or not a string.
func (r RawRecord) Str(key string) string {
	s, _ := r.Fields[key].(string)
	return s
}

// Int64 returns the named field as an int64, tolerating JSON numbers and
// numeric strings. Returns 0 when absent or unparseable.
func (r RawRecord) Int64(key string) int64 {
	v, err := numericID(r.Fields[key])
	if err != nil {
		return 0
	}
	return v
}

func numericID(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		if n == "" {
			return 0, fmt.Errorf("empty")
		}
		return strconv.ParseInt(n, 10, 64)
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case nil:
		return 0, fmt.Errorf("missing")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
