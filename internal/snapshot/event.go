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

package snapshot

import "strings"

// Event is the calendar-shaped projection of one CRM record.
// IDs are stable across refreshes; everything else is rebuilt wholesale on
// each pass and may additionally be mutated in place through Store.Patch.
type Event struct {
	// ID is the upstream record id rendered as a string.
	ID string `json:"id"`

	// Start is the scheduled date, either date-only (2006-01-02) or a full
	// date-time string.
	Start string `json:"start"`

	// AllDay is derived from Start being date-only.
	AllDay bool `json:"allDay"`

	// Color is the categorical display color.
	Color string `json:"color"`

	// SortKey orders events within the same day. Pure function of Color.
	SortKey int `json:"sortKey"`

	// Done marks the order as completed per the configured predicate.
	Done bool `json:"done"`

	// Hidden marks the event as hidden from the map view.
	Hidden bool `json:"hidden"`

	// Stage is the upstream pipeline stage at derivation time.
	Stage string `json:"stage"`

	// QCDate is the quality-check (OTK) date, empty until inspected.
	QCDate string `json:"qcDate"`

	// Attrs carries presentation attributes: address, contact, assignee
	// names, free-form comment. Not part of the digest identity except
	// through the fields above.
	Attrs map[string]string `json:"attrs,omitempty"`
}

// IsDateOnly reports whether a start timestamp carries no time component.
func IsDateOnly(start string) bool {
	return start != "" && !strings.ContainsAny(start, "T ")
}

// Closed reports whether the event refuses in-place patches.
// Edits to done or hidden records must go through a full refresh so a stale
// local view is never masked by a patch.
func (e *Event) Closed() bool {
	return e.Done || e.Hidden
}
