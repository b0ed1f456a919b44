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

// Package derive maps raw CRM records onto calendar events.
//
// Deriving a single record is pure and total: malformed records are skipped
// with a named counter instead of an error, so one bad record never aborts a
// refresh pass.
package derive

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/shopcal/internal/config"
	"github.com/tombee/shopcal/internal/crm"
	"github.com/tombee/shopcal/internal/snapshot"
)

// Raw record field names as delivered by the CRM.
const (
	FieldCompletionDate = "completion_date"
	FieldOperatorDate   = "operator_date"
	FieldScheduledDate  = "scheduled_date"
	FieldPlannedDate    = "planned_date"
	FieldTransferDate   = "transfer_date"
	FieldQCDate         = "otk_date"
	FieldStage          = "stage"
	FieldMaterial       = "material"
	FieldComment        = "comment"
	FieldAddress        = "address"
	FieldContact        = "contact"
	FieldCustomer       = "customer"
	FieldAssignedUser   = "assigned_user"
	FieldHidden         = "hidden"
)

// StageClaim is the pipeline stage that permanently flags a record.
const StageClaim = "claim"

// Colors assigned by the fixed decision rules. Category colors for material
// types come from configuration.
const (
	ColorClaim         = "red"
	ColorPreInspection = "amber"
	ColorSelfPickup    = "purple"
)

// Skip counter names.
const (
	SkipNoTransferDate    = "no_transfer_date"
	SkipNoSchedulableDate = "no_schedulable_date"
)

// datePriority is the strict date selection order: the first present,
// non-empty candidate wins. Reordering changes visible behavior.
var datePriority = []string{
	FieldCompletionDate,
	FieldOperatorDate,
	FieldScheduledDate,
	FieldPlannedDate,
}

// Flags is the union of all currently-known persistent flags consulted
// during derivation. Both sets are monotonic for the life of a record.
type Flags struct {
	// Claimed marks records that were ever in the claim stage.
	Claimed map[int64]bool

	// Done marks records an operator explicitly closed, regardless of what
	// the done predicate says.
	Done map[int64]bool
}

// Counters tallies skipped records by reason.
type Counters map[string]int

// Add increments the named counter.
func (c Counters) Add(reason string) {
	c[reason]++
}

// Deriver turns raw records into derived events using the configured
// calendar mapping rules.
type Deriver struct {
	colors       map[string]string
	defaultColor string
	keywords     []string
	doneProg     *vm.Program
}

// New compiles the calendar mapping configuration into a Deriver.
func New(cfg config.CalendarConfig) (*Deriver, error) {
	prog, err := expr.Compile(cfg.DoneWhen,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile done_when predicate: %w", err)
	}

	keywords := make([]string, len(cfg.SelfPickupKeywords))
	for i, kw := range cfg.SelfPickupKeywords {
		keywords[i] = strings.ToLower(kw)
	}

	return &Deriver{
		colors:       cfg.Colors,
		defaultColor: cfg.DefaultColor,
		keywords:     keywords,
		doneProg:     prog,
	}, nil
}

// Derive produces the ordered event sequence for one refresh pass.
// flags is the union of all currently-known persistent flags; userNames
// resolves assignee ids to display names.
func (d *Deriver) Derive(records []crm.RawRecord, flags Flags, userNames map[int64]string) ([]snapshot.Event, Counters) {
	events := make([]snapshot.Event, 0, len(records))
	skipped := make(Counters)

	for _, rec := range records {
		ev, skipReason := d.deriveOne(rec, flags, userNames)
		if skipReason != "" {
			skipped.Add(skipReason)
			continue
		}
		events = append(events, ev)
	}

	// Deterministic ordering keeps the digest stable across passes.
	sort.Slice(events, func(i, j int) bool {
		if events[i].Start != events[j].Start {
			return events[i].Start < events[j].Start
		}
		if events[i].SortKey != events[j].SortKey {
			return events[i].SortKey < events[j].SortKey
		}
		return numericLess(events[i].ID, events[j].ID)
	})

	return events, skipped
}

// deriveOne projects a single record. Returns a non-empty skip reason
// instead of an event when the record cannot be scheduled.
func (d *Deriver) deriveOne(rec crm.RawRecord, flags Flags, userNames map[int64]string) (snapshot.Event, string) {
	if rec.Str(FieldTransferDate) == "" {
		return snapshot.Event{}, SkipNoTransferDate
	}

	start := ""
	for _, field := range datePriority {
		if v := rec.Str(field); v != "" {
			start = v
			break
		}
	}
	if start == "" {
		return snapshot.Event{}, SkipNoSchedulableDate
	}

	color := d.pickColor(rec, flags.Claimed[rec.ID])

	ev := snapshot.Event{
		ID:      strconv.FormatInt(rec.ID, 10),
		Start:   start,
		AllDay:  snapshot.IsDateOnly(start),
		Color:   color,
		SortKey: SortKey(color),
		Done:    flags.Done[rec.ID] || d.isDone(rec),
		Hidden:  truthy(rec.Str(FieldHidden)),
		Stage:   rec.Str(FieldStage),
		QCDate:  rec.Str(FieldQCDate),
		Attrs:   map[string]string{},
	}

	for _, attr := range []string{FieldAddress, FieldContact, FieldCustomer, FieldComment} {
		if v := rec.Str(attr); v != "" {
			ev.Attrs[attr] = v
		}
	}
	if id := rec.Int64(FieldAssignedUser); id > 0 {
		if name, ok := userNames[id]; ok {
			ev.Attrs["assignee"] = name
		}
	}

	return ev, ""
}

// pickColor applies the fixed decision order. The order is a hard contract:
// claim override beats everything, then missing quality check, then the
// self-pickup keyword scan, then the material category lookup, then the
// default.
func (d *Deriver) pickColor(rec crm.RawRecord, claimed bool) string {
	if claimed || rec.Str(FieldStage) == StageClaim {
		return ColorClaim
	}
	if rec.Str(FieldQCDate) == "" {
		return ColorPreInspection
	}
	if d.hasSelfPickupKeyword(rec.Str(FieldComment)) {
		return ColorSelfPickup
	}
	if color, ok := d.colors[rec.Str(FieldMaterial)]; ok {
		return color
	}
	return d.defaultColor
}

func (d *Deriver) hasSelfPickupKeyword(comment string) bool {
	if comment == "" || len(d.keywords) == 0 {
		return false
	}
	comment = strings.ToLower(comment)
	for _, kw := range d.keywords {
		if strings.Contains(comment, kw) {
			return true
		}
	}
	return false
}

// isDone evaluates the configured done predicate over the record.
// Evaluation failures count as not done; deriving never raises.
func (d *Deriver) isDone(rec crm.RawRecord) bool {
	env := map[string]any{"record": stringFields(rec)}
	result, err := expr.Run(d.doneProg, env)
	if err != nil {
		return false
	}
	done, _ := result.(bool)
	return done
}

// stringFields renders the record's fields as strings so predicates can
// compare against "" for absent values. Known fields are always present.
func stringFields(rec crm.RawRecord) map[string]string {
	fields := map[string]string{
		FieldCompletionDate: "",
		FieldOperatorDate:   "",
		FieldScheduledDate:  "",
		FieldPlannedDate:    "",
		FieldTransferDate:   "",
		FieldQCDate:         "",
		FieldStage:          "",
		FieldMaterial:       "",
	}

	for key, value := range rec.Fields {
		switch v := value.(type) {
		case string:
			fields[key] = v
		case float64:
			fields[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			if v {
				fields[key] = "1"
			} else {
				fields[key] = ""
			}
		case nil:
			fields[key] = ""
		}
	}

	return fields
}

// SortKey maps a color to its same-day ordering rank. Pure function of the
// color value.
func SortKey(color string) int {
	switch color {
	case ColorClaim:
		return 0
	case ColorPreInspection:
		return 1
	case ColorSelfPickup:
		return 2
	}
	// Category and default colors rank after the fixed rules, ordered by a
	// stable hash so equal colors always collate together.
	h := fnv.New32a()
	h.Write([]byte(color))
	return 10 + int(h.Sum32()%90)
}

// AssigneeIDs collects the distinct assignee user ids across records.
func AssigneeIDs(records []crm.RawRecord) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, rec := range records {
		id := rec.Int64(FieldAssignedUser)
		if id > 0 && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ClaimIDs returns the ids of records currently in the claim stage.
func ClaimIDs(records []crm.RawRecord) []int64 {
	var ids []int64
	for _, rec := range records {
		if rec.Str(FieldStage) == StageClaim {
			ids = append(ids, rec.ID)
		}
	}
	return ids
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "y", "yes":
		return true
	default:
		return false
	}
}

func numericLess(a, b string) bool {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}
