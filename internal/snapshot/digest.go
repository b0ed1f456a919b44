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

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Digest computes a deterministic content hash over the ordered sequence of
// user-visible event fields. Two snapshots with equal digests are observably
// equivalent: diagnostic metadata (fetch duration, skip counters, build time)
// deliberately does not participate.
func Digest(events []Event) string {
	h := sha256.New()
	for _, e := range events {
		// One tuple per event; the field separator keeps adjacent values
		// from colliding across boundaries.
		writeDigestTuple(h, e)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeDigestTuple(w io.Writer, e Event) {
	fmt.Fprintf(w, "%s\x1f%s\x1f%s\x1f%t\x1f%t\x1f%s\x1f%s\x1e",
		e.ID, e.Start, e.Color, e.Done, e.Hidden, e.QCDate, e.Stage)
}
