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

package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/tombee/shopcal/internal/derive"
	"github.com/tombee/shopcal/internal/log"
	"github.com/tombee/shopcal/internal/refresh"
	"github.com/tombee/shopcal/internal/snapshot"
)

func (d *Daemon) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /api/v1/events", d.requireAuth(http.HandlerFunc(d.handleEvents)))
	mux.Handle("GET /api/v1/stream", d.requireAuth(http.HandlerFunc(d.handleStream)))
	mux.Handle("POST /api/v1/events/{id}/reschedule", d.requireAuth(http.HandlerFunc(d.handleReschedule)))
	mux.Handle("POST /api/v1/events/{id}/done", d.requireAuth(http.HandlerFunc(d.handleDone)))
	mux.Handle("POST /api/v1/refresh", d.requireAuth(http.HandlerFunc(d.handleRefresh)))
	mux.Handle("POST /hooks/crm", d.webhook)
	mux.HandleFunc("GET /healthz", d.handleHealthz)
	if d.metrics != nil {
		mux.Handle("GET /metrics", d.metrics.Handler())
	}

	return mux
}

func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.snapshots.Current())
}

func (d *Daemon) handleStream(w http.ResponseWriter, r *http.Request) {
	d.hub.ServeHTTP(w, r, d.snapshots.Version())
}

// rescheduleRequest is the reschedule body. Start is required; the other
// fields ride along when the viewer edits them in the same dialog.
type rescheduleRequest struct {
	Start   string  `json:"start"`
	Address *string `json:"address,omitempty"`
	Comment *string `json:"comment,omitempty"`
}

func (d *Daemon) handleReschedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	recordID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Start) == "" {
		writeError(w, http.StatusBadRequest, "start is required")
		return
	}

	// Apply locally first: the patch validates the event exists and is open.
	_, err = d.snapshots.Patch(id, snapshot.PatchUpdates{
		Start:   &req.Start,
		Address: req.Address,
		Comment: req.Comment,
	})
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		d.recordPatch("not_found")
		writeError(w, http.StatusNotFound, "event not found")
		return
	case errors.Is(err, snapshot.ErrClosed):
		d.recordPatch("rejected_closed")
		writeError(w, http.StatusConflict, "event is closed; edits go through the CRM")
		return
	case err != nil:
		d.recordPatch("error")
		writeError(w, http.StatusInternalServerError, "patch failed")
		return
	}

	version := d.snapshots.Version()
	d.hub.Notify(version)

	// Forward the same edit upstream, then confirm with a delayed full
	// refresh. An upstream failure leaves the local patch in place; the
	// reconcile pass resolves whichever state the CRM ends up with.
	writeStatus := http.StatusOK
	if err := d.updater.UpdateField(r.Context(), recordID, derive.FieldOperatorDate, req.Start); err != nil {
		d.logger.Warn("crm write-back failed, reconcile will settle it",
			log.RecordID(recordID), log.Error(err))
		d.recordPatch("writeback_failed")
		writeStatus = http.StatusAccepted
	} else {
		d.recordPatch("applied")
	}
	d.coord.ScheduleReconcile(d.cfg.Refresh.ReconcileAfterPatch)

	writeJSON(w, writeStatus, map[string]any{
		"version": version,
	})
}

func (d *Daemon) handleDone(w http.ResponseWriter, r *http.Request) {
	recordID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	if err := d.flagStore.MarkDone(r.Context(), recordID, "api"); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record done override")
		return
	}

	// The override takes effect on the next pass.
	d.coord.Trigger(refresh.ReasonManual)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (d *Daemon) handleRefresh(w http.ResponseWriter, r *http.Request) {
	d.coord.Trigger(refresh.ReasonManual)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := d.snapshots.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"version":          d.opts.Version,
		"snapshot_version": snap.Version,
		"events":           len(snap.Events),
		"state":            d.coord.State().String(),
		"viewers":          d.hub.Count(),
	})
}

func (d *Daemon) recordPatch(outcome string) {
	if d.metrics != nil {
		d.metrics.RecordPatch(outcome)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
