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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/tombee/shopcal/internal/config"
	"github.com/tombee/shopcal/internal/log"
	"github.com/tombee/shopcal/internal/metrics"
	"github.com/tombee/shopcal/internal/refresh"
)

// maxWebhookBody bounds how much of a delivery is read.
const maxWebhookBody = 1 << 20

// webhookHandler accepts CRM change notifications. Deliveries are pure
// triggers: the payload is never trusted as data, every accepted delivery
// funnels into the coordinator and coalesces there.
type webhookHandler struct {
	secret    string
	eventExpr *gojq.Code
	coord     *refresh.Coordinator
	collector *metrics.Collector
	logger    *slog.Logger
}

func newWebhookHandler(cfg config.WebhookConfig, coord *refresh.Coordinator, collector *metrics.Collector, logger *slog.Logger) (*webhookHandler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &webhookHandler{
		secret:    cfg.Secret,
		coord:     coord,
		collector: collector,
		logger:    log.WithComponent(logger, "webhook"),
	}

	if cfg.EventFilter != "" {
		query, err := gojq.Parse(cfg.EventFilter)
		if err != nil {
			return nil, fmt.Errorf("parse event filter %q: %w", cfg.EventFilter, err)
		}
		code, err := gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("compile event filter %q: %w", cfg.EventFilter, err)
		}
		h.eventExpr = code
	}
	return h, nil
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.record("read_error")
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if h.secret != "" {
		if err := h.verify(r, body); err != nil {
			h.logger.Warn("webhook rejected", log.Error(err))
			h.record("rejected")
			writeError(w, http.StatusUnauthorized, "signature verification failed")
			return
		}
	}

	kind := h.eventKind(body)
	h.logger.Info("webhook accepted", slog.String("event", kind))
	h.record("accepted")

	h.coord.Trigger(refresh.ReasonWebhook)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// verify checks the delivery signature. Accepted header forms:
// "X-Webhook-Signature: sha256=<hex>" and "X-Signature: <hex>".
func (h *webhookHandler) verify(r *http.Request, body []byte) error {
	sig := r.Header.Get("X-Webhook-Signature")
	if sig == "" {
		if alt := r.Header.Get("X-Signature"); alt != "" {
			sig = "sha256=" + alt
		}
	}
	if sig == "" {
		return fmt.Errorf("no signature header found")
	}

	algo, hexSig, found := strings.Cut(sig, "=")
	if !found {
		algo, hexSig = "sha256", sig
	}
	if algo != "sha256" {
		return fmt.Errorf("unsupported algorithm: %s", algo)
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(hexSig), []byte(expected)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// eventKind extracts the event kind from the payload for logging. Extraction
// failures are irrelevant to the trigger itself.
func (h *webhookHandler) eventKind(body []byte) string {
	if h.eventExpr == nil {
		return "unspecified"
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return "unparseable"
	}

	iter := h.eventExpr.Run(payload)
	v, ok := iter.Next()
	if !ok {
		return "unspecified"
	}
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return "unspecified"
}

func (h *webhookHandler) record(status string) {
	if h.collector != nil {
		h.collector.RecordWebhook(status)
	}
}
