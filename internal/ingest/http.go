package ingest

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fleetline/fleetline/internal/envelope"
	"github.com/fleetline/fleetline/internal/store"
)

// httpBodyLimit bounds request bodies before the payload size check,
// so a hostile client cannot make the server buffer arbitrary data.
const httpBodyLimit = 1 << 20

// HTTPHandler serves the direct ingest endpoint for devices that speak
// HTTPS instead of MQTT:
//
//	POST /ingest/{tenant}/{device}
//
// The body is the same telemetry payload a device would publish over
// MQTT. The request is synchronous: the response status reflects the
// pipeline verdict.
type HTTPHandler struct {
	pipeline *Pipeline
	logger   *slog.Logger
}

// NewHTTPHandler builds the ingest endpoint handler.
func NewHTTPHandler(p *Pipeline, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{pipeline: p, logger: logger.With("component", "ingest_http")}
}

// Register mounts the endpoint on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /ingest/{tenant}/{device}", h.handleIngest)
}

func (h *HTTPHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	device := r.PathValue("device")

	body, err := io.ReadAll(io.LimitReader(r.Body, httpBodyLimit+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	if len(body) > httpBodyLimit {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload too large"})
		return
	}

	env := &envelope.Envelope{
		Tenant:     tenant,
		Device:     device,
		MsgType:    envelope.MsgTelemetry,
		Topic:      "tenant/" + tenant + "/device/" + device + "/telemetry",
		Payload:    body,
		ReceivedAt: time.Now().UTC(),
	}

	res, reason, err := h.pipeline.ProcessEnvelope(r.Context(), env)
	if err != nil {
		h.logger.Warn("http ingest transient failure",
			"tenant", tenant, "device", device, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
		return
	}

	switch res {
	case ResultAccepted:
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	case ResultRateLimited:
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"status": "rejected", "reason": reason})
	default:
		writeJSON(w, statusForReason(reason), map[string]string{"status": "rejected", "reason": reason})
	}
}

// statusForReason maps quarantine reason codes to HTTP statuses. The
// endpoint's surface is 200/400/401/429/503 only; everything that is
// not an auth failure is a 400 with the reason in the body.
func statusForReason(reason string) int {
	switch reason {
	case store.ReasonAuthFailed, store.ReasonDeviceUnknown, store.ReasonTenantSuspended:
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already out; nothing to do but note it.
		slog.Debug("write ingest response", "error", err)
	}
}
