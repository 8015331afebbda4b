// Package webhook is the thin HTTP adapter binding inbound requests to
// engine.Ingress.HandleWebhook (§6.5). Workflows declare their own
// path/method matchers via WebhookTrigger; this package owns no routing
// table of its own beyond a single catch-all route shared by every method.
package webhook

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"goa.design/flow/engine"
	"goa.design/flow/flowerrors"
)

// Handler serves every inbound webhook method on a chi router, looking up
// the matching trigger by request path and method.
type Handler struct {
	ingress *engine.Ingress
}

// New constructs a webhook Handler bound to an engine.Ingress.
func New(ingress *engine.Ingress) *Handler {
	return &Handler{ingress: ingress}
}

// Mount registers the handler for every HTTP method on r at the given
// prefix, delegating path matching beyond the prefix to the trigger
// registry's own path+method lookup.
func (h *Handler) Mount(r chi.Router, prefix string) {
	r.HandleFunc(prefix+"/*", h.serve)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	runID, err := h.ingress.HandleWebhook(r.Context(), r.URL.Path, r.Method, headers, body)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"runId": runID})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch flowerrors.KindOf(err) {
	case flowerrors.Validation:
		status = http.StatusBadRequest
	case flowerrors.NotFound:
		status = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
