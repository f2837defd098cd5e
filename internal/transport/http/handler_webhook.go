package httptransport

import (
	"errors"
	"io"
	"net/http"

	"tonrody/internal/ingest"
)

const maxWebhookBody = 1 << 20

type WebhookHandlers struct {
	auth     *ingest.Authenticator
	ingestor *ingest.Ingestor
}

func NewWebhookHandlers(auth *ingest.Authenticator, ingestor *ingest.Ingestor) *WebhookHandlers {
	return &WebhookHandlers{auth: auth, ingestor: ingestor}
}

// Events authenticates the raw body before anything is parsed; a failure rejects the
// whole batch.
func (h *WebhookHandlers) Events() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				WriteHTTPError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "webhook body exceeds limit")
				return
			}
			WriteError(w, ingest.ErrMalformedBatch)
			return
		}
		if err := h.auth.Authenticate(r, body); err != nil {
			WriteError(w, err)
			return
		}
		res, err := h.ingestor.Process(r.Context(), body)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
