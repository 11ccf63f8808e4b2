package handler

import (
	"io"
	"net/http"

	"github.com/connexus-ai/ragbox-backend/internal/apperror"
	"github.com/connexus-ai/ragbox-backend/internal/webhook"
)

// maxWebhookBody bounds the payment provider's event payload; anything
// larger is almost certainly not a legitimate webhook delivery.
const maxWebhookBody = 1 << 20

// Webhook implements POST /webhooks/payments (spec §4.7, §6): verify the
// X-Signature header against the raw body and hand off to Verifier.Process.
func Webhook(verifier *webhook.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
		if err != nil {
			writeError(w, r, apperror.New(apperror.KindBadInput, "failed to read request body"))
			return
		}
		if len(body) > maxWebhookBody {
			writeError(w, r, apperror.New(apperror.KindBadInput, "request body too large"))
			return
		}

		signature := r.Header.Get("X-Signature")
		if signature == "" {
			writeError(w, r, apperror.New(apperror.KindBadInput, "missing X-Signature header"))
			return
		}

		if err := verifier.Process(r.Context(), body, signature); err != nil {
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}
