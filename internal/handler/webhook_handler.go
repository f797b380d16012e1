package handler

import (
	"errors"
	"io"
	"net/http"

	"haven-service/internal/util"
	"haven-service/internal/webhook"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	processor *webhook.ClerkProcessor
	ingester  *webhook.Ingester
}

func NewWebhookHandler(processor *webhook.ClerkProcessor, ingester *webhook.Ingester) *WebhookHandler {
	return &WebhookHandler{processor: processor, ingester: ingester}
}

type webhookResponse struct {
	OK        bool `json:"ok"`
	Ignored   bool `json:"ignored,omitempty"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// Clerk handles POST /api/webhooks/clerk
func (h *WebhookHandler) Clerk(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Invalid body", http.StatusBadRequest)
		return
	}

	evt, err := h.processor.VerifyAndParse(payload, r.Header)
	if err != nil {
		util.Warn("Webhook rejected", util.String("provider", h.processor.Provider()), util.ErrorField(err))
		switch {
		case errors.Is(err, webhook.ErrMissingHeaders):
			http.Error(w, "Missing svix headers", http.StatusBadRequest)
		case errors.Is(err, webhook.ErrInvalidSignature):
			http.Error(w, "Invalid signature", http.StatusBadRequest)
		default:
			http.Error(w, "Invalid event", http.StatusBadRequest)
		}
		return
	}

	outcome, err := h.ingester.Handle(r.Context(), evt)
	if err != nil {
		util.Error("Clerk webhook handling error",
			util.String("svix_id", evt.MessageID),
			util.String("type", evt.Type),
			util.ErrorField(err),
		)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, webhookResponse{
		OK:        true,
		Ignored:   outcome == webhook.OutcomeIgnored,
		Duplicate: outcome == webhook.OutcomeDuplicate,
	})
}
