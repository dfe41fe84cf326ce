package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/spf13/viper"

	"github.com/leafguard/backend/internal/services"
)

// WebhookHandler receives payment-capture events from the billing provider.
// Delivery is at least once; the top-up service's purchase_ref idempotency
// turns replays into 200s without double-crediting.
type WebhookHandler struct {
	topUps    *services.TopUpService
	validator *services.ValidationHelper
}

func NewWebhookHandler(topUps *services.TopUpService) *WebhookHandler {
	return &WebhookHandler{
		topUps:    topUps,
		validator: services.NewValidationHelper(),
	}
}

type paymentEvent struct {
	AccountID   string `json:"accountId" validate:"required"`
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	PurchaseRef string `json:"purchaseRef" validate:"required,min=8"`
}

// HandlePaymentCaptured credits a completed purchase
// @Summary Payment capture webhook
// @Description Credit a captured purchase to the buyer's account. Replays are acknowledged without re-crediting.
// @Tags webhooks
// @Accept json
// @Produce json
// @Param X-Webhook-Signature header string true "Hex HMAC-SHA256 of the raw body"
// @Param event body paymentEvent true "Payment event"
// @Success 200 {object} object{newBalance=int64}
// @Failure 401 {object} services.ErrorResponse
// @Router /webhooks/payment [post]
func (h *WebhookHandler) HandlePaymentCaptured(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		services.SendErrorResponse(w, "Failed to read body", http.StatusBadRequest, nil)
		return
	}

	if !verifyWebhookSignature(body, r.Header.Get("X-Webhook-Signature")) {
		services.SendErrorResponse(w, "Invalid webhook signature", http.StatusUnauthorized, nil)
		return
	}

	var event paymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&event); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	newBalance, err := h.topUps.Credit(r.Context(), event.AccountID, event.Amount, event.PurchaseRef)
	if err != nil {
		if errors.Is(err, services.ErrAccountNotFound) {
			services.SendErrorResponse(w, "Unknown account", http.StatusNotFound, nil)
			return
		}
		// Money was captured. A non-2xx makes the provider redeliver, which is
		// exactly what we want after a write failure.
		log.Printf("[WEBHOOK] credit failed for %s (%s): %v", event.AccountID, event.PurchaseRef, err)
		services.SendErrorResponse(w, "Credit failed, retry delivery", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"newBalance": newBalance,
	})
}

func verifyWebhookSignature(body []byte, signature string) bool {
	secret := viper.GetString("webhook.secret")
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
