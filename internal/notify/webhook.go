// Package notify delivers urgent notifications to seller-facing
// channels. The webhook channel posts HMAC-signed JSON so receivers
// can verify origin.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Notification is the payload posted to the webhook.
type Notification struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Urgency  int    `json:"urgency"`
	Link     string `json:"link,omitempty"`
	SentAt   string `json:"sent_at"`
}

// WebhookNotifier posts notifications with an HMAC signature.
// Headers: X-SellerPulse-Notification-ID, X-SellerPulse-Tenant-ID,
// X-SellerPulse-Signature.
type WebhookNotifier struct {
	client  *http.Client
	url     string
	secret  string
	timeout time.Duration
}

func NewWebhookNotifier(url, secret string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookNotifier{
		client:  &http.Client{},
		url:     url,
		secret:  secret,
		timeout: timeout,
	}
}

// Notify posts one notification. Non-2xx responses are errors so the
// caller can decide whether to swallow or surface them.
func (n *WebhookNotifier) Notify(ctx context.Context, tenantID uuid.UUID, title, message string, urgency int, link string) error {
	notification := Notification{
		ID:       uuid.NewString(),
		TenantID: tenantID.String(),
		Title:    title,
		Message:  message,
		Urgency:  urgency,
		Link:     link,
		SentAt:   time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	signature := computeSignature(n.secret, body)

	ctxTimeout, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-SellerPulse-Notification-ID", notification.ID)
	req.Header.Set("X-SellerPulse-Tenant-ID", notification.TenantID)
	req.Header.Set("X-SellerPulse-Signature", signature)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to verify incoming notifications.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
