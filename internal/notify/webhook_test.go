package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestWebhookNotifier_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, "test-secret", 5*time.Second)
	err := n.Notify(context.Background(), uuid.New(), "Low stock", "SKU ABC is nearly out", 8, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWebhookNotifier_RequestHeadersAndSignature(t *testing.T) {
	var gotHeaders http.Header
	var gotMethod string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header
		gotMethod = r.Method
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tenantID := uuid.New()
	n := NewWebhookNotifier(server.URL, "my-secret", 5*time.Second)
	if err := n.Notify(context.Background(), tenantID, "Buy box lost", "ASIN B0TEST lost the buy box", 9, "https://example.com/asin/B0TEST"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("expected POST, got %s", gotMethod)
	}
	if ct := gotHeaders.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if id := gotHeaders.Get("X-SellerPulse-Tenant-ID"); id != tenantID.String() {
		t.Errorf("X-SellerPulse-Tenant-ID = %q, want %q", id, tenantID)
	}
	if id := gotHeaders.Get("X-SellerPulse-Notification-ID"); id == "" {
		t.Error("X-SellerPulse-Notification-ID should not be empty")
	}

	sig := gotHeaders.Get("X-SellerPulse-Signature")
	if sig == "" {
		t.Fatal("X-SellerPulse-Signature should not be empty")
	}
	if !VerifySignature("my-secret", gotBody, sig) {
		t.Error("signature does not verify against the delivered body")
	}
	if VerifySignature("wrong-secret", gotBody, sig) {
		t.Error("signature verified with the wrong secret")
	}
}

func TestWebhookNotifier_PayloadBody(t *testing.T) {
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tenantID := uuid.New()
	n := NewWebhookNotifier(server.URL, "secret", 5*time.Second)
	if err := n.Notify(context.Background(), tenantID, "Low stock", "restock soon", 7, "https://example.com/sku/ABC"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	var payload Notification
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if payload.TenantID != tenantID.String() {
		t.Errorf("TenantID = %q, want %q", payload.TenantID, tenantID)
	}
	if payload.Title != "Low stock" || payload.Message != "restock soon" {
		t.Errorf("payload = %+v, want title/message preserved", payload)
	}
	if payload.Urgency != 7 {
		t.Errorf("Urgency = %d, want 7", payload.Urgency)
	}
	if payload.Link != "https://example.com/sku/ABC" {
		t.Errorf("Link = %q, want original link", payload.Link)
	}
}

func TestWebhookNotifier_ServerErrorIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, "secret", 5*time.Second)
	if err := n.Notify(context.Background(), uuid.New(), "t", "m", 7, ""); err == nil {
		t.Fatal("expected error on 500 response")
	}
}
