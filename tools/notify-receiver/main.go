// notify-receiver is a development sink for sellerpulse notification
// webhooks. It records incoming deliveries, verifies their HMAC
// signatures when NOTIFY_WEBHOOK_SECRET is set, and serves the
// collected stats back for inspection.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

type delivery struct {
	Timestamp      string `json:"timestamp"`
	NotificationID string `json:"notification_id"`
	TenantID       string `json:"tenant_id"`
	Signature      string `json:"signature"`
	SignatureValid *bool  `json:"signature_valid,omitempty"`
	Body           string `json:"body"`
}

type stats struct {
	Count          int64      `json:"count"`
	BadSignatures  int64      `json:"bad_signatures"`
	LastDeliveries []delivery `json:"last_deliveries"`
	Since          string     `json:"since"`
}

var (
	mu             sync.Mutex
	count          int64
	badSignatures  int64
	lastDeliveries []delivery
	since          time.Time
	maxStored      = 50
	secret         string
)

func main() {
	since = time.Now().UTC()
	secret = os.Getenv("NOTIFY_WEBHOOK_SECRET")

	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	http.HandleFunc("/hook", hookHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		badSignatures = 0
		lastDeliveries = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	if secret == "" {
		log.Println("notify-receiver: NOTIFY_WEBHOOK_SECRET not set; signatures recorded but not verified")
	}
	log.Printf("notify-receiver listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func hookHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	d := delivery{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		NotificationID: r.Header.Get("X-SellerPulse-Notification-ID"),
		TenantID:       r.Header.Get("X-SellerPulse-Tenant-ID"),
		Signature:      r.Header.Get("X-SellerPulse-Signature"),
		Body:           string(body),
	}
	if secret != "" {
		valid := verifySignature(secret, body, d.Signature)
		d.SignatureValid = &valid
	}

	mu.Lock()
	count++
	if d.SignatureValid != nil && !*d.SignatureValid {
		badSignatures++
	}
	lastDeliveries = append(lastDeliveries, d)
	if len(lastDeliveries) > maxStored {
		lastDeliveries = lastDeliveries[len(lastDeliveries)-maxStored:]
	}
	current := count
	mu.Unlock()

	log.Printf("hook received #%d tenant=%s: %s", current, d.TenantID, string(body))
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func verifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:          count,
		BadSignatures:  badSignatures,
		LastDeliveries: lastDeliveries,
		Since:          since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
