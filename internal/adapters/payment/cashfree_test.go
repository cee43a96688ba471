package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opentill/opentill/internal/cache"
)

func testClient(baseURL, webhookSecret string) *Client {
	return &Client{
		baseURL:       baseURL,
		appID:         "test-app",
		secretKey:     "test-secret",
		webhookSecret: webhookSecret,
		httpClient:    &http.Client{Timeout: 5 * time.Second},
		cache:         cache.NewMemory(30 * time.Second),
	}
}

func sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	client := testClient("http://unused", "whsec")
	body := []byte(`{"type":"PAYMENT_SUCCESS_WEBHOOK"}`)
	timestamp := "1767258000"

	if !client.VerifySignature(sign("whsec", timestamp, body), timestamp, body) {
		t.Error("expected a correctly signed payload to verify")
	}
	if client.VerifySignature(sign("wrong-secret", timestamp, body), timestamp, body) {
		t.Error("expected a payload signed with the wrong secret to fail")
	}
	if client.VerifySignature(sign("whsec", timestamp, body), "1767258001", body) {
		t.Error("expected a tampered timestamp to fail")
	}

	unsecured := testClient("http://unused", "")
	if unsecured.SecretConfigured() {
		t.Error("expected SecretConfigured false without a secret")
	}
	if unsecured.VerifySignature("anything", timestamp, body) {
		t.Error("verification must fail closed without a secret")
	}
}

func TestFetchOrderStatusReadsThroughCache(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"order_id":"ext-1","order_status":"PAID"}`))
	}))
	defer server.Close()

	client := testClient(server.URL, "")

	for i := 0; i < 3; i++ {
		payload, err := client.FetchOrderStatus(context.Background(), "ext-1")
		if err != nil {
			t.Fatalf("FetchOrderStatus #%d: %v", i+1, err)
		}
		if len(payload) == 0 {
			t.Fatal("expected a payload")
		}
	}

	if hits != 1 {
		t.Errorf("expected one upstream fetch, got %d", hits)
	}
}

func TestFetchOrderStatusRefetchesAfterInvalidation(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"order_status":"PAID"}`))
	}))
	defer server.Close()

	client := testClient(server.URL, "")

	if _, err := client.FetchOrderStatus(context.Background(), "ext-1"); err != nil {
		t.Fatalf("FetchOrderStatus: %v", err)
	}
	client.cache.Invalidate(context.Background(), "ext-1")
	if _, err := client.FetchOrderStatus(context.Background(), "ext-1"); err != nil {
		t.Fatalf("FetchOrderStatus after invalidation: %v", err)
	}

	if hits != 2 {
		t.Errorf("expected a fresh upstream fetch after invalidation, got %d hits", hits)
	}
}
