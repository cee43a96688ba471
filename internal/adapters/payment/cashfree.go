package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opentill/opentill/internal/config"
	"github.com/opentill/opentill/internal/core"
)

const apiVersion = "2023-08-01"

// Client handles Cashfree payment operations
type Client struct {
	baseURL       string
	appID         string
	secretKey     string
	webhookSecret string
	returnURL     string
	httpClient    *http.Client
	cache         core.PaymentStatusCache
}

// NewClient creates a new Cashfree payment client. Status queries are served
// read-through from the given cache.
func NewClient(cache core.PaymentStatusCache) *Client {
	cfg := config.Get()
	return &Client{
		baseURL:       cfg.CashfreeBaseURL,
		appID:         cfg.CashfreeAppID,
		secretKey:     cfg.CashfreeSecretKey,
		webhookSecret: cfg.CashfreeWebhookSecret,
		returnURL:     cfg.WebhookBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		cache: cache,
	}
}

// createOrderRequest is the Cashfree order creation payload
type createOrderRequest struct {
	OrderID         string  `json:"order_id"`
	OrderAmount     float64 `json:"order_amount"`
	OrderCurrency   string  `json:"order_currency"`
	CustomerDetails struct {
		CustomerID    string `json:"customer_id"`
		CustomerPhone string `json:"customer_phone"`
	} `json:"customer_details"`
	OrderNote string `json:"order_note,omitempty"`
}

// createOrderResponse is the subset of the Cashfree response we consume
type createOrderResponse struct {
	CFOrderID      string `json:"cf_order_id"`
	OrderID        string `json:"order_id"`
	OrderStatus    string `json:"order_status"`
	PaymentLink    string `json:"payment_link,omitempty"`
	PaymentSession string `json:"payment_session_id,omitempty"`
}

// CreatePaymentOrder creates a payment order at the gateway. The external id
// embeds the creation timestamp so delayed webhooks can still be matched when
// the id was never persisted.
func (c *Client) CreatePaymentOrder(ctx context.Context, orderCode string, amount float64, customerPhone string) (*core.GatewayOrder, error) {
	payload := createOrderRequest{
		OrderID:       fmt.Sprintf("order_%d_%s", time.Now().UnixMilli(), orderCode),
		OrderAmount:   amount,
		OrderCurrency: "INR",
		OrderNote:     orderCode,
	}
	payload.CustomerDetails.CustomerID = customerPhone
	payload.CustomerDetails.CustomerPhone = customerPhone

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal create order request: %w", err)
	}

	url := fmt.Sprintf("%s/pg/orders", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send create order request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("cashfree API error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var orderResp createOrderResponse
	if err := json.Unmarshal(body, &orderResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &core.GatewayOrder{
		ExternalOrderID: orderResp.OrderID,
		PaymentLink:     orderResp.PaymentLink,
		Status:          orderResp.OrderStatus,
		Raw:             body,
	}, nil
}

// FetchOrderStatus queries the gateway for a payment order's current state.
// Recent results are served from the cache so a UI polling during a single
// payment attempt does not hammer the gateway.
func (c *Client) FetchOrderStatus(ctx context.Context, externalOrderID string) (json.RawMessage, error) {
	if cached, ok := c.cache.Get(ctx, externalOrderID); ok {
		return cached, nil
	}

	url := fmt.Sprintf("%s/pg/orders/%s", c.baseURL, externalOrderID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query order status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cashfree API error: status %d, body: %s", resp.StatusCode, string(body))
	}

	c.cache.Put(ctx, externalOrderID, body)
	return body, nil
}

// VerifySignature verifies the x-webhook-signature header: base64 of the
// HMAC-SHA256 over timestamp + raw body, keyed with the webhook secret.
func (c *Client) VerifySignature(signature, timestamp string, body []byte) bool {
	if c.webhookSecret == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// SecretConfigured reports whether webhook signature verification is enforced
func (c *Client) SecretConfigured() bool {
	return c.webhookSecret != ""
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-version", apiVersion)
	req.Header.Set("x-client-id", c.appID)
	req.Header.Set("x-client-secret", c.secretKey)
}
