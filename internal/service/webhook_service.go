package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/opentill/opentill/internal/core"
	"github.com/opentill/opentill/internal/events"
)

// Gateway webhook event types
const (
	EventTypePaymentSuccess = "PAYMENT_SUCCESS_WEBHOOK"
	EventTypePaymentFailed  = "PAYMENT_FAILED_WEBHOOK"
	EventTypeUserDropped    = "PAYMENT_USER_DROPPED_WEBHOOK"
	EventTypeRefundStatus   = "REFUND_STATUS_WEBHOOK"
)

// ErrBadSignature is returned when a signed webhook fails verification.
// It is the only webhook error surfaced to the sender; everything past
// authentication is acknowledged regardless of outcome.
var ErrBadSignature = errors.New("webhook signature verification failed")

// WebhookEnvelope is the gateway's delivery envelope
type WebhookEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// WebhookAck is the acknowledgement body returned to the gateway
type WebhookAck struct {
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// webhookData is the union of the payload shapes the gateway delivers per
// event type; unused sections stay zero-valued.
type webhookData struct {
	Order struct {
		OrderID     string  `json:"order_id"`
		OrderAmount float64 `json:"order_amount"`
	} `json:"order"`
	Payment struct {
		PaymentID      json.Number `json:"cf_payment_id"`
		PaymentStatus  string      `json:"payment_status"`
		PaymentAmount  float64     `json:"payment_amount"`
		PaymentGroup   string      `json:"payment_group"`
		PaymentTime    string      `json:"payment_time"`
		PaymentMessage string      `json:"payment_message"`
	} `json:"payment"`
	Refund struct {
		RefundID     string  `json:"cf_refund_id"`
		RefundStatus string  `json:"refund_status"`
		RefundAmount float64 `json:"refund_amount"`
	} `json:"refund"`
	ErrorDetails map[string]interface{} `json:"error_details"`
}

// matcherFunc is one fallible order-resolution strategy. Strategies are tried
// in order; the first (order, true) wins.
type matcherFunc func(ctx context.Context, externalOrderID string) (*core.Order, bool, error)

// WebhookService processes payment gateway webhooks: authenticate, dispatch
// by event type, update the order idempotently, invalidate the status cache
// and fan out the transition.
type WebhookService struct {
	orders    core.OrderRepository
	cache     core.PaymentStatusCache
	gateway   core.PaymentGateway
	publisher core.Publisher
	tolerance time.Duration
	now       func() time.Time
}

// NewWebhookService creates a new webhook service
func NewWebhookService(orders core.OrderRepository, cache core.PaymentStatusCache, gateway core.PaymentGateway, publisher core.Publisher, tolerance time.Duration) *WebhookService {
	return &WebhookService{
		orders:    orders,
		cache:     cache,
		gateway:   gateway,
		publisher: publisher,
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Process handles one webhook delivery. Apart from a failed signature check
// it always returns an acknowledgement: the contract with the gateway is
// "always acknowledge receipt", because a retry storm from the sender is
// worse than a delayed internal correction.
func (s *WebhookService) Process(ctx context.Context, signature, timestamp string, body []byte) (*WebhookAck, error) {
	if s.gateway.SecretConfigured() {
		if signature == "" || !s.gateway.VerifySignature(signature, timestamp, body) {
			return nil, ErrBadSignature
		}
	} else if signature == "" {
		slog.Warn("webhook received without signature; no secret configured, accepting")
	}

	var envelope WebhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		slog.Warn("failed to parse webhook envelope", "error", err)
		return s.ack("received"), nil
	}

	if err := s.dispatch(ctx, &envelope); err != nil {
		slog.Error("webhook processing failed",
			"type", envelope.Type, "error", err)
	}

	return s.ack(envelope.Type), nil
}

func (s *WebhookService) ack(eventType string) *WebhookAck {
	return &WebhookAck{
		Message:   "webhook received",
		Type:      eventType,
		Timestamp: s.now(),
	}
}

func (s *WebhookService) dispatch(ctx context.Context, envelope *WebhookEnvelope) error {
	var data webhookData
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return fmt.Errorf("failed to parse webhook data: %w", err)
		}
	}

	switch envelope.Type {
	case EventTypePaymentSuccess:
		return s.handlePaymentSuccess(ctx, &data, envelope.Data)
	case EventTypePaymentFailed:
		return s.handlePaymentFailed(ctx, &data, envelope.Data)
	case EventTypeUserDropped:
		return s.handleUserDropped(ctx, &data, envelope.Data)
	case EventTypeRefundStatus:
		return s.handleRefundStatus(ctx, &data, envelope.Data)
	default:
		// Unknown event types are acknowledged and ignored
		slog.Info("ignoring unknown webhook event type", "type", envelope.Type)
		return nil
	}
}

// handlePaymentSuccess marks the order paid, advances a pending order to
// confirmed and invalidates the status cache. Idempotent: re-applying the
// same event overwrites the snapshot with identical content and the status
// advance is conditional.
func (s *WebhookService) handlePaymentSuccess(ctx context.Context, data *webhookData, raw json.RawMessage) error {
	order, err := s.resolveOrder(ctx, data.Order.OrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return nil
	}

	details := s.buildSnapshot(data, raw)
	if paidAt := parseGatewayTime(data.Payment.PaymentTime); paidAt != nil {
		details.PaidAt = paidAt
	}

	if err := s.orders.UpdatePayment(ctx, order.ID, core.PaymentStatusPaid, details, true); err != nil {
		return fmt.Errorf("failed to apply payment success: %w", err)
	}
	s.cache.Invalidate(ctx, data.Order.OrderID)

	updated, err := s.orders.GetByID(ctx, order.ID)
	if err != nil {
		// The write succeeded; fan-out falls back to the stale copy.
		slog.Warn("failed to reload order after payment success", "order_id", order.ID, "error", err)
		updated = order
	}

	publishOrderEvent(s.publisher, events.EventOrderUpdated, updated)
	if updated.TableID != "" {
		s.publisher.Publish(events.TopicTable(updated.TableID), events.EventPaymentConfirmed, updated)
	}
	return nil
}

// handlePaymentFailed records the failure on the payment axis only; the
// order status is untouched so the kitchen flow is unaffected.
func (s *WebhookService) handlePaymentFailed(ctx context.Context, data *webhookData, raw json.RawMessage) error {
	order, err := s.resolveOrder(ctx, data.Order.OrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return nil
	}

	details := s.buildSnapshot(data, raw)
	details.ErrorMessage = data.Payment.PaymentMessage

	if err := s.orders.UpdatePayment(ctx, order.ID, core.PaymentStatusFailed, details, false); err != nil {
		return fmt.Errorf("failed to apply payment failure: %w", err)
	}
	s.cache.Invalidate(ctx, data.Order.OrderID)

	publishOrderEvent(s.publisher, events.EventPaymentFailed, order)
	return nil
}

// handleUserDropped records an abandoned payment attempt without changing
// the payment status: the user may still retry, so an abandoned attempt must
// not be conflated with a failure.
func (s *WebhookService) handleUserDropped(ctx context.Context, data *webhookData, raw json.RawMessage) error {
	order, err := s.resolveOrder(ctx, data.Order.OrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return nil
	}

	details := order.PaymentDetails
	if details == nil {
		details = &core.PaymentDetails{ExternalOrderID: data.Order.OrderID}
	}
	details.LastAttempt = &core.PaymentAttempt{
		ExternalPaymentID: data.Payment.PaymentID.String(),
		Status:            data.Payment.PaymentStatus,
		At:                s.now(),
		Raw:               rawAsMap(raw),
	}
	details.UpdatedAt = s.now()

	if err := s.orders.UpdatePaymentDetails(ctx, order.ID, details); err != nil {
		return fmt.Errorf("failed to record dropped attempt: %w", err)
	}
	return nil
}

// handleRefundStatus maps the gateway refund state onto the payment axis
func (s *WebhookService) handleRefundStatus(ctx context.Context, data *webhookData, raw json.RawMessage) error {
	order, err := s.resolveOrder(ctx, data.Order.OrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return nil
	}

	status := core.PaymentStatusRefundPending
	if strings.EqualFold(data.Refund.RefundStatus, "SUCCESS") {
		status = core.PaymentStatusRefunded
	}

	details := s.buildSnapshot(data, raw)
	details.RefundID = data.Refund.RefundID
	details.RefundStatus = data.Refund.RefundStatus

	if err := s.orders.UpdatePayment(ctx, order.ID, status, details, false); err != nil {
		return fmt.Errorf("failed to apply refund status: %w", err)
	}
	s.cache.Invalidate(ctx, data.Order.OrderID)

	publishOrderEvent(s.publisher, events.EventRefundUpdated, order)
	return nil
}

// resolveOrder runs the matcher chain. A miss is logged and dropped without
// surfacing an error: best effort, never block the sender.
func (s *WebhookService) resolveOrder(ctx context.Context, externalOrderID string) (*core.Order, error) {
	if externalOrderID == "" {
		slog.Warn("webhook carried no external order id, dropping")
		return nil, nil
	}

	matchers := []matcherFunc{
		s.matchDirect,
		s.matchByEmbeddedTimestamp,
		s.matchByFreeText,
	}

	for _, match := range matchers {
		order, found, err := match(ctx, externalOrderID)
		if err != nil {
			return nil, err
		}
		if found {
			return order, nil
		}
	}

	slog.Warn("no order matched webhook external id, dropping",
		"external_order_id", externalOrderID)
	return nil, nil
}

// matchDirect looks the external id up on the stored payment snapshot
func (s *WebhookService) matchDirect(ctx context.Context, externalOrderID string) (*core.Order, bool, error) {
	order, err := s.orders.FindByExternalOrderID(ctx, externalOrderID)
	if err != nil {
		return nil, false, err
	}
	return order, order != nil, nil
}

var embeddedTimestampPattern = regexp.MustCompile(`\d{13}`)

// matchByEmbeddedTimestamp exploits external ids of the form
// order_<unix-ms>...: the online-payment order created closest to the
// embedded timestamp, among those not yet bound to an external id, is taken
// as the target, and the external id is backfilled so the next delivery
// resolves via direct lookup. Bound orders are never candidates: the gateway
// already knows them by another id.
func (s *WebhookService) matchByEmbeddedTimestamp(ctx context.Context, externalOrderID string) (*core.Order, bool, error) {
	digits := embeddedTimestampPattern.FindString(externalOrderID)
	if digits == "" {
		return nil, false, nil
	}
	millis, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return nil, false, nil
	}
	createdAt := time.UnixMilli(millis)

	order, err := s.orders.FindOnlineCreatedAround(ctx, createdAt, s.tolerance)
	if err != nil {
		return nil, false, err
	}
	if order == nil {
		return nil, false, nil
	}

	// Self-healing index: a failed backfill only costs the next delivery
	// another scan.
	if err := s.orders.SetExternalOrderID(ctx, order.ID, externalOrderID); err != nil {
		slog.Warn("failed to backfill external order id",
			"order_id", order.ID, "external_order_id", externalOrderID, "error", err)
	}

	slog.Info("matched webhook by embedded timestamp",
		"order_id", order.ID, "external_order_id", externalOrderID)
	return order, true, nil
}

// matchByFreeText is the last resort: a literal occurrence of the external id
// in notes or snapshot metadata
func (s *WebhookService) matchByFreeText(ctx context.Context, externalOrderID string) (*core.Order, bool, error) {
	order, err := s.orders.FindByFreeText(ctx, externalOrderID)
	if err != nil {
		return nil, false, err
	}
	return order, order != nil, nil
}

// buildSnapshot assembles the replacement payment snapshot from a webhook
func (s *WebhookService) buildSnapshot(data *webhookData, raw json.RawMessage) *core.PaymentDetails {
	return &core.PaymentDetails{
		ExternalOrderID:   data.Order.OrderID,
		ExternalPaymentID: data.Payment.PaymentID.String(),
		Method:            strings.ToLower(data.Payment.PaymentGroup),
		Amount:            data.Payment.PaymentAmount,
		Raw:               rawAsMap(raw),
		UpdatedAt:         s.now(),
	}
}

// rawAsMap keeps the gateway's original payload alongside the parsed fields
func rawAsMap(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// parseGatewayTime parses the gateway's timestamp formats, returning nil when
// the value is absent or unparseable
func parseGatewayTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t
		}
	}
	return nil
}
