package core

import (
	"context"
	"encoding/json"
	"time"
)

// SessionScope selects the order set attributable to a register session.
// When Tagged is true matching uses the exact session_id tag set; otherwise
// it falls back to the branch + open/close time window.
type SessionScope struct {
	SessionID string
	BranchID  string
	From      time.Time
	To        time.Time
	Tagged    bool
}

// StructuralQuery describes the store probe for near-duplicate detection:
// recently created orders whose rough shape matches an incoming request.
type StructuralQuery struct {
	RestaurantID    string
	BranchID        string
	TableID         string // empty means "orders with no table"
	RoundedSubtotal float64
	CustomerPhone   string // optional, narrows the probe when present
	CreatedAfter    time.Time
}

// OrderRepository defines the interface for order data access
type OrderRepository interface {
	Create(ctx context.Context, order *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByCode(ctx context.Context, code string) (*Order, error)

	// Heuristic finders return (nil, nil) when nothing matches.
	FindByExternalOrderID(ctx context.Context, externalOrderID string) (*Order, error)
	FindOnlineCreatedAround(ctx context.Context, at time.Time, tolerance time.Duration) (*Order, error)
	FindByFreeText(ctx context.Context, externalOrderID string) (*Order, error)
	FindStructuralCandidates(ctx context.Context, q StructuralQuery) ([]*Order, error)

	// SetExternalOrderID backfills the gateway id so future webhooks resolve
	// via direct lookup.
	SetExternalOrderID(ctx context.Context, id, externalOrderID string) error

	UpdateStatus(ctx context.Context, id string, status OrderStatus) error
	// UpdatePayment replaces the payment snapshot wholesale and sets the
	// payment status; when advancePending is true a pending order status is
	// advanced to confirmed in the same write.
	UpdatePayment(ctx context.Context, id string, status PaymentStatus, details *PaymentDetails, advancePending bool) error
	// UpdatePaymentDetails replaces the snapshot without touching either
	// status axis (abandoned attempts).
	UpdatePaymentDetails(ctx context.Context, id string, details *PaymentDetails) error

	HasSessionTagged(ctx context.Context, sessionID string) (bool, error)
	CountActive(ctx context.Context, scope SessionScope) (int, error)
	Aggregate(ctx context.Context, scope SessionScope) (*SessionTotals, error)
	ListForScope(ctx context.Context, scope SessionScope) ([]*Order, error)
}

// SessionRepository defines the interface for register session data access
type SessionRepository interface {
	Create(ctx context.Context, session *RegisterSession) error
	GetByID(ctx context.Context, id string) (*RegisterSession, error)
	// GetOpenByBranch returns (nil, nil) when the branch has no open session.
	GetOpenByBranch(ctx context.Context, branchID string) (*RegisterSession, error)
	Close(ctx context.Context, session *RegisterSession) error
}

// TableRepository defines the interface for dining table data access
type TableRepository interface {
	GetByID(ctx context.Context, id string) (*DiningTable, error)
	Occupy(ctx context.Context, tableID, orderID string) error
	Release(ctx context.Context, tableID string) error
	// CountBlocking counts tables that keep a session from closing: occupied
	// with no linked order, or linked to an order still active in the scope.
	CountBlocking(ctx context.Context, scope SessionScope) (int, error)
	// SweepStale clears occupancy flags on tables with no linked order and
	// returns how many were cleared.
	SweepStale(ctx context.Context, branchID string) (int, error)
}

// CashierRepository defines the interface for cashier lookup
type CashierRepository interface {
	GetByPhone(ctx context.Context, phone string) (*Cashier, error)
}

// GatewayOrder is the gateway's view of a payment order
type GatewayOrder struct {
	ExternalOrderID string          `json:"external_order_id"`
	PaymentLink     string          `json:"payment_link,omitempty"`
	Status          string          `json:"status"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// PaymentGateway defines the interface for the outbound payment adapter
type PaymentGateway interface {
	CreatePaymentOrder(ctx context.Context, orderCode string, amount float64, customerPhone string) (*GatewayOrder, error)
	FetchOrderStatus(ctx context.Context, externalOrderID string) (json.RawMessage, error)
	// VerifySignature checks the webhook signature over the raw body.
	VerifySignature(signature, timestamp string, body []byte) bool
	// SecretConfigured reports whether signature verification is enforced.
	SecretConfigured() bool
}

// PaymentStatusCache shields the gateway from redundant status polling.
// Explicit invalidation from the webhook processor is the primary consistency
// mechanism; the TTL is a safety net.
type PaymentStatusCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Put(ctx context.Context, key string, payload []byte)
	Invalidate(ctx context.Context, key string)
}

// Publisher fans out state-transition events to topic subscribers. Publishing
// is best-effort and must never fail the triggering operation.
type Publisher interface {
	Publish(topic string, eventType string, data interface{})
}
