package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/opentill/opentill/internal/core"
)

// In-memory fakes implementing the core ports for service tests.

type fakeOrderRepo struct {
	mu             sync.Mutex
	orders         map[string]*core.Order
	failNextCreate bool
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{orders: make(map[string]*core.Order)}
}

func (f *fakeOrderRepo) Create(ctx context.Context, order *core.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextCreate {
		f.failNextCreate = false
		return fmt.Errorf("store unavailable")
	}
	copied := *order
	f.orders[order.ID] = &copied
	return nil
}

func (f *fakeOrderRepo) GetByID(ctx context.Context, id string) (*core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("order not found")
	}
	copied := *order
	return &copied, nil
}

func (f *fakeOrderRepo) GetByCode(ctx context.Context, code string) (*core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, order := range f.orders {
		if order.OrderCode == code {
			copied := *order
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("order not found")
}

func (f *fakeOrderRepo) FindByExternalOrderID(ctx context.Context, externalOrderID string) (*core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, order := range f.orders {
		if order.PaymentDetails != nil && order.PaymentDetails.ExternalOrderID == externalOrderID {
			copied := *order
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeOrderRepo) FindOnlineCreatedAround(ctx context.Context, at time.Time, tolerance time.Duration) (*core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *core.Order
	var bestDiff time.Duration
	for _, order := range f.orders {
		if strings.ToLower(order.PaymentMethod) != "online" {
			continue
		}
		if order.PaymentDetails != nil && order.PaymentDetails.ExternalOrderID != "" {
			continue
		}
		diff := order.CreatedAt.Sub(at)
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			continue
		}
		if best == nil || diff < bestDiff {
			best = order
			bestDiff = diff
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

func (f *fakeOrderRepo) FindByFreeText(ctx context.Context, externalOrderID string) (*core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, order := range f.orders {
		if strings.Contains(order.Notes, externalOrderID) {
			copied := *order
			return &copied, nil
		}
		if order.PaymentDetails != nil {
			raw, _ := json.Marshal(order.PaymentDetails)
			if strings.Contains(string(raw), externalOrderID) {
				copied := *order
				return &copied, nil
			}
		}
	}
	return nil, nil
}

func (f *fakeOrderRepo) FindStructuralCandidates(ctx context.Context, q core.StructuralQuery) ([]*core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.Order
	for _, order := range f.orders {
		if order.RestaurantID != q.RestaurantID || order.BranchID != q.BranchID {
			continue
		}
		if order.CreatedAt.Before(q.CreatedAfter) {
			continue
		}
		if math.Round(order.Subtotal) != math.Round(q.RoundedSubtotal) {
			continue
		}
		if order.TableID != q.TableID {
			continue
		}
		if q.CustomerPhone != "" && order.CustomerPhone != q.CustomerPhone {
			continue
		}
		copied := *order
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeOrderRepo) SetExternalOrderID(ctx context.Context, id, externalOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return fmt.Errorf("order not found")
	}
	if order.PaymentDetails == nil {
		order.PaymentDetails = &core.PaymentDetails{}
	}
	order.PaymentDetails.ExternalOrderID = externalOrderID
	return nil
}

func (f *fakeOrderRepo) UpdateStatus(ctx context.Context, id string, status core.OrderStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return fmt.Errorf("order not found")
	}
	order.Status = status
	return nil
}

func (f *fakeOrderRepo) UpdatePayment(ctx context.Context, id string, status core.PaymentStatus, details *core.PaymentDetails, advancePending bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return fmt.Errorf("order not found")
	}
	order.PaymentStatus = status
	order.PaymentDetails = details
	if advancePending && order.Status == core.OrderStatusPending {
		order.Status = core.OrderStatusConfirmed
	}
	return nil
}

func (f *fakeOrderRepo) UpdatePaymentDetails(ctx context.Context, id string, details *core.PaymentDetails) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return fmt.Errorf("order not found")
	}
	order.PaymentDetails = details
	return nil
}

func (f *fakeOrderRepo) HasSessionTagged(ctx context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, order := range f.orders {
		if order.SessionID == sessionID {
			return true, nil
		}
	}
	return false, nil
}

func scopeMatches(order *core.Order, scope core.SessionScope) bool {
	if scope.Tagged {
		return order.SessionID == scope.SessionID
	}
	return order.BranchID == scope.BranchID &&
		!order.CreatedAt.Before(scope.From) && !order.CreatedAt.After(scope.To)
}

func (f *fakeOrderRepo) CountActive(ctx context.Context, scope core.SessionScope) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, order := range f.orders {
		if scopeMatches(order, scope) && order.IsActive() {
			count++
		}
	}
	return count, nil
}

func (f *fakeOrderRepo) Aggregate(ctx context.Context, scope core.SessionScope) (*core.SessionTotals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	totals := &core.SessionTotals{}
	for _, order := range f.orders {
		if !scopeMatches(order, scope) || order.Status == core.OrderStatusCancelled {
			continue
		}
		switch order.PaymentStatus {
		case core.PaymentStatusPaid:
			totals.OrdersCount++
			totals.GrossSales += order.TotalAmount
			totals.Discounts += order.DiscountAmount
			switch strings.ToLower(order.PaymentMethod) {
			case "cash":
				totals.ByMethod.Cash += order.TotalAmount
			case "card":
				totals.ByMethod.Card += order.TotalAmount
			case "online":
				totals.ByMethod.Online += order.TotalAmount
			}
		case core.PaymentStatusRefunded:
			totals.Refunds += order.TotalAmount
		}
	}
	totals.NetSales = totals.GrossSales - totals.Discounts - totals.Refunds
	return totals, nil
}

func (f *fakeOrderRepo) ListForScope(ctx context.Context, scope core.SessionScope) ([]*core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.Order
	for _, order := range f.orders {
		if scopeMatches(order, scope) {
			copied := *order
			out = append(out, &copied)
		}
	}
	return out, nil
}

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*core.RegisterSession
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*core.RegisterSession)}
}

func (f *fakeSessionRepo) Create(ctx context.Context, session *core.RegisterSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *session
	f.sessions[session.ID] = &copied
	return nil
}

func (f *fakeSessionRepo) GetByID(ctx context.Context, id string) (*core.RegisterSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found")
	}
	copied := *session
	return &copied, nil
}

func (f *fakeSessionRepo) GetOpenByBranch(ctx context.Context, branchID string) (*core.RegisterSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, session := range f.sessions {
		if session.BranchID == branchID && session.Status == core.SessionStatusOpen {
			copied := *session
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeSessionRepo) Close(ctx context.Context, session *core.RegisterSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.sessions[session.ID]
	if !ok || stored.Status != core.SessionStatusOpen {
		return core.ErrSessionNotOpen
	}
	copied := *session
	f.sessions[session.ID] = &copied
	return nil
}

type fakeTableRepo struct {
	mu     sync.Mutex
	tables map[string]*core.DiningTable
	orders *fakeOrderRepo
}

func newFakeTableRepo(orders *fakeOrderRepo) *fakeTableRepo {
	return &fakeTableRepo{tables: make(map[string]*core.DiningTable), orders: orders}
}

func (f *fakeTableRepo) GetByID(ctx context.Context, id string) (*core.DiningTable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table, ok := f.tables[id]
	if !ok {
		return nil, fmt.Errorf("table not found")
	}
	copied := *table
	return &copied, nil
}

func (f *fakeTableRepo) Occupy(ctx context.Context, tableID, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	table, ok := f.tables[tableID]
	if !ok {
		return fmt.Errorf("table not found")
	}
	table.IsOccupied = true
	table.CurrentOrderID = orderID
	return nil
}

func (f *fakeTableRepo) Release(ctx context.Context, tableID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	table, ok := f.tables[tableID]
	if !ok {
		return fmt.Errorf("table not found")
	}
	table.IsOccupied = false
	table.CurrentOrderID = ""
	return nil
}

func (f *fakeTableRepo) CountBlocking(ctx context.Context, scope core.SessionScope) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, table := range f.tables {
		if table.BranchID != scope.BranchID || !table.IsOccupied {
			continue
		}
		if table.CurrentOrderID == "" {
			count++
			continue
		}
		order, err := f.orders.GetByID(ctx, table.CurrentOrderID)
		if err != nil || order.IsActive() {
			count++
		}
	}
	return count, nil
}

func (f *fakeTableRepo) SweepStale(ctx context.Context, branchID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cleared := 0
	for _, table := range f.tables {
		if table.BranchID == branchID && table.IsOccupied && table.CurrentOrderID == "" {
			table.IsOccupied = false
			cleared++
		}
	}
	return cleared, nil
}

type publishedEvent struct {
	Topic string
	Type  string
	Data  interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakePublisher) Publish(topic string, eventType string, data interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{Topic: topic, Type: eventType, Data: data})
}

func (f *fakePublisher) count(topic, eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Topic == topic && e.Type == eventType {
			n++
		}
	}
	return n
}

type fakeCache struct {
	mu          sync.Mutex
	entries     map[string][]byte
	invalidated []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (f *fakeCache) Get(ctx context.Context, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.entries[key]
	return payload, ok
}

func (f *fakeCache) Put(ctx context.Context, key string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = payload
}

func (f *fakeCache) Invalidate(ctx context.Context, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	f.invalidated = append(f.invalidated, key)
}

type fakeGateway struct {
	secretSet    bool
	validSig     string
	createdCount int
}

func (f *fakeGateway) CreatePaymentOrder(ctx context.Context, orderCode string, amount float64, customerPhone string) (*core.GatewayOrder, error) {
	f.createdCount++
	return &core.GatewayOrder{
		ExternalOrderID: fmt.Sprintf("order_%d_%s", time.Now().UnixMilli(), orderCode),
		PaymentLink:     "https://pay.example.com/" + orderCode,
		Status:          "ACTIVE",
	}, nil
}

func (f *fakeGateway) FetchOrderStatus(ctx context.Context, externalOrderID string) (json.RawMessage, error) {
	return json.RawMessage(`{"order_status":"PAID"}`), nil
}

func (f *fakeGateway) VerifySignature(signature, timestamp string, body []byte) bool {
	return f.secretSet && signature == f.validSig
}

func (f *fakeGateway) SecretConfigured() bool {
	return f.secretSet
}
