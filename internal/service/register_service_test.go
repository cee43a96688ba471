package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opentill/opentill/internal/core"
	"github.com/opentill/opentill/internal/events"
)

type registerFixture struct {
	svc      *RegisterService
	sessions *fakeSessionRepo
	orders   *fakeOrderRepo
	tables   *fakeTableRepo
	pub      *fakePublisher
	now      time.Time
}

func setupRegisterService(t *testing.T) *registerFixture {
	t.Helper()

	orders := newFakeOrderRepo()
	fx := &registerFixture{
		sessions: newFakeSessionRepo(),
		orders:   orders,
		tables:   newFakeTableRepo(orders),
		pub:      &fakePublisher{},
		now:      time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}

	fx.svc = NewRegisterService(fx.sessions, fx.orders, fx.tables, fx.pub)
	fx.svc.now = func() time.Time { return fx.now }

	return fx
}

func (fx *registerFixture) openSession(t *testing.T) *core.RegisterSession {
	t.Helper()
	session, err := fx.svc.Open(context.Background(), &OpenSessionInput{
		BranchID:     "branch-1",
		CashierID:    "cashier-1",
		OpeningFloat: 5000,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return session
}

func (fx *registerFixture) addOrder(id string, sessionID string, status core.OrderStatus, payment core.PaymentStatus, method string, total float64) *core.Order {
	order := &core.Order{
		ID:            id,
		OrderCode:     "ORD-" + id,
		BranchID:      "branch-1",
		SessionID:     sessionID,
		TotalAmount:   total,
		Status:        status,
		PaymentStatus: payment,
		PaymentMethod: method,
		CreatedAt:     fx.now,
	}
	fx.orders.Create(context.Background(), order)
	return order
}

func TestOpenRejectsSecondSessionForBranch(t *testing.T) {
	fx := setupRegisterService(t)
	fx.openSession(t)

	_, err := fx.svc.Open(context.Background(), &OpenSessionInput{
		BranchID:  "branch-1",
		CashierID: "cashier-2",
	})
	if !errors.Is(err, core.ErrOpenSessionExists) {
		t.Fatalf("expected ErrOpenSessionExists, got %v", err)
	}

	// A different branch is unaffected
	if _, err := fx.svc.Open(context.Background(), &OpenSessionInput{
		BranchID:  "branch-2",
		CashierID: "cashier-2",
	}); err != nil {
		t.Fatalf("open on another branch: %v", err)
	}
}

func TestCloseRefusedWhileOrdersActive(t *testing.T) {
	fx := setupRegisterService(t)
	session := fx.openSession(t)
	fx.now = fx.now.Add(time.Hour)

	fx.addOrder("o1", session.ID, core.OrderStatusPreparing, core.PaymentStatusUnpaid, "cash", 800)
	fx.addOrder("o2", session.ID, core.OrderStatusDelivered, core.PaymentStatusPaid, "cash", 500)

	_, err := fx.svc.Close(context.Background(), session.ID, &CloseSessionInput{ClosingCash: 5500})

	var conflict *CloseConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected CloseConflictError, got %v", err)
	}
	if conflict.ActiveOrdersCount != 1 {
		t.Errorf("expected 1 active order, got %d", conflict.ActiveOrdersCount)
	}
	if conflict.OccupiedTablesCount != 0 {
		t.Errorf("expected 0 occupied tables, got %d", conflict.OccupiedTablesCount)
	}
}

func TestCloseRefusedWhileTableOccupiedWithoutOrder(t *testing.T) {
	fx := setupRegisterService(t)
	session := fx.openSession(t)
	fx.now = fx.now.Add(time.Hour)

	// Stale linkage: occupied flag survived, the order write did not
	fx.tables.tables["t1"] = &core.DiningTable{ID: "t1", BranchID: "branch-1", IsOccupied: true}
	fx.addOrder("o1", session.ID, core.OrderStatusDelivered, core.PaymentStatusPaid, "cash", 500)

	_, err := fx.svc.Close(context.Background(), session.ID, &CloseSessionInput{ClosingCash: 5500})
	var conflict *CloseConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected CloseConflictError, got %v", err)
	}
	if conflict.OccupiedTablesCount != 1 {
		t.Errorf("expected 1 occupied table, got %d", conflict.OccupiedTablesCount)
	}

	// The sweep resolves it
	cleared, err := fx.svc.SweepStaleTables(context.Background(), "branch-1")
	if err != nil {
		t.Fatalf("SweepStaleTables: %v", err)
	}
	if cleared != 1 {
		t.Errorf("expected 1 table cleared, got %d", cleared)
	}

	if _, err := fx.svc.Close(context.Background(), session.ID, &CloseSessionInput{ClosingCash: 5500}); err != nil {
		t.Fatalf("close after sweep: %v", err)
	}
}

func TestCloseIgnoresTableWithTerminalOrder(t *testing.T) {
	fx := setupRegisterService(t)
	session := fx.openSession(t)
	fx.now = fx.now.Add(time.Hour)

	order := fx.addOrder("o1", session.ID, core.OrderStatusDelivered, core.PaymentStatusPaid, "cash", 500)
	fx.tables.tables["t1"] = &core.DiningTable{
		ID: "t1", BranchID: "branch-1", IsOccupied: true, CurrentOrderID: order.ID,
	}

	session, err := fx.svc.Close(context.Background(), session.ID, &CloseSessionInput{ClosingCash: 5500})
	if err != nil {
		t.Fatalf("expected close to succeed with terminal current order, got %v", err)
	}
	if session.Status != core.SessionStatusClosed {
		t.Errorf("expected closed status, got %s", session.Status)
	}
}

func TestCloseAggregatesServerSide(t *testing.T) {
	fx := setupRegisterService(t)
	session := fx.openSession(t)
	fx.now = fx.now.Add(time.Hour)

	discounted := fx.addOrder("o1", session.ID, core.OrderStatusDelivered, core.PaymentStatusPaid, "cash", 1200)
	discounted.DiscountAmount = 100
	fx.orders.orders["o1"] = discounted
	fx.addOrder("o2", session.ID, core.OrderStatusDelivered, core.PaymentStatusPaid, "CARD", 800)
	fx.addOrder("o3", session.ID, core.OrderStatusDelivered, core.PaymentStatusPaid, "online", 600)
	fx.addOrder("o4", session.ID, core.OrderStatusCancelled, core.PaymentStatusFailed, "cash", 999)
	fx.addOrder("o5", session.ID, core.OrderStatusDelivered, core.PaymentStatusRefunded, "card", 300)

	closed, err := fx.svc.Close(context.Background(), session.ID, &CloseSessionInput{
		ClosingCash:  6100,
		ExpectedCash: 6150,
	})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	totals := closed.Totals
	if totals.OrdersCount != 3 {
		t.Errorf("expected 3 paid orders, got %d", totals.OrdersCount)
	}
	if totals.GrossSales != 2600 {
		t.Errorf("expected gross 2600, got %.2f", totals.GrossSales)
	}
	if totals.Discounts != 100 {
		t.Errorf("expected discounts 100, got %.2f", totals.Discounts)
	}
	if totals.Refunds != 300 {
		t.Errorf("expected refunds 300, got %.2f", totals.Refunds)
	}
	if totals.NetSales != 2200 {
		t.Errorf("expected net 2200, got %.2f", totals.NetSales)
	}
	if totals.ByMethod.Cash != 1200 || totals.ByMethod.Card != 800 || totals.ByMethod.Online != 600 {
		t.Errorf("unexpected method breakdown: %+v", totals.ByMethod)
	}

	// expected cash is the operator's figure, not a derived one
	if closed.ExpectedCash != 6150 {
		t.Errorf("expected expected_cash 6150, got %.2f", closed.ExpectedCash)
	}
	if closed.CashVariance != -50 {
		t.Errorf("expected variance -50, got %.2f", closed.CashVariance)
	}
	if closed.ClosedAt == nil {
		t.Error("expected closed_at to be set")
	}

	if fx.pub.count(events.TopicBranch("branch-1"), events.EventSessionClosed) != 1 {
		t.Error("expected session_closed on the branch topic")
	}
}

func TestCloseTwiceIsRejected(t *testing.T) {
	fx := setupRegisterService(t)
	session := fx.openSession(t)
	fx.now = fx.now.Add(time.Hour)

	if _, err := fx.svc.Close(context.Background(), session.ID, &CloseSessionInput{ClosingCash: 5000}); err != nil {
		t.Fatalf("first close: %v", err)
	}

	_, err := fx.svc.Close(context.Background(), session.ID, &CloseSessionInput{ClosingCash: 5000})
	if !errors.Is(err, core.ErrSessionNotOpen) {
		t.Fatalf("expected ErrSessionNotOpen on second close, got %v", err)
	}
}

func TestCloseUsesTimeWindowWhenOrdersUntagged(t *testing.T) {
	fx := setupRegisterService(t)
	session := fx.openSession(t)
	fx.now = fx.now.Add(time.Hour)

	// Orders without a session tag fall back to branch + window matching
	fx.addOrder("o1", "", core.OrderStatusDelivered, core.PaymentStatusPaid, "cash", 700)

	closed, err := fx.svc.Close(context.Background(), session.ID, &CloseSessionInput{ClosingCash: 5700, ExpectedCash: 5700})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if closed.Totals.GrossSales != 700 {
		t.Errorf("expected window-matched gross 700, got %.2f", closed.Totals.GrossSales)
	}
	if closed.CashVariance != 0 {
		t.Errorf("expected zero variance, got %.2f", closed.CashVariance)
	}
}
