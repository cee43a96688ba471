package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opentill/opentill/internal/core"
	"github.com/opentill/opentill/internal/events"
)

type orderServiceFixture struct {
	svc       *OrderService
	orders    *fakeOrderRepo
	tables    *fakeTableRepo
	gateway   *fakeGateway
	publisher *fakePublisher
	now       time.Time
}

func setupOrderService(t *testing.T) *orderServiceFixture {
	t.Helper()

	orders := newFakeOrderRepo()
	tables := newFakeTableRepo(orders)
	gateway := &fakeGateway{}
	publisher := &fakePublisher{}

	fx := &orderServiceFixture{
		orders:    orders,
		tables:    tables,
		gateway:   gateway,
		publisher: publisher,
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	dedup := NewDedupGuard(10 * time.Second)
	dedup.now = func() time.Time { return fx.now }

	fx.svc = NewOrderService(orders, tables, gateway, publisher, dedup, 30*time.Second)
	fx.svc.now = func() time.Time { return fx.now }

	return fx
}

func validInput() *CreateOrderInput {
	return &CreateOrderInput{
		RestaurantID:  "rest-1",
		BranchID:      "branch-1",
		TableID:       "table-1",
		Items: []OrderItemInput{
			{MenuItemID: "item-1", Name: "Chicken Biryani", Price: 450, Quantity: 2},
			{MenuItemID: "item-2", Name: "Lassi", Price: 120, Quantity: 1},
		},
		TaxAmount:     102,
		CustomerPhone: "254700000001",
		PaymentMethod: "cash",
	}
}

func TestCreateOrderComputesTotalsServerSide(t *testing.T) {
	fx := setupOrderService(t)
	fx.tables.tables["table-1"] = &core.DiningTable{ID: "table-1", BranchID: "branch-1"}

	result, err := fx.svc.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	order := result.Order
	if order.Subtotal != 1020 {
		t.Errorf("expected subtotal 1020, got %.2f", order.Subtotal)
	}
	if order.TotalAmount != 1122 {
		t.Errorf("expected total 1122, got %.2f", order.TotalAmount)
	}
	if order.Status != core.OrderStatusPending {
		t.Errorf("expected status pending, got %s", order.Status)
	}
	if order.PaymentStatus != core.PaymentStatusUnpaid {
		t.Errorf("expected payment status unpaid, got %s", order.PaymentStatus)
	}
	if result.Duplicate {
		t.Error("fresh order must not be flagged duplicate")
	}

	table, _ := fx.tables.GetByID(context.Background(), "table-1")
	if !table.IsOccupied || table.CurrentOrderID != order.ID {
		t.Error("expected table to be occupied by the new order")
	}

	if fx.publisher.count(events.TopicBranch("branch-1"), events.EventOrderCreated) != 1 {
		t.Error("expected order_created on the branch topic")
	}
	if fx.publisher.count(events.TopicTable("table-1"), events.EventOrderCreated) != 1 {
		t.Error("expected order_created on the table topic")
	}
}

func TestCreateOrderRejectsExactResubmission(t *testing.T) {
	fx := setupOrderService(t)
	fx.tables.tables["table-1"] = &core.DiningTable{ID: "table-1", BranchID: "branch-1"}

	if _, err := fx.svc.Create(context.Background(), validInput()); err != nil {
		t.Fatalf("first create: %v", err)
	}

	fx.now = fx.now.Add(4 * time.Second)
	_, err := fx.svc.Create(context.Background(), validInput())

	var dup *DuplicateSubmissionError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateSubmissionError, got %v", err)
	}
	if dup.RetryAfter != 6*time.Second {
		t.Errorf("expected 6s retry-after, got %s", dup.RetryAfter)
	}
}

func TestCreateOrderStructuralDuplicateReturnsExisting(t *testing.T) {
	fx := setupOrderService(t)
	fx.tables.tables["table-1"] = &core.DiningTable{ID: "table-1", BranchID: "branch-1"}

	first, err := fx.svc.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	// A process restart wipes the fingerprint map; the store probe is the
	// second line of defense.
	fresh := NewDedupGuard(10 * time.Second)
	fresh.now = fx.svc.now
	fx.svc.dedup = fresh

	fx.now = fx.now.Add(15 * time.Second)
	second, err := fx.svc.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("second create: %v", err)
	}

	if !second.Duplicate {
		t.Fatal("expected structural duplicate flag")
	}
	if second.Order.ID != first.Order.ID {
		t.Errorf("expected the existing order back, got %s vs %s", second.Order.ID, first.Order.ID)
	}
}

func TestCreateOrderDistinctQuantityIsNotDuplicate(t *testing.T) {
	fx := setupOrderService(t)
	fx.tables.tables["table-1"] = &core.DiningTable{ID: "table-1", BranchID: "branch-1"}

	first, err := fx.svc.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	in := validInput()
	in.Items[1].Quantity = 2 // same rounded subtotal is unlikely, but composition differs regardless
	result, err := fx.svc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}

	if result.Duplicate {
		t.Error("different quantity must create a new order")
	}
	if result.Order.ID == first.Order.ID {
		t.Error("expected a new order id")
	}
}

func TestCreateOrderValidation(t *testing.T) {
	fx := setupOrderService(t)

	cases := []struct {
		name   string
		mutate func(*CreateOrderInput)
	}{
		{"missing branch", func(in *CreateOrderInput) { in.BranchID = "" }},
		{"no items", func(in *CreateOrderInput) { in.Items = nil }},
		{"zero quantity", func(in *CreateOrderInput) { in.Items[0].Quantity = 0 }},
		{"negative price", func(in *CreateOrderInput) { in.Items[0].Price = -1 }},
		{"negative tax", func(in *CreateOrderInput) { in.TaxAmount = -1 }},
		{"negative discount", func(in *CreateOrderInput) { in.DiscountAmount = -1 }},
		{"discount above subtotal", func(in *CreateOrderInput) { in.DiscountAmount = 99999 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInput()
			tc.mutate(in)
			_, err := fx.svc.Create(context.Background(), in)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateOnlineOrderGetsPaymentLink(t *testing.T) {
	fx := setupOrderService(t)

	in := validInput()
	in.TableID = ""
	in.PaymentMethod = "ONLINE"

	result, err := fx.svc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if result.PaymentLink == "" {
		t.Error("expected a payment link for an online order")
	}
	if fx.gateway.createdCount != 1 {
		t.Errorf("expected one gateway order, got %d", fx.gateway.createdCount)
	}

	stored, err := fx.orders.GetByID(context.Background(), result.Order.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.PaymentDetails == nil || stored.PaymentDetails.ExternalOrderID == "" {
		t.Error("expected the external order id to be recorded")
	}
}

func TestCreateOrderAppliesDiscount(t *testing.T) {
	fx := setupOrderService(t)

	in := validInput()
	in.DiscountAmount = 100

	result, err := fx.svc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	order := result.Order
	if order.DiscountAmount != 100 {
		t.Errorf("expected discount 100, got %.2f", order.DiscountAmount)
	}
	if order.Subtotal != 1020 {
		t.Errorf("expected subtotal 1020, got %.2f", order.Subtotal)
	}
	if order.TotalAmount != 1022 {
		t.Errorf("expected total 1022 after discount, got %.2f", order.TotalAmount)
	}
}

func TestCreateOrderFailedWriteAllowsImmediateRetry(t *testing.T) {
	fx := setupOrderService(t)
	fx.orders.failNextCreate = true

	if _, err := fx.svc.Create(context.Background(), validInput()); err == nil {
		t.Fatal("expected the first create to fail")
	}

	result, err := fx.svc.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("expected the retry to succeed, got %v", err)
	}
	if result.Duplicate {
		t.Error("a retry after a failed write must not be flagged duplicate")
	}
}

func TestUpdateStatusReleasesTableOnTerminal(t *testing.T) {
	fx := setupOrderService(t)
	fx.tables.tables["table-1"] = &core.DiningTable{ID: "table-1", BranchID: "branch-1"}

	created, err := fx.svc.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated, err := fx.svc.UpdateStatus(context.Background(), created.Order.ID, core.OrderStatusDelivered)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if updated.Status != core.OrderStatusDelivered {
		t.Errorf("expected delivered, got %s", updated.Status)
	}

	table, _ := fx.tables.GetByID(context.Background(), "table-1")
	if table.IsOccupied || table.CurrentOrderID != "" {
		t.Error("expected the table released when the order reached a terminal state")
	}

	if fx.publisher.count(events.TopicBranch("branch-1"), events.EventOrderUpdated) != 1 {
		t.Error("expected order_updated on the branch topic")
	}
}

func TestUpdateStatusRejectsTerminalOrder(t *testing.T) {
	fx := setupOrderService(t)

	created, err := fx.svc.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fx.svc.UpdateStatus(context.Background(), created.Order.ID, core.OrderStatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err = fx.svc.UpdateStatus(context.Background(), created.Order.ID, core.OrderStatusPreparing)
	if !errors.Is(err, ErrOrderFinalized) {
		t.Fatalf("expected ErrOrderFinalized, got %v", err)
	}
}

func TestUpdateStatusRejectsUnknownStatus(t *testing.T) {
	fx := setupOrderService(t)

	created, err := fx.svc.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = fx.svc.UpdateStatus(context.Background(), created.Order.ID, core.OrderStatus("burnt"))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGetByCodeNormalizesInput(t *testing.T) {
	fx := setupOrderService(t)

	created, err := fx.svc.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	found, err := fx.svc.GetByCode(context.Background(), "  "+created.Order.OrderCode+" ")
	if err != nil {
		t.Fatalf("GetByCode: %v", err)
	}
	if found.ID != created.Order.ID {
		t.Errorf("expected order %s, got %s", created.Order.ID, found.ID)
	}
}

func TestCreateOrderTableFailureDoesNotFailOrder(t *testing.T) {
	fx := setupOrderService(t)
	// table-1 deliberately absent

	result, err := fx.svc.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("expected order creation to survive table stamp failure, got %v", err)
	}
	if result.Order == nil {
		t.Fatal("expected an order")
	}
}
