package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opentill/opentill/internal/core"
)

// Database Models (with GORM tags)

// OrderModel represents the orders table structure
type OrderModel struct {
	ID             string         `gorm:"column:id;type:uuid;primaryKey"`
	OrderCode      string         `gorm:"column:order_code;type:varchar(20);not null;uniqueIndex"`
	RestaurantID   string         `gorm:"column:restaurant_id;type:uuid;not null;index"`
	BranchID       string         `gorm:"column:branch_id;type:uuid;not null;index"`
	TableID        sql.NullString `gorm:"column:table_id;type:uuid"`
	SessionID      sql.NullString `gorm:"column:session_id;type:uuid;index"`
	Subtotal       float64        `gorm:"column:subtotal;type:decimal(10,2);not null"`
	TaxAmount      float64        `gorm:"column:tax_amount;type:decimal(10,2);not null;default:0"`
	DiscountAmount float64        `gorm:"column:discount_amount;type:decimal(10,2);not null;default:0"`
	TotalAmount    float64        `gorm:"column:total_amount;type:decimal(10,2);not null"`
	Status         string         `gorm:"column:status;type:varchar(20);not null;default:'pending';index"`
	PaymentStatus  string         `gorm:"column:payment_status;type:varchar(20);not null;default:'unpaid';index"`
	PaymentMethod  string         `gorm:"column:payment_method;type:varchar(20)"`
	PaymentDetails []byte         `gorm:"column:payment_details;type:jsonb"`
	CustomerName   string         `gorm:"column:customer_name;type:varchar(255)"`
	CustomerPhone  string         `gorm:"column:customer_phone;type:varchar(20);index"`
	Notes          string         `gorm:"column:notes;type:text"`
	CreatedAt      time.Time      `gorm:"column:created_at;type:timestamp;not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;type:timestamp;not null;default:CURRENT_TIMESTAMP"`
}

func (OrderModel) TableName() string {
	return "orders"
}

// OrderModelFromDomain creates OrderModel from core.Order
func OrderModelFromDomain(order *core.Order) (*OrderModel, error) {
	tableID := sql.NullString{}
	if order.TableID != "" {
		tableID = sql.NullString{String: order.TableID, Valid: true}
	}

	sessionID := sql.NullString{}
	if order.SessionID != "" {
		sessionID = sql.NullString{String: order.SessionID, Valid: true}
	}

	var detailsJSON []byte
	if order.PaymentDetails != nil {
		data, err := json.Marshal(order.PaymentDetails)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payment details: %w", err)
		}
		detailsJSON = data
	}

	return &OrderModel{
		ID:             order.ID,
		OrderCode:      order.OrderCode,
		RestaurantID:   order.RestaurantID,
		BranchID:       order.BranchID,
		TableID:        tableID,
		SessionID:      sessionID,
		Subtotal:       order.Subtotal,
		TaxAmount:      order.TaxAmount,
		DiscountAmount: order.DiscountAmount,
		TotalAmount:    order.TotalAmount,
		Status:         string(order.Status),
		PaymentStatus:  string(order.PaymentStatus),
		PaymentMethod:  order.PaymentMethod,
		PaymentDetails: detailsJSON,
		CustomerName:   order.CustomerName,
		CustomerPhone:  order.CustomerPhone,
		Notes:          order.Notes,
		CreatedAt:      order.CreatedAt,
	}, nil
}

// ToDomain converts OrderModel to core.Order
func (o *OrderModel) ToDomain() (*core.Order, error) {
	order := &core.Order{
		ID:             o.ID,
		OrderCode:      o.OrderCode,
		RestaurantID:   o.RestaurantID,
		BranchID:       o.BranchID,
		Subtotal:       o.Subtotal,
		TaxAmount:      o.TaxAmount,
		DiscountAmount: o.DiscountAmount,
		TotalAmount:    o.TotalAmount,
		Status:         core.OrderStatus(o.Status),
		PaymentStatus:  core.PaymentStatus(o.PaymentStatus),
		PaymentMethod:  o.PaymentMethod,
		CustomerName:   o.CustomerName,
		CustomerPhone:  o.CustomerPhone,
		Notes:          o.Notes,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
		Items:          []core.OrderItem{}, // populated separately
	}

	if o.TableID.Valid {
		order.TableID = o.TableID.String
	}
	if o.SessionID.Valid {
		order.SessionID = o.SessionID.String
	}
	if len(o.PaymentDetails) > 0 {
		var details core.PaymentDetails
		if err := json.Unmarshal(o.PaymentDetails, &details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payment details: %w", err)
		}
		order.PaymentDetails = &details
	}

	return order, nil
}

// OrderItemModel represents the order_items table structure
type OrderItemModel struct {
	ID         string  `gorm:"column:id;type:uuid;primaryKey;default:uuid_generate_v4()"`
	OrderID    string  `gorm:"column:order_id;type:uuid;not null;index"`
	MenuItemID string  `gorm:"column:menu_item_id;type:uuid;not null"`
	Name       string  `gorm:"column:name;type:varchar(255);not null"`
	Price      float64 `gorm:"column:price;type:decimal(10,2);not null"`
	Quantity   int     `gorm:"column:quantity;type:integer;not null"`
	Subtotal   float64 `gorm:"column:subtotal;type:decimal(10,2);not null"`
}

func (OrderItemModel) TableName() string {
	return "order_items"
}

// OrderItemModelFromDomain creates OrderItemModel from core.OrderItem
func OrderItemModelFromDomain(item *core.OrderItem) *OrderItemModel {
	return &OrderItemModel{
		MenuItemID: item.MenuItemID,
		Name:       item.Name,
		Price:      item.Price,
		Quantity:   item.Quantity,
		Subtotal:   item.Subtotal,
	}
}

// ToDomain converts OrderItemModel to core.OrderItem
func (oi *OrderItemModel) ToDomain() *core.OrderItem {
	return &core.OrderItem{
		MenuItemID: oi.MenuItemID,
		Name:       oi.Name,
		Price:      oi.Price,
		Quantity:   oi.Quantity,
		Subtotal:   oi.Subtotal,
	}
}

// SessionModel represents the register_sessions table structure
type SessionModel struct {
	ID           string         `gorm:"column:id;type:uuid;primaryKey"`
	BranchID     string         `gorm:"column:branch_id;type:uuid;not null;index"`
	RestaurantID sql.NullString `gorm:"column:restaurant_id;type:uuid"`
	CashierID    string         `gorm:"column:cashier_id;type:uuid;not null"`
	Status       string         `gorm:"column:status;type:varchar(10);not null;default:'open';index"`
	OpenedAt     time.Time      `gorm:"column:opened_at;type:timestamp;not null"`
	ClosedAt     sql.NullTime   `gorm:"column:closed_at;type:timestamp"`
	OpeningFloat float64        `gorm:"column:opening_float;type:decimal(10,2);not null;default:0"`
	ClosingCash  float64        `gorm:"column:closing_cash;type:decimal(10,2);not null;default:0"`
	ExpectedCash float64        `gorm:"column:expected_cash;type:decimal(10,2);not null;default:0"`
	CashVariance float64        `gorm:"column:cash_variance;type:decimal(10,2);not null;default:0"`
	OrdersCount  int            `gorm:"column:orders_count;type:integer;not null;default:0"`
	GrossSales   float64        `gorm:"column:gross_sales;type:decimal(12,2);not null;default:0"`
	NetSales     float64        `gorm:"column:net_sales;type:decimal(12,2);not null;default:0"`
	Discounts    float64        `gorm:"column:discounts;type:decimal(12,2);not null;default:0"`
	Refunds      float64        `gorm:"column:refunds;type:decimal(12,2);not null;default:0"`
	CashTotal    float64        `gorm:"column:cash_total;type:decimal(12,2);not null;default:0"`
	CardTotal    float64        `gorm:"column:card_total;type:decimal(12,2);not null;default:0"`
	OnlineTotal  float64        `gorm:"column:online_total;type:decimal(12,2);not null;default:0"`
	Notes        string         `gorm:"column:notes;type:text"`
}

func (SessionModel) TableName() string {
	return "register_sessions"
}

// SessionModelFromDomain creates SessionModel from core.RegisterSession
func SessionModelFromDomain(session *core.RegisterSession) *SessionModel {
	restaurantID := sql.NullString{}
	if session.RestaurantID != "" {
		restaurantID = sql.NullString{String: session.RestaurantID, Valid: true}
	}

	closedAt := sql.NullTime{}
	if session.ClosedAt != nil {
		closedAt = sql.NullTime{Time: *session.ClosedAt, Valid: true}
	}

	return &SessionModel{
		ID:           session.ID,
		BranchID:     session.BranchID,
		RestaurantID: restaurantID,
		CashierID:    session.CashierID,
		Status:       string(session.Status),
		OpenedAt:     session.OpenedAt,
		ClosedAt:     closedAt,
		OpeningFloat: session.OpeningFloat,
		ClosingCash:  session.ClosingCash,
		ExpectedCash: session.ExpectedCash,
		CashVariance: session.CashVariance,
		OrdersCount:  session.Totals.OrdersCount,
		GrossSales:   session.Totals.GrossSales,
		NetSales:     session.Totals.NetSales,
		Discounts:    session.Totals.Discounts,
		Refunds:      session.Totals.Refunds,
		CashTotal:    session.Totals.ByMethod.Cash,
		CardTotal:    session.Totals.ByMethod.Card,
		OnlineTotal:  session.Totals.ByMethod.Online,
		Notes:        session.Notes,
	}
}

// ToDomain converts SessionModel to core.RegisterSession
func (s *SessionModel) ToDomain() *core.RegisterSession {
	session := &core.RegisterSession{
		ID:           s.ID,
		BranchID:     s.BranchID,
		CashierID:    s.CashierID,
		Status:       core.SessionStatus(s.Status),
		OpenedAt:     s.OpenedAt,
		OpeningFloat: s.OpeningFloat,
		ClosingCash:  s.ClosingCash,
		ExpectedCash: s.ExpectedCash,
		CashVariance: s.CashVariance,
		Totals: core.SessionTotals{
			OrdersCount: s.OrdersCount,
			GrossSales:  s.GrossSales,
			NetSales:    s.NetSales,
			Discounts:   s.Discounts,
			Refunds:     s.Refunds,
			ByMethod: core.MethodBreakdown{
				Cash:   s.CashTotal,
				Card:   s.CardTotal,
				Online: s.OnlineTotal,
			},
		},
		Notes: s.Notes,
	}

	if s.RestaurantID.Valid {
		session.RestaurantID = s.RestaurantID.String
	}
	if s.ClosedAt.Valid {
		t := s.ClosedAt.Time
		session.ClosedAt = &t
	}

	return session
}

// TableModel represents the dining_tables table structure
type TableModel struct {
	ID             string         `gorm:"column:id;type:uuid;primaryKey"`
	BranchID       string         `gorm:"column:branch_id;type:uuid;not null;index"`
	Number         string         `gorm:"column:number;type:varchar(20);not null"`
	IsOccupied     bool           `gorm:"column:is_occupied;type:boolean;not null;default:false"`
	CurrentOrderID sql.NullString `gorm:"column:current_order_id;type:uuid"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;type:timestamp;not null;default:CURRENT_TIMESTAMP"`
}

func (TableModel) TableName() string {
	return "dining_tables"
}

// ToDomain converts TableModel to core.DiningTable
func (t *TableModel) ToDomain() *core.DiningTable {
	table := &core.DiningTable{
		ID:         t.ID,
		BranchID:   t.BranchID,
		Number:     t.Number,
		IsOccupied: t.IsOccupied,
		UpdatedAt:  t.UpdatedAt,
	}
	if t.CurrentOrderID.Valid {
		table.CurrentOrderID = t.CurrentOrderID.String
	}
	return table
}

// CashierModel represents the cashiers table structure
type CashierModel struct {
	ID       string `gorm:"column:id;type:uuid;primaryKey"`
	BranchID string `gorm:"column:branch_id;type:uuid;not null;index"`
	Name     string `gorm:"column:name;type:varchar(255);not null"`
	Phone    string `gorm:"column:phone;type:varchar(20);not null;uniqueIndex"`
	PinHash  string `gorm:"column:pin_hash;type:varchar(255);not null"`
	Role     string `gorm:"column:role;type:varchar(20);not null;default:'CASHIER'"`
	IsActive bool   `gorm:"column:is_active;type:boolean;not null;default:true"`
}

func (CashierModel) TableName() string {
	return "cashiers"
}

// ToDomain converts CashierModel to core.Cashier
func (c *CashierModel) ToDomain() *core.Cashier {
	return &core.Cashier{
		ID:       c.ID,
		BranchID: c.BranchID,
		Name:     c.Name,
		Phone:    c.Phone,
		PinHash:  c.PinHash,
		Role:     c.Role,
		IsActive: c.IsActive,
	}
}
