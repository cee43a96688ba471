package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/opentill/opentill/internal/core"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository implements OrderRepository, SessionRepository, TableRepository
// and CashierRepository using GORM with the pgx driver
type Repository struct {
	db                *gorm.DB
	orderRepository   *orderRepository
	sessionRepository *sessionRepository
	tableRepository   *tableRepository
	cashierRepository *cashierRepository
}

type orderRepository struct {
	*Repository
}

type sessionRepository struct {
	*Repository
}

type tableRepository struct {
	*Repository
}

type cashierRepository struct {
	*Repository
}

// NewRepository creates a new Postgres repository instance
func NewRepository(dbURL string) (*Repository, error) {
	db, err := gorm.Open(postgres.Open(dbURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	repo := &Repository{db: db}
	repo.orderRepository = &orderRepository{Repository: repo}
	repo.sessionRepository = &sessionRepository{Repository: repo}
	repo.tableRepository = &tableRepository{Repository: repo}
	repo.cashierRepository = &cashierRepository{Repository: repo}
	return repo, nil
}

// OrderRepository returns the OrderRepository interface implementation
func (r *Repository) OrderRepository() core.OrderRepository {
	return r.orderRepository
}

// SessionRepository returns the SessionRepository interface implementation
func (r *Repository) SessionRepository() core.SessionRepository {
	return r.sessionRepository
}

// TableRepository returns the TableRepository interface implementation
func (r *Repository) TableRepository() core.TableRepository {
	return r.tableRepository
}

// CashierRepository returns the CashierRepository interface implementation
func (r *Repository) CashierRepository() core.CashierRepository {
	return r.cashierRepository
}

var activeStatuses = []string{
	string(core.OrderStatusPending),
	string(core.OrderStatusConfirmed),
	string(core.OrderStatusPreparing),
}

var unsettledPaymentStatuses = []string{
	string(core.PaymentStatusUnpaid),
	string(core.PaymentStatusPending),
}

var terminalStatuses = []string{
	string(core.OrderStatusDelivered),
	string(core.OrderStatusCancelled),
}

// scoped applies a session scope to an orders query: exact session tag when
// orders carry it, branch + time window otherwise.
func scoped(query *gorm.DB, scope core.SessionScope) *gorm.DB {
	if scope.Tagged {
		return query.Where("session_id = ?", scope.SessionID)
	}
	return query.Where("branch_id = ? AND created_at >= ? AND created_at <= ?",
		scope.BranchID, scope.From, scope.To)
}

// OrderRepository implementation

// Create creates a new order with its items in a transaction
func (r *orderRepository) Create(ctx context.Context, order *core.Order) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		orderModel, err := OrderModelFromDomain(order)
		if err != nil {
			return err
		}
		if err := tx.Table("orders").Create(orderModel).Error; err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		for _, item := range order.Items {
			itemModel := OrderItemModelFromDomain(&item)
			itemModel.OrderID = orderModel.ID
			if err := tx.Table("order_items").Create(itemModel).Error; err != nil {
				return fmt.Errorf("failed to create order item: %w", err)
			}
		}

		return nil
	})
}

// fetchItems retrieves the line items of an order
func (r *orderRepository) fetchItems(ctx context.Context, orderID string) ([]core.OrderItem, error) {
	var itemModels []OrderItemModel
	if err := r.db.WithContext(ctx).Table("order_items").
		Where("order_id = ?", orderID).
		Find(&itemModels).Error; err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}

	items := make([]core.OrderItem, len(itemModels))
	for i, im := range itemModels {
		items[i] = *im.ToDomain()
	}
	return items, nil
}

// hydrate converts a model and attaches its items
func (r *orderRepository) hydrate(ctx context.Context, model *OrderModel) (*core.Order, error) {
	order, err := model.ToDomain()
	if err != nil {
		return nil, err
	}
	items, err := r.fetchItems(ctx, model.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

// GetByID retrieves an order by its ID with all items
func (r *orderRepository) GetByID(ctx context.Context, id string) (*core.Order, error) {
	var orderModel OrderModel
	if err := r.db.WithContext(ctx).Table("orders").Where("id = ?", id).First(&orderModel).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("order not found: %w", err)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return r.hydrate(ctx, &orderModel)
}

// GetByCode retrieves an order by its human-readable order code
func (r *orderRepository) GetByCode(ctx context.Context, code string) (*core.Order, error) {
	var orderModel OrderModel
	if err := r.db.WithContext(ctx).Table("orders").Where("order_code = ?", code).First(&orderModel).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("order not found: %w", err)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return r.hydrate(ctx, &orderModel)
}

// FindByExternalOrderID finds the order whose payment snapshot carries the
// gateway's order id. Returns (nil, nil) when no order matches.
func (r *orderRepository) FindByExternalOrderID(ctx context.Context, externalOrderID string) (*core.Order, error) {
	var orderModel OrderModel
	err := r.db.WithContext(ctx).Table("orders").
		Where("payment_details->>'external_order_id' = ?", externalOrderID).
		Order("created_at DESC").
		First(&orderModel).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find order by external id: %w", err)
	}
	return r.hydrate(ctx, &orderModel)
}

// FindOnlineCreatedAround finds the online-payment order created closest to
// the given instant within the tolerance window. Orders already bound to an
// external order id are excluded: the fallback exists to repair a lost id
// write, and must never steal a payment from an order the gateway already
// knows by another id. Returns (nil, nil) when no order matches.
func (r *orderRepository) FindOnlineCreatedAround(ctx context.Context, at time.Time, tolerance time.Duration) (*core.Order, error) {
	var orderModel OrderModel
	err := r.db.WithContext(ctx).Table("orders").
		Where("LOWER(payment_method) = ? AND created_at >= ? AND created_at <= ?",
			"online", at.Add(-tolerance), at.Add(tolerance)).
		Where("payment_details->>'external_order_id' IS NULL").
		Order(clause.OrderBy{Expression: clause.Expr{
			SQL:  "ABS(EXTRACT(EPOCH FROM (created_at - ?)))",
			Vars: []interface{}{at},
		}}).
		First(&orderModel).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find order by creation window: %w", err)
	}
	return r.hydrate(ctx, &orderModel)
}

// FindByFreeText scans notes and the raw payment snapshot for a literal
// occurrence of the external id. Last-resort matcher; (nil, nil) on miss.
func (r *orderRepository) FindByFreeText(ctx context.Context, externalOrderID string) (*core.Order, error) {
	pattern := "%" + externalOrderID + "%"
	var orderModel OrderModel
	err := r.db.WithContext(ctx).Table("orders").
		Where("notes LIKE ? OR payment_details::text LIKE ?", pattern, pattern).
		Order("created_at DESC").
		First(&orderModel).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find order by free text: %w", err)
	}
	return r.hydrate(ctx, &orderModel)
}

// FindStructuralCandidates finds recently created orders whose rough shape
// (branch, restaurant, rounded subtotal, table presence, optional phone)
// matches an incoming creation request.
func (r *orderRepository) FindStructuralCandidates(ctx context.Context, q core.StructuralQuery) ([]*core.Order, error) {
	query := r.db.WithContext(ctx).Table("orders").
		Where("restaurant_id = ? AND branch_id = ? AND created_at >= ?",
			q.RestaurantID, q.BranchID, q.CreatedAfter).
		Where("ROUND(subtotal) = ?", math.Round(q.RoundedSubtotal))

	if q.TableID != "" {
		query = query.Where("table_id = ?", q.TableID)
	} else {
		query = query.Where("table_id IS NULL")
	}
	if q.CustomerPhone != "" {
		query = query.Where("customer_phone = ?", q.CustomerPhone)
	}

	var orderModels []OrderModel
	if err := query.Order("created_at DESC").Limit(10).Find(&orderModels).Error; err != nil {
		return nil, fmt.Errorf("failed to find structural candidates: %w", err)
	}

	orders := make([]*core.Order, 0, len(orderModels))
	for i := range orderModels {
		order, err := r.hydrate(ctx, &orderModels[i])
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// SetExternalOrderID backfills the gateway order id onto the payment snapshot
// so later webhooks resolve via direct lookup
func (r *orderRepository) SetExternalOrderID(ctx context.Context, id, externalOrderID string) error {
	result := r.db.WithContext(ctx).Table("orders").
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"payment_details": gorm.Expr(
				"jsonb_set(COALESCE(payment_details, '{}'::jsonb), '{external_order_id}', to_jsonb(?::text))",
				externalOrderID),
			"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
		})

	if result.Error != nil {
		return fmt.Errorf("failed to backfill external order id: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("order not found")
	}
	return nil
}

// UpdateStatus updates the lifecycle status of an order
func (r *orderRepository) UpdateStatus(ctx context.Context, id string, status core.OrderStatus) error {
	result := r.db.WithContext(ctx).Table("orders").
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     string(status),
			"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
		})

	if result.Error != nil {
		return fmt.Errorf("failed to update order status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("order not found")
	}
	return nil
}

// UpdatePayment replaces the payment snapshot wholesale and sets the payment
// status in one write. When advancePending is true a pending order is moved to
// confirmed in the same statement, so re-applying the identical webhook leaves
// the row unchanged.
func (r *orderRepository) UpdatePayment(ctx context.Context, id string, status core.PaymentStatus, details *core.PaymentDetails, advancePending bool) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal payment details: %w", err)
	}

	updates := map[string]interface{}{
		"payment_status":  string(status),
		"payment_details": detailsJSON,
		"updated_at":      gorm.Expr("CURRENT_TIMESTAMP"),
	}
	if advancePending {
		updates["status"] = gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END",
			string(core.OrderStatusPending), string(core.OrderStatusConfirmed))
	}

	result := r.db.WithContext(ctx).Table("orders").Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update payment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("order not found")
	}
	return nil
}

// UpdatePaymentDetails replaces the snapshot without touching either status
// axis. Used for abandoned payment attempts.
func (r *orderRepository) UpdatePaymentDetails(ctx context.Context, id string, details *core.PaymentDetails) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal payment details: %w", err)
	}

	result := r.db.WithContext(ctx).Table("orders").
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"payment_details": detailsJSON,
			"updated_at":      gorm.Expr("CURRENT_TIMESTAMP"),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update payment details: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("order not found")
	}
	return nil
}

// HasSessionTagged reports whether any order carries the session id tag
func (r *orderRepository) HasSessionTagged(ctx context.Context, sessionID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Table("orders").
		Where("session_id = ?", sessionID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check session tags: %w", err)
	}
	return count > 0, nil
}

// CountActive counts orders in the scope that block a session close: not yet
// terminal, or carrying unsettled money
func (r *orderRepository) CountActive(ctx context.Context, scope core.SessionScope) (int, error) {
	var count int64
	query := scoped(r.db.WithContext(ctx).Table("orders"), scope).
		Where("status NOT IN ?", terminalStatuses).
		Where("status IN ? OR payment_status IN ?", activeStatuses, unsettledPaymentStatuses)

	if err := query.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count active orders: %w", err)
	}
	return int(count), nil
}

// Aggregate computes the session's financial totals server-side. Sales sums
// are gated on payment status paid; cancelled orders are excluded.
func (r *orderRepository) Aggregate(ctx context.Context, scope core.SessionScope) (*core.SessionTotals, error) {
	type aggregateRow struct {
		OrdersCount int
		GrossSales  float64
		Discounts   float64
		Refunds     float64
		CashTotal   float64
		CardTotal   float64
		OnlineTotal float64
	}

	paid := string(core.PaymentStatusPaid)
	refunded := string(core.PaymentStatusRefunded)
	var row aggregateRow
	query := scoped(r.db.WithContext(ctx).Table("orders"), scope).
		Where("status <> ?", string(core.OrderStatusCancelled)).
		Select(`
			COUNT(*) FILTER (WHERE payment_status = ?) AS orders_count,
			COALESCE(SUM(total_amount) FILTER (WHERE payment_status = ?), 0) AS gross_sales,
			COALESCE(SUM(discount_amount) FILTER (WHERE payment_status = ?), 0) AS discounts,
			COALESCE(SUM(total_amount) FILTER (WHERE payment_status = ?), 0) AS refunds,
			COALESCE(SUM(total_amount) FILTER (WHERE payment_status = ? AND LOWER(payment_method) = 'cash'), 0) AS cash_total,
			COALESCE(SUM(total_amount) FILTER (WHERE payment_status = ? AND LOWER(payment_method) = 'card'), 0) AS card_total,
			COALESCE(SUM(total_amount) FILTER (WHERE payment_status = ? AND LOWER(payment_method) = 'online'), 0) AS online_total`,
			paid, paid, paid, refunded, paid, paid, paid)

	if err := query.Scan(&row).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate session totals: %w", err)
	}

	return &core.SessionTotals{
		OrdersCount: row.OrdersCount,
		GrossSales:  row.GrossSales,
		NetSales:    row.GrossSales - row.Discounts - row.Refunds,
		Discounts:   row.Discounts,
		Refunds:     row.Refunds,
		ByMethod: core.MethodBreakdown{
			Cash:   row.CashTotal,
			Card:   row.CardTotal,
			Online: row.OnlineTotal,
		},
	}, nil
}

// ListForScope retrieves the full order set attributable to a session,
// oldest first, with items. Used by the Z-report.
func (r *orderRepository) ListForScope(ctx context.Context, scope core.SessionScope) ([]*core.Order, error) {
	var orderModels []OrderModel
	query := scoped(r.db.WithContext(ctx).Table("orders"), scope).Order("created_at ASC")
	if err := query.Find(&orderModels).Error; err != nil {
		return nil, fmt.Errorf("failed to list session orders: %w", err)
	}

	orders := make([]*core.Order, 0, len(orderModels))
	for i := range orderModels {
		order, err := r.hydrate(ctx, &orderModels[i])
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// NormalizePhone strips formatting characters from a customer phone so the
// same caller always produces the same stored value
func NormalizePhone(phone string) string {
	var builder strings.Builder
	builder.Grow(len(phone))
	for _, char := range phone {
		if char >= '0' && char <= '9' {
			builder.WriteRune(char)
		}
	}
	return builder.String()
}
