package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/opentill/opentill/internal/core"
	"gorm.io/gorm"
)

// TableRepository implementation

// GetByID retrieves a dining table by id
func (r *tableRepository) GetByID(ctx context.Context, id string) (*core.DiningTable, error) {
	var model TableModel
	if err := r.db.WithContext(ctx).Table("dining_tables").Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("table not found: %w", err)
		}
		return nil, fmt.Errorf("failed to get table: %w", err)
	}
	return model.ToDomain(), nil
}

// Occupy stamps an order reference onto a table and flags it occupied
func (r *tableRepository) Occupy(ctx context.Context, tableID, orderID string) error {
	result := r.db.WithContext(ctx).Table("dining_tables").
		Where("id = ?", tableID).
		Updates(map[string]interface{}{
			"is_occupied":      true,
			"current_order_id": orderID,
			"updated_at":       gorm.Expr("CURRENT_TIMESTAMP"),
		})

	if result.Error != nil {
		return fmt.Errorf("failed to occupy table: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("table not found")
	}
	return nil
}

// Release clears the occupancy flags on a table
func (r *tableRepository) Release(ctx context.Context, tableID string) error {
	result := r.db.WithContext(ctx).Table("dining_tables").
		Where("id = ?", tableID).
		Updates(map[string]interface{}{
			"is_occupied":      false,
			"current_order_id": nil,
			"updated_at":       gorm.Expr("CURRENT_TIMESTAMP"),
		})

	if result.Error != nil {
		return fmt.Errorf("failed to release table: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("table not found")
	}
	return nil
}

// CountBlocking counts tables that keep the session from closing: flagged
// occupied with no linked order (stale linkage), or linked to an order that is
// still active. A table whose current order reached a terminal state does not
// count.
func (r *tableRepository) CountBlocking(ctx context.Context, scope core.SessionScope) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Table("dining_tables").
		Joins("LEFT JOIN orders ON orders.id = dining_tables.current_order_id").
		Where("dining_tables.branch_id = ? AND dining_tables.is_occupied = ?", scope.BranchID, true).
		Where("orders.id IS NULL OR (orders.status NOT IN ? AND (orders.status IN ? OR orders.payment_status IN ?))",
			terminalStatuses, activeStatuses, unsettledPaymentStatuses).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count blocking tables: %w", err)
	}
	return int(count), nil
}

// SweepStale clears occupancy flags on tables with no linked current order.
// Compensates for the best-effort table linkage at order creation.
func (r *tableRepository) SweepStale(ctx context.Context, branchID string) (int, error) {
	result := r.db.WithContext(ctx).Table("dining_tables").
		Where("branch_id = ? AND is_occupied = ? AND current_order_id IS NULL", branchID, true).
		Updates(map[string]interface{}{
			"is_occupied": false,
			"updated_at":  gorm.Expr("CURRENT_TIMESTAMP"),
		})

	if result.Error != nil {
		return 0, fmt.Errorf("failed to sweep stale tables: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}
