package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opentill/opentill/internal/core"
	"gorm.io/gorm"
)

// SessionRepository implementation

// Create creates a new register session
func (r *sessionRepository) Create(ctx context.Context, session *core.RegisterSession) error {
	model := SessionModelFromDomain(session)
	if err := r.db.WithContext(ctx).Table("register_sessions").Create(model).Error; err != nil {
		return fmt.Errorf("failed to create register session: %w", err)
	}
	return nil
}

// GetByID retrieves a register session by id
func (r *sessionRepository) GetByID(ctx context.Context, id string) (*core.RegisterSession, error) {
	var model SessionModel
	if err := r.db.WithContext(ctx).Table("register_sessions").Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session not found: %w", err)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return model.ToDomain(), nil
}

// GetOpenByBranch returns the branch's open session, or (nil, nil) when the
// branch has none
func (r *sessionRepository) GetOpenByBranch(ctx context.Context, branchID string) (*core.RegisterSession, error) {
	var model SessionModel
	err := r.db.WithContext(ctx).Table("register_sessions").
		Where("branch_id = ? AND status = ?", branchID, string(core.SessionStatusOpen)).
		Order("opened_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get open session: %w", err)
	}
	return model.ToDomain(), nil
}

// Close persists the close-time state of a session. The status guard in the
// WHERE clause makes a second close of an already-closed session a no-op
// rejection rather than a corrupting race.
func (r *sessionRepository) Close(ctx context.Context, session *core.RegisterSession) error {
	closedAt := sql.NullTime{}
	if session.ClosedAt != nil {
		closedAt = sql.NullTime{Time: *session.ClosedAt, Valid: true}
	}

	result := r.db.WithContext(ctx).Table("register_sessions").
		Where("id = ? AND status = ?", session.ID, string(core.SessionStatusOpen)).
		Updates(map[string]interface{}{
			"status":        string(core.SessionStatusClosed),
			"closed_at":     closedAt,
			"closing_cash":  session.ClosingCash,
			"expected_cash": session.ExpectedCash,
			"cash_variance": session.CashVariance,
			"orders_count":  session.Totals.OrdersCount,
			"gross_sales":   session.Totals.GrossSales,
			"net_sales":     session.Totals.NetSales,
			"discounts":     session.Totals.Discounts,
			"refunds":       session.Totals.Refunds,
			"cash_total":    session.Totals.ByMethod.Cash,
			"card_total":    session.Totals.ByMethod.Card,
			"online_total":  session.Totals.ByMethod.Online,
			"notes":         session.Notes,
		})

	if result.Error != nil {
		return fmt.Errorf("failed to close session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return core.ErrSessionNotOpen
	}
	return nil
}
