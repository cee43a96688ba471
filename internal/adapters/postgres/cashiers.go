package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/opentill/opentill/internal/core"
	"gorm.io/gorm"
)

// CashierRepository implementation

// GetByPhone retrieves a cashier by phone number
func (r *cashierRepository) GetByPhone(ctx context.Context, phone string) (*core.Cashier, error) {
	var model CashierModel
	if err := r.db.WithContext(ctx).Table("cashiers").Where("phone = ?", NormalizePhone(phone)).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("cashier not found: %w", err)
		}
		return nil, fmt.Errorf("failed to get cashier: %w", err)
	}
	return model.ToDomain(), nil
}
