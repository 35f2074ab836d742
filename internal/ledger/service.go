package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dgarciamtz/tiendita-backend/pkg/db/models"
	pkgerrors "github.com/dgarciamtz/tiendita-backend/pkg/errors"
	"github.com/dgarciamtz/tiendita-backend/pkg/logger"
)

// Service is the authoritative per-product stock accounting. Every mutation
// takes the caller's *gorm.DB so reservation writes and counter moves commit
// in one transaction. The check-and-move is always a single conditional
// UPDATE: two concurrent holds on the same product can never both observe
// headroom that only fits one of them.
type Service struct {
	logg *logger.Logger
}

// NewService builds the stock ledger service.
func NewService(logg *logger.Logger) *Service {
	return &Service{logg: logg}
}

// Available returns stock_total - reserved - sold for the product.
func (s *Service) Available(ctx context.Context, db *gorm.DB, productID uuid.UUID) (int, error) {
	level, err := s.level(ctx, db, productID)
	if err != nil {
		return 0, err
	}
	return level.Available(), nil
}

// TryReserve moves qty units from available into reserved. Fails with
// INSUFFICIENT_STOCK (carrying the current availability) when the product
// has less headroom than requested.
func (s *Service) TryReserve(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if qty <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}

	res := tx.WithContext(ctx).
		Model(&models.StockLevel{}).
		Where("product_id = ? AND stock_total - reserved_qty - sold_qty >= ?", productID, qty).
		Update("reserved_qty", gorm.Expr("reserved_qty + ?", qty))
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "reserve stock")
	}
	if res.RowsAffected > 0 {
		return nil
	}

	level, err := s.level(ctx, tx, productID)
	if err != nil {
		return err
	}
	return pkgerrors.InsufficientStock(qty, level.Available())
}

// Release returns qty reserved units to availability. The decrement is
// guarded so a release larger than what is actually reserved fails instead
// of eating into other holds; callers only release after winning a status
// flip, so a shortfall means the accounting is already wrong.
func (s *Service) Release(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if qty <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}

	res := tx.WithContext(ctx).
		Model(&models.StockLevel{}).
		Where("product_id = ? AND reserved_qty >= ?", productID, qty).
		Update("reserved_qty", gorm.Expr("reserved_qty - ?", qty))
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "release stock")
	}
	if res.RowsAffected == 0 {
		if s.logg != nil {
			logCtx := s.logg.WithFields(ctx, map[string]any{
				"product_id": productID.String(),
				"quantity":   qty,
			})
			s.logg.Warn(logCtx, "release exceeds reserved quantity, refusing")
		}
		return pkgerrors.New(pkgerrors.CodeConflict, "reserved quantity smaller than release request")
	}
	return nil
}

// Commit converts qty reserved units into sold units at checkout. The units
// stay deducted from availability, accounted as a sale instead of a hold.
func (s *Service) Commit(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if qty <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}

	res := tx.WithContext(ctx).
		Model(&models.StockLevel{}).
		Where("product_id = ? AND reserved_qty >= ?", productID, qty).
		Updates(map[string]any{
			"reserved_qty": gorm.Expr("reserved_qty - ?", qty),
			"sold_qty":     gorm.Expr("sold_qty + ?", qty),
		})
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "commit stock")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeConflict, "reserved stock no longer backs this sale")
	}
	return nil
}

// Restock returns qty sold units to availability. Only runs when the
// cancellation restock policy is enabled.
func (s *Service) Restock(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if qty <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}

	res := tx.WithContext(ctx).
		Model(&models.StockLevel{}).
		Where("product_id = ? AND sold_qty >= ?", productID, qty).
		Update("sold_qty", gorm.Expr("sold_qty - ?", qty))
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "restock")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeConflict, "sold quantity smaller than restock request")
	}
	return nil
}

func (s *Service) level(ctx context.Context, db *gorm.DB, productID uuid.UUID) (*models.StockLevel, error) {
	var level models.StockLevel
	err := db.WithContext(ctx).
		Where("product_id = ?", productID).
		First(&level).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product has no stock record")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load stock level")
	}
	return &level, nil
}
