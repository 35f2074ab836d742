package carts

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dgarciamtz/tiendita-backend/pkg/db/models"
	"github.com/dgarciamtz/tiendita-backend/pkg/enums"
	"github.com/dgarciamtz/tiendita-backend/pkg/types"
)

// Repository persists carts and their item lines.
type Repository struct {
	db *gorm.DB
}

// NewRepository binds the repository to the provided GORM handle.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx scopes the repository to the provided transaction.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

func ownerScope(query *gorm.DB, owner types.Owner) *gorm.DB {
	if owner.Type == enums.OwnerTypeRegistered {
		return query.Where("cart_type = ? AND user_id = ?", enums.OwnerTypeRegistered, owner.Key)
	}
	return query.Where("cart_type = ? AND session_id = ?", enums.OwnerTypeGuest, owner.Key)
}

// FindActiveByOwner returns the owner's active cart with its items, or
// gorm.ErrRecordNotFound.
func (r *Repository) FindActiveByOwner(ctx context.Context, owner types.Owner) (*models.Cart, error) {
	var cart models.Cart
	query := r.db.WithContext(ctx).
		Preload("Items").
		Where("status = ?", enums.CartStatusActive).
		Order("created_at DESC")
	err := ownerScope(query, owner).First(&cart).Error
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

// FindByID returns the cart with its items.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Cart, error) {
	var cart models.Cart
	err := r.db.WithContext(ctx).
		Preload("Items").
		First(&cart, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

// Create inserts the cart.
func (r *Repository) Create(ctx context.Context, cart *models.Cart) error {
	if cart.Status == "" {
		cart.Status = enums.CartStatusActive
	}
	return r.db.WithContext(ctx).Create(cart).Error
}

// Save persists the cart record fields (not its items).
func (r *Repository) Save(ctx context.Context, cart *models.Cart) error {
	return r.db.WithContext(ctx).Omit("Items").Save(cart).Error
}

// UpdateStatus flips the cart status when it still holds the expected one.
// Returns false when another writer moved it first.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to enums.CartStatus) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Cart{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Touch pushes the cart's expiry window.
func (r *Repository) Touch(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Cart{}).
		Where("id = ?", id).
		Update("expires_at", expiresAt).Error
}

// FindItem returns the item when it belongs to the given cart.
func (r *Repository) FindItem(ctx context.Context, cartID, itemID uuid.UUID) (*models.CartItem, error) {
	var item models.CartItem
	err := r.db.WithContext(ctx).
		Where("id = ? AND cart_id = ?", itemID, cartID).
		First(&item).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// FindItemByProduct returns the cart's line for the product, if present.
func (r *Repository) FindItemByProduct(ctx context.Context, cartID, productID uuid.UUID) (*models.CartItem, error) {
	var item models.CartItem
	err := r.db.WithContext(ctx).
		Where("cart_id = ? AND product_id = ?", cartID, productID).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

// CreateItem inserts the cart item.
func (r *Repository) CreateItem(ctx context.Context, item *models.CartItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

// SaveItem persists the cart item.
func (r *Repository) SaveItem(ctx context.Context, item *models.CartItem) error {
	return r.db.WithContext(ctx).Save(item).Error
}

// DeleteItem removes the cart item row.
func (r *Repository) DeleteItem(ctx context.Context, itemID uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&models.CartItem{}, "id = ?", itemID).Error
}

// DeleteItemsByCart removes every item row of the cart.
func (r *Repository) DeleteItemsByCart(ctx context.Context, cartID uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&models.CartItem{}, "cart_id = ?", cartID).Error
}

// ReassignItem moves the item to another cart.
func (r *Repository) ReassignItem(ctx context.Context, itemID, toCartID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.CartItem{}).
		Where("id = ?", itemID).
		Update("cart_id", toCartID).Error
}

// RefreshItemWindows pushes reserved_until on every item of the cart.
func (r *Repository) RefreshItemWindows(ctx context.Context, cartID uuid.UUID, until time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.CartItem{}).
		Where("cart_id = ?", cartID).
		Update("reserved_until", until).Error
}

// FindItemByReservation returns the cart item backed by the reservation, if
// any cart still references it.
func (r *Repository) FindItemByReservation(ctx context.Context, reservationID uuid.UUID) (*models.CartItem, error) {
	var item models.CartItem
	err := r.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

// CountItems returns the number of item lines left on the cart.
func (r *Repository) CountItems(ctx context.Context, cartID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.CartItem{}).
		Where("cart_id = ?", cartID).
		Count(&count).Error
	return count, err
}

// ListDue returns active carts whose expiry window has lapsed.
func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.Cart, error) {
	var due []models.Cart
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("status = ? AND expires_at <= ?", enums.CartStatusActive, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&due).Error
	return due, err
}
