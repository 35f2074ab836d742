package models

import (
	"time"

	"github.com/google/uuid"
)

// OrderItem snapshots a product line at the moment of sale. Immutable once
// created: later catalog price changes never touch past orders.
type OrderItem struct {
	ID                uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID           uuid.UUID `gorm:"column:order_id;type:uuid;not null;index"`
	ProductID         uuid.UUID `gorm:"column:product_id;type:uuid;not null"`
	ProductName       string    `gorm:"column:product_name;not null"`
	ProductPriceCents int       `gorm:"column:product_price_cents;not null"`
	Quantity          int       `gorm:"column:quantity;not null"`
	SubtotalCents     int       `gorm:"column:subtotal_cents;not null"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
}
