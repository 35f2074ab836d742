package models

import (
	"time"

	"github.com/google/uuid"
)

// CartItem is one product line in a cart, backed 1:1 by a Reservation that
// holds its quantity against the stock ledger. Quantity and ReservedUntil
// mirror the backing reservation at all times.
type CartItem struct {
	ID            uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CartID        uuid.UUID `gorm:"column:cart_id;type:uuid;not null;index"`
	ProductID     uuid.UUID `gorm:"column:product_id;type:uuid;not null"`
	ReservationID uuid.UUID `gorm:"column:reservation_id;type:uuid;not null;uniqueIndex"`
	Quantity      int       `gorm:"column:quantity;not null"`
	ReservedUntil time.Time `gorm:"column:reserved_until;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
