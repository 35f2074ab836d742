package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/dgarciamtz/tiendita-backend/pkg/enums"
)

// Reservation is a temporary claim on product stock. While active it counts
// against availability; the sweeper or an explicit release flips it out of
// the live accounting.
type Reservation struct {
	ID            uuid.UUID               `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ProductID     uuid.UUID               `gorm:"column:product_id;type:uuid;not null;index"`
	OwnerType     enums.OwnerType         `gorm:"column:user_type;type:text;not null"`
	OwnerKey      string                  `gorm:"column:user_id;not null;index"`
	Quantity      int                     `gorm:"column:quantity;not null"`
	Status        enums.ReservationStatus `gorm:"column:status;type:text;not null;default:'active';index"`
	ReservedUntil time.Time               `gorm:"column:reserved_until;not null;index"`
	CreatedAt     time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}
