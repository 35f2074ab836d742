package models

import (
	"time"

	"github.com/google/uuid"
)

// Product is the catalog entry this core sells against. Catalog management
// owns these rows; the reservation engine only reads them and moves the
// counters on the associated StockLevel.
type Product struct {
	ID         uuid.UUID   `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Name       string      `gorm:"column:name;not null"`
	PriceCents int         `gorm:"column:price_cents;not null"`
	CostCents  int         `gorm:"column:cost_cents;not null;default:0"`
	IsActive   bool        `gorm:"column:is_active;not null;default:true"`
	StockLevel *StockLevel `gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE"`
	CreatedAt  time.Time   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time   `gorm:"column:updated_at;autoUpdateTime"`
}
