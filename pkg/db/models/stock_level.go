package models

import (
	"time"

	"github.com/google/uuid"
)

// StockLevel is the authoritative per-product stock accounting row.
// Available stock is always stock_total - reserved_qty - sold_qty; keeping
// all three counters on one row lets reserve/release/commit run as single
// conditional updates.
type StockLevel struct {
	ProductID   uuid.UUID `gorm:"column:product_id;type:uuid;primaryKey"`
	StockTotal  int       `gorm:"column:stock_total;not null;default:0"`
	ReservedQty int       `gorm:"column:reserved_qty;not null;default:0"`
	SoldQty     int       `gorm:"column:sold_qty;not null;default:0"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// Available returns the headroom left for new holds.
func (s StockLevel) Available() int {
	return s.StockTotal - s.ReservedQty - s.SoldQty
}
