package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/dgarciamtz/tiendita-backend/pkg/enums"
)

// OrderStatusHistory is the append-only audit trail of order transitions.
// Rows are only ever inserted, never edited or deleted.
type OrderStatusHistory struct {
	ID             uuid.UUID          `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID        uuid.UUID          `gorm:"column:order_id;type:uuid;not null;index"`
	PreviousStatus *enums.OrderStatus `gorm:"column:previous_status;type:text"`
	NewStatus      enums.OrderStatus  `gorm:"column:new_status;type:text;not null"`
	ChangedBy      enums.OrderActor   `gorm:"column:changed_by;type:text;not null"`
	Notes          *string            `gorm:"column:notes"`
	CreatedAt      time.Time          `gorm:"column:created_at;autoCreateTime"`
}

// TableName maps the model to the singular table created by the migrations.
func (OrderStatusHistory) TableName() string {
	return "order_status_history"
}
