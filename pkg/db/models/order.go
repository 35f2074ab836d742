package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dgarciamtz/tiendita-backend/pkg/enums"
)

// Order is a confirmed sale produced from a cart at checkout. Orders are
// never deleted; cancellation is a status, not a deletion.
type Order struct {
	ID                 uuid.UUID            `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderNumber        string               `gorm:"column:order_number;not null;uniqueIndex"`
	CustomerType       enums.OwnerType      `gorm:"column:customer_type;type:text;not null"`
	UserID             *uuid.UUID           `gorm:"column:user_id;type:uuid"`
	SessionID          *string              `gorm:"column:session_id"`
	DeliveryLocationID *uuid.UUID           `gorm:"column:delivery_location_id;type:uuid"`
	DeliveryDate       time.Time            `gorm:"column:delivery_date;not null"`
	DeliveryTime       string               `gorm:"column:delivery_time;not null"`
	TotalAmount        decimal.Decimal      `gorm:"column:total_amount;type:numeric(12,2);not null"`
	Status             enums.OrderStatus    `gorm:"column:status;type:text;not null;default:'pending'"`
	Items              []OrderItem          `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	StatusHistory      []OrderStatusHistory `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	CreatedAt          time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}
