package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/dgarciamtz/tiendita-backend/pkg/enums"
)

// Cart groups stock holds under one shopper, either a guest session or a
// registered user. Exactly one of UserID/SessionID is set, matching OwnerType.
type Cart struct {
	ID        uuid.UUID        `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OwnerType enums.OwnerType  `gorm:"column:cart_type;type:text;not null"`
	UserID    *uuid.UUID       `gorm:"column:user_id;type:uuid"`
	SessionID *string          `gorm:"column:session_id"`
	Status    enums.CartStatus `gorm:"column:status;type:text;not null;default:'active'"`
	ExpiresAt time.Time        `gorm:"column:expires_at;not null"`
	Items     []CartItem       `gorm:"foreignKey:CartID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

// OwnerKey returns the opaque identity the cart is keyed by.
func (c Cart) OwnerKey() string {
	if c.OwnerType == enums.OwnerTypeRegistered && c.UserID != nil {
		return c.UserID.String()
	}
	if c.SessionID != nil {
		return *c.SessionID
	}
	return ""
}
