package types

import (
	"github.com/google/uuid"

	"github.com/dgarciamtz/tiendita-backend/pkg/enums"
)

// Owner identifies the shopper a cart or hold belongs to: a registered user
// id or an anonymous session id, both carried as an opaque key.
type Owner struct {
	Type enums.OwnerType
	Key  string
}

// GuestOwner builds an owner for an anonymous session.
func GuestOwner(sessionID string) Owner {
	return Owner{Type: enums.OwnerTypeGuest, Key: sessionID}
}

// RegisteredOwner builds an owner for an authenticated user.
func RegisteredOwner(userID uuid.UUID) Owner {
	return Owner{Type: enums.OwnerTypeRegistered, Key: userID.String()}
}

// UserID returns the parsed user id when the owner is registered.
func (o Owner) UserID() (uuid.UUID, bool) {
	if o.Type != enums.OwnerTypeRegistered {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(o.Key)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// IsZero reports whether the owner carries no identity.
func (o Owner) IsZero() bool {
	return o.Key == ""
}
