package carts

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dgarciamtz/tiendita-backend/pkg/db/models"
	"github.com/dgarciamtz/tiendita-backend/pkg/enums"
	pkgerrors "github.com/dgarciamtz/tiendita-backend/pkg/errors"
	"github.com/dgarciamtz/tiendita-backend/pkg/types"
)

// MigrateGuestToUser re-parents a guest session's cart onto a freshly
// authenticated user. Runs as one transaction so concurrent adds to either
// cart see the migration entirely or not at all. Every hold that existed
// before the call either lands on the user cart or is explicitly cancelled;
// none is silently lost.
func (s *Service) MigrateGuestToUser(ctx context.Context, sessionID string, userID uuid.UUID) (*models.Cart, error) {
	if sessionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session id is required")
	}
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	guest := types.GuestOwner(sessionID)
	user := types.RegisteredOwner(userID)

	var resultID uuid.UUID
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		guestCart, err := repo.FindActiveByOwner(ctx, guest)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "no active cart for this session")
			}
			return err
		}
		if !guestCart.ExpiresAt.After(s.now()) {
			if err := s.expireCart(ctx, tx, guestCart); err != nil {
				return err
			}
			return pkgerrors.New(pkgerrors.CodeExpired, "cart expired, please add items again")
		}
		if err := s.pruneLapsedItems(ctx, tx, guestCart); err != nil {
			return err
		}

		userCart, err := repo.FindActiveByOwner(ctx, user)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if userCart == nil || !userCart.ExpiresAt.After(s.now()) {
			if userCart != nil {
				if err := s.expireCart(ctx, tx, userCart); err != nil {
					return err
				}
			}
			// No live user cart: hand the whole guest cart over. Holds keep
			// their quantities, only the owner identity changes.
			if err := s.reparentCart(ctx, tx, guestCart, user, userID); err != nil {
				return err
			}
			resultID = guestCart.ID
			return nil
		}

		if err := s.mergeCarts(ctx, tx, guestCart, userCart, user); err != nil {
			return err
		}
		resultID = userCart.ID
		return s.refreshWindows(ctx, tx, userCart)
	})
	if err != nil {
		return nil, s.asDomainError(err, "migrate cart")
	}
	return s.reload(ctx, resultID)
}

func (s *Service) reparentCart(ctx context.Context, tx *gorm.DB, cart *models.Cart, owner types.Owner, userID uuid.UUID) error {
	cart.OwnerType = owner.Type
	cart.UserID = &userID
	cart.SessionID = nil
	if err := s.repo.WithTx(tx).Save(ctx, cart); err != nil {
		return err
	}

	ids := make([]uuid.UUID, 0, len(cart.Items))
	for _, item := range cart.Items {
		ids = append(ids, item.ReservationID)
	}
	if err := s.reservations.WithTx(tx).ReassignOwner(ctx, ids, owner); err != nil {
		return err
	}
	return s.refreshWindows(ctx, tx, cart)
}

// mergeCarts folds the guest cart into the user's. Same product: quantities
// sum onto the user line's reservation, a pure re-attribution of stock that
// is already held, so the ledger is never touched. New product: the guest
// line and its reservation move over as they are.
func (s *Service) mergeCarts(ctx context.Context, tx *gorm.DB, guestCart, userCart *models.Cart, user types.Owner) error {
	repo := s.repo.WithTx(tx)
	resRepo := s.reservations.WithTx(tx)
	until := s.now().Add(s.holds.CartWindow)

	for i := range guestCart.Items {
		guestItem := guestCart.Items[i]

		userItem, err := repo.FindItemByProduct(ctx, userCart.ID, guestItem.ProductID)
		if err != nil {
			return err
		}

		if userItem == nil {
			if err := repo.ReassignItem(ctx, guestItem.ID, userCart.ID); err != nil {
				return err
			}
			if err := resRepo.ReassignOwner(ctx, []uuid.UUID{guestItem.ReservationID}, user); err != nil {
				return err
			}
			continue
		}

		// The guest hold's units transfer to the user reservation before the
		// guest reservation is retired, keeping total held stock constant.
		won, err := resRepo.FlipStatus(ctx, guestItem.ReservationID, enums.ReservationStatusActive, enums.ReservationStatusCancelled)
		if err != nil {
			return err
		}
		if !won {
			// The sweeper expired the guest hold mid-migration and already
			// released its stock; nothing left to transfer.
			if err := repo.DeleteItem(ctx, guestItem.ID); err != nil {
				return err
			}
			continue
		}

		merged := userItem.Quantity + guestItem.Quantity
		if err := resRepo.UpdateQuantity(ctx, userItem.ReservationID, merged, until); err != nil {
			return err
		}
		userItem.Quantity = merged
		userItem.ReservedUntil = until
		if err := repo.SaveItem(ctx, userItem); err != nil {
			return err
		}
		if err := repo.DeleteItem(ctx, guestItem.ID); err != nil {
			return err
		}
	}

	if err := repo.DeleteItemsByCart(ctx, guestCart.ID); err != nil {
		return err
	}
	if _, err := repo.UpdateStatus(ctx, guestCart.ID, enums.CartStatusActive, enums.CartStatusCleaned); err != nil {
		return err
	}
	if s.logg != nil {
		s.logg.Info(s.logg.WithOwnerKey(ctx, user.Key), "guest cart merged into user cart")
	}
	return nil
}
