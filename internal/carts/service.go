package carts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dgarciamtz/tiendita-backend/internal/ledger"
	"github.com/dgarciamtz/tiendita-backend/internal/reservations"
	"github.com/dgarciamtz/tiendita-backend/pkg/config"
	"github.com/dgarciamtz/tiendita-backend/pkg/db/models"
	"github.com/dgarciamtz/tiendita-backend/pkg/enums"
	pkgerrors "github.com/dgarciamtz/tiendita-backend/pkg/errors"
	"github.com/dgarciamtz/tiendita-backend/pkg/logger"
	"github.com/dgarciamtz/tiendita-backend/pkg/types"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service owns the cart aggregate: every mutation reserves or releases stock
// through the ledger and writes the cart/reservation records in the same
// transaction, so a crash can never leave stock held without a matching
// record or the other way around.
type Service struct {
	repo         *Repository
	reservations *reservations.Repository
	ledger       *ledger.Service
	tx           txRunner
	holds        config.HoldsConfig
	logg         *logger.Logger
	now          func() time.Time
}

// NewService builds the cart service backed by the provided stack.
func NewService(repo *Repository, resRepo *reservations.Repository, stock *ledger.Service, tx txRunner, holds config.HoldsConfig, logg *logger.Logger) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("cart repository required")
	}
	if resRepo == nil {
		return nil, fmt.Errorf("reservation repository required")
	}
	if stock == nil {
		return nil, fmt.Errorf("stock ledger required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &Service{
		repo:         repo,
		reservations: resRepo,
		ledger:       stock,
		tx:           tx,
		holds:        holds,
		logg:         logg,
		now:          time.Now,
	}, nil
}

// WithClock overrides the time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// GetOrCreate returns the owner's active cart, creating an empty one when
// none exists or the previous one lapsed.
func (s *Service) GetOrCreate(ctx context.Context, owner types.Owner) (*models.Cart, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}

	var result *models.Cart
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		cart, err := s.ensureCart(ctx, tx, owner)
		if err != nil {
			return err
		}
		result = cart
		return nil
	})
	if err != nil {
		return nil, s.asDomainError(err, "get or create cart")
	}
	return result, nil
}

// Get returns the owner's active cart. A cart past its window reads as gone:
// its holds are released on the spot without waiting for the sweeper.
func (s *Service) Get(ctx context.Context, owner types.Owner) (*models.Cart, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}

	var result *models.Cart
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		cart, err := s.repo.WithTx(tx).FindActiveByOwner(ctx, owner)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "no active cart for this shopper")
			}
			return err
		}
		if cart.ExpiresAt.Before(s.now()) || cart.ExpiresAt.Equal(s.now()) {
			if err := s.expireCart(ctx, tx, cart); err != nil {
				return err
			}
			return pkgerrors.New(pkgerrors.CodeExpired, "cart expired, please add items again")
		}
		if err := s.pruneLapsedItems(ctx, tx, cart); err != nil {
			return err
		}
		result = cart
		return nil
	})
	if err != nil {
		return nil, s.asDomainError(err, "load cart")
	}
	return result, nil
}

// AddItem places a hold for the product and attaches it to the owner's cart.
// Adding a product already in the cart increases its held quantity.
func (s *Service) AddItem(ctx context.Context, owner types.Owner, productID uuid.UUID, quantity int) (*models.Cart, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	if productID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	if quantity <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}

	var cartID uuid.UUID
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		cart, err := s.ensureCart(ctx, tx, owner)
		if err != nil {
			return err
		}
		cartID = cart.ID
		repo := s.repo.WithTx(tx)

		existing, err := repo.FindItemByProduct(ctx, cart.ID, productID)
		if err != nil {
			return err
		}
		if existing != nil {
			return s.applyQuantity(ctx, tx, cart, existing, existing.Quantity+quantity)
		}

		if err := s.ledger.TryReserve(ctx, tx, productID, quantity); err != nil {
			return err
		}

		until := s.now().Add(s.holds.CartWindow)
		reservation := &models.Reservation{
			ID:            uuid.New(),
			ProductID:     productID,
			OwnerType:     owner.Type,
			OwnerKey:      owner.Key,
			Quantity:      quantity,
			Status:        enums.ReservationStatusActive,
			ReservedUntil: until,
		}
		if err := s.reservations.WithTx(tx).Create(ctx, reservation); err != nil {
			return err
		}

		item := &models.CartItem{
			ID:            uuid.New(),
			CartID:        cart.ID,
			ProductID:     productID,
			ReservationID: reservation.ID,
			Quantity:      quantity,
			ReservedUntil: until,
		}
		if err := repo.CreateItem(ctx, item); err != nil {
			return err
		}
		return s.refreshWindows(ctx, tx, cart)
	})
	if err != nil {
		return nil, s.asDomainError(err, "add cart item")
	}
	return s.reload(ctx, cartID)
}

// UpdateQuantity sets the held quantity of a cart line. A positive delta
// reserves the difference, a negative one releases it immediately.
func (s *Service) UpdateQuantity(ctx context.Context, owner types.Owner, itemID uuid.UUID, quantity int) (*models.Cart, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	if quantity <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}

	var cartID uuid.UUID
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		cart, item, err := s.ownedItem(ctx, tx, owner, itemID)
		if err != nil {
			return err
		}
		cartID = cart.ID
		return s.applyQuantity(ctx, tx, cart, item, quantity)
	})
	if err != nil {
		return nil, s.asDomainError(err, "update cart item")
	}
	return s.reload(ctx, cartID)
}

// RemoveItem releases the line's full held quantity and drops it.
func (s *Service) RemoveItem(ctx context.Context, owner types.Owner, itemID uuid.UUID) (*models.Cart, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}

	var cartID uuid.UUID
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		cart, item, err := s.ownedItem(ctx, tx, owner, itemID)
		if err != nil {
			return err
		}
		cartID = cart.ID
		if err := s.dropItem(ctx, tx, item); err != nil {
			return err
		}
		return s.refreshWindows(ctx, tx, cart)
	})
	if err != nil {
		return nil, s.asDomainError(err, "remove cart item")
	}
	return s.reload(ctx, cartID)
}

// Clear releases every hold and leaves the cart active and empty.
func (s *Service) Clear(ctx context.Context, owner types.Owner) (*models.Cart, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}

	var cartID uuid.UUID
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		cart, err := s.repo.WithTx(tx).FindActiveByOwner(ctx, owner)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "no active cart for this shopper")
			}
			return err
		}
		cartID = cart.ID
		for i := range cart.Items {
			if err := s.dropItem(ctx, tx, &cart.Items[i]); err != nil {
				return err
			}
		}
		return s.refreshWindows(ctx, tx, cart)
	})
	if err != nil {
		return nil, s.asDomainError(err, "clear cart")
	}
	return s.reload(ctx, cartID)
}

// ensureCart finds the owner's active cart, sweeping a lapsed one aside and
// creating a fresh record when needed. Must run inside the caller's tx.
func (s *Service) ensureCart(ctx context.Context, tx *gorm.DB, owner types.Owner) (*models.Cart, error) {
	repo := s.repo.WithTx(tx)
	cart, err := repo.FindActiveByOwner(ctx, owner)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	now := s.now()

	if cart != nil && cart.ExpiresAt.After(now) {
		if err := s.pruneLapsedItems(ctx, tx, cart); err != nil {
			return nil, err
		}
		return cart, nil
	}
	if cart != nil {
		if err := s.expireCart(ctx, tx, cart); err != nil {
			return nil, err
		}
	}

	fresh := &models.Cart{
		ID:        uuid.New(),
		OwnerType: owner.Type,
		Status:    enums.CartStatusActive,
		ExpiresAt: now.Add(s.holds.CartTTL),
	}
	if userID, ok := owner.UserID(); ok {
		fresh.UserID = &userID
	} else {
		key := owner.Key
		fresh.SessionID = &key
	}
	if err := repo.Create(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// ownedItem resolves an item id against the owner's live cart.
func (s *Service) ownedItem(ctx context.Context, tx *gorm.DB, owner types.Owner, itemID uuid.UUID) (*models.Cart, *models.CartItem, error) {
	repo := s.repo.WithTx(tx)
	cart, err := repo.FindActiveByOwner(ctx, owner)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "no active cart for this shopper")
		}
		return nil, nil, err
	}
	if !cart.ExpiresAt.After(s.now()) {
		if err := s.expireCart(ctx, tx, cart); err != nil {
			return nil, nil, err
		}
		return nil, nil, pkgerrors.New(pkgerrors.CodeExpired, "cart expired, please add items again")
	}

	item, err := repo.FindItem(ctx, cart.ID, itemID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "cart item not found")
		}
		return nil, nil, err
	}
	return cart, item, nil
}

// applyQuantity moves a cart line to the target quantity, reserving or
// releasing the delta against the ledger.
func (s *Service) applyQuantity(ctx context.Context, tx *gorm.DB, cart *models.Cart, item *models.CartItem, quantity int) error {
	reservation, err := s.reservations.WithTx(tx).FindByID(ctx, item.ReservationID)
	if err != nil {
		return err
	}
	now := s.now()
	if reservation.Status != enums.ReservationStatusActive || !reservation.ReservedUntil.After(now) {
		if err := s.dropLapsedItem(ctx, tx, item, reservation); err != nil {
			return err
		}
		return pkgerrors.New(pkgerrors.CodeExpired, "reservation expired, please add the item again")
	}

	delta := quantity - item.Quantity
	switch {
	case delta > 0:
		if err := s.ledger.TryReserve(ctx, tx, item.ProductID, delta); err != nil {
			return err
		}
	case delta < 0:
		if err := s.ledger.Release(ctx, tx, item.ProductID, -delta); err != nil {
			return err
		}
	}

	until := now.Add(s.holds.CartWindow)
	if err := s.reservations.WithTx(tx).UpdateQuantity(ctx, reservation.ID, quantity, until); err != nil {
		return err
	}
	item.Quantity = quantity
	item.ReservedUntil = until
	if err := s.repo.WithTx(tx).SaveItem(ctx, item); err != nil {
		return err
	}
	return s.refreshWindows(ctx, tx, cart)
}

// dropItem cancels the line's backing reservation and releases its stock.
// The conditional status flip guarantees the release happens exactly once
// even when the sweeper is racing the removal.
func (s *Service) dropItem(ctx context.Context, tx *gorm.DB, item *models.CartItem) error {
	won, err := s.reservations.WithTx(tx).FlipStatus(ctx, item.ReservationID, enums.ReservationStatusActive, enums.ReservationStatusCancelled)
	if err != nil {
		return err
	}
	if won {
		if err := s.ledger.Release(ctx, tx, item.ProductID, item.Quantity); err != nil {
			return err
		}
	}
	return s.repo.WithTx(tx).DeleteItem(ctx, item.ID)
}

// dropLapsedItem expires a line whose hold window lapsed before the sweeper
// got to it.
func (s *Service) dropLapsedItem(ctx context.Context, tx *gorm.DB, item *models.CartItem, reservation *models.Reservation) error {
	if reservation.Status == enums.ReservationStatusActive {
		won, err := s.reservations.WithTx(tx).FlipStatus(ctx, reservation.ID, enums.ReservationStatusActive, enums.ReservationStatusExpired)
		if err != nil {
			return err
		}
		if won {
			if err := s.ledger.Release(ctx, tx, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}
	}
	return s.repo.WithTx(tx).DeleteItem(ctx, item.ID)
}

// pruneLapsedItems lazily expires any line whose hold window passed, keeping
// reads honest between sweeper runs. Mutates cart.Items in place.
func (s *Service) pruneLapsedItems(ctx context.Context, tx *gorm.DB, cart *models.Cart) error {
	now := s.now()
	kept := cart.Items[:0]
	for i := range cart.Items {
		item := cart.Items[i]
		if item.ReservedUntil.After(now) {
			kept = append(kept, item)
			continue
		}
		reservation, err := s.reservations.WithTx(tx).FindByID(ctx, item.ReservationID)
		if err != nil {
			return err
		}
		if err := s.dropLapsedItem(ctx, tx, &item, reservation); err != nil {
			return err
		}
	}
	cart.Items = kept
	return nil
}

// expireCart releases every hold and flips the cart out of active.
func (s *Service) expireCart(ctx context.Context, tx *gorm.DB, cart *models.Cart) error {
	for i := range cart.Items {
		item := cart.Items[i]
		won, err := s.reservations.WithTx(tx).FlipStatus(ctx, item.ReservationID, enums.ReservationStatusActive, enums.ReservationStatusExpired)
		if err != nil {
			return err
		}
		if won {
			if err := s.ledger.Release(ctx, tx, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}
	}
	repo := s.repo.WithTx(tx)
	if err := repo.DeleteItemsByCart(ctx, cart.ID); err != nil {
		return err
	}
	if _, err := repo.UpdateStatus(ctx, cart.ID, enums.CartStatusActive, enums.CartStatusExpired); err != nil {
		return err
	}
	if s.logg != nil {
		s.logg.Info(s.logg.WithOwnerKey(ctx, cart.OwnerKey()), "cart expired lazily on access")
	}
	return nil
}

// refreshWindows rolls the hold window of every line and the cart TTL
// forward on each mutation, so an actively shopped cart never lapses.
func (s *Service) refreshWindows(ctx context.Context, tx *gorm.DB, cart *models.Cart) error {
	now := s.now()
	until := now.Add(s.holds.CartWindow)

	repo := s.repo.WithTx(tx)
	fresh, err := repo.FindByID(ctx, cart.ID)
	if err != nil {
		return err
	}
	ids := make([]uuid.UUID, 0, len(fresh.Items))
	for _, item := range fresh.Items {
		ids = append(ids, item.ReservationID)
	}
	if err := s.reservations.WithTx(tx).RefreshWindows(ctx, ids, until); err != nil {
		return err
	}
	if err := repo.RefreshItemWindows(ctx, cart.ID, until); err != nil {
		return err
	}
	return repo.Touch(ctx, cart.ID, now.Add(s.holds.CartTTL))
}

func (s *Service) reload(ctx context.Context, cartID uuid.UUID) (*models.Cart, error) {
	cart, err := s.repo.FindByID(ctx, cartID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload cart")
	}
	return cart, nil
}

// asDomainError passes typed domain errors through untouched and wraps
// anything else as a dependency failure.
func (s *Service) asDomainError(err error, op string) error {
	if err == nil {
		return nil
	}
	if typed := pkgerrors.As(err); typed != nil {
		return typed
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, op)
}

func validateOwner(owner types.Owner) error {
	if owner.IsZero() {
		return pkgerrors.New(pkgerrors.CodeValidation, "shopper identity is required")
	}
	if !owner.Type.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "unknown shopper type")
	}
	if owner.Type == enums.OwnerTypeRegistered {
		if _, ok := owner.UserID(); !ok {
			return pkgerrors.New(pkgerrors.CodeValidation, "user id must be a uuid")
		}
	}
	return nil
}
