package reservations

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dgarciamtz/tiendita-backend/internal/ledger"
	"github.com/dgarciamtz/tiendita-backend/pkg/config"
	"github.com/dgarciamtz/tiendita-backend/pkg/db/models"
	"github.com/dgarciamtz/tiendita-backend/pkg/enums"
	pkgerrors "github.com/dgarciamtz/tiendita-backend/pkg/errors"
	"github.com/dgarciamtz/tiendita-backend/pkg/logger"
	"github.com/dgarciamtz/tiendita-backend/pkg/pagination"
	"github.com/dgarciamtz/tiendita-backend/pkg/types"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service manages standalone holds ("apartados"): stock put aside for a
// shopper outside any cart, on a longer fixed window. Admin surfaces for
// listing, extending and cancelling holds live here too.
type Service struct {
	repo   *Repository
	ledger *ledger.Service
	tx     txRunner
	holds  config.HoldsConfig
	logg   *logger.Logger
	now    func() time.Time
}

// NewService builds the reservation service.
func NewService(repo *Repository, stock *ledger.Service, tx txRunner, holds config.HoldsConfig, logg *logger.Logger) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("reservation repository required")
	}
	if stock == nil {
		return nil, fmt.Errorf("stock ledger required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &Service{
		repo:   repo,
		ledger: stock,
		tx:     tx,
		holds:  holds,
		logg:   logg,
		now:    time.Now,
	}, nil
}

// WithClock overrides the time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create puts a standalone hold on the product for the owner.
func (s *Service) Create(ctx context.Context, owner types.Owner, productID uuid.UUID, quantity int) (*models.Reservation, error) {
	if owner.IsZero() || !owner.Type.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "shopper identity is required")
	}
	if productID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	if quantity <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}

	reservation := &models.Reservation{
		ID:            uuid.New(),
		ProductID:     productID,
		OwnerType:     owner.Type,
		OwnerKey:      owner.Key,
		Quantity:      quantity,
		Status:        enums.ReservationStatusActive,
		ReservedUntil: s.now().Add(s.holds.StandaloneWindow),
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.ledger.TryReserve(ctx, tx, productID, quantity); err != nil {
			return err
		}
		return s.repo.WithTx(tx).Create(ctx, reservation)
	})
	if err != nil {
		return nil, s.asDomainError(err, "create reservation")
	}
	if s.logg != nil {
		s.logg.Info(s.logg.WithOwnerKey(ctx, owner.Key), "standalone hold created")
	}
	return reservation, nil
}

// Get loads a single reservation.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	reservation, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, s.asDomainError(err, "load reservation")
	}
	return reservation, nil
}

// List returns a page of reservations for the admin surface.
func (s *Service) List(ctx context.Context, params pagination.Params, filters ListFilters) (*List, error) {
	if filters.Status != nil && !filters.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown reservation status")
	}
	list, err := s.repo.ListPage(ctx, params, filters)
	if err != nil {
		return nil, s.asDomainError(err, "list reservations")
	}
	return list, nil
}

// Extend pushes an active hold's window further out. A hold that already
// lapsed or was consumed cannot be extended.
func (s *Service) Extend(ctx context.Context, id uuid.UUID, window time.Duration) (*models.Reservation, error) {
	if window <= 0 {
		window = s.holds.StandaloneWindow
	}

	until := s.now().Add(window)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		reservation, err := repo.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if reservation.Status != enums.ReservationStatusActive {
			return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("cannot extend a %s reservation", reservation.Status))
		}
		extended, err := repo.ExtendWindow(ctx, id, until)
		if err != nil {
			return err
		}
		if !extended {
			return pkgerrors.New(pkgerrors.CodeConflict, "reservation changed while extending, retry")
		}
		return nil
	})
	if err != nil {
		return nil, s.asDomainError(err, "extend reservation")
	}
	return s.repo.FindByID(ctx, id)
}

// Cancel releases the hold's stock and retires it. The conditional status
// flip makes cancellation race-safe against the sweeper.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		reservation, err := repo.FindByID(ctx, id)
		if err != nil {
			return err
		}
		won, err := repo.FlipStatus(ctx, id, enums.ReservationStatusActive, enums.ReservationStatusCancelled)
		if err != nil {
			return err
		}
		if !won {
			return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("cannot cancel a %s reservation", reservation.Status))
		}
		return s.ledger.Release(ctx, tx, reservation.ProductID, reservation.Quantity)
	})
	if err != nil {
		return nil, s.asDomainError(err, "cancel reservation")
	}
	return s.repo.FindByID(ctx, id)
}

func (s *Service) asDomainError(err error, op string) error {
	if err == nil {
		return nil
	}
	if typed := pkgerrors.As(err); typed != nil {
		return typed
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, op)
}
