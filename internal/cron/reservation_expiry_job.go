package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/dgarciamtz/tiendita-backend/internal/carts"
	"github.com/dgarciamtz/tiendita-backend/internal/ledger"
	"github.com/dgarciamtz/tiendita-backend/internal/reservations"
	"github.com/dgarciamtz/tiendita-backend/pkg/db/models"
	"github.com/dgarciamtz/tiendita-backend/pkg/enums"
	"github.com/dgarciamtz/tiendita-backend/pkg/logger"
	"github.com/dgarciamtz/tiendita-backend/pkg/outbox"
)

const defaultSweepBatchSize = 200

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ReservationExpiryJobParams configure the hold expiry sweep.
type ReservationExpiryJobParams struct {
	Logger       *logger.Logger
	DB           txRunner
	Reservations *reservations.Repository
	Carts        *carts.Repository
	Ledger       *ledger.Service
	Outbox       outboxEmitter
	BatchSize    int
}

// NewReservationExpiryJob builds the job that expires lapsed holds and
// returns their units to availability.
func NewReservationExpiryJob(params ReservationExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Reservations == nil {
		return nil, fmt.Errorf("reservations repository required")
	}
	if params.Carts == nil {
		return nil, fmt.Errorf("carts repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}
	return &reservationExpiryJob{
		logg:         params.Logger,
		db:           params.DB,
		reservations: params.Reservations,
		carts:        params.Carts,
		ledger:       params.Ledger,
		outbox:       params.Outbox,
		batchSize:    batch,
		now:          time.Now,
	}, nil
}

type reservationExpiryJob struct {
	logg         *logger.Logger
	db           txRunner
	reservations *reservations.Repository
	carts        *carts.Repository
	ledger       *ledger.Service
	outbox       outboxEmitter
	batchSize    int
	now          func() time.Time
}

func (j *reservationExpiryJob) Name() string { return "reservation-expiry" }

func (j *reservationExpiryJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	due, err := j.reservations.ListDue(ctx, now, j.batchSize)
	if err != nil {
		return fmt.Errorf("query due reservations: %w", err)
	}

	var errs []error
	expired := 0
	for _, res := range due {
		if err := j.expireReservation(ctx, res, now); err != nil {
			errs = append(errs, fmt.Errorf("expire reservation %s: %w", res.ID, err))
			continue
		}
		expired++
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{"due": len(due), "expired": expired})
	j.logg.Info(logCtx, "reservation expiry sweep complete")
	return multierr.Combine(errs...)
}

// expireReservation flips one hold to expired and releases its units. The
// conditional flip makes the sweep safe to rerun and safe against lazy
// expiry racing it: whoever flips the row does the release, everyone else
// sees zero rows and walks away.
func (j *reservationExpiryJob) expireReservation(ctx context.Context, res models.Reservation, now time.Time) error {
	return j.db.WithTx(ctx, func(tx *gorm.DB) error {
		won, err := j.reservations.WithTx(tx).FlipStatus(ctx, res.ID, enums.ReservationStatusActive, enums.ReservationStatusExpired)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		if err := j.ledger.Release(ctx, tx, res.ProductID, res.Quantity); err != nil {
			return err
		}
		cartRepo := j.carts.WithTx(tx)
		item, err := cartRepo.FindItemByReservation(ctx, res.ID)
		if err != nil {
			return err
		}
		if item != nil {
			if err := cartRepo.DeleteItem(ctx, item.ID); err != nil {
				return err
			}
			remaining, err := cartRepo.CountItems(ctx, item.CartID)
			if err != nil {
				return err
			}
			if remaining == 0 {
				// Last hold gone, the cart has nothing left to sell. Zero rows
				// here means cart cleanup or migration already moved it on.
				if _, err := cartRepo.UpdateStatus(ctx, item.CartID, enums.CartStatusActive, enums.CartStatusExpired); err != nil {
					return err
				}
			}
		}
		if j.outbox == nil {
			return nil
		}
		return j.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventReservationExpired,
			AggregateType: enums.AggregateReservation,
			AggregateID:   res.ID,
			Version:       1,
			OccurredAt:    now,
			Data: ReservationExpiredEvent{
				ReservationID: res.ID,
				ProductID:     res.ProductID,
				Quantity:      res.Quantity,
				OwnerType:     res.OwnerType,
				OwnerKey:      res.OwnerKey,
				ExpiredAt:     now,
			},
		})
	})
}

// ReservationExpiredEvent describes the payload when a hold lapses.
type ReservationExpiredEvent struct {
	ReservationID uuid.UUID       `json:"reservationId"`
	ProductID     uuid.UUID       `json:"productId"`
	Quantity      int             `json:"quantity"`
	OwnerType     enums.OwnerType `json:"ownerType"`
	OwnerKey      string          `json:"ownerKey"`
	ExpiredAt     time.Time       `json:"expiredAt"`
}
