package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/dgarciamtz/tiendita-backend/internal/carts"
	"github.com/dgarciamtz/tiendita-backend/internal/ledger"
	"github.com/dgarciamtz/tiendita-backend/internal/reservations"
	"github.com/dgarciamtz/tiendita-backend/pkg/db/models"
	"github.com/dgarciamtz/tiendita-backend/pkg/enums"
	"github.com/dgarciamtz/tiendita-backend/pkg/logger"
)

// CartCleanupJobParams configure the abandoned cart sweep.
type CartCleanupJobParams struct {
	Logger       *logger.Logger
	DB           txRunner
	Carts        *carts.Repository
	Reservations *reservations.Repository
	Ledger       *ledger.Service
	BatchSize    int
}

// NewCartCleanupJob builds the job that expires carts whose lifetime has
// lapsed, releasing whatever their items still held.
func NewCartCleanupJob(params CartCleanupJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Carts == nil {
		return nil, fmt.Errorf("carts repository required")
	}
	if params.Reservations == nil {
		return nil, fmt.Errorf("reservations repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}
	return &cartCleanupJob{
		logg:         params.Logger,
		db:           params.DB,
		carts:        params.Carts,
		reservations: params.Reservations,
		ledger:       params.Ledger,
		batchSize:    batch,
		now:          time.Now,
	}, nil
}

type cartCleanupJob struct {
	logg         *logger.Logger
	db           txRunner
	carts        *carts.Repository
	reservations *reservations.Repository
	ledger       *ledger.Service
	batchSize    int
	now          func() time.Time
}

func (j *cartCleanupJob) Name() string { return "cart-cleanup" }

func (j *cartCleanupJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	due, err := j.carts.ListDue(ctx, now, j.batchSize)
	if err != nil {
		return fmt.Errorf("query due carts: %w", err)
	}

	var errs []error
	cleaned := 0
	for _, cart := range due {
		if err := j.expireCart(ctx, cart); err != nil {
			errs = append(errs, fmt.Errorf("expire cart %s: %w", cart.ID, err))
			continue
		}
		cleaned++
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{"due": len(due), "expired": cleaned})
	j.logg.Info(logCtx, "cart cleanup sweep complete")
	return multierr.Combine(errs...)
}

func (j *cartCleanupJob) expireCart(ctx context.Context, cart models.Cart) error {
	return j.db.WithTx(ctx, func(tx *gorm.DB) error {
		resRepo := j.reservations.WithTx(tx)
		cartRepo := j.carts.WithTx(tx)
		for _, item := range cart.Items {
			won, err := resRepo.FlipStatus(ctx, item.ReservationID, enums.ReservationStatusActive, enums.ReservationStatusExpired)
			if err != nil {
				return err
			}
			if !won {
				continue
			}
			if err := j.ledger.Release(ctx, tx, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}
		if err := cartRepo.DeleteItemsByCart(ctx, cart.ID); err != nil {
			return err
		}
		// Zero rows means lazy expiry or a checkout got there first.
		_, err := cartRepo.UpdateStatus(ctx, cart.ID, enums.CartStatusActive, enums.CartStatusExpired)
		return err
	})
}
