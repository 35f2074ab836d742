package reservations

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dgarciamtz/tiendita-backend/pkg/db/models"
	"github.com/dgarciamtz/tiendita-backend/pkg/enums"
	pkgerrors "github.com/dgarciamtz/tiendita-backend/pkg/errors"
	"github.com/dgarciamtz/tiendita-backend/pkg/pagination"
	"github.com/dgarciamtz/tiendita-backend/pkg/types"
)

// Repository persists stock holds. The status flips are conditional updates
// so that any two writers racing for the same hold have exactly one winner.
type Repository struct {
	db *gorm.DB
}

// NewRepository binds the repository to the provided GORM handle.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx scopes the repository to the provided transaction.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// Create inserts the reservation.
func (r *Repository) Create(ctx context.Context, reservation *models.Reservation) error {
	if reservation.Status == "" {
		reservation.Status = enums.ReservationStatusActive
	}
	return r.db.WithContext(ctx).Create(reservation).Error
}

// FindByID loads a reservation by id.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	var reservation models.Reservation
	err := r.db.WithContext(ctx).First(&reservation, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "reservation not found")
		}
		return nil, err
	}
	return &reservation, nil
}

// FlipStatus transitions the reservation from one status to another as an
// atomic precondition. Returns false when another writer already moved it.
func (r *Repository) FlipStatus(ctx context.Context, id uuid.UUID, from, to enums.ReservationStatus) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Reservation{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateQuantity sets the held quantity and refreshes the hold window.
func (r *Repository) UpdateQuantity(ctx context.Context, id uuid.UUID, quantity int, reservedUntil time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Reservation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"quantity":       quantity,
			"reserved_until": reservedUntil,
		}).Error
}

// RefreshWindows pushes the hold window for the given reservations.
func (r *Repository) RefreshWindows(ctx context.Context, ids []uuid.UUID, until time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&models.Reservation{}).
		Where("id IN ? AND status = ?", ids, enums.ReservationStatusActive).
		Update("reserved_until", until).Error
}

// ExtendWindow pushes an active reservation's hold window. Returns false when
// the reservation is no longer active.
func (r *Repository) ExtendWindow(ctx context.Context, id uuid.UUID, until time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Reservation{}).
		Where("id = ? AND status = ?", id, enums.ReservationStatusActive).
		Update("reserved_until", until)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CompleteHold consumes an active, unlapsed hold at checkout. Returns false
// when the hold expired or was already moved, in which case the sale must
// not proceed on it.
func (r *Repository) CompleteHold(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Reservation{}).
		Where("id = ? AND status = ? AND reserved_until > ?", id, enums.ReservationStatusActive, now).
		Update("status", enums.ReservationStatusCompleted)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ReassignOwner re-parents reservations to a new owner identity without
// touching quantities.
func (r *Repository) ReassignOwner(ctx context.Context, ids []uuid.UUID, owner types.Owner) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&models.Reservation{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"user_type": owner.Type,
			"user_id":   owner.Key,
		}).Error
}

// ListDue returns active reservations whose hold window has lapsed.
func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	var due []models.Reservation
	err := r.db.WithContext(ctx).
		Where("status = ? AND reserved_until <= ?", enums.ReservationStatusActive, now).
		Order("reserved_until ASC").
		Limit(limit).
		Find(&due).Error
	return due, err
}

// ListFilters narrows the admin reservation listing.
type ListFilters struct {
	Status   *enums.ReservationStatus
	OwnerKey *string
}

// List returns a page of reservations, newest first.
type List struct {
	Reservations []models.Reservation
	NextCursor   string
}

// ListPage returns reservations matching the filters with cursor pagination.
func (r *Repository) ListPage(ctx context.Context, params pagination.Params, filters ListFilters) (*List, error) {
	query := r.db.WithContext(ctx).Model(&models.Reservation{})
	if filters.Status != nil {
		query = query.Where("status = ?", *filters.Status)
	}
	if filters.OwnerKey != nil {
		query = query.Where("user_id = ?", *filters.OwnerKey)
	}

	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	if cursor != nil {
		query = query.Where(
			"(created_at < ?) OR (created_at = ? AND id < ?)",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID,
		)
	}

	limit := pagination.NormalizeLimit(params.Limit)
	var rows []models.Reservation
	err = query.
		Order("created_at DESC, id DESC").
		Limit(pagination.LimitWithBuffer(params.Limit)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	list := &List{}
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		list.NextCursor = pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}
	list.Reservations = rows
	return list, nil
}
