package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dgarciamtz/tiendita-backend/api/middleware"
	"github.com/dgarciamtz/tiendita-backend/api/responses"
	"github.com/dgarciamtz/tiendita-backend/api/validators"
	"github.com/dgarciamtz/tiendita-backend/internal/reservations"
	"github.com/dgarciamtz/tiendita-backend/pkg/db/models"
	"github.com/dgarciamtz/tiendita-backend/pkg/enums"
	pkgerrors "github.com/dgarciamtz/tiendita-backend/pkg/errors"
	"github.com/dgarciamtz/tiendita-backend/pkg/logger"
	"github.com/dgarciamtz/tiendita-backend/pkg/types"
)

type createReservationRequest struct {
	ProductID uuid.UUID `json:"productId" validate:"required"`
	Quantity  int       `json:"quantity" validate:"required,min=1"`
}

type extendReservationRequest struct {
	Minutes int `json:"minutes" validate:"omitempty,min=1,max=20160"`
}

type reservationResponse struct {
	ID            uuid.UUID `json:"id"`
	ProductID     uuid.UUID `json:"productId"`
	Quantity      int       `json:"quantity"`
	Status        string    `json:"status"`
	ReservedUntil time.Time `json:"reservedUntil"`
	CreatedAt     time.Time `json:"createdAt"`
}

func newReservationResponse(res *models.Reservation) reservationResponse {
	return reservationResponse{
		ID:            res.ID,
		ProductID:     res.ProductID,
		Quantity:      res.Quantity,
		Status:        string(res.Status),
		ReservedUntil: res.ReservedUntil,
		CreatedAt:     res.CreatedAt,
	}
}

func reservationBelongsTo(res *models.Reservation, owner types.Owner) bool {
	return res.OwnerType == owner.Type && res.OwnerKey == owner.Key
}

// ReservationCreate places a standalone hold for the caller.
func ReservationCreate(svc *reservations.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := middleware.OwnerFromContext(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload createReservationRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		res, err := svc.Create(r.Context(), owner, payload.ProductID, payload.Quantity)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newReservationResponse(res))
	}
}

// ReservationFetch returns one hold. Shoppers only see their own.
func ReservationFetch(svc *reservations.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "reservationID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		res, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if middleware.RoleFromContext(r.Context()) != string(enums.OrderActorAdmin) {
			owner, err := middleware.OwnerFromContext(r.Context())
			if err != nil || !reservationBelongsTo(res, owner) {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "reservation not found"))
				return
			}
		}
		responses.WriteSuccess(w, newReservationResponse(res))
	}
}

// ReservationExtend pushes the hold deadline further out.
func ReservationExtend(svc *reservations.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := middleware.OwnerFromContext(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		id, err := pathUUID(r, "reservationID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload extendReservationRequest
		if r.ContentLength > 0 {
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}

		res, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !reservationBelongsTo(res, owner) {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "reservation not found"))
			return
		}

		updated, err := svc.Extend(r.Context(), id, time.Duration(payload.Minutes)*time.Minute)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newReservationResponse(updated))
	}
}

// ReservationCancel releases the hold and returns the stock.
func ReservationCancel(svc *reservations.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := middleware.OwnerFromContext(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		id, err := pathUUID(r, "reservationID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		res, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !reservationBelongsTo(res, owner) {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "reservation not found"))
			return
		}

		cancelled, err := svc.Cancel(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newReservationResponse(cancelled))
	}
}

// AdminReservationExtend pushes any hold's deadline out, no ownership check.
func AdminReservationExtend(svc *reservations.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "reservationID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload extendReservationRequest
		if r.ContentLength > 0 {
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}

		updated, err := svc.Extend(r.Context(), id, time.Duration(payload.Minutes)*time.Minute)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newReservationResponse(updated))
	}
}

// AdminReservationCancel releases any hold, no ownership check.
func AdminReservationCancel(svc *reservations.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "reservationID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		cancelled, err := svc.Cancel(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newReservationResponse(cancelled))
	}
}

// ReservationList returns holds across all shoppers (admin surface).
func ReservationList(svc *reservations.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := paginationParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var filters reservations.ListFilters
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status, err := enums.ParseReservationStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown reservation status"))
				return
			}
			filters.Status = &status
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("owner")); raw != "" {
			filters.OwnerKey = &raw
		}

		list, err := svc.List(r.Context(), params, filters)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]reservationResponse, 0, len(list.Reservations))
		for i := range list.Reservations {
			items = append(items, newReservationResponse(&list.Reservations[i]))
		}
		responses.WriteSuccess(w, map[string]any{
			"reservations": items,
			"nextCursor":   list.NextCursor,
		})
	}
}
