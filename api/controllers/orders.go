package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dgarciamtz/tiendita-backend/api/middleware"
	"github.com/dgarciamtz/tiendita-backend/api/responses"
	"github.com/dgarciamtz/tiendita-backend/api/validators"
	"github.com/dgarciamtz/tiendita-backend/internal/orders"
	"github.com/dgarciamtz/tiendita-backend/pkg/db/models"
	"github.com/dgarciamtz/tiendita-backend/pkg/enums"
	pkgerrors "github.com/dgarciamtz/tiendita-backend/pkg/errors"
	"github.com/dgarciamtz/tiendita-backend/pkg/logger"
	"github.com/dgarciamtz/tiendita-backend/pkg/types"
)

const deliveryDateLayout = "2006-01-02"

type checkoutRequest struct {
	DeliveryDate       string     `json:"deliveryDate" validate:"required"`
	DeliveryTime       string     `json:"deliveryTime" validate:"required"`
	DeliveryLocationID *uuid.UUID `json:"deliveryLocationId,omitempty"`
}

type transitionRequest struct {
	Status string  `json:"status" validate:"required"`
	Notes  *string `json:"notes,omitempty"`
}

type cancelRequest struct {
	Notes *string `json:"notes,omitempty"`
}

type orderItemResponse struct {
	ProductID     uuid.UUID `json:"productId"`
	ProductName   string    `json:"productName"`
	PriceCents    int       `json:"priceCents"`
	Quantity      int       `json:"quantity"`
	SubtotalCents int       `json:"subtotalCents"`
}

type orderHistoryResponse struct {
	PreviousStatus *string   `json:"previousStatus,omitempty"`
	NewStatus      string    `json:"newStatus"`
	ChangedBy      string    `json:"changedBy"`
	Notes          *string   `json:"notes,omitempty"`
	ChangedAt      time.Time `json:"changedAt"`
}

type orderResponse struct {
	ID            uuid.UUID              `json:"id"`
	OrderNumber   string                 `json:"orderNumber"`
	Status        string                 `json:"status"`
	TotalAmount   string                 `json:"totalAmount"`
	DeliveryDate  string                 `json:"deliveryDate"`
	DeliveryTime  string                 `json:"deliveryTime"`
	Items         []orderItemResponse    `json:"items"`
	StatusHistory []orderHistoryResponse `json:"statusHistory,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
}

func newOrderResponse(order *models.Order) orderResponse {
	resp := orderResponse{
		ID:           order.ID,
		OrderNumber:  order.OrderNumber,
		Status:       string(order.Status),
		TotalAmount:  order.TotalAmount.StringFixed(2),
		DeliveryDate: order.DeliveryDate.Format(deliveryDateLayout),
		DeliveryTime: order.DeliveryTime,
		Items:        make([]orderItemResponse, 0, len(order.Items)),
		CreatedAt:    order.CreatedAt,
	}
	for _, item := range order.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			ProductID:     item.ProductID,
			ProductName:   item.ProductName,
			PriceCents:    item.ProductPriceCents,
			Quantity:      item.Quantity,
			SubtotalCents: item.SubtotalCents,
		})
	}
	for _, row := range order.StatusHistory {
		entry := orderHistoryResponse{
			NewStatus: string(row.NewStatus),
			ChangedBy: string(row.ChangedBy),
			Notes:     row.Notes,
			ChangedAt: row.CreatedAt,
		}
		if row.PreviousStatus != nil {
			prev := string(*row.PreviousStatus)
			entry.PreviousStatus = &prev
		}
		resp.StatusHistory = append(resp.StatusHistory, entry)
	}
	return resp
}

func orderBelongsTo(order *models.Order, owner types.Owner) bool {
	if userID, ok := owner.UserID(); ok {
		return order.UserID != nil && *order.UserID == userID
	}
	return order.SessionID != nil && *order.SessionID == owner.Key
}

// OrderCheckout converts the caller's cart into a pending order.
func OrderCheckout(svc *orders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := middleware.OwnerFromContext(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload checkoutRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		deliveryDate, err := time.Parse(deliveryDateLayout, payload.DeliveryDate)
		if err != nil {
			responses.WriteError(r.Context(), logg, w,
				pkgerrors.Wrap(pkgerrors.CodeValidation, err, "delivery date must be YYYY-MM-DD"))
			return
		}

		order, err := svc.Checkout(r.Context(), owner, orders.CheckoutInput{
			DeliveryLocationID: payload.DeliveryLocationID,
			DeliveryDate:       deliveryDate,
			DeliveryTime:       payload.DeliveryTime,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newOrderResponse(order))
	}
}

// OrderFetch returns one order. Customers only see their own.
func OrderFetch(svc *orders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := pathUUID(r, "orderID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := svc.Get(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if middleware.RoleFromContext(r.Context()) != string(enums.OrderActorAdmin) {
			owner, err := middleware.OwnerFromContext(r.Context())
			if err != nil || !orderBelongsTo(order, owner) {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "order not found"))
				return
			}
		}
		responses.WriteSuccess(w, newOrderResponse(order))
	}
}

// OrderFetchByNumber looks an order up by its public number.
func OrderFetchByNumber(svc *orders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		number := strings.TrimSpace(chi.URLParam(r, "number"))
		if number == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "order number is required"))
			return
		}

		order, err := svc.GetByNumber(r.Context(), number)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if middleware.RoleFromContext(r.Context()) != string(enums.OrderActorAdmin) {
			owner, err := middleware.OwnerFromContext(r.Context())
			if err != nil || !orderBelongsTo(order, owner) {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "order not found"))
				return
			}
		}
		responses.WriteSuccess(w, newOrderResponse(order))
	}
}

// OrderList returns the caller's orders, newest first.
func OrderList(svc *orders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := middleware.OwnerFromContext(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		params, err := paginationParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		filters := orders.ListFilters{Owner: &owner}
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status, err := enums.ParseOrderStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown order status"))
				return
			}
			filters.Status = &status
		}

		list, err := svc.List(r.Context(), params, filters)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]orderResponse, 0, len(list.Orders))
		for i := range list.Orders {
			items = append(items, newOrderResponse(&list.Orders[i]))
		}
		responses.WriteSuccess(w, map[string]any{
			"orders":     items,
			"nextCursor": list.NextCursor,
		})
	}
}

// AdminOrderList returns orders across all shoppers.
func AdminOrderList(svc *orders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := paginationParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var filters orders.ListFilters
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status, err := enums.ParseOrderStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown order status"))
				return
			}
			filters.Status = &status
		}

		list, err := svc.List(r.Context(), params, filters)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]orderResponse, 0, len(list.Orders))
		for i := range list.Orders {
			items = append(items, newOrderResponse(&list.Orders[i]))
		}
		responses.WriteSuccess(w, map[string]any{
			"orders":     items,
			"nextCursor": list.NextCursor,
		})
	}
}

// OrderTransition moves an order through its lifecycle (admin surface).
func OrderTransition(svc *orders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := pathUUID(r, "orderID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload transitionRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status, err := enums.ParseOrderStatus(payload.Status)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown order status"))
			return
		}

		order, err := svc.Transition(r.Context(), orderID, status, enums.OrderActorAdmin, payload.Notes)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newOrderResponse(order))
	}
}

// OrderCancel lets a shopper cancel their own order while it is still early
// in the lifecycle.
func OrderCancel(svc *orders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := middleware.OwnerFromContext(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		orderID, err := pathUUID(r, "orderID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload cancelRequest
		if r.ContentLength > 0 {
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}

		order, err := svc.Get(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !orderBelongsTo(order, owner) {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "order not found"))
			return
		}

		updated, err := svc.Transition(r.Context(), orderID, enums.OrderStatusCancelled, enums.OrderActorCustomer, payload.Notes)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newOrderResponse(updated))
	}
}
