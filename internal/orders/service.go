package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/dgarciamtz/tiendita-backend/internal/carts"
	"github.com/dgarciamtz/tiendita-backend/internal/ledger"
	"github.com/dgarciamtz/tiendita-backend/internal/products"
	"github.com/dgarciamtz/tiendita-backend/internal/reservations"
	"github.com/dgarciamtz/tiendita-backend/pkg/config"
	"github.com/dgarciamtz/tiendita-backend/pkg/db/models"
	"github.com/dgarciamtz/tiendita-backend/pkg/enums"
	pkgerrors "github.com/dgarciamtz/tiendita-backend/pkg/errors"
	"github.com/dgarciamtz/tiendita-backend/pkg/logger"
	"github.com/dgarciamtz/tiendita-backend/pkg/outbox"
	"github.com/dgarciamtz/tiendita-backend/pkg/pagination"
	"github.com/dgarciamtz/tiendita-backend/pkg/types"
)

const deliveryTimeLayout = "15:04"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service converts carts into orders and drives every later status change
// through the allowed transition graph, writing one audit row per step.
type Service struct {
	repo         *Repository
	carts        *carts.Repository
	reservations *reservations.Repository
	products     *products.Repository
	ledger       *ledger.Service
	outbox       *outbox.Service
	tx           txRunner
	orders       config.OrdersConfig
	delivery     config.DeliveryConfig
	logg         *logger.Logger
	now          func() time.Time
}

// ServiceParams wires the order service.
type ServiceParams struct {
	Repo         *Repository
	Carts        *carts.Repository
	Reservations *reservations.Repository
	Products     *products.Repository
	Ledger       *ledger.Service
	Outbox       *outbox.Service
	Tx           txRunner
	Orders       config.OrdersConfig
	Delivery     config.DeliveryConfig
	Logger       *logger.Logger
}

// NewService builds the order service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("order repository required")
	}
	if params.Carts == nil {
		return nil, fmt.Errorf("cart repository required")
	}
	if params.Reservations == nil {
		return nil, fmt.Errorf("reservation repository required")
	}
	if params.Products == nil {
		return nil, fmt.Errorf("product repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("stock ledger required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Orders.OrderNumberPrefix == "" {
		params.Orders.OrderNumberPrefix = "TND"
	}
	return &Service{
		repo:         params.Repo,
		carts:        params.Carts,
		reservations: params.Reservations,
		products:     params.Products,
		ledger:       params.Ledger,
		outbox:       params.Outbox,
		tx:           params.Tx,
		orders:       params.Orders,
		delivery:     params.Delivery,
		logg:         params.Logger,
		now:          time.Now,
	}, nil
}

// WithClock overrides the time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CheckoutInput carries the delivery details collected at checkout.
type CheckoutInput struct {
	DeliveryLocationID *uuid.UUID
	DeliveryDate       time.Time
	DeliveryTime       string
}

// Checkout converts the owner's cart into a pending order. Each backing
// hold is consumed with a conditional status flip, so a hold that lapsed
// between the shopper's last look and this call fails the checkout instead
// of selling stock that was already reclaimed.
func (s *Service) Checkout(ctx context.Context, owner types.Owner, input CheckoutInput) (*models.Order, error) {
	if owner.IsZero() || !owner.Type.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "shopper identity is required")
	}
	if err := s.validateDeliverySlot(input); err != nil {
		return nil, err
	}

	var orderID uuid.UUID
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		now := s.now()
		cartRepo := s.carts.WithTx(tx)

		cart, err := cartRepo.FindActiveByOwner(ctx, owner)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "no active cart for this shopper")
			}
			return err
		}
		if !cart.ExpiresAt.After(now) {
			return pkgerrors.New(pkgerrors.CodeExpired, "cart expired, please add items again")
		}
		if len(cart.Items) == 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "cart is empty")
		}

		productIDs := make([]uuid.UUID, 0, len(cart.Items))
		for _, item := range cart.Items {
			productIDs = append(productIDs, item.ProductID)
		}
		catalog, err := s.products.WithTx(tx).FindByIDs(ctx, productIDs)
		if err != nil {
			return err
		}

		resRepo := s.reservations.WithTx(tx)
		orderItems := make([]models.OrderItem, 0, len(cart.Items))
		var totalCents int64
		for _, item := range cart.Items {
			won, err := resRepo.CompleteHold(ctx, item.ReservationID, now)
			if err != nil {
				return err
			}
			if !won {
				return pkgerrors.New(pkgerrors.CodeExpired, "a reservation expired during checkout, please review your cart")
			}
			if err := s.ledger.Commit(ctx, tx, item.ProductID, item.Quantity); err != nil {
				return err
			}

			product, ok := catalog[item.ProductID]
			if !ok {
				return pkgerrors.New(pkgerrors.CodeNotFound, "product no longer exists")
			}
			subtotal := product.PriceCents * item.Quantity
			totalCents += int64(subtotal)
			orderItems = append(orderItems, models.OrderItem{
				ID:                uuid.New(),
				ProductID:         product.ID,
				ProductName:       product.Name,
				ProductPriceCents: product.PriceCents,
				Quantity:          item.Quantity,
				SubtotalCents:     subtotal,
			})
		}

		number, err := s.nextOrderNumber(ctx, tx, now)
		if err != nil {
			return err
		}

		order := &models.Order{
			ID:                 uuid.New(),
			OrderNumber:        number,
			CustomerType:       owner.Type,
			DeliveryLocationID: input.DeliveryLocationID,
			DeliveryDate:       input.DeliveryDate,
			DeliveryTime:       input.DeliveryTime,
			TotalAmount:        decimal.NewFromInt(totalCents).Div(decimal.NewFromInt(100)),
			Status:             enums.OrderStatusPending,
			Items:              orderItems,
		}
		if userID, ok := owner.UserID(); ok {
			order.UserID = &userID
		} else {
			key := owner.Key
			order.SessionID = &key
		}
		if err := s.repo.WithTx(tx).Create(ctx, order); err != nil {
			return err
		}
		orderID = order.ID

		history := &models.OrderStatusHistory{
			ID:        uuid.New(),
			OrderID:   order.ID,
			NewStatus: enums.OrderStatusPending,
			ChangedBy: enums.OrderActorCustomer,
		}
		if err := s.repo.WithTx(tx).AppendHistory(ctx, history); err != nil {
			return err
		}

		if err := cartRepo.DeleteItemsByCart(ctx, cart.ID); err != nil {
			return err
		}
		if _, err := cartRepo.UpdateStatus(ctx, cart.ID, enums.CartStatusActive, enums.CartStatusCleaned); err != nil {
			return err
		}

		return s.emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         &outbox.ActorRef{Key: owner.Key, Role: string(enums.OrderActorCustomer)},
			Data: orderEventPayload{
				OrderID:     order.ID,
				OrderNumber: order.OrderNumber,
				Status:      order.Status,
				TotalAmount: order.TotalAmount.StringFixed(2),
			},
			Version:    1,
			OccurredAt: now,
		})
	})
	if err != nil {
		return nil, s.asDomainError(err, "checkout")
	}

	if s.logg != nil {
		s.logg.Info(s.logg.WithOrderID(ctx, orderID.String()), "order created from cart")
	}
	return s.repo.FindByID(ctx, orderID)
}

// Transition moves the order along the allowed status graph, appending one
// history row per step. Cancelling returns sold units to availability only
// when the restock policy flag is on.
func (s *Service) Transition(ctx context.Context, orderID uuid.UUID, newStatus enums.OrderStatus, actor enums.OrderActor, notes *string) (*models.Order, error) {
	if !newStatus.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown order status")
	}
	if !actor.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown actor")
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := repo.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		from := order.Status
		if !from.CanTransitionTo(newStatus) {
			return pkgerrors.InvalidTransition(string(from), string(newStatus))
		}

		won, err := repo.UpdateStatus(ctx, orderID, from, newStatus)
		if err != nil {
			return err
		}
		if !won {
			return pkgerrors.New(pkgerrors.CodeConflict, "order changed concurrently, retry")
		}

		previous := from
		history := &models.OrderStatusHistory{
			ID:             uuid.New(),
			OrderID:        orderID,
			PreviousStatus: &previous,
			NewStatus:      newStatus,
			ChangedBy:      actor,
			Notes:          notes,
		}
		if err := repo.AppendHistory(ctx, history); err != nil {
			return err
		}

		if newStatus == enums.OrderStatusCancelled && s.orders.RestockOnCancel {
			for _, item := range order.Items {
				if err := s.ledger.Restock(ctx, tx, item.ProductID, item.Quantity); err != nil {
					return err
				}
			}
		}

		return s.emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderStatusChanged,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Actor:         &outbox.ActorRef{Role: string(actor)},
			Data: statusChangedPayload{
				OrderID:        orderID,
				OrderNumber:    order.OrderNumber,
				PreviousStatus: from,
				NewStatus:      newStatus,
			},
			Version:    1,
			OccurredAt: s.now(),
		})
	})
	if err != nil {
		return nil, s.asDomainError(err, "transition order")
	}
	return s.repo.FindByID(ctx, orderID)
}

// Get loads a single order.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	order, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, s.asDomainError(err, "load order")
	}
	return order, nil
}

// GetByNumber loads an order by its externally visible number.
func (s *Service) GetByNumber(ctx context.Context, number string) (*models.Order, error) {
	order, err := s.repo.FindByNumber(ctx, number)
	if err != nil {
		return nil, s.asDomainError(err, "load order")
	}
	return order, nil
}

// List returns a page of orders for the admin surface.
func (s *Service) List(ctx context.Context, params pagination.Params, filters ListFilters) (*List, error) {
	if filters.Status != nil && !filters.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown order status")
	}
	list, err := s.repo.ListPage(ctx, params, filters)
	if err != nil {
		return nil, s.asDomainError(err, "list orders")
	}
	return list, nil
}

// nextOrderNumber assigns the human-readable per-day sequence number. The
// unique index on order_number backstops two checkouts racing for the same
// slot; the loser surfaces as a retryable conflict.
func (s *Service) nextOrderNumber(ctx context.Context, tx *gorm.DB, now time.Time) (string, error) {
	prefix := fmt.Sprintf("%s-%s-", s.orders.OrderNumberPrefix, now.Format("20060102"))
	count, err := s.repo.WithTx(tx).CountForDay(ctx, prefix)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%04d", prefix, count+1), nil
}

func (s *Service) validateDeliverySlot(input CheckoutInput) error {
	if input.DeliveryDate.IsZero() {
		return pkgerrors.New(pkgerrors.CodeValidation, "delivery date is required")
	}
	today := s.now().Truncate(24 * time.Hour)
	date := input.DeliveryDate.Truncate(24 * time.Hour)
	if date.Before(today) {
		return pkgerrors.New(pkgerrors.CodeValidation, "delivery date is in the past")
	}
	if s.delivery.MaxDaysAhead > 0 {
		latest := today.Add(time.Duration(s.delivery.MaxDaysAhead) * 24 * time.Hour)
		if date.After(latest) {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("delivery date is more than %d days ahead", s.delivery.MaxDaysAhead))
		}
	}

	slot, err := time.Parse(deliveryTimeLayout, input.DeliveryTime)
	if err != nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "delivery time must be HH:MM")
	}
	if s.delivery.WindowStart != "" && s.delivery.WindowEnd != "" {
		start, err := time.Parse(deliveryTimeLayout, s.delivery.WindowStart)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "bad delivery window configuration")
		}
		end, err := time.Parse(deliveryTimeLayout, s.delivery.WindowEnd)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "bad delivery window configuration")
		}
		if slot.Before(start) || slot.After(end) {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("delivery time must fall between %s and %s", s.delivery.WindowStart, s.delivery.WindowEnd))
		}
	}
	return nil
}

func (s *Service) emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.Emit(ctx, tx, event)
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

type orderEventPayload struct {
	OrderID     uuid.UUID         `json:"orderId"`
	OrderNumber string            `json:"orderNumber"`
	Status      enums.OrderStatus `json:"status"`
	TotalAmount string            `json:"totalAmount"`
}

type statusChangedPayload struct {
	OrderID        uuid.UUID         `json:"orderId"`
	OrderNumber    string            `json:"orderNumber"`
	PreviousStatus enums.OrderStatus `json:"previousStatus"`
	NewStatus      enums.OrderStatus `json:"newStatus"`
}
