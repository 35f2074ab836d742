package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/dgarciamtz/tiendita-backend/internal/carts"
	"github.com/dgarciamtz/tiendita-backend/internal/ledger"
	"github.com/dgarciamtz/tiendita-backend/internal/products"
	"github.com/dgarciamtz/tiendita-backend/internal/reservations"
	"github.com/dgarciamtz/tiendita-backend/pkg/config"
	"github.com/dgarciamtz/tiendita-backend/pkg/db"
	"github.com/dgarciamtz/tiendita-backend/pkg/db/models"
	"github.com/dgarciamtz/tiendita-backend/pkg/enums"
	pkgerrors "github.com/dgarciamtz/tiendita-backend/pkg/errors"
	"github.com/dgarciamtz/tiendita-backend/pkg/outbox"
	"github.com/dgarciamtz/tiendita-backend/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	db      *gorm.DB
	orders  *Service
	carts   *carts.Service
	clock   *fakeClock
	restock bool
}

func setupOrdersTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:orders_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	statements := []string{`
CREATE TABLE IF NOT EXISTS products (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  price_cents INTEGER NOT NULL,
  cost_cents INTEGER NOT NULL DEFAULT 0,
  is_active INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME,
  updated_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS carts (
  id TEXT PRIMARY KEY,
  cart_type TEXT NOT NULL,
  user_id TEXT,
  session_id TEXT,
  status TEXT NOT NULL DEFAULT 'active',
  expires_at DATETIME NOT NULL,
  created_at DATETIME,
  updated_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS cart_items (
  id TEXT PRIMARY KEY,
  cart_id TEXT NOT NULL,
  product_id TEXT NOT NULL,
  reservation_id TEXT NOT NULL UNIQUE,
  quantity INTEGER NOT NULL,
  reserved_until DATETIME NOT NULL,
  created_at DATETIME,
  updated_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS reservations (
  id TEXT PRIMARY KEY,
  product_id TEXT NOT NULL,
  user_type TEXT NOT NULL,
  user_id TEXT NOT NULL,
  quantity INTEGER NOT NULL,
  status TEXT NOT NULL DEFAULT 'active',
  reserved_until DATETIME NOT NULL,
  created_at DATETIME,
  updated_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  order_number TEXT NOT NULL UNIQUE,
  customer_type TEXT NOT NULL,
  user_id TEXT,
  session_id TEXT,
  delivery_location_id TEXT,
  delivery_date DATETIME NOT NULL,
  delivery_time TEXT NOT NULL,
  total_amount NUMERIC NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  created_at DATETIME,
  updated_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS order_items (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  product_id TEXT NOT NULL,
  product_name TEXT NOT NULL,
  product_price_cents INTEGER NOT NULL,
  quantity INTEGER NOT NULL,
  subtotal_cents INTEGER NOT NULL,
  created_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS order_status_history (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  previous_status TEXT,
  new_status TEXT NOT NULL,
  changed_by TEXT NOT NULL,
  notes TEXT,
  created_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS outbox_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at DATETIME,
  published_at DATETIME,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT
);`}
	for _, stmt := range statements {
		require.NoError(t, conn.Exec(stmt).Error)
	}
	require.NoError(t, conn.AutoMigrate(&models.StockLevel{}))
	return conn
}

func newHarness(t *testing.T, restockOnCancel bool) *harness {
	t.Helper()

	conn := setupOrdersTestDB(t)
	clock := &fakeClock{now: time.Now().UTC()}
	client := db.NewFromConn(conn)
	holds := config.HoldsConfig{
		CartWindow:       2 * time.Hour,
		StandaloneWindow: 168 * time.Hour,
		CartTTL:          72 * time.Hour,
	}

	cartSvc, err := carts.NewService(
		carts.NewRepository(conn),
		reservations.NewRepository(conn),
		ledger.NewService(nil),
		client,
		holds,
		nil,
	)
	require.NoError(t, err)
	cartSvc.WithClock(clock.Now)

	orderSvc, err := NewService(ServiceParams{
		Repo:         NewRepository(conn),
		Carts:        carts.NewRepository(conn),
		Reservations: reservations.NewRepository(conn),
		Products:     products.NewRepository(conn),
		Ledger:       ledger.NewService(nil),
		Outbox:       outbox.NewService(outbox.NewRepository(conn), nil),
		Tx:           client,
		Orders: config.OrdersConfig{
			RestockOnCancel:   restockOnCancel,
			OrderNumberPrefix: "TND",
		},
		Delivery: config.DeliveryConfig{
			MaxDaysAhead: 14,
			WindowStart:  "09:00",
			WindowEnd:    "19:00",
		},
	})
	require.NoError(t, err)
	orderSvc.WithClock(clock.Now)

	return &harness{db: conn, orders: orderSvc, carts: cartSvc, clock: clock, restock: restockOnCancel}
}

func (h *harness) seedProduct(t *testing.T, name string, priceCents, stock int) uuid.UUID {
	t.Helper()
	product := models.Product{
		ID:         uuid.New(),
		Name:       name,
		PriceCents: priceCents,
		IsActive:   true,
	}
	require.NoError(t, h.db.Create(&product).Error)
	require.NoError(t, h.db.Create(&models.StockLevel{ProductID: product.ID, StockTotal: stock}).Error)
	return product.ID
}

func (h *harness) available(t *testing.T, productID uuid.UUID) int {
	t.Helper()
	var level models.StockLevel
	require.NoError(t, h.db.First(&level, "product_id = ?", productID).Error)
	return level.Available()
}

func (h *harness) checkoutInput() CheckoutInput {
	return CheckoutInput{
		DeliveryDate: h.clock.Now().Add(24 * time.Hour),
		DeliveryTime: "10:00",
	}
}

func TestCheckoutCreatesPendingOrder(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	owner := types.GuestOwner("checkout-1")
	product := h.seedProduct(t, "Cafe de olla 500g", 1500, 10)

	_, err := h.carts.AddItem(ctx, owner, product, 2)
	require.NoError(t, err)

	order, err := h.orders.Checkout(ctx, owner, h.checkoutInput())
	require.NoError(t, err)

	assert.Equal(t, enums.OrderStatusPending, order.Status)
	assert.Regexp(t, `^TND-\d{8}-0001$`, order.OrderNumber)
	assert.Equal(t, "30.00", order.TotalAmount.StringFixed(2))
	require.Len(t, order.Items, 1)
	assert.Equal(t, "Cafe de olla 500g", order.Items[0].ProductName)
	assert.Equal(t, 1500, order.Items[0].ProductPriceCents)
	assert.Equal(t, 3000, order.Items[0].SubtotalCents)
	require.Len(t, order.StatusHistory, 1)
	assert.Nil(t, order.StatusHistory[0].PreviousStatus)
	assert.Equal(t, enums.OrderStatusPending, order.StatusHistory[0].NewStatus)

	// Sold units stay deducted from availability.
	assert.Equal(t, 8, h.available(t, product))
	var level models.StockLevel
	require.NoError(t, h.db.First(&level, "product_id = ?", product).Error)
	assert.Equal(t, 0, level.ReservedQty)
	assert.Equal(t, 2, level.SoldQty)

	var reservation models.Reservation
	require.NoError(t, h.db.First(&reservation, "user_id = ?", owner.Key).Error)
	assert.Equal(t, enums.ReservationStatusCompleted, reservation.Status)

	var cart models.Cart
	require.NoError(t, h.db.First(&cart, "session_id = ?", owner.Key).Error)
	assert.Equal(t, enums.CartStatusCleaned, cart.Status)

	var events []models.OutboxEvent
	require.NoError(t, h.db.Find(&events, "aggregate_id = ?", order.ID).Error)
	require.Len(t, events, 1)
	assert.Equal(t, enums.EventOrderCreated, events[0].EventType)
}

func TestCheckoutSequencesOrderNumbersPerDay(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	product := h.seedProduct(t, "Pan dulce", 800, 20)

	ownerA := types.GuestOwner("seq-a")
	ownerB := types.GuestOwner("seq-b")
	_, err := h.carts.AddItem(ctx, ownerA, product, 1)
	require.NoError(t, err)
	_, err = h.carts.AddItem(ctx, ownerB, product, 1)
	require.NoError(t, err)

	first, err := h.orders.Checkout(ctx, ownerA, h.checkoutInput())
	require.NoError(t, err)
	second, err := h.orders.Checkout(ctx, ownerB, h.checkoutInput())
	require.NoError(t, err)

	assert.Regexp(t, `-0001$`, first.OrderNumber)
	assert.Regexp(t, `-0002$`, second.OrderNumber)
}

func TestCheckoutEmptyCart(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	owner := types.GuestOwner("empty-cart")

	_, err := h.carts.GetOrCreate(ctx, owner)
	require.NoError(t, err)

	_, err = h.orders.Checkout(ctx, owner, h.checkoutInput())
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
}

func TestCheckoutWithoutCart(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.orders.Checkout(context.Background(), types.GuestOwner("nobody"), h.checkoutInput())
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeNotFound, typed.Code())
}

func TestCheckoutStaleReservation(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	owner := types.GuestOwner("stale-checkout")
	product := h.seedProduct(t, "Tamales", 500, 10)

	_, err := h.carts.AddItem(ctx, owner, product, 3)
	require.NoError(t, err)

	// Hold lapses, cart TTL has not.
	h.clock.Advance(3 * time.Hour)

	_, err = h.orders.Checkout(ctx, owner, h.checkoutInput())
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeExpired, typed.Code())

	// The failed checkout must not have sold anything.
	var level models.StockLevel
	require.NoError(t, h.db.First(&level, "product_id = ?", product).Error)
	assert.Equal(t, 0, level.SoldQty)
}

func TestCheckoutRejectsBadDeliverySlots(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	owner := types.GuestOwner("slots")
	product := h.seedProduct(t, "Queso fresco", 1200, 5)
	_, err := h.carts.AddItem(ctx, owner, product, 1)
	require.NoError(t, err)

	cases := []struct {
		name  string
		input CheckoutInput
	}{
		{"past date", CheckoutInput{DeliveryDate: h.clock.Now().Add(-48 * time.Hour), DeliveryTime: "10:00"}},
		{"too far ahead", CheckoutInput{DeliveryDate: h.clock.Now().Add(30 * 24 * time.Hour), DeliveryTime: "10:00"}},
		{"outside window", CheckoutInput{DeliveryDate: h.clock.Now().Add(24 * time.Hour), DeliveryTime: "22:30"}},
		{"malformed time", CheckoutInput{DeliveryDate: h.clock.Now().Add(24 * time.Hour), DeliveryTime: "mañana"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.orders.Checkout(ctx, owner, tc.input)
			require.Error(t, err)
			typed := pkgerrors.As(err)
			require.NotNil(t, typed)
			assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
		})
	}
}

func (h *harness) placeOrder(t *testing.T, sessionKey string, productID uuid.UUID, qty int) *models.Order {
	t.Helper()
	ctx := context.Background()
	owner := types.GuestOwner(sessionKey)
	_, err := h.carts.AddItem(ctx, owner, productID, qty)
	require.NoError(t, err)
	order, err := h.orders.Checkout(ctx, owner, h.checkoutInput())
	require.NoError(t, err)
	return order
}

func TestTransitionHappyPath(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	product := h.seedProduct(t, "Tortillas", 300, 10)
	order := h.placeOrder(t, "happy-path", product, 2)

	for _, next := range []enums.OrderStatus{
		enums.OrderStatusConfirmed,
		enums.OrderStatusPreparing,
		enums.OrderStatusReady,
		enums.OrderStatusDelivered,
	} {
		updated, err := h.orders.Transition(ctx, order.ID, next, enums.OrderActorAdmin, nil)
		require.NoError(t, err, "transition to %s", next)
		assert.Equal(t, next, updated.Status)
	}

	final, err := h.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, final.StatusHistory, 5)
	assert.Equal(t, enums.OrderStatusDelivered, final.StatusHistory[4].NewStatus)
	require.NotNil(t, final.StatusHistory[4].PreviousStatus)
	assert.Equal(t, enums.OrderStatusReady, *final.StatusHistory[4].PreviousStatus)

	// Delivered is terminal.
	_, err = h.orders.Transition(ctx, order.ID, enums.OrderStatusCancelled, enums.OrderActorAdmin, nil)
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeStateConflict, typed.Code())
}

func TestTransitionRejectsSkippedStates(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	product := h.seedProduct(t, "Frijol negro", 900, 10)
	order := h.placeOrder(t, "skipper", product, 1)

	_, err := h.orders.Transition(ctx, order.ID, enums.OrderStatusDelivered, enums.OrderActorAdmin, nil)
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeStateConflict, typed.Code())
	details, ok := typed.Details().(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "pending", details["from"])
	assert.Equal(t, "delivered", details["to"])
}

func TestCancelFromPendingAppendsHistory(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	product := h.seedProduct(t, "Mole poblano", 2500, 10)
	order := h.placeOrder(t, "canceller", product, 2)

	notes := "customer called to cancel"
	updated, err := h.orders.Transition(ctx, order.ID, enums.OrderStatusCancelled, enums.OrderActorCustomer, &notes)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCancelled, updated.Status)
	require.Len(t, updated.StatusHistory, 2)
	assert.Equal(t, enums.OrderActorCustomer, updated.StatusHistory[1].ChangedBy)
	require.NotNil(t, updated.StatusHistory[1].Notes)
	assert.Equal(t, notes, *updated.StatusHistory[1].Notes)

	// Cancellation is terminal.
	_, err = h.orders.Transition(ctx, order.ID, enums.OrderStatusConfirmed, enums.OrderActorAdmin, nil)
	require.Error(t, err)
}

func TestCancelKeepsStockDeductedByDefault(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	product := h.seedProduct(t, "Piloncillo", 400, 10)
	order := h.placeOrder(t, "no-restock", product, 4)

	_, err := h.orders.Transition(ctx, order.ID, enums.OrderStatusCancelled, enums.OrderActorAdmin, nil)
	require.NoError(t, err)

	// Default policy: goods may already be set aside, units stay sold.
	assert.Equal(t, 6, h.available(t, product))
}

func TestCancelRestocksWhenPolicyEnabled(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	product := h.seedProduct(t, "Canela", 600, 10)
	order := h.placeOrder(t, "restock", product, 4)
	assert.Equal(t, 6, h.available(t, product))

	_, err := h.orders.Transition(ctx, order.ID, enums.OrderStatusCancelled, enums.OrderActorAdmin, nil)
	require.NoError(t, err)

	assert.Equal(t, 10, h.available(t, product))
	var level models.StockLevel
	require.NoError(t, h.db.First(&level, "product_id = ?", product).Error)
	assert.Equal(t, 0, level.SoldQty)
}

func TestTransitionEmitsStatusChangedEvent(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	product := h.seedProduct(t, "Horchata", 700, 10)
	order := h.placeOrder(t, "eventful", product, 1)

	_, err := h.orders.Transition(ctx, order.ID, enums.OrderStatusConfirmed, enums.OrderActorAdmin, nil)
	require.NoError(t, err)

	var events []models.OutboxEvent
	require.NoError(t, h.db.Order("created_at ASC").Find(&events, "aggregate_id = ?", order.ID).Error)
	require.Len(t, events, 2)
	assert.Equal(t, enums.EventOrderCreated, events[0].EventType)
	assert.Equal(t, enums.EventOrderStatusChanged, events[1].EventType)
}
