package cron

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/dgarciamtz/tiendita-backend/internal/carts"
	"github.com/dgarciamtz/tiendita-backend/internal/ledger"
	"github.com/dgarciamtz/tiendita-backend/internal/reservations"
	"github.com/dgarciamtz/tiendita-backend/pkg/db"
	"github.com/dgarciamtz/tiendita-backend/pkg/db/models"
	"github.com/dgarciamtz/tiendita-backend/pkg/enums"
	"github.com/dgarciamtz/tiendita-backend/pkg/logger"
	"github.com/dgarciamtz/tiendita-backend/pkg/outbox"
)

func newSweepTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:cron_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("unwrap sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	statements := []string{`
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
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("create table: %v", err)
		}
	}
	if err := conn.AutoMigrate(&models.StockLevel{}); err != nil {
		t.Fatalf("migrate stock levels: %v", err)
	}
	return conn
}

type sweepHarness struct {
	db   *gorm.DB
	job  *reservationExpiryJob
	now  time.Time
	prod uuid.UUID
}

func newSweepHarness(t *testing.T) *sweepHarness {
	t.Helper()

	conn := newSweepTestDB(t)
	now := time.Now().UTC()
	jobIface, err := NewReservationExpiryJob(ReservationExpiryJobParams{
		Logger:       logger.New(logger.Options{ServiceName: "sweeper-test"}),
		DB:           db.NewFromConn(conn),
		Reservations: reservations.NewRepository(conn),
		Carts:        carts.NewRepository(conn),
		Ledger:       ledger.NewService(nil),
		Outbox:       outbox.NewService(outbox.NewRepository(conn), nil),
	})
	if err != nil {
		t.Fatalf("construct job: %v", err)
	}
	job, ok := jobIface.(*reservationExpiryJob)
	if !ok {
		t.Fatalf("expected reservationExpiryJob, got %T", jobIface)
	}
	job.now = func() time.Time { return now }

	productID := uuid.New()
	if err := conn.Create(&models.StockLevel{ProductID: productID, StockTotal: 10}).Error; err != nil {
		t.Fatalf("seed stock: %v", err)
	}
	return &sweepHarness{db: conn, job: job, now: now, prod: productID}
}

func (h *sweepHarness) seedHold(t *testing.T, qty int, reservedUntil time.Time) uuid.UUID {
	t.Helper()
	res := models.Reservation{
		ID:            uuid.New(),
		ProductID:     h.prod,
		OwnerType:     enums.OwnerTypeGuest,
		OwnerKey:      "sweep-session",
		Quantity:      qty,
		Status:        enums.ReservationStatusActive,
		ReservedUntil: reservedUntil,
	}
	if err := h.db.Create(&res).Error; err != nil {
		t.Fatalf("seed reservation: %v", err)
	}
	if err := h.db.Model(&models.StockLevel{}).
		Where("product_id = ?", h.prod).
		Update("reserved_qty", gorm.Expr("reserved_qty + ?", qty)).Error; err != nil {
		t.Fatalf("hold stock: %v", err)
	}
	return res.ID
}

func (h *sweepHarness) stock(t *testing.T) models.StockLevel {
	t.Helper()
	var level models.StockLevel
	if err := h.db.First(&level, "product_id = ?", h.prod).Error; err != nil {
		t.Fatalf("load stock: %v", err)
	}
	return level
}

func TestSweepExpiresLapsedHolds(t *testing.T) {
	h := newSweepHarness(t)
	lapsed := h.seedHold(t, 3, h.now.Add(-time.Minute))
	live := h.seedHold(t, 2, h.now.Add(time.Hour))

	if err := h.job.Run(context.Background()); err != nil {
		t.Fatalf("run sweep: %v", err)
	}

	var expired models.Reservation
	if err := h.db.First(&expired, "id = ?", lapsed).Error; err != nil {
		t.Fatalf("load reservation: %v", err)
	}
	if expired.Status != enums.ReservationStatusExpired {
		t.Fatalf("expected expired, got %s", expired.Status)
	}
	var untouched models.Reservation
	if err := h.db.First(&untouched, "id = ?", live).Error; err != nil {
		t.Fatalf("load reservation: %v", err)
	}
	if untouched.Status != enums.ReservationStatusActive {
		t.Fatalf("expected live hold untouched, got %s", untouched.Status)
	}
	if got := h.stock(t).ReservedQty; got != 2 {
		t.Fatalf("expected 2 units still held, got %d", got)
	}

	var events []models.OutboxEvent
	if err := h.db.Find(&events, "aggregate_id = ?", lapsed).Error; err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != enums.EventReservationExpired {
		t.Fatalf("expected one expiry event, got %d", len(events))
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	h := newSweepHarness(t)
	h.seedHold(t, 4, h.now.Add(-time.Minute))

	if err := h.job.Run(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if err := h.job.Run(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	// Units come back exactly once.
	level := h.stock(t)
	if level.ReservedQty != 0 {
		t.Fatalf("expected no units held, got %d", level.ReservedQty)
	}
	if level.Available() != 10 {
		t.Fatalf("expected full availability, got %d", level.Available())
	}
	var count int64
	if err := h.db.Model(&models.OutboxEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one expiry event, got %d", count)
	}
}

func TestSweepSkipsAlreadyFlippedHolds(t *testing.T) {
	h := newSweepHarness(t)
	id := h.seedHold(t, 3, h.now.Add(-time.Minute))

	// Lazy expiry got there first: status flipped, stock already released.
	if err := h.db.Model(&models.Reservation{}).
		Where("id = ?", id).
		Update("status", enums.ReservationStatusExpired).Error; err != nil {
		t.Fatalf("pre-flip reservation: %v", err)
	}
	if err := h.db.Model(&models.StockLevel{}).
		Where("product_id = ?", h.prod).
		Update("reserved_qty", 0).Error; err != nil {
		t.Fatalf("pre-release stock: %v", err)
	}

	if err := h.job.Run(context.Background()); err != nil {
		t.Fatalf("run sweep: %v", err)
	}
	if got := h.stock(t).ReservedQty; got != 0 {
		t.Fatalf("expected reserved to stay 0, got %d", got)
	}
}

func (h *sweepHarness) seedCart(t *testing.T, expiresAt time.Time) uuid.UUID {
	t.Helper()
	cart := models.Cart{
		ID:        uuid.New(),
		OwnerType: enums.OwnerTypeGuest,
		Status:    enums.CartStatusActive,
		ExpiresAt: expiresAt,
	}
	session := "sweep-session-" + cart.ID.String()[:8]
	cart.SessionID = &session
	if err := h.db.Create(&cart).Error; err != nil {
		t.Fatalf("seed cart: %v", err)
	}
	return cart.ID
}

func (h *sweepHarness) seedItem(t *testing.T, cartID, resID uuid.UUID, qty int, reservedUntil time.Time) {
	t.Helper()
	item := models.CartItem{
		ID:            uuid.New(),
		CartID:        cartID,
		ProductID:     h.prod,
		ReservationID: resID,
		Quantity:      qty,
		ReservedUntil: reservedUntil,
	}
	if err := h.db.Create(&item).Error; err != nil {
		t.Fatalf("seed cart item: %v", err)
	}
}

func TestSweepRemovesBackingCartItem(t *testing.T) {
	h := newSweepHarness(t)
	resID := h.seedHold(t, 2, h.now.Add(-time.Minute))

	cart := models.Cart{
		ID:        uuid.New(),
		OwnerType: enums.OwnerTypeGuest,
		Status:    enums.CartStatusActive,
		ExpiresAt: h.now.Add(48 * time.Hour),
	}
	session := "sweep-session"
	cart.SessionID = &session
	if err := h.db.Create(&cart).Error; err != nil {
		t.Fatalf("seed cart: %v", err)
	}
	item := models.CartItem{
		ID:            uuid.New(),
		CartID:        cart.ID,
		ProductID:     h.prod,
		ReservationID: resID,
		Quantity:      2,
		ReservedUntil: h.now.Add(-time.Minute),
	}
	if err := h.db.Create(&item).Error; err != nil {
		t.Fatalf("seed cart item: %v", err)
	}

	if err := h.job.Run(context.Background()); err != nil {
		t.Fatalf("run sweep: %v", err)
	}

	var remaining int64
	if err := h.db.Model(&models.CartItem{}).Where("cart_id = ?", cart.ID).Count(&remaining).Error; err != nil {
		t.Fatalf("count items: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected cart item removed, %d left", remaining)
	}
}

func TestSweepExpiresCartOnceLastHoldLapses(t *testing.T) {
	h := newSweepHarness(t)

	// Cart TTL is days away; only its single hold has lapsed.
	only := h.seedHold(t, 2, h.now.Add(-time.Minute))
	emptied := h.seedCart(t, h.now.Add(70*time.Hour))
	h.seedItem(t, emptied, only, 2, h.now.Add(-time.Minute))

	lapsed := h.seedHold(t, 1, h.now.Add(-time.Minute))
	live := h.seedHold(t, 1, h.now.Add(time.Hour))
	mixed := h.seedCart(t, h.now.Add(70*time.Hour))
	h.seedItem(t, mixed, lapsed, 1, h.now.Add(-time.Minute))
	h.seedItem(t, mixed, live, 1, h.now.Add(time.Hour))

	if err := h.job.Run(context.Background()); err != nil {
		t.Fatalf("run sweep: %v", err)
	}

	var cart models.Cart
	if err := h.db.First(&cart, "id = ?", emptied).Error; err != nil {
		t.Fatalf("load cart: %v", err)
	}
	if cart.Status != enums.CartStatusExpired {
		t.Fatalf("expected emptied cart expired, got %s", cart.Status)
	}
	var mixedCart models.Cart
	if err := h.db.First(&mixedCart, "id = ?", mixed).Error; err != nil {
		t.Fatalf("load cart: %v", err)
	}
	if mixedCart.Status != enums.CartStatusActive {
		t.Fatalf("expected cart with a live hold to stay active, got %s", mixedCart.Status)
	}
	if got := h.stock(t).ReservedQty; got != 1 {
		t.Fatalf("expected only the live hold retained, got %d", got)
	}
}
