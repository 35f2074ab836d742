package cron

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dgarciamtz/tiendita-backend/internal/carts"
	"github.com/dgarciamtz/tiendita-backend/internal/ledger"
	"github.com/dgarciamtz/tiendita-backend/internal/reservations"
	"github.com/dgarciamtz/tiendita-backend/pkg/db"
	"github.com/dgarciamtz/tiendita-backend/pkg/db/models"
	"github.com/dgarciamtz/tiendita-backend/pkg/enums"
	"github.com/dgarciamtz/tiendita-backend/pkg/logger"
)

type cleanupHarness struct {
	db   *gorm.DB
	job  *cartCleanupJob
	now  time.Time
	prod uuid.UUID
}

func newCleanupHarness(t *testing.T) *cleanupHarness {
	t.Helper()

	conn := newSweepTestDB(t)
	now := time.Now().UTC()
	jobIface, err := NewCartCleanupJob(CartCleanupJobParams{
		Logger:       logger.New(logger.Options{ServiceName: "sweeper-test"}),
		DB:           db.NewFromConn(conn),
		Carts:        carts.NewRepository(conn),
		Reservations: reservations.NewRepository(conn),
		Ledger:       ledger.NewService(nil),
	})
	if err != nil {
		t.Fatalf("construct job: %v", err)
	}
	job, ok := jobIface.(*cartCleanupJob)
	if !ok {
		t.Fatalf("expected cartCleanupJob, got %T", jobIface)
	}
	job.now = func() time.Time { return now }

	productID := uuid.New()
	if err := conn.Create(&models.StockLevel{ProductID: productID, StockTotal: 10}).Error; err != nil {
		t.Fatalf("seed stock: %v", err)
	}
	return &cleanupHarness{db: conn, job: job, now: now, prod: productID}
}

func (h *cleanupHarness) seedCart(t *testing.T, expiresAt time.Time, qty int) uuid.UUID {
	t.Helper()
	session := "cleanup-" + uuid.NewString()
	cart := models.Cart{
		ID:        uuid.New(),
		OwnerType: enums.OwnerTypeGuest,
		SessionID: &session,
		Status:    enums.CartStatusActive,
		ExpiresAt: expiresAt,
	}
	if err := h.db.Create(&cart).Error; err != nil {
		t.Fatalf("seed cart: %v", err)
	}
	res := models.Reservation{
		ID:            uuid.New(),
		ProductID:     h.prod,
		OwnerType:     enums.OwnerTypeGuest,
		OwnerKey:      session,
		Quantity:      qty,
		Status:        enums.ReservationStatusActive,
		ReservedUntil: h.now.Add(time.Hour),
	}
	if err := h.db.Create(&res).Error; err != nil {
		t.Fatalf("seed reservation: %v", err)
	}
	item := models.CartItem{
		ID:            uuid.New(),
		CartID:        cart.ID,
		ProductID:     h.prod,
		ReservationID: res.ID,
		Quantity:      qty,
		ReservedUntil: h.now.Add(time.Hour),
	}
	if err := h.db.Create(&item).Error; err != nil {
		t.Fatalf("seed cart item: %v", err)
	}
	if err := h.db.Model(&models.StockLevel{}).
		Where("product_id = ?", h.prod).
		Update("reserved_qty", gorm.Expr("reserved_qty + ?", qty)).Error; err != nil {
		t.Fatalf("hold stock: %v", err)
	}
	return cart.ID
}

func (h *cleanupHarness) reservedQty(t *testing.T) int {
	t.Helper()
	var level models.StockLevel
	if err := h.db.First(&level, "product_id = ?", h.prod).Error; err != nil {
		t.Fatalf("load stock: %v", err)
	}
	return level.ReservedQty
}

func TestCartCleanupExpiresLapsedCarts(t *testing.T) {
	h := newCleanupHarness(t)
	lapsed := h.seedCart(t, h.now.Add(-time.Hour), 3)
	live := h.seedCart(t, h.now.Add(24*time.Hour), 2)

	if err := h.job.Run(context.Background()); err != nil {
		t.Fatalf("run cleanup: %v", err)
	}

	var cart models.Cart
	if err := h.db.First(&cart, "id = ?", lapsed).Error; err != nil {
		t.Fatalf("load cart: %v", err)
	}
	if cart.Status != enums.CartStatusExpired {
		t.Fatalf("expected expired cart, got %s", cart.Status)
	}
	var items int64
	if err := h.db.Model(&models.CartItem{}).Where("cart_id = ?", lapsed).Count(&items).Error; err != nil {
		t.Fatalf("count items: %v", err)
	}
	if items != 0 {
		t.Fatalf("expected items removed, %d left", items)
	}

	var liveCart models.Cart
	if err := h.db.First(&liveCart, "id = ?", live).Error; err != nil {
		t.Fatalf("load cart: %v", err)
	}
	if liveCart.Status != enums.CartStatusActive {
		t.Fatalf("expected live cart untouched, got %s", liveCart.Status)
	}
	if got := h.reservedQty(t); got != 2 {
		t.Fatalf("expected 2 units still held, got %d", got)
	}
}

func TestCartCleanupIsIdempotent(t *testing.T) {
	h := newCleanupHarness(t)
	h.seedCart(t, h.now.Add(-time.Hour), 4)

	if err := h.job.Run(context.Background()); err != nil {
		t.Fatalf("first cleanup: %v", err)
	}
	if err := h.job.Run(context.Background()); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if got := h.reservedQty(t); got != 0 {
		t.Fatalf("expected all units released once, reserved %d", got)
	}
}
