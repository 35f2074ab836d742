package reservations

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/dgarciamtz/tiendita-backend/internal/ledger"
	"github.com/dgarciamtz/tiendita-backend/pkg/config"
	"github.com/dgarciamtz/tiendita-backend/pkg/db"
	"github.com/dgarciamtz/tiendita-backend/pkg/db/models"
	"github.com/dgarciamtz/tiendita-backend/pkg/enums"
	pkgerrors "github.com/dgarciamtz/tiendita-backend/pkg/errors"
	"github.com/dgarciamtz/tiendita-backend/pkg/pagination"
	"github.com/dgarciamtz/tiendita-backend/pkg/types"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	conn := newTestDB(t)
	svc, err := NewService(
		NewRepository(conn),
		ledger.NewService(nil),
		db.NewFromConn(conn),
		config.HoldsConfig{
			CartWindow:       2 * time.Hour,
			StandaloneWindow: 168 * time.Hour,
			CartTTL:          72 * time.Hour,
		},
		nil,
	)
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	return svc, conn
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:reservations_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("unwrap db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	table := `
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
);`
	if err := conn.Exec(table).Error; err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := conn.AutoMigrate(&models.StockLevel{}); err != nil {
		t.Fatalf("migrate stock levels: %v", err)
	}
	return conn
}

func seedStock(t *testing.T, conn *gorm.DB, productID uuid.UUID, total int) {
	t.Helper()
	if err := conn.Create(&models.StockLevel{ProductID: productID, StockTotal: total}).Error; err != nil {
		t.Fatalf("seed stock: %v", err)
	}
}

func stockAvailable(t *testing.T, conn *gorm.DB, productID uuid.UUID) int {
	t.Helper()
	var level models.StockLevel
	if err := conn.First(&level, "product_id = ?", productID).Error; err != nil {
		t.Fatalf("load stock: %v", err)
	}
	return level.Available()
}

func TestCreateHoldsStock(t *testing.T) {
	t.Parallel()

	svc, conn := newTestService(t)
	ctx := context.Background()
	product := uuid.New()
	seedStock(t, conn, product, 6)

	reservation, err := svc.Create(ctx, types.GuestOwner("apartado-1"), product, 4)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if reservation.Status != enums.ReservationStatusActive {
		t.Fatalf("expected active hold, got %s", reservation.Status)
	}
	if got := stockAvailable(t, conn, product); got != 2 {
		t.Fatalf("expected 2 available, got %d", got)
	}

	_, err = svc.Create(ctx, types.GuestOwner("apartado-2"), product, 3)
	if err == nil {
		t.Fatal("expected insufficient stock")
	}
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeInsufficientStock {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExtendActiveHoldOnly(t *testing.T) {
	t.Parallel()

	svc, conn := newTestService(t)
	ctx := context.Background()
	product := uuid.New()
	seedStock(t, conn, product, 5)

	reservation, err := svc.Create(ctx, types.GuestOwner("apartado-3"), product, 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := reservation.ReservedUntil

	extended, err := svc.Extend(ctx, reservation.ID, 200*time.Hour)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if !extended.ReservedUntil.After(before) {
		t.Fatalf("window not pushed: before %v after %v", before, extended.ReservedUntil)
	}

	if _, err := svc.Cancel(ctx, reservation.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.Extend(ctx, reservation.ID, time.Hour); err == nil {
		t.Fatal("expected extend of cancelled hold to fail")
	}
}

func TestCancelReleasesStockOnce(t *testing.T) {
	t.Parallel()

	svc, conn := newTestService(t)
	ctx := context.Background()
	product := uuid.New()
	seedStock(t, conn, product, 5)

	reservation, err := svc.Create(ctx, types.GuestOwner("apartado-4"), product, 3)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := svc.Cancel(ctx, reservation.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != enums.ReservationStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if got := stockAvailable(t, conn, product); got != 5 {
		t.Fatalf("expected full availability back, got %d", got)
	}

	if _, err := svc.Cancel(ctx, reservation.ID); err == nil {
		t.Fatal("expected second cancel to fail")
	}
	if got := stockAvailable(t, conn, product); got != 5 {
		t.Fatalf("double cancel moved stock, available %d", got)
	}
}

func TestListPaginatesAndFilters(t *testing.T) {
	t.Parallel()

	svc, conn := newTestService(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		status := enums.ReservationStatusActive
		if i%2 == 1 {
			status = enums.ReservationStatusCancelled
		}
		row := models.Reservation{
			ID:            uuid.New(),
			ProductID:     uuid.New(),
			OwnerType:     enums.OwnerTypeGuest,
			OwnerKey:      "lister",
			Quantity:      1,
			Status:        status,
			ReservedUntil: base.Add(24 * time.Hour),
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}
		if err := conn.Create(&row).Error; err != nil {
			t.Fatalf("seed reservation: %v", err)
		}
	}

	page, err := svc.List(ctx, pagination.Params{Limit: 2}, ListFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Reservations) != 2 || page.NextCursor == "" {
		t.Fatalf("unexpected first page: %d rows, cursor %q", len(page.Reservations), page.NextCursor)
	}
	if !page.Reservations[0].CreatedAt.After(page.Reservations[1].CreatedAt) {
		t.Fatal("expected newest-first ordering")
	}

	second, err := svc.List(ctx, pagination.Params{Limit: 2, Cursor: page.NextCursor}, ListFilters{})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second.Reservations) != 2 {
		t.Fatalf("expected 2 rows on second page, got %d", len(second.Reservations))
	}

	active := enums.ReservationStatusActive
	filtered, err := svc.List(ctx, pagination.Params{Limit: 10}, ListFilters{Status: &active})
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if len(filtered.Reservations) != 3 {
		t.Fatalf("expected 3 active holds, got %d", len(filtered.Reservations))
	}
	for _, row := range filtered.Reservations {
		if row.Status != enums.ReservationStatusActive {
			t.Fatalf("filter leaked status %s", row.Status)
		}
	}
}
