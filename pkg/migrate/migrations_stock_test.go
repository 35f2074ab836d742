package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dgarciamtz/tiendita-backend/pkg/migrate"
)

func TestMigrationDirIsValid(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("validate migrations dir: %v", err)
	}
}

func TestStockMigrationContainsAccountingConstraints(t *testing.T) {
	content := readMigration(t, "*_create_products_and_stock.sql")

	checks := []string{
		"CREATE TABLE IF NOT EXISTS stock_levels",
		"CHECK (stock_total >= 0)",
		"CHECK (reserved_qty >= 0)",
		"CHECK (sold_qty >= 0)",
		"CONSTRAINT stock_levels_no_overcommit CHECK (reserved_qty + sold_qty <= stock_total)",
		"DROP TABLE IF EXISTS stock_levels",
	}
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestCartMigrationEnforcesSingleActiveCart(t *testing.T) {
	content := readMigration(t, "*_create_carts.sql")

	checks := []string{
		"idx_carts_active_user",
		"idx_carts_active_session",
		"reservation_id UUID NOT NULL UNIQUE",
		"CONSTRAINT cart_items_one_line_per_product UNIQUE (cart_id, product_id)",
	}
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func readMigration(t *testing.T, pattern string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", pattern))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no migration matching %q found", pattern)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	return string(data)
}
