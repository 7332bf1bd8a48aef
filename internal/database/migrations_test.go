package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/storefront/internal/orders"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesCustomerEmails(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(schemaModels()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	lead := orders.Lead{ID: "lead-1", Email: "  Reader@Example.COM ", Source: orders.LeadSourceWaitlist}
	if err := database.Create(&lead).Error; err != nil {
		testContext.Fatalf("failed to insert lead: %v", err)
	}
	purchase := orders.Purchase{
		ID:              "purchase-1",
		PaymentIntentID: "pi_1",
		ProductID:       "course-kit",
		CustomerEmail:   "Buyer@Example.com",
		Status:          orders.PurchaseStatusPending,
		Quantity:        1,
	}
	if err := database.Create(&purchase).Error; err != nil {
		testContext.Fatalf("failed to insert purchase: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var storedLead orders.Lead
	if err := database.Where("id = ?", lead.ID).Take(&storedLead).Error; err != nil {
		testContext.Fatalf("failed to reload lead: %v", err)
	}
	if storedLead.Email != "reader@example.com" {
		testContext.Fatalf("expected normalized lead email, got %q", storedLead.Email)
	}
	var storedPurchase orders.Purchase
	if err := database.Where("id = ?", purchase.ID).Take(&storedPurchase).Error; err != nil {
		testContext.Fatalf("failed to reload purchase: %v", err)
	}
	if storedPurchase.CustomerEmail != "buyer@example.com" {
		testContext.Fatalf("expected normalized purchase email, got %q", storedPurchase.CustomerEmail)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeCustomerEmails).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "once.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	lead := orders.Lead{ID: "lead-2", Email: "Late@Example.com", Source: orders.LeadSourceWaitlist}
	if err := database.Create(&lead).Error; err != nil {
		testContext.Fatalf("failed to insert lead: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}

	var stored orders.Lead
	if err := database.Where("id = ?", lead.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload lead: %v", err)
	}
	if stored.Email != "Late@Example.com" {
		testContext.Fatalf("an applied migration must not run again, got %q", stored.Email)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected one migration record, got %d", count)
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected an error for an empty path")
	}
}
