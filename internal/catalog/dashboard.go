package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DashboardCatalog resolves dashboard products from the relational store.
type DashboardCatalog struct {
	db *gorm.DB
}

// NewDashboardCatalog constructs the catalog over an open database handle.
func NewDashboardCatalog(db *gorm.DB) (*DashboardCatalog, error) {
	if db == nil {
		return nil, fmt.Errorf("catalog: database connection required")
	}
	return &DashboardCatalog{db: db}, nil
}

// Product returns the dashboard product with the given id.
func (c *DashboardCatalog) Product(ctx context.Context, id string) (DashboardProduct, error) {
	productID := strings.TrimSpace(id)
	if productID == "" {
		return DashboardProduct{}, ErrInvalidProductID
	}

	var product DashboardProduct
	err := c.db.WithContext(ctx).
		Where("id = ?", productID).
		Take(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DashboardProduct{}, fmt.Errorf("%w: dashboard %s", ErrProductNotFound, productID)
	}
	if err != nil {
		return DashboardProduct{}, err
	}
	return product, nil
}

// Upsert inserts or replaces a dashboard product, keyed by id.
func (c *DashboardCatalog) Upsert(ctx context.Context, product DashboardProduct) error {
	if strings.TrimSpace(product.ID) == "" {
		return ErrInvalidProductID
	}
	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"slug", "name", "description", "price_cents", "currency", "product_type",
				"stripe_product_id", "stripe_price_id", "delivery_type", "delivery_url",
				"image_url", "active", "updated_at",
			}),
		}).
		Create(&product).Error
}
