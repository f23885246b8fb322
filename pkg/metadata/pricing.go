package metadata

import (
	"context"
	"database/sql"

	"github.com/goccy/go-json"

	"cloudemu/pkg/awserr"
	"cloudemu/pkg/models"
)

// SeedProducts loads products into an empty catalog. It reports whether it inserted anything;
// a catalog that already holds rows is left alone.
func (s *Store) SeedProducts(ctx context.Context, products []models.Product) (bool, error) {
	seeded := false
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var count int64
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pricing_products`).Scan(&count); err != nil {
			return dbErr(err)
		}
		if count > 0 {
			return nil
		}

		for _, product := range products {
			attrs, err := json.Marshal(product.Attributes)
			if err != nil {
				return awserr.JSON(err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO pricing_products (sku, service_code, product_family, attributes, unit, price_per_unit, description)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				product.SKU, product.ServiceCode, product.ProductFamily, string(attrs), product.Unit, product.PricePerUnit,
				product.Description); err != nil {
				return insertErr(err, product.SKU)
			}
		}
		seeded = true
		return nil
	})
	return seeded, err
}

// ListProducts returns the products of a service code (every product when empty), by SKU.
// Attribute filtering happens in the caller.
func (s *Store) ListProducts(ctx context.Context, serviceCode string) ([]models.Product, error) {
	var products []models.Product
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT sku, service_code, product_family, attributes, unit, price_per_unit, description
			 FROM pricing_products WHERE (? = '' OR service_code = ?) ORDER BY service_code, sku`,
			serviceCode, serviceCode)
		if err != nil {
			return dbErr(err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				product models.Product
				attrs   string
			)
			if err := rows.Scan(&product.SKU, &product.ServiceCode, &product.ProductFamily, &attrs, &product.Unit,
				&product.PricePerUnit, &product.Description); err != nil {
				return dbErr(err)
			}
			if err := json.Unmarshal([]byte(attrs), &product.Attributes); err != nil {
				return awserr.JSON(err)
			}
			products = append(products, product)
		}
		return dbErr(rows.Err())
	})
	return products, err
}
