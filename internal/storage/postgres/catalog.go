package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type productCatalog struct {
	db *sql.DB
}

// NewProductCatalog создаёт каталог, читающий цены из таблицы products.
func NewProductCatalog(store *Store) domain.ProductCatalog {
	return &productCatalog{db: store.DB()}
}

// Prices возвращает цены найденных товаров. Отсутствующие id в результат не попадают.
func (c *productCatalog) Prices(ctx context.Context, productIDs []int64) (map[int64]int64, error) {
	result := make(map[int64]int64, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, price_minor
		FROM products
		WHERE id = ANY($1::bigint[])
	`, productIDs)
	if err != nil {
		return nil, fmt.Errorf("select product prices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, price int64
		if err := rows.Scan(&id, &price); err != nil {
			return nil, fmt.Errorf("scan product price: %w", err)
		}
		result[id] = price
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product prices: %w", err)
	}

	return result, nil
}

var _ domain.ProductCatalog = (*productCatalog)(nil)
