package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// codeNoDataFound выставляет decrement_stock_for_order, если товара нет в каталоге.
const codeNoDataFound = "P0002"

type stockDecrementer struct {
	db *sql.DB
}

// NewStockDecrementer создаёт InventoryDecrementer поверх хранимой функции
// decrement_stock_for_order. Работает в транзакции из ctx, если она есть.
func NewStockDecrementer(store *Store) domain.InventoryDecrementer {
	return &stockDecrementer{db: store.DB()}
}

func (d *stockDecrementer) DecrementForOrder(ctx context.Context, orderID string) error {
	var updated int
	err := querierFromContext(ctx, d.db).
		QueryRowContext(ctx, `SELECT decrement_stock_for_order($1)`, orderID).
		Scan(&updated)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeNoDataFound {
			return fmt.Errorf("%s: %w", pgErr.Message, domain.ErrProductNotFound)
		}
		return fmt.Errorf("decrement stock for order %s: %w", orderID, err)
	}

	return nil
}

var _ domain.InventoryDecrementer = (*stockDecrementer)(nil)
