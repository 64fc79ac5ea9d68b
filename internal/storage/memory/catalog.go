package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Product — товар каталога с ценой и остатком.
type Product struct {
	ID         int64
	Name       string
	PriceMinor int64
	Stock      int64
}

// Catalog хранит товары в памяти. Реализует ProductCatalog,
// а через Inventory списывает остатки.
type Catalog struct {
	mu       sync.RWMutex
	products map[int64]Product
}

// NewCatalog создаёт каталог с начальным набором товаров.
func NewCatalog(products ...Product) *Catalog {
	c := &Catalog{products: make(map[int64]Product, len(products))}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

// Upsert добавляет или заменяет товар.
func (c *Catalog) Upsert(p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
}

// Stock возвращает текущий остаток товара.
func (c *Catalog) Stock(productID int64) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[productID]
	return p.Stock, ok
}

// Prices возвращает цены по идентификаторам.
func (c *Catalog) Prices(_ context.Context, productIDs []int64) (map[int64]int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[int64]int64, len(productIDs))
	for _, id := range productIDs {
		if p, ok := c.products[id]; ok {
			result[id] = p.PriceMinor
		}
	}
	return result, nil
}

// Inventory списывает остатки каталога по позициям заказа.
type Inventory struct {
	catalog *Catalog
	orders  domain.OrderRepository
}

// NewInventory создаёт in-memory InventoryDecrementer.
func NewInventory(catalog *Catalog, orders domain.OrderRepository) *Inventory {
	return &Inventory{catalog: catalog, orders: orders}
}

// DecrementForOrder списывает qty каждой позиции. Остаток может уйти в минус:
// это сигнал перепродажи, который разбирается вручную.
func (i *Inventory) DecrementForOrder(ctx context.Context, orderID string) error {
	order, err := i.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}

	i.catalog.mu.Lock()
	defer i.catalog.mu.Unlock()

	for _, line := range order.Lines {
		if _, ok := i.catalog.products[line.ProductID]; !ok {
			return fmt.Errorf("product %d: %w", line.ProductID, domain.ErrProductNotFound)
		}
	}
	for _, line := range order.Lines {
		p := i.catalog.products[line.ProductID]
		p.Stock -= int64(line.Qty)
		i.catalog.products[line.ProductID] = p
	}
	return nil
}

// RestoreForOrder возвращает на склад qty позиций заказа.
func (i *Inventory) RestoreForOrder(ctx context.Context, orderID string) error {
	order, err := i.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}

	i.catalog.mu.Lock()
	defer i.catalog.mu.Unlock()

	for _, line := range order.Lines {
		if p, ok := i.catalog.products[line.ProductID]; ok {
			p.Stock += int64(line.Qty)
			i.catalog.products[line.ProductID] = p
		}
	}
	return nil
}

var (
	_ domain.ProductCatalog       = (*Catalog)(nil)
	_ domain.InventoryDecrementer = (*Inventory)(nil)
	_ stockRestorer               = (*Inventory)(nil)
)
