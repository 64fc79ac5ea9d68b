package domain

import (
	"fmt"
	"time"
)

// CartEntry — позиция корзины в том виде, в котором её прислал клиент.
// Данные не доверенные: цена и название приходят из браузера.
type CartEntry struct {
	ProductID      int64
	Qty            int32
	UnitPriceMinor int64
	Name           string
	ImageURL       string
}

// CartSnapshot — неизменяемый снимок корзины на момент оформления.
type CartSnapshot struct {
	Entries []CartEntry
}

// Validate проверяет корзину до любых побочных эффектов. Сумма корзины
// должна помещаться в int64, иначе Total потеряет смысл.
func (c CartSnapshot) Validate() error {
	if len(c.Entries) == 0 {
		return ErrCartEmpty
	}
	var total int64
	for i, entry := range c.Entries {
		switch {
		case entry.ProductID <= 0:
			return fmt.Errorf("item %d: %w", i, ErrProductIDInvalid)
		case entry.Qty <= 0:
			return fmt.Errorf("item %d: %w", i, ErrItemQtyInvalid)
		case entry.UnitPriceMinor <= 0:
			return fmt.Errorf("item %d: %w", i, ErrItemPriceInvalid)
		}
		var ok bool
		if total, ok = addSubtotal(total, entry.Qty, entry.UnitPriceMinor); !ok {
			return fmt.Errorf("item %d: %w", i, ErrAmountOverflow)
		}
	}
	return nil
}

// Total возвращает сумму корзины в минимальных единицах.
func (c CartSnapshot) Total() int64 {
	var total int64
	for _, entry := range c.Entries {
		total += int64(entry.Qty) * entry.UnitPriceMinor
	}
	return total
}

// Lines строит позиции заказа, по одной на каждую запись корзины.
func (c CartSnapshot) Lines(now time.Time) []OrderLine {
	lines := make([]OrderLine, 0, len(c.Entries))
	for _, entry := range c.Entries {
		lines = append(lines, OrderLine{
			ProductID:      entry.ProductID,
			Qty:            entry.Qty,
			UnitPriceMinor: entry.UnitPriceMinor,
			CreatedAt:      now,
		})
	}
	return lines
}
