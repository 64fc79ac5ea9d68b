package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// runLoad раздаёт сценарии concurrency воркерам и собирает отчёт.
func runLoad(ctx context.Context, cfg config, client *checkoutClient) (report, error) {
	started := time.Now()
	runID := fmt.Sprintf("%d-%d", started.UnixNano(), os.Getpid())
	rec := newRecorder()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.rps), max(1, int(math.Ceil(cfg.rps))))
	}

	jobs := make(chan int, cfg.concurrency)
	var wg sync.WaitGroup
	for range cfg.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				if limiter.Wait(ctx) != nil {
					continue
				}
				_ = runScenario(ctx, client, cfg, rec, runID, index)
			}
		}()
	}

	dispatch(ctx, jobs, cfg)
	wg.Wait()
	return rec.buildReport(started, time.Since(started))
}

// dispatch выдаёт номера сценариев, пока не исчерпан total или не истекла duration.
func dispatch(ctx context.Context, jobs chan<- int, cfg config) {
	defer close(jobs)

	var deadline <-chan time.Time
	if cfg.duration > 0 {
		timer := time.NewTimer(cfg.duration)
		defer timer.Stop()
		deadline = timer.C
	}
	bounded := cfg.duration <= 0 || cfg.totalSet

	for i := 0; !bounded || i < cfg.total; i++ {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case jobs <- i:
		}
	}
}

// runScenario проходит путь покупателя: заказ, оплата, проверка статуса.
// Сценарий завершается с кодом первого упавшего шага.
func runScenario(ctx context.Context, client *checkoutClient, cfg config, rec *recorder, runID string, index int) error {
	userID := fmt.Sprintf("%s-%s-%d", cfg.userTag, runID, index)

	return rec.timed(stepScenario, func() error {
		var orderID string
		err := rec.timed(stepPlaceOrder, func() (err error) {
			orderID, err = client.placeOrder(ctx, userID, fmt.Sprintf("lt-order-%s-%d", runID, index), orderBody(cfg))
			return err
		})
		if err != nil || !cfg.mode.pays() {
			return err
		}

		err = rec.timed(stepPay, func() error {
			return client.payOrder(ctx, fmt.Sprintf("evt_lt_%s_%d", runID, index), orderID, cfg.unitPrice*int64(cfg.qty))
		})
		if err != nil || cfg.mode != modeFull {
			return err
		}

		return rec.timed(stepListOrders, func() error {
			status, err := client.orderStatus(ctx, userID, orderID)
			if err == nil && status != string(domain.OrderStatusPaid) {
				err = failStep(codeBadResponse, fmt.Errorf("order %s is %q after payment", orderID, status))
			}
			return err
		})
	})
}

func orderBody(cfg config) []byte {
	body, _ := json.Marshal(map[string]any{
		"items": []map[string]any{{
			"id_producto": cfg.productID,
			"quantity":    cfg.qty,
			"precio":      cfg.unitPrice,
			"nombre":      "load-test",
		}},
		"direccion_envio":   "Calle de carga 1",
		"telefono_contacto": "+57 300 000 0000",
	})
	return body
}
