// Команда loadtest нагружает HTTP API магазина: создаёт заказы через
// POST /api/orders, в режиме create-pay подтверждает их подписанным
// webhook-событием, как это делает Stripe, а в режиме full ещё и читает
// GET /api/user/orders, проверяя, что заказ стал оплаченным.
package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

type loadMode string

const (
	modeCreate    loadMode = "create"
	modeCreatePay loadMode = "create-pay"
	modeFull      loadMode = "full"
)

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeCreate, modeCreatePay, modeFull:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

// pays сообщает, отправляет ли режим webhook оплаты.
func (m loadMode) pays() bool {
	return m == modeCreatePay || m == modeFull
}

type config struct {
	baseURL       string
	total         int
	totalSet      bool
	duration      time.Duration
	concurrency   int
	rps           float64
	timeout       time.Duration
	mode          loadMode
	productID     int64
	unitPrice     int64
	qty           int
	userTag       string
	jwtSecret     string
	webhookSecret string
	outputPath    string
}

// target описывает, когда прогон заканчивается.
func (c config) target() string {
	switch {
	case c.duration <= 0:
		return fmt.Sprintf("count:%d", c.total)
	case c.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", c.duration, c.total)
	default:
		return fmt.Sprintf("duration:%s", c.duration)
	}
}

func parseConfig() (config, error) {
	var (
		cfg  config
		mode string
	)
	fs := flag.CommandLine
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:3000", "storefront base URL")
	fs.IntVar(&cfg.total, "total", 200, "scenarios to run; with -duration acts as an upper bound when set explicitly")
	fs.DurationVar(&cfg.duration, "duration", 0, "run for this long instead of a fixed count (e.g. 5m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 20, "concurrent virtual users")
	fs.Float64Var(&cfg.rps, "rps", 0, "scenario start rate per second (0 = unlimited)")
	fs.DurationVar(&cfg.timeout, "timeout", 10*time.Second, "per-request timeout")
	fs.StringVar(&mode, "mode", string(modeCreate), "create | create-pay | full")
	fs.Int64Var(&cfg.productID, "product-id", 1, "catalog product id")
	fs.Int64Var(&cfg.unitPrice, "unit-price", 4500000, "catalog unit price in minor units")
	fs.IntVar(&cfg.qty, "qty", 1, "quantity per order")
	fs.StringVar(&cfg.userTag, "user-tag", "load", "user id prefix for minted tokens")
	fs.StringVar(&cfg.jwtSecret, "jwt-secret", "", "Supabase JWT secret (fallback: SUPABASE_JWT_SECRET)")
	fs.StringVar(&cfg.webhookSecret, "webhook-secret", "", "Stripe webhook secret for paying modes (fallback: STRIPE_WEBHOOK_SECRET)")
	fs.StringVar(&cfg.outputPath, "output", "", "write the JSON report to this file")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		cfg.totalSet = cfg.totalSet || f.Name == "total"
	})

	var err error
	if cfg.mode, err = parseMode(mode); err != nil {
		return cfg, err
	}
	cfg.jwtSecret = cmp.Or(strings.TrimSpace(cfg.jwtSecret), os.Getenv("SUPABASE_JWT_SECRET"))
	cfg.webhookSecret = cmp.Or(strings.TrimSpace(cfg.webhookSecret), os.Getenv("STRIPE_WEBHOOK_SECRET"))
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")

	return cfg, cfg.validate()
}

func (c config) validate() error {
	switch {
	case c.baseURL == "":
		return errors.New("url is required")
	case c.duration < 0:
		return errors.New("duration must be >= 0")
	case c.duration == 0 && c.total <= 0:
		return errors.New("total must be > 0 when duration is not set")
	case c.duration > 0 && c.totalSet && c.total <= 0:
		return errors.New("total must be > 0 when explicitly set with duration")
	case c.concurrency <= 0:
		return errors.New("concurrency must be > 0")
	case c.rps < 0:
		return errors.New("rps must be >= 0")
	case c.timeout <= 0:
		return errors.New("timeout must be > 0")
	case c.productID <= 0:
		return errors.New("product-id must be > 0")
	case c.unitPrice <= 0:
		return errors.New("unit-price must be > 0")
	case c.qty <= 0:
		return errors.New("qty must be > 0")
	case strings.TrimSpace(c.userTag) == "":
		return errors.New("user-tag is required")
	case c.jwtSecret == "":
		return errors.New("jwt-secret is required (-jwt-secret or SUPABASE_JWT_SECRET)")
	case c.mode.pays() && c.webhookSecret == "":
		return fmt.Errorf("webhook-secret is required in %s mode", c.mode)
	}
	return nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := parseConfig()
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &checkoutClient{
		http:          &http.Client{Timeout: cfg.timeout},
		baseURL:       cfg.baseURL,
		jwtSecret:     []byte(cfg.jwtSecret),
		webhookSecret: cfg.webhookSecret,
	}
	result, err := runLoad(ctx, cfg, client)
	if err != nil {
		log.Fatalf("load test failed: %v", err)
	}

	result.print(os.Stdout, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			log.Fatalf("write report: %v", err)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}
