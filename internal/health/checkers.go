package health

import (
	"context"
	"time"
)

// Probe превращает функцию в Checker: ошибка означает unhealthy.
type Probe struct {
	name string
	fn   func(ctx context.Context) error
}

func NewProbe(name string, fn func(ctx context.Context) error) *Probe {
	return &Probe{name: name, fn: fn}
}

func (p *Probe) Check(ctx context.Context) Check {
	start := time.Now()
	err := p.fn(ctx)

	check := Check{Name: p.name, Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// Pinger проверяется запросом ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewPingChecker проверяет хранилище через Ping.
func NewPingChecker(name string, pinger Pinger) *Probe {
	return NewProbe(name, pinger.Ping)
}

type optional struct {
	Checker
}

// Optional понижает отказ проверки до degraded: /healthz покажет проблему,
// но readiness не снимет сервис с балансировки.
func Optional(checker Checker) Checker {
	return optional{Checker: checker}
}

func (o optional) Check(ctx context.Context) Check {
	check := o.Checker.Check(ctx)
	if check.Status == StatusUnhealthy {
		check.Status = StatusDegraded
	}
	return check
}
