// Package notify доставляет уведомления об операциях, входах и отчётах во внешние системы.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bank-ledger/internal/model"
)

// Publisher отправляет уведомление во внешнюю систему.
type Publisher interface {
	Publish(ctx context.Context, n model.Notification) error
	Close() error
}

// Metrics собирает статистику доставки.
type Metrics interface {
	IncNotification(status string)
	IncNotificationDropped()
}

const (
	defaultQueueSize      = 1024
	defaultPublishTimeout = 5 * time.Second
)

// Dispatcher ставит уведомления в очередь и доставляет их в фоне.
// Notify никогда не блокирует вызывающего: при переполненной очереди уведомление отбрасывается.
type Dispatcher struct {
	queue     chan model.Notification
	publisher Publisher
	logger    *zap.Logger
	metrics   Metrics
	timeout   time.Duration
}

// NewDispatcher создаёт диспетчер с очередью размера queueSize.
func NewDispatcher(publisher Publisher, queueSize int, logger *zap.Logger, metrics Metrics) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:     make(chan model.Notification, queueSize),
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
		timeout:   defaultPublishTimeout,
	}
}

// Notify ставит уведомление в очередь.
func (d *Dispatcher) Notify(n model.Notification) {
	select {
	case d.queue <- n:
	default:
		if d.metrics != nil {
			d.metrics.IncNotificationDropped()
		}
		d.logger.Warn("notification queue full, dropping",
			zap.String("kind", string(n.Kind)),
			zap.String("account_id", n.AccountID),
		)
	}
}

// Run доставляет уведомления до отмены ctx, после чего отправляет то, что осталось в очереди.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case n := <-d.queue:
			d.publish(context.WithoutCancel(ctx), n)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case n := <-d.queue:
			d.publish(context.Background(), n)
		default:
			return
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, n model.Notification) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	status := "ok"
	if err := d.publisher.Publish(ctx, n); err != nil {
		status = "error"
		d.logger.Warn("notification delivery failed",
			zap.Error(err),
			zap.String("kind", string(n.Kind)),
			zap.String("account_id", n.AccountID),
		)
	}
	if d.metrics != nil {
		d.metrics.IncNotification(status)
	}
}

// LogPublisher пишет уведомления в лог. Используется, когда брокер не настроен.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher создаёт LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish пишет уведомление в лог с полями, соответствующими его виду.
func (p *LogPublisher) Publish(_ context.Context, n model.Notification) error {
	fields := []zap.Field{
		zap.String("kind", string(n.Kind)),
		zap.String("account_id", n.AccountID),
		zap.Time("timestamp", n.Timestamp),
	}
	switch n.Kind {
	case model.NotificationLoginAlert:
		fields = append(fields,
			zap.String("login", n.Login),
			zap.String("role", string(n.Role)),
			zap.Int("series_months", len(n.Series)),
		)
	case model.NotificationLoginReport:
		if n.Report != nil {
			fields = append(fields,
				zap.String("month", n.Report.Month),
				zap.Int("total_logins", n.Report.Stats.TotalLogins),
				zap.Int("failed_attempts", n.Report.Stats.FailedAttempts),
				zap.Int("accounts", len(n.Report.Accounts)),
			)
		}
	default:
		fields = append(fields,
			zap.String("type", string(n.Type)),
			zap.Int64("amount", n.Amount),
			zap.Int64("balance_after", n.BalanceAfter),
		)
	}
	p.logger.Info("notification", fields...)
	return nil
}

// Close ничего не делает: LogPublisher не владеет ресурсами.
func (p *LogPublisher) Close() error { return nil }
