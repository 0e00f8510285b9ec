package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config задает подключение к брокеру подтверждений.
type Config struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	Prefetch   int
	// RetryDelay — пауза перед возвратом сообщения в очередь после сбоя хранилища.
	RetryDelay time.Duration
	// ReconnectMin и ReconnectMax ограничивают экспоненциальную паузу
	// между попытками переподключения.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "triplog.sync"
	}
	if c.Queue == "" {
		c.Queue = "triplog.sync.confirmations"
	}
	if c.RoutingKey == "" {
		c.RoutingKey = "sync.confirmed"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = c.ReconnectMin
	}
	return c
}

// acknowledger — подмножество amqp.Delivery, нужное для подтверждения.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// link — открытое соединение с брокером и канал потребителя.
type link struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (l *link) close() error {
	if l == nil {
		return nil
	}
	var errs []error
	if l.ch != nil && !l.ch.IsClosed() {
		if err := l.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if l.conn != nil && !l.conn.IsClosed() {
		if err := l.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Consumer читает подтверждения синхронизации из AMQP-очереди.
// При разрыве соединения переподключается с экспоненциальной паузой.
type Consumer struct {
	cfg       Config
	confirmer Confirmer
	logger    *slog.Logger
	open      func() (*link, <-chan amqp.Delivery, error)

	mu     sync.Mutex
	link   *link
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer создает транспорт подтверждений.
func NewConsumer(cfg Config, confirmer Confirmer, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Consumer{
		cfg:       cfg.withDefaults(),
		confirmer: confirmer,
		logger:    logger.With("component", "replication"),
	}
	c.open = c.dial
	return c
}

func (c *Consumer) Name() string { return "replication" }

// Start подключается к брокеру, объявляет topic exchange и очередь
// и начинает обработку в фоне. Ошибка первого подключения возвращается
// сразу; последующие разрывы обрабатываются переподключением.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("replication consumer already started")
	}
	l, deliveries, err := c.open()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.link, c.cancel, c.done = l, cancel, done

	go func() {
		defer close(done)
		c.run(runCtx, deliveries)
	}()
	c.logger.Info("replication consumer started", "exchange", c.cfg.Exchange, "queue", c.cfg.Queue, "routing_key", c.cfg.RoutingKey)
	return nil
}

func (c *Consumer) run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		c.consume(ctx, deliveries)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("delivery channel closed, reconnecting")
		deliveries = c.reconnect(ctx)
		if deliveries == nil {
			return
		}
	}
}

func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.settle(ctx, d.Body, d)
		}
	}
}

// reconnect повторяет подключение до успеха или отмены ctx; nil — отмена.
func (c *Consumer) reconnect(ctx context.Context) <-chan amqp.Delivery {
	for attempt := 0; ; attempt++ {
		if !sleep(ctx, backoff(attempt, c.cfg.ReconnectMin, c.cfg.ReconnectMax)) {
			return nil
		}
		l, deliveries, err := c.open()
		if err != nil {
			c.logger.Warn("replication reconnect failed", "attempt", attempt+1, "err", err)
			continue
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			_ = l.close()
			return nil
		}
		old := c.link
		c.link = l
		c.mu.Unlock()
		_ = old.close()
		c.logger.Info("replication consumer reconnected", "attempts", attempt+1)
		return deliveries
	}
}

func (c *Consumer) dial() (*link, <-chan amqp.Delivery, error) {
	if c.cfg.URL == "" {
		return nil, nil, errors.New("replication: amqp url is empty")
	}
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	l := &link{conn: conn, ch: ch}
	deliveries, err := c.declare(ch)
	if err != nil {
		_ = l.close()
		return nil, nil, err
	}
	return l, deliveries, nil
}

func (c *Consumer) declare(ch *amqp.Channel) (<-chan amqp.Delivery, error) {
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	if err := ch.QueueBind(c.cfg.Queue, c.cfg.RoutingKey, c.cfg.Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("queue bind: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

// Stop отменяет обработку и закрывает соединение.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	l, cancel, done := c.link, c.cancel, c.done
	c.link, c.cancel, c.done = nil, nil, nil
	if cancel != nil {
		// Под mu: reconnect не подменит link после Stop.
		cancel()
	}
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	var errs []error
	if err := l.close(); err != nil {
		errs = append(errs, err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

// backoff удваивает паузу с каждой попыткой, не выходя за max.
func backoff(attempt int, min, max time.Duration) time.Duration {
	d := min
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// sleep ждет d; false, если ctx отменен раньше.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// settle применяет сообщение: ack при успехе, nack без повтора для
// некорректных сообщений, nack с повтором при сбое хранилища. Повтор
// отдается не раньше RetryDelay, чтобы сбой не крутил очередь вхолостую.
func (c *Consumer) settle(ctx context.Context, body []byte, ack acknowledger) {
	conf, err := DecodeConfirmation(body)
	if err != nil {
		c.logger.Warn("drop sync confirmation", "err", err)
		_ = ack.Nack(false, false)
		return
	}
	marker, moved, err := Apply(ctx, c.confirmer, conf)
	if err != nil {
		c.logger.Error("apply sync confirmation", "err", err, "retry_in", c.cfg.RetryDelay.String())
		sleep(ctx, c.cfg.RetryDelay)
		_ = ack.Nack(false, true)
		return
	}
	if !moved {
		c.logger.Info("stale sync confirmation ignored", "synced_at", conf.SyncedAt, "last_sync", marker)
	}
	_ = ack.Ack(false)
}
