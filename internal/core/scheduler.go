package core

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errBadInterval = errors.New("interval must be positive")

// Job описывает периодическую задачу.
type Job func(ctx context.Context)

// Scheduler запускает одну задачу с фиксированным интервалом в фоновой
// горутине, независимой от запросов. Тики выполняются последовательно:
// следующий не начнется, пока не закончился предыдущий.
type Scheduler struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler создает остановленный scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Start запускает задачу: первый тик сразу, далее каждые interval.
// Повторный Start на работающем scheduler ничего не делает.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration, job func(ctx context.Context)) error {
	if interval <= 0 {
		return errBadInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		job(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if runCtx.Err() != nil {
					return
				}
				job(runCtx)
			}
		}
	}()
	return nil
}

// Stop отменяет задачу и ждет завершения текущего тика. Идемпотентен.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running сообщает, запущена ли задача.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Run блокирует до отмены ctx, вызывая job каждые interval.
func Run(ctx context.Context, interval time.Duration, job Job) error {
	s := NewScheduler()
	if err := s.Start(ctx, interval, job); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}
