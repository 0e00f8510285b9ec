package location

import (
	"context"
	"sync"
)

// StaticPermission хранит решение о доступе к геолокации, заданное
// конфигурацией или оператором. Запрос разрешения возвращает текущее решение.
type StaticPermission struct {
	mu      sync.Mutex
	granted bool
}

// NewStaticPermission создает провайдер с исходным решением.
func NewStaticPermission(granted bool) *StaticPermission {
	return &StaticPermission{granted: granted}
}

func (p *StaticPermission) HasForegroundPermission(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted, nil
}

func (p *StaticPermission) RequestForegroundPermission(ctx context.Context) (bool, error) {
	return p.HasForegroundPermission(ctx)
}

// Set меняет решение, например после выдачи доступа в настройках.
func (p *StaticPermission) Set(granted bool) {
	p.mu.Lock()
	p.granted = granted
	p.mu.Unlock()
}
