package providers

import (
	"fmt"

	"famdigest/internal/domain"
)

// Registry выбирает адаптер по тегу провайдера подключения. Диспетчеризация
// через таблицу фабрик, без наследования: каждый адаптер — структура,
// замкнутая на свои учётные данные.
type Registry struct {
	factories map[domain.Provider]domain.SessionFactory
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[domain.Provider]domain.SessionFactory)}
}

// Register привязывает фабрику к тегу провайдера.
func (r *Registry) Register(p domain.Provider, f domain.SessionFactory) {
	r.factories[p] = f
}

var _ domain.SessionResolver = (*Registry)(nil)

// Resolve возвращает сессию для подключения. Для неизвестного тега —
// ErrProviderNotImplemented: фатально для этого подключения, но вызывающий
// изолирует ошибку на уровне календаря.
func (r *Registry) Resolve(conn domain.Connection) (domain.CalendarSession, error) {
	factory, ok := r.factories[conn.Provider]
	if !ok {
		return nil, fmt.Errorf("%q: %w", conn.Provider, domain.ErrProviderNotImplemented)
	}
	return factory(conn)
}
