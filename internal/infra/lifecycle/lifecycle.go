// Package lifecycle — упорядоченный запуск и остановка подсистем приложения.
// Узлы стартуют в порядке регистрации и гасятся строго в обратном; упавший
// старт откатывает уже запущенные узлы, чтобы не оставлять полуживых сервисов.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"telegram-client/internal/infra/logger"
)

// Hook — один управляемый узел. Start и Stop необязательны: узел может быть
// чисто стартовым (прогрев) или чисто финализирующим (закрытие ресурса).
type Hook struct {
	Name  string
	Start func(ctx context.Context) error
	Stop  func() error
}

// Manager держит узлы и фактический порядок их запуска.
type Manager struct {
	hooks   []Hook
	started []Hook
}

// New создаёт пустой менеджер.
func New() *Manager {
	return &Manager{}
}

// Register добавляет узел в конец порядка запуска.
func (m *Manager) Register(h Hook) {
	m.hooks = append(m.hooks, h)
}

// StartAll запускает узлы по порядку. Первая ошибка останавливает запуск и
// откатывает уже стартовавшие узлы в обратном порядке.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, h := range m.hooks {
		logger.Debugf("lifecycle: starting %s", h.Name)
		if h.Start != nil {
			if err := h.Start(ctx); err != nil {
				err = fmt.Errorf("start %s: %w", h.Name, err)
				if stopErr := m.Shutdown(); stopErr != nil {
					err = errors.Join(err, stopErr)
				}
				return err
			}
		}
		m.started = append(m.started, h)
		logger.Debugf("lifecycle: %s is running", h.Name)
	}
	return nil
}

// Shutdown гасит запущенные узлы в обратном порядке. Ошибки остановки
// объединяются: каждый узел получает свой шанс завершиться.
func (m *Manager) Shutdown() error {
	var errs error
	for i := len(m.started) - 1; i >= 0; i-- {
		h := m.started[i]
		logger.Debugf("lifecycle: stopping %s", h.Name)
		if h.Stop != nil {
			if err := h.Stop(); err != nil {
				logger.Errorf("lifecycle: stop %s: %v", h.Name, err)
				errs = errors.Join(errs, fmt.Errorf("stop %s: %w", h.Name, err))
				continue
			}
		}
		logger.Debugf("lifecycle: %s stopped", h.Name)
	}
	m.started = nil
	return errs
}
