package app

import (
	"context"
	"sync"

	"github.com/gotd/td/tg"

	"telegram-client/internal/infra/logger"
	"telegram-client/internal/infra/pr"
	"telegram-client/internal/telegram/runtime"
	"telegram-client/internal/telegram/updates"
)

// logDispatcher — потребитель нормализованных апдейтов по умолчанию: пишет
// тип события в лог. Прикладные обработчики подключаются на его место через
// runtime.Config.Dispatcher.
type logDispatcher struct{}

func (logDispatcher) Dispatch(_ context.Context, e updates.Envelope) error {
	logger.Debugf("update %T (users=%d chats=%d)", e.Update, len(e.Users), len(e.Chats))
	if logger.IsDebugEnabled() {
		pr.PP(e.Update)
	}
	return nil
}

// lazyUpdateHandler разрывает цикл фабрика → ядро: фабрике обработчик нужен
// при создании, а ядро строится поверх сессии этой же фабрики. До вызова set
// апдейты отбрасываются.
type lazyUpdateHandler struct {
	mu sync.RWMutex
	rt *runtime.Runtime
}

func (h *lazyUpdateHandler) set(rt *runtime.Runtime) {
	h.mu.Lock()
	h.rt = rt
	h.mu.Unlock()
}

// Handle реализует telegram.UpdateHandler.
func (h *lazyUpdateHandler) Handle(_ context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	rt := h.rt
	h.mu.RUnlock()
	if rt != nil {
		rt.HandleUpdates(u)
	}
	return nil
}
