package runtime

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"telegram-client/internal/infra/logger"
)

// offlineThreshold — возраст отметки последней синхронизации, после которого
// на старте выполняется полный обход диалогов вместо лёгкого.
const offlineThreshold = 15 * time.Minute

// Sync выполняет начальную синхронизацию авторизованной сессии. Для ботов это
// один updates.getState; для пользователей — запуск takeout-сессии (если
// включён режим экспорта) и прогрев кэша пиров диалогами: полный постраничный
// обход после долгого простоя, иначе закреплённые плюс одна страница. Пиры из
// всех ответов оседают в кэше через Invoke.
func (r *Runtime) Sync(ctx context.Context) error {
	state, ok, err := r.sessions.Load()
	if err != nil {
		return errors.Wrap(err, "load session state")
	}
	if !ok || !state.Authorized() {
		return errors.New("sync requires an authorized session")
	}

	if state.IsBot {
		if _, err := r.api.UpdatesGetState(ctx); err != nil {
			return errors.Wrap(err, "get updates state")
		}
		return r.sessions.TouchDate()
	}

	if r.takeout {
		if err := r.initTakeout(ctx); err != nil {
			return err
		}
	}

	age := time.Since(time.Unix(state.Date, 0))
	if age < 0 {
		age = -age
	}
	if age > offlineThreshold {
		if err := r.syncDialogs(ctx, true); err != nil {
			return err
		}
		if _, err := r.api.ContactsGetContacts(ctx, 0); err != nil {
			return errors.Wrap(err, "get contacts")
		}
	} else {
		if err := r.syncDialogs(ctx, false); err != nil {
			return err
		}
	}

	return r.sessions.TouchDate()
}

// initTakeout открывает takeout-сессию; её id подмешивается во все последующие
// запросы конвертом invokeWithTakeout.
func (r *Runtime) initTakeout(ctx context.Context) error {
	takeout, err := r.api.AccountInitTakeoutSession(ctx, &tg.AccountInitTakeoutSessionRequest{})
	if err != nil {
		return errors.Wrap(err, "init takeout session")
	}

	r.mu.Lock()
	r.takeoutID = takeout.ID
	r.mu.Unlock()

	logger.Infof("runtime: takeout session %d started", takeout.ID)
	return nil
}

// finishTakeout закрывает takeout-сессию. Сам запрос ещё идёт внутри конверта
// invokeWithTakeout, поэтому id сбрасывается только после успешного ответа.
func (r *Runtime) finishTakeout(ctx context.Context) error {
	r.mu.Lock()
	takeoutID := r.takeoutID
	r.mu.Unlock()
	if takeoutID == 0 {
		return nil
	}

	if _, err := r.api.AccountFinishTakeoutSession(ctx, &tg.AccountFinishTakeoutSessionRequest{
		Success: true,
	}); err != nil {
		return errors.Wrap(err, "finish takeout session")
	}

	r.mu.Lock()
	r.takeoutID = 0
	r.mu.Unlock()

	logger.Infof("runtime: takeout session %d finished", takeoutID)
	return nil
}

// syncDialogs прогревает кэш пиров списком диалогов. Полный режим листает
// страницы, пока они приходят целиком, смещаясь по дате последнего непустого
// сообщения страницы, и завершается контрольным запросом с нулевым смещением.
func (r *Runtime) syncDialogs(ctx context.Context, full bool) error {
	if _, err := r.api.MessagesGetPinnedDialogs(ctx, 0); err != nil {
		return errors.Wrap(err, "get pinned dialogs")
	}

	chunk, err := r.dialogsChunk(ctx, 0)
	if err != nil {
		return err
	}
	if !full {
		return nil
	}

	offsetDate := dialogsOffsetDate(chunk)
	for dialogsCount(chunk) == r.dialogsPage {
		chunk, err = r.dialogsChunk(ctx, offsetDate)
		if err != nil {
			return err
		}
		offsetDate = dialogsOffsetDate(chunk)
	}

	// Контрольная страница с начала: фиксирует самые свежие диалоги, которые
	// могли появиться за время обхода.
	_, err = r.dialogsChunk(ctx, 0)
	return err
}

// dialogsChunk запрашивает одну страницу диалогов, пережидая FLOOD_WAIT.
func (r *Runtime) dialogsChunk(ctx context.Context, offsetDate int) (tg.MessagesDialogsClass, error) {
	for {
		chunk, err := r.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			ExcludePinned: true,
			FolderID:      0,
			OffsetDate:    offsetDate,
			OffsetID:      0,
			OffsetPeer:    &tg.InputPeerEmpty{},
			Limit:         r.dialogsPage,
			Hash:          0,
		})
		if err != nil {
			if wait, ok := tgerr.AsFloodWait(err); ok {
				logger.Warnf("runtime: get dialogs flood wait %s", wait)
				if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
					return nil, sleepErr
				}
				continue
			}
			return nil, errors.Wrap(err, "get dialogs")
		}
		return chunk, nil
	}
}

// dialogsCount возвращает число диалогов на странице.
func dialogsCount(chunk tg.MessagesDialogsClass) int {
	if g, ok := chunk.(interface{ GetDialogs() []tg.DialogClass }); ok {
		return len(g.GetDialogs())
	}
	return 0
}

// dialogsOffsetDate находит дату последнего непустого сообщения страницы —
// смещение для следующего запроса.
func dialogsOffsetDate(chunk tg.MessagesDialogsClass) int {
	g, ok := chunk.(interface{ GetMessages() []tg.MessageClass })
	if !ok {
		return 0
	}
	messages := g.GetMessages()
	for i := len(messages) - 1; i >= 0; i-- {
		switch m := messages[i].(type) {
		case *tg.Message:
			return m.Date
		case *tg.MessageService:
			return m.Date
		}
	}
	return 0
}

// sleepCtx ждёт заданный интервал или отмену контекста.
func sleepCtx(ctx context.Context, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
