// Package runtime — ядро клиента: связывает транспортную сессию, кэш пиров,
// конвейер апдейтов и движок файлов в один работающий организм. Runtime
// реализует tg.Invoker: каждый запрос оборачивается в конверты режимов
// (no-updates, takeout), а из каждого ответа собираются сущности пиров.
package runtime

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/tg"
	"golang.org/x/time/rate"

	"telegram-client/internal/infra/logger"
	"telegram-client/internal/telegram/files"
	"telegram-client/internal/telegram/peers"
	"telegram-client/internal/telegram/session"
	"telegram-client/internal/telegram/transport"
	"telegram-client/internal/telegram/updates"
)

// Ошибки жизненного цикла.
var (
	ErrNotStarted     = errors.New("client has not been started")
	ErrAlreadyStarted = errors.New("client has already been started")
)

// Config — зависимости и режимы Runtime.
type Config struct {
	Session      transport.Session
	Factory      transport.Factory
	KeyExchange  transport.KeyExchange
	SessionStore *session.Store
	Peers        *peers.Store
	Dispatcher   updates.Dispatcher

	// Takeout подразумевает NoUpdates: сессия экспорта данных не живёт с
	// потоком апдейтов.
	NoUpdates bool
	Takeout   bool

	ThrottleRPS     int
	UpdateWorkers   int
	UpdateQueueSize int
	DialogsPageSize int
	DownloadWorkers int
}

// Runtime — оркестратор клиента.
type Runtime struct {
	transportSession transport.Session
	factory          transport.Factory
	keyExchange      transport.KeyExchange
	sessions         *session.Store
	peerStore        *peers.Store
	resolver         *peers.Resolver
	pipeline         *updates.Pipeline
	engine           *files.Engine
	pool             *transport.Pool
	api              *tg.Client

	noUpdates   bool
	takeout     bool
	dialogsPage int

	mu        sync.Mutex
	started   bool
	takeoutID int64
}

// New собирает Runtime. Типизированный API строится поверх самого Runtime с
// ограничителем скорости (burst = 2*RPS), так что каждый вызов проходит через
// конверты и сбор пиров.
func New(cfg Config) *Runtime {
	r := &Runtime{
		transportSession: cfg.Session,
		factory:          cfg.Factory,
		keyExchange:      cfg.KeyExchange,
		sessions:         cfg.SessionStore,
		peerStore:        cfg.Peers,
		noUpdates:        cfg.NoUpdates || cfg.Takeout,
		takeout:          cfg.Takeout,
		dialogsPage:      cfg.DialogsPageSize,
	}
	if r.dialogsPage < 1 {
		r.dialogsPage = 100
	}

	rps := cfg.ThrottleRPS
	if rps < 1 {
		rps = 1
	}
	r.api = tg.NewClient(ratelimit.New(rate.Limit(rps), rps*2).Handle(r))

	r.resolver = peers.NewResolver(cfg.Peers, r.api)
	r.pool = transport.NewPool(cfg.Factory, r, r.currentDC())
	r.engine = files.NewEngine(cfg.Factory, r.pool, r.resolver, r.currentDC, cfg.DownloadWorkers)

	r.pipeline = updates.NewPipeline(updates.Config{
		Store:      cfg.Peers,
		API:        r.api,
		Resolver:   r.resolver,
		Dispatcher: cfg.Dispatcher,
		Workers:    cfg.UpdateWorkers,
		QueueSize:  cfg.UpdateQueueSize,
	})
	return r
}

// currentDC читает домашний DC из состояния сессии.
func (r *Runtime) currentDC() int {
	state, _, err := r.sessions.Load()
	if err != nil {
		logger.Warnf("runtime: load session state: %v", err)
		return 0
	}
	return state.DCID
}

// API возвращает типизированный клиент поверх Runtime.
func (r *Runtime) API() *tg.Client { return r.api }

// Resolver возвращает резолвер пиров.
func (r *Runtime) Resolver() *peers.Resolver { return r.resolver }

// Files возвращает движок передачи файлов.
func (r *Runtime) Files() *files.Engine { return r.engine }

// Invoke выполняет один RPC: оборачивает запрос в конверты активных режимов,
// отправляет его через транспортную сессию и собирает пиров из ответа.
// Порядок конвертов фиксирован: takeout — внешний.
func (r *Runtime) Invoke(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
	r.mu.Lock()
	started := r.started
	takeoutID := r.takeoutID
	transportSession := r.transportSession
	r.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	query := input
	if r.noUpdates {
		query = withoutUpdates{query: query}
	}
	if takeoutID != 0 {
		query = withTakeout{takeoutID: takeoutID, query: query}
	}

	if err := transportSession.Send(ctx, query, output, transport.DefaultRetries, transport.DefaultTimeout); err != nil {
		return err
	}

	r.harvestResponse(output)
	return nil
}

// harvestResponse складывает сущности из ответа в кэш пиров. Ошибки кэша не
// ломают сам вызов — только предупреждение.
func (r *Runtime) harvestResponse(output bin.Decoder) {
	users, chats := extractEntities(output)
	if len(users) == 0 && len(chats) == 0 {
		return
	}
	if _, err := r.peerStore.Harvest(users, chats); err != nil {
		logger.Warnf("runtime: harvest response entities: %v", err)
	}
}

// extractEntities достаёт users/chats из декодированного ответа. Box-обёртки
// известных семейств разворачиваются до внутреннего значения, дальше работает
// структурная проверка на наличие геттеров у конкретного типа.
func extractEntities(output bin.Decoder) ([]tg.UserClass, []tg.ChatClass) {
	var inner any = output
	switch v := output.(type) {
	case *tg.UserClassVector:
		return v.Elems, nil
	case *tg.MessagesChatsBox:
		inner = v.Chats
	case *tg.MessagesDialogsBox:
		inner = v.Dialogs
	case *tg.MessagesMessagesBox:
		inner = v.Messages
	case *tg.ContactsContactsBox:
		inner = v.Contacts
	case *tg.UpdatesBox:
		inner = v.Updates
	}

	var (
		users []tg.UserClass
		chats []tg.ChatClass
	)
	if g, ok := inner.(interface{ GetUsers() []tg.UserClass }); ok {
		users = g.GetUsers()
	}
	if g, ok := inner.(interface{ GetChats() []tg.ChatClass }); ok {
		chats = g.GetChats()
	}
	return users, chats
}

// HandleUpdates — точка входа для серверных пушей: транспорт передаёт сюда
// каждый полученный контейнер апдейтов.
func (r *Runtime) HandleUpdates(u tg.UpdatesClass) {
	r.pipeline.Enqueue(u)
}

// Start запускает транспортную сессию, конвейер апдейтов и воркеров
// скачивания. Авторизация и начальная синхронизация выполняются отдельно:
// между стартом транспорта и Sync может понадобиться интерактивный вход.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	transportSession := r.transportSession
	r.mu.Unlock()

	if err := transportSession.Start(ctx); err != nil {
		return errors.Wrap(err, "start transport session")
	}

	r.mu.Lock()
	r.started = true
	r.mu.Unlock()

	r.pipeline.Start(ctx)
	r.engine.Start()
	logger.Info("runtime: started")
	return nil
}

// Stop завершает takeout-сессию (если была), останавливает конвейер, пул
// медиа-сессий и транспорт. Порядок важен: takeout закрывается, пока транспорт
// ещё жив.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	takeoutID := r.takeoutID
	transportSession := r.transportSession
	r.mu.Unlock()

	if takeoutID != 0 {
		if err := r.finishTakeout(context.Background()); err != nil {
			logger.Warnf("runtime: finish takeout: %v", err)
		}
	}

	r.engine.Stop()
	r.pipeline.Stop()
	r.pool.StopAll()

	err := transportSession.Stop()

	r.mu.Lock()
	r.started = false
	r.mu.Unlock()

	logger.Info("runtime: stopped")
	return err
}

// Migrate переключает домашний DC: выпускает свежий ключ, поднимает против
// нового DC транспортную сессию и переписывает состояние. Авторизация на новом
// DC недействительна, UserID сбрасывается — шаг авторизации повторяется уже
// через новую сессию.
func (r *Runtime) Migrate(ctx context.Context, dcID int) error {
	state, _, err := r.sessions.Load()
	if err != nil {
		return errors.Wrap(err, "load session state")
	}
	if state.DCID == dcID {
		return nil
	}

	var key []byte
	if r.keyExchange != nil {
		key, err = r.keyExchange.Exchange(ctx, dcID, state.TestMode)
		if err != nil {
			return errors.Wrapf(err, "key exchange dc%d", dcID)
		}
	}

	next, err := r.factory.Create(ctx, dcID, false)
	if err != nil {
		return errors.Wrapf(err, "create session dc%d", dcID)
	}

	r.mu.Lock()
	started := r.started
	prev := r.transportSession
	r.mu.Unlock()

	if started {
		if err := next.Start(ctx); err != nil {
			return errors.Wrapf(err, "start session dc%d", dcID)
		}
		if stopErr := prev.Stop(); stopErr != nil {
			logger.Warnf("runtime: stop dc%d session: %v", state.DCID, stopErr)
		}
	}

	r.mu.Lock()
	r.transportSession = next
	r.mu.Unlock()

	state.DCID = dcID
	state.AuthKey = key
	state.UserID = 0
	if err := r.sessions.Save(state); err != nil {
		return errors.Wrap(err, "save session state")
	}

	r.pool.SetMainDC(dcID)
	r.pool.StopAll()
	logger.Infof("runtime: migrated to dc%d", dcID)
	return nil
}
