// Package app — сборка клиента: конфигурация, хранилища, транспорт gotd,
// ядро Runtime, авторизация и начальная синхронизация. Подсистемы стартуют
// через lifecycle.Manager и гасятся в обратном порядке по сигналу остановки.
package app

import (
	"context"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"

	"telegram-client/internal/adapters/mtproto"
	"telegram-client/internal/infra/config"
	"telegram-client/internal/infra/lifecycle"
	"telegram-client/internal/infra/logger"
	"telegram-client/internal/infra/pr"
	"telegram-client/internal/infra/storage"
	"telegram-client/internal/telegram/auth"
	"telegram-client/internal/telegram/messages"
	"telegram-client/internal/telegram/peers"
	"telegram-client/internal/telegram/runtime"
	"telegram-client/internal/telegram/session"
)

// defaultDC — домашний DC новой сессии, пока сервер не сказал иного
// (*_MIGRATE при авторизации).
const defaultDC = 2

// App — корневой объект приложения.
type App struct {
	mainCtx    context.Context
	mainCancel context.CancelFunc
	env        config.EnvConfig

	db        *bbolt.DB
	peerStore *peers.Store
	sessions  *session.Store
	rt        *runtime.Runtime
	sender    *messages.Sender
	life      *lifecycle.Manager
}

// New создаёт приложение поверх загруженной конфигурации. mainCancel
// вызывается изнутри при фатальных событиях, требующих общей остановки.
func New(mainCtx context.Context, mainCancel context.CancelFunc) *App {
	return &App{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
		env:        config.Env(),
		life:       lifecycle.New(),
	}
}

// Run собирает подсистемы, запускает их и блокируется до отмены mainCtx.
// Возвращает ошибку запуска либо объединённые ошибки остановки.
func (a *App) Run() error {
	if err := a.build(); err != nil {
		return err
	}

	if err := a.life.StartAll(a.mainCtx); err != nil {
		return err
	}
	logger.Info("Client is running")

	<-a.mainCtx.Done()
	pr.InterruptReadline()
	return a.life.Shutdown()
}

// Sender возвращает отправителя сообщений (доступен после Run/StartAll).
func (a *App) Sender() *messages.Sender { return a.sender }

// Runtime возвращает ядро клиента.
func (a *App) Runtime() *runtime.Runtime { return a.rt }

// build поднимает хранилища и собирает граф зависимостей. Сетевой активности
// здесь нет: соединение открывает lifecycle-узел runtime.
func (a *App) build() error {
	db, err := storage.OpenBolt(a.env.SessionDB)
	if err != nil {
		return err
	}
	a.db = db

	if a.peerStore, err = peers.NewStore(db); err != nil {
		return err
	}
	if a.sessions, err = session.NewStore(db); err != nil {
		return err
	}

	state, ok, err := a.sessions.Load()
	if err != nil {
		return err
	}
	if !ok {
		state = session.State{DCID: defaultDC, TestMode: a.env.TestMode}
		if err := a.sessions.Save(state); err != nil {
			return err
		}
	}

	// Фабрика нужна ядру, а обработчик апдейтов фабрики — само ядро.
	// Цикл разрывается ленивым обработчиком: апдейты до создания Runtime
	// молча отбрасываются.
	handler := &lazyUpdateHandler{}
	factory := mtproto.NewFactory(mtproto.FactoryConfig{
		AppID:    a.env.APIID,
		AppHash:  a.env.APIHash,
		TestMode: a.env.TestMode,
		DB:       db,
		Handler:  handler,
	})

	main, err := factory.Main(state.DCID)
	if err != nil {
		return err
	}

	a.rt = runtime.New(runtime.Config{
		Session:         main,
		Factory:         factory,
		SessionStore:    a.sessions,
		Peers:           a.peerStore,
		Dispatcher:      logDispatcher{},
		NoUpdates:       a.env.NoUpdates,
		Takeout:         a.env.Takeout,
		ThrottleRPS:     a.env.ThrottleRPS,
		UpdateWorkers:   a.env.UpdateWorkers,
		UpdateQueueSize: a.env.UpdateQueueSize,
		DialogsPageSize: a.env.DialogsPageSize,
		DownloadWorkers: a.env.DownloadWorkers,
	})
	handler.set(a.rt)
	a.sender = messages.NewSender(a.rt.API(), a.rt.Resolver(), a.sessions)

	a.life.Register(lifecycle.Hook{Name: "storage", Stop: a.db.Close})
	a.life.Register(lifecycle.Hook{Name: "runtime", Start: a.rt.Start, Stop: a.rt.Stop})
	a.life.Register(lifecycle.Hook{Name: "authorization", Start: a.authorize})
	a.life.Register(lifecycle.Hook{Name: "session export", Start: a.exportSession})
	a.life.Register(lifecycle.Hook{Name: "initial sync", Start: a.rt.Sync})
	return nil
}

// authorize пропускается для уже привязанной сессии, иначе ведёт машину
// авторизации. Телефон из конфигурации фиксирован: его отклонение фатально,
// остальные значения спрашиваются в консоли.
func (a *App) authorize(ctx context.Context) error {
	state, _, err := a.sessions.Load()
	if err != nil {
		return err
	}
	if state.Authorized() {
		logger.Debugf("auth: session restored, user id %d", state.UserID)
		return nil
	}

	cfg := auth.Config{
		API:      a.rt.API(),
		Migrator: a.rt,
		Sessions: a.sessions,
		AppID:    a.env.APIID,
		AppHash:  a.env.APIHash,
		BotToken: a.env.BotToken,
	}
	if a.env.PhoneNumber != "" {
		cfg.Phone = auth.Fixed(a.env.PhoneNumber)
	}

	user, err := auth.NewFlow(cfg).Run(ctx)
	if err != nil {
		return errors.Wrap(err, "authorize")
	}
	logger.Infof("auth: logged in as id %d", user.ID)
	return nil
}

// exportSession записывает переносимую строку сессии в файл из конфигурации.
// Строка требует локального авторизационного ключа; когда ключом владеет
// транспортный слой, экспорт пропускается с предупреждением.
func (a *App) exportSession(context.Context) error {
	if a.env.ExportFile == "" {
		return nil
	}
	state, _, err := a.sessions.Load()
	if err != nil {
		return err
	}
	if len(state.AuthKey) != session.AuthKeyLen {
		logger.Warnf("session export skipped: auth key is not held in client state")
		return nil
	}
	encoded, err := session.ExportString(state)
	if err != nil {
		return errors.Wrap(err, "export session string")
	}
	if err := storage.AtomicWriteFile(a.env.ExportFile, []byte(encoded)); err != nil {
		return errors.Wrap(err, "write session export")
	}
	logger.Infof("session string exported to %s", a.env.ExportFile)
	return nil
}
