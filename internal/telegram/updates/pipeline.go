// Package updates — конвейер нормализации апдейтов. Сырые контейнеры
// (updates, updatesCombined, короткие формы) разворачиваются в одиночные
// конверты с картами сущностей, min-контейнеры дополняются корректирующим
// запросом разницы, результат уходит внешнему диспетчеру через ограниченную
// очередь и пул воркеров.
package updates

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"telegram-client/internal/infra/logger"
	"telegram-client/internal/telegram/peers"
)

// Envelope — нормализованный апдейт: одиночное событие плюс карты сущностей
// из сопровождавшего его контейнера (ключи — протокольные id).
type Envelope struct {
	Update tg.UpdateClass
	Users  map[int64]tg.UserClass
	Chats  map[int64]tg.ChatClass
}

// Dispatcher — внешний потребитель нормализованных апдейтов. Ошибка
// диспетчера затрагивает только свой конверт.
type Dispatcher interface {
	Dispatch(ctx context.Context, envelope Envelope) error
}

// diffAPI — запросы разницы, которыми конвейер дополняет неполные контейнеры.
type diffAPI interface {
	UpdatesGetChannelDifference(ctx context.Context, request *tg.UpdatesGetChannelDifferenceRequest) (tg.UpdatesChannelDifferenceClass, error)
	UpdatesGetDifference(ctx context.Context, request *tg.UpdatesGetDifferenceRequest) (tg.UpdatesDifferenceClass, error)
}

// channelResolver отдаёт InputPeer канала по хранимому id (формат "-100...").
type channelResolver interface {
	ResolveID(ctx context.Context, id int64) (tg.InputPeerClass, error)
}

// Pipeline — сама труба: ограниченная очередь сырых контейнеров и воркеры,
// разбирающие их в конверты.
type Pipeline struct {
	store      *peers.Store
	api        diffAPI
	resolver   channelResolver
	dispatcher Dispatcher

	workers int
	queue   chan tg.UpdatesClass

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Config — зависимости и размеры конвейера.
type Config struct {
	Store      *peers.Store
	API        diffAPI
	Resolver   channelResolver
	Dispatcher Dispatcher
	Workers    int
	QueueSize  int
}

// NewPipeline собирает конвейер. Нулевые размеры заменяются минимальными.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &Pipeline{
		store:      cfg.Store,
		api:        cfg.API,
		resolver:   cfg.Resolver,
		dispatcher: cfg.Dispatcher,
		workers:    cfg.Workers,
		queue:      make(chan tg.UpdatesClass, cfg.QueueSize),
	}
}

// Start запускает воркеров. Повторные вызовы игнорируются.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.worker(ctx)
			}()
		}
		logger.Debugf("updates: pipeline started, %d workers", p.workers)
	})
}

// Stop кладёт по одному «ядовитому» nil на каждого воркера и ждёт, пока они
// дожуют очередь. После Stop новые контейнеры молча отбрасываются.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		for i := 0; i < p.workers; i++ {
			p.queue <- nil
		}
		p.wg.Wait()
		logger.Debug("updates: pipeline stopped")
	})
}

// Enqueue ставит сырой контейнер в очередь. Очередь ограничена — при
// заполнении вызов блокируется, создавая обратное давление на приём.
func (p *Pipeline) Enqueue(updates tg.UpdatesClass) {
	if updates == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.queue <- updates
}

// worker обрабатывает контейнеры до «ядовитого» nil. Ошибка одного контейнера
// не роняет воркера.
func (p *Pipeline) worker(ctx context.Context) {
	for raw := range p.queue {
		if raw == nil {
			return
		}
		if err := p.process(ctx, raw); err != nil {
			logger.Warnf("updates: container dropped: %v", err)
		}
	}
}

// process нормализует один контейнер.
func (p *Pipeline) process(ctx context.Context, raw tg.UpdatesClass) error {
	switch u := raw.(type) {
	case *tg.Updates:
		return p.processContainer(ctx, u.Updates, u.Users, u.Chats)
	case *tg.UpdatesCombined:
		return p.processContainer(ctx, u.Updates, u.Users, u.Chats)
	case *tg.UpdateShortMessage:
		return p.processShort(ctx, u.Pts, u.PtsCount, u.Date)
	case *tg.UpdateShortChatMessage:
		return p.processShort(ctx, u.Pts, u.PtsCount, u.Date)
	case *tg.UpdateShort:
		// Короткая форма уже несёт одиночный апдейт; сущностей у неё нет.
		return p.dispatch(ctx, Envelope{
			Update: u.Update,
			Users:  map[int64]tg.UserClass{},
			Chats:  map[int64]tg.ChatClass{},
		})
	case *tg.UpdatesTooLong:
		// Сервер потерял нас из виду; полноценное восстановление состояния
		// здесь не выполняется.
		logger.Warn("updates: updatesTooLong received")
		return nil
	}
	return nil
}

// processContainer разбирает полный контейнер: собирает сущности в кэш,
// при min-конструкциях дополняет карты корректирующим запросом, затем
// рассылает каждый апдейт отдельным конвертом.
func (p *Pipeline) processContainer(ctx context.Context, list []tg.UpdateClass, rawUsers []tg.UserClass, rawChats []tg.ChatClass) error {
	min, err := p.store.Harvest(rawUsers, rawChats)
	if err != nil {
		return errors.Wrap(err, "harvest container entities")
	}

	users := make(map[int64]tg.UserClass, len(rawUsers))
	for _, u := range rawUsers {
		users[u.GetID()] = u
	}
	chats := make(map[int64]tg.ChatClass, len(rawChats))
	for _, c := range rawChats {
		chats[c.GetID()] = c
	}

	for _, update := range list {
		if _, ok := update.(*tg.UpdateChannelTooLong); ok {
			logger.Warnf("updates: updateChannelTooLong: %+v", update)
		}

		if channelMsg, ok := update.(*tg.UpdateNewChannelMessage); ok && min {
			p.fillFromChannelDifference(ctx, channelMsg, users, chats)
		}

		if err := p.dispatch(ctx, Envelope{Update: update, Users: users, Chats: chats}); err != nil {
			logger.Warnf("updates: dispatch: %v", err)
		}
	}
	return nil
}

// fillFromChannelDifference добирает полные сущности min-контейнера точечным
// updates.getChannelDifference по диапазону из одного сообщения. Закрытый
// канал (CHANNEL_PRIVATE) — штатный случай: карты остаются как есть.
func (p *Pipeline) fillFromChannelDifference(ctx context.Context, u *tg.UpdateNewChannelMessage, users map[int64]tg.UserClass, chats map[int64]tg.ChatClass) {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return
	}
	peerChannel, ok := msg.PeerID.(*tg.PeerChannel)
	if !ok {
		return
	}

	input, err := p.resolver.ResolveID(ctx, peers.FromChannelID(peerChannel.ChannelID))
	if err != nil {
		logger.Warnf("updates: resolve channel %d: %v", peerChannel.ChannelID, err)
		return
	}
	inputPeer, ok := input.(*tg.InputPeerChannel)
	if !ok {
		return
	}

	diff, err := p.api.UpdatesGetChannelDifference(ctx, &tg.UpdatesGetChannelDifferenceRequest{
		Channel: &tg.InputChannel{ChannelID: inputPeer.ChannelID, AccessHash: inputPeer.AccessHash},
		Filter: &tg.ChannelMessagesFilter{
			Ranges: []tg.MessageRange{{MinID: msg.ID, MaxID: msg.ID}},
		},
		Pts:   u.Pts - u.PtsCount,
		Limit: u.Pts,
	})
	if err != nil {
		if tgerr.Is(err, "CHANNEL_PRIVATE") {
			return
		}
		logger.Warnf("updates: channel difference: %v", err)
		return
	}

	switch d := diff.(type) {
	case *tg.UpdatesChannelDifference:
		mergeEntities(users, chats, d.Users, d.Chats)
	case *tg.UpdatesChannelDifferenceTooLong:
		mergeEntities(users, chats, d.Users, d.Chats)
	}
}

// processShort разворачивает updateShortMessage/updateShortChatMessage.
// Короткая форма не несёт сущностей, поэтому всегда выполняется
// updates.getDifference от pts-pts_count: первый new_message заворачивается в
// updateNewMessage с исходными pts, иначе пересылается первый прочий апдейт.
func (p *Pipeline) processShort(ctx context.Context, pts, ptsCount, date int) error {
	diff, err := p.api.UpdatesGetDifference(ctx, &tg.UpdatesGetDifferenceRequest{
		Pts:  pts - ptsCount,
		Date: date,
		Qts:  -1,
	})
	if err != nil {
		return errors.Wrap(err, "get difference")
	}

	var (
		newMessages  []tg.MessageClass
		otherUpdates []tg.UpdateClass
		rawUsers     []tg.UserClass
		rawChats     []tg.ChatClass
	)
	switch d := diff.(type) {
	case *tg.UpdatesDifference:
		newMessages, otherUpdates, rawUsers, rawChats = d.NewMessages, d.OtherUpdates, d.Users, d.Chats
	case *tg.UpdatesDifferenceSlice:
		newMessages, otherUpdates, rawUsers, rawChats = d.NewMessages, d.OtherUpdates, d.Users, d.Chats
	default:
		return nil
	}

	if _, err := p.store.Harvest(rawUsers, rawChats); err != nil {
		logger.Warnf("updates: harvest difference entities: %v", err)
	}

	if len(newMessages) > 0 {
		users := make(map[int64]tg.UserClass, len(rawUsers))
		for _, u := range rawUsers {
			users[u.GetID()] = u
		}
		chats := make(map[int64]tg.ChatClass, len(rawChats))
		for _, c := range rawChats {
			chats[c.GetID()] = c
		}
		return p.dispatch(ctx, Envelope{
			Update: &tg.UpdateNewMessage{Message: newMessages[0], Pts: pts, PtsCount: ptsCount},
			Users:  users,
			Chats:  chats,
		})
	}
	if len(otherUpdates) > 0 {
		return p.dispatch(ctx, Envelope{
			Update: otherUpdates[0],
			Users:  map[int64]tg.UserClass{},
			Chats:  map[int64]tg.ChatClass{},
		})
	}
	return nil
}

func (p *Pipeline) dispatch(ctx context.Context, envelope Envelope) error {
	return p.dispatcher.Dispatch(ctx, envelope)
}

// mergeEntities докладывает сущности разницы в карты конверта.
func mergeEntities(users map[int64]tg.UserClass, chats map[int64]tg.ChatClass, rawUsers []tg.UserClass, rawChats []tg.ChatClass) {
	for _, u := range rawUsers {
		users[u.GetID()] = u
	}
	for _, c := range rawChats {
		chats[c.GetID()] = c
	}
}
