package transport

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"telegram-client/internal/infra/logger"
)

// Pool — кэш медиа-сессий по номеру DC. Файлы могут жить не на домашнем DC,
// и на каждый такой DC держится ровно одна долгоживущая сессия; создание
// защищено общей блокировкой, так что параллельные загрузки с одного DC не
// плодят соединения.
//
// Для чужого DC свежесозданная сессия не авторизована: пул прокидывает
// авторизацию домашней сессии через auth.exportAuthorization /
// auth.importAuthorization.
type Pool struct {
	factory Factory
	main    tg.Invoker // домашняя сессия — источник экспортируемых авторизаций
	mainDC  int

	mu          sync.Mutex
	sessions    map[int]Session
	cdnSessions map[int]Session
}

// NewPool создаёт пустой пул медиа-сессий.
func NewPool(factory Factory, main tg.Invoker, mainDC int) *Pool {
	return &Pool{
		factory:     factory,
		main:        main,
		mainDC:      mainDC,
		sessions:    make(map[int]Session),
		cdnSessions: make(map[int]Session),
	}
}

// SetMainDC обновляет домашний DC после миграции: сессии к нему больше не
// требуют переноса авторизации.
func (p *Pool) SetMainDC(dcID int) {
	p.mu.Lock()
	p.mainDC = dcID
	p.mu.Unlock()
}

// Media возвращает готовую медиа-сессию к DC, создавая и авторизуя её при
// первом обращении. Блокировка держится на всё время создания: конкурирующие
// вызовы ждут одну и ту же сессию, а не открывают свои.
func (p *Pool) Media(ctx context.Context, dcID int) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[dcID]; ok {
		return s, nil
	}

	s, err := p.factory.Create(ctx, dcID, false)
	if err != nil {
		return nil, errors.Wrapf(err, "create media session dc%d", dcID)
	}
	if err := s.Start(ctx); err != nil {
		return nil, errors.Wrapf(err, "start media session dc%d", dcID)
	}

	if dcID != p.mainDC {
		if err := p.importAuthorization(ctx, s, dcID); err != nil {
			_ = s.Stop()
			return nil, err
		}
	}

	p.sessions[dcID] = s
	logger.Debugf("transport: media session dc%d ready", dcID)
	return s, nil
}

// CDN возвращает сессию к CDN-узлу, создавая её при первом обращении.
// Кэш отдельный от медиа-сессий (на одном номере DC могут жить обе), но
// блокировка общая: конкурирующие скачивания с одного узла делят сессию.
// Авторизация не переносится — CDN отдаёт только зашифрованные чанки.
func (p *Pool) CDN(ctx context.Context, dcID int) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.cdnSessions[dcID]; ok {
		return s, nil
	}

	s, err := p.factory.Create(ctx, dcID, true)
	if err != nil {
		return nil, errors.Wrapf(err, "create cdn session dc%d", dcID)
	}
	if err := s.Start(ctx); err != nil {
		return nil, errors.Wrapf(err, "start cdn session dc%d", dcID)
	}

	p.cdnSessions[dcID] = s
	logger.Debugf("transport: cdn session dc%d ready", dcID)
	return s, nil
}

// importAuthorization переносит авторизацию домашнего DC на сессию s.
func (p *Pool) importAuthorization(ctx context.Context, s Session, dcID int) error {
	exported, err := tg.NewClient(p.main).AuthExportAuthorization(ctx, dcID)
	if err != nil {
		return errors.Wrapf(err, "export authorization to dc%d", dcID)
	}
	_, err = Client(s).AuthImportAuthorization(ctx, &tg.AuthImportAuthorizationRequest{
		ID:    exported.ID,
		Bytes: exported.Bytes,
	})
	if err != nil {
		return errors.Wrapf(err, "import authorization on dc%d", dcID)
	}
	return nil
}

// StopAll останавливает и выбрасывает все сессии пула. Ошибки остановки
// логируются, но не прерывают обход: нужно погасить всё.
func (p *Pool) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for dcID, s := range p.sessions {
		if err := s.Stop(); err != nil {
			logger.Warnf("transport: stop media session dc%d: %v", dcID, err)
		}
		delete(p.sessions, dcID)
	}
	for dcID, s := range p.cdnSessions {
		if err := s.Stop(); err != nil {
			logger.Warnf("transport: stop cdn session dc%d: %v", dcID, err)
		}
		delete(p.cdnSessions, dcID)
	}
}
