// Package files — движок передачи файлов: чанкованная выгрузка с пулом
// медиа-сессий и скачивание с обработкой CDN-редиректов (AES-CTR расшифровка
// и сверка хэшей диапазонов).
package files

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"telegram-client/internal/telegram/transport"
)

// ErrStopTransmission — сигнал прерывания передачи из progress-колбэка.
// Пробрасывается вызывающему как есть, без логирования.
var ErrStopTransmission = errors.New("transmission stopped")

// Progress — колбэк прогресса передачи. Возврат ErrStopTransmission
// останавливает передачу; прочие ошибки также прерывают её.
type Progress func(current, total int64) error

// peerResolver нужен для адресации фотографий чатов (locations с peer).
type peerResolver interface {
	ResolveID(ctx context.Context, id int64) (tg.InputPeerClass, error)
}

// sessionPool — срез пула транспорта, который использует скачивание.
type sessionPool interface {
	Media(ctx context.Context, dcID int) (transport.Session, error)
	CDN(ctx context.Context, dcID int) (transport.Session, error)
}

// Engine связывает передачу файлов с транспортом и кэшем пиров.
type Engine struct {
	factory  transport.Factory
	pool     sessionPool
	resolver peerResolver
	homeDC   func() int // текущий домашний DC сессии
	workers  int

	mu   sync.Mutex
	jobs chan *downloadJob
	wg   sync.WaitGroup
}

// NewEngine собирает движок. homeDC читается на каждый вызов: домашний DC
// меняется при миграции авторизации.
func NewEngine(factory transport.Factory, pool sessionPool, resolver peerResolver, homeDC func() int, workers int) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		factory:  factory,
		pool:     pool,
		resolver: resolver,
		homeDC:   homeDC,
		workers:  workers,
	}
}
