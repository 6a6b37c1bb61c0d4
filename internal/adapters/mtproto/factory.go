package mtproto

import (
	"context"
	"fmt"

	tdsession "github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"go.etcd.io/bbolt"

	"telegram-client/internal/telegram/transport"
)

// FactoryConfig — параметры создания gotd-клиентов.
type FactoryConfig struct {
	AppID    int
	AppHash  string
	TestMode bool
	// DB — общая bbolt-база клиента; в ней хранится gotd-сессия домашнего DC.
	DB *bbolt.DB
	// Handler получает апдейты со всех не-CDN сессий. Может быть nil.
	Handler telegram.UpdateHandler
}

// Factory создаёт сессии к DC. Домашняя сессия (Main) хранит данные gotd в
// bbolt и переживает перезапуск; медиа- и CDN-сессии одноразовые, их
// состояние живёт в памяти, а авторизацию на чужой DC переносит пул через
// auth.exportAuthorization.
type Factory struct {
	appID   int
	appHash string
	test    bool
	db      *bbolt.DB
	handler telegram.UpdateHandler
}

// NewFactory собирает фабрику.
func NewFactory(cfg FactoryConfig) *Factory {
	return &Factory{
		appID:   cfg.AppID,
		appHash: cfg.AppHash,
		test:    cfg.TestMode,
		db:      cfg.DB,
		handler: cfg.Handler,
	}
}

// Main создаёт домашнюю сессию с долговременным хранилищем. Ключ записи
// включает номер DC, чтобы миграция не читала сессию старого DC.
func (f *Factory) Main(dcID int) (transport.Session, error) {
	store, err := newBoltStorage(f.db, fmt.Sprintf("dc%d", dcID))
	if err != nil {
		return nil, err
	}
	return f.build(dcID, store, f.handler), nil
}

// Create реализует transport.Factory: вспомогательная сессия к указанному DC.
func (f *Factory) Create(_ context.Context, dcID int, cdn bool) (transport.Session, error) {
	var handler telegram.UpdateHandler
	if !cdn {
		handler = f.handler
	}
	return f.build(dcID, &tdsession.StorageMemory{}, handler), nil
}

func (f *Factory) build(dcID int, store tdsession.Storage, handler telegram.UpdateHandler) *Session {
	opts := telegram.Options{
		DC:             dcID,
		SessionStorage: store,
		UpdateHandler:  handler,
	}
	if f.test {
		opts.DCList = dcs.Test()
	}
	return NewSession(telegram.NewClient(f.appID, f.appHash, opts), dcID)
}
