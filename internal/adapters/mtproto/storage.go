// Package mtproto — реализация транспортных контрактов клиента поверх gotd.
// Здесь живёт всё, что касается реального сетевого слоя MTProto: обмен
// ключами, шифрование и доставка выполняются библиотекой, а клиент видит
// только transport.Session и transport.Factory.
package mtproto

import (
	"context"

	"github.com/go-faster/errors"
	tdsession "github.com/gotd/td/session"
	"go.etcd.io/bbolt"
)

const gotdBucketName = "gotd_session"

var gotdBucketBytes = []byte(gotdBucketName)

// boltStorage — tdsession.Storage поверх общей bbolt-базы клиента: данные
// gotd-сессии (авторизационный ключ, соль, адреса DC) лежат в отдельном
// бакете рядом с состоянием сессии и кэшем пиров.
type boltStorage struct {
	db  *bbolt.DB
	key []byte
}

// newBoltStorage создаёт хранилище и его бакет. key различает независимые
// gotd-сессии в одной базе.
func newBoltStorage(db *bbolt.DB, key string) (*boltStorage, error) {
	if db == nil {
		return nil, errors.New("mtproto: db is nil")
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(gotdBucketBytes)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "mtproto: create session bucket")
	}
	return &boltStorage{db: db, key: []byte(key)}, nil
}

// LoadSession возвращает tdsession.ErrNotFound, если записи ещё нет: gotd в
// этом случае выполняет обмен ключами заново.
func (s *boltStorage) LoadSession(context.Context) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(gotdBucketBytes).Get(s.key)
		if raw == nil {
			return tdsession.ErrNotFound
		}
		data = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// StoreSession записывает снимок gotd-сессии целиком.
func (s *boltStorage) StoreSession(_ context.Context, data []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(gotdBucketBytes).Put(s.key, data)
	})
	if err != nil {
		return errors.Wrap(err, "mtproto: store session")
	}
	return nil
}
