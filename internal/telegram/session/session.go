// Package session — долговременное состояние MTProto-сессии: домашний DC,
// авторизационный ключ, идентичность аккаунта и отметка последней
// синхронизации. Состояние переживает перезапуск процесса (bbolt) и может
// экспортироваться переносимой строкой сессии.
package session

import (
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
)

// AuthKeyLen — длина авторизационного ключа MTProto в байтах.
const AuthKeyLen = 256

// State — снимок состояния сессии. AuthKey пуст до завершения обмена ключами.
type State struct {
	DCID     int    `json:"dc_id"`
	TestMode bool   `json:"test_mode"`
	AuthKey  []byte `json:"auth_key,omitempty"`
	UserID   int64  `json:"user_id"`
	IsBot    bool   `json:"is_bot"`
	// Date — unix-время последней синхронизации диалогов; управляет тем,
	// выполняется ли полный обход диалогов на старте.
	Date int64 `json:"date"`
}

// Authorized сообщает, привязан ли к сессии аккаунт. Ключ не проверяется:
// он может жить в хранилище транспортного слоя, а не здесь.
func (s State) Authorized() bool {
	return s.UserID != 0
}

const (
	sessionBucketName = "session"
	stateKeyName      = "state"
)

var (
	sessionBucketBytes = []byte(sessionBucketName)
	stateKeyBytes      = []byte(stateKeyName)
)

// Store — хранилище состояния сессии поверх bbolt (та же база, что и кэш
// пиров: одна файловая блокировка на процесс).
type Store struct {
	db *bbolt.DB
}

// NewStore создаёт хранилище и его бакет.
func NewStore(db *bbolt.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("session: db is nil")
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucketBytes)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "session: create bucket")
	}
	return &Store{db: db}, nil
}

// Load читает состояние. ok=false — база новая, сессии ещё нет.
func (s *Store) Load() (State, bool, error) {
	var (
		state State
		ok    bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(sessionBucketBytes).Get(stateKeyBytes)
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &state); err != nil {
			return errors.Wrap(err, "decode state")
		}
		ok = true
		return nil
	})
	if err != nil {
		return State{}, false, errors.Wrap(err, "session: load")
	}
	return state, ok, nil
}

// Save атомарно записывает состояние целиком.
func (s *Store) Save(state State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "session: encode state")
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionBucketBytes).Put(stateKeyBytes, raw)
	})
	if err != nil {
		return errors.Wrap(err, "session: save")
	}
	return nil
}

// TouchDate обновляет отметку последней синхронизации на текущее время.
func (s *Store) TouchDate() error {
	state, _, err := s.Load()
	if err != nil {
		return err
	}
	state.Date = time.Now().Unix()
	return s.Save(state)
}

// Reset стирает состояние сессии (используется при logout и смене DC с
// перевыпуском ключа).
func (s *Store) Reset() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionBucketBytes).Delete(stateKeyBytes)
	})
	if err != nil {
		return errors.Wrap(err, "session: reset")
	}
	return nil
}
