package peers

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"

	"telegram-client/internal/infra/storage"
)

// Бакеты bbolt: основной — записи по id, два вторичных индекса для поиска по
// username и телефону.
const (
	peersBucketName    = "peers"
	usernameBucketName = "peers_username"
	phoneBucketName    = "peers_phone"
)

var (
	peersBucketBytes    = []byte(peersBucketName)
	usernameBucketBytes = []byte(usernameBucketName)
	phoneBucketBytes    = []byte(phoneBucketName)
)

// usernameTTL — срок годности записи для поиска по username. Username может
// сменить владельца, поэтому старые записи считаются протухшими и требуют
// повторного резолва через сервер.
const usernameTTL = 8 * time.Hour

// Типизированные ошибки кэша.
var (
	// ErrNotFound — пира нет в кэше (это не ошибка протокола: резолвер по ней
	// решает, идти ли в сеть).
	ErrNotFound = errors.New("peer not found in cache")
	// ErrUsernameExpired — запись по username старше usernameTTL.
	ErrUsernameExpired = errors.New("peer username expired")
)

// Record — хранимая запись о пире. ID уже в хранимом формате (см. peerid.go):
// пользователи положительные, группы отрицательные, каналы с префиксом "-100".
type Record struct {
	ID         int64  `json:"id"`
	AccessHash int64  `json:"access_hash"`
	Type       string `json:"type"`
	Username   string `json:"username,omitempty"`
	Phone      string `json:"phone,omitempty"`
	UpdatedAt  int64  `json:"updated_at"`
}

// InputPeer переводит запись в протокольный InputPeer.
func (r Record) InputPeer() (tg.InputPeerClass, error) {
	switch r.Type {
	case TypeUser, TypeBot:
		return &tg.InputPeerUser{UserID: r.ID, AccessHash: r.AccessHash}, nil
	case TypeGroup:
		return &tg.InputPeerChat{ChatID: -r.ID}, nil
	case TypeChannel, TypeSupergroup:
		return &tg.InputPeerChannel{ChannelID: ToChannelID(r.ID), AccessHash: r.AccessHash}, nil
	}
	return nil, errors.Errorf("invalid peer type %q", r.Type)
}

// Store — персистентный кэш пиров поверх bbolt. Конкурентный доступ
// сериализует сам bbolt (одна пишущая транзакция, много читающих).
type Store struct {
	db  *bbolt.DB
	now func() time.Time // подменяется в тестах
}

// NewStore открывает (или создаёт) кэш пиров в указанной bbolt-базе.
// Бакеты создаются сразу, чтобы читающие транзакции не проверяли их наличие.
func NewStore(db *bbolt.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("peers: db is nil")
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{peersBucketBytes, usernameBucketBytes, phoneBucketBytes} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "peers: create buckets")
	}
	return &Store{db: db, now: time.Now}, nil
}

// Open — удобный конструктор: открывает bbolt-файл по пути и строит Store.
func Open(path string) (*Store, *bbolt.DB, error) {
	db, err := storage.OpenBolt(path)
	if err != nil {
		return nil, nil, err
	}
	st, err := NewStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return st, db, nil
}

// idKey кодирует хранимый id в ключ бакета (big-endian для сортируемости).
func idKey(id int64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(id))
	return key[:]
}

// Update записывает пачку записей одной транзакцией (replace-семантика).
// Вторичные индексы поддерживаются согласованно: старые username/phone
// прежней версии записи удаляются, если они изменились.
func (s *Store) Update(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	now := s.now().Unix()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		main := tx.Bucket(peersBucketBytes)
		byUsername := tx.Bucket(usernameBucketBytes)
		byPhone := tx.Bucket(phoneBucketBytes)

		for _, rec := range records {
			rec.UpdatedAt = now
			key := idKey(rec.ID)

			// Чистим индексы от прежней версии записи.
			if prevRaw := main.Get(key); prevRaw != nil {
				var prev Record
				if err := json.Unmarshal(prevRaw, &prev); err == nil {
					if prev.Username != "" && prev.Username != rec.Username {
						if err := byUsername.Delete([]byte(prev.Username)); err != nil {
							return err
						}
					}
					if prev.Phone != "" && prev.Phone != rec.Phone {
						if err := byPhone.Delete([]byte(prev.Phone)); err != nil {
							return err
						}
					}
				}
			}

			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := main.Put(key, raw); err != nil {
				return err
			}
			if rec.Username != "" {
				if err := byUsername.Put([]byte(rec.Username), key); err != nil {
					return err
				}
			}
			if rec.Phone != "" {
				if err := byPhone.Put([]byte(rec.Phone), key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "peers: update")
	}
	return nil
}

// getByKey достаёт и декодирует запись основного бакета внутри транзакции.
func getByKey(tx *bbolt.Tx, key []byte) (Record, error) {
	raw := tx.Bucket(peersBucketBytes).Get(key)
	if raw == nil {
		return Record{}, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, errors.Wrap(err, "peers: decode record")
	}
	return rec, nil
}

// ByID возвращает запись по хранимому id или ErrNotFound.
func (s *Store) ByID(id int64) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getByKey(tx, idKey(id))
		return err
	})
	return rec, err
}

// ByUsername возвращает запись по username (в нижнем регистре). Записи старше
// usernameTTL дают ErrUsernameExpired: вызывающий обязан перерезолвить имя
// через сервер, потому что username мог перейти к другому аккаунту.
func (s *Store) ByUsername(username string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket(usernameBucketBytes).Get([]byte(username))
		if key == nil {
			return ErrNotFound
		}
		var err error
		rec, err = getByKey(tx, key)
		return err
	})
	if err != nil {
		return Record{}, err
	}
	age := s.now().Sub(time.Unix(rec.UpdatedAt, 0))
	if age < 0 {
		age = -age
	}
	if age > usernameTTL {
		return Record{}, ErrUsernameExpired
	}
	return rec, nil
}

// ByPhone возвращает запись по номеру телефона (без "+") или ErrNotFound.
func (s *Store) ByPhone(phone string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket(phoneBucketBytes).Get([]byte(phone))
		if key == nil {
			return ErrNotFound
		}
		var err error
		rec, err = getByKey(tx, key)
		return err
	})
	return rec, err
}

// Count возвращает число записей в кэше.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(peersBucketBytes).Stats().KeyN
		return nil
	})
	return n, err
}

// Clear полностью очищает кэш пиров вместе с индексами.
func (s *Store) Clear() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{peersBucketBytes, usernameBucketBytes, phoneBucketBytes} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "peers: clear")
	}
	return nil
}
