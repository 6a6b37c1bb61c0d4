package peers

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

// ErrPeerInvalid — пира не удалось разрешить ни из кэша, ни через сервер.
var ErrPeerInvalid = errors.New("peer id invalid")

// resolveAPI — срез типизированного клиента, нужный резолверу для догрузки
// неизвестных пиров. Ответы этих методов проходят через общий сборщик пиров
// клиента, поэтому после вызова достаточно перечитать кэш.
type resolveAPI interface {
	UsersGetUsers(ctx context.Context, id []tg.InputUserClass) ([]tg.UserClass, error)
	ChannelsGetChannels(ctx context.Context, id []tg.InputChannelClass) (tg.MessagesChatsClass, error)
	MessagesGetChats(ctx context.Context, id []int64) (tg.MessagesChatsClass, error)
	ContactsResolveUsername(ctx context.Context, request *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error)
}

// targetCleanup вычищает из строковой цели символы @, + и пробелы.
var targetCleanup = regexp.MustCompile(`[@+\s]`)

// Resolver превращает цель (id, username, телефон, "me"/"self") в InputPeer.
// Кэш — источник истины; сеть используется только при промахе.
type Resolver struct {
	store *Store
	api   resolveAPI
}

// NewResolver связывает резолвер с кэшем и типизированным API клиента.
func NewResolver(store *Store, api resolveAPI) *Resolver {
	return &Resolver{store: store, api: api}
}

// Resolve разрешает строковую цель:
//   - "me"/"self" → InputPeerSelf;
//   - числовая строка (после вычистки @ + и пробелов) трактуется как номер
//     телефона и ищется только в кэше — промах означает, что номера нет в
//     контактах, и сервер тут не поможет;
//   - иначе это username: кэш, при промахе/протухании — contacts.resolveUsername
//     и повторное чтение кэша.
func (r *Resolver) Resolve(ctx context.Context, target string) (tg.InputPeerClass, error) {
	if target == "me" || target == "self" {
		return &tg.InputPeerSelf{}, nil
	}

	cleaned := targetCleanup.ReplaceAllString(strings.ToLower(target), "")
	if cleaned == "" {
		return nil, errors.Wrapf(ErrPeerInvalid, "empty target %q", target)
	}

	if _, err := strconv.ParseInt(cleaned, 10, 64); err == nil {
		rec, err := r.store.ByPhone(cleaned)
		if err != nil {
			return nil, errors.Wrapf(ErrPeerInvalid, "phone %s", cleaned)
		}
		return rec.InputPeer()
	}

	rec, err := r.store.ByUsername(cleaned)
	if err == nil {
		return rec.InputPeer()
	}
	if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrUsernameExpired) {
		return nil, err
	}

	if _, err := r.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: cleaned}); err != nil {
		return nil, errors.Wrapf(err, "resolve username %s", cleaned)
	}
	rec, err = r.store.ByUsername(cleaned)
	if err != nil {
		return nil, errors.Wrapf(ErrPeerInvalid, "username %s", cleaned)
	}
	return rec.InputPeer()
}

// ResolveID разрешает числовой id в хранимом формате. При промахе кэша
// запрашивает сущность у сервера (выбор метода зависит от формата id) и
// перечитывает кэш: ответ попадает туда через общий сборщик пиров.
func (r *Resolver) ResolveID(ctx context.Context, id int64) (tg.InputPeerClass, error) {
	if rec, err := r.store.ByID(id); err == nil {
		return rec.InputPeer()
	}

	switch {
	case id > 0:
		// Пользователь: GetUsers с нулевым access_hash — сервер вернёт
		// сущность, если пир доступен аккаунту.
		if _, err := r.api.UsersGetUsers(ctx, []tg.InputUserClass{
			&tg.InputUser{UserID: id, AccessHash: 0},
		}); err != nil {
			return nil, errors.Wrapf(err, "get user %d", id)
		}
	case IsChannelID(id):
		if _, err := r.api.ChannelsGetChannels(ctx, []tg.InputChannelClass{
			&tg.InputChannel{ChannelID: ToChannelID(id), AccessHash: 0},
		}); err != nil {
			return nil, errors.Wrapf(err, "get channel %d", id)
		}
	default:
		if _, err := r.api.MessagesGetChats(ctx, []int64{-id}); err != nil {
			return nil, errors.Wrapf(err, "get chat %d", id)
		}
	}

	rec, err := r.store.ByID(id)
	if err != nil {
		return nil, errors.Wrapf(ErrPeerInvalid, "id %d", id)
	}
	return rec.InputPeer()
}
