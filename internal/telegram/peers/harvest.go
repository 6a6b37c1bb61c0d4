package peers

import (
	"strings"

	"github.com/gotd/td/tg"
)

// Collect переводит протокольные сущности (users/chats из любого ответа
// сервера) в записи кэша. Возвращает флаг min: сущность без access_hash
// получена через «минимальную» конструкцию и непригодна для прямой адресации —
// такие записи пропускаются, а флаг сигнализирует конвейеру апдейтов, что
// контейнер требует корректирующего запроса разницы.
func Collect(users []tg.UserClass, chats []tg.ChatClass) (records []Record, min bool) {
	records = make([]Record, 0, len(users)+len(chats))

	for _, u := range users {
		user, ok := u.(*tg.User)
		if !ok {
			continue
		}
		hash, ok := user.GetAccessHash()
		if !ok {
			min = true
			continue
		}
		peerType := TypeUser
		if user.Bot {
			peerType = TypeBot
		}
		username, _ := user.GetUsername()
		phone, _ := user.GetPhone()
		records = append(records, Record{
			ID:         user.ID,
			AccessHash: hash,
			Type:       peerType,
			Username:   strings.ToLower(username),
			Phone:      phone,
		})
	}

	for _, c := range chats {
		switch chat := c.(type) {
		case *tg.Chat:
			records = append(records, Record{
				ID:   FromChatID(chat.ID),
				Type: TypeGroup,
			})
		case *tg.ChatForbidden:
			records = append(records, Record{
				ID:   FromChatID(chat.ID),
				Type: TypeGroup,
			})
		case *tg.Channel:
			hash, ok := chat.GetAccessHash()
			if !ok {
				min = true
				continue
			}
			peerType := TypeSupergroup
			if chat.Broadcast {
				peerType = TypeChannel
			}
			username, _ := chat.GetUsername()
			records = append(records, Record{
				ID:         FromChannelID(chat.ID),
				AccessHash: hash,
				Type:       peerType,
				Username:   strings.ToLower(username),
			})
		case *tg.ChannelForbidden:
			peerType := TypeSupergroup
			if chat.Broadcast {
				peerType = TypeChannel
			}
			records = append(records, Record{
				ID:         FromChannelID(chat.ID),
				AccessHash: chat.AccessHash,
				Type:       peerType,
			})
		}
	}

	return records, min
}

// Harvest — Collect + запись в кэш одной транзакцией. Возвращает min-флаг
// собранной пачки.
func (s *Store) Harvest(users []tg.UserClass, chats []tg.ChatClass) (bool, error) {
	records, min := Collect(users, chats)
	if err := s.Update(records); err != nil {
		return min, err
	}
	return min, nil
}
