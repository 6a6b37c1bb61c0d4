package runtime

import (
	"github.com/gotd/td/bin"
)

// TL-конструкторы обёрток вызова. Обёртки кодируются вручную: это префиксы
// перед уже сериализованным запросом, генерировать их не из чего.
const (
	invokeWithoutUpdatesID = 0xbf9459b7 // invokeWithoutUpdates#bf9459b7 {X:Type} query:!X = X
	invokeWithTakeoutID    = 0xaca9fd2e // invokeWithTakeout#aca9fd2e {X:Type} takeout_id:long query:!X = X
)

// withoutUpdates просит сервер не присылать апдейты в ответ на запрос.
type withoutUpdates struct {
	query bin.Encoder
}

func (w withoutUpdates) Encode(b *bin.Buffer) error {
	b.PutID(invokeWithoutUpdatesID)
	return w.query.Encode(b)
}

// withTakeout выполняет запрос в рамках takeout-сессии экспорта данных.
type withTakeout struct {
	takeoutID int64
	query     bin.Encoder
}

func (w withTakeout) Encode(b *bin.Buffer) error {
	b.PutID(invokeWithTakeoutID)
	b.PutLong(w.takeoutID)
	return w.query.Encode(b)
}
