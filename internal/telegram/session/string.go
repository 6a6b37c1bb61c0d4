package session

import (
	"encoding/base64"
	"encoding/binary"

	"github.com/go-faster/errors"
)

// Переносимая строка сессии: фиксированная big-endian структура
// (dc uint8, test bool, ключ 256 байт, user id uint32, bot bool),
// закодированная URL-safe base64 без паддинга. Формат совместим с другими
// клиентами, использующими ту же раскладку.
const (
	stringPackedLen = 1 + 1 + AuthKeyLen + 4 + 1
	// StringLen — длина корректной строки сессии в символах.
	StringLen = (stringPackedLen*8 + 5) / 6
)

// ErrBadSessionString — строка не распаковывается в состояние сессии.
var ErrBadSessionString = errors.New("malformed session string")

// ExportString упаковывает состояние в переносимую строку. Сессия обязана
// быть авторизованной: без ключа и аккаунта экспортировать нечего.
func ExportString(state State) (string, error) {
	if len(state.AuthKey) != AuthKeyLen {
		return "", errors.Errorf("session: auth key length %d, want %d", len(state.AuthKey), AuthKeyLen)
	}
	buf := make([]byte, stringPackedLen)
	buf[0] = byte(state.DCID)
	if state.TestMode {
		buf[1] = 1
	}
	copy(buf[2:2+AuthKeyLen], state.AuthKey)
	binary.BigEndian.PutUint32(buf[2+AuthKeyLen:], uint32(state.UserID))
	if state.IsBot {
		buf[stringPackedLen-1] = 1
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ImportString разворачивает строку сессии в состояние. Отметка синхронизации
// сбрасывается в ноль: импортированная сессия всегда проходит полный обход
// диалогов на первом старте.
func ImportString(s string) (State, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return State{}, errors.Wrap(ErrBadSessionString, "base64")
	}
	if len(raw) != stringPackedLen {
		return State{}, errors.Wrapf(ErrBadSessionString, "packed length %d, want %d", len(raw), stringPackedLen)
	}
	key := make([]byte, AuthKeyLen)
	copy(key, raw[2:2+AuthKeyLen])
	return State{
		DCID:     int(raw[0]),
		TestMode: raw[1] != 0,
		AuthKey:  key,
		UserID:   int64(binary.BigEndian.Uint32(raw[2+AuthKeyLen:])),
		IsBot:    raw[stringPackedLen-1] != 0,
	}, nil
}
