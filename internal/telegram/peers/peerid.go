// Package peers — долговременный кэш идентичности пиров (пользователи, группы,
// каналы) и резолвер, превращающий id/username/телефон в InputPeer для RPC.
//
// Ключевая особенность хранимого формата id: пользователи хранятся с
// положительным id, обычные группы — с отрицательным, а каналы/супергруппы —
// с десятичным префиксом "-100" (конкатенация строк, не арифметика). Такой же
// формат используют другие клиентские библиотеки, поэтому id переносимы.
package peers

import (
	"strconv"
	"strings"
)

// Типы пиров в хранимых записях. Строковые значения — часть формата базы.
const (
	TypeUser       = "user"
	TypeBot        = "bot"
	TypeGroup      = "group"
	TypeSupergroup = "supergroup"
	TypeChannel    = "channel"
)

// channelPrefix — десятичный префикс каналов в хранимом id.
const channelPrefix = "-100"

// FromChannelID переводит «голый» протокольный id канала в хранимый формат:
// строка "-100" + десятичная запись id, затем обратно в число. Именно
// конкатенация: численно результат зависит от количества цифр исходного id.
func FromChannelID(channelID int64) int64 {
	v, err := strconv.ParseInt(channelPrefix+strconv.FormatInt(channelID, 10), 10, 64)
	if err != nil {
		// Переполнение возможно только для нереалистичных id; возвращаем 0,
		// чтобы такой пир просто не нашёлся в кэше.
		return 0
	}
	return v
}

// ToChannelID срезает префикс "-100" и возвращает «голый» id канала.
// Для id без префикса возвращает 0.
func ToChannelID(storedID int64) int64 {
	s := strconv.FormatInt(storedID, 10)
	if !strings.HasPrefix(s, channelPrefix) {
		return 0
	}
	v, err := strconv.ParseInt(s[len(channelPrefix):], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// IsChannelID сообщает, записан ли id в канальном формате (префикс "-100").
func IsChannelID(storedID int64) bool {
	return strings.HasPrefix(strconv.FormatInt(storedID, 10), channelPrefix)
}

// FromChatID переводит протокольный id обычной группы в хранимый (отрицание).
func FromChatID(chatID int64) int64 {
	return -chatID
}
