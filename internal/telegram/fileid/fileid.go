// Package fileid реализует портируемый строковый формат идентификаторов медиа.
// Строка file_id — это упакованная little-endian структура (тип медиа, DC,
// id, access_hash), прогнанная через RLE-сжатие нулевых байтов и URL-safe
// base64 без паддинга. Формат совместим между клиентами: по такой строке можно
// восстановить InputMedia для повторной отправки без обращения к серверу.
//
// Байт-стаффинг: последовательность из n нулевых байтов кодируется парой
// (0x00, n), в конец потока перед base64 дописывается сторожевой байт 0x02.
package fileid

import (
	"encoding/base64"
	"encoding/binary"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

// Типы медиа, зашитые в первый int32 строки file_id. Нумерация — часть
// формата, менять значения нельзя.
const (
	KindThumbnail      = 0
	KindChatPhoto      = 1
	KindPhoto          = 2
	KindVoice          = 3
	KindVideo          = 4
	KindDocument       = 5
	KindSticker        = 8
	KindAudio          = 9
	KindAnimation      = 10
	KindVideoNote      = 13
	KindStickerThumb   = 14
)

// sentinel — сторожевой байт в конце RLE-потока; по нему декодер отличает
// валидную строку от обрезанной.
const sentinel = 0x02

// Размеры упакованных структур: фото несёт дополнительный байт размера превью.
const (
	photoPackedLen    = 4 + 4 + 8 + 8 + 1 // <iiqqc
	documentPackedLen = 4 + 4 + 8 + 8     // <iiqq
)

// Типизированные ошибки декодера. Их проверяют через errors.Is.
var (
	// ErrDownloadOnly — file_id типов thumbnail/chat photo/sticker thumb нельзя
	// превратить в InputMedia: такие файлы сервер принимает только на скачивание.
	ErrDownloadOnly = errors.New("file_id can only be used for download")
	// ErrUnknownKind — первый байт структуры не входит в известный набор типов.
	ErrUnknownKind = errors.New("unknown media kind in file_id")
	// ErrMalformed — строка не распаковывается (base64, сторожевой байт, длина).
	ErrMalformed = errors.New("malformed file_id")
)

// kindNames — человекочитаемые имена типов для сообщений об ошибках.
var kindNames = map[int]string{
	KindThumbnail:    "thumbnail",
	KindChatPhoto:    "chat_photo",
	KindPhoto:        "photo",
	KindVoice:        "voice",
	KindVideo:        "video",
	KindDocument:     "document",
	KindSticker:      "sticker",
	KindAudio:        "audio",
	KindAnimation:    "animation",
	KindVideoNote:    "video_note",
	KindStickerThumb: "sticker_thumb",
}

// KindName возвращает имя типа медиа или "unknown" для чужих значений.
func KindName(kind int) string {
	if name, ok := kindNames[kind]; ok {
		return name
	}
	return "unknown"
}

// Encode сжимает нулевые байты, дописывает сторожевой байт и кодирует результат
// в URL-safe base64 без паддинга.
func Encode(data []byte) string {
	packed := make([]byte, 0, len(data)+1)
	zeros := 0
	flush := func() {
		for zeros > 0 {
			run := zeros
			if run > 255 {
				run = 255
			}
			packed = append(packed, 0x00, byte(run))
			zeros -= run
		}
	}
	for _, b := range data {
		if b == 0 {
			zeros++
			continue
		}
		flush()
		packed = append(packed, b)
	}
	flush()
	packed = append(packed, sentinel)
	return base64.RawURLEncoding.EncodeToString(packed)
}

// Decode разворачивает строку file_id обратно в упакованную структуру.
// Ошибки формата (base64, отсутствующий сторожевой байт, обрыв RLE-пары)
// заворачиваются в ErrMalformed.
func Decode(s string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, "base64")
	}
	if len(raw) == 0 || raw[len(raw)-1] != sentinel {
		return nil, errors.Wrap(ErrMalformed, "missing trailing sentinel")
	}
	raw = raw[:len(raw)-1]

	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] != 0 {
			out = append(out, raw[i])
			continue
		}
		if i+1 >= len(raw) {
			return nil, errors.Wrap(ErrMalformed, "truncated zero run")
		}
		i++
		for n := 0; n < int(raw[i]); n++ {
			out = append(out, 0)
		}
	}
	return out, nil
}

// EncodePhoto упаковывает file_id фотографии: тип, DC, id, access_hash и байт
// размера превью (layout <iiqqc).
func EncodePhoto(dcID int32, id, accessHash int64, thumbSize byte) string {
	buf := make([]byte, photoPackedLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(KindPhoto))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(dcID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(id))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(accessHash))
	buf[24] = thumbSize
	return Encode(buf)
}

// EncodeDocument упаковывает file_id документоподобных медиа (voice, video,
// document, sticker, audio, animation, video note) — layout <iiqq.
func EncodeDocument(kind int, dcID int32, id, accessHash int64) string {
	buf := make([]byte, documentPackedLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(kind))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(dcID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(id))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(accessHash))
	return Encode(buf)
}

// InputMedia восстанавливает InputMedia из строки file_id для повторной
// отправки. Типы «только для скачивания» (thumbnail, chat photo, sticker
// thumb) дают ErrDownloadOnly; незнакомый тип — ErrUnknownKind.
//
// file_reference оставляется пустым: сервер сам затребует обновление ссылки
// при её протухании.
func InputMedia(fileID string) (tg.InputMediaClass, error) {
	decoded, err := Decode(fileID)
	if err != nil {
		return nil, err
	}
	if len(decoded) < 4 {
		return nil, errors.Wrap(ErrMalformed, "packed struct too short")
	}
	kind := int(int32(binary.LittleEndian.Uint32(decoded[0:4])))

	switch kind {
	case KindThumbnail, KindChatPhoto, KindStickerThumb:
		return nil, errors.Wrapf(ErrDownloadOnly, "kind %s", KindName(kind))

	case KindPhoto:
		if len(decoded) != photoPackedLen {
			return nil, errors.Wrapf(ErrMalformed, "photo file_id length %d", len(decoded))
		}
		return &tg.InputMediaPhoto{
			ID: &tg.InputPhoto{
				ID:         int64(binary.LittleEndian.Uint64(decoded[8:16])),
				AccessHash: int64(binary.LittleEndian.Uint64(decoded[16:24])),
			},
		}, nil

	case KindVoice, KindVideo, KindDocument, KindSticker, KindAudio, KindAnimation, KindVideoNote:
		if len(decoded) != documentPackedLen {
			return nil, errors.Wrapf(ErrMalformed, "document file_id length %d", len(decoded))
		}
		return &tg.InputMediaDocument{
			ID: &tg.InputDocument{
				ID:         int64(binary.LittleEndian.Uint64(decoded[8:16])),
				AccessHash: int64(binary.LittleEndian.Uint64(decoded[16:24])),
			},
		}, nil
	}
	return nil, errors.Wrapf(ErrUnknownKind, "kind %d", kind)
}

// inlineMessagePackedLen — layout <iqq: DC, id сообщения, access_hash.
const inlineMessagePackedLen = 4 + 8 + 8

// PackInlineMessageID кодирует идентификатор inline-сообщения в строку.
// В отличие от file_id, здесь нет RLE — только URL-safe base64 без паддинга.
func PackInlineMessageID(dcID int32, id, accessHash int64) string {
	buf := make([]byte, inlineMessagePackedLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(dcID))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(id))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(accessHash))
	return base64.RawURLEncoding.EncodeToString(buf)
}

// UnpackInlineMessageID разворачивает строку inline-сообщения обратно в
// протокольный идентификатор.
func UnpackInlineMessageID(s string) (*tg.InputBotInlineMessageID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, "inline message id base64")
	}
	if len(raw) != inlineMessagePackedLen {
		return nil, errors.Wrapf(ErrMalformed, "inline message id length %d", len(raw))
	}
	return &tg.InputBotInlineMessageID{
		DCID:       int(int32(binary.LittleEndian.Uint32(raw[0:4]))),
		ID:         int64(binary.LittleEndian.Uint64(raw[4:12])),
		AccessHash: int64(binary.LittleEndian.Uint64(raw[12:20])),
	}, nil
}
