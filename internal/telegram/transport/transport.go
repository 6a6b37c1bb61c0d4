// Package transport — контракты сетевого уровня MTProto и пул медиа-сессий.
// Сам шифрованный транспорт (обфускация, AES-IGE, соль/seq_no) остаётся за
// внешней реализацией; клиент работает с ним только через интерфейсы этого
// пакета.
package transport

import (
	"context"
	"time"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/tg"
)

// Параметры запроса по умолчанию: столько раз сессия повторяет запрос при
// внутренних сбоях и столько ждёт ответа на один RPC.
const (
	DefaultRetries = 5
	DefaultTimeout = 15 * time.Second
)

// Session — одно живое соединение с DC. Start выполняет рукопожатие и
// запускает приём; Send сериализует запрос и блокируется до ответа, ошибки
// сервера возвращает как typed-ошибки tgerr. Stop разрывает соединение и
// освобождает ресурсы; после Stop объект не переиспользуется.
type Session interface {
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, input bin.Encoder, output bin.Decoder, retries int, timeout time.Duration) error
}

// KeyExchange — генерация постоянного авторизационного ключа с DC
// (Диффи-Хеллман рукопожатия MTProto). Возвращает ключ длиной 256 байт.
type KeyExchange interface {
	Exchange(ctx context.Context, dcID int, testMode bool) ([]byte, error)
}

// Factory создаёт сессии к произвольному DC. Для чужих DC (без готового
// ключа) реализация сама выполняет обмен ключами; cdn помечает сессию как
// соединение с CDN-узлом (другой набор серверных ключей).
type Factory interface {
	Create(ctx context.Context, dcID int, cdn bool) (Session, error)
}

// sessionInvoker адаптирует Session к tg.Invoker, позволяя навесить на любую
// сессию типизированный tg.Client.
type sessionInvoker struct {
	session Session
	retries int
	timeout time.Duration
}

func (i sessionInvoker) Invoke(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
	return i.session.Send(ctx, input, output, i.retries, i.timeout)
}

// Invoker оборачивает сессию в tg.Invoker с параметрами по умолчанию.
func Invoker(s Session) tg.Invoker {
	return sessionInvoker{session: s, retries: DefaultRetries, timeout: DefaultTimeout}
}

// Client возвращает типизированный API поверх одной сессии (минуя общий
// конвейер клиента — нужно пулу для служебных запросов к чужим DC).
func Client(s Session) *tg.Client {
	return tg.NewClient(Invoker(s))
}
