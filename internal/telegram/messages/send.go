// Package messages — отправка текстовых сообщений поверх ядра клиента:
// резолв получателя, messages.sendMessage со случайным id и разбор ответа в
// доменное сообщение.
package messages

import (
	"context"
	"math/rand"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"telegram-client/internal/telegram/session"
)

// sendAPI — единственный протокольный вызов пакета.
type sendAPI interface {
	MessagesSendMessage(ctx context.Context, request *tg.MessagesSendMessageRequest) (tg.UpdatesClass, error)
}

// targetResolver превращает идентификатор получателя в адресуемый InputPeer.
type targetResolver interface {
	Resolve(ctx context.Context, target string) (tg.InputPeerClass, error)
}

// Sender отправляет сообщения от имени текущей сессии.
type Sender struct {
	api      sendAPI
	resolver targetResolver
	sessions *session.Store
}

// NewSender собирает отправителя.
func NewSender(api sendAPI, resolver targetResolver, sessions *session.Store) *Sender {
	return &Sender{api: api, resolver: resolver, sessions: sessions}
}

// Send отправляет текст указанному получателю и возвращает созданное
// сообщение. Короткий ответ сервера (updateShortSentMessage) не содержит
// самого сообщения — оно синтезируется из ответа и адресата; полный контейнер
// сканируется на апдейт нового сообщения.
func (s *Sender) Send(ctx context.Context, target, text string) (*tg.Message, error) {
	peer, err := s.resolver.Resolve(ctx, target)
	if err != nil {
		return nil, errors.Wrap(err, "resolve target")
	}

	result, err := s.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: rand.Int63(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "send message")
	}

	switch u := result.(type) {
	case *tg.UpdateShortSentMessage:
		return s.synthesize(u, peer, text)
	case *tg.Updates:
		return extractNewMessage(u.Updates)
	case *tg.UpdatesCombined:
		return extractNewMessage(u.Updates)
	}
	return nil, errors.Errorf("unexpected send result %T", result)
}

// synthesize строит сообщение из короткого ответа: сервер вернул только id,
// дату и счётчики, адресат известен из запроса. Для «себя» подставляется
// собственный id сессии (приватный чат с самим собой).
func (s *Sender) synthesize(sent *tg.UpdateShortSentMessage, peer tg.InputPeerClass, text string) (*tg.Message, error) {
	msg := &tg.Message{
		Out:     sent.Out,
		ID:      sent.ID,
		Date:    sent.Date,
		Message: text,
	}

	switch p := peer.(type) {
	case *tg.InputPeerSelf:
		state, _, err := s.sessions.Load()
		if err != nil {
			return nil, errors.Wrap(err, "load session state")
		}
		msg.PeerID = &tg.PeerUser{UserID: state.UserID}
	case *tg.InputPeerUser:
		msg.PeerID = &tg.PeerUser{UserID: p.UserID}
	case *tg.InputPeerChat:
		msg.PeerID = &tg.PeerChat{ChatID: p.ChatID}
	case *tg.InputPeerChannel:
		msg.PeerID = &tg.PeerChannel{ChannelID: p.ChannelID}
	default:
		return nil, errors.Errorf("unexpected short sent peer %T", peer)
	}
	return msg, nil
}

// extractNewMessage находит в контейнере апдейт нового сообщения.
func extractNewMessage(updates []tg.UpdateClass) (*tg.Message, error) {
	for _, u := range updates {
		var carried tg.MessageClass
		switch upd := u.(type) {
		case *tg.UpdateNewMessage:
			carried = upd.Message
		case *tg.UpdateNewChannelMessage:
			carried = upd.Message
		case *tg.UpdateNewScheduledMessage:
			carried = upd.Message
		default:
			continue
		}
		msg, ok := carried.(*tg.Message)
		if !ok {
			return nil, errors.Errorf("unexpected message %T", carried)
		}
		return msg, nil
	}
	return nil, errors.New("no new message update in response")
}
