package mtproto

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/telegram"

	"telegram-client/internal/infra/logger"
)

// Session — одно соединение с DC поверх *telegram.Client. Start поднимает
// клиента в фоновой горутине (client.Run блокирует на всё время жизни
// соединения), Stop гасит её через отмену контекста, Send выполняет один RPC
// с таймаутом на попытку.
type Session struct {
	client *telegram.Client
	dcID   int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// NewSession оборачивает готового gotd-клиента.
func NewSession(client *telegram.Client, dcID int) *Session {
	return &Session{client: client, dcID: dcID}
}

// Start запускает клиента и блокируется до установления соединения.
// Контекст управляет только ожиданием готовности: само соединение живёт до
// Stop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("mtproto: session already started")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	ready := make(chan struct{})
	go func() {
		done <- s.client.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-ready:
		logger.Debugf("mtproto: session dc%d connected", s.dcID)
		return nil
	case err := <-done:
		s.reset()
		if err == nil {
			err = errors.New("run finished before ready")
		}
		return errors.Wrapf(err, "mtproto: connect dc%d", s.dcID)
	case <-ctx.Done():
		cancel()
		<-done
		s.reset()
		return errors.Wrapf(ctx.Err(), "mtproto: connect dc%d", s.dcID)
	}
}

// Stop разрывает соединение и дожидается завершения фоновой горутины.
// Повторный Stop безопасен и возвращает nil.
func (s *Session) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := <-done
	if err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrapf(err, "mtproto: stop dc%d", s.dcID)
	}
	logger.Debugf("mtproto: session dc%d stopped", s.dcID)
	return nil
}

func (s *Session) reset() {
	s.mu.Lock()
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
}

// Send выполняет RPC с таймаутом на попытку. Повторяется только истечение
// таймаута попытки: серверные ошибки (tgerr) и обрыв внешнего контекста
// возвращаются сразу, их обработка — дело вызывающего.
func (s *Session) Send(ctx context.Context, input bin.Encoder, output bin.Decoder, retries int, timeout time.Duration) error {
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := s.client.Invoke(attemptCtx, input, output)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
		logger.Warnf("mtproto: rpc timeout on dc%d, attempt %d/%d", s.dcID, attempt, retries)
	}
	return errors.Wrapf(lastErr, "mtproto: rpc timed out after %d attempts", retries)
}
