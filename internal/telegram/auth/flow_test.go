package auth_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"telegram-client/internal/infra/storage"
	"telegram-client/internal/telegram/auth"
	"telegram-client/internal/telegram/session"
)

// fakeAPI — скриптуемые ответы по шагам авторизации; n — номер вызова метода,
// начиная с единицы.
type fakeAPI struct {
	sendCodeCalls int
	sendCode      func(n int, req *tg.AuthSendCodeRequest) (tg.AuthSentCodeClass, error)

	signInCalls int
	signIn      func(n int, req *tg.AuthSignInRequest) (tg.AuthAuthorizationClass, error)

	signUpCalls int
	signUp      func(n int, req *tg.AuthSignUpRequest) (tg.AuthAuthorizationClass, error)

	recoveryRequests int
	recoverCalls     int
	recover          func(n int, req *tg.AuthRecoverPasswordRequest) (tg.AuthAuthorizationClass, error)

	importBotCalls int
	importBot      func(n int, req *tg.AuthImportBotAuthorizationRequest) (tg.AuthAuthorizationClass, error)
}

func (f *fakeAPI) AuthSendCode(_ context.Context, req *tg.AuthSendCodeRequest) (tg.AuthSentCodeClass, error) {
	f.sendCodeCalls++
	if f.sendCode == nil {
		return nil, errors.New("unexpected sendCode")
	}
	return f.sendCode(f.sendCodeCalls, req)
}

func (f *fakeAPI) AuthSignIn(_ context.Context, req *tg.AuthSignInRequest) (tg.AuthAuthorizationClass, error) {
	f.signInCalls++
	if f.signIn == nil {
		return nil, errors.New("unexpected signIn")
	}
	return f.signIn(f.signInCalls, req)
}

func (f *fakeAPI) AuthSignUp(_ context.Context, req *tg.AuthSignUpRequest) (tg.AuthAuthorizationClass, error) {
	f.signUpCalls++
	if f.signUp == nil {
		return nil, errors.New("unexpected signUp")
	}
	return f.signUp(f.signUpCalls, req)
}

func (f *fakeAPI) AccountGetPassword(context.Context) (*tg.AccountPassword, error) {
	return nil, errors.New("unexpected getPassword")
}

func (f *fakeAPI) AuthCheckPassword(context.Context, tg.InputCheckPasswordSRPClass) (tg.AuthAuthorizationClass, error) {
	return nil, errors.New("unexpected checkPassword")
}

func (f *fakeAPI) AuthRequestPasswordRecovery(context.Context) (*tg.AuthPasswordRecovery, error) {
	f.recoveryRequests++
	return &tg.AuthPasswordRecovery{EmailPattern: "a***@example.com"}, nil
}

func (f *fakeAPI) AuthRecoverPassword(_ context.Context, req *tg.AuthRecoverPasswordRequest) (tg.AuthAuthorizationClass, error) {
	f.recoverCalls++
	if f.recover == nil {
		return nil, errors.New("unexpected recoverPassword")
	}
	return f.recover(f.recoverCalls, req)
}

func (f *fakeAPI) AuthImportBotAuthorization(_ context.Context, req *tg.AuthImportBotAuthorizationRequest) (tg.AuthAuthorizationClass, error) {
	f.importBotCalls++
	if f.importBot == nil {
		return nil, errors.New("unexpected importBotAuthorization")
	}
	return f.importBot(f.importBotCalls, req)
}

// fakeMigrator фиксирует целевые DC.
type fakeMigrator struct {
	targets []int
}

func (m *fakeMigrator) Migrate(_ context.Context, dcID int) error {
	m.targets = append(m.targets, dcID)
	return nil
}

func newSessionStore(t *testing.T) *session.Store {
	t.Helper()
	db, err := storage.OpenBolt(filepath.Join(t.TempDir(), "session.bbolt"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := session.NewStore(db)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	if err := store.Save(session.State{DCID: 2}); err != nil {
		t.Fatalf("save state: %v", err)
	}
	return store
}

func authorized(id int64, bot bool) *tg.AuthAuthorization {
	return &tg.AuthAuthorization{User: &tg.User{ID: id, Bot: bot}}
}

func sentCode(hash string) *tg.AuthSentCode {
	return &tg.AuthSentCode{PhoneCodeHash: hash}
}

// Регистрация упирается в занятый номер и перетекает во вход с тем же кодом.
func TestSignUpOccupiedFlipsToSignIn(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		sendCode: func(int, *tg.AuthSendCodeRequest) (tg.AuthSentCodeClass, error) {
			return sentCode("hash-1"), nil
		},
		signIn: func(n int, req *tg.AuthSignInRequest) (tg.AuthAuthorizationClass, error) {
			if req.PhoneCodeHash != "hash-1" {
				return nil, errors.Errorf("wrong code hash %q", req.PhoneCodeHash)
			}
			if n == 1 {
				return &tg.AuthAuthorizationSignUpRequired{}, nil
			}
			return authorized(42, false), nil
		},
		signUp: func(_ int, req *tg.AuthSignUpRequest) (tg.AuthAuthorizationClass, error) {
			if req.FirstName != "Ada" {
				return nil, errors.Errorf("wrong first name %q", req.FirstName)
			}
			return nil, tgerr.New(400, "PHONE_NUMBER_OCCUPIED")
		},
	}
	store := newSessionStore(t)

	flow := auth.NewFlow(auth.Config{
		API:       api,
		Sessions:  store,
		AppID:     1,
		AppHash:   "h",
		Phone:     auth.Fixed("391234567890"),
		Code:      auth.Fixed("12345"),
		FirstName: auth.Fixed("Ada"),
		LastName:  auth.Fixed("Lovelace"),
	})

	user, err := flow.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if user.ID != 42 {
		t.Errorf("user id: got %d, want 42", user.ID)
	}
	if flow.State() != auth.StateAuthorized {
		t.Errorf("state: got %s, want authorized", flow.State())
	}
	if api.signInCalls != 2 || api.signUpCalls != 1 {
		t.Errorf("calls: signIn=%d signUp=%d, want 2/1", api.signInCalls, api.signUpCalls)
	}

	state, _, err := store.Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.UserID != 42 || state.IsBot {
		t.Errorf("session state: %+v", state)
	}
}

// Фиксированный код авторитетен: отказ сети фатален, повторной попытки нет.
func TestFixedCodeRejectedFails(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		sendCode: func(int, *tg.AuthSendCodeRequest) (tg.AuthSentCodeClass, error) {
			return sentCode("hash-1"), nil
		},
		signIn: func(int, *tg.AuthSignInRequest) (tg.AuthAuthorizationClass, error) {
			return nil, tgerr.New(400, "PHONE_CODE_INVALID")
		},
	}
	flow := auth.NewFlow(auth.Config{
		API:      api,
		Sessions: newSessionStore(t),
		Phone:    auth.Fixed("391234567890"),
		Code:     auth.Fixed("00000"),
	})

	if _, err := flow.Run(context.Background()); !tgerr.Is(err, "PHONE_CODE_INVALID") {
		t.Fatalf("Run: got %v, want PHONE_CODE_INVALID", err)
	}
	if api.signInCalls != 1 {
		t.Errorf("signIn calls: got %d, want 1", api.signInCalls)
	}
}

// Интерактивный источник после отказа опрашивается заново.
func TestInteractiveCodeRetries(t *testing.T) {
	t.Parallel()

	codes := []string{"111", "222"}
	api := &fakeAPI{
		sendCode: func(int, *tg.AuthSendCodeRequest) (tg.AuthSentCodeClass, error) {
			return sentCode("hash-1"), nil
		},
		signIn: func(_ int, req *tg.AuthSignInRequest) (tg.AuthAuthorizationClass, error) {
			if req.PhoneCode != "222" {
				return nil, tgerr.New(400, "PHONE_CODE_INVALID")
			}
			return authorized(7, false), nil
		},
	}
	flow := auth.NewFlow(auth.Config{
		API:      api,
		Sessions: newSessionStore(t),
		Phone:    auth.Fixed("391234567890"),
		Code: auth.Interactive(func(context.Context) (string, error) {
			code := codes[0]
			codes = codes[1:]
			return code, nil
		}),
	})

	user, err := flow.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if user.ID != 7 {
		t.Errorf("user id: got %d, want 7", user.ID)
	}
	if api.signInCalls != 2 {
		t.Errorf("signIn calls: got %d, want 2", api.signInCalls)
	}
}

// Сигнал миграции переключает DC и повторяет тот же шаг.
func TestMigrationRetriesSameStep(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		sendCode: func(n int, _ *tg.AuthSendCodeRequest) (tg.AuthSentCodeClass, error) {
			if n == 1 {
				return nil, tgerr.New(303, "PHONE_MIGRATE_4")
			}
			return sentCode("hash-1"), nil
		},
		signIn: func(int, *tg.AuthSignInRequest) (tg.AuthAuthorizationClass, error) {
			return authorized(7, false), nil
		},
	}
	migrator := &fakeMigrator{}
	flow := auth.NewFlow(auth.Config{
		API:      api,
		Migrator: migrator,
		Sessions: newSessionStore(t),
		Phone:    auth.Fixed("391234567890"),
		Code:     auth.Fixed("12345"),
	})

	if _, err := flow.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(migrator.targets) != 1 || migrator.targets[0] != 4 {
		t.Errorf("migrations: got %v, want [4]", migrator.targets)
	}
	if api.sendCodeCalls != 2 {
		t.Errorf("sendCode calls: got %d, want 2", api.sendCodeCalls)
	}
}

// Flood-wait пережидается, шаг повторяется.
func TestFloodWaitRetries(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		sendCode: func(n int, _ *tg.AuthSendCodeRequest) (tg.AuthSentCodeClass, error) {
			if n == 1 {
				return nil, tgerr.New(420, "FLOOD_WAIT_0")
			}
			return sentCode("hash-1"), nil
		},
		signIn: func(int, *tg.AuthSignInRequest) (tg.AuthAuthorizationClass, error) {
			return authorized(7, false), nil
		},
	}
	flow := auth.NewFlow(auth.Config{
		API:      api,
		Sessions: newSessionStore(t),
		Phone:    auth.Fixed("391234567890"),
		Code:     auth.Fixed("12345"),
	})

	if _, err := flow.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if api.sendCodeCalls != 2 {
		t.Errorf("sendCode calls: got %d, want 2", api.sendCodeCalls)
	}
}

// Пустой интерактивный пароль ведёт в восстановление кодом из почты.
func TestEmptyPasswordGoesToRecovery(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		sendCode: func(int, *tg.AuthSendCodeRequest) (tg.AuthSentCodeClass, error) {
			return sentCode("hash-1"), nil
		},
		signIn: func(int, *tg.AuthSignInRequest) (tg.AuthAuthorizationClass, error) {
			return nil, tgerr.New(401, "SESSION_PASSWORD_NEEDED")
		},
		recover: func(_ int, req *tg.AuthRecoverPasswordRequest) (tg.AuthAuthorizationClass, error) {
			if req.Code != "9999" {
				return nil, tgerr.New(400, "CODE_INVALID")
			}
			return authorized(7, false), nil
		},
	}
	flow := auth.NewFlow(auth.Config{
		API:      api,
		Sessions: newSessionStore(t),
		Phone:    auth.Fixed("391234567890"),
		Code:     auth.Fixed("12345"),
		Password: auth.Interactive(func(context.Context) (string, error) {
			return "", nil
		}),
		RecoveryCode: auth.Fixed("9999"),
	})

	user, err := flow.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if user.ID != 7 {
		t.Errorf("user id: got %d, want 7", user.ID)
	}
	if api.recoveryRequests != 1 || api.recoverCalls != 1 {
		t.Errorf("recovery calls: requests=%d recovers=%d", api.recoveryRequests, api.recoverCalls)
	}
}

// Бот-авторизация — один импорт токена без интерактивных шагов.
func TestBotAuthorization(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		importBot: func(_ int, req *tg.AuthImportBotAuthorizationRequest) (tg.AuthAuthorizationClass, error) {
			if req.BotAuthToken != "123:token" {
				return nil, errors.Errorf("wrong token %q", req.BotAuthToken)
			}
			return authorized(500, true), nil
		},
	}
	store := newSessionStore(t)
	flow := auth.NewFlow(auth.Config{
		API:      api,
		Sessions: store,
		BotToken: "123:token",
	})

	user, err := flow.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !user.Bot || user.ID != 500 {
		t.Errorf("user: %+v", user)
	}

	state, _, err := store.Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if !state.IsBot || state.UserID != 500 {
		t.Errorf("session state: %+v", state)
	}
}
