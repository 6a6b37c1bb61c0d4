// Package auth — интерактивная машина состояний авторизации: телефон или
// бот-токен превращается в авторизованную сессию. Переживает flood-wait и
// миграцию DC, поддерживает регистрацию нового номера, 2FA по SRP и
// восстановление пароля кодом из почты.
package auth

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	tdauth "github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"telegram-client/internal/infra/logger"
	"telegram-client/internal/infra/pr"
	"telegram-client/internal/telegram/session"
)

// State — состояние машины авторизации.
type State int

const (
	StateInit State = iota
	StateCodeRequested
	StateSigningIn
	StateSigningUp
	StatePasswordRequired
	StatePasswordChecking
	StateAuthorized
)

// String даёт имя состояния для логов.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateCodeRequested:
		return "code_requested"
	case StateSigningIn:
		return "signing_in"
	case StateSigningUp:
		return "signing_up"
	case StatePasswordRequired:
		return "password_required"
	case StatePasswordChecking:
		return "password_checking"
	case StateAuthorized:
		return "authorized"
	}
	return "unknown"
}

// API — методы авторизации, потребляемые машиной. *tg.Client подходит как есть.
type API interface {
	AuthSendCode(ctx context.Context, request *tg.AuthSendCodeRequest) (tg.AuthSentCodeClass, error)
	AuthSignIn(ctx context.Context, request *tg.AuthSignInRequest) (tg.AuthAuthorizationClass, error)
	AuthSignUp(ctx context.Context, request *tg.AuthSignUpRequest) (tg.AuthAuthorizationClass, error)
	AccountGetPassword(ctx context.Context) (*tg.AccountPassword, error)
	AuthCheckPassword(ctx context.Context, password tg.InputCheckPasswordSRPClass) (tg.AuthAuthorizationClass, error)
	AuthRequestPasswordRecovery(ctx context.Context) (*tg.AuthPasswordRecovery, error)
	AuthRecoverPassword(ctx context.Context, request *tg.AuthRecoverPasswordRequest) (tg.AuthAuthorizationClass, error)
	AuthImportBotAuthorization(ctx context.Context, request *tg.AuthImportBotAuthorizationRequest) (tg.AuthAuthorizationClass, error)
}

// Migrator переключает клиента на другой DC: сигналы *_MIGRATE_X обязывают
// повторить тот же шаг уже против нового DC.
type Migrator interface {
	Migrate(ctx context.Context, dcID int) error
}

// tosDisplayed — текст условий использования показывается один раз на процесс.
var tosDisplayed atomic.Bool

// Config — зависимости и источники значений машины авторизации. Незаданные
// источники заменяются стандартными консольными подсказками.
type Config struct {
	API      API
	Migrator Migrator
	Sessions *session.Store

	AppID   int
	AppHash string

	// BotToken переводит машину в бот-режим: один запрос импорта токена,
	// без интерактивных шагов.
	BotToken string

	Phone        Source
	Code         Source
	FirstName    Source
	LastName     Source
	Password     Source
	RecoveryCode Source
}

// Flow — машина авторизации. Одноразовая: Run ведёт её до Authorized либо до
// фатальной ошибки.
type Flow struct {
	api      API
	migrator Migrator
	sessions *session.Store

	appID    int
	appHash  string
	botToken string

	phone        Source
	code         Source
	firstName    Source
	lastName     Source
	password     Source
	recoveryCode Source

	state State
}

// NewFlow собирает машину, подставляя консольные источники по умолчанию.
func NewFlow(cfg Config) *Flow {
	f := &Flow{
		api:          cfg.API,
		migrator:     cfg.Migrator,
		sessions:     cfg.Sessions,
		appID:        cfg.AppID,
		appHash:      cfg.AppHash,
		botToken:     cfg.BotToken,
		phone:        cfg.Phone,
		code:         cfg.Code,
		firstName:    cfg.FirstName,
		lastName:     cfg.LastName,
		password:     cfg.Password,
		recoveryCode: cfg.RecoveryCode,
	}
	if f.phone.empty() {
		f.phone = Prompt("Enter phone number: ")
	}
	if f.code.empty() {
		f.code = Prompt("Enter the code from Telegram: ")
	}
	if f.firstName.empty() {
		f.firstName = Prompt("Enter your first name: ")
	}
	if f.lastName.empty() {
		f.lastName = Prompt("Enter your last name (optional): ")
	}
	if f.password.empty() {
		f.password = PromptPassword("Enter 2FA password (empty to recover via email): ")
	}
	if f.recoveryCode.empty() {
		f.recoveryCode = Prompt("Enter the recovery code from email: ")
	}
	return f
}

// State возвращает текущее состояние машины.
func (f *Flow) State() State { return f.state }

func (f *Flow) setState(s State) {
	f.state = s
	logger.Debugf("auth: state %s", s)
}

// Run ведёт авторизацию до конца и возвращает авторизованного пользователя.
func (f *Flow) Run(ctx context.Context) (*tg.User, error) {
	if f.botToken != "" {
		return f.runBot(ctx)
	}
	return f.runUser(ctx)
}

// runBot — бот-авторизация: один импорт токена с теми же flood/migrate
// правилами.
func (f *Flow) runBot(ctx context.Context) (*tg.User, error) {
	var result tg.AuthAuthorizationClass
	err := f.step(ctx, func() error {
		var callErr error
		result, callErr = f.api.AuthImportBotAuthorization(ctx, &tg.AuthImportBotAuthorizationRequest{
			APIID:        f.appID,
			APIHash:      f.appHash,
			BotAuthToken: f.botToken,
		})
		return callErr
	})
	if err != nil {
		return nil, errors.Wrap(err, "import bot authorization")
	}
	a, ok := result.(*tg.AuthAuthorization)
	if !ok {
		return nil, errors.Errorf("unexpected bot authorization %T", result)
	}
	return f.finish(a, true)
}

func (f *Flow) runUser(ctx context.Context) (*tg.User, error) {
	for {
		phone, phoneFixed, err := f.phone.resolve(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "read phone number")
		}

		codeHash, err := f.sendCode(ctx, phone)
		switch {
		case err == nil:
		case tgerr.Is(err, "PHONE_NUMBER_INVALID", "PHONE_NUMBER_BANNED") && !phoneFixed:
			pr.Printf("Telegram rejected the phone number: %v\n", err)
			continue
		default:
			return nil, errors.Wrap(err, "send code")
		}

		f.setState(StateCodeRequested)
		return f.signIn(ctx, phone, codeHash)
	}
}

func (f *Flow) sendCode(ctx context.Context, phone string) (string, error) {
	var sent tg.AuthSentCodeClass
	err := f.step(ctx, func() error {
		var callErr error
		sent, callErr = f.api.AuthSendCode(ctx, &tg.AuthSendCodeRequest{
			PhoneNumber: phone,
			APIID:       f.appID,
			APIHash:     f.appHash,
			Settings:    tg.CodeSettings{},
		})
		return callErr
	})
	if err != nil {
		return "", err
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return "", errors.Errorf("unexpected sent code %T", sent)
	}
	return code.PhoneCodeHash, nil
}

// signIn крутит цикл «запросить код — отправить», пока интерактивные коды
// отвергаются сетью.
func (f *Flow) signIn(ctx context.Context, phone, codeHash string) (*tg.User, error) {
	for {
		code, codeFixed, err := f.code.resolve(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "read confirmation code")
		}
		user, retry, err := f.submitCode(ctx, phone, codeHash, code, codeFixed)
		if retry {
			continue
		}
		return user, err
	}
}

// submitCode — одна попытка входа по коду. retry=true значит «код отвергнут,
// но источник интерактивный — спросить заново».
func (f *Flow) submitCode(ctx context.Context, phone, codeHash, code string, codeFixed bool) (*tg.User, bool, error) {
	f.setState(StateSigningIn)

	var result tg.AuthAuthorizationClass
	err := f.step(ctx, func() error {
		req := &tg.AuthSignInRequest{
			PhoneNumber:   phone,
			PhoneCodeHash: codeHash,
		}
		req.SetPhoneCode(code)
		var callErr error
		result, callErr = f.api.AuthSignIn(ctx, req)
		return callErr
	})
	switch {
	case err == nil:
	case tgerr.Is(err, "SESSION_PASSWORD_NEEDED"):
		user, pwdErr := f.checkPassword(ctx)
		return user, false, pwdErr
	case tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EXPIRED", "PHONE_CODE_EMPTY"):
		if codeFixed {
			return nil, false, errors.Wrap(err, "sign in")
		}
		pr.Printf("Telegram rejected the code: %v\n", err)
		return nil, true, nil
	case tgerr.Is(err, "PHONE_NUMBER_UNOCCUPIED"):
		user, signUpErr := f.signUp(ctx, phone, codeHash, code, codeFixed)
		return user, false, signUpErr
	default:
		return nil, false, errors.Wrap(err, "sign in")
	}

	switch a := result.(type) {
	case *tg.AuthAuthorization:
		user, finErr := f.finish(a, false)
		return user, false, finErr
	case *tg.AuthAuthorizationSignUpRequired:
		if tos, ok := a.GetTermsOfService(); ok {
			showTerms(tos)
		}
		user, signUpErr := f.signUp(ctx, phone, codeHash, code, codeFixed)
		return user, false, signUpErr
	default:
		return nil, false, errors.Errorf("unexpected authorization %T", result)
	}
}

// signUp регистрирует номер. PHONE_NUMBER_OCCUPIED означает гонку с
// регистрацией: номер уже занят — машина возвращается на вход с тем же кодом.
func (f *Flow) signUp(ctx context.Context, phone, codeHash, code string, codeFixed bool) (*tg.User, error) {
	for {
		firstName, firstFixed, err := f.firstName.resolve(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "read first name")
		}
		lastName, _, err := f.lastName.resolve(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "read last name")
		}

		f.setState(StateSigningUp)
		var result tg.AuthAuthorizationClass
		err = f.step(ctx, func() error {
			var callErr error
			result, callErr = f.api.AuthSignUp(ctx, &tg.AuthSignUpRequest{
				PhoneNumber:   phone,
				PhoneCodeHash: codeHash,
				FirstName:     firstName,
				LastName:      lastName,
			})
			return callErr
		})
		switch {
		case err == nil:
		case tgerr.Is(err, "PHONE_NUMBER_OCCUPIED"):
			user, retry, signInErr := f.submitCode(ctx, phone, codeHash, code, codeFixed)
			if retry {
				return f.signIn(ctx, phone, codeHash)
			}
			return user, signInErr
		case tgerr.Is(err, "FIRSTNAME_INVALID", "LASTNAME_INVALID"):
			if firstFixed {
				return nil, errors.Wrap(err, "sign up")
			}
			pr.Printf("Telegram rejected the name: %v\n", err)
			continue
		default:
			return nil, errors.Wrap(err, "sign up")
		}

		a, ok := result.(*tg.AuthAuthorization)
		if !ok {
			return nil, errors.Errorf("unexpected sign up result %T", result)
		}
		return f.finish(a, false)
	}
}

// checkPassword — 2FA. Параметры SRP одноразовые, поэтому account.getPassword
// выполняется внутри каждой попытки. Пустой интерактивный пароль запускает
// восстановление кодом из почты.
func (f *Flow) checkPassword(ctx context.Context) (*tg.User, error) {
	f.setState(StatePasswordRequired)
	for {
		password, passwordFixed, err := f.password.resolve(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "read password")
		}
		if password == "" && !passwordFixed {
			return f.recoverPassword(ctx)
		}

		f.setState(StatePasswordChecking)
		var result tg.AuthAuthorizationClass
		err = f.step(ctx, func() error {
			pwd, getErr := f.api.AccountGetPassword(ctx)
			if getErr != nil {
				return getErr
			}
			srp, srpErr := tdauth.PasswordHash([]byte(password), pwd.SRPID, pwd.SRPB, pwd.SecureRandom, pwd.CurrentAlgo)
			if srpErr != nil {
				return errors.Wrap(srpErr, "compute srp")
			}
			var callErr error
			result, callErr = f.api.AuthCheckPassword(ctx, srp)
			return callErr
		})
		switch {
		case err == nil:
		case tgerr.Is(err, "PASSWORD_HASH_INVALID"):
			if passwordFixed {
				return nil, errors.Wrap(err, "check password")
			}
			f.setState(StatePasswordRequired)
			pr.Println("Invalid password, try again.")
			continue
		default:
			return nil, errors.Wrap(err, "check password")
		}

		a, ok := result.(*tg.AuthAuthorization)
		if !ok {
			return nil, errors.Errorf("unexpected check password result %T", result)
		}
		return f.finish(a, false)
	}
}

// recoverPassword сбрасывает 2FA кодом, отправленным на привязанную почту.
func (f *Flow) recoverPassword(ctx context.Context) (*tg.User, error) {
	var recovery *tg.AuthPasswordRecovery
	err := f.step(ctx, func() error {
		var callErr error
		recovery, callErr = f.api.AuthRequestPasswordRecovery(ctx)
		return callErr
	})
	if err != nil {
		return nil, errors.Wrap(err, "request password recovery")
	}
	pr.Printf("Recovery code sent to %s\n", recovery.EmailPattern)

	for {
		code, codeFixed, err := f.recoveryCode.resolve(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "read recovery code")
		}

		var result tg.AuthAuthorizationClass
		err = f.step(ctx, func() error {
			var callErr error
			result, callErr = f.api.AuthRecoverPassword(ctx, &tg.AuthRecoverPasswordRequest{
				Code: code,
			})
			return callErr
		})
		switch {
		case err == nil:
		case tgerr.Is(err, "CODE_INVALID", "CODE_EMPTY"):
			if codeFixed {
				return nil, errors.Wrap(err, "recover password")
			}
			pr.Printf("Telegram rejected the recovery code: %v\n", err)
			continue
		default:
			return nil, errors.Wrap(err, "recover password")
		}

		a, ok := result.(*tg.AuthAuthorization)
		if !ok {
			return nil, errors.Errorf("unexpected recover password result %T", result)
		}
		return f.finish(a, false)
	}
}

// finish фиксирует авторизацию: пишет идентичность в состояние сессии и
// стирает пароль из памяти машины.
func (f *Flow) finish(a *tg.AuthAuthorization, bot bool) (*tg.User, error) {
	user, ok := a.User.(*tg.User)
	if !ok {
		return nil, errors.Errorf("unexpected authorized user %T", a.User)
	}

	state, _, err := f.sessions.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load session state")
	}
	state.UserID = user.ID
	state.IsBot = bot || user.Bot
	if err := f.sessions.Save(state); err != nil {
		return nil, errors.Wrap(err, "save session state")
	}

	f.password = Source{}
	f.setState(StateAuthorized)
	logger.Infof("auth: authorized as user %d", user.ID)
	return user, nil
}

// step выполняет один шаг, прозрачно переживая flood-wait и миграцию DC:
// сигнал *_MIGRATE_X переключает клиента на указанный DC и повторяет тот же
// шаг.
func (f *Flow) step(ctx context.Context, do func() error) error {
	for {
		err := do()
		if err == nil {
			return nil
		}
		if wait, ok := tgerr.AsFloodWait(err); ok {
			logger.Warnf("auth: flood wait %s", wait)
			if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
				return sleepErr
			}
			continue
		}
		if dcID, ok := migrateTarget(err); ok {
			if f.migrator == nil {
				return err
			}
			if migErr := f.migrator.Migrate(ctx, dcID); migErr != nil {
				return errors.Wrapf(migErr, "migrate to dc%d", dcID)
			}
			continue
		}
		return err
	}
}

// migrateTarget распознаёт сигналы миграции DC и извлекает целевой DC.
func migrateTarget(err error) (int, bool) {
	rpcErr, ok := tgerr.As(err)
	if !ok {
		return 0, false
	}
	switch rpcErr.Type {
	case "PHONE_MIGRATE", "NETWORK_MIGRATE", "USER_MIGRATE":
		return rpcErr.Argument, true
	}
	return 0, false
}

// showTerms показывает условия использования — один раз на процесс.
func showTerms(tos tg.HelpTermsOfService) {
	if !tosDisplayed.CompareAndSwap(false, true) {
		return
	}
	pr.Printf("Telegram Terms of Service:\n%s\n", tos.Text)
}

// sleepCtx ждёт заданный интервал или отмену контекста.
func sleepCtx(ctx context.Context, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
