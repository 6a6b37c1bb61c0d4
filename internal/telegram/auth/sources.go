package auth

import (
	"context"
	"strings"
	"syscall"

	"github.com/go-faster/errors"
	"golang.org/x/term"

	"telegram-client/internal/infra/pr"
)

// Source — источник одного значения авторизации (телефон, код, пароль...).
// Либо фиксированное значение от вызывающего, либо интерактивный колбэк.
// Фиксированное значение авторитетно: отказ сети по нему фатален, повторного
// запроса не будет; интерактивный источник после отказа опрашивается заново.
type Source struct {
	fixed    string
	hasFixed bool
	ask      func(ctx context.Context) (string, error)
}

// Fixed создаёт источник с заранее известным значением.
func Fixed(value string) Source {
	return Source{fixed: value, hasFixed: true}
}

// Interactive создаёт источник с колбэком запроса значения.
func Interactive(ask func(ctx context.Context) (string, error)) Source {
	return Source{ask: ask}
}

// Prompt — интерактивный источник поверх общей readline-консоли.
func Prompt(prompt string) Source {
	return Interactive(func(context.Context) (string, error) {
		return pr.ReadLine(prompt)
	})
}

// PromptPassword — интерактивный источник с безэховым вводом.
func PromptPassword(prompt string) Source {
	return Interactive(func(context.Context) (string, error) {
		pr.Print(prompt)
		passwordBytes, err := term.ReadPassword(syscall.Stdin)
		// Возвращаем курсор на новую строку после скрытого ввода.
		pr.Println()
		if err != nil {
			return "", err
		}
		return string(passwordBytes), nil
	})
}

// empty сообщает, что источник не задан (нужен источник по умолчанию).
func (s Source) empty() bool {
	return !s.hasFixed && s.ask == nil
}

// resolve выдаёт значение и признак его авторитетности.
func (s Source) resolve(ctx context.Context) (value string, fixed bool, err error) {
	if s.hasFixed {
		return s.fixed, true, nil
	}
	if s.ask == nil {
		return "", false, errors.New("auth: no input source")
	}
	value, err = s.ask(ctx)
	return strings.TrimSpace(value), false, err
}
