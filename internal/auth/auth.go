// Package auth содержит провайдеры аутентификации по email и паролю.
package auth

import (
	"context"
	"errors"
)

var (
	// ErrInvalidCredentials возвращается при неверной паре email/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAlreadyRegistered возвращается, если email уже зарегистрирован у провайдера.
	ErrAlreadyRegistered = errors.New("email already registered")
)

// Provider описывает внешний сервис аутентификации.
type Provider interface {
	SignUp(ctx context.Context, email, password string) error
	SignInWithPassword(ctx context.Context, email, password string) error
}
