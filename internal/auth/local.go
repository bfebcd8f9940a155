package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/prescelto-market/internal/repository"
)

// CredentialStore хранит хэши паролей для LocalProvider.
type CredentialStore interface {
	SaveCredentials(ctx context.Context, email string, passwordHash []byte) error
	GetPasswordHash(ctx context.Context, email string) ([]byte, error)
}

// LocalProvider проверяет пароли самостоятельно, храня bcrypt-хэши в хранилище.
type LocalProvider struct {
	store CredentialStore
	cost  int
}

// NewLocalProvider создаёт провайдер поверх хранилища учётных данных.
func NewLocalProvider(store CredentialStore) *LocalProvider {
	return &LocalProvider{store: store, cost: bcrypt.DefaultCost}
}

// SignUp сохраняет хэш пароля нового пользователя.
func (p *LocalProvider) SignUp(ctx context.Context, email, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := p.store.SaveCredentials(ctx, email, hash); err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return ErrAlreadyRegistered
		}
		return err
	}
	return nil
}

// SignInWithPassword сверяет пароль с сохранённым хэшем.
func (p *LocalProvider) SignInWithPassword(ctx context.Context, email, password string) error {
	hash, err := p.store.GetPasswordHash(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrCredentialsNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
