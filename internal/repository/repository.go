// Package repository содержит реализации хранилища пользователей и покупок.
package repository

import (
	"errors"
	"time"

	"github.com/mmeshcher/prescelto-market/internal/model"
)

var (
	// ErrUserExists возвращается при попытке создать пользователя с уже занятым email.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrReferralCodeTaken возвращается при коллизии сгенерированного реферального кода.
	ErrReferralCodeTaken = errors.New("referral code already taken")
	// ErrInsufficientBalance возвращается, если бонусных баллов меньше, чем требуется списать.
	ErrInsufficientBalance = errors.New("insufficient bonus balance")
	// ErrLifetimeSubscription возвращается при попытке купить тариф поверх бессрочной подписки.
	ErrLifetimeSubscription = errors.New("lifetime subscription already active")
	// ErrCredentialsNotFound возвращается, если для email не сохранён пароль.
	ErrCredentialsNotFound = errors.New("credentials not found")
)

// nextSubscriptionEnd вычисляет новую дату окончания подписки после покупки тарифа.
// nil означает бессрочную подписку.
func nextSubscriptionEnd(current model.PlanType, currentEnd *time.Time, plan model.Plan, now time.Time) (*time.Time, error) {
	if current == model.PlanMaximum {
		return nil, ErrLifetimeSubscription
	}

	if plan.Lifetime() {
		return nil, nil
	}

	start := now
	if currentEnd != nil && currentEnd.After(now) {
		start = *currentEnd
	}

	end := start.AddDate(0, plan.Months, 0)
	return &end, nil
}
