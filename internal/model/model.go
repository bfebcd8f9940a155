// Package model содержит доменные сущности сервиса prescelto.
package model

import (
	"time"

	"github.com/google/uuid"
)

// PlanType идентифицирует тариф подписки.
type PlanType string

const (
	PlanBasic   PlanType = "basic"
	PlanPremium PlanType = "premium"
	PlanMaximum PlanType = "maximum"
)

// Plan описывает тариф из каталога. Duration равная нулю означает бессрочную подписку.
type Plan struct {
	Type          PlanType `json:"type"`
	Name          string   `json:"name"`
	BasePrice     int64    `json:"price"`
	DurationLabel string   `json:"duration"`
	Months        int      `json:"-"`
}

// Lifetime сообщает, что тариф выдаёт бессрочную подписку.
func (p Plan) Lifetime() bool {
	return p.Months == 0
}

// User представляет зарегистрированного пользователя.
type User struct {
	ID               int64
	Username         string
	Email            string
	ReferralCode     string
	ReferredBy       string
	BonusPoints      int64
	HWID             string
	SubscriptionType PlanType
	SubscriptionEnd  *time.Time
	CreatedAt        time.Time
}

// NewUser содержит данные для создания пользователя.
type NewUser struct {
	Username     string
	Email        string
	ReferralCode string
	ReferredBy   string
}

// PurchaseStatus описывает статус покупки.
type PurchaseStatus string

// PurchaseStatusCompleted присваивается покупке, сохранённой вместе со списанием баллов.
const PurchaseStatusCompleted PurchaseStatus = "completed"

// Purchase описывает запись в истории покупок пользователя.
type Purchase struct {
	ID              uuid.UUID
	UserID          int64
	Plan            PlanType
	PlanName        string
	BasePrice       int64
	DiscountPercent int
	PromoCode       string
	BonusSpent      int64
	Amount          int64
	Status          PurchaseStatus
	CreatedAt       time.Time
}

// PurchaseInput содержит всё необходимое для оформления покупки в хранилище.
type PurchaseInput struct {
	ID              uuid.UUID
	UserID          int64
	Plan            Plan
	DiscountPercent int
	PromoCode       string
	BonusSpent      int64
	Amount          int64
	CreatedAt       time.Time
}

// Subscription описывает производное состояние подписки пользователя.
type Subscription struct {
	Plan         PlanType   `json:"plan"`
	PlanName     string     `json:"plan_name"`
	PurchaseDate *time.Time `json:"purchase_date,omitempty"`
	ExpiryDate   *time.Time `json:"expiry_date,omitempty"`
	IsActive     bool       `json:"is_active"`
}

// Account объединяет профиль пользователя, подписку и историю покупок.
type Account struct {
	User         *User
	Subscription *Subscription
	Purchases    []Purchase
}
