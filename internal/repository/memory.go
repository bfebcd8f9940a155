package repository

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mmeshcher/prescelto-market/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Используется в тестах
// и при запуске без DATABASE_URI.
type MemoryRepository struct {
	mu          sync.Mutex
	nextID      int64
	users       map[int64]*model.User
	credentials map[string][]byte
	purchases   map[int64][]model.Purchase
	credits     map[int64]int64
}

// NewMemoryRepository создаёт пустое хранилище.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:       make(map[int64]*model.User),
		credentials: make(map[string][]byte),
		purchases:   make(map[int64][]model.Purchase),
		credits:     make(map[int64]int64),
	}
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *MemoryRepository) CreateUser(_ context.Context, nu model.NewUser) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if u.Email == nu.Email {
			return nil, fmt.Errorf("%w: %s", ErrUserExists, nu.Email)
		}
		if u.ReferralCode == nu.ReferralCode {
			return nil, ErrReferralCodeTaken
		}
	}

	r.nextID++
	u := &model.User{
		ID:           r.nextID,
		Username:     nu.Username,
		Email:        nu.Email,
		ReferralCode: nu.ReferralCode,
		ReferredBy:   nu.ReferredBy,
		CreatedAt:    time.Now(),
	}
	r.users[u.ID] = u

	return cloneUser(u), nil
}

func cloneUser(u *model.User) *model.User {
	c := *u
	if u.SubscriptionEnd != nil {
		end := *u.SubscriptionEnd
		c.SubscriptionEnd = &end
	}
	return &c
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *MemoryRepository) GetUserByID(_ context.Context, id int64) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(u), nil
}

// GetUserByEmail возвращает пользователя по email.
func (r *MemoryRepository) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	return r.find(func(u *model.User) bool { return u.Email == email })
}

// GetUserByReferralCode возвращает владельца реферального кода.
func (r *MemoryRepository) GetUserByReferralCode(_ context.Context, code string) (*model.User, error) {
	return r.find(func(u *model.User) bool { return u.ReferralCode == code })
}

func (r *MemoryRepository) find(match func(u *model.User) bool) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if match(u) {
			return cloneUser(u), nil
		}
	}
	return nil, ErrUserNotFound
}

// GetBonusBalance возвращает текущий баланс бонусных баллов.
func (r *MemoryRepository) GetBonusBalance(_ context.Context, userID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	return u.BonusPoints, nil
}

// AddBonusPoints изменяет баланс на delta. Баланс не может стать отрицательным.
func (r *MemoryRepository) AddBonusPoints(_ context.Context, userID int64, delta int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	if err := addBonusPoints(u, delta); err != nil {
		return 0, err
	}
	return u.BonusPoints, nil
}

// addBonusPoints меняет баланс пользователя. Вызывается под r.mu.
func addBonusPoints(u *model.User, delta int64) error {
	if u.BonusPoints+delta < 0 {
		return ErrInsufficientBalance
	}
	u.BonusPoints += delta
	return nil
}

// CreditReferral начисляет бонус обоим участникам не более одного раза на приглашённого.
func (r *MemoryRepository) CreditReferral(_ context.Context, referrerID, refereeID, points int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	referrer, ok := r.users[referrerID]
	if !ok {
		return false, ErrUserNotFound
	}
	referee, ok := r.users[refereeID]
	if !ok {
		return false, ErrUserNotFound
	}

	if _, done := r.credits[refereeID]; done {
		return false, nil
	}

	if err := addBonusPoints(referrer, points); err != nil {
		return false, err
	}
	if err := addBonusPoints(referee, points); err != nil {
		referrer.BonusPoints -= points
		return false, err
	}
	r.credits[refereeID] = referrerID
	if referee.ReferredBy == "" {
		referee.ReferredBy = referrer.ReferralCode
	}

	return true, nil
}

// CompletePurchase списывает баллы, сохраняет покупку и продлевает подписку.
func (r *MemoryRepository) CompletePurchase(_ context.Context, in model.PurchaseInput) (*model.Purchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[in.UserID]
	if !ok {
		return nil, ErrUserNotFound
	}

	end, err := nextSubscriptionEnd(u.SubscriptionType, u.SubscriptionEnd, in.Plan, in.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := addBonusPoints(u, -in.BonusSpent); err != nil {
		return nil, err
	}

	p := purchaseFromInput(in)

	u.SubscriptionType = in.Plan.Type
	u.SubscriptionEnd = end
	r.purchases[in.UserID] = append(r.purchases[in.UserID], *p)

	return p, nil
}

// GetUserPurchases возвращает историю покупок пользователя, новые сверху.
func (r *MemoryRepository) GetUserPurchases(_ context.Context, userID int64) ([]model.Purchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := slices.Clone(r.purchases[userID])
	slices.SortStableFunc(res, func(a, b model.Purchase) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return res, nil
}

// DeleteUser удаляет профиль вместе с его покупками и отметками о реферальных начислениях.
func (r *MemoryRepository) DeleteUser(_ context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[userID]; !ok {
		return ErrUserNotFound
	}
	delete(r.users, userID)
	delete(r.purchases, userID)
	delete(r.credits, userID)
	return nil
}

// UpdateHWID привязывает идентификатор железа к пользователю.
func (r *MemoryRepository) UpdateHWID(_ context.Context, userID int64, hwid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.HWID = hwid
	return nil
}

// SaveCredentials сохраняет хэш пароля для локальной аутентификации.
func (r *MemoryRepository) SaveCredentials(_ context.Context, email string, passwordHash []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.credentials[email]; ok {
		return fmt.Errorf("%w: %s", ErrUserExists, email)
	}
	r.credentials[email] = slices.Clone(passwordHash)
	return nil
}

// GetPasswordHash возвращает сохранённый хэш пароля.
func (r *MemoryRepository) GetPasswordHash(_ context.Context, email string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash, ok := r.credentials[email]
	if !ok {
		return nil, ErrCredentialsNotFound
	}
	return slices.Clone(hash), nil
}
