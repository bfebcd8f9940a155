package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/prescelto-market/internal/model"
)

var (
	basicPlan   = model.Plan{Type: model.PlanBasic, Name: "Базовый", BasePrice: 199, Months: 1}
	premiumPlan = model.Plan{Type: model.PlanPremium, Name: "Премиум", BasePrice: 499, Months: 3}
	maximumPlan = model.Plan{Type: model.PlanMaximum, Name: "Максимум", BasePrice: 999}
)

func mustCreateUser(t *testing.T, r *MemoryRepository, email, code string) *model.User {
	t.Helper()

	u, err := r.CreateUser(context.Background(), model.NewUser{
		Username:     email,
		Email:        email,
		ReferralCode: code,
	})
	require.NoError(t, err)
	return u
}

func TestMemoryRepository_CreateUserConflicts(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	mustCreateUser(t, r, "a@example.com", "AAAA2222")

	_, err := r.CreateUser(ctx, model.NewUser{Email: "a@example.com", ReferralCode: "BBBB3333"})
	assert.ErrorIs(t, err, ErrUserExists)

	_, err = r.CreateUser(ctx, model.NewUser{Email: "b@example.com", ReferralCode: "AAAA2222"})
	assert.ErrorIs(t, err, ErrReferralCodeTaken)

	u, err := r.GetUserByReferralCode(ctx, "AAAA2222")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", u.Email)

	_, err = r.GetUserByEmail(ctx, "missing@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemoryRepository_AddBonusPointsNeverNegative(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	u := mustCreateUser(t, r, "a@example.com", "AAAA2222")

	balance, err := r.AddBonusPoints(ctx, u.ID, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)

	_, err = r.AddBonusPoints(ctx, u.ID, -51)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	balance, err = r.GetBonusBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)
}

func TestMemoryRepository_CreditReferralOnce(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	referrer := mustCreateUser(t, r, "ref@example.com", "REFR2222")
	referee := mustCreateUser(t, r, "new@example.com", "NEWU3333")

	_, err := r.AddBonusPoints(ctx, referrer.ID, 250)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.CreditReferral(ctx, referrer.ID, referee.ID, 100)
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	credited := 0
	for ok := range results {
		if ok {
			credited++
		}
	}
	assert.Equal(t, 1, credited)

	got, err := r.GetUserByID(ctx, referrer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(350), got.BonusPoints)

	got, err = r.GetUserByID(ctx, referee.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.BonusPoints)
	assert.Equal(t, "REFR2222", got.ReferredBy)
}

func TestMemoryRepository_CompletePurchase(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	u := mustCreateUser(t, r, "a@example.com", "AAAA2222")
	_, err := r.AddBonusPoints(ctx, u.ID, 100)
	require.NoError(t, err)

	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	_, err = r.CompletePurchase(ctx, model.PurchaseInput{
		ID: uuid.New(), UserID: u.ID, Plan: basicPlan, BonusSpent: 150, Amount: 49, CreatedAt: now,
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	p, err := r.CompletePurchase(ctx, model.PurchaseInput{
		ID: uuid.New(), UserID: u.ID, Plan: basicPlan, BonusSpent: 40, Amount: 159, CreatedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, model.PurchaseStatusCompleted, p.Status)
	assert.Equal(t, int64(159), p.Amount)

	got, err := r.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), got.BonusPoints)
	assert.Equal(t, model.PlanBasic, got.SubscriptionType)
	require.NotNil(t, got.SubscriptionEnd)
	assert.Equal(t, now.AddDate(0, 1, 0), *got.SubscriptionEnd)

	_, err = r.CompletePurchase(ctx, model.PurchaseInput{
		ID: uuid.New(), UserID: u.ID, Plan: premiumPlan, Amount: 499, CreatedAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	got, err = r.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 4, 0), *got.SubscriptionEnd, "active subscription is extended")

	purchases, err := r.GetUserPurchases(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, purchases, 2)
	assert.Equal(t, model.PlanPremium, purchases[0].Plan)
}

func TestMemoryRepository_LifetimeSubscription(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	u := mustCreateUser(t, r, "a@example.com", "AAAA2222")

	_, err := r.CompletePurchase(ctx, model.PurchaseInput{
		ID: uuid.New(), UserID: u.ID, Plan: maximumPlan, Amount: 999, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	got, err := r.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, got.SubscriptionEnd)

	_, err = r.CompletePurchase(ctx, model.PurchaseInput{
		ID: uuid.New(), UserID: u.ID, Plan: basicPlan, Amount: 199, CreatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrLifetimeSubscription)

	purchases, err := r.GetUserPurchases(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, purchases, 1, "failed purchase must not be persisted")
}

func TestMemoryRepository_Credentials(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, r.SaveCredentials(ctx, "a@example.com", []byte("hash")))
	assert.ErrorIs(t, r.SaveCredentials(ctx, "a@example.com", []byte("other")), ErrUserExists)

	hash, err := r.GetPasswordHash(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, []byte("hash"), hash)

	_, err = r.GetPasswordHash(ctx, "b@example.com")
	assert.ErrorIs(t, err, ErrCredentialsNotFound)
}

func TestNextSubscriptionEnd(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	expired := now.AddDate(0, -1, 0)

	end, err := nextSubscriptionEnd("", nil, premiumPlan, now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 3, 0), *end)

	end, err = nextSubscriptionEnd(model.PlanBasic, &expired, basicPlan, now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 1, 0), *end, "expired subscription restarts from now")

	end, err = nextSubscriptionEnd(model.PlanBasic, &expired, maximumPlan, now)
	require.NoError(t, err)
	assert.Nil(t, end)

	_, err = nextSubscriptionEnd(model.PlanMaximum, nil, basicPlan, now)
	assert.ErrorIs(t, err, ErrLifetimeSubscription)
}

func TestMemoryRepository_DeleteUser(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	u := mustCreateUser(t, r, "a@example.com", "AAAA2222")

	require.NoError(t, r.DeleteUser(ctx, u.ID))

	_, err := r.GetUserByEmail(ctx, "a@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.ErrorIs(t, r.DeleteUser(ctx, u.ID), ErrUserNotFound)

	again := mustCreateUser(t, r, "a@example.com", "AAAA2222")
	assert.NotEqual(t, u.ID, again.ID)
}
