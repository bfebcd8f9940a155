package repository

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/prescelto-market/internal/model"
)

// newDBRepository подключается к TEST_DATABASE_URI. Повторы транзакций отключены,
// чтобы конфликт блокировок не прятался за ретраями.
func newDBRepository(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}

	r, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	r.backoff = func() retry.Backoff {
		return retry.WithMaxRetries(0, retry.NewConstant(time.Millisecond))
	}
	return r
}

func createDBUser(t *testing.T, r *PostgresRepository) *model.User {
	t.Helper()

	id := uuid.NewString()
	u, err := r.CreateUser(context.Background(), model.NewUser{
		Username:     "user",
		Email:        id + "@example.com",
		ReferralCode: strings.ToUpper(strings.ReplaceAll(id, "-", ""))[:12],
	})
	require.NoError(t, err)
	return u
}

func TestPostgresRepository_ConcurrentReferralCredits(t *testing.T) {
	r := newDBRepository(t)
	ctx := context.Background()

	referrer := createDBUser(t, r)

	const referees = 8
	ids := make([]int64, referees)
	for i := range ids {
		ids[i] = createDBUser(t, r).ID
	}

	var wg sync.WaitGroup
	errs := make([]error, referees)
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = r.CreditReferral(ctx, referrer.ID, id, 100)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	balance, err := r.GetBonusBalance(ctx, referrer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100*referees), balance)

	credited, err := r.CreditReferral(ctx, referrer.ID, ids[0], 100)
	require.NoError(t, err)
	assert.False(t, credited)

	referee, err := r.GetUserByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(100), referee.BonusPoints)
	assert.Equal(t, referrer.ReferralCode, referee.ReferredBy)
}

func TestPostgresRepository_CompletePurchase(t *testing.T) {
	r := newDBRepository(t)
	ctx := context.Background()

	u := createDBUser(t, r)
	balance, err := r.AddBonusPoints(ctx, u.ID, 150)
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)

	_, err = r.AddBonusPoints(ctx, u.ID, -151)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	plan := model.Plan{Type: model.PlanBasic, Name: "Базовый", BasePrice: 199, Months: 1}
	in := model.PurchaseInput{
		ID:         uuid.New(),
		UserID:     u.ID,
		Plan:       plan,
		BonusSpent: 100,
		Amount:     99,
		CreatedAt:  time.Now().UTC(),
	}

	_, err = r.CompletePurchase(ctx, in)
	require.NoError(t, err)

	balance, err = r.GetBonusBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)

	in.ID = uuid.New()
	_, err = r.CompletePurchase(ctx, in)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	purchases, err := r.GetUserPurchases(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, purchases, 1)

	fresh := createDBUser(t, r)
	require.NoError(t, r.DeleteUser(ctx, fresh.ID))
	assert.ErrorIs(t, r.DeleteUser(ctx, fresh.ID), ErrUserNotFound)
}
