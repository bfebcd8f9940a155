package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/prescelto-market/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const userColumns = `id, username, email, referral_code, COALESCE(referred_by, ''), bonus_points,
	COALESCE(hwid, ''), COALESCE(subscription_type, ''), subscription_end, created_at`

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool    *pgxpool.Pool
	backoff func() retry.Backoff
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool: pool,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
		},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет транзакцию при конфликте сериализации, дедлоке или обрыве соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с нулевым балансом.
func (r *PostgresRepository) CreateUser(ctx context.Context, nu model.NewUser) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO users (username, email, referral_code, referred_by)
		 VALUES ($1, $2, $3, NULLIF($4, ''))
		 RETURNING `+userColumns,
		nu.Username, nu.Email, nu.ReferralCode, nu.ReferredBy,
	)

	u, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			if pgErr.ConstraintName == "users_referral_code_key" {
				return nil, ErrReferralCodeTaken
			}
			return nil, fmt.Errorf("%w: %s", ErrUserExists, nu.Email)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	return u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return r.getUser(ctx, `WHERE id = $1`, id)
}

// GetUserByEmail возвращает пользователя по email.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.getUser(ctx, `WHERE email = $1`, email)
}

// GetUserByReferralCode возвращает владельца реферального кода.
func (r *PostgresRepository) GetUserByReferralCode(ctx context.Context, code string) (*model.User, error) {
	return r.getUser(ctx, `WHERE referral_code = $1`, code)
}

func (r *PostgresRepository) getUser(ctx context.Context, where string, arg any) (*model.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users `+where, arg)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return u, nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		u       model.User
		subType string
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.ReferralCode, &u.ReferredBy, &u.BonusPoints,
		&u.HWID, &subType, &u.SubscriptionEnd, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.SubscriptionType = model.PlanType(subType)
	return &u, nil
}

// GetBonusBalance возвращает текущий баланс бонусных баллов.
func (r *PostgresRepository) GetBonusBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT bonus_points FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("get bonus balance: %w", err)
	}
	return balance, nil
}

// AddBonusPoints изменяет баланс на delta и возвращает новый баланс. Баланс не может стать отрицательным.
func (r *PostgresRepository) AddBonusPoints(ctx context.Context, userID int64, delta int64) (int64, error) {
	var balance int64
	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := lockUsers(ctx, tx, userID); err != nil {
			return err
		}

		balance, err = addBonusPointsTx(ctx, tx, userID, delta)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return balance, nil
}

// addBonusPointsTx меняет баланс пользователя, строка которого уже заблокирована в tx.
func addBonusPointsTx(ctx context.Context, tx pgx.Tx, userID, delta int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx,
		`UPDATE users SET bonus_points = bonus_points + $2
		 WHERE id = $1 AND bonus_points + $2 >= 0
		 RETURNING bonus_points`,
		userID, delta,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrInsufficientBalance
		}
		return 0, fmt.Errorf("update bonus points: %w", err)
	}
	return balance, nil
}

// lockOrder возвращает идентификаторы по возрастанию без повторов.
func lockOrder(ids ...int64) []int64 {
	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	return slices.Compact(ordered)
}

// lockUsers блокирует строки пользователей FOR UPDATE в порядке возрастания id.
// Все записи, ссылающиеся на этих пользователей, делаются только после блокировки:
// проверка внешнего ключа берёт FOR KEY SHARE, и взятая раньше она сцепилась бы
// со встречной транзакцией, ждущей FOR UPDATE.
func lockUsers(ctx context.Context, tx pgx.Tx, ids ...int64) error {
	for _, id := range lockOrder(ids...) {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, id).Scan(&one)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock user for update: %w", err)
		}
	}
	return nil
}

// CreditReferral начисляет бонус обоим участникам одной транзакцией.
// Повторный вызов для того же приглашённого ничего не меняет и возвращает false.
func (r *PostgresRepository) CreditReferral(ctx context.Context, referrerID, refereeID, points int64) (bool, error) {
	var credited bool
	err := r.withRetry(ctx, func(ctx context.Context) error {
		credited = false

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := lockUsers(ctx, tx, referrerID, refereeID); err != nil {
			return err
		}

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO referral_credits (referee_id, referrer_id, points)
			 VALUES ($1, $2, $3) ON CONFLICT (referee_id) DO NOTHING`,
			refereeID, referrerID, points,
		)
		if err != nil {
			return fmt.Errorf("insert referral credit: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			return nil
		}

		for _, id := range []int64{referrerID, refereeID} {
			if _, err := addBonusPointsTx(ctx, tx, id, points); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE users SET referred_by = (SELECT referral_code FROM users WHERE id = $2)
			 WHERE id = $1 AND referred_by IS NULL`,
			refereeID, referrerID,
		)
		if err != nil {
			return fmt.Errorf("set referred_by: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		credited = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return credited, nil
}

// CompletePurchase списывает баллы, сохраняет покупку и продлевает подписку одной транзакцией.
func (r *PostgresRepository) CompletePurchase(ctx context.Context, in model.PurchaseInput) (*model.Purchase, error) {
	var p *model.Purchase
	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			subType string
			subEnd  *time.Time
		)
		err = tx.QueryRow(ctx,
			`SELECT COALESCE(subscription_type, ''), subscription_end
			 FROM users WHERE id = $1 FOR UPDATE`,
			in.UserID,
		).Scan(&subType, &subEnd)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock user for update: %w", err)
		}

		end, err := nextSubscriptionEnd(model.PlanType(subType), subEnd, in.Plan, in.CreatedAt)
		if err != nil {
			return err
		}

		if _, err := addBonusPointsTx(ctx, tx, in.UserID, -in.BonusSpent); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE users SET subscription_type = $2, subscription_end = $3 WHERE id = $1`,
			in.UserID, string(in.Plan.Type), end,
		)
		if err != nil {
			return fmt.Errorf("update user subscription: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO purchases (id, user_id, plan_type, plan_name, base_price, discount_percent,
			                        promo_code, bonus_spent, amount, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			in.ID, in.UserID, string(in.Plan.Type), in.Plan.Name, in.Plan.BasePrice, in.DiscountPercent,
			in.PromoCode, in.BonusSpent, in.Amount, string(model.PurchaseStatusCompleted), in.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert purchase: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		p = purchaseFromInput(in)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

func purchaseFromInput(in model.PurchaseInput) *model.Purchase {
	return &model.Purchase{
		ID:              in.ID,
		UserID:          in.UserID,
		Plan:            in.Plan.Type,
		PlanName:        in.Plan.Name,
		BasePrice:       in.Plan.BasePrice,
		DiscountPercent: in.DiscountPercent,
		PromoCode:       in.PromoCode,
		BonusSpent:      in.BonusSpent,
		Amount:          in.Amount,
		Status:          model.PurchaseStatusCompleted,
		CreatedAt:       in.CreatedAt,
	}
}

// GetUserPurchases возвращает историю покупок пользователя, новые сверху.
func (r *PostgresRepository) GetUserPurchases(ctx context.Context, userID int64) ([]model.Purchase, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, plan_type, plan_name, base_price, discount_percent,
		        promo_code, bonus_spent, amount, status, created_at
		 FROM purchases
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select purchases: %w", err)
	}
	defer rows.Close()

	var res []model.Purchase
	for rows.Next() {
		var (
			p        model.Purchase
			planType string
			status   string
		)
		err := rows.Scan(&p.ID, &p.UserID, &planType, &p.PlanName, &p.BasePrice, &p.DiscountPercent,
			&p.PromoCode, &p.BonusSpent, &p.Amount, &status, &p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		p.Plan = model.PlanType(planType)
		p.Status = model.PurchaseStatus(status)
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// DeleteUser удаляет профиль без покупок и реферальных начислений.
func (r *PostgresRepository) DeleteUser(ctx context.Context, userID int64) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdateHWID привязывает идентификатор железа к пользователю.
func (r *PostgresRepository) UpdateHWID(ctx context.Context, userID int64, hwid string) error {
	cmdTag, err := r.pool.Exec(ctx, `UPDATE users SET hwid = $2 WHERE id = $1`, userID, hwid)
	if err != nil {
		return fmt.Errorf("update hwid: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SaveCredentials сохраняет хэш пароля для локальной аутентификации.
func (r *PostgresRepository) SaveCredentials(ctx context.Context, email string, passwordHash []byte) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO credentials (email, password_hash) VALUES ($1, $2)`,
		email, passwordHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrUserExists, email)
		}
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// GetPasswordHash возвращает сохранённый хэш пароля.
func (r *PostgresRepository) GetPasswordHash(ctx context.Context, email string) ([]byte, error) {
	var hash []byte
	err := r.pool.QueryRow(ctx, `SELECT password_hash FROM credentials WHERE email = $1`, email).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCredentialsNotFound
		}
		return nil, fmt.Errorf("get credentials: %w", err)
	}
	return hash, nil
}
