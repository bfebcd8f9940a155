// Package service реализует бизнес-логику сервиса prescelto: регистрацию
// с реферальными бонусами, расчёт и оформление покупок, личный кабинет.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/prescelto-market/internal/auth"
	"github.com/mmeshcher/prescelto-market/internal/model"
	"github.com/mmeshcher/prescelto-market/internal/pricing"
	"github.com/mmeshcher/prescelto-market/internal/referral"
	"github.com/mmeshcher/prescelto-market/internal/repository"
)

var (
	// ErrUnknownPlan возвращается для тарифа, которого нет в каталоге.
	ErrUnknownPlan = errors.New("unknown plan")
	// ErrReferralNotCredited возвращается, если пользователь создан, а реферальный бонус начислить не удалось.
	ErrReferralNotCredited = errors.New("referral bonus not credited")
	// ErrReferralCodeNotFound возвращается при явном применении несуществующего кода.
	ErrReferralCodeNotFound = errors.New("referral code not found")
	// ErrSelfReferral возвращается при попытке применить собственный код.
	ErrSelfReferral = errors.New("own referral code")
)

const maxCodeAttempts = 5

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, nu model.NewUser) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*model.User, error)
	GetBonusBalance(ctx context.Context, userID int64) (int64, error)
	CreditReferral(ctx context.Context, referrerID, refereeID, points int64) (bool, error)
	CompletePurchase(ctx context.Context, in model.PurchaseInput) (*model.Purchase, error)
	GetUserPurchases(ctx context.Context, userID int64) ([]model.Purchase, error)
	UpdateHWID(ctx context.Context, userID int64, hwid string) error
	DeleteUser(ctx context.Context, userID int64) error
}

// CodeGenerator выдаёт реферальные коды для новых пользователей.
type CodeGenerator interface {
	Generate() (string, error)
}

// Service содержит бизнес-логику сервиса prescelto.
type Service struct {
	repo            Repository
	auth            auth.Provider
	codes           CodeGenerator
	logger          *zap.Logger
	referralTimeout time.Duration
	referralBackoff func() retry.Backoff
	now             func() time.Time
}

// NewService создаёт сервис. referralTimeout ограничивает время начисления реферального бонуса.
func NewService(repo Repository, provider auth.Provider, codes CodeGenerator, logger *zap.Logger, referralTimeout time.Duration) *Service {
	return &Service{
		repo:            repo,
		auth:            provider,
		codes:           codes,
		logger:          logger,
		referralTimeout: referralTimeout,
		referralBackoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
		},
		now: time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterInput содержит данные формы регистрации.
type RegisterInput struct {
	Username     string
	Email        string
	Password     string
	ReferralCode string
}

// RegisterResult описывает итог регистрации.
type RegisterResult struct {
	User          *model.User
	Referrer      *model.User
	BonusCredited bool
}

// RegisterUser создаёт профиль, регистрирует пользователя у провайдера аутентификации
// и начисляет реферальный бонус. Нераспознанный реферальный код не мешает регистрации.
// Если бонус начислить не удалось, возвращается созданный пользователь и ErrReferralNotCredited.
//
// Профиль создаётся до обращения к провайдеру, поэтому сбой хранилища не оставляет
// учётную запись провайдера без профиля. Профиль без учётной записи провайдера
// (сбой SignUp) подхватывается повторной регистрацией.
func (s *Service) RegisterUser(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	email := normalizeEmail(in.Email)

	code := referral.NormalizeCode(in.ReferralCode)
	referrer, lookupErr := s.resolveReferrer(ctx, code)

	referredBy := ""
	if referrer != nil || lookupErr != nil {
		referredBy = code
	}

	user, created, err := s.ensureProfile(ctx, in.Username, email, referredBy)
	if err != nil {
		return nil, err
	}

	if err := s.signUp(ctx, user, created, in.Password); err != nil {
		return nil, err
	}

	res := &RegisterResult{User: user}

	if lookupErr != nil {
		return res, fmt.Errorf("%w: %w", ErrReferralNotCredited, lookupErr)
	}
	if referrer == nil {
		return res, nil
	}

	credited, err := s.creditReferral(ctx, referrer.ID, user.ID)
	if err != nil {
		s.logger.Warn("referral credit failed",
			zap.Error(err), zap.Int64("userID", user.ID), zap.Int64("referrerID", referrer.ID))
		return res, fmt.Errorf("%w: %w", ErrReferralNotCredited, err)
	}

	return s.completeReferral(ctx, res, referrer.ID, credited)
}

// ensureProfile создаёт профиль или возвращает уже существующий с тем же email.
// created сообщает, что профиль создан этим вызовом.
func (s *Service) ensureProfile(ctx context.Context, username, email, referredBy string) (*model.User, bool, error) {
	user, err := s.createUser(ctx, username, email, referredBy)
	if err == nil {
		return user, true, nil
	}
	if !errors.Is(err, repository.ErrUserExists) {
		return nil, false, err
	}

	existing, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, false, repository.ErrUserExists
		}
		return nil, false, fmt.Errorf("load existing profile: %w", err)
	}
	return existing, false, nil
}

// signUp регистрирует учётную запись у провайдера для профиля user.
// Успешный SignUp для уже существующего профиля означает, что прошлая регистрация
// оборвалась между профилем и провайдером, и профиль переходит к новой учётной записи.
// Учётная запись провайдера без профиля принимается, если пароль к ней подходит.
func (s *Service) signUp(ctx context.Context, user *model.User, created bool, password string) error {
	err := s.auth.SignUp(ctx, user.Email, password)
	switch {
	case err == nil:
		if !created {
			s.logger.Info("orphan profile resumed", zap.Int64("userID", user.ID))
		}
		return nil
	case errors.Is(err, auth.ErrAlreadyRegistered):
		if !created {
			return repository.ErrUserExists
		}
		signInErr := s.auth.SignInWithPassword(ctx, user.Email, password)
		if signInErr == nil {
			s.logger.Info("provider account resumed", zap.Int64("userID", user.ID))
			return nil
		}
		if errors.Is(signInErr, auth.ErrInvalidCredentials) {
			return repository.ErrUserExists
		}
		return fmt.Errorf("sign in: %w", signInErr)
	default:
		if created {
			s.discardProfile(ctx, user.ID)
		}
		return fmt.Errorf("sign up: %w", err)
	}
}

// discardProfile удаляет профиль, для которого не удалось создать учётную запись.
// Если удаление не прошло, профиль подхватит повторная регистрация.
func (s *Service) discardProfile(ctx context.Context, userID int64) {
	if err := s.repo.DeleteUser(context.WithoutCancel(ctx), userID); err != nil {
		s.logger.Warn("discard profile failed", zap.Error(err), zap.Int64("userID", userID))
	}
}

func (s *Service) resolveReferrer(ctx context.Context, code string) (*model.User, error) {
	if code == "" {
		return nil, nil
	}

	referrer, err := s.repo.GetUserByReferralCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.logger.Info("referral code not resolved", zap.String("code", code))
			return nil, nil
		}
		return nil, fmt.Errorf("lookup referral code: %w", err)
	}

	return referrer, nil
}

func (s *Service) createUser(ctx context.Context, username, email, referredBy string) (*model.User, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.codes.Generate()
		if err != nil {
			return nil, err
		}

		user, err := s.repo.CreateUser(ctx, model.NewUser{
			Username:     strings.TrimSpace(username),
			Email:        email,
			ReferralCode: code,
			ReferredBy:   referredBy,
		})
		if errors.Is(err, repository.ErrReferralCodeTaken) {
			continue
		}
		return user, err
	}

	return nil, fmt.Errorf("create user: %w", repository.ErrReferralCodeTaken)
}

// creditReferral начисляет бонус с ограничением по времени и повторами.
// Повтор безопасен: хранилище начисляет бонус не более одного раза на приглашённого.
func (s *Service) creditReferral(ctx context.Context, referrerID, refereeID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.referralTimeout)
	defer cancel()

	return retry.DoValue(ctx, s.referralBackoff(), func(ctx context.Context) (bool, error) {
		credited, err := s.repo.CreditReferral(ctx, referrerID, refereeID, referral.Bonus)
		if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
			return false, retry.RetryableError(err)
		}
		return credited, err
	})
}

func (s *Service) completeReferral(ctx context.Context, res *RegisterResult, referrerID int64, credited bool) (*RegisterResult, error) {
	res.BonusCredited = credited

	user, err := s.repo.GetUserByID(ctx, res.User.ID)
	if err != nil {
		return res, err
	}
	referrer, err := s.repo.GetUserByID(ctx, referrerID)
	if err != nil {
		return res, err
	}
	res.User = user
	res.Referrer = referrer

	if credited {
		s.logger.Info("referral bonus credited",
			zap.Int64("userID", user.ID), zap.Int64("referrerID", referrer.ID), zap.Int64("points", referral.Bonus))
	}

	return res, nil
}

// ApplyReferral начисляет реферальный бонус уже зарегистрированному пользователю.
// Пустой код означает повтор начисления по коду, указанному при регистрации.
func (s *Service) ApplyReferral(ctx context.Context, userID int64, code string) (*RegisterResult, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	code = referral.NormalizeCode(code)
	if code == "" {
		code = user.ReferredBy
	}
	if code == "" {
		return nil, ErrReferralCodeNotFound
	}
	if code == user.ReferralCode {
		return nil, ErrSelfReferral
	}

	referrer, err := s.repo.GetUserByReferralCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrReferralCodeNotFound
		}
		return nil, fmt.Errorf("lookup referral code: %w", err)
	}

	credited, err := s.creditReferral(ctx, referrer.ID, user.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReferralNotCredited, err)
	}

	return s.completeReferral(ctx, &RegisterResult{User: user}, referrer.ID, credited)
}

// AuthenticateUser проверяет email и пароль у провайдера и возвращает профиль пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (*model.User, error) {
	email = normalizeEmail(email)

	if err := s.auth.SignInWithPassword(ctx, email, password); err != nil {
		return nil, err
	}

	user, err := s.repo.GetUserByEmail(ctx, email)
	if !errors.Is(err, repository.ErrUserNotFound) {
		return user, err
	}

	// Учётная запись провайдера есть, а профиля нет: создаём его при входе.
	name, _, _ := strings.Cut(email, "@")
	user, err = s.createUser(ctx, name, email, "")
	if errors.Is(err, repository.ErrUserExists) {
		return s.repo.GetUserByEmail(ctx, email)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("profile created on sign in", zap.Int64("userID", user.ID))
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Plans возвращает каталог тарифов.
func (s *Service) Plans() []model.Plan {
	return pricing.Plans()
}

// ApplyPromoCode проверяет промокод.
func (s *Service) ApplyPromoCode(code string) pricing.PromoResult {
	return pricing.ApplyPromoCode(code)
}

// PurchaseRequest описывает выбор пользователя в форме покупки.
type PurchaseRequest struct {
	Plan        model.PlanType
	PromoCode   string
	BonusPoints int64
}

// Quote рассчитывает стоимость покупки с учётом текущего баланса пользователя.
func (s *Service) Quote(ctx context.Context, userID int64, req PurchaseRequest) (*pricing.Quote, error) {
	plan, ok := pricing.PlanByType(req.Plan)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, req.Plan)
	}

	balance, err := s.repo.GetBonusBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	q := pricing.NewQuote(plan, req.PromoCode, req.BonusPoints, balance)
	return &q, nil
}

// Purchase оформляет покупку: баллы списываются вместе с сохранением записи о покупке.
func (s *Service) Purchase(ctx context.Context, userID int64, req PurchaseRequest) (*model.Purchase, error) {
	q, err := s.Quote(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	in := model.PurchaseInput{
		ID:         uuid.New(),
		UserID:     userID,
		Plan:       q.Plan,
		BonusSpent: q.BonusPointsUsed,
		Amount:     q.FinalPrice,
		CreatedAt:  s.now().UTC(),
	}
	if q.Promo.Valid {
		in.PromoCode = q.Promo.Code
		in.DiscountPercent = q.Promo.DiscountPercent
	}

	p, err := s.repo.CompletePurchase(ctx, in)
	if err != nil {
		return nil, err
	}

	s.logger.Info("purchase completed",
		zap.Int64("userID", userID),
		zap.String("plan", string(p.Plan)),
		zap.Int64("amount", p.Amount),
		zap.Int64("bonusSpent", p.BonusSpent),
	)

	return p, nil
}

// GetPurchases возвращает историю покупок пользователя.
func (s *Service) GetPurchases(ctx context.Context, userID int64) ([]model.Purchase, error) {
	return s.repo.GetUserPurchases(ctx, userID)
}

// GetBalance возвращает баланс бонусных баллов.
func (s *Service) GetBalance(ctx context.Context, userID int64) (int64, error) {
	return s.repo.GetBonusBalance(ctx, userID)
}

// UpdateHWID привязывает идентификатор железа к аккаунту.
func (s *Service) UpdateHWID(ctx context.Context, userID int64, hwid string) error {
	return s.repo.UpdateHWID(ctx, userID, strings.TrimSpace(hwid))
}

// GetAccount собирает данные личного кабинета.
func (s *Service) GetAccount(ctx context.Context, userID int64) (*model.Account, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	purchases, err := s.repo.GetUserPurchases(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &model.Account{
		User:         user,
		Subscription: subscriptionOf(user, purchases, s.now()),
		Purchases:    purchases,
	}, nil
}

// subscriptionOf выводит состояние подписки из профиля и истории покупок.
func subscriptionOf(u *model.User, purchases []model.Purchase, now time.Time) *model.Subscription {
	if u.SubscriptionType == "" {
		return nil
	}

	sub := &model.Subscription{
		Plan:       u.SubscriptionType,
		ExpiryDate: u.SubscriptionEnd,
		IsActive:   u.SubscriptionEnd == nil || u.SubscriptionEnd.After(now),
	}

	if plan, ok := pricing.PlanByType(u.SubscriptionType); ok {
		sub.PlanName = plan.Name
	}

	// История отсортирована от новых к старым.
	for _, p := range purchases {
		if p.Plan == u.SubscriptionType {
			date := p.CreatedAt
			sub.PurchaseDate = &date
			break
		}
	}

	return sub
}
