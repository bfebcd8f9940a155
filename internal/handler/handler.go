// Package handler содержит HTTP-обработчики API сервиса prescelto.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/mmeshcher/prescelto-market/internal/auth"
	"github.com/mmeshcher/prescelto-market/internal/middleware"
	"github.com/mmeshcher/prescelto-market/internal/model"
	"github.com/mmeshcher/prescelto-market/internal/pricing"
	"github.com/mmeshcher/prescelto-market/internal/repository"
	"github.com/mmeshcher/prescelto-market/internal/service"
	"github.com/mmeshcher/prescelto-market/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, in service.RegisterInput) (*service.RegisterResult, error)
	AuthenticateUser(ctx context.Context, email, password string) (*model.User, error)
	ApplyReferral(ctx context.Context, userID int64, code string) (*service.RegisterResult, error)
	Plans() []model.Plan
	ApplyPromoCode(code string) pricing.PromoResult
	Quote(ctx context.Context, userID int64, req service.PurchaseRequest) (*pricing.Quote, error)
	Purchase(ctx context.Context, userID int64, req service.PurchaseRequest) (*model.Purchase, error)
	GetPurchases(ctx context.Context, userID int64) ([]model.Purchase, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	UpdateHWID(ctx context.Context, userID int64, hwid string) error
	GetAccount(ctx context.Context, userID int64) (*model.Account, error)
}

// Handler реализует HTTP-обработчики API сервиса prescelto.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	validate       *validator.Validate
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		validate:       validation.New(),
	}
}

type registerRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6,max=72"`
	// Код из ссылки приглашения принимается в любом виде: нераспознанный код не мешает регистрации.
	ReferralCode string `json:"referral_code"`
}

type registerResponse struct {
	User            userResponse `json:"user"`
	BonusCredited   bool         `json:"bonus_credited"`
	ReferralPending bool         `json:"referral_pending"`
}

type userResponse struct {
	ID               int64      `json:"id"`
	Username         string     `json:"username"`
	Email            string     `json:"email"`
	ReferralCode     string     `json:"referral_code"`
	ReferredBy       string     `json:"referred_by,omitempty"`
	BonusPoints      int64      `json:"bonus_points"`
	HWID             string     `json:"hwid,omitempty"`
	SubscriptionType string     `json:"subscription_type,omitempty"`
	SubscriptionEnd  *time.Time `json:"subscription_end,omitempty"`
	CreatedAt        string     `json:"created_at"`
}

func newUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:               u.ID,
		Username:         u.Username,
		Email:            u.Email,
		ReferralCode:     u.ReferralCode,
		ReferredBy:       u.ReferredBy,
		BonusPoints:      u.BonusPoints,
		HWID:             u.HWID,
		SubscriptionType: string(u.SubscriptionType),
		SubscriptionEnd:  u.SubscriptionEnd,
		CreatedAt:        u.CreatedAt.Format(time.RFC3339),
	}
}

// Register обрабатывает регистрацию нового пользователя.
// Неудачное начисление реферального бонуса не отменяет регистрацию.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.service.RegisterUser(r.Context(), service.RegisterInput{
		Username:     req.Username,
		Email:        req.Email,
		Password:     req.Password,
		ReferralCode: req.ReferralCode,
	})

	pending := false
	switch {
	case err == nil:
	case errors.Is(err, service.ErrReferralNotCredited) && res != nil:
		h.logger.Warn("referral pending", zap.Error(err), zap.Int64("userID", res.User.ID))
		pending = true
	case errors.Is(err, repository.ErrUserExists):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		return
	default:
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if err := h.authMiddleware.SetAuthCookie(w, res.User.ID); err != nil {
		h.logger.Error("set auth cookie error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, registerResponse{
		User:            newUserResponse(res.User),
		BonusCredited:   res.BonusCredited,
		ReferralPending: pending,
	})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Login выполняет аутентификацию пользователя и устанавливает cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if err := h.authMiddleware.SetAuthCookie(w, user.ID); err != nil {
		h.logger.Error("set auth cookie error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, newUserResponse(user))
}

// Logout удаляет cookie авторизации.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.authMiddleware.ClearAuthCookie(w)
	w.WriteHeader(http.StatusOK)
}

type accountResponse struct {
	User         userResponse        `json:"user"`
	Subscription *model.Subscription `json:"subscription"`
	Purchases    []purchaseResponse  `json:"purchases"`
}

// GetAccount возвращает данные личного кабинета текущего пользователя.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	account, err := h.service.GetAccount(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("get account error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, accountResponse{
		User:         newUserResponse(account.User),
		Subscription: account.Subscription,
		Purchases:    newPurchasesResponse(account.Purchases),
	})
}

type balanceResponse struct {
	BonusPoints int64 `json:"bonus_points"`
}

// GetBalance возвращает баланс бонусных баллов текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, balanceResponse{BonusPoints: balance})
}

type hwidRequest struct {
	HWID string `json:"hwid" validate:"required,hwid"`
}

// UpdateHWID привязывает идентификатор железа к аккаунту текущего пользователя.
func (h *Handler) UpdateHWID(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req hwidRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.UpdateHWID(r.Context(), userID, req.HWID); err != nil {
		h.logger.Error("update hwid error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type referralRequest struct {
	Code string `json:"code" validate:"omitempty,refcode"`
}

type referralResponse struct {
	BonusCredited bool `json:"bonus_credited"`
}

// ApplyReferral начисляет реферальный бонус по коду или повторяет отложенное начисление.
func (h *Handler) ApplyReferral(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req referralRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.service.ApplyReferral(r.Context(), userID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrReferralCodeNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrSelfReferral):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, service.ErrReferralNotCredited):
			h.logger.Warn("referral still pending", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		default:
			h.logger.Error("apply referral error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, referralResponse{BonusCredited: res.BonusCredited})
}

// decode читает JSON-тело запроса и проверяет его правилами валидатора.
// При ошибке ответ 400 уже записан.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		http.Error(w, validation.Describe(err), http.StatusBadRequest)
		return false
	}

	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}
