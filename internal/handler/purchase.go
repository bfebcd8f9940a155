package handler

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/prescelto-market/internal/middleware"
	"github.com/mmeshcher/prescelto-market/internal/model"
	"github.com/mmeshcher/prescelto-market/internal/repository"
	"github.com/mmeshcher/prescelto-market/internal/service"
)

// GetPlans возвращает каталог тарифов.
func (h *Handler) GetPlans(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.service.Plans())
}

type promoRequest struct {
	Code string `json:"code" validate:"max=32"`
}

// ApplyPromo проверяет промокод. Неверный код не считается ошибкой запроса.
func (h *Handler) ApplyPromo(w http.ResponseWriter, r *http.Request) {
	var req promoRequest
	if !h.decode(w, r, &req) {
		return
	}

	h.writeJSON(w, http.StatusOK, h.service.ApplyPromoCode(req.Code))
}

type purchaseRequest struct {
	Plan        string `json:"plan" validate:"required,oneof=basic premium maximum"`
	PromoCode   string `json:"promo_code" validate:"max=32"`
	BonusPoints int64  `json:"bonus_points" validate:"gte=0"`
}

func (req purchaseRequest) toService() service.PurchaseRequest {
	return service.PurchaseRequest{
		Plan:        model.PlanType(req.Plan),
		PromoCode:   req.PromoCode,
		BonusPoints: req.BonusPoints,
	}
}

// Quote рассчитывает стоимость покупки для текущего пользователя.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req purchaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	q, err := h.service.Quote(r.Context(), userID, req.toService())
	if err != nil {
		h.writePurchaseError(w, err, userID)
		return
	}

	h.writeJSON(w, http.StatusOK, q)
}

type purchaseResponse struct {
	ID              string `json:"id"`
	Plan            string `json:"plan"`
	PlanName        string `json:"plan_name"`
	BasePrice       int64  `json:"base_price"`
	DiscountPercent int    `json:"discount_percent"`
	PromoCode       string `json:"promo_code,omitempty"`
	BonusSpent      int64  `json:"bonus_spent"`
	Amount          int64  `json:"amount"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
}

func newPurchaseResponse(p model.Purchase) purchaseResponse {
	return purchaseResponse{
		ID:              p.ID.String(),
		Plan:            string(p.Plan),
		PlanName:        p.PlanName,
		BasePrice:       p.BasePrice,
		DiscountPercent: p.DiscountPercent,
		PromoCode:       p.PromoCode,
		BonusSpent:      p.BonusSpent,
		Amount:          p.Amount,
		Status:          string(p.Status),
		CreatedAt:       p.CreatedAt.Format(time.RFC3339),
	}
}

func newPurchasesResponse(purchases []model.Purchase) []purchaseResponse {
	resp := make([]purchaseResponse, 0, len(purchases))
	for _, p := range purchases {
		resp = append(resp, newPurchaseResponse(p))
	}
	return resp
}

// CreatePurchase оформляет покупку тарифа текущим пользователем.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req purchaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.service.Purchase(r.Context(), userID, req.toService())
	if err != nil {
		h.writePurchaseError(w, err, userID)
		return
	}

	h.writeJSON(w, http.StatusOK, newPurchaseResponse(*p))
}

// GetPurchases возвращает историю покупок текущего пользователя.
func (h *Handler) GetPurchases(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	purchases, err := h.service.GetPurchases(r.Context(), userID)
	if err != nil {
		h.logger.Error("get purchases error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(purchases) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, newPurchasesResponse(purchases))
}

func (h *Handler) writePurchaseError(w http.ResponseWriter, err error, userID int64) {
	switch {
	case errors.Is(err, service.ErrUnknownPlan):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrInsufficientBalance):
		http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
	case errors.Is(err, repository.ErrLifetimeSubscription):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, repository.ErrUserNotFound):
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	default:
		h.logger.Error("purchase error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
