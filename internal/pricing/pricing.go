// Package pricing реализует расчёт стоимости покупки: каталог тарифов,
// промокоды и списание бонусных баллов.
package pricing

import (
	"fmt"
	"strings"

	"github.com/mmeshcher/prescelto-market/internal/model"
)

// Сообщения, показываемые пользователю при вводе промокода.
const (
	promoInvalidMessage = "Неверный промокод"
	promoAppliedFormat  = "Промокод применён! Скидка %d%%"
)

var catalog = []model.Plan{
	{Type: model.PlanBasic, Name: "Базовый", BasePrice: 199, DurationLabel: "1 месяц", Months: 1},
	{Type: model.PlanPremium, Name: "Премиум", BasePrice: 499, DurationLabel: "3 месяца", Months: 3},
	{Type: model.PlanMaximum, Name: "Максимум", BasePrice: 999, DurationLabel: "Навсегда"},
}

var promoCodes = map[string]int{
	"LAUNCH": 20,
	"WINTER": 15,
	"FRIEND": 10,
}

// Plans возвращает копию каталога тарифов.
func Plans() []model.Plan {
	res := make([]model.Plan, len(catalog))
	copy(res, catalog)
	return res
}

// PlanByType ищет тариф в каталоге.
func PlanByType(t model.PlanType) (model.Plan, bool) {
	for _, p := range catalog {
		if p.Type == t {
			return p, true
		}
	}
	return model.Plan{}, false
}

// PromoResult содержит результат применения промокода.
type PromoResult struct {
	Code            string `json:"code,omitempty"`
	DiscountPercent int    `json:"discount_percent"`
	Valid           bool   `json:"valid"`
	Message         string `json:"message"`
}

// ApplyPromoCode проверяет промокод без учёта регистра.
// Неизвестный код сбрасывает скидку в ноль.
func ApplyPromoCode(raw string) PromoResult {
	code := strings.ToUpper(strings.TrimSpace(raw))

	percent, ok := promoCodes[code]
	if !ok {
		return PromoResult{Message: promoInvalidMessage}
	}

	return PromoResult{
		Code:            code,
		DiscountPercent: percent,
		Valid:           true,
		Message:         fmt.Sprintf(promoAppliedFormat, percent),
	}
}

// ComputeFinalPrice считает итоговую цену. Результат всегда лежит в [0, basePrice].
func ComputeFinalPrice(basePrice int64, discountPercent int, requested, available int64) int64 {
	if basePrice <= 0 {
		return 0
	}

	discountAmount := discountFor(basePrice, discountPercent)
	bonus := clampBonus(basePrice, requested, available)

	return max(0, basePrice-discountAmount-bonus)
}

// discountFor возвращает размер скидки. Цена после скидки округляется вниз,
// поэтому сама скидка округляется вверх: base - discount - bonus равно floor от
// неокруглённого base*(100-d)/100 - bonus.
func discountFor(basePrice int64, discountPercent int) int64 {
	percent := int64(min(max(discountPercent, 0), 100))
	return basePrice - basePrice*(100-percent)/100
}

// clampBonus ограничивает списание балансом пользователя и ценой тарифа.
func clampBonus(limit, requested, available int64) int64 {
	return max(0, min(requested, available, limit))
}

// Quote содержит расчёт стоимости покупки. Пересчитывается при каждом изменении ввода.
type Quote struct {
	Plan            model.Plan  `json:"plan"`
	Promo           PromoResult `json:"promo"`
	BasePrice       int64       `json:"base_price"`
	DiscountAmount  int64       `json:"discount_amount"`
	BonusPointsUsed int64       `json:"bonus_points_used"`
	FinalPrice      int64       `json:"final_price"`
}

// NewQuote рассчитывает покупку тарифа с промокодом и списанием баллов.
// Пустой промокод не считается ошибкой и просто не даёт скидки.
func NewQuote(plan model.Plan, promoInput string, requested, available int64) Quote {
	var promo PromoResult
	if strings.TrimSpace(promoInput) != "" {
		promo = ApplyPromoCode(promoInput)
	}

	discountAmount := discountFor(plan.BasePrice, promo.DiscountPercent)

	// Баллы не списываются сверх того, что осталось после скидки.
	bonus := clampBonus(max(0, plan.BasePrice-discountAmount), requested, available)

	return Quote{
		Plan:            plan,
		Promo:           promo,
		BasePrice:       plan.BasePrice,
		DiscountAmount:  discountAmount,
		BonusPointsUsed: bonus,
		FinalPrice:      ComputeFinalPrice(plan.BasePrice, promo.DiscountPercent, bonus, bonus),
	}
}
