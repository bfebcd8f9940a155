// Package validation содержит проверку входных данных API.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	hwidPattern         = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{7,127}$`)
	referralCodePattern = regexp.MustCompile(`^[A-Za-z0-9]{4,16}$`)
)

// New возвращает валидатор с правилами hwid и refcode. Поля в ошибках называются по json-тегам.
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	// Регистрация падает только на пустом имени тега.
	_ = v.RegisterValidation("hwid", func(fl validator.FieldLevel) bool {
		return IsValidHWID(fl.Field().String())
	})
	_ = v.RegisterValidation("refcode", func(fl validator.FieldLevel) bool {
		return IsValidReferralCode(fl.Field().String())
	})

	return v
}

// IsValidHWID проверяет формат идентификатора железа: латиница, цифры и дефисы, от 8 до 128 символов.
func IsValidHWID(hwid string) bool {
	return hwidPattern.MatchString(strings.TrimSpace(hwid))
}

// IsValidReferralCode проверяет формат реферального кода.
func IsValidReferralCode(code string) bool {
	return referralCodePattern.MatchString(strings.TrimSpace(code))
}

// Describe превращает ошибку валидатора в короткое сообщение для клиента.
func Describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
