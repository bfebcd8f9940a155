// Package referral содержит правила реферальной программы.
package referral

import (
	"fmt"
	"strings"

	"github.com/sethvargo/go-password/password"
)

// Bonus начисляется и пригласившему, и приглашённому.
const Bonus int64 = 100

const (
	codeLength = 8
	codeDigits = 3
)

// Generator выдаёт новые реферальные коды.
type Generator struct {
	gen password.PasswordGenerator
}

// NewGenerator создаёт генератор кодов из латинских букв и цифр без похожих символов.
func NewGenerator() (*Generator, error) {
	gen, err := password.NewGenerator(&password.GeneratorInput{
		LowerLetters: "abcdefghjkmnpqrstuvwxyz",
		Digits:       "23456789",
	})
	if err != nil {
		return nil, fmt.Errorf("create code generator: %w", err)
	}
	return &Generator{gen: gen}, nil
}

// Generate возвращает код из восьми символов в верхнем регистре.
func (g *Generator) Generate() (string, error) {
	code, err := g.gen.Generate(codeLength, codeDigits, 0, true, true)
	if err != nil {
		return "", fmt.Errorf("generate referral code: %w", err)
	}
	return NormalizeCode(code), nil
}

// NormalizeCode приводит введённый пользователем код к каноничному виду.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
