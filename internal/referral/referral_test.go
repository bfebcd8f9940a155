package referral

import (
	"errors"
	"regexp"
	"testing"

	"github.com/sethvargo/go-password/password"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codePattern = regexp.MustCompile(`^[A-Z2-9]{8}$`)

func TestGenerate_Format(t *testing.T) {
	g, err := NewGenerator()
	require.NoError(t, err)

	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		code, err := g.Generate()
		require.NoError(t, err)
		assert.Regexp(t, codePattern, code)
		seen[code] = struct{}{}
	}

	assert.Greater(t, len(seen), 1, "codes must be random")
}

func TestGenerate_PropagatesError(t *testing.T) {
	g := &Generator{gen: password.NewMockGenerator("", errors.New("entropy exhausted"))}

	_, err := g.Generate()
	assert.ErrorContains(t, err, "entropy exhausted")
}

func TestGenerate_Uppercases(t *testing.T) {
	g := &Generator{gen: password.NewMockGenerator("ab3cd4ef", nil)}

	code, err := g.Generate()
	require.NoError(t, err)
	assert.Equal(t, "AB3CD4EF", code)
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "ABC123", NormalizeCode("  abc123 "))
	assert.Equal(t, "", NormalizeCode("   "))
}
