package tenant

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirmationCode(t *testing.T) {
	t.Parallel()

	shape := regexp.MustCompile(`^DEL[0-9A-Z]{8}$`)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		code, err := ConfirmationCode()
		require.NoError(t, err)
		assert.Regexp(t, shape, code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 90, "codes must not repeat in practice")
}
