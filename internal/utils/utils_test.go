package utils

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRoomCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := GenerateRoomCode()
		require.NoError(t, err)
		assert.Len(t, code, RoomCodeLength)
		for _, c := range code {
			assert.True(t, strings.ContainsRune(roomCodeAlphabet, c))
		}
		seen[code] = true
	}
	assert.Greater(t, len(seen), 190)
}

func TestSecureRandomIntBounds(t *testing.T) {
	_, err := SecureRandomInt(0)
	assert.Error(t, err)

	counts := [2]int{}
	for i := 0; i < 1000; i++ {
		n, err := SecureRandomInt(2)
		require.NoError(t, err)
		counts[n]++
	}
	// 两面都应出现
	assert.Greater(t, counts[0], 300)
	assert.Greater(t, counts[1], 300)
}

func TestRandomChoice(t *testing.T) {
	_, err := RandomChoice(nil)
	assert.Error(t, err)

	v, err := RandomChoice([]string{"@only"})
	require.NoError(t, err)
	assert.Equal(t, "@only", v)
}

func TestAmountHelpers(t *testing.T) {
	assert.Equal(t, "30.00", FormatAmount(CalculateCommission(decimal.NewFromInt(100), decimal.RequireFromString("0.3"))))
	assert.Equal(t, "1.50", FormatAmount(decimal.RequireFromString("1.499")))
}
