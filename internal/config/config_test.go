package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.3", cfg.CommissionRate.String())
	assert.Equal(t, "1", cfg.MinStake.String())
	assert.Equal(t, "100000", cfg.MaxStake.String())
	assert.Equal(t, 10*time.Second, cfg.MatchTimeout)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.RoomTTL)
	assert.Equal(t, int32(6), cfg.TokenDecimals)
	assert.Len(t, cfg.HouseAccounts, 3)
	assert.True(t, cfg.PayoutOnWin)
	assert.Equal(t, time.Minute, cfg.PayoutRecheck)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("COMMISSION_RATE", "0.25")
	t.Setenv("MATCH_TIMEOUT", "3")
	t.Setenv("POLL_INTERVAL", "1500ms")
	t.Setenv("HOUSE_ACCOUNTS", " @a , ,@b")
	t.Setenv("ADMIN_IDS", "10, 20,x")
	t.Setenv("PAYOUT_RECHECK_INTERVAL", "45s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.25", cfg.CommissionRate.String())
	assert.Equal(t, 3*time.Second, cfg.MatchTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, []string{"@a", "@b"}, cfg.HouseAccounts)
	assert.Equal(t, []int64{10, 20}, cfg.AdminIDs)
	assert.Equal(t, 45*time.Second, cfg.PayoutRecheck)
	assert.True(t, cfg.IsAdmin(20))
	assert.False(t, cfg.IsAdmin(30))
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"佣金率超过1":   {"COMMISSION_RATE", "1.5"},
		"佣金率不是数字":  {"COMMISSION_RATE", "abc"},
		"最小下注为0":   {"MIN_STAKE", "0"},
		"签名数量过大":   {"SIGNATURE_LIMIT", "5000"},
		"提现手续费为负数": {"WITHDRAWAL_COMMISSION", "-0.1"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
