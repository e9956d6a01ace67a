package reconciler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-coinflip/internal/gateway"
)

func balance(index int, owner, mintAddr, amount string) gateway.TokenBalance {
	return gateway.TokenBalance{AccountIndex: index, Owner: owner, Mint: mintAddr, Amount: dec(amount)}
}

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name   string
		tx     *gateway.Transaction
		from   string
		amount string
		reason string
	}{
		{
			name: "普通转入",
			tx: &gateway.Transaction{
				Pre:  []gateway.TokenBalance{balance(1, "alice", mint, "100"), balance(2, custody, mint, "5")},
				Post: []gateway.TokenBalance{balance(1, "alice", mint, "75"), balance(2, custody, mint, "30")},
			},
			from: "alice", amount: "25",
		},
		{
			name: "托管代币账户在本交易中创建",
			tx: &gateway.Transaction{
				Pre:  []gateway.TokenBalance{balance(1, "alice", mint, "10")},
				Post: []gateway.TokenBalance{balance(1, "alice", mint, "0"), balance(3, custody, mint, "10")},
			},
			from: "alice", amount: "10",
		},
		{
			name: "多个转出方取减少最多的",
			tx: &gateway.Transaction{
				Pre: []gateway.TokenBalance{
					balance(1, "fee-payer", mint, "3"), balance(2, "alice", mint, "50"), balance(3, custody, mint, "0"),
				},
				Post: []gateway.TokenBalance{
					balance(1, "fee-payer", mint, "2"), balance(2, "alice", mint, "10"), balance(3, custody, mint, "41"),
				},
			},
			from: "alice", amount: "41",
		},
		{
			name: "托管地址转出",
			tx: &gateway.Transaction{
				Pre:  []gateway.TokenBalance{balance(1, custody, mint, "100"), balance(2, "bob", mint, "0")},
				Post: []gateway.TokenBalance{balance(1, custody, mint, "80"), balance(2, "bob", mint, "20")},
			},
			reason: skipNotInbound,
		},
		{
			name: "其他代币",
			tx: &gateway.Transaction{
				Pre:  []gateway.TokenBalance{balance(1, "alice", "other", "10"), balance(2, custody, "other", "0")},
				Post: []gateway.TokenBalance{balance(1, "alice", "other", "0"), balance(2, custody, "other", "10")},
			},
			reason: skipNotInbound,
		},
		{
			name: "找不到转出方",
			tx: &gateway.Transaction{
				Pre:  []gateway.TokenBalance{balance(2, custody, mint, "0")},
				Post: []gateway.TokenBalance{balance(2, custody, mint, "10")},
			},
			reason: skipNoSender,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transfer, reason := ParseInbound(tt.tx, custody, mint)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, reason)
				assert.Nil(t, transfer)
				return
			}
			require.Empty(t, reason)
			assert.Equal(t, tt.from, transfer.From)
			assert.True(t, transfer.Amount.Equal(dec(tt.amount)), "金额 %s", transfer.Amount)
		})
	}
}

func TestCursorSeenIsBounded(t *testing.T) {
	c := NewCursor(2)
	c.MarkSeen("a")
	c.MarkSeen("b")
	c.MarkSeen("b")
	c.MarkSeen("c")

	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Seen("a"))
	assert.True(t, c.Seen("c"))

	c.Advance("c")
	assert.Equal(t, "c", c.Last())
}
