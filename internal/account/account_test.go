package account

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-coinflip/internal/database"
	"telegram-coinflip/internal/logger"
)

func testAddress(b byte) string {
	return base58.Encode(bytes.Repeat([]byte{b}, 32))
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := database.Init(filepath.Join(t.TempDir(), "account.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewService(db, logger.NewNop())
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress(testAddress(7)))
	assert.ErrorIs(t, ValidateAddress("short"), ErrInvalidAddress)
	assert.ErrorIs(t, ValidateAddress("0OIl0OIl0OIl0OIl0OIl0OIl0OIl0OIl0OIl"), ErrInvalidAddress)
	assert.ErrorIs(t, ValidateAddress(base58.Encode(bytes.Repeat([]byte{9}, 31))), ErrInvalidAddress)
}

func TestRegisterIsIdempotent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	first, err := s.Register(ctx, 42, "alice", testAddress(1))
	require.NoError(t, err)
	second, err := s.Register(ctx, 42, "alice-again", testAddress(2))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, testAddress(1), *second.PayoutAddress)

	history, err := s.AddressHistory(ctx, first.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].OldAddress)
}

func TestChangePayoutAddressKeepsHistory(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	acc, err := s.Register(ctx, 1, "bob", testAddress(1))
	require.NoError(t, err)
	_, err = s.Register(ctx, 2, "carol", testAddress(3))
	require.NoError(t, err)

	updated, err := s.ChangePayoutAddress(ctx, acc.ID, testAddress(2))
	require.NoError(t, err)
	assert.Equal(t, testAddress(2), *updated.PayoutAddress)
	assert.NotNil(t, updated.AddressUpdatedAt)

	_, err = s.ChangePayoutAddress(ctx, acc.ID, testAddress(3))
	assert.ErrorIs(t, err, ErrAddressInUse)

	history, err := s.AddressHistory(ctx, acc.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, testAddress(2), history[0].NewAddress)
	require.NotNil(t, history[0].OldAddress)
	assert.Equal(t, testAddress(1), *history[0].OldAddress)

	found, err := s.ByPayoutAddress(ctx, testAddress(2))
	require.NoError(t, err)
	assert.Equal(t, acc.ID, found.ID)
	_, err = s.ByPayoutAddress(ctx, testAddress(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeactivatedAccountNotResolvedByAddress(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	acc, err := s.Register(ctx, 5, "", testAddress(5))
	require.NoError(t, err)
	require.NoError(t, s.Deactivate(ctx, acc.ID))

	_, err = s.ByPayoutAddress(ctx, testAddress(5))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Deactivate(ctx, 12345), ErrNotFound)
}

func TestShortAddress(t *testing.T) {
	assert.Equal(t, "abc", ShortAddress("abc"))
	assert.Equal(t, "12345678...wxyz", ShortAddress("12345678abcdefghijklmnopwxyz"))
}
