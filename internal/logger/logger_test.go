package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesDailyFiles(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir)
	require.NoError(t, err)

	l.InfoWithContext("LEDGER", "入账 %s", "42")
	l.Error("失败: %v", "boom")
	l.LogLedgerAction(7, "deposit", decimal.RequireFromString("25"), "sig")
	require.NoError(t, l.Close())
	// 重复关闭不应报错
	require.NoError(t, l.Close())

	date := time.Now().Format("2006-01-02")
	info, err := os.ReadFile(filepath.Join(dir, "info_"+date+".log"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(info), "[LEDGER] 入账 42"))
	assert.True(t, strings.Contains(string(info), "账户 7 deposit 25 - sig"))

	errLog, err := os.ReadFile(filepath.Join(dir, "error_"+date+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(errLog), "失败: boom")
}

func TestCleanupRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "info_2000-01-01.log")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0644))
	past := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	l, err := NewLogger(dir)
	require.NoError(t, err)
	defer l.Close()

	l.cleanupOldLogs()
	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}
