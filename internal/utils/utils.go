package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RoomCodeLength 房间码长度
const RoomCodeLength = 6

// GenerateRoomCode 生成6位大写字母数字房间码
func GenerateRoomCode() (string, error) {
	code := make([]byte, RoomCodeLength)
	for i := range code {
		n, err := SecureRandomInt(int64(len(roomCodeAlphabet)))
		if err != nil {
			return "", err
		}
		code[i] = roomCodeAlphabet[n]
	}
	return string(code), nil
}

// FormatAmount 格式化金额显示，保留两位小数
func FormatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}

// CalculateCommission 计算手续费
func CalculateCommission(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate)
}

// SecureRandomInt 生成 [0, max) 内的安全随机整数
func SecureRandomInt(max int64) (int64, error) {
	if max <= 0 {
		return 0, fmt.Errorf("随机数上限必须大于0: %d", max)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}

// RandomChoice 从列表中安全随机选一个
func RandomChoice(items []string) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("候选列表为空")
	}
	i, err := SecureRandomInt(int64(len(items)))
	if err != nil {
		return "", err
	}
	return items[i], nil
}
