package solana

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"telegram-coinflip/internal/gateway"
)

// TokenProgramID SPL Token 程序
const TokenProgramID = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

const instructionTransferChecked = 12

var ErrNotConfirmed = errors.New("交易未在超时前确认")

// SendToken 从托管代币账户向 toOwner 的代币账户转账并等待确认
func (c *Client) SendToken(ctx context.Context, toOwner string, amount decimal.Decimal) (string, error) {
	if c.key == nil {
		return "", gateway.ErrSendDisabled
	}
	units, err := c.toUnits(amount)
	if err != nil {
		return "", err
	}

	source, err := c.tokenAccount(ctx, c.custodial)
	if err != nil {
		return "", fmt.Errorf("托管代币账户: %w", err)
	}
	dest, err := c.tokenAccount(ctx, toOwner)
	if err != nil {
		return "", fmt.Errorf("收款代币账户: %w", err)
	}
	blockhash, err := c.latestBlockhash(ctx)
	if err != nil {
		return "", err
	}

	keys, err := decodeKeys(c.custodial, source, dest, c.mint, TokenProgramID, blockhash)
	if err != nil {
		return "", err
	}
	message := buildTransferMessage(keys[0], keys[1], keys[2], keys[3], keys[4], keys[5], units, uint8(c.decimals))
	raw := signTransaction(c.key, message)

	var signature string
	err = c.call(ctx, "sendTransaction", []interface{}{
		base64.StdEncoding.EncodeToString(raw),
		map[string]interface{}{
			"encoding":            "base64",
			"preflightCommitment": commitmentConfirmed,
		},
	}, &signature)
	if err != nil {
		return "", err
	}
	c.logger.LogChainAction("提交转账", fmt.Sprintf("%s -> %s %s", signature, toOwner, amount))

	if err := c.waitConfirmed(ctx, signature); err != nil {
		return signature, err
	}
	c.logger.LogChainAction("转账确认", signature)
	return signature, nil
}

// toUnits 转换为代币最小单位，超出精度的金额拒绝
func (c *Client) toUnits(amount decimal.Decimal) (uint64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("转账金额必须大于0: %s", amount)
	}
	shifted := amount.Shift(c.decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("金额 %s 超出代币精度 %d", amount, c.decimals)
	}
	return uint64(shifted.IntPart()), nil
}

type tokenAccountsResult struct {
	Value []struct {
		Pubkey string `json:"pubkey"`
	} `json:"value"`
}

// tokenAccount 查询 owner 持有的平台代币账户
func (c *Client) tokenAccount(ctx context.Context, owner string) (string, error) {
	var result tokenAccountsResult
	err := c.call(ctx, "getTokenAccountsByOwner", []interface{}{
		owner,
		map[string]string{"mint": c.mint},
		map[string]string{"encoding": "jsonParsed", "commitment": commitmentConfirmed},
	}, &result)
	if err != nil {
		return "", err
	}
	if len(result.Value) == 0 {
		return "", fmt.Errorf("%w: %s", gateway.ErrNoTokenAccount, owner)
	}
	return result.Value[0].Pubkey, nil
}

func (c *Client) latestBlockhash(ctx context.Context) (string, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	err := c.call(ctx, "getLatestBlockhash", []interface{}{
		map[string]string{"commitment": commitmentFinalized},
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Value.Blockhash, nil
}

type signatureStatus struct {
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// SignatureStatus 查询一笔已提交交易的状态，包括历史记录
func (c *Client) SignatureStatus(ctx context.Context, signature string) (gateway.SendStatus, error) {
	status, err := c.signatureStatus(ctx, signature, true)
	if err != nil {
		return "", err
	}
	switch {
	case status == nil:
		return gateway.StatusNotFound, nil
	case isSet(status.Err):
		return gateway.StatusFailed, nil
	case status.ConfirmationStatus == commitmentConfirmed || status.ConfirmationStatus == commitmentFinalized:
		return gateway.StatusConfirmed, nil
	default:
		return gateway.StatusPending, nil
	}
}

func (c *Client) signatureStatus(ctx context.Context, signature string, history bool) (*signatureStatus, error) {
	params := []interface{}{[]string{signature}}
	if history {
		params = append(params, map[string]bool{"searchTransactionHistory": true})
	}
	var result struct {
		Value []*signatureStatus `json:"value"`
	}
	if err := c.call(ctx, "getSignatureStatuses", params, &result); err != nil {
		return nil, err
	}
	if len(result.Value) != 1 {
		return nil, nil
	}
	return result.Value[0], nil
}

func (c *Client) waitConfirmed(ctx context.Context, signature string) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.confirmInterval)
	defer ticker.Stop()

	for {
		status, err := c.signatureStatus(ctx, signature, false)
		if err == nil && status != nil {
			if isSet(status.Err) {
				return fmt.Errorf("%w: %s", gateway.ErrExecutionFailed, string(status.Err))
			}
			if status.ConfirmationStatus == commitmentConfirmed || status.ConfirmationStatus == commitmentFinalized {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrNotConfirmed, signature)
		case <-ticker.C:
		}
	}
}

func decodeKeys(values ...string) ([][]byte, error) {
	out := make([][]byte, len(values))
	for i, v := range values {
		raw, err := base58.Decode(v)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("无效的公钥或区块哈希: %q", v)
		}
		out[i] = raw
	}
	return out, nil
}

// buildTransferMessage 组装只含一条 transferChecked 指令的 legacy 消息。
// 账户顺序: owner(签名,可写) source dest(可写) mint program(只读)
func buildTransferMessage(owner, source, dest, mint, program, blockhash []byte, units uint64, decimals uint8) []byte {
	msg := []byte{1, 0, 2}

	msg = appendCompactU16(msg, 5)
	for _, key := range [][]byte{owner, source, dest, mint, program} {
		msg = append(msg, key...)
	}
	msg = append(msg, blockhash...)

	data := make([]byte, 10)
	data[0] = instructionTransferChecked
	binary.LittleEndian.PutUint64(data[1:9], units)
	data[9] = decimals

	msg = appendCompactU16(msg, 1)
	msg = append(msg, 4)
	msg = appendCompactU16(msg, 4)
	msg = append(msg, 1, 3, 2, 0)
	msg = appendCompactU16(msg, len(data))
	msg = append(msg, data...)
	return msg
}

func signTransaction(key ed25519.PrivateKey, message []byte) []byte {
	sig := ed25519.Sign(key, message)
	raw := appendCompactU16(nil, 1)
	raw = append(raw, sig...)
	return append(raw, message...)
}

// appendCompactU16 Solana 的变长长度编码
func appendCompactU16(b []byte, n int) []byte {
	v := uint16(n)
	for {
		elem := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, elem)
		}
		b = append(b, elem|0x80)
	}
}
