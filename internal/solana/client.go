// Package solana implements the payment gateway over Solana JSON-RPC.
package solana

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"telegram-coinflip/internal/gateway"
	"telegram-coinflip/internal/logger"
	"telegram-coinflip/internal/network"
)

const (
	commitmentFinalized = "finalized"
	commitmentConfirmed = "confirmed"
)

type Config struct {
	RPCURL     string
	Custodial  string
	PrivateKey string // base58 编码的64字节私钥，为空时禁止出款
	Mint       string
	Decimals   int32

	ConfirmTimeout  time.Duration
	ConfirmInterval time.Duration
	HTTPClient      *http.Client
	Retry           *network.RetryConfig
}

// RPCError 节点返回的业务错误
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type Client struct {
	rpc       *network.RetryableHTTPClient
	url       string
	custodial string
	mint      string
	decimals  int32
	key       ed25519.PrivateKey

	confirmTimeout  time.Duration
	confirmInterval time.Duration

	logger *logger.Logger
	nextID int64
}

func New(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("SOLANA_RPC_URL 不能为空")
	}
	c := &Client{
		rpc:             network.NewRetryableHTTPClient(cfg.HTTPClient, cfg.Retry),
		url:             cfg.RPCURL,
		custodial:       cfg.Custodial,
		mint:            cfg.Mint,
		decimals:        cfg.Decimals,
		confirmTimeout:  cfg.ConfirmTimeout,
		confirmInterval: cfg.ConfirmInterval,
		logger:          log,
	}
	if c.confirmTimeout <= 0 {
		c.confirmTimeout = 60 * time.Second
	}
	if c.confirmInterval <= 0 {
		c.confirmInterval = 2 * time.Second
	}

	if cfg.PrivateKey != "" {
		raw, err := base58.Decode(cfg.PrivateKey)
		if err != nil || len(raw) != ed25519.PrivateKeySize {
			return nil, errors.New("CUSTODIAL_PRIVATE_KEY 格式错误")
		}
		c.key = ed25519.PrivateKey(raw)
		owner := base58.Encode(c.key.Public().(ed25519.PublicKey))
		if c.custodial == "" {
			c.custodial = owner
		} else if c.custodial != owner {
			return nil, fmt.Errorf("私钥与托管地址不匹配: %s", owner)
		}
	}
	if c.custodial == "" {
		return nil, errors.New("CUSTODIAL_ADDRESS 不能为空")
	}
	return c, nil
}

// Custodial 托管地址
func (c *Client) Custodial() string {
	return c.custodial
}

// CanSend 是否配置了出款私钥
func (c *Client) CanSend() bool {
	return c.key != nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call 发起一次 JSON-RPC 调用；网络层失败统一归为 gateway.ErrUnavailable
func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      atomic.AddInt64(&c.nextID, 1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	resp, err := c.rpc.PostWithRetry(ctx, c.url, "application/json", body)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", gateway.ErrUnavailable, method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: 读取响应失败: %v", gateway.ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s HTTP %d", gateway.ErrUnavailable, method, resp.StatusCode)
	}

	var r rpcResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("%w: 响应解析失败: %v", gateway.ErrUnavailable, err)
	}
	if r.Error != nil {
		return fmt.Errorf("%s: %w", method, r.Error)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(r.Result, out)
}

type signatureResult struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	Err       json.RawMessage `json:"err"`
	BlockTime *int64          `json:"blockTime"`
}

// Signatures 获取 address 上 (until, before) 区间内的签名（倒序）
func (c *Client) Signatures(ctx context.Context, address string, page gateway.Page) ([]gateway.SignatureInfo, error) {
	opts := map[string]interface{}{
		"limit":      page.Limit,
		"commitment": commitmentFinalized,
	}
	if page.Until != "" {
		opts["until"] = page.Until
	}
	if page.Before != "" {
		opts["before"] = page.Before
	}

	var results []signatureResult
	if err := c.call(ctx, "getSignaturesForAddress", []interface{}{address, opts}, &results); err != nil {
		return nil, err
	}

	infos := make([]gateway.SignatureInfo, 0, len(results))
	for _, r := range results {
		info := gateway.SignatureInfo{
			Signature: r.Signature,
			Slot:      r.Slot,
			Failed:    isSet(r.Err),
		}
		if r.BlockTime != nil {
			t := time.Unix(*r.BlockTime, 0).UTC()
			info.BlockTime = &t
		}
		infos = append(infos, info)
	}
	return infos, nil
}

type uiTokenAmount struct {
	Amount   string `json:"amount"`
	Decimals int32  `json:"decimals"`
}

type tokenBalanceResult struct {
	AccountIndex  int           `json:"accountIndex"`
	Mint          string        `json:"mint"`
	Owner         string        `json:"owner"`
	UITokenAmount uiTokenAmount `json:"uiTokenAmount"`
}

type accountKey struct {
	Pubkey string `json:"pubkey"`
}

type transactionResult struct {
	Slot uint64 `json:"slot"`
	Meta *struct {
		Err               json.RawMessage      `json:"err"`
		PreTokenBalances  []tokenBalanceResult `json:"preTokenBalances"`
		PostTokenBalances []tokenBalanceResult `json:"postTokenBalances"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []accountKey `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

func (c *Client) Transaction(ctx context.Context, signature string) (*gateway.Transaction, error) {
	var result *transactionResult
	err := c.call(ctx, "getTransaction", []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "jsonParsed",
			"commitment":                     commitmentFinalized,
			"maxSupportedTransactionVersion": 0,
		},
	}, &result)
	if err != nil {
		return nil, err
	}
	if result == nil || result.Meta == nil {
		return nil, fmt.Errorf("%w: %s", gateway.ErrTransactionNotFound, signature)
	}

	keys := result.Transaction.Message.AccountKeys
	convert := func(in []tokenBalanceResult) ([]gateway.TokenBalance, error) {
		out := make([]gateway.TokenBalance, 0, len(in))
		for _, b := range in {
			amount, err := decimal.NewFromString(b.UITokenAmount.Amount)
			if err != nil {
				return nil, fmt.Errorf("代币数量格式错误 %q: %w", b.UITokenAmount.Amount, err)
			}
			tb := gateway.TokenBalance{
				AccountIndex: b.AccountIndex,
				Mint:         b.Mint,
				Owner:        b.Owner,
				Amount:       amount.Shift(-b.UITokenAmount.Decimals),
			}
			if b.AccountIndex >= 0 && b.AccountIndex < len(keys) {
				tb.Account = keys[b.AccountIndex].Pubkey
			}
			out = append(out, tb)
		}
		return out, nil
	}

	tx := &gateway.Transaction{
		Signature: signature,
		Slot:      result.Slot,
		Failed:    isSet(result.Meta.Err),
	}
	if tx.Pre, err = convert(result.Meta.PreTokenBalances); err != nil {
		return nil, err
	}
	if tx.Post, err = convert(result.Meta.PostTokenBalances); err != nil {
		return nil, err
	}
	return tx, nil
}

// isSet JSON 字段存在且不为 null
func isSet(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

var (
	_ gateway.Gateway       = (*Client)(nil)
	_ gateway.StatusChecker = (*Client)(nil)
)
