// Package gateway defines the only surface through which the rest of the
// system touches the chain.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable 链上服务暂不可用（网络、限流、节点错误），调用方退避重试
	ErrUnavailable = errors.New("链上服务不可用")
	// ErrTransactionNotFound 节点尚未返回该交易
	ErrTransactionNotFound = errors.New("链上交易不存在")
	// ErrSendDisabled 未配置托管私钥，无法出款
	ErrSendDisabled = errors.New("未配置出款私钥")
	// ErrNoTokenAccount 收款方没有该代币账户
	ErrNoTokenAccount = errors.New("收款地址没有代币账户")
	// ErrExecutionFailed 交易已上链但执行失败，资金未转出
	ErrExecutionFailed = errors.New("链上交易执行失败")
)

// SignatureInfo 地址相关的一条交易签名
type SignatureInfo struct {
	Signature string
	Slot      uint64
	// Failed 交易在链上执行失败
	Failed    bool
	BlockTime *time.Time
}

// Page 签名分页条件
type Page struct {
	Until  string
	Before string
	Limit  int
}

// TokenBalance 交易前后某个代币账户的余额
type TokenBalance struct {
	AccountIndex int
	Account      string
	Mint         string
	Owner        string
	Amount       decimal.Decimal
}

type Transaction struct {
	Signature string
	Slot      uint64
	Failed    bool
	Pre       []TokenBalance
	Post      []TokenBalance
}

// Chain 读取托管地址的链上记录
type Chain interface {
	// Signatures 按时间倒序返回签名：比 until 新、比 before 旧（为空表示不限），最多 limit 条
	Signatures(ctx context.Context, address string, page Page) ([]SignatureInfo, error)
	Transaction(ctx context.Context, signature string) (*Transaction, error)
}

// Sender 从托管地址转出平台代币
type Sender interface {
	SendToken(ctx context.Context, toOwner string, amount decimal.Decimal) (string, error)
}

// SendStatus 已提交转账的链上状态
type SendStatus string

const (
	StatusNotFound  SendStatus = "not_found"
	StatusPending   SendStatus = "pending"
	StatusConfirmed SendStatus = "confirmed"
	StatusFailed    SendStatus = "failed"
)

// StatusChecker 查询已提交转账的最终结果，用于核实未确认的出款
type StatusChecker interface {
	SignatureStatus(ctx context.Context, signature string) (SendStatus, error)
}

type Gateway interface {
	Chain
	Sender
}
