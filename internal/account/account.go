package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mr-tron/base58"

	"telegram-coinflip/internal/database"
	"telegram-coinflip/internal/logger"
	"telegram-coinflip/internal/models"
)

var (
	ErrInvalidAddress = errors.New("无效的钱包地址")
	ErrAddressInUse   = errors.New("该钱包地址已被其他账户绑定")
	ErrNotFound       = errors.New("账户不存在")
)

// ValidateAddress Solana 地址为 base58 编码的32字节公钥
func ValidateAddress(address string) error {
	if len(address) < 32 || len(address) > 44 {
		return fmt.Errorf("%w: 长度 %d", ErrInvalidAddress, len(address))
	}
	raw, err := base58.Decode(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("%w: 解码后 %d 字节", ErrInvalidAddress, len(raw))
	}
	return nil
}

// Service 账户注册与收款地址管理
type Service struct {
	db     *database.DB
	logger *logger.Logger
}

func NewService(db *database.DB, log *logger.Logger) *Service {
	return &Service{db: db, logger: log}
}

// Register 按Telegram ID注册，已存在时直接返回原账户
func (s *Service) Register(ctx context.Context, telegramID int64, username, payoutAddress string) (*models.Account, error) {
	if existing, err := s.db.GetAccountByTelegramID(ctx, telegramID); err == nil {
		return existing, nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	var address *string
	if payoutAddress != "" {
		if err := ValidateAddress(payoutAddress); err != nil {
			return nil, err
		}
		address = &payoutAddress
	}

	now := time.Now().UTC()
	var id int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.db.InsertAccountTx(ctx, tx, telegramID, username, address, now)
		if err != nil {
			return err
		}
		if address != nil {
			return s.db.InsertAddressChangeTx(ctx, tx, id, nil, *address, now)
		}
		return nil
	})
	if database.IsUniqueViolation(err) {
		// 并发注册或地址冲突
		if existing, getErr := s.db.GetAccountByTelegramID(ctx, telegramID); getErr == nil {
			return existing, nil
		}
		return nil, ErrAddressInUse
	}
	if err != nil {
		return nil, fmt.Errorf("创建账户失败: %w", err)
	}

	s.logger.InfoWithContext("ACCOUNT", "✅ 新账户 %d (telegram %d)", id, telegramID)
	return s.Get(ctx, id)
}

// ChangePayoutAddress 同一事务内写历史并更新地址
func (s *Service) ChangePayoutAddress(ctx context.Context, accountID int64, newAddress string) (*models.Account, error) {
	if err := ValidateAddress(newAddress); err != nil {
		return nil, err
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		acc, err := s.db.GetAccount(ctx, tx, accountID)
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if acc.IsSystem {
			return ErrNotFound
		}
		if acc.PayoutAddress != nil && *acc.PayoutAddress == newAddress {
			return nil
		}

		now := time.Now().UTC()
		if err := s.db.InsertAddressChangeTx(ctx, tx, accountID, acc.PayoutAddress, newAddress, now); err != nil {
			return err
		}
		return s.db.UpdatePayoutAddressTx(ctx, tx, accountID, newAddress, now)
	})
	if database.IsUniqueViolation(err) {
		return nil, ErrAddressInUse
	}
	if err != nil {
		return nil, err
	}

	s.logger.InfoWithContext("ACCOUNT", "✅ 账户 %d 更新收款地址 %s", accountID, ShortAddress(newAddress))
	return s.Get(ctx, accountID)
}

func (s *Service) Get(ctx context.Context, accountID int64) (*models.Account, error) {
	acc, err := s.db.GetAccount(ctx, s.db.Conn(), accountID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotFound
	}
	return acc, err
}

func (s *Service) ByTelegramID(ctx context.Context, telegramID int64) (*models.Account, error) {
	acc, err := s.db.GetAccountByTelegramID(ctx, telegramID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotFound
	}
	return acc, err
}

// ByPayoutAddress 按链上钱包（owner）反查账户
func (s *Service) ByPayoutAddress(ctx context.Context, address string) (*models.Account, error) {
	acc, err := s.db.GetAccountByPayoutAddress(ctx, address)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotFound
	}
	return acc, err
}

func (s *Service) AddressHistory(ctx context.Context, accountID int64, limit int) ([]*models.AddressChange, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.db.AddressHistory(ctx, accountID, limit)
}

// Deactivate 软停用，账户与流水保留
func (s *Service) Deactivate(ctx context.Context, accountID int64) error {
	if err := s.db.SetAccountActive(ctx, accountID, false); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	s.logger.InfoWithContext("ACCOUNT", "⚠️ 账户 %d 已停用", accountID)
	return nil
}

// ShortAddress 展示用缩写
func ShortAddress(address string) string {
	if len(address) <= 12 {
		return address
	}
	return address[:8] + "..." + address[len(address)-4:]
}
