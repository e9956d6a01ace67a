package validator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrStakeOutOfRange = errors.New("下注金额超出范围")
	ErrTooFrequent     = errors.New("操作过于频繁，请稍后再试")
)

// StakeValidator 下注金额校验与账户级操作频率限制。
// 余额是否足够由账本扣款时原子判断，这里不做预检。
type StakeValidator struct {
	minStake decimal.Decimal
	maxStake decimal.Decimal

	mutex sync.Mutex
	// 账户最近一次操作时间
	userOperations    map[int64]time.Time
	operationInterval time.Duration
	now               func() time.Time
}

func NewStakeValidator(minStake, maxStake decimal.Decimal, interval time.Duration) *StakeValidator {
	return &StakeValidator{
		minStake:          minStake,
		maxStake:          maxStake,
		userOperations:    make(map[int64]time.Time),
		operationInterval: interval,
		now:               time.Now,
	}
}

// ValidateStake 校验金额在 [min, max] 内
func (v *StakeValidator) ValidateStake(stake decimal.Decimal) error {
	if stake.LessThan(v.minStake) || stake.GreaterThan(v.maxStake) {
		return fmt.Errorf("%w: %s 不在 %s - %s 之间", ErrStakeOutOfRange, stake, v.minStake, v.maxStake)
	}
	return nil
}

// Acquire 记录一次操作；距上次操作不足间隔时拒绝
func (v *StakeValidator) Acquire(accountID int64) error {
	if v.operationInterval <= 0 {
		return nil
	}

	v.mutex.Lock()
	defer v.mutex.Unlock()

	now := v.now()
	if last, exists := v.userOperations[accountID]; exists && now.Sub(last) < v.operationInterval {
		return ErrTooFrequent
	}
	v.userOperations[accountID] = now
	return nil
}

// Validate 组合校验，供下注入口使用
func (v *StakeValidator) Validate(accountID int64, stake decimal.Decimal) error {
	if err := v.ValidateStake(stake); err != nil {
		return err
	}
	return v.Acquire(accountID)
}

// CleanupOldRecords 清理过期的操作记录，返回清理条数
func (v *StakeValidator) CleanupOldRecords() int {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	cutoff := v.now().Add(-10 * v.operationInterval)
	removed := 0
	for accountID, last := range v.userOperations {
		if last.Before(cutoff) {
			delete(v.userOperations, accountID)
			removed++
		}
	}
	return removed
}

// Tracked 当前记录的账户数
func (v *StakeValidator) Tracked() int {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return len(v.userOperations)
}
