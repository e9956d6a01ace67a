package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"telegram-coinflip/internal/models"
)

const accountColumns = `id, telegram_id, username, payout_address, balance, held, total_games, wins,
	total_wagered, total_won, is_active, is_system, address_updated_at, created_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (*models.Account, error) {
	a := &models.Account{}
	var address sql.NullString
	var addressUpdated sql.NullTime
	err := row.Scan(
		&a.ID, &a.TelegramID, &a.Username, &address, &a.Balance, &a.Held, &a.TotalGames, &a.Wins,
		&a.TotalWagered, &a.TotalWon, &a.IsActive, &a.IsSystem, &addressUpdated, &a.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.PayoutAddress = stringPtr(address)
	a.AddressUpdatedAt = timePtr(addressUpdated)
	return a, nil
}

// GetAccount 按内部ID读取账户；q 可以是事务
func (db *DB) GetAccount(ctx context.Context, q Querier, id int64) (*models.Account, error) {
	return scanAccount(q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
}

func (db *DB) GetAccountByTelegramID(ctx context.Context, telegramID int64) (*models.Account, error) {
	return scanAccount(db.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE telegram_id = ?`, telegramID))
}

// GetAccountByPayoutAddress 只匹配当前启用账户的收款地址
func (db *DB) GetAccountByPayoutAddress(ctx context.Context, address string) (*models.Account, error) {
	return scanAccount(db.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE payout_address = ? AND is_active = 1 AND is_system = 0`, address))
}

// InsertAccountTx 创建账户，返回内部ID
func (db *DB) InsertAccountTx(ctx context.Context, tx *sql.Tx, telegramID int64, username string, address *string, now time.Time) (int64, error) {
	var updated sql.NullTime
	if address != nil {
		updated = sql.NullTime{Time: now, Valid: true}
	}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (telegram_id, username, payout_address, address_updated_at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		telegramID, username, nullString(address), updated, now)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// UpdateBalanceTx 写入余额与冻结金额，拒绝负数
func (db *DB) UpdateBalanceTx(ctx context.Context, tx *sql.Tx, accountID int64, balance, held decimal.Decimal) error {
	if balance.IsNegative() || held.IsNegative() || held.GreaterThan(balance) {
		return errors.New("余额不能为负数")
	}
	result, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = ?, held = ? WHERE id = ?`,
		balance.String(), held.String(), accountID)
	if err != nil {
		return err
	}
	if err := expectOneRow(result); err != nil {
		return ErrNotFound
	}
	return nil
}

// UpdateStatsTx 累加对局统计
func (db *DB) UpdateStatsTx(ctx context.Context, tx *sql.Tx, accountID int64, won bool, wagered, wonAmount decimal.Decimal) error {
	acc, err := db.GetAccount(ctx, tx, accountID)
	if err != nil {
		return err
	}
	wins := acc.Wins
	if won {
		wins++
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET total_games = ?, wins = ?, total_wagered = ?, total_won = ? WHERE id = ?`,
		acc.TotalGames+1, wins, acc.TotalWagered.Add(wagered).String(), acc.TotalWon.Add(wonAmount).String(), accountID)
	return err
}

func (db *DB) UpdatePayoutAddressTx(ctx context.Context, tx *sql.Tx, accountID int64, address string, now time.Time) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE accounts SET payout_address = ?, address_updated_at = ? WHERE id = ?`, address, now, accountID)
	if err != nil {
		return err
	}
	if err := expectOneRow(result); err != nil {
		return ErrNotFound
	}
	return nil
}

func (db *DB) InsertAddressChangeTx(ctx context.Context, tx *sql.Tx, accountID int64, oldAddress *string, newAddress string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO address_changes (account_id, old_address, new_address, changed_at) VALUES (?, ?, ?, ?)`,
		accountID, nullString(oldAddress), newAddress, now)
	return err
}

// AddressHistory 最近的地址变更，新的在前
func (db *DB) AddressHistory(ctx context.Context, accountID int64, limit int) ([]*models.AddressChange, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, account_id, old_address, new_address, changed_at
		FROM address_changes WHERE account_id = ? ORDER BY changed_at DESC, id DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*models.AddressChange
	for rows.Next() {
		c := &models.AddressChange{}
		var old sql.NullString
		if err := rows.Scan(&c.ID, &c.AccountID, &old, &c.NewAddress, &c.ChangedAt); err != nil {
			return nil, err
		}
		c.OldAddress = stringPtr(old)
		history = append(history, c)
	}
	return history, rows.Err()
}

func (db *DB) SetAccountActive(ctx context.Context, accountID int64, active bool) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE accounts SET is_active = ? WHERE id = ? AND is_system = 0`, active, accountID)
	if err != nil {
		return err
	}
	if err := expectOneRow(result); err != nil {
		return ErrNotFound
	}
	return nil
}
