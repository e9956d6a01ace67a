package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"telegram-coinflip/internal/models"
)

const entryColumns = `id, account_id, kind, amount, status, ext_ref, duel_id, address, description, reason, created_at, settled_at`

func scanEntry(row interface{ Scan(...interface{}) error }) (*models.LedgerEntry, error) {
	e := &models.LedgerEntry{}
	var extRef, duelID, address sql.NullString
	var settled sql.NullTime
	err := row.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Amount, &e.Status, &extRef, &duelID, &address,
		&e.Description, &e.Reason, &e.CreatedAt, &settled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.ExtRef = stringPtr(extRef)
	e.DuelID = stringPtr(duelID)
	e.Address = stringPtr(address)
	e.SettledAt = timePtr(settled)
	return e, nil
}

func (db *DB) InsertEntryTx(ctx context.Context, tx *sql.Tx, e *models.LedgerEntry) error {
	var settled sql.NullTime
	if e.SettledAt != nil {
		settled = sql.NullTime{Time: *e.SettledAt, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, string(e.Kind), e.Amount.String(), string(e.Status),
		nullString(e.ExtRef), nullString(e.DuelID), nullString(e.Address),
		e.Description, e.Reason, e.CreatedAt, settled)
	return err
}

func (db *DB) GetEntry(ctx context.Context, q Querier, id string) (*models.LedgerEntry, error) {
	return scanEntry(q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id))
}

// SettlePendingEntryTx 待处理流水进入终态，只允许一次
func (db *DB) SettlePendingEntryTx(ctx context.Context, tx *sql.Tx, id string, status models.EntryStatus, extRef *string, reason string, now time.Time) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_entries SET status = ?, ext_ref = COALESCE(?, ext_ref), reason = ?, settled_at = ?
		WHERE id = ? AND status = ?`,
		string(status), nullString(extRef), reason, now, id, string(models.EntryPending))
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// ExternalRefExists 外部链上引用是否已入账
func (db *DB) ExternalRefExists(ctx context.Context, q Querier, ref string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM ledger_entries WHERE ext_ref = ?`, ref).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListEntries 账户流水，新的在前；limit<=0 时返回全部
func (db *DB) ListEntries(ctx context.Context, accountID int64, limit int) ([]*models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = ? ORDER BY created_at DESC, rowid DESC`
	args := []interface{}{accountID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (db *DB) ListDuelEntries(ctx context.Context, duelID string) ([]*models.LedgerEntry, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE duel_id = ? ORDER BY rowid`, duelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetEntryByExtRef 按外部引用查流水
func (db *DB) GetEntryByExtRef(ctx context.Context, q Querier, ref string) (*models.LedgerEntry, error) {
	return scanEntry(q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE ext_ref = ?`, ref))
}

// AttachExternalRef 给尚未结算的流水记下外部引用
func (db *DB) AttachExternalRef(ctx context.Context, id, ref string) error {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE ledger_entries SET ext_ref = ?
		WHERE id = ? AND status = ? AND ext_ref IS NULL`,
		ref, id, string(models.EntryPending))
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// ListPendingEntries 指定类型、创建早于 before 的待处理流水，旧的在前
func (db *DB) ListPendingEntries(ctx context.Context, kind models.EntryKind, before time.Time) ([]*models.LedgerEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE kind = ? AND status = ? AND created_at < ?
		ORDER BY created_at, rowid`,
		string(kind), string(models.EntryPending), before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LatestExternalRef 某类已完成流水中最近入账的外部引用，没有时返回空串
func (db *DB) LatestExternalRef(ctx context.Context, kind models.EntryKind) (string, error) {
	var ref string
	err := db.conn.QueryRowContext(ctx, `
		SELECT ext_ref FROM ledger_entries
		WHERE kind = ? AND status = ? AND ext_ref IS NOT NULL
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		string(kind), string(models.EntryCompleted)).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return ref, err
}
