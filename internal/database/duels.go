package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"telegram-coinflip/internal/models"
)

const duelColumns = `id, player1_id, player2_id, stake, status, outcome, winner_id, payout, commission,
	is_house, house_name, room_code, created_at, finished_at`

func scanDuel(row interface{ Scan(...interface{}) error }) (*models.Duel, error) {
	d := &models.Duel{}
	var player2, winner sql.NullInt64
	var outcome, roomCode sql.NullString
	var finished sql.NullTime
	err := row.Scan(&d.ID, &d.Player1ID, &player2, &d.Stake, &d.Status, &outcome, &winner, &d.Payout,
		&d.Commission, &d.IsHouse, &d.HouseName, &roomCode, &d.CreatedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Player2ID = int64Ptr(player2)
	d.WinnerID = int64Ptr(winner)
	d.RoomCode = stringPtr(roomCode)
	d.FinishedAt = timePtr(finished)
	if outcome.Valid {
		side := models.Side(outcome.String)
		d.Outcome = &side
	}
	return d, nil
}

func (db *DB) InsertDuelTx(ctx context.Context, tx *sql.Tx, d *models.Duel) error {
	var player2 sql.NullInt64
	if d.Player2ID != nil {
		player2 = sql.NullInt64{Int64: *d.Player2ID, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO duels (id, player1_id, player2_id, stake, status, is_house, house_name, room_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Player1ID, player2, d.Stake.String(), string(d.Status), d.IsHouse, d.HouseName,
		nullString(d.RoomCode), d.CreatedAt)
	return err
}

// InsertDuel 单独建局，不需要与其他写操作同事务时使用
func (db *DB) InsertDuel(ctx context.Context, d *models.Duel) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		return db.InsertDuelTx(ctx, tx, d)
	})
}

func (db *DB) GetDuel(ctx context.Context, q Querier, id string) (*models.Duel, error) {
	return scanDuel(q.QueryRowContext(ctx, `SELECT `+duelColumns+` FROM duels WHERE id = ?`, id))
}

// FinishDuelTx active -> finished，结果、赢家、派彩和佣金一次写入
func (db *DB) FinishDuelTx(ctx context.Context, tx *sql.Tx, id string, outcome models.Side, winnerID *int64,
	payout, commission decimal.Decimal, now time.Time) error {
	var winner sql.NullInt64
	if winnerID != nil {
		winner = sql.NullInt64{Int64: *winnerID, Valid: true}
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE duels SET status = ?, outcome = ?, winner_id = ?, payout = ?, commission = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		string(models.DuelFinished), string(outcome), winner, payout.String(), commission.String(), now,
		id, string(models.DuelActive))
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// CancelDuelTx waiting|active -> cancelled
func (db *DB) CancelDuelTx(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE duels SET status = ?, finished_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(models.DuelCancelled), now, id, string(models.DuelWaiting), string(models.DuelActive))
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// ListDuels 按状态查询，house<0 表示不过滤
func (db *DB) ListDuels(ctx context.Context, status models.DuelStatus, house int, limit int) ([]*models.Duel, error) {
	query := `SELECT ` + duelColumns + ` FROM duels WHERE status = ?`
	args := []interface{}{string(status)}
	if house >= 0 {
		query += ` AND is_house = ?`
		args = append(args, house == 1)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var duels []*models.Duel
	for rows.Next() {
		d, err := scanDuel(rows)
		if err != nil {
			return nil, err
		}
		duels = append(duels, d)
	}
	return duels, rows.Err()
}
