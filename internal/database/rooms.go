package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"telegram-coinflip/internal/models"
)

const roomColumns = `code, creator_id, stake, is_private, status, duel_id, expires_at, created_at, closed_at`

func scanRoom(row interface{ Scan(...interface{}) error }) (*models.Room, error) {
	r := &models.Room{}
	var duelID sql.NullString
	var closed sql.NullTime
	err := row.Scan(&r.Code, &r.CreatorID, &r.Stake, &r.IsPrivate, &r.Status, &duelID, &r.ExpiresAt, &r.CreatedAt, &closed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.DuelID = stringPtr(duelID)
	r.ClosedAt = timePtr(closed)
	return r, nil
}

// InsertRoomTx 房间码冲突时返回唯一约束错误，由调用方重试
func (db *DB) InsertRoomTx(ctx context.Context, tx *sql.Tx, r *models.Room) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rooms (code, creator_id, stake, is_private, status, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Code, r.CreatorID, r.Stake.String(), r.IsPrivate, string(r.Status), r.ExpiresAt.UTC(), r.CreatedAt.UTC())
	return err
}

func (db *DB) GetRoom(ctx context.Context, q Querier, code string) (*models.Room, error) {
	return scanRoom(q.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE code = ?`, code))
}

// FillRoomTx waiting -> full，仅在未过期时成功，并绑定对局
func (db *DB) FillRoomTx(ctx context.Context, tx *sql.Tx, code, duelID string, now time.Time) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE rooms SET status = ?, duel_id = ?, closed_at = ?
		WHERE code = ? AND status = ? AND expires_at > ?`,
		string(models.RoomFull), duelID, now.UTC(), code, string(models.RoomWaiting), now.UTC())
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// EndRoomTx waiting -> expired | closed
func (db *DB) EndRoomTx(ctx context.Context, tx *sql.Tx, code string, status models.RoomStatus, now time.Time) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE rooms SET status = ?, closed_at = ? WHERE code = ? AND status = ?`,
		string(status), now.UTC(), code, string(models.RoomWaiting))
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// ListExpiredRooms 已过期但仍在等待的房间
func (db *DB) ListExpiredRooms(ctx context.Context, now time.Time) ([]*models.Room, error) {
	return db.listRooms(ctx, `SELECT `+roomColumns+` FROM rooms WHERE status = ? AND expires_at <= ? ORDER BY expires_at`,
		string(models.RoomWaiting), now.UTC())
}

// ListOpenRooms 公开且未过期的房间
func (db *DB) ListOpenRooms(ctx context.Context, now time.Time, limit int) ([]*models.Room, error) {
	return db.listRooms(ctx, `SELECT `+roomColumns+` FROM rooms
		WHERE status = ? AND is_private = 0 AND expires_at > ? ORDER BY created_at DESC LIMIT ?`,
		string(models.RoomWaiting), now.UTC(), limit)
}

func (db *DB) listRooms(ctx context.Context, query string, args ...interface{}) ([]*models.Room, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []*models.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}
