package store

import (
	"context"
	"database/sql"
	"errors"

	"go-cim/internal/models"
)

// TalkStore 负责会话身份解析与惰性创建。
// 单聊会话以 (user_min, user_max) 规范化存储，(A,B) 与 (B,A) 解析到同一会话；
// 群聊会话以 group_id 唯一。"尚无会话"不是错误，由 (id, ok, err) 三元组表达。
type TalkStore struct{ DB *sql.DB }

func NewTalkStore(db *sql.DB) *TalkStore { return &TalkStore{DB: db} }

// CanonicalPair 规范化单聊用户对的顺序。
func CanonicalPair(a, b uint64) (uint64, uint64) {
	if a > b {
		return b, a
	}
	return a, b
}

// GetSingleTalkID 解析单聊会话；ok=false 表示两人之间尚无会话。
func (s *TalkStore) GetSingleTalkID(ctx context.Context, userA, userB uint64) (uint64, bool, error) {
	lo, hi := CanonicalPair(userA, userB)
	var id uint64
	err := s.DB.QueryRowContext(ctx,
		`SELECT id FROM im_talk WHERE talk_mode=? AND user_min=? AND user_max=? LIMIT 1`,
		models.TalkModeSingle, lo, hi).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// GetGroupTalkID 解析群聊会话；ok=false 表示群尚未产生消息。
func (s *TalkStore) GetGroupTalkID(ctx context.Context, groupID uint64) (uint64, bool, error) {
	var id uint64
	err := s.DB.QueryRowContext(ctx,
		`SELECT id FROM im_talk WHERE talk_mode=? AND group_id=? LIMIT 1`,
		models.TalkModeGroup, groupID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// EnsureSingleTalk 解析或创建单聊会话。
// LAST_INSERT_ID(id) 技巧让已存在的行也能经 LastInsertId 取回ID，单次往返。
func (s *TalkStore) EnsureSingleTalk(ctx context.Context, userA, userB uint64) (uint64, error) {
	lo, hi := CanonicalPair(userA, userB)
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO im_talk(talk_mode, user_min, user_max, created_at) VALUES(?,?,?,NOW())
		 ON DUPLICATE KEY UPDATE id=LAST_INSERT_ID(id)`,
		models.TalkModeSingle, lo, hi)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// EnsureGroupTalk 解析或创建群聊会话。
func (s *TalkStore) EnsureGroupTalk(ctx context.Context, groupID uint64) (uint64, error) {
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO im_talk(talk_mode, group_id, created_at) VALUES(?,?,NOW())
		 ON DUPLICATE KEY UPDATE id=LAST_INSERT_ID(id)`,
		models.TalkModeGroup, groupID)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}
