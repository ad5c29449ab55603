package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go-cim/internal/models"

	"github.com/go-sql-driver/mysql"
)

// MessageStore 基于 SQL 的消息存储实现（MySQL/TiDB 兼容）。
// 约束：
// - im_message 表需具备 (talk_id, sequence) 唯一键，sequence 分配冲突时重试
// - idx_talk_seq 支撑按会话 sequence 倒序扫描
// - im_message_user_delete/im_message_read/im_message_mention 以唯一键保障幂等插入
type MessageStore struct {
	DB        *sql.DB
	ChunkSize int
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{DB: db, ChunkSize: DefaultChunkSize}
}

const msgCols = `id,talk_id,sequence,talk_mode,msg_type,sender_id,client_msg_id,receiver_id,group_id,content_text,extra,quote_msg_id,is_revoked,revoke_by,revoke_time,created_at,updated_at`

const seqConflictRetries = 3

// Create 插入消息并在同一条语句内分配 sequence（当前最大值+1）。
// 并发写同一会话时依赖 (talk_id, sequence) 唯一键：冲突即重试，Go 侧不做读改写。
func (s *MessageStore) Create(ctx context.Context, m *models.Message) (uint64, error) {
	const q = `INSERT INTO im_message
		(talk_id, sequence, talk_mode, msg_type, sender_id, client_msg_id, receiver_id, group_id, content_text, extra, quote_msg_id, is_revoked, created_at, updated_at)
		SELECT ?, COALESCE(MAX(sequence),0)+1, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NOW(), NOW()
		FROM im_message WHERE talk_id=?`
	var lastErr error
	for attempt := 0; attempt < seqConflictRetries; attempt++ {
		res, err := s.DB.ExecContext(ctx, q,
			m.TalkID, m.TalkMode, m.MsgType, m.SenderID, nullString(m.ClientMsgID), m.ReceiverID, m.GroupID,
			nullString(m.ContentText), nullString(m.Extra), m.QuoteMsgID, m.TalkID)
		if err != nil {
			var me *mysql.MySQLError
			if errors.As(err, &me) && me.Number == 1062 { // duplicate (talk_id, sequence)
				lastErr = err
				continue
			}
			return 0, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		return uint64(id), nil
	}
	return 0, lastErr
}

// GetByID 语义：不存在返回 (nil, nil)，与查询失败区分。
func (s *MessageStore) GetByID(ctx context.Context, id uint64) (*models.Message, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+msgCols+` FROM im_message WHERE id=? LIMIT 1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetByClientMsgID 按发送端幂等键查询；不存在返回 (nil, nil)。
// idx_sender_client (sender_id, client_msg_id) 支撑该查询。
func (s *MessageStore) GetByClientMsgID(ctx context.Context, senderID uint64, clientMsgID string) (*models.Message, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+msgCols+` FROM im_message WHERE sender_id=? AND client_msg_id=? LIMIT 1`, senderID, clientMsgID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetByIDs 去重分片后逐片 IN 查询，聚合为并集；缺失ID静默跳过。
func (s *MessageStore) GetByIDs(ctx context.Context, ids []uint64) ([]*models.Message, error) {
	var out []*models.Message
	for _, chunk := range ChunkIDs(ids, s.ChunkSize) {
		placeholders := strings.Repeat(",?", len(chunk))[1:]
		args := make([]any, 0, len(chunk))
		for _, id := range chunk {
			args = append(args, id)
		}
		rows, err := s.DB.QueryContext(ctx, `SELECT `+msgCols+` FROM im_message WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, m)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// ListRecentDesc 键集分页：sequence < anchorSeq 的最多 limit 条，倒序。
// 类型过滤与按用户删除过滤均在查询内生效，晚于过滤截断会导致页欠填。
func (s *MessageStore) ListRecentDesc(ctx context.Context, talkID, anchorSeq uint64, limit int, msgType uint16, excludeUserID uint64) ([]*models.Message, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + msgCols + ` FROM im_message m WHERE talk_id=?`)
	args := []any{talkID}
	if anchorSeq > 0 {
		b.WriteString(` AND sequence<?`)
		args = append(args, anchorSeq)
	}
	if msgType != 0 {
		b.WriteString(` AND msg_type=?`)
		args = append(args, msgType)
	}
	if excludeUserID != 0 {
		b.WriteString(` AND NOT EXISTS(SELECT 1 FROM im_message_user_delete d WHERE d.msg_id=m.id AND d.user_id=?)`)
		args = append(args, excludeUserID)
	}
	b.WriteString(` ORDER BY sequence DESC LIMIT ?`)
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Revoke 条件更新：仅当消息处于 active 态才迁移到 revoked。
// 两个并发撤回恰有一个影响行数为 1。
func (s *MessageStore) Revoke(ctx context.Context, msgID, userID uint64) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE im_message SET is_revoked=1, revoke_by=?, revoke_time=NOW(), updated_at=NOW() WHERE id=? AND is_revoked=0`,
		userID, msgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkUserDelete 幂等删除标记；INSERT IGNORE 吸收重复标记。
func (s *MessageStore) MarkUserDelete(ctx context.Context, msgID, userID uint64) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT IGNORE INTO im_message_user_delete(msg_id, user_id, deleted_at) VALUES(?,?,NOW())`, msgID, userID)
	return err
}

// MarkRead 幂等已读标记。
func (s *MessageStore) MarkRead(ctx context.Context, msgID, userID uint64) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT IGNORE INTO im_message_read(msg_id, user_id, read_at) VALUES(?,?,NOW())`, msgID, userID)
	return err
}

// AddMentions 批量插入提及标记，重复忽略。
func (s *MessageStore) AddMentions(ctx context.Context, msgID uint64, userIDs []uint64) error {
	if len(userIDs) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString(`INSERT IGNORE INTO im_message_mention(msg_id, mentioned_user_id) VALUES`)
	args := make([]any, 0, len(userIDs)*2)
	for i, uid := range userIDs {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(?,?)")
		args = append(args, msgID, uid)
	}
	_, err := s.DB.ExecContext(ctx, b.String(), args...)
	return err
}

// AddForwardSources 批量写入转发来源映射。
func (s *MessageStore) AddForwardSources(ctx context.Context, forwardMsgID uint64, sources []models.ForwardSource) error {
	if len(sources) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString(`INSERT INTO im_message_forward_map(forward_msg_id, src_msg_id, src_talk_id, src_sender_id, created_at) VALUES`)
	args := make([]any, 0, len(sources)*4)
	for i, src := range sources {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(?,?,?,?,NOW())")
		args = append(args, forwardMsgID, src.SrcMsgID, src.SrcTalkID, src.SrcSenderID)
	}
	_, err := s.DB.ExecContext(ctx, b.String(), args...)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*models.Message, error) {
	m := &models.Message{}
	var (
		clientMsgID sql.NullString
		receiverID  sql.NullInt64
		groupID     sql.NullInt64
		content     sql.NullString
		extra       sql.NullString
		quoteID     sql.NullInt64
		revokeBy    sql.NullInt64
		revokeTime  sql.NullTime
	)
	if err := r.Scan(&m.ID, &m.TalkID, &m.Sequence, &m.TalkMode, &m.MsgType, &m.SenderID,
		&clientMsgID, &receiverID, &groupID, &content, &extra, &quoteID, &m.IsRevoked, &revokeBy, &revokeTime,
		&m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if clientMsgID.Valid {
		m.ClientMsgID = clientMsgID.String
	}
	if receiverID.Valid {
		v := uint64(receiverID.Int64)
		m.ReceiverID = &v
	}
	if groupID.Valid {
		v := uint64(groupID.Int64)
		m.GroupID = &v
	}
	if content.Valid {
		m.ContentText = content.String
	}
	if extra.Valid {
		m.Extra = extra.String
	}
	if quoteID.Valid {
		v := uint64(quoteID.Int64)
		m.QuoteMsgID = &v
	}
	if revokeBy.Valid {
		v := uint64(revokeBy.Int64)
		m.RevokeBy = &v
	}
	if revokeTime.Valid {
		t := revokeTime.Time
		m.RevokeTime = &t
	}
	return m, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
