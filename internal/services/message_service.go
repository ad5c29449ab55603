// Package services 聚合消息历史的业务编排：分页读取、转发溯源、按用户删除与撤回。
package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"go-cim/internal/metrics"
	"go-cim/internal/models"
	"go-cim/internal/mq"
	"go-cim/internal/store"

	"github.com/google/uuid"
)

// 业务哨兵错误，HTTP 层据此映射状态码。
var (
	ErrInvalidTalkMode  = errors.New("非法会话类型")
	ErrMessageNotFound  = errors.New("消息不存在")
	ErrPermissionDenied = errors.New("无权操作该消息")
	ErrAlreadyRevoked   = errors.New("消息已撤回")
)

// 分页条数策略：0 取默认，其余收口到 [1,200]。
const (
	defaultPageLimit = 30
	maxPageLimit     = 200
)

// TalkResolver 负责把 (会话类型, 对端/群ID) 解析为会话ID。
// Get* 在会话不存在时返回 (0,false,nil)，不视为错误。
type TalkResolver interface {
	GetSingleTalkID(ctx context.Context, userA, userB uint64) (uint64, bool, error)
	GetGroupTalkID(ctx context.Context, groupID uint64) (uint64, bool, error)
	EnsureSingleTalk(ctx context.Context, userA, userB uint64) (uint64, error)
	EnsureGroupTalk(ctx context.Context, groupID uint64) (uint64, error)
}

// UserDirectory 提供昵称/头像查询，失败时记录降级为空资料。
type UserDirectory interface {
	GetUserInfo(ctx context.Context, userID uint64) (*models.UserInfo, error)
}

// MessageService 消息历史服务
type MessageService struct {
	Msgs     store.MessageStoreInterface
	Talks    TalkResolver
	Users    UserDirectory
	Producer *mq.KafkaProducer // 可为 nil，此时不投递事件
}

func NewMessageService(msgs store.MessageStoreInterface, talks TalkResolver, users UserDirectory) *MessageService {
	return &MessageService{Msgs: msgs, Talks: talks, Users: users}
}

// LoadRecords 拉取会话最近消息，cursor=0 表示从最新开始。
// 不过滤消息类型；对调用者已单独删除的消息不可见。
func (s *MessageService) LoadRecords(ctx context.Context, userID uint64, talkMode uint8, toFromID, cursor uint64, limit int) (*models.MessagePage, error) {
	return s.loadPage(ctx, "load_records", userID, talkMode, toFromID, cursor, limit, 0)
}

// LoadHistoryRecords 与 LoadRecords 相同，但可按 msgType 过滤（0 表示不过滤）。
// 过滤在存储层的查询里完成，保证过滤后仍返回满页。
func (s *MessageService) LoadHistoryRecords(ctx context.Context, userID uint64, talkMode uint8, toFromID, cursor uint64, limit int, msgType uint16) (*models.MessagePage, error) {
	return s.loadPage(ctx, "load_history_records", userID, talkMode, toFromID, cursor, limit, msgType)
}

func (s *MessageService) loadPage(ctx context.Context, op string, userID uint64, talkMode uint8, toFromID, cursor uint64, limit int, msgType uint16) (*models.MessagePage, error) {
	talkID, ok, err := s.resolveTalkID(ctx, userID, talkMode, toFromID)
	if err != nil {
		metrics.MessageOpsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	page := &models.MessagePage{Items: []*models.MessageRecord{}, Cursor: models.ID(cursor)}
	if !ok {
		// 会话尚不存在：空页，游标原样返回
		metrics.MessageOpsTotal.WithLabelValues(op, "ok").Inc()
		metrics.RecordPageSize.Observe(0)
		return page, nil
	}
	msgs, err := s.Msgs.ListRecentDesc(ctx, talkID, cursor, effectiveLimit(limit), msgType, userID)
	if err != nil {
		metrics.MessageOpsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	for _, m := range msgs {
		page.Items = append(page.Items, s.buildRecord(ctx, m))
	}
	if len(msgs) > 0 {
		// 倒序返回，末尾即本页最小序列，作为下一页游标
		page.Cursor = models.ID(msgs[len(msgs)-1].Sequence)
	}
	metrics.MessageOpsTotal.WithLabelValues(op, "ok").Inc()
	metrics.RecordPageSize.Observe(float64(len(page.Items)))
	return page, nil
}

// LoadForwardRecords 按ID集合取记录，用于展示转发合并的来源消息。
// 缺失的ID静默跳过，返回顺序与存储层一致（按ID升序）。
func (s *MessageService) LoadForwardRecords(ctx context.Context, userID uint64, talkMode uint8, msgIDs []uint64) ([]*models.MessageRecord, error) {
	if talkMode != models.TalkModeSingle && talkMode != models.TalkModeGroup {
		return nil, ErrInvalidTalkMode
	}
	out := []*models.MessageRecord{}
	if len(msgIDs) == 0 {
		return out, nil
	}
	msgs, err := s.Msgs.GetByIDs(ctx, msgIDs)
	if err != nil {
		metrics.MessageOpsTotal.WithLabelValues("load_forward_records", "error").Inc()
		return nil, err
	}
	for _, m := range msgs {
		out = append(out, s.buildRecord(ctx, m))
	}
	metrics.MessageOpsTotal.WithLabelValues("load_forward_records", "ok").Inc()
	return out, nil
}

// DeleteMessages 为调用者打删除标记（其他成员不受影响）。
// 逐条尽力而为：单条失败只记日志，不影响整体结果。
func (s *MessageService) DeleteMessages(ctx context.Context, userID uint64, talkMode uint8, toFromID uint64, msgIDs []uint64) error {
	if len(msgIDs) == 0 {
		return nil
	}
	_, ok, err := s.resolveTalkID(ctx, userID, talkMode, toFromID)
	if err != nil {
		metrics.MessageOpsTotal.WithLabelValues("delete_messages", "error").Inc()
		return err
	}
	if !ok {
		return nil
	}
	for _, id := range msgIDs {
		if err := s.Msgs.MarkUserDelete(ctx, id, userID); err != nil {
			log.Printf("Msg.Delete mark failed: user=%d msg=%d err=%v", userID, id, err)
		}
	}
	metrics.MessageOpsTotal.WithLabelValues("delete_messages", "ok").Inc()
	return nil
}

// RevokeMessage 撤回消息：仅发送者可撤回，且只允许撤回一次。
// 并发撤回依赖存储层条件更新，恰好一个调用方成功。
func (s *MessageService) RevokeMessage(ctx context.Context, userID uint64, talkMode uint8, toFromID, msgID uint64) error {
	_, ok, err := s.resolveTalkID(ctx, userID, talkMode, toFromID)
	if err != nil {
		return err
	}
	if !ok {
		// 会话不存在：无事可做
		return nil
	}
	m, err := s.Msgs.GetByID(ctx, msgID)
	if err != nil {
		metrics.MessageOpsTotal.WithLabelValues("revoke_message", "error").Inc()
		return err
	}
	if m == nil {
		return ErrMessageNotFound
	}
	if m.SenderID != userID {
		return ErrPermissionDenied
	}
	if m.IsRevoked {
		return ErrAlreadyRevoked
	}
	revoked, err := s.Msgs.Revoke(ctx, msgID, userID)
	if err != nil {
		metrics.MessageOpsTotal.WithLabelValues("revoke_message", "error").Inc()
		return err
	}
	if !revoked {
		return ErrAlreadyRevoked
	}
	log.Printf("Msg.Revoke ok: msg=%d by=%d", msgID, userID)
	s.publishEvent(&mq.MessageEvent{Type: mq.EventMessageRevoked, MsgID: msgID, TalkID: m.TalkID, RevokeBy: userID, TS: time.Now().Unix()})
	metrics.MessageOpsTotal.WithLabelValues("revoke_message", "ok").Inc()
	return nil
}

// SendMessage 写入一条消息并返回带资料的记录。
// 会话不存在时按 canonical 身份懒创建；序列由存储层原子分配。
// 携带 ClientMsgID 的重复发送返回已落库的消息，不产生新行。
func (s *MessageService) SendMessage(ctx context.Context, userID uint64, req *models.SendRequest) (*models.MessageRecord, error) {
	if req.ClientMsgID != "" {
		prev, err := s.Msgs.GetByClientMsgID(ctx, userID, req.ClientMsgID)
		if err != nil {
			metrics.MessageOpsTotal.WithLabelValues("send_message", "error").Inc()
			return nil, err
		}
		if prev != nil {
			log.Printf("Msg.Send replay: client_msg_id=%s msg=%d from=%d", req.ClientMsgID, prev.ID, userID)
			return s.buildRecord(ctx, prev), nil
		}
	}
	var (
		talkID uint64
		err    error
	)
	m := &models.Message{TalkMode: req.TalkMode, MsgType: req.MsgType, SenderID: userID,
		ClientMsgID: req.ClientMsgID, ContentText: req.ContentText, QuoteMsgID: req.QuoteMsgID}
	if m.ClientMsgID == "" {
		m.ClientMsgID = uuid.NewString()
	}
	if len(req.Extra) > 0 {
		m.Extra = string(req.Extra)
	}
	switch req.TalkMode {
	case models.TalkModeSingle:
		talkID, err = s.Talks.EnsureSingleTalk(ctx, userID, req.ToFromID)
		peer := req.ToFromID
		m.ReceiverID = &peer
	case models.TalkModeGroup:
		talkID, err = s.Talks.EnsureGroupTalk(ctx, req.ToFromID)
		gid := req.ToFromID
		m.GroupID = &gid
	default:
		return nil, ErrInvalidTalkMode
	}
	if err != nil {
		metrics.MessageOpsTotal.WithLabelValues("send_message", "error").Inc()
		return nil, err
	}
	m.TalkID = talkID
	id, err := s.Msgs.Create(ctx, m)
	if err != nil {
		metrics.MessageOpsTotal.WithLabelValues("send_message", "error").Inc()
		return nil, err
	}
	if len(req.MentionUserIDs) > 0 {
		if err := s.Msgs.AddMentions(ctx, id, req.MentionUserIDs); err != nil {
			log.Printf("Msg.Send add mentions failed: msg=%d err=%v", id, err)
		}
	}
	if len(req.ForwardSources) > 0 {
		if err := s.Msgs.AddForwardSources(ctx, id, req.ForwardSources); err != nil {
			log.Printf("Msg.Send add forward sources failed: msg=%d err=%v", id, err)
		}
	}
	created, err := s.Msgs.GetByID(ctx, id)
	if err != nil || created == nil {
		// 写入已成功，回读失败只能用内存态兜底
		log.Printf("Msg.Send readback failed: msg=%d err=%v", id, err)
		m.ID = id
		m.CreatedAt = time.Now()
		created = m
	}
	log.Printf("Msg.Send ok: msg=%d talk=%d seq=%d from=%d", created.ID, created.TalkID, created.Sequence, userID)
	s.publishEvent(&mq.MessageEvent{Type: mq.EventMessageCreated, MsgID: created.ID, TalkID: created.TalkID,
		Sequence: created.Sequence, SenderID: userID, TS: time.Now().Unix()})
	metrics.MessageOpsTotal.WithLabelValues("send_message", "ok").Inc()
	return s.buildRecord(ctx, created), nil
}

// MarkRead 为调用者打已读标记，重复调用幂等。
func (s *MessageService) MarkRead(ctx context.Context, userID uint64, msgID uint64) error {
	return s.Msgs.MarkRead(ctx, msgID, userID)
}

func (s *MessageService) resolveTalkID(ctx context.Context, userID uint64, talkMode uint8, toFromID uint64) (uint64, bool, error) {
	switch talkMode {
	case models.TalkModeSingle:
		return s.Talks.GetSingleTalkID(ctx, userID, toFromID)
	case models.TalkModeGroup:
		return s.Talks.GetGroupTalkID(ctx, toFromID)
	default:
		return 0, false, ErrInvalidTalkMode
	}
}

// buildRecord 组装下发记录：补全发送者资料与引用摘要。
// 资料查询失败降级为空昵称/头像，引用查询失败降级为空引用，均不报错。
func (s *MessageService) buildRecord(ctx context.Context, m *models.Message) *models.MessageRecord {
	r := &models.MessageRecord{
		MsgID:     models.ID(m.ID).String(),
		Sequence:  m.Sequence,
		MsgType:   m.MsgType,
		FromID:    m.SenderID,
		IsRevoked: m.IsRevoked,
		SendTime:  m.CreatedAt.Format("2006-01-02 15:04:05"),
		Extra:     m.Extra,
		Quote:     &models.Quote{},
	}
	if info, err := s.Users.GetUserInfo(ctx, m.SenderID); err != nil {
		log.Printf("Msg.Record user info degraded: user=%d err=%v", m.SenderID, err)
	} else if info != nil {
		r.Nickname = info.Nickname
		r.Avatar = info.Avatar
	}
	if m.QuoteMsgID != nil {
		if q, err := s.Msgs.GetByID(ctx, *m.QuoteMsgID); err != nil {
			log.Printf("Msg.Record quote degraded: msg=%d quote=%d err=%v", m.ID, *m.QuoteMsgID, err)
		} else if q != nil {
			r.Quote = &models.Quote{MsgID: models.ID(q.ID).String(), FromID: q.SenderID, Text: q.ContentText}
		}
	}
	return r
}

func (s *MessageService) publishEvent(evt *mq.MessageEvent) {
	if s.Producer == nil {
		return
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return
	}
	s.Producer.Publish(b, []byte(strconv.FormatUint(evt.TalkID, 10)))
}

func effectiveLimit(limit int) int {
	if limit == 0 {
		return defaultPageLimit
	}
	if limit < 1 {
		return 1
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}
