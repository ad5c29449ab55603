package models

import (
	"encoding/json"
	"time"
)

// Talk/Message/UserInfo 等为消息历史子系统的核心领域模型。
// - Talk 表示单聊/群聊会话的 canonical 身份（单聊按用户ID排序去重）
// - Message 的 Sequence 为会话内严格递增序列，由存储层在写入时原子分配
// - 撤回为单向状态迁移：active -> revoked，行本身保留

// 会话类型：1=单聊 2=群聊
const (
	TalkModeSingle uint8 = 1
	TalkModeGroup  uint8 = 2
)

type Talk struct {
	ID        uint64    `json:"id"`
	TalkMode  uint8     `json:"talkMode"`
	UserMin   uint64    `json:"userMin,omitempty"` // 单聊：较小的用户ID
	UserMax   uint64    `json:"userMax,omitempty"` // 单聊：较大的用户ID
	GroupID   uint64    `json:"groupId,omitempty"` // 群聊
	CreatedAt time.Time `json:"createdAt"`
}

// Message 表示会话中的一条消息。
// - Sequence 写入后不变，作为历史分页的排序键
// - ReceiverID/GroupID/QuoteMsgID/RevokeBy 用指针表达“无值”，不用 0 哨兵
// - Extra 为透传的 JSON 字符串，本层不解析
type Message struct {
	ID          uint64     `json:"id"`
	TalkID      uint64     `json:"talkId"`
	Sequence    uint64     `json:"sequence"`
	TalkMode    uint8      `json:"talkMode"`
	MsgType     uint16     `json:"msgType"`
	SenderID    uint64     `json:"senderId"`
	ClientMsgID string     `json:"clientMsgId,omitempty"` // 发送端幂等键
	ReceiverID  *uint64    `json:"receiverId,omitempty"`  // 单聊对端
	GroupID     *uint64    `json:"groupId,omitempty"`    // 群聊
	ContentText string     `json:"contentText"`
	Extra       string     `json:"extra"`
	QuoteMsgID  *uint64    `json:"quoteMsgId,omitempty"`
	IsRevoked   bool       `json:"isRevoked"`
	RevokeBy    *uint64    `json:"revokeBy,omitempty"`
	RevokeTime  *time.Time `json:"revokeTime,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Quote 为记录中内嵌的被引用消息摘要。
// 查不到被引用消息时整体退化为空值 {}，不报错。
type Quote struct {
	MsgID  string `json:"msg_id,omitempty"`
	FromID uint64 `json:"from_id,omitempty"`
	Text   string `json:"text,omitempty"`
}

// MessageRecord 为面向客户端的消息记录。
// msg_id 以十进制字符串下发，避免弱类型数值协议的精度丢失。
type MessageRecord struct {
	MsgID     string `json:"msg_id"`
	Sequence  uint64 `json:"sequence"`
	MsgType   uint16 `json:"msg_type"`
	FromID    uint64 `json:"from_id"`
	Nickname  string `json:"nickname"`
	Avatar    string `json:"avatar"`
	IsRevoked bool   `json:"is_revoked"`
	SendTime  string `json:"send_time"`
	Extra     string `json:"extra"`
	Quote     *Quote `json:"quote"`
}

// MessagePage 为一页记录加下一游标。
// 空页时 Cursor 等于请求游标，作为向后翻页的终止信号。
type MessagePage struct {
	Items  []*MessageRecord `json:"items"`
	Cursor ID               `json:"cursor"`
}

// UserInfo 用户目录返回的简要资料（昵称/头像）。
type UserInfo struct {
	UserID   uint64 `json:"userId"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
}

// User 为注册/登录使用的账号模型。
type User struct {
	ID        uint64    `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Nickname  string    `json:"nickname"`
	Avatar    string    `json:"avatar"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ForwardSource 记录一条转发消息的单个来源。
type ForwardSource struct {
	SrcMsgID    uint64 `json:"srcMsgId"`
	SrcTalkID   uint64 `json:"srcTalkId"`
	SrcSenderID uint64 `json:"srcSenderId"`
}

// SendRequest 发送请求载荷（服务内部），由 HTTP 层组装。
// ClientMsgID 为发送端幂等键：同一发送者携带同一键重发时返回已落库的消息；
// 缺省时由服务端生成，不做去重。
type SendRequest struct {
	ClientMsgID    string          `json:"clientMsgId,omitempty"`
	TalkMode       uint8           `json:"talkMode"`
	ToFromID       uint64          `json:"toFromId"`
	MsgType        uint16          `json:"msgType"`
	ContentText    string          `json:"contentText"`
	Extra          json.RawMessage `json:"extra,omitempty"`
	QuoteMsgID     *uint64         `json:"quoteMsgId,omitempty"`
	MentionUserIDs []uint64        `json:"mentionUserIds,omitempty"`
	ForwardSources []ForwardSource `json:"forwardSources,omitempty"`
}
