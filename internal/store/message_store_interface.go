package store

import (
	"context"

	"go-cim/internal/models"
)

// MessageStoreInterface 抽象消息日志及其附属标记的存储，便于切换 MySQL/MongoDB：
// - Create：写入消息并原子分配会话内递增 sequence
// - GetByID/GetByIDs：单条/批量查询（批量内部去重分片，缺失ID静默跳过）
// - ListRecentDesc：按 sequence 倒序的键集分页，类型过滤与按用户删除过滤
//   均下推到查询内（在 limit 截断之前生效）
// - Revoke：条件更新实现 active -> revoked 单向迁移，并发撤回仅一次成功
// - MarkUserDelete/MarkRead/AddMentions/AddForwardSources：幂等写入标记
type MessageStoreInterface interface {
	// Create 写入消息，返回消息ID；sequence 由存储侧原子分配，本层不得读改写。
	Create(ctx context.Context, m *models.Message) (uint64, error)
	// GetByID 查询单条消息；不存在时返回 (nil, nil)。
	GetByID(ctx context.Context, id uint64) (*models.Message, error)
	// GetByIDs 批量查询；输入去重，不存在的ID不计入结果，也不报错。
	GetByIDs(ctx context.Context, ids []uint64) ([]*models.Message, error)
	// GetByClientMsgID 按 (发送者, 客户端幂等键) 查询；不存在时返回 (nil, nil)。
	GetByClientMsgID(ctx context.Context, senderID uint64, clientMsgID string) (*models.Message, error)
	// ListRecentDesc 返回 sequence 严格小于 anchorSeq 的最多 limit 条消息（倒序）。
	// anchorSeq=0 表示从最新开始；msgType=0 表示不过滤类型；
	// excludeUserID 非 0 时排除该用户已删除的消息。
	ListRecentDesc(ctx context.Context, talkID, anchorSeq uint64, limit int, msgType uint16, excludeUserID uint64) ([]*models.Message, error)
	// Revoke 条件更新撤回；返回 false 表示消息已处于撤回态（或不存在）。
	Revoke(ctx context.Context, msgID, userID uint64) (bool, error)
	// MarkUserDelete 为用户打删除标记；重复标记为无操作。
	MarkUserDelete(ctx context.Context, msgID, userID uint64) error
	// MarkRead 为用户打已读标记；重复标记为无操作。
	MarkRead(ctx context.Context, msgID, userID uint64) error
	// AddMentions 批量写入提及标记，重复忽略；空列表为成功的无操作。
	AddMentions(ctx context.Context, msgID uint64, userIDs []uint64) error
	// AddForwardSources 批量写入转发来源；空列表为成功的无操作。
	AddForwardSources(ctx context.Context, forwardMsgID uint64, sources []models.ForwardSource) error
}
