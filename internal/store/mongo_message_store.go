package store

import (
	"context"
	"errors"
	"time"

	"go-cim/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoMessageStore 基于 MongoDB 的消息存储实现。
// - 消息ID与会话内 sequence 均由 counters 集合的 FindOneAndUpdate $inc 原子发号
// - messages 集合 (talk_id, sequence) 唯一索引
// - 撤回为条件 UpdateOne（is_revoked=false 才迁移），并发撤回仅一次生效
// - 删除/已读标记用 upsert+$setOnInsert 实现 INSERT IGNORE 语义
// - ListRecentDesc 用聚合管道在 $limit 之前完成按用户删除过滤
type MongoMessageStore struct {
	DB        *mongo.Database
	ChunkSize int
}

func NewMongoMessageStore(db *mongo.Database) *MongoMessageStore {
	ms := &MongoMessageStore{DB: db, ChunkSize: DefaultChunkSize}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// 索引创建容错：重复创建无害
	_, _ = ms.messages().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "msg_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName("uniq_msg_id")},
		{Keys: bson.D{{Key: "talk_id", Value: 1}, {Key: "sequence", Value: -1}}, Options: options.Index().SetUnique(true).SetName("uniq_talk_seq")},
		{Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "client_msg_id", Value: 1}}, Options: options.Index().SetName("idx_sender_client")},
	})
	_, _ = ms.userDeletes().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "msg_id", Value: 1}, {Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true),
	})
	_, _ = ms.reads().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "msg_id", Value: 1}, {Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true),
	})
	_, _ = ms.mentions().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "msg_id", Value: 1}, {Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true),
	})
	_, _ = ms.forwardMap().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "forward_msg_id", Value: 1}},
	})
	return ms
}

// mongoMessage 为存储层内部结构，与 models.Message 字段一一映射。
type mongoMessage struct {
	MsgID       uint64     `bson:"msg_id"`
	TalkID      uint64     `bson:"talk_id"`
	Sequence    uint64     `bson:"sequence"`
	TalkMode    uint8      `bson:"talk_mode"`
	MsgType     uint16     `bson:"msg_type"`
	SenderID    uint64     `bson:"sender_id"`
	ClientMsgID string     `bson:"client_msg_id,omitempty"`
	ReceiverID  *uint64    `bson:"receiver_id,omitempty"`
	GroupID     *uint64    `bson:"group_id,omitempty"`
	ContentText string     `bson:"content_text,omitempty"`
	Extra       string     `bson:"extra,omitempty"`
	QuoteMsgID  *uint64    `bson:"quote_msg_id,omitempty"`
	IsRevoked   bool       `bson:"is_revoked"`
	RevokeBy    *uint64    `bson:"revoke_by,omitempty"`
	RevokeTime  *time.Time `bson:"revoke_time,omitempty"`
	CreatedAt   time.Time  `bson:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
}

func (s *MongoMessageStore) messages() *mongo.Collection    { return s.DB.Collection("messages") }
func (s *MongoMessageStore) counters() *mongo.Collection    { return s.DB.Collection("counters") }
func (s *MongoMessageStore) userDeletes() *mongo.Collection { return s.DB.Collection("message_user_deletes") }
func (s *MongoMessageStore) reads() *mongo.Collection       { return s.DB.Collection("message_reads") }
func (s *MongoMessageStore) mentions() *mongo.Collection    { return s.DB.Collection("message_mentions") }
func (s *MongoMessageStore) forwardMap() *mongo.Collection  { return s.DB.Collection("message_forward_map") }

// nextCounter 原子发号：$inc upsert 并返回自增后的值。
func (s *MongoMessageStore) nextCounter(ctx context.Context, name string) (uint64, error) {
	var doc struct {
		Seq uint64 `bson:"seq"`
	}
	err := s.counters().FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: name}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: 1}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func talkSeqCounter(talkID uint64) string {
	return "talk_seq:" + models.ID(talkID).String()
}

// Create 写入消息：msg_id 与会话内 sequence 均由计数器原子分配。
func (s *MongoMessageStore) Create(ctx context.Context, m *models.Message) (uint64, error) {
	msgID, err := s.nextCounter(ctx, "msg_id")
	if err != nil {
		return 0, err
	}
	seq, err := s.nextCounter(ctx, talkSeqCounter(m.TalkID))
	if err != nil {
		return 0, err
	}
	now := time.Now()
	doc := &mongoMessage{
		MsgID:       msgID,
		TalkID:      m.TalkID,
		Sequence:    seq,
		TalkMode:    m.TalkMode,
		MsgType:     m.MsgType,
		SenderID:    m.SenderID,
		ClientMsgID: m.ClientMsgID,
		ReceiverID:  m.ReceiverID,
		GroupID:     m.GroupID,
		ContentText: m.ContentText,
		Extra:       m.Extra,
		QuoteMsgID:  m.QuoteMsgID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.messages().InsertOne(ctx, doc); err != nil {
		return 0, err
	}
	return msgID, nil
}

func (s *MongoMessageStore) GetByID(ctx context.Context, id uint64) (*models.Message, error) {
	var doc mongoMessage
	err := s.messages().FindOne(ctx, bson.D{{Key: "msg_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.toModel(), nil
}

// GetByClientMsgID 按发送端幂等键查询；不存在返回 (nil, nil)。
func (s *MongoMessageStore) GetByClientMsgID(ctx context.Context, senderID uint64, clientMsgID string) (*models.Message, error) {
	var doc mongoMessage
	err := s.messages().FindOne(ctx,
		bson.D{{Key: "sender_id", Value: senderID}, {Key: "client_msg_id", Value: clientMsgID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.toModel(), nil
}

func (s *MongoMessageStore) GetByIDs(ctx context.Context, ids []uint64) ([]*models.Message, error) {
	var out []*models.Message
	for _, chunk := range ChunkIDs(ids, s.ChunkSize) {
		cursor, err := s.messages().Find(ctx, bson.D{{Key: "msg_id", Value: bson.D{{Key: "$in", Value: chunk}}}})
		if err != nil {
			return nil, err
		}
		for cursor.Next(ctx) {
			var doc mongoMessage
			if err := cursor.Decode(&doc); err != nil {
				cursor.Close(ctx)
				return nil, err
			}
			out = append(out, doc.toModel())
		}
		if err := cursor.Err(); err != nil {
			cursor.Close(ctx)
			return nil, err
		}
		cursor.Close(ctx)
	}
	return out, nil
}

// ListRecentDesc 聚合管道：匹配 -> 倒序 -> 关联删除标记 -> 过滤 -> 截断。
// 过滤先于 $limit，保证过滤比高时页不欠填。
func (s *MongoMessageStore) ListRecentDesc(ctx context.Context, talkID, anchorSeq uint64, limit int, msgType uint16, excludeUserID uint64) ([]*models.Message, error) {
	match := bson.D{{Key: "talk_id", Value: talkID}}
	if anchorSeq > 0 {
		match = append(match, bson.E{Key: "sequence", Value: bson.D{{Key: "$lt", Value: anchorSeq}}})
	}
	if msgType != 0 {
		match = append(match, bson.E{Key: "msg_type", Value: msgType})
	}
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: match}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "sequence", Value: -1}}}},
	}
	if excludeUserID != 0 {
		pipeline = append(pipeline,
			bson.D{{Key: "$lookup", Value: bson.D{
				{Key: "from", Value: "message_user_deletes"},
				{Key: "let", Value: bson.D{{Key: "mid", Value: "$msg_id"}}},
				{Key: "pipeline", Value: bson.A{
					bson.D{{Key: "$match", Value: bson.D{{Key: "$expr", Value: bson.D{{Key: "$and", Value: bson.A{
						bson.D{{Key: "$eq", Value: bson.A{"$msg_id", "$$mid"}}},
						bson.D{{Key: "$eq", Value: bson.A{"$user_id", excludeUserID}}},
					}}}}}}},
				}},
				{Key: "as", Value: "user_del"},
			}}},
			bson.D{{Key: "$match", Value: bson.D{{Key: "user_del", Value: bson.D{{Key: "$size", Value: 0}}}}}},
		)
	}
	pipeline = append(pipeline, bson.D{{Key: "$limit", Value: int64(limit)}})

	cursor, err := s.messages().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var out []*models.Message
	for cursor.Next(ctx) {
		var doc mongoMessage
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toModel())
	}
	return out, cursor.Err()
}

// Revoke 条件更新：is_revoked=false 才迁移；ModifiedCount=0 表示已撤回或不存在。
func (s *MongoMessageStore) Revoke(ctx context.Context, msgID, userID uint64) (bool, error) {
	now := time.Now()
	res, err := s.messages().UpdateOne(ctx,
		bson.D{{Key: "msg_id", Value: msgID}, {Key: "is_revoked", Value: false}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "is_revoked", Value: true},
			{Key: "revoke_by", Value: userID},
			{Key: "revoke_time", Value: now},
			{Key: "updated_at", Value: now},
		}}})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// markOnce upsert+$setOnInsert：重复标记不报错也不改写首次时间。
func markOnce(ctx context.Context, col *mongo.Collection, msgID, userID uint64, tsField string) error {
	filter := bson.D{{Key: "msg_id", Value: msgID}, {Key: "user_id", Value: userID}}
	update := bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: tsField, Value: time.Now()}}}}
	_, err := col.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (s *MongoMessageStore) MarkUserDelete(ctx context.Context, msgID, userID uint64) error {
	return markOnce(ctx, s.userDeletes(), msgID, userID, "deleted_at")
}

func (s *MongoMessageStore) MarkRead(ctx context.Context, msgID, userID uint64) error {
	return markOnce(ctx, s.reads(), msgID, userID, "read_at")
}

func (s *MongoMessageStore) AddMentions(ctx context.Context, msgID uint64, userIDs []uint64) error {
	for _, uid := range userIDs {
		if err := markOnce(ctx, s.mentions(), msgID, uid, "created_at"); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoMessageStore) AddForwardSources(ctx context.Context, forwardMsgID uint64, sources []models.ForwardSource) error {
	if len(sources) == 0 {
		return nil
	}
	docs := make([]any, 0, len(sources))
	now := time.Now()
	for _, src := range sources {
		docs = append(docs, bson.D{
			{Key: "forward_msg_id", Value: forwardMsgID},
			{Key: "src_msg_id", Value: src.SrcMsgID},
			{Key: "src_talk_id", Value: src.SrcTalkID},
			{Key: "src_sender_id", Value: src.SrcSenderID},
			{Key: "created_at", Value: now},
		})
	}
	_, err := s.forwardMap().InsertMany(ctx, docs)
	return err
}

func (d *mongoMessage) toModel() *models.Message {
	return &models.Message{
		ID:          d.MsgID,
		TalkID:      d.TalkID,
		Sequence:    d.Sequence,
		TalkMode:    d.TalkMode,
		MsgType:     d.MsgType,
		SenderID:    d.SenderID,
		ClientMsgID: d.ClientMsgID,
		ReceiverID:  d.ReceiverID,
		GroupID:     d.GroupID,
		ContentText: d.ContentText,
		Extra:       d.Extra,
		QuoteMsgID:  d.QuoteMsgID,
		IsRevoked:   d.IsRevoked,
		RevokeBy:    d.RevokeBy,
		RevokeTime:  d.RevokeTime,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}
