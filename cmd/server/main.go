package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"go-cim/internal/auth"
	"go-cim/internal/cache"
	"go-cim/internal/config"
	"go-cim/internal/metrics"
	"go-cim/internal/models"
	"go-cim/internal/mq"
	"go-cim/internal/ratelimit"
	"go-cim/internal/services"
	"go-cim/internal/store"
	"go-cim/internal/store/mongostore"
	"go-cim/internal/store/sqlstore"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	cfg := config.Load()

	cache.InitRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if cfg.EnableMetrics {
		metrics.Init()
	}

	primaryDB := mustOpen(cfg.MySQLDSN)

	// 根据配置选择消息存储：mysql 或 mongodb
	var msgStore store.MessageStoreInterface
	switch cfg.MessageDB {
	case "mongodb":
		mongoDB, err := mongostore.Connect(cfg.MongoURI)
		if err != nil {
			panic(fmt.Sprintf("MongoDB connection failed: %v", err))
		}
		ms := store.NewMongoMessageStore(mongoDB)
		if cfg.BulkChunkSize > 0 {
			ms.ChunkSize = cfg.BulkChunkSize
		}
		msgStore = ms
	default: // mysql
		ms := store.NewMessageStore(primaryDB)
		if cfg.BulkChunkSize > 0 {
			ms.ChunkSize = cfg.BulkChunkSize
		}
		msgStore = ms
	}

	userStore := store.NewUserStore(primaryDB)
	talkStore := store.NewTalkStore(primaryDB)
	msgSvc := services.NewMessageService(msgStore, talkStore, userStore)

	if cfg.KafkaBrokers != "" {
		p, err := mq.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaMessageEventTopic)
		if err != nil {
			log.Printf("Kafka producer init failed, events disabled: brokers=%s err=%v", cfg.KafkaBrokers, err)
		} else {
			msgSvc.Producer = p
			defer func() { _ = p.Close() }()
		}
	}

	limiter := ratelimit.NewTokenBucketLimiter(cache.Client())

	r := gin.Default()
	r.GET("/healthz", func(c *gin.Context) { c.String(200, "ok") })
	if cfg.EnableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// 注册
	r.POST("/api/register", func(c *gin.Context) {
		var req struct{ Username, Password, Nickname string }
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		h, _ := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		u := &models.User{Username: req.Username, Password: string(h), Nickname: req.Nickname}
		id, err := userStore.CreateUser(c, u)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"id": models.ID(id)})
	})
	// 登录
	r.POST("/api/login", func(c *gin.Context) {
		var req struct{ Username, Password string }
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		u, err := userStore.GetByUsername(c, req.Username)
		if err != nil || u == nil || bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)) != nil {
			c.JSON(401, gin.H{"error": "invalid credentials"})
			return
		}
		tok, _ := auth.SignJWT(cfg.JWTSecret, u.ID, 7*24*time.Hour)
		c.JSON(200, gin.H{"token": tok, "userId": models.ID(u.ID)})
	})

	// 简易认证
	authn := func(c *gin.Context) (uint64, bool) {
		tok := c.GetHeader("Authorization")
		if len(tok) > 7 && tok[:7] == "Bearer " {
			tok = tok[7:]
		}
		cl, err := auth.ParseJWT(cfg.JWTSecret, tok)
		if err != nil {
			c.JSON(401, gin.H{"error": "unauthorized"})
			return 0, false
		}
		uid, err := cl.UserID()
		if err != nil {
			c.JSON(401, gin.H{"error": "unauthorized"})
			return 0, false
		}
		return uid, true
	}
	// 消息接口限流（Redis 不可用时放行）
	allow := func(c *gin.Context, uid uint64) bool {
		ok, _, err := limiter.Allow(c, ratelimit.MessageKey(uid), cfg.MessageQPS, cfg.MessageBurst)
		if err != nil || ok {
			return true
		}
		c.JSON(429, gin.H{"error": "too many requests"})
		return false
	}

	// 最近消息
	r.POST("/api/v1/message/records", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok || !allow(c, uid) {
			return
		}
		var req struct {
			TalkMode uint8     `json:"talk_mode"`
			ToFromID models.ID `json:"to_from_id"`
			Cursor   models.ID `json:"cursor"`
			Limit    int       `json:"limit"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		page, err := msgSvc.LoadRecords(c, uid, req.TalkMode, req.ToFromID.Uint64(), req.Cursor.Uint64(), req.Limit)
		if err != nil {
			httpError(c, err)
			return
		}
		c.JSON(200, page)
	})
	// 历史消息（可按类型过滤）
	r.POST("/api/v1/message/history-records", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok || !allow(c, uid) {
			return
		}
		var req struct {
			TalkMode uint8     `json:"talk_mode"`
			ToFromID models.ID `json:"to_from_id"`
			Cursor   models.ID `json:"cursor"`
			Limit    int       `json:"limit"`
			MsgType  uint16    `json:"msg_type"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		page, err := msgSvc.LoadHistoryRecords(c, uid, req.TalkMode, req.ToFromID.Uint64(), req.Cursor.Uint64(), req.Limit, req.MsgType)
		if err != nil {
			httpError(c, err)
			return
		}
		c.JSON(200, page)
	})
	// 转发来源记录
	r.POST("/api/v1/message/forward-records", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok || !allow(c, uid) {
			return
		}
		var req struct {
			TalkMode uint8         `json:"talk_mode"`
			MsgIDs   models.IDList `json:"msg_ids"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		items, err := msgSvc.LoadForwardRecords(c, uid, req.TalkMode, req.MsgIDs.Uint64s())
		if err != nil {
			httpError(c, err)
			return
		}
		c.JSON(200, gin.H{"items": items})
	})
	// 按用户删除
	r.POST("/api/v1/message/delete", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok || !allow(c, uid) {
			return
		}
		var req struct {
			TalkMode uint8         `json:"talk_mode"`
			ToFromID models.ID     `json:"to_from_id"`
			MsgIDs   models.IDList `json:"msg_ids"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		if err := msgSvc.DeleteMessages(c, uid, req.TalkMode, req.ToFromID.Uint64(), req.MsgIDs.Uint64s()); err != nil {
			httpError(c, err)
			return
		}
		c.JSON(200, gin.H{"success": true})
	})
	// 撤回
	r.POST("/api/v1/message/revoke", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok || !allow(c, uid) {
			return
		}
		var req struct {
			TalkMode uint8     `json:"talk_mode"`
			ToFromID models.ID `json:"to_from_id"`
			MsgID    models.ID `json:"msg_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		if err := msgSvc.RevokeMessage(c, uid, req.TalkMode, req.ToFromID.Uint64(), req.MsgID.Uint64()); err != nil {
			httpError(c, err)
			return
		}
		c.JSON(200, gin.H{"success": true})
	})
	// 发送
	r.POST("/api/v1/message/send", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok || !allow(c, uid) {
			return
		}
		var req struct {
			ClientMsgID    string          `json:"client_msg_id"`
			TalkMode       uint8           `json:"talk_mode"`
			ToFromID       models.ID       `json:"to_from_id"`
			MsgType        uint16          `json:"msg_type"`
			ContentText    string          `json:"content_text"`
			Extra          json.RawMessage `json:"extra"`
			QuoteMsgID     models.ID       `json:"quote_msg_id"`
			MentionUserIDs models.IDList   `json:"mention_user_ids"`
			ForwardMsgIDs  models.IDList   `json:"forward_msg_ids"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		send := &models.SendRequest{
			ClientMsgID:    req.ClientMsgID,
			TalkMode:       req.TalkMode,
			ToFromID:       req.ToFromID.Uint64(),
			MsgType:        req.MsgType,
			ContentText:    req.ContentText,
			Extra:          req.Extra,
			MentionUserIDs: req.MentionUserIDs.Uint64s(),
		}
		if req.QuoteMsgID != 0 {
			q := req.QuoteMsgID.Uint64()
			send.QuoteMsgID = &q
		}
		for _, srcID := range req.ForwardMsgIDs {
			src, err := msgStore.GetByID(c, srcID.Uint64())
			if err != nil || src == nil {
				continue
			}
			send.ForwardSources = append(send.ForwardSources, models.ForwardSource{
				SrcMsgID: src.ID, SrcTalkID: src.TalkID, SrcSenderID: src.SenderID,
			})
		}
		rec, err := msgSvc.SendMessage(c, uid, send)
		if err != nil {
			httpError(c, err)
			return
		}
		c.JSON(200, rec)
	})
	// 已读
	r.POST("/api/v1/message/read", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		var req struct {
			MsgID models.ID `json:"msg_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		if err := msgSvc.MarkRead(c, uid, req.MsgID.Uint64()); err != nil {
			httpError(c, err)
			return
		}
		c.JSON(200, gin.H{"success": true})
	})

	_ = r.Run(cfg.ListenAddr)
}

// 业务错误到状态码的映射。
// 非哨兵错误（存储/连接故障）只进日志，响应体固定为 internal error，
// 不把 DSN、SQL 等诊断信息下发给客户端。
func httpError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidTalkMode):
		c.JSON(400, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrPermissionDenied):
		c.JSON(403, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrMessageNotFound):
		c.JSON(404, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrAlreadyRevoked):
		c.JSON(409, gin.H{"error": err.Error()})
	default:
		log.Printf("HTTP.Error internal: path=%s err=%v", c.FullPath(), err)
		c.JSON(500, gin.H{"error": "internal error"})
	}
}

func mustOpen(dsn string) *sql.DB {
	db, err := sqlstore.Open(dsn)
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = db.PingContext(ctx)
	return db
}
