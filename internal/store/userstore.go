package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"time"

	"go-cim/internal/cache"
	"go-cim/internal/models"
)

// 用户存储：账号查询与用户目录（昵称/头像）。
// GetUserInfo 走 Redis 读穿缓存，缓存异常只记日志并退化到直查。
type UserStore struct{ DB *sql.DB }

func NewUserStore(db *sql.DB) *UserStore { return &UserStore{DB: db} }

const profileCacheTTL = 10 * time.Minute

// 创建用户
func (s *UserStore) CreateUser(ctx context.Context, u *models.User) (uint64, error) {
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO users(username, password, nickname, avatar, created_at, updated_at) VALUES(?,?,?,?,NOW(),NOW())`,
		u.Username, u.Password, u.Nickname, u.Avatar)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// 按用户名查询；不存在返回 (nil, nil)
func (s *UserStore) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, username, password, nickname, avatar, created_at, updated_at FROM users WHERE username=?`, username)
	u := &models.User{}
	if err := row.Scan(&u.ID, &u.Username, &u.Password, &u.Nickname, &u.Avatar, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

// GetUserInfo 查询昵称/头像；不存在返回 (nil, nil)。
// 先读 Redis，未命中或异常直查 users 表并回填缓存。
func (s *UserStore) GetUserInfo(ctx context.Context, userID uint64) (*models.UserInfo, error) {
	if c := cache.Client(); c != nil {
		if data, err := c.Get(ctx, cache.ProfileKey(userID)).Result(); err == nil && data != "" {
			ui := &models.UserInfo{}
			if err := json.Unmarshal([]byte(data), ui); err == nil {
				return ui, nil
			}
		}
	}

	row := s.DB.QueryRowContext(ctx, `SELECT id, nickname, avatar FROM users WHERE id=? LIMIT 1`, userID)
	ui := &models.UserInfo{}
	var nickname, avatar sql.NullString
	if err := row.Scan(&ui.UserID, &nickname, &avatar); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	ui.Nickname = nickname.String
	ui.Avatar = avatar.String

	if c := cache.Client(); c != nil {
		if data, err := json.Marshal(ui); err == nil {
			if err := c.Set(ctx, cache.ProfileKey(userID), data, profileCacheTTL).Err(); err != nil {
				log.Printf("User.ProfileCache set failed: uid=%d err=%v", userID, err)
			}
		}
	}
	return ui, nil
}

// InvalidateProfile 移除用户资料缓存（资料更新或事件消费者调用）。
func (s *UserStore) InvalidateProfile(ctx context.Context, userID uint64) {
	if c := cache.Client(); c != nil {
		_ = c.Del(ctx, cache.ProfileKey(userID)).Err()
	}
}
