package store

import (
	"strings"
	"time"

	"github.com/nanami-ai/agentd/internal/domain/entity"
	apperrors "github.com/nanami-ai/agentd/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// SessionMeta 会话索引行, 支撑会话列表 API。
// 完整 transcript 在 data/conversations/<id>.json, 这里只存元数据。
type SessionMeta struct {
	SessionID    string    `gorm:"primaryKey;column:session_id" json:"session_id"`
	Title        string    `gorm:"column:title" json:"title"`
	MessageCount int       `gorm:"column:message_count" json:"message_count"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 指定表名
func (SessionMeta) TableName() string { return "sessions" }

// SessionIndex 基于 sqlite 的会话索引
type SessionIndex struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSessionIndex 打开 (必要时建表) 会话索引
func NewSessionIndex(dbPath string, logger *zap.Logger) (*SessionIndex, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, "open session index", err)
	}
	if err := db.AutoMigrate(&SessionMeta{}); err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, "migrate session index", err)
	}
	return &SessionIndex{db: db, logger: logger}, nil
}

// Touch 会话持久化后更新索引。标题取首条用户消息的前 60 字。
func (s *SessionIndex) Touch(sess *entity.Session) {
	title := ""
	for i := range sess.Messages {
		if sess.Messages[i].Role == entity.RoleUser {
			title = sess.Messages[i].Text()
			break
		}
	}
	title = strings.TrimSpace(title)
	if r := []rune(title); len(r) > 60 {
		title = string(r[:60])
	}

	meta := SessionMeta{
		SessionID:    sess.SessionID,
		Title:        title,
		MessageCount: len(sess.Messages),
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    time.Now(),
	}
	if err := s.db.Save(&meta).Error; err != nil {
		s.logger.Warn("Session index update failed",
			zap.String("session_id", sess.SessionID),
			zap.Error(err),
		)
	}
}

// List 返回最近更新的 limit 个会话
func (s *SessionIndex) List(limit int) ([]SessionMeta, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []SessionMeta
	err := s.db.Order("updated_at DESC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, "list sessions", err)
	}
	return out, nil
}
