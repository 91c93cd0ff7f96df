package repository

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"inkpad/internal/model"
)

type NotificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

func (r *NotificationRepository) Create(n *model.Notification) error {
	if err := r.db.Create(n).Error; err != nil {
		return fmt.Errorf("create notification failed: %w", err)
	}
	return nil
}

func (r *NotificationRepository) ListByUserID(userID uint, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var list []model.Notification
	if err := r.db.Where("user_id = ?", userID).Order("created_at DESC").Limit(limit).Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list notifications failed: %w", err)
	}
	return list, nil
}

func (r *NotificationRepository) MarkRead(userID, id uint) error {
	now := time.Now()
	err := r.db.Model(&model.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("read_at", &now).Error
	if err != nil {
		return fmt.Errorf("mark notification read failed: %w", err)
	}
	return nil
}
