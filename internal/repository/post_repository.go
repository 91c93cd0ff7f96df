package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"inkpad/internal/model"
)

type PostRepository struct {
	db *gorm.DB
}

func NewPostRepository(db *gorm.DB) *PostRepository {
	return &PostRepository{db: db}
}

func (r *PostRepository) Create(post *model.Post) error {
	if err := r.db.Create(post).Error; err != nil {
		return fmt.Errorf("create post failed: %w", err)
	}
	return nil
}

func (r *PostRepository) Update(post *model.Post) error {
	if err := r.db.Save(post).Error; err != nil {
		return fmt.Errorf("update post failed: %w", err)
	}
	return nil
}

func (r *PostRepository) GetByID(id uint) (*model.Post, error) {
	var post model.Post
	if err := r.db.Preload("Tags").First(&post, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query post by id failed: %w", err)
	}
	return &post, nil
}

func (r *PostRepository) GetBySlug(slug string) (*model.Post, error) {
	var post model.Post
	if err := r.db.Preload("Tags").Where("slug = ?", slug).First(&post).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query post by slug failed: %w", err)
	}
	return &post, nil
}

func (r *PostRepository) ListByAuthorID(authorID uint) ([]model.Post, error) {
	var posts []model.Post
	if err := r.db.Preload("Tags").Where("author_id = ?", authorID).Order("created_at DESC").Find(&posts).Error; err != nil {
		return nil, fmt.Errorf("list posts by author failed: %w", err)
	}
	return posts, nil
}

func (r *PostRepository) List(limit, offset int) ([]model.Post, error) {
	var posts []model.Post
	if err := r.db.Preload("Tags").Order("created_at DESC").Limit(limit).Offset(offset).Find(&posts).Error; err != nil {
		return nil, fmt.Errorf("list posts failed: %w", err)
	}
	return posts, nil
}

func (r *PostRepository) ReplaceTags(post *model.Post, tags []model.Tag) error {
	if err := r.db.Model(post).Association("Tags").Replace(tags); err != nil {
		return fmt.Errorf("replace post tags failed: %w", err)
	}
	return nil
}

// Delete removes the post, its tag links, and its chunk rows.
func (r *PostRepository) Delete(id uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("post_id = ?", id).Delete(&model.PostChunk{}).Error; err != nil {
			return fmt.Errorf("delete post chunks failed: %w", err)
		}
		if err := tx.Exec("DELETE FROM post_tags WHERE post_id = ?", id).Error; err != nil {
			return fmt.Errorf("delete post tag links failed: %w", err)
		}
		if err := tx.Delete(&model.Post{}, id).Error; err != nil {
			return fmt.Errorf("delete post failed: %w", err)
		}
		return nil
	})
}
