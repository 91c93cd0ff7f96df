package repository

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"inkpad/internal/model"
)

type TagRepository struct {
	db *gorm.DB
}

func NewTagRepository(db *gorm.DB) *TagRepository {
	return &TagRepository{db: db}
}

// EnsureBySlugs returns the tags for the given slugs, creating missing ones.
func (r *TagRepository) EnsureBySlugs(slugs []string) ([]model.Tag, error) {
	if len(slugs) == 0 {
		return nil, nil
	}

	tags := make([]model.Tag, 0, len(slugs))
	for _, slug := range slugs {
		slug = strings.TrimSpace(strings.ToLower(slug))
		if slug == "" {
			continue
		}
		tags = append(tags, model.Tag{Slug: slug, Name: slug})
	}
	if len(tags) == 0 {
		return nil, nil
	}

	if err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		DoNothing: true,
	}).Create(&tags).Error; err != nil {
		return nil, fmt.Errorf("ensure tags failed: %w", err)
	}

	// Re-read to pick up ids for rows that already existed.
	slugList := make([]string, len(tags))
	for i := range tags {
		slugList[i] = tags[i].Slug
	}
	var out []model.Tag
	if err := r.db.Where("slug IN ?", slugList).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load tags failed: %w", err)
	}
	return out, nil
}

func (r *TagRepository) List() ([]model.Tag, error) {
	var tags []model.Tag
	if err := r.db.Order("slug").Find(&tags).Error; err != nil {
		return nil, fmt.Errorf("list tags failed: %w", err)
	}
	return tags, nil
}
