package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"

	"inkpad/internal/model"
)

var (
	ErrPostNotFound = errors.New("post not found")
	ErrForbidden    = errors.New("operation not allowed")
)

const maxSlugAttempts = 20

// PostStore is the subset of the post repository the service needs.
type PostStore interface {
	Create(post *model.Post) error
	Update(post *model.Post) error
	GetByID(id uint) (*model.Post, error)
	GetBySlug(slug string) (*model.Post, error)
	List(limit, offset int) ([]model.Post, error)
	ListByAuthorID(authorID uint) ([]model.Post, error)
	ReplaceTags(post *model.Post, tags []model.Tag) error
	Delete(id uint) error
}

// TagStore resolves tag slugs to rows, creating missing ones.
type TagStore interface {
	EnsureBySlugs(slugs []string) ([]model.Tag, error)
}

type PostService struct {
	posts     PostStore
	tags      TagStore
	publisher EventPublisher
}

type PostInput struct {
	Title    string
	Body     string
	TagSlugs []string
}

func NewPostService(posts PostStore, tags TagStore, publisher EventPublisher) *PostService {
	return &PostService{posts: posts, tags: tags, publisher: publisher}
}

// Create stores a new post and queues it for embedding. Event publish
// failures are logged but do not fail the write; a later edit or manual
// reindex recovers the index.
func (s *PostService) Create(ctx context.Context, authorID uint, input PostInput) (*model.Post, error) {
	title := strings.TrimSpace(input.Title)
	body := strings.TrimSpace(input.Body)
	if authorID == 0 || title == "" || body == "" {
		return nil, ErrInvalidInput
	}

	slug, err := s.availableSlug(title)
	if err != nil {
		return nil, err
	}

	post := &model.Post{
		AuthorID: authorID,
		Title:    title,
		Slug:     slug,
		Body:     body,
	}
	if err := s.posts.Create(post); err != nil {
		return nil, err
	}
	if err := s.applyTags(post, input.TagSlugs); err != nil {
		return nil, err
	}

	s.publish(ctx, post, EventPostPublished)
	return post, nil
}

// Update rewrites an existing post owned by userID. The slug is kept stable
// across title edits so published links keep working.
func (s *PostService) Update(ctx context.Context, userID, postID uint, input PostInput) (*model.Post, error) {
	title := strings.TrimSpace(input.Title)
	body := strings.TrimSpace(input.Body)
	if title == "" || body == "" {
		return nil, ErrInvalidInput
	}

	post, err := s.posts.GetByID(postID)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, ErrPostNotFound
	}
	if post.AuthorID != userID {
		return nil, ErrForbidden
	}

	post.Title = title
	post.Body = body
	if err := s.posts.Update(post); err != nil {
		return nil, err
	}
	if err := s.applyTags(post, input.TagSlugs); err != nil {
		return nil, err
	}

	s.publish(ctx, post, EventPostUpdated)
	return post, nil
}

func (s *PostService) Get(id uint) (*model.Post, error) {
	post, err := s.posts.GetByID(id)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, ErrPostNotFound
	}
	return post, nil
}

func (s *PostService) GetBySlug(slug string) (*model.Post, error) {
	post, err := s.posts.GetBySlug(slug)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, ErrPostNotFound
	}
	return post, nil
}

func (s *PostService) List(limit, offset int) ([]model.Post, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.posts.List(limit, offset)
}

func (s *PostService) ListByAuthor(authorID uint) ([]model.Post, error) {
	if authorID == 0 {
		return nil, ErrInvalidInput
	}
	return s.posts.ListByAuthorID(authorID)
}

// Delete removes a post owned by userID together with its chunk rows.
func (s *PostService) Delete(userID, postID uint) error {
	post, err := s.posts.GetByID(postID)
	if err != nil {
		return err
	}
	if post == nil {
		return ErrPostNotFound
	}
	if post.AuthorID != userID {
		return ErrForbidden
	}
	return s.posts.Delete(postID)
}

func (s *PostService) applyTags(post *model.Post, slugs []string) error {
	tags, err := s.tags.EnsureBySlugs(slugs)
	if err != nil {
		return err
	}
	if err := s.posts.ReplaceTags(post, tags); err != nil {
		return err
	}
	post.Tags = tags
	return nil
}

func (s *PostService) publish(ctx context.Context, post *model.Post, kind string) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishEmbedJob(ctx, EmbedJob{PostID: post.ID}); err != nil {
		log.Printf("publish embed job for post %d failed: %v", post.ID, err)
	}
	ev := PostEvent{Kind: kind, PostID: post.ID, AuthorID: post.AuthorID, Title: post.Title}
	if err := s.publisher.PublishPostEvent(ctx, ev); err != nil {
		log.Printf("publish post event for post %d failed: %v", post.ID, err)
	}
}

func (s *PostService) availableSlug(title string) (string, error) {
	base := slugify(title)
	slug := base
	for i := 2; i <= maxSlugAttempts; i++ {
		existing, err := s.posts.GetBySlug(slug)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, i)
	}
	return "", fmt.Errorf("no free slug for title %q", title)
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(title string) string {
	slug := strings.ToLower(strings.TrimSpace(title))
	slug = slugStrip.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "post"
	}
	if len(slug) > 200 {
		slug = strings.Trim(slug[:200], "-")
	}
	return slug
}
