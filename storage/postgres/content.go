package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/theaigrid/aigrid/pkg/aigrid"
	"github.com/theaigrid/aigrid/pkg/content"
)

const articleColumns = `id::text, title, slug, excerpt, content, category, image_url, author_id,
	is_premium, status, views, read_time, published_at, created_at, updated_at`

func scanArticle(row pgx.Row) (*content.Article, error) {
	var a content.Article
	var status string
	if err := row.Scan(&a.ID, &a.Title, &a.Slug, &a.Excerpt, &a.Content, &a.Category, &a.ImageURL,
		&a.AuthorID, &a.IsPremium, &status, &a.Views, &a.ReadTime, &a.PublishedAt,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = content.ArticleStatus(status)
	return &a, nil
}

// CreateArticle implements content.Store
func (s *Storage) CreateArticle(ctx context.Context, article *content.Article) error {
	if article == nil || article.Slug == "" {
		return content.ErrInvalidArticle
	}
	if article.ID == "" {
		article.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO articles (id, title, slug, excerpt, content, category, image_url, author_id,
				is_premium, status, views, read_time, published_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		article.ID, article.Title, article.Slug, article.Excerpt, article.Content, article.Category,
		article.ImageURL, article.AuthorID, article.IsPremium, string(article.Status), article.Views,
		article.ReadTime, article.PublishedAt, article.CreatedAt, article.UpdatedAt)
	if isUniqueViolation(err) {
		return content.ErrDuplicateSlug
	}
	if err != nil {
		return fmt.Errorf("failed to insert article: %w", err)
	}
	return nil
}

// GetArticleBySlug implements content.Store
func (s *Storage) GetArticleBySlug(ctx context.Context, slug string) (*content.Article, error) {
	a, err := scanArticle(s.pool.QueryRow(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE slug = $1`, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, content.ErrArticleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get article: %w", err)
	}
	return a, nil
}

// ListArticles implements content.Store
func (s *Storage) ListArticles(ctx context.Context, filter content.ArticleFilter) ([]*content.Article, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+articleColumns+` FROM articles
			WHERE ($1 = '' OR status = $1)
			ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		string(filter.Status), limitArg(filter.Limit), filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list articles: %w", err)
	}
	return collect(rows, scanArticle)
}

// CountArticles implements content.Store
func (s *Storage) CountArticles(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM articles`)
}

// TopArticles implements content.Store
func (s *Storage) TopArticles(ctx context.Context, limit int) ([]*content.Article, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+articleColumns+` FROM articles ORDER BY views DESC, created_at DESC LIMIT $1`,
		limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list top articles: %w", err)
	}
	return collect(rows, scanArticle)
}

// IncrementArticleViews implements content.Store
func (s *Storage) IncrementArticleViews(ctx context.Context, articleID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE articles SET views = views + 1 WHERE id = $1`, articleID)
	if err != nil {
		return fmt.Errorf("failed to increment views: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return content.ErrArticleNotFound
	}
	return nil
}

// AddSubscriber implements content.Store
func (s *Storage) AddSubscriber(ctx context.Context, sub *content.Subscriber) error {
	if sub == nil || sub.Email == "" {
		return fmt.Errorf("invalid subscriber")
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO newsletter_subscribers (id, email, active, created_at) VALUES ($1, $2, $3, $4)`,
		sub.ID, strings.ToLower(sub.Email), sub.Active, createdAt)
	if isUniqueViolation(err) {
		return content.ErrDuplicateSubscriber
	}
	if err != nil {
		return fmt.Errorf("failed to insert subscriber: %w", err)
	}
	return nil
}

// ListSubscribers implements content.Store
func (s *Storage) ListSubscribers(ctx context.Context, opts aigrid.ListOptions) ([]*content.Subscriber, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, email, active, created_at FROM newsletter_subscribers
			ORDER BY created_at DESC, email LIMIT $1 OFFSET $2`,
		limitArg(opts.Limit), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribers: %w", err)
	}
	return collect(rows, func(row pgx.Row) (*content.Subscriber, error) {
		var sub content.Subscriber
		if err := row.Scan(&sub.ID, &sub.Email, &sub.Active, &sub.CreatedAt); err != nil {
			return nil, err
		}
		return &sub, nil
	})
}

// CountSubscribers implements content.Store
func (s *Storage) CountSubscribers(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM newsletter_subscribers`)
}

// RecordPageView implements content.Store
func (s *Storage) RecordPageView(ctx context.Context, view *content.PageView) error {
	if view == nil {
		return fmt.Errorf("invalid page view")
	}
	if view.ID == "" {
		view.ID = uuid.NewString()
	}
	var articleID *string
	if view.ArticleID != "" {
		articleID = &view.ArticleID
	}
	createdAt := view.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO page_views (id, article_id, path, user_id, created_at) VALUES ($1, $2, $3, $4, $5)`,
		view.ID, articleID, view.Path, view.UserID, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert page view: %w", err)
	}
	return nil
}

// CountPageViewsSince implements content.Store
func (s *Storage) CountPageViewsSince(ctx context.Context, since time.Time) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM page_views WHERE created_at >= $1`, since)
}

// RecentPageViews implements content.Store
func (s *Storage) RecentPageViews(ctx context.Context, limit int) ([]*content.PageView, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, COALESCE(article_id::text, ''), path, user_id, created_at
			FROM page_views ORDER BY created_at DESC LIMIT $1`,
		limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list page views: %w", err)
	}
	return collect(rows, func(row pgx.Row) (*content.PageView, error) {
		var v content.PageView
		if err := row.Scan(&v.ID, &v.ArticleID, &v.Path, &v.UserID, &v.CreatedAt); err != nil {
			return nil, err
		}
		return &v, nil
	})
}
