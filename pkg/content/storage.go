package content

import (
	"context"
	"time"

	"github.com/theaigrid/aigrid/pkg/aigrid"
)

// Store persists articles, newsletter subscribers and page views.
type Store interface {
	// CreateArticle returns ErrDuplicateSlug when the slug is taken.
	CreateArticle(ctx context.Context, article *Article) error

	// GetArticleBySlug returns ErrArticleNotFound when no article matches.
	GetArticleBySlug(ctx context.Context, slug string) (*Article, error)

	// ListArticles returns articles newest first.
	ListArticles(ctx context.Context, filter ArticleFilter) ([]*Article, error)
	CountArticles(ctx context.Context) (int, error)

	// TopArticles returns the most viewed articles.
	TopArticles(ctx context.Context, limit int) ([]*Article, error)
	IncrementArticleViews(ctx context.Context, articleID string) error

	// AddSubscriber returns ErrDuplicateSubscriber for a known email.
	AddSubscriber(ctx context.Context, sub *Subscriber) error
	ListSubscribers(ctx context.Context, opts aigrid.ListOptions) ([]*Subscriber, error)
	CountSubscribers(ctx context.Context) (int, error)

	RecordPageView(ctx context.Context, view *PageView) error
	CountPageViewsSince(ctx context.Context, since time.Time) (int, error)

	// RecentPageViews returns views newest first.
	RecentPageViews(ctx context.Context, limit int) ([]*PageView, error)
}
