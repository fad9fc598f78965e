// Package content implements the blog side of The AI Grid: articles,
// newsletter signups, page views and the admin read views built on them.
package content

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/theaigrid/aigrid/pkg/aigrid"
)

const (
	wordsPerMinute      = 200
	recentArticlesLimit = 5
	topArticlesLimit    = 10
	recentViewsLimit    = 20

	// Revenue estimate: each newsletter subscriber counts as a 10% chance
	// of a $9 Pro subscription.
	estimatedPlanPrice  = 9.0
	estimatedConversion = 0.1
)

var slugSeparator = regexp.MustCompile(`[^a-z0-9]+`)

// Accounts is the subset of the subscription store the admin views read.
type Accounts interface {
	CountProfiles(ctx context.Context) (int, error)
	ListProfiles(ctx context.Context, opts aigrid.ListOptions) ([]*aigrid.Profile, error)
	ListSubscriptions(ctx context.Context, opts aigrid.ListOptions) ([]*aigrid.Subscription, error)
}

// ServiceConfig holds optional service dependencies.
type ServiceConfig struct {
	Logger aigrid.Logger
	Now    func() time.Time
}

// Service implements content operations and admin aggregates.
type Service struct {
	store    Store
	accounts Accounts
	validate *validator.Validate
	logger   aigrid.Logger
	now      func() time.Time
}

// NewService creates a content service.
func NewService(store Store, accounts Accounts, config ServiceConfig) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("content store is required")
	}
	if accounts == nil {
		return nil, fmt.Errorf("accounts store is required")
	}
	if config.Logger == nil {
		config.Logger = &aigrid.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:    store,
		accounts: accounts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   config.Logger,
		now:      config.Now,
	}, nil
}

// ArticleInput is the author-supplied part of an article.
type ArticleInput struct {
	Title     string        `json:"title" validate:"required,max=300"`
	Slug      string        `json:"slug" validate:"omitempty,max=200"`
	Excerpt   string        `json:"excerpt" validate:"max=1000"`
	Content   string        `json:"content" validate:"required"`
	Category  string        `json:"category" validate:"required,max=100"`
	ImageURL  string        `json:"image_url" validate:"omitempty,url"`
	IsPremium bool          `json:"is_premium"`
	Status    ArticleStatus `json:"status" validate:"omitempty,oneof=draft published"`
	AuthorID  string        `json:"-"`
}

// Slugify lowercases title and joins its alphanumeric runs with dashes.
func Slugify(title string) string {
	slug := slugSeparator.ReplaceAllString(strings.ToLower(title), "-")
	return strings.Trim(slug, "-")
}

// ReadTime estimates reading minutes at 200 words per minute, rounded up,
// and never less than one.
func ReadTime(body string) int {
	words := len(strings.Fields(body))
	return max(1, int(math.Ceil(float64(words)/wordsPerMinute)))
}

// CreateArticle derives slug and read time and stores a new article. The
// slug comes from in.Slug when set, otherwise from the title.
func (s *Service) CreateArticle(ctx context.Context, in ArticleInput) (*Article, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArticle, err)
	}
	source := in.Slug
	if strings.TrimSpace(source) == "" {
		source = in.Title
	}
	slug := Slugify(source)
	if slug == "" {
		return nil, fmt.Errorf("%w: title has no usable characters", ErrInvalidArticle)
	}

	status := in.Status
	if status == "" {
		status = StatusDraft
	}
	if status != StatusDraft && status != StatusPublished {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidArticle, status)
	}

	now := s.now()
	article := &Article{
		ID:        uuid.NewString(),
		Title:     strings.TrimSpace(in.Title),
		Slug:      slug,
		Excerpt:   in.Excerpt,
		Content:   in.Content,
		Category:  in.Category,
		ImageURL:  in.ImageURL,
		AuthorID:  in.AuthorID,
		IsPremium: in.IsPremium,
		Status:    status,
		ReadTime:  ReadTime(in.Content),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if status == StatusPublished {
		article.PublishedAt = &now
	}

	if err := s.store.CreateArticle(ctx, article); err != nil {
		return nil, fmt.Errorf("failed to create article: %w", err)
	}
	s.logger.Info("article created", aigrid.F("slug", slug), aigrid.F("status", string(status)))
	return article, nil
}

// PublishedArticle returns a published article by slug.
func (s *Service) PublishedArticle(ctx context.Context, slug string) (*Article, error) {
	article, err := s.store.GetArticleBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if article.Status != StatusPublished {
		return nil, ErrArticleNotFound
	}
	return article, nil
}

// RecordView stores a page view for a published article and bumps its
// view counter.
func (s *Service) RecordView(ctx context.Context, slug, userID string) error {
	article, err := s.PublishedArticle(ctx, slug)
	if err != nil {
		return err
	}
	view := &PageView{
		ID:        uuid.NewString(),
		ArticleID: article.ID,
		Path:      "/blog/" + article.Slug,
		UserID:    userID,
		CreatedAt: s.now(),
	}
	if err := s.store.RecordPageView(ctx, view); err != nil {
		return fmt.Errorf("failed to record page view: %w", err)
	}
	if err := s.store.IncrementArticleViews(ctx, article.ID); err != nil {
		return fmt.Errorf("failed to increment views: %w", err)
	}
	return nil
}

// Subscribe adds an email to the newsletter list.
func (s *Service) Subscribe(ctx context.Context, email string) (*Subscriber, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := s.validate.Var(email, "required,email"); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	sub := &Subscriber{
		ID:        uuid.NewString(),
		Email:     email,
		Active:    true,
		CreatedAt: s.now(),
	}
	if err := s.store.AddSubscriber(ctx, sub); err != nil {
		if errors.Is(err, ErrDuplicateSubscriber) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to add subscriber: %w", err)
	}
	return sub, nil
}

// Dashboard gathers the admin overview. Counts are read concurrently.
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	var d Dashboard
	since := s.now().Add(-7 * 24 * time.Hour)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.store.CountArticles(ctx)
		d.Articles = n
		return wrap("count articles", err)
	})
	g.Go(func() error {
		n, err := s.store.CountSubscribers(ctx)
		d.Subscribers = n
		return wrap("count subscribers", err)
	})
	g.Go(func() error {
		n, err := s.accounts.CountProfiles(ctx)
		d.Users = n
		return wrap("count profiles", err)
	})
	g.Go(func() error {
		articles, err := s.store.ListArticles(ctx, ArticleFilter{Limit: recentArticlesLimit})
		d.RecentArticles = articles
		return wrap("list recent articles", err)
	})
	g.Go(func() error {
		n, err := s.store.CountPageViewsSince(ctx, since)
		d.Views7d = n
		return wrap("count page views", err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d.EstimatedRevenue = math.Round(float64(d.Subscribers)*estimatedPlanPrice*estimatedConversion*100) / 100
	return &d, nil
}

// Analytics gathers the admin traffic report.
func (s *Service) Analytics(ctx context.Context) (*Analytics, error) {
	var a Analytics
	now := s.now()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.store.CountPageViewsSince(ctx, now.Add(-7*24*time.Hour))
		a.Views7d = n
		return wrap("count 7d views", err)
	})
	g.Go(func() error {
		n, err := s.store.CountPageViewsSince(ctx, now.Add(-30*24*time.Hour))
		a.Views30d = n
		return wrap("count 30d views", err)
	})
	g.Go(func() error {
		top, err := s.store.TopArticles(ctx, topArticlesLimit)
		a.TopArticles = top
		return wrap("list top articles", err)
	})
	g.Go(func() error {
		views, err := s.store.RecentPageViews(ctx, recentViewsLimit)
		a.RecentViews = views
		return wrap("list recent views", err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Articles lists articles for the admin CMS.
func (s *Service) Articles(ctx context.Context, filter ArticleFilter) ([]*Article, error) {
	return s.store.ListArticles(ctx, filter)
}

// Subscribers lists newsletter subscribers.
func (s *Service) Subscribers(ctx context.Context, opts aigrid.ListOptions) ([]*Subscriber, error) {
	return s.store.ListSubscribers(ctx, opts)
}

// Users lists profiles.
func (s *Service) Users(ctx context.Context, opts aigrid.ListOptions) ([]*aigrid.Profile, error) {
	return s.accounts.ListProfiles(ctx, opts)
}

// Billing lists subscriptions across both providers.
func (s *Service) Billing(ctx context.Context, opts aigrid.ListOptions) ([]*aigrid.Subscription, error) {
	return s.accounts.ListSubscriptions(ctx, opts)
}

func wrap(op string, err error) error {
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}
