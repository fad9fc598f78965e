package content

import "time"

// ArticleStatus is the publication state of an article.
type ArticleStatus string

const (
	StatusDraft     ArticleStatus = "draft"
	StatusPublished ArticleStatus = "published"
)

// Article is a blog post. Premium articles are only served in full to
// readers with a paid tier.
type Article struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Slug        string        `json:"slug"`
	Excerpt     string        `json:"excerpt"`
	Content     string        `json:"content,omitempty"`
	Category    string        `json:"category"`
	ImageURL    string        `json:"image_url,omitempty"`
	AuthorID    string        `json:"author_id,omitempty"`
	IsPremium   bool          `json:"is_premium"`
	Status      ArticleStatus `json:"status"`
	Views       int           `json:"views"`
	ReadTime    int           `json:"read_time"`
	PublishedAt *time.Time    `json:"published_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Teaser returns a copy of the article without its body.
func (a *Article) Teaser() *Article {
	c := *a
	c.Content = ""
	return &c
}

// Subscriber is a newsletter signup.
type Subscriber struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// PageView is one recorded article view.
type PageView struct {
	ID        string    `json:"id"`
	ArticleID string    `json:"article_id"`
	Path      string    `json:"path"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ArticleFilter narrows article listings. Zero values mean no filter.
type ArticleFilter struct {
	Status ArticleStatus
	Limit  int
	Offset int
}

// Dashboard is the admin overview.
type Dashboard struct {
	Articles         int        `json:"articles"`
	Subscribers      int        `json:"subscribers"`
	Users            int        `json:"users"`
	Views7d          int        `json:"views_7d"`
	EstimatedRevenue float64    `json:"estimated_revenue"`
	RecentArticles   []*Article `json:"recent_articles"`
}

// Analytics is the admin traffic report.
type Analytics struct {
	Views7d     int         `json:"views_7d"`
	Views30d    int         `json:"views_30d"`
	TopArticles []*Article  `json:"top_articles"`
	RecentViews []*PageView `json:"recent_views"`
}
