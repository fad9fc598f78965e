package content

import "errors"

var (
	// ErrArticleNotFound is returned when no article matches a lookup
	ErrArticleNotFound = errors.New("article not found")

	// ErrDuplicateSlug is returned when an article slug is already taken
	ErrDuplicateSlug = errors.New("article slug already exists")

	// ErrDuplicateSubscriber is returned when an email is already subscribed
	ErrDuplicateSubscriber = errors.New("email already subscribed")

	// ErrInvalidArticle is returned when an article fails validation
	ErrInvalidArticle = errors.New("invalid article")

	// ErrInvalidEmail is returned for a malformed newsletter address
	ErrInvalidEmail = errors.New("invalid email address")
)
