package api

import (
	"errors"
	"fmt"
	"net/http"

	mw "github.com/theaigrid/aigrid/middleware/http"
	"github.com/theaigrid/aigrid/pkg/content"
)

// AdminDashboard serves the admin overview.
func (h *Handler) AdminDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.config.Content.Dashboard(r.Context())
	if err != nil {
		h.handleError(w, err, http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

// AdminAnalytics serves the traffic report.
func (h *Handler) AdminAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := h.config.Content.Analytics(r.Context())
	if err != nil {
		h.handleError(w, err, http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

func (h *Handler) AdminUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.config.Content.Users(r.Context(), listOptions(r))
	if err != nil {
		h.handleError(w, err, http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

func (h *Handler) AdminSubscribers(w http.ResponseWriter, r *http.Request) {
	subs, err := h.config.Content.Subscribers(r.Context(), listOptions(r))
	if err != nil {
		h.handleError(w, err, http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"subscribers": subs})
}

func (h *Handler) AdminBilling(w http.ResponseWriter, r *http.Request) {
	subs, err := h.config.Content.Billing(r.Context(), listOptions(r))
	if err != nil {
		h.handleError(w, err, http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"subscriptions": subs})
}

// AdminArticles lists articles, optionally filtered by ?status=.
func (h *Handler) AdminArticles(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)
	status := content.ArticleStatus(r.URL.Query().Get("status"))
	if status != "" && status != content.StatusDraft && status != content.StatusPublished {
		h.handleError(w, fmt.Errorf("unknown status %q", status), http.StatusBadRequest)
		return
	}
	articles, err := h.config.Content.Articles(r.Context(), content.ArticleFilter{
		Status: status,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
	if err != nil {
		h.handleError(w, err, http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"articles": articles})
}

// AdminCreateArticle creates an article authored by the caller.
func (h *Handler) AdminCreateArticle(w http.ResponseWriter, r *http.Request) {
	var in content.ArticleInput
	if err := h.decode(w, r, &in); err != nil {
		h.handleError(w, err, http.StatusBadRequest)
		return
	}
	in.AuthorID = mw.UserID(r)

	article, err := h.config.Content.CreateArticle(r.Context(), in)
	switch {
	case errors.Is(err, content.ErrInvalidArticle):
		h.handleError(w, err, http.StatusBadRequest)
	case errors.Is(err, content.ErrDuplicateSlug):
		h.handleError(w, err, http.StatusConflict)
	case err != nil:
		h.handleError(w, err, http.StatusInternalServerError)
	default:
		h.writeJSON(w, http.StatusCreated, article)
	}
}
