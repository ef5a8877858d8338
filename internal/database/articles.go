package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

const articleColumns = `id, uuid, link, title, source, domain, published_at,
	description, improved_description, seo_title, seo_description,
	image_url, image_width, image_height, category, geotag, tags,
	shopify_metaobject_id, shopify_handle, moderation_status, created_at, updated_at`

// InsertArticle stores a new article. A fresh uuid is assigned when the
// caller left it empty, and the status defaults to scraped. A second insert
// for the same link fails with a uniqueness violation (see IsConflict).
func (db *DB) InsertArticle(a *Article) error {
	if a.UUID == "" {
		a.UUID = uuid.NewString()
	}
	if a.ModerationStatus == "" {
		a.ModerationStatus = StatusScraped
	}

	tags, err := marshalTags(a.Tags)
	if err != nil {
		return err
	}

	result, err := db.conn.Exec(
		`INSERT INTO articles (uuid, link, title, source, domain, published_at,
			description, improved_description, seo_title, seo_description,
			image_url, image_width, image_height, category, geotag, tags,
			shopify_metaobject_id, shopify_handle, moderation_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UUID, a.Link, a.Title, a.Source, a.Domain, formatTime(a.PublishedAt),
		a.Description, a.ImprovedDescription, a.SEOTitle, a.SEODescription,
		a.ImageURL, a.ImageWidth, a.ImageHeight, a.Category, a.Geotag, tags,
		a.ShopifyMetaobjectID, a.ShopifyHandle, a.ModerationStatus,
	)
	if err != nil {
		return err
	}
	a.ID, _ = result.LastInsertId()
	return nil
}

// GetArticleByLink returns the article with the given canonical link, or nil.
func (db *DB) GetArticleByLink(link string) (*Article, error) {
	return db.getArticle("link", link)
}

// GetArticleByUUID returns the article with the given uuid, or nil.
func (db *DB) GetArticleByUUID(id string) (*Article, error) {
	return db.getArticle("uuid", id)
}

func (db *DB) getArticle(column, value string) (*Article, error) {
	row := db.conn.QueryRow(
		"SELECT "+articleColumns+" FROM articles WHERE "+column+" = ?", value,
	)
	a, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateScrapedFields overwrites the re-derivable fields of an article that
// is still in scraped state. Enrichment and publish fields are never touched,
// nor is the moderation status. Returns false when the article has moved past
// scraped and the re-scrape must be ignored.
func (db *DB) UpdateScrapedFields(a *Article) (bool, error) {
	result, err := db.conn.Exec(
		`UPDATE articles SET title = ?, source = ?, domain = ?, published_at = ?,
			description = ?, image_url = ?, image_width = ?, image_height = ?,
			category = ?, updated_at = datetime('now')
		WHERE link = ? AND moderation_status = ?`,
		a.Title, a.Source, a.Domain, formatTime(a.PublishedAt),
		a.Description, a.ImageURL, a.ImageWidth, a.ImageHeight,
		a.Category,
		a.Link, StatusScraped,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// GetArticlesByStatus returns articles in the given lifecycle state,
// optionally filtered by source, ordered newest first.
func (db *DB) GetArticlesByStatus(status Status, source *string) ([]Article, error) {
	query := "SELECT " + articleColumns + " FROM articles WHERE moderation_status = ?"
	args := []any{status}
	if source != nil {
		query += " AND source = ?"
		args = append(args, *source)
	}
	query += " ORDER BY published_at DESC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArticles(rows)
}

// ListFilter selects articles for the operator listing endpoint.
type ListFilter struct {
	Statuses []Status
	Source   string
	Search   string
}

// ListArticles returns articles matching the filter, newest first.
func (db *DB) ListArticles(f ListFilter) ([]Article, error) {
	builder := sq.Select(articleColumns).
		From("articles").
		OrderBy("published_at DESC")

	if len(f.Statuses) > 0 {
		values := make([]any, len(f.Statuses))
		for i, s := range f.Statuses {
			values[i] = s
		}
		builder = builder.Where(sq.Eq{"moderation_status": values})
	}
	if f.Source != "" {
		builder = builder.Where(sq.Eq{"source": f.Source})
	}
	if f.Search != "" {
		like := "%" + f.Search + "%"
		builder = builder.Where(sq.Or{
			sq.Like{"title": like},
			sq.Like{"description": like},
			sq.Like{"improved_description": like},
		})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building article query: %w", err)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArticles(rows)
}

// Enrichment holds the AI-derived fields applied after enrichment.
type Enrichment struct {
	Category            *string
	Geotag              *string
	Tags                []string
	ImprovedDescription string
	SEOTitle            string
	SEODescription      string
}

// ApplyEnrichment writes the enrichment fields and advances the article from
// scraped to aiProcessed in one compare-and-set update. Returns false when
// the article left the scraped state in the meantime (e.g. was rejected
// between selection and processing), in which case nothing is written.
func (db *DB) ApplyEnrichment(articleUUID string, e Enrichment) (bool, error) {
	tags, err := marshalTags(e.Tags)
	if err != nil {
		return false, err
	}

	result, err := db.conn.Exec(
		`UPDATE articles SET category = ?, geotag = ?, tags = ?,
			improved_description = ?, seo_title = ?, seo_description = ?,
			moderation_status = ?, updated_at = datetime('now')
		WHERE uuid = ? AND moderation_status = ?`,
		e.Category, e.Geotag, tags,
		e.ImprovedDescription, e.SEOTitle, e.SEODescription,
		StatusAIProcessed,
		articleUUID, StatusScraped,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// SetModerationStatus performs a guarded lifecycle transition. The edge must
// exist in the state machine, and the row must still be in the from state
// when the update lands; both guards together make each transition happen at
// most once.
func (db *DB) SetModerationStatus(articleUUID string, from, to Status) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("illegal status transition %s -> %s", from, to)
	}
	result, err := db.conn.Exec(
		`UPDATE articles SET moderation_status = ?, updated_at = datetime('now')
		WHERE uuid = ? AND moderation_status = ?`,
		to, articleUUID, from,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// RejectArticle force-rejects an article from any non-rejected state.
func (db *DB) RejectArticle(articleUUID string) (bool, error) {
	result, err := db.conn.Exec(
		`UPDATE articles SET moderation_status = ?, updated_at = datetime('now')
		WHERE uuid = ? AND moderation_status != ?`,
		StatusRejected, articleUUID, StatusRejected,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// SetShopifyRef persists the external metaobject id and handle returned by a
// successful create, and advances the article to sentToShopify. The advance
// is guarded like every other transition: a rejection that landed while the
// create was in flight wins, and only the external reference is recorded on
// the rejected row. Returns false when the status race was lost. The id, once
// set, is never cleared.
func (db *DB) SetShopifyRef(articleUUID, metaobjectID, handle string) (bool, error) {
	result, err := db.conn.Exec(
		`UPDATE articles SET shopify_metaobject_id = ?, shopify_handle = ?,
			moderation_status = ?, updated_at = datetime('now')
		WHERE uuid = ? AND moderation_status IN (?, ?)`,
		metaobjectID, handle, StatusSentToShopify,
		articleUUID, StatusAIProcessed, StatusSentToShopify,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	// The metaobject exists regardless of the local status, so keep the
	// reference to it without touching the moderation status.
	_, err = db.conn.Exec(
		`UPDATE articles SET shopify_metaobject_id = ?, shopify_handle = ?,
			updated_at = datetime('now')
		WHERE uuid = ?`,
		metaobjectID, handle, articleUUID,
	)
	return false, err
}

// SetShopifyHandle updates only the stored handle after an external update.
func (db *DB) SetShopifyHandle(articleUUID, handle string) error {
	_, err := db.conn.Exec(
		`UPDATE articles SET shopify_handle = ?, updated_at = datetime('now') WHERE uuid = ?`,
		handle, articleUUID,
	)
	return err
}

// ArticleEdit carries operator-editable content fields. Nil means unchanged.
type ArticleEdit struct {
	Title               *string
	Description         *string
	ImprovedDescription *string
	SEOTitle            *string
	SEODescription      *string
	ImageURL            *string
	Category            *string
	Geotag              *string
	Tags                []string
}

// UpdateEditableFields applies an operator edit to content fields only.
// Lifecycle and external-mirror fields are not reachable through this path.
func (db *DB) UpdateEditableFields(articleUUID string, edit ArticleEdit) (bool, error) {
	set := map[string]any{"updated_at": sq.Expr("datetime('now')")}
	if edit.Title != nil {
		set["title"] = *edit.Title
	}
	if edit.Description != nil {
		set["description"] = *edit.Description
	}
	if edit.ImprovedDescription != nil {
		set["improved_description"] = *edit.ImprovedDescription
	}
	if edit.SEOTitle != nil {
		set["seo_title"] = *edit.SEOTitle
	}
	if edit.SEODescription != nil {
		set["seo_description"] = *edit.SEODescription
	}
	if edit.ImageURL != nil {
		set["image_url"] = *edit.ImageURL
	}
	if edit.Category != nil {
		set["category"] = *edit.Category
	}
	if edit.Geotag != nil {
		set["geotag"] = *edit.Geotag
	}
	if edit.Tags != nil {
		tags, err := marshalTags(edit.Tags)
		if err != nil {
			return false, err
		}
		set["tags"] = tags
	}
	if len(set) == 1 {
		return false, nil
	}

	query, args, err := sq.Update("articles").
		SetMap(set).
		Where(sq.Eq{"uuid": articleUUID}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building edit query: %w", err)
	}

	result, err := db.conn.Exec(query, args...)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func marshalTags(tags []string) (*string, error) {
	if tags == nil {
		return nil, nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshaling tags: %w", err)
	}
	s := string(data)
	return &s, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func scanArticles(rows *sql.Rows) ([]Article, error) {
	var articles []Article
	for rows.Next() {
		a, err := scanArticleRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		articles = append(articles, *a)
	}
	return articles, rows.Err()
}

func scanArticle(row *sql.Row) (*Article, error) {
	return scanArticleRow(row.Scan)
}

func scanArticleRow(scan func(dest ...any) error) (*Article, error) {
	var a Article
	var publishedAt, tags *string
	var status string
	if err := scan(&a.ID, &a.UUID, &a.Link, &a.Title, &a.Source, &a.Domain, &publishedAt,
		&a.Description, &a.ImprovedDescription, &a.SEOTitle, &a.SEODescription,
		&a.ImageURL, &a.ImageWidth, &a.ImageHeight, &a.Category, &a.Geotag, &tags,
		&a.ShopifyMetaobjectID, &a.ShopifyHandle, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.ModerationStatus = Status(status)
	if publishedAt != nil {
		if t, err := time.Parse(time.RFC3339, *publishedAt); err == nil {
			a.PublishedAt = &t
		}
	}
	if tags != nil {
		if err := json.Unmarshal([]byte(*tags), &a.Tags); err != nil {
			return nil, fmt.Errorf("unmarshaling tags: %w", err)
		}
	}
	return &a, nil
}
